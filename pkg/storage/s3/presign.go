package s3

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/supporttools/GoWALGuard/pkg/storage/local"
)

// PresignRecordURL creates a presigned download URL for the uploaded
// backup record of one backup.
func (c *Client) PresignRecordURL(ctx context.Context, instance, id string, expiryTime time.Duration) (string, error) {
	presignClient := s3.NewPresignClient(c.s3Client)

	key := backupPrefix(c.cfg.Prefix, instance, id) + local.RecordFileName
	presignResult, err := presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.cfg.Bucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = expiryTime
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}

	c.logger.Debugf("Generated presigned URL for S3 object %s (expires in %s)", key, expiryTime)
	return presignResult.URL, nil
}
