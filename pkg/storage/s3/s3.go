// Package s3 copies finished backups to S3 compatible object storage.
package s3

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/GoWALGuard/pkg/catalog"
	"github.com/supporttools/GoWALGuard/pkg/config"
	"github.com/supporttools/GoWALGuard/pkg/metrics"
)

// Client represents an S3 client
type Client struct {
	s3Client *s3.Client
	cfg      config.S3Config
	logger   logrus.FieldLogger
}

// NewClient creates a new S3 client
func NewClient(cfg config.S3Config, logger logrus.FieldLogger) (*Client, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("S3 storage is not enabled in configuration")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	s3Client, err := getS3Client(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize S3 client: %w", err)
	}

	return &Client{
		s3Client: s3Client,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// getS3Client initializes and returns an S3 client based on configuration
func getS3Client(cfg config.S3Config, logger logrus.FieldLogger) (*s3.Client, error) {
	ctx := context.Background()

	httpClient := &http.Client{}

	if cfg.UseSSL {
		tlsConfig := &tls.Config{}

		if cfg.CustomCAPath != "" && !cfg.SkipCertValidation {
			rootCAs, _ := x509.SystemCertPool()
			if rootCAs == nil {
				rootCAs = x509.NewCertPool()
			}

			caCert, err := os.ReadFile(cfg.CustomCAPath)
			if err != nil {
				return nil, fmt.Errorf("failed to read custom CA certificate: %w", err)
			}

			if ok := rootCAs.AppendCertsFromPEM(caCert); !ok {
				return nil, fmt.Errorf("failed to append custom CA certificate")
			}

			tlsConfig.RootCAs = rootCAs
			logger.Infof("Using custom CA certificate from %s", cfg.CustomCAPath)
		}

		if cfg.SkipCertValidation {
			tlsConfig.InsecureSkipVerify = true
			logger.Warn("TLS certificate validation is disabled for S3 connections")
		}

		httpClient.Transport = &http.Transport{TLSClientConfig: tlsConfig}
	}

	sdkOptions := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey, cfg.SecretKey, "",
		)),
		awsconfig.WithHTTPClient(httpClient),
		awsconfig.WithRegion(cfg.Region),
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, sdkOptions...)
	if err != nil {
		return nil, fmt.Errorf("AWS SDK config initialization error: %w", err)
	}

	s3Options := []func(*s3.Options){
		func(o *s3.Options) {
			o.UsePathStyle = cfg.PathStyle || cfg.Endpoint != ""
		},
	}
	if cfg.Endpoint != "" {
		logger.Debugf("Using S3 endpoint %s", cfg.Endpoint)
		s3Options = append(s3Options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	return s3.NewFromConfig(awsCfg, s3Options...), nil
}

// backupPrefix returns the key prefix of one backup
func backupPrefix(prefix, instance, id string) string {
	if prefix != "" {
		return fmt.Sprintf("%s/%s/%s/", strings.Trim(prefix, "/"), instance, id)
	}
	return fmt.Sprintf("%s/%s/", instance, id)
}

// UploadBackup uploads every file below dir, the backup directory of b,
// keyed by its path relative to dir.
func (c *Client) UploadBackup(ctx context.Context, b *catalog.Backup, dir string) error {
	startTime := time.Now()
	prefix := backupPrefix(c.cfg.Prefix, b.Instance, b.ID)

	var uploaded int
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if err := c.putFile(ctx, path, prefix+filepath.ToSlash(rel)); err != nil {
			return err
		}
		uploaded++
		return nil
	})
	if err != nil {
		metrics.S3UploadCount.WithLabelValues(b.Instance, "error").Inc()
		return fmt.Errorf("failed to upload backup to S3: %w", err)
	}

	metrics.S3UploadDuration.WithLabelValues(b.Instance).Observe(time.Since(startTime).Seconds())
	metrics.S3UploadCount.WithLabelValues(b.Instance, "success").Inc()
	c.logger.Infof("Successfully uploaded backup %s to S3: s3://%s/%s (%d objects)", b.ID, c.cfg.Bucket, prefix, uploaded)
	return nil
}

func (c *Client) putFile(ctx context.Context, path, key string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s for S3 upload: %w", path, err)
	}
	defer file.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	c.logger.Debugf("Uploading %s to bucket=%s key=%s", path, c.cfg.Bucket, key)
	_, err = c.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(c.cfg.Bucket),
		Key:    aws.String(key),
		Body:   file,
	})
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			c.logger.Debugf("S3 URL error: %v, URL: %v, Op: %v", urlErr.Err, urlErr.URL, urlErr.Op)
		}
		return fmt.Errorf("failed to put %s: %w", key, err)
	}
	return nil
}

// DeleteBackup removes every object of one backup.
func (c *Client) DeleteBackup(ctx context.Context, instance, id string) error {
	prefix := backupPrefix(c.cfg.Prefix, instance, id)
	paginator := s3.NewListObjectsV2Paginator(c.s3Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.cfg.Bucket),
		Prefix: aws.String(prefix),
	})

	var removed int
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("failed to list S3 objects under %s: %w", prefix, err)
		}
		if len(page.Contents) == 0 {
			continue
		}
		objects := make([]types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			objects = append(objects, types.ObjectIdentifier{Key: obj.Key})
		}
		_, err = c.s3Client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(c.cfg.Bucket),
			Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("failed to delete S3 objects under %s: %w", prefix, err)
		}
		removed += len(objects)
	}
	c.logger.Infof("Removed %d S3 objects of backup %s", removed, id)
	return nil
}
