package archive

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/natefinch/atomic"

	"github.com/supporttools/GoWALGuard/pkg/fault"
)

// Push copies a completed segment file into the archive directory, compressed
// as requested. The archived file appears atomically and an existing archived
// copy, in any stored form, is never overwritten. One archiver per archive
// directory is assumed.
func Push(src, dir string, c Compression) (string, error) {
	plain := filepath.Join(dir, filepath.Base(src))
	existing, _, found, err := storedForm(plain)
	if err != nil {
		return "", err
	}
	if found {
		return "", fmt.Errorf("archive file %s already exists", existing)
	}
	dst := plain + c.Suffix()
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fault.IO(err, "create archive directory", dir)
	}

	in, err := os.Open(src)
	if err != nil {
		return "", fault.IO(err, "open", src)
	}
	defer in.Close()

	var buf bytes.Buffer
	switch c {
	case CompressionGzip:
		zw := gzip.NewWriter(&buf)
		if _, err := io.Copy(zw, in); err != nil {
			return "", fault.IO(err, "compress", src)
		}
		if err := zw.Close(); err != nil {
			return "", fault.IO(err, "compress", src)
		}
	case CompressionZstd:
		zw, err := zstd.NewWriter(&buf)
		if err != nil {
			return "", fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		if _, err := io.Copy(zw, in); err != nil {
			zw.Close()
			return "", fault.IO(err, "compress", src)
		}
		if err := zw.Close(); err != nil {
			return "", fault.IO(err, "compress", src)
		}
	default:
		if _, err := io.Copy(&buf, in); err != nil {
			return "", fault.IO(err, "read", src)
		}
	}

	if err := atomic.WriteFile(dst, &buf); err != nil {
		return "", fault.IO(err, "write", dst)
	}
	return dst, nil
}
