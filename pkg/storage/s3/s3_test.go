package s3

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supporttools/GoWALGuard/pkg/catalog"
	"github.com/supporttools/GoWALGuard/pkg/config"
	"github.com/supporttools/GoWALGuard/pkg/logging"
)

// fakeS3 accepts PUT requests and records their paths.
type fakeS3 struct {
	mu   sync.Mutex
	puts []string
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		w.WriteHeader(http.StatusNotImplemented)
		return
	}
	f.mu.Lock()
	f.puts = append(f.puts, r.URL.Path)
	f.mu.Unlock()
	w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
	w.WriteHeader(http.StatusOK)
}

func testConfig(endpoint string) config.S3Config {
	return config.S3Config{
		Enabled:   true,
		Bucket:    "backups",
		Region:    "us-east-1",
		Endpoint:  endpoint,
		AccessKey: "test",
		SecretKey: "secret",
		Prefix:    "/walguard/",
	}
}

func TestNewClientRequiresEnabled(t *testing.T) {
	_, err := NewClient(config.S3Config{}, logging.Discard())
	assert.Error(t, err)
}

func TestBackupPrefix(t *testing.T) {
	assert.Equal(t, "walguard/node/ABC/", backupPrefix("/walguard/", "node", "ABC"))
	assert.Equal(t, "node/ABC/", backupPrefix("", "node", "ABC"))
}

func TestUploadBackup(t *testing.T) {
	fake := &fakeS3{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "backup.json"), []byte("{}"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "database", "base", "1"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "database", "base", "1", "16384"), []byte("block"), 0o600))

	c, err := NewClient(testConfig(srv.URL), logging.Discard())
	require.NoError(t, err)
	err = c.UploadBackup(context.Background(), &catalog.Backup{ID: "ABC", Instance: "node"}, dir)
	require.NoError(t, err)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	sort.Strings(fake.puts)
	assert.Equal(t, []string{
		"/backups/walguard/node/ABC/backup.json",
		"/backups/walguard/node/ABC/database/base/1/16384",
	}, fake.puts)
}

func TestUploadBackupReportsServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "backup.json"), []byte("{}"), 0o600))

	cfg := testConfig(srv.URL)
	c, err := NewClient(cfg, logging.Discard())
	require.NoError(t, err)
	err = c.UploadBackup(context.Background(), &catalog.Backup{ID: "ABC", Instance: "node"}, dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to upload backup to S3")
}

func TestPresignRecordURL(t *testing.T) {
	c, err := NewClient(testConfig("http://127.0.0.1:9000"), logging.Discard())
	require.NoError(t, err)
	u, err := c.PresignRecordURL(context.Background(), "node", "ABC", time.Hour)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, "http://127.0.0.1:9000/backups/walguard/node/ABC/backup.json?"), u)
	assert.Contains(t, u, "X-Amz-Expires=3600")
}
