package adminserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supporttools/GoWALGuard/pkg/catalog"
	"github.com/supporttools/GoWALGuard/pkg/config"
	"github.com/supporttools/GoWALGuard/pkg/logging"
	"github.com/supporttools/GoWALGuard/pkg/storage/local"
)

type fakeScheduler struct {
	mu      sync.Mutex
	ran     []string
	release chan struct{}
}

func (f *fakeScheduler) RunOnce(ctx context.Context, name string) error {
	f.mu.Lock()
	f.ran = append(f.ran, name)
	f.mu.Unlock()
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
		}
	}
	return nil
}

func (f *fakeScheduler) GetNextRunTime(name string) (time.Time, error) {
	return time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC), nil
}

type fakeRemote struct {
	deleted []string
}

func (f *fakeRemote) DeleteBackup(ctx context.Context, instance, id string) error {
	f.deleted = append(f.deleted, instance+"/"+id)
	return nil
}

var testSchedules = []config.ScheduleConfig{
	{Name: "nightly", Instance: "node", Mode: "full", Schedule: "@daily"},
}

func newTestServer(t *testing.T, sched Scheduler, remote BackupDeleter) *Server {
	t.Helper()
	layout, err := local.NewClient(t.TempDir())
	require.NoError(t, err)
	store := catalog.NewFileStore(layout)
	start := time.Date(2025, 5, 23, 12, 0, 0, 0, time.UTC)
	for _, b := range []*catalog.Backup{
		{ID: "A", Instance: "node", Mode: catalog.ModeFull, Status: catalog.StatusOK, DataBytes: 2048, StartTime: start},
		{ID: "B", Instance: "node", Mode: catalog.ModePage, ParentID: "A", Status: catalog.StatusOK, StartTime: start},
		{ID: "C", Instance: "node", Mode: catalog.ModeFull, Status: catalog.StatusError, Error: "segment absent", StartTime: start},
	} {
		require.NoError(t, store.Save(b))
	}
	cat := catalog.New(store, layout, logging.Discard())
	return NewServer(Options{
		Catalog:   cat,
		Scheduler: sched,
		Schedules: testSchedules,
		Remote:    remote,
		Logger:    logging.Discard(),
	})
}

func do(t *testing.T, s *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func TestHealthCheck(t *testing.T) {
	s := newTestServer(t, nil, nil)
	rr := do(t, s, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rr.Code)

	var response map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &response))
	assert.Equal(t, "healthy", response["status"])
	assert.NotEmpty(t, response["time"])
}

func TestListBackups(t *testing.T) {
	s := newTestServer(t, nil, nil)

	rr := do(t, s, http.MethodGet, "/api/backups?instance=node")
	require.Equal(t, http.StatusOK, rr.Code)
	var all struct {
		Backups []backupSummary `json:"backups"`
		Count   int             `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &all))
	assert.Equal(t, 3, all.Count)
	assert.Equal(t, "A", all.Backups[0].ID)
	assert.Equal(t, "2.0 kB", all.Backups[0].DataSize)

	rr = do(t, s, http.MethodGet, "/api/backups?instance=node&status=ERROR")
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &all))
	require.Equal(t, 1, all.Count)
	assert.Equal(t, "segment absent", all.Backups[0].Error)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/backups").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, s, http.MethodPost, "/api/backups?instance=node").Code)
}

func TestBackupDetail(t *testing.T) {
	s := newTestServer(t, nil, nil)

	rr := do(t, s, http.MethodGet, "/api/backups/detail?instance=node&id=B")
	require.Equal(t, http.StatusOK, rr.Code)
	var b catalog.Backup
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &b))
	assert.Equal(t, "A", b.ParentID)
	assert.Equal(t, catalog.ModePage, b.Mode)

	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/backups/detail?instance=node&id=Z").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/backups/detail?instance=node").Code)
}

func TestDeleteBackup(t *testing.T) {
	remote := &fakeRemote{}
	s := newTestServer(t, nil, remote)

	assert.Equal(t, http.StatusMethodNotAllowed, do(t, s, http.MethodGet, "/api/backups/delete?instance=node&id=A").Code)
	assert.Equal(t, http.StatusConflict, do(t, s, http.MethodPost, "/api/backups/delete?instance=node&id=A").Code)
	assert.Empty(t, remote.deleted)

	rr := do(t, s, http.MethodPost, "/api/backups/delete?instance=node&id=A&cascade=true")
	require.Equal(t, http.StatusOK, rr.Code)
	var resp struct {
		Removed []string `json:"removed"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, []string{"B", "A"}, resp.Removed)
	assert.Equal(t, []string{"node/B", "node/A"}, remote.deleted)

	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodPost, "/api/backups/delete?instance=node&id=A").Code)
}

func TestRunBackupHandler_Validation(t *testing.T) {
	tests := []struct {
		name           string
		method         string
		query          string
		sched          Scheduler
		expectedStatus int
	}{
		{name: "Invalid method", method: http.MethodGet, query: "?schedule=nightly", sched: &fakeScheduler{}, expectedStatus: http.StatusMethodNotAllowed},
		{name: "Missing schedule parameter", method: http.MethodPost, sched: &fakeScheduler{}, expectedStatus: http.StatusBadRequest},
		{name: "Unknown schedule", method: http.MethodPost, query: "?schedule=weekly", sched: &fakeScheduler{}, expectedStatus: http.StatusBadRequest},
		{name: "No scheduler configured", method: http.MethodPost, query: "?schedule=nightly", expectedStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, tt.sched, nil)
			rr := do(t, s, tt.method, "/api/backups/run"+tt.query)
			assert.Equal(t, tt.expectedStatus, rr.Code)
		})
	}
}

func TestRunBackupOneAtATime(t *testing.T) {
	sched := &fakeScheduler{release: make(chan struct{})}
	s := newTestServer(t, sched, nil)

	assert.Equal(t, http.StatusAccepted, do(t, s, http.MethodPost, "/api/backups/run?schedule=nightly").Code)
	assert.True(t, s.taskRunning())
	assert.Equal(t, http.StatusConflict, do(t, s, http.MethodPost, "/api/backups/run?schedule=nightly").Code)

	close(sched.release)
	require.Eventually(t, func() bool { return !s.taskRunning() }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))

	sched.mu.Lock()
	defer sched.mu.Unlock()
	assert.Equal(t, []string{"nightly"}, sched.ran)
}

func TestListSchedules(t *testing.T) {
	s := newTestServer(t, &fakeScheduler{}, nil)
	rr := do(t, s, http.MethodGet, "/api/schedules")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Schedules []scheduleInfo `json:"schedules"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Schedules, 1)
	assert.Equal(t, "nightly", resp.Schedules[0].Name)
	require.NotNil(t, resp.Schedules[0].NextRun)
	assert.Equal(t, 2030, resp.Schedules[0].NextRun.Year())
}
