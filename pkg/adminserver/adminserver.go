// Package adminserver provides the HTTP server of the backup daemon: metrics,
// health, and a JSON API over the catalog and the schedules.
package adminserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/GoWALGuard/pkg/catalog"
	"github.com/supporttools/GoWALGuard/pkg/config"
)

// Scheduler is the part of the scheduler the server drives.
type Scheduler interface {
	RunOnce(ctx context.Context, name string) error
	GetNextRunTime(name string) (time.Time, error)
}

// BackupDeleter removes the remote copy of a deleted backup.
type BackupDeleter interface {
	DeleteBackup(ctx context.Context, instance, id string) error
}

// Options wires a Server to its collaborators.
type Options struct {
	Port      string
	Catalog   *catalog.Catalog
	Scheduler Scheduler
	Schedules []config.ScheduleConfig
	// Remote, when set, also receives deletes.
	Remote BackupDeleter
	Logger logrus.FieldLogger
}

// Server represents the admin HTTP server
type Server struct {
	httpServer *http.Server
	opts       Options
	logger     logrus.FieldLogger

	// ctx outlives requests; manual backups run under it
	ctx    context.Context
	cancel context.CancelFunc

	taskLock      sync.Mutex
	isTaskRunning bool
	tasks         sync.WaitGroup
}

// NewServer creates a new admin server instance
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{opts: opts, logger: logger, ctx: ctx, cancel: cancel}
}

// Handler returns the routed handler of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return s.logRequestMiddleware(mux)
}

// Start starts the admin HTTP server
func (s *Server) Start() *http.Server {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%s", s.opts.Port),
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	go func() {
		s.logger.Infof("Admin server running on port %s", s.opts.Port)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Errorf("HTTP server failed: %v", err)
		}
	}()

	return s.httpServer
}

// Stop shuts the HTTP server down and cancels a manual backup in progress.
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()
	s.tasks.Wait()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// registerRoutes registers all HTTP routes
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.healthCheckHandler)

	mux.HandleFunc("/api/backups", s.listBackupsHandler)
	mux.HandleFunc("/api/backups/detail", s.backupDetailHandler)
	mux.HandleFunc("/api/backups/run", s.runBackupHandler)
	mux.HandleFunc("/api/backups/delete", s.deleteBackupHandler)
	mux.HandleFunc("/api/schedules", s.listSchedulesHandler)
}

// backupSummary is one row of the backup list
type backupSummary struct {
	ID           string     `json:"id"`
	Mode         string     `json:"mode"`
	TransferMode string     `json:"transferMode"`
	Status       string     `json:"status"`
	ParentID     string     `json:"parentId,omitempty"`
	Timeline     uint32     `json:"timeline"`
	StartLSN     string     `json:"startLsn"`
	StopLSN      string     `json:"stopLsn"`
	DataBytes    int64      `json:"dataBytes"`
	DataSize     string     `json:"dataSize"`
	StartTime    time.Time  `json:"startTime"`
	EndTime      *time.Time `json:"endTime,omitempty"`
	Error        string     `json:"error,omitempty"`
}

func summarize(b *catalog.Backup) backupSummary {
	return backupSummary{
		ID:           b.ID,
		Mode:         string(b.Mode),
		TransferMode: string(b.TransferMode),
		Status:       string(b.Status),
		ParentID:     b.ParentID,
		Timeline:     b.Timeline,
		StartLSN:     b.StartLSN.String(),
		StopLSN:      b.StopLSN.String(),
		DataBytes:    b.DataBytes,
		DataSize:     humanize.Bytes(uint64(b.DataBytes)),
		StartTime:    b.StartTime,
		EndTime:      b.EndTime,
		Error:        b.Error,
	}
}

// healthCheckHandler returns a simple health status
func (s *Server) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// listBackupsHandler returns the backups of an instance, optionally
// filtered by status
func (s *Server) listBackupsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	instance := r.URL.Query().Get("instance")
	if instance == "" {
		http.Error(w, "Missing required parameter: instance", http.StatusBadRequest)
		return
	}
	status := r.URL.Query().Get("status")

	backups, err := s.opts.Catalog.List(instance)
	if err != nil {
		s.logger.Errorf("Error listing backups of %s: %v", instance, err)
		http.Error(w, "Error listing backups", http.StatusInternalServerError)
		return
	}
	rows := make([]backupSummary, 0, len(backups))
	for _, b := range backups {
		if status != "" && string(b.Status) != status {
			continue
		}
		rows = append(rows, summarize(b))
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"backups": rows,
		"count":   len(rows),
	})
}

// backupDetailHandler returns one full backup record
func (s *Server) backupDetailHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	instance, id, ok := backupParams(w, r)
	if !ok {
		return
	}
	b, err := s.opts.Catalog.Get(instance, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, b)
}

// runBackupHandler triggers the backup of a configured schedule now
func (s *Server) runBackupHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	name := r.URL.Query().Get("schedule")
	if name == "" {
		http.Error(w, "Missing required parameter: schedule", http.StatusBadRequest)
		return
	}
	if _, ok := s.schedule(name); !ok {
		http.Error(w, fmt.Sprintf("Invalid schedule: %s", name), http.StatusBadRequest)
		return
	}
	if s.opts.Scheduler == nil {
		http.Error(w, "Scheduler not configured", http.StatusInternalServerError)
		return
	}
	if !s.triggerBackup(name) {
		http.Error(w, "A backup task is already running", http.StatusConflict)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"status":   "accepted",
		"message":  fmt.Sprintf("Backup %s started", name),
		"schedule": name,
	})
}

// deleteBackupHandler deletes a backup, with its descendants when cascade is set
func (s *Server) deleteBackupHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	instance, id, ok := backupParams(w, r)
	if !ok {
		return
	}
	cascade, _ := strconv.ParseBool(r.URL.Query().Get("cascade"))

	removed, err := s.opts.Catalog.Delete(instance, id, cascade)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if s.opts.Remote != nil {
		for _, rid := range removed {
			if err := s.opts.Remote.DeleteBackup(r.Context(), instance, rid); err != nil {
				s.logger.Warnf("Failed to delete backup %s from S3: %v", rid, err)
			}
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "success",
		"message": fmt.Sprintf("Backup %s deleted", id),
		"removed": removed,
	})
}

// scheduleInfo is one row of the schedule list
type scheduleInfo struct {
	Name     string     `json:"name"`
	Instance string     `json:"instance"`
	Mode     string     `json:"mode"`
	Schedule string     `json:"schedule"`
	Stream   bool       `json:"stream"`
	NextRun  *time.Time `json:"nextRun,omitempty"`
}

// listSchedulesHandler returns the configured schedules and their next run
func (s *Server) listSchedulesHandler(w http.ResponseWriter, r *http.Request) {
	rows := make([]scheduleInfo, 0, len(s.opts.Schedules))
	for _, sc := range s.opts.Schedules {
		info := scheduleInfo{Name: sc.Name, Instance: sc.Instance, Mode: sc.Mode, Schedule: sc.Schedule, Stream: sc.Stream}
		if s.opts.Scheduler != nil {
			if next, err := s.opts.Scheduler.GetNextRunTime(sc.Name); err == nil {
				info.NextRun = &next
			}
		}
		rows = append(rows, info)
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"schedules": rows,
		"count":     len(rows),
	})
}

func (s *Server) schedule(name string) (config.ScheduleConfig, bool) {
	for _, sc := range s.opts.Schedules {
		if sc.Name == name {
			return sc, true
		}
	}
	return config.ScheduleConfig{}, false
}

func backupParams(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	instance := r.URL.Query().Get("instance")
	id := r.URL.Query().Get("id")
	if instance == "" || id == "" {
		http.Error(w, "Missing required parameters: instance, id", http.StatusBadRequest)
		return "", "", false
	}
	return instance, id, true
}

// writeError maps catalog errors to HTTP status codes
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, catalog.ErrHasDependents), errors.Is(err, catalog.ErrRunning):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		s.logger.Errorf("Admin request failed: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Errorf("Error encoding response: %v", err)
	}
}

// logRequestMiddleware logs HTTP requests
func (s *Server) logRequestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.Debugf("HTTP %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

// triggerBackup ensures only one manual backup runs at a time
func (s *Server) triggerBackup(name string) bool {
	s.taskLock.Lock()
	defer s.taskLock.Unlock()

	if s.isTaskRunning {
		return false
	}
	s.isTaskRunning = true
	s.tasks.Add(1)

	go func() {
		defer s.tasks.Done()
		defer func() {
			s.taskLock.Lock()
			s.isTaskRunning = false
			s.taskLock.Unlock()
		}()

		s.logger.Infof("Running manual backup of schedule %s", name)
		if err := s.opts.Scheduler.RunOnce(s.ctx, name); err != nil {
			s.logger.Errorf("Error running backup: %v", err)
		}
	}()

	return true
}

// taskRunning reports whether a manual backup is in progress
func (s *Server) taskRunning() bool {
	s.taskLock.Lock()
	defer s.taskLock.Unlock()
	return s.isTaskRunning
}
