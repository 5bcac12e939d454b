package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supporttools/GoWALGuard/pkg/backup"
	"github.com/supporttools/GoWALGuard/pkg/catalog"
	"github.com/supporttools/GoWALGuard/pkg/config"
	"github.com/supporttools/GoWALGuard/pkg/logging"
)

type recordingRunner struct {
	calls []backup.BackupOptions
	err   error
}

func (r *recordingRunner) RunBackup(ctx context.Context, opts backup.BackupOptions) (*catalog.Backup, error) {
	r.calls = append(r.calls, opts)
	if r.err != nil {
		return nil, r.err
	}
	return &catalog.Backup{ID: "ID1", Mode: opts.Mode}, nil
}

func TestRunOnceUsesScheduleSettings(t *testing.T) {
	runner := &recordingRunner{}
	s := NewScheduler(map[string]Runner{"main": runner}, 3, logging.Discard())
	require.NoError(t, s.SetupJobs([]config.ScheduleConfig{
		{Name: "nightly", Instance: "main", Mode: "full", Schedule: "0 0 * * *"},
		{Name: "hourly", Instance: "main", Mode: "page", Schedule: "0 * * * *", Stream: true},
	}))

	require.NoError(t, s.RunOnce(context.Background(), "hourly"))
	require.NoError(t, s.RunOnce(context.Background(), "nightly"))
	require.Len(t, runner.calls, 2)
	assert.Equal(t, backup.BackupOptions{Mode: catalog.ModePage, Parallelism: 3, TransferMode: catalog.TransferStream}, runner.calls[0])
	assert.Equal(t, backup.BackupOptions{Mode: catalog.ModeFull, Parallelism: 3, TransferMode: catalog.TransferArchive}, runner.calls[1])

	assert.Error(t, s.RunOnce(context.Background(), "weekly"))
}

func TestRunOncePropagatesFailure(t *testing.T) {
	runner := &recordingRunner{err: errors.New("segment absent")}
	s := NewScheduler(map[string]Runner{"main": runner}, 1, logging.Discard())
	require.NoError(t, s.SetupJobs([]config.ScheduleConfig{{Name: "n", Instance: "main", Mode: "full", Schedule: "@daily"}}))
	assert.EqualError(t, s.RunOnce(context.Background(), "n"), "segment absent")
}

func TestSetupJobsRejectsBadSchedules(t *testing.T) {
	runners := map[string]Runner{"main": &recordingRunner{}}

	s := NewScheduler(runners, 1, logging.Discard())
	assert.Error(t, s.SetupJobs([]config.ScheduleConfig{{Name: "x", Instance: "main", Mode: "full", Schedule: "not cron"}}))

	s = NewScheduler(runners, 1, logging.Discard())
	assert.Error(t, s.SetupJobs([]config.ScheduleConfig{{Name: "x", Instance: "other", Mode: "full", Schedule: "@daily"}}))

	s = NewScheduler(runners, 1, logging.Discard())
	assert.Error(t, s.SetupJobs([]config.ScheduleConfig{{Name: "x", Instance: "main", Mode: "delta", Schedule: "@daily"}}))
}

func TestNextRunTime(t *testing.T) {
	s := NewScheduler(map[string]Runner{"main": &recordingRunner{}}, 1, logging.Discard())
	require.NoError(t, s.SetupJobs([]config.ScheduleConfig{{Name: "hourly", Instance: "main", Mode: "page", Schedule: "0 * * * *"}}))

	next, err := s.GetNextRunTime("hourly")
	require.NoError(t, err)
	assert.True(t, next.After(time.Now()))
	assert.Equal(t, 0, next.Minute())

	_, err = s.GetNextRunTime("missing")
	assert.Error(t, err)

	s.Start()
	s.Stop()
}
