// Package scheduler runs backups on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/GoWALGuard/pkg/backup"
	"github.com/supporttools/GoWALGuard/pkg/catalog"
	"github.com/supporttools/GoWALGuard/pkg/config"
)

// Runner takes backups of one instance.
type Runner interface {
	RunBackup(ctx context.Context, opts backup.BackupOptions) (*catalog.Backup, error)
}

// Scheduler handles cron scheduling for backups
type Scheduler struct {
	cronScheduler *cron.Cron
	runners       map[string]Runner // by instance name
	parallelism   int
	logger        logrus.FieldLogger
	jobIDs        map[string]cron.EntryID // by schedule name
	jobs          map[string]config.ScheduleConfig
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewScheduler creates a new scheduler
func NewScheduler(runners map[string]Runner, parallelism int, logger logrus.FieldLogger) *Scheduler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		// a job still running when its next tick comes is skipped
		cronScheduler: cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		runners:       runners,
		parallelism:   parallelism,
		logger:        logger,
		jobIDs:        make(map[string]cron.EntryID),
		jobs:          make(map[string]config.ScheduleConfig),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// SetupJobs configures all scheduled jobs
func (s *Scheduler) SetupJobs(schedules []config.ScheduleConfig) error {
	for _, sc := range schedules {
		sc := sc
		if _, ok := s.runners[sc.Instance]; !ok {
			return fmt.Errorf("schedule %s refers to unknown instance %s", sc.Name, sc.Instance)
		}
		if _, ok := catalog.ParseMode(sc.Mode); !ok {
			return fmt.Errorf("schedule %s has unknown backup mode %q", sc.Name, sc.Mode)
		}

		jobID, err := s.cronScheduler.AddFunc(sc.Schedule, func() {
			if err := s.RunOnce(s.ctx, sc.Name); err != nil {
				s.logger.Errorf("Scheduled backup %s failed: %v", sc.Name, err)
			}
		})
		if err != nil {
			return fmt.Errorf("failed to schedule %s backup with cron expression '%s': %w", sc.Name, sc.Schedule, err)
		}

		s.jobIDs[sc.Name] = jobID
		s.jobs[sc.Name] = sc
		s.logger.Infof("Scheduled %s %s backup of %s with cron expression: %s", sc.Name, strings.ToUpper(sc.Mode), sc.Instance, sc.Schedule)
	}
	return nil
}

// Start begins the scheduled jobs
func (s *Scheduler) Start() {
	s.cronScheduler.Start()
	s.logger.Info("Backup scheduler started successfully")
}

// Stop halts all scheduled jobs and waits for running ones to finish
func (s *Scheduler) Stop() {
	s.cancel()
	ctx := s.cronScheduler.Stop()
	<-ctx.Done()
	s.logger.Info("Backup scheduler stopped")
}

// RunOnce runs the backup of one configured schedule now
func (s *Scheduler) RunOnce(ctx context.Context, name string) error {
	sc, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("no schedule named %s", name)
	}
	mode, _ := catalog.ParseMode(sc.Mode)
	opts := backup.BackupOptions{
		Mode:         mode,
		Parallelism:  s.parallelism,
		TransferMode: catalog.TransferArchive,
	}
	if sc.Stream {
		opts.TransferMode = catalog.TransferStream
	}

	s.logger.Infof("Starting %s backup...", sc.Name)
	b, err := s.runners[sc.Instance].RunBackup(ctx, opts)
	if err != nil {
		return err
	}
	s.logger.Infof("Scheduled backup %s finished: %s", sc.Name, b.ID)
	return nil
}

// GetNextRunTime returns the next scheduled run time of a schedule
func (s *Scheduler) GetNextRunTime(name string) (time.Time, error) {
	id, ok := s.jobIDs[name]
	if !ok {
		return time.Time{}, fmt.Errorf("no schedule named %s", name)
	}
	entry := s.cronScheduler.Entry(id)
	if !entry.Valid() {
		return time.Time{}, fmt.Errorf("schedule %s is not registered", name)
	}
	if entry.Next.IsZero() {
		return entry.Schedule.Next(time.Now()), nil
	}
	return entry.Next, nil
}
