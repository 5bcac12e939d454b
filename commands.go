package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/supporttools/GoWALGuard/pkg/adminserver"
	"github.com/supporttools/GoWALGuard/pkg/backup"
	"github.com/supporttools/GoWALGuard/pkg/catalog"
	"github.com/supporttools/GoWALGuard/pkg/config"
	"github.com/supporttools/GoWALGuard/pkg/fault"
	"github.com/supporttools/GoWALGuard/pkg/instance"
	"github.com/supporttools/GoWALGuard/pkg/restore"
	"github.com/supporttools/GoWALGuard/pkg/scheduler"
	"github.com/supporttools/GoWALGuard/pkg/version"
)

var (
	backupInstance string
	backupMode     string
	backupThreads  int
	backupStream   bool
	backupParent   string

	restoreInstance    string
	restoreBackupID    string
	restoreTarget      string
	restoreThreads     int
	restoreTablespaces []string

	showInstance string
	showBackupID string
	showPresign  time.Duration

	deleteInstance string
	deleteBackupID string
	deleteCascade  bool

	initInstance string
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Take a FULL or PAGE backup of an instance",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBackup(cmd.Context())
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore a backup into an empty directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRestore(cmd.Context())
	},
}

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "List the backups of an instance",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runShow(cmd.Context())
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete a backup",
	Long: `Delete a backup record and its files. A backup other backups build on is
only removed together with its descendants, when --cascade is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDelete(cmd.Context())
	},
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run the configured backup schedules until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSchedule(cmd.Context())
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the data and archive directories of a configured instance",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInit()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Get().String())
	},
}

func init() {
	backupCmd.Flags().StringVar(&backupInstance, "instance", "", "instance name")
	backupCmd.Flags().StringVarP(&backupMode, "mode", "b", "full", "backup mode: full or page")
	backupCmd.Flags().IntVarP(&backupThreads, "threads", "j", 0, "number of parallel workers (default from config)")
	backupCmd.Flags().BoolVar(&backupStream, "stream", false, "copy the WAL needed for consistency into the backup")
	backupCmd.Flags().StringVar(&backupParent, "parent", "", "parent backup id of a PAGE backup (default latest OK)")
	backupCmd.MarkFlagRequired("instance")

	restoreCmd.Flags().StringVar(&restoreInstance, "instance", "", "instance name")
	restoreCmd.Flags().StringVarP(&restoreBackupID, "backup-id", "i", "", "backup to restore")
	restoreCmd.Flags().StringVarP(&restoreTarget, "target", "D", "", "empty target data directory")
	restoreCmd.Flags().IntVarP(&restoreThreads, "threads", "j", 0, "number of parallel workers (default from config)")
	restoreCmd.Flags().StringArrayVarP(&restoreTablespaces, "tablespace-mapping", "T", nil, "relocate a tablespace, OLD=NEW (repeatable)")
	restoreCmd.MarkFlagRequired("instance")
	restoreCmd.MarkFlagRequired("backup-id")
	restoreCmd.MarkFlagRequired("target")

	showCmd.Flags().StringVar(&showInstance, "instance", "", "instance name")
	showCmd.Flags().StringVarP(&showBackupID, "backup-id", "i", "", "show the details of one backup")
	showCmd.Flags().DurationVar(&showPresign, "presign", 0, "with --backup-id, print a presigned S3 URL of the record valid this long")
	showCmd.MarkFlagRequired("instance")

	deleteCmd.Flags().StringVar(&deleteInstance, "instance", "", "instance name")
	deleteCmd.Flags().StringVarP(&deleteBackupID, "backup-id", "i", "", "backup to delete")
	deleteCmd.Flags().BoolVar(&deleteCascade, "cascade", false, "also delete every backup that depends on it")
	deleteCmd.MarkFlagRequired("instance")
	deleteCmd.MarkFlagRequired("backup-id")

	initCmd.Flags().StringVar(&initInstance, "instance", "", "instance name")
	initCmd.MarkFlagRequired("instance")
}

func threadsOrDefault(n int) int {
	if n == 0 {
		return config.CFG.Parallelism
	}
	return n
}

func runBackup(ctx context.Context) error {
	mode, ok := catalog.ParseMode(backupMode)
	if !ok {
		return fault.Usagef("unknown backup mode %q", backupMode)
	}
	cat, err := openCatalog()
	if err != nil {
		return err
	}
	h, err := openInstance(backupInstance, cat)
	if err != nil {
		return err
	}
	defer h.Close()

	opts := backup.BackupOptions{
		Mode:         mode,
		Parallelism:  threadsOrDefault(backupThreads),
		TransferMode: catalog.TransferArchive,
		ParentID:     backupParent,
	}
	if backupStream {
		opts.TransferMode = catalog.TransferStream
	}
	b, err := h.executor.RunBackup(ctx, opts)
	if err != nil {
		return err
	}
	fmt.Println(b.ID)
	return nil
}

func runRestore(ctx context.Context) error {
	if _, err := config.CFG.Instance(restoreInstance); err != nil {
		return err
	}
	cat, err := openCatalog()
	if err != nil {
		return err
	}
	engine := restore.NewEngine(cat, logger)
	return engine.Restore(ctx, restore.RestoreOptions{
		Instance:      restoreInstance,
		BackupID:      restoreBackupID,
		TargetDir:     restoreTarget,
		TablespaceMap: restoreTablespaces,
		Parallelism:   threadsOrDefault(restoreThreads),
	})
}

func runShow(ctx context.Context) error {
	cat, err := openCatalog()
	if err != nil {
		return err
	}
	if showBackupID != "" {
		return showBackup(ctx, cat)
	}

	backups, err := cat.List(showInstance)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMODE\tWAL\tSTATUS\tPARENT\tTLI\tSTART LSN\tSTOP LSN\tDATA\tSTARTED")
	for _, b := range backups {
		parent := b.ParentID
		if parent == "" {
			parent = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			b.ID, b.Mode, b.TransferMode, b.Status, parent, b.Timeline,
			b.StartLSN, b.StopLSN, humanize.Bytes(uint64(b.DataBytes)), humanize.Time(b.StartTime))
	}
	return w.Flush()
}

func showBackup(ctx context.Context, cat *catalog.Catalog) error {
	b, err := cat.Get(showInstance, showBackupID)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID:\t%s\n", b.ID)
	fmt.Fprintf(w, "Mode:\t%s (%s)\n", b.Mode, b.TransferMode)
	fmt.Fprintf(w, "Status:\t%s\n", b.Status)
	if b.ParentID != "" {
		fmt.Fprintf(w, "Parent:\t%s\n", b.ParentID)
	}
	fmt.Fprintf(w, "System identifier:\t%d\n", b.SystemIdentifier)
	fmt.Fprintf(w, "Timeline:\t%d\n", b.Timeline)
	fmt.Fprintf(w, "WAL range:\t%s - %s\n", b.StartLSN, b.StopLSN)
	fmt.Fprintf(w, "Block size:\t%d\n", b.BlockSize)
	fmt.Fprintf(w, "Started:\t%s (%s)\n", b.StartTime.Format(time.RFC3339), humanize.Time(b.StartTime))
	if b.EndTime != nil {
		fmt.Fprintf(w, "Finished:\t%s\n", b.EndTime.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "Stored:\t%s in %d files\n", humanize.Bytes(uint64(b.DataBytes)), len(b.Files))
	for _, ts := range b.Tablespaces {
		fmt.Fprintf(w, "Tablespace %d:\t%s\n", ts.OID, ts.Location)
	}
	if b.Error != "" {
		fmt.Fprintf(w, "Error:\t%s\n", b.Error)
	}

	if showPresign > 0 {
		client, err := s3Client(logger)
		if err != nil {
			return err
		}
		if client == nil {
			return fault.Usagef("--presign requires S3 storage to be enabled")
		}
		url, err := client.PresignRecordURL(ctx, b.Instance, b.ID, showPresign)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Record URL:\t%s\n", url)
	}
	return w.Flush()
}

func runDelete(ctx context.Context) error {
	cat, err := openCatalog()
	if err != nil {
		return err
	}
	removed, err := cat.Delete(deleteInstance, deleteBackupID, deleteCascade)
	if err != nil {
		return err
	}

	client, err := s3Client(logger)
	if err != nil {
		return err
	}
	for _, id := range removed {
		logger.Infof("Deleted backup %s", id)
		if client == nil {
			continue
		}
		if err := client.DeleteBackup(ctx, deleteInstance, id); err != nil {
			logger.Warnf("Failed to delete backup %s from S3: %v", id, err)
		}
	}
	return nil
}

func runSchedule(ctx context.Context) error {
	if len(config.CFG.Schedules) == 0 {
		return fault.Usagef("no schedules configured")
	}
	cat, err := openCatalog()
	if err != nil {
		return err
	}

	runners := make(map[string]scheduler.Runner)
	var handles []*instanceHandle
	defer func() {
		for _, h := range handles {
			h.Close()
		}
	}()
	for _, sc := range config.CFG.Schedules {
		if _, ok := runners[sc.Instance]; ok {
			continue
		}
		h, err := openInstance(sc.Instance, cat)
		if err != nil {
			return err
		}
		handles = append(handles, h)
		runners[sc.Instance] = h.executor
	}

	sched := scheduler.NewScheduler(runners, config.CFG.Parallelism, logger)
	if err := sched.SetupJobs(config.CFG.Schedules); err != nil {
		return err
	}
	for _, sc := range config.CFG.Schedules {
		if next, err := sched.GetNextRunTime(sc.Name); err == nil {
			logger.Infof("Next %s backup at %s", sc.Name, next.Format(time.RFC3339))
		}
	}

	var admin *adminserver.Server
	if config.CFG.Metrics.Enabled {
		remote, err := s3Client(logger)
		if err != nil {
			return err
		}
		opts := adminserver.Options{
			Port:      config.CFG.Metrics.Port,
			Catalog:   cat,
			Scheduler: sched,
			Schedules: config.CFG.Schedules,
			Logger:    logger,
		}
		if remote != nil {
			opts.Remote = remote
		}
		admin = adminserver.NewServer(opts)
		admin.Start()
	}

	sched.Start()
	<-ctx.Done()
	logger.Info("Received shutdown signal, stopping scheduler...")
	if admin != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := admin.Stop(shutdownCtx); err != nil {
			logger.Warnf("Failed to stop admin server: %v", err)
		}
	}
	sched.Stop()
	return nil
}

func runInit() error {
	ic, err := config.CFG.Instance(initInstance)
	if err != nil {
		return err
	}
	err = instance.Init(ic.DataDir, instance.InitOptions{
		BlockSize:    ic.BlockSize,
		RelSegBlocks: ic.RelSegBlocks,
		SegmentSize:  ic.SegmentSize,
	})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(ic.ArchiveDir, 0700); err != nil {
		return fault.IO(err, "create directory", ic.ArchiveDir)
	}
	control, err := instance.ReadControl(ic.DataDir)
	if err != nil {
		return err
	}
	logger.Infof("Initialized instance %s in %s (system identifier %d, block size %d)",
		initInstance, ic.DataDir, control.SystemIdentifier, control.BlockSize)
	return nil
}
