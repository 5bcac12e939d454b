package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/supporttools/GoWALGuard/pkg/archive"
	"github.com/supporttools/GoWALGuard/pkg/backup"
	"github.com/supporttools/GoWALGuard/pkg/catalog"
	"github.com/supporttools/GoWALGuard/pkg/config"
	"github.com/supporttools/GoWALGuard/pkg/instance"
	"github.com/supporttools/GoWALGuard/pkg/logging"
	"github.com/supporttools/GoWALGuard/pkg/storage/local"
	"github.com/supporttools/GoWALGuard/pkg/storage/s3"
)

var (
	// cfgFile is the path to the config file (set via --config flag)
	cfgFile string

	// logger is shared by every command once the configuration is loaded
	logger = logging.Default()
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "gowalguard",
	Short: "Physical backup and restore of WAL-logged database instances",
	Long: `gowalguard takes FULL and PAGE backups of a data directory, validates the
archived WAL they depend on, keeps a catalog of backup records and restores
a backup chain into an empty directory.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		if err := config.LoadConfiguration(cfgFile); err != nil {
			return err
		}
		if err := config.ValidateConfig(); err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}

		l, err := logging.New(os.Stderr, config.CFG.LogLevel)
		if err != nil {
			return err
		}
		logger = l
		if config.CFG.Debug {
			config.DisplayConfiguration(logger.WithField("component", "config"))
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $CONFIG_FILE)")

	rootCmd.AddCommand(backupCmd, restoreCmd, showCmd, deleteCmd, scheduleCmd, initCmd, versionCmd)
}

func main() {
	// interrupting a backup finalizes its record as ERROR
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		logger.Error(err)
		os.Exit(1)
	}
}

// openCatalog builds the backup catalog over the configured record store.
func openCatalog() (*catalog.Catalog, error) {
	layout, err := local.NewClient(config.CFG.BackupDirectory)
	if err != nil {
		return nil, err
	}

	var store catalog.RecordStore
	switch config.CFG.Catalog.Driver {
	case "mysql":
		db, err := catalog.Connect(config.CFG.MetadataDB, config.CFG.Debug, logger)
		if err != nil {
			return nil, err
		}
		store = catalog.NewDBStore(db)
	default:
		store = catalog.NewFileStore(layout)
	}
	return catalog.New(store, layout, logger), nil
}

// instanceHandle is an opened instance together with its executor.
type instanceHandle struct {
	executor *backup.Executor
	source   *instance.Local
	probe    *sql.DB
}

func (h *instanceHandle) Close() {
	if h.probe != nil {
		h.probe.Close()
	}
	if err := h.source.Close(); err != nil {
		logger.Warnf("Failed to close instance %s: %v", h.source.DataDir(), err)
	}
}

// openInstance opens a configured instance and wires a backup executor to it.
func openInstance(name string, cat *catalog.Catalog) (*instanceHandle, error) {
	ic, err := config.CFG.Instance(name)
	if err != nil {
		return nil, err
	}
	compression, err := archive.ParseCompression(ic.ArchiveCompression)
	if err != nil {
		return nil, err
	}
	timeout, initial, maxInterval, err := config.CFG.WaitDurations()
	if err != nil {
		return nil, err
	}

	instLogger := logger.WithField("instance", name)
	src, err := instance.Open(ic.DataDir, instance.OpenOptions{
		ArchiveDir:  ic.ArchiveDir,
		Compression: compression,
		Logger:      instLogger,
	})
	if err != nil {
		return nil, err
	}
	h := &instanceHandle{source: src}

	validator, err := archive.NewValidator(archive.Options{
		Dir:              ic.ArchiveDir,
		SegmentSize:      src.SegmentSize(),
		SystemIdentifier: src.SystemIdentifier(),
		Wait: archive.WaitOptions{
			Timeout:         timeout,
			InitialInterval: initial,
			MaxInterval:     maxInterval,
		},
		Logger: instLogger,
	})
	if err != nil {
		h.Close()
		return nil, err
	}

	if ic.DSN != "" {
		h.probe, err = instance.OpenProbe(ic.DSN)
		if err != nil {
			h.Close()
			return nil, err
		}
	}

	var uploader backup.Uploader
	client, err := s3Client(logger)
	if err != nil {
		h.Close()
		return nil, err
	}
	if client != nil {
		uploader = client
	}

	h.executor, err = backup.NewExecutor(backup.Options{
		Instance:   name,
		Source:     src,
		Catalog:    cat,
		Validator:  validator,
		IdentityDB: h.probe,
		Uploader:   uploader,
		Logger:     logger,
	})
	if err != nil {
		h.Close()
		return nil, err
	}
	return h, nil
}

// s3Client returns the configured S3 client, or nil when S3 is disabled.
func s3Client(log logrus.FieldLogger) (*s3.Client, error) {
	if !config.CFG.S3.Enabled {
		return nil, nil
	}
	return s3.NewClient(config.CFG.S3, log)
}
