// catalog-recovery rebuilds the SQL backup catalog from the backup records
// kept next to each backup in the backup directory.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/GoWALGuard/pkg/catalog"
	"github.com/supporttools/GoWALGuard/pkg/config"
	"github.com/supporttools/GoWALGuard/pkg/logging"
	"github.com/supporttools/GoWALGuard/pkg/storage/local"
)

var (
	// Flags
	configFile   = flag.String("config", "", "Path to the configuration file")
	dryRun       = flag.Bool("dry-run", false, "Perform a dry run without writing records")
	verbose      = flag.Bool("verbose", false, "Enable verbose logging")
	forceRebuild = flag.Bool("force", false, "Overwrite records that already exist in the catalog")
	onlyInstance = flag.String("instance", "", "Recover only this instance")
)

// recoveryOptions controls how records are copied into the catalog
type recoveryOptions struct {
	DryRun bool
	Force  bool
}

// recoveryStats summarizes one recovery run
type recoveryStats struct {
	Scanned     int
	Recovered   int
	Skipped     int
	Interrupted int
	DataBytes   int64
}

func (s *recoveryStats) add(o recoveryStats) {
	s.Scanned += o.Scanned
	s.Recovered += o.Recovered
	s.Skipped += o.Skipped
	s.Interrupted += o.Interrupted
	s.DataBytes += o.DataBytes
}

func main() {
	flag.Parse()

	if err := run(); err != nil {
		logging.Default().Errorf("Catalog recovery failed: %v", err)
		os.Exit(1)
	}
}

func run() error {
	if err := config.LoadConfiguration(*configFile); err != nil {
		return err
	}
	level := config.CFG.LogLevel
	if *verbose {
		level = "debug"
	}
	log, err := logging.New(os.Stderr, level)
	if err != nil {
		return err
	}
	if config.CFG.Catalog.Driver != "mysql" {
		log.Infof("Catalog driver is %q; records are already read from the backup directory, nothing to recover", config.CFG.Catalog.Driver)
		return nil
	}

	layout, err := local.NewClient(config.CFG.BackupDirectory)
	if err != nil {
		return err
	}
	db, err := catalog.Connect(config.CFG.MetadataDB, config.CFG.Debug, log)
	if err != nil {
		return err
	}
	if err := catalog.RunMigrations(db); err != nil {
		return err
	}

	instances := []string{*onlyInstance}
	if *onlyInstance == "" {
		if instances, err = layout.Instances(); err != nil {
			return err
		}
	}

	log.Info("Starting catalog recovery process...")
	stats, err := recoverCatalog(catalog.NewFileStore(layout), catalog.NewDBStore(db), instances,
		recoveryOptions{DryRun: *dryRun, Force: *forceRebuild}, log)
	if err != nil {
		return err
	}

	log.Info("Recovery Summary:")
	log.Infof("- Backup records found: %d", stats.Scanned)
	log.Infof("- Records recovered: %d", stats.Recovered)
	log.Infof("- Records already in the catalog: %d", stats.Skipped)
	log.Infof("- Interrupted backups marked ERROR: %d", stats.Interrupted)
	log.Infof("- Total stored size: %s", humanize.Bytes(uint64(stats.DataBytes)))
	if *dryRun {
		log.Info("Dry run completed - no changes were saved")
	}
	return nil
}

// recoverCatalog copies the records of every instance from src into dst.
func recoverCatalog(src, dst catalog.RecordStore, instances []string, opts recoveryOptions, log logrus.FieldLogger) (recoveryStats, error) {
	var total recoveryStats
	for _, inst := range instances {
		stats, err := recoverInstance(src, dst, inst, opts, log.WithField("instance", inst))
		total.add(stats)
		if err != nil {
			return total, fmt.Errorf("failed to recover instance %s: %w", inst, err)
		}
	}
	return total, nil
}

// recoverInstance copies the records of one instance, oldest first. A record
// still RUNNING belongs to a backup that never finished and is recovered as
// ERROR.
func recoverInstance(src, dst catalog.RecordStore, inst string, opts recoveryOptions, log logrus.FieldLogger) (recoveryStats, error) {
	var stats recoveryStats
	records, err := src.Load(inst)
	if err != nil {
		return stats, err
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })

	for _, b := range records {
		stats.Scanned++
		if b.Instance == "" {
			b.Instance = inst
		}

		_, err := dst.Get(inst, b.ID)
		switch {
		case err == nil && !opts.Force:
			log.Debugf("Backup %s is already in the catalog, skipping", b.ID)
			stats.Skipped++
			continue
		case err != nil && !errors.Is(err, catalog.ErrNotFound):
			return stats, err
		}

		if b.Status == catalog.StatusRunning {
			b.Status = catalog.StatusError
			b.Error = "interrupted"
			stats.Interrupted++
		}
		log.Debugf("Recovering backup %s (%s, %s)", b.ID, b.Mode, b.Status)
		if !opts.DryRun {
			if err := dst.Save(b); err != nil {
				return stats, err
			}
		}
		stats.Recovered++
		stats.DataBytes += b.DataBytes
	}
	return stats, nil
}
