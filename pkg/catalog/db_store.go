package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/supporttools/GoWALGuard/pkg/config"
)

// BackupModel is the SQL row of one backup record. The full record,
// manifest included, is kept as JSON in Manifest; the other columns exist
// for querying.
type BackupModel struct {
	Instance         string `gorm:"primaryKey;type:varchar(255)"`
	ID               string `gorm:"primaryKey;type:varchar(32)"`
	Mode             string `gorm:"type:varchar(16);not null"`
	Status           string `gorm:"type:varchar(16);not null;index"`
	ParentID         string `gorm:"type:varchar(32);index"`
	StartLSN         string `gorm:"type:varchar(32)"`
	StopLSN          string `gorm:"type:varchar(32)"`
	Timeline         uint32
	SystemIdentifier string    `gorm:"type:varchar(32)"`
	StartTime        time.Time `gorm:"not null"`
	EndTime          *time.Time
	DataBytes        int64
	ErrorMessage     string `gorm:"type:text"`
	Manifest         string `gorm:"type:longtext;not null"`
}

// TableName specifies the table name for the BackupModel model
func (BackupModel) TableName() string {
	return "walguard_backups"
}

func toModel(b *Backup) (*BackupModel, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal backup record: %w", err)
	}
	return &BackupModel{
		Instance:         b.Instance,
		ID:               b.ID,
		Mode:             string(b.Mode),
		Status:           string(b.Status),
		ParentID:         b.ParentID,
		StartLSN:         b.StartLSN.String(),
		StopLSN:          b.StopLSN.String(),
		Timeline:         b.Timeline,
		SystemIdentifier: strconv.FormatUint(b.SystemIdentifier, 10),
		StartTime:        b.StartTime,
		EndTime:          b.EndTime,
		DataBytes:        b.DataBytes,
		ErrorMessage:     b.Error,
		Manifest:         string(data),
	}, nil
}

func fromModel(m *BackupModel) (*Backup, error) {
	var b Backup
	if err := json.Unmarshal([]byte(m.Manifest), &b); err != nil {
		return nil, fmt.Errorf("failed to unmarshal backup record %s: %w", m.ID, err)
	}
	return &b, nil
}

// DBStore keeps backup records in a MySQL table through gorm.
type DBStore struct {
	db *gorm.DB
}

// NewDBStore wraps an open gorm connection.
func NewDBStore(db *gorm.DB) *DBStore {
	return &DBStore{db: db}
}

// DSN renders the driver connection string of the catalog database.
func DSN(cfg config.MetadataDBConfig) string {
	dc := gomysql.NewConfig()
	dc.User = cfg.Username
	dc.Passwd = cfg.Password
	dc.Net = "tcp"
	dc.Addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	dc.DBName = cfg.Database
	dc.ParseTime = true
	dc.Loc = time.UTC
	dc.Params = map[string]string{"charset": "utf8mb4"}
	return dc.FormatDSN()
}

// Connect establishes a connection to the catalog database
func Connect(cfg config.MetadataDBConfig, debug bool, log logrus.FieldLogger) (*gorm.DB, error) {
	dsn := DSN(cfg)

	logLevel := logger.Silent
	if debug {
		logLevel = logger.Info
	}

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	if cfg.ConnMaxLifetime != "" {
		duration, err := time.ParseDuration(cfg.ConnMaxLifetime)
		if err != nil {
			log.Warnf("Invalid connection max lifetime '%s', using default 5m: %v", cfg.ConnMaxLifetime, err)
			duration = 5 * time.Minute
		}
		sqlDB.SetConnMaxLifetime(duration)
	}

	if cfg.AutoMigrate {
		log.Debugf("Running database migrations for catalog tables")
		if err := RunMigrations(db); err != nil {
			return nil, err
		}
	}

	log.Debugf("Connected to catalog database at %s:%d", cfg.Host, cfg.Port)
	return db, nil
}

// RunMigrations creates the catalog table if it does not exist
func RunMigrations(db *gorm.DB) error {
	if err := db.AutoMigrate(&BackupModel{}); err != nil {
		return fmt.Errorf("failed to migrate tables: %w", err)
	}
	return nil
}

// Load implements RecordStore.
func (s *DBStore) Load(instance string) ([]*Backup, error) {
	var rows []BackupModel
	if err := s.db.Where("instance = ?", instance).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load backups of %s: %w", instance, err)
	}
	out := make([]*Backup, 0, len(rows))
	for i := range rows {
		b, err := fromModel(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// Get implements RecordStore.
func (s *DBStore) Get(instance, id string) (*Backup, error) {
	var row BackupModel
	err := s.db.Where("instance = ? AND id = ?", instance, id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get backup %s: %w", id, err)
	}
	return fromModel(&row)
}

// Save implements RecordStore.
func (s *DBStore) Save(b *Backup) error {
	row, err := toModel(b)
	if err != nil {
		return err
	}
	if err := s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(row).Error; err != nil {
		return fmt.Errorf("failed to save backup %s: %w", b.ID, err)
	}
	return nil
}

// Remove implements RecordStore.
func (s *DBStore) Remove(instance, id string) error {
	res := s.db.Where("instance = ? AND id = ?", instance, id).Delete(&BackupModel{})
	if res.Error != nil {
		return fmt.Errorf("failed to delete backup %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
