package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/supporttools/GoWALGuard/pkg/fault"
	"gopkg.in/yaml.v3"
)

// InstanceConfig describes one database instance under backup
type InstanceConfig struct {
	Name               string `yaml:"name"`
	DataDir            string `yaml:"dataDir"`
	ArchiveDir         string `yaml:"archiveDir"`
	DSN                string `yaml:"dsn,omitempty"` // optional live server used for the identity probe
	BlockSize          int    `yaml:"blockSize"`
	SegmentSize        uint64 `yaml:"segmentSize"`
	RelSegBlocks       uint32 `yaml:"relSegBlocks"`
	ArchiveCompression string `yaml:"archiveCompression"` // none, gzip or zstd
}

// ArchiveConfig holds the archived WAL wait settings
type ArchiveConfig struct {
	WaitTimeout    string `yaml:"waitTimeout"`
	InitialBackoff string `yaml:"initialBackoff"`
	MaxBackoff     string `yaml:"maxBackoff"`
}

// CatalogConfig selects where backup records are kept
type CatalogConfig struct {
	Driver string `yaml:"driver"` // file or mysql
}

// S3Config holds S3 storage configuration
type S3Config struct {
	Enabled            bool   `yaml:"enabled"`
	Bucket             string `yaml:"bucket"`
	Region             string `yaml:"region"`
	Endpoint           string `yaml:"endpoint"`
	AccessKey          string `yaml:"accessKey"`
	SecretKey          string `yaml:"secretKey"`
	Prefix             string `yaml:"prefix"`
	PathStyle          bool   `yaml:"pathStyle"`
	UseSSL             bool   `yaml:"useSSL"`
	CustomCAPath       string `yaml:"customCAPath"`
	SkipCertValidation bool   `yaml:"skipCertValidation"`
}

// MetricsConfig holds metrics server configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    string `yaml:"port"`
}

// MetadataDBConfig holds configuration for the SQL backup catalog
type MetadataDBConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	Database        string `yaml:"database"`
	MaxOpenConns    int    `yaml:"maxOpenConns"`
	MaxIdleConns    int    `yaml:"maxIdleConns"`
	ConnMaxLifetime string `yaml:"connMaxLifetime"`
	AutoMigrate     bool   `yaml:"autoMigrate"`
}

// ScheduleConfig is one cron-driven backup job
type ScheduleConfig struct {
	Name     string `yaml:"name"`
	Instance string `yaml:"instance"`
	Mode     string `yaml:"mode"` // full or page
	Schedule string `yaml:"schedule"`
	Stream   bool   `yaml:"stream"`
}

// AppConfig is the main configuration structure
type AppConfig struct {
	Debug           bool             `yaml:"debug"`
	LogLevel        string           `yaml:"logLevel"`
	ConfigFile      string           `yaml:"-"`
	BackupDirectory string           `yaml:"backupDirectory"`
	Parallelism     int              `yaml:"parallelism"`
	Instances       []InstanceConfig `yaml:"instances"`
	Archive         ArchiveConfig    `yaml:"archive"`
	Catalog         CatalogConfig    `yaml:"catalog"`
	MetadataDB      MetadataDBConfig `yaml:"metadataDatabase"`
	S3              S3Config         `yaml:"s3"`
	Metrics         MetricsConfig    `yaml:"metrics"`
	Schedules       []ScheduleConfig `yaml:"schedules"`
}

// CFG is the global configuration instance
var CFG AppConfig

// LoadConfiguration reads the YAML file at path (if any), applies environment
// overrides and fills in defaults.
func LoadConfiguration(path string) error {
	cfg, err := Load(path)
	if err != nil {
		return err
	}
	CFG = *cfg
	return nil
}

// Load builds a configuration without touching CFG.
func Load(path string) (*AppConfig, error) {
	cfg := &AppConfig{}
	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fault.Usagef("failed to parse config file %s: %v", path, err)
		}
		cfg.ConfigFile = path
	}
	loadFromEnvironment(cfg)
	setDefaults(cfg)
	return cfg, nil
}

// loadFromEnvironment overrides file settings with environment variables
func loadFromEnvironment(cfg *AppConfig) {
	cfg.Debug = parseEnvBool("DEBUG", cfg.Debug)
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.BackupDirectory = getEnvOrDefault("BACKUP_DIRECTORY", cfg.BackupDirectory)
	cfg.Parallelism = parseEnvInt("PARALLELISM", cfg.Parallelism)

	cfg.Archive.WaitTimeout = getEnvOrDefault("ARCHIVE_WAIT_TIMEOUT", cfg.Archive.WaitTimeout)
	cfg.Archive.InitialBackoff = getEnvOrDefault("ARCHIVE_INITIAL_BACKOFF", cfg.Archive.InitialBackoff)
	cfg.Archive.MaxBackoff = getEnvOrDefault("ARCHIVE_MAX_BACKOFF", cfg.Archive.MaxBackoff)

	cfg.Catalog.Driver = getEnvOrDefault("CATALOG_DRIVER", cfg.Catalog.Driver)

	// S3 settings
	cfg.S3.Enabled = parseEnvBool("S3_BACKUP_ENABLED", cfg.S3.Enabled)
	cfg.S3.Bucket = getEnvOrDefault("S3_BUCKET", cfg.S3.Bucket)
	cfg.S3.Region = getEnvOrDefault("S3_REGION", cfg.S3.Region)
	cfg.S3.Endpoint = getEnvOrDefault("S3_ENDPOINT", cfg.S3.Endpoint)
	cfg.S3.AccessKey = getEnvOrDefault("S3_ACCESS_KEY", cfg.S3.AccessKey)
	cfg.S3.SecretKey = getEnvOrDefault("S3_SECRET_KEY", cfg.S3.SecretKey)
	cfg.S3.Prefix = getEnvOrDefault("S3_PREFIX", cfg.S3.Prefix)
	cfg.S3.PathStyle = parseEnvBool("S3_PATH_STYLE", cfg.S3.PathStyle)
	cfg.S3.UseSSL = parseEnvBool("S3_USE_SSL", cfg.S3.UseSSL)
	cfg.S3.CustomCAPath = getEnvOrDefault("S3_CUSTOM_CA_PATH", cfg.S3.CustomCAPath)
	cfg.S3.SkipCertValidation = parseEnvBool("S3_SKIP_CERT_VALIDATION", cfg.S3.SkipCertValidation)

	// Metadata DB settings
	cfg.MetadataDB.Enabled = parseEnvBool("METADATA_DB_ENABLED", cfg.MetadataDB.Enabled)
	cfg.MetadataDB.Host = getEnvOrDefault("METADATA_DB_HOST", cfg.MetadataDB.Host)
	cfg.MetadataDB.Port = parseEnvInt("METADATA_DB_PORT", cfg.MetadataDB.Port)
	cfg.MetadataDB.Username = getEnvOrDefault("METADATA_DB_USERNAME", cfg.MetadataDB.Username)
	cfg.MetadataDB.Password = getEnvOrDefault("METADATA_DB_PASSWORD", cfg.MetadataDB.Password)
	cfg.MetadataDB.Database = getEnvOrDefault("METADATA_DB_DATABASE", cfg.MetadataDB.Database)
	cfg.MetadataDB.MaxOpenConns = parseEnvInt("METADATA_DB_MAX_OPEN_CONNS", cfg.MetadataDB.MaxOpenConns)
	cfg.MetadataDB.MaxIdleConns = parseEnvInt("METADATA_DB_MAX_IDLE_CONNS", cfg.MetadataDB.MaxIdleConns)
	cfg.MetadataDB.ConnMaxLifetime = getEnvOrDefault("METADATA_DB_CONN_MAX_LIFETIME", cfg.MetadataDB.ConnMaxLifetime)
	cfg.MetadataDB.AutoMigrate = parseEnvBool("METADATA_DB_AUTO_MIGRATE", cfg.MetadataDB.AutoMigrate)

	cfg.Metrics.Enabled = parseEnvBool("METRICS_ENABLED", cfg.Metrics.Enabled)
	cfg.Metrics.Port = getEnvOrDefault("METRICS_PORT", cfg.Metrics.Port)
}

func setDefaults(cfg *AppConfig) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Debug {
		cfg.LogLevel = "debug"
	}
	if cfg.BackupDirectory == "" {
		cfg.BackupDirectory = "/backups"
	}
	if cfg.Parallelism == 0 {
		cfg.Parallelism = 1
	}
	if cfg.Metrics.Port == "" {
		cfg.Metrics.Port = "8080"
	}
	if cfg.Catalog.Driver == "" {
		cfg.Catalog.Driver = "file"
	}
	if cfg.Archive.WaitTimeout == "" {
		cfg.Archive.WaitTimeout = "300s"
	}
	if cfg.Archive.InitialBackoff == "" {
		cfg.Archive.InitialBackoff = "100ms"
	}
	if cfg.Archive.MaxBackoff == "" {
		cfg.Archive.MaxBackoff = "5s"
	}
	if cfg.S3.Region == "" {
		cfg.S3.Region = "us-east-1"
	}
	if cfg.S3.Prefix == "" {
		cfg.S3.Prefix = "wal-backups"
	}

	for i := range cfg.Instances {
		inst := &cfg.Instances[i]
		if inst.ArchiveCompression == "" {
			inst.ArchiveCompression = "none"
		}
	}

	// Set defaults for metadata database if enabled
	if cfg.MetadataDB.Enabled || cfg.Catalog.Driver == "mysql" {
		cfg.MetadataDB.Enabled = true
		if cfg.MetadataDB.Host == "" {
			cfg.MetadataDB.Host = "localhost"
		}
		if cfg.MetadataDB.Port == 0 {
			cfg.MetadataDB.Port = 3306
		}
		if cfg.MetadataDB.Database == "" {
			cfg.MetadataDB.Database = "gowalguard_catalog"
		}
		if cfg.MetadataDB.MaxOpenConns == 0 {
			cfg.MetadataDB.MaxOpenConns = 10
		}
		if cfg.MetadataDB.MaxIdleConns == 0 {
			cfg.MetadataDB.MaxIdleConns = 5
		}
		if cfg.MetadataDB.ConnMaxLifetime == "" {
			cfg.MetadataDB.ConnMaxLifetime = "5m"
		}
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func parseEnvBool(key string, defaultValue bool) bool {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}

	switch strings.ToLower(value) {
	case "1", "t", "true", "yes", "on", "enabled":
		return true
	case "0", "f", "false", "no", "off", "disabled":
		return false
	default:
		return defaultValue
	}
}

func parseEnvInt(key string, defaultValue int) int {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

// Instance returns the configured instance with the given name.
func (c *AppConfig) Instance(name string) (*InstanceConfig, error) {
	for i := range c.Instances {
		if c.Instances[i].Name == name {
			return &c.Instances[i], nil
		}
	}
	return nil, fault.Usagef("instance %q is not configured", name)
}

// WaitDurations parses the archive wait settings.
func (c *AppConfig) WaitDurations() (timeout, initial, max time.Duration, err error) {
	if timeout, err = time.ParseDuration(c.Archive.WaitTimeout); err != nil {
		return 0, 0, 0, fault.Usagef("invalid archive wait timeout %q: %v", c.Archive.WaitTimeout, err)
	}
	if initial, err = time.ParseDuration(c.Archive.InitialBackoff); err != nil {
		return 0, 0, 0, fault.Usagef("invalid archive initial backoff %q: %v", c.Archive.InitialBackoff, err)
	}
	if max, err = time.ParseDuration(c.Archive.MaxBackoff); err != nil {
		return 0, 0, 0, fault.Usagef("invalid archive max backoff %q: %v", c.Archive.MaxBackoff, err)
	}
	return timeout, initial, max, nil
}

// ValidateConfig validates the global configuration
func ValidateConfig() error {
	return CFG.Validate()
}

// Validate checks the configuration for settings no command can run with.
func (c *AppConfig) Validate() error {
	if len(c.Instances) == 0 {
		return fault.Usagef("at least one instance must be configured")
	}
	if c.Parallelism < 1 {
		return fault.Usagef("parallelism must be at least 1, got %d", c.Parallelism)
	}

	seen := make(map[string]bool)
	for _, inst := range c.Instances {
		if inst.Name == "" {
			return fault.Usagef("instance name is required")
		}
		if seen[inst.Name] {
			return fault.Usagef("instance %q is configured twice", inst.Name)
		}
		seen[inst.Name] = true
		if inst.DataDir == "" {
			return fault.Usagef("instance %q: data directory is required", inst.Name)
		}
		if inst.ArchiveDir == "" {
			return fault.Usagef("instance %q: archive directory is required", inst.Name)
		}
		switch inst.ArchiveCompression {
		case "none", "gzip", "zstd":
		default:
			return fault.Usagef("instance %q: unknown archive compression %q", inst.Name, inst.ArchiveCompression)
		}
	}

	if _, _, _, err := c.WaitDurations(); err != nil {
		return err
	}

	switch c.Catalog.Driver {
	case "file":
	case "mysql":
		if c.MetadataDB.Username == "" {
			return fault.Usagef("metadata database username is required for the mysql catalog")
		}
		if _, err := time.ParseDuration(c.MetadataDB.ConnMaxLifetime); err != nil {
			return fault.Usagef("invalid metadata database connection lifetime %q", c.MetadataDB.ConnMaxLifetime)
		}
	default:
		return fault.Usagef("unknown catalog driver %q (want file or mysql)", c.Catalog.Driver)
	}

	if c.S3.Enabled && c.S3.Bucket == "" {
		return fault.Usagef("S3 bucket must be specified when S3 uploads are enabled")
	}

	for _, s := range c.Schedules {
		if s.Schedule == "" {
			return fault.Usagef("schedule %q: cron expression is required", s.Name)
		}
		if _, err := c.Instance(s.Instance); err != nil {
			return fault.Usagef("schedule %q: instance %q is not configured", s.Name, s.Instance)
		}
		switch strings.ToLower(s.Mode) {
		case "full", "page":
		default:
			return fault.Usagef("schedule %q: unknown backup mode %q", s.Name, s.Mode)
		}
	}

	return nil
}

// DisplayConfiguration logs the current configuration with secrets masked
func DisplayConfiguration(log logrus.FieldLogger) {
	log.Info("========== GoWALGuard Configuration ==========")
	log.Infof("Debug Mode: %t", CFG.Debug)
	log.Infof("Config File: %s", CFG.ConfigFile)
	log.Infof("Backup Directory: %s", CFG.BackupDirectory)
	log.Infof("Parallelism: %d", CFG.Parallelism)

	log.Info("----- Instances -----")
	for _, inst := range CFG.Instances {
		log.Infof("Instance %s: data=%s archive=%s compression=%s",
			inst.Name, inst.DataDir, inst.ArchiveDir, inst.ArchiveCompression)
		if inst.DSN != "" {
			log.Infof("  Identity probe DSN: %s", maskSensitiveInfo(inst.DSN))
		}
	}

	log.Infof("Archive wait: timeout=%s backoff=%s..%s",
		CFG.Archive.WaitTimeout, CFG.Archive.InitialBackoff, CFG.Archive.MaxBackoff)

	log.Infof("Catalog Driver: %s", CFG.Catalog.Driver)
	if CFG.Catalog.Driver == "mysql" {
		log.Infof("  Host: %s:%d", CFG.MetadataDB.Host, CFG.MetadataDB.Port)
		log.Infof("  Database: %s", CFG.MetadataDB.Database)
		log.Infof("  Username: %s", CFG.MetadataDB.Username)
		log.Infof("  Password: %s", maskSensitiveInfo(CFG.MetadataDB.Password))
	}

	log.Infof("S3 Uploads Enabled: %t", CFG.S3.Enabled)
	if CFG.S3.Enabled {
		log.Infof("  Bucket: %s", CFG.S3.Bucket)
		log.Infof("  Region: %s", CFG.S3.Region)
		log.Infof("  Endpoint: %s", CFG.S3.Endpoint)
		log.Infof("  Prefix: %s", CFG.S3.Prefix)
		log.Infof("  Access Key: %s", maskSensitiveInfo(CFG.S3.AccessKey))
		log.Infof("  Secret Key: %s", maskSensitiveInfo(CFG.S3.SecretKey))
	}

	log.Infof("Metrics: enabled=%t port=%s", CFG.Metrics.Enabled, CFG.Metrics.Port)
	for _, s := range CFG.Schedules {
		log.Infof("Schedule %s: %s %s backup of %s", s.Name, s.Schedule, s.Mode, s.Instance)
	}
	log.Info("===============================================")
}

func maskSensitiveInfo(info string) string {
	if info == "" {
		return "[not set]"
	}

	if len(info) <= 4 {
		return "****"
	}

	return info[:2] + "****" + info[len(info)-2:]
}
