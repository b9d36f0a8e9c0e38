package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/alfops/alf-backup/pkg/flagparse"
	"github.com/alfops/alf-backup/pkg/plog"
	"github.com/alfops/alf-backup/pkg/util"
)

// TimestampLayout is the layout of the timestamp suffix in backup names.
const TimestampLayout = "2006-01-02_15-04-05"

// Naming contract for everything under the backup root.
const (
	ContentstorePrefix = "contentstore-"
	BaseBackupPrefix   = "base-"
	DumpPrefix         = "postgres-"
	DumpSuffix         = ".sql.gz"
	LastSymlinkName    = "last"
	WALArchiveDirName  = "pg_wal"
)

// Backup mode selects which postgres backup is taken.
const (
	ModeDump       = "dump"
	ModeBaseBackup = "basebackup"
	ModeBoth       = "both"
)

// Alert modes control when the email reporter fires.
const (
	AlertBoth        = "both"
	AlertFailureOnly = "failure_only"
	AlertNone        = "none"
)

type DatabaseConfig struct {
	Host      string
	Port      int
	User      string
	Password  string
	Database  string
	SuperUser string
}

type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
	To       string
}

type AlertConfig struct {
	Mode string
	SMTP SMTPConfig
}

type S3Config struct {
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Transfers       int
}

type ContentstoreConfig struct {
	TimeoutHours    int
	ParallelThreads int
}

type RuntimeConfig struct {
	Mode   string
	DryRun bool
	SkipS3 bool
}

type Config struct {
	LogLevel     string
	CustomerName string

	// BackupDir is the backup root. Required unless S3 offload is the
	// only destination.
	BackupDir string

	// AlfBaseDir is the Alfresco installation root. The contentstore,
	// the embedded PostgreSQL and its config are located beneath it.
	AlfBaseDir string

	// WALArchiveDir is where archive_command drops WAL segments.
	// Defaults to <BackupDir>/pg_wal.
	WALArchiveDir string

	RetentionDays int

	// ServiceUser runs alfresco.sh during restore when set.
	ServiceUser string

	Database     DatabaseConfig
	Contentstore ContentstoreConfig
	Alert        AlertConfig
	S3           S3Config
	Runtime      RuntimeConfig
}

// NewDefault returns the built-in defaults, before environment and flags.
func NewDefault() Config {
	return Config{
		LogLevel:      "info",
		CustomerName:  "unknown",
		RetentionDays: 30,
		Database: DatabaseConfig{
			Host:      "localhost",
			Port:      5432,
			User:      "alfresco",
			Database:  "alfresco",
			SuperUser: "postgres",
		},
		Contentstore: ContentstoreConfig{
			TimeoutHours:    24,
			ParallelThreads: 4,
		},
		Alert: AlertConfig{
			Mode: AlertFailureOnly,
			SMTP: SMTPConfig{Port: 587},
		},
		S3: S3Config{
			Region:    "us-east-1",
			Transfers: 4,
		},
		Runtime: RuntimeConfig{
			Mode: ModeBaseBackup,
		},
	}
}

// Load builds the effective config: defaults, then an optional .env file
// next to the working directory, then the process environment.
func Load() (Config, error) {
	// Missing .env is fine, the environment may be set by cron/systemd.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		plog.Warn("Could not read .env file", "error", err)
	}

	c := NewDefault()

	envStr(&c.LogLevel, "LOG_LEVEL")
	envStr(&c.CustomerName, "CUSTOMER_NAME")
	envStr(&c.BackupDir, "BACKUP_DIR")
	envStr(&c.AlfBaseDir, "ALF_BASE_DIR")
	envStr(&c.WALArchiveDir, "WAL_ARCHIVE_DIR")
	envStr(&c.ServiceUser, "SERVICE_USER")
	if err := envInt(&c.RetentionDays, "RETENTION_DAYS"); err != nil {
		return c, err
	}

	envStr(&c.Database.Host, "PGHOST")
	if err := envInt(&c.Database.Port, "PGPORT"); err != nil {
		return c, err
	}
	envStr(&c.Database.User, "PGUSER")
	envStr(&c.Database.Password, "PGPASSWORD")
	envStr(&c.Database.Database, "PGDATABASE")
	envStr(&c.Database.SuperUser, "PGSUPERUSER")

	if err := envInt(&c.Contentstore.TimeoutHours, "CONTENTSTORE_TIMEOUT_HOURS"); err != nil {
		return c, err
	}
	if err := envInt(&c.Contentstore.ParallelThreads, "CONTENTSTORE_PARALLEL_THREADS"); err != nil {
		return c, err
	}

	envStr(&c.Alert.Mode, "EMAIL_ALERT_MODE")
	envStr(&c.Alert.SMTP.Host, "SMTP_HOST")
	if err := envInt(&c.Alert.SMTP.Port, "SMTP_PORT"); err != nil {
		return c, err
	}
	envStr(&c.Alert.SMTP.User, "SMTP_USER")
	envStr(&c.Alert.SMTP.Password, "SMTP_PASSWORD")
	envStr(&c.Alert.SMTP.To, "ALERT_EMAIL")
	envStr(&c.Alert.SMTP.From, "ALERT_FROM")

	envStr(&c.S3.Bucket, "S3_BUCKET")
	envStr(&c.S3.Region, "S3_REGION")
	envStr(&c.S3.AccessKeyID, "AWS_ACCESS_KEY_ID")
	envStr(&c.S3.SecretAccessKey, "AWS_SECRET_ACCESS_KEY")
	if err := envInt(&c.S3.Transfers, "S3_TRANSFERS"); err != nil {
		return c, err
	}

	return c, nil
}

func envStr(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func envInt(dst *int, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("environment variable %s: invalid integer %q", key, v)
	}
	*dst = n
	return nil
}

// Validate checks and canonicalizes the configuration. It mutates the
// receiver to hold cleaned paths and clamped values.
func (c *Config) Validate() error {
	if c.AlfBaseDir == "" {
		return fmt.Errorf("ALF_BASE_DIR cannot be empty")
	}
	if c.BackupDir == "" && c.S3.Bucket == "" {
		return fmt.Errorf("BACKUP_DIR cannot be empty unless S3_BUCKET is set")
	}

	var err error
	c.AlfBaseDir, err = util.ExpandPath(c.AlfBaseDir)
	if err != nil {
		return fmt.Errorf("could not expand ALF_BASE_DIR: %w", err)
	}
	c.AlfBaseDir = filepath.Clean(c.AlfBaseDir)

	if c.BackupDir != "" {
		c.BackupDir, err = util.ExpandPath(c.BackupDir)
		if err != nil {
			return fmt.Errorf("could not expand BACKUP_DIR: %w", err)
		}
		c.BackupDir = filepath.Clean(c.BackupDir)
	}

	if c.WALArchiveDir == "" && c.BackupDir != "" {
		c.WALArchiveDir = filepath.Join(c.BackupDir, WALArchiveDirName)
	}

	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("PGPORT %d is out of range", c.Database.Port)
	}
	if c.RetentionDays < 1 {
		return fmt.Errorf("RETENTION_DAYS must be at least 1, got %d", c.RetentionDays)
	}
	if c.Contentstore.TimeoutHours < 1 {
		return fmt.Errorf("CONTENTSTORE_TIMEOUT_HOURS must be at least 1, got %d", c.Contentstore.TimeoutHours)
	}

	// The thread count is clamped rather than rejected, matching how
	// operators tend to set it from templated environments.
	if c.Contentstore.ParallelThreads < 1 {
		c.Contentstore.ParallelThreads = 1
	}
	if c.Contentstore.ParallelThreads > 16 {
		c.Contentstore.ParallelThreads = 16
	}

	switch c.Runtime.Mode {
	case ModeDump, ModeBaseBackup, ModeBoth:
	default:
		return fmt.Errorf("backup mode must be %q, %q or %q, got %q", ModeDump, ModeBaseBackup, ModeBoth, c.Runtime.Mode)
	}

	switch c.Alert.Mode {
	case AlertBoth, AlertFailureOnly, AlertNone:
	default:
		return fmt.Errorf("EMAIL_ALERT_MODE must be %q, %q or %q, got %q", AlertBoth, AlertFailureOnly, AlertNone, c.Alert.Mode)
	}

	if c.Alert.SMTP.Port < 1 || c.Alert.SMTP.Port > 65535 {
		return fmt.Errorf("SMTP_PORT %d is out of range", c.Alert.SMTP.Port)
	}

	if c.S3.Transfers < 1 {
		c.S3.Transfers = 1
	}

	return nil
}

// AlertEnabled reports whether the email reporter can and should run.
func (c *Config) AlertEnabled() bool {
	if c.Alert.Mode == AlertNone {
		return false
	}
	s := c.Alert.SMTP
	return s.Host != "" && s.From != "" && s.To != ""
}

// ContentstoreSource is the live contentstore directory under the
// Alfresco installation.
func (c *Config) ContentstoreSource() string {
	return filepath.Join(c.AlfBaseDir, "alf_data", "contentstore")
}

// PostgresConfCandidates lists the locations postgresql.conf may live at,
// in preference order.
func (c *Config) PostgresConfCandidates() []string {
	return []string{
		filepath.Join(c.AlfBaseDir, "alf_data", "postgresql", "postgresql.conf"),
		filepath.Join(c.AlfBaseDir, "postgresql", "postgresql.conf"),
	}
}

// EmbeddedPgBin returns the path of a PostgreSQL client tool bundled with
// the Alfresco installation. Callers fall back to PATH when it is absent.
func (c *Config) EmbeddedPgBin(tool string) string {
	return filepath.Join(c.AlfBaseDir, "postgresql", "bin", tool)
}

// LockFilePath is the lock file guarding a backup run.
func (c *Config) LockFilePath() string {
	return filepath.Join(c.BackupDir, "backup.lock")
}

// LogSummary logs the effective configuration with secrets redacted.
func (c *Config) LogSummary() {
	logArgs := []interface{}{
		"customer", c.CustomerName,
		"log_level", c.LogLevel,
		"backup_dir", c.BackupDir,
		"alf_base_dir", c.AlfBaseDir,
		"wal_archive_dir", c.WALArchiveDir,
		"retention_days", c.RetentionDays,
		"mode", c.Runtime.Mode,
		"dry_run", c.Runtime.DryRun,
		"db", fmt.Sprintf("%s@%s:%d/%s", c.Database.User, c.Database.Host, c.Database.Port, c.Database.Database),
	}
	if c.AlertEnabled() {
		logArgs = append(logArgs, "alerts", fmt.Sprintf("%s via %s:%d", c.Alert.Mode, c.Alert.SMTP.Host, c.Alert.SMTP.Port))
	} else {
		logArgs = append(logArgs, "alerts", "disabled")
	}
	if c.S3.Bucket != "" {
		logArgs = append(logArgs, "s3", fmt.Sprintf("%s (%s, t:%d)", c.S3.Bucket, c.S3.Region, c.S3.Transfers))
	}
	plog.Info("Effective configuration", logArgs...)
}

// MergeConfigWithFlags applies the flags the user actually set on top of
// the environment-derived config.
func MergeConfigWithFlags(command flagparse.Command, base Config, setFlags map[string]any) Config {
	merged := base

	for name, value := range setFlags {
		switch name {
		case "log-level":
			merged.LogLevel = value.(string)
		case "backup-dir":
			merged.BackupDir = value.(string)
		case "mode":
			switch command {
			case flagparse.Backup:
				merged.Runtime.Mode = value.(string)
			default:
			}
		case "dry-run":
			merged.Runtime.DryRun = value.(bool)
		case "skip-s3":
			merged.Runtime.SkipS3 = value.(bool)
		case "retention-days":
			merged.RetentionDays = value.(int)
		case "threads":
			merged.Contentstore.ParallelThreads = value.(int)
		default:
			plog.Debug("unhandled flag in MergeConfigWithFlags", "flag", name)
		}
	}
	return merged
}
