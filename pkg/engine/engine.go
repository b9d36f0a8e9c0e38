// Package engine orchestrates a full backup run. It wires the worker
// packages together in a fixed step order, records every step outcome
// in a run report and hands that report to the alert mailer.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/alfops/alf-backup/pkg/alert"
	"github.com/alfops/alf-backup/pkg/cmdexec"
	"github.com/alfops/alf-backup/pkg/config"
	"github.com/alfops/alf-backup/pkg/filelock"
	"github.com/alfops/alf-backup/pkg/hints"
	"github.com/alfops/alf-backup/pkg/plog"
	"github.com/alfops/alf-backup/pkg/preflight"
	"github.com/alfops/alf-backup/pkg/s3sync"
	"github.com/alfops/alf-backup/pkg/walcheck"
)

// databaseBackupper produces PostgreSQL backups.
type databaseBackupper interface {
	Dump(ctx context.Context, timestamp time.Time) (string, error)
	BaseBackup(ctx context.Context, timestamp time.Time) (string, error)
}

// contentstoreBackupper produces contentstore snapshots.
type contentstoreBackupper interface {
	Backup(ctx context.Context, timestamp time.Time) (string, error)
}

// retentionApplier prunes expired backups and WAL segments.
type retentionApplier interface {
	Apply(ctx context.Context, now time.Time) error
}

// offloader mirrors the backup directory to remote storage.
type offloader interface {
	Sync(ctx context.Context, localDir, remotePrefix string) (*s3sync.Stats, error)
}

// reportMailer delivers the aggregated run report.
type reportMailer interface {
	Deliver(ctx context.Context, r *alert.Report) error
}

// Runner executes backup runs against a fixed configuration.
type Runner struct {
	cfg          *config.Config
	database     databaseBackupper
	contentstore contentstoreBackupper
	retention    retentionApplier
	s3           offloader
	mailer       reportMailer
}

func NewRunner(cfg *config.Config, db databaseBackupper, cs contentstoreBackupper, ret retentionApplier, s3 offloader, mailer reportMailer) *Runner {
	return &Runner{
		cfg:          cfg,
		database:     db,
		contentstore: cs,
		retention:    ret,
		s3:           s3,
		mailer:       mailer,
	}
}

// ExecuteBackup runs one complete backup cycle. Preflight, WAL config
// validation and lock acquisition are fatal; every later step runs even
// when an earlier one failed, so a broken database backup does not stop
// the contentstore snapshot. The aggregated report decides the returned
// error and therefore the process exit code.
//
// When another instance already holds the lock the run is skipped and
// ExecuteBackup returns nil, a concurrent cron firing is not an error.
func (r *Runner) ExecuteBackup(ctx context.Context) error {
	startedAt := time.Now()

	if err := r.runPreflight(); err != nil {
		return fmt.Errorf("preflight failed: %w", err)
	}

	// A misconfigured WAL setup silently breaks point-in-time recovery,
	// so refuse to back up at all until it is fixed.
	settings, err := walcheck.ValidateDeployment(r.cfg.PostgresConfCandidates())
	if err != nil {
		return fmt.Errorf("WAL configuration check failed: %w", err)
	}
	plog.Info("WAL configuration validated",
		"wal_level", settings.WALLevel,
		"archive_mode", settings.ArchiveMode)

	release, err := r.acquireLock()
	if err != nil {
		return err
	}
	if release == nil {
		return nil // another instance is running, graceful exit
	}
	defer release()

	hostname, _ := os.Hostname()
	report := &alert.Report{
		CustomerName: r.cfg.CustomerName,
		Hostname:     hostname,
		StartedAt:    startedAt,
	}

	plog.Notice("Starting backup run",
		"customer", r.cfg.CustomerName,
		"mode", r.cfg.Runtime.Mode,
		"dry_run", r.cfg.Runtime.DryRun)

	r.runDatabaseSteps(ctx, report, startedAt)

	r.runStep(ctx, report, "Contentstore backup", func(ctx context.Context) (string, string, error) {
		path, err := r.contentstore.Backup(ctx, startedAt)
		return path, "", err
	})

	r.runStep(ctx, report, "WAL archive check", func(ctx context.Context) (string, string, error) {
		rep, err := walcheck.CheckArchive(r.cfg.WALArchiveDir)
		if err != nil {
			return r.cfg.WALArchiveDir, "", err
		}
		detail := fmt.Sprintf("%d segments, newest %s", rep.SegmentCount, rep.Newest[0].Name)
		return r.cfg.WALArchiveDir, detail, nil
	})

	r.runStep(ctx, report, "Retention prune", func(ctx context.Context) (string, string, error) {
		return "", fmt.Sprintf("older than %d days", r.cfg.RetentionDays),
			r.retention.Apply(ctx, startedAt)
	})

	r.runStep(ctx, report, "S3 offload", func(ctx context.Context) (string, string, error) {
		if r.cfg.Runtime.SkipS3 {
			return "", "", hints.New("skipped by --skip-s3")
		}
		stats, err := r.s3.Sync(ctx, r.cfg.BackupDir, r.cfg.CustomerName)
		if err != nil {
			return "", "", err
		}
		return "", alert.SizeDetail(stats.BytesTransferred), nil
	})

	r.deliverReport(ctx, report)

	if report.Failed() {
		return errors.New("backup run finished with failures")
	}
	plog.Notice("Backup run finished", "duration", time.Since(startedAt).Truncate(time.Second))
	return nil
}

// ExecuteWALCheck validates the WAL configuration and inspects the WAL
// archive directory without touching any backup state.
func (r *Runner) ExecuteWALCheck() error {
	settings, err := walcheck.ValidateDeployment(r.cfg.PostgresConfCandidates())
	if err != nil {
		return err
	}
	plog.Notice("WAL configuration is valid",
		"wal_level", settings.WALLevel,
		"archive_mode", settings.ArchiveMode,
		"archive_command", settings.ArchiveCommand)

	rep, err := walcheck.CheckArchive(r.cfg.WALArchiveDir)
	if err != nil {
		return fmt.Errorf("WAL archive check failed: %w", err)
	}
	plog.Notice("WAL archive is active", "dir", r.cfg.WALArchiveDir, "segments", rep.SegmentCount)
	for _, seg := range rep.Newest {
		plog.Info("WAL segment", "name", seg.Name, "modified", seg.ModTime.Format(time.RFC3339))
	}
	return nil
}

func (r *Runner) runPreflight() error {
	if err := preflight.CheckBackupSourceAccessible(r.cfg.ContentstoreSource()); err != nil {
		return err
	}
	if err := preflight.CheckBackupTargetAccessible(r.cfg.BackupDir); err != nil {
		return err
	}
	if err := preflight.CheckBackupTargetWritable(r.cfg.BackupDir); err != nil {
		return err
	}
	return checkBinaries(r.requiredBinaries()...)
}

// checkBinaries is swapped out in tests.
var checkBinaries = cmdexec.CheckBinaries

// requiredBinaries lists the external tools this run will shell out to.
// PostgreSQL client tools are exempt when the Alfresco installation
// bundles them, pgbackup prefers the embedded copies.
func (r *Runner) requiredBinaries() []string {
	bins := []string{"rsync"}

	mode := r.cfg.Runtime.Mode
	if _, err := os.Stat(r.cfg.EmbeddedPgBin("pg_dump")); err != nil {
		if mode == config.ModeDump || mode == config.ModeBoth {
			bins = append(bins, "pg_dump")
		}
		if mode == config.ModeBaseBackup || mode == config.ModeBoth {
			bins = append(bins, "pg_basebackup")
		}
	}

	if r.cfg.S3.Bucket != "" && !r.cfg.Runtime.SkipS3 {
		bins = append(bins, "rclone")
	}
	return bins
}

// runDatabaseSteps runs the PostgreSQL backup step or steps demanded by
// the configured mode.
func (r *Runner) runDatabaseSteps(ctx context.Context, report *alert.Report, timestamp time.Time) {
	mode := r.cfg.Runtime.Mode
	if mode == config.ModeDump || mode == config.ModeBoth {
		r.runStep(ctx, report, "PostgreSQL dump", func(ctx context.Context) (string, string, error) {
			path, err := r.database.Dump(ctx, timestamp)
			return path, sizeOf(path), err
		})
	}
	if mode == config.ModeBaseBackup || mode == config.ModeBoth {
		r.runStep(ctx, report, "PostgreSQL base backup", func(ctx context.Context) (string, string, error) {
			path, err := r.database.BaseBackup(ctx, timestamp)
			return path, "", err
		})
	}
}

// runStep executes one backup step and records its outcome. Hint errors
// mark the step skipped, real errors mark it failed, neither aborts the
// run.
func (r *Runner) runStep(ctx context.Context, report *alert.Report, step string, fn func(context.Context) (string, string, error)) {
	start := time.Now()

	if err := ctx.Err(); err != nil {
		report.Add(alert.Result{Step: step, StartedAt: start, Err: fmt.Errorf("run cancelled: %w", err)})
		return
	}

	plog.Info("Starting step", "step", step)
	path, detail, err := fn(ctx)

	res := alert.Result{
		Step:      step,
		Path:      path,
		Detail:    detail,
		StartedAt: start,
		Duration:  time.Since(start),
	}

	switch {
	case hints.IsHint(err):
		res.Skipped = true
		res.Detail = err.Error()
		plog.Info("Step skipped", "step", step, "reason", err)
	case err != nil:
		res.Err = err
		plog.Error("Step failed", "step", step, "error", err)
	default:
		res.Success = true
		plog.Notice("Step finished", "step", step, "duration", res.Duration.Truncate(time.Second))
	}

	report.Add(res)
}

// acquireLock takes the per-target lock. A nil release func with a nil
// error means another instance holds the lock and the run should exit
// gracefully.
func (r *Runner) acquireLock() (func(), error) {
	lock, err := filelock.Acquire(r.cfg.LockFilePath())
	if err != nil {
		var active *filelock.ErrLockActive
		if errors.As(err, &active) {
			plog.Notice("Backup is already running for this target, skipping run.", "pid", active.PID)
			return nil, nil
		}
		return nil, fmt.Errorf("could not acquire backup lock: %w", err)
	}
	return lock.Release, nil
}

// deliverReport sends the run report by email. Alerting problems are
// logged but never change the run outcome.
func (r *Runner) deliverReport(ctx context.Context, report *alert.Report) {
	if err := r.mailer.Deliver(ctx, report); err != nil {
		if hints.IsHint(err) {
			plog.Debug("Alert not sent", "reason", err)
			return
		}
		plog.Warn("Could not send alert email", "error", err)
	}
}

func sizeOf(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return ""
	}
	return alert.SizeDetail(info.Size())
}
