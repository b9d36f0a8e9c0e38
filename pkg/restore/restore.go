// Package restore brings an Alfresco installation back to the state of a
// chosen backup. It stops the application, rebuilds the PostgreSQL data
// directory from a base backup archive and rsyncs the contentstore
// snapshot back into place.
package restore

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/alfops/alf-backup/pkg/cmdexec"
	"github.com/alfops/alf-backup/pkg/config"
	"github.com/alfops/alf-backup/pkg/filelock"
	"github.com/alfops/alf-backup/pkg/plog"
	"github.com/alfops/alf-backup/pkg/pool"
	"github.com/alfops/alf-backup/pkg/util"
)

const (
	// copyBufferSize is the buffer used for archive extraction.
	copyBufferSize = 1 << 20

	serviceTimeout = 10 * time.Minute
	rsyncTimeout   = 24 * time.Hour
)

// Options selects what to restore.
type Options struct {
	// BackupName picks the snapshot, with or without its prefix.
	// Empty means the snapshot the last symlink points to.
	BackupName  string
	DBOnly      bool
	ContentOnly bool

	// TargetTime, when set, makes PostgreSQL replay WAL only up to the
	// given point in time instead of the latest archived segment.
	TargetTime string
}

// Worker performs restores against a fixed configuration.
type Worker struct {
	runner  *cmdexec.Runner
	cfg     *config.Config
	bufPool *pool.FixedBufferPool
}

func New(runner *cmdexec.Runner, cfg *config.Config) *Worker {
	return &Worker{
		runner:  runner,
		cfg:     cfg,
		bufPool: pool.NewFixedBuffer(copyBufferSize),
	}
}

// Run executes the restore. It takes the same lock as the backup engine,
// restoring while a backup is writing would corrupt both sides.
func (w *Worker) Run(ctx context.Context, opts Options) error {
	if opts.DBOnly && opts.ContentOnly {
		return errors.New("--db-only and --content-only are mutually exclusive")
	}

	timestamp, err := w.resolveTimestamp(opts.BackupName)
	if err != nil {
		return err
	}

	lock, err := filelock.Acquire(w.cfg.LockFilePath())
	if err != nil {
		var active *filelock.ErrLockActive
		if errors.As(err, &active) {
			return fmt.Errorf("a backup is currently running (PID %d), retry after it finishes", active.PID)
		}
		return fmt.Errorf("could not acquire lock: %w", err)
	}
	defer lock.Release()

	plog.Notice("Starting restore", "timestamp", timestamp, "db_only", opts.DBOnly, "content_only", opts.ContentOnly)

	w.serviceControl(ctx, "stop")

	var failures []error
	if !opts.ContentOnly {
		if err := w.restoreDatabase(ctx, timestamp, opts.TargetTime); err != nil {
			plog.Error("PostgreSQL restore failed", "error", err)
			failures = append(failures, fmt.Errorf("postgresql: %w", err))
		} else {
			plog.Notice("PostgreSQL restore finished", "timestamp", timestamp)
		}
	}
	if !opts.DBOnly {
		if err := w.restoreContentstore(ctx, timestamp); err != nil {
			plog.Error("Contentstore restore failed", "error", err)
			failures = append(failures, fmt.Errorf("contentstore: %w", err))
		} else {
			plog.Notice("Contentstore restore finished", "timestamp", timestamp)
		}
	}

	w.serviceControl(ctx, "start")

	if len(failures) > 0 {
		return fmt.Errorf("restore finished with failures: %w", errors.Join(failures...))
	}
	plog.Notice("Restore complete", "timestamp", timestamp)
	return nil
}

// resolveTimestamp normalizes the chosen backup name to its bare
// timestamp, following the last symlink when no name is given.
func (w *Worker) resolveTimestamp(name string) (string, error) {
	if name == "" || name == config.LastSymlinkName {
		target, err := os.Readlink(filepath.Join(w.cfg.BackupDir, config.LastSymlinkName))
		if err != nil {
			return "", fmt.Errorf("no backup name given and no last symlink found: %w", err)
		}
		name = filepath.Base(target)
	}

	ts := name
	for _, prefix := range []string{config.ContentstorePrefix, config.BaseBackupPrefix} {
		ts = strings.TrimPrefix(ts, prefix)
	}
	if _, err := time.ParseInLocation(config.TimestampLayout, ts, time.Local); err != nil {
		return "", fmt.Errorf("invalid backup name %q: %w", name, err)
	}
	return ts, nil
}

// serviceControl runs alfresco.sh, best-effort. A failing stop usually
// means the service was not running, a failing start is reported to the
// operator but does not undo the restore.
func (w *Worker) serviceControl(ctx context.Context, verb string) {
	script := filepath.Join(w.cfg.AlfBaseDir, "alfresco.sh")
	if _, err := os.Stat(script); err != nil {
		plog.Warn("Alfresco control script not found, skipping", "script", script, "action", verb)
		return
	}

	name := script
	args := []string{verb}
	if w.cfg.ServiceUser != "" {
		name = "sudo"
		args = []string{"-u", w.cfg.ServiceUser, script, verb}
	}

	if w.cfg.Runtime.DryRun {
		plog.Info("[DRY RUN] Would run service control", "action", verb)
		return
	}

	plog.Info("Running service control", "action", verb)
	if _, err := w.runner.Run(ctx, cmdexec.Options{Timeout: serviceTimeout}, name, args...); err != nil {
		plog.Warn("Service control failed", "action", verb, "error", err)
	}
}

// restoreDatabase replaces the PostgreSQL data directory with the
// contents of the base backup archive. The old data directory is moved
// aside, not deleted, so a failed restore can be rolled back by hand.
func (w *Worker) restoreDatabase(ctx context.Context, timestamp, targetTime string) error {
	archiveDir := filepath.Join(w.cfg.BackupDir, config.BaseBackupPrefix+timestamp)
	baseArchive := filepath.Join(archiveDir, "base.tar.gz")
	if _, err := os.Stat(baseArchive); err != nil {
		return fmt.Errorf("base backup archive not found: %w", err)
	}

	dataDir, err := w.findDataDir()
	if err != nil {
		return err
	}

	if w.cfg.Runtime.DryRun {
		plog.Info("[DRY RUN] Would restore data directory", "from", baseArchive, "to", dataDir)
		return nil
	}

	aside := dataDir + ".pre-restore-" + time.Now().Format(config.TimestampLayout)
	if err := os.Rename(dataDir, aside); err != nil {
		return fmt.Errorf("could not move data directory aside: %w", err)
	}
	plog.Info("Moved old data directory aside", "path", aside)

	// PostgreSQL refuses to start on a data directory with loose perms.
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("could not create data directory: %w", err)
	}

	if err := w.extractTarGz(ctx, baseArchive, dataDir); err != nil {
		return fmt.Errorf("could not extract %s: %w", baseArchive, err)
	}

	// pg_basebackup -Ft writes the WAL of the backup window separately.
	walArchive := filepath.Join(archiveDir, "pg_wal.tar.gz")
	if _, err := os.Stat(walArchive); err == nil {
		if err := w.extractTarGz(ctx, walArchive, filepath.Join(dataDir, "pg_wal")); err != nil {
			return fmt.Errorf("could not extract %s: %w", walArchive, err)
		}
	}

	if err := w.configureRecovery(dataDir, targetTime); err != nil {
		return err
	}

	return nil
}

// configureRecovery writes the recovery settings that make PostgreSQL
// replay archived WAL on its first start after the restore. With a
// target time the server stops replaying there and promotes itself,
// otherwise it recovers to the end of the archive.
func (w *Worker) configureRecovery(dataDir, targetTime string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "restore_command = 'cp %s/%%f %%p'\n", w.cfg.WALArchiveDir)
	b.WriteString("recovery_target_timeline = 'latest'\n")
	if targetTime != "" {
		fmt.Fprintf(&b, "recovery_target_time = '%s'\n", targetTime)
		b.WriteString("recovery_target_action = 'promote'\n")
	}

	path := filepath.Join(dataDir, "recovery.conf")
	if err := os.WriteFile(path, []byte(b.String()), 0600); err != nil {
		return fmt.Errorf("could not write recovery configuration: %w", err)
	}
	plog.Info("Wrote recovery configuration", "path", path, "target_time", targetTime)
	return nil
}

// findDataDir locates the live PostgreSQL data directory by its
// PG_VERSION marker file.
func (w *Worker) findDataDir() (string, error) {
	candidates := []string{
		filepath.Join(w.cfg.AlfBaseDir, "alf_data", "postgresql"),
		filepath.Join(w.cfg.AlfBaseDir, "postgresql", "data"),
	}
	for _, dir := range candidates {
		if _, err := os.Stat(filepath.Join(dir, "PG_VERSION")); err == nil {
			return dir, nil
		}
	}
	return "", fmt.Errorf("no PostgreSQL data directory found under %s", w.cfg.AlfBaseDir)
}

func (w *Worker) restoreContentstore(ctx context.Context, timestamp string) error {
	snapshot := filepath.Join(w.cfg.BackupDir, config.ContentstorePrefix+timestamp)
	if info, err := os.Stat(snapshot); err != nil || !info.IsDir() {
		return fmt.Errorf("contentstore snapshot %s not found", snapshot)
	}

	target := w.cfg.ContentstoreSource()
	if w.cfg.Runtime.DryRun {
		plog.Info("[DRY RUN] Would restore contentstore", "from", snapshot, "to", target)
		return nil
	}

	if err := os.MkdirAll(target, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("could not create contentstore directory: %w", err)
	}

	args := []string{"-a", "--delete", snapshot + string(os.PathSeparator), target + string(os.PathSeparator)}
	if _, err := w.runner.Run(ctx, cmdexec.Options{Timeout: rsyncTimeout}, "rsync", args...); err != nil {
		return fmt.Errorf("rsync failed: %w", err)
	}
	return nil
}

// extractTarGz unpacks a gzip compressed tar archive into dest. Entries
// escaping dest are rejected.
func (w *Worker) extractTarGz(ctx context.Context, archive, dest string) error {
	f, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("not a gzip archive: %w", err)
	}
	defer gz.Close()

	buf := w.bufPool.Get()
	defer w.bufPool.Put(buf)

	tr := tar.NewReader(gz)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("corrupt archive: %w", err)
		}

		target, err := securePath(dest, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, hdr.FileInfo().Mode()); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0700); err != nil {
				return err
			}
			if err := writeFile(target, tr, hdr.FileInfo().Mode(), *buf); err != nil {
				return err
			}
		case tar.TypeSymlink:
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		default:
			plog.Debug("Skipping unsupported archive entry", "name", hdr.Name, "type", hdr.Typeflag)
		}
	}
}

func writeFile(target string, r io.Reader, mode os.FileMode, buf []byte) error {
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.CopyBuffer(out, r, buf); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// securePath joins name onto dest and rejects escapes above dest.
func securePath(dest, name string) (string, error) {
	target := filepath.Join(dest, filepath.Clean(name))
	if target != dest && !strings.HasPrefix(target, dest+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry escapes destination: %s", name)
	}
	return target, nil
}
