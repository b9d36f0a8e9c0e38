// Package contentstore snapshots the Alfresco contentstore with rsync.
//
// Snapshots are hardlink-deduplicated: rsync links unchanged files
// against the previous successful backup (the `last` symlink) via
// --link-dest, so each snapshot is a full tree that only pays disk for
// changed content.
package contentstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alfops/alf-backup/pkg/cmdexec"
	"github.com/alfops/alf-backup/pkg/config"
	"github.com/alfops/alf-backup/pkg/plog"
)

// failedAttemptMaxAge bounds the pre-run purge: a contentstore directory
// younger than this that `last` does not point to can only be a failed
// or aborted attempt, because runs are serialized and `last` moves on
// every success.
const failedAttemptMaxAge = 12 * time.Hour

type Worker struct {
	runner    *cmdexec.Runner
	backupDir string
	source    string
	timeout   time.Duration
	dryRun    bool
}

func New(runner *cmdexec.Runner, cfg *config.Config) *Worker {
	return &Worker{
		runner:    runner,
		backupDir: cfg.BackupDir,
		source:    cfg.ContentstoreSource(),
		timeout:   time.Duration(cfg.Contentstore.TimeoutHours) * time.Hour,
		dryRun:    cfg.Runtime.DryRun,
	}
}

// Backup purges failed attempts, snapshots the contentstore into
// contentstore-<ts>/ and re-points the `last` symlink on success.
func (w *Worker) Backup(ctx context.Context, timestamp time.Time) (string, error) {
	if err := w.PurgeFailedAttempts(time.Now()); err != nil {
		plog.Warn("Could not purge failed backup attempts", "error", err)
	}

	dest := filepath.Join(w.backupDir, config.ContentstorePrefix+timestamp.Format(config.TimestampLayout))

	if w.dryRun {
		plog.Info("[DRY RUN] Would sync contentstore", "source", w.source, "target", dest)
		return dest, nil
	}

	args := []string{"-a", "--delete"}
	if linkDest, ok := w.resolveLast(); ok {
		args = append(args, "--link-dest="+linkDest)
		plog.Info("Using hardlink base", "link_dest", linkDest)
	} else {
		plog.Notice("No previous backup found, taking a full copy")
	}
	// The trailing slash makes rsync copy the directory's contents.
	args = append(args, w.source+string(os.PathSeparator), dest+string(os.PathSeparator))

	plog.Info("Starting contentstore sync", "source", w.source, "target", dest, "timeout", w.timeout)

	if _, err := w.runner.Run(ctx, cmdexec.Options{Timeout: w.timeout}, "rsync", args...); err != nil {
		return "", fmt.Errorf("rsync failed: %w", err)
	}

	// A failed symlink update degrades the next run to a full copy but
	// does not invalidate the snapshot we just took.
	if err := w.pointLast(filepath.Base(dest)); err != nil {
		plog.Warn("Could not update 'last' symlink", "error", err)
	}

	plog.Info("Contentstore sync complete", "target", dest)
	return dest, nil
}

// PurgeFailedAttempts removes contentstore directories younger than 12
// hours that the `last` symlink does not resolve to. They are leftovers
// of failed or aborted runs and must not survive as hardlink bases.
func (w *Worker) PurgeFailedAttempts(now time.Time) error {
	entries, err := os.ReadDir(w.backupDir)
	if err != nil {
		return fmt.Errorf("could not read backup directory: %w", err)
	}

	lastTarget, _ := w.resolveLast()

	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), config.ContentstorePrefix) {
			continue
		}
		path := filepath.Join(w.backupDir, entry.Name())
		if path == lastTarget {
			continue
		}

		age := now.Sub(backupTime(entry))
		if age < 0 || age >= failedAttemptMaxAge {
			continue
		}

		if w.dryRun {
			plog.Info("[DRY RUN] Would purge failed backup attempt", "path", path, "age", age.Truncate(time.Minute))
			continue
		}
		plog.Warn("Purging failed backup attempt", "path", path, "age", age.Truncate(time.Minute))
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("could not remove failed attempt %s: %w", path, err)
		}
	}
	return nil
}

// resolveLast returns the absolute directory `last` points to, when it
// exists and is a directory.
func (w *Worker) resolveLast() (string, bool) {
	link := filepath.Join(w.backupDir, config.LastSymlinkName)
	target, err := os.Readlink(link)
	if err != nil {
		return "", false
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(w.backupDir, target)
	}
	info, err := os.Stat(target)
	if err != nil || !info.IsDir() {
		return "", false
	}
	return filepath.Clean(target), true
}

// pointLast atomically replaces the `last` symlink with one pointing at
// backupName. The target is kept relative so the backup root can move.
func (w *Worker) pointLast(backupName string) error {
	link := filepath.Join(w.backupDir, config.LastSymlinkName)
	tmp := link + ".tmp"

	os.Remove(tmp)
	if err := os.Symlink(backupName, tmp); err != nil {
		return fmt.Errorf("could not create symlink: %w", err)
	}
	if err := os.Rename(tmp, link); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("could not replace symlink: %w", err)
	}
	return nil
}

// backupTime derives a backup's creation time from its name, falling
// back to the directory's mtime when the name does not parse.
func backupTime(entry os.DirEntry) time.Time {
	name := strings.TrimPrefix(entry.Name(), config.ContentstorePrefix)
	if ts, err := time.ParseInLocation(config.TimestampLayout, name, time.Local); err == nil {
		return ts
	}
	if info, err := entry.Info(); err == nil {
		return info.ModTime()
	}
	return time.Time{}
}
