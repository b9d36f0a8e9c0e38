// Package retention deletes backups older than the configured threshold.
//
// Age is derived from the timestamp embedded in each backup's name,
// falling back to the filesystem mtime for entries that do not parse.
// The backup the `last` symlink resolves to is never deleted, it is the
// hardlink base of the next contentstore run.
package retention

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/alfops/alf-backup/pkg/config"
	"github.com/alfops/alf-backup/pkg/hints"
	"github.com/alfops/alf-backup/pkg/plog"
	"github.com/alfops/alf-backup/pkg/retentionmetrics"
)

// item is one deletable entry under the backup root or the WAL archive.
type item struct {
	path string
	age  time.Duration
}

type Manager struct {
	backupDir     string
	walArchiveDir string
	retentionDays int
	numWorkers    int
	dryRun        bool
	metrics       retentionmetrics.Metrics
}

func New(cfg *config.Config) *Manager {
	var m retentionmetrics.Metrics = &retentionmetrics.RetentionMetrics{}
	if cfg.Runtime.DryRun {
		m = &retentionmetrics.NoopMetrics{}
	}
	return &Manager{
		backupDir:     cfg.BackupDir,
		walArchiveDir: cfg.WALArchiveDir,
		retentionDays: cfg.RetentionDays,
		numWorkers:    cfg.Contentstore.ParallelThreads,
		dryRun:        cfg.Runtime.DryRun,
		metrics:       m,
	}
}

// Apply prunes outdated backups and WAL segments. Individual deletion
// failures are counted and logged, only scan failures abort.
func (m *Manager) Apply(ctx context.Context, now time.Time) error {
	cutoff := time.Duration(m.retentionDays) * 24 * time.Hour

	items, err := m.collectBackups(now, cutoff)
	if err != nil {
		return err
	}
	walItems, err := m.collectWALSegments(now, cutoff)
	if err != nil {
		plog.Warn("Could not scan WAL archive for retention", "error", err)
	}
	items = append(items, walItems...)

	if len(items) == 0 {
		return hints.New("nothing to prune")
	}

	plog.Info("Deleting outdated backups", "count", len(items), "retention_days", m.retentionDays)

	m.metrics.StartProgress("Delete progress", 10*time.Second)
	defer func() {
		m.metrics.StopProgress()
		m.metrics.LogSummary("Retention finished")
	}()

	// Parallel deletion pays off on network filesystems where unlink
	// latency dominates. Buffer 2x the workers to keep the pipeline full.
	tasks := make(chan item, m.numWorkers*2)
	var wg sync.WaitGroup

	for i := 0; i < m.numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for it := range tasks {
				select {
				case <-ctx.Done():
					return
				default:
				}

				if m.dryRun {
					plog.Notice("[DRY RUN] DELETE", "path", it.path, "age", it.age.Truncate(time.Hour))
					continue
				}
				plog.Notice("DELETE", "path", it.path, "age", it.age.Truncate(time.Hour), "worker", workerID)
				if err := os.RemoveAll(it.path); err != nil {
					m.metrics.AddItemsFailed(1)
					plog.Warn("Failed to delete outdated backup", "path", it.path, "error", err)
				} else {
					m.metrics.AddItemsDeleted(1)
				}
			}
		}(i + 1)
	}

	go func() {
		defer close(tasks)
		for _, it := range items {
			select {
			case <-ctx.Done():
				plog.Debug("Cancellation received, stopping retention job feeding.")
				return
			case tasks <- it:
			}
		}
	}()

	wg.Wait()
	return ctx.Err()
}

// collectBackups finds backup entries older than the cutoff.
func (m *Manager) collectBackups(now time.Time, cutoff time.Duration) ([]item, error) {
	entries, err := os.ReadDir(m.backupDir)
	if err != nil {
		// A backup dir that does not exist yet is a first run, not a
		// failure.
		if os.IsNotExist(err) {
			return nil, hints.Wrap(err)
		}
		return nil, fmt.Errorf("failed to read backup directory %s: %w", m.backupDir, err)
	}

	lastTarget := m.resolveLast()

	var items []item
	for _, entry := range entries {
		ts, ok := backupTimestamp(entry)
		if !ok {
			continue
		}
		path := filepath.Join(m.backupDir, entry.Name())
		age := now.Sub(ts)
		if age < cutoff {
			continue
		}
		if path == lastTarget {
			plog.Warn("Keeping expired backup, it is the current 'last' target", "path", path)
			continue
		}
		items = append(items, item{path: path, age: age})
	}
	return items, nil
}

// collectWALSegments finds WAL files older than the cutoff, by mtime.
func (m *Manager) collectWALSegments(now time.Time, cutoff time.Duration) ([]item, error) {
	if m.walArchiveDir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(m.walArchiveDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var items []item
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		age := now.Sub(info.ModTime())
		if age < cutoff {
			continue
		}
		items = append(items, item{path: filepath.Join(m.walArchiveDir, entry.Name()), age: age})
	}
	return items, nil
}

func (m *Manager) resolveLast() string {
	link := filepath.Join(m.backupDir, config.LastSymlinkName)
	target, err := os.Readlink(link)
	if err != nil {
		return ""
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(m.backupDir, target)
	}
	return filepath.Clean(target)
}

// backupTimestamp extracts the creation time of a backup entry. The
// second return is false for entries that are not backups at all.
func backupTimestamp(entry os.DirEntry) (time.Time, bool) {
	name := entry.Name()

	var stamp string
	switch {
	case entry.IsDir() && strings.HasPrefix(name, config.ContentstorePrefix):
		stamp = strings.TrimPrefix(name, config.ContentstorePrefix)
	case entry.IsDir() && strings.HasPrefix(name, config.BaseBackupPrefix):
		stamp = strings.TrimPrefix(name, config.BaseBackupPrefix)
	case !entry.IsDir() && strings.HasPrefix(name, config.DumpPrefix) && strings.HasSuffix(name, config.DumpSuffix):
		stamp = strings.TrimSuffix(strings.TrimPrefix(name, config.DumpPrefix), config.DumpSuffix)
	default:
		return time.Time{}, false
	}

	if ts, err := time.ParseInLocation(config.TimestampLayout, stamp, time.Local); err == nil {
		return ts, true
	}
	// Unparseable name, fall back to the filesystem mtime.
	if info, err := entry.Info(); err == nil {
		return info.ModTime(), true
	}
	return time.Time{}, false
}
