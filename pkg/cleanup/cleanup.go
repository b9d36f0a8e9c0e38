// Package cleanup implements the manual cleanup utility. It lists
// contentstore backups and deletes a named one, removing its chunk
// subdirectories in parallel. A contentstore snapshot holds millions of
// small files, a single sequential RemoveAll can take hours on network
// storage.
package cleanup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alfops/alf-backup/pkg/config"
	"github.com/alfops/alf-backup/pkg/plog"
	"github.com/alfops/alf-backup/pkg/util"
)

// minChunksForDepth is the smallest chunk count worth parallelizing at
// depth 2. Below it the top-level directories are used instead.
const minChunksForDepth = 5

// Backup describes one contentstore snapshot in the backup directory.
type Backup struct {
	Name    string
	Path    string
	Size    int64
	Age     time.Duration
	Current bool
}

// Manager lists and deletes contentstore backups.
type Manager struct {
	backupDir string
	threads   int
	dryRun    bool
}

func New(cfg *config.Config) *Manager {
	return &Manager{
		backupDir: cfg.BackupDir,
		threads:   cfg.Contentstore.ParallelThreads,
		dryRun:    cfg.Runtime.DryRun,
	}
}

// List returns all contentstore backups, newest first. The snapshot the
// last symlink resolves to is marked current.
func (m *Manager) List(now time.Time) ([]Backup, error) {
	entries, err := os.ReadDir(m.backupDir)
	if err != nil {
		return nil, fmt.Errorf("could not read backup directory %s: %w", m.backupDir, err)
	}

	current := m.resolveLast()

	var backups []Backup
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), config.ContentstorePrefix) {
			continue
		}

		path := filepath.Join(m.backupDir, entry.Name())
		size, err := util.DirSize(path)
		if err != nil {
			plog.Warn("Could not size backup", "path", path, "error", err)
		}

		backups = append(backups, Backup{
			Name:    entry.Name(),
			Path:    path,
			Size:    size,
			Age:     now.Sub(backupTime(entry)),
			Current: entry.Name() == current,
		})
	}

	sort.Slice(backups, func(i, j int) bool { return backups[i].Age < backups[j].Age })
	return backups, nil
}

// Delete removes the named contentstore backup. The snapshot the last
// symlink points to is protected unless force is set, deleting it breaks
// hardlink dedup for the next run.
func (m *Manager) Delete(ctx context.Context, name string, force bool) error {
	if name != filepath.Base(name) || !strings.HasPrefix(name, config.ContentstorePrefix) {
		return fmt.Errorf("invalid backup name: %s", name)
	}

	root := filepath.Join(m.backupDir, name)
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("backup %s not found: %w", name, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("backup %s is not a directory", name)
	}

	isCurrent := m.resolveLast() == name
	if isCurrent && !force {
		return fmt.Errorf("backup %s is the current snapshot, use --force to delete it anyway", name)
	}

	if m.dryRun {
		plog.Info("[DRY RUN] Would delete backup", "path", root)
		return nil
	}

	chunks := collectChunks(root)
	plog.Notice("Deleting backup", "path", root, "chunks", len(chunks), "threads", m.threads)

	start := time.Now()
	prog := newProgress(int64(len(chunks)))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.threads)
	for _, chunk := range chunks {
		chunk := chunk
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := os.RemoveAll(chunk); err != nil {
				return fmt.Errorf("could not delete %s: %w", chunk, err)
			}
			prog.step()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Sweep whatever is left, loose files and the emptied tree itself.
	if err := os.RemoveAll(root); err != nil {
		return fmt.Errorf("could not delete %s: %w", root, err)
	}

	if isCurrent {
		m.dropLastSymlink(name)
	}

	plog.Notice("Backup deleted", "path", root, "duration", time.Since(start).Truncate(time.Second))
	return nil
}

// collectChunks gathers the subdirectories two levels below root, the
// year/month layer of a contentstore tree. When that yields too few
// chunks to spread across workers it falls back to the top-level
// directories.
func collectChunks(root string) []string {
	tops, err := os.ReadDir(root)
	if err != nil {
		return nil
	}

	var depth1, depth2 []string
	for _, top := range tops {
		if !top.IsDir() {
			continue
		}
		topPath := filepath.Join(root, top.Name())
		depth1 = append(depth1, topPath)

		subs, err := os.ReadDir(topPath)
		if err != nil {
			continue
		}
		for _, sub := range subs {
			if sub.IsDir() {
				depth2 = append(depth2, filepath.Join(topPath, sub.Name()))
			}
		}
	}

	if len(depth2) >= minChunksForDepth {
		return depth2
	}
	return depth1
}

// dropLastSymlink removes the last symlink when it points at the backup
// that was just deleted, a dangling link would be treated as corruption
// by the next run.
func (m *Manager) dropLastSymlink(deleted string) {
	link := filepath.Join(m.backupDir, config.LastSymlinkName)
	target, err := os.Readlink(link)
	if err != nil {
		return
	}
	if filepath.Base(target) != deleted {
		return
	}
	if err := os.Remove(link); err != nil {
		plog.Warn("Could not remove dangling last symlink", "link", link, "error", err)
	}
}

// resolveLast returns the backup name the last symlink points to, or "".
func (m *Manager) resolveLast() string {
	target, err := os.Readlink(filepath.Join(m.backupDir, config.LastSymlinkName))
	if err != nil {
		return ""
	}
	return filepath.Base(target)
}

func backupTime(entry os.DirEntry) time.Time {
	raw := strings.TrimPrefix(entry.Name(), config.ContentstorePrefix)
	if ts, err := time.ParseInLocation(config.TimestampLayout, raw, time.Local); err == nil {
		return ts
	}
	if info, err := entry.Info(); err == nil {
		return info.ModTime()
	}
	return time.Time{}
}

// progress tracks chunk deletions and periodically logs percent done and
// an estimated time remaining.
type progress struct {
	total int64
	done  atomic.Int64
	start time.Time

	mu      sync.Mutex
	lastLog time.Time
}

func newProgress(total int64) *progress {
	now := time.Now()
	return &progress{total: total, start: now, lastLog: now}
}

const progressInterval = 10 * time.Second

func (p *progress) step() {
	done := p.done.Add(1)
	if p.total == 0 {
		return
	}

	p.mu.Lock()
	if time.Since(p.lastLog) < progressInterval && done != p.total {
		p.mu.Unlock()
		return
	}
	p.lastLog = time.Now()
	p.mu.Unlock()

	elapsed := time.Since(p.start)
	pct := float64(done) / float64(p.total) * 100
	var eta time.Duration
	if done > 0 {
		eta = time.Duration(float64(elapsed) / float64(done) * float64(p.total-done))
	}
	plog.Info("Deletion progress",
		"done", done,
		"total", p.total,
		"percent", fmt.Sprintf("%.0f%%", pct),
		"eta", eta.Truncate(time.Second))
}
