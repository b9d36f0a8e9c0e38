package restore

import (
	"archive/tar"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/alfops/alf-backup/pkg/cmdexec"
	"github.com/alfops/alf-backup/pkg/config"
)

// TestHelperProcess stands in for rsync. It creates the destination
// directory and records the arguments it was called with.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for i, arg := range args {
		if arg == "--" {
			args = args[i+1:]
			break
		}
	}
	if len(args) > 0 && args[0] == "rsync-fail" {
		os.Stderr.WriteString("rsync: connection unexpectedly closed\n")
		os.Exit(23)
	}
	dest := strings.TrimSuffix(args[len(args)-1], string(os.PathSeparator))
	os.MkdirAll(dest, 0755)
	os.WriteFile(filepath.Join(dest, "rsync-args.txt"), []byte(strings.Join(args, "\n")), 0644)
	os.Exit(0)
}

func mockExec(scenario string) func(ctx context.Context, name string, arg ...string) *exec.Cmd {
	return func(ctx context.Context, name string, arg ...string) *exec.Cmd {
		cs := append([]string{"-test.run=TestHelperProcess", "--", scenario}, arg...)
		cmd := exec.CommandContext(ctx, os.Args[0], cs...)
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1")
		return cmd
	}
}

func testWorker(t *testing.T, scenario string) (*Worker, *config.Config) {
	t.Helper()
	c := config.NewDefault()
	c.AlfBaseDir = t.TempDir()
	c.BackupDir = t.TempDir()
	c.WALArchiveDir = filepath.Join(c.BackupDir, config.WALArchiveDirName)
	return New(cmdexec.NewRunner(mockExec(scenario)), &c), &c
}

// writeTarGz builds a small gzip compressed tar archive from a map of
// entry names to contents.
func writeTarGz(t *testing.T, path string, entries map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for name, content := range entries {
		hdr := &tar.Header{
			Name:    name,
			Mode:    0600,
			Size:    int64(len(content)),
			ModTime: time.Now(),
		}
		if strings.HasSuffix(name, "/") {
			hdr.Typeflag = tar.TypeDir
			hdr.Size = 0
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if hdr.Typeflag != tar.TypeDir {
			if _, err := tw.Write([]byte(content)); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestResolveTimestamp(t *testing.T) {
	w, cfg := testWorker(t, "ok")

	if err := os.Symlink("contentstore-2024-03-01_02-00-00",
		filepath.Join(cfg.BackupDir, config.LastSymlinkName)); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"contentstore prefix", "contentstore-2024-03-01_02-00-00", "2024-03-01_02-00-00", false},
		{"base prefix", "base-2024-03-01_02-00-00", "2024-03-01_02-00-00", false},
		{"bare timestamp", "2024-03-01_02-00-00", "2024-03-01_02-00-00", false},
		{"empty follows last symlink", "", "2024-03-01_02-00-00", false},
		{"last keyword", "last", "2024-03-01_02-00-00", false},
		{"garbage", "my-backup", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := w.resolveTimestamp(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("resolveTimestamp(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("resolveTimestamp(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestResolveTimestampNoLastSymlink(t *testing.T) {
	w, _ := testWorker(t, "ok")
	if _, err := w.resolveTimestamp(""); err == nil {
		t.Error("expected error when no name is given and no last symlink exists")
	}
}

func TestRunRejectsConflictingOptions(t *testing.T) {
	w, _ := testWorker(t, "ok")
	err := w.Run(context.Background(), Options{DBOnly: true, ContentOnly: true})
	if err == nil {
		t.Fatal("expected error for --db-only with --content-only")
	}
}

func TestExtractTarGz(t *testing.T) {
	w, _ := testWorker(t, "ok")
	tmpDir := t.TempDir()

	archive := filepath.Join(tmpDir, "base.tar.gz")
	writeTarGz(t, archive, map[string]string{
		"PG_VERSION":        "15\n",
		"global/":           "",
		"global/pg_control": "binary",
		"base/1/1234":       "row data",
		"postgresql.conf":   "wal_level = replica\n",
	})

	dest := filepath.Join(tmpDir, "data")
	if err := os.MkdirAll(dest, 0700); err != nil {
		t.Fatal(err)
	}
	if err := w.extractTarGz(context.Background(), archive, dest); err != nil {
		t.Fatalf("extractTarGz() unexpected error: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dest, "base", "1", "1234"))
	if err != nil {
		t.Fatalf("extracted file missing: %v", err)
	}
	if string(got) != "row data" {
		t.Errorf("extracted content = %q, want %q", got, "row data")
	}
	if _, err := os.Stat(filepath.Join(dest, "global", "pg_control")); err != nil {
		t.Errorf("nested file missing: %v", err)
	}
}

func TestExtractTarGzRejectsEscapingEntries(t *testing.T) {
	w, _ := testWorker(t, "ok")
	tmpDir := t.TempDir()

	archive := filepath.Join(tmpDir, "evil.tar.gz")
	writeTarGz(t, archive, map[string]string{
		"../escaped": "nope",
	})

	dest := filepath.Join(tmpDir, "data")
	if err := os.MkdirAll(dest, 0700); err != nil {
		t.Fatal(err)
	}
	if err := w.extractTarGz(context.Background(), archive, dest); err == nil {
		t.Fatal("expected error for entry escaping the destination")
	}
	if _, err := os.Stat(filepath.Join(tmpDir, "escaped")); !os.IsNotExist(err) {
		t.Error("escaping entry was written outside the destination")
	}
}

func TestRestoreDatabase(t *testing.T) {
	w, cfg := testWorker(t, "ok")

	// Live data directory with its PG_VERSION marker.
	dataDir := filepath.Join(cfg.AlfBaseDir, "alf_data", "postgresql")
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dataDir, "PG_VERSION"), []byte("15\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dataDir, "old-data"), []byte("stale"), 0600); err != nil {
		t.Fatal(err)
	}

	archiveDir := filepath.Join(cfg.BackupDir, "base-2024-03-01_02-00-00")
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		t.Fatal(err)
	}
	writeTarGz(t, filepath.Join(archiveDir, "base.tar.gz"), map[string]string{
		"PG_VERSION": "15\n",
		"restored":   "fresh",
	})
	writeTarGz(t, filepath.Join(archiveDir, "pg_wal.tar.gz"), map[string]string{
		"000000010000000000000002": "wal",
	})

	if err := w.restoreDatabase(context.Background(), "2024-03-01_02-00-00", ""); err != nil {
		t.Fatalf("restoreDatabase() unexpected error: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dataDir, "restored")); err != nil {
		t.Errorf("restored file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dataDir, "pg_wal", "000000010000000000000002")); err != nil {
		t.Errorf("WAL segment missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dataDir, "old-data")); !os.IsNotExist(err) {
		t.Error("old data directory contents still present in fresh data dir")
	}

	// The old data dir must be preserved next to the new one.
	entries, err := os.ReadDir(filepath.Dir(dataDir))
	if err != nil {
		t.Fatal(err)
	}
	var asideFound bool
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "postgresql.pre-restore-") {
			asideFound = true
		}
	}
	if !asideFound {
		t.Error("old data directory was not moved aside")
	}

	// Recovery settings must point the server at the WAL archive.
	raw, err := os.ReadFile(filepath.Join(dataDir, "recovery.conf"))
	if err != nil {
		t.Fatalf("recovery.conf missing: %v", err)
	}
	conf := string(raw)
	if want := "restore_command = 'cp " + cfg.WALArchiveDir + "/%f %p'"; !strings.Contains(conf, want) {
		t.Errorf("recovery.conf missing %q:\n%s", want, conf)
	}
	if !strings.Contains(conf, "recovery_target_timeline = 'latest'") {
		t.Errorf("recovery.conf missing timeline setting:\n%s", conf)
	}
	if strings.Contains(conf, "recovery_target_time =") {
		t.Errorf("recovery.conf has a target time without one being requested:\n%s", conf)
	}
	info, err := os.Stat(filepath.Join(dataDir, "recovery.conf"))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("recovery.conf permissions = %o, want 600", perm)
	}
}

func TestRestoreDatabaseWithTargetTime(t *testing.T) {
	w, cfg := testWorker(t, "ok")

	dataDir := filepath.Join(cfg.AlfBaseDir, "alf_data", "postgresql")
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dataDir, "PG_VERSION"), []byte("15\n"), 0600); err != nil {
		t.Fatal(err)
	}

	archiveDir := filepath.Join(cfg.BackupDir, "base-2024-03-01_02-00-00")
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		t.Fatal(err)
	}
	writeTarGz(t, filepath.Join(archiveDir, "base.tar.gz"), map[string]string{
		"PG_VERSION": "15\n",
	})

	if err := w.restoreDatabase(context.Background(), "2024-03-01_02-00-00", "2024-03-01 01:30:00"); err != nil {
		t.Fatalf("restoreDatabase() unexpected error: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dataDir, "recovery.conf"))
	if err != nil {
		t.Fatalf("recovery.conf missing: %v", err)
	}
	conf := string(raw)
	if !strings.Contains(conf, "recovery_target_time = '2024-03-01 01:30:00'") {
		t.Errorf("recovery.conf missing the requested target time:\n%s", conf)
	}
	if !strings.Contains(conf, "recovery_target_action = 'promote'") {
		t.Errorf("recovery.conf missing promote action:\n%s", conf)
	}
}

func TestRestoreDatabaseMissingArchive(t *testing.T) {
	w, _ := testWorker(t, "ok")
	if err := w.restoreDatabase(context.Background(), "2024-03-01_02-00-00", ""); err == nil {
		t.Fatal("expected error for missing base backup archive")
	}
}

func TestRestoreContentstore(t *testing.T) {
	w, cfg := testWorker(t, "ok")

	snapshot := filepath.Join(cfg.BackupDir, "contentstore-2024-03-01_02-00-00")
	if err := os.MkdirAll(snapshot, 0755); err != nil {
		t.Fatal(err)
	}

	if err := w.restoreContentstore(context.Background(), "2024-03-01_02-00-00"); err != nil {
		t.Fatalf("restoreContentstore() unexpected error: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(cfg.ContentstoreSource(), "rsync-args.txt"))
	if err != nil {
		t.Fatalf("rsync was not invoked: %v", err)
	}
	args := string(raw)
	if !strings.Contains(args, "--delete") {
		t.Errorf("rsync args missing --delete:\n%s", args)
	}
	if !strings.Contains(args, snapshot+string(os.PathSeparator)) {
		t.Errorf("rsync args missing snapshot source with trailing separator:\n%s", args)
	}
}

func TestRestoreContentstoreMissingSnapshot(t *testing.T) {
	w, _ := testWorker(t, "ok")
	if err := w.restoreContentstore(context.Background(), "2024-03-01_02-00-00"); err == nil {
		t.Fatal("expected error for missing snapshot")
	}
}
