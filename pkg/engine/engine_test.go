package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alfops/alf-backup/pkg/alert"
	"github.com/alfops/alf-backup/pkg/config"
	"github.com/alfops/alf-backup/pkg/filelock"
	"github.com/alfops/alf-backup/pkg/s3sync"
)

type fakeDatabase struct {
	dumpCalls int
	baseCalls int
	err       error
}

func (f *fakeDatabase) Dump(ctx context.Context, ts time.Time) (string, error) {
	f.dumpCalls++
	return "/backups/postgres-x.sql.gz", f.err
}

func (f *fakeDatabase) BaseBackup(ctx context.Context, ts time.Time) (string, error) {
	f.baseCalls++
	return "/backups/base-x", f.err
}

type fakeContentstore struct {
	calls int
	err   error
}

func (f *fakeContentstore) Backup(ctx context.Context, ts time.Time) (string, error) {
	f.calls++
	return "/backups/contentstore-x", f.err
}

type fakeRetention struct {
	calls int
	err   error
}

func (f *fakeRetention) Apply(ctx context.Context, now time.Time) error {
	f.calls++
	return f.err
}

type fakeOffloader struct {
	calls int
	err   error
}

func (f *fakeOffloader) Sync(ctx context.Context, localDir, remotePrefix string) (*s3sync.Stats, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &s3sync.Stats{BytesTransferred: 1024}, nil
}

type fakeMailer struct {
	report *alert.Report
}

func (f *fakeMailer) Deliver(ctx context.Context, r *alert.Report) error {
	f.report = r
	return nil
}

// newTestConfig builds a config whose paths all exist, with a valid WAL
// setup and one archived segment, so a run passes preflight.
func newTestConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.NewDefault()
	cfg.CustomerName = "acme"
	cfg.BackupDir = t.TempDir()
	cfg.AlfBaseDir = t.TempDir()
	cfg.WALArchiveDir = filepath.Join(cfg.BackupDir, config.WALArchiveDirName)
	cfg.Runtime.Mode = config.ModeBaseBackup

	if err := os.MkdirAll(filepath.Join(cfg.AlfBaseDir, "alf_data", "contentstore"), 0755); err != nil {
		t.Fatal(err)
	}

	confDir := filepath.Join(cfg.AlfBaseDir, "alf_data", "postgresql")
	if err := os.MkdirAll(confDir, 0755); err != nil {
		t.Fatal(err)
	}
	conf := "wal_level = replica\narchive_mode = on\narchive_command = 'cp %p " + cfg.WALArchiveDir + "/%f'\n"
	if err := os.WriteFile(filepath.Join(confDir, "postgresql.conf"), []byte(conf), 0644); err != nil {
		t.Fatal(err)
	}

	if err := os.MkdirAll(cfg.WALArchiveDir, 0755); err != nil {
		t.Fatal(err)
	}
	segment := filepath.Join(cfg.WALArchiveDir, "000000010000000000000001")
	if err := os.WriteFile(segment, []byte("wal"), 0644); err != nil {
		t.Fatal(err)
	}

	return &cfg
}

func newTestRunner(t *testing.T, cfg *config.Config) (*Runner, *fakeDatabase, *fakeContentstore, *fakeRetention, *fakeOffloader, *fakeMailer) {
	t.Helper()
	orig := checkBinaries
	checkBinaries = func(names ...string) error { return nil }
	t.Cleanup(func() { checkBinaries = orig })

	db := &fakeDatabase{}
	cs := &fakeContentstore{}
	ret := &fakeRetention{}
	s3 := &fakeOffloader{}
	mailer := &fakeMailer{}
	return NewRunner(cfg, db, cs, ret, s3, mailer), db, cs, ret, s3, mailer
}

func TestExecuteBackupAllStepsSucceed(t *testing.T) {
	cfg := newTestConfig(t)
	runner, db, cs, ret, s3, mailer := newTestRunner(t, cfg)

	if err := runner.ExecuteBackup(context.Background()); err != nil {
		t.Fatalf("ExecuteBackup() unexpected error: %v", err)
	}

	if db.baseCalls != 1 || db.dumpCalls != 0 {
		t.Errorf("database calls = dump %d, base %d, want 0 and 1", db.dumpCalls, db.baseCalls)
	}
	if cs.calls != 1 || ret.calls != 1 || s3.calls != 1 {
		t.Errorf("worker calls = contentstore %d, retention %d, s3 %d, want 1 each", cs.calls, ret.calls, s3.calls)
	}
	if mailer.report == nil {
		t.Fatal("mailer did not receive a report")
	}
	if mailer.report.Failed() {
		t.Errorf("report unexpectedly failed: %s", mailer.report.Body())
	}
	if got := len(mailer.report.Results); got != 5 {
		t.Errorf("report has %d results, want 5", got)
	}
}

func TestExecuteBackupModeBothRunsBothDatabaseSteps(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Runtime.Mode = config.ModeBoth
	runner, db, _, _, _, mailer := newTestRunner(t, cfg)

	if err := runner.ExecuteBackup(context.Background()); err != nil {
		t.Fatalf("ExecuteBackup() unexpected error: %v", err)
	}
	if db.dumpCalls != 1 || db.baseCalls != 1 {
		t.Errorf("database calls = dump %d, base %d, want 1 each", db.dumpCalls, db.baseCalls)
	}
	if got := len(mailer.report.Results); got != 6 {
		t.Errorf("report has %d results, want 6", got)
	}
}

// A failing step must not stop the steps after it, and the run must
// report an error at the end.
func TestExecuteBackupStepFailureContinues(t *testing.T) {
	cfg := newTestConfig(t)
	runner, db, cs, ret, s3, mailer := newTestRunner(t, cfg)
	db.err = errors.New("connection refused")

	err := runner.ExecuteBackup(context.Background())
	if err == nil {
		t.Fatal("ExecuteBackup() expected error after failed step")
	}

	if cs.calls != 1 || ret.calls != 1 || s3.calls != 1 {
		t.Errorf("later steps did not all run: contentstore %d, retention %d, s3 %d", cs.calls, ret.calls, s3.calls)
	}
	if mailer.report == nil || !mailer.report.Failed() {
		t.Error("report should be marked failed")
	}
}

func TestExecuteBackupSkipS3(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Runtime.SkipS3 = true
	runner, _, _, _, s3, mailer := newTestRunner(t, cfg)

	if err := runner.ExecuteBackup(context.Background()); err != nil {
		t.Fatalf("ExecuteBackup() unexpected error: %v", err)
	}
	if s3.calls != 0 {
		t.Errorf("s3 sync ran despite --skip-s3, calls = %d", s3.calls)
	}

	var found bool
	for _, res := range mailer.report.Results {
		if res.Step == "S3 offload" {
			found = true
			if !res.Skipped {
				t.Error("S3 offload result should be marked skipped")
			}
		}
	}
	if !found {
		t.Error("report is missing the S3 offload result")
	}
}

func TestExecuteBackupWALValidationFatal(t *testing.T) {
	cfg := newTestConfig(t)
	confPath := filepath.Join(cfg.AlfBaseDir, "alf_data", "postgresql", "postgresql.conf")
	if err := os.WriteFile(confPath, []byte("wal_level = minimal\n"), 0644); err != nil {
		t.Fatal(err)
	}

	runner, db, cs, _, _, mailer := newTestRunner(t, cfg)

	err := runner.ExecuteBackup(context.Background())
	if err == nil {
		t.Fatal("ExecuteBackup() expected error for invalid WAL configuration")
	}
	if db.baseCalls != 0 || cs.calls != 0 {
		t.Error("backup steps ran despite fatal WAL validation failure")
	}
	if mailer.report != nil {
		t.Error("no alert should be sent for a fatal validation failure")
	}
}

// A held lock means another run is in flight; the engine must exit
// cleanly without doing any work.
func TestExecuteBackupLockHeld(t *testing.T) {
	cfg := newTestConfig(t)

	lock, err := filelock.Acquire(cfg.LockFilePath())
	if err != nil {
		t.Fatal(err)
	}
	defer lock.Release()

	runner, db, cs, _, _, mailer := newTestRunner(t, cfg)

	if err := runner.ExecuteBackup(context.Background()); err != nil {
		t.Fatalf("ExecuteBackup() should exit gracefully, got: %v", err)
	}
	if db.baseCalls != 0 || cs.calls != 0 {
		t.Error("backup steps ran despite held lock")
	}
	if mailer.report != nil {
		t.Error("no alert should be sent for a skipped run")
	}
}

func TestExecuteWALCheck(t *testing.T) {
	cfg := newTestConfig(t)
	runner, _, _, _, _, _ := newTestRunner(t, cfg)

	if err := runner.ExecuteWALCheck(); err != nil {
		t.Fatalf("ExecuteWALCheck() unexpected error: %v", err)
	}

	// An empty archive directory is a failure, archiving is not working.
	if err := os.Remove(filepath.Join(cfg.WALArchiveDir, "000000010000000000000001")); err != nil {
		t.Fatal(err)
	}
	if err := runner.ExecuteWALCheck(); err == nil {
		t.Error("ExecuteWALCheck() expected error for empty archive directory")
	}
}
