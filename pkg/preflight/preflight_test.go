package preflight

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCheckBackupTargetAccessible(t *testing.T) {
	tmpDir := t.TempDir()

	tests := []struct {
		name    string
		setup   func(t *testing.T) string
		wantErr bool
	}{
		{
			name: "existing directory",
			setup: func(t *testing.T) string {
				return tmpDir
			},
			wantErr: false,
		},
		{
			name: "missing target with existing parent",
			setup: func(t *testing.T) string {
				return filepath.Join(tmpDir, "not-yet-created")
			},
			wantErr: false,
		},
		{
			name: "deeply missing target with existing ancestor",
			setup: func(t *testing.T) string {
				return filepath.Join(tmpDir, "a", "b", "c")
			},
			wantErr: false,
		},
		{
			name: "target is a file",
			setup: func(t *testing.T) string {
				path := filepath.Join(tmpDir, "a-file")
				if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
					t.Fatal(err)
				}
				return path
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckBackupTargetAccessible(tt.setup(t))
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckBackupTargetAccessible() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCheckBackupSourceAccessible(t *testing.T) {
	tmpDir := t.TempDir()
	filePath := filepath.Join(tmpDir, "file")
	if err := os.WriteFile(filePath, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"existing directory", tmpDir, false},
		{"missing directory", filepath.Join(tmpDir, "missing"), true},
		{"path is a file", filePath, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckBackupSourceAccessible(tt.path)
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckBackupSourceAccessible(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
		})
	}
}

func TestCheckBackupTargetWritable(t *testing.T) {
	tmpDir := t.TempDir()

	target := filepath.Join(tmpDir, "new", "nested", "dir")
	if err := CheckBackupTargetWritable(target); err != nil {
		t.Fatalf("CheckBackupTargetWritable() unexpected error: %v", err)
	}

	info, err := os.Stat(target)
	if err != nil || !info.IsDir() {
		t.Fatalf("expected target directory to be created, stat err: %v", err)
	}

	// The probe file must not be left behind.
	if _, err := os.Stat(filepath.Join(target, ".alf-backup-writetest.tmp")); !os.IsNotExist(err) {
		t.Errorf("write probe file was not cleaned up")
	}
}

func TestUnderMountPrefix(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/mnt/backup", true},
		{"/media/usb/backups", true},
		{"/run/media/alfresco/disk", true},
		{"/opt/alfresco/backups", false},
		{"/home/user/backups", false},
		{"/mntx/backup", false},
	}

	for _, tt := range tests {
		if got := underMountPrefix(tt.path); got != tt.want {
			t.Errorf("underMountPrefix(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}
