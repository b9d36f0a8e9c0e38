// Package preflight provides validation checks that run before a backup or
// restore begins. The checks are stateless except for CheckBackupTargetWritable,
// which creates the target directory and probes it with a temporary file.
package preflight

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// mountPrefixes are path prefixes that conventionally hold mounted volumes.
// A backup target under one of these must not resolve to the root filesystem,
// which would mean the volume is not actually mounted and we would silently
// fill the system disk.
var mountPrefixes = []string{"/mnt/", "/media/", "/run/media/"}

// CheckBackupTargetAccessible ensures the backup target is usable before any
// data is written. It provides friendlier errors than letting os.MkdirAll fail.
//
// The checks include:
//  1. If the target path exists, confirms it is a directory.
//  2. If the target path does not exist, confirms its deepest existing
//     ancestor is accessible so MkdirAll can succeed.
//  3. If the path lives under a conventional mount prefix (/mnt, /media),
//     verifies the volume is actually mounted and not a ghost directory on
//     the root filesystem.
func CheckBackupTargetAccessible(targetPath string) error {
	info, err := os.Stat(targetPath)
	if os.IsNotExist(err) {
		// Target doesn't exist yet. Walk up to the deepest ancestor that
		// does exist and validate that instead.
		ancestor := filepath.Dir(targetPath)
		for {
			if _, err := os.Stat(ancestor); err == nil {
				break
			}
			parent := filepath.Dir(ancestor)
			if parent == ancestor {
				break // hit root
			}
			ancestor = parent
		}

		if err := validateMountPoint(ancestor); err != nil {
			return err
		}

		// MkdirAll creates missing intermediate directories, but the
		// ancestor itself must be traversable.
		if _, err := os.Stat(ancestor); err != nil {
			return fmt.Errorf("cannot access ancestor directory %s: %w", ancestor, err)
		}

		return nil
	} else if err != nil {
		return fmt.Errorf("cannot access target path: %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("target path exists but is not a directory: %s", targetPath)
	}

	return validateMountPoint(targetPath)
}

// CheckBackupSourceAccessible validates that the source path exists and is a directory.
func CheckBackupSourceAccessible(srcPath string) error {
	srcInfo, err := os.Stat(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("source directory %s does not exist", srcPath)
		}
		return fmt.Errorf("cannot stat source directory %s: %w", srcPath, err)
	}

	if !srcInfo.IsDir() {
		return fmt.Errorf("source path %s is not a directory", srcPath)
	}

	return nil
}

// CheckBackupTargetWritable ensures the target directory can be created and is
// writable by performing actual filesystem modifications.
func CheckBackupTargetWritable(targetPath string) error {
	if err := os.MkdirAll(targetPath, 0755); err != nil {
		return fmt.Errorf("failed to create target directory %s: %w", targetPath, err)
	}

	// A thorough write check: create and delete a temporary file.
	tempFile := filepath.Join(targetPath, ".alf-backup-writetest.tmp")
	f, err := os.Create(tempFile)
	if err != nil {
		return fmt.Errorf("target directory %s is not writable: %w", targetPath, err)
	}
	f.Close()
	_ = os.Remove(tempFile)
	return nil
}

// validateMountPoint rejects paths under a mount prefix that reside on the
// root filesystem device. Such a path means the expected volume is not
// mounted and writes would land on the system disk.
func validateMountPoint(path string) error {
	if !underMountPrefix(path) {
		return nil
	}

	rootInfo, err := os.Stat("/")
	if err != nil {
		return fmt.Errorf("failed to stat root: %w", err)
	}
	rootStat, ok := rootInfo.Sys().(*unix.Stat_t)
	if !ok {
		return fmt.Errorf("unsupported platform for unix.Stat_t")
	}

	pathInfo, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat target path: %w", err)
	}
	pathStat, ok := pathInfo.Sys().(*unix.Stat_t)
	if !ok {
		return fmt.Errorf("unsupported platform for unix.Stat_t")
	}

	if pathStat.Dev == rootStat.Dev {
		return fmt.Errorf("path %s is on the root filesystem (system disk), ensure the backup volume is mounted", path)
	}

	return nil
}

func underMountPrefix(path string) bool {
	for _, prefix := range mountPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
