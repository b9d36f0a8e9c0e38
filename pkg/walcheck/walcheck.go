// Package walcheck validates that PostgreSQL is configured for WAL
// archiving and inspects the WAL archive directory.
//
// The config validation runs before any backup step: taking a base backup
// without working WAL archiving produces an archive that cannot be
// recovered past its checkpoint, so a bad configuration aborts the run.
package walcheck

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/alfops/alf-backup/pkg/plog"
)

// settingLine matches a "key = value" line, tolerating trailing comments.
var settingLine = regexp.MustCompile(`^\s*([a-zA-Z_]+)\s*=\s*(.+?)(?:\s*#.*)?$`)

// trackedSettings are the keys kept from postgresql.conf.
var trackedSettings = map[string]bool{
	"wal_level":       true,
	"archive_mode":    true,
	"archive_command": true,
	"max_wal_senders": true,
}

// Settings holds the WAL-relevant values parsed from postgresql.conf.
type Settings struct {
	ConfPath       string
	WALLevel       string
	ArchiveMode    string
	ArchiveCommand string
	MaxWALSenders  string
}

// FindConf returns the first existing candidate path.
func FindConf(candidates []string) (string, error) {
	for _, path := range candidates {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", fmt.Errorf("postgresql.conf not found, tried: %s", strings.Join(candidates, ", "))
}

// ParseConf reads postgresql.conf and extracts the tracked settings.
// Later assignments win, matching how PostgreSQL applies the file.
func ParseConf(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read %s: %w", path, err)
	}

	s := &Settings{ConfPath: path}
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		m := settingLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		key := strings.ToLower(m[1])
		if !trackedSettings[key] {
			continue
		}
		value := stripQuotes(strings.TrimSpace(m[2]))
		switch key {
		case "wal_level":
			s.WALLevel = value
		case "archive_mode":
			s.ArchiveMode = value
		case "archive_command":
			s.ArchiveCommand = value
		case "max_wal_senders":
			s.MaxWALSenders = value
		}
	}
	return s, nil
}

// Validate checks the parsed settings and reports every problem at once.
func (s *Settings) Validate() error {
	var problems []error

	if strings.EqualFold(s.WALLevel, "minimal") {
		problems = append(problems, fmt.Errorf("wal_level is 'minimal'; WAL archiving requires 'replica' or 'logical'"))
	}
	switch strings.ToLower(s.ArchiveMode) {
	case "on", "always", "true", "1":
	default:
		problems = append(problems, fmt.Errorf("archive_mode is %q; it must be enabled", s.ArchiveMode))
	}
	if strings.TrimSpace(s.ArchiveCommand) == "" {
		problems = append(problems, fmt.Errorf("archive_command is not set; WAL segments are never copied to the archive"))
	}

	if len(problems) > 0 {
		return fmt.Errorf("WAL configuration in %s is unsafe for backups: %w", s.ConfPath, errors.Join(problems...))
	}

	plog.Info("WAL configuration valid",
		"conf", s.ConfPath,
		"wal_level", s.WALLevel,
		"archive_mode", s.ArchiveMode,
		"max_wal_senders", s.MaxWALSenders)
	return nil
}

// ValidateDeployment locates, parses and validates postgresql.conf in one
// call, for the fail-fast check at the start of a run.
func ValidateDeployment(confCandidates []string) (*Settings, error) {
	path, err := FindConf(confCandidates)
	if err != nil {
		return nil, err
	}
	s, err := ParseConf(path)
	if err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

// Segment describes one file in the WAL archive.
type Segment struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// ArchiveReport summarizes the WAL archive directory.
type ArchiveReport struct {
	Dir          string
	SegmentCount int
	// Newest holds up to 20 segments, most recent first.
	Newest []Segment
}

const newestSegmentLimit = 20

// CheckArchive verifies the WAL archive directory exists and is non-empty
// and reports the newest segments by modification time.
func CheckArchive(dir string) (*ArchiveReport, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("could not read WAL archive directory %s: %w", dir, err)
	}

	var segments []Segment
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			plog.Warn("Could not stat WAL segment", "file", filepath.Join(dir, entry.Name()), "error", err)
			continue
		}
		segments = append(segments, Segment{
			Name:    entry.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}

	if len(segments) == 0 {
		return nil, fmt.Errorf("WAL archive directory %s contains no segments; archive_command may be failing", dir)
	}

	sort.Slice(segments, func(i, j int) bool {
		return segments[i].ModTime.After(segments[j].ModTime)
	})

	report := &ArchiveReport{
		Dir:          dir,
		SegmentCount: len(segments),
		Newest:       segments,
	}
	if len(report.Newest) > newestSegmentLimit {
		report.Newest = report.Newest[:newestSegmentLimit]
	}

	plog.Info("WAL archive check", "dir", dir, "segments", report.SegmentCount, "newest", report.Newest[0].Name)
	return report, nil
}

func stripQuotes(v string) string {
	if len(v) >= 2 {
		if (v[0] == '\'' && v[len(v)-1] == '\'') || (v[0] == '"' && v[len(v)-1] == '"') {
			return v[1 : len(v)-1]
		}
	}
	return v
}
