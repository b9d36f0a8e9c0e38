// Package s3sync offloads the backup root to S3 by wrapping rclone.
//
// rclone is treated as the transfer engine on purpose: it brings
// retries, multipart uploads and bandwidth handling that are its
// problem, not ours. Credentials are injected through the child
// environment so they never appear on a command line.
package s3sync

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/alfops/alf-backup/pkg/cmdexec"
	"github.com/alfops/alf-backup/pkg/config"
	"github.com/alfops/alf-backup/pkg/hints"
	"github.com/alfops/alf-backup/pkg/plog"
)

// ErrDisabled signals that no bucket is configured. It is a hint, not a
// failure.
var ErrDisabled = hints.New("S3 offload is disabled, no bucket configured")

const defaultTimeout = 12 * time.Hour

// Stats carries what could be gleaned from rclone's output.
type Stats struct {
	// BytesTransferred is parsed best-effort from the final
	// "Transferred:" stats line. Zero when parsing failed.
	BytesTransferred int64
	Duration         time.Duration
}

type Syncer struct {
	runner  *cmdexec.Runner
	s3      config.S3Config
	dryRun  bool
	timeout time.Duration
}

func New(runner *cmdexec.Runner, cfg *config.Config) *Syncer {
	return &Syncer{
		runner:  runner,
		s3:      cfg.S3,
		dryRun:  cfg.Runtime.DryRun,
		timeout: defaultTimeout,
	}
}

// Sync mirrors localDir into the bucket under remotePrefix, deleting
// remote files that no longer exist locally.
func (s *Syncer) Sync(ctx context.Context, localDir, remotePrefix string) (*Stats, error) {
	return s.run(ctx, "sync", localDir, remotePrefix)
}

// Copy uploads localDir into the bucket under remotePrefix without
// deleting anything remotely.
func (s *Syncer) Copy(ctx context.Context, localDir, remotePrefix string) (*Stats, error) {
	return s.run(ctx, "copy", localDir, remotePrefix)
}

// Purge removes remotePrefix and everything below it from the bucket.
func (s *Syncer) Purge(ctx context.Context, remotePrefix string) error {
	if s.s3.Bucket == "" {
		return ErrDisabled
	}
	if s.dryRun {
		plog.Info("[DRY RUN] Would purge S3 prefix", "remote", s.remote(remotePrefix))
		return nil
	}
	_, err := s.runner.Run(ctx, cmdexec.Options{Timeout: s.timeout, Env: s.env()},
		"rclone", "purge", s.remote(remotePrefix))
	if err != nil {
		return fmt.Errorf("rclone purge failed: %w", err)
	}
	return nil
}

func (s *Syncer) run(ctx context.Context, verb, localDir, remotePrefix string) (*Stats, error) {
	if s.s3.Bucket == "" {
		return nil, ErrDisabled
	}

	remote := s.remote(remotePrefix)
	if s.dryRun {
		plog.Info("[DRY RUN] Would offload to S3", "verb", verb, "local", localDir, "remote", remote)
		return &Stats{}, nil
	}

	args := []string{
		verb, localDir, remote,
		"--transfers", strconv.Itoa(s.s3.Transfers),
		"--checkers", strconv.Itoa(2 * s.s3.Transfers),
		"--stats", "10s",
		"--stats-one-line",
		"-v",
	}

	plog.Info("Starting S3 offload", "verb", verb, "local", localDir, "remote", remote, "transfers", s.s3.Transfers)

	res, err := s.runner.Run(ctx, cmdexec.Options{Timeout: s.timeout, Env: s.env()}, "rclone", args...)
	if err != nil {
		return nil, fmt.Errorf("rclone %s failed: %w", verb, err)
	}

	stats := &Stats{Duration: res.Duration}
	// rclone logs to stderr with -v.
	stats.BytesTransferred = parseTransferred(res.Stderr + "\n" + res.Stdout)

	plog.Info("S3 offload complete", "remote", remote, "transferred", stats.BytesTransferred, "duration", res.Duration.Truncate(time.Second))
	return stats, nil
}

// remote builds an on-the-fly rclone remote that authenticates from the
// environment.
func (s *Syncer) remote(prefix string) string {
	r := ":s3,env_auth:" + s.s3.Bucket
	if prefix != "" {
		r += "/" + strings.Trim(prefix, "/")
	}
	return r
}

func (s *Syncer) env() []string {
	env := []string{"AWS_DEFAULT_REGION=" + s.s3.Region}
	if s.s3.AccessKeyID != "" {
		env = append(env, "AWS_ACCESS_KEY_ID="+s.s3.AccessKeyID)
	}
	if s.s3.SecretAccessKey != "" {
		env = append(env, "AWS_SECRET_ACCESS_KEY="+s.s3.SecretAccessKey)
	}
	return env
}

// transferredLine matches rclone's human-readable transfer totals, e.g.
// "Transferred:   	   1.234 GiB / 1.234 GiB, 100%, 42.0 MiB/s, ETA 0s"
// and the older "1.234 GBytes" spelling.
var transferredLine = regexp.MustCompile(`Transferred:\s+([\d.]+)\s*([kKMGT]?)(?:i?B|Bytes?)`)

var unitFactors = map[string]float64{
	"":  1,
	"k": 1 << 10,
	"K": 1 << 10,
	"M": 1 << 20,
	"G": 1 << 30,
	"T": 1 << 40,
}

// parseTransferred extracts the byte count from the last stats line.
// Parsing is best-effort: a zero return never fails the offload.
func parseTransferred(output string) int64 {
	matches := transferredLine.FindAllStringSubmatch(output, -1)
	if len(matches) == 0 {
		return 0
	}
	last := matches[len(matches)-1]
	value, err := strconv.ParseFloat(last[1], 64)
	if err != nil {
		return 0
	}
	return int64(value * unitFactors[last[2]])
}
