package cmd

import (
	"context"
	"time"

	"github.com/alfops/alf-backup/pkg/alert"
	"github.com/alfops/alf-backup/pkg/buildinfo"
	"github.com/alfops/alf-backup/pkg/cmdexec"
	"github.com/alfops/alf-backup/pkg/config"
	"github.com/alfops/alf-backup/pkg/contentstore"
	"github.com/alfops/alf-backup/pkg/engine"
	"github.com/alfops/alf-backup/pkg/flagparse"
	"github.com/alfops/alf-backup/pkg/pgbackup"
	"github.com/alfops/alf-backup/pkg/plog"
	"github.com/alfops/alf-backup/pkg/retention"
	"github.com/alfops/alf-backup/pkg/s3sync"
)

// RunBackup handles the logic for the main backup execution.
func RunBackup(ctx context.Context, flagMap map[string]interface{}) error {
	loadedConfig, err := config.Load()
	if err != nil {
		return err
	}

	// Merge the flag values over the loaded config to get the final run config.
	runConfig := config.MergeConfigWithFlags(flagparse.Backup, loadedConfig, flagMap)

	if err := runConfig.Validate(); err != nil {
		return err
	}

	// Set the global log level based on the final configuration.
	plog.SetLevel(plog.LevelFromString(runConfig.LogLevel))

	runConfig.LogSummary()

	// Create the runner and feed it with our leaf workers.
	runner := cmdexec.NewRunner(nil)
	backupEngine := engine.NewRunner(
		&runConfig,
		pgbackup.New(runner, &runConfig),
		contentstore.New(runner, &runConfig),
		retention.New(&runConfig),
		s3sync.New(runner, &runConfig),
		alert.NewMailer(runConfig.Alert),
	)

	startTime := time.Now()
	err = backupEngine.ExecuteBackup(ctx)
	duration := time.Since(startTime).Round(time.Millisecond)
	if err != nil {
		return err // The error will be logged with full details by main()
	}
	plog.Info(buildinfo.Name+" finished successfully.", "duration", duration)
	return nil
}
