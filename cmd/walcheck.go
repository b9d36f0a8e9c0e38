package cmd

import (
	"github.com/alfops/alf-backup/pkg/config"
	"github.com/alfops/alf-backup/pkg/engine"
	"github.com/alfops/alf-backup/pkg/flagparse"
	"github.com/alfops/alf-backup/pkg/plog"
)

// RunWALCheck validates the WAL archiving setup without running a backup.
func RunWALCheck(flagMap map[string]interface{}) error {
	loadedConfig, err := config.Load()
	if err != nil {
		return err
	}

	runConfig := config.MergeConfigWithFlags(flagparse.WALCheck, loadedConfig, flagMap)

	if err := runConfig.Validate(); err != nil {
		return err
	}

	plog.SetLevel(plog.LevelFromString(runConfig.LogLevel))

	// The WAL check reads configuration and the archive directory only,
	// no workers are needed.
	return engine.NewRunner(&runConfig, nil, nil, nil, nil, nil).ExecuteWALCheck()
}
