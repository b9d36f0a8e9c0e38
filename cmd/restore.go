package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/alfops/alf-backup/pkg/cmdexec"
	"github.com/alfops/alf-backup/pkg/config"
	"github.com/alfops/alf-backup/pkg/flagparse"
	"github.com/alfops/alf-backup/pkg/plog"
	"github.com/alfops/alf-backup/pkg/restore"
)

// RunRestore handles the logic for the restore execution. A restore
// overwrites live data, so it requires confirmation unless -yes is set.
func RunRestore(ctx context.Context, flagMap map[string]interface{}) error {
	loadedConfig, err := config.Load()
	if err != nil {
		return err
	}

	runConfig := config.MergeConfigWithFlags(flagparse.Restore, loadedConfig, flagMap)

	if err := runConfig.Validate(); err != nil {
		return err
	}

	plog.SetLevel(plog.LevelFromString(runConfig.LogLevel))

	opts := restore.Options{}
	if v, ok := flagMap["backup"].(string); ok {
		opts.BackupName = v
	}
	if v, ok := flagMap["db-only"].(bool); ok {
		opts.DBOnly = v
	}
	if v, ok := flagMap["content-only"].(bool); ok {
		opts.ContentOnly = v
	}
	if v, ok := flagMap["target-time"].(string); ok {
		opts.TargetTime = v
	}

	yes, _ := flagMap["yes"].(bool)
	if !yes && !runConfig.Runtime.DryRun {
		if !confirmRestore(opts.BackupName) {
			return errors.New("restore aborted")
		}
	}

	worker := restore.New(cmdexec.NewRunner(nil), &runConfig)
	return worker.Run(ctx, opts)
}

func confirmRestore(backupName string) bool {
	if backupName == "" {
		backupName = "the latest backup"
	}
	fmt.Printf("This will OVERWRITE the live database and/or contentstore with %s.\n", backupName)
	fmt.Print("Type 'yes' to continue: ")

	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	return strings.TrimSpace(answer) == "yes"
}
