package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/alfops/alf-backup/pkg/cleanup"
	"github.com/alfops/alf-backup/pkg/config"
	"github.com/alfops/alf-backup/pkg/flagparse"
	"github.com/alfops/alf-backup/pkg/plog"
	"github.com/alfops/alf-backup/pkg/util"
)

// RunCleanup handles the manual cleanup utility. Without -delete it
// lists the contentstore backups.
func RunCleanup(ctx context.Context, flagMap map[string]interface{}) error {
	loadedConfig, err := config.Load()
	if err != nil {
		return err
	}

	runConfig := config.MergeConfigWithFlags(flagparse.Cleanup, loadedConfig, flagMap)

	if err := runConfig.Validate(); err != nil {
		return err
	}

	plog.SetLevel(plog.LevelFromString(runConfig.LogLevel))

	manager := cleanup.New(&runConfig)

	if name, ok := flagMap["delete"].(string); ok && name != "" {
		force, _ := flagMap["force"].(bool)
		return manager.Delete(ctx, name, force)
	}

	return listBackups(manager)
}

func listBackups(manager *cleanup.Manager) error {
	backups, err := manager.List(time.Now())
	if err != nil {
		return err
	}
	if len(backups) == 0 {
		fmt.Println("No contentstore backups found.")
		return nil
	}

	fmt.Printf("%-45s %12s %10s\n", "NAME", "SIZE", "AGE")
	for _, b := range backups {
		marker := ""
		if b.Current {
			marker = "  (current)"
		}
		age := fmt.Sprintf("%dd", int(b.Age.Hours()/24))
		fmt.Printf("%-45s %12s %10s%s\n", b.Name, util.FormatBytes(b.Size), age, marker)
	}
	return nil
}
