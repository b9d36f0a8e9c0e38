package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alfops/alf-backup/cmd"
	"github.com/alfops/alf-backup/pkg/buildinfo"
	"github.com/alfops/alf-backup/pkg/flagparse"
	"github.com/alfops/alf-backup/pkg/plog"
)

// run dispatches the parsed subcommand and returns an error if something
// goes wrong, allowing main to handle exit codes.
func run(ctx context.Context) error {
	command, flagMap, err := flagparse.Parse(os.Args[1:])
	if err != nil {
		return err
	}

	switch command {
	case flagparse.None:
		return nil // help was printed
	case flagparse.Version:
		return cmd.RunVersion()
	case flagparse.Backup:
		plog.Info("Starting "+buildinfo.Name, "version", buildinfo.Version, "pid", os.Getpid())
		return cmd.RunBackup(ctx, flagMap)
	case flagparse.Restore:
		plog.Info("Starting "+buildinfo.Name, "version", buildinfo.Version, "pid", os.Getpid())
		return cmd.RunRestore(ctx, flagMap)
	case flagparse.Cleanup:
		return cmd.RunCleanup(ctx, flagMap)
	case flagparse.WALCheck:
		return cmd.RunWALCheck(flagMap)
	default:
		return fmt.Errorf("internal error: unknown command %d", command)
	}
}

func main() {
	// Cancel the context on SIGINT or SIGTERM so long-running child
	// processes are torn down cleanly.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	if err := run(ctx); err != nil {
		plog.Error(buildinfo.Name+" exited with error", "error", err)
		os.Exit(1)
	}
}
