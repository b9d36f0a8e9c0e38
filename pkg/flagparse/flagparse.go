package flagparse

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/alfops/alf-backup/pkg/buildinfo"
)

// cliFlags holds pointers to all possible command-line flags.
// Fields are pointers so we can distinguish between "not registered for this command" (nil)
// and "registered but not set by user" (non-nil pointer to zero value).
type cliFlags struct {
	// Global
	LogLevel *string
	DryRun   *bool

	// Backup
	Mode          *string
	BackupDir     *string
	SkipS3        *bool
	RetentionDays *int

	// Restore
	BackupName  *string
	DBOnly      *bool
	ContentOnly *bool
	TargetTime  *string
	Yes         *bool

	// Cleanup
	List    *bool
	Delete  *string
	Threads *int
	Force   *bool
}

func registerGlobalFlags(fs *flag.FlagSet, f *cliFlags) {
	f.LogLevel = fs.String("log-level", "info", "Set the logging level: 'debug', 'info', 'notice', 'warn', 'error'.")
	f.DryRun = fs.Bool("dry-run", false, "Show what would be done without making any changes.")
}

func registerBackupFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Mode = fs.String("mode", "", "Postgres backup mode: 'dump', 'basebackup' or 'both'.")
	f.BackupDir = fs.String("backup-dir", "", "Backup root directory. Overrides BACKUP_DIR.")
	f.SkipS3 = fs.Bool("skip-s3", false, "Skip the S3 offload step even when a bucket is configured.")
	f.RetentionDays = fs.Int("retention-days", 0, "Days to keep backups. Overrides RETENTION_DAYS.")
}

func registerRestoreFlags(fs *flag.FlagSet, f *cliFlags) {
	f.BackupName = fs.String("backup", "", "Name of the backup to restore (e.g. 'contentstore-2026-01-02_03-04-05' or 'last').")
	f.BackupDir = fs.String("backup-dir", "", "Backup root directory. Overrides BACKUP_DIR.")
	f.DBOnly = fs.Bool("db-only", false, "Restore only the PostgreSQL database.")
	f.ContentOnly = fs.Bool("content-only", false, "Restore only the contentstore.")
	f.TargetTime = fs.String("target-time", "", "Point-in-time recovery target (e.g. '2026-01-02 03:04:05'). WAL replay stops there.")
	f.Yes = fs.Bool("yes", false, "Skip the confirmation prompt.")
}

func registerCleanupFlags(fs *flag.FlagSet, f *cliFlags) {
	f.List = fs.Bool("list", false, "List contentstore backups with sizes and exit.")
	f.Delete = fs.String("delete", "", "Name of the contentstore backup to delete.")
	f.Threads = fs.Int("threads", 0, "Number of parallel deletion workers. Overrides CONTENTSTORE_PARALLEL_THREADS.")
	f.Force = fs.Bool("force", false, "Allow deleting the backup the 'last' symlink points to.")
	f.BackupDir = fs.String("backup-dir", "", "Backup root directory. Overrides BACKUP_DIR.")
}

// Parse parses the provided arguments (usually os.Args[1:]) and returns the
// command and a map of the flags the user explicitly set.
func Parse(args []string) (Command, map[string]interface{}, error) {
	if len(args) == 0 {
		fs := flag.NewFlagSet("main", flag.ContinueOnError)
		printTopLevelUsage(fs)
		return None, nil, nil
	}

	cmdStr := strings.ToLower(args[0])

	if cmdStr == "help" || cmdStr == "-h" || cmdStr == "-help" || cmdStr == "--help" {
		fs := flag.NewFlagSet("main", flag.ContinueOnError)
		printTopLevelUsage(fs)
		return None, nil, nil
	}

	f := &cliFlags{}

	command, err := ParseCommand(cmdStr)
	if err != nil {
		return None, nil, err
	}

	switch command {
	case Backup:
		fs := flag.NewFlagSet(command.String(), flag.ContinueOnError)
		registerGlobalFlags(fs, f)
		registerBackupFlags(fs, f)

		fs.Usage = func() {
			printSubcommandUsage(command, "Run the full backup sequence.", fs)
		}

		if err := fs.Parse(args[1:]); err != nil {
			return command, nil, err
		}
		return command, flagsToMap(fs, f), nil

	case Restore:
		fs := flag.NewFlagSet(command.String(), flag.ContinueOnError)
		registerGlobalFlags(fs, f)
		registerRestoreFlags(fs, f)

		fs.Usage = func() {
			printSubcommandUsage(command, "Restore the database and/or contentstore from a backup.", fs)
		}

		if err := fs.Parse(args[1:]); err != nil {
			return command, nil, err
		}
		return command, flagsToMap(fs, f), nil

	case Cleanup:
		fs := flag.NewFlagSet(command.String(), flag.ContinueOnError)
		registerGlobalFlags(fs, f)
		registerCleanupFlags(fs, f)

		fs.Usage = func() {
			printSubcommandUsage(command, "List or delete contentstore backups manually.", fs)
		}

		if err := fs.Parse(args[1:]); err != nil {
			return command, nil, err
		}
		return command, flagsToMap(fs, f), nil

	case WALCheck:
		fs := flag.NewFlagSet(command.String(), flag.ContinueOnError)
		registerGlobalFlags(fs, f)

		fs.Usage = func() {
			printSubcommandUsage(command, "Validate the PostgreSQL WAL archiving configuration.", fs)
		}

		if err := fs.Parse(args[1:]); err != nil {
			return command, nil, err
		}
		return command, flagsToMap(fs, f), nil

	case Version:
		return command, nil, nil

	default:
		return None, nil, fmt.Errorf("unknown command: %s", args[0])
	}
}

func flagsToMap(fs *flag.FlagSet, f *cliFlags) map[string]interface{} {
	// Only flags the user explicitly set may override the environment config.
	usedFlags := make(map[string]bool)
	fs.Visit(func(fl *flag.Flag) { usedFlags[fl.Name] = true })

	flagMap := make(map[string]any)

	addIfUsed(flagMap, usedFlags, "log-level", f.LogLevel)
	addIfUsed(flagMap, usedFlags, "dry-run", f.DryRun)

	addIfUsed(flagMap, usedFlags, "mode", f.Mode)
	addIfUsed(flagMap, usedFlags, "backup-dir", f.BackupDir)
	addIfUsed(flagMap, usedFlags, "skip-s3", f.SkipS3)
	addIfUsed(flagMap, usedFlags, "retention-days", f.RetentionDays)

	addIfUsed(flagMap, usedFlags, "backup", f.BackupName)
	addIfUsed(flagMap, usedFlags, "db-only", f.DBOnly)
	addIfUsed(flagMap, usedFlags, "content-only", f.ContentOnly)
	addIfUsed(flagMap, usedFlags, "target-time", f.TargetTime)
	addIfUsed(flagMap, usedFlags, "yes", f.Yes)

	addIfUsed(flagMap, usedFlags, "list", f.List)
	addIfUsed(flagMap, usedFlags, "delete", f.Delete)
	addIfUsed(flagMap, usedFlags, "threads", f.Threads)
	addIfUsed(flagMap, usedFlags, "force", f.Force)

	return flagMap
}

// addIfUsed adds the value of ptr to flagMap if ptr is not nil and the flag was set.
func addIfUsed[T any](flagMap map[string]interface{}, usedFlags map[string]bool, name string, ptr *T) {
	if ptr != nil && usedFlags[name] {
		flagMap[name] = *ptr
	}
}

// printTopLevelUsage prints the main help message.
func printTopLevelUsage(fs *flag.FlagSet) {
	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(fs.Output(), "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(fs.Output(), "Backup and restore orchestration for Alfresco deployments.\n\n")
	fmt.Fprintf(fs.Output(), "Usage: %s <command> [flags]\n\n", execName)
	fmt.Fprintf(fs.Output(), "Commands:\n")
	fmt.Fprintf(fs.Output(), "  backup      Run the full backup sequence\n")
	fmt.Fprintf(fs.Output(), "  restore     Restore the database and/or contentstore\n")
	fmt.Fprintf(fs.Output(), "  cleanup     List or delete contentstore backups\n")
	fmt.Fprintf(fs.Output(), "  wal-check   Validate the WAL archiving configuration\n")
	fmt.Fprintf(fs.Output(), "  version     Print the application version\n")
	fmt.Fprintf(fs.Output(), "\nRun '%s <command> -help' for more information on a command.\n", execName)
}

// printSubcommandUsage prints the help message for a specific subcommand.
func printSubcommandUsage(command Command, desc string, fs *flag.FlagSet) {
	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(fs.Output(), "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(fs.Output(), "Backup and restore orchestration for Alfresco deployments.\n\n")
	fmt.Fprintf(fs.Output(), "Usage of the %s command: %s %s [flags]\n\n", command, execName, command)
	fmt.Fprintf(fs.Output(), "%s\n\n", desc)
	fmt.Fprintf(fs.Output(), "Flags:\n")
	fs.PrintDefaults()
}
