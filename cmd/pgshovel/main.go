package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/willibrandon/pgshovel/internal/config"
	"github.com/willibrandon/pgshovel/internal/dump"
	"github.com/willibrandon/pgshovel/internal/logger"
)

var (
	// Version info (set by ldflags)
	version = "dev"

	// Flags
	configPath string
	debug      bool
)

// Exit codes. Scripts drive retry-vs-alert decisions off these, so each
// failure class gets its own code.
const (
	ExitOK             = 0
	ExitGeneral        = 1
	ExitSnapshot       = 2
	ExitDumpIncomplete = 3
	ExitAttach         = 4
	ExitVerifyMismatch = 5
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pgshovel",
		Short: "Consistent parallel snapshot dumper for PostgreSQL",
		Long: `pgshovel bulk-copies a table from a source PostgreSQL instance to a
destination under a single exported snapshot, split into key ranges dumped in
parallel, then attaches a logical replication subscription that resumes from
the snapshot's consistent point.

Commands:
  pgshovel dump      Run the full pipeline: snapshot, parallel dump, attach
  pgshovel verify    Compare source and destination table fingerprints

Exit codes:
  0  success
  2  snapshot export or import failed
  3  dump incomplete (one or more ranges failed)
  4  subscription attach failed
  5  verification mismatch
  1  any other error`,
		Version: version,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default ~/.config/pgshovel/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(
		newDumpCmd(),
		newVerifyCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		// Error already printed by cobra
		os.Exit(ExitGeneral)
	}
}

// loadConfig loads configuration and initializes logging. Exits on config
// errors; nothing useful can run without a valid config.
func loadConfig() *config.Config {
	var cfg *config.Config
	var err error

	if configPath != "" {
		cfg, err = config.LoadFromPath(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(ExitGeneral)
	}

	logLevel := logLevelFromConfig(cfg)
	if debug {
		logLevel = logger.LevelDebug
	}

	logFile := cfg.Log.Path
	if logFile == "" {
		if homeDir, err := os.UserHomeDir(); err == nil {
			logFile = filepath.Join(homeDir, ".config", "pgshovel", "pgshovel.log")
		}
	}
	logger.InitLogger(logLevel, logFile, debug)

	return cfg
}

func logLevelFromConfig(cfg *config.Config) logger.LogLevel {
	switch cfg.Log.Level {
	case "debug":
		return logger.LevelDebug
	case "warn":
		return logger.LevelWarn
	case "error":
		return logger.LevelError
	default:
		return logger.LevelInfo
	}
}

// applyConnURLs overlays --source/--dest connection URLs onto the config.
func applyConnURLs(cfg *config.Config, sourceURL, destURL string) error {
	if sourceURL != "" {
		if err := cfg.Source.ApplyURL(sourceURL); err != nil {
			return fmt.Errorf("--source: %w", err)
		}
	}
	if destURL != "" {
		if err := cfg.Destination.ApplyURL(destURL); err != nil {
			return fmt.Errorf("--dest: %w", err)
		}
	}
	return nil
}

// exitCodeForError maps a pipeline error to its exit code.
func exitCodeForError(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, dump.ErrSlotExists),
		errors.Is(err, dump.ErrSnapshotExpired):
		return ExitSnapshot
	case errors.Is(err, dump.ErrDumpIncomplete):
		return ExitDumpIncomplete
	case errors.Is(err, dump.ErrAttachFailed),
		errors.Is(err, dump.ErrSequencing):
		return ExitAttach
	case errors.Is(err, dump.ErrVerificationMismatch):
		return ExitVerifyMismatch
	default:
		return ExitGeneral
	}
}
