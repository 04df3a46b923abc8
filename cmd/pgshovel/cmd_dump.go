package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/willibrandon/pgshovel/internal/config"
	"github.com/willibrandon/pgshovel/internal/dump"
	"github.com/willibrandon/pgshovel/internal/logger"
)

// newDumpCmd creates the dump subcommand.
func newDumpCmd() *cobra.Command {
	var (
		sourceURL   string
		destURL     string
		table       string
		keyColumn   string
		workers     int
		archiveDir  string
		compression string
		verify      bool
		noVerify    bool
		output      string
		reportFile  string
		progress    bool
	)

	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Run the full snapshot dump pipeline",
		Long: `Run the full pipeline against the configured source and destination:

1. Export a consistent snapshot and create a logical replication slot
2. Partition the table's key space into one range per worker
3. Dump all ranges in parallel, each under the same snapshot
4. Attach a subscription that resumes the slot from the consistent point
5. Optionally verify source and destination fingerprints

The table must have an integer ordering key (configurable, default "id").
Flags override the corresponding config file settings.

Examples:
  # Dump with settings from the config file
  pgshovel dump

  # Dump a specific table with 8 workers
  pgshovel dump --table public.events --key-column event_id --workers 8

  # Keep zstd-compressed per-range archives
  pgshovel dump --archive-dir /var/lib/pgshovel/archives --compression zstd

  # Skip post-attach verification
  pgshovel dump --no-verify`,
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			defer logger.Close()

			if err := applyConnURLs(cfg, sourceURL, destURL); err != nil {
				fmt.Fprintf(os.Stderr, "Invalid connection flags: %v\n", err)
				os.Exit(ExitGeneral)
			}
			if table != "" {
				cfg.Dump.Table = table
			}
			if keyColumn != "" {
				cfg.Dump.KeyColumn = keyColumn
			}
			if cmd.Flags().Changed("workers") {
				cfg.Dump.Workers = workers
			}
			if archiveDir != "" {
				cfg.Dump.ArchiveDir = archiveDir
			}
			if compression != "" {
				cfg.Dump.ArchiveCompression = compression
			}
			if verify {
				cfg.Dump.Verify = true
			}
			if noVerify {
				cfg.Dump.Verify = false
			}

			if err := cfg.Validate(); err != nil {
				fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
				os.Exit(ExitGeneral)
			}
			if cfg.Dump.Table == "" {
				fmt.Fprintln(os.Stderr, "No table configured: set dump.table or pass --table")
				os.Exit(ExitGeneral)
			}

			os.Exit(runDump(cfg, output, reportFile, progress))
		},
	}

	cmd.Flags().StringVar(&sourceURL, "source", "", "source connection URL (postgres://user@host:port/db)")
	cmd.Flags().StringVar(&destURL, "dest", "", "destination connection URL")
	cmd.Flags().StringVar(&table, "table", "", "table to dump (schema-qualified, e.g. public.users)")
	cmd.Flags().StringVar(&keyColumn, "key-column", "", "integer ordering key column (default from config)")
	cmd.Flags().IntVar(&workers, "workers", 0, "number of parallel dump workers (1-16)")
	cmd.Flags().StringVar(&archiveDir, "archive-dir", "", "directory for per-range archive files (empty disables archiving)")
	cmd.Flags().StringVar(&compression, "compression", "", "archive compression: none, gzip, lz4, zstd")
	cmd.Flags().BoolVar(&verify, "verify", false, "verify fingerprints after attach")
	cmd.Flags().BoolVar(&noVerify, "no-verify", false, "skip fingerprint verification")
	cmd.Flags().StringVarP(&output, "output", "o", "text", "report format: text, json, yaml")
	cmd.Flags().StringVar(&reportFile, "report-file", "", "also write the full report as JSON to this file")
	cmd.Flags().BoolVar(&progress, "progress", false, "print per-range progress to stderr")

	return cmd
}

// runDump executes the pipeline and returns the process exit code. The
// report is rendered even on failure; a partial report tells the operator
// which phase broke.
func runDump(cfg *config.Config, output, reportFile string, progress bool) int {
	ctx, cancel := signalContext()
	defer cancel()

	orch := dump.NewOrchestrator(cfg, logger.With())
	if progress {
		orch.SetProgressCallback(func(completed, total int, rows, bytes int64) {
			fmt.Fprintf(os.Stderr, "\rranges %d/%d  rows %d", completed, total, rows)
			if completed == total {
				fmt.Fprintln(os.Stderr)
			}
		})
	}

	report, err := orch.Run(ctx)
	renderReport(report, output)

	if reportFile != "" {
		if data, jsonErr := report.JSON(); jsonErr == nil {
			if writeErr := os.WriteFile(reportFile, data, 0644); writeErr != nil {
				fmt.Fprintf(os.Stderr, "Failed to write report file: %v\n", writeErr)
			}
		}
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Dump failed: %v\n", err)
		return exitCodeForError(err)
	}
	return ExitOK
}

// renderReport prints the session report in the requested format.
func renderReport(report *dump.Report, output string) {
	switch output {
	case "json":
		data, err := report.JSON()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render report: %v\n", err)
			return
		}
		fmt.Println(string(data))
	case "yaml":
		data, err := report.YAML()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render report: %v\n", err)
			return
		}
		fmt.Print(string(data))
	default:
		fmt.Print(report.Summary())
	}
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
