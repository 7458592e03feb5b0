// histvault ingests historical market data from vendor APIs into
// TimescaleDB and queries it back out.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sawpanic/histvault/internal/config"
	"github.com/sawpanic/histvault/internal/errs"
)

const (
	appName = "histvault"
	version = "v1.2.0"
)

// Exit codes for the ingest surface: 0 success, 1 job failure, 2 usage
// error, 3 environment or configuration error.
const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
	exitEnv    = 3
)

var (
	flagConfig  string
	flagVerbose bool
)

// usageError marks an argument problem so main can exit 2.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func usageErrorf(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339

	rootCmd := &cobra.Command{
		Use:           appName,
		Short:         "Historical market data ingestion and query engine",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `histvault pulls historical market data (OHLCV bars, trades, quotes,
statistics, instrument definitions) from vendor HTTP APIs, normalizes it
through YAML mapping rules, validates it, and stores it idempotently in
TimescaleDB hypertables. Rejected records land in a quarantine directory
for inspection.`,
	}
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "System config file (YAML)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Debug logging")

	rootCmd.AddCommand(newIngestCmd())
	rootCmd.AddCommand(newQueryCmd())
	rootCmd.AddCommand(newListJobsCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newMonitorCmd())

	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageErrorf("%s", err)
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", appName, err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps the error taxonomy onto the documented exit codes.
func exitCode(err error) int {
	var usage *usageError
	if errors.As(err, &usage) {
		return exitUsage
	}
	var cfgErr *errs.Config
	var authErr *errs.Auth
	if errors.As(err, &cfgErr) || errors.As(err, &authErr) {
		return exitEnv
	}
	var de *degradedError
	if errors.As(err, &de) {
		return de.code
	}
	return exitFailed
}

// degradedError carries an explicit exit code (status uses 1 for a
// degraded environment, which is not a job failure).
type degradedError struct {
	msg  string
	code int
}

func (e *degradedError) Error() string { return e.msg }

// setupLogger builds the process logger from the logging config and the
// --verbose flag.
func setupLogger(cfg config.Logging) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Logger{}, &errs.Config{Reason: fmt.Sprintf("logging.level: %s", err)}
	}
	if flagVerbose {
		level = zerolog.DebugLevel
	}

	var out []io.Writer
	switch cfg.Format {
	case "json":
		out = append(out, os.Stderr)
	default:
		out = append(out, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return zerolog.Logger{}, &errs.Config{Reason: fmt.Sprintf("logging.file: %s", err)}
		}
		out = append(out, f)
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(out...)).
		Level(level).
		With().Timestamp().Logger()
	return logger, nil
}

// loadEnvironment reads the system config and the per-API job files.
func loadEnvironment() (config.System, map[string]config.APIFile, zerolog.Logger, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return config.System{}, nil, zerolog.Logger{}, err
	}
	logger, err := setupLogger(cfg.Logging)
	if err != nil {
		return config.System{}, nil, zerolog.Logger{}, err
	}
	apis, err := config.LoadJobs(cfg.Paths.JobDir)
	if err != nil {
		return config.System{}, nil, zerolog.Logger{}, err
	}
	return cfg, apis, logger, nil
}
