package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const (
	appName = "mcalib"
	version = "v0.3.0"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var logLevel, logFormat string

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Monte-Carlo portfolio simulation and calibration",
		Version: version,
		Long: `mcalib simulates portfolios of stochastic assets and the instruments written
on them, and calibrates weights, prices or process parameters by gradient
descent on an investor utility.

A run file (YAML) describes the assets, instruments, strategy, preference and
calibration. MCALIB_* environment variables override selected fields.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(logLevel, logFormat)
		},
	}
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "auto", "Log format (auto|console|json)")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newSweepCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newHistoryCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// setupLogging writes console logs to a terminal and JSON otherwise, unless
// format forces one of them.
func setupLogging(level, format string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339

	console := term.IsTerminal(int(os.Stderr.Fd()))
	switch format {
	case "auto":
	case "console":
		console = true
	case "json":
		console = false
	default:
		return fmt.Errorf("invalid log format %q", format)
	}
	if console {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", appName, version)
		},
	}
}
