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
	appName = "factorrun"
	version = "v0.4.0"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Cross-sectional factor backtests, regime switching and live target handoff",
		Version: version,
		Long: `factorrun simulates long/short single-factor strategies over a daily
(instrument, date) panel, switches strategies by market regime, blends them
into a capped ensemble and hands target notionals to live trading.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, _ := cmd.Flags().GetString("log-level")
			return setupLogging(level)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "YAML configuration file (defaults when empty)")
	flags.String("panel", "", "Panel CSV file (instrument_id,date,close,volume,market_cap,...)")
	flags.Bool("from-db", false, "Load the panel from postgres instead of a CSV file")
	flags.String("log-level", "info", "Log level (debug|info|warn|error)")

	rootCmd.AddCommand(
		newBacktestCmd(),
		newRegimeCmd(),
		newEnsembleCmd(),
		newTargetsCmd(),
		newServeCmd(),
		newImportCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

// setupLogging writes human-readable logs to a terminal and JSON otherwise
func setupLogging(level string) error {
	zerolog.TimeFieldFormat = time.RFC3339

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)

	if term.IsTerminal(int(os.Stderr.Fd())) {
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
