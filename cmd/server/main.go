package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"

	"quicksim/core/results"
	"quicksim/logging"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("quicksim failed", "error", err)
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath string
	verbose    bool
	addr       string
	jobsDir    string
	mode       string
}

func newRootCmd() *cobra.Command {
	var flags rootFlags

	rootCmd := &cobra.Command{
		Use:           "quicksim",
		Short:         "Run SimulationCraft profiles as background jobs over HTTP",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "YAML config file (default $QUICKSIM_CONFIG)")
	rootCmd.PersistentFlags().BoolVar(&flags.verbose, "verbose", false, "verbose logging")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "start the HTTP server and the simulation workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return doServe(cmd, flags)
		},
	}
	serveCmd.Flags().StringVar(&flags.addr, "addr", "", "listen address (overrides SERVER_ADDR)")
	serveCmd.Flags().StringVar(&flags.jobsDir, "jobs-dir", "", "directory for simulation inputs and outputs")
	serveCmd.Flags().StringVar(&flags.mode, "mode", "", "execution mode: async or blocking")

	extractCmd := &cobra.Command{
		Use:   "extract <report.json>",
		Short: "print the mean DPS from a simc JSON report",
		Args:  cobra.ExactArgs(1),
		RunE:  doExtract,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "print build information",
		Run: func(cmd *cobra.Command, _ []string) {
			info, ok := debug.ReadBuildInfo()
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "quicksim: version info not available")
				return
			}
			fmt.Fprintf(cmd.OutOrStdout(), "quicksim: %s\n", info.Main.Version)
			fmt.Fprintf(cmd.OutOrStdout(), "go:       %s\n", info.GoVersion)
			for _, s := range info.Settings {
				if s.Key == "vcs.revision" {
					fmt.Fprintf(cmd.OutOrStdout(), "commit:   %s\n", s.Value)
				}
			}
		},
	}

	rootCmd.AddCommand(serveCmd, extractCmd, versionCmd)
	return rootCmd
}

func doExtract(cmd *cobra.Command, args []string) error {
	dps, err := results.Extract(args[0])
	if errors.Is(err, results.ErrNotReady) {
		return fmt.Errorf("no report at %s", args[0])
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%.1f\n", dps)
	return nil
}

func newLogger(level string, verbose bool) *slog.Logger {
	lvl := logging.ParseLevel(level)
	if verbose {
		lvl = slog.LevelDebug
	}
	logger := logging.New(lvl)
	slog.SetDefault(logger)
	return logger
}
