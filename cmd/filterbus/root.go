package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/fxsml/filterbus/config"
)

// version is set at build time via ldflags.
var version = ""

func getVersion() string {
	if version != "" {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "(devel)"
}

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "filterbus",
		Short: "Filter pipeline message bus",
		Long: `filterbus builds an order processing bus from a configuration file and
FILTERBUS_* environment variables.

Environment variables override the file, e.g. FILTERBUS_TRANSPORT_KIND=nats.`,
		Version:       getVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringP("config", "c", "", "Path to a YAML or JSON configuration file")

	cmd.AddCommand(NewProbeCmd())
	cmd.AddCommand(NewValidateCmd())
	cmd.AddCommand(NewRunCmd())

	return cmd
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig loads and validates the configuration named by the config
// flag and creates the logger it describes.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	logger, err := cfg.NewLogger(cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
