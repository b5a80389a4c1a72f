package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fxsml/filterbus/pipe"
	"github.com/fxsml/filterbus/transport"
)

// NewValidateCmd creates the validate command.
func NewValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and the pipes built from it",
		Long: `Validate loads the configuration, builds the bus on an in-memory transport
and reports every configuration failure of every pipe at once.`,
		RunE: runValidateCmd,
	}
}

func runValidateCmd(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	mem := transport.NewMemory(transport.MemoryConfig{})
	defer mem.Close()

	_, err = newOrders(cfg, mem, logger)
	var cerr *pipe.ConfigurationError
	if errors.As(err, &cerr) {
		for _, f := range cerr.Failures() {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s\n", f.Key, f.Message)
		}
		return fmt.Errorf("%d configuration failures", len(cerr.Failures()))
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
	return nil
}
