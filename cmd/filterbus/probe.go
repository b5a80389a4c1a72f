package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fxsml/filterbus/probe"
	"github.com/fxsml/filterbus/transport"
)

// NewProbeCmd creates the probe command.
func NewProbeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Print the probe tree of the configured bus",
		Long: `Probe builds the configured bus without connecting to a broker and prints
the structure of every pipe with its filter counters.

Examples:
  filterbus probe -c filterbus.yaml
  filterbus probe -c filterbus.yaml -o json`,
		RunE: runProbeCmd,
	}
	cmd.Flags().StringP("output", "o", "yaml", "Output format: yaml or json")
	return cmd
}

func runProbeCmd(cmd *cobra.Command, _ []string) error {
	format, err := cmd.Flags().GetString("output")
	if err != nil {
		return err
	}
	if format != "yaml" && format != "json" {
		return fmt.Errorf("unknown output format %q", format)
	}

	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	mem := transport.NewMemory(transport.MemoryConfig{})
	defer mem.Close()

	o, err := newOrders(cfg, mem, logger)
	if err != nil {
		return err
	}

	tree := probe.NewTree()
	o.bus.Probe(tree)

	var out []byte
	if format == "json" {
		out, err = tree.JSON()
	} else {
		out, err = tree.YAML()
	}
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return err
}
