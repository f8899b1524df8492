package main

import (
	"github.com/spf13/cobra"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the payrelay CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "payrelay",
		Short: "payrelay - websocket relay for paired payment flows",
		Long: `payrelay relays structured events between the two peers of a payment
flow: the device that generated the payment link and the device processing
the payment. Peers join a shared room over websocket; the relay fans events
from one peer to the other and exposes a control-plane HTTP API.`,
	}

	// Global flag for config file path
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newStatusCmd())

	return cmd
}
