// Package cli implements the boop command-line interface using Cobra.
// serve runs the daemon; most other subcommands talk to a running daemon
// over its local HTTP API.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var apiAddr string

var rootCmd = &cobra.Command{
	Use:   "boop",
	Short: "boop: discover nearby devices, connect, and boop them",
	Long: `boop finds nearby peers over Bluetooth LE (or a LAN stand-in), lets you
connect to them and exchange short messages, and sends a "boop" when two
devices are held close together.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "", "daemon API address (default from config)")
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
