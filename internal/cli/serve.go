package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/boop-network/boop/internal/daemon"
)

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to listen on (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().StringVar(&serveTransport, "transport", "", "Radio to use: lanlink, bluez or loopback (overrides config)")
	serveCmd.Flags().StringSliceVar(&serveSeeds, "seed", nil, "lanlink peer address to beacon to (repeatable)")
	rootCmd.AddCommand(serveCmd)
}

var (
	serveHost      string
	servePort      int
	serveTransport string
	serveSeeds     []string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the boop daemon",
	Long:  `Start discovery and the local HTTP API at 127.0.0.1:7421.`,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.LoadConfig()
	if err != nil {
		return err
	}

	// Override config from flags
	if serveHost != "" {
		cfg.API.Host = serveHost
	}
	if servePort > 0 {
		cfg.API.Port = servePort
	}
	if serveTransport != "" {
		cfg.Transport.Kind = serveTransport
	}
	if len(serveSeeds) > 0 {
		cfg.Transport.Seeds = append(cfg.Transport.Seeds, serveSeeds...)
	}

	d, err := daemon.NewWithConfig(cfg)
	if err != nil {
		return err
	}
	return d.Serve(context.Background())
}
