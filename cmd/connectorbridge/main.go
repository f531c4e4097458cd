// Connectorbridge connects Connector window-covering hubs to the Gray Logic
// MQTT bus.
//
// It joins the hubs' UDP multicast group, discovers hubs and blinds,
// publishes blind state and health over MQTT, accepts commands from MQTT
// and a loopback HTTP API, and keeps an audit trail in SQLite.
//
// Usage:
//
//	connectorbridge [run] [--config configs/config.yaml]
//	connectorbridge discover
//	connectorbridge token --token <session token> --key <key>
//	connectorbridge version
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	defaultConfigPath = "configs/config.yaml"
	defaultEnvFile    = ".env"
	configEnvVar      = "GRAYLOGIC_CONFIG"
)

func main() {
	// Cancel on Ctrl+C or SIGTERM for graceful shutdown.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globalOptions holds the persistent flags.
type globalOptions struct {
	configPath string
	envFile    string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "connectorbridge",
		Short: "Connector blind hub bridge for Gray Logic",
		Long: `Connectorbridge drives Connector window-covering hubs over UDP multicast
and bridges their blinds onto the Gray Logic MQTT bus.

Without a subcommand it runs the bridge.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.resolve(cmd)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBridge(cmd.Context(), opts.configPath)
		},
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfigPath,
		"Path to config file (env "+configEnvVar+")")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", defaultEnvFile,
		"Optional dotenv file loaded before the config")

	root.AddCommand(
		newRunCmd(opts),
		newDiscoverCmd(opts),
		newTokenCmd(),
		newVersionCmd(),
	)
	return root
}

// resolve loads the dotenv file, then lets GRAYLOGIC_CONFIG pick the
// config path unless --config was given explicitly.
func (o *globalOptions) resolve(cmd *cobra.Command) error {
	if o.envFile != "" {
		if err := godotenv.Load(o.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", o.envFile, err)
		}
	}
	if !cmd.Flags().Changed("config") {
		if path := os.Getenv(configEnvVar); path != "" {
			o.configPath = path
		}
	}
	return nil
}
