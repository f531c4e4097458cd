package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-connector/internal/bridges/connector"
	"github.com/nerrad567/gray-logic-connector/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-connector/internal/infrastructure/logging"
)

func newRunCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the bridge until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBridge(cmd.Context(), opts.configPath)
		},
	}
}

func newDiscoverCmd(opts *globalOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Discover hubs and blinds once and print them as JSON",
		Long: `Discover joins the multicast group, asks every hub for its device list,
resolves each blind's variant and prints the result. Entries that never
answered a detail query are listed under "pending".

Without a key only hubs and unresolved entries can be listed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if timeout <= 0 {
				timeout = cfg.Connector.Discovery.GetReadyTimeout()
			}

			log := logging.NewWithWriter(cfg.Logging, version, cmd.ErrOrStderr())
			snap, err := discover(cmd.Context(), cfg, log, timeout)
			if snap == nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(snap); encErr != nil {
				return fmt.Errorf("writing device list: %w", encErr)
			}
			// A partial list is still printed before reporting the timeout.
			return err
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "How long to wait for discovery (default from config)")
	return cmd
}

// discover runs one engine until the device list is ready. It returns a
// partial snapshot alongside ErrNotReady when the wait times out.
func discover(ctx context.Context, cfg *config.Config, log *logging.Logger, timeout time.Duration) (*connector.Snapshot, error) {
	engine, err := connector.NewEngine(engineOptions(cfg, log))
	if err != nil {
		return nil, fmt.Errorf("creating engine: %w", err)
	}
	if err := engine.Start(ctx); err != nil {
		engine.Stop()
		return nil, fmt.Errorf("starting engine: %w", err)
	}
	defer engine.Stop()

	snap, err := engine.DeviceListReady(ctx, timeout)
	if err != nil {
		snap = engine.Snapshot()
	}
	return &snap, err
}

func newTokenCmd() *cobra.Command {
	var token, key string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print the access token derived from a hub token and key",
		Long: `Token derives the AccessToken the hubs expect from the session token
found in a GetDeviceListAck and the 16-character key shown in the vendor app.`,
		Example: `  connectorbridge token --token 74C6AE1D4E9B0F2A --key 12ab34cd-56ef-78`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			accessToken, err := connector.DeriveAccessToken(token, key)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), accessToken)
			return err
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "Session token reported by the hub")
	cmd.Flags().StringVar(&key, "key", "", "Key from the vendor app")
	_ = cmd.MarkFlagRequired("token") //nolint:errcheck // Flag defined above
	_ = cmd.MarkFlagRequired("key")   //nolint:errcheck // Flag defined above
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "connectorbridge %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}

// engineOptions maps the connector config section onto the engine.
func engineOptions(cfg *config.Config, log *logging.Logger) connector.EngineOptions {
	c := cfg.Connector
	return connector.EngineOptions{
		Transport: connector.TransportConfig{
			MulticastGroup: c.MulticastGroup,
			SendPort:       c.SendPort,
			ReceivePort:    c.ReceivePort,
			Interface:      c.Interface,
			Hosts:          c.Hosts,
		},
		Key: c.Key,
		Discovery: connector.DiscoveryConfig{
			InitialDelay:      c.Discovery.GetInitialDelay(),
			InterRequestDelay: c.Discovery.GetInterRequestDelay(),
			MaxRounds:         c.Discovery.MaxRounds,
			ReadyTimeout:      c.Discovery.GetReadyTimeout(),
			UseReadDevice:     c.Discovery.UseReadDevice(),
		},
		Logger: log.Component("connector"),
	}
}
