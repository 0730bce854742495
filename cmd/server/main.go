// Command server runs the incident troubleshooting orchestrator.
//
// Responsibilities:
//   - Load and validate configuration from YAML, environment variables, and CLI flags
//   - Open the durable store and resume runs left unfinished by a previous process
//   - Register read-only diagnostic providers behind the tool gateway
//   - Run the workflow executor worker pool against the reasoning backend
//   - Re-publish reports whose delivery was interrupted
//   - Reconcile with Alertmanager so alerts that fired while down get investigated
//   - Serve the intake/status HTTP API, the run event websocket and gRPC health
//   - Implement graceful shutdown with context cancellation
//
// Architecture Flow:
//  1. Alert events (HTTP / Alertmanager webhook) -> Intake (fingerprint, rules, dedup)
//  2. Intake -> Dispatcher (single run per incident) -> Executor queue
//  3. Executor -> Agent loop (LLM) -> Tool gateway -> diagnostic providers
//  4. Finished run -> Publisher -> log / webhook / object store
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kubilitics/kubilitics-incident/internal/config"
)

const version = "0.1.0"

// rootOptions holds global flags for all commands.
type rootOptions struct {
	ConfigPath string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// newRootCommand creates the root command.
func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:          "kubilitics-incident",
		Short:        "Kubilitics incident troubleshooting orchestrator",
		Long:         "Turns alert notifications into bounded, tool-driven investigations and publishes the findings.",
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "/etc/kubilitics/incident.yaml", "path to configuration file")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newValidateCommand(opts))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "kubilitics-incident %s\n", version)
		},
	}
}

func newValidateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfiguration(cmd.Context(), opts.ConfigPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration OK: %d provider(s), destinations %v, store %s\n",
				len(cfg.Providers), cfg.Publisher.Destinations, cfg.Database.Type)
			return nil
		},
	}
}

// loadConfiguration loads and validates configuration. The manager is returned
// so the caller can watch the file for changes.
func loadConfiguration(ctx context.Context, cfgPath string) (*config.Config, config.ConfigManager, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	mgr, err := config.NewConfigManager(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create config manager: %w", err)
	}
	if err := mgr.Load(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := mgr.Validate(ctx); err != nil {
		return nil, nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return mgr.Get(ctx), mgr, nil
}
