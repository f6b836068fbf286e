package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/logus2k/agent-gateway/internal/config"
	"github.com/logus2k/agent-gateway/internal/domain"
	"github.com/logus2k/agent-gateway/internal/telemetry"
)

var (
	cfg     *config.Config
	presets map[string]*domain.AgentPreset
)

func main() {
	slog.SetDefault(slog.New(telemetry.NewPrettyHandler()))

	rootCmd := &cobra.Command{
		Use:   "gatewayd",
		Short: "agent-gateway - real-time conversational agent gateway",
		Long: `gatewayd terminates browser websocket connections, dispatches chat
and voice traffic to a pool of language model workers, and bridges STT/TTS
upstreams for streaming voice sessions.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			presets, err = config.LoadPresets(cfg.PresetsDir)
			if err != nil {
				return fmt.Errorf("loading presets from %s: %w", cfg.PresetsDir, err)
			}
			return nil
		},
	}

	rootCmd.AddCommand(
		serveCmd(),
		validateConfigCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("gatewayd: fatal", "error", err)
		os.Exit(1)
	}
}

// validateConfigCmd loads and validates the config and presets without
// starting the server, for use in deploy pipelines and local sanity checks.
func validateConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Load and validate agent_config.json and the presets directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := cfg.ActiveModel(); err != nil {
				return err
			}
			fmt.Printf("config ok: %d model(s), %d preset(s)\n", len(cfg.Models), len(presets))
			for name := range presets {
				fmt.Printf("  preset: %s\n", name)
			}
			if cfg.Router.Enabled {
				if _, ok := presets["router"]; !ok {
					return fmt.Errorf("router.enabled is true but no \"router\" preset is loaded")
				}
			}
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("gatewayd %s (commit %s, built %s)\n", version, commit, buildDate)
		},
	}
}

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)
