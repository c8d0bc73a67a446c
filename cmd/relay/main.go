// Package main provides the CLI entry point for the relay realtime gateway.
//
// Relay serves authenticated WebSocket chat, presence, notifications and
// assistant streaming for a messaging backend.
//
// # Basic Usage
//
// Start the server:
//
//	relay serve --config relay.yaml
//
// Manage database migrations:
//
//	relay migrate up
//	relay migrate status
//
// Issue a development token:
//
//	relay token issue --user alice
//
// # Environment Variables
//
//   - RELAY_CONFIG: Path to configuration file (default: relay.yaml)
//
// Config files may reference any variable as ${NAME} or ${NAME:-default}.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/relay/internal/config"
)

// Build information - populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "relay.yaml"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "relay",
		Short: "Relay - realtime messaging gateway",
		Long: `Relay terminates WebSocket connections for chat, presence, notifications
and assistant streaming, and fans events out across nodes.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildTokenCmd(),
		buildConfigCmd(),
	)
	return rootCmd
}

func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) != "" {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("RELAY_CONFIG")); env != "" {
		return env
	}
	return defaultConfigPath
}

func loadConfig(path string) (*config.Config, string, error) {
	path = resolveConfigPath(path)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, path, nil
}

func addConfigFlag(cmd *cobra.Command, target *string) {
	cmd.Flags().StringVarP(target, "config", "c", "", "Path to YAML/JSON5 configuration file (or set RELAY_CONFIG)")
}
