package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/capitalize-ai/realtime-conversations/internal/app"
	"github.com/capitalize-ai/realtime-conversations/internal/config"
	"github.com/capitalize-ai/realtime-conversations/pkg/logger"
)

var (
	version = "dev"
	commit  = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "chatctl",
	Short: "Operate on the conversation store",
	Long: `chatctl inspects and repairs the conversation store the API server
uses. It reads the same environment and CONFIG_FILE as the server.`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringP("config", "c", "", "YAML config file (overrides CONFIG_FILE)")
	rootCmd.PersistentFlags().String("store", "", "store backend: memory, pebble or nats")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "log at debug level")
}

// loadConfig applies the persistent flags on top of config.Load.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		os.Setenv("CONFIG_FILE", path)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if backend, _ := cmd.Flags().GetString("store"); backend != "" {
		cfg.StoreBackend = backend
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// openApp builds the engine without link previews. Logs go to stderr so
// they do not mix with command output.
func openApp(cmd *cobra.Command) (*app.App, *logger.Logger, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	level := "warn"
	if v, _ := cmd.Flags().GetBool("verbose"); v {
		level = "debug"
	}
	log, err := logger.NewStderr(level)
	if err != nil {
		return nil, nil, err
	}
	a, err := app.New(cmdContext(cmd), cfg, log, app.Options{})
	if err != nil {
		return nil, nil, err
	}
	return a, log, nil
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
