// Package cmd wires the parley commands.
package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/internal/log"
)

var rootCmd = &cobra.Command{
	Use:   "parley",
	Short: "Parley - conversation backend for LLM chat",
	Long: `Parley serves multi-turn LLM conversations over HTTP: streamed
response generation, provider adapters, MCP tool calling, and a
PostgreSQL-backed transcript store.

Run "parley serve" to start the API server.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// newLogger builds the process logger from configuration.
func newLogger(cfg *config.Config) log.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return log.New(log.Config{Level: level, JSON: cfg.LogJSON})
}
