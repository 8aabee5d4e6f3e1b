package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/parley-ai/parley/api"
	"github.com/parley-ai/parley/db"
	"github.com/parley-ai/parley/internal/chat"
	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/internal/database"
	"github.com/parley-ai/parley/internal/orchestrator"
	"github.com/parley-ai/parley/internal/provider"
	"github.com/parley-ai/parley/internal/tools"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(parent context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	logger := newLogger(cfg)

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := db.Migrate(cfg.DatabaseURL, logger); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	pool, err := database.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	store := chat.NewStore(pool, logger)

	registry, err := provider.NewRegistry(cfg, logger)
	if err != nil {
		return fmt.Errorf("building provider registry: %w", err)
	}

	var broker orchestrator.Broker
	if len(cfg.ToolServers) > 0 {
		b, err := tools.New(ctx, cfg.ToolServers, logger,
			tools.WithCallTimeout(cfg.Generation.ToolTimeout))
		if err != nil {
			return fmt.Errorf("connecting tool servers: %w", err)
		}
		defer b.Close()
		broker = b
	}

	orch := orchestrator.New(store, registry, broker, cfg.Generation, logger)

	logger.Info("parley starting",
		"version", Version,
		"addr", cfg.Addr,
		"default_provider", registry.DefaultID(),
		"providers", registry.IDs(),
		"tool_servers", len(cfg.ToolServers))

	srv := api.NewServer(store, orch, pool, logger)
	return srv.Run(ctx, cfg.Addr)
}
