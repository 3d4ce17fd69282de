package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/reelworks/reelpool/internal/config"
	"github.com/reelworks/reelpool/internal/engine"
	internalhttp "github.com/reelworks/reelpool/internal/http"
	"github.com/reelworks/reelpool/internal/http/handlers"
	"github.com/reelworks/reelpool/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the playback engine",
	Long: `Start the playback engine and its local control API.

The control API provides:
- Feed management (PUT /api/v1/feed)
- Scroll, settle, and lifecycle events (POST /api/v1/events/...)
- Playback operations (POST /api/v1/playback/{contentID}/...)
- Persisted positions, statistics, and health endpoints
- OpenAPI documentation at /docs`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "127.0.0.1", "Host to bind to")
	serveCmd.Flags().Int("port", 8750, "Port to listen on")
	serveCmd.Flags().String("database", "reelpool.db", "Position store database file")
	serveCmd.Flags().Int("capacity", 3, "Decoder pool capacity")

	mustBindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	mustBindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	mustBindPFlag("database.dsn", serveCmd.Flags().Lookup("database"))
	mustBindPFlag("pool.capacity", serveCmd.Flags().Lookup("capacity"))
}

// mustBindPFlag binds a viper key to a cobra flag and panics if binding fails.
func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("failed to bind flag %q to key %q: %v", flag.Name, key, err))
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.Default()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	eng, err := engine.New(cfg, logger, nil)
	if err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logger.Error("engine shutdown failed", slog.String("error", err.Error()))
		}
	}()

	server := internalhttp.NewServer(cfg.Server, logger, version.Version)

	handlers.NewHealthHandler(version.Version, eng).Register(server.API())
	handlers.NewFeedHandler(eng).Register(server.API())
	handlers.NewEventsHandler(eng).Register(server.API())
	handlers.NewPlaybackHandler(eng).Register(server.API())
	handlers.NewPositionsHandler(eng).Register(server.API())
	handlers.NewStatsHandler(eng).Register(server.API())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	logger.Info("starting reelpool",
		slog.String("address", cfg.Server.Address()),
		slog.String("version", version.Version),
		slog.Int("pool_capacity", cfg.Pool.Capacity),
	)

	return server.ListenAndServe(ctx)
}

// loadConfig unmarshals and validates the viper-backed configuration that
// initConfig populated.
func loadConfig() (*config.Config, error) {
	var cfg config.Config
	if err := viper.Unmarshal(&cfg, config.DecodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}
