// Command motoplan runs the itinerary generation service: the HTTP API,
// the Redis-backed generation store and queue, and the worker pool that
// drives the model invoker.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/motoplan/motoplan/ai"
	"github.com/motoplan/motoplan/core"
	"github.com/motoplan/motoplan/generation"
	"github.com/motoplan/motoplan/server"
	"github.com/motoplan/motoplan/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "motoplan: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := core.LoadConfig(configPath)
	if err != nil {
		return err
	}

	logger := core.NewLogger(cfg.LogLevel, "motoplan")

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer client.Close()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("redis unreachable at %s: %w", cfg.Redis.Addr, err)
	}

	var tel core.Telemetry = &core.NoOpTelemetry{}
	var otelProvider *telemetry.OTelProvider
	if cfg.Telemetry.Enabled {
		otelProvider, err = telemetry.NewOTelProvider(cfg.Telemetry.ServiceName, cfg.Telemetry.Endpoint)
		if err != nil {
			return fmt.Errorf("telemetry setup failed: %w", err)
		}
		tel = otelProvider
	}

	store := generation.NewRedisStore(client, &generation.RedisStoreConfig{Logger: logger})
	queue := generation.NewRedisQueue(client, &generation.RedisQueueConfig{Logger: logger})
	notes := generation.NewRedisNoteSource(client, "")
	prefs := generation.NewRedisPreferenceSource(client, "")
	invoker := ai.NewModelInvoker(cfg.AI, logger)

	coordinator, err := generation.NewCoordinator(generation.CoordinatorConfig{
		Store:       store,
		Queue:       queue,
		Notes:       notes,
		Preferences: prefs,
		Generation:  cfg.Generation,
		Export:      cfg.Export,
		Logger:      logger,
		Telemetry:   tel,
	})
	if err != nil {
		return err
	}

	pool, err := generation.NewWorkerPool(generation.WorkerPoolConfig{
		Store:       store,
		Queue:       queue,
		Notes:       notes,
		Preferences: prefs,
		Invoker:     invoker,
		Generation:  cfg.Generation,
		Logger:      logger,
		Telemetry:   tel,
	})
	if err != nil {
		return err
	}

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()
	if err := pool.Start(rootCtx); err != nil {
		return err
	}

	srv := server.New(coordinator, redisHealth{client}, cfg.HTTP, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Shutting down", map[string]interface{}{"signal": sig.String()})
	case err := <-errCh:
		logger.Error("Server failed", map[string]interface{}{"error": err.Error()})
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Generation.ShutdownTimeout)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", map[string]interface{}{"error": err.Error()})
	}
	pool.Stop()
	if otelProvider != nil {
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Telemetry shutdown incomplete", map[string]interface{}{"error": err.Error()})
		}
	}
	return nil
}

// redisHealth adapts the Redis client to the server's health probe.
type redisHealth struct {
	client *redis.Client
}

func (h redisHealth) Ping(ctx context.Context) error {
	return h.client.Ping(ctx).Err()
}
