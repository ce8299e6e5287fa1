// Package main is the entry point for the read-along API server.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/readalong/internal/config"
	"github.com/onnwee/readalong/internal/middleware"
	"github.com/onnwee/readalong/internal/tracing"
)

// startupTimeout bounds the initial database and redis pings.
const startupTimeout = 10 * time.Second

func main() {
	help := flag.Bool("help", false, "display help message")
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to a YAML config file")
	flag.Parse()

	if *help {
		fmt.Println("Read-along API Server")
		fmt.Println()
		fmt.Println("Usage: api [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg, errs := config.Load(*configPath)
	if len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintln(os.Stderr, "config error:", err)
		}
		os.Exit(1)
	}

	logger := middleware.NewLogger(cfg.Env)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	summary := make([]any, 0, 2*len(cfg.LogSummary()))
	for k, v := range cfg.LogSummary() {
		summary = append(summary, k, v)
	}
	logger.Info("configuration loaded", summary...)

	tracerProvider, err := tracing.NewProvider(tracing.Config{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
		Enabled:        cfg.TracingEnabled,
		Environment:    cfg.Env,
		ExporterType:   cfg.TracingExporter,
		OTLPEndpoint:   cfg.TracingEndpoint,
		SamplingRate:   cfg.TracingSampleRate,
		InsecureMode:   cfg.TracingInsecure,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	deps, closeDeps, err := connect(cfg, logger)
	if err != nil {
		return err
	}
	defer closeDeps()

	srv, err := newServer(cfg, logger, deps)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv.start(ctx)

	httpServer := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      srv.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal for graceful shutdown
	select {
	case err := <-serveErr:
		srv.stop()
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Hijacked websocket connections are not tracked by http.Server; the hub closes them.
	shutdownErr := httpServer.Shutdown(shutdownCtx)
	srv.stop()

	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to flush traces", "error", err)
	}
	if shutdownErr != nil {
		return fmt.Errorf("server forced to shutdown: %w", shutdownErr)
	}
	return nil
}

// connect opens the optional database and redis connections named in cfg.
// The returned func closes whatever was opened.
func connect(cfg *config.Config, logger *slog.Logger) (externalDeps, func(), error) {
	var deps externalDeps
	closeAll := func() {
		if deps.DB != nil {
			_ = deps.DB.Close()
		}
		if deps.Redis != nil {
			_ = deps.Redis.Close()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return deps, nil, fmt.Errorf("failed to open database: %w", err)
		}
		deps.DB = db
		if err := db.PingContext(ctx); err != nil {
			closeAll()
			return externalDeps{}, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		logger.Info("connected to database")
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			closeAll()
			return externalDeps{}, nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		deps.Redis = client
		if err := client.Ping(ctx).Err(); err != nil {
			closeAll()
			return externalDeps{}, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		logger.Info("connected to redis", "addr", opts.Addr)
	} else {
		logger.Warn("REDIS_URL not set, rate limiting is per instance")
	}

	return deps, closeAll, nil
}
