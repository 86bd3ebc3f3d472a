package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/modelrelay/relay/pkg/config"
	"github.com/modelrelay/relay/pkg/config/provider"
	"github.com/modelrelay/relay/pkg/gateway"
	"github.com/modelrelay/relay/pkg/observability"
	"github.com/modelrelay/relay/pkg/server"
)

// ServeCmd starts the gateway server.
type ServeCmd struct {
	Port  int  `help:"Port to listen on (overrides config)." default:"0"`
	Watch bool `help:"Watch config source for changes and hot-reload."`

	ConfigSource string   `name:"config-source" help:"Config source type (file, consul, etcd, zookeeper)." default:"file"`
	Endpoints    []string `help:"Endpoints for remote config sources."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	if err := config.LoadDotEnv(); err != nil {
		slog.Warn("Failed to load .env file", "error", err)
	}

	sourceType, err := provider.ParseType(c.ConfigSource)
	if err != nil {
		return err
	}
	src, err := provider.New(provider.Options{
		Type:      sourceType,
		Path:      cli.Config,
		Endpoints: c.Endpoints,
	})
	if err != nil {
		return fmt.Errorf("failed to create config source: %w", err)
	}

	registry := prometheus.NewRegistry()

	var gw *gateway.Gateway
	loader := config.NewLoader(src, config.WithOnChange(func(cfg *config.Config) {
		if c.Port != 0 {
			cfg.Server.Port = c.Port
		}
		if err := gw.Reload(cfg); err != nil {
			slog.Error("Hot reload failed, keeping previous generation", "error", err)
		}
	}))
	defer func() { _ = loader.Close() }()

	cfg, err := loader.Load(ctx)
	if err != nil {
		return err
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	gw, err = gateway.New(cfg, gateway.WithMetricsRegisterer(registry))
	if err != nil {
		return fmt.Errorf("failed to build gateway: %w", err)
	}
	defer func() { _ = gw.Close() }()

	obs := observability.NewManager(cfg.Observability)
	if err := obs.Initialize(ctx, registry); err != nil {
		return fmt.Errorf("failed to initialize observability: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	if c.Watch {
		go func() {
			if err := loader.Watch(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Config watch error", "error", err)
			}
		}()
	}

	srv := server.New(gw, cfg.Server,
		server.WithMetricsRegistry(registry),
		server.WithObservability(obs),
	)

	fmt.Printf("relay gateway ready on %s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("  Messages:    POST /v1/messages\n")
	fmt.Printf("  Completions: POST /v1/chat/completions\n")
	fmt.Printf("  Health:      GET  /health\n")
	fmt.Printf("  Metrics:     GET  /metrics\n")
	fmt.Println("\nPress Ctrl+C to stop")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
