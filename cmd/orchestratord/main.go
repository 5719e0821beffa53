package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sophia-stack/orchestrator/config"
	"github.com/sophia-stack/orchestrator/internal/circuitbreaker"
	"github.com/sophia-stack/orchestrator/internal/gateway"
	"github.com/sophia-stack/orchestrator/internal/httpserver"
	"github.com/sophia-stack/orchestrator/internal/pool"
	"github.com/sophia-stack/orchestrator/internal/registry"
	"github.com/sophia-stack/orchestrator/internal/service"
	"github.com/sophia-stack/orchestrator/internal/status"
	"github.com/sophia-stack/orchestrator/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.Any("err", err))
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level, true, cfg.Server.Environment)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var breakers *circuitbreaker.Registry
	if cfg.Pool.UseBreakers {
		breakers = circuitbreaker.NewRegistry(breakerOptions(cfg.Breaker))
	}

	p, err := pool.New(poolServers(cfg), pool.Options{
		MaxConcurrent: cfg.Pool.MaxConcurrent,
		Breakers:      breakers,
		Logger:        log,
	})
	if err != nil {
		log.Error("Failed to create connection pool", slog.Any("err", err))
		os.Exit(1)
	}
	defer p.Destroy()

	reg := registry.New(log)
	if err := registerServices(reg, cfg); err != nil {
		log.Error("Failed to register services", slog.Any("err", err))
		os.Exit(1)
	}

	// Backends that are down at boot reconnect through health polling, so a
	// failed initial connect is not fatal.
	if err := reg.ConnectAll(ctx); err != nil {
		log.Warn("Initial connect incomplete", slog.Any("err", err))
	}

	collector := status.NewCollector(reg, p, breakers, log)
	collector.Start(ctx)

	g := gateway.New(log, p, reg, collector.Handler(), gateway.Options{
		AuthToken:     cfg.Gateway.AuthToken,
		RestrictPaths: cfg.Gateway.RestrictPaths,
		AllowedPaths:  cfg.Gateway.AllowedPaths,
	})

	srv, err := httpserver.New(cfg.Server.Address, g.Router(), httpserver.Timeouts{
		Read:     cfg.Server.ReadTimeout,
		Write:    cfg.Server.WriteTimeout,
		Idle:     cfg.Server.IdleTimeout,
		Shutdown: cfg.Server.ShutdownTimeout,
	})
	if err != nil {
		log.Error("Failed to create server", slog.Any("err", err))
		os.Exit(1)
	}

	srvErrCh := make(chan error, 1)

	go func() {
		srvErrCh <- srv.Start()
	}()

	log.Info("Orchestrator started", slog.String("address", cfg.Server.Address))

	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
		if err := srv.Shutdown(context.Background()); err != nil {
			log.Error("Error during server shutdown", slog.Any("err", err))
		}
		if err := reg.Shutdown(context.Background()); err != nil {
			log.Error("Error during registry shutdown", slog.Any("err", err))
		}
	case err := <-srvErrCh:
		if err != nil {
			log.Error("Error starting orchestrator", slog.Any("err", err))
			os.Exit(1)
		}
	}
}

func breakerOptions(cfg config.BreakerConfig) circuitbreaker.Options {
	return circuitbreaker.Options{
		ErrorThreshold:           cfg.ErrorThreshold,
		VolumeThreshold:          cfg.VolumeThreshold,
		Timeout:                  cfg.Timeout,
		ResetTimeout:             cfg.ResetTimeout,
		ErrorPercentageThreshold: cfg.ErrorPercentageThreshold,
		RollingWindowSize:        cfg.RollingWindowSize,
	}
}

func poolServers(cfg *config.Config) []pool.ServerConfig {
	servers := make([]pool.ServerConfig, 0, len(cfg.Services))
	for _, entry := range cfg.Services {
		servers = append(servers, entry.ServerConfig)
	}
	return servers
}

// registerServices registers every configured backend with an HTTP-backed
// instance. Entries must list their dependencies before their dependents.
func registerServices(reg *registry.Registry, cfg *config.Config) error {
	for _, entry := range cfg.Services {
		instance := service.NewHTTP(entry.Config)
		if err := reg.Register(entry.ID, service.Type(entry.Type), instance, entry.Config, entry.Dependencies, entry.Tags...); err != nil {
			return err
		}
	}
	return nil
}
