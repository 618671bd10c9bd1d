package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"collaboration-core/config"
	"collaboration-core/internal/observability"
	"collaboration-core/internal/relay"
)

func runServe(ctx context.Context, configPath, env, addr string) error {
	cfg, err := config.Load(configPath, env)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}

	logger := observability.NewLogger(observability.LogConfig{Level: cfg.Log.Level, Format: cfg.Log.Format})
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)

	svc := relay.NewService(relay.Config{
		MaxMessageSize: cfg.Server.MaxMessageSize,
		WriteTimeout:   cfg.Server.WriteTimeout,
		ReadTimeout:    cfg.Server.ReadTimeout,
		PingInterval:   cfg.Server.PingInterval,
		MaxClients:     cfg.Server.MaxClients,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, logger, metrics, reg)
	svc.Start()

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("relay listening", "addr", cfg.Server.Addr, "env", cfg.Env, "version", version)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		svc.Shutdown()
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Websocket connections are hijacked, so the hub closes them itself.
	svc.Shutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
