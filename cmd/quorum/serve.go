package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quorumhq/quorum/pkg/observability"
)

// ServeCmd runs the agent service: it keeps the MCP pool connected,
// logs pool events and serves Prometheus metrics.
type ServeCmd struct {
	MetricsPort  int    `name:"metrics-port" help:"Port for the /metrics endpoint." default:"9090"`
	Observe      bool   `help:"Enable OTLP tracing and Prometheus metrics."`
	OTLPEndpoint string `name:"otlp-endpoint" help:"OTLP gRPC collector endpoint." default:"localhost:4317"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if c.Observe {
		if _, err := observability.InitGlobalTracer(ctx, observability.TracerConfig{
			Enabled:     true,
			EndpointURL: c.OTLPEndpoint,
		}); err != nil {
			return fmt.Errorf("failed to init tracing: %w", err)
		}
		if _, err := observability.InitMetrics(ctx, observability.MetricsConfig{
			Enabled: true,
			Port:    c.MetricsPort,
		}); err != nil {
			return fmt.Errorf("failed to init metrics: %w", err)
		}
	}

	rt, err := buildRuntime(ctx, cli, nil)
	if err != nil {
		return err
	}
	defer rt.close()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", c.MetricsPort),
		Handler: mux,
	}
	go func() {
		slog.Info("Metrics endpoint listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Metrics server failed", "error", err)
		}
	}()

	// Surface pool lifecycle events in the service log.
	go func() {
		for event := range rt.pool.Events() {
			if event.Err != nil {
				slog.Warn("MCP server event", "type", event.Type, "server", event.ServerID, "error", event.Err)
			} else {
				slog.Info("MCP server event", "type", event.Type, "server", event.ServerID)
			}
		}
	}()

	slog.Info("Agent service started",
		"agent", rt.agent.Name(),
		"mode", rt.cfg.NormalizedThinkingMode(),
		"servers", len(rt.pool.Stats().Servers),
	)

	<-ctx.Done()
	slog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	return nil
}
