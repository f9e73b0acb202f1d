package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"marketsync/internal/app"
	"marketsync/internal/infra"

	_ "net/http/pprof" // For pprof profiling
)

func main() {
	// 1. Pprof Server (for performance profiling)
	go func() {
		// Localhost only for security
		slog.Info("🕵️ Pprof server started on localhost:6060")
		if err := http.ListenAndServe("localhost:6060", nil); err != nil {
			slog.Error("Pprof server failed", slog.Any("error", err))
		}
	}()

	configPath := "configs/config.yaml"
	if p := os.Getenv("MARKETSYNC_CONFIG"); p != "" {
		configPath = p
	}

	// 2. System Bootstrapping
	bootstrap := app.NewBootstrap()
	if err := bootstrap.Initialize(configPath); err != nil {
		slog.Error("❌ Bootstrapping failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer bootstrap.Close()

	// 3. Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := bootstrap.Config

	// 4. Metrics endpoint
	if cfg.Metrics.Enabled {
		go func() {
			if err := infra.ServeMetrics(ctx, cfg.Metrics.Addr, bootstrap.Metrics); err != nil {
				slog.Error("Metrics server failed", slog.Any("error", err))
			}
		}()
	}

	// 5. Snapshot every book, then open the streams
	sup := bootstrap.Supervisor
	defer sup.Stop()

	if err := sup.Start(ctx, cfg.Market.Symbols); err != nil {
		if ctx.Err() == nil {
			slog.Error("❌ Supervisor failed to start", slog.Any("error", err))
			sup.Stop()
			bootstrap.Close()
			os.Exit(1)
		}
		return
	}

	go bootstrap.ReportReadiness(ctx)

	slog.InfoContext(ctx, "✨ MarketSync fully operational. Press Ctrl+C to exit.", slog.Int("symbols", len(sup.Symbols())))

	// Wait for shutdown signal
	<-ctx.Done()

	slog.Info("👋 Shutting down gracefully...")
}
