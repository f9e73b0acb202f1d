package app

import (
	"context"
	"log/slog"
	"time"

	"marketsync/internal/domain"
	"marketsync/internal/engine"
	"marketsync/internal/infra"
	"marketsync/internal/infra/binance"
	"marketsync/internal/infra/storage"
)

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	Config     *infra.Config
	Storage    *storage.Storage
	Recorder   *storage.Recorder
	Metrics    *infra.Metrics
	Supervisor *engine.Supervisor
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize loads configuration and wires every component. Nothing connects yet.
func (b *Bootstrap) Initialize(configPath string) error {
	slog.Info("🚀 Bootstrapping MarketSync...")

	// 1. Load Config
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err // Let main handle the error
	}
	b.Config = cfg

	// 2. Setup Logger
	logger := infra.NewLogger(cfg)
	slog.SetDefault(logger)

	// 3. Status storage (optional)
	var recorder domain.StatusRecorder
	if cfg.Storage.Enabled {
		store, err := storage.NewStorage(cfg.Storage.Path)
		if err != nil {
			return err
		}
		b.Storage = store
		b.reportPreviousRun()

		b.Recorder = storage.NewRecorder(store, 0)
		b.Recorder.Start()
		recorder = b.Recorder
		slog.Info("✅ Status database initialized")
	}

	// 4. Metrics + REST client + supervisor
	b.Metrics = infra.NewMetrics()

	client := binance.NewClient(binance.ClientConfig{
		BaseURL:           cfg.Binance.RestURL,
		APIKey:            cfg.Binance.APIKey,
		Timeout:           cfg.Binance.RequestTimeout,
		RequestsPerSecond: cfg.Binance.RequestsPerSecond,
		Burst:             cfg.Binance.Burst,
	})
	b.Supervisor = engine.NewSupervisor(SupervisorConfig(cfg), client, b.Metrics, recorder)

	slog.Info("✅ Supervisor ready",
		slog.Bool("testnet", cfg.Binance.Testnet),
		slog.Any("symbols", cfg.Market.Symbols),
	)
	return nil
}

// SupervisorConfig maps the file configuration onto engine settings.
func SupervisorConfig(cfg *infra.Config) engine.Config {
	return engine.Config{
		WSURL:            cfg.Binance.WSURL,
		DepthLimit:       cfg.Market.DepthLimit,
		TopLevels:        cfg.Market.TopLevels,
		TapeCapacity:     cfg.Market.TapeCapacity,
		Cooldown:         cfg.Resync.Cooldown,
		MaxAttempts:      cfg.Resync.MaxAttempts,
		FetchTimeout:     cfg.Resync.FetchTimeout,
		InitConcurrency:  cfg.Resync.InitConcurrency,
		HandshakeTimeout: cfg.Stream.HandshakeTimeout,
		IdleTimeout:      cfg.Stream.IdleTimeout,
		BackoffMin:       cfg.Stream.BackoffMin,
		BackoffMax:       cfg.Stream.BackoffMax,
		ShutdownGrace:    cfg.Stream.ShutdownGrace,
		Freshness:        cfg.Oracle.Freshness,

		// Binance's futures diff stream does not always chain the first event
		// after a REST snapshot on pu, so accept one that spans the snapshot id.
		BridgeFirstDiff: true,
	}
}

// reportPreviousRun logs symbols that were unhealthy when the last run ended.
func (b *Bootstrap) reportPreviousRun() {
	unhealthy, err := b.Storage.UnhealthySymbols()
	if err != nil {
		slog.Warn("Failed to read previous symbol status", slog.Any("error", err))
		return
	}
	if len(unhealthy) > 0 {
		slog.Info("Symbols not synced at last shutdown", slog.Any("symbols", unhealthy))
	}
}

// ReportReadiness logs one line per symbol every interval until ctx is done.
func (b *Bootstrap) ReportReadiness(ctx context.Context) {
	cfg := b.Config.Oracle
	ticker := time.NewTicker(cfg.ReportInterval)
	defer ticker.Stop()

	allReady := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for _, s := range b.Supervisor.Summaries(cfg.MinTrades, cfg.MaxTradeAge) {
			slog.Info("📊 Symbol status",
				slog.String("symbol", s.Symbol),
				slog.String("price", s.Price.String()),
				slog.Bool("price_known", s.PriceKnown),
				slog.Bool("synced", s.Synced),
				slog.Int("trades", s.Trades),
				slog.Bool("ready", s.Ready),
			)
		}

		ready := b.Supervisor.AllReady(b.Supervisor.Symbols(), cfg.MinTrades, cfg.MaxTradeAge)
		if ready && !allReady {
			slog.Info("✨ All symbols ready")
		}
		allReady = ready
	}
}

// Close flushes pending status updates and closes storage.
func (b *Bootstrap) Close() {
	if b.Recorder != nil {
		b.Recorder.Close()
	}
	if b.Storage != nil {
		if err := b.Storage.Close(); err != nil {
			slog.Warn("Failed to close storage", slog.Any("error", err))
		}
		b.Storage = nil
	}
}
