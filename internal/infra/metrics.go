package infra

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons and resync results used as label values.
const (
	DropStale    = "stale"
	DropUnsynced = "unsynced"

	ResyncOK        = "ok"
	ResyncFailed    = "failed"
	ResyncExhausted = "exhausted"
)

// Metrics exposes replica and stream health to Prometheus.
// Every instance owns its registry, so tests can create as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	diffsApplied    *prometheus.CounterVec
	diffsDropped    *prometheus.CounterVec
	gaps            *prometheus.CounterVec
	resyncs         *prometheus.CounterVec
	reconnects      *prometheus.CounterVec
	trades          *prometheus.CounterVec
	quotes          *prometheus.CounterVec
	synced          *prometheus.GaugeVec
	connections     prometheus.Gauge
	snapshotLatency prometheus.Histogram

	// Totals mirrored for Snapshot.
	diffsTotal        atomic.Uint64
	gapsTotal         atomic.Uint64
	resyncsTotal      atomic.Uint64
	reconnectsTotal   atomic.Uint64
	tradesTotal       atomic.Uint64
	errorsTotal       atomic.Uint64
	activeConnections atomic.Int32
}

// NewMetrics creates and registers all collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		diffsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketsync_diffs_applied_total",
			Help: "Depth diffs applied to the order book replica.",
		}, []string{"symbol"}),
		diffsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketsync_diffs_dropped_total",
			Help: "Depth diffs dropped without being applied.",
		}, []string{"symbol", "reason"}),
		gaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketsync_sequence_gaps_total",
			Help: "Sequence gaps detected in the depth stream.",
		}, []string{"symbol"}),
		resyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketsync_resyncs_total",
			Help: "Snapshot resync attempts by result.",
		}, []string{"symbol", "result"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketsync_stream_reconnects_total",
			Help: "Websocket reconnects per stream.",
		}, []string{"symbol", "stream"}),
		trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketsync_trades_total",
			Help: "Trade prints recorded on the tape.",
		}, []string{"symbol"}),
		quotes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketsync_quotes_total",
			Help: "Best bid/ask updates stored.",
		}, []string{"symbol"}),
		synced: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "marketsync_book_synced",
			Help: "1 when the order book replica is synced.",
		}, []string{"symbol"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "marketsync_active_connections",
			Help: "Open websocket connections.",
		}),
		snapshotLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "marketsync_snapshot_seconds",
			Help:    "Snapshot fetch latency.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	m.registry.MustRegister(
		m.diffsApplied, m.diffsDropped, m.gaps, m.resyncs, m.reconnects,
		m.trades, m.quotes, m.synced, m.connections, m.snapshotLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordDiff records an applied diff.
func (m *Metrics) RecordDiff(symbol string) {
	m.diffsApplied.WithLabelValues(symbol).Inc()
	m.diffsTotal.Add(1)
}

// RecordDrop records a dropped diff.
func (m *Metrics) RecordDrop(symbol, reason string) {
	m.diffsDropped.WithLabelValues(symbol, reason).Inc()
}

// RecordGap records a detected sequence gap.
func (m *Metrics) RecordGap(symbol string) {
	m.gaps.WithLabelValues(symbol).Inc()
	m.gapsTotal.Add(1)
}

// RecordResync records one snapshot fetch attempt.
func (m *Metrics) RecordResync(symbol, result string, took time.Duration) {
	m.resyncs.WithLabelValues(symbol, result).Inc()
	m.snapshotLatency.Observe(took.Seconds())
	m.resyncsTotal.Add(1)
	if result != ResyncOK {
		m.errorsTotal.Add(1)
	}
}

// RecordReconnect records a dropped stream connection.
func (m *Metrics) RecordReconnect(symbol, stream string) {
	m.reconnects.WithLabelValues(symbol, stream).Inc()
	m.reconnectsTotal.Add(1)
	m.errorsTotal.Add(1)
}

// RecordTrade records a trade stored on the tape.
func (m *Metrics) RecordTrade(symbol string) {
	m.trades.WithLabelValues(symbol).Inc()
	m.tradesTotal.Add(1)
}

// RecordQuote records a stored best bid/ask.
func (m *Metrics) RecordQuote(symbol string) {
	m.quotes.WithLabelValues(symbol).Inc()
}

// SetSynced sets the synced gauge of a symbol.
func (m *Metrics) SetSynced(symbol string, synced bool) {
	v := 0.0
	if synced {
		v = 1
	}
	m.synced.WithLabelValues(symbol).Set(v)
}

// IncrementConnections increments active connections by 1.
func (m *Metrics) IncrementConnections() {
	m.connections.Inc()
	m.activeConnections.Add(1)
}

// DecrementConnections decrements active connections by 1.
func (m *Metrics) DecrementConnections() {
	m.connections.Dec()
	m.activeConnections.Add(-1)
}

// MetricsSnapshot is a point-in-time view of the totals.
type MetricsSnapshot struct {
	DiffsApplied      uint64
	Gaps              uint64
	Resyncs           uint64
	Reconnects        uint64
	Trades            uint64
	ErrorsTotal       uint64
	ActiveConnections int32
	Timestamp         time.Time
}

// Snapshot returns current totals.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		DiffsApplied:      m.diffsTotal.Load(),
		Gaps:              m.gapsTotal.Load(),
		Resyncs:           m.resyncsTotal.Load(),
		Reconnects:        m.reconnectsTotal.Load(),
		Trades:            m.tradesTotal.Load(),
		ErrorsTotal:       m.errorsTotal.Load(),
		ActiveConnections: m.activeConnections.Load(),
		Timestamp:         time.Now(),
	}
}

// ServeMetrics serves /metrics on addr until ctx is cancelled.
func ServeMetrics(ctx context.Context, addr string, m *Metrics) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("📈 Metrics server listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
