package domain

import (
	"context"
	"time"
)

// SnapshotFetcher produces a full order book snapshot for a symbol.
type SnapshotFetcher interface {
	Snapshot(ctx context.Context, symbol string, limit int) (*Snapshot, error)
}

// Clock returns the current time. Injected wherever freshness or throttling is decided.
type Clock func() time.Time

// StatusRecorder receives symbol health transitions.
type StatusRecorder interface {
	Record(status SymbolStatus)
}

// StreamKind names one of the three per-symbol subscriptions.
type StreamKind string

const (
	StreamDepth  StreamKind = "depth"
	StreamTrade  StreamKind = "trade"
	StreamTicker StreamKind = "bookTicker"
)
