package storage

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"marketsync/internal/domain"
)

// StatusWriter is the persistence side of a Recorder.
type StatusWriter interface {
	UpsertStatus(status *domain.SymbolStatus) error
}

// Recorder persists status transitions on its own goroutine.
// Record never blocks: when the buffer is full the update is dropped.
type Recorder struct {
	store   StatusWriter
	ch      chan domain.SymbolStatus
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
	logger  *slog.Logger
}

// NewRecorder creates a recorder with the given buffer size.
func NewRecorder(store StatusWriter, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = 256
	}
	return &Recorder{
		store:  store,
		ch:     make(chan domain.SymbolStatus, buffer),
		logger: slog.Default().With("module", "status_recorder"),
	}
}

// Start launches the writer goroutine.
func (r *Recorder) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for status := range r.ch {
			if err := r.store.UpsertStatus(&status); err != nil {
				r.logger.Warn("Failed to persist symbol status",
					slog.String("symbol", status.Symbol),
					slog.Any("error", err),
				)
			}
		}
	}()
}

// Record queues a status update. Implements domain.StatusRecorder.
func (r *Recorder) Record(status domain.SymbolStatus) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.ch <- status:
	default:
		r.dropped.Add(1)
	}
}

// Dropped returns how many updates were discarded because the buffer was full.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Close flushes queued updates and stops the writer. Safe to call twice.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.ch)
	r.mu.Unlock()

	r.wg.Wait()
}
