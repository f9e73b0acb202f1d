package tape

import (
	"iter"
	"sync"
	"time"

	"marketsync/internal/domain"

	"github.com/gammazero/deque"
)

// DefaultCapacity is the number of trades kept per symbol.
const DefaultCapacity = 100

// Tape is a bounded, append-only sequence of trade prints, oldest first.
// One writer (the trade stream) and any number of readers.
type Tape struct {
	symbol   string
	capacity int
	now      domain.Clock

	mu     sync.RWMutex
	trades deque.Deque[domain.Trade]
}

// New creates an empty tape. clock may be nil (time.Now).
func New(symbol string, capacity int, clock domain.Clock) *Tape {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if clock == nil {
		clock = time.Now
	}
	return &Tape{
		symbol:   symbol,
		capacity: capacity,
		now:      clock,
	}
}

// Record appends a trade and evicts the oldest ones beyond capacity.
// Prints with a non-positive price or quantity are dropped and false is returned.
func (t *Tape) Record(trade domain.Trade) bool {
	if !trade.IsValid() {
		return false
	}

	t.mu.Lock()
	t.trades.PushBack(trade)
	for t.trades.Len() > t.capacity {
		t.trades.PopFront()
	}
	t.mu.Unlock()
	return true
}

// Len returns the number of trades currently held.
func (t *Tape) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.trades.Len()
}

// Newest returns the most recent trade, if any.
func (t *Tape) Newest() (domain.Trade, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.trades.Len() == 0 {
		return domain.Trade{}, false
	}
	return t.trades.Back(), true
}

// RecentWindow yields at most maxCount trades no older than window, oldest first.
//
// The sequence is lazy and restartable: each range over it takes a fresh copy
// of the qualifying trades, so later writes never affect a running iteration.
// maxCount <= 0 means no count limit.
func (t *Tape) RecentWindow(maxCount int, window time.Duration) iter.Seq[domain.Trade] {
	return func(yield func(domain.Trade) bool) {
		for _, tr := range t.recent(maxCount, window) {
			if !yield(tr) {
				return
			}
		}
	}
}

// Recent is RecentWindow collected into a slice.
func (t *Tape) Recent(maxCount int, window time.Duration) []domain.Trade {
	return t.recent(maxCount, window)
}

func (t *Tape) recent(maxCount int, window time.Duration) []domain.Trade {
	cutoff := t.now().Add(-window).UnixMilli()

	t.mu.RLock()
	n := t.trades.Len()
	start := n
	for start > 0 {
		if maxCount > 0 && n-start >= maxCount {
			break
		}
		if t.trades.At(start-1).TimestampMs < cutoff {
			break
		}
		start--
	}
	out := make([]domain.Trade, 0, n-start)
	for i := start; i < n; i++ {
		out = append(out, t.trades.At(i))
	}
	t.mu.RUnlock()

	return out
}
