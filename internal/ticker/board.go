package ticker

import (
	"sync"

	"marketsync/internal/domain"
)

// Board holds the latest best bid/ask per symbol.
// Each quote replaces the previous one wholesale; readers get copies.
type Board struct {
	mu     sync.RWMutex
	quotes map[string]domain.BookTicker
}

// NewBoard creates an empty board.
func NewBoard() *Board {
	return &Board{quotes: make(map[string]domain.BookTicker)}
}

// Update stores q unless either side is non-positive. Returns whether it was stored.
func (b *Board) Update(q domain.BookTicker) bool {
	if !q.IsTradable() {
		return false
	}
	b.mu.Lock()
	b.quotes[q.Symbol] = q
	b.mu.Unlock()
	return true
}

// Get returns the latest quote for symbol.
func (b *Board) Get(symbol string) (domain.BookTicker, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.quotes[symbol]
	return q, ok
}

