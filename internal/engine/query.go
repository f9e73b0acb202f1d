package engine

import (
	"strings"
	"time"

	"marketsync/internal/book"
	"marketsync/internal/domain"
	"marketsync/internal/infra"
	"marketsync/internal/service"

	"github.com/shopspring/decimal"
)

// Query methods never block on the network and are safe from any goroutine.

func (s *Supervisor) lookup(symbol string) (*symbolState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.symbols[strings.ToUpper(symbol)]
	if !ok {
		return nil, domain.ErrUnknownSymbol
	}
	return st, nil
}

// GetOrderBook returns the latest fully applied top-of-book view.
func (s *Supervisor) GetOrderBook(symbol string) (domain.TopOfBookView, error) {
	st, err := s.lookup(symbol)
	if err != nil {
		return domain.TopOfBookView{}, err
	}
	return st.replica.View(), nil
}

// GetRecentTrades returns up to count trades no older than window, oldest first.
// count <= 0 means no count limit.
func (s *Supervisor) GetRecentTrades(symbol string, count int, window time.Duration) ([]domain.Trade, error) {
	st, err := s.lookup(symbol)
	if err != nil {
		return nil, err
	}
	return st.tape.Recent(count, window), nil
}

// GetCurrentPrice returns the oracle price and whether one is known.
func (s *Supervisor) GetCurrentPrice(symbol string) (decimal.Decimal, bool) {
	return s.oracle.CurrentPrice(strings.ToUpper(symbol))
}

// GetQuote returns the last best bid/ask of a symbol.
func (s *Supervisor) GetQuote(symbol string) (domain.BookTicker, bool) {
	return s.board.Get(strings.ToUpper(symbol))
}

func (s *Supervisor) IsReady(symbol string, minTrades int, maxTradeAge time.Duration) bool {
	return s.oracle.IsReady(strings.ToUpper(symbol), minTrades, maxTradeAge)
}

// AllReady reports whether every listed symbol is ready. An empty list is
// vacuously ready; unknown symbols are never ready.
func (s *Supervisor) AllReady(symbols []string, minTrades int, maxTradeAge time.Duration) bool {
	upper := make([]string, len(symbols))
	for i, sym := range symbols {
		upper[i] = strings.ToUpper(sym)
	}
	return s.oracle.AllReady(upper, minTrades, maxTradeAge)
}

// Summaries returns one readiness row per registered symbol.
func (s *Supervisor) Summaries(minTrades int, maxTradeAge time.Duration) []service.Summary {
	return s.oracle.Summaries(minTrades, maxTradeAge)
}

// Status returns the sync health of a symbol's order book.
func (s *Supervisor) Status(symbol string) (book.Health, error) {
	st, err := s.lookup(symbol)
	if err != nil {
		return book.Health{}, err
	}
	return st.replica.Health(), nil
}

// Symbols returns registered symbols in registration order.
func (s *Supervisor) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Metrics returns the collectors the supervisor reports to.
func (s *Supervisor) Metrics() *infra.Metrics {
	return s.metrics
}
