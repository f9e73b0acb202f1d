package service

import (
	"sort"
	"sync"
	"time"

	"marketsync/internal/domain"

	"github.com/shopspring/decimal"
)

// DefaultFreshness is how long a trade price stays authoritative.
const DefaultFreshness = 3 * time.Second

// BookState is the part of an order book replica the oracle needs.
type BookState interface {
	Synced() bool
}

// TradeHistory is the part of a trade tape the oracle needs.
type TradeHistory interface {
	Newest() (domain.Trade, bool)
	Len() int
}

// QuoteBoard returns the latest best bid/ask per symbol.
type QuoteBoard interface {
	Get(symbol string) (domain.BookTicker, bool)
}

// Summary is a per-symbol line for status output.
type Summary struct {
	Symbol     string          `json:"symbol"`
	Price      decimal.Decimal `json:"price"`
	PriceKnown bool            `json:"price_known"`
	Synced     bool            `json:"synced"`
	Trades     int             `json:"trades"`
	Ready      bool            `json:"ready"`
}

// PriceOracle decides which price to trust for a symbol and whether its data is usable.
type PriceOracle struct {
	mu     sync.RWMutex
	books  map[string]BookState
	tapes  map[string]TradeHistory
	quotes QuoteBoard

	freshness time.Duration
	now       domain.Clock
}

// NewPriceOracle creates an oracle reading quotes from board.
// freshness <= 0 uses DefaultFreshness, a nil clock uses time.Now.
func NewPriceOracle(board QuoteBoard, freshness time.Duration, clock domain.Clock) *PriceOracle {
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	if clock == nil {
		clock = time.Now
	}
	return &PriceOracle{
		books:     make(map[string]BookState),
		tapes:     make(map[string]TradeHistory),
		quotes:    board,
		freshness: freshness,
		now:       clock,
	}
}

// Register attaches the book and tape of a symbol.
func (o *PriceOracle) Register(symbol string, book BookState, tape TradeHistory) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.books[symbol] = book
	o.tapes[symbol] = tape
}

// CurrentPrice returns the newest trade price if it is still fresh, otherwise
// the quote midpoint. ok is false when neither is available; callers must
// skip the symbol rather than treat the price as zero.
func (o *PriceOracle) CurrentPrice(symbol string) (price decimal.Decimal, ok bool) {
	o.mu.RLock()
	tape := o.tapes[symbol]
	o.mu.RUnlock()

	if tape != nil {
		if tr, found := tape.Newest(); found && o.age(tr) <= o.freshness {
			return tr.Price, true
		}
	}

	if o.quotes != nil {
		if q, found := o.quotes.Get(symbol); found && q.IsTradable() {
			return q.Mid(), true
		}
	}
	return decimal.Zero, false
}

// IsReady reports whether a symbol's data can be acted on: the book is synced,
// the tape holds at least minTrades prints, the newest print is no older than
// maxTradeAge and the quote has a positive bid and ask.
func (o *PriceOracle) IsReady(symbol string, minTrades int, maxTradeAge time.Duration) bool {
	o.mu.RLock()
	book := o.books[symbol]
	tape := o.tapes[symbol]
	o.mu.RUnlock()

	if book == nil || tape == nil || o.quotes == nil {
		return false
	}
	if !book.Synced() {
		return false
	}
	if tape.Len() < minTrades {
		return false
	}
	newest, found := tape.Newest()
	if !found || o.age(newest) > maxTradeAge {
		return false
	}
	q, found := o.quotes.Get(symbol)
	return found && q.IsTradable()
}

// AllReady is the conjunction of IsReady over symbols. An empty set is ready.
func (o *PriceOracle) AllReady(symbols []string, minTrades int, maxTradeAge time.Duration) bool {
	for _, s := range symbols {
		if !o.IsReady(s, minTrades, maxTradeAge) {
			return false
		}
	}
	return true
}

// Summaries returns one line per registered symbol, sorted by symbol.
func (o *PriceOracle) Summaries(minTrades int, maxTradeAge time.Duration) []Summary {
	o.mu.RLock()
	symbols := make([]string, 0, len(o.books))
	for s := range o.books {
		symbols = append(symbols, s)
	}
	o.mu.RUnlock()
	sort.Strings(symbols)

	out := make([]Summary, 0, len(symbols))
	for _, s := range symbols {
		o.mu.RLock()
		book, tape := o.books[s], o.tapes[s]
		o.mu.RUnlock()

		price, known := o.CurrentPrice(s)
		out = append(out, Summary{
			Symbol:     s,
			Price:      price,
			PriceKnown: known,
			Synced:     book.Synced(),
			Trades:     tape.Len(),
			Ready:      o.IsReady(s, minTrades, maxTradeAge),
		})
	}
	return out
}

// age clamps clock skew (exchange time ahead of ours) to zero.
func (o *PriceOracle) age(tr domain.Trade) time.Duration {
	age := o.now().Sub(tr.Time())
	if age < 0 {
		return 0
	}
	return age
}
