package service

import (
	"testing"
	"time"

	"marketsync/internal/domain"
	"marketsync/internal/tape"
	"marketsync/internal/ticker"

	"github.com/shopspring/decimal"
)

type stubBook struct{ synced bool }

func (b *stubBook) Synced() bool { return b.synced }

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	now    time.Time
	book   *stubBook
	tape   *tape.Tape
	board  *ticker.Board
	oracle *PriceOracle
}

func newFixture() *fixture {
	f := &fixture{now: t0, book: &stubBook{synced: true}, board: ticker.NewBoard()}
	clock := func() time.Time { return f.now }
	f.tape = tape.New("BTCUSDT", 100, clock)
	f.oracle = NewPriceOracle(f.board, 3*time.Second, clock)
	f.oracle.Register("BTCUSDT", f.book, f.tape)
	return f
}

func (f *fixture) trade(price int64, at time.Time) {
	f.tape.Record(domain.Trade{
		Symbol:      "BTCUSDT",
		Price:       decimal.NewFromInt(price),
		Quantity:    decimal.NewFromInt(1),
		TimestampMs: at.UnixMilli(),
	})
}

func (f *fixture) quote(bid, ask int64) {
	f.board.Update(domain.BookTicker{
		Symbol:  "BTCUSDT",
		BestBid: decimal.NewFromInt(bid),
		BestAsk: decimal.NewFromInt(ask),
	})
}

func TestPriceOracle_CurrentPrice_Freshness(t *testing.T) {
	tests := []struct {
		name      string
		queryAt   time.Duration
		withQuote bool
		want      string
		known     bool
	}{
		{"fresh trade", 2500 * time.Millisecond, true, "50", true},
		{"trade at threshold", 3 * time.Second, false, "50", true},
		{"stale trade falls back to mid", 4 * time.Second, true, "50.5", true},
		{"stale trade without quote is unknown", 4 * time.Second, false, "0", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.trade(50, t0)
			if tt.withQuote {
				f.quote(50, 51)
			}
			f.now = t0.Add(tt.queryAt)

			price, ok := f.oracle.CurrentPrice("BTCUSDT")
			if ok != tt.known {
				t.Fatalf("Expected known=%v, got %v", tt.known, ok)
			}
			if price.String() != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, price)
			}
		})
	}
}

func TestPriceOracle_CurrentPrice_NoData(t *testing.T) {
	f := newFixture()
	if _, ok := f.oracle.CurrentPrice("BTCUSDT"); ok {
		t.Error("Expected unknown price with no trades or quotes")
	}
	if _, ok := f.oracle.CurrentPrice("UNKNOWN"); ok {
		t.Error("Expected unknown price for unregistered symbol")
	}
}

func TestPriceOracle_CurrentPrice_QuoteOnly(t *testing.T) {
	f := newFixture()
	f.quote(100, 102)

	price, ok := f.oracle.CurrentPrice("BTCUSDT")
	if !ok || price.String() != "101" {
		t.Errorf("Expected mid 101, got %s (ok=%v)", price, ok)
	}
}

func TestPriceOracle_IsReady(t *testing.T) {
	const minTrades = 3
	maxAge := 10 * time.Second

	ready := func() *fixture {
		f := newFixture()
		for i := 0; i < minTrades; i++ {
			f.trade(100, t0)
		}
		f.quote(99, 101)
		f.now = t0.Add(time.Second)
		return f
	}

	if !ready().oracle.IsReady("BTCUSDT", minTrades, maxAge) {
		t.Fatal("Expected baseline fixture to be ready")
	}

	tests := []struct {
		name   string
		mutate func(f *fixture)
	}{
		{"book unsynced", func(f *fixture) { f.book.synced = false }},
		{"too few trades", func(f *fixture) {
			f.tape = tape.New("BTCUSDT", 100, func() time.Time { return f.now })
			f.trade(100, t0)
			f.oracle.Register("BTCUSDT", f.book, f.tape)
		}},
		{"newest trade too old", func(f *fixture) { f.now = t0.Add(11 * time.Second) }},
		{"no quote", func(f *fixture) {
			f.board = ticker.NewBoard()
			f.oracle = NewPriceOracle(f.board, 3*time.Second, func() time.Time { return f.now })
			f.oracle.Register("BTCUSDT", f.book, f.tape)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := ready()
			tt.mutate(f)
			if f.oracle.IsReady("BTCUSDT", minTrades, maxAge) {
				t.Errorf("Expected not ready when %s", tt.name)
			}
		})
	}
}

func TestPriceOracle_AllReady(t *testing.T) {
	f := newFixture()
	f.trade(100, t0)
	f.quote(99, 101)

	if !f.oracle.AllReady(nil, 1, time.Second) {
		t.Error("Expected empty set to be ready")
	}
	if !f.oracle.AllReady([]string{"BTCUSDT"}, 1, time.Second) {
		t.Error("Expected BTCUSDT to be ready")
	}
	if f.oracle.AllReady([]string{"BTCUSDT", "ETHUSDT"}, 1, time.Second) {
		t.Error("Expected unregistered ETHUSDT to block AllReady")
	}
}

func TestPriceOracle_Summaries(t *testing.T) {
	f := newFixture()
	f.oracle.Register("ADAUSDT", &stubBook{}, tape.New("ADAUSDT", 10, nil))
	f.trade(100, t0)
	f.quote(99, 101)

	sums := f.oracle.Summaries(1, time.Second)
	if len(sums) != 2 {
		t.Fatalf("Expected 2 summaries, got %d", len(sums))
	}
	if sums[0].Symbol != "ADAUSDT" || sums[0].Ready || sums[0].PriceKnown {
		t.Errorf("Unexpected ADAUSDT summary: %+v", sums[0])
	}
	if sums[1].Symbol != "BTCUSDT" || !sums[1].Ready || sums[1].Price.String() != "100" {
		t.Errorf("Unexpected BTCUSDT summary: %+v", sums[1])
	}
}
