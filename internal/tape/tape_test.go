package tape

import (
	"slices"
	"strconv"
	"testing"
	"time"

	"marketsync/internal/domain"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func trade(price string, at time.Time) domain.Trade {
	return domain.Trade{
		Symbol:      "BTCUSDT",
		Price:       decimal.RequireFromString(price),
		Quantity:    decimal.NewFromInt(1),
		TimestampMs: at.UnixMilli(),
	}
}

func prices(trades []domain.Trade) []string {
	out := make([]string, len(trades))
	for i, tr := range trades {
		out[i] = tr.Price.String()
	}
	return out
}

func TestTape_RecordEvictsOldest(t *testing.T) {
	tp := New("BTCUSDT", 3, func() time.Time { return base })

	for i := 1; i <= 5; i++ {
		require.True(t, tp.Record(trade(strconv.Itoa(i), base)))
	}

	assert.Equal(t, 3, tp.Len())
	newest, ok := tp.Newest()
	require.True(t, ok)
	assert.Equal(t, "5", newest.Price.String())
	assert.Equal(t, []string{"3", "4", "5"}, prices(tp.Recent(0, time.Hour)))
}

func TestTape_RecordRejectsInvalid(t *testing.T) {
	tests := []struct {
		name  string
		price string
		qty   string
	}{
		{"zero price", "0", "1"},
		{"negative price", "-1", "1"},
		{"zero quantity", "100", "0"},
		{"negative quantity", "100", "-0.5"},
	}

	tp := New("BTCUSDT", 10, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok := tp.Record(domain.Trade{
				Price:    decimal.RequireFromString(tt.price),
				Quantity: decimal.RequireFromString(tt.qty),
			})
			if ok {
				t.Errorf("Expected %s to be rejected", tt.name)
			}
		})
	}
	if tp.Len() != 0 {
		t.Errorf("Expected empty tape, got %d trades", tp.Len())
	}
}

func TestTape_Newest_Empty(t *testing.T) {
	tp := New("BTCUSDT", 0, nil)
	if _, ok := tp.Newest(); ok {
		t.Error("Expected no newest trade on an empty tape")
	}
}

func TestTape_RecentWindow(t *testing.T) {
	now := base
	tp := New("BTCUSDT", 100, func() time.Time { return now })

	tp.Record(trade("1", base.Add(-10*time.Second)))
	tp.Record(trade("2", base.Add(-4*time.Second)))
	tp.Record(trade("3", base.Add(-2*time.Second)))
	tp.Record(trade("4", base.Add(-time.Second)))
	tp.Record(trade("5", base))

	tests := []struct {
		name     string
		maxCount int
		window   time.Duration
		want     []string
	}{
		{"window filters old prints", 0, 5 * time.Second, []string{"2", "3", "4", "5"}},
		{"count cap keeps newest", 2, time.Minute, []string{"4", "5"}},
		{"both limits", 10, 2 * time.Second, []string{"3", "4", "5"}},
		{"zero window keeps only now", 0, 0, []string{"5"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := slices.Collect(tp.RecentWindow(tt.maxCount, tt.window))
			assert.Equal(t, tt.want, prices(got))
		})
	}
}

func TestTape_RecentWindow_Restartable(t *testing.T) {
	tp := New("BTCUSDT", 10, func() time.Time { return base })
	tp.Record(trade("1", base))
	tp.Record(trade("2", base))

	seq := tp.RecentWindow(10, time.Second)
	first := slices.Collect(seq)

	// Writes between iterations are visible to the next range only.
	tp.Record(trade("3", base))
	second := slices.Collect(seq)

	assert.Equal(t, []string{"1", "2"}, prices(first))
	assert.Equal(t, []string{"1", "2", "3"}, prices(second))

	// Early break stops without panicking.
	for tr := range seq {
		assert.Equal(t, "1", tr.Price.String())
		break
	}
}

func TestTape_RecentWindow_OrderedOldestFirst(t *testing.T) {
	tp := New("BTCUSDT", 50, func() time.Time { return base })
	for i := 0; i < 20; i++ {
		tp.Record(trade("100", base.Add(time.Duration(i-20)*time.Millisecond)))
	}

	var last int64
	count := 0
	for tr := range tp.RecentWindow(5, time.Second) {
		assert.GreaterOrEqual(t, tr.TimestampMs, last)
		last = tr.TimestampMs
		count++
	}
	assert.Equal(t, 5, count)
}
