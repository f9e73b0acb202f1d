package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade is a single print from the trade stream.
type Trade struct {
	Symbol       string          `json:"symbol"`
	Price        decimal.Decimal `json:"price"`
	Quantity     decimal.Decimal `json:"quantity"`
	TimestampMs  int64           `json:"timestamp_ms"`
	IsBuyerMaker bool            `json:"is_buyer_maker"`
}

// Time returns the trade timestamp as time.Time.
func (t Trade) Time() time.Time {
	return time.UnixMilli(t.TimestampMs)
}

// IsValid rejects malformed prints (non-positive price or quantity).
func (t Trade) IsValid() bool {
	return t.Price.IsPositive() && t.Quantity.IsPositive()
}

// BookTicker is the best bid/ask of a symbol, overwritten wholesale on every quote.
type BookTicker struct {
	Symbol      string          `json:"symbol"`
	BestBid     decimal.Decimal `json:"best_bid"`
	BestAsk     decimal.Decimal `json:"best_ask"`
	UpdatedAtMs int64           `json:"updated_at_ms"`
}

// IsTradable returns true when both sides are positive.
func (b BookTicker) IsTradable() bool {
	return b.BestBid.IsPositive() && b.BestAsk.IsPositive()
}

// Mid returns (bid+ask)/2. Callers must check IsTradable first.
func (b BookTicker) Mid() decimal.Decimal {
	return b.BestBid.Add(b.BestAsk).Div(decimal.NewFromInt(2))
}
