package binance

import (
	"encoding/json"
	"fmt"

	"marketsync/internal/domain"
	"marketsync/internal/event"

	"github.com/shopspring/decimal"
)

// depthUpdate is a USD-M futures diff depth message (<symbol>@depth@100ms).
type depthUpdate struct {
	Event           string     `json:"e"`
	EventTime       int64      `json:"E"`
	TransactionTime int64      `json:"T"`
	Symbol          string     `json:"s"`
	FirstUpdateID   int64      `json:"U"`
	FinalUpdateID   int64      `json:"u"`
	PrevFinalUpdate int64      `json:"pu"`
	Bids            [][]string `json:"b"`
	Asks            [][]string `json:"a"`
}

// aggTrade is an aggregated trade message (<symbol>@aggTrade).
type aggTrade struct {
	Event        string `json:"e"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	AggTradeID   int64  `json:"a"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

// bookTicker is a best bid/ask message (<symbol>@bookTicker).
type bookTicker struct {
	Event           string `json:"e"`
	UpdateID        int64  `json:"u"`
	Symbol          string `json:"s"`
	BidPrice        string `json:"b"`
	BidQty          string `json:"B"`
	AskPrice        string `json:"a"`
	AskQty          string `json:"A"`
	TransactionTime int64  `json:"T"`
	EventTime       int64  `json:"E"`
}

// depthSnapshot is the REST /fapi/v1/depth response.
type depthSnapshot struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	EventTime    int64      `json:"E"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// apiError is the error body returned by the REST API.
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("binance api error: code=%d msg=%s", e.Code, e.Msg)
}

// DecodeDepth parses a diff depth message into a pooled DiffEvent.
// The caller owns the event and should hand it back with event.ReleaseDiffEvent.
func DecodeDepth(msg []byte) (*domain.DiffEvent, error) {
	var raw depthUpdate
	if err := json.Unmarshal(msg, &raw); err != nil {
		return nil, fmt.Errorf("decode depth: %w", err)
	}
	if raw.FinalUpdateID <= 0 || raw.FirstUpdateID > raw.FinalUpdateID {
		return nil, fmt.Errorf("decode depth: invalid update range U=%d u=%d", raw.FirstUpdateID, raw.FinalUpdateID)
	}

	ev := event.AcquireDiffEvent()
	ev.Symbol = raw.Symbol
	ev.FirstUpdateID = uint64(raw.FirstUpdateID)
	ev.FinalUpdateID = uint64(raw.FinalUpdateID)
	ev.PrevFinalUpdateID = nonNegative(raw.PrevFinalUpdate)
	ev.EventTimeMs = raw.EventTime

	var err error
	if ev.Bids, err = parseLevels(ev.Bids, raw.Bids); err != nil {
		event.ReleaseDiffEvent(ev)
		return nil, fmt.Errorf("decode depth bids: %w", err)
	}
	if ev.Asks, err = parseLevels(ev.Asks, raw.Asks); err != nil {
		event.ReleaseDiffEvent(ev)
		return nil, fmt.Errorf("decode depth asks: %w", err)
	}
	return ev, nil
}

// DecodeAggTrade parses an aggregated trade message.
func DecodeAggTrade(msg []byte) (domain.Trade, error) {
	var raw aggTrade
	if err := json.Unmarshal(msg, &raw); err != nil {
		return domain.Trade{}, fmt.Errorf("decode aggTrade: %w", err)
	}
	price, err := decimal.NewFromString(raw.Price)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("decode aggTrade price %q: %w", raw.Price, err)
	}
	qty, err := decimal.NewFromString(raw.Quantity)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("decode aggTrade qty %q: %w", raw.Quantity, err)
	}
	return domain.Trade{
		Symbol:       raw.Symbol,
		Price:        price,
		Quantity:     qty,
		TimestampMs:  raw.TradeTime,
		IsBuyerMaker: raw.IsBuyerMaker,
	}, nil
}

// DecodeBookTicker parses a best bid/ask message.
func DecodeBookTicker(msg []byte) (domain.BookTicker, error) {
	var raw bookTicker
	if err := json.Unmarshal(msg, &raw); err != nil {
		return domain.BookTicker{}, fmt.Errorf("decode bookTicker: %w", err)
	}
	bid, err := decimal.NewFromString(raw.BidPrice)
	if err != nil {
		return domain.BookTicker{}, fmt.Errorf("decode bookTicker bid %q: %w", raw.BidPrice, err)
	}
	ask, err := decimal.NewFromString(raw.AskPrice)
	if err != nil {
		return domain.BookTicker{}, fmt.Errorf("decode bookTicker ask %q: %w", raw.AskPrice, err)
	}

	ts := raw.TransactionTime
	if ts == 0 {
		ts = raw.EventTime
	}
	return domain.BookTicker{
		Symbol:      raw.Symbol,
		BestBid:     bid,
		BestAsk:     ask,
		UpdatedAtMs: ts,
	}, nil
}

func (s *depthSnapshot) toDomain(symbol string) (*domain.Snapshot, error) {
	if s.LastUpdateID <= 0 {
		return nil, fmt.Errorf("invalid lastUpdateId %d", s.LastUpdateID)
	}
	bids, err := parseLevels(nil, s.Bids)
	if err != nil {
		return nil, fmt.Errorf("bids: %w", err)
	}
	asks, err := parseLevels(nil, s.Asks)
	if err != nil {
		return nil, fmt.Errorf("asks: %w", err)
	}
	return &domain.Snapshot{
		Symbol:     symbol,
		SequenceID: uint64(s.LastUpdateID),
		Bids:       bids,
		Asks:       asks,
	}, nil
}

// parseLevels appends ["price","qty"] pairs to dst.
func parseLevels(dst []domain.Level, raw [][]string) ([]domain.Level, error) {
	for _, pair := range raw {
		if len(pair) < 2 {
			return dst, fmt.Errorf("malformed level %v", pair)
		}
		price, err := decimal.NewFromString(pair[0])
		if err != nil {
			return dst, fmt.Errorf("price %q: %w", pair[0], err)
		}
		qty, err := decimal.NewFromString(pair[1])
		if err != nil {
			return dst, fmt.Errorf("qty %q: %w", pair[1], err)
		}
		dst = append(dst, domain.Level{Price: price, Quantity: qty})
	}
	return dst, nil
}

func nonNegative(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}
