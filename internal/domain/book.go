package domain

import "github.com/shopspring/decimal"

// Level is a single price level of one book side.
type Level struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// Snapshot is a full point-in-time order book plus the sequence id it corresponds to.
type Snapshot struct {
	Symbol     string  `json:"symbol"`
	SequenceID uint64  `json:"sequence_id"`
	Bids       []Level `json:"bids"`
	Asks       []Level `json:"asks"`
}

// IsEmpty reports whether neither side carries a level.
func (s *Snapshot) IsEmpty() bool {
	return s == nil || (len(s.Bids) == 0 && len(s.Asks) == 0)
}

// DiffEvent is an incremental book update covering [FirstUpdateID, FinalUpdateID].
// PrevFinalUpdateID is the FinalUpdateID of the event that preceded it on the venue.
type DiffEvent struct {
	Symbol            string
	FirstUpdateID     uint64
	FinalUpdateID     uint64
	PrevFinalUpdateID uint64
	Bids              []Level
	Asks              []Level
	EventTimeMs       int64
}

// TopOfBookView is the derived best-N view of a replica.
// Bids are sorted descending, asks ascending. Treat as read-only.
type TopOfBookView struct {
	Symbol      string  `json:"symbol"`
	Bids        []Level `json:"bids"`
	Asks        []Level `json:"asks"`
	SequenceID  uint64  `json:"sequence_id"`
	UpdatedAtMs int64   `json:"updated_at_ms"`
}

// BestBid returns the highest bid, if any.
func (v TopOfBookView) BestBid() (Level, bool) {
	if len(v.Bids) == 0 {
		return Level{}, false
	}
	return v.Bids[0], true
}

// BestAsk returns the lowest ask, if any.
func (v TopOfBookView) BestAsk() (Level, bool) {
	if len(v.Asks) == 0 {
		return Level{}, false
	}
	return v.Asks[0], true
}

// ReplicaState is the lifecycle state of an order book replica.
type ReplicaState string

const (
	StateUnsynced    ReplicaState = "UNSYNCED"
	StateSyncing     ReplicaState = "SYNCING"
	StateSynced      ReplicaState = "SYNCED"
	StateGapDetected ReplicaState = "GAP_DETECTED"
	StateExhausted   ReplicaState = "EXHAUSTED"
	StateStopped     ReplicaState = "STOPPED"
)
