package domain

import (
	"time"
)

// SymbolStatus is the last known health of a symbol, persisted for dashboards.
// It holds no market data.
type SymbolStatus struct {
	Symbol              string    `gorm:"primaryKey" json:"symbol"`
	State               string    `json:"state" gorm:"index"`
	LastSequenceID      uint64    `json:"last_sequence_id"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error"`
	LastResyncAt        time.Time `json:"last_resync_at"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Healthy reports whether the symbol last reported a synced book.
func (s *SymbolStatus) Healthy() bool {
	return s.State == string(StateSynced)
}
