package domain

import (
	"errors"
	"fmt"
	"time"
)

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// ConnectionError represents a stream failure (dial, read, decode or idle timeout).
// The connection loop closes the socket and reconnects after a backoff.
type ConnectionError struct {
	Op        string // Operation that failed (e.g., "dial", "read", "decode")
	Stream    string // Stream name, e.g. "btcusdt@depth@100ms"
	Err       error  // Underlying error
	Retriable bool   // Whether this error is retriable
}

func (e *ConnectionError) Error() string {
	if e.Stream == "" {
		return e.Op + ": " + e.Err.Error()
	}
	return e.Stream + " " + e.Op + ": " + e.Err.Error()
}

func (e *ConnectionError) IsRetriable() bool {
	return e.Retriable
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// NewConnectionError creates a new retriable connection error
func NewConnectionError(op, stream string, err error) *ConnectionError {
	return &ConnectionError{Op: op, Stream: stream, Err: err, Retriable: true}
}

// NewFatalConnectionError creates a non-retriable connection error
func NewFatalConnectionError(op, stream string, err error) *ConnectionError {
	return &ConnectionError{Op: op, Stream: stream, Err: err, Retriable: false}
}

// SnapshotError is returned when an order book snapshot cannot be fetched or is unusable.
type SnapshotError struct {
	Symbol string
	Err    error
}

func (e *SnapshotError) Error() string {
	return "snapshot " + e.Symbol + ": " + e.Err.Error()
}

func (e *SnapshotError) IsRetriable() bool {
	return true
}

func (e *SnapshotError) Unwrap() error {
	return e.Err
}

// SequenceGapError signals a break in the diff chain. It never leaves the
// stream boundary: the supervisor turns it into a resync request.
type SequenceGapError struct {
	Symbol   string
	Expected uint64 // lastSequenceID of the replica
	Got      uint64 // PrevFinalUpdateID carried by the event
}

func (e *SequenceGapError) Error() string {
	return fmt.Sprintf("sequence gap %s: expected prev=%d, got prev=%d", e.Symbol, e.Expected, e.Got)
}

// StaleEventError marks a late or duplicated diff. Dropped silently.
type StaleEventError struct {
	Symbol        string
	FinalUpdateID uint64
	LastUpdateID  uint64
}

func (e *StaleEventError) Error() string {
	return fmt.Sprintf("stale diff %s: final=%d < last=%d", e.Symbol, e.FinalUpdateID, e.LastUpdateID)
}

// ResyncExhaustedError is returned once a symbol hit the resync attempt cap.
// Consumers observe it as IsReady == false.
type ResyncExhaustedError struct {
	Symbol   string
	Attempts int
	LastErr  error
}

func (e *ResyncExhaustedError) Error() string {
	msg := fmt.Sprintf("resync exhausted %s after %d attempts", e.Symbol, e.Attempts)
	if e.LastErr != nil {
		msg += ": " + e.LastErr.Error()
	}
	return msg
}

func (e *ResyncExhaustedError) Unwrap() error {
	return e.LastErr
}

// ResyncThrottledError is returned when a resync is requested inside the cooldown window.
type ResyncThrottledError struct {
	Symbol string
	Wait   time.Duration
}

func (e *ResyncThrottledError) Error() string {
	return fmt.Sprintf("resync throttled %s: retry in %s", e.Symbol, e.Wait)
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

var (
	// ErrReplicaUnsynced is returned when a diff arrives while the book has no valid baseline.
	ErrReplicaUnsynced = errors.New("replica not synced")

	// ErrReplicaStopped is returned for any mutation after Stop.
	ErrReplicaStopped = errors.New("replica stopped")

	// ErrResyncInFlight is returned when a resync is already outstanding.
	ErrResyncInFlight = errors.New("resync in flight")

	// ErrEmptyBook is returned when a snapshot carries no price levels at all.
	ErrEmptyBook = errors.New("empty order book")

	// ErrUnknownSymbol is returned when a symbol is not registered.
	ErrUnknownSymbol = errors.New("unknown symbol")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("already started")
)
