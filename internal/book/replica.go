package book

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"marketsync/internal/domain"

	"github.com/tidwall/btree"
)

const (
	DefaultDepthLimit   = 1000
	DefaultTopLevels    = 20
	DefaultCooldown     = 2 * time.Second
	DefaultMaxAttempts  = 5
	DefaultFetchTimeout = 5 * time.Second
)

// Config tunes a single replica.
type Config struct {
	Symbol       string
	DepthLimit   int           // levels requested from the snapshot endpoint
	TopLevels    int           // levels per side kept in the TopOfBookView
	Cooldown     time.Duration // minimum gap between two resync attempts
	MaxAttempts  int           // consecutive failed resyncs before giving up
	FetchTimeout time.Duration // bound on a single snapshot fetch

	// BridgeFirstDiff accepts the first diff after a snapshot when it spans the
	// snapshot id (U <= last <= u) even if pu does not match. Off by default:
	// every diff must then chain on pu == last.
	BridgeFirstDiff bool
}

func (c *Config) applyDefaults() {
	if c.DepthLimit <= 0 {
		c.DepthLimit = DefaultDepthLimit
	}
	if c.TopLevels <= 0 {
		c.TopLevels = DefaultTopLevels
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
}

// Health is a point-in-time view of the replica's sync state.
type Health struct {
	Symbol              string
	State               domain.ReplicaState
	LastSequenceID      uint64
	ConsecutiveFailures int
	LastAttemptAt       time.Time
	LastError           error
}

// Replica is the local copy of one symbol's order book.
// All mutation goes through Initialize, TryResync and ApplyDiff, serialized by mu.
// Reads of the derived view never take mu.
type Replica struct {
	cfg     Config
	fetcher domain.SnapshotFetcher
	now     domain.Clock

	mu             sync.Mutex
	bids           *btree.BTreeG[domain.Level]
	asks           *btree.BTreeG[domain.Level]
	lastSeq        uint64
	state          domain.ReplicaState
	awaitingBridge bool
	resync         ResyncState
	lastErr        error
	listener       func(domain.TopOfBookView)

	view atomic.Pointer[domain.TopOfBookView]

	notifyMu sync.Mutex
	notified uint64 // highest SequenceID handed to the listener
}

// NewReplica creates an UNSYNCED replica. clock may be nil (time.Now).
func NewReplica(cfg Config, fetcher domain.SnapshotFetcher, clock domain.Clock) *Replica {
	cfg.applyDefaults()
	if clock == nil {
		clock = time.Now
	}
	r := &Replica{
		cfg:     cfg,
		fetcher: fetcher,
		now:     clock,
		bids:    newSide(),
		asks:    newSide(),
		state:   domain.StateUnsynced,
	}
	r.view.Store(&domain.TopOfBookView{Symbol: cfg.Symbol})
	return r
}

func newSide() *btree.BTreeG[domain.Level] {
	return btree.NewBTreeGOptions(func(a, b domain.Level) bool {
		return a.Price.LessThan(b.Price)
	}, btree.Options{NoLocks: true})
}

// Symbol returns the symbol this replica tracks.
func (r *Replica) Symbol() string {
	return r.cfg.Symbol
}

// SetListener registers a callback invoked with the new view after every
// applied diff or successful (re)sync. It runs on the caller's goroutine.
func (r *Replica) SetListener(fn func(domain.TopOfBookView)) {
	r.mu.Lock()
	r.listener = fn
	r.mu.Unlock()
}

// Initialize fetches a snapshot and seeds the book from it.
// On failure the replica is left UNSYNCED and the caller decides when to retry.
func (r *Replica) Initialize(ctx context.Context) error {
	r.mu.Lock()
	switch r.state {
	case domain.StateStopped:
		r.mu.Unlock()
		return domain.ErrReplicaStopped
	case domain.StateSyncing:
		r.mu.Unlock()
		return domain.ErrResyncInFlight
	}
	r.state = domain.StateSyncing
	r.mu.Unlock()

	snap, err := r.fetch(ctx)

	r.mu.Lock()
	if r.state == domain.StateStopped {
		r.mu.Unlock()
		return domain.ErrReplicaStopped
	}
	if err != nil {
		r.state = domain.StateUnsynced
		r.lastErr = err
		r.mu.Unlock()
		return err
	}
	r.resync.ConsecutiveFailures = 0
	view := r.seed(snap)
	listener := r.listener
	r.mu.Unlock()

	r.publish(listener, view)
	return nil
}

// TryResync re-runs Initialize if the throttle allows it.
//
// At most one attempt per Cooldown, and no attempt at all once MaxAttempts
// consecutive attempts failed. A synced replica is left alone.
func (r *Replica) TryResync(ctx context.Context) error {
	r.mu.Lock()
	switch r.state {
	case domain.StateStopped:
		r.mu.Unlock()
		return domain.ErrReplicaStopped
	case domain.StateSynced:
		r.mu.Unlock()
		return nil
	case domain.StateSyncing:
		r.mu.Unlock()
		return domain.ErrResyncInFlight
	case domain.StateExhausted:
		err := r.exhaustedErr()
		r.mu.Unlock()
		return err
	}

	now := r.now()
	if wait := r.resync.Wait(now, r.cfg.Cooldown); wait > 0 {
		r.mu.Unlock()
		return &domain.ResyncThrottledError{Symbol: r.cfg.Symbol, Wait: wait}
	}
	r.resync.LastAttemptAt = now
	r.state = domain.StateSyncing
	r.mu.Unlock()

	snap, err := r.fetch(ctx)

	r.mu.Lock()
	if r.state == domain.StateStopped {
		r.mu.Unlock()
		return domain.ErrReplicaStopped
	}
	if err != nil {
		r.resync.ConsecutiveFailures++
		r.lastErr = err
		if r.resync.Exhausted(r.cfg.MaxAttempts) {
			r.state = domain.StateExhausted
			exhausted := r.exhaustedErr()
			r.mu.Unlock()
			return exhausted
		}
		r.state = domain.StateUnsynced
		r.mu.Unlock()
		return err
	}
	r.resync.ConsecutiveFailures = 0
	view := r.seed(snap)
	listener := r.listener
	r.mu.Unlock()

	r.publish(listener, view)
	return nil
}

// Rearm clears an exhausted failure streak so resyncs may be attempted again.
// The cooldown still runs from the last attempt.
func (r *Replica) Rearm() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == domain.StateExhausted {
		r.state = domain.StateUnsynced
	}
	r.resync.ConsecutiveFailures = 0
}

// ApplyDiff applies one incremental update.
//
// Returned errors classify the drop: ErrReplicaUnsynced and *StaleEventError
// leave state untouched, *SequenceGapError marks the replica unsynced without
// touching the book.
func (r *Replica) ApplyDiff(ev *domain.DiffEvent) error {
	r.mu.Lock()
	if r.state != domain.StateSynced {
		stopped := r.state == domain.StateStopped
		r.mu.Unlock()
		if stopped {
			return domain.ErrReplicaStopped
		}
		return domain.ErrReplicaUnsynced
	}

	if ev.FinalUpdateID < r.lastSeq {
		last := r.lastSeq
		r.mu.Unlock()
		return &domain.StaleEventError{Symbol: r.cfg.Symbol, FinalUpdateID: ev.FinalUpdateID, LastUpdateID: last}
	}

	bridges := r.cfg.BridgeFirstDiff && r.awaitingBridge && ev.FirstUpdateID <= r.lastSeq && ev.FinalUpdateID >= r.lastSeq
	if !bridges && ev.PrevFinalUpdateID != r.lastSeq {
		gap := &domain.SequenceGapError{Symbol: r.cfg.Symbol, Expected: r.lastSeq, Got: ev.PrevFinalUpdateID}
		r.state = domain.StateGapDetected
		r.lastErr = gap
		r.mu.Unlock()
		return gap
	}

	applySide(r.bids, ev.Bids)
	applySide(r.asks, ev.Asks)
	r.lastSeq = ev.FinalUpdateID
	r.awaitingBridge = false

	ts := ev.EventTimeMs
	if ts == 0 {
		ts = r.now().UnixMilli()
	}
	view := r.rebuildView(ts)
	listener := r.listener
	r.mu.Unlock()

	r.publish(listener, view)
	return nil
}

// Stop moves the replica to STOPPED. Any in-flight fetch result is discarded.
func (r *Replica) Stop() {
	r.mu.Lock()
	r.state = domain.StateStopped
	r.mu.Unlock()
}

// Synced reports whether the book currently reflects a contiguous diff chain.
func (r *Replica) Synced() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == domain.StateSynced
}

// State returns the lifecycle state.
func (r *Replica) State() domain.ReplicaState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Health returns the sync bookkeeping for status reporting.
func (r *Replica) Health() Health {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Health{
		Symbol:              r.cfg.Symbol,
		State:               r.state,
		LastSequenceID:      r.lastSeq,
		ConsecutiveFailures: r.resync.ConsecutiveFailures,
		LastAttemptAt:       r.resync.LastAttemptAt,
		LastError:           r.lastErr,
	}
}

// View returns the latest TopOfBookView. Slices are shared and must not be modified.
func (r *Replica) View() domain.TopOfBookView {
	return *r.view.Load()
}

// Depth returns full copies of both sides, bids descending and asks ascending.
func (r *Replica) Depth() (bids, asks []domain.Level) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return collect(r.bids, true, 0), collect(r.asks, false, 0)
}

func (r *Replica) fetch(ctx context.Context) (*domain.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
	defer cancel()

	snap, err := r.fetcher.Snapshot(ctx, r.cfg.Symbol, r.cfg.DepthLimit)
	if err != nil {
		var se *domain.SnapshotError
		if errors.As(err, &se) {
			return nil, err
		}
		return nil, &domain.SnapshotError{Symbol: r.cfg.Symbol, Err: err}
	}
	if snap.IsEmpty() {
		return nil, &domain.SnapshotError{Symbol: r.cfg.Symbol, Err: domain.ErrEmptyBook}
	}
	return snap, nil
}

// seed replaces the book with a snapshot. Caller holds mu.
func (r *Replica) seed(snap *domain.Snapshot) domain.TopOfBookView {
	r.bids = newSide()
	r.asks = newSide()
	applySide(r.bids, snap.Bids)
	applySide(r.asks, snap.Asks)
	r.lastSeq = snap.SequenceID
	r.awaitingBridge = true
	r.state = domain.StateSynced
	r.lastErr = nil
	return r.rebuildView(r.now().UnixMilli())
}

// rebuildView recomputes and publishes the top-of-book view. Caller holds mu.
func (r *Replica) rebuildView(tsMs int64) domain.TopOfBookView {
	v := &domain.TopOfBookView{
		Symbol:      r.cfg.Symbol,
		Bids:        collect(r.bids, true, r.cfg.TopLevels),
		Asks:        collect(r.asks, false, r.cfg.TopLevels),
		SequenceID:  r.lastSeq,
		UpdatedAtMs: tsMs,
	}
	r.view.Store(v)
	return *v
}

func (r *Replica) exhaustedErr() error {
	return &domain.ResyncExhaustedError{
		Symbol:   r.cfg.Symbol,
		Attempts: r.resync.ConsecutiveFailures,
		LastErr:  r.lastErr,
	}
}

// applySide upserts non-zero quantities and removes zero ones.
func applySide(side *btree.BTreeG[domain.Level], changes []domain.Level) {
	for _, lvl := range changes {
		if lvl.Quantity.IsZero() {
			side.Delete(lvl)
			continue
		}
		side.Set(lvl)
	}
}

func collect(side *btree.BTreeG[domain.Level], descending bool, limit int) []domain.Level {
	n := side.Len()
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]domain.Level, 0, n)
	iter := func(lvl domain.Level) bool {
		out = append(out, lvl)
		return len(out) < n
	}
	if n == 0 {
		return out
	}
	if descending {
		side.Reverse(iter)
	} else {
		side.Scan(iter)
	}
	return out
}

// publish hands views to the listener one at a time. Listener calls happen
// outside mu, so a view older than one already delivered is skipped.
func (r *Replica) publish(fn func(domain.TopOfBookView), view domain.TopOfBookView) {
	if fn == nil {
		return
	}
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	if view.SequenceID < r.notified {
		return
	}
	r.notified = view.SequenceID
	fn(view)
}
