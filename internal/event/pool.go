package event

import (
	"sync"

	"marketsync/internal/domain"
)

// diffPool recycles DiffEvents decoded on the depth stream.
// A replica copies levels into its own trees, so an event can be released
// as soon as ApplyDiff returns.
//
// Usage:
//
//	ev := AcquireDiffEvent()
//	// ... decode into ev, apply ...
//	ReleaseDiffEvent(ev)
var diffPool = sync.Pool{
	New: func() interface{} {
		return &domain.DiffEvent{
			Bids: make([]domain.Level, 0, 32),
			Asks: make([]domain.Level, 0, 32),
		}
	},
}

// AcquireDiffEvent gets a DiffEvent from the pool.
// The returned event has zero ids and empty (but allocated) level slices.
func AcquireDiffEvent() *domain.DiffEvent {
	return diffPool.Get().(*domain.DiffEvent)
}

// ReleaseDiffEvent resets the event and returns it to the pool.
func ReleaseDiffEvent(ev *domain.DiffEvent) {
	if ev == nil {
		return
	}
	ev.Symbol = ""
	ev.FirstUpdateID = 0
	ev.FinalUpdateID = 0
	ev.PrevFinalUpdateID = 0
	ev.EventTimeMs = 0
	// Oversized slices from bursty updates are not worth keeping.
	if cap(ev.Bids) > 1024 {
		ev.Bids = nil
	}
	if cap(ev.Asks) > 1024 {
		ev.Asks = nil
	}
	ev.Bids = ev.Bids[:0]
	ev.Asks = ev.Asks[:0]

	diffPool.Put(ev)
}

// Warmup pre-allocates events to reduce GC pressure at startup.
func Warmup(n int) {
	evs := make([]*domain.DiffEvent, 0, n)
	for i := 0; i < n; i++ {
		evs = append(evs, AcquireDiffEvent())
	}
	for _, ev := range evs {
		ReleaseDiffEvent(ev)
	}
}
