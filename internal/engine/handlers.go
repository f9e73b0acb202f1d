package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"marketsync/internal/domain"
	"marketsync/internal/event"
	"marketsync/internal/infra"
	"marketsync/internal/infra/binance"
)

func (s *Supervisor) depthHandler(st *symbolState) binance.Handler {
	return func(msg []byte) error {
		ev, err := binance.DecodeDepth(msg)
		if err != nil {
			return err
		}
		defer event.ReleaseDiffEvent(ev)

		s.applyDiff(st, ev)
		return nil
	}
}

// applyDiff feeds one diff to the replica and turns the outcome into
// metrics and resync requests. Decoding errors never reach here.
func (s *Supervisor) applyDiff(st *symbolState, ev *domain.DiffEvent) {
	err := st.replica.ApplyDiff(ev)
	if err == nil {
		s.metrics.RecordDiff(st.symbol)
		return
	}

	var gap *domain.SequenceGapError
	var stale *domain.StaleEventError
	switch {
	case errors.As(err, &stale):
		s.metrics.RecordDrop(st.symbol, infra.DropStale)
	case errors.As(err, &gap):
		s.metrics.RecordGap(st.symbol)
		s.logger.Warn("⚠️ Sequence gap detected",
			slog.String("symbol", st.symbol),
			slog.Uint64("expected", gap.Expected),
			slog.Uint64("got", gap.Got),
		)
		s.reportHealth(st)
		st.requestResync()
	case errors.Is(err, domain.ErrReplicaUnsynced):
		s.metrics.RecordDrop(st.symbol, infra.DropUnsynced)
		st.requestResync()
	}
}

// resyncLoop serializes resync attempts of one symbol off the stream goroutine.
func (s *Supervisor) resyncLoop(ctx context.Context, st *symbolState) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-st.resyncReq:
			s.resync(ctx, st)
		}
	}
}

func (s *Supervisor) resync(ctx context.Context, st *symbolState) {
	if st.replica.Synced() {
		return
	}

	start := time.Now()
	err := st.replica.TryResync(ctx)

	var throttled *domain.ResyncThrottledError
	var exhausted *domain.ResyncExhaustedError
	switch {
	case err == nil:
		s.metrics.RecordResync(st.symbol, infra.ResyncOK, time.Since(start))
		s.logger.Info("✅ Order book resynced",
			slog.String("symbol", st.symbol),
			slog.Uint64("last_update_id", st.replica.Health().LastSequenceID),
		)
		s.reportHealth(st)
	case errors.As(err, &throttled), errors.Is(err, domain.ErrResyncInFlight):
		// Diffs keep arriving; a later request retries.
	case errors.As(err, &exhausted):
		s.mu.Lock()
		first := !st.exhausted
		st.exhausted = true
		s.mu.Unlock()
		if !first {
			return
		}
		s.metrics.RecordResync(st.symbol, infra.ResyncExhausted, time.Since(start))
		s.logger.Error("❌ Resync attempts exhausted, waiting for depth reconnect",
			slog.String("symbol", st.symbol),
			slog.Int("attempts", exhausted.Attempts),
			slog.Any("error", exhausted.LastErr),
		)
		s.reportHealth(st)
	case errors.Is(err, domain.ErrReplicaStopped), ctx.Err() != nil:
	default:
		s.metrics.RecordResync(st.symbol, infra.ResyncFailed, time.Since(start))
		s.logger.Warn("Resync failed",
			slog.String("symbol", st.symbol),
			slog.Any("error", err),
		)
		s.reportHealth(st)
	}
}

func (s *Supervisor) tradeHandler(st *symbolState) binance.Handler {
	return func(msg []byte) error {
		tr, err := binance.DecodeAggTrade(msg)
		if err != nil {
			return err
		}
		tr.Symbol = st.symbol
		if !st.tape.Record(tr) {
			return nil
		}
		s.metrics.RecordTrade(st.symbol)
		s.publishTrade(tr)
		return nil
	}
}

func (s *Supervisor) tickerHandler(st *symbolState) binance.Handler {
	return func(msg []byte) error {
		q, err := binance.DecodeBookTicker(msg)
		if err != nil {
			return err
		}
		q.Symbol = st.symbol
		if s.board.Update(q) {
			s.metrics.RecordQuote(st.symbol)
		}
		return nil
	}
}
