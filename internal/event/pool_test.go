package event

import (
	"testing"

	"marketsync/internal/domain"

	"github.com/shopspring/decimal"
)

func TestReleaseDiffEvent_Resets(t *testing.T) {
	ev := AcquireDiffEvent()
	ev.Symbol = "BTCUSDT"
	ev.FirstUpdateID = 1
	ev.FinalUpdateID = 2
	ev.PrevFinalUpdateID = 0
	ev.EventTimeMs = 1000
	ev.Bids = append(ev.Bids, domain.Level{Price: decimal.NewFromInt(1), Quantity: decimal.NewFromInt(1)})

	ReleaseDiffEvent(ev)

	if ev.Symbol != "" || ev.FinalUpdateID != 0 || ev.EventTimeMs != 0 {
		t.Errorf("Expected zeroed event, got %+v", ev)
	}
	if len(ev.Bids) != 0 || len(ev.Asks) != 0 {
		t.Error("Expected empty level slices after release")
	}
}

func TestReleaseDiffEvent_Nil(t *testing.T) {
	ReleaseDiffEvent(nil)
	Warmup(4)
}
