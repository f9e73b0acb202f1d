package storage

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"marketsync/internal/domain"
)

func setupTestDB(t *testing.T) *Storage {
	s, err := NewStorage(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
	})
	return s
}

func TestUpsertAndGetStatus(t *testing.T) {
	s := setupTestDB(t)

	status := &domain.SymbolStatus{
		Symbol:         "BTCUSDT",
		State:          string(domain.StateSynced),
		LastSequenceID: 42,
		LastResyncAt:   time.Now(),
	}

	// 1. Create
	if err := s.UpsertStatus(status); err != nil {
		t.Fatalf("UpsertStatus failed: %v", err)
	}

	// 2. Get
	fetched, err := s.GetStatus("BTCUSDT")
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if fetched == nil {
		t.Fatal("fetched status is nil")
	}
	if fetched.LastSequenceID != 42 || !fetched.Healthy() {
		t.Errorf("unexpected status: %+v", fetched)
	}
}

func TestUpdateStatus(t *testing.T) {
	s := setupTestDB(t)

	s.UpsertStatus(&domain.SymbolStatus{Symbol: "ETHUSDT", State: string(domain.StateSynced)})
	s.UpsertStatus(&domain.SymbolStatus{
		Symbol:              "ETHUSDT",
		State:               string(domain.StateExhausted),
		ConsecutiveFailures: 5,
		LastError:           "snapshot ETHUSDT: timeout",
	})

	fetched, _ := s.GetStatus("ETHUSDT")
	if fetched.State != string(domain.StateExhausted) {
		t.Errorf("expected EXHAUSTED, got %s", fetched.State)
	}
	if fetched.ConsecutiveFailures != 5 {
		t.Errorf("expected 5 failures, got %d", fetched.ConsecutiveFailures)
	}

	all, err := s.AllStatuses()
	if err != nil {
		t.Fatalf("AllStatuses failed: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("expected 1 row, got %d", len(all))
	}
}

func TestGetStatus_NotFound(t *testing.T) {
	s := setupTestDB(t)

	fetched, err := s.GetStatus("NOPE")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if fetched != nil {
		t.Errorf("expected nil, got %+v", fetched)
	}
}

func TestUnhealthySymbols(t *testing.T) {
	s := setupTestDB(t)

	s.UpsertStatus(&domain.SymbolStatus{Symbol: "BTCUSDT", State: string(domain.StateSynced)})
	s.UpsertStatus(&domain.SymbolStatus{Symbol: "SOLUSDT", State: string(domain.StateGapDetected)})
	s.UpsertStatus(&domain.SymbolStatus{Symbol: "ADAUSDT", State: string(domain.StateExhausted)})
	s.UpsertStatus(&domain.SymbolStatus{Symbol: "ETHUSDT", State: string(domain.StateStopped)})

	got, err := s.UnhealthySymbols()
	if err != nil {
		t.Fatalf("UnhealthySymbols failed: %v", err)
	}
	if len(got) != 2 || got[0] != "ADAUSDT" || got[1] != "SOLUSDT" {
		t.Errorf("expected [ADAUSDT SOLUSDT], got %v", got)
	}

	if err := s.DeleteStatus("SOLUSDT"); err != nil {
		t.Fatalf("DeleteStatus failed: %v", err)
	}
	got, _ = s.UnhealthySymbols()
	if len(got) != 1 {
		t.Errorf("expected 1 unhealthy symbol after delete, got %v", got)
	}
}

func TestRecorder_PersistsOnClose(t *testing.T) {
	s := setupTestDB(t)
	r := NewRecorder(s, 16)
	r.Start()

	r.Record(domain.SymbolStatus{Symbol: "BTCUSDT", State: string(domain.StateSyncing)})
	r.Record(domain.SymbolStatus{Symbol: "BTCUSDT", State: string(domain.StateSynced), LastSequenceID: 7})
	r.Close()
	r.Close()

	// Records after close are ignored.
	r.Record(domain.SymbolStatus{Symbol: "BTCUSDT", State: string(domain.StateStopped)})

	fetched, err := s.GetStatus("BTCUSDT")
	if err != nil || fetched == nil {
		t.Fatalf("expected persisted status, got %v, %v", fetched, err)
	}
	if fetched.State != string(domain.StateSynced) || fetched.LastSequenceID != 7 {
		t.Errorf("expected last queued status, got %+v", fetched)
	}
}

type blockingWriter struct {
	release chan struct{}
	mu      sync.Mutex
	count   int
}

func (w *blockingWriter) UpsertStatus(*domain.SymbolStatus) error {
	<-w.release
	w.mu.Lock()
	w.count++
	w.mu.Unlock()
	return errors.New("disk full")
}

func TestRecorder_DropsWhenFull(t *testing.T) {
	w := &blockingWriter{release: make(chan struct{})}
	r := NewRecorder(w, 1)
	r.Start()

	// The writer goroutine holds one, the buffer one more; the rest drop.
	for i := 0; i < 10; i++ {
		r.Record(domain.SymbolStatus{Symbol: "BTCUSDT"})
	}
	close(w.release)
	r.Close()

	if r.Dropped() == 0 {
		t.Error("expected dropped updates when the buffer is full")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if uint64(w.count)+r.Dropped() != 10 {
		t.Errorf("expected written+dropped == 10, got %d+%d", w.count, r.Dropped())
	}
}
