package ordersync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kisquant/trendatr/internal/models"
)

func seedOrderState(t *testing.T, s *Synchronizer, side models.Side, symbol, signalID, orderNo string, age time.Duration, now time.Time) *models.OrderState {
	t.Helper()
	st := models.NewOrderState(models.ModePaper, side, symbol, 10, signalID, now.Add(-age))
	if orderNo != "" {
		if err := st.MarkSubmitted(orderNo, now.Add(-age)); err != nil {
			t.Fatalf("MarkSubmitted: %v", err)
		}
	}
	if err := s.store.SaveOrderState(context.Background(), st); err != nil {
		t.Fatalf("seed order state: %v", err)
	}
	return st
}

func TestCleanupStale(t *testing.T) {
	b := &stubBroker{}
	s, store, _ := newTestSync(t, b)
	now := sessionTime(11, 0)

	// Never reached the broker, 16 minutes old: past the short leash.
	blind := seedOrderState(t, s, models.SideBuy, "005930", "sig-stale-blind", "", 16*time.Minute, now)
	seedPendingPosition(t, store, 10)

	// Live order number but four hours stuck: past the hard ceiling.
	stuck := seedOrderState(t, s, models.SideSell, "000660", "sig-stale-stuck", "0000011111", 241*time.Minute, now)

	// In flight for 100 minutes: left alone.
	fresh := seedOrderState(t, s, models.SideSell, "035420", "sig-stale-fresh", "0000022222", 100*time.Minute, now)

	n, err := s.CleanupStale(context.Background(), now)
	if err != nil {
		t.Fatalf("CleanupStale: %v", err)
	}
	if n != 2 {
		t.Fatalf("cancelled = %d, want 2", n)
	}

	if st := mustOrderState(t, store, blind.IdempotencyKey); st.Status != models.OrderCancelled {
		t.Errorf("blind row = %s, want CANCELLED", st.Status)
	}
	if st := mustOrderState(t, store, stuck.IdempotencyKey); st.Status != models.OrderCancelled {
		t.Errorf("stuck row = %s, want CANCELLED", st.Status)
	}
	if st := mustOrderState(t, store, fresh.IdempotencyKey); st.Status != models.OrderSubmitted {
		t.Errorf("fresh row = %s, want SUBMITTED untouched", st.Status)
	}

	// Only the row with an order number gets a broker cancel.
	if len(b.cancelled) != 1 || b.cancelled[0] != "0000011111" {
		t.Errorf("broker cancels = %v, want [0000011111]", b.cancelled)
	}

	// The abandoned buy closes its pending position.
	pos, err := store.GetPosition(context.Background(), "pos-pending")
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if pos.State != models.StateExited || pos.ExitReason != models.ExitEntryCancelled {
		t.Errorf("pending position = %s/%s, want EXITED/ENTRY_CANCELLED", pos.State, pos.ExitReason)
	}

	active, err := store.GetActiveOrderStates(context.Background(), models.ModePaper)
	if err != nil {
		t.Fatalf("GetActiveOrderStates: %v", err)
	}
	if len(active) != 1 || active[0].IdempotencyKey != fresh.IdempotencyKey {
		t.Errorf("active rows after sweep = %d", len(active))
	}
}

func TestCleanupStaleToleratesCancelFailure(t *testing.T) {
	b := &stubBroker{cancelErr: errors.New("gateway 502")}
	s, store, _ := newTestSync(t, b)
	now := sessionTime(11, 0)

	stuck := seedOrderState(t, s, models.SideSell, "000660", "sig-stale-err", "0000033333", 300*time.Minute, now)

	n, err := s.CleanupStale(context.Background(), now)
	if err != nil {
		t.Fatalf("CleanupStale: %v", err)
	}
	if n != 1 {
		t.Fatalf("cancelled = %d, want 1", n)
	}
	if st := mustOrderState(t, store, stuck.IdempotencyKey); st.Status != models.OrderCancelled {
		t.Errorf("row = %s, want CANCELLED despite the broker error", st.Status)
	}
}

func TestCleanupStaleKeepsYoungRows(t *testing.T) {
	b := &stubBroker{}
	s, _, _ := newTestSync(t, b)
	now := sessionTime(11, 0)

	seedOrderState(t, s, models.SideBuy, "005930", "sig-young-1", "", 5*time.Minute, now)
	seedOrderState(t, s, models.SideSell, "000660", "sig-young-2", "0000044444", 30*time.Minute, now)

	n, err := s.CleanupStale(context.Background(), now)
	if err != nil {
		t.Fatalf("CleanupStale: %v", err)
	}
	if n != 0 {
		t.Errorf("cancelled = %d, want 0", n)
	}
	if len(b.cancelled) != 0 {
		t.Errorf("broker cancels = %v, want none", b.cancelled)
	}
}
