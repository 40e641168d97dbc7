package models

import (
	"testing"
	"time"
)

func TestIdempotencyKey_Properties(t *testing.T) {
	base := IdempotencyKey(ModePaper, SideBuy, "005930", 10, "sig-1")

	if len(base) != 64 {
		t.Errorf("key should be a 64-char sha256 hex digest, got %d chars", len(base))
	}
	if again := IdempotencyKey(ModePaper, SideBuy, "005930", 10, "sig-1"); again != base {
		t.Error("identical decisions must produce identical keys")
	}

	variants := map[string]string{
		"mode":   IdempotencyKey(ModeReal, SideBuy, "005930", 10, "sig-1"),
		"side":   IdempotencyKey(ModePaper, SideSell, "005930", 10, "sig-1"),
		"symbol": IdempotencyKey(ModePaper, SideBuy, "000660", 10, "sig-1"),
		"qty":    IdempotencyKey(ModePaper, SideBuy, "005930", 11, "sig-1"),
		"signal": IdempotencyKey(ModePaper, SideBuy, "005930", 10, "sig-2"),
	}
	for field, key := range variants {
		if key == base {
			t.Errorf("changing %s must change the key", field)
		}
	}
}

func TestNewOrderState(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	o := NewOrderState(ModePaper, SideBuy, "005930", 10, "sig-1", now)

	if o.Status != OrderPending {
		t.Errorf("fresh row should be PENDING, got %s", o.Status)
	}
	if o.FilledQty != 0 || o.RemainingQty != 10 {
		t.Errorf("fresh row should be 0 filled / 10 remaining, got %d/%d", o.FilledQty, o.RemainingQty)
	}
	if o.IdempotencyKey != IdempotencyKey(ModePaper, SideBuy, "005930", 10, "sig-1") {
		t.Error("key should be derived from the decision contents")
	}
}

func TestOrderState_TransitionInvariants(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

	t.Run("full fill path", func(t *testing.T) {
		o := NewOrderState(ModePaper, SideBuy, "005930", 10, "sig-1", now)
		if err := o.MarkSubmitted("0000117057", now); err != nil {
			t.Fatalf("MarkSubmitted failed: %v", err)
		}
		if err := o.Transition(OrderFilled, 10, now.Add(3*time.Second)); err != nil {
			t.Fatalf("FILLED transition failed: %v", err)
		}
		if o.FilledQty+o.RemainingQty != o.RequestedQty {
			t.Errorf("fill arithmetic broken: %d + %d != %d", o.FilledQty, o.RemainingQty, o.RequestedQty)
		}
	})

	t.Run("terminal rows are immutable", func(t *testing.T) {
		o := NewOrderState(ModePaper, SideBuy, "005930", 10, "sig-1", now)
		if err := o.MarkSubmitted("0000117057", now); err != nil {
			t.Fatalf("MarkSubmitted failed: %v", err)
		}
		if err := o.Transition(OrderFilled, 10, now); err != nil {
			t.Fatalf("FILLED transition failed: %v", err)
		}
		if err := o.Transition(OrderCancelled, 10, now); err == nil {
			t.Error("transition out of FILLED should fail")
		}
	})

	t.Run("partial requires a strict subset fill", func(t *testing.T) {
		o := NewOrderState(ModePaper, SideBuy, "005930", 10, "sig-1", now)
		if err := o.MarkSubmitted("0000117057", now); err != nil {
			t.Fatalf("MarkSubmitted failed: %v", err)
		}
		if err := o.Transition(OrderPartial, 0, now); err == nil {
			t.Error("PARTIAL with zero fill should fail")
		}
		if err := o.Transition(OrderPartial, 10, now); err == nil {
			t.Error("PARTIAL with the full quantity should fail")
		}
		if err := o.Transition(OrderPartial, 3, now); err != nil {
			t.Errorf("PARTIAL with 3 of 10 should succeed: %v", err)
		}
		if o.RemainingQty != 7 {
			t.Errorf("remaining should be 7, got %d", o.RemainingQty)
		}
	})

	t.Run("fills never shrink or overflow", func(t *testing.T) {
		o := NewOrderState(ModePaper, SideBuy, "005930", 10, "sig-1", now)
		if err := o.MarkSubmitted("0000117057", now); err != nil {
			t.Fatalf("MarkSubmitted failed: %v", err)
		}
		if err := o.Transition(OrderPartial, 4, now); err != nil {
			t.Fatalf("PARTIAL transition failed: %v", err)
		}
		if err := o.Transition(OrderPartial, 3, now); err == nil {
			t.Error("cumulative fill shrinking should fail")
		}
		if err := o.Transition(OrderFilled, 11, now); err == nil {
			t.Error("overfill should fail")
		}
		if err := o.Transition(OrderFilled, 4, now); err == nil {
			t.Error("FILLED below the requested quantity should fail")
		}
	})
}

func TestOrderState_MarkSubmittedRequiresOrderNo(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	o := NewOrderState(ModePaper, SideBuy, "005930", 10, "sig-1", now)
	if err := o.MarkSubmitted("", now); err == nil {
		t.Error("acceptance without an order number should fail")
	}
}

func TestOrderState_MarkFailed(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	o := NewOrderState(ModeReal, SideBuy, "005930", 10, "sig-1", now)
	if err := o.MarkFailed("rt_cd=1 insufficient buying power", now); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	if o.Status != OrderFailed {
		t.Errorf("status should be FAILED, got %s", o.Status)
	}
	if o.LastError == "" {
		t.Error("LastError should carry the rejection reason")
	}
}
