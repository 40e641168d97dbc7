package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func enteredPosition(t *testing.T) *Position {
	t.Helper()
	p := NewPosition("pos-1", ModePaper, "005930", "Samsung Electronics", 10)
	p.ATRAtEntry = d(1500)
	p.StopLoss = d(68000)
	p.TakeProfit = d(75500)
	if err := p.MarkEntered(d(71000), 10, "0000117057", time.Date(2026, 3, 2, 9, 31, 0, 0, time.UTC)); err != nil {
		t.Fatalf("MarkEntered failed: %v", err)
	}
	return p
}

func TestPosition_EntryExitLifecycle(t *testing.T) {
	p := NewPosition("pos-1", ModePaper, "005930", "Samsung Electronics", 10)
	if p.State != StatePending {
		t.Fatalf("new position should be PENDING, got %s", p.State)
	}

	p.ATRAtEntry = d(1500)
	p.StopLoss = d(68000)
	p.TakeProfit = d(75500)
	entryAt := time.Date(2026, 3, 2, 9, 31, 0, 0, time.UTC)
	if err := p.MarkEntered(d(71000), 10, "0000117057", entryAt); err != nil {
		t.Fatalf("MarkEntered failed: %v", err)
	}
	if p.State != StateEntered {
		t.Errorf("state should be ENTERED, got %s", p.State)
	}
	if !p.HighestPrice.Equal(d(71000)) {
		t.Errorf("HighestPrice should start at entry price, got %s", p.HighestPrice)
	}
	if err := p.Validate(); err != nil {
		t.Errorf("entered position should validate: %v", err)
	}

	exitAt := entryAt.Add(72 * time.Hour)
	err := p.MarkExited(d(73500), ExitTakeProfit, "0000117220", exitAt, d(25000), decimal.NewFromFloat(3.52), d(217))
	if err != nil {
		t.Fatalf("MarkExited failed: %v", err)
	}
	if p.State != StateExited {
		t.Errorf("state should be EXITED, got %s", p.State)
	}
	if p.HoldingDays != 3 {
		t.Errorf("HoldingDays should be 3, got %d", p.HoldingDays)
	}
	if err := p.Validate(); err != nil {
		t.Errorf("exited position should validate: %v", err)
	}

	// Closed positions never reopen.
	if err := p.MarkEntered(d(71000), 10, "x", exitAt); err == nil {
		t.Error("re-entering an exited position should fail")
	}
}

func TestPosition_EntryAbandoned(t *testing.T) {
	p := NewPosition("pos-2", ModePaper, "000660", "SK hynix", 5)
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	if err := p.MarkEntryAbandoned(ExitEntryCancelled, at); err != nil {
		t.Fatalf("MarkEntryAbandoned failed: %v", err)
	}
	if p.State != StateExited {
		t.Errorf("abandoned entry should be EXITED, got %s", p.State)
	}
	if p.Quantity != 0 {
		t.Errorf("abandoned entry should hold zero quantity, got %d", p.Quantity)
	}
	if err := p.Validate(); err != nil {
		t.Errorf("abandoned position should validate: %v", err)
	}
}

func TestPosition_ObservePrice(t *testing.T) {
	p := enteredPosition(t)
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	if p.ObservePrice(d(0), at) {
		t.Error("zero price is 'no quote' and should not set a high")
	}

	if !p.ObservePrice(d(72000), at) {
		t.Error("72000 should set a new high")
	}
	if !p.UnrealizedPnL.Equal(d(10000)) {
		t.Errorf("unrealized pnl should be 10000, got %s", p.UnrealizedPnL)
	}

	if p.ObservePrice(d(70000), at) {
		t.Error("lower price should not set a new high")
	}
	if !p.HighestPrice.Equal(d(72000)) {
		t.Errorf("HighestPrice should stay at 72000, got %s", p.HighestPrice)
	}
	if p.UnrealizedPnL.Sign() >= 0 {
		t.Errorf("unrealized pnl should be negative at 70000, got %s", p.UnrealizedPnL)
	}
}

func TestPosition_TrailingStopMonotonic(t *testing.T) {
	p := enteredPosition(t)

	if !p.RaiseTrailingStop(d(69000)) {
		t.Error("first raise should apply")
	}
	if p.RaiseTrailingStop(d(68500)) {
		t.Error("lower candidate must not lower the trailing stop")
	}
	if p.RaiseTrailingStop(d(69000)) {
		t.Error("equal candidate must not report a raise")
	}
	if !p.RaiseTrailingStop(d(70200)) {
		t.Error("higher candidate should apply")
	}
	if !p.TrailingStop.Equal(d(70200)) {
		t.Errorf("trailing stop should be 70200, got %s", p.TrailingStop)
	}
}

func TestPosition_EffectiveStop(t *testing.T) {
	p := enteredPosition(t)
	if !p.EffectiveStop().Equal(d(68000)) {
		t.Errorf("unarmed trailing stop should fall back to stop-loss, got %s", p.EffectiveStop())
	}
	p.RaiseTrailingStop(d(69500))
	if !p.EffectiveStop().Equal(d(69500)) {
		t.Errorf("armed trailing stop should bind, got %s", p.EffectiveStop())
	}
}

func TestPosition_Validate(t *testing.T) {
	entryAt := time.Date(2026, 3, 2, 9, 31, 0, 0, time.UTC)

	tests := []struct {
		name    string
		mutate  func(p *Position)
		wantErr bool
	}{
		{"valid entered", func(p *Position) {}, false},
		{"bad symbol", func(p *Position) { p.Symbol = "5930" }, true},
		{"bad mode", func(p *Position) { p.Mode = "LIVE" }, true},
		{"missing atr", func(p *Position) { p.ATRAtEntry = decimal.Zero }, true},
		{"stop above entry", func(p *Position) { p.StopLoss = d(72000) }, true},
		{"target below entry", func(p *Position) { p.TakeProfit = d(70000) }, true},
		{"high below entry", func(p *Position) { p.HighestPrice = d(70500) }, true},
		{"entered with exit reason", func(p *Position) { p.ExitReason = ExitManual }, true},
		{"zero quantity", func(p *Position) { p.Quantity = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := enteredPosition(t)
			tt.mutate(p)
			err := p.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected validation error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected validation error: %v", err)
			}
		})
	}

	t.Run("exited before entry", func(t *testing.T) {
		p := enteredPosition(t)
		err := p.MarkExited(d(73500), ExitTakeProfit, "x", entryAt.Add(-time.Hour), d(0), d(0), d(0))
		if err != nil {
			t.Fatalf("MarkExited failed: %v", err)
		}
		if err := p.Validate(); err == nil {
			t.Error("exit before entry should fail validation")
		}
	})
}

func TestPosition_HoldingDaysAt(t *testing.T) {
	p := enteredPosition(t)
	entry := p.EntryTime

	tests := []struct {
		name string
		asOf time.Time
		want int
	}{
		{"same day", entry.Add(4 * time.Hour), 0},
		{"next day", entry.Add(26 * time.Hour), 1},
		{"a week", entry.Add(7 * 24 * time.Hour), 7},
		{"clock skew", entry.Add(-time.Hour), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.HoldingDaysAt(tt.asOf); got != tt.want {
				t.Errorf("HoldingDaysAt = %d, want %d", got, tt.want)
			}
		})
	}
}
