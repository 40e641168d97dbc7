package guard

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/kisquant/trendatr/internal/config"
	"github.com/kisquant/trendatr/internal/models"
)

func testGuard(t *testing.T) *Guard {
	t.Helper()
	cfg := &config.Config{}
	cfg.Strategy.GapThresholdPct = 5.0
	cfg.Strategy.GapEpsilonPct = 0.1
	cfg.Strategy.TrailingStopATR = 2.0
	cfg.Strategy.TrailingActivationPct = 1.0
	return New(cfg, zerolog.Nop())
}

func openPosition(entry int64) *models.Position {
	return &models.Position{
		ID:           "pos-1",
		Mode:         models.ModePaper,
		Symbol:       "005930",
		State:        models.StateEntered,
		Quantity:     10,
		EntryPrice:   decimal.NewFromInt(entry),
		HighestPrice: decimal.NewFromInt(entry),
		ATRAtEntry:   decimal.NewFromInt(300),
		StopLoss:     decimal.NewFromInt(entry - 600),
		TakeProfit:   decimal.NewFromInt(entry + 900),
	}
}

func TestCheckGapTriggersOnDeepLossGap(t *testing.T) {
	g := testGuard(t)
	pos := openPosition(70_000)

	d := g.CheckGap(pos, decimal.NewFromInt(64_000))
	if !d.Triggered {
		t.Fatalf("gap to 64000 from 70000 did not trigger")
	}
	if got := d.RawGapPct.StringFixed(2); got != "-8.57" {
		t.Errorf("RawGapPct = %s, want -8.57", got)
	}
	if got := d.DisplayPct.StringFixed(2); got != "8.57" {
		t.Errorf("DisplayPct = %s, want 8.57", got)
	}
	if !d.Open.Equal(decimal.NewFromInt(64_000)) || !d.Reference.Equal(decimal.NewFromInt(70_000)) {
		t.Errorf("decision inputs = open %s reference %s", d.Open, d.Reference)
	}
}

func TestCheckGapBandEdge(t *testing.T) {
	g := testGuard(t)

	// threshold 5 + epsilon 0.1: -5.1 exactly triggers, -5.0 does not.
	tests := []struct {
		name    string
		open    int64
		trigger bool
	}{
		{"at threshold plus epsilon", 66_430, true},
		{"at threshold alone", 66_500, false},
		{"just inside the band", 66_501, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := g.CheckGap(openPosition(70_000), decimal.NewFromInt(tt.open))
			if d.Triggered != tt.trigger {
				t.Errorf("open %d: Triggered = %v, want %v (raw %s)", tt.open, d.Triggered, tt.trigger, d.RawGapPct)
			}
		})
	}
}

func TestCheckGapNeverTriggersOnProfitOrFlat(t *testing.T) {
	g := testGuard(t)

	if d := g.CheckGap(openPosition(70_000), decimal.NewFromInt(75_000)); d.Triggered {
		t.Errorf("profit gap triggered: raw %s", d.RawGapPct)
	}
	if d := g.CheckGap(openPosition(70_000), decimal.NewFromInt(70_000)); d.Triggered {
		t.Errorf("flat open triggered")
	}
}

func TestCheckGapDisabledCases(t *testing.T) {
	g := testGuard(t)

	if d := g.CheckGap(nil, decimal.NewFromInt(64_000)); d.Triggered {
		t.Error("nil position triggered")
	}

	pending := openPosition(70_000)
	pending.State = models.StatePending
	if d := g.CheckGap(pending, decimal.NewFromInt(64_000)); d.Triggered {
		t.Error("pending position triggered")
	}

	if d := g.CheckGap(openPosition(70_000), decimal.Zero); d.Triggered {
		t.Error("zero open triggered")
	}

	cfg := &config.Config{}
	cfg.Strategy.GapEpsilonPct = 0.1
	off := New(cfg, zerolog.Nop())
	if d := off.CheckGap(openPosition(70_000), decimal.NewFromInt(60_000)); d.Triggered {
		t.Error("zero threshold triggered")
	}
}

func TestAdvanceTrailingArmsAtActivation(t *testing.T) {
	g := testGuard(t)
	pos := openPosition(70_000)
	now := time.Now()

	// +0.71% is under the 1% activation band.
	if g.AdvanceTrailing(pos, decimal.NewFromInt(70_500), now) {
		t.Fatal("trailing armed below activation")
	}
	if pos.TrailingStop.Sign() != 0 {
		t.Fatalf("TrailingStop = %s, want unset", pos.TrailingStop)
	}
	if !pos.CurrentPrice.Equal(decimal.NewFromInt(70_500)) {
		t.Errorf("CurrentPrice = %s, price observation skipped", pos.CurrentPrice)
	}

	// +1.43% arms the trail at highest - 2*ATR.
	if !g.AdvanceTrailing(pos, decimal.NewFromInt(71_000), now) {
		t.Fatal("trailing did not arm at activation")
	}
	if want := decimal.NewFromInt(70_400); !pos.TrailingStop.Equal(want) {
		t.Fatalf("TrailingStop = %s, want %s", pos.TrailingStop, want)
	}
}

func TestAdvanceTrailingSnapsToTick(t *testing.T) {
	g := testGuard(t)
	pos := openPosition(70_000)
	pos.ATRAtEntry = decimal.NewFromInt(125) // 2*ATR = 250, off the 100-won grid

	if !g.AdvanceTrailing(pos, decimal.NewFromInt(71_000), time.Now()) {
		t.Fatal("trailing did not arm at activation")
	}
	if want := decimal.NewFromInt(70_800); !pos.TrailingStop.Equal(want) {
		t.Fatalf("TrailingStop = %s, want %s (70750 snapped to tick)", pos.TrailingStop, want)
	}
}

func TestAdvanceTrailingIsMonotonic(t *testing.T) {
	g := testGuard(t)
	pos := openPosition(70_000)
	now := time.Now()

	if !g.AdvanceTrailing(pos, decimal.NewFromInt(71_000), now) {
		t.Fatal("trailing did not arm")
	}

	// A pullback keeps the highest price, so the stop holds at 70400.
	if g.AdvanceTrailing(pos, decimal.NewFromInt(70_800), now) {
		t.Fatal("pullback moved the trailing stop")
	}
	if want := decimal.NewFromInt(70_400); !pos.TrailingStop.Equal(want) {
		t.Fatalf("TrailingStop = %s, want %s", pos.TrailingStop, want)
	}

	// A new high lifts it.
	if !g.AdvanceTrailing(pos, decimal.NewFromInt(71_500), now) {
		t.Fatal("new high did not lift the trailing stop")
	}
	if want := decimal.NewFromInt(70_900); !pos.TrailingStop.Equal(want) {
		t.Fatalf("TrailingStop = %s, want %s", pos.TrailingStop, want)
	}
	if want := decimal.NewFromInt(71_500); !pos.HighestPrice.Equal(want) {
		t.Fatalf("HighestPrice = %s, want %s", pos.HighestPrice, want)
	}
}

func TestAdvanceTrailingDisabled(t *testing.T) {
	cfg := &config.Config{}
	cfg.Strategy.TrailingActivationPct = 1.0
	g := New(cfg, zerolog.Nop())
	pos := openPosition(70_000)

	if g.AdvanceTrailing(pos, decimal.NewFromInt(75_000), time.Now()) {
		t.Fatal("trailing advanced with a zero multiplier")
	}
	if !pos.CurrentPrice.Equal(decimal.NewFromInt(75_000)) {
		t.Error("price observation skipped when trailing is off")
	}
}
