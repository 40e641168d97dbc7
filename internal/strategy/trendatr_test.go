package strategy

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/kisquant/trendatr/internal/config"
	"github.com/kisquant/trendatr/internal/models"
)

// mkBars builds daily bars most recent first. Each bar gets High/Low a
// fixed band above/below its close so true ranges stay hand-checkable.
func mkBars(band int64, closes ...int64) []models.DailyBar {
	bars := make([]models.DailyBar, len(closes))
	for i, c := range closes {
		bars[i] = models.DailyBar{
			Open:   decimal.NewFromInt(c),
			High:   decimal.NewFromInt(c + band),
			Low:    decimal.NewFromInt(c - band),
			Close:  decimal.NewFromInt(c),
			Volume: 1000,
		}
	}
	return bars
}

// upBars yields n bars stepping down by step going back in time, so the
// newest close is the highest.
func upBars(n int, top, step, band int64) []models.DailyBar {
	closes := make([]int64, n)
	for i := range closes {
		closes[i] = top - int64(i)*step
	}
	return mkBars(band, closes...)
}

func testStrategy(t *testing.T) *TrendATR {
	t.Helper()
	cfg := &config.Config{}
	cfg.Strategy.ATRPeriod = 3
	cfg.Strategy.TrendMAPeriod = 5
	cfg.Strategy.StopLossATR = 2.0
	cfg.Strategy.TakeProfitATR = 3.0
	cfg.Strategy.TrailingStopATR = 2.0
	cfg.Strategy.TrailingActivationPct = 1.0
	cfg.Risk.PerTradeMaxLossPct = 5.0
	return NewTrendATR(cfg, zerolog.Nop())
}

func enteredPosition(entry, stop, target, trailing int64) *models.Position {
	return &models.Position{
		ID:           "pos-1",
		Mode:         models.ModePaper,
		Symbol:       "005930",
		State:        models.StateEntered,
		Quantity:     10,
		EntryPrice:   decimal.NewFromInt(entry),
		StopLoss:     decimal.NewFromInt(stop),
		TakeProfit:   decimal.NewFromInt(target),
		TrailingStop: decimal.NewFromInt(trailing),
		ATRAtEntry:   decimal.NewFromInt(300),
	}
}

// ============ Indicators ============

func TestSMA(t *testing.T) {
	bars := mkBars(100, 110, 108, 106, 104, 102, 100)

	got, ok := SMA(bars, 5)
	if !ok {
		t.Fatal("SMA() not ok with enough bars")
	}
	if !got.Equal(decimal.NewFromInt(106)) {
		t.Errorf("SMA(5) = %s, want 106", got)
	}

	if _, ok := SMA(bars[:4], 5); ok {
		t.Error("SMA() ok with too few bars")
	}
}

func TestATRUsesLargestRangeComponent(t *testing.T) {
	// Step 200 with band 100: the gap to the previous close (300)
	// dominates the bar's own 200 range.
	bars := upBars(6, 71_000, 200, 100)

	atr, ok := ATR(bars, 3)
	if !ok {
		t.Fatal("ATR() not ok")
	}
	if !atr.Equal(decimal.NewFromInt(300)) {
		t.Errorf("ATR(3) = %s, want 300", atr)
	}

	if _, ok := ATR(bars[:3], 3); ok {
		t.Error("ATR() ok without the extra bar for the oldest true range")
	}
}

func TestATRRatioPct(t *testing.T) {
	bars := upBars(6, 30_000, 200, 100)

	ratio, ok := ATRRatioPct(bars, 3)
	if !ok {
		t.Fatal("ATRRatioPct() not ok")
	}
	if !ratio.Equal(decimal.NewFromInt(1)) {
		t.Errorf("ATRRatioPct = %s, want 1 (300/30000*100)", ratio)
	}

	zero := mkBars(0, 0, 100, 100, 100, 100)
	if _, ok := ATRRatioPct(zero, 3); ok {
		t.Error("ATRRatioPct() ok with non-positive latest close")
	}
}

func TestATRSpikeDetection(t *testing.T) {
	// Recent window ranges +-1000, baseline window +-100.
	calm := upBars(7, 70_000, 200, 100)
	spiky := append(mkBars(1000, 73_000, 72_000, 71_000), calm...)

	if atrSpiked(calm, 3, atrSpikeThreshold) {
		t.Error("calm series flagged as spike")
	}
	if !atrSpiked(spiky, 3, atrSpikeThreshold) {
		t.Error("volatile series not flagged")
	}
	if atrSpiked(calm[:5], 3, atrSpikeThreshold) {
		t.Error("short history flagged as spike")
	}
}

// ============ Entry ============

func TestEvaluateEntryBreakoutBuys(t *testing.T) {
	s := testStrategy(t)
	bars := upBars(8, 71_000, 200, 100)
	price := decimal.NewFromInt(71_500) // prev high is 70_900

	sig := s.Evaluate("005930", nil, bars, price)
	if sig.Type != SignalBuy {
		t.Fatalf("Type = %s (%s), want BUY", sig.Type, sig.Reason)
	}
	if !sig.ATR.Equal(decimal.NewFromInt(300)) {
		t.Errorf("ATR = %s, want 300", sig.ATR)
	}
	if !sig.Stop.Equal(decimal.NewFromInt(70_900)) {
		t.Errorf("Stop = %s, want 70900 (entry - 2*ATR)", sig.Stop)
	}
	if !sig.TakeProfit.Equal(decimal.NewFromInt(72_400)) {
		t.Errorf("TakeProfit = %s, want 72400 (entry + 3*ATR)", sig.TakeProfit)
	}
	if !sig.ReferencePrice.Equal(price) {
		t.Errorf("ReferencePrice = %s, want %s", sig.ReferencePrice, price)
	}
}

func TestEntryLevelsSnapToTick(t *testing.T) {
	s := testStrategy(t)
	// band 30, step 95 makes the true range 125 everywhere, so 2*ATR and
	// 3*ATR land between 100-won ticks.
	bars := upBars(8, 71_000, 95, 30)
	price := decimal.NewFromInt(71_500)

	sig := s.Evaluate("005930", nil, bars, price)
	if sig.Type != SignalBuy {
		t.Fatalf("Type = %s (%s), want BUY", sig.Type, sig.Reason)
	}
	if !sig.ATR.Equal(decimal.NewFromInt(125)) {
		t.Fatalf("ATR = %s, want 125", sig.ATR)
	}
	if !sig.Stop.Equal(decimal.NewFromInt(71_300)) {
		t.Errorf("Stop = %s, want 71300 (71250 snapped to tick)", sig.Stop)
	}
	if !sig.TakeProfit.Equal(decimal.NewFromInt(71_900)) {
		t.Errorf("TakeProfit = %s, want 71900 (71875 snapped to tick)", sig.TakeProfit)
	}
}

func TestEntryStopFloorCapsRisk(t *testing.T) {
	s := testStrategy(t)
	// ATR 3000 would put the stop 6000 under entry; the 5% floor binds
	// first at 95000.
	bars := upBars(8, 98_000, 2000, 1000)
	price := decimal.NewFromInt(100_000)

	sig := s.Evaluate("005930", nil, bars, price)
	if sig.Type != SignalBuy {
		t.Fatalf("Type = %s (%s), want BUY", sig.Type, sig.Reason)
	}
	if !sig.Stop.Equal(decimal.NewFromInt(95_000)) {
		t.Errorf("Stop = %s, want 95000 (5%% floor)", sig.Stop)
	}
}

func TestEvaluateEntryRejections(t *testing.T) {
	s := testStrategy(t)
	up := upBars(8, 71_000, 200, 100)

	down := upBars(8, 71_000, 200, 100)
	for i, j := 0, len(down)-1; i < j; i, j = i+1, j-1 {
		down[i], down[j] = down[j], down[i]
	}

	spiky := append(mkBars(1000, 73_000, 72_000, 71_000), upBars(7, 70_000, 200, 100)...)

	tests := []struct {
		name  string
		bars  []models.DailyBar
		price int64
	}{
		{"short history", up[:4], 71_500},
		{"downtrend", down, 71_500},
		{"no breakout", up, 70_900}, // equals prev high, never above it
		{"volatility spike", spiky, 74_500},
		{"no price", up, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := s.Evaluate("005930", nil, tt.bars, decimal.NewFromInt(tt.price))
			if sig.Type != SignalHold {
				t.Errorf("Type = %s (%s), want HOLD", sig.Type, sig.Reason)
			}
		})
	}
}

// ============ Exit ============

func TestEvaluateExitReasons(t *testing.T) {
	bars := upBars(8, 71_000, 200, 100)

	tests := []struct {
		name   string
		pos    *models.Position
		price  int64
		want   SignalType
		reason string
	}{
		{"stop hit", enteredPosition(71_000, 70_000, 74_000, 0), 70_000, SignalSell, models.ExitATRStop},
		{"target hit", enteredPosition(71_000, 70_000, 74_000, 0), 74_100, SignalSell, models.ExitTakeProfit},
		{"trailing armed and hit", enteredPosition(70_000, 68_000, 79_000, 71_000), 70_900, SignalSell, models.ExitTrailingStop},
		{"trailing not armed", enteredPosition(71_000, 69_000, 79_000, 71_300), 71_400, SignalHold, ""},
		{"above trailing", enteredPosition(70_000, 68_000, 79_000, 71_000), 71_500, SignalHold, ""},
		{"holding", enteredPosition(71_000, 70_000, 74_000, 0), 71_800, SignalHold, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testStrategy(t)
			sig := s.Evaluate("005930", tt.pos, bars, decimal.NewFromInt(tt.price))
			if sig.Type != tt.want {
				t.Fatalf("Type = %s (%s), want %s", sig.Type, sig.Reason, tt.want)
			}
			if tt.reason != "" && sig.Reason != tt.reason {
				t.Errorf("Reason = %s, want %s", sig.Reason, tt.reason)
			}
		})
	}
}

func TestExitStopBeatsTrendBreak(t *testing.T) {
	s := testStrategy(t)
	// Latest close collapses under the SMA while price also breaches the
	// stop; the stop reason must win.
	bars := mkBars(100, 68_000, 71_000, 70_800, 70_600, 70_400, 70_200, 70_000)
	pos := enteredPosition(71_000, 69_000, 75_000, 0)

	sig := s.Evaluate("005930", pos, bars, decimal.NewFromInt(68_000))
	if sig.Type != SignalSell || sig.Reason != models.ExitATRStop {
		t.Errorf("got (%s, %s), want (SELL, %s)", sig.Type, sig.Reason, models.ExitATRStop)
	}
}

func TestExitTrendBroken(t *testing.T) {
	s := testStrategy(t)
	// Previous close sat above its SMA, the newest closed below. Price
	// stays away from stop and target so only the trend check can fire.
	bars := mkBars(100, 69_500, 71_000, 70_800, 70_600, 70_400, 70_200, 70_000)
	pos := enteredPosition(71_000, 68_000, 78_000, 0)

	sig := s.Evaluate("005930", pos, bars, decimal.NewFromInt(69_500))
	if sig.Type != SignalSell || sig.Reason != models.ExitTrendBroken {
		t.Errorf("got (%s, %s), want (SELL, %s)", sig.Type, sig.Reason, models.ExitTrendBroken)
	}

	// Entered below the SMA and staying there is not a break.
	flat := mkBars(100, 69_400, 69_500, 70_600, 70_400, 70_700, 70_200, 70_000)
	sig = s.Evaluate("005930", pos, flat, decimal.NewFromInt(69_400))
	if sig.Type != SignalHold {
		t.Errorf("Type = %s (%s), want HOLD without a fresh cross", sig.Type, sig.Reason)
	}
}

// ============ Progress ============

func TestProgressHelpers(t *testing.T) {
	pos := enteredPosition(100_000, 95_000, 115_000, 0)

	if got := StopProgressPct(pos, decimal.NewFromInt(97_500)); !got.Equal(decimal.NewFromInt(50)) {
		t.Errorf("StopProgressPct = %s, want 50", got)
	}
	if got := TargetProgressPct(pos, decimal.NewFromInt(107_500)); !got.Equal(decimal.NewFromInt(50)) {
		t.Errorf("TargetProgressPct = %s, want 50", got)
	}

	inverted := enteredPosition(100_000, 100_000, 100_000, 0)
	if got := StopProgressPct(inverted, decimal.NewFromInt(99_000)); !got.Equal(decimal.NewFromInt(100)) {
		t.Errorf("StopProgressPct with stop at entry = %s, want 100", got)
	}
}
