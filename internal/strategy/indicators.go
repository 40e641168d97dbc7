package strategy

import (
	"github.com/shopspring/decimal"

	"github.com/kisquant/trendatr/internal/models"
)

// Indicator inputs are daily bars ordered most recent first, the way the
// broker returns them.

// SMA returns the n-bar simple moving average of closes. ok is false when
// fewer than n bars are available.
func SMA(bars []models.DailyBar, n int) (decimal.Decimal, bool) {
	if n <= 0 || len(bars) < n {
		return decimal.Zero, false
	}
	sum := decimal.Zero
	for i := 0; i < n; i++ {
		sum = sum.Add(bars[i].Close)
	}
	return sum.Div(decimal.NewFromInt(int64(n))), true
}

// ATR returns the n-bar average true range, the plain mean of the n most
// recent true ranges.
func ATR(bars []models.DailyBar, n int) (decimal.Decimal, bool) {
	return atrAt(bars, n, 0)
}

// atrAt computes ATR(n) for the window starting offset bars back. Each true
// range needs the bar before it, so offset+n+1 bars must exist.
func atrAt(bars []models.DailyBar, n, offset int) (decimal.Decimal, bool) {
	if n <= 0 || len(bars) < offset+n+1 {
		return decimal.Zero, false
	}
	sum := decimal.Zero
	for i := offset; i < offset+n; i++ {
		sum = sum.Add(trueRange(bars[i], bars[i+1]))
	}
	return sum.Div(decimal.NewFromInt(int64(n))), true
}

// trueRange is the largest of high-low, |high-prevClose| and |low-prevClose|.
func trueRange(cur, prev models.DailyBar) decimal.Decimal {
	hl := cur.High.Sub(cur.Low)
	hc := cur.High.Sub(prev.Close).Abs()
	lc := cur.Low.Sub(prev.Close).Abs()
	return decimal.Max(hl, hc, lc)
}

// ATRRatioPct returns ATR(n) as a percentage of the latest close, the
// volatility measure the universe filter ranks by. ok is false when bars
// are short or the latest close is not positive.
func ATRRatioPct(bars []models.DailyBar, n int) (decimal.Decimal, bool) {
	if len(bars) == 0 || bars[0].Close.Sign() <= 0 {
		return decimal.Zero, false
	}
	atr, ok := ATR(bars, n)
	if !ok {
		return decimal.Zero, false
	}
	return atr.Div(bars[0].Close).Mul(decimal.NewFromInt(100)), true
}

// atrSpiked reports whether the current ATR runs above threshold times the
// ATR of the preceding window. Short histories never count as a spike.
func atrSpiked(bars []models.DailyBar, n int, threshold decimal.Decimal) bool {
	if threshold.Sign() <= 0 {
		return false
	}
	current, ok := atrAt(bars, n, 0)
	if !ok {
		return false
	}
	baseline, ok := atrAt(bars, n, n)
	if !ok || baseline.Sign() <= 0 {
		return false
	}
	return current.GreaterThan(baseline.Mul(threshold))
}
