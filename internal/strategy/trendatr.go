// Package strategy turns daily bars and a live price into BUY/SELL/HOLD
// signals. The TrendATR implementation holds positions across days: entries
// need an uptrend plus a breakout of the previous bar's high, exits fire
// only on price conditions (stop, target, trailing, trend break). There is
// no end-of-day flattening, and the ATR frozen at entry is never
// recomputed for a live position.
package strategy

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/kisquant/trendatr/internal/config"
	"github.com/kisquant/trendatr/internal/models"
	"github.com/kisquant/trendatr/internal/util"
)

type SignalType string

const (
	SignalBuy  SignalType = "BUY"
	SignalSell SignalType = "SELL"
	SignalHold SignalType = "HOLD"
)

// Signal is one evaluation verdict. For BUY, Stop/TakeProfit/ATR carry the
// levels to freeze onto the new position. For SELL, Reason holds one of the
// models.Exit* codes.
type Signal struct {
	Type           SignalType
	Reason         string
	ReferencePrice decimal.Decimal
	Stop           decimal.Decimal
	TakeProfit     decimal.Decimal
	ATR            decimal.Decimal
}

// Strategy evaluates one symbol. Implementations must be pure: no I/O, no
// mutation of the position.
type Strategy interface {
	Evaluate(symbol string, pos *models.Position, bars []models.DailyBar, price decimal.Decimal) Signal
}

// atrSpikeThreshold rejects entries when the current ATR runs above this
// multiple of its recent baseline.
var atrSpikeThreshold = decimal.NewFromFloat(2.5)

// TrendATR is the multi-day trend following strategy: SMA trend filter,
// previous-high breakout entry, ATR-anchored stop and target.
type TrendATR struct {
	atrPeriod     int
	maPeriod      int
	stopMult      decimal.Decimal
	targetMult    decimal.Decimal
	trailMult     decimal.Decimal
	trailActivate decimal.Decimal // unrealized pnl pct arming the trailing stop
	maxLossPct    decimal.Decimal // floor under the ATR stop
	logger        zerolog.Logger
}

func NewTrendATR(cfg *config.Config, logger zerolog.Logger) *TrendATR {
	return &TrendATR{
		atrPeriod:     cfg.Strategy.ATRPeriod,
		maPeriod:      cfg.Strategy.TrendMAPeriod,
		stopMult:      decimal.NewFromFloat(cfg.Strategy.StopLossATR),
		targetMult:    decimal.NewFromFloat(cfg.Strategy.TakeProfitATR),
		trailMult:     decimal.NewFromFloat(cfg.Strategy.TrailingStopATR),
		trailActivate: decimal.NewFromFloat(cfg.Strategy.TrailingActivationPct),
		maxLossPct:    decimal.NewFromFloat(cfg.Risk.PerTradeMaxLossPct),
		logger:        logger.With().Str("component", "strategy").Logger(),
	}
}

// Evaluate runs the exit checks when a position is entered, the entry
// checks otherwise.
func (s *TrendATR) Evaluate(symbol string, pos *models.Position, bars []models.DailyBar, price decimal.Decimal) Signal {
	if pos != nil && pos.State == models.StateEntered {
		return s.evaluateExit(pos, bars, price)
	}
	return s.evaluateEntry(symbol, bars, price)
}

// ============ Entry ============

func (s *TrendATR) evaluateEntry(symbol string, bars []models.DailyBar, price decimal.Decimal) Signal {
	hold := func(reason string) Signal {
		return Signal{Type: SignalHold, Reason: reason, ReferencePrice: price}
	}

	if price.Sign() <= 0 {
		return hold("no price")
	}
	if len(bars) < s.maPeriod || len(bars) < s.atrPeriod+1 {
		return hold(fmt.Sprintf("history too short: %d bars", len(bars)))
	}

	atr, ok := ATR(bars, s.atrPeriod)
	if !ok || atr.Sign() <= 0 {
		return hold("atr unavailable")
	}
	if atrSpiked(bars, s.atrPeriod, atrSpikeThreshold) {
		return hold("volatility spike")
	}

	sma, ok := SMA(bars, s.maPeriod)
	if !ok {
		return hold("trend reference unavailable")
	}
	if !bars[0].Close.GreaterThan(sma) {
		return hold(fmt.Sprintf("no uptrend: close %s <= sma %s", bars[0].Close, sma.StringFixed(0)))
	}

	// Breakout of the previous completed bar's high. bars[0] is today's
	// forming candle, bars[1] the last completed one.
	if len(bars) < 2 || bars[1].High.Sign() <= 0 {
		return hold("no previous high")
	}
	prevHigh := bars[1].High
	if !price.GreaterThan(prevHigh) {
		return hold(fmt.Sprintf("no breakout: %s <= prev high %s", price, prevHigh))
	}

	// Levels go into limit orders eventually, so snap them to the KRX
	// quoting tick for the price band.
	stop := util.RoundToTick(s.entryStop(price, atr))
	target := util.RoundToTick(price.Add(atr.Mul(s.targetMult)))
	s.logger.Debug().
		Str("symbol", symbol).
		Str("price", price.String()).
		Str("stop", stop.StringFixed(0)).
		Str("target", target.StringFixed(0)).
		Msg("entry signal")
	return Signal{
		Type:           SignalBuy,
		Reason:         fmt.Sprintf("uptrend, breakout above prev high %s", prevHigh),
		ReferencePrice: price,
		Stop:           stop,
		TakeProfit:     target,
		ATR:            atr,
	}
}

// entryStop anchors the stop at entry - mult*ATR but never risks more than
// maxLossPct of the entry price.
func (s *TrendATR) entryStop(price, atr decimal.Decimal) decimal.Decimal {
	atrStop := price.Sub(atr.Mul(s.stopMult))
	if s.maxLossPct.Sign() > 0 {
		floor := price.Mul(decimal.NewFromInt(100).Sub(s.maxLossPct)).Div(decimal.NewFromInt(100))
		atrStop = decimal.Max(atrStop, floor)
	}
	return decimal.Max(atrStop, decimal.Zero)
}

// ============ Exit ============

func (s *TrendATR) evaluateExit(pos *models.Position, bars []models.DailyBar, price decimal.Decimal) Signal {
	held := Signal{
		Type:           SignalHold,
		Reason:         "holding",
		ReferencePrice: price,
		Stop:           pos.StopLoss,
		TakeProfit:     pos.TakeProfit,
		ATR:            pos.ATRAtEntry,
	}
	if price.Sign() <= 0 {
		held.Reason = "no price"
		return held
	}

	sell := func(reason string) Signal {
		out := held
		out.Type = SignalSell
		out.Reason = reason
		return out
	}

	if pos.StopLoss.Sign() > 0 && price.LessThanOrEqual(pos.StopLoss) {
		return sell(models.ExitATRStop)
	}
	if pos.TakeProfit.Sign() > 0 && price.GreaterThanOrEqual(pos.TakeProfit) {
		return sell(models.ExitTakeProfit)
	}
	if s.trailingHit(pos, price) {
		return sell(models.ExitTrailingStop)
	}
	if s.trendBroken(bars) {
		return sell(models.ExitTrendBroken)
	}
	return held
}

// trailingHit checks the trailing stop once unrealized profit has armed it.
func (s *TrendATR) trailingHit(pos *models.Position, price decimal.Decimal) bool {
	if s.trailMult.Sign() <= 0 || pos.TrailingStop.Sign() <= 0 || pos.EntryPrice.Sign() <= 0 {
		return false
	}
	pnlPct := price.Sub(pos.EntryPrice).Div(pos.EntryPrice).Mul(decimal.NewFromInt(100))
	if pnlPct.LessThan(s.trailActivate) {
		return false
	}
	return price.LessThanOrEqual(pos.TrailingStop)
}

// trendBroken fires on a close crossing under the moving average: the
// previous bar closed above its SMA and the latest closed below.
func (s *TrendATR) trendBroken(bars []models.DailyBar) bool {
	if len(bars) < s.maPeriod+1 {
		return false
	}
	sma, ok := SMA(bars, s.maPeriod)
	if !ok {
		return false
	}
	prevSMA, ok := SMA(bars[1:], s.maPeriod)
	if !ok {
		return false
	}
	return bars[1].Close.GreaterThan(prevSMA) && bars[0].Close.LessThan(sma)
}

// ============ Progress ============

// StopProgressPct reports how far price has traveled from entry toward the
// initial stop: 0 at entry, 100 at the stop. Used for near-stop alerts.
func StopProgressPct(pos *models.Position, price decimal.Decimal) decimal.Decimal {
	if pos.EntryPrice.Sign() <= 0 || pos.StopLoss.Sign() <= 0 {
		return decimal.Zero
	}
	total := pos.EntryPrice.Sub(pos.StopLoss)
	if total.Sign() <= 0 {
		return decimal.NewFromInt(100)
	}
	return pos.EntryPrice.Sub(price).Div(total).Mul(decimal.NewFromInt(100))
}

// TargetProgressPct reports progress from entry toward the take-profit:
// 0 at entry, 100 at the target.
func TargetProgressPct(pos *models.Position, price decimal.Decimal) decimal.Decimal {
	if pos.EntryPrice.Sign() <= 0 || pos.TakeProfit.Sign() <= 0 {
		return decimal.Zero
	}
	total := pos.TakeProfit.Sub(pos.EntryPrice)
	if total.Sign() <= 0 {
		return decimal.NewFromInt(100)
	}
	return price.Sub(pos.EntryPrice).Div(total).Mul(decimal.NewFromInt(100))
}

var _ Strategy = (*TrendATR)(nil)
