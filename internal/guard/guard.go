// Package guard holds the protections evaluated ahead of the strategy each
// cycle: the overnight gap check against the entry reference and the
// trailing stop advance.
package guard

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/kisquant/trendatr/internal/config"
	"github.com/kisquant/trendatr/internal/models"
	"github.com/kisquant/trendatr/internal/util"
)

var hundred = decimal.NewFromInt(100)

// GapDecision reports one gap evaluation. Open and Reference are the exact
// numbers the decision used, so logs and alerts repeat them instead of
// re-deriving from fill prices.
type GapDecision struct {
	Triggered  bool
	RawGapPct  decimal.Decimal // signed, (open-reference)/reference*100
	DisplayPct decimal.Decimal // magnitude shown to the operator
	Open       decimal.Decimal
	Reference  decimal.Decimal
}

// Guard evaluates gap and trailing protections for open positions.
type Guard struct {
	threshold decimal.Decimal // gap trigger in percent, <= 0 disables
	epsilon   decimal.Decimal
	trailMult decimal.Decimal // trailing distance in entry ATRs, <= 0 disables
	activate  decimal.Decimal // unrealized profit percent that arms the trail
	logger    zerolog.Logger
}

func New(cfg *config.Config, logger zerolog.Logger) *Guard {
	eps := decimal.NewFromFloat(cfg.Strategy.GapEpsilonPct)
	if eps.Sign() < 0 {
		eps = decimal.Zero
	}
	return &Guard{
		threshold: decimal.NewFromFloat(cfg.Strategy.GapThresholdPct),
		epsilon:   eps,
		trailMult: decimal.NewFromFloat(cfg.Strategy.TrailingStopATR),
		activate:  decimal.NewFromFloat(cfg.Strategy.TrailingActivationPct),
		logger:    logger.With().Str("component", "guard").Logger(),
	}
}

// CheckGap evaluates the overnight gap for an open long position against its
// persisted entry price. Profit gaps never trigger, and the loss band edge
// itself does: raw <= -(threshold+epsilon). A non-positive threshold, open,
// or reference disables the check.
func (g *Guard) CheckGap(pos *models.Position, open decimal.Decimal) GapDecision {
	d := GapDecision{Open: open}
	if pos == nil || pos.State != models.StateEntered {
		return d
	}
	d.Reference = pos.EntryPrice
	if g.threshold.Sign() <= 0 || open.Sign() <= 0 || d.Reference.Sign() <= 0 {
		return d
	}

	d.RawGapPct = open.Sub(d.Reference).Div(d.Reference).Mul(hundred)
	d.DisplayPct = d.RawGapPct.Abs()
	if d.RawGapPct.Sign() > 0 {
		return d
	}
	if d.RawGapPct.GreaterThan(g.threshold.Add(g.epsilon).Neg()) {
		return d
	}

	d.Triggered = true
	g.logger.Warn().
		Str("symbol", pos.Symbol).
		Str("open", open.String()).
		Str("reference", d.Reference.String()).
		Str("raw_gap_pct", d.RawGapPct.StringFixed(2)).
		Str("display_gap_pct", d.DisplayPct.StringFixed(2)).
		Msg("gap protection triggered")
	return d
}

// AdvanceTrailing folds a fresh price into the position and lifts the
// trailing stop once unrealized profit reaches the activation band. The
// trail is recomputed from the highest price seen and the entry-era ATR, so
// it only ever moves up. Reports whether the stop moved; the caller
// persists the position either way.
func (g *Guard) AdvanceTrailing(pos *models.Position, price decimal.Decimal, at time.Time) bool {
	if pos == nil || pos.State != models.StateEntered || price.Sign() <= 0 {
		return false
	}
	pos.ObservePrice(price, at)
	if g.trailMult.Sign() <= 0 || pos.ATRAtEntry.Sign() <= 0 || pos.EntryPrice.Sign() <= 0 {
		return false
	}
	if pos.UnrealizedPnLPct.LessThan(g.activate) {
		return false
	}

	candidate := util.RoundToTick(pos.HighestPrice.Sub(pos.ATRAtEntry.Mul(g.trailMult)))
	if !pos.RaiseTrailingStop(candidate) {
		return false
	}
	g.logger.Info().
		Str("symbol", pos.Symbol).
		Str("highest", pos.HighestPrice.String()).
		Str("trailing_stop", pos.TrailingStop.String()).
		Msg("trailing stop raised")
	return true
}
