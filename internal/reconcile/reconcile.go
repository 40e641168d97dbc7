// Package reconcile repairs local position state from the broker account.
// The account is authoritative: one pass at startup, and again after an
// outage clears, converges the store and the positions.json mirror onto
// what the broker actually holds. Trade rows are never written here; only
// the order pipeline creates those.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/kisquant/trendatr/internal/broker"
	"github.com/kisquant/trendatr/internal/config"
	"github.com/kisquant/trendatr/internal/models"
	"github.com/kisquant/trendatr/internal/notify"
	"github.com/kisquant/trendatr/internal/storage"
	"github.com/kisquant/trendatr/internal/strategy"
)

var hundred = decimal.NewFromInt(100)

// recoveredATRFallbackPct stands in for the entry ATR of a recovered
// holding when no daily history is available to compute a real one.
const recoveredATRFallbackPct = 0.02

// ============ Verdicts ============

// Verdict classifies one symbol's local-versus-broker comparison.
type Verdict string

const (
	// VerdictMatched: local record and broker holding agree on quantity.
	VerdictMatched Verdict = "MATCHED"
	// VerdictUntrackedHolding: the broker holds shares no local record
	// explains.
	VerdictUntrackedHolding Verdict = "UNTRACKED_HOLDING"
	// VerdictRecoveredMissing: a local record points at shares the broker
	// no longer holds.
	VerdictRecoveredMissing Verdict = "RECOVERED_MISSING"
	// VerdictCriticalMismatch: both sides hold, with different quantities.
	VerdictCriticalMismatch Verdict = "CRITICAL_MISMATCH"
)

// Critical reports whether the verdict needs an operator's eyes.
func (v Verdict) Critical() bool {
	return v == VerdictUntrackedHolding || v == VerdictCriticalMismatch
}

// Finding is one symbol's verdict with the position as the pass left it.
type Finding struct {
	Symbol   string
	Verdict  Verdict
	Detail   string
	Position *models.Position
}

// Report is the outcome of one reconciliation pass.
type Report struct {
	Mode     models.Mode
	RanAt    time.Time
	Findings []Finding
	Warnings []string
}

// Critical reports whether any finding warrants refusing to trade.
func (r *Report) Critical() bool {
	for _, f := range r.Findings {
		if f.Verdict.Critical() {
			return true
		}
	}
	return false
}

// ============ Reconciler ============

// Reconciler converges store and file mirror onto the broker account.
type Reconciler struct {
	broker   broker.Broker
	store    storage.Interface
	cache    *storage.FileCache
	notifier notify.Notifier
	logger   zerolog.Logger

	mode       models.Mode
	atrPeriod  int
	stopMult   decimal.Decimal
	targetMult decimal.Decimal
}

func New(cfg *config.Config, b broker.Broker, store storage.Interface, cache *storage.FileCache, n notify.Notifier, logger zerolog.Logger) *Reconciler {
	if n == nil {
		n = notify.Noop{}
	}
	return &Reconciler{
		broker:     b,
		store:      store,
		cache:      cache,
		notifier:   n,
		logger:     logger.With().Str("component", "reconcile").Logger(),
		mode:       cfg.Mode(),
		atrPeriod:  cfg.Strategy.ATRPeriod,
		stopMult:   decimal.NewFromFloat(cfg.Strategy.StopLossATR),
		targetMult: decimal.NewFromFloat(cfg.Strategy.TakeProfitATR),
	}
}

// Run executes one reconciliation pass. Failing to read the account or the
// store aborts the pass; individual repairs that fail are soft, logged as
// warnings and carried in the report. When everything already agrees the
// pass changes nothing.
func (r *Reconciler) Run(ctx context.Context, now time.Time) (*Report, error) {
	rep := &Report{Mode: r.mode, RanAt: now}

	balance, err := r.broker.GetAccountBalance(ctx)
	if err != nil {
		return nil, fmt.Errorf("load broker holdings: %w", err)
	}
	held := make(map[string]broker.Holding, len(balance.Holdings))
	for _, h := range balance.Holdings {
		if h.Quantity > 0 {
			held[h.Symbol] = h
		}
	}

	mirrored, err := r.cache.ReadOpen(r.mode)
	if err != nil {
		r.warnf(rep, "positions mirror unreadable, continuing from the store: %v", err)
		mirrored = map[string]models.Position{}
	}

	open, err := r.store.GetOpenPositions(ctx, r.mode)
	if err != nil {
		return nil, fmt.Errorf("load stored positions: %w", err)
	}
	entered := make(map[string]*models.Position, len(open))
	for _, p := range open {
		if p.State == models.StateEntered {
			entered[p.Symbol] = p
		}
	}

	for _, symbol := range unionSymbols(entered, mirrored, held) {
		local, tracked := entered[symbol]
		holding, heldNow := held[symbol]
		if !tracked {
			// The mirror may still carry a row the store lost.
			if m, inFile := mirrored[symbol]; inFile && m.State == models.StateEntered {
				cp := m
				local, tracked = &cp, true
				r.logger.Warn().Str("symbol", symbol).Msg("store row missing, restoring from the positions mirror")
				if heldNow {
					if err := r.store.SavePosition(ctx, local); err != nil {
						r.warnf(rep, "restore %s from mirror: %v", symbol, err)
					}
				}
			}
		}

		switch {
		case !tracked && !heldNow:
			// A stale non-entered mirror entry; the rewrite below drops it.
		case !tracked && heldNow:
			r.recoverUntracked(ctx, rep, holding, now)
		case tracked && !heldNow:
			r.closeMissing(ctx, rep, local, now)
		case local.Quantity == holding.Quantity:
			r.adoptMatched(ctx, rep, local, holding, now)
		default:
			r.adjustMismatch(ctx, rep, local, holding, now)
		}
	}

	r.rewriteMirror(ctx, rep)

	r.logger.Info().
		Int("holdings", len(held)).
		Int("findings", len(rep.Findings)).
		Int("warnings", len(rep.Warnings)).
		Bool("critical", rep.Critical()).
		Msg("reconciliation complete")
	return rep, nil
}

// ============ Case handlers ============

// recoverUntracked snapshots a broker holding no local record explains
// into a new ENTERED position. Entry levels are synthesized from current
// daily bars since the original signal is gone.
func (r *Reconciler) recoverUntracked(ctx context.Context, rep *Report, h broker.Holding, now time.Time) {
	atr, stop, target := r.recoverLevels(ctx, h.Symbol, h.AvgPrice)

	pos := models.NewPosition(uuid.NewString(), r.mode, h.Symbol, h.Name, h.Quantity)
	pos.ATRAtEntry = atr
	pos.StopLoss = stop
	pos.TakeProfit = target
	pos.CreatedAt = now
	pos.UpdatedAt = now

	detail := fmt.Sprintf("%d shares @ %s held at the broker with no local record",
		h.Quantity, h.AvgPrice.StringFixed(0))

	if err := pos.MarkEntered(h.AvgPrice, h.Quantity, "", now); err != nil {
		r.warnf(rep, "recover %s: %v", h.Symbol, err)
		pos = nil
	} else {
		pos.ObservePrice(h.CurrentPrice, now)
		if err := r.store.SavePosition(ctx, pos); err != nil {
			r.warnf(rep, "recover %s: store save failed: %v", h.Symbol, err)
		}
	}

	rep.Findings = append(rep.Findings, Finding{
		Symbol: h.Symbol, Verdict: VerdictUntrackedHolding, Detail: detail, Position: pos,
	})
	r.logger.Warn().Str("symbol", h.Symbol).Int64("qty", h.Quantity).Msg("untracked holding recovered")
	r.notifier.Notify(notify.ReconcileVerdict(notify.SeverityError, string(VerdictUntrackedHolding), h.Symbol, detail))
}

// closeMissing exits a local position whose shares the broker no longer
// reports. The last known quote stands in for the unknown exit price; no
// trade row is written since no order went through this program.
func (r *Reconciler) closeMissing(ctx context.Context, rep *Report, pos *models.Position, now time.Time) {
	exitPrice := pos.CurrentPrice
	if exitPrice.Sign() <= 0 {
		exitPrice = pos.EntryPrice
	}
	gross := exitPrice.Sub(pos.EntryPrice).Mul(decimal.NewFromInt(pos.Quantity))
	pct := decimal.Zero
	if pos.EntryPrice.Sign() > 0 {
		pct = exitPrice.Sub(pos.EntryPrice).Div(pos.EntryPrice).Mul(hundred)
	}

	detail := fmt.Sprintf("local record of %d shares, broker holds none", pos.Quantity)

	if err := pos.MarkExited(exitPrice, models.ExitRecoveredMissing, "", now, gross, pct, decimal.Zero); err != nil {
		r.warnf(rep, "close missing %s: %v", pos.Symbol, err)
	} else if err := r.store.SavePosition(ctx, pos); err != nil {
		r.warnf(rep, "close missing %s: store save failed: %v", pos.Symbol, err)
	}

	rep.Findings = append(rep.Findings, Finding{
		Symbol: pos.Symbol, Verdict: VerdictRecoveredMissing, Detail: detail, Position: pos,
	})
	r.logger.Warn().Str("symbol", pos.Symbol).Msg("stored position gone from the account, closed")
	r.notifier.Notify(notify.ReconcileVerdict(notify.SeverityInfo, string(VerdictRecoveredMissing), pos.Symbol, detail))
}

// adoptMatched takes the broker's average price as the entry and refreshes
// unrealized pnl. The entry ATR is never recomputed.
func (r *Reconciler) adoptMatched(ctx context.Context, rep *Report, pos *models.Position, h broker.Holding, now time.Time) {
	detail := "store, mirror and broker agree"
	changed := false

	if h.AvgPrice.Sign() > 0 && !pos.EntryPrice.Equal(h.AvgPrice) {
		detail = fmt.Sprintf("entry adopted from broker average %s (was %s)",
			h.AvgPrice.StringFixed(0), pos.EntryPrice.StringFixed(0))
		pos.EntryPrice = h.AvgPrice
		if pos.HighestPrice.LessThan(h.AvgPrice) {
			pos.HighestPrice = h.AvgPrice
		}
		changed = true
	}

	prevQuote := pos.CurrentPrice
	pos.ObservePrice(h.CurrentPrice, now)
	if changed || !prevQuote.Equal(pos.CurrentPrice) {
		if err := r.store.SavePosition(ctx, pos); err != nil {
			r.warnf(rep, "refresh %s: store save failed: %v", pos.Symbol, err)
		}
	}

	rep.Findings = append(rep.Findings, Finding{
		Symbol: pos.Symbol, Verdict: VerdictMatched, Detail: detail, Position: pos,
	})
	r.logger.Info().Str("symbol", pos.Symbol).Int64("qty", pos.Quantity).Msg("position matched")
	r.notifier.Notify(notify.PositionRestored(pos, pos.HoldingDaysAt(now)))
}

// adjustMismatch takes the broker's quantity and keeps the entry frame:
// ATR, stop and target stay as the original signal set them.
func (r *Reconciler) adjustMismatch(ctx context.Context, rep *Report, pos *models.Position, h broker.Holding, now time.Time) {
	detail := fmt.Sprintf("local %d shares vs broker %d, broker wins", pos.Quantity, h.Quantity)

	pos.Quantity = h.Quantity
	pos.ObservePrice(h.CurrentPrice, now)
	if err := r.store.SavePosition(ctx, pos); err != nil {
		r.warnf(rep, "adjust %s: store save failed: %v", pos.Symbol, err)
	}

	rep.Findings = append(rep.Findings, Finding{
		Symbol: pos.Symbol, Verdict: VerdictCriticalMismatch, Detail: detail, Position: pos,
	})
	r.logger.Error().Str("symbol", pos.Symbol).Str("detail", detail).Msg("position quantity mismatch")
	r.notifier.Notify(notify.ReconcileVerdict(notify.SeverityError, string(VerdictCriticalMismatch), pos.Symbol, detail))
}

// ============ Helpers ============

// recoverLevels synthesizes the entry frame for a recovered holding: a
// fresh ATR from daily bars when available, a fixed fraction of the entry
// otherwise, with stop and target at the strategy's multiples.
func (r *Reconciler) recoverLevels(ctx context.Context, symbol string, avg decimal.Decimal) (atr, stop, target decimal.Decimal) {
	if bars, err := r.broker.GetDailyOHLCV(ctx, symbol, r.atrPeriod+2); err == nil {
		if a, ok := strategy.ATR(bars, r.atrPeriod); ok && a.Sign() > 0 {
			atr = a
		}
	}
	if atr.Sign() <= 0 || avg.Sub(atr.Mul(r.stopMult)).Sign() <= 0 {
		atr = avg.Mul(decimal.NewFromFloat(recoveredATRFallbackPct))
	}
	stop = avg.Sub(atr.Mul(r.stopMult))
	target = avg.Add(atr.Mul(r.targetMult))
	return atr, stop, target
}

// rewriteMirror replaces the mode's mirror entries with the store's
// entered positions as the pass left them.
func (r *Reconciler) rewriteMirror(ctx context.Context, rep *Report) {
	open, err := r.store.GetOpenPositions(ctx, r.mode)
	if err != nil {
		r.warnf(rep, "mirror rewrite: reload positions failed: %v", err)
		return
	}
	var enteredNow []*models.Position
	for _, p := range open {
		if p.State == models.StateEntered {
			enteredNow = append(enteredNow, p)
		}
	}
	if err := r.cache.WriteOpen(r.mode, enteredNow); err != nil {
		r.warnf(rep, "mirror rewrite failed: %v", err)
	}
}

func (r *Reconciler) warnf(rep *Report, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	rep.Warnings = append(rep.Warnings, msg)
	r.logger.Warn().Msg(msg)
}

func unionSymbols(entered map[string]*models.Position, mirrored map[string]models.Position, held map[string]broker.Holding) []string {
	set := make(map[string]struct{}, len(entered)+len(mirrored)+len(held))
	for s := range entered {
		set[s] = struct{}{}
	}
	for s := range mirrored {
		set[s] = struct{}{}
	}
	for s := range held {
		set[s] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
