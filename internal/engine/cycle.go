package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/kisquant/trendatr/internal/broker"
	"github.com/kisquant/trendatr/internal/guard"
	"github.com/kisquant/trendatr/internal/marketcal"
	"github.com/kisquant/trendatr/internal/models"
	"github.com/kisquant/trendatr/internal/notify"
	"github.com/kisquant/trendatr/internal/ordersync"
	"github.com/kisquant/trendatr/internal/risk"
	"github.com/kisquant/trendatr/internal/storage"
	"github.com/kisquant/trendatr/internal/strategy"
	"github.com/kisquant/trendatr/internal/universe"
)

// CycleReport summarizes one pass for the caller and the cadence decision.
type CycleReport struct {
	RanAt    time.Time
	Session  marketcal.Session
	Holdings int

	// Evaluated counts symbols with a complete quote+bars snapshot;
	// Decisions the non-HOLD signals that reached the risk gate; Orders the
	// decisions that reached the synchronizer or the signal-only recorder.
	Evaluated int
	Decisions int
	Orders    int

	// NearStop shortens the next sleep: some open position trades within
	// the near-stop band of its entry ATR.
	NearStop bool

	// Skipped names why the cycle ended before evaluating symbols.
	Skipped string
}

// symbolSnapshot is the per-symbol market view one cycle decides on.
type symbolSnapshot struct {
	quote *broker.Quote
	bars  []models.DailyBar
}

// Cycle runs one pass at the exchange-local time now. Per-symbol failures
// are logged and skipped; a returned error means the whole cycle could not
// run (store failure) or trading must halt (ErrKillSwitch, universe halt).
func (e *Engine) Cycle(ctx context.Context, now time.Time) (*CycleReport, error) {
	rep := &CycleReport{RanAt: now, Session: e.cal.SessionAt(now)}

	if e.broker.OutageFor(outageWindow) {
		e.outageSeen = true
		rep.Skipped = "broker outage"
		e.logger.Warn().Msg("broker outage, cycle aborted without orders")
		return rep, nil
	}
	if e.outageSeen {
		// Broker answers again: positions may have changed while blind.
		recRep, err := e.recon.Run(ctx, now)
		if err != nil {
			rep.Skipped = "reconcile after outage failed"
			e.logger.Error().Err(err).Msg("post-outage reconciliation failed, retrying next cycle")
			return rep, nil
		}
		e.outageSeen = false
		if recRep.Critical() {
			e.logger.Error().Msg("post-outage reconciliation found critical drift, broker state adopted")
		}
	}

	if !e.cal.IsTradingDay(now) {
		rep.Skipped = "not a trading day"
		return rep, nil
	}

	// Selection may run pre-open; the per-date cache makes this a no-op for
	// the rest of the day.
	stocks, err := e.universe.EnsureToday(ctx, now)
	if err != nil {
		return rep, err
	}

	if rep.Session == marketcal.SessionClosed {
		rep.Skipped = "outside trading session"
		return rep, nil
	}

	open, err := e.store.GetOpenPositions(ctx, e.mode)
	if err != nil {
		return rep, fmt.Errorf("loading open positions: %w", err)
	}
	holdings := enteredOnly(open)
	rep.Holdings = len(holdings)

	heldSyms := make([]string, 0, len(holdings))
	for _, p := range holdings {
		heldSyms = append(heldSyms, p.Symbol)
	}
	var candidates []string
	if len(holdings) < e.cfg.Universe.MaxPositions {
		candidates = universe.EntryCandidates(stocks, heldSyms)
	}

	snaps := e.fetchSnapshots(ctx, append(append([]string{}, heldSyms...), candidates...))
	rep.Evaluated = len(snaps)

	equity := decimal.Zero
	bal, err := e.broker.GetAccountBalance(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("balance fetch failed, drawdown check skipped this cycle")
		bal = nil
	} else {
		equity = bal.TotalEquity
	}
	view, err := e.risk.Snapshot(ctx, now, equity)
	if err != nil {
		return rep, fmt.Errorf("risk snapshot: %w", err)
	}

	// Exits before entries; a shutdown stops between symbols, never inside
	// a decision.
	for _, pos := range holdings {
		if ctx.Err() != nil {
			rep.Skipped = "shutdown"
			break
		}
		snap, ok := snaps[pos.Symbol]
		if !ok {
			continue
		}
		if err := e.decideHolding(ctx, rep, view, pos, snap, now); err != nil {
			return rep, err
		}
	}

	slots := e.cfg.Universe.MaxPositions - len(holdings)
	for _, symbol := range candidates {
		if ctx.Err() != nil || slots <= 0 {
			break
		}
		snap, ok := snaps[symbol]
		if !ok {
			continue
		}
		filled, err := e.decideCandidate(ctx, rep, view, symbol, snap, now)
		if err != nil {
			return rep, err
		}
		if filled {
			slots--
		}
	}

	e.persistCycle(ctx, rep, view, bal, snaps, now)
	return rep, nil
}

// fetchSnapshots pulls quote and daily bars for every symbol in parallel.
// Failed symbols are logged and left out; the cycle trades what it can see.
func (e *Engine) fetchSnapshots(ctx context.Context, symbols []string) map[string]*symbolSnapshot {
	snaps := make(map[string]*symbolSnapshot, len(symbols))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ioParallelism)
	for _, symbol := range symbols {
		g.Go(func() error {
			quote, err := e.broker.GetCurrentPrice(gctx, symbol)
			if err != nil {
				e.logger.Warn().Err(err).Str("symbol", symbol).Msg("quote fetch failed, symbol skipped this cycle")
				return nil
			}
			bars, err := e.broker.GetDailyOHLCV(gctx, symbol, e.barCount)
			if err != nil {
				e.logger.Warn().Err(err).Str("symbol", symbol).Msg("bars fetch failed, symbol skipped this cycle")
				return nil
			}
			mu.Lock()
			snaps[symbol] = &symbolSnapshot{quote: quote, bars: bars}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // workers swallow their own failures
	return snaps
}

// ============ Decisions ============

// decideHolding runs the exit pipeline for one open position: gap check,
// strategy signal, trailing advance, alerts. A non-nil error is a halt.
func (e *Engine) decideHolding(ctx context.Context, rep *CycleReport, view *risk.View, pos *models.Position, snap *symbolSnapshot, now time.Time) error {
	price := snap.quote.Price

	// Gap protection outranks the strategy and reuses its exit path.
	gd := e.guard.CheckGap(pos, snap.quote.Open)
	var sig strategy.Signal
	if gd.Triggered {
		sig = strategy.Signal{Type: strategy.SignalSell, Reason: models.ExitGapProtection, ReferencePrice: price}
	} else {
		sig = e.strat.Evaluate(pos.Symbol, pos, snap.bars, price)
	}

	if sig.Type != strategy.SignalSell {
		if e.guard.AdvanceTrailing(pos, price, now) {
			if err := e.store.SavePosition(ctx, pos); err != nil {
				e.logger.Warn().Err(err).Str("symbol", pos.Symbol).Msg("saving raised trailing stop failed")
			} else {
				e.notifier.Notify(notify.TrailingRaised(pos))
			}
		}
		e.alerts(pos, price)
		e.noteNearStop(rep, pos, price)
		return nil
	}

	rep.Decisions++
	d := ordersync.Decision{
		Mode:     e.mode,
		Side:     models.SideSell,
		Symbol:   pos.Symbol,
		Name:     pos.Name,
		Quantity: pos.Quantity,
		SignalID: uuid.NewString(),
		Reason:   sig.Reason,
	}

	ok, err := e.gate(view, now, d, true)
	if err != nil || !ok {
		return err
	}
	if e.signalOnly {
		e.recordSignalOnly(ctx, d, sig, now)
		rep.Orders++
		return nil
	}

	res, err := e.sync.ExecuteSell(ctx, d, now)
	if err != nil {
		e.logger.Error().Err(err).Str("symbol", d.Symbol).Msg("sell execution failed")
		e.notifier.Notify(notify.SystemError("sell execution", err, map[string]string{
			"symbol":          d.Symbol,
			"mode":            string(d.Mode),
			"reason_code":     d.Reason,
			"idempotency_key": models.IdempotencyKey(d.Mode, d.Side, d.Symbol, d.Quantity, d.SignalID),
		}))
		return nil
	}
	rep.Orders++
	e.notifySell(d, res, gd)
	return nil
}

// decideCandidate runs the entry pipeline for one universe symbol. filled
// reports whether the decision consumed a position slot.
func (e *Engine) decideCandidate(ctx context.Context, rep *CycleReport, view *risk.View, symbol string, snap *symbolSnapshot, now time.Time) (bool, error) {
	if snap.quote.Halted || snap.quote.Management {
		e.logger.Debug().Str("symbol", symbol).Msg("halted or managed symbol, no entry")
		return false, nil
	}

	sig := e.strat.Evaluate(symbol, nil, snap.bars, snap.quote.Price)
	if sig.Type != strategy.SignalBuy {
		return false, nil
	}

	rep.Decisions++
	d := ordersync.Decision{
		Mode:           e.mode,
		Side:           models.SideBuy,
		Symbol:         symbol,
		Name:           e.symbolName(ctx, symbol),
		Quantity:       e.cfg.Trading.OrderQuantity,
		SignalID:       uuid.NewString(),
		ReferencePrice: sig.ReferencePrice,
		StopLoss:       sig.Stop,
		TakeProfit:     sig.TakeProfit,
		ATR:            sig.ATR,
	}

	ok, err := e.gate(view, now, d, false)
	if err != nil || !ok {
		return false, err
	}
	if e.signalOnly {
		e.recordSignalOnly(ctx, d, sig, now)
		rep.Orders++
		return true, nil
	}

	res, err := e.sync.ExecuteBuy(ctx, d, now)
	if err != nil {
		e.logger.Error().Err(err).Str("symbol", symbol).Msg("buy execution failed")
		e.notifier.Notify(notify.SystemError("buy execution", err, map[string]string{
			"symbol":          symbol,
			"mode":            string(d.Mode),
			"idempotency_key": models.IdempotencyKey(d.Mode, d.Side, d.Symbol, d.Quantity, d.SignalID),
		}))
		return false, nil
	}
	rep.Orders++
	if res.Position != nil && res.FilledQty > 0 {
		e.notifier.Notify(notify.BuyFilled(res.Position))
		return true, nil
	}
	if res.Outcome == ordersync.OutcomeCancelled {
		e.logger.Warn().Str("symbol", symbol).Str("order_no", res.OrderNo).Msg("entry expired unfilled")
	}
	return false, nil
}

// gate asks the risk controller. ok means hand the decision to the
// synchronizer; a non-nil error is a process halt. Denied session-window
// SELLs are parked as pending exits, emergency exits pass through to the
// synchronizer's own gate bypass.
func (e *Engine) gate(view *risk.View, now time.Time, d ordersync.Decision, closing bool) (bool, error) {
	err := e.risk.Allow(view, now, d.Side, closing)
	if err == nil {
		return true, nil
	}
	var denied *risk.DeniedError
	if !errors.As(err, &denied) {
		e.logger.Error().Err(err).Str("symbol", d.Symbol).Msg("risk gate failed")
		return false, nil
	}
	if denied.ShouldExit {
		e.notifier.Notify(notify.KillSwitchEngaged(denied.Reason))
		return false, fmt.Errorf("%s: %w", denied.Reason, ErrKillSwitch)
	}

	if d.Side == models.SideSell {
		sessionRule := denied.Rule == risk.RuleCallAuction || denied.Rule == risk.RuleMarketClosed
		if sessionRule && ordersync.EmergencyExit(d.Reason) {
			return true, nil
		}
		if denied.PendingExit() {
			e.sync.DeferExit(d.Symbol, d.Reason, denied.Rule, now)
			return false, nil
		}
	}

	switch denied.Rule {
	case risk.RuleMarketClosed, risk.RuleCallAuction:
		e.logger.Debug().Str("symbol", d.Symbol).Str("rule", denied.Rule).Msg("order outside session window")
	default:
		e.logger.Warn().Str("symbol", d.Symbol).Str("rule", denied.Rule).Str("reason", denied.Reason).Msg("order denied")
		e.notifier.Notify(notify.RiskTrip(denied.Rule, denied.Reason))
	}
	return false, nil
}

// notifySell routes a settled SELL to its event template.
func (e *Engine) notifySell(d ordersync.Decision, res *ordersync.SyncResult, gd guard.GapDecision) {
	switch res.Outcome {
	case ordersync.OutcomeFilled:
		if res.Position == nil {
			return
		}
		switch d.Reason {
		case models.ExitATRStop:
			e.notifier.Notify(notify.StopLossExit(res.Position))
		case models.ExitTakeProfit:
			e.notifier.Notify(notify.TakeProfitExit(res.Position))
		case models.ExitGapProtection:
			e.notifier.Notify(notify.GapExit(res.Position, gd.Open, gd.Reference, gd.RawGapPct, gd.DisplayPct))
		default:
			e.notifier.Notify(notify.SellFilled(res.Position))
		}
	case ordersync.OutcomePartial:
		e.notifier.Notify(notify.Warning(fmt.Sprintf("%s %s", d.Symbol, res.Message)))
	case ordersync.OutcomeCancelled:
		e.logger.Warn().Str("symbol", d.Symbol).Str("order_no", res.OrderNo).Msg("exit expired unfilled, strategy will re-emit")
	case ordersync.OutcomeFailed:
		e.logger.Error().Str("symbol", d.Symbol).Str("message", res.Message).Msg("exit rejected, parked for retry")
	}
}

// alerts emits the near-stop / near-target operator warnings once the
// progress threshold is reached. The notifier dedups per symbol.
func (e *Engine) alerts(pos *models.Position, price decimal.Decimal) {
	if e.alertAt.Sign() <= 0 {
		return
	}
	if sp := strategy.StopProgressPct(pos, price); sp.GreaterThanOrEqual(e.alertAt) {
		e.notifier.Notify(notify.NearStop(pos, sp))
		return
	}
	if tp := strategy.TargetProgressPct(pos, price); tp.GreaterThanOrEqual(e.alertAt) {
		e.notifier.Notify(notify.NearTarget(pos, tp))
	}
}

// noteNearStop flags the report when price sits within the configured
// fraction of the entry ATR above the effective stop.
func (e *Engine) noteNearStop(rep *CycleReport, pos *models.Position, price decimal.Decimal) {
	if rep.NearStop || pos.ATRAtEntry.Sign() <= 0 {
		return
	}
	stop := pos.EffectiveStop()
	if stop.Sign() <= 0 {
		return
	}
	dist := price.Sub(stop)
	if dist.Sign() < 0 {
		dist = decimal.Zero
	}
	if dist.LessThanOrEqual(pos.ATRAtEntry.Mul(e.nearRatio)) {
		rep.NearStop = true
	}
}

// recordSignalOnly books a decision that never reaches the broker: one
// operator event plus a ledger row under the SIGNAL_ONLY reason.
func (e *Engine) recordSignalOnly(ctx context.Context, d ordersync.Decision, sig strategy.Signal, now time.Time) {
	e.notifier.Notify(notify.SignalOnly(d.Symbol, sig))
	t := &models.Trade{
		IdempotencyKey: models.IdempotencyKey(d.Mode, d.Side, d.Symbol, d.Quantity, d.SignalID),
		Mode:           d.Mode,
		Symbol:         d.Symbol,
		Side:           d.Side,
		Price:          sig.ReferencePrice,
		Quantity:       d.Quantity,
		ExecutedAt:     now,
		Reason:         models.ExitSignalOnly,
		CreatedAt:      now,
	}
	if err := e.store.InsertTrade(ctx, t); err != nil && !errors.Is(err, storage.ErrDuplicateKey) {
		e.logger.Warn().Err(err).Str("symbol", d.Symbol).Msg("recording signal-only trade failed")
	}
}

// symbolName answers from the store's name cache; entries trade fine with an
// empty name.
func (e *Engine) symbolName(ctx context.Context, symbol string) string {
	sn, err := e.store.GetSymbolName(ctx, symbol)
	if err != nil || sn == nil {
		return ""
	}
	return sn.Name
}

// ============ Persistence ============

// persistCycle refreshes stored quotes, the positions mirror and the account
// snapshot. The mirror rewrites whenever an order settled; the snapshot and
// quote refresh hold to their once-per-minute budget.
func (e *Engine) persistCycle(ctx context.Context, rep *CycleReport, view *risk.View, bal *broker.Balance, snaps map[string]*symbolSnapshot, now time.Time) {
	due := e.lastSnapshotAt.IsZero() || now.Sub(e.lastSnapshotAt) >= snapshotEvery
	if !due && rep.Orders == 0 {
		return
	}

	// Decisions ran on copies; reload so settled exits and entries are
	// what reaches the mirror.
	open, err := e.store.GetOpenPositions(ctx, e.mode)
	if err != nil {
		e.logger.Warn().Err(err).Msg("position reload for persistence failed")
		return
	}
	entered := enteredOnly(open)
	for _, pos := range entered {
		snap, ok := snaps[pos.Symbol]
		if !ok {
			continue
		}
		if pos.ObservePrice(snap.quote.Price, now) {
			if err := e.store.SavePosition(ctx, pos); err != nil {
				e.logger.Warn().Err(err).Str("symbol", pos.Symbol).Msg("quote refresh save failed")
			}
		}
	}
	if err := e.cache.WriteOpen(e.mode, entered); err != nil {
		e.logger.Warn().Err(err).Msg("positions mirror write failed")
	}

	if due && bal != nil {
		snap := &models.AccountSnapshot{
			SnapshotTime:  now,
			Mode:          e.mode,
			TotalEquity:   bal.TotalEquity,
			Cash:          bal.Cash,
			UnrealizedPnL: bal.UnrealizedPnL,
			RealizedPnL:   view.RealizedToday,
			PositionCount: int64(len(entered)),
		}
		if err := e.store.InsertSnapshot(ctx, snap); err != nil {
			e.logger.Warn().Err(err).Msg("account snapshot write failed")
		} else {
			e.lastSnapshotAt = now
		}
		e.cacheNames(ctx, bal, now)
	}
}

// cacheNames refreshes the symbol-name cache from the balance holdings, the
// one endpoint that returns display names for free.
func (e *Engine) cacheNames(ctx context.Context, bal *broker.Balance, now time.Time) {
	for _, h := range bal.Holdings {
		if h.Name == "" {
			continue
		}
		sn := &models.SymbolName{Code: h.Symbol, Name: h.Name, UpdatedAt: now}
		if err := e.store.UpsertSymbolName(ctx, sn); err != nil {
			e.logger.Debug().Err(err).Str("symbol", h.Symbol).Msg("symbol name cache update failed")
			return
		}
	}
}
