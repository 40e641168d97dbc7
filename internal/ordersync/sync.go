// Package ordersync is the single entry point for placing and closing
// positions. Every decision runs one idempotent pipeline: derive the key,
// adopt or insert the order_state row, submit at most once, wait for the
// fill, and settle order_state, trade and position in one transaction.
package ordersync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/kisquant/trendatr/internal/broker"
	"github.com/kisquant/trendatr/internal/config"
	"github.com/kisquant/trendatr/internal/marketcal"
	"github.com/kisquant/trendatr/internal/models"
	"github.com/kisquant/trendatr/internal/notify"
	"github.com/kisquant/trendatr/internal/storage"
)

var hundred = decimal.NewFromInt(100)

// ============ Decisions and results ============

// Outcome classifies how one decision settled.
type Outcome string

const (
	OutcomeFilled      Outcome = "FILLED"
	OutcomePartial     Outcome = "PARTIAL"
	OutcomeCancelled   Outcome = "CANCELLED"
	OutcomeFailed      Outcome = "FAILED"
	OutcomePendingExit Outcome = "PENDING_EXIT"
)

// Success reports whether the decision produced the requested fill in full.
func (o Outcome) Success() bool { return o == OutcomeFilled }

// Decision is one order the engine wants executed. SignalID scopes the
// idempotency key: feeding the same decision twice settles it once.
type Decision struct {
	Mode     models.Mode
	Side     models.Side
	Symbol   string
	Name     string
	Quantity int64
	SignalID string

	// Entry levels for BUY decisions, computed against the signal's
	// reference price and re-anchored to the actual fill.
	ReferencePrice decimal.Decimal
	StopLoss       decimal.Decimal
	TakeProfit     decimal.Decimal
	ATR            decimal.Decimal

	// Exit classification for SELL decisions, one of the models.Exit codes.
	Reason string
}

func (d *Decision) validate(side models.Side) error {
	if d.Side == "" {
		d.Side = side
	}
	if d.Side != side {
		return fmt.Errorf("decision for %s carries side %s", d.Symbol, d.Side)
	}
	if !models.ValidSymbol(d.Symbol) {
		return fmt.Errorf("decision symbol %q is not a six-digit stock code", d.Symbol)
	}
	if !d.Mode.Valid() {
		return fmt.Errorf("decision for %s: invalid mode %q", d.Symbol, d.Mode)
	}
	if d.Quantity <= 0 {
		return fmt.Errorf("decision for %s: quantity must be positive, got %d", d.Symbol, d.Quantity)
	}
	if d.SignalID == "" {
		return fmt.Errorf("decision for %s: missing signal id", d.Symbol)
	}
	switch side {
	case models.SideBuy:
		if d.ATR.Sign() <= 0 {
			return fmt.Errorf("buy decision for %s: ATR must be positive, got %s", d.Symbol, d.ATR)
		}
		if d.ReferencePrice.Sign() <= 0 {
			return fmt.Errorf("buy decision for %s: missing reference price", d.Symbol)
		}
		if !d.StopLoss.LessThan(d.ReferencePrice) || !d.TakeProfit.GreaterThan(d.ReferencePrice) {
			return fmt.Errorf("buy decision for %s: levels must bracket the reference (stop %s, ref %s, target %s)",
				d.Symbol, d.StopLoss, d.ReferencePrice, d.TakeProfit)
		}
		if d.StopLoss.Sign() <= 0 {
			return fmt.Errorf("buy decision for %s: stop must be positive, got %s", d.Symbol, d.StopLoss)
		}
	case models.SideSell:
		if d.Reason == "" {
			return fmt.Errorf("sell decision for %s: missing exit reason", d.Symbol)
		}
	}
	return nil
}

// SyncResult reports the settled state of one decision.
type SyncResult struct {
	Outcome        Outcome
	IdempotencyKey string
	OrderNo        string
	FilledQty      int64
	AvgPrice       decimal.Decimal

	// Position is the position row as this decision left it; nil when the
	// decision never touched one (replays, pending exits).
	Position *models.Position

	Adopted  bool // resumed an existing non-terminal order row
	Replayed bool // returned a terminal row without touching the broker
	Message  string
}

// EmergencyExit marks the exits where abandoning the order is worse than
// waiting: protective stops and gap closes run with a stretched timeout and
// bypass the session gate.
func EmergencyExit(reason string) bool {
	return reason == models.ExitATRStop || reason == models.ExitGapProtection
}

func shortKey(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}

// ============ Synchronizer ============

// Synchronizer owns the order pipeline. It is the only component that calls
// the broker's order endpoints; everything else routes decisions through it.
type Synchronizer struct {
	broker   broker.Broker
	store    storage.Interface
	cal      *marketcal.Calendar
	notifier notify.Notifier
	logger   zerolog.Logger

	mode             models.Mode
	execTimeout      time.Duration
	emergencyTimeout time.Duration
	backoff          time.Duration
	commissionRate   decimal.Decimal

	mu      sync.Mutex
	pending map[string]PendingExit
}

// New wires the synchronizer from configuration. A nil notifier falls back
// to the no-op sink.
func New(cfg *config.Config, b broker.Broker, store storage.Interface, cal *marketcal.Calendar, n notify.Notifier, logger zerolog.Logger) *Synchronizer {
	if n == nil {
		n = notify.Noop{}
	}
	return &Synchronizer{
		broker:           b,
		store:            store,
		cal:              cal,
		notifier:         n,
		logger:           logger.With().Str("component", "ordersync").Logger(),
		mode:             cfg.Mode(),
		execTimeout:      cfg.ExecutionTimeout(),
		emergencyTimeout: cfg.EmergencyExecutionTimeout(),
		backoff:          cfg.PendingExitBackoff(),
		commissionRate:   decimal.NewFromFloat(cfg.Trading.CommissionRate),
		pending:          make(map[string]PendingExit),
	}
}

// ExecuteBuy opens a position. The order row and its PENDING position are
// created together before the submit, so a crash at any point leaves a
// recoverable trail.
func (s *Synchronizer) ExecuteBuy(ctx context.Context, d Decision, now time.Time) (*SyncResult, error) {
	if err := d.validate(models.SideBuy); err != nil {
		return nil, err
	}
	return s.run(ctx, d, now)
}

// ExecuteSell closes (part of) a position. Non-emergency sells respect the
// session gate and the pending-exit backoff; protective exits go straight
// to the broker.
func (s *Synchronizer) ExecuteSell(ctx context.Context, d Decision, now time.Time) (*SyncResult, error) {
	if err := d.validate(models.SideSell); err != nil {
		return nil, err
	}

	if !EmergencyExit(d.Reason) {
		if held, why := s.holdExit(d.Symbol, now); held {
			return &SyncResult{Outcome: OutcomePendingExit, Message: "held by pending-exit backoff: " + why}, nil
		}
		if ok, why := s.cal.CanExit(now); !ok {
			s.DeferExit(d.Symbol, d.Reason, why, now)
			return &SyncResult{Outcome: OutcomePendingExit, Message: "exit window closed: " + why}, nil
		}
	}

	res, err := s.run(ctx, d, now)
	if err != nil {
		return nil, err
	}
	switch res.Outcome {
	case OutcomeFilled, OutcomePartial:
		if pe, ok := s.clearExit(d.Symbol); ok {
			s.logger.Info().Str("symbol", d.Symbol).Str("reason", pe.Reason).Msg("pending exit cleared")
			s.notifier.Notify(notify.PendingExit(d.Symbol, pe.Reason, true))
		}
	case OutcomeFailed:
		s.DeferExit(d.Symbol, d.Reason, deferSubmitFailed, now)
	}
	return res, nil
}

// run is the shared pipeline behind both sides.
func (s *Synchronizer) run(ctx context.Context, d Decision, now time.Time) (*SyncResult, error) {
	key := models.IdempotencyKey(d.Mode, d.Side, d.Symbol, d.Quantity, d.SignalID)
	logger := s.logger.With().
		Str("symbol", d.Symbol).
		Str("side", string(d.Side)).
		Str("key", shortKey(key)).
		Logger()

	st, err := s.store.GetOrderState(ctx, key)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("order state lookup %s: %w", shortKey(key), err)
	}

	if st != nil {
		if st.Status.Terminal() {
			logger.Info().Str("status", string(st.Status)).Msg("replaying terminal order state")
			return replayResult(st), nil
		}
		logger.Warn().Str("status", string(st.Status)).Str("order_no", st.OrderNo).
			Msg("adopting in-flight order state")
		return s.adopt(ctx, st, d, now)
	}

	st = models.NewOrderState(d.Mode, d.Side, d.Symbol, d.Quantity, d.SignalID, now)
	if err := s.openDecision(ctx, st, d, now); err != nil {
		return nil, err
	}

	orderNo, err := s.submit(ctx, d)
	if err != nil {
		logger.Error().Err(err).Msg("order submit failed")
		return s.settleSubmitFailure(ctx, st, d, err, now)
	}
	if err := st.MarkSubmitted(orderNo, now); err != nil {
		return nil, err
	}
	if err := s.store.SaveOrderState(ctx, st); err != nil {
		return nil, fmt.Errorf("record submitted order %s: %w", shortKey(key), err)
	}
	logger.Info().Str("order_no", orderNo).Int64("qty", d.Quantity).Msg("order submitted")

	return s.await(ctx, st, d, now)
}

// openDecision persists the PENDING order row, and for buys the PENDING
// position alongside it, before anything reaches the broker.
func (s *Synchronizer) openDecision(ctx context.Context, st *models.OrderState, d Decision, now time.Time) error {
	err := s.store.Transact(ctx, func(tx storage.Interface) error {
		if err := tx.SaveOrderState(ctx, st); err != nil {
			return err
		}
		if d.Side != models.SideBuy {
			return nil
		}
		pos := models.NewPosition(uuid.NewString(), d.Mode, d.Symbol, d.Name, d.Quantity)
		pos.ATRAtEntry = d.ATR
		pos.StopLoss = d.StopLoss
		pos.TakeProfit = d.TakeProfit
		pos.CreatedAt = now
		pos.UpdatedAt = now
		return tx.SavePosition(ctx, pos)
	})
	if err != nil {
		return fmt.Errorf("open decision %s: %w", shortKey(st.IdempotencyKey), err)
	}
	return nil
}

// submit places the order. No retry here: a duplicate fill costs more than
// a missed attempt, and the caller retries through a fresh decision.
func (s *Synchronizer) submit(ctx context.Context, d Decision) (string, error) {
	var res *broker.OrderResult
	var err error
	if d.Side == models.SideBuy {
		res, err = s.broker.PlaceBuyOrder(ctx, d.Symbol, d.Quantity)
	} else {
		res, err = s.broker.PlaceSellOrder(ctx, d.Symbol, d.Quantity)
	}
	if err != nil {
		return "", err
	}
	if res == nil || res.OrderNo == "" {
		return "", fmt.Errorf("broker accepted %s %s without an order number", d.Side, d.Symbol)
	}
	return res.OrderNo, nil
}

// adopt resumes a non-terminal row instead of submitting again. A row that
// never recorded broker acceptance has nothing to wait on; it is closed out
// locally and the next decision retries under a fresh key.
func (s *Synchronizer) adopt(ctx context.Context, st *models.OrderState, d Decision, now time.Time) (*SyncResult, error) {
	if st.OrderNo == "" {
		res, err := s.settleAbandoned(ctx, st, d, now, "adopted order row without broker acceptance")
		if err != nil {
			return nil, err
		}
		res.Adopted = true
		return res, nil
	}

	// A PARTIAL row already had its remainder cancelled by the first wait;
	// one ledger read settles it without burning another timeout.
	if st.Status == models.OrderPartial {
		if status, err := s.broker.GetOrderStatus(ctx, st.OrderNo); err == nil {
			outcome := &broker.ExecutionOutcome{
				Status:    models.OrderPartial,
				FilledQty: status.FilledQty,
				AvgPrice:  status.AvgPrice,
			}
			if status.FilledQty >= st.RequestedQty {
				outcome.Status = models.OrderFilled
			}
			res, err := s.settle(ctx, st, d, outcome, now)
			if err != nil {
				return nil, err
			}
			res.Adopted = true
			return res, nil
		}
	}

	res, err := s.await(ctx, st, d, now)
	if err != nil {
		return nil, err
	}
	res.Adopted = true
	return res, nil
}

// await waits out the fill and settles whatever the broker reports.
func (s *Synchronizer) await(ctx context.Context, st *models.OrderState, d Decision, now time.Time) (*SyncResult, error) {
	timeout := s.execTimeout
	if d.Side == models.SideSell && EmergencyExit(d.Reason) {
		timeout = s.emergencyTimeout
	}
	outcome, err := s.broker.WaitForExecution(ctx, st.OrderNo, st.RequestedQty, timeout)
	if err != nil {
		// The row stays SUBMITTED; a later adoption or the stale sweep
		// resolves it once the broker answers again.
		return nil, fmt.Errorf("wait for execution %s: %w", st.OrderNo, err)
	}
	return s.settle(ctx, st, d, outcome, now)
}

// ============ Settlement ============

// settle lands the order transition, the trade row and the position update
// in one transaction.
func (s *Synchronizer) settle(ctx context.Context, st *models.OrderState, d Decision, out *broker.ExecutionOutcome, now time.Time) (*SyncResult, error) {
	res := &SyncResult{
		IdempotencyKey: st.IdempotencyKey,
		OrderNo:        st.OrderNo,
		FilledQty:      out.FilledQty,
		AvgPrice:       out.AvgPrice,
	}

	err := s.store.Transact(ctx, func(tx storage.Interface) error {
		switch out.Status {
		case models.OrderFilled:
			res.Outcome = OutcomeFilled
			return s.settleFilled(ctx, tx, st, d, out, now, res)
		case models.OrderPartial:
			res.Outcome = OutcomePartial
			return s.settlePartial(ctx, tx, st, d, out, now, res)
		default:
			res.Outcome = OutcomeCancelled
			return s.settleCancelled(ctx, tx, st, d, now, res)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("settle order %s: %w", shortKey(st.IdempotencyKey), err)
	}

	s.logger.Info().
		Str("symbol", d.Symbol).
		Str("side", string(d.Side)).
		Str("outcome", string(res.Outcome)).
		Int64("filled", res.FilledQty).
		Str("avg_price", res.AvgPrice.StringFixed(0)).
		Str("order_no", res.OrderNo).
		Msg("decision settled")

	if d.Side == models.SideSell && res.FilledQty > 0 {
		s.refreshDailySummary(ctx, now)
	}
	return res, nil
}

// refreshDailySummary recomputes today's aggregate from the trade ledger
// after a sell settles. Recomputing keeps the row correct across replays
// and crash-recovered settlements; a failure only costs the report row.
func (s *Synchronizer) refreshDailySummary(ctx context.Context, now time.Time) {
	trades, err := s.store.GetTradesOn(ctx, s.mode, now)
	if err != nil {
		s.logger.Warn().Err(err).Msg("daily summary reload failed")
		return
	}
	ds := &models.DailySummary{TradeDate: s.cal.TradeDate(now), Mode: s.mode}
	var streak int64
	for _, t := range trades {
		if t.Side != models.SideSell {
			continue
		}
		ds.TradesCount++
		ds.RealizedPnL = ds.RealizedPnL.Add(t.PnL)
		if t.PnL.IsNegative() {
			ds.LossCount++
			if streak++; streak > ds.MaxConsecutiveLosses {
				ds.MaxConsecutiveLosses = streak
			}
		} else {
			ds.WinCount++
			streak = 0
		}
	}
	if err := s.store.UpsertDailySummary(ctx, ds); err != nil {
		s.logger.Warn().Err(err).Str("trade_date", ds.TradeDate).Msg("daily summary upsert failed")
	}
}

func (s *Synchronizer) settleFilled(ctx context.Context, tx storage.Interface, st *models.OrderState, d Decision, out *broker.ExecutionOutcome, now time.Time, res *SyncResult) error {
	if err := st.Transition(models.OrderFilled, out.FilledQty, now); err != nil {
		return err
	}
	if err := tx.SaveOrderState(ctx, st); err != nil {
		return err
	}
	if d.Side == models.SideBuy {
		return s.enterPosition(ctx, tx, st, d, out.AvgPrice, out.FilledQty, now, res)
	}
	return s.exitPosition(ctx, tx, st, d, out.AvgPrice, out.FilledQty, now, res)
}

// settlePartial records the filled slice and closes the row: the remainder
// was already cancelled by the fill wait, so PARTIAL is only a waypoint on
// the way to the terminal CANCELLED.
func (s *Synchronizer) settlePartial(ctx context.Context, tx storage.Interface, st *models.OrderState, d Decision, out *broker.ExecutionOutcome, now time.Time, res *SyncResult) error {
	if err := st.Transition(models.OrderPartial, out.FilledQty, now); err != nil {
		return err
	}
	if err := st.Transition(models.OrderCancelled, out.FilledQty, now); err != nil {
		return err
	}
	if err := tx.SaveOrderState(ctx, st); err != nil {
		return err
	}
	if d.Side == models.SideBuy {
		return s.enterPosition(ctx, tx, st, d, out.AvgPrice, out.FilledQty, now, res)
	}
	return s.reducePosition(ctx, tx, st, d, out.AvgPrice, out.FilledQty, now, res)
}

func (s *Synchronizer) settleCancelled(ctx context.Context, tx storage.Interface, st *models.OrderState, d Decision, now time.Time, res *SyncResult) error {
	if err := st.Transition(models.OrderCancelled, st.FilledQty, now); err != nil {
		return err
	}
	if err := tx.SaveOrderState(ctx, st); err != nil {
		return err
	}
	res.Message = "no fill before timeout"
	if d.Side == models.SideBuy {
		return s.abandonEntry(ctx, tx, d, models.ExitEntryCancelled, now, res)
	}
	// The position stays ENTERED; the next cycle decides again.
	return nil
}

// settleAbandoned closes out an adopted row that never reached the broker.
func (s *Synchronizer) settleAbandoned(ctx context.Context, st *models.OrderState, d Decision, now time.Time, msg string) (*SyncResult, error) {
	res := &SyncResult{
		IdempotencyKey: st.IdempotencyKey,
		Outcome:        OutcomeCancelled,
		Message:        msg,
	}
	err := s.store.Transact(ctx, func(tx storage.Interface) error {
		if err := st.Transition(models.OrderCancelled, st.FilledQty, now); err != nil {
			return err
		}
		if err := tx.SaveOrderState(ctx, st); err != nil {
			return err
		}
		if d.Side == models.SideBuy {
			return s.abandonEntry(ctx, tx, d, models.ExitEntryCancelled, now, res)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("abandon order %s: %w", shortKey(st.IdempotencyKey), err)
	}
	s.logger.Warn().Str("symbol", d.Symbol).Str("key", shortKey(st.IdempotencyKey)).Msg(msg)
	return res, nil
}

// settleSubmitFailure marks the row FAILED and alerts the operator. The
// failure is a settled outcome for the caller, not a transport error.
func (s *Synchronizer) settleSubmitFailure(ctx context.Context, st *models.OrderState, d Decision, submitErr error, now time.Time) (*SyncResult, error) {
	res := &SyncResult{
		IdempotencyKey: st.IdempotencyKey,
		Outcome:        OutcomeFailed,
		Message:        submitErr.Error(),
	}
	err := s.store.Transact(ctx, func(tx storage.Interface) error {
		if err := st.MarkFailed(submitErr.Error(), now); err != nil {
			return err
		}
		if err := tx.SaveOrderState(ctx, st); err != nil {
			return err
		}
		if d.Side == models.SideBuy {
			return s.abandonEntry(ctx, tx, d, models.ExitEntryFailed, now, res)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record submit failure %s: %w", shortKey(st.IdempotencyKey), err)
	}

	s.notifier.Notify(notify.SystemError("order submit", submitErr, map[string]string{
		"symbol":          d.Symbol,
		"mode":            string(d.Mode),
		"idempotency_key": shortKey(st.IdempotencyKey),
	}))
	return res, nil
}

// ============ Position settlement helpers ============

// enterPosition promotes the PENDING position on a buy fill. Stop and
// target are re-anchored to the actual fill so the entry invariant holds
// against the price actually paid.
func (s *Synchronizer) enterPosition(ctx context.Context, tx storage.Interface, st *models.OrderState, d Decision, avgPrice decimal.Decimal, filledQty int64, now time.Time, res *SyncResult) error {
	pos, err := s.findPendingPosition(ctx, tx, d.Mode, d.Symbol)
	if err != nil {
		return err
	}
	pos.StopLoss, pos.TakeProfit = anchorLevels(d, avgPrice)
	if err := pos.MarkEntered(avgPrice, filledQty, st.OrderNo, now); err != nil {
		return err
	}
	if err := tx.SavePosition(ctx, pos); err != nil {
		return err
	}
	if err := s.insertTradeOnce(ctx, tx, &models.Trade{
		IdempotencyKey: st.IdempotencyKey,
		Mode:           d.Mode,
		Symbol:         d.Symbol,
		Side:           models.SideBuy,
		Price:          avgPrice,
		Quantity:       filledQty,
		ExecutedAt:     now,
		OrderNo:        st.OrderNo,
		CreatedAt:      now,
	}); err != nil {
		return err
	}
	res.Position = pos
	return nil
}

// exitPosition closes the ENTERED position on a full sell fill.
func (s *Synchronizer) exitPosition(ctx context.Context, tx storage.Interface, st *models.OrderState, d Decision, avgPrice decimal.Decimal, filledQty int64, now time.Time, res *SyncResult) error {
	pos, err := tx.GetEnteredPosition(ctx, d.Mode, d.Symbol)
	if err != nil {
		return fmt.Errorf("exit without an entered position: %w", err)
	}
	commission := s.roundTripCommission(pos.EntryPrice, avgPrice, filledQty)
	gross := avgPrice.Sub(pos.EntryPrice).Mul(decimal.NewFromInt(filledQty))
	realized := gross.Sub(commission)
	realizedPct := avgPrice.Sub(pos.EntryPrice).Div(pos.EntryPrice).Mul(hundred)
	if err := pos.MarkExited(avgPrice, d.Reason, st.OrderNo, now, realized, realizedPct, commission); err != nil {
		return err
	}
	if err := tx.SavePosition(ctx, pos); err != nil {
		return err
	}
	if err := s.insertTradeOnce(ctx, tx, &models.Trade{
		IdempotencyKey: st.IdempotencyKey,
		Mode:           d.Mode,
		Symbol:         d.Symbol,
		Side:           models.SideSell,
		Price:          avgPrice,
		Quantity:       filledQty,
		ExecutedAt:     now,
		Reason:         d.Reason,
		PnL:            realized,
		PnLPct:         realizedPct,
		EntryPrice:     pos.EntryPrice,
		HoldingDays:    pos.HoldingDays,
		OrderNo:        st.OrderNo,
		CreatedAt:      now,
	}); err != nil {
		return err
	}
	res.Position = pos
	return nil
}

// reducePosition books a partial sell fill: the slice realizes its pnl in
// the trade row while the position keeps running with the remainder.
func (s *Synchronizer) reducePosition(ctx context.Context, tx storage.Interface, st *models.OrderState, d Decision, avgPrice decimal.Decimal, filledQty int64, now time.Time, res *SyncResult) error {
	pos, err := tx.GetEnteredPosition(ctx, d.Mode, d.Symbol)
	if err != nil {
		return fmt.Errorf("partial exit without an entered position: %w", err)
	}
	if filledQty >= pos.Quantity {
		return s.exitPosition(ctx, tx, st, d, avgPrice, filledQty, now, res)
	}
	commission := s.roundTripCommission(pos.EntryPrice, avgPrice, filledQty)
	gross := avgPrice.Sub(pos.EntryPrice).Mul(decimal.NewFromInt(filledQty))
	realized := gross.Sub(commission)
	realizedPct := avgPrice.Sub(pos.EntryPrice).Div(pos.EntryPrice).Mul(hundred)

	pos.Quantity -= filledQty
	pos.ObservePrice(avgPrice, now)
	if err := tx.SavePosition(ctx, pos); err != nil {
		return err
	}
	if err := s.insertTradeOnce(ctx, tx, &models.Trade{
		IdempotencyKey: st.IdempotencyKey,
		Mode:           d.Mode,
		Symbol:         d.Symbol,
		Side:           models.SideSell,
		Price:          avgPrice,
		Quantity:       filledQty,
		ExecutedAt:     now,
		Reason:         d.Reason,
		PnL:            realized,
		PnLPct:         realizedPct,
		EntryPrice:     pos.EntryPrice,
		HoldingDays:    pos.HoldingDaysAt(now),
		OrderNo:        st.OrderNo,
		CreatedAt:      now,
	}); err != nil {
		return err
	}
	res.Position = pos
	res.Message = fmt.Sprintf("partial exit: %d of %d filled, remainder cancelled", filledQty, st.RequestedQty)
	return nil
}

// abandonEntry closes the PENDING position of a buy that produced no fill.
func (s *Synchronizer) abandonEntry(ctx context.Context, tx storage.Interface, d Decision, reason string, now time.Time, res *SyncResult) error {
	pos, err := s.findPendingPosition(ctx, tx, d.Mode, d.Symbol)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	if err := pos.MarkEntryAbandoned(reason, now); err != nil {
		return err
	}
	if err := tx.SavePosition(ctx, pos); err != nil {
		return err
	}
	res.Position = pos
	return nil
}

func (s *Synchronizer) findPendingPosition(ctx context.Context, tx storage.Interface, mode models.Mode, symbol string) (*models.Position, error) {
	open, err := tx.GetOpenPositions(ctx, mode)
	if err != nil {
		return nil, err
	}
	var found *models.Position
	for _, p := range open {
		if p.Symbol == symbol && p.State == models.StatePending {
			found = p
		}
	}
	if found == nil {
		return nil, fmt.Errorf("pending position %s/%s: %w", mode, symbol, storage.ErrNotFound)
	}
	return found, nil
}

// insertTradeOnce tolerates the replay of a settlement that already wrote
// its trade row before a crash.
func (s *Synchronizer) insertTradeOnce(ctx context.Context, tx storage.Interface, t *models.Trade) error {
	err := tx.InsertTrade(ctx, t)
	if errors.Is(err, storage.ErrDuplicateKey) {
		s.logger.Debug().Str("key", shortKey(t.IdempotencyKey)).Msg("trade already recorded")
		return nil
	}
	return err
}

// anchorLevels shifts the signal's stop and target onto the actual fill,
// preserving their distance from the reference price. A fill at the
// reference reproduces the signal levels exactly.
func anchorLevels(d Decision, fill decimal.Decimal) (stop, target decimal.Decimal) {
	stop, target = d.StopLoss, d.TakeProfit
	if d.ReferencePrice.Sign() > 0 && !fill.Equal(d.ReferencePrice) {
		stop = fill.Sub(d.ReferencePrice.Sub(d.StopLoss))
		target = fill.Add(d.TakeProfit.Sub(d.ReferencePrice))
	}
	return stop, target
}

// roundTripCommission charges both legs at exit, the way the realized
// ledger reports costs.
func (s *Synchronizer) roundTripCommission(entry, exit decimal.Decimal, qty int64) decimal.Decimal {
	if s.commissionRate.Sign() <= 0 {
		return decimal.Zero
	}
	notional := entry.Add(exit).Mul(decimal.NewFromInt(qty))
	return notional.Mul(s.commissionRate).Round(0)
}

// replayResult rebuilds the caller-facing result from a terminal row.
func replayResult(st *models.OrderState) *SyncResult {
	res := &SyncResult{
		IdempotencyKey: st.IdempotencyKey,
		OrderNo:        st.OrderNo,
		FilledQty:      st.FilledQty,
		AvgPrice:       decimal.Zero,
		Replayed:       true,
		Message:        "replayed terminal order state",
	}
	switch {
	case st.Status == models.OrderFailed:
		res.Outcome = OutcomeFailed
		res.Message = st.LastError
	case st.FilledQty >= st.RequestedQty:
		res.Outcome = OutcomeFilled
	case st.FilledQty > 0:
		res.Outcome = OutcomePartial
	default:
		res.Outcome = OutcomeCancelled
	}
	return res
}
