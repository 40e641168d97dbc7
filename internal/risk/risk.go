// Package risk gates every order decision before it reaches the order
// synchronizer. Checks run in a fixed order and the first failure denies;
// loss caps read a per-cycle snapshot of the trade ledger, so a fill that
// lands between snapshot and submit is absorbed by the synchronizer's
// idempotency key rather than re-checked here.
package risk

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/kisquant/trendatr/internal/config"
	"github.com/kisquant/trendatr/internal/marketcal"
	"github.com/kisquant/trendatr/internal/models"
	"github.com/kisquant/trendatr/internal/storage"
)

// Rule names carried on DeniedError.
const (
	RuleKillSwitch      = "KILL_SWITCH"
	RuleMarketClosed    = "MARKET_CLOSED"
	RuleCallAuction     = "CALL_AUCTION"
	RulePerTradeLoss    = "PER_TRADE_LOSS"
	RuleDailyLoss       = "DAILY_LOSS"
	RuleConsecutiveLoss = "CONSECUTIVE_LOSSES"
	RuleTradeCount      = "TRADE_COUNT"
	RuleDrawdown        = "CUMULATIVE_DRAWDOWN"
)

// DeniedError reports which gate refused an order and whether the process
// should stop trading entirely.
type DeniedError struct {
	Rule       string
	Reason     string
	ShouldExit bool
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("order denied by %s: %s", e.Rule, e.Reason)
}

// PendingExit reports whether a denied SELL should be parked as a pending
// exit and retried after the backoff, rather than dropped.
func (e *DeniedError) PendingExit() bool {
	return e.Rule == RuleCallAuction || e.Rule == RuleMarketClosed
}

// View is the read-only risk snapshot taken once per cycle. All daily
// numbers derive from the persisted trade ledger, so a restart cannot
// forget losses.
type View struct {
	TradeDate         string
	Equity            decimal.Decimal
	RealizedToday     decimal.Decimal
	DailyLossPct      decimal.Decimal
	ClosedToday       int
	ConsecutiveLosses int
	LastClosedPnLPct  decimal.Decimal
	HasClosedTrade    bool
	DrawdownPct       decimal.Decimal
	DrawdownWarning   bool
}

// Controller evaluates the ordered gate list against a View.
type Controller struct {
	cfg     *config.Config
	store   storage.Interface
	cal     *marketcal.Calendar
	logger  zerolog.Logger
	mode    models.Mode
	initial decimal.Decimal

	mu         sync.Mutex
	warnedDDOn string // trade date of the last drawdown warning
}

// NewController wires the gate list against the store and calendar.
func NewController(cfg *config.Config, store storage.Interface, cal *marketcal.Calendar, logger zerolog.Logger) *Controller {
	return &Controller{
		cfg:     cfg,
		store:   store,
		cal:     cal,
		logger:  logger.With().Str("component", "risk").Logger(),
		mode:    cfg.Mode(),
		initial: decimal.NewFromInt(cfg.Trading.InitialCapital),
	}
}

// Snapshot assembles the per-cycle View at the exchange-local time now.
// equity is the current total account value; pass zero when the balance
// fetch failed and the drawdown check is skipped for the cycle.
func (c *Controller) Snapshot(ctx context.Context, now time.Time, equity decimal.Decimal) (*View, error) {
	v := &View{
		TradeDate: c.cal.TradeDate(now),
		Equity:    equity,
	}

	trades, err := c.store.GetTradesOn(ctx, c.mode, now)
	if err != nil {
		return nil, fmt.Errorf("loading today's trades: %w", err)
	}
	for _, t := range trades {
		if t.Side != models.SideSell {
			continue
		}
		v.ClosedToday++
		v.RealizedToday = v.RealizedToday.Add(t.PnL)
		v.LastClosedPnLPct = t.PnLPct
		v.HasClosedTrade = true
		if t.PnL.IsNegative() {
			v.ConsecutiveLosses++
		} else {
			v.ConsecutiveLosses = 0
		}
	}

	hundred := decimal.NewFromInt(100)
	if c.initial.IsPositive() {
		v.DailyLossPct = v.RealizedToday.Div(c.initial).Mul(hundred)
		if equity.IsPositive() {
			v.DrawdownPct = c.initial.Sub(equity).Div(c.initial).Mul(hundred)
		}
	}

	warnAt := decimal.NewFromFloat(c.cfg.Risk.DrawdownWarningPct)
	killAt := decimal.NewFromFloat(c.cfg.Risk.CumulativeDDPct)
	if warnAt.IsPositive() && v.DrawdownPct.GreaterThanOrEqual(warnAt) && v.DrawdownPct.LessThan(killAt) {
		v.DrawdownWarning = true
		c.mu.Lock()
		if c.warnedDDOn != v.TradeDate {
			c.warnedDDOn = v.TradeDate
			c.logger.Warn().
				Str("drawdown_pct", v.DrawdownPct.StringFixed(2)).
				Str("kill_at_pct", killAt.StringFixed(2)).
				Msg("drawdown approaching kill threshold")
		}
		c.mu.Unlock()
	}

	return v, nil
}

// Allow runs the ordered gate list for one order decision. closing marks a
// SELL that reduces or exits a position; loss caps never block those.
// A nil return means the order may be handed to the synchronizer.
func (c *Controller) Allow(v *View, now time.Time, side models.Side, closing bool) error {
	if active, reason := c.KillSwitchActive(); active {
		return &DeniedError{Rule: RuleKillSwitch, Reason: reason, ShouldExit: true}
	}

	if side == models.SideBuy {
		if !c.cal.CanEnter(now) {
			return &DeniedError{Rule: RuleMarketClosed, Reason: "entries only during the regular session"}
		}
	} else {
		if ok, why := c.cal.CanExit(now); !ok {
			rule := RuleMarketClosed
			if why == "CALL_AUCTION" {
				rule = RuleCallAuction
			}
			return &DeniedError{Rule: rule, Reason: "exit window closed: " + why}
		}
	}

	if closing {
		return nil
	}

	if limit := c.cfg.Risk.PerTradeMaxLossPct; limit > 0 && v.HasClosedTrade {
		if v.LastClosedPnLPct.LessThanOrEqual(decimal.NewFromFloat(-limit)) {
			return &DeniedError{
				Rule:   RulePerTradeLoss,
				Reason: fmt.Sprintf("last closed trade lost %s%%, cap %.1f%%", v.LastClosedPnLPct.StringFixed(2), limit),
			}
		}
	}

	if limit := c.cfg.Risk.DailyMaxLossPct; limit > 0 {
		if v.DailyLossPct.LessThanOrEqual(decimal.NewFromFloat(-limit)) {
			return &DeniedError{
				Rule:   RuleDailyLoss,
				Reason: fmt.Sprintf("daily realized %s%% breaches -%.1f%%", v.DailyLossPct.StringFixed(2), limit),
			}
		}
	}

	if limit := c.cfg.Risk.MaxConsecutiveLosses; limit > 0 && v.ConsecutiveLosses >= limit {
		return &DeniedError{
			Rule:   RuleConsecutiveLoss,
			Reason: fmt.Sprintf("%d consecutive losing trades, cap %d", v.ConsecutiveLosses, limit),
		}
	}

	if limit := c.cfg.Risk.DailyMaxTrades; limit > 0 && v.ClosedToday >= limit {
		return &DeniedError{
			Rule:   RuleTradeCount,
			Reason: fmt.Sprintf("%d trades closed today, cap %d", v.ClosedToday, limit),
		}
	}

	if killAt := c.cfg.Risk.CumulativeDDPct; killAt > 0 && v.Equity.IsPositive() {
		if v.DrawdownPct.GreaterThanOrEqual(decimal.NewFromFloat(killAt)) {
			reason := fmt.Sprintf("cumulative drawdown %s%% breaches %.1f%%", v.DrawdownPct.StringFixed(2), killAt)
			if err := c.EngageKillSwitch(reason); err != nil {
				c.logger.Error().Err(err).Msg("engaging kill switch")
			}
			return &DeniedError{Rule: RuleDrawdown, Reason: reason, ShouldExit: true}
		}
	}

	return nil
}

// KillSwitchActive reports whether the operator (or the drawdown gate) has
// halted trading. The file's text is returned as the reason.
func (c *Controller) KillSwitchActive() (bool, string) {
	raw, err := os.ReadFile(c.cfg.KillSwitchFile())
	if err != nil {
		return false, ""
	}
	reason := strings.TrimSpace(string(raw))
	if reason == "" {
		reason = "kill switch engaged"
	}
	if len(reason) > 200 {
		reason = reason[:200]
	}
	return true, reason
}

// EngageKillSwitch persists the halt so it survives restarts. An existing
// file is left untouched; the operator's note wins.
func (c *Controller) EngageKillSwitch(reason string) error {
	path := c.cfg.KillSwitchFile()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return fmt.Errorf("writing kill switch: %w", err)
	}
	defer f.Close()

	c.logger.Error().Str("reason", reason).Msg("kill switch engaged")
	_, err = fmt.Fprintf(f, "%s\nengaged at %s\n", reason, time.Now().In(marketcal.KST()).Format(time.RFC3339))
	return err
}

// DisengageKillSwitch removes the halt file. Used by operator tooling, not
// by the engine.
func (c *Controller) DisengageKillSwitch() error {
	err := os.Remove(c.cfg.KillSwitchFile())
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
