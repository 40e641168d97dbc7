// Package engine runs the trading loop: one decision cycle at a time over
// the holdings and today's entry candidates, with dynamic cadence, outage
// backoff and snapshot persistence. All decisions flow through the risk
// controller and the order synchronizer; the engine itself never talks to
// the broker's order endpoints.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/kisquant/trendatr/internal/broker"
	"github.com/kisquant/trendatr/internal/config"
	"github.com/kisquant/trendatr/internal/guard"
	"github.com/kisquant/trendatr/internal/marketcal"
	"github.com/kisquant/trendatr/internal/models"
	"github.com/kisquant/trendatr/internal/notify"
	"github.com/kisquant/trendatr/internal/ordersync"
	"github.com/kisquant/trendatr/internal/reconcile"
	"github.com/kisquant/trendatr/internal/risk"
	"github.com/kisquant/trendatr/internal/storage"
	"github.com/kisquant/trendatr/internal/strategy"
	"github.com/kisquant/trendatr/internal/universe"
)

const (
	// ioParallelism bounds concurrent broker fetches per cycle, matching the
	// store's connection pool cap.
	ioParallelism = 5

	// outageWindow is how long the broker must look down before a cycle
	// aborts without placing orders.
	outageWindow = 60 * time.Second

	snapshotEvery   = time.Minute
	staleSweepEvery = 15 * time.Minute
)

// ErrKillSwitch is returned by Run when a gate demanded a full stop: the
// operator's halt file or the cumulative drawdown cap.
var ErrKillSwitch = errors.New("trading halted by kill switch")

// Deps are the collaborators the engine orchestrates. Notifier may be nil.
type Deps struct {
	Broker     broker.Broker
	Store      storage.Interface
	Cache      *storage.FileCache
	Calendar   *marketcal.Calendar
	Strategy   strategy.Strategy
	Guard      *guard.Guard
	Risk       *risk.Controller
	Sync       *ordersync.Synchronizer
	Reconciler *reconcile.Reconciler
	Universe   *universe.Service
	Notifier   notify.Notifier
	Logger     zerolog.Logger

	// SignalOnly records and notifies decisions without ever calling the
	// broker's order endpoints.
	SignalOnly bool
}

// Engine drives the trading loop. Not safe for concurrent use: one engine,
// one goroutine.
type Engine struct {
	cfg      *config.Config
	broker   broker.Broker
	store    storage.Interface
	cache    *storage.FileCache
	cal      *marketcal.Calendar
	strat    strategy.Strategy
	guard    *guard.Guard
	risk     *risk.Controller
	sync     *ordersync.Synchronizer
	recon    *reconcile.Reconciler
	universe *universe.Service
	notifier notify.Notifier
	logger   zerolog.Logger

	mode       models.Mode
	signalOnly bool
	barCount   int
	alertAt    decimal.Decimal // stop/target progress percentage that alerts
	nearRatio  decimal.Decimal // near-stop band as a fraction of entry ATR

	outageSeen     bool
	lastSnapshotAt time.Time
	lastStaleSweep time.Time
	prewarmedOn    string
	runs           int
}

func New(cfg *config.Config, d Deps) *Engine {
	n := d.Notifier
	if n == nil {
		n = notify.Noop{}
	}
	// The trend filter needs one extra bar for the break check; the entry
	// path needs two ATR windows for the volatility spike filter.
	bars := cfg.Strategy.TrendMAPeriod + 1
	if alt := 2*cfg.Strategy.ATRPeriod + 1; alt > bars {
		bars = alt
	}
	return &Engine{
		cfg:        cfg,
		broker:     d.Broker,
		store:      d.Store,
		cache:      d.Cache,
		cal:        d.Calendar,
		strat:      d.Strategy,
		guard:      d.Guard,
		risk:       d.Risk,
		sync:       d.Sync,
		recon:      d.Reconciler,
		universe:   d.Universe,
		notifier:   n,
		logger:     d.Logger.With().Str("component", "engine").Logger(),
		mode:       cfg.Mode(),
		signalOnly: d.SignalOnly,
		barCount:   bars,
		alertAt:    decimal.NewFromFloat(cfg.Notify.AlertThresholdPct),
		nearRatio:  decimal.NewFromFloat(cfg.Engine.NearStopATRRatio),
	}
}

// Run loops until ctx is cancelled, the configured run budget is spent, or a
// gate demands a halt. A clean shutdown finishes the in-flight cycle at a
// decision boundary, persists a final snapshot and returns nil.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info().
		Str("mode", string(e.mode)).
		Bool("signal_only", e.signalOnly).
		Dur("interval", e.cfg.CycleInterval()).
		Msg("engine starting")
	e.notifier.Notify(notify.SystemStart(e.mode, e.cfg.Universe.FixedSymbols, e.cfg.CycleInterval(), e.cfg.Trading.OrderQuantity))

	if _, err := e.sync.CleanupStale(ctx, e.cal.Now()); err != nil {
		e.logger.Warn().Err(err).Msg("startup stale-order sweep failed")
	}
	e.lastStaleSweep = e.cal.Now()

	for ctx.Err() == nil {
		now := e.cal.Now()
		e.maybePrewarm(ctx, now)
		e.maybeSweep(ctx, now)

		rep, err := e.Cycle(ctx, now)
		switch {
		case errors.Is(err, ErrKillSwitch), errors.Is(err, universe.ErrHalted):
			e.finalize(err.Error())
			return err
		case err != nil:
			// Store or snapshot failures: log and try again next interval.
			e.logger.Error().Err(err).Msg("cycle failed")
		default:
			e.logCycle(rep)
		}

		e.runs++
		if e.cfg.Engine.MaxRuns > 0 && e.runs >= e.cfg.Engine.MaxRuns {
			e.logger.Info().Int("runs", e.runs).Msg("run budget spent")
			break
		}

		interval := e.cfg.CycleInterval()
		if rep != nil && rep.NearStop {
			interval = e.cfg.NearStopInterval()
		}
		if !e.sleep(ctx, interval) {
			break
		}
	}

	e.finalize("shutdown")
	return nil
}

// sleep waits d or until cancellation; false means the loop should stop.
func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// maybePrewarm refreshes the broker token ahead of the open, once per trade
// date, so the first cycle of the day does not pay the auth round trip.
func (e *Engine) maybePrewarm(ctx context.Context, now time.Time) {
	if e.cal.SessionAt(now) != marketcal.SessionClosed || !e.cal.IsTradingDay(now) {
		return
	}
	if now.In(marketcal.KST()).Hour() < e.cfg.Broker.TokenPrewarmHour {
		return
	}
	date := e.cal.TradeDate(now)
	if e.prewarmedOn == date {
		return
	}
	e.prewarmedOn = date
	if e.broker.PrewarmToken(ctx) {
		e.logger.Info().Str("trade_date", date).Msg("broker token prewarmed")
	}
}

func (e *Engine) maybeSweep(ctx context.Context, now time.Time) {
	if now.Sub(e.lastStaleSweep) < staleSweepEvery {
		return
	}
	e.lastStaleSweep = now
	n, err := e.sync.CleanupStale(ctx, now)
	if err != nil {
		e.logger.Warn().Err(err).Msg("stale-order sweep failed")
		return
	}
	if n > 0 {
		e.logger.Info().Int("closed", n).Msg("stale order rows closed")
	}
}

// finalize persists a last snapshot and announces the stop. It runs on its
// own deadline because the loop context is usually already cancelled.
func (e *Engine) finalize(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	now := e.cal.Now()

	trades := 0
	pnl := decimal.Zero
	if rows, err := e.store.GetTradesOn(ctx, e.mode, now); err == nil {
		for _, t := range rows {
			if t.Side == models.SideSell {
				trades++
				pnl = pnl.Add(t.PnL)
			}
		}
	}

	open, err := e.store.GetOpenPositions(ctx, e.mode)
	if err != nil {
		e.logger.Warn().Err(err).Msg("final position load failed")
	} else {
		entered := enteredOnly(open)
		if err := e.cache.WriteOpen(e.mode, entered); err != nil {
			e.logger.Warn().Err(err).Msg("final mirror write failed")
		}
		if bal, err := e.broker.GetAccountBalance(ctx); err == nil {
			snap := &models.AccountSnapshot{
				SnapshotTime:  now,
				Mode:          e.mode,
				TotalEquity:   bal.TotalEquity,
				Cash:          bal.Cash,
				UnrealizedPnL: bal.UnrealizedPnL,
				RealizedPnL:   pnl,
				PositionCount: int64(len(entered)),
			}
			if err := e.store.InsertSnapshot(ctx, snap); err != nil {
				e.logger.Warn().Err(err).Msg("final snapshot write failed")
			}
		}
	}

	e.notifier.Notify(notify.SystemStop(reason, trades, pnl))
	e.logger.Info().Str("reason", reason).Int("cycles", e.runs).Msg("engine stopped")
}

func (e *Engine) logCycle(rep *CycleReport) {
	ev := e.logger.Debug()
	if rep.Orders > 0 || rep.Skipped != "" {
		ev = e.logger.Info()
	}
	ev.Str("session", rep.Session.String()).
		Int("holdings", rep.Holdings).
		Int("evaluated", rep.Evaluated).
		Int("decisions", rep.Decisions).
		Int("orders", rep.Orders).
		Bool("near_stop", rep.NearStop).
		Str("skipped", rep.Skipped).
		Msg("cycle complete")
}

func enteredOnly(open []*models.Position) []*models.Position {
	out := make([]*models.Position, 0, len(open))
	for _, p := range open {
		if p.State == models.StateEntered {
			out = append(out, p)
		}
	}
	return out
}
