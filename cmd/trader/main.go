// Command trader runs the KRX trend/ATR trading engine against a Korea
// Investment & Securities account. Flags override the YAML configuration;
// secrets come from the environment (optionally a .env file).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/kisquant/trendatr/internal/broker"
	"github.com/kisquant/trendatr/internal/config"
	"github.com/kisquant/trendatr/internal/engine"
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

// Exit codes the operator and the service unit key off.
const (
	exitOK         = 0
	exitError      = 1
	exitConfig     = 2
	exitLockHeld   = 3
	exitReconcile  = 4
	exitKillSwitch = 5
)

// realArmingDelay gives the operator a last chance to abort a live start.
const realArmingDelay = 10 * time.Second

// stockList collects repeated -stock flags, each possibly comma separated.
type stockList []string

func (s *stockList) String() string { return strings.Join(*s, ",") }

func (s *stockList) Set(v string) error {
	for _, code := range strings.Split(v, ",") {
		if code = strings.TrimSpace(code); code != "" {
			*s = append(*s, code)
		}
	}
	return nil
}

// options are the parsed command line; zero overrides leave the config as is.
type options struct {
	configPath  string
	runMode     string
	feed        string
	interval    int
	maxRuns     int
	orderQty    int64
	confirmReal bool
	stocks      stockList
}

func parseFlags(args []string) (*options, error) {
	fs := flag.NewFlagSet("trader", flag.ContinueOnError)
	o := &options{}
	fs.StringVar(&o.configPath, "config", "config.yaml", "path to configuration file")
	fs.StringVar(&o.runMode, "mode", "trade", "run mode: trade places orders, cbt records signals only")
	fs.StringVar(&o.feed, "feed", "rest", "quote feed: rest polling or ws streaming")
	fs.IntVar(&o.interval, "interval", 0, "override cycle interval in seconds")
	fs.IntVar(&o.maxRuns, "max-runs", 0, "stop after N cycles (0 = run until signalled)")
	fs.Int64Var(&o.orderQty, "order-quantity", 0, "override order quantity in shares")
	fs.BoolVar(&o.confirmReal, "confirm-real-trading", false, "required to start in REAL mode")
	fs.Var(&o.stocks, "stock", "trade only these stock codes (repeatable, comma separated)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if o.runMode != "trade" && o.runMode != "cbt" {
		err := fmt.Errorf("invalid -mode %q: want trade or cbt", o.runMode)
		fmt.Fprintln(fs.Output(), err)
		return nil, err
	}
	if o.feed != "rest" && o.feed != "ws" {
		err := fmt.Errorf("invalid -feed %q: want rest or ws", o.feed)
		fmt.Fprintln(fs.Output(), err)
		return nil, err
	}
	return o, nil
}

func main() {
	o, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(exitOK)
		}
		os.Exit(exitConfig)
	}
	os.Exit(run(o))
}

func run(o *options) int {
	// .env is optional; a present-but-broken one is a config error.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "loading .env: %v\n", err)
		return exitConfig
	}

	cfg, err := config.Load(o.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return exitConfig
	}
	if o.interval > 0 {
		cfg.Engine.IntervalSeconds = o.interval
	}
	if o.maxRuns > 0 {
		cfg.Engine.MaxRuns = o.maxRuns
	}
	if o.orderQty > 0 {
		cfg.Trading.OrderQuantity = o.orderQty
	}
	if len(o.stocks) > 0 {
		cfg.Universe.SelectionMethod = "fixed"
		cfg.Universe.FixedSymbols = o.stocks
	}
	// Re-check after flag overrides; Normalize re-clamps the cadence floor.
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return exitConfig
	}

	mode := cfg.Mode()
	logger := newLogger(cfg.Environment.LogLevel, mode)
	signalOnly := o.runMode == "cbt"

	// A config/.env mode disagreement means the operator is not running what
	// they think they are.
	if envMode := os.Getenv("EXECUTION_MODE"); envMode != "" {
		want, err := models.ParseMode(envMode)
		if err != nil {
			logger.Error().Str("execution_mode", envMode).Msg("EXECUTION_MODE is not a known mode")
			return exitConfig
		}
		if want != mode {
			logger.Error().
				Str("config_mode", string(mode)).
				Str("env_mode", string(want)).
				Msg("config mode disagrees with EXECUTION_MODE")
			return exitConfig
		}
	}

	switch mode {
	case models.ModeReal:
		if !o.confirmReal {
			logger.Error().Msg("REAL mode refused: pass -confirm-real-trading")
			return exitConfig
		}
		if os.Getenv("ENABLE_REAL_TRADING") != "true" {
			logger.Error().Msg("REAL mode refused: set ENABLE_REAL_TRADING=true")
			return exitConfig
		}
		logger.Warn().Msg("REAL trading mode: live orders, real money at risk")
		logger.Warn().Dur("delay", realArmingDelay).Msg("arming; Ctrl-C now to abort")
		time.Sleep(realArmingDelay)
	case models.ModePaper:
		logger.Info().Msg("paper trading mode: KIS virtual account")
	case models.ModeDryRun:
		logger.Info().Msg("dry-run mode: synthetic quotes, no broker calls")
	}
	if signalOnly {
		logger.Info().Msg("cbt run mode: signals recorded and notified, no orders placed")
	}
	if o.feed == "ws" {
		// TODO(feed): wire the KIS websocket approval flow, then route quotes
		// through it instead of rest polling.
		logger.Error().Msg("ws feed is reserved and not implemented, run with -feed rest")
		return exitConfig
	}

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o750); err != nil {
		logger.Error().Err(err).Str("dir", cfg.Storage.DataDir).Msg("creating data directory")
		return exitError
	}

	store, err := storage.NewStore(cfg.Storage.DatabasePath, logger)
	if err != nil {
		logger.Error().Err(err).Msg("opening store")
		return exitError
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn().Err(err).Msg("closing store")
		}
	}()

	cal := marketcal.New()
	cache := storage.NewFileCache(cfg.PositionsFile())

	var b broker.Broker
	if mode == models.ModeDryRun {
		b = broker.NewDryRunBroker(cfg.Trading.InitialCapital, logger)
	} else {
		b = broker.NewBreakerBroker(broker.NewKISClient(cfg, logger), logger)
	}

	var notifier notify.Notifier = notify.Noop{}
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		tg, err := notify.NewTelegram(cfg, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("telegram disabled, continuing without notifications")
		} else {
			notifier = tg
		}
	}
	defer notifier.Close()

	riskCtrl := risk.NewController(cfg, store, cal, logger)

	// The operator's halt file outranks everything, including startup.
	if active, reason := riskCtrl.KillSwitchActive(); active {
		logger.Error().
			Str("reason", reason).
			Str("file", cfg.KillSwitchFile()).
			Msg("kill switch engaged, refusing to start")
		return exitKillSwitch
	}

	if cfg.SingleInstance() {
		lock, err := risk.AcquireLock(cfg.LockFile(), cfg.StaleLockAge(), logger)
		if err != nil {
			if errors.Is(err, risk.ErrLockHeld) {
				logger.Error().Err(err).Msg("another instance is running")
				return exitLockHeld
			}
			logger.Error().Err(err).Msg("acquiring instance lock")
			return exitError
		}
		defer func() {
			if err := lock.Release(); err != nil {
				logger.Warn().Err(err).Msg("releasing instance lock")
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigCh
		logger.Info().Str("signal", s.String()).Msg("shutdown signal received")
		cancel()
	}()

	// Connectivity probe before anything irreversible.
	bal, err := b.GetAccountBalance(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("broker connection check failed")
		return exitError
	}
	logger.Info().
		Str("equity", bal.TotalEquity.StringFixed(0)).
		Int("holdings", len(bal.Holdings)).
		Msg("broker connected")

	reconciler := reconcile.New(cfg, b, store, cache, notifier, logger)
	rep, err := reconciler.Run(ctx, cal.Now())
	if err != nil {
		logger.Error().Err(err).Msg("startup reconciliation failed")
		return exitError
	}
	if rep.Critical() {
		logger.Error().
			Int("findings", len(rep.Findings)).
			Msg("startup reconciliation found critical mismatches, refusing to trade")
		return exitReconcile
	}

	eng := engine.New(cfg, engine.Deps{
		Broker:     b,
		Store:      store,
		Cache:      cache,
		Calendar:   cal,
		Strategy:   strategy.NewTrendATR(cfg, logger),
		Guard:      guard.New(cfg, logger),
		Risk:       riskCtrl,
		Sync:       ordersync.New(cfg, b, store, cal, notifier, logger),
		Reconciler: reconciler,
		Universe:   universe.NewService(cfg, b, cal, logger),
		Notifier:   notifier,
		Logger:     logger,
		SignalOnly: signalOnly,
	})

	if err := eng.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("engine halted")
		if errors.Is(err, engine.ErrKillSwitch) {
			return exitKillSwitch
		}
		return exitError
	}
	logger.Info().Msg("engine stopped")
	return exitOK
}

// newLogger writes human-readable console output in the desk modes and
// machine-readable JSON in REAL, where the process runs under a supervisor.
func newLogger(level string, mode models.Mode) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	var out io.Writer = os.Stderr
	if !mode.Live() {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}
