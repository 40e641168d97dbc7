// Command verify runs pre-flight checks for the trader: token issuance,
// market data, account balance, the local store and the market calendar.
// Run it after editing credentials and before the first start. It refuses
// to touch a REAL account.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/kisquant/trendatr/internal/broker"
	"github.com/kisquant/trendatr/internal/config"
	"github.com/kisquant/trendatr/internal/marketcal"
	"github.com/kisquant/trendatr/internal/models"
	"github.com/kisquant/trendatr/internal/storage"
)

const checkTimeout = 10 * time.Second

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "path to configuration file")
	flag.Parse()

	fmt.Println("=== trendatr pre-flight checks ===")
	fmt.Println()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "loading .env: %v\n", err)
		os.Exit(2)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	if cfg.Mode() == models.ModeReal {
		fmt.Fprintln(os.Stderr, "refusing to run checks against a REAL account; set environment.mode to PAPER")
		os.Exit(2)
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		Level(zerolog.InfoLevel).
		With().Timestamp().Logger()

	var b broker.Broker
	if cfg.Mode() == models.ModeDryRun {
		b = broker.NewDryRunBroker(cfg.Trading.InitialCapital, logger)
	} else {
		b = broker.NewKISClient(cfg, logger)
	}

	symbol := "005930"
	if len(cfg.Universe.FixedSymbols) > 0 {
		symbol = cfg.Universe.FixedSymbols[0]
	}

	checks := []struct {
		name string
		fn   func(ctx context.Context) bool
	}{
		{"access token", func(ctx context.Context) bool { return checkToken(ctx, b, logger) }},
		{"current price", func(ctx context.Context) bool { return checkQuote(ctx, b, symbol, logger) }},
		{"daily history", func(ctx context.Context) bool { return checkBars(ctx, b, cfg, symbol, logger) }},
		{"account balance", func(ctx context.Context) bool { return checkBalance(ctx, b, logger) }},
		{"local store", func(ctx context.Context) bool { return checkStore(ctx, cfg, logger) }},
		{"market calendar", func(context.Context) bool { return checkCalendar(logger) }},
	}

	passed := 0
	for i, c := range checks {
		fmt.Printf("Check %d/%d: %s\n", i+1, len(checks), c.name)
		ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
		ok := c.fn(ctx)
		cancel()
		if ok {
			passed++
			fmt.Println("PASS")
		} else {
			fmt.Println("FAIL")
		}
		fmt.Println()
	}

	fmt.Printf("=== %d/%d checks passed ===\n", passed, len(checks))
	if passed != len(checks) {
		fmt.Println("fix the failures above before starting the trader")
		os.Exit(1)
	}
	fmt.Println("ready: the trader can start against this account")
}

func checkToken(ctx context.Context, b broker.Broker, logger zerolog.Logger) bool {
	token, err := b.GetAccessToken(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("token issuance failed")
		return false
	}
	if token == "" {
		logger.Error().Msg("broker returned an empty token")
		return false
	}
	logger.Info().Int("token_len", len(token)).Msg("access token issued")
	return true
}

func checkQuote(ctx context.Context, b broker.Broker, symbol string, logger zerolog.Logger) bool {
	q, err := b.GetCurrentPrice(ctx, symbol)
	if err != nil {
		logger.Error().Err(err).Str("symbol", symbol).Msg("quote fetch failed")
		return false
	}
	if !q.Price.IsPositive() {
		logger.Error().Str("symbol", symbol).Str("price", q.Price.String()).Msg("quote has no positive price")
		return false
	}
	logger.Info().
		Str("symbol", symbol).
		Str("price", q.Price.StringFixed(0)).
		Str("prev_close", q.PrevClose.StringFixed(0)).
		Bool("halted", q.Halted).
		Msg("quote ok")
	return true
}

func checkBars(ctx context.Context, b broker.Broker, cfg *config.Config, symbol string, logger zerolog.Logger) bool {
	// Same depth the engine fetches: trend window plus its break-check bar,
	// or two ATR windows plus the spike baseline, whichever is larger.
	need := cfg.Strategy.TrendMAPeriod + 1
	if alt := 2*cfg.Strategy.ATRPeriod + 1; alt > need {
		need = alt
	}
	bars, err := b.GetDailyOHLCV(ctx, symbol, need)
	if err != nil {
		logger.Error().Err(err).Str("symbol", symbol).Msg("daily history fetch failed")
		return false
	}
	if len(bars) < need {
		logger.Error().
			Str("symbol", symbol).
			Int("got", len(bars)).
			Int("need", need).
			Msg("not enough history for the strategy windows")
		return false
	}
	logger.Info().
		Str("symbol", symbol).
		Int("bars", len(bars)).
		Str("latest", bars[0].Date.Format("2006-01-02")).
		Msg("daily history ok")
	return true
}

func checkBalance(ctx context.Context, b broker.Broker, logger zerolog.Logger) bool {
	bal, err := b.GetAccountBalance(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("balance fetch failed")
		return false
	}
	logger.Info().
		Str("cash", bal.Cash.StringFixed(0)).
		Str("equity", bal.TotalEquity.StringFixed(0)).
		Int("holdings", len(bal.Holdings)).
		Msg("balance ok")
	if !bal.TotalEquity.IsPositive() {
		logger.Error().Msg("account equity is zero; check the account number and product code")
		return false
	}
	return true
}

func checkStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) bool {
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o750); err != nil {
		logger.Error().Err(err).Str("dir", cfg.Storage.DataDir).Msg("creating data directory failed")
		return false
	}
	path := filepath.Join(cfg.Storage.DataDir, "verify_store_check.db")
	defer func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Warn().Err(err).Msg("removing throwaway store failed")
		}
	}()

	store, err := storage.NewStore(path, logger)
	if err != nil {
		logger.Error().Err(err).Msg("opening throwaway store failed")
		return false
	}
	defer func() { _ = store.Close() }()

	pos := models.NewPosition("verify-check", models.ModePaper, "005930", "삼성전자", 1)
	pos.ATRAtEntry = decimal.NewFromInt(1_000)
	pos.StopLoss = decimal.NewFromInt(68_000)
	pos.TakeProfit = decimal.NewFromInt(73_000)
	if err := pos.MarkEntered(decimal.NewFromInt(70_000), 1, "VERIFY", time.Now()); err != nil {
		logger.Error().Err(err).Msg("building check position failed")
		return false
	}
	if err := store.SavePosition(ctx, pos); err != nil {
		logger.Error().Err(err).Msg("store write failed")
		return false
	}
	open, err := store.GetOpenPositions(ctx, models.ModePaper)
	if err != nil {
		logger.Error().Err(err).Msg("store read failed")
		return false
	}
	if len(open) != 1 || open[0].ID != pos.ID {
		logger.Error().Int("open", len(open)).Msg("store round trip came back wrong")
		return false
	}
	byID, err := store.GetPosition(ctx, pos.ID)
	if err != nil {
		logger.Error().Err(err).Msg("store read by id failed")
		return false
	}
	if byID.State != models.StateEntered || !byID.EntryPrice.Equal(pos.EntryPrice) {
		logger.Error().Str("state", string(byID.State)).Msg("store round trip came back wrong")
		return false
	}
	logger.Info().Str("path", path).Msg("store round trip ok")
	return true
}

func checkCalendar(logger zerolog.Logger) bool {
	cal := marketcal.New()
	now := cal.Now()
	logger.Info().
		Str("kst", now.Format("2006-01-02 15:04")).
		Str("session", string(cal.SessionAt(now))).
		Bool("trading_day", cal.IsTradingDay(now)).
		Msg("calendar state")

	// A two-week scan that finds no trading day means broken holiday data.
	day := now
	for i := 0; i < 14; i++ {
		if cal.IsTradingDay(day) {
			logger.Info().Str("next_trading_day", cal.TradeDate(day)).Msg("calendar ok")
			return true
		}
		day = day.AddDate(0, 0, 1)
	}
	logger.Error().Msg("no trading day within two weeks; holiday table looks wrong")
	return false
}
