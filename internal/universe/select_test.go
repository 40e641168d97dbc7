package universe

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/kisquant/trendatr/internal/broker"
	"github.com/kisquant/trendatr/internal/models"
)

func rankRow(rank int, symbol string, value int64, changePct float64) broker.RankedStock {
	return broker.RankedStock{
		Rank:        rank,
		Symbol:      symbol,
		Price:       decimal.NewFromInt(50_000),
		ChangeRate:  decimal.NewFromFloat(changePct),
		Volume:      100_000,
		TradedValue: decimal.NewFromInt(value),
	}
}

func TestSelectVolumeTopRankPath(t *testing.T) {
	cfg := testUniverseConfig(t)
	cfg.Universe.SelectionMethod = "volume_top"
	fb := &fakeBroker{rank: []broker.RankedStock{
		rankRow(1, "005930", 5_000_000_000, 2.0),
		rankRow(2, "000660", 500_000_000, 1.0),  // below traded value floor
		rankRow(3, "035420", 9_000_000_000, 30), // limit-up band
		rankRow(4, "005380", 4_000_000_000, -1.0),
		rankRow(5, "035720", 3_000_000_000, -28), // band is inclusive
		rankRow(6, "051910", 2_000_000_000, 0),
		rankRow(7, "006400", 2_000_000_000, 0), // beyond the size cut
	}}
	svc := newTestService(t, cfg, fb)

	got, err := svc.EnsureToday(context.Background(), preMarket())
	if err != nil {
		t.Fatalf("EnsureToday() error: %v", err)
	}
	assertSymbols(t, got, []string{"005930", "005380", "051910"})

	rec := readCacheFile(t, cfg)
	if rec.SelectionMethod != "volume_top" || rec.Source != sourceSelected {
		t.Errorf("cache record = %+v", rec)
	}
}

func TestSelectVolumeTopScanFallbackSortsByValue(t *testing.T) {
	cfg := testUniverseConfig(t)
	cfg.Universe.SelectionMethod = "volume_top"
	cfg.Universe.CandidateSymbols = []string{"005930", "000660", "035420", "005380", "035720"}
	fb := &fakeBroker{
		rankErr: errors.New("rank api down"),
		quotes: map[string]*broker.Quote{
			"005930": {Symbol: "005930", Price: decimal.NewFromInt(70_000), TradedValue: decimal.NewFromInt(9_000_000_000)},
			// No traded value on the quote, so price*volume stands in.
			"000660": {Symbol: "000660", Price: decimal.NewFromInt(50_000), Volume: 100_000},
			"035420": {Symbol: "035420", Price: decimal.NewFromInt(200_000), TradedValue: decimal.NewFromInt(8_000_000_000), Halted: true},
			"035720": {Symbol: "035720", Price: decimal.NewFromInt(40_000), TradedValue: decimal.NewFromInt(7_000_000_000)},
			// 005380 has no quote at all and is skipped.
		},
	}
	svc := newTestService(t, cfg, fb)

	got, err := svc.EnsureToday(context.Background(), preMarket())
	if err != nil {
		t.Fatalf("EnsureToday() error: %v", err)
	}
	assertSymbols(t, got, []string{"005930", "035720", "000660"})
}

func TestSelectATRFilterBand(t *testing.T) {
	cfg := testUniverseConfig(t)
	cfg.Universe.SelectionMethod = "atr_filter"
	cfg.Universe.CandidateSymbols = []string{"005930", "000660", "035420", "005380"}
	fb := &fakeBroker{bars: map[string][]models.DailyBar{
		"005930": flatBars(24, 30_000, 150),  // ratio exactly at the 1% floor
		"000660": flatBars(24, 30_000, 75),   // 0.5%, too quiet
		"035420": flatBars(24, 30_000, 1500), // 10%, too wild
		"005380": flatBars(10, 30_000, 150),  // not enough history
	}}
	svc := newTestService(t, cfg, fb)

	got, err := svc.EnsureToday(context.Background(), preMarket())
	if err != nil {
		t.Fatalf("EnsureToday() error: %v", err)
	}
	assertSymbols(t, got, []string{"005930"})
}

func TestSelectCombinedPipeline(t *testing.T) {
	cfg := testUniverseConfig(t)
	cfg.Universe.SelectionMethod = "combined"
	cfg.Universe.UniverseSize = 2
	fb := &fakeBroker{
		rank: []broker.RankedStock{
			rankRow(1, "005930", 9_000_000_000, 1),
			rankRow(2, "000660", 8_000_000_000, 1),
			rankRow(3, "035420", 7_000_000_000, 1),
			rankRow(4, "005380", 6_000_000_000, 1),
			rankRow(5, "035720", 5_000_000_000, 1),
			rankRow(6, "051910", 4_000_000_000, 1),
		},
		bars: map[string][]models.DailyBar{
			"005930": flatBars(24, 30_000, 30),   // 0.2%
			"000660": flatBars(24, 30_000, 300),  // 2%
			"035420": flatBars(10, 30_000, 300),  // short history
			"035720": flatBars(24, 30_000, 450),  // 3%
			"051910": flatBars(24, 30_000, 3000), // 20%
			// 005380 has no history and is skipped.
		},
	}
	svc := newTestService(t, cfg, fb)

	got, err := svc.EnsureToday(context.Background(), preMarket())
	if err != nil {
		t.Fatalf("EnsureToday() error: %v", err)
	}
	assertSymbols(t, got, []string{"000660", "035720"})
}

func TestCandidatePoolPrecedence(t *testing.T) {
	cfg := testUniverseConfig(t)
	svc := newTestService(t, cfg, &fakeBroker{})

	cfg.Universe.CandidateSymbols = []string{"001440"}
	cfg.Universe.FixedSymbols = []string{"005930"}
	assertSymbols(t, svc.candidatePool(), []string{"001440"})

	cfg.Universe.CandidateSymbols = nil
	assertSymbols(t, svc.candidatePool(), []string{"005930"})

	cfg.Universe.FixedSymbols = nil
	if pool := svc.candidatePool(); len(pool) != len(kospiSeed) {
		t.Errorf("seed pool has %d symbols, want %d", len(pool), len(kospiSeed))
	}
}

func TestRankFilters(t *testing.T) {
	cfg := testUniverseConfig(t)
	cfg.Universe.MinMarketCap = 1_000_000_000_000
	svc := newTestService(t, cfg, &fakeBroker{})

	small := rankRow(1, "005930", 5_000_000_000, 1)
	small.MarketCap = decimal.NewFromInt(500_000_000_000)
	if svc.passesRankFilters(small) {
		t.Error("small cap passed the market cap floor")
	}

	// A venue that omits market cap must not knock the row out.
	unknown := rankRow(1, "005930", 5_000_000_000, 1)
	if !svc.passesRankFilters(unknown) {
		t.Error("row without market cap was rejected")
	}
}

func TestQuoteFiltersRejectManagement(t *testing.T) {
	cfg := testUniverseConfig(t)
	svc := newTestService(t, cfg, &fakeBroker{})

	q := &broker.Quote{Symbol: "005930", Price: decimal.NewFromInt(70_000), TradedValue: decimal.NewFromInt(5_000_000_000), Management: true}
	if svc.passesQuoteFilters(q) {
		t.Error("management issue passed the safety filter")
	}
	q.Management = false
	if !svc.passesQuoteFilters(q) {
		t.Error("clean quote was rejected")
	}
	q.Price = decimal.Zero
	if svc.passesQuoteFilters(q) {
		t.Error("zero price passed the safety filter")
	}
}
