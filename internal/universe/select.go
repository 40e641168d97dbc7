package universe

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/kisquant/trendatr/internal/broker"
	"github.com/kisquant/trendatr/internal/strategy"
)

// scanWorkers bounds parallel per-symbol API calls during selection. The
// broker's rate limiter paces the aggregate request flow.
const scanWorkers = 4

// atrScanBars covers the ATR window, its spike baseline and the twenty-bar
// history floor.
const atrScanBars = 40

// minHistoryBars drops thinly listed symbols from the ATR filter.
const minHistoryBars = 20

// kospiSeed is the candidate pool of last resort: large KOSPI names used
// when the configuration carries no candidate or fixed list.
var kospiSeed = []string{
	"005930", "000660", "005380", "035420", "035720",
	"051910", "006400", "207940", "068270", "105560",
	"012330", "055550", "066570", "323410", "096770",
}

func (s *Service) selectByMethod(ctx context.Context, method string) ([]string, error) {
	switch method {
	case "fixed":
		return append([]string(nil), s.cfg.Universe.FixedSymbols...), nil
	case "volume_top":
		return s.selectVolumeTop(ctx, s.size)
	case "atr_filter":
		return s.selectATRFilter(ctx, s.candidatePool())
	case "combined":
		return s.selectCombined(ctx)
	default:
		return nil, fmt.Errorf("unknown selection method %q", method)
	}
}

// selectCombined ranks by traded value first, keeps three times the target
// size, then narrows by ATR ratio.
func (s *Service) selectCombined(ctx context.Context) ([]string, error) {
	stage1, err := s.selectVolumeTop(ctx, s.size*3)
	if err != nil {
		return nil, err
	}
	s.logger.Debug().Int("count", len(stage1)).Msg("combined stage 1 (volume)")
	stage2, err := s.selectATRFilter(ctx, stage1)
	if err != nil {
		return nil, err
	}
	s.logger.Debug().Int("count", len(stage2)).Msg("combined stage 2 (atr)")
	return stage2, nil
}

type candidate struct {
	symbol string
	value  decimal.Decimal
}

// selectVolumeTop returns up to limit symbols ordered by traded value. The
// exchange ranking endpoint is tried first; when it fails, a bounded
// per-symbol snapshot scan of the candidate pool takes over.
func (s *Service) selectVolumeTop(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = s.size
	}

	rows, err := s.broker.VolumeRank(ctx, 0)
	if err == nil {
		picked := make([]string, 0, limit)
		for _, r := range rows {
			if !s.passesRankFilters(r) {
				continue
			}
			picked = append(picked, r.Symbol)
			if len(picked) == limit {
				break
			}
		}
		s.logger.Debug().Int("ranked", len(rows)).Int("passed", len(picked)).Msg("volume rank scan")
		return picked, nil
	}
	s.logger.Warn().Err(err).Msg("volume rank unavailable, scanning candidate snapshots")

	pool := s.candidatePool()
	if cut := limit * 5; len(pool) > cut {
		pool = pool[:cut]
	}

	cands := make([]*candidate, len(pool))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(scanWorkers)
	for i, symbol := range pool {
		g.Go(func() error {
			q, err := s.broker.GetCurrentPrice(gctx, symbol)
			if err != nil {
				s.logger.Debug().Err(err).Str("symbol", symbol).Msg("snapshot skipped")
				return nil
			}
			if !s.passesQuoteFilters(q) {
				return nil
			}
			value := q.TradedValue
			if value.Sign() <= 0 {
				value = q.Price.Mul(decimal.NewFromInt(q.Volume))
			}
			cands[i] = &candidate{symbol: symbol, value: value}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	kept := make([]candidate, 0, len(cands))
	for _, c := range cands {
		if c != nil {
			kept = append(kept, *c)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].value.GreaterThan(kept[j].value) })
	if len(kept) > limit {
		kept = kept[:limit]
	}
	out := make([]string, len(kept))
	for i, c := range kept {
		out[i] = c.symbol
	}
	return out, nil
}

// selectATRFilter keeps pool symbols whose ATR-to-price ratio sits inside
// the configured band. Pool order is preserved.
func (s *Service) selectATRFilter(ctx context.Context, pool []string) ([]string, error) {
	minRatio := decimal.NewFromFloat(s.cfg.Universe.MinATRPct)
	maxRatio := decimal.NewFromFloat(s.cfg.Universe.MaxATRPct)

	keep := make([]bool, len(pool))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(scanWorkers)
	for i, symbol := range pool {
		g.Go(func() error {
			bars, err := s.broker.GetDailyOHLCV(gctx, symbol, atrScanBars)
			if err != nil {
				s.logger.Debug().Err(err).Str("symbol", symbol).Msg("history skipped")
				return nil
			}
			if len(bars) < minHistoryBars {
				return nil
			}
			ratio, ok := strategy.ATRRatioPct(bars, s.cfg.Strategy.ATRPeriod)
			if !ok {
				return nil
			}
			if ratio.LessThan(minRatio) || ratio.GreaterThan(maxRatio) {
				return nil
			}
			keep[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]string, 0, len(pool))
	for i, symbol := range pool {
		if keep[i] {
			out = append(out, symbol)
		}
	}
	return out, nil
}

// candidatePool picks the scan base: the configured candidate list, then
// the fixed list, then the KOSPI seed set.
func (s *Service) candidatePool() []string {
	if len(s.cfg.Universe.CandidateSymbols) > 0 {
		return append([]string(nil), s.cfg.Universe.CandidateSymbols...)
	}
	if len(s.cfg.Universe.FixedSymbols) > 0 {
		return append([]string(nil), s.cfg.Universe.FixedSymbols...)
	}
	return append([]string(nil), kospiSeed...)
}

// ============ Filters ============

func (s *Service) passesRankFilters(r broker.RankedStock) bool {
	if floor := s.cfg.Universe.MinTradedValue; floor > 0 && r.TradedValue.LessThan(decimal.NewFromInt(floor)) {
		return false
	}
	if floor := s.cfg.Universe.MinMarketCap; floor > 0 && r.MarketCap.Sign() > 0 &&
		r.MarketCap.LessThan(decimal.NewFromInt(floor)) {
		return false
	}
	if band := s.cfg.Universe.MaxChangePct; band > 0 &&
		r.ChangeRate.Abs().GreaterThanOrEqual(decimal.NewFromFloat(band)) {
		return false
	}
	return true
}

func (s *Service) passesQuoteFilters(q *broker.Quote) bool {
	if q.Halted || q.Management {
		return false
	}
	if q.Price.Sign() <= 0 {
		return false
	}
	value := q.TradedValue
	if value.Sign() <= 0 {
		value = q.Price.Mul(decimal.NewFromInt(q.Volume))
	}
	if floor := s.cfg.Universe.MinTradedValue; floor > 0 && value.LessThan(decimal.NewFromInt(floor)) {
		return false
	}
	if floor := s.cfg.Universe.MinMarketCap; floor > 0 && q.MarketCap.Sign() > 0 &&
		q.MarketCap.LessThan(decimal.NewFromInt(floor)) {
		return false
	}
	if band := s.cfg.Universe.MaxChangePct; band > 0 &&
		q.ChangeRate.Abs().GreaterThanOrEqual(decimal.NewFromFloat(band)) {
		return false
	}
	return true
}
