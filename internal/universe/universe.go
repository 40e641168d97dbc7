// Package universe owns the daily candidate list. Selection runs once per
// trading day before the open, is cached to disk, and never changes during
// market hours: an intraday restart reuses today's record verbatim. The
// engine derives entry candidates from it; exits never consult it.
package universe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/kisquant/trendatr/internal/broker"
	"github.com/kisquant/trendatr/internal/config"
	"github.com/kisquant/trendatr/internal/marketcal"
	"github.com/kisquant/trendatr/internal/models"
)

// ErrHalted is returned when a selection fallback occurs in REAL mode with
// halt_on_fallback_in_real set. The caller must stop trading.
var ErrHalted = errors.New("universe fallback halted trading")

// cache record sources.
const (
	sourceSelected      = "selected"
	sourceFixedFallback = "fixed_fallback"
	sourceEmptyFallback = "empty_fallback"
)

type cacheRecord struct {
	TradeDate       string   `json:"trade_date"`
	SelectionMethod string   `json:"selection_method"`
	Stocks          []string `json:"stocks"`
	Source          string   `json:"source,omitempty"`
	CreatedAt       string   `json:"created_at,omitempty"`
}

// Service selects and caches the daily universe.
type Service struct {
	cfg       *config.Config
	broker    broker.Broker
	cal       *marketcal.Calendar
	logger    zerolog.Logger
	mode      models.Mode
	cachePath string
	size      int
}

func NewService(cfg *config.Config, b broker.Broker, cal *marketcal.Calendar, logger zerolog.Logger) *Service {
	size := cfg.Universe.UniverseSize
	if size <= 0 {
		size = cfg.Universe.MaxStocks
	}
	return &Service{
		cfg:       cfg,
		broker:    b,
		cal:       cal,
		logger:    logger.With().Str("component", "universe").Logger(),
		mode:      cfg.Mode(),
		cachePath: cfg.UniverseCacheFile(),
		size:      size,
	}
}

// EnsureToday returns the universe for now's trade date, selecting and
// caching it when today's record does not exist yet. During market hours a
// missing record is never reselected; the fallback chain answers instead, so
// the set a running session trades against cannot change under it.
func (s *Service) EnsureToday(ctx context.Context, now time.Time) ([]string, error) {
	date := s.cal.TradeDate(now)

	if rec, ok := s.readCache(date); ok {
		s.logger.Info().
			Str("trade_date", date).
			Str("method", rec.SelectionMethod).
			Int("count", len(rec.Stocks)).
			Msg("reusing cached universe")
		return rec.Stocks, nil
	}

	if s.cal.SessionAt(now) != marketcal.SessionClosed {
		return s.fallback(date, "no universe cache during market hours")
	}

	method := s.cfg.Universe.SelectionMethod
	s.logger.Info().Str("method", method).Int("size", s.size).Msg("selecting universe")

	picked, err := s.selectByMethod(ctx, method)
	if err != nil {
		s.logger.Error().Err(err).Str("method", method).Msg("universe selection failed")
		return s.fallback(date, err.Error())
	}
	final, err := s.finalize(picked)
	if err != nil {
		s.logger.Error().Err(err).Str("method", method).Msg("universe selection empty")
		return s.fallback(date, err.Error())
	}

	s.writeCache(date, method, final, sourceSelected)
	s.logger.Info().
		Str("trade_date", date).
		Str("method", method).
		Strs("stocks", final).
		Msg("universe selected")
	return final, nil
}

// fallback runs the recovery chain after a failed selection: the fixed list,
// then the empty set. Today's cache was already consulted by EnsureToday.
func (s *Service) fallback(date, reason string) ([]string, error) {
	if s.mode == models.ModeReal && s.cfg.Universe.HaltOnFallbackInReal {
		return nil, fmt.Errorf("selection fallback in REAL mode (%s): %w", reason, ErrHalted)
	}

	if len(s.cfg.Universe.FixedSymbols) > 0 {
		if final, err := s.finalize(s.cfg.Universe.FixedSymbols); err == nil {
			s.writeCache(date, "fixed", final, sourceFixedFallback)
			s.logger.Warn().
				Str("reason", reason).
				Strs("stocks", final).
				Msg("universe fallback to fixed list")
			return final, nil
		}
	}

	s.writeCache(date, s.cfg.Universe.SelectionMethod, nil, sourceEmptyFallback)
	s.logger.Warn().Str("reason", reason).Msg("universe fallback to empty set, no new entries today")
	return nil, nil
}

// finalize dedupes, drops malformed codes and truncates to the configured
// size. An empty result is an error so the fallback chain takes over.
func (s *Service) finalize(stocks []string) ([]string, error) {
	seen := make(map[string]struct{}, len(stocks))
	out := make([]string, 0, len(stocks))
	for _, code := range stocks {
		if !models.ValidSymbol(code) {
			continue
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		out = append(out, code)
		if len(out) == s.size {
			break
		}
	}
	if len(out) == 0 {
		return nil, errors.New("selection yielded no valid symbols")
	}
	return out, nil
}

// ============ Cache ============

// readCache returns today's record. A record for another date, or one
// selected under a different method than the current configuration, is
// treated as absent.
func (s *Service) readCache(date string) (*cacheRecord, bool) {
	raw, err := os.ReadFile(s.cachePath)
	if err != nil {
		return nil, false
	}
	var rec cacheRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		s.logger.Warn().Err(err).Msg("unreadable universe cache")
		return nil, false
	}
	if rec.TradeDate != date {
		return nil, false
	}
	if rec.Source == sourceSelected && rec.SelectionMethod != s.cfg.Universe.SelectionMethod {
		s.logger.Warn().
			Str("cached", rec.SelectionMethod).
			Str("configured", s.cfg.Universe.SelectionMethod).
			Msg("selection method changed, discarding cached universe")
		return nil, false
	}
	return &rec, true
}

func (s *Service) writeCache(date, method string, stocks []string, source string) {
	rec := cacheRecord{
		TradeDate:       date,
		SelectionMethod: method,
		Stocks:          stocks,
		Source:          source,
		CreatedAt:       s.cal.Now().Format(time.RFC3339),
	}
	if rec.Stocks == nil {
		rec.Stocks = []string{}
	}
	raw, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		s.logger.Error().Err(err).Msg("encoding universe cache")
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.cachePath), 0o750); err != nil {
		s.logger.Error().Err(err).Msg("creating universe cache dir")
		return
	}
	tmp := s.cachePath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		s.logger.Error().Err(err).Msg("writing universe cache")
		return
	}
	if err := os.Rename(tmp, s.cachePath); err != nil {
		s.logger.Error().Err(err).Msg("replacing universe cache")
	}
}

// EntryCandidates returns the universe symbols not currently held, in
// universe order.
func EntryCandidates(universe, holdings []string) []string {
	held := make(map[string]struct{}, len(holdings))
	for _, h := range holdings {
		held[h] = struct{}{}
	}
	out := make([]string, 0, len(universe))
	for _, sym := range universe {
		if _, ok := held[sym]; !ok {
			out = append(out, sym)
		}
	}
	return out
}
