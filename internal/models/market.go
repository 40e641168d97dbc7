package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DailyBar is one daily OHLCV candle. Brokers return bars most-recent-first;
// consumers that need chronological order must reverse.
type DailyBar struct {
	Date   time.Time       `json:"date"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume int64           `json:"volume"`
	// Value is the traded value in won, used by universe ranking.
	Value decimal.Decimal `json:"value"`
}

// SignalType is a strategy verdict for one symbol.
type SignalType string

const (
	SignalBuy  SignalType = "BUY"
	SignalSell SignalType = "SELL"
	SignalHold SignalType = "HOLD"
)

// Signal is the pure output of a strategy evaluation. For BUY signals the
// stop/target/ATR fields seed the new position; for SELL signals Reason
// carries the exit classification.
type Signal struct {
	Type           SignalType      `json:"type"`
	Reason         string          `json:"reason"`
	ReferencePrice decimal.Decimal `json:"reference_price"`
	Stop           decimal.Decimal `json:"stop"`
	TakeProfit     decimal.Decimal `json:"take_profit"`
	ATR            decimal.Decimal `json:"atr"`
}

// UniverseRecord is the per-trade-date selection result. It is created at
// most once per date and reused verbatim for intraday restarts.
type UniverseRecord struct {
	TradeDate       string   `json:"trade_date"`
	SelectionMethod string   `json:"selection_method"`
	Stocks          []string `json:"stocks"`
	Holdings        []string `json:"holdings,omitempty"`
	CacheKey        string   `json:"cache_key,omitempty"`
}

// SymbolName maps a stock code to its display name with a refresh stamp.
// Entries older than the cache TTL trigger a best-effort refresh but stale
// names never block trading.
type SymbolName struct {
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	UpdatedAt time.Time `json:"updated_at"`
}
