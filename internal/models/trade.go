package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Exit reasons recorded on trades and closed positions.
const (
	ExitATRStop       = "ATR_STOP"
	ExitTakeProfit    = "TAKE_PROFIT"
	ExitTrailingStop  = "TRAILING_STOP"
	ExitTrendBroken   = "TREND_BROKEN"
	ExitGapProtection = "GAP_PROTECTION"
	ExitManual        = "MANUAL"

	// ExitSignalOnly marks trades recorded in signal-only runs where the
	// decision never reached the broker.
	ExitSignalOnly = "SIGNAL_ONLY"

	// ExitRecoveredMissing is written by the reconciler when the broker no
	// longer reports a holding the local state believed in.
	ExitRecoveredMissing = "RECOVERED_MISSING"

	// ExitEntryCancelled / ExitEntryFailed close positions whose entry
	// order never produced a fill. No trade row exists for these.
	ExitEntryCancelled = "ENTRY_CANCELLED"
	ExitEntryFailed    = "ENTRY_FAILED"
)

// Trade records one executed (or signal-only) fill slice. Exactly one trade
// row exists per FILLED or PARTIAL order_state row, sharing its idempotency
// key.
type Trade struct {
	ID             int64           `json:"id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Mode           Mode            `json:"mode"`
	Symbol         string          `json:"symbol"`
	Side           Side            `json:"side"`
	Price          decimal.Decimal `json:"price"`
	Quantity       int64           `json:"quantity"`
	ExecutedAt     time.Time       `json:"executed_at"`
	Reason         string          `json:"reason"`
	PnL            decimal.Decimal `json:"pnl"`
	PnLPct         decimal.Decimal `json:"pnl_pct"`
	EntryPrice     decimal.Decimal `json:"entry_price"`
	HoldingDays    int             `json:"holding_days"`
	OrderNo        string          `json:"order_no,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// AccountSnapshot is a point-in-time record of account equity, written at
// most once per minute by the execution loop.
type AccountSnapshot struct {
	SnapshotTime  time.Time       `json:"snapshot_time"`
	Mode          Mode            `json:"mode"`
	TotalEquity   decimal.Decimal `json:"total_equity"`
	Cash          decimal.Decimal `json:"cash"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	PositionCount int64           `json:"position_count"`
}

// DailySummary aggregates closed trades per KST trade date. The consecutive
// loss counter feeds the risk controller and resets on any winning trade.
type DailySummary struct {
	TradeDate            string          `json:"trade_date"`
	Mode                 Mode            `json:"mode"`
	TradesCount          int64           `json:"trades_count"`
	RealizedPnL          decimal.Decimal `json:"realized_pnl"`
	WinCount             int64           `json:"win_count"`
	LossCount            int64           `json:"loss_count"`
	MaxConsecutiveLosses int64           `json:"max_consecutive_losses"`
}
