package models

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Mode selects the account namespace a row belongs to. Test runs must never
// touch real-account rows, so mode participates in primary keys throughout
// the store.
type Mode string

const (
	ModeDryRun Mode = "DRY_RUN" // No broker calls; synthetic quotes and instant fills
	ModePaper  Mode = "PAPER"   // KIS paper-trading account
	ModeReal   Mode = "REAL"    // Live account
)

// ParseMode converts a configuration string into a Mode. Case does not
// matter; "paper" and "PAPER" name the same account namespace.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToUpper(strings.TrimSpace(s))); m {
	case ModeDryRun, ModePaper, ModeReal:
		return m, nil
	default:
		return "", fmt.Errorf("unknown mode %q (want DRY_RUN, PAPER or REAL)", s)
	}
}

// Valid returns true if the mode is one of the defined constants
func (m Mode) Valid() bool {
	switch m {
	case ModeDryRun, ModePaper, ModeReal:
		return true
	default:
		return false
	}
}

// Live reports whether orders reach a real account.
func (m Mode) Live() bool { return m == ModeReal }

var symbolPattern = regexp.MustCompile(`^[0-9]{6}$`)

// ValidSymbol reports whether code is a six-digit KRX stock code.
func ValidSymbol(code string) bool {
	return symbolPattern.MatchString(code)
}

// Position represents a long equity position through its full lifecycle.
// Rows are mode-namespaced and never deleted; closed positions keep their
// exit fields for history.
type Position struct {
	ID           string          `json:"id"`
	Mode         Mode            `json:"mode"`
	Symbol       string          `json:"symbol"`
	Name         string          `json:"name,omitempty"`
	State        PositionState   `json:"state"`
	Quantity     int64           `json:"quantity"`
	EntryPrice   decimal.Decimal `json:"entry_price"`
	EntryTime    time.Time       `json:"entry_time,omitempty"`
	EntryOrderNo string          `json:"entry_order_no,omitempty"`

	// ATRAtEntry is frozen on the entry fill and must never be recomputed
	// for the life of the position.
	ATRAtEntry   decimal.Decimal `json:"atr_at_entry"`
	StopLoss     decimal.Decimal `json:"stop_loss"`
	TakeProfit   decimal.Decimal `json:"take_profit"`
	TrailingStop decimal.Decimal `json:"trailing_stop"`
	HighestPrice decimal.Decimal `json:"highest_price"`

	CurrentPrice     decimal.Decimal `json:"current_price"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	UnrealizedPnLPct decimal.Decimal `json:"unrealized_pnl_pct"`

	ExitPrice      decimal.Decimal `json:"exit_price"`
	ExitTime       time.Time       `json:"exit_time,omitempty"`
	ExitReason     string          `json:"exit_reason,omitempty"`
	ExitOrderNo    string          `json:"exit_order_no,omitempty"`
	RealizedPnL    decimal.Decimal `json:"realized_pnl"`
	RealizedPnLPct decimal.Decimal `json:"realized_pnl_pct"`
	Commission     decimal.Decimal `json:"commission"`
	HoldingDays    int             `json:"holding_days"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewPosition creates a PENDING position for an entry order that is about to
// be submitted. Price levels (stop, target, ATR) are set by the caller from
// the entry signal before the fill promotes the position.
func NewPosition(id string, mode Mode, symbol, name string, qty int64) *Position {
	now := time.Now()
	return &Position{
		ID:        id,
		Mode:      mode,
		Symbol:    symbol,
		Name:      name,
		State:     StatePending,
		Quantity:  qty,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// TransitionState moves the position to a new state when the transition
// table allows it.
func (p *Position) TransitionState(to PositionState, condition string) error {
	if !IsValidTransition(p.State, to, condition) {
		return fmt.Errorf("position %s (%s): invalid transition %s -> %s with condition %q",
			p.ID, p.Symbol, p.State, to, condition)
	}
	p.State = to
	return nil
}

// MarkEntered promotes a PENDING position on its entry fill.
func (p *Position) MarkEntered(fillPrice decimal.Decimal, qty int64, orderNo string, at time.Time) error {
	if fillPrice.Sign() <= 0 {
		return fmt.Errorf("position %s: entry fill price must be positive, got %s", p.ID, fillPrice)
	}
	if qty <= 0 {
		return fmt.Errorf("position %s: entry fill quantity must be positive, got %d", p.ID, qty)
	}
	if err := p.TransitionState(StateEntered, "buy_filled"); err != nil {
		return err
	}
	p.EntryPrice = fillPrice
	p.Quantity = qty
	p.EntryOrderNo = orderNo
	p.EntryTime = at
	p.CurrentPrice = fillPrice
	p.HighestPrice = fillPrice
	p.UpdatedAt = at
	return nil
}

// MarkExited closes an ENTERED position on its exit fill. The caller supplies
// the realized figures so that one decision writes a consistent
// trade/position pair.
func (p *Position) MarkExited(fillPrice decimal.Decimal, reason, orderNo string, at time.Time, realized, realizedPct, commission decimal.Decimal) error {
	if fillPrice.Sign() <= 0 {
		return fmt.Errorf("position %s: exit fill price must be positive, got %s", p.ID, fillPrice)
	}
	if reason == "" {
		return fmt.Errorf("position %s: exit reason is required", p.ID)
	}
	if err := p.TransitionState(StateExited, "sell_filled"); err != nil {
		return err
	}
	p.ExitPrice = fillPrice
	p.ExitReason = reason
	p.ExitOrderNo = orderNo
	p.ExitTime = at
	p.RealizedPnL = realized
	p.RealizedPnLPct = realizedPct
	p.Commission = commission
	p.HoldingDays = p.HoldingDaysAt(at)
	p.UpdatedAt = at
	return nil
}

// MarkEntryAbandoned closes a PENDING position whose entry order ended
// without any fill.
func (p *Position) MarkEntryAbandoned(reason string, at time.Time) error {
	condition := "entry_cancelled"
	if reason == ExitEntryFailed {
		condition = "entry_failed"
	}
	if err := p.TransitionState(StateExited, condition); err != nil {
		return err
	}
	if reason == "" {
		reason = ExitEntryCancelled
	}
	p.ExitReason = reason
	p.ExitTime = at
	p.Quantity = 0
	p.UpdatedAt = at
	return nil
}

// ObservePrice records a fresh quote, refreshing unrealized pnl and the
// highest price seen. A zero or negative price means "no quote" and is
// ignored. Returns true when the quote set a new high.
func (p *Position) ObservePrice(price decimal.Decimal, at time.Time) bool {
	if price.Sign() <= 0 {
		return false
	}
	p.CurrentPrice = price
	p.UpdatedAt = at
	if p.State != StateEntered || p.EntryPrice.Sign() <= 0 {
		return false
	}
	p.UnrealizedPnL = price.Sub(p.EntryPrice).Mul(decimal.NewFromInt(p.Quantity))
	p.UnrealizedPnLPct = price.Sub(p.EntryPrice).Div(p.EntryPrice).Mul(decimal.NewFromInt(100))
	if price.GreaterThan(p.HighestPrice) {
		p.HighestPrice = price
		return true
	}
	return false
}

// RaiseTrailingStop lifts the trailing stop to candidate. The stop is
// monotonic: a lower or equal candidate leaves it unchanged.
func (p *Position) RaiseTrailingStop(candidate decimal.Decimal) bool {
	if !candidate.GreaterThan(p.TrailingStop) {
		return false
	}
	p.TrailingStop = candidate
	return true
}

// EffectiveStop returns the binding stop: the trailing stop once it has been
// armed above the initial stop-loss.
func (p *Position) EffectiveStop() decimal.Decimal {
	if p.TrailingStop.GreaterThan(p.StopLoss) {
		return p.TrailingStop
	}
	return p.StopLoss
}

// HoldingDaysAt returns whole calendar days between entry and asOf.
func (p *Position) HoldingDaysAt(asOf time.Time) int {
	if p.EntryTime.IsZero() {
		return 0
	}
	days := int(asOf.Sub(p.EntryTime).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// Validate ensures the position's fields are consistent with its state.
func (p *Position) Validate() error {
	if !ValidSymbol(p.Symbol) {
		return fmt.Errorf("position %s: symbol %q is not a six-digit stock code", p.ID, p.Symbol)
	}
	if !p.Mode.Valid() {
		return fmt.Errorf("position %s: invalid mode %q", p.ID, p.Mode)
	}

	switch p.State {
	case StatePending:
		if !p.EntryTime.IsZero() {
			return fmt.Errorf("position %s in state %s: EntryTime must be zero before the fill (current: %v)",
				p.ID, p.State, p.EntryTime)
		}
		if !p.ExitTime.IsZero() {
			return fmt.Errorf("position %s in state %s: ExitTime must be zero (current: %v)",
				p.ID, p.State, p.ExitTime)
		}
		if p.ExitReason != "" {
			return fmt.Errorf("position %s in state %s: ExitReason must be empty (current: %s)",
				p.ID, p.State, p.ExitReason)
		}
		if p.Quantity <= 0 {
			return fmt.Errorf("position %s in state %s: Quantity must be > 0 (current: %d)",
				p.ID, p.State, p.Quantity)
		}
	case StateEntered:
		if p.EntryTime.IsZero() {
			return fmt.Errorf("position %s in state %s: EntryTime must be set", p.ID, p.State)
		}
		if p.EntryPrice.Sign() <= 0 {
			return fmt.Errorf("position %s in state %s: EntryPrice must be positive (current: %s)",
				p.ID, p.State, p.EntryPrice)
		}
		if p.Quantity <= 0 {
			return fmt.Errorf("position %s in state %s: Quantity must be > 0 (current: %d)",
				p.ID, p.State, p.Quantity)
		}
		if p.ATRAtEntry.Sign() <= 0 {
			return fmt.Errorf("position %s in state %s: ATRAtEntry must be positive (current: %s)",
				p.ID, p.State, p.ATRAtEntry)
		}
		if !p.StopLoss.LessThan(p.EntryPrice) {
			return fmt.Errorf("position %s in state %s: StopLoss %s must be below EntryPrice %s",
				p.ID, p.State, p.StopLoss, p.EntryPrice)
		}
		if !p.TakeProfit.GreaterThan(p.EntryPrice) {
			return fmt.Errorf("position %s in state %s: TakeProfit %s must be above EntryPrice %s",
				p.ID, p.State, p.TakeProfit, p.EntryPrice)
		}
		if p.HighestPrice.LessThan(p.EntryPrice) {
			return fmt.Errorf("position %s in state %s: HighestPrice %s must be >= EntryPrice %s",
				p.ID, p.State, p.HighestPrice, p.EntryPrice)
		}
		if !p.ExitTime.IsZero() {
			return fmt.Errorf("position %s in state %s: ExitTime must be zero (current: %v)",
				p.ID, p.State, p.ExitTime)
		}
		if p.ExitReason != "" {
			return fmt.Errorf("position %s in state %s: ExitReason must be empty (current: %s)",
				p.ID, p.State, p.ExitReason)
		}
	case StateExited:
		if p.ExitTime.IsZero() {
			return fmt.Errorf("position %s in state %s: ExitTime must be set", p.ID, p.State)
		}
		if p.ExitReason == "" {
			return fmt.Errorf("position %s in state %s: ExitReason must be set", p.ID, p.State)
		}
		if !p.EntryTime.IsZero() && p.ExitTime.Before(p.EntryTime) {
			return fmt.Errorf("position %s in state %s: ExitTime (%v) must not precede EntryTime (%v)",
				p.ID, p.State, p.ExitTime, p.EntryTime)
		}
	default:
		return fmt.Errorf("position %s: unknown state %q", p.ID, p.State)
	}

	return nil
}
