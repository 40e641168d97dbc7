package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid returns true if the side is one of the defined constants
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// IdempotencyKey derives the content hash that makes an order decision safe
// to retry: identical decisions collapse onto one key, and the mode prefix
// keeps test and real orders from ever colliding.
func IdempotencyKey(mode Mode, side Side, symbol string, qty int64, signalID string) string {
	parts := []string{string(mode), string(side), symbol, strconv.FormatInt(qty, 10), signalID}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// OrderState is the durable record of one order decision, keyed by its
// idempotency hash. It is the synchronizer's unit of crash recovery: a
// restarted process adopts non-terminal rows instead of resubmitting.
type OrderState struct {
	IdempotencyKey string      `json:"idempotency_key"`
	SignalID       string      `json:"signal_id"`
	Mode           Mode        `json:"mode"`
	Symbol         string      `json:"symbol"`
	Side           Side        `json:"side"`
	RequestedQty   int64       `json:"requested_qty"`
	FilledQty      int64       `json:"filled_qty"`
	RemainingQty   int64       `json:"remaining_qty"`
	OrderNo        string      `json:"order_no,omitempty"`
	FillID         string      `json:"fill_id,omitempty"`
	Status         OrderStatus `json:"status"`
	LastError      string      `json:"last_error,omitempty"`
	RequestedAt    time.Time   `json:"requested_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// NewOrderState creates a PENDING row for a fresh decision.
func NewOrderState(mode Mode, side Side, symbol string, qty int64, signalID string, now time.Time) *OrderState {
	return &OrderState{
		IdempotencyKey: IdempotencyKey(mode, side, symbol, qty, signalID),
		SignalID:       signalID,
		Mode:           mode,
		Symbol:         symbol,
		Side:           side,
		RequestedQty:   qty,
		RemainingQty:   qty,
		Status:         OrderPending,
		RequestedAt:    now,
		UpdatedAt:      now,
	}
}

// Transition moves the row to a new status with a cumulative filled
// quantity. Terminal rows are immutable; filled + remaining = requested
// holds after every transition.
func (o *OrderState) Transition(to OrderStatus, filledQty int64, now time.Time) error {
	if o.Status.Terminal() {
		return fmt.Errorf("order %s: terminal status %s is immutable", o.IdempotencyKey, o.Status)
	}
	if to != o.Status && !ValidOrderTransition(o.Status, to) {
		return fmt.Errorf("order %s: invalid transition %s -> %s", o.IdempotencyKey, o.Status, to)
	}
	if filledQty < o.FilledQty {
		return fmt.Errorf("order %s: cumulative fill cannot shrink (%d -> %d)", o.IdempotencyKey, o.FilledQty, filledQty)
	}
	if filledQty > o.RequestedQty {
		return fmt.Errorf("order %s: filled %d exceeds requested %d", o.IdempotencyKey, filledQty, o.RequestedQty)
	}
	switch to {
	case OrderFilled:
		if filledQty != o.RequestedQty {
			return fmt.Errorf("order %s: FILLED requires the full quantity (%d filled of %d)",
				o.IdempotencyKey, filledQty, o.RequestedQty)
		}
	case OrderPartial:
		if filledQty <= 0 || filledQty >= o.RequestedQty {
			return fmt.Errorf("order %s: PARTIAL requires 0 < filled < requested (%d of %d)",
				o.IdempotencyKey, filledQty, o.RequestedQty)
		}
	}
	o.Status = to
	o.FilledQty = filledQty
	o.RemainingQty = o.RequestedQty - filledQty
	o.UpdatedAt = now
	return nil
}

// MarkSubmitted records broker acceptance with the assigned order number.
func (o *OrderState) MarkSubmitted(orderNo string, now time.Time) error {
	if orderNo == "" {
		return fmt.Errorf("order %s: broker acceptance without an order number", o.IdempotencyKey)
	}
	if err := o.Transition(OrderSubmitted, o.FilledQty, now); err != nil {
		return err
	}
	o.OrderNo = orderNo
	return nil
}

// MarkFailed records a submit rejection or unrecoverable error.
func (o *OrderState) MarkFailed(reason string, now time.Time) error {
	if err := o.Transition(OrderFailed, o.FilledQty, now); err != nil {
		return err
	}
	o.LastError = reason
	return nil
}
