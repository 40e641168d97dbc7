// Package models provides the persisted trading domain types and the state
// machines governing position and order lifecycle transitions.
package models

import "fmt"

// PositionState represents the lifecycle state of a position
type PositionState string

const (
	StatePending PositionState = "PENDING" // Entry order submitted, waiting for fill
	StateEntered PositionState = "ENTERED" // Entry filled, position under management
	StateExited  PositionState = "EXITED"  // Position closed; the row is kept for history
)

// Valid returns true if the state is one of the defined constants
func (s PositionState) Valid() bool {
	switch s {
	case StatePending, StateEntered, StateExited:
		return true
	default:
		return false
	}
}

// Open reports whether the state still occupies the (symbol, mode) slot.
func (s PositionState) Open() bool {
	return s == StatePending || s == StateEntered
}

// Description returns a human-readable state description
func (s PositionState) Description() string {
	switch s {
	case StatePending:
		return "Entry order submitted, waiting for fill"
	case StateEntered:
		return "Position open, managed by stop/target/trailing rules"
	case StateExited:
		return "Position closed"
	default:
		return fmt.Sprintf("Unknown state: %s", string(s))
	}
}

// StateTransition defines a valid position state transition
type StateTransition struct {
	From        PositionState
	To          PositionState
	Condition   string
	Description string
}

// ValidTransitions enumerates the position lifecycle. A position is created
// PENDING when its entry order is submitted and is never deleted afterwards;
// abandoned entries close with an exit reason instead of disappearing.
var ValidTransitions = []StateTransition{
	{StatePending, StateEntered, "buy_filled", "Entry order filled"},
	{StatePending, StateExited, "entry_cancelled", "Entry order cancelled or timed out with no fill"},
	{StatePending, StateExited, "entry_failed", "Entry order rejected by the broker"},
	{StateEntered, StateExited, "sell_filled", "Exit order filled"},
	{StateEntered, StateExited, "recovered_missing", "Broker no longer reports the holding"},
}

// IsValidTransition checks whether from -> to under the given condition is
// defined in the transition table.
func IsValidTransition(from, to PositionState, condition string) bool {
	for _, tr := range ValidTransitions {
		if tr.From == from && tr.To == to && tr.Condition == condition {
			return true
		}
	}
	return false
}

// OrderStatus represents the lifecycle state of an order_state row
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"   // Row created, nothing submitted yet
	OrderSubmitted OrderStatus = "SUBMITTED" // Broker accepted, order number assigned
	OrderPartial   OrderStatus = "PARTIAL"   // Some quantity filled, remainder open or cancelled
	OrderFilled    OrderStatus = "FILLED"    // Fully filled
	OrderCancelled OrderStatus = "CANCELLED" // Cancelled before completion
	OrderFailed    OrderStatus = "FAILED"    // Rejected or errored at submit
)

// Valid returns true if the status is one of the defined constants
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderPending, OrderSubmitted, OrderPartial, OrderFilled, OrderCancelled, OrderFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status is final. Terminal rows are immutable
// except for audit metadata.
func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderFailed
}

// Order status graph. PARTIAL -> PARTIAL is listed because an adopted row can
// accumulate further fills without reaching a terminal status.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPending:   {OrderSubmitted, OrderCancelled, OrderFailed},
	OrderSubmitted: {OrderPartial, OrderFilled, OrderCancelled, OrderFailed},
	OrderPartial:   {OrderPartial, OrderFilled, OrderCancelled, OrderFailed},
}

// ValidOrderTransition checks whether an order_state row may move from one
// status to another.
func ValidOrderTransition(from, to OrderStatus) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
