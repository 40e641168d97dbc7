// Package notify delivers operator events. The Telegram notifier formats
// and sends them off the decision path through a bounded worker pool; the
// no-op notifier swallows everything so the engine never branches on
// whether notifications are configured.
package notify

// Severity classifies an event for the operator. ERROR is reserved for
// order-submit failures, loop/strategy exceptions, and critical
// reconciliation verdicts; everything else is INFO or WARNING.
type Severity string

const (
	SeverityInfo    Severity = "INFO"
	SeverityWarning Severity = "WARNING"
	SeverityError   Severity = "ERROR"
)

// Kind selects the message template.
type Kind string

const (
	KindSystemStart      Kind = "SYSTEM_START"
	KindSystemStop       Kind = "SYSTEM_STOP"
	KindBuyFilled        Kind = "BUY_FILLED"
	KindSellFilled       Kind = "SELL_FILLED"
	KindStopLoss         Kind = "STOP_LOSS"
	KindTakeProfit       Kind = "TAKE_PROFIT"
	KindGapProtection    Kind = "GAP_PROTECTION"
	KindNearStop         Kind = "NEAR_STOP"
	KindNearTarget       Kind = "NEAR_TARGET"
	KindTrailingRaised   Kind = "TRAILING_RAISED"
	KindPositionRestored Kind = "POSITION_RESTORED"
	KindPendingExit      Kind = "PENDING_EXIT"
	KindRiskTrip         Kind = "RISK_TRIP"
	KindKillSwitch       Kind = "KILL_SWITCH"
	KindReconciliation   Kind = "RECONCILIATION"
	KindSignalOnly       Kind = "SIGNAL_ONLY"
	KindError            Kind = "ERROR"
	KindWarning          Kind = "WARNING"
	KindInfo             Kind = "INFO"
)

// Event is one operator notification. Payload holds the template fields;
// Dedup, when set, suppresses later events carrying the same (Kind, Dedup)
// for the life of the process.
type Event struct {
	Severity Severity
	Kind     Kind
	Dedup    string
	Payload  map[string]string
}

// Notifier pushes human-readable events to the operator. Implementations
// must not block the caller on delivery.
type Notifier interface {
	Notify(e Event)
	// Close drains any queued deliveries.
	Close()
}

// Noop drops every event. Used when no notification channel is configured
// and in tests.
type Noop struct{}

func (Noop) Notify(Event) {}
func (Noop) Close()       {}

var _ Notifier = Noop{}
