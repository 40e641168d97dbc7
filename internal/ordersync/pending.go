package ordersync

import (
	"time"

	"github.com/kisquant/trendatr/internal/notify"
)

// deferSubmitFailed marks a deferral caused by a rejected submit rather
// than a closed session. These lift only when the backoff expires.
const deferSubmitFailed = "SUBMIT_FAILED"

// PendingExit records a sell that could not go out yet. The ledger lives
// in process memory: after a restart the next denied attempt re-records
// and re-notifies, which is the behavior we want after downtime anyway.
type PendingExit struct {
	Symbol     string
	Reason     string // exit classification the engine decided on
	Why        string // what blocked it: CALL_AUCTION, MARKET_CLOSED, SUBMIT_FAILED
	RecordedAt time.Time
	Attempts   int
}

// sessionBlocked reports whether the deferral came from the session gate.
// Those lift the moment the exit window reopens instead of waiting out the
// backoff.
func (pe PendingExit) sessionBlocked() bool {
	return pe.Why == "CALL_AUCTION" || pe.Why == "MARKET_CLOSED"
}

// DeferExit records that symbol's exit is wanted but blocked. The first
// record notifies the operator; refreshes only re-arm the backoff so a
// closed market does not page every cycle.
func (s *Synchronizer) DeferExit(symbol, reason, why string, now time.Time) {
	s.mu.Lock()
	pe, existed := s.pending[symbol]
	if existed {
		pe.Reason = reason
		pe.Why = why
		pe.RecordedAt = now
		pe.Attempts++
	} else {
		pe = PendingExit{Symbol: symbol, Reason: reason, Why: why, RecordedAt: now, Attempts: 1}
	}
	s.pending[symbol] = pe
	s.mu.Unlock()

	if existed {
		s.logger.Debug().Str("symbol", symbol).Str("why", why).Int("attempts", pe.Attempts).
			Msg("pending exit refreshed")
		return
	}
	s.logger.Warn().Str("symbol", symbol).Str("reason", reason).Str("why", why).
		Msg("exit deferred")
	s.notifier.Notify(notify.PendingExit(symbol, reason, false))
}

// PendingExitFor exposes the ledger entry for a symbol.
func (s *Synchronizer) PendingExitFor(symbol string) (PendingExit, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pe, ok := s.pending[symbol]
	return pe, ok
}

// PendingExits snapshots the ledger for status reporting.
func (s *Synchronizer) PendingExits() []PendingExit {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PendingExit, 0, len(s.pending))
	for _, pe := range s.pending {
		out = append(out, pe)
	}
	return out
}

// holdExit decides whether a non-emergency sell should wait instead of
// hitting the gate again. Session-blocked deferrals retry as soon as the
// window reopens; everything else waits out the backoff.
func (s *Synchronizer) holdExit(symbol string, now time.Time) (bool, string) {
	s.mu.Lock()
	pe, ok := s.pending[symbol]
	s.mu.Unlock()
	if !ok {
		return false, ""
	}
	if now.Sub(pe.RecordedAt) >= s.backoff {
		return false, ""
	}
	if pe.sessionBlocked() {
		if canExit, _ := s.cal.CanExit(now); canExit {
			return false, ""
		}
	}
	return true, pe.Why
}

func (s *Synchronizer) clearExit(symbol string) (PendingExit, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pe, ok := s.pending[symbol]
	if ok {
		delete(s.pending, symbol)
	}
	return pe, ok
}
