package ordersync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kisquant/trendatr/internal/broker"
	"github.com/kisquant/trendatr/internal/models"
	"github.com/kisquant/trendatr/internal/storage"
)

const (
	// A PENDING row that never recorded broker acceptance is abandoned
	// quickly; a row with a live order number gets the long leash.
	staleNoOrderAfter = 15 * time.Minute
	staleAnyAfter     = 240 * time.Minute
)

// CleanupStale closes out order rows that stopped moving: PENDING rows that
// never reached the broker, and anything non-terminal older than the hard
// ceiling. Rows with an order number get a best-effort broker cancel first.
// Returns how many rows were closed.
func (s *Synchronizer) CleanupStale(ctx context.Context, now time.Time) (int, error) {
	states, err := s.store.GetActiveOrderStates(ctx, s.mode)
	if err != nil {
		return 0, fmt.Errorf("list active order states: %w", err)
	}

	cancelled := 0
	for _, st := range states {
		age := now.Sub(st.RequestedAt)
		switch {
		case st.Status == models.OrderPending && st.OrderNo == "" && age > staleNoOrderAfter:
		case age > staleAnyAfter:
		default:
			continue
		}

		logger := s.logger.With().
			Str("symbol", st.Symbol).
			Str("key", shortKey(st.IdempotencyKey)).
			Str("status", string(st.Status)).
			Dur("age", age).
			Logger()

		if st.OrderNo != "" {
			if err := s.broker.CancelOrder(ctx, st.OrderNo); err != nil && !errors.Is(err, broker.ErrOrderNotFound) {
				logger.Warn().Err(err).Str("order_no", st.OrderNo).
					Msg("stale order cancel failed, closing the row anyway")
			}
		}

		err := s.store.Transact(ctx, func(tx storage.Interface) error {
			if err := st.Transition(models.OrderCancelled, st.FilledQty, now); err != nil {
				return err
			}
			if err := tx.SaveOrderState(ctx, st); err != nil {
				return err
			}
			if st.Side != models.SideBuy {
				return nil
			}
			pos, err := s.findPendingPosition(ctx, tx, st.Mode, st.Symbol)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return nil
				}
				return err
			}
			if err := pos.MarkEntryAbandoned(models.ExitEntryCancelled, now); err != nil {
				return err
			}
			return tx.SavePosition(ctx, pos)
		})
		if err != nil {
			logger.Error().Err(err).Msg("stale order cleanup failed")
			continue
		}
		cancelled++
		logger.Warn().Msg("stale order cancelled")
	}
	return cancelled, nil
}
