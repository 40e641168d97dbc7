// Package broker provides the Korea Investment & Securities (KIS) REST
// client used for quotes, balances and cash orders, together with the
// circuit-breaker decorator and the local dry-run stand-in that share its
// interface.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"github.com/kisquant/trendatr/internal/models"
	"github.com/kisquant/trendatr/internal/retry"
)

// Broker is the capability surface the engine trades through. Order
// submission must stay free of hidden retries on every implementation;
// callers own the decision to try again.
type Broker interface {
	// Session management
	GetAccessToken(ctx context.Context) (string, error)
	PrewarmToken(ctx context.Context) bool

	// Market data
	GetCurrentPrice(ctx context.Context, symbol string) (*Quote, error)
	GetDailyOHLCV(ctx context.Context, symbol string, n int) ([]models.DailyBar, error)
	VolumeRank(ctx context.Context, limit int) ([]RankedStock, error)

	// Account
	GetAccountBalance(ctx context.Context) (*Balance, error)

	// Orders
	PlaceBuyOrder(ctx context.Context, symbol string, qty int64) (*OrderResult, error)
	PlaceSellOrder(ctx context.Context, symbol string, qty int64) (*OrderResult, error)
	GetOrderStatus(ctx context.Context, orderNo string) (*ExecutionStatus, error)
	WaitForExecution(ctx context.Context, orderNo string, expectedQty int64, timeout time.Duration) (*ExecutionOutcome, error)
	CancelOrder(ctx context.Context, orderNo string) error

	// Health
	OutageFor(d time.Duration) bool
}

// Quote is a real-time snapshot for one symbol.
type Quote struct {
	Symbol      string
	Price       decimal.Decimal
	PrevClose   decimal.Decimal
	Open        decimal.Decimal
	High        decimal.Decimal
	Low         decimal.Decimal
	ChangeRate  decimal.Decimal // percent versus the previous close
	Volume      int64
	TradedValue decimal.Decimal // accumulated traded value in won
	MarketCap   decimal.Decimal // won, zero when the venue omits it
	Halted      bool
	Management  bool
	Time        time.Time
}

// RankedStock is one row of the exchange volume ranking, ordered by traded
// value.
type RankedStock struct {
	Rank        int
	Symbol      string
	Name        string
	Price       decimal.Decimal
	ChangeRate  decimal.Decimal
	Volume      int64
	TradedValue decimal.Decimal
	MarketCap   decimal.Decimal
}

// Holding is one open account position as the broker reports it.
type Holding struct {
	Symbol       string
	Name         string
	Quantity     int64
	AvgPrice     decimal.Decimal
	CurrentPrice decimal.Decimal
	EvalAmount   decimal.Decimal
	PnL          decimal.Decimal
	PnLRate      decimal.Decimal
}

// Balance is the account summary with its holdings.
type Balance struct {
	Cash          decimal.Decimal
	TotalEquity   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Holdings      []Holding
}

// Holding returns the account position for symbol, if any.
func (b *Balance) Holding(symbol string) (Holding, bool) {
	for _, h := range b.Holdings {
		if h.Symbol == symbol {
			return h, true
		}
	}
	return Holding{}, false
}

// OrderResult is the broker's acceptance of a submitted order.
type OrderResult struct {
	OrderNo   string
	OrderTime string // venue clock, HHMMSS
}

// ExecutionStatus is one row of the daily executions ledger.
type ExecutionStatus struct {
	OrderNo      string
	Symbol       string
	Side         models.Side
	OrderQty     int64
	FilledQty    int64 // cumulative
	RemainingQty int64
	OrderPrice   decimal.Decimal
	AvgPrice     decimal.Decimal
}

// ExecutionOutcome is the settled result of waiting on one order. Status is
// OrderFilled, OrderPartial or OrderCancelled; FilledQty is cumulative.
type ExecutionOutcome struct {
	Status    models.OrderStatus
	FilledQty int64
	AvgPrice  decimal.Decimal
	Waited    time.Duration
}

// APIError is a non-success response from the broker gateway: either a bad
// HTTP status, or an rt_cd business reject carried inside a 200.
type APIError struct {
	Status int    // HTTP status code
	Code   string // gateway message code (msg_cd), empty for transport failures
	Body   string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error %d [%s]: %s", e.Status, e.Code, e.Body)
	}
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// ErrOrderNotFound reports that the executions ledger has no row for the
// requested order number yet.
var ErrOrderNotFound = errors.New("order not found")

// IsTransient reports whether an error is worth retrying on a call that is
// safe to repeat. Rate-limit rejects and server-side failures retry;
// validation and auth errors do not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= 500 {
			return true
		}
		// EGW00201 is the gateway's per-second call quota reject.
		return apiErr.Code == "EGW00201"
	}
	if errors.Is(err, ErrOrderNotFound) {
		return false
	}
	return retry.Transient(err)
}

// BreakerBroker wraps a Broker with a circuit breaker. While the circuit is
// open every call fails fast and the open window counts as an outage.
type BreakerBroker struct {
	inner   Broker
	breaker *gobreaker.CircuitBreaker

	mu        sync.Mutex
	openSince time.Time
}

// execBreaker is the generic helper for breaker wrapper methods.
func execBreaker[T any](b *BreakerBroker, fn func(Broker) (T, error)) (T, error) {
	var zero T
	res, err := b.breaker.Execute(func() (interface{}, error) { return fn(b.inner) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// BreakerSettings configures trip behavior.
type BreakerSettings struct {
	MaxRequests  uint32        // probes allowed while half-open
	Interval     time.Duration // closed-state count reset period
	Timeout      time.Duration // open duration before half-open
	MinRequests  uint32        // observations required before a trip
	FailureRatio float64       // failure ratio threshold
}

// NewBreakerBroker wraps inner with default settings.
func NewBreakerBroker(inner Broker, logger zerolog.Logger) *BreakerBroker {
	return NewBreakerBrokerWithSettings(inner, logger, BreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
}

// NewBreakerBrokerWithSettings wraps inner with custom settings.
func NewBreakerBrokerWithSettings(inner Broker, logger zerolog.Logger, settings BreakerSettings) *BreakerBroker {
	bb := &BreakerBroker{inner: inner}
	bb.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "kis-broker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= settings.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			// A missing executions row is an answer, not a failure.
			return err == nil || errors.Is(err, ErrOrderNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
			bb.noteState(to)
		},
	})
	return bb
}

func (b *BreakerBroker) noteState(to gobreaker.State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if to == gobreaker.StateOpen {
		if b.openSince.IsZero() {
			b.openSince = time.Now()
		}
		return
	}
	b.openSince = time.Time{}
}

// GetAccessToken wraps the underlying broker call with the circuit breaker.
func (b *BreakerBroker) GetAccessToken(ctx context.Context) (string, error) {
	return execBreaker(b, func(br Broker) (string, error) { return br.GetAccessToken(ctx) })
}

// PrewarmToken delegates directly; prewarming is opportunistic and must not
// consume breaker probes.
func (b *BreakerBroker) PrewarmToken(ctx context.Context) bool {
	return b.inner.PrewarmToken(ctx)
}

// GetCurrentPrice wraps the underlying broker call with the circuit breaker.
func (b *BreakerBroker) GetCurrentPrice(ctx context.Context, symbol string) (*Quote, error) {
	return execBreaker(b, func(br Broker) (*Quote, error) { return br.GetCurrentPrice(ctx, symbol) })
}

// GetDailyOHLCV wraps the underlying broker call with the circuit breaker.
func (b *BreakerBroker) GetDailyOHLCV(ctx context.Context, symbol string, n int) ([]models.DailyBar, error) {
	return execBreaker(b, func(br Broker) ([]models.DailyBar, error) { return br.GetDailyOHLCV(ctx, symbol, n) })
}

// VolumeRank wraps the underlying broker call with the circuit breaker.
func (b *BreakerBroker) VolumeRank(ctx context.Context, limit int) ([]RankedStock, error) {
	return execBreaker(b, func(br Broker) ([]RankedStock, error) { return br.VolumeRank(ctx, limit) })
}

// GetAccountBalance wraps the underlying broker call with the circuit breaker.
func (b *BreakerBroker) GetAccountBalance(ctx context.Context) (*Balance, error) {
	return execBreaker(b, func(br Broker) (*Balance, error) { return br.GetAccountBalance(ctx) })
}

// PlaceBuyOrder wraps the underlying broker call with the circuit breaker.
func (b *BreakerBroker) PlaceBuyOrder(ctx context.Context, symbol string, qty int64) (*OrderResult, error) {
	return execBreaker(b, func(br Broker) (*OrderResult, error) { return br.PlaceBuyOrder(ctx, symbol, qty) })
}

// PlaceSellOrder wraps the underlying broker call with the circuit breaker.
func (b *BreakerBroker) PlaceSellOrder(ctx context.Context, symbol string, qty int64) (*OrderResult, error) {
	return execBreaker(b, func(br Broker) (*OrderResult, error) { return br.PlaceSellOrder(ctx, symbol, qty) })
}

// GetOrderStatus wraps the underlying broker call with the circuit breaker.
func (b *BreakerBroker) GetOrderStatus(ctx context.Context, orderNo string) (*ExecutionStatus, error) {
	return execBreaker(b, func(br Broker) (*ExecutionStatus, error) { return br.GetOrderStatus(ctx, orderNo) })
}

// WaitForExecution delegates directly. The wait polls internally for its
// whole budget and must not be failed fast while an order is live.
func (b *BreakerBroker) WaitForExecution(ctx context.Context, orderNo string, expectedQty int64, timeout time.Duration) (*ExecutionOutcome, error) {
	return b.inner.WaitForExecution(ctx, orderNo, expectedQty, timeout)
}

// CancelOrder wraps the underlying broker call with the circuit breaker.
func (b *BreakerBroker) CancelOrder(ctx context.Context, orderNo string) error {
	_, err := execBreaker(b, func(br Broker) (struct{}, error) {
		return struct{}{}, br.CancelOrder(ctx, orderNo)
	})
	return err
}

// OutageFor reports an outage when the inner broker sees one or the circuit
// has been open for at least d.
func (b *BreakerBroker) OutageFor(d time.Duration) bool {
	b.mu.Lock()
	openSince := b.openSince
	b.mu.Unlock()
	if !openSince.IsZero() && time.Since(openSince) >= d {
		return true
	}
	return b.inner.OutageFor(d)
}

var _ Broker = (*BreakerBroker)(nil)
