package storage

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/kisquant/trendatr/internal/models"
)

// Interface defines the persistence contract for positions, order state,
// trades and account history.
//
// Implementations must be safe for concurrent use - callers can assume all
// methods are goroutine-safe and can safely call these methods from multiple
// goroutines.
//
// Transact brackets a group of writes in one transaction: the decision path
// uses it so an order-state transition, its trade row and the position update
// land atomically or not at all.
type Interface interface {
	// Positions. Rows are mode-namespaced and never deleted; SavePosition
	// upserts by position id and rejects a second ENTERED row for the same
	// symbol and mode with ErrDuplicateKey.
	SavePosition(ctx context.Context, p *models.Position) error
	GetPosition(ctx context.Context, id string) (*models.Position, error)
	GetOpenPositions(ctx context.Context, mode models.Mode) ([]*models.Position, error)
	GetEnteredPosition(ctx context.Context, mode models.Mode, symbol string) (*models.Position, error)

	// Order state, keyed by idempotency hash.
	SaveOrderState(ctx context.Context, o *models.OrderState) error
	GetOrderState(ctx context.Context, key string) (*models.OrderState, error)
	GetActiveOrderStates(ctx context.Context, mode models.Mode) ([]*models.OrderState, error)

	// Trades. InsertTrade returns ErrDuplicateKey when a trade already
	// exists for the idempotency key; callers treat that as already
	// recorded.
	InsertTrade(ctx context.Context, t *models.Trade) error
	GetTradesOn(ctx context.Context, mode models.Mode, day time.Time) ([]*models.Trade, error)
	RecentTrades(ctx context.Context, mode models.Mode, limit int) ([]*models.Trade, error)

	// Account history.
	InsertSnapshot(ctx context.Context, snap *models.AccountSnapshot) error
	LatestSnapshot(ctx context.Context, mode models.Mode) (*models.AccountSnapshot, error)
	PeakEquity(ctx context.Context, mode models.Mode) (decimal.Decimal, error)
	UpsertDailySummary(ctx context.Context, ds *models.DailySummary) error
	GetDailySummary(ctx context.Context, mode models.Mode, tradeDate string) (*models.DailySummary, error)

	// Symbol name cache.
	UpsertSymbolName(ctx context.Context, sn *models.SymbolName) error
	GetSymbolName(ctx context.Context, code string) (*models.SymbolName, error)

	// Transact runs fn inside one transaction. Every call made through the
	// Interface passed to fn joins that transaction; it commits when fn
	// returns nil and rolls back otherwise.
	Transact(ctx context.Context, fn func(Interface) error) error

	Close() error
}

// NewStore opens the SQLite-backed store at path, creating the schema on
// first use.
func NewStore(path string, logger zerolog.Logger) (Interface, error) {
	return NewSQLiteStore(path, logger)
}

// Ensure SQLiteStore implements Interface
var _ Interface = (*SQLiteStore)(nil)
