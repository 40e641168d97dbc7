package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/kisquant/trendatr/internal/marketcal"
	"github.com/kisquant/trendatr/internal/models"
)

// querier is the subset of database/sql shared by *sql.DB and *sql.Tx. Every
// store method runs against it, so the same code serves standalone calls and
// calls inside a Transact bracket.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// SQLiteStore persists all trading state in a single SQLite database. Money
// columns are TEXT rendered from decimal.Decimal, times are RFC3339 in KST,
// and every row carries its mode so test runs never touch real-account rows.
type SQLiteStore struct {
	db  *sql.DB
	q   querier
	loc *time.Location
	log zerolog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS positions (
	position_id        TEXT PRIMARY KEY,
	mode               TEXT NOT NULL,
	symbol             TEXT NOT NULL,
	name               TEXT NOT NULL DEFAULT '',
	state              TEXT NOT NULL,
	quantity           INTEGER NOT NULL DEFAULT 0,
	entry_price        TEXT NOT NULL DEFAULT '0',
	atr_at_entry       TEXT NOT NULL DEFAULT '0',
	stop_loss          TEXT NOT NULL DEFAULT '0',
	take_profit        TEXT NOT NULL DEFAULT '0',
	trailing_stop      TEXT NOT NULL DEFAULT '0',
	highest_price      TEXT NOT NULL DEFAULT '0',
	current_price      TEXT NOT NULL DEFAULT '0',
	unrealized_pnl     TEXT NOT NULL DEFAULT '0',
	unrealized_pnl_pct TEXT NOT NULL DEFAULT '0',
	exit_price         TEXT NOT NULL DEFAULT '0',
	realized_pnl       TEXT NOT NULL DEFAULT '0',
	realized_pnl_pct   TEXT NOT NULL DEFAULT '0',
	commission         TEXT NOT NULL DEFAULT '0',
	entry_time         TEXT NOT NULL DEFAULT '',
	exit_time          TEXT NOT NULL DEFAULT '',
	entry_order_no     TEXT NOT NULL DEFAULT '',
	exit_order_no      TEXT NOT NULL DEFAULT '',
	exit_reason        TEXT NOT NULL DEFAULT '',
	holding_days       INTEGER NOT NULL DEFAULT 0,
	created_at         TEXT NOT NULL,
	updated_at         TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_one_entered
	ON positions(mode, symbol) WHERE state = 'ENTERED';
CREATE INDEX IF NOT EXISTS idx_positions_mode_state ON positions(mode, state);

CREATE TABLE IF NOT EXISTS order_state (
	idempotency_key TEXT PRIMARY KEY,
	signal_id       TEXT NOT NULL,
	mode            TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL,
	requested_qty   INTEGER NOT NULL,
	filled_qty      INTEGER NOT NULL DEFAULT 0,
	remaining_qty   INTEGER NOT NULL,
	order_no        TEXT NOT NULL DEFAULT '',
	fill_id         TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	last_error      TEXT NOT NULL DEFAULT '',
	requested_at    TEXT NOT NULL,
	updated_at      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_order_state_mode_status ON order_state(mode, status);

CREATE TABLE IF NOT EXISTS trades (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	idempotency_key TEXT NOT NULL UNIQUE,
	mode            TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL,
	price           TEXT NOT NULL,
	quantity        INTEGER NOT NULL,
	executed_at     TEXT NOT NULL,
	reason          TEXT NOT NULL DEFAULT '',
	pnl             TEXT NOT NULL DEFAULT '0',
	pnl_pct         TEXT NOT NULL DEFAULT '0',
	entry_price     TEXT NOT NULL DEFAULT '0',
	holding_days    INTEGER NOT NULL DEFAULT 0,
	order_no        TEXT NOT NULL DEFAULT '',
	created_at      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trades_mode_executed ON trades(mode, executed_at);

CREATE TABLE IF NOT EXISTS account_snapshots (
	snapshot_time  TEXT NOT NULL,
	mode           TEXT NOT NULL,
	total_equity   TEXT NOT NULL,
	cash           TEXT NOT NULL,
	unrealized_pnl TEXT NOT NULL DEFAULT '0',
	realized_pnl   TEXT NOT NULL DEFAULT '0',
	position_count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (snapshot_time, mode)
);

CREATE TABLE IF NOT EXISTS symbol_cache (
	stock_code TEXT PRIMARY KEY,
	stock_name TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS daily_summary (
	trade_date             TEXT NOT NULL,
	mode                   TEXT NOT NULL,
	trades_count           INTEGER NOT NULL DEFAULT 0,
	realized_pnl           TEXT NOT NULL DEFAULT '0',
	win_count              INTEGER NOT NULL DEFAULT 0,
	loss_count             INTEGER NOT NULL DEFAULT 0,
	max_consecutive_losses INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (trade_date, mode)
);
`

const positionCols = `position_id, mode, symbol, name, state, quantity,
	entry_price, atr_at_entry, stop_loss, take_profit, trailing_stop,
	highest_price, current_price, unrealized_pnl, unrealized_pnl_pct,
	exit_price, realized_pnl, realized_pnl_pct, commission,
	entry_time, exit_time, entry_order_no, exit_order_no, exit_reason,
	holding_days, created_at, updated_at`

const orderCols = `idempotency_key, signal_id, mode, symbol, side,
	requested_qty, filled_qty, remaining_qty, order_no, fill_id, status,
	last_error, requested_at, updated_at`

const tradeCols = `idempotency_key, mode, symbol, side, price, quantity,
	executed_at, reason, pnl, pnl_pct, entry_price, holding_days, order_no,
	created_at`

// NewSQLiteStore opens (or creates) the database at path and applies the
// schema. The connection pool is capped at 5 to match the engine's bound on
// parallel I/O.
func NewSQLiteStore(path string, logger zerolog.Logger) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite db %s: %w", path, err)
	}

	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}
	db.SetMaxOpenConns(5)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &SQLiteStore{db: db, q: db, loc: marketcal.KST(), log: logger}
	s.log.Info().Str("path", path).Msg("sqlite store opened")
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Transact runs fn inside one SQL transaction. The store handed to fn routes
// every query through that transaction; nested calls join the same one.
func (s *SQLiteStore) Transact(ctx context.Context, fn func(Interface) error) error {
	if _, inTx := s.q.(*sql.Tx); inTx {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	txStore := &SQLiteStore{db: s.db, q: tx, loc: s.loc, log: s.log}
	if err := fn(txStore); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ---- positions ----

// SavePosition validates and upserts a position row. A second ENTERED row
// for the same symbol and mode violates the partial unique index and comes
// back as ErrDuplicateKey.
func (s *SQLiteStore) SavePosition(ctx context.Context, p *models.Position) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("save position: %w", err)
	}

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO positions (`+positionCols+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(position_id) DO UPDATE SET
			mode=excluded.mode, symbol=excluded.symbol, name=excluded.name,
			state=excluded.state, quantity=excluded.quantity,
			entry_price=excluded.entry_price, atr_at_entry=excluded.atr_at_entry,
			stop_loss=excluded.stop_loss, take_profit=excluded.take_profit,
			trailing_stop=excluded.trailing_stop, highest_price=excluded.highest_price,
			current_price=excluded.current_price, unrealized_pnl=excluded.unrealized_pnl,
			unrealized_pnl_pct=excluded.unrealized_pnl_pct, exit_price=excluded.exit_price,
			realized_pnl=excluded.realized_pnl, realized_pnl_pct=excluded.realized_pnl_pct,
			commission=excluded.commission, entry_time=excluded.entry_time,
			exit_time=excluded.exit_time, entry_order_no=excluded.entry_order_no,
			exit_order_no=excluded.exit_order_no, exit_reason=excluded.exit_reason,
			holding_days=excluded.holding_days, updated_at=excluded.updated_at`,
		p.ID, string(p.Mode), p.Symbol, p.Name, string(p.State), p.Quantity,
		p.EntryPrice, p.ATRAtEntry, p.StopLoss, p.TakeProfit, p.TrailingStop,
		p.HighestPrice, p.CurrentPrice, p.UnrealizedPnL, p.UnrealizedPnLPct,
		p.ExitPrice, p.RealizedPnL, p.RealizedPnLPct, p.Commission,
		s.fmtTime(p.EntryTime), s.fmtTime(p.ExitTime), p.EntryOrderNo,
		p.ExitOrderNo, p.ExitReason, p.HoldingDays,
		s.fmtTime(p.CreatedAt), s.fmtTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save position %s (%s): %w", p.ID, p.Symbol, mapConstraint(err))
	}
	return nil
}

func (s *SQLiteStore) GetPosition(ctx context.Context, id string) (*models.Position, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+positionCols+` FROM positions WHERE position_id = ?`, id)
	p, err := s.scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", id, err)
	}
	return p, nil
}

// GetOpenPositions returns PENDING and ENTERED positions for one mode,
// oldest first.
func (s *SQLiteStore) GetOpenPositions(ctx context.Context, mode models.Mode) ([]*models.Position, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+positionCols+` FROM positions
		WHERE mode = ? AND state IN (?, ?)
		ORDER BY created_at, position_id`,
		string(mode), string(models.StatePending), string(models.StateEntered))
	if err != nil {
		return nil, fmt.Errorf("query open positions: %w", err)
	}
	defer rows.Close()

	var out []*models.Position
	for rows.Next() {
		p, err := s.scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan open position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetEnteredPosition(ctx context.Context, mode models.Mode, symbol string) (*models.Position, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT `+positionCols+` FROM positions
		WHERE mode = ? AND symbol = ? AND state = ?`,
		string(mode), symbol, string(models.StateEntered))
	p, err := s.scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entered position %s/%s: %w", mode, symbol, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get entered position %s/%s: %w", mode, symbol, err)
	}
	return p, nil
}

func (s *SQLiteStore) scanPosition(sc rowScanner) (*models.Position, error) {
	var (
		p         models.Position
		mode      string
		state     string
		entryTime string
		exitTime  string
		createdAt string
		updatedAt string
	)
	if err := sc.Scan(
		&p.ID, &mode, &p.Symbol, &p.Name, &state, &p.Quantity,
		&p.EntryPrice, &p.ATRAtEntry, &p.StopLoss, &p.TakeProfit, &p.TrailingStop,
		&p.HighestPrice, &p.CurrentPrice, &p.UnrealizedPnL, &p.UnrealizedPnLPct,
		&p.ExitPrice, &p.RealizedPnL, &p.RealizedPnLPct, &p.Commission,
		&entryTime, &exitTime, &p.EntryOrderNo, &p.ExitOrderNo, &p.ExitReason,
		&p.HoldingDays, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	p.Mode = models.Mode(mode)
	p.State = models.PositionState(state)

	var err error
	if p.EntryTime, err = s.parseTime(entryTime); err != nil {
		return nil, fmt.Errorf("entry_time: %w", err)
	}
	if p.ExitTime, err = s.parseTime(exitTime); err != nil {
		return nil, fmt.Errorf("exit_time: %w", err)
	}
	if p.CreatedAt, err = s.parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("created_at: %w", err)
	}
	if p.UpdatedAt, err = s.parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("updated_at: %w", err)
	}
	return &p, nil
}

// ---- order state ----

func (s *SQLiteStore) SaveOrderState(ctx context.Context, o *models.OrderState) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO order_state (`+orderCols+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(idempotency_key) DO UPDATE SET
			signal_id=excluded.signal_id, mode=excluded.mode,
			symbol=excluded.symbol, side=excluded.side,
			requested_qty=excluded.requested_qty, filled_qty=excluded.filled_qty,
			remaining_qty=excluded.remaining_qty, order_no=excluded.order_no,
			fill_id=excluded.fill_id, status=excluded.status,
			last_error=excluded.last_error, updated_at=excluded.updated_at`,
		o.IdempotencyKey, o.SignalID, string(o.Mode), o.Symbol, string(o.Side),
		o.RequestedQty, o.FilledQty, o.RemainingQty, o.OrderNo, o.FillID,
		string(o.Status), o.LastError, s.fmtTime(o.RequestedAt), s.fmtTime(o.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save order state %s: %w", o.IdempotencyKey, mapConstraint(err))
	}
	return nil
}

func (s *SQLiteStore) GetOrderState(ctx context.Context, key string) (*models.OrderState, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+orderCols+` FROM order_state WHERE idempotency_key = ?`, key)
	o, err := s.scanOrderState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order state %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get order state %s: %w", key, err)
	}
	return o, nil
}

// GetActiveOrderStates returns non-terminal rows for one mode, oldest first.
// The synchronizer's stale cleanup walks these on startup and periodically.
func (s *SQLiteStore) GetActiveOrderStates(ctx context.Context, mode models.Mode) ([]*models.OrderState, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+orderCols+` FROM order_state
		WHERE mode = ? AND status IN (?, ?, ?)
		ORDER BY requested_at, idempotency_key`,
		string(mode), string(models.OrderPending), string(models.OrderSubmitted), string(models.OrderPartial))
	if err != nil {
		return nil, fmt.Errorf("query active order states: %w", err)
	}
	defer rows.Close()

	var out []*models.OrderState
	for rows.Next() {
		o, err := s.scanOrderState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order state: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) scanOrderState(sc rowScanner) (*models.OrderState, error) {
	var (
		o           models.OrderState
		mode        string
		side        string
		status      string
		requestedAt string
		updatedAt   string
	)
	if err := sc.Scan(
		&o.IdempotencyKey, &o.SignalID, &mode, &o.Symbol, &side,
		&o.RequestedQty, &o.FilledQty, &o.RemainingQty, &o.OrderNo, &o.FillID,
		&status, &o.LastError, &requestedAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	o.Mode = models.Mode(mode)
	o.Side = models.Side(side)
	o.Status = models.OrderStatus(status)

	var err error
	if o.RequestedAt, err = s.parseTime(requestedAt); err != nil {
		return nil, fmt.Errorf("requested_at: %w", err)
	}
	if o.UpdatedAt, err = s.parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("updated_at: %w", err)
	}
	return &o, nil
}

// ---- trades ----

// InsertTrade appends one fill record and sets t.ID from the new row. The
// UNIQUE constraint on idempotency_key makes re-processing a fill after a
// crash surface as ErrDuplicateKey instead of a double booking.
func (s *SQLiteStore) InsertTrade(ctx context.Context, t *models.Trade) error {
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO trades (`+tradeCols+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.IdempotencyKey, string(t.Mode), t.Symbol, string(t.Side), t.Price,
		t.Quantity, s.fmtTime(t.ExecutedAt), t.Reason, t.PnL, t.PnLPct,
		t.EntryPrice, t.HoldingDays, t.OrderNo, s.fmtTime(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", t.IdempotencyKey, mapConstraint(err))
	}
	if id, err := res.LastInsertId(); err == nil {
		t.ID = id
	}
	return nil
}

// GetTradesOn returns the trades executed on one KST calendar day, in
// execution order.
func (s *SQLiteStore) GetTradesOn(ctx context.Context, mode models.Mode, day time.Time) ([]*models.Trade, error) {
	// executed_at is stored in KST, so its first ten bytes are the KST date.
	date := day.In(s.loc).Format("2006-01-02")
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, `+tradeCols+` FROM trades
		WHERE mode = ? AND substr(executed_at, 1, 10) = ?
		ORDER BY id`,
		string(mode), date)
	if err != nil {
		return nil, fmt.Errorf("query trades on %s: %w", date, err)
	}
	defer rows.Close()
	return s.collectTrades(rows)
}

// RecentTrades returns up to limit trades for one mode, newest first.
func (s *SQLiteStore) RecentTrades(ctx context.Context, mode models.Mode, limit int) ([]*models.Trade, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, `+tradeCols+` FROM trades
		WHERE mode = ? ORDER BY id DESC LIMIT ?`,
		string(mode), limit)
	if err != nil {
		return nil, fmt.Errorf("query recent trades: %w", err)
	}
	defer rows.Close()
	return s.collectTrades(rows)
}

func (s *SQLiteStore) collectTrades(rows *sql.Rows) ([]*models.Trade, error) {
	var out []*models.Trade
	for rows.Next() {
		var (
			t          models.Trade
			mode       string
			side       string
			executedAt string
			createdAt  string
		)
		if err := rows.Scan(
			&t.ID, &t.IdempotencyKey, &mode, &t.Symbol, &side, &t.Price,
			&t.Quantity, &executedAt, &t.Reason, &t.PnL, &t.PnLPct,
			&t.EntryPrice, &t.HoldingDays, &t.OrderNo, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		t.Mode = models.Mode(mode)
		t.Side = models.Side(side)
		var err error
		if t.ExecutedAt, err = s.parseTime(executedAt); err != nil {
			return nil, fmt.Errorf("executed_at: %w", err)
		}
		if t.CreatedAt, err = s.parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("created_at: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// ---- account history ----

func (s *SQLiteStore) InsertSnapshot(ctx context.Context, snap *models.AccountSnapshot) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO account_snapshots
			(snapshot_time, mode, total_equity, cash, unrealized_pnl, realized_pnl, position_count)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(snapshot_time, mode) DO UPDATE SET
			total_equity=excluded.total_equity, cash=excluded.cash,
			unrealized_pnl=excluded.unrealized_pnl, realized_pnl=excluded.realized_pnl,
			position_count=excluded.position_count`,
		s.fmtTime(snap.SnapshotTime), string(snap.Mode), snap.TotalEquity,
		snap.Cash, snap.UnrealizedPnL, snap.RealizedPnL, snap.PositionCount)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LatestSnapshot(ctx context.Context, mode models.Mode) (*models.AccountSnapshot, error) {
	snap, err := s.scanSnapshot(s.q.QueryRowContext(ctx, `
		SELECT snapshot_time, mode, total_equity, cash, unrealized_pnl, realized_pnl, position_count
		FROM account_snapshots WHERE mode = ?
		ORDER BY snapshot_time DESC LIMIT 1`,
		string(mode)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("latest snapshot %s: %w", mode, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get latest snapshot: %w", err)
	}
	return snap, nil
}

// PeakEquity returns the highest total equity ever recorded for one mode.
// ErrNotFound means no snapshot has been written yet.
func (s *SQLiteStore) PeakEquity(ctx context.Context, mode models.Mode) (decimal.Decimal, error) {
	// TEXT compares lexicographically, so order by the numeric cast and
	// return the untruncated stored value.
	var peak decimal.Decimal
	err := s.q.QueryRowContext(ctx, `
		SELECT total_equity FROM account_snapshots WHERE mode = ?
		ORDER BY CAST(total_equity AS REAL) DESC LIMIT 1`,
		string(mode)).Scan(&peak)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("peak equity %s: %w", mode, ErrNotFound)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("get peak equity: %w", err)
	}
	return peak, nil
}

func (s *SQLiteStore) scanSnapshot(sc rowScanner) (*models.AccountSnapshot, error) {
	var (
		snap         models.AccountSnapshot
		snapshotTime string
		mode         string
	)
	if err := sc.Scan(&snapshotTime, &mode, &snap.TotalEquity, &snap.Cash,
		&snap.UnrealizedPnL, &snap.RealizedPnL, &snap.PositionCount); err != nil {
		return nil, err
	}
	snap.Mode = models.Mode(mode)
	var err error
	if snap.SnapshotTime, err = s.parseTime(snapshotTime); err != nil {
		return nil, fmt.Errorf("snapshot_time: %w", err)
	}
	return &snap, nil
}

func (s *SQLiteStore) UpsertDailySummary(ctx context.Context, ds *models.DailySummary) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO daily_summary
			(trade_date, mode, trades_count, realized_pnl, win_count, loss_count, max_consecutive_losses)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(trade_date, mode) DO UPDATE SET
			trades_count=excluded.trades_count, realized_pnl=excluded.realized_pnl,
			win_count=excluded.win_count, loss_count=excluded.loss_count,
			max_consecutive_losses=excluded.max_consecutive_losses`,
		ds.TradeDate, string(ds.Mode), ds.TradesCount, ds.RealizedPnL,
		ds.WinCount, ds.LossCount, ds.MaxConsecutiveLosses)
	if err != nil {
		return fmt.Errorf("upsert daily summary %s: %w", ds.TradeDate, err)
	}
	return nil
}

func (s *SQLiteStore) GetDailySummary(ctx context.Context, mode models.Mode, tradeDate string) (*models.DailySummary, error) {
	var (
		ds      models.DailySummary
		modeCol string
	)
	err := s.q.QueryRowContext(ctx, `
		SELECT trade_date, mode, trades_count, realized_pnl, win_count, loss_count, max_consecutive_losses
		FROM daily_summary WHERE trade_date = ? AND mode = ?`,
		tradeDate, string(mode)).Scan(
		&ds.TradeDate, &modeCol, &ds.TradesCount, &ds.RealizedPnL,
		&ds.WinCount, &ds.LossCount, &ds.MaxConsecutiveLosses)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("daily summary %s/%s: %w", tradeDate, mode, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get daily summary: %w", err)
	}
	ds.Mode = models.Mode(modeCol)
	return &ds, nil
}

// ---- symbol cache ----

func (s *SQLiteStore) UpsertSymbolName(ctx context.Context, sn *models.SymbolName) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO symbol_cache (stock_code, stock_name, updated_at)
		VALUES (?,?,?)
		ON CONFLICT(stock_code) DO UPDATE SET
			stock_name=excluded.stock_name, updated_at=excluded.updated_at`,
		sn.Code, sn.Name, s.fmtTime(sn.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert symbol name %s: %w", sn.Code, err)
	}
	return nil
}

func (s *SQLiteStore) GetSymbolName(ctx context.Context, code string) (*models.SymbolName, error) {
	var (
		sn        models.SymbolName
		updatedAt string
	)
	err := s.q.QueryRowContext(ctx, `
		SELECT stock_code, stock_name, updated_at FROM symbol_cache WHERE stock_code = ?`,
		code).Scan(&sn.Code, &sn.Name, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("symbol name %s: %w", code, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get symbol name %s: %w", code, err)
	}
	if sn.UpdatedAt, err = s.parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("updated_at: %w", err)
	}
	return &sn, nil
}

// ---- helpers ----

func (s *SQLiteStore) fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.In(s.loc).Format(time.RFC3339Nano)
}

func (s *SQLiteStore) parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, err
	}
	return t.In(s.loc), nil
}

func mapConstraint(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			return ErrDuplicateKey
		}
	}
	return err
}
