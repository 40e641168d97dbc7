package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kisquant/trendatr/internal/marketcal"
	"github.com/kisquant/trendatr/internal/models"
)

// MockStorage implements Interface in memory for tests. It mirrors the
// SQLite store's observable behavior: duplicate-key detection, clone-on-read
// so callers cannot mutate internal state, and Transact rollback (state is
// snapshotted before the callback and restored when it fails).
//
// The exported *Err fields inject failures; they stay in effect until set
// back to nil.
type MockStorage struct {
	mu          sync.Mutex
	inTx        bool
	positions   map[string]*models.Position
	orders      map[string]*models.OrderState
	trades      []*models.Trade
	snapshots   []*models.AccountSnapshot
	summaries   map[string]*models.DailySummary
	symbols     map[string]*models.SymbolName
	nextTradeID int64

	SavePositionErr   error
	SaveOrderStateErr error
	InsertTradeErr    error
	TransactErr       error

	TransactCalls int
}

// NewMockStorage creates an empty in-memory store for testing.
func NewMockStorage() *MockStorage {
	return &MockStorage{
		positions: make(map[string]*models.Position),
		orders:    make(map[string]*models.OrderState),
		summaries: make(map[string]*models.DailySummary),
		symbols:   make(map[string]*models.SymbolName),
	}
}

// ---- positions ----

func (m *MockStorage) SavePosition(_ context.Context, p *models.Position) error {
	if m.SavePositionErr != nil {
		return m.SavePositionErr
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("save position: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if p.State == models.StateEntered {
		for _, other := range m.positions {
			if other.ID != p.ID && other.Mode == p.Mode && other.Symbol == p.Symbol &&
				other.State == models.StateEntered {
				return fmt.Errorf("save position %s (%s): %w", p.ID, p.Symbol, ErrDuplicateKey)
			}
		}
	}

	cp := *p
	m.positions[p.ID] = &cp
	return nil
}

func (m *MockStorage) GetPosition(_ context.Context, id string) (*models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (m *MockStorage) GetOpenPositions(_ context.Context, mode models.Mode) ([]*models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Position
	for _, p := range m.positions {
		if p.Mode == mode && p.State.Open() {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MockStorage) GetEnteredPosition(_ context.Context, mode models.Mode, symbol string) (*models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.positions {
		if p.Mode == mode && p.Symbol == symbol && p.State == models.StateEntered {
			cp := *p
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("entered position %s/%s: %w", mode, symbol, ErrNotFound)
}

// ---- order state ----

func (m *MockStorage) SaveOrderState(_ context.Context, o *models.OrderState) error {
	if m.SaveOrderStateErr != nil {
		return m.SaveOrderStateErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *o
	m.orders[o.IdempotencyKey] = &cp
	return nil
}

func (m *MockStorage) GetOrderState(_ context.Context, key string) (*models.OrderState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[key]
	if !ok {
		return nil, fmt.Errorf("order state %s: %w", key, ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

func (m *MockStorage) GetActiveOrderStates(_ context.Context, mode models.Mode) ([]*models.OrderState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.OrderState
	for _, o := range m.orders {
		if o.Mode == mode && !o.Status.Terminal() {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].RequestedAt.Before(out[j].RequestedAt)
		}
		return out[i].IdempotencyKey < out[j].IdempotencyKey
	})
	return out, nil
}

// ---- trades ----

func (m *MockStorage) InsertTrade(_ context.Context, t *models.Trade) error {
	if m.InsertTradeErr != nil {
		return m.InsertTradeErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.trades {
		if existing.IdempotencyKey == t.IdempotencyKey {
			return fmt.Errorf("insert trade %s: %w", t.IdempotencyKey, ErrDuplicateKey)
		}
	}
	m.nextTradeID++
	t.ID = m.nextTradeID
	cp := *t
	m.trades = append(m.trades, &cp)
	return nil
}

func (m *MockStorage) GetTradesOn(_ context.Context, mode models.Mode, day time.Time) ([]*models.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	date := day.In(marketcal.KST()).Format("2006-01-02")
	var out []*models.Trade
	for _, t := range m.trades {
		if t.Mode == mode && t.ExecutedAt.In(marketcal.KST()).Format("2006-01-02") == date {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MockStorage) RecentTrades(_ context.Context, mode models.Mode, limit int) ([]*models.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Trade
	for i := len(m.trades) - 1; i >= 0 && len(out) < limit; i-- {
		if m.trades[i].Mode == mode {
			cp := *m.trades[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ---- account history ----

func (m *MockStorage) InsertSnapshot(_ context.Context, snap *models.AccountSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *snap
	for i, existing := range m.snapshots {
		if existing.Mode == snap.Mode && existing.SnapshotTime.Equal(snap.SnapshotTime) {
			m.snapshots[i] = &cp
			return nil
		}
	}
	m.snapshots = append(m.snapshots, &cp)
	return nil
}

func (m *MockStorage) LatestSnapshot(_ context.Context, mode models.Mode) (*models.AccountSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *models.AccountSnapshot
	for _, s := range m.snapshots {
		if s.Mode != mode {
			continue
		}
		if latest == nil || s.SnapshotTime.After(latest.SnapshotTime) {
			latest = s
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("latest snapshot %s: %w", mode, ErrNotFound)
	}
	cp := *latest
	return &cp, nil
}

func (m *MockStorage) PeakEquity(_ context.Context, mode models.Mode) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var peak decimal.Decimal
	found := false
	for _, s := range m.snapshots {
		if s.Mode != mode {
			continue
		}
		if !found || s.TotalEquity.GreaterThan(peak) {
			peak = s.TotalEquity
			found = true
		}
	}
	if !found {
		return decimal.Zero, fmt.Errorf("peak equity %s: %w", mode, ErrNotFound)
	}
	return peak, nil
}

func (m *MockStorage) UpsertDailySummary(_ context.Context, ds *models.DailySummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *ds
	m.summaries[summaryKey(ds.Mode, ds.TradeDate)] = &cp
	return nil
}

func (m *MockStorage) GetDailySummary(_ context.Context, mode models.Mode, tradeDate string) (*models.DailySummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ds, ok := m.summaries[summaryKey(mode, tradeDate)]
	if !ok {
		return nil, fmt.Errorf("daily summary %s/%s: %w", tradeDate, mode, ErrNotFound)
	}
	cp := *ds
	return &cp, nil
}

func summaryKey(mode models.Mode, tradeDate string) string {
	return string(mode) + "|" + tradeDate
}

// ---- symbol cache ----

func (m *MockStorage) UpsertSymbolName(_ context.Context, sn *models.SymbolName) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *sn
	m.symbols[sn.Code] = &cp
	return nil
}

func (m *MockStorage) GetSymbolName(_ context.Context, code string) (*models.SymbolName, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sn, ok := m.symbols[code]
	if !ok {
		return nil, fmt.Errorf("symbol name %s: %w", code, ErrNotFound)
	}
	cp := *sn
	return &cp, nil
}

// ---- transaction ----

// Transact snapshots the state, runs fn against the same MockStorage, and
// restores the snapshot when fn fails. Nested calls join the outer bracket.
func (m *MockStorage) Transact(_ context.Context, fn func(Interface) error) error {
	if m.TransactErr != nil {
		return m.TransactErr
	}

	m.mu.Lock()
	if m.inTx {
		m.mu.Unlock()
		return fn(m)
	}
	m.inTx = true
	m.TransactCalls++
	snap := m.copyState()
	m.mu.Unlock()

	err := fn(m)

	m.mu.Lock()
	if err != nil {
		m.restoreState(snap)
	}
	m.inTx = false
	m.mu.Unlock()
	return err
}

func (m *MockStorage) Close() error { return nil }

type mockState struct {
	positions   map[string]*models.Position
	orders      map[string]*models.OrderState
	trades      []*models.Trade
	snapshots   []*models.AccountSnapshot
	summaries   map[string]*models.DailySummary
	symbols     map[string]*models.SymbolName
	nextTradeID int64
}

func (m *MockStorage) copyState() mockState {
	st := mockState{
		positions:   make(map[string]*models.Position, len(m.positions)),
		orders:      make(map[string]*models.OrderState, len(m.orders)),
		trades:      make([]*models.Trade, 0, len(m.trades)),
		snapshots:   make([]*models.AccountSnapshot, 0, len(m.snapshots)),
		summaries:   make(map[string]*models.DailySummary, len(m.summaries)),
		symbols:     make(map[string]*models.SymbolName, len(m.symbols)),
		nextTradeID: m.nextTradeID,
	}
	for k, v := range m.positions {
		cp := *v
		st.positions[k] = &cp
	}
	for k, v := range m.orders {
		cp := *v
		st.orders[k] = &cp
	}
	for _, v := range m.trades {
		cp := *v
		st.trades = append(st.trades, &cp)
	}
	for _, v := range m.snapshots {
		cp := *v
		st.snapshots = append(st.snapshots, &cp)
	}
	for k, v := range m.summaries {
		cp := *v
		st.summaries[k] = &cp
	}
	for k, v := range m.symbols {
		cp := *v
		st.symbols[k] = &cp
	}
	return st
}

func (m *MockStorage) restoreState(st mockState) {
	m.positions = st.positions
	m.orders = st.orders
	m.trades = st.trades
	m.snapshots = st.snapshots
	m.summaries = st.summaries
	m.symbols = st.symbols
	m.nextTradeID = st.nextTradeID
}

// Ensure MockStorage implements Interface
var _ Interface = (*MockStorage)(nil)
