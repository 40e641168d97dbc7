package broker

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/kisquant/trendatr/internal/marketcal"
	"github.com/kisquant/trendatr/internal/models"
)

// dryUniverse is the fixed candidate list served by VolumeRank in dry-run
// mode: large KOSPI names whose codes are stable.
var dryUniverse = []struct {
	symbol string
	name   string
}{
	{"005930", "삼성전자"},
	{"000660", "SK하이닉스"},
	{"035420", "NAVER"},
	{"005380", "현대차"},
	{"051910", "LG화학"},
	{"035720", "카카오"},
	{"207940", "삼성바이오로직스"},
	{"006400", "삼성SDI"},
	{"068270", "셀트리온"},
	{"028260", "삼성물산"},
}

type dryHolding struct {
	qty      int64
	avgPrice decimal.Decimal
}

type dryOrder struct {
	symbol   string
	side     models.Side
	qty      int64
	filled   int64
	avgPrice decimal.Decimal
}

// DryRunBroker simulates the venue in-process: deterministic prices, instant
// fills, no network. Prices are a pure function of symbol and date, so a
// given day's run is reproducible.
type DryRunBroker struct {
	mu       sync.Mutex
	cash     decimal.Decimal
	holdings map[string]*dryHolding
	orders   map[string]*dryOrder
	seq      int64

	logger zerolog.Logger
	loc    *time.Location
}

// NewDryRunBroker starts a simulated account with the given cash in won.
func NewDryRunBroker(initialCapital int64, logger zerolog.Logger) *DryRunBroker {
	return &DryRunBroker{
		cash:     decimal.NewFromInt(initialCapital),
		holdings: make(map[string]*dryHolding),
		orders:   make(map[string]*dryOrder),
		logger:   logger.With().Str("component", "dryrun").Logger(),
		loc:      marketcal.KST(),
	}
}

// ============ Synthetic Pricing ============

func symbolSeed(symbol string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(symbol))
	return h.Sum64()
}

// dryClose prices a symbol for a day. dayIndex 0 is today, 1 yesterday,
// and so on; older days are cheaper, which gives every symbol a steady
// uptrend a trend filter will accept.
func dryClose(seed uint64, dayIndex int) int64 {
	base := int64(10_000 + seed%90*1_000)
	drift := base / 1000
	span := uint64(drift * 4)
	wiggle := int64((seed>>8+uint64(dayIndex)*2654435761)%span) - drift*2
	px := base - int64(dayIndex)*drift + wiggle
	if px < 1_000 {
		px = 1_000
	}
	return px
}

func (d *DryRunBroker) price(symbol string) decimal.Decimal {
	return decimal.NewFromInt(dryClose(symbolSeed(symbol), 0))
}

// ============ Session ============

func (d *DryRunBroker) GetAccessToken(_ context.Context) (string, error) {
	return "dry-run", nil
}

func (d *DryRunBroker) PrewarmToken(_ context.Context) bool { return false }

// ============ Market Data ============

func (d *DryRunBroker) GetCurrentPrice(_ context.Context, symbol string) (*Quote, error) {
	if !models.ValidSymbol(symbol) {
		return nil, fmt.Errorf("current price: %q is not a six-digit stock code", symbol)
	}
	seed := symbolSeed(symbol)
	px := decimal.NewFromInt(dryClose(seed, 0))
	prev := decimal.NewFromInt(dryClose(seed, 1))
	change := decimal.Zero
	if prev.IsPositive() {
		change = px.Sub(prev).Div(prev).Mul(decimal.NewFromInt(100)).Round(2)
	}
	volume := int64(seed%9_000_000 + 1_000_000)
	return &Quote{
		Symbol:      symbol,
		Price:       px,
		PrevClose:   prev,
		Open:        prev,
		High:        decimal.Max(px, prev),
		Low:         decimal.Min(px, prev),
		ChangeRate:  change,
		Volume:      volume,
		TradedValue: px.Mul(decimal.NewFromInt(volume)),
		MarketCap:   px.Mul(decimal.NewFromInt(int64(seed%500+100) * 1_000_000)),
		Time:        time.Now().In(d.loc),
	}, nil
}

func (d *DryRunBroker) GetDailyOHLCV(_ context.Context, symbol string, n int) ([]models.DailyBar, error) {
	if !models.ValidSymbol(symbol) {
		return nil, fmt.Errorf("daily bars: %q is not a six-digit stock code", symbol)
	}
	if n <= 0 {
		return nil, fmt.Errorf("daily bars %s: bar count must be positive", symbol)
	}

	seed := symbolSeed(symbol)
	bars := make([]models.DailyBar, 0, n)
	day := time.Now().In(d.loc)
	for i := 0; len(bars) < n; i++ {
		date := day.AddDate(0, 0, -i)
		if wd := date.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		idx := len(bars)
		closePx := decimal.NewFromInt(dryClose(seed, idx))
		openPx := decimal.NewFromInt(dryClose(seed, idx+1))
		pad := decimal.NewFromInt(dryClose(seed, idx) / 200)
		volume := int64((seed+uint64(idx)*7919)%9_000_000 + 1_000_000)
		bars = append(bars, models.DailyBar{
			Date:   time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, d.loc),
			Open:   openPx,
			High:   decimal.Max(openPx, closePx).Add(pad),
			Low:    decimal.Min(openPx, closePx).Sub(pad),
			Close:  closePx,
			Volume: volume,
			Value:  closePx.Mul(decimal.NewFromInt(volume)),
		})
	}
	return bars, nil
}

func (d *DryRunBroker) VolumeRank(_ context.Context, limit int) ([]RankedStock, error) {
	if limit <= 0 || limit > len(dryUniverse) {
		limit = len(dryUniverse)
	}
	ranked := make([]RankedStock, 0, limit)
	for i, entry := range dryUniverse[:limit] {
		seed := symbolSeed(entry.symbol)
		px := decimal.NewFromInt(dryClose(seed, 0))
		volume := int64(seed%9_000_000 + 1_000_000)
		ranked = append(ranked, RankedStock{
			Rank:        i + 1,
			Symbol:      entry.symbol,
			Name:        entry.name,
			Price:       px,
			Volume:      volume,
			TradedValue: px.Mul(decimal.NewFromInt(volume)),
			MarketCap:   px.Mul(decimal.NewFromInt(int64(seed%500+100) * 1_000_000)),
		})
	}
	return ranked, nil
}

// ============ Account ============

func (d *DryRunBroker) GetAccountBalance(_ context.Context) (*Balance, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	bal := &Balance{Cash: d.cash, TotalEquity: d.cash}
	for symbol, h := range d.holdings {
		px := d.price(symbol)
		eval := px.Mul(decimal.NewFromInt(h.qty))
		pnl := px.Sub(h.avgPrice).Mul(decimal.NewFromInt(h.qty))
		rate := decimal.Zero
		if h.avgPrice.IsPositive() {
			rate = px.Sub(h.avgPrice).Div(h.avgPrice).Mul(decimal.NewFromInt(100)).Round(2)
		}
		bal.Holdings = append(bal.Holdings, Holding{
			Symbol:       symbol,
			Quantity:     h.qty,
			AvgPrice:     h.avgPrice,
			CurrentPrice: px,
			EvalAmount:   eval,
			PnL:          pnl,
			PnLRate:      rate,
		})
		bal.TotalEquity = bal.TotalEquity.Add(eval)
		bal.UnrealizedPnL = bal.UnrealizedPnL.Add(pnl)
	}
	return bal, nil
}

// ============ Orders ============

// PlaceBuyOrder fills instantly at the synthetic price when cash allows.
func (d *DryRunBroker) PlaceBuyOrder(_ context.Context, symbol string, qty int64) (*OrderResult, error) {
	if !models.ValidSymbol(symbol) {
		return nil, fmt.Errorf("buy order: %q is not a six-digit stock code", symbol)
	}
	if qty <= 0 {
		return nil, fmt.Errorf("buy order %s: quantity must be positive, got %d", symbol, qty)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	px := d.price(symbol)
	cost := px.Mul(decimal.NewFromInt(qty))
	if cost.GreaterThan(d.cash) {
		return nil, fmt.Errorf("buy order %s x%d: needs %s won, cash %s", symbol, qty, cost.StringFixed(0), d.cash.StringFixed(0))
	}

	d.cash = d.cash.Sub(cost)
	h := d.holdings[symbol]
	if h == nil {
		d.holdings[symbol] = &dryHolding{qty: qty, avgPrice: px}
	} else {
		total := h.avgPrice.Mul(decimal.NewFromInt(h.qty)).Add(cost)
		h.qty += qty
		h.avgPrice = total.Div(decimal.NewFromInt(h.qty))
	}

	return d.recordOrderLocked(symbol, models.SideBuy, qty, px), nil
}

// PlaceSellOrder fills instantly at the synthetic price when the position
// covers the quantity.
func (d *DryRunBroker) PlaceSellOrder(_ context.Context, symbol string, qty int64) (*OrderResult, error) {
	if !models.ValidSymbol(symbol) {
		return nil, fmt.Errorf("sell order: %q is not a six-digit stock code", symbol)
	}
	if qty <= 0 {
		return nil, fmt.Errorf("sell order %s: quantity must be positive, got %d", symbol, qty)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	h := d.holdings[symbol]
	if h == nil || h.qty < qty {
		held := int64(0)
		if h != nil {
			held = h.qty
		}
		return nil, fmt.Errorf("sell order %s x%d: holding only %d", symbol, qty, held)
	}

	px := d.price(symbol)
	d.cash = d.cash.Add(px.Mul(decimal.NewFromInt(qty)))
	h.qty -= qty
	if h.qty == 0 {
		delete(d.holdings, symbol)
	}

	return d.recordOrderLocked(symbol, models.SideSell, qty, px), nil
}

func (d *DryRunBroker) recordOrderLocked(symbol string, side models.Side, qty int64, px decimal.Decimal) *OrderResult {
	d.seq++
	orderNo := fmt.Sprintf("DRY%07d", d.seq)
	d.orders[orderNo] = &dryOrder{symbol: symbol, side: side, qty: qty, filled: qty, avgPrice: px}
	d.logger.Info().
		Str("symbol", symbol).
		Str("side", string(side)).
		Int64("qty", qty).
		Str("price", px.StringFixed(0)).
		Str("order_no", orderNo).
		Msg("simulated fill")
	return &OrderResult{OrderNo: orderNo, OrderTime: time.Now().In(d.loc).Format("150405")}
}

func (d *DryRunBroker) GetOrderStatus(_ context.Context, orderNo string) (*ExecutionStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	o, ok := d.orders[orderNo]
	if !ok {
		return nil, fmt.Errorf("order status %s: %w", orderNo, ErrOrderNotFound)
	}
	return &ExecutionStatus{
		OrderNo:      orderNo,
		Symbol:       o.symbol,
		Side:         o.side,
		OrderQty:     o.qty,
		FilledQty:    o.filled,
		RemainingQty: o.qty - o.filled,
		AvgPrice:     o.avgPrice,
	}, nil
}

func (d *DryRunBroker) WaitForExecution(_ context.Context, orderNo string, _ int64, _ time.Duration) (*ExecutionOutcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	o, ok := d.orders[orderNo]
	if !ok {
		return nil, fmt.Errorf("execution wait %s: %w", orderNo, ErrOrderNotFound)
	}
	return &ExecutionOutcome{
		Status:    models.OrderFilled,
		FilledQty: o.filled,
		AvgPrice:  o.avgPrice,
	}, nil
}

// CancelOrder accepts any known order; fills are instant, so there is
// never a remainder to cancel.
func (d *DryRunBroker) CancelOrder(_ context.Context, orderNo string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.orders[orderNo]; !ok {
		return fmt.Errorf("cancel order %s: %w", orderNo, ErrOrderNotFound)
	}
	return nil
}

// ============ Health ============

func (d *DryRunBroker) OutageFor(time.Duration) bool { return false }

var _ Broker = (*DryRunBroker)(nil)
