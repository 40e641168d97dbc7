package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/kisquant/trendatr/internal/models"
)

// TestInterface runs the same contract suite against both implementations.
func TestInterface(t *testing.T) {
	t.Run("MockStorage", func(t *testing.T) {
		testInterface(t, NewMockStorage())
	})

	t.Run("SQLiteStore", func(t *testing.T) {
		store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "trendatr.db"), zerolog.Nop())
		if err != nil {
			t.Fatalf("open sqlite store: %v", err)
		}
		t.Cleanup(func() { _ = store.Close() })
		testInterface(t, store)
	})
}

func testInterface(t *testing.T, store Interface) {
	ctx := context.Background()

	t.Run("positions", func(t *testing.T) { testPositions(ctx, t, store) })
	t.Run("order state", func(t *testing.T) { testOrderStates(ctx, t, store) })
	t.Run("trades", func(t *testing.T) { testTrades(ctx, t, store) })
	t.Run("account history", func(t *testing.T) { testAccountHistory(ctx, t, store) })
	t.Run("symbol cache", func(t *testing.T) { testSymbolCache(ctx, t, store) })
	t.Run("transaction", func(t *testing.T) { testTransaction(ctx, t, store) })
}

func testPositions(ctx context.Context, t *testing.T, store Interface) {
	if _, err := store.GetPosition(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing position, got %v", err)
	}

	pos := models.NewPosition("pos-1", models.ModePaper, "005930", "삼성전자", 10)
	if err := store.SavePosition(ctx, pos); err != nil {
		t.Fatalf("save pending position: %v", err)
	}

	got, err := store.GetPosition(ctx, "pos-1")
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if got.State != models.StatePending || got.Symbol != "005930" || got.Quantity != 10 {
		t.Errorf("round trip mismatch: %+v", got)
	}

	// Mutate the returned copy; storage should be unaffected.
	got.Quantity = 999
	if again, _ := store.GetPosition(ctx, "pos-1"); again.Quantity == 999 {
		t.Error("GetPosition leaked internal state (mutation visible)")
	}

	entryAt := time.Date(2026, 3, 3, 9, 31, 0, 0, time.UTC)
	if err := pos.MarkEntered(decimal.NewFromInt(71000), 10, "0000117057", entryAt); err != nil {
		t.Fatalf("mark entered: %v", err)
	}
	pos.ATRAtEntry = decimal.NewFromInt(1500)
	pos.StopLoss = decimal.NewFromInt(68000)
	pos.TakeProfit = decimal.NewFromInt(75500)
	if err := store.SavePosition(ctx, pos); err != nil {
		t.Fatalf("save entered position: %v", err)
	}

	entered, err := store.GetEnteredPosition(ctx, models.ModePaper, "005930")
	if err != nil {
		t.Fatalf("get entered position: %v", err)
	}
	if !entered.EntryPrice.Equal(decimal.NewFromInt(71000)) {
		t.Errorf("entry price = %s, want 71000", entered.EntryPrice)
	}
	if !entered.EntryTime.Equal(entryAt) {
		t.Errorf("entry time = %v, want %v", entered.EntryTime, entryAt)
	}

	open, err := store.GetOpenPositions(ctx, models.ModePaper)
	if err != nil {
		t.Fatalf("get open positions: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("open positions = %d, want 1", len(open))
	}

	// A second ENTERED row for the same symbol and mode must be rejected.
	dup := models.NewPosition("pos-2", models.ModePaper, "005930", "삼성전자", 5)
	if err := dup.MarkEntered(decimal.NewFromInt(70500), 5, "0000117058", entryAt); err != nil {
		t.Fatalf("mark dup entered: %v", err)
	}
	dup.ATRAtEntry = decimal.NewFromInt(1500)
	dup.StopLoss = decimal.NewFromInt(67500)
	dup.TakeProfit = decimal.NewFromInt(75000)
	if err := store.SavePosition(ctx, dup); !errors.Is(err, ErrDuplicateKey) {
		t.Errorf("expected ErrDuplicateKey for second ENTERED %s row, got %v", dup.Symbol, err)
	}

	// Same state for a different mode is a separate namespace.
	other := models.NewPosition("pos-3", models.ModeDryRun, "005930", "삼성전자", 5)
	if err := other.MarkEntered(decimal.NewFromInt(70500), 5, "SIM-1", entryAt); err != nil {
		t.Fatalf("mark dry-run entered: %v", err)
	}
	other.ATRAtEntry = decimal.NewFromInt(1500)
	other.StopLoss = decimal.NewFromInt(67500)
	other.TakeProfit = decimal.NewFromInt(75000)
	if err := store.SavePosition(ctx, other); err != nil {
		t.Errorf("same symbol in another mode should save: %v", err)
	}

	// Exit keeps the row (history is never deleted) but removes it from the
	// open set.
	exitAt := entryAt.Add(72 * time.Hour)
	if err := pos.MarkExited(decimal.NewFromInt(75600), models.ExitTakeProfit, "0000117099", exitAt,
		decimal.NewFromInt(46000), decimal.NewFromFloat(6.48), decimal.NewFromInt(113)); err != nil {
		t.Fatalf("mark exited: %v", err)
	}
	if err := store.SavePosition(ctx, pos); err != nil {
		t.Fatalf("save exited position: %v", err)
	}
	if _, err := store.GetEnteredPosition(ctx, models.ModePaper, "005930"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after exit, got %v", err)
	}
	open, err = store.GetOpenPositions(ctx, models.ModePaper)
	if err != nil {
		t.Fatalf("get open positions after exit: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("open positions after exit = %d, want 0", len(open))
	}
	closed, err := store.GetPosition(ctx, "pos-1")
	if err != nil {
		t.Fatalf("closed position must remain readable: %v", err)
	}
	if closed.ExitReason != models.ExitTakeProfit || closed.HoldingDays != 3 {
		t.Errorf("exit fields = (%s, %d), want (TAKE_PROFIT, 3)", closed.ExitReason, closed.HoldingDays)
	}
}

func testOrderStates(ctx context.Context, t *testing.T, store Interface) {
	if _, err := store.GetOrderState(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing order state, got %v", err)
	}

	now := time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)
	o := models.NewOrderState(models.ModePaper, models.SideBuy, "000660", 10, "sig-100", now)
	if err := store.SaveOrderState(ctx, o); err != nil {
		t.Fatalf("save order state: %v", err)
	}

	got, err := store.GetOrderState(ctx, o.IdempotencyKey)
	if err != nil {
		t.Fatalf("get order state: %v", err)
	}
	if got.Status != models.OrderPending || got.RemainingQty != 10 {
		t.Errorf("round trip mismatch: %+v", got)
	}

	active, err := store.GetActiveOrderStates(ctx, models.ModePaper)
	if err != nil {
		t.Fatalf("get active order states: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("active order states = %d, want 1", len(active))
	}

	if err := o.MarkSubmitted("0000123456", now.Add(time.Second)); err != nil {
		t.Fatalf("mark submitted: %v", err)
	}
	if err := o.Transition(models.OrderFilled, 10, now.Add(3*time.Second)); err != nil {
		t.Fatalf("transition to filled: %v", err)
	}
	if err := store.SaveOrderState(ctx, o); err != nil {
		t.Fatalf("save filled order state: %v", err)
	}

	active, err = store.GetActiveOrderStates(ctx, models.ModePaper)
	if err != nil {
		t.Fatalf("get active order states after fill: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("terminal rows must not be active, got %d", len(active))
	}

	final, err := store.GetOrderState(ctx, o.IdempotencyKey)
	if err != nil {
		t.Fatalf("get final order state: %v", err)
	}
	if final.Status != models.OrderFilled || final.FilledQty != 10 || final.RemainingQty != 0 {
		t.Errorf("final order state = %+v", final)
	}
}

func testTrades(ctx context.Context, t *testing.T, store Interface) {
	executed := time.Date(2026, 3, 3, 10, 15, 0, 0, time.UTC)
	trade := &models.Trade{
		IdempotencyKey: "trade-key-1",
		Mode:           models.ModePaper,
		Symbol:         "000660",
		Side:           models.SideSell,
		Price:          decimal.NewFromInt(198000),
		Quantity:       10,
		ExecutedAt:     executed,
		Reason:         models.ExitTakeProfit,
		PnL:            decimal.NewFromInt(120000),
		PnLPct:         decimal.NewFromFloat(6.45),
		EntryPrice:     decimal.NewFromInt(186000),
		HoldingDays:    4,
		OrderNo:        "0000123457",
		CreatedAt:      executed,
	}
	if err := store.InsertTrade(ctx, trade); err != nil {
		t.Fatalf("insert trade: %v", err)
	}
	if trade.ID == 0 {
		t.Error("InsertTrade must assign an id")
	}

	// Re-inserting the same idempotency key is a duplicate, not a second
	// booking.
	again := *trade
	again.ID = 0
	if err := store.InsertTrade(ctx, &again); !errors.Is(err, ErrDuplicateKey) {
		t.Errorf("expected ErrDuplicateKey on re-insert, got %v", err)
	}

	day, err := store.GetTradesOn(ctx, models.ModePaper, executed)
	if err != nil {
		t.Fatalf("get trades on: %v", err)
	}
	if len(day) != 1 || !day[0].Price.Equal(trade.Price) {
		t.Errorf("trades on day = %+v", day)
	}

	recent, err := store.RecentTrades(ctx, models.ModePaper, 5)
	if err != nil {
		t.Fatalf("recent trades: %v", err)
	}
	if len(recent) != 1 || recent[0].IdempotencyKey != "trade-key-1" {
		t.Errorf("recent trades = %+v", recent)
	}

	if other, err := store.GetTradesOn(ctx, models.ModeReal, executed); err != nil || len(other) != 0 {
		t.Errorf("other mode must see no trades, got %v / %v", other, err)
	}
}

func testAccountHistory(ctx context.Context, t *testing.T, store Interface) {
	if _, err := store.PeakEquity(ctx, models.ModePaper); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before any snapshot, got %v", err)
	}

	base := time.Date(2026, 3, 3, 9, 30, 0, 0, time.UTC)
	for i, equity := range []int64{10_000_000, 10_450_000, 10_120_000} {
		snap := &models.AccountSnapshot{
			SnapshotTime:  base.Add(time.Duration(i) * time.Minute),
			Mode:          models.ModePaper,
			TotalEquity:   decimal.NewFromInt(equity),
			Cash:          decimal.NewFromInt(equity / 2),
			UnrealizedPnL: decimal.NewFromInt(50_000),
			RealizedPnL:   decimal.NewFromInt(20_000),
			PositionCount: 2,
		}
		if err := store.InsertSnapshot(ctx, snap); err != nil {
			t.Fatalf("insert snapshot %d: %v", i, err)
		}
	}

	latest, err := store.LatestSnapshot(ctx, models.ModePaper)
	if err != nil {
		t.Fatalf("latest snapshot: %v", err)
	}
	if !latest.TotalEquity.Equal(decimal.NewFromInt(10_120_000)) {
		t.Errorf("latest equity = %s, want 10120000", latest.TotalEquity)
	}

	peak, err := store.PeakEquity(ctx, models.ModePaper)
	if err != nil {
		t.Fatalf("peak equity: %v", err)
	}
	if !peak.Equal(decimal.NewFromInt(10_450_000)) {
		t.Errorf("peak equity = %s, want 10450000", peak)
	}

	ds := &models.DailySummary{
		TradeDate:            "2026-03-03",
		Mode:                 models.ModePaper,
		TradesCount:          1,
		RealizedPnL:          decimal.NewFromInt(120_000),
		WinCount:             1,
		MaxConsecutiveLosses: 0,
	}
	if err := store.UpsertDailySummary(ctx, ds); err != nil {
		t.Fatalf("upsert daily summary: %v", err)
	}
	ds.TradesCount = 2
	ds.LossCount = 1
	ds.MaxConsecutiveLosses = 1
	if err := store.UpsertDailySummary(ctx, ds); err != nil {
		t.Fatalf("second upsert daily summary: %v", err)
	}
	got, err := store.GetDailySummary(ctx, models.ModePaper, "2026-03-03")
	if err != nil {
		t.Fatalf("get daily summary: %v", err)
	}
	if got.TradesCount != 2 || got.LossCount != 1 || got.MaxConsecutiveLosses != 1 {
		t.Errorf("daily summary = %+v", got)
	}
	if _, err := store.GetDailySummary(ctx, models.ModePaper, "2026-03-04"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing summary, got %v", err)
	}
}

func testSymbolCache(ctx context.Context, t *testing.T, store Interface) {
	if _, err := store.GetSymbolName(ctx, "035420"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing symbol, got %v", err)
	}
	sn := &models.SymbolName{Code: "035420", Name: "NAVER", UpdatedAt: time.Now()}
	if err := store.UpsertSymbolName(ctx, sn); err != nil {
		t.Fatalf("upsert symbol name: %v", err)
	}
	got, err := store.GetSymbolName(ctx, "035420")
	if err != nil {
		t.Fatalf("get symbol name: %v", err)
	}
	if got.Name != "NAVER" {
		t.Errorf("symbol name = %q, want NAVER", got.Name)
	}
}

func testTransaction(ctx context.Context, t *testing.T, store Interface) {
	now := time.Date(2026, 3, 3, 11, 0, 0, 0, time.UTC)

	// A failing callback must leave no trace of its writes.
	boom := errors.New("boom")
	err := store.Transact(ctx, func(tx Interface) error {
		o := models.NewOrderState(models.ModePaper, models.SideBuy, "035720", 3, "sig-tx-1", now)
		if err := tx.SaveOrderState(ctx, o); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("transact should surface the callback error, got %v", err)
	}
	rollbackKey := models.IdempotencyKey(models.ModePaper, models.SideBuy, "035720", 3, "sig-tx-1")
	if _, err := store.GetOrderState(ctx, rollbackKey); !errors.Is(err, ErrNotFound) {
		t.Errorf("rolled-back order state must not exist, got %v", err)
	}

	// A successful callback commits everything, including nested brackets.
	err = store.Transact(ctx, func(tx Interface) error {
		o := models.NewOrderState(models.ModePaper, models.SideBuy, "035720", 3, "sig-tx-2", now)
		if err := tx.SaveOrderState(ctx, o); err != nil {
			return err
		}
		return tx.Transact(ctx, func(inner Interface) error {
			return inner.InsertTrade(ctx, &models.Trade{
				IdempotencyKey: o.IdempotencyKey,
				Mode:           models.ModePaper,
				Symbol:         "035720",
				Side:           models.SideBuy,
				Price:          decimal.NewFromInt(41500),
				Quantity:       3,
				ExecutedAt:     now,
				Reason:         "",
				CreatedAt:      now,
			})
		})
	})
	if err != nil {
		t.Fatalf("transact commit: %v", err)
	}
	commitKey := models.IdempotencyKey(models.ModePaper, models.SideBuy, "035720", 3, "sig-tx-2")
	if _, err := store.GetOrderState(ctx, commitKey); err != nil {
		t.Errorf("committed order state must exist: %v", err)
	}
	if trades, err := store.RecentTrades(ctx, models.ModePaper, 10); err != nil || len(trades) == 0 {
		t.Errorf("committed trade must exist: %v / %d", err, len(trades))
	}
}
