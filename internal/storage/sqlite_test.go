package storage

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/kisquant/trendatr/internal/marketcal"
	"github.com/kisquant/trendatr/internal/models"
)

func openTestStore(t *testing.T) (*SQLiteStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trendatr.db")
	store, err := NewSQLiteStore(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, path
}

func TestSQLiteStore_ReopenPersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "trendatr.db")

	store, err := NewSQLiteStore(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	pos := models.NewPosition("persist-1", models.ModePaper, "005930", "삼성전자", 10)
	if err := store.SavePosition(ctx, pos); err != nil {
		t.Fatalf("save position: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	// Reopening applies the schema idempotently and sees the old rows.
	reopened, err := NewSQLiteStore(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("reopen sqlite store: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.GetPosition(ctx, "persist-1")
	if err != nil {
		t.Fatalf("get position after reopen: %v", err)
	}
	if got.Symbol != "005930" || got.State != models.StatePending {
		t.Errorf("reopened position = %+v", got)
	}
}

func TestSQLiteStore_TimesStoredInKST(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)

	requestedAt := time.Date(2026, 3, 3, 1, 30, 0, 0, time.UTC) // 10:30 KST
	o := models.NewOrderState(models.ModePaper, models.SideBuy, "005930", 10, "sig-kst", requestedAt)
	if err := store.SaveOrderState(ctx, o); err != nil {
		t.Fatalf("save order state: %v", err)
	}

	var raw string
	if err := store.db.QueryRow(
		`SELECT requested_at FROM order_state WHERE idempotency_key = ?`,
		o.IdempotencyKey).Scan(&raw); err != nil {
		t.Fatalf("raw query: %v", err)
	}
	if !strings.HasSuffix(raw, "+09:00") {
		t.Errorf("requested_at %q is not rendered in KST", raw)
	}
	if !strings.HasPrefix(raw, "2026-03-03T10:30:00") {
		t.Errorf("requested_at %q, want KST wall clock 2026-03-03T10:30:00", raw)
	}

	got, err := store.GetOrderState(ctx, o.IdempotencyKey)
	if err != nil {
		t.Fatalf("get order state: %v", err)
	}
	if !got.RequestedAt.Equal(requestedAt) {
		t.Errorf("round trip = %v, want %v", got.RequestedAt, requestedAt)
	}
}

func TestSQLiteStore_TradeDayUsesKSTCalendar(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)

	// 23:55 UTC on March 3 is already 08:55 KST on March 4.
	executed := time.Date(2026, 3, 3, 23, 55, 0, 0, time.UTC)
	trade := &models.Trade{
		IdempotencyKey: "kst-day-1",
		Mode:           models.ModePaper,
		Symbol:         "005930",
		Side:           models.SideBuy,
		Price:          decimal.NewFromInt(71000),
		Quantity:       10,
		ExecutedAt:     executed,
		CreatedAt:      executed,
	}
	if err := store.InsertTrade(ctx, trade); err != nil {
		t.Fatalf("insert trade: %v", err)
	}

	kst := marketcal.KST()
	march4 := time.Date(2026, 3, 4, 10, 0, 0, 0, kst)
	march3 := time.Date(2026, 3, 3, 10, 0, 0, 0, kst)

	if trades, err := store.GetTradesOn(ctx, models.ModePaper, march4); err != nil || len(trades) != 1 {
		t.Errorf("trades on KST March 4 = %d (%v), want 1", len(trades), err)
	}
	if trades, err := store.GetTradesOn(ctx, models.ModePaper, march3); err != nil || len(trades) != 0 {
		t.Errorf("trades on KST March 3 = %d (%v), want 0", len(trades), err)
	}
}

func TestSQLiteStore_SavePositionValidates(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)

	pos := models.NewPosition("bad-1", models.ModePaper, "005930", "삼성전자", 10)
	if err := pos.MarkEntered(decimal.NewFromInt(71000), 10, "0000117057", time.Now()); err != nil {
		t.Fatalf("mark entered: %v", err)
	}
	pos.ATRAtEntry = decimal.NewFromInt(1500)
	pos.StopLoss = decimal.NewFromInt(72000) // above entry
	pos.TakeProfit = decimal.NewFromInt(75500)

	if err := store.SavePosition(ctx, pos); err == nil {
		t.Fatal("expected validation error for stop above entry")
	}
	if _, err := store.GetPosition(ctx, "bad-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("invalid position must not be persisted, got %v", err)
	}
}

func TestSQLiteStore_UpsertKeepsCreatedAt(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)

	pos := models.NewPosition("keep-1", models.ModePaper, "005930", "삼성전자", 10)
	createdAt := pos.CreatedAt
	if err := store.SavePosition(ctx, pos); err != nil {
		t.Fatalf("save position: %v", err)
	}

	pos.CreatedAt = createdAt.Add(24 * time.Hour)
	pos.UpdatedAt = createdAt.Add(24 * time.Hour)
	if err := store.SavePosition(ctx, pos); err != nil {
		t.Fatalf("second save: %v", err)
	}

	got, err := store.GetPosition(ctx, "keep-1")
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if !got.CreatedAt.Equal(createdAt) {
		t.Errorf("created_at changed on upsert: %v, want %v", got.CreatedAt, createdAt)
	}
	if !got.UpdatedAt.Equal(pos.UpdatedAt) {
		t.Errorf("updated_at not refreshed: %v, want %v", got.UpdatedAt, pos.UpdatedAt)
	}
}
