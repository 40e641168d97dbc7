package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kisquant/trendatr/internal/models"
)

func mirrorPosition(t *testing.T, id, symbol string, entry int64) *models.Position {
	t.Helper()
	pos := models.NewPosition(id, models.ModePaper, symbol, "", 10)
	if err := pos.MarkEntered(decimal.NewFromInt(entry), 10, "0000117057", time.Now()); err != nil {
		t.Fatalf("mark entered: %v", err)
	}
	pos.ATRAtEntry = decimal.NewFromInt(1500)
	pos.StopLoss = decimal.NewFromInt(entry - 3000)
	pos.TakeProfit = decimal.NewFromInt(entry + 4500)
	return pos
}

func TestFileCache_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "positions.json")
	cache := NewFileCache(path)

	// A missing file is an empty mirror.
	open, err := cache.ReadOpen(models.ModePaper)
	if err != nil {
		t.Fatalf("read missing mirror: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("missing mirror should be empty, got %d entries", len(open))
	}

	positions := []*models.Position{
		mirrorPosition(t, "fc-1", "005930", 71000),
		mirrorPosition(t, "fc-2", "000660", 186000),
	}
	if err := cache.WriteOpen(models.ModePaper, positions); err != nil {
		t.Fatalf("write mirror: %v", err)
	}

	open, err = cache.ReadOpen(models.ModePaper)
	if err != nil {
		t.Fatalf("read mirror: %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("mirror entries = %d, want 2", len(open))
	}
	got, ok := open["005930"]
	if !ok {
		t.Fatal("mirror missing 005930")
	}
	if !got.EntryPrice.Equal(decimal.NewFromInt(71000)) || got.State != models.StateEntered {
		t.Errorf("mirrored position = %+v", got)
	}

	// No stray temp file is left behind.
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp file left behind: %v", err)
	}
}

func TestFileCache_ModeNamespacing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "positions.json")
	cache := NewFileCache(path)

	if err := cache.WriteOpen(models.ModePaper, []*models.Position{
		mirrorPosition(t, "ns-1", "005930", 71000),
	}); err != nil {
		t.Fatalf("write paper mirror: %v", err)
	}
	if err := cache.WriteOpen(models.ModeReal, []*models.Position{
		mirrorPosition(t, "ns-2", "000660", 186000),
	}); err != nil {
		t.Fatalf("write real mirror: %v", err)
	}

	paper, err := cache.ReadOpen(models.ModePaper)
	if err != nil {
		t.Fatalf("read paper mirror: %v", err)
	}
	if len(paper) != 1 {
		t.Errorf("real-mode write disturbed paper entries: %+v", paper)
	}
	if _, ok := paper["005930"]; !ok {
		t.Error("paper mirror lost 005930")
	}

	// Clearing one mode leaves the other alone.
	if err := cache.WriteOpen(models.ModePaper, nil); err != nil {
		t.Fatalf("clear paper mirror: %v", err)
	}
	real, err := cache.ReadOpen(models.ModeReal)
	if err != nil {
		t.Fatalf("read real mirror: %v", err)
	}
	if len(real) != 1 {
		t.Errorf("clearing paper disturbed real entries: %+v", real)
	}
}

func TestFileCache_CorruptMirror(t *testing.T) {
	path := filepath.Join(t.TempDir(), "positions.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}
	cache := NewFileCache(path)

	// Readers see the corruption.
	if _, err := cache.ReadOpen(models.ModePaper); err == nil {
		t.Fatal("expected parse error for corrupt mirror")
	}

	// Writers rebuild; the store remains the source of truth.
	if err := cache.WriteOpen(models.ModePaper, []*models.Position{
		mirrorPosition(t, "cm-1", "005930", 71000),
	}); err != nil {
		t.Fatalf("write over corrupt mirror: %v", err)
	}
	open, err := cache.ReadOpen(models.ModePaper)
	if err != nil {
		t.Fatalf("read rebuilt mirror: %v", err)
	}
	if len(open) != 1 {
		t.Errorf("rebuilt mirror entries = %d, want 1", len(open))
	}
}
