// audit_positions reports drift between the SQLite position store and the
// positions.json mirror without touching the broker. The store is the source
// of truth; the mirror exists for crash recovery and operator inspection, so
// any disagreement here means a write was lost or a process died mid-cycle.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/kisquant/trendatr/internal/config"
	"github.com/kisquant/trendatr/internal/marketcal"
	"github.com/kisquant/trendatr/internal/models"
	"github.com/kisquant/trendatr/internal/storage"
)

// Drift kinds, worst first.
const (
	driftStoreOnly  = "store_only"  // open in the store, absent from the mirror
	driftMirrorOnly = "mirror_only" // mirrored but not open in the store
	driftQuantity   = "qty_drift"
	driftLevels     = "level_drift" // stop, trailing stop or take profit differ
)

type finding struct {
	Symbol string `json:"symbol"`
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

type report struct {
	Mode        string    `json:"mode"`
	GeneratedAt time.Time `json:"generated_at"`
	StoreOpen   int       `json:"store_open"`
	MirrorOpen  int       `json:"mirror_open"`
	InSync      bool      `json:"in_sync"`
	Findings    []finding `json:"findings"`
}

// maskAccount hides all but the last four digits of the account part of a
// KIS account number such as 12345678-01.
func maskAccount(no string) string {
	acct, product, found := strings.Cut(no, "-")
	if len(acct) > 4 {
		acct = strings.Repeat("*", len(acct)-4) + acct[len(acct)-4:]
	}
	if found {
		return acct + "-" + product
	}
	return acct
}

// classifyDrift compares open store rows against one mode's mirror entries.
func classifyDrift(open []*models.Position, mirror map[string]models.Position) []finding {
	var out []finding
	seen := make(map[string]struct{}, len(open))

	for _, p := range open {
		seen[p.Symbol] = struct{}{}
		m, ok := mirror[p.Symbol]
		if !ok {
			out = append(out, finding{
				Symbol: p.Symbol,
				Kind:   driftStoreOnly,
				Detail: fmt.Sprintf("store holds %d shares, mirror has no entry", p.Quantity),
			})
			continue
		}
		if m.Quantity != p.Quantity {
			out = append(out, finding{
				Symbol: p.Symbol,
				Kind:   driftQuantity,
				Detail: fmt.Sprintf("store qty %d, mirror qty %d", p.Quantity, m.Quantity),
			})
			continue
		}
		if !m.StopLoss.Equal(p.StopLoss) || !m.TrailingStop.Equal(p.TrailingStop) || !m.TakeProfit.Equal(p.TakeProfit) {
			out = append(out, finding{
				Symbol: p.Symbol,
				Kind:   driftLevels,
				Detail: fmt.Sprintf("store stop/trail/target %s/%s/%s, mirror %s/%s/%s",
					p.StopLoss, p.TrailingStop, p.TakeProfit,
					m.StopLoss, m.TrailingStop, m.TakeProfit),
			})
		}
	}

	for symbol, m := range mirror {
		if _, ok := seen[symbol]; ok {
			continue
		}
		out = append(out, finding{
			Symbol: symbol,
			Kind:   driftMirrorOnly,
			Detail: fmt.Sprintf("mirror holds %d shares, store has no open row", m.Quantity),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "path to configuration file")
		jsonOutput = flag.Bool("json", false, "output the report as JSON")
		verbose    = flag.Bool("v", false, "verbose output")
	)
	flag.Parse()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Fatalf("loading .env: %v", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	mode := cfg.Mode()

	// Verbose chatter stays off the JSON stream so -json pipes stay parseable.
	if *verbose && !*jsonOutput {
		fmt.Printf("Using config: %s\n", *configPath)
		fmt.Printf("Mode: %s\n", mode)
		fmt.Printf("Account: %s\n", maskAccount(cfg.Broker.AccountNo))
		fmt.Printf("Store: %s\n", cfg.Storage.DatabasePath)
		fmt.Printf("Mirror: %s\n\n", cfg.PositionsFile())
	}

	store, err := storage.NewStore(cfg.Storage.DatabasePath, zerolog.Nop())
	if err != nil {
		log.Fatalf("opening store: %v", err)
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	if *verbose && !*jsonOutput {
		printAccountState(ctx, store, mode)
	}

	open, err := store.GetOpenPositions(ctx, mode)
	if err != nil {
		log.Fatalf("reading open positions: %v", err)
	}
	mirror, err := storage.NewFileCache(cfg.PositionsFile()).ReadOpen(mode)
	if err != nil {
		log.Fatalf("reading positions mirror: %v", err)
	}

	rep := report{
		Mode:        string(mode),
		GeneratedAt: time.Now(),
		StoreOpen:   len(open),
		MirrorOpen:  len(mirror),
		Findings:    classifyDrift(open, mirror),
	}
	rep.InSync = len(rep.Findings) == 0

	if *jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			log.Fatalf("encoding report: %v", err)
		}
	} else {
		printReport(rep)
	}

	if !rep.InSync {
		os.Exit(1)
	}
}

func printReport(rep report) {
	fmt.Printf("=== Position drift audit (%s) ===\n", rep.Mode)
	fmt.Printf("Open in store:  %d\n", rep.StoreOpen)
	fmt.Printf("Open in mirror: %d\n\n", rep.MirrorOpen)

	if rep.InSync {
		fmt.Println("Store and mirror agree. Nothing to do.")
		return
	}

	fmt.Printf("DRIFT FOUND (%d):\n", len(rep.Findings))
	for i, f := range rep.Findings {
		fmt.Printf("  %d. %s [%s] %s\n", i+1, f.Symbol, f.Kind, f.Detail)
	}
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. If the trader is running, stop it before changing anything")
	fmt.Println("  2. store_only / mirror_only entries heal on the next startup reconciliation")
	fmt.Println("  3. qty_drift against the broker needs manual review before restarting")
	fmt.Println("  4. Re-run this audit after the next startup to confirm convergence")
}

// printAccountState dumps equity and recent activity for the mode under
// audit, so a verbose run doubles as a quick account health check without
// opening the database by hand. Everything here is informational; a missing
// row just means the trader has not written one yet.
func printAccountState(ctx context.Context, store storage.Interface, mode models.Mode) {
	fmt.Printf("=== Account state (%s) ===\n", mode)

	snap, err := store.LatestSnapshot(ctx, mode)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		fmt.Println("No account snapshot recorded yet.")
	case err != nil:
		fmt.Printf("Latest snapshot unavailable: %v\n", err)
	default:
		fmt.Printf("Equity %s (cash %s, unrealized %s) as of %s\n",
			snap.TotalEquity, snap.Cash, snap.UnrealizedPnL,
			snap.SnapshotTime.In(marketcal.KST()).Format("2006-01-02 15:04:05"))
		if peak, perr := store.PeakEquity(ctx, mode); perr == nil {
			fmt.Printf("Peak equity on record: %s\n", peak)
		}
	}

	today := marketcal.New().TradeDate(time.Now())
	sum, err := store.GetDailySummary(ctx, mode, today)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		fmt.Printf("No closed trades on %s.\n", today)
	case err != nil:
		fmt.Printf("Daily summary unavailable: %v\n", err)
	default:
		fmt.Printf("Today: %d closed, %dW/%dL, realized %s\n",
			sum.TradesCount, sum.WinCount, sum.LossCount, sum.RealizedPnL)
	}

	trades, err := store.RecentTrades(ctx, mode, 5)
	if err != nil {
		fmt.Printf("Recent trades unavailable: %v\n", err)
	} else if len(trades) > 0 {
		fmt.Printf("Last %d trades:\n", len(trades))
		for _, tr := range trades {
			line := fmt.Sprintf("  %s %-4s %s %d @ %s",
				tr.ExecutedAt.In(marketcal.KST()).Format("01-02 15:04"),
				tr.Side, tr.Symbol, tr.Quantity, tr.Price)
			if tr.Side == models.SideSell {
				line += fmt.Sprintf("  pnl %s (%s)", tr.PnL, tr.Reason)
			}
			fmt.Println(line)
		}
	}
	fmt.Println()
}
