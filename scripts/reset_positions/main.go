// reset_positions archives and clears the local state files for one mode so
// the next startup rebuilds them from broker truth. The SQLite store is left
// alone: rows are never deleted, and startup reconciliation closes or adopts
// whatever disagrees with the account. Use this after a corrupted mirror or
// a stale universe cache, not as a way to flatten positions.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/kisquant/trendatr/internal/config"
	"github.com/kisquant/trendatr/internal/storage"
)

func main() {
	var (
		configPath      = flag.String("config", "config.yaml", "path to configuration file")
		dryRun          = flag.Bool("dry-run", false, "show what would be done without changing anything")
		yes             = flag.Bool("yes", false, "skip the confirmation prompt")
		clearKillSwitch = flag.Bool("clear-kill-switch", false, "also remove the kill-switch file")
	)
	flag.Parse()

	fmt.Printf("=== trendatr local state reset ===\n\n")

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Fatalf("loading .env: %v", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	mode := cfg.Mode()

	fmt.Printf("Config: %s\n", *configPath)
	fmt.Printf("Mode:   %s\n", mode)
	fmt.Printf("Data:   %s\n\n", cfg.Storage.DataDir)

	store, err := storage.NewStore(cfg.Storage.DatabasePath, zerolog.Nop())
	if err != nil {
		log.Fatalf("opening store: %v", err)
	}
	open, err := store.GetOpenPositions(context.Background(), mode)
	if err != nil {
		log.Fatalf("reading open positions: %v", err)
	}
	_ = store.Close()

	cache := storage.NewFileCache(cfg.PositionsFile())
	mirror, err := cache.ReadOpen(mode)
	if err != nil {
		fmt.Printf("⚠️  mirror unreadable (%v); it will be archived and cleared\n", err)
	}

	killSwitchPresent := fileExists(cfg.KillSwitchFile())
	universeCached := fileExists(cfg.UniverseCacheFile())

	fmt.Printf("Current state:\n")
	fmt.Printf("  - Open positions in store (%s): %d (kept; the store is never cleared)\n", mode, len(open))
	fmt.Printf("  - Mirror entries (%s): %d\n", mode, len(mirror))
	fmt.Printf("  - Universe cache present: %t\n", universeCached)
	fmt.Printf("  - Kill switch present: %t\n\n", killSwitchPresent)

	if killSwitchPresent && !*clearKillSwitch {
		fmt.Printf("Note: the kill switch stays engaged; pass -clear-kill-switch to remove it.\n\n")
	}

	if !*yes && !*dryRun {
		fmt.Printf("This will archive positions.json and universe_cache.json, then clear\n")
		fmt.Printf("the %s mirror entries and the universe cache.\n", mode)
		fmt.Printf("Proceed? (yes/no): ")
		var response string
		if _, err := fmt.Scanln(&response); err != nil {
			fmt.Printf("reading input: %v\n", err)
			return
		}
		if response != "yes" && response != "y" {
			fmt.Println("Reset cancelled")
			return
		}
	}

	archiveDir := filepath.Join(cfg.Storage.DataDir, "archive", time.Now().Format("20060102_150405"))

	fmt.Printf("\nPHASE 1: archiving to %s\n", archiveDir)
	for _, path := range []string{cfg.PositionsFile(), cfg.UniverseCacheFile()} {
		if !fileExists(path) {
			continue
		}
		if *dryRun {
			fmt.Printf("DRY RUN: would archive %s\n", path)
			continue
		}
		if err := archiveFile(path, archiveDir); err != nil {
			log.Fatalf("archiving %s: %v", path, err)
		}
		fmt.Printf("  archived %s\n", filepath.Base(path))
	}

	fmt.Printf("\nPHASE 2: clearing local state\n")
	if *dryRun {
		fmt.Printf("DRY RUN: would clear %d %s mirror entries\n", len(mirror), mode)
		fmt.Printf("DRY RUN: would remove %s\n", cfg.UniverseCacheFile())
		if *clearKillSwitch && killSwitchPresent {
			fmt.Printf("DRY RUN: would remove %s\n", cfg.KillSwitchFile())
		}
	} else {
		// WriteOpen with no rows empties only this mode's map; other modes'
		// mirror entries stay intact.
		if err := cache.WriteOpen(mode, nil); err != nil {
			log.Fatalf("clearing mirror: %v", err)
		}
		fmt.Printf("  cleared %s mirror entries\n", mode)

		if err := os.Remove(cfg.UniverseCacheFile()); err != nil && !os.IsNotExist(err) {
			log.Fatalf("removing universe cache: %v", err)
		}
		fmt.Printf("  removed universe cache\n")

		if *clearKillSwitch && killSwitchPresent {
			if err := os.Remove(cfg.KillSwitchFile()); err != nil {
				log.Fatalf("removing kill switch: %v", err)
			}
			fmt.Printf("  removed kill switch\n")
		}
	}

	fmt.Printf("\n✅ Reset complete\n\n")
	fmt.Printf("Next steps:\n")
	fmt.Printf("  1. Start the trader; startup reconciliation rebuilds the mirror from the store and the account\n")
	fmt.Printf("  2. Run scripts/audit_positions to confirm store and mirror converge\n")
	fmt.Printf("  3. Universe selection re-runs on the next pre-open cycle\n")
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func archiveFile(path, dir string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, filepath.Base(path)), data, 0o600)
}
