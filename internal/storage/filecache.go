package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kisquant/trendatr/internal/models"
)

// FileCache mirrors open positions to a JSON file so operators and the
// reconciler can read local state without opening the database. Writes are
// atomic (temp file + rename) and mode-namespaced: writing one mode's
// positions never disturbs another mode's entries.
type FileCache struct {
	mu   sync.Mutex
	path string
}

type positionsFile struct {
	UpdatedAt time.Time                             `json:"updated_at"`
	Modes     map[string]map[string]models.Position `json:"modes"`
}

func NewFileCache(path string) *FileCache {
	return &FileCache{path: path}
}

func (c *FileCache) Path() string { return c.path }

// ReadOpen returns the mirrored open positions for one mode, keyed by
// symbol. A missing file is an empty mirror, not an error.
func (c *FileCache) ReadOpen(mode models.Mode) (map[string]models.Position, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := c.read()
	if err != nil {
		return nil, err
	}
	out := make(map[string]models.Position, len(f.Modes[string(mode)]))
	for symbol, p := range f.Modes[string(mode)] {
		out[symbol] = p
	}
	return out, nil
}

// WriteOpen replaces one mode's mirror with the given open positions.
func (c *FileCache) WriteOpen(mode models.Mode, positions []*models.Position) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := c.read()
	if err != nil {
		// A corrupt mirror is rebuilt from the rows we were given; the
		// store stays the source of truth.
		f = &positionsFile{Modes: map[string]map[string]models.Position{}}
	}

	entry := make(map[string]models.Position, len(positions))
	for _, p := range positions {
		entry[p.Symbol] = *p
	}
	f.Modes[string(mode)] = entry
	f.UpdatedAt = time.Now()

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal positions mirror: %w", err)
	}

	if dir := filepath.Dir(c.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create mirror dir %s: %w", dir, err)
		}
	}

	// Write to temp file first, then rename for an atomic replace.
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write positions mirror: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("replace positions mirror: %w", err)
	}
	return nil
}

func (c *FileCache) read() (*positionsFile, error) {
	f := &positionsFile{Modes: map[string]map[string]models.Position{}}

	data, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read positions mirror %s: %w", c.path, err)
	}
	if err := json.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("parse positions mirror %s: %w", c.path, err)
	}
	if f.Modes == nil {
		f.Modes = map[string]map[string]models.Position{}
	}
	return f, nil
}
