package risk

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrLockHeld means another live process owns the instance lock. The
// caller must exit before starting any trading loop.
var ErrLockHeld = errors.New("another instance holds the lock")

type lockRecord struct {
	PID        int    `json:"pid"`
	InstanceID string `json:"instance_id"`
	StartedAt  string `json:"started_at"`
}

// Lock is the advisory single-instance file lock. Two engines trading one
// account would double every order, so the lock is taken before anything
// else touches the broker.
type Lock struct {
	path   string
	id     string
	logger zerolog.Logger
}

// AcquireLock takes the advisory lock at path. A lock older than
// staleAfter is treated as the residue of a crashed process and reclaimed
// once; a fresh lock returns ErrLockHeld.
func AcquireLock(path string, staleAfter time.Duration, logger zerolog.Logger) (*Lock, error) {
	l := &Lock{
		path:   path,
		id:     uuid.NewString(),
		logger: logger.With().Str("component", "lock").Logger(),
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating lock dir: %w", err)
	}

	if err := l.tryCreate(); err == nil {
		return l, nil
	} else if !os.IsExist(err) {
		return nil, fmt.Errorf("creating lock file: %w", err)
	}

	holder, age := l.inspect()
	if staleAfter > 0 && age >= staleAfter {
		l.logger.Warn().
			Int("holder_pid", holder.PID).
			Dur("age", age).
			Msg("reclaiming stale instance lock")
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("removing stale lock: %w", err)
		}
		if err := l.tryCreate(); err == nil {
			return l, nil
		}
		// Someone else won the reclaim race.
	}

	return nil, fmt.Errorf("lock at %s held by pid %d for %s: %w",
		path, holder.PID, age.Round(time.Second), ErrLockHeld)
}

func (l *Lock) tryCreate() error {
	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	raw, err := json.MarshalIndent(lockRecord{
		PID:        os.Getpid(),
		InstanceID: l.id,
		StartedAt:  time.Now().Format(time.RFC3339),
	}, "", "  ")
	if err != nil {
		return err
	}
	if _, err := f.Write(raw); err != nil {
		return err
	}
	l.logger.Info().Str("path", l.path).Msg("instance lock acquired")
	return nil
}

// inspect reads the current holder. Age falls back to the file's mtime
// when the record is unreadable.
func (l *Lock) inspect() (lockRecord, time.Duration) {
	var rec lockRecord
	age := time.Duration(0)

	if info, err := os.Stat(l.path); err == nil {
		age = time.Since(info.ModTime())
	}
	raw, err := os.ReadFile(l.path)
	if err != nil {
		return rec, age
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		l.logger.Warn().Err(err).Msg("unreadable lock record")
		return rec, age
	}
	if started, err := time.Parse(time.RFC3339, rec.StartedAt); err == nil {
		age = time.Since(started)
	}
	return rec, age
}

// Release removes the lock if this process still owns it. A lock stolen by
// a stale reclaim is left for its new holder.
func (l *Lock) Release() error {
	raw, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading lock before release: %w", err)
	}
	var rec lockRecord
	if err := json.Unmarshal(raw, &rec); err == nil && rec.InstanceID != l.id {
		l.logger.Warn().
			Str("holder", rec.InstanceID).
			Msg("lock now owned by another instance, leaving it")
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing lock: %w", err)
	}
	l.logger.Info().Msg("instance lock released")
	return nil
}
