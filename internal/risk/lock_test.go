package risk

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func lockPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "instance.lock")
}

func TestAcquireLockWritesOwnRecord(t *testing.T) {
	path := lockPath(t)

	l, err := AcquireLock(path, time.Hour, zerolog.Nop())
	if err != nil {
		t.Fatalf("AcquireLock() error: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("lock file missing: %v", err)
	}
	var rec lockRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		t.Fatalf("lock record not JSON: %v", err)
	}
	if rec.PID != os.Getpid() {
		t.Errorf("PID = %d, want %d", rec.PID, os.Getpid())
	}
	if rec.InstanceID == "" {
		t.Error("InstanceID empty")
	}
	if _, err := time.Parse(time.RFC3339, rec.StartedAt); err != nil {
		t.Errorf("StartedAt %q not RFC3339: %v", rec.StartedAt, err)
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release() error: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("lock file survived release")
	}
}

func TestAcquireLockRefusesLiveHolder(t *testing.T) {
	path := lockPath(t)

	first, err := AcquireLock(path, time.Hour, zerolog.Nop())
	if err != nil {
		t.Fatalf("first AcquireLock() error: %v", err)
	}
	defer first.Release()

	_, err = AcquireLock(path, time.Hour, zerolog.Nop())
	if !errors.Is(err, ErrLockHeld) {
		t.Fatalf("second AcquireLock() = %v, want ErrLockHeld", err)
	}
}

func TestAcquireLockReclaimsStaleRecord(t *testing.T) {
	path := lockPath(t)

	stale, err := json.Marshal(lockRecord{
		PID:        99999,
		InstanceID: "dead-instance",
		StartedAt:  time.Now().Add(-2 * time.Hour).Format(time.RFC3339),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, stale, 0o600); err != nil {
		t.Fatal(err)
	}

	l, err := AcquireLock(path, time.Hour, zerolog.Nop())
	if err != nil {
		t.Fatalf("AcquireLock() over stale lock: %v", err)
	}
	defer l.Release()

	raw, _ := os.ReadFile(path)
	var rec lockRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		t.Fatalf("reclaimed record not JSON: %v", err)
	}
	if rec.InstanceID == "dead-instance" {
		t.Error("stale record was not replaced")
	}
	if rec.PID != os.Getpid() {
		t.Errorf("PID = %d, want %d", rec.PID, os.Getpid())
	}
}

func TestAcquireLockStaleAgeFallsBackToModTime(t *testing.T) {
	path := lockPath(t)

	if err := os.WriteFile(path, []byte("not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}

	l, err := AcquireLock(path, time.Hour, zerolog.Nop())
	if err != nil {
		t.Fatalf("AcquireLock() over unreadable stale lock: %v", err)
	}
	defer l.Release()
}

func TestAcquireLockFreshUnreadableRecordStillBlocks(t *testing.T) {
	path := lockPath(t)

	if err := os.WriteFile(path, []byte("not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := AcquireLock(path, time.Hour, zerolog.Nop())
	if !errors.Is(err, ErrLockHeld) {
		t.Fatalf("AcquireLock() = %v, want ErrLockHeld for a fresh file", err)
	}
}

func TestReleaseLeavesForeignLock(t *testing.T) {
	path := lockPath(t)

	l, err := AcquireLock(path, time.Hour, zerolog.Nop())
	if err != nil {
		t.Fatalf("AcquireLock() error: %v", err)
	}

	// Simulate a stale reclaim by another process while we were gone.
	foreign, _ := json.Marshal(lockRecord{
		PID:        42,
		InstanceID: "other-instance",
		StartedAt:  time.Now().Format(time.RFC3339),
	})
	if err := os.WriteFile(path, foreign, 0o600); err != nil {
		t.Fatal(err)
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release() error: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Error("foreign lock was removed")
	}
}

func TestReleaseToleratesMissingFile(t *testing.T) {
	path := lockPath(t)

	l, err := AcquireLock(path, time.Hour, zerolog.Nop())
	if err != nil {
		t.Fatalf("AcquireLock() error: %v", err)
	}
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if err := l.Release(); err != nil {
		t.Errorf("Release() after external removal: %v", err)
	}
}
