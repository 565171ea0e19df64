// Package statestore serializes cross-process read-modify-write cycles over
// shared JSON state documents.
//
// Every foreman invocation is a separate OS process (cron-triggered poll
// cycles, manual commands), so in-process mutexes are useless here. Each
// document is guarded by an advisory flock on a sibling ".lock" file; the
// document itself is replaced atomically (temp file + rename) so readers
// never observe a torn write.
package statestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// ErrLockTimeout is returned when the lock on a state document cannot be
// acquired within the configured wait. Callers must treat this as fatal for
// the current operation: proceeding on a stale snapshot risks double
// admission or lost error counters.
var ErrLockTimeout = errors.New("timed out waiting for state lock")

const (
	// DefaultLockWait bounds how long an invocation blocks on a contended
	// document before giving up.
	DefaultLockWait = 10 * time.Second

	lockPollInterval = 50 * time.Millisecond
)

// Store performs locked transactions against JSON state documents.
// The zero value is not usable; call New.
type Store struct {
	lockWait time.Duration
}

// New creates a Store with the given lock-acquisition bound.
// A non-positive wait falls back to DefaultLockWait.
func New(lockWait time.Duration) *Store {
	if lockWait <= 0 {
		lockWait = DefaultLockWait
	}
	return &Store{lockWait: lockWait}
}

// lockHolder is written into the lock file after acquisition so that a
// competing process that times out can report who it lost to.
type lockHolder struct {
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Update runs fn inside an exclusive lock on path's document. fn receives
// the current decoded document (the zero value of T if the file does not
// exist) and returns the document to persist. The write is atomic: the new
// content lands in a temp file in the same directory and is renamed over
// path. The lock is released even if fn returns an error or panics.
func Update[T any](s *Store, path string, fn func(T) (T, error)) error {
	return withLock(s, path, func() error {
		var doc T
		if err := readJSON(path, &doc); err != nil {
			return err
		}

		updated, err := fn(doc)
		if err != nil {
			return err
		}

		return writeAtomic(path, updated)
	})
}

// View runs fn inside the lock without writing the document back. Use this
// when a decision needs counts that are consistent with concurrent writers
// (e.g. available-slot checks); plain Read is cheaper when staleness is
// acceptable.
func View[T any](s *Store, path string, fn func(T) error) error {
	return withLock(s, path, func() error {
		var doc T
		if err := readJSON(path, &doc); err != nil {
			return err
		}
		return fn(doc)
	})
}

// Read decodes path's document without taking the lock. Listing and status
// display go through here; anything that writes must use Update.
func Read[T any](path string) (T, error) {
	var doc T
	err := readJSON(path, &doc)
	return doc, err
}

func withLock(s *Store, path string, fn func() error) error {
	lockPath := path + ".lock"
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create state dir for %s: %w", path, err)
	}

	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}
	defer lockFile.Close()

	if err := flockWithWait(lockFile, s.lockWait); err != nil {
		if errors.Is(err, ErrLockTimeout) {
			return fmt.Errorf("%s: %w%s", lockPath, ErrLockTimeout, holderHint(lockPath))
		}
		return fmt.Errorf("failed to lock %s: %w", lockPath, err)
	}
	defer syscall.Flock(int(lockFile.Fd()), syscall.LOCK_UN)

	recordHolder(lockFile)

	return fn()
}

// flockWithWait polls a non-blocking flock until it succeeds or the deadline
// passes. Polling rather than a blocking flock keeps the wait bounded
// without signal gymnastics.
func flockWithWait(f *os.File, wait time.Duration) error {
	deadline := time.Now().Add(wait)
	for {
		err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			return nil
		}
		if err != syscall.EWOULDBLOCK && err != syscall.EAGAIN {
			return err
		}
		if time.Now().After(deadline) {
			return ErrLockTimeout
		}
		time.Sleep(lockPollInterval)
	}
}

// recordHolder stamps the lock file with our identity. Best-effort: a
// failure here never fails the transaction.
func recordHolder(f *os.File) {
	hostname, _ := os.Hostname()
	data, err := json.Marshal(lockHolder{
		PID:        os.Getpid(),
		Hostname:   hostname,
		AcquiredAt: time.Now(),
	})
	if err != nil {
		return
	}
	_ = f.Truncate(0)
	_, _ = f.WriteAt(data, 0)
}

// holderHint reads the lock file and formats the current holder for timeout
// diagnostics. Returns "" when the holder cannot be determined.
func holderHint(lockPath string) string {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return ""
	}
	var h lockHolder
	if json.Unmarshal(data, &h) != nil || h.PID == 0 {
		return ""
	}
	return fmt.Sprintf(" (held by PID %d on %s since %s)",
		h.PID, h.Hostname, h.AcquiredAt.Format(time.RFC3339))
}

func readJSON(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read state document %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("malformed state document %s: %w", path, err)
	}
	return nil
}

func writeAtomic(path string, doc any) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state for %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	tmp := filepath.Join(dir, fmt.Sprintf(".%s.tmp-%s", filepath.Base(path), uuid.NewString()[:8]))
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp state file for %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace state document %s: %w", path, err)
	}
	return nil
}
