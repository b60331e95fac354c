// Package lock provides the cross-process advisory lock used to guard mate
// record mutation, plus an in-process keyed mutex map for callers that batch
// several mutations in one invocation.
package lock

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// LockTimeoutError is returned when the lock file could not be acquired
// before the deadline. The whole operation may be retried by the caller.
type LockTimeoutError struct {
	Path     string
	Waited   time.Duration
	OwnerPID int
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("lock %s not acquired after %s (held by pid %d)", e.Path, e.Waited.Round(time.Millisecond), e.OwnerPID)
}

const (
	initialBackoff = 10 * time.Millisecond
	maxBackoff     = 250 * time.Millisecond
)

// LockFile is an advisory cross-process lock backed by an exclusively-created
// file containing the owner's pid. There is no daemon to arbitrate, so a
// waiter busy-waits with jittered exponential backoff up to a hard deadline.
// A lock whose owning process is dead is deleted and the create retried, so
// crashed holders never require a separate reaper.
type LockFile struct {
	path string
	held bool
}

func NewLockFile(path string) *LockFile {
	return &LockFile{path: path}
}

// Acquire blocks until the lock is created or the deadline passes.
func (lf *LockFile) Acquire(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	backoff := initialBackoff

	for {
		err := lf.tryCreate()
		if err == nil {
			lf.held = true
			return nil
		}
		if !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("create lock file: %w", err)
		}

		ownerPID, readErr := lf.ownerPID()
		if readErr == nil && ownerPID > 0 && !ProcessAlive(ownerPID) {
			// Stale lock from a crashed process. Remove and retry
			// immediately; a racing waiter losing the next create is fine.
			_ = os.Remove(lf.path)
			continue
		}

		if time.Now().After(deadline) {
			return &LockTimeoutError{Path: lf.path, Waited: timeout, OwnerPID: ownerPID}
		}

		jitter := time.Duration(rand.Int63n(int64(backoff / 2)))
		time.Sleep(backoff + jitter)
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}

// Release deletes the lock file. Safe to call when not held.
func (lf *LockFile) Release() error {
	if !lf.held {
		return nil
	}
	lf.held = false
	if err := os.Remove(lf.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}

func (lf *LockFile) tryCreate() error {
	f, err := os.OpenFile(lf.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		f.Close()
		_ = os.Remove(lf.path)
		return fmt.Errorf("write pid: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(lf.path)
		return fmt.Errorf("sync lock file: %w", err)
	}
	return f.Close()
}

func (lf *LockFile) ownerPID() (int, error) {
	data, err := os.ReadFile(lf.path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse lock owner pid: %w", err)
	}
	return pid, nil
}

// MutexMap serializes mutations per key within a single process.
type MutexMap struct {
	mu      sync.Mutex
	mutexes map[string]*sync.Mutex
}

func NewMutexMap() *MutexMap {
	return &MutexMap{
		mutexes: make(map[string]*sync.Mutex),
	}
}

func (m *MutexMap) Lock(key string) {
	m.getMutex(key).Lock()
}

func (m *MutexMap) Unlock(key string) {
	m.getMutex(key).Unlock()
}

func (m *MutexMap) getMutex(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mu, ok := m.mutexes[key]; ok {
		return mu
	}
	mu := &sync.Mutex{}
	m.mutexes[key] = mu
	return mu
}
