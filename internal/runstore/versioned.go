package runstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/flotillahq/flotilla/internal/model"
)

// Version is the optimistic-concurrency token captured at load time. The
// content checksum is authoritative; the modification time is kept as a
// cheap first-pass check because mtime resolution is filesystem-dependent
// and can miss rapid successive writes on coarse clocks.
type Version struct {
	ModTime  time.Time
	Checksum string
}

func (v Version) String() string {
	short := v.Checksum
	if len(short) > 12 {
		short = short[:12]
	}
	return fmt.Sprintf("%s@%s", short, v.ModTime.UTC().Format(time.RFC3339Nano))
}

func (v Version) Equal(other Version) bool {
	return v.Checksum == other.Checksum
}

// StaleWriteError signals a lost race: the on-disk version changed between
// load and save. The caller decides whether to reload-and-retry or abort;
// the store never retries on its own.
type StaleWriteError struct {
	RunID    string
	Expected Version
	Actual   Version
}

func (e *StaleWriteError) Error() string {
	return fmt.Sprintf("stale write for run %s: loaded version %s, on-disk version %s", e.RunID, e.Expected, e.Actual)
}

// StaleReadError signals that a version token no longer matches the on-disk
// state when re-validated.
type StaleReadError struct {
	RunID    string
	Expected Version
	Actual   Version
}

func (e *StaleReadError) Error() string {
	return fmt.Sprintf("stale read for run %s: held version %s, on-disk version %s", e.RunID, e.Expected, e.Actual)
}

// VersionedStore wraps Store with compare-and-swap persistence. Every
// mutating path in the tree goes through LoadVersioned + SaveIfFresh so a
// concurrent writer is always detected, never silently overwritten.
type VersionedStore struct {
	store *Store
}

func NewVersionedStore(store *Store) *VersionedStore {
	return &VersionedStore{store: store}
}

func (vs *VersionedStore) Store() *Store {
	return vs.store
}

// LoadVersioned returns the run plus the version token for the bytes read.
func (vs *VersionedStore) LoadVersioned(runID string) (*model.Run, Version, error) {
	run, err := vs.store.Load(runID)
	if err != nil {
		return nil, Version{}, err
	}
	v, err := vs.currentVersion(runID)
	if err != nil {
		return nil, Version{}, err
	}
	return run, v, nil
}

// Validate re-checks a previously captured token against disk.
func (vs *VersionedStore) Validate(runID string, v Version) error {
	actual, err := vs.currentVersion(runID)
	if err != nil {
		return err
	}
	if !v.Equal(actual) {
		return &StaleReadError{RunID: runID, Expected: v, Actual: actual}
	}
	return nil
}

// SaveIfFresh persists the run only if the on-disk version still matches the
// token captured at load time. Version tokens live in memory only; nothing
// about them is written into the file.
func (vs *VersionedStore) SaveIfFresh(run *model.Run, v Version) (Version, error) {
	actual, err := vs.currentVersion(run.ID)
	if err != nil {
		return Version{}, err
	}
	if !v.Equal(actual) {
		return Version{}, &StaleWriteError{RunID: run.ID, Expected: v, Actual: actual}
	}

	if err := vs.store.Save(run); err != nil {
		return Version{}, err
	}
	return vs.currentVersion(run.ID)
}

// Create persists a run that must not already exist and returns its initial
// version token.
func (vs *VersionedStore) Create(run *model.Run) (Version, error) {
	if vs.store.Exists(run.ID) {
		return Version{}, fmt.Errorf("run %s already exists", run.ID)
	}
	if err := vs.store.Save(run); err != nil {
		return Version{}, err
	}
	return vs.currentVersion(run.ID)
}

func (vs *VersionedStore) currentVersion(runID string) (Version, error) {
	path := vs.store.Path(runID)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Version{}, fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
		}
		return Version{}, fmt.Errorf("stat run %s: %w", runID, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Version{}, fmt.Errorf("read run %s: %w", runID, err)
	}
	sum := sha256.Sum256(data)
	return Version{ModTime: info.ModTime(), Checksum: hex.EncodeToString(sum[:])}, nil
}
