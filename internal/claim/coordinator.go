// Package claim implements the time-boxed exclusive-claim protocol over
// runs: compare-and-set claims with TTL expiry, declared-file conflict
// detection, and expiry-based garbage collection.
package claim

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/flotillahq/flotilla/internal/events"
	"github.com/flotillahq/flotilla/internal/lock"
	"github.com/flotillahq/flotilla/internal/model"
	"github.com/flotillahq/flotilla/internal/runstore"
)

// ConflictError reports why a claim was refused: a live holder, overlapping
// declared file scopes, or both. Resolvable only via explicit force or by
// waiting for the holder's expiry.
type ConflictError struct {
	RunID         string
	Holder        string
	ExpiresAt     string
	FileConflicts []FileConflict
}

// FileConflict names another active-hierarchy run whose declared
// files_touched set intersects the candidate's.
type FileConflict struct {
	RunID string
	Files []string
}

func (e *ConflictError) Error() string {
	var parts []string
	if e.Holder != "" {
		parts = append(parts, fmt.Sprintf("held by %s until %s", e.Holder, e.ExpiresAt))
	}
	for _, fc := range e.FileConflicts {
		parts = append(parts, fmt.Sprintf("file overlap with %s (%s)", fc.RunID, strings.Join(fc.Files, ", ")))
	}
	return fmt.Sprintf("claim conflict on run %s: %s", e.RunID, strings.Join(parts, "; "))
}

// Clock is the time seam; tests substitute a fixed clock.
type Clock func() time.Time

// Coordinator mediates claims. Each method is a full load-version, mutate,
// save-if-fresh round trip; a StaleWriteError from the store means a lost
// race against another process and is returned as-is for the caller to
// decide. Within one process a per-run mutex serializes the round trips, so
// concurrent callers sharing a Coordinator observe claim conflicts rather
// than write races.
type Coordinator struct {
	store    *runstore.VersionedStore
	eventLog *runstore.EventLog
	locks    *lock.MutexMap
	now      Clock
}

func NewCoordinator(store *runstore.VersionedStore, eventLog *runstore.EventLog) *Coordinator {
	return &Coordinator{store: store, eventLog: eventLog, locks: lock.NewMutexMap(), now: time.Now}
}

// WithClock overrides the time source.
func (c *Coordinator) WithClock(now Clock) *Coordinator {
	c.now = now
	return c
}

// Claim acquires a TTL-bounded exclusive claim on a run. A live claim always
// conflicts, even when the claimant is the current holder: the TTL cannot be
// silently extended by re-claiming. A claim whose expiry has passed is
// available immediately; no GC run is required first. File conflicts against
// other active-hierarchy runs are reported, not auto-resolved, unless force
// is set.
func (c *Coordinator) Claim(runID, agentID string, ttl time.Duration, force bool) (*model.Run, error) {
	if agentID == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("claim ttl must be positive, got %s", ttl)
	}

	c.locks.Lock(runID)
	defer c.locks.Unlock(runID)

	run, version, err := c.store.LoadVersioned(runID)
	if err != nil {
		return nil, err
	}

	now := c.now()
	conflict := &ConflictError{RunID: runID}

	if run.ClaimLive(now) {
		conflict.Holder = *run.ClaimedBy
		conflict.ExpiresAt = *run.ClaimExpires
	}

	fileConflicts, err := c.fileConflicts(run)
	if err != nil {
		return nil, err
	}
	conflict.FileConflicts = fileConflicts

	if !force && (conflict.Holder != "" || len(conflict.FileConflicts) > 0) {
		return nil, conflict
	}
	if conflict.Holder != "" && force {
		log.Printf("warning: force-claiming run %s away from live holder %s", runID, conflict.Holder)
	}

	run.SetClaim(agentID, now, now.Add(ttl))
	run.UpdatedAt = now.UTC().Format(time.RFC3339)

	if _, err := c.store.SaveIfFresh(run, version); err != nil {
		return nil, err
	}

	c.eventLog.Append(events.EventRunClaimed, runID, map[string]any{
		"agent_id": agentID,
		"ttl_min":  int(ttl.Minutes()),
		"forced":   force,
	})
	return run, nil
}

// Release clears the claim triple. Only the holder may release without
// force; releasing an unclaimed run is a no-op.
func (c *Coordinator) Release(runID, agentID string, force bool) error {
	c.locks.Lock(runID)
	defer c.locks.Unlock(runID)

	run, version, err := c.store.LoadVersioned(runID)
	if err != nil {
		return err
	}

	if !run.HasClaim() {
		return nil
	}
	if *run.ClaimedBy != agentID && !force && !run.ClaimExpired(c.now()) {
		return &ConflictError{RunID: runID, Holder: *run.ClaimedBy, ExpiresAt: *run.ClaimExpires}
	}

	run.ClearClaim()
	run.UpdatedAt = c.now().UTC().Format(time.RFC3339)

	if _, err := c.store.SaveIfFresh(run, version); err != nil {
		return err
	}

	c.eventLog.Append(events.EventRunReleased, runID, map[string]any{
		"agent_id": agentID,
		"forced":   force,
	})
	return nil
}

// GC clears every expired claim triple and returns the reclaimed run ids.
// It restores visibility and audit state only; expired claims are already
// available to new claimants whether or not GC has run.
func (c *Coordinator) GC() ([]string, error) {
	runs, err := c.store.Store().List()
	if err != nil {
		return nil, err
	}

	now := c.now()
	var reclaimed []string
	for _, run := range runs {
		if !run.HasClaim() || !run.ClaimExpired(now) {
			continue
		}
		if c.gcOne(run.ID, now) {
			reclaimed = append(reclaimed, run.ID)
		}
	}
	sort.Strings(reclaimed)
	return reclaimed, nil
}

func (c *Coordinator) gcOne(runID string, now time.Time) bool {
	c.locks.Lock(runID)
	defer c.locks.Unlock(runID)

	// Reload under a version token so a racing claimant wins cleanly.
	fresh, version, err := c.store.LoadVersioned(runID)
	if err != nil {
		log.Printf("warning: gc reload %s: %v", runID, err)
		return false
	}
	if !fresh.HasClaim() || !fresh.ClaimExpired(now) {
		return false
	}
	holder := *fresh.ClaimedBy
	fresh.ClearClaim()
	fresh.UpdatedAt = now.UTC().Format(time.RFC3339)
	if _, err := c.store.SaveIfFresh(fresh, version); err != nil {
		log.Printf("warning: gc save %s: %v", runID, err)
		return false
	}
	c.eventLog.Append(events.EventRunReleased, runID, map[string]any{
		"agent_id": holder,
		"expired":  true,
	})
	return true
}

// BlockedBy returns the subset of a run's declared dependencies that are not
// yet complete. Dependencies are advisory: a blocked run is reported, never
// prevented from starting.
func (c *Coordinator) BlockedBy(run *model.Run) ([]string, error) {
	if len(run.DependsOn) == 0 {
		return nil, nil
	}
	var blocked []string
	for _, depID := range run.DependsOn {
		dep, err := c.store.Store().Load(depID)
		if err != nil {
			// A missing dependency still blocks visibility-wise.
			blocked = append(blocked, depID)
			continue
		}
		if !model.StateMatches(dep.State, model.StateComplete) {
			blocked = append(blocked, depID)
		}
	}
	return blocked, nil
}

// fileConflicts intersects the candidate's declared files_touched set with
// every other run currently in the active hierarchy.
func (c *Coordinator) fileConflicts(candidate *model.Run) ([]FileConflict, error) {
	if len(candidate.FilesTouched) == 0 {
		return nil, nil
	}
	runs, err := c.store.Store().List()
	if err != nil {
		return nil, err
	}

	mine := make(map[string]bool, len(candidate.FilesTouched))
	for _, f := range candidate.FilesTouched {
		mine[f] = true
	}

	var conflicts []FileConflict
	for _, other := range runs {
		if other.ID == candidate.ID || !model.StateMatches(other.State, model.StateActive) {
			continue
		}
		var overlap []string
		for _, f := range other.FilesTouched {
			if mine[f] {
				overlap = append(overlap, f)
			}
		}
		if len(overlap) > 0 {
			sort.Strings(overlap)
			conflicts = append(conflicts, FileConflict{RunID: other.ID, Files: overlap})
		}
	}
	return conflicts, nil
}
