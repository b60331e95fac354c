package claim

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flotillahq/flotilla/internal/model"
	"github.com/flotillahq/flotilla/internal/runstore"
)

type fixture struct {
	store *runstore.VersionedStore
	coord *Coordinator
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	flotillaDir := filepath.Join(t.TempDir(), ".flotilla")
	require.NoError(t, os.MkdirAll(filepath.Join(flotillaDir, "runs"), 0755))

	store := runstore.NewVersionedStore(runstore.NewStore(flotillaDir))
	eventLog, err := runstore.OpenEventLog(flotillaDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eventLog.Close() })

	f := &fixture{
		store: store,
		now:   time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC),
	}
	f.coord = NewCoordinator(store, eventLog).WithClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) addRun(t *testing.T, id, state string, files ...string) *model.Run {
	t.Helper()
	run := &model.Run{
		ID:           id,
		Intent:       "test run " + id,
		State:        state,
		PlanPath:     "plans/" + id + ".md",
		FilesTouched: files,
		CreatedAt:    "2026-02-01T00:00:00Z",
		UpdatedAt:    "2026-02-01T00:00:00Z",
	}
	_, err := f.store.Create(run)
	require.NoError(t, err)
	return run
}

func TestClaim_Unclaimed(t *testing.T) {
	f := newFixture(t)
	f.addRun(t, "run_0000000001_deadbeef", model.StateReady)

	run, err := f.coord.Claim("run_0000000001_deadbeef", "agent-a", 30*time.Minute, false)
	require.NoError(t, err)
	require.True(t, run.HasClaim())
	assert.Equal(t, "agent-a", *run.ClaimedBy)
	assert.Equal(t, "2026-02-01T09:30:00Z", *run.ClaimExpires)

	// Persisted.
	onDisk, err := f.store.Store().Load("run_0000000001_deadbeef")
	require.NoError(t, err)
	assert.True(t, onDisk.HasClaim())
}

func TestClaim_LiveClaimRefused(t *testing.T) {
	f := newFixture(t)
	f.addRun(t, "run_0000000001_deadbeef", model.StateReady)

	_, err := f.coord.Claim("run_0000000001_deadbeef", "agent-a", 30*time.Minute, false)
	require.NoError(t, err)

	_, err = f.coord.Claim("run_0000000001_deadbeef", "agent-b", 30*time.Minute, false)
	require.Error(t, err)
	conflict, ok := err.(*ConflictError)
	require.True(t, ok, "error type = %T", err)
	assert.Equal(t, "agent-a", conflict.Holder)

	// Refused claim mutates nothing.
	onDisk, err := f.store.Store().Load("run_0000000001_deadbeef")
	require.NoError(t, err)
	assert.Equal(t, "agent-a", *onDisk.ClaimedBy)
}

func TestClaim_HolderCannotExtendByReclaiming(t *testing.T) {
	f := newFixture(t)
	f.addRun(t, "run_0000000001_deadbeef", model.StateReady)

	_, err := f.coord.Claim("run_0000000001_deadbeef", "agent-a", 30*time.Minute, false)
	require.NoError(t, err)

	// Re-claiming as the holder is still a conflict; the TTL does not move.
	f.now = f.now.Add(5 * time.Minute)
	_, err = f.coord.Claim("run_0000000001_deadbeef", "agent-a", 30*time.Minute, false)
	require.Error(t, err)
	conflict, ok := err.(*ConflictError)
	require.True(t, ok, "error type = %T", err)
	assert.Equal(t, "agent-a", conflict.Holder)

	onDisk, err := f.store.Store().Load("run_0000000001_deadbeef")
	require.NoError(t, err)
	assert.Equal(t, "2026-02-01T09:30:00Z", *onDisk.ClaimExpires)
}

func TestClaim_ConcurrentClaimsSingleWinner(t *testing.T) {
	f := newFixture(t)
	f.addRun(t, "run_0000000001_deadbeef", model.StateReady)

	const claimants = 8
	errs := make(chan error, claimants)
	var wg sync.WaitGroup
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func(agent string) {
			defer wg.Done()
			_, err := f.coord.Claim("run_0000000001_deadbeef", agent, 30*time.Minute, false)
			errs <- err
		}(fmt.Sprintf("agent-%d", i))
	}
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		if err == nil {
			wins++
			continue
		}
		// Losers see a claim conflict, never a write race.
		var conflict *ConflictError
		require.ErrorAs(t, err, &conflict)
	}
	assert.Equal(t, 1, wins)
}

func TestClaim_ExpiredClaimAvailableWithoutGC(t *testing.T) {
	f := newFixture(t)
	f.addRun(t, "run_0000000001_deadbeef", model.StateReady)

	_, err := f.coord.Claim("run_0000000001_deadbeef", "agent-a", 30*time.Minute, false)
	require.NoError(t, err)

	// Immediately after, agent-b is refused.
	_, err = f.coord.Claim("run_0000000001_deadbeef", "agent-b", 30*time.Minute, false)
	require.Error(t, err)

	// The instant expiry passes the claim is available; no GC sweep needed.
	f.now = f.now.Add(30 * time.Minute)
	run, err := f.coord.Claim("run_0000000001_deadbeef", "agent-b", 30*time.Minute, false)
	require.NoError(t, err)
	assert.Equal(t, "agent-b", *run.ClaimedBy)
}

func TestClaim_TTLThenGCThenReclaim(t *testing.T) {
	f := newFixture(t)
	f.addRun(t, "run_0000000001_deadbeef", model.StateReady)

	_, err := f.coord.Claim("run_0000000001_deadbeef", "agent-a", 30*time.Minute, false)
	require.NoError(t, err)

	_, err = f.coord.Claim("run_0000000001_deadbeef", "agent-b", 30*time.Minute, false)
	require.Error(t, err)

	f.now = f.now.Add(31 * time.Minute)
	reclaimed, err := f.coord.GC()
	require.NoError(t, err)
	assert.Equal(t, []string{"run_0000000001_deadbeef"}, reclaimed)

	run, err := f.coord.Claim("run_0000000001_deadbeef", "agent-b", 30*time.Minute, false)
	require.NoError(t, err)
	assert.Equal(t, "agent-b", *run.ClaimedBy)
}

func TestClaim_FileConflicts(t *testing.T) {
	f := newFixture(t)
	f.addRun(t, "run_0000000001_aaaaaaaa", model.StateReady, "pkg/a.go", "pkg/b.go")
	f.addRun(t, "run_0000000002_bbbbbbbb", model.StateActiveExecuting, "pkg/b.go", "pkg/c.go")
	f.addRun(t, "run_0000000003_cccccccc", model.StateActivePlanning, "pkg/z.go")
	f.addRun(t, "run_0000000004_dddddddd", model.StateComplete, "pkg/a.go")

	_, err := f.coord.Claim("run_0000000001_aaaaaaaa", "agent-a", 30*time.Minute, false)
	require.Error(t, err)
	conflict, ok := err.(*ConflictError)
	require.True(t, ok)
	assert.Empty(t, conflict.Holder)

	// Exactly the active-hierarchy runs with intersecting file sets.
	require.Len(t, conflict.FileConflicts, 1)
	assert.Equal(t, "run_0000000002_bbbbbbbb", conflict.FileConflicts[0].RunID)
	assert.Equal(t, []string{"pkg/b.go"}, conflict.FileConflicts[0].Files)
}

func TestClaim_FileConflictForceOverride(t *testing.T) {
	f := newFixture(t)
	f.addRun(t, "run_0000000001_aaaaaaaa", model.StateReady, "pkg/a.go")
	f.addRun(t, "run_0000000002_bbbbbbbb", model.StateActiveExecuting, "pkg/a.go")

	run, err := f.coord.Claim("run_0000000001_aaaaaaaa", "agent-a", 30*time.Minute, true)
	require.NoError(t, err)
	assert.True(t, run.HasClaim())
}

func TestClaim_Validation(t *testing.T) {
	f := newFixture(t)
	f.addRun(t, "run_0000000001_deadbeef", model.StateReady)

	_, err := f.coord.Claim("run_0000000001_deadbeef", "", 30*time.Minute, false)
	assert.Error(t, err)
	_, err = f.coord.Claim("run_0000000001_deadbeef", "agent-a", 0, false)
	assert.Error(t, err)
}

func TestRelease(t *testing.T) {
	f := newFixture(t)
	f.addRun(t, "run_0000000001_deadbeef", model.StateReady)

	_, err := f.coord.Claim("run_0000000001_deadbeef", "agent-a", 30*time.Minute, false)
	require.NoError(t, err)

	// Non-holder cannot release a live claim without force.
	err = f.coord.Release("run_0000000001_deadbeef", "agent-b", false)
	require.Error(t, err)

	require.NoError(t, f.coord.Release("run_0000000001_deadbeef", "agent-a", false))

	onDisk, err := f.store.Store().Load("run_0000000001_deadbeef")
	require.NoError(t, err)
	assert.False(t, onDisk.HasClaim())

	// Releasing an unclaimed run is a no-op.
	assert.NoError(t, f.coord.Release("run_0000000001_deadbeef", "agent-a", false))
}

func TestGC_LeavesLiveClaims(t *testing.T) {
	f := newFixture(t)
	f.addRun(t, "run_0000000001_aaaaaaaa", model.StateReady)
	f.addRun(t, "run_0000000002_bbbbbbbb", model.StateReady)

	_, err := f.coord.Claim("run_0000000001_aaaaaaaa", "agent-a", 10*time.Minute, false)
	require.NoError(t, err)
	_, err = f.coord.Claim("run_0000000002_bbbbbbbb", "agent-b", 2*time.Hour, false)
	require.NoError(t, err)

	f.now = f.now.Add(time.Hour)
	reclaimed, err := f.coord.GC()
	require.NoError(t, err)
	assert.Equal(t, []string{"run_0000000001_aaaaaaaa"}, reclaimed)

	still, err := f.store.Store().Load("run_0000000002_bbbbbbbb")
	require.NoError(t, err)
	assert.True(t, still.HasClaim())
}

func TestBlockedBy(t *testing.T) {
	f := newFixture(t)
	f.addRun(t, "run_0000000001_aaaaaaaa", model.StateComplete)
	f.addRun(t, "run_0000000002_bbbbbbbb", model.StateActiveExecuting)
	candidate := f.addRun(t, "run_0000000003_cccccccc", model.StateReady)
	candidate.DependsOn = []string{
		"run_0000000001_aaaaaaaa",
		"run_0000000002_bbbbbbbb",
		"run_0000000009_99999999", // missing
	}

	blocked, err := f.coord.BlockedBy(candidate)
	require.NoError(t, err)
	assert.Equal(t, []string{"run_0000000002_bbbbbbbb", "run_0000000009_99999999"}, blocked)
}
