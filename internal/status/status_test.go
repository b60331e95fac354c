package status

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/flotillahq/flotilla/internal/model"
	"github.com/flotillahq/flotilla/internal/runstore"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seedRun(t *testing.T, store *runstore.Store, id, state string, mutate func(*model.Run)) {
	t.Helper()
	at := testNow.Add(-time.Hour).UTC().Format(time.RFC3339)
	run := &model.Run{
		ID:        id,
		Intent:    "test run " + id,
		State:     state,
		PlanPath:  "plans/" + id + ".md",
		CreatedAt: at,
		UpdatedAt: at,
	}
	if mutate != nil {
		mutate(run)
	}
	if err := store.Save(run); err != nil {
		t.Fatalf("seed run %s: %v", id, err)
	}
}

func TestSummarizeEmptyDir(t *testing.T) {
	store := runstore.NewStore(t.TempDir())
	reporter := NewReporter(store).WithClock(func() time.Time { return testNow })

	summary, err := reporter.Summarize()
	if err != nil {
		t.Fatalf("Summarize() error: %v", err)
	}
	if summary.TotalRuns != 0 {
		t.Errorf("TotalRuns = %d, want 0", summary.TotalRuns)
	}
	if len(summary.Blocked) != 0 {
		t.Errorf("Blocked = %v, want empty", summary.Blocked)
	}
}

func TestSummarizeStateCounts(t *testing.T) {
	store := runstore.NewStore(t.TempDir())
	reporter := NewReporter(store).WithClock(func() time.Time { return testNow })

	seedRun(t, store, "run_1700000000_aaaaaaa1", model.StateReady, nil)
	seedRun(t, store, "run_1700000000_aaaaaaa2", model.StateActivePlanning, nil)
	seedRun(t, store, "run_1700000000_aaaaaaa3", model.StateActiveExecuting, nil)
	seedRun(t, store, "run_1700000000_aaaaaaa4", model.StateComplete, nil)

	summary, err := reporter.Summarize()
	if err != nil {
		t.Fatalf("Summarize() error: %v", err)
	}
	if summary.TotalRuns != 4 {
		t.Errorf("TotalRuns = %d, want 4", summary.TotalRuns)
	}
	// Sub-states roll up into the base state.
	if got := summary.ByState["active"]; got != 2 {
		t.Errorf("ByState[active] = %d, want 2", got)
	}
	if got := summary.ByState["ready"]; got != 1 {
		t.Errorf("ByState[ready] = %d, want 1", got)
	}
	if got := summary.ByState["complete"]; got != 1 {
		t.Errorf("ByState[complete] = %d, want 1", got)
	}
}

func TestSummarizeClaimHealth(t *testing.T) {
	store := runstore.NewStore(t.TempDir())
	reporter := NewReporter(store).WithClock(func() time.Time { return testNow })

	seedRun(t, store, "run_1700000000_bbbbbbb1", model.StateActiveExecuting, func(r *model.Run) {
		r.SetClaim("agent-a", testNow.Add(-10*time.Minute), testNow.Add(20*time.Minute))
	})
	seedRun(t, store, "run_1700000000_bbbbbbb2", model.StateActiveExecuting, func(r *model.Run) {
		r.SetClaim("agent-b", testNow.Add(-2*time.Hour), testNow.Add(-90*time.Minute))
	})
	seedRun(t, store, "run_1700000000_bbbbbbb3", model.StateReady, nil)

	summary, err := reporter.Summarize()
	if err != nil {
		t.Fatalf("Summarize() error: %v", err)
	}
	if summary.ClaimedRuns != 1 {
		t.Errorf("ClaimedRuns = %d, want 1", summary.ClaimedRuns)
	}
	if summary.ExpiredClaims != 1 {
		t.Errorf("ExpiredClaims = %d, want 1", summary.ExpiredClaims)
	}
}

func TestSummarizeBlockedReport(t *testing.T) {
	store := runstore.NewStore(t.TempDir())
	reporter := NewReporter(store).WithClock(func() time.Time { return testNow })

	seedRun(t, store, "run_1700000000_ccccccc1", model.StateComplete, nil)
	seedRun(t, store, "run_1700000000_ccccccc2", model.StateActiveExecuting, nil)
	// Blocked on one incomplete dep and one missing dep; complete dep ignored.
	seedRun(t, store, "run_1700000000_ccccccc3", model.StateReady, func(r *model.Run) {
		r.DependsOn = []string{
			"run_1700000000_ccccccc1",
			"run_1700000000_ccccccc2",
			"run_1700000000_fffffff0",
		}
	})
	// Terminal runs never appear in the blocked report.
	seedRun(t, store, "run_1700000000_ccccccc4", model.StateAbandoned, func(r *model.Run) {
		r.DependsOn = []string{"run_1700000000_ccccccc2"}
	})

	summary, err := reporter.Summarize()
	if err != nil {
		t.Fatalf("Summarize() error: %v", err)
	}
	if len(summary.Blocked) != 1 {
		t.Fatalf("Blocked = %+v, want exactly one entry", summary.Blocked)
	}
	b := summary.Blocked[0]
	if b.RunID != "run_1700000000_ccccccc3" {
		t.Errorf("Blocked[0].RunID = %s", b.RunID)
	}
	want := []string{"run_1700000000_ccccccc2", "run_1700000000_fffffff0"}
	if len(b.BlockedBy) != 2 || b.BlockedBy[0] != want[0] || b.BlockedBy[1] != want[1] {
		t.Errorf("BlockedBy = %v, want %v", b.BlockedBy, want)
	}
}

func TestWriteJSON(t *testing.T) {
	store := runstore.NewStore(t.TempDir())
	reporter := NewReporter(store).WithClock(func() time.Time { return testNow })
	seedRun(t, store, "run_1700000000_ddddddd1", model.StateReady, nil)

	summary, err := reporter.Summarize()
	if err != nil {
		t.Fatalf("Summarize() error: %v", err)
	}

	var buf bytes.Buffer
	if err := summary.WriteJSON(&buf); err != nil {
		t.Fatalf("WriteJSON() error: %v", err)
	}

	var decoded Summary
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded.TotalRuns != 1 {
		t.Errorf("decoded TotalRuns = %d, want 1", decoded.TotalRuns)
	}
}

func TestWriteText(t *testing.T) {
	store := runstore.NewStore(t.TempDir())
	reporter := NewReporter(store).WithClock(func() time.Time { return testNow })
	seedRun(t, store, "run_1700000000_eeeeeee1", model.StateBlocked, func(r *model.Run) {
		r.DependsOn = []string{"run_1700000000_fffffff9"}
	})

	summary, err := reporter.Summarize()
	if err != nil {
		t.Fatalf("Summarize() error: %v", err)
	}

	var buf bytes.Buffer
	summary.WriteText(&buf)
	out := buf.String()
	for _, want := range []string{"Runs: 1", "blocked", "run_1700000000_eeeeeee1"} {
		if !strings.Contains(out, want) {
			t.Errorf("text output missing %q:\n%s", want, out)
		}
	}
}
