// Package status summarizes the runs directory for reporting.
package status

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/flotillahq/flotilla/internal/model"
	"github.com/flotillahq/flotilla/internal/runstore"
)

// Summary is the JSON-serializable roll-up of every run on disk.
type Summary struct {
	TotalRuns     int            `json:"total_runs"`
	ByState       map[string]int `json:"by_state"`
	ClaimedRuns   int            `json:"claimed_runs"`
	ExpiredClaims int            `json:"expired_claims"`
	Blocked       []BlockedRun   `json:"blocked,omitempty"`
	GeneratedAt   string         `json:"generated_at"`
}

// BlockedRun reports a run whose declared dependencies are not complete.
// The report is advisory; claims are never refused on its basis.
type BlockedRun struct {
	RunID     string   `json:"run_id"`
	State     string   `json:"state"`
	BlockedBy []string `json:"blocked_by"`
}

// Reporter builds summaries from a run store.
type Reporter struct {
	store *runstore.Store
	now   func() time.Time
}

func NewReporter(store *runstore.Store) *Reporter {
	return &Reporter{store: store, now: time.Now}
}

// WithClock overrides the time source.
func (r *Reporter) WithClock(now func() time.Time) *Reporter {
	r.now = now
	return r
}

// Summarize scans every run and aggregates base-state counts, claim health,
// and the dependency-blocked report.
func (r *Reporter) Summarize() (*Summary, error) {
	runs, err := r.store.List()
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	byID := make(map[string]*model.Run, len(runs))
	for _, run := range runs {
		byID[run.ID] = run
	}

	summary := &Summary{
		TotalRuns:   len(runs),
		ByState:     make(map[string]int),
		GeneratedAt: r.now().UTC().Format(time.RFC3339),
	}

	for _, run := range runs {
		summary.ByState[model.BaseState(run.State)]++

		if run.HasClaim() {
			if run.ClaimExpired(r.now()) {
				summary.ExpiredClaims++
			} else {
				summary.ClaimedRuns++
			}
		}

		if model.IsRunTerminal(run.State) {
			continue
		}
		if blockers := blockedBy(run, byID); len(blockers) > 0 {
			summary.Blocked = append(summary.Blocked, BlockedRun{
				RunID:     run.ID,
				State:     run.State,
				BlockedBy: blockers,
			})
		}
	}

	sort.Slice(summary.Blocked, func(i, j int) bool {
		return summary.Blocked[i].RunID < summary.Blocked[j].RunID
	})
	return summary, nil
}

// blockedBy walks the run's declared dependencies. A missing dependency
// still counts as blocking so the report surfaces the dangling reference.
func blockedBy(run *model.Run, byID map[string]*model.Run) []string {
	if len(run.DependsOn) == 0 {
		return nil
	}
	var blockers []string
	for _, depID := range run.DependsOn {
		dep, ok := byID[depID]
		if !ok || !model.StateMatches(dep.State, model.StateComplete) {
			blockers = append(blockers, depID)
		}
	}
	return blockers
}

// WriteJSON encodes the summary with indentation.
func (s *Summary) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

// WriteText prints a human-readable summary.
func (s *Summary) WriteText(w io.Writer) {
	fmt.Fprintf(w, "Runs: %d\n", s.TotalRuns)

	states := make([]string, 0, len(s.ByState))
	for state := range s.ByState {
		states = append(states, state)
	}
	sort.Strings(states)
	for _, state := range states {
		fmt.Fprintf(w, "  %-10s %d\n", state, s.ByState[state])
	}

	fmt.Fprintf(w, "Claims: %d active, %d expired\n", s.ClaimedRuns, s.ExpiredClaims)

	if len(s.Blocked) > 0 {
		fmt.Fprintln(w, "Blocked:")
		for _, b := range s.Blocked {
			fmt.Fprintf(w, "  %s (%s) waiting on %v\n", b.RunID, b.State, b.BlockedBy)
		}
	}
}
