package model

import (
	"fmt"
	"strings"
	"time"
)

// Run states are hierarchical slash-separated strings: "active/executing"
// is a substate of "active". Transition rules declared on a parent state
// apply to every substate unless a more specific rule exists.
const (
	StateProposed  = "proposed"
	StateReady     = "ready"
	StateActive    = "active"
	StateBlocked   = "blocked"
	StateComplete  = "complete"
	StateAbandoned = "abandoned"

	StateActivePlanning  = "active/planning"
	StateActiveExecuting = "active/executing"
	StateActiveVerifying = "active/verifying"
)

// InvalidTransitionError is returned when no rule in the transition table
// authorizes the requested state change. It is surfaced, never auto-corrected.
type InvalidTransitionError struct {
	RunID string
	From  string
	To    string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for run %s: %q → %q", e.RunID, e.From, e.To)
}

// validRunTransitions is keyed on the from-state rule. Lookup walks from the
// run's exact state up through its parents, so a rule on "active" authorizes
// any "active/*" run unless a substate-specific rule exists.
var validRunTransitions = map[string]map[string]bool{
	StateProposed: {
		StateReady:     true,
		StateAbandoned: true,
	},
	StateReady: {
		StateActivePlanning:  true,
		StateActiveExecuting: true,
		StateBlocked:         true,
		StateAbandoned:       true,
	},
	StateActive: {
		StateActivePlanning:  true,
		StateActiveExecuting: true,
		StateActiveVerifying: true,
		StateBlocked:         true,
		StateComplete:        true,
		StateAbandoned:       true,
	},
	StateBlocked: {
		StateReady:     true,
		StateAbandoned: true,
	},
}

var terminalRunStates = map[string]bool{
	StateComplete:  true,
	StateAbandoned: true,
}

// StateMatches reports whether state equals parent or is one of its substates.
func StateMatches(state, parent string) bool {
	return state == parent || strings.HasPrefix(state, parent+"/")
}

// BaseState returns the top-level segment of a hierarchical state.
func BaseState(state string) string {
	if i := strings.Index(state, "/"); i >= 0 {
		return state[:i]
	}
	return state
}

// IsRunTerminal reports whether a state (or any of its substates) is terminal.
func IsRunTerminal(state string) bool {
	return terminalRunStates[BaseState(state)]
}

// allowedTargets resolves the rule set for a from-state, walking from the
// exact state up through its parents.
func allowedTargets(from string) map[string]bool {
	for s := from; s != ""; {
		if targets, ok := validRunTransitions[s]; ok {
			return targets
		}
		i := strings.LastIndex(s, "/")
		if i < 0 {
			break
		}
		s = s[:i]
	}
	return nil
}

// ValidateRunTransition checks the transition table without mutating anything.
func ValidateRunTransition(from, to string) error {
	if IsRunTerminal(from) {
		return fmt.Errorf("cannot transition from terminal state %q", from)
	}
	targets := allowedTargets(from)
	if targets == nil {
		return fmt.Errorf("unknown state %q", from)
	}
	if !targets[to] {
		return fmt.Errorf("invalid run transition: %q → %q", from, to)
	}
	return nil
}

// ApplyTransition validates the requested change, appends exactly one
// transition record, and updates state and updated_at. It does NOT persist;
// persistence is the caller's explicit responsibility. On failure the run is
// unchanged.
func ApplyTransition(run *Run, to, actor, note string, now time.Time) error {
	if err := ValidateRunTransition(run.State, to); err != nil {
		return &InvalidTransitionError{RunID: run.ID, From: run.State, To: to}
	}
	at := now.UTC().Format(time.RFC3339)
	run.Transitions = append(run.Transitions, Transition{
		From:  run.State,
		To:    to,
		Actor: actor,
		Note:  note,
		At:    at,
	})
	run.State = to
	run.UpdatedAt = at
	return nil
}
