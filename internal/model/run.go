// Package model defines the data structures for Flotilla's runs, configuration, and mates.
package model

import (
	"fmt"
	"time"
)

// Run is a trackable unit of work derived from a plan document.
// One YAML file per run under .flotilla/runs/.
type Run struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
	ID            string `yaml:"id"`
	Initiative    string `yaml:"initiative,omitempty"`
	Intent        string `yaml:"intent"`
	State         string `yaml:"state"`
	PlanPath      string `yaml:"plan_path"`

	// Claim fields are all unset or all set together.
	ClaimedBy    *string `yaml:"claimed_by,omitempty"`
	ClaimedAt    *string `yaml:"claimed_at,omitempty"`
	ClaimExpires *string `yaml:"claim_expires,omitempty"`

	FilesTouched []string      `yaml:"files_touched,omitempty"`
	Priority     int           `yaml:"priority"`
	DependsOn    []string      `yaml:"depends_on,omitempty"`
	Transitions  []Transition  `yaml:"transitions"`
	Checkpoints  []Checkpoint  `yaml:"checkpoints,omitempty"`
	Verification *Verification `yaml:"verification,omitempty"`
	Tracker      *TrackerRefs  `yaml:"tracker,omitempty"`

	CreatedAt string `yaml:"created_at"`
	UpdatedAt string `yaml:"updated_at"`
}

// Transition is one entry in a run's append-only transition history.
type Transition struct {
	From  string `yaml:"from"`
	To    string `yaml:"to"`
	Actor string `yaml:"actor"`
	Note  string `yaml:"note,omitempty"`
	At    string `yaml:"at"`
}

// Checkpoint records a named progress marker within a run.
type Checkpoint struct {
	Name string `yaml:"name"`
	Note string `yaml:"note,omitempty"`
	At   string `yaml:"at"`
}

// Verification holds optional automated and user-acceptance results.
type Verification struct {
	Automated *VerificationResult `yaml:"automated,omitempty"`
	UAT       *VerificationResult `yaml:"uat,omitempty"`
}

type VerificationResult struct {
	Passed bool   `yaml:"passed"`
	Note   string `yaml:"note,omitempty"`
	At     string `yaml:"at"`
}

// TrackerRefs points into the external issue tracker. Best effort only.
type TrackerRefs struct {
	TaskID string `yaml:"task_id,omitempty"`
	EpicID string `yaml:"epic_id,omitempty"`
}

// Verification kinds.
const (
	VerificationAutomated = "automated"
	VerificationUAT       = "uat"
)

// AddCheckpoint appends a named progress marker and bumps updated_at.
func (r *Run) AddCheckpoint(name, note string, now time.Time) {
	at := now.UTC().Format(time.RFC3339)
	r.Checkpoints = append(r.Checkpoints, Checkpoint{Name: name, Note: note, At: at})
	r.UpdatedAt = at
}

// RecordVerification sets the automated or UAT result. Re-recording a kind
// overwrites the previous result.
func (r *Run) RecordVerification(kind string, passed bool, note string, now time.Time) error {
	result := &VerificationResult{
		Passed: passed,
		Note:   note,
		At:     now.UTC().Format(time.RFC3339),
	}
	if r.Verification == nil {
		r.Verification = &Verification{}
	}
	switch kind {
	case VerificationAutomated:
		r.Verification.Automated = result
	case VerificationUAT:
		r.Verification.UAT = result
	default:
		return &ValidationError{Field: "kind", Msg: fmt.Sprintf("unknown verification kind %q", kind)}
	}
	r.UpdatedAt = result.At
	return nil
}

// HasClaim reports whether the run carries a claim triple.
func (r *Run) HasClaim() bool {
	return r.ClaimedBy != nil && r.ClaimedAt != nil && r.ClaimExpires != nil
}

// ClaimExpired reports whether the run's claim has passed its expiry.
// A run without a claim is not expired.
func (r *Run) ClaimExpired(now time.Time) bool {
	if !r.HasClaim() {
		return false
	}
	expires, err := time.Parse(time.RFC3339, *r.ClaimExpires)
	if err != nil {
		// Unparseable expiry is treated as expired so the run is reclaimable.
		return true
	}
	return !now.Before(expires)
}

// ClaimLive reports whether the run has a claim that has not yet expired.
func (r *Run) ClaimLive(now time.Time) bool {
	return r.HasClaim() && !r.ClaimExpired(now)
}

// SetClaim sets the claim triple. All three fields move together.
func (r *Run) SetClaim(agentID string, claimedAt, expires time.Time) {
	by := agentID
	at := claimedAt.UTC().Format(time.RFC3339)
	exp := expires.UTC().Format(time.RFC3339)
	r.ClaimedBy = &by
	r.ClaimedAt = &at
	r.ClaimExpires = &exp
}

// ClearClaim removes the claim triple.
func (r *Run) ClearClaim() {
	r.ClaimedBy = nil
	r.ClaimedAt = nil
	r.ClaimExpires = nil
}
