package model

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRun_ClaimTriple(t *testing.T) {
	run := &Run{ID: "run_0000000001_deadbeef", State: StateReady}
	if run.HasClaim() {
		t.Error("new run should not have a claim")
	}

	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	run.SetClaim("agent-a", now, now.Add(30*time.Minute))

	if !run.HasClaim() {
		t.Fatal("HasClaim = false after SetClaim")
	}
	if *run.ClaimedBy != "agent-a" {
		t.Errorf("ClaimedBy = %q", *run.ClaimedBy)
	}
	if !run.ClaimLive(now.Add(29 * time.Minute)) {
		t.Error("claim should be live before expiry")
	}
	if run.ClaimLive(now.Add(30 * time.Minute)) {
		t.Error("claim should not be live at expiry")
	}
	if !run.ClaimExpired(now.Add(31 * time.Minute)) {
		t.Error("claim should be expired after expiry")
	}

	run.ClearClaim()
	if run.HasClaim() || run.ClaimedBy != nil || run.ClaimedAt != nil || run.ClaimExpires != nil {
		t.Error("ClearClaim must unset all three fields")
	}
}

func TestRun_ClaimExpired_UnparseableExpiry(t *testing.T) {
	by, at, exp := "agent-a", "2026-02-01T10:00:00Z", "garbage"
	run := &Run{ClaimedBy: &by, ClaimedAt: &at, ClaimExpires: &exp}
	if !run.ClaimExpired(time.Now()) {
		t.Error("unparseable expiry should count as expired")
	}
}

func TestRun_AddCheckpoint(t *testing.T) {
	run := &Run{ID: "run_0000000001_deadbeef", State: StateActiveExecuting}
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	run.AddCheckpoint("tests-green", "unit suite passing", now)
	run.AddCheckpoint("deployed", "", now.Add(time.Hour))

	if len(run.Checkpoints) != 2 {
		t.Fatalf("len(Checkpoints) = %d, want 2", len(run.Checkpoints))
	}
	if run.Checkpoints[0].Name != "tests-green" || run.Checkpoints[0].Note != "unit suite passing" {
		t.Errorf("first checkpoint = %+v", run.Checkpoints[0])
	}
	if run.UpdatedAt != "2026-02-01T11:00:00Z" {
		t.Errorf("UpdatedAt = %q", run.UpdatedAt)
	}
}

func TestRun_RecordVerification(t *testing.T) {
	run := &Run{ID: "run_0000000001_deadbeef", State: StateActiveVerifying}
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	if err := run.RecordVerification(VerificationAutomated, true, "ci", now); err != nil {
		t.Fatalf("RecordVerification(automated): %v", err)
	}
	if err := run.RecordVerification(VerificationUAT, false, "rejected by reviewer", now); err != nil {
		t.Fatalf("RecordVerification(uat): %v", err)
	}

	if run.Verification == nil || run.Verification.Automated == nil || run.Verification.UAT == nil {
		t.Fatalf("verification not recorded: %+v", run.Verification)
	}
	if !run.Verification.Automated.Passed {
		t.Error("automated result should be passed")
	}
	if run.Verification.UAT.Passed {
		t.Error("uat result should be failed")
	}

	// Re-recording overwrites.
	if err := run.RecordVerification(VerificationUAT, true, "approved", now.Add(time.Hour)); err != nil {
		t.Fatalf("RecordVerification(uat) again: %v", err)
	}
	if !run.Verification.UAT.Passed {
		t.Error("re-recorded uat result should be passed")
	}

	if err := run.RecordVerification("manual", true, "", now); err == nil {
		t.Error("unknown verification kind: expected error")
	}
}

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	if got := cfg.Claims.TTLMinutes(); got != 30 {
		t.Errorf("TTLMinutes default = %d, want 30", got)
	}
	if got := cfg.Mates.LockTimeout(); got != 10 {
		t.Errorf("LockTimeout default = %d, want 10", got)
	}
	if got := cfg.Mates.StaleSession(); got != 120 {
		t.Errorf("StaleSession default = %d, want 120", got)
	}
	if got := cfg.Worker.PollInterval(); got != 15 {
		t.Errorf("PollInterval default = %d, want 15", got)
	}

	cfg.Claims.DefaultTTLMin = 45
	if got := cfg.Claims.TTLMinutes(); got != 45 {
		t.Errorf("TTLMinutes = %d, want 45", got)
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "project:\n  name: armada\nclaims:\n  default_ttl_min: 45\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Project.Name != "armada" {
		t.Errorf("project name = %q", cfg.Project.Name)
	}
	if cfg.Claims.TTLMinutes() != 45 {
		t.Errorf("TTLMinutes = %d, want 45", cfg.Claims.TTLMinutes())
	}
}

func TestLoadConfig_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig on missing file: %v", err)
	}
	if cfg.Claims.TTLMinutes() != 30 {
		t.Errorf("TTLMinutes = %d, want default 30", cfg.Claims.TTLMinutes())
	}
}

func TestLoadConfig_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("project: [not a mapping"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("LoadConfig on malformed yaml: expected error")
	}
}
