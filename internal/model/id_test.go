package model

import (
	"testing"
	"time"
)

func TestGenerateID_Format(t *testing.T) {
	for _, idType := range []IDType{IDTypeRun, IDTypeInstance, IDTypeEvent} {
		id, err := GenerateID(idType)
		if err != nil {
			t.Fatalf("GenerateID(%s) failed: %v", idType, err)
		}
		if !ValidateID(id) {
			t.Errorf("generated ID %q does not validate", id)
		}
		parsed, err := ParseIDType(id)
		if err != nil {
			t.Fatalf("ParseIDType(%q) failed: %v", id, err)
		}
		if parsed != idType {
			t.Errorf("ParseIDType(%q) = %s, want %s", id, parsed, idType)
		}
	}
}

func TestGenerateID_InvalidType(t *testing.T) {
	if _, err := GenerateID("bogus"); err == nil {
		t.Error("GenerateID(bogus) = nil error, want error")
	}
}

func TestGenerateID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := GenerateID(IDTypeRun)
		if err != nil {
			t.Fatalf("GenerateID failed: %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate ID generated: %s", id)
		}
		seen[id] = true
	}
}

func TestParseIDTimestamp(t *testing.T) {
	before := time.Now().Add(-time.Second)
	id, err := GenerateID(IDTypeInstance)
	if err != nil {
		t.Fatalf("GenerateID failed: %v", err)
	}
	ts, err := ParseIDTimestamp(id)
	if err != nil {
		t.Fatalf("ParseIDTimestamp failed: %v", err)
	}
	if ts.Before(before) || ts.After(time.Now().Add(time.Second)) {
		t.Errorf("parsed timestamp %v out of range", ts)
	}
}

func TestValidateID_Rejects(t *testing.T) {
	bad := []string{
		"",
		"run_123_abcd",
		"task_0000000001_deadbeef",
		"run_0000000001_DEADBEEF",
		"run_0000000001_deadbee",
	}
	for _, id := range bad {
		if ValidateID(id) {
			t.Errorf("ValidateID(%q) = true, want false", id)
		}
	}
}
