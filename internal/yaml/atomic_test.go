package yaml

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	yamlv3 "gopkg.in/yaml.v3"
)

func TestAtomicWrite_Success(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.yaml")

	data := map[string]any{"id": "run_0000000001_deadbeef", "priority": 2}
	if err := AtomicWrite(path, data); err != nil {
		t.Fatalf("AtomicWrite failed: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}

	var result map[string]any
	if err := yamlv3.Unmarshal(content, &result); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if result["id"] != "run_0000000001_deadbeef" {
		t.Errorf("id: got %v", result["id"])
	}
}

func TestAtomicWrite_CreatesBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.yaml")

	if err := AtomicWrite(path, map[string]string{"state": "ready"}); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if err := AtomicWrite(path, map[string]string{"state": "active/executing"}); err != nil {
		t.Fatalf("second write failed: %v", err)
	}

	bakContent, err := os.ReadFile(path + ".bak")
	if err != nil {
		t.Fatalf("ReadFile .bak failed: %v", err)
	}
	var bakData map[string]string
	if err := yamlv3.Unmarshal(bakContent, &bakData); err != nil {
		t.Fatalf("Unmarshal .bak failed: %v", err)
	}
	if bakData["state"] != "ready" {
		t.Errorf("backup state: got %q, want %q", bakData["state"], "ready")
	}

	curContent, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile current failed: %v", err)
	}
	var curData map[string]string
	if err := yamlv3.Unmarshal(curContent, &curData); err != nil {
		t.Fatalf("Unmarshal current failed: %v", err)
	}
	if curData["state"] != "active/executing" {
		t.Errorf("current state: got %q", curData["state"])
	}
}

func TestAtomicWriteRaw_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.yaml")

	invalidYAML := []byte(":\n  invalid: [\n    broken")
	if err := AtomicWriteRaw(path, invalidYAML); err == nil {
		t.Fatal("expected error for invalid YAML")
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("file should not exist after failed write")
	}
}

func TestAtomicWrite_NoTempFileLeftOnFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.yaml")

	_ = AtomicWriteRaw(path, []byte(":\n  broken: [\n"))

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".flotilla-tmp-") {
			t.Errorf("temp file left behind: %s", entry.Name())
		}
	}
}

func TestQuarantine(t *testing.T) {
	dir := t.TempDir()
	flotillaDir := filepath.Join(dir, ".flotilla")
	runsDir := filepath.Join(flotillaDir, "runs")
	if err := os.MkdirAll(runsDir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	corrupt := filepath.Join(runsDir, "run_0000000001_deadbeef.yaml")
	if err := os.WriteFile(corrupt, []byte("{{not yaml"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := Quarantine(flotillaDir, corrupt); err != nil {
		t.Fatalf("Quarantine failed: %v", err)
	}

	if _, err := os.Stat(corrupt); !os.IsNotExist(err) {
		t.Error("corrupt file should be gone from runs dir")
	}

	entries, err := os.ReadDir(filepath.Join(flotillaDir, "quarantine"))
	if err != nil {
		t.Fatalf("ReadDir quarantine: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("quarantine entries = %d, want 1", len(entries))
	}
	if !strings.HasSuffix(entries[0].Name(), ".corrupt") {
		t.Errorf("quarantine name = %q, want .corrupt suffix", entries[0].Name())
	}
}

func TestRestoreFromBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.yaml")

	if err := AtomicWrite(path, map[string]string{"state": "ready"}); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := AtomicWrite(path, map[string]string{"state": "blocked"}); err != nil {
		t.Fatalf("second write: %v", err)
	}

	// Corrupt the live file, then restore.
	if err := os.WriteFile(path, []byte("{{"), 0644); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	if err := RestoreFromBackup(path); err != nil {
		t.Fatalf("RestoreFromBackup failed: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var data map[string]string
	if err := yamlv3.Unmarshal(content, &data); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if data["state"] != "ready" {
		t.Errorf("restored state = %q, want ready", data["state"])
	}
}

func TestRestoreFromBackup_NoBackup(t *testing.T) {
	dir := t.TempDir()
	if err := RestoreFromBackup(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error when no backup exists")
	}
}
