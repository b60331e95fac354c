// Package runstore persists runs as one YAML file each under
// .flotilla/runs/, with an optimistic-concurrency wrapper for the
// read-modify-write paths that race across processes.
package runstore

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/flotillahq/flotilla/internal/model"
	flotyaml "github.com/flotillahq/flotilla/internal/yaml"
)

const (
	runsDirName   = "runs"
	runFileType   = "run"
	schemaVersion = 1
)

// ErrRunNotFound is returned when the run file does not exist. Callers use
// errors.Is to distinguish it from parse failures on an existing file.
var ErrRunNotFound = errors.New("run not found")

// Store is the plain one-file-per-run store. Mutating callers should go
// through VersionedStore instead of calling Save directly.
type Store struct {
	flotillaDir string
}

func NewStore(flotillaDir string) *Store {
	return &Store{flotillaDir: flotillaDir}
}

func (s *Store) Dir() string {
	return filepath.Join(s.flotillaDir, runsDirName)
}

func (s *Store) Path(runID string) string {
	return filepath.Join(s.Dir(), runID+".yaml")
}

func (s *Store) Exists(runID string) bool {
	_, err := os.Stat(s.Path(runID))
	return err == nil
}

func (s *Store) Load(runID string) (*model.Run, error) {
	path := s.Path(runID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
		}
		return nil, fmt.Errorf("read run %s: %w", runID, err)
	}

	run, err := decodeRun(runID, data)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// Save writes the run atomically. Prefer VersionedStore.SaveIfFresh for any
// load-modify-save sequence.
func (s *Store) Save(run *model.Run) error {
	if run.ID == "" {
		return fmt.Errorf("run has no id")
	}
	run.SchemaVersion = schemaVersion
	run.FileType = runFileType
	path := s.Path(run.ID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create runs dir: %w", err)
	}
	return flotyaml.AtomicWrite(path, run)
}

func (s *Store) Delete(runID string) error {
	if err := os.Remove(s.Path(runID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete run %s: %w", runID, err)
	}
	return nil
}

// List returns every readable run, sorted by id. Corrupt files are
// quarantined and skipped with a warning rather than failing the whole scan.
func (s *Store) List() ([]*model.Run, error) {
	entries, err := os.ReadDir(s.Dir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read runs dir: %w", err)
	}

	var runs []*model.Run
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".bak") {
			continue
		}
		runID := strings.TrimSuffix(name, ".yaml")
		path := filepath.Join(s.Dir(), name)

		data, err := os.ReadFile(path)
		if err != nil {
			log.Printf("warning: cannot read %s: %v", name, err)
			continue
		}
		run, err := decodeRun(runID, data)
		if err != nil {
			log.Printf("warning: cannot parse %s: %v", name, err)
			if qerr := flotyaml.Quarantine(s.flotillaDir, path); qerr != nil {
				log.Printf("warning: quarantine %s: %v", name, qerr)
			}
			continue
		}
		runs = append(runs, run)
	}

	sort.Slice(runs, func(i, j int) bool { return runs[i].ID < runs[j].ID })
	return runs, nil
}

func decodeRun(runID string, data []byte) (*model.Run, error) {
	var run model.Run
	if err := yamlv3.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("parse run %s: %w", runID, err)
	}
	if run.SchemaVersion != schemaVersion {
		return nil, fmt.Errorf("unsupported schema_version %d for run %s (expected %d)", run.SchemaVersion, runID, schemaVersion)
	}
	if run.FileType != runFileType {
		return nil, fmt.Errorf("unexpected file_type %q for run %s (expected %s)", run.FileType, runID, runFileType)
	}
	if run.ID != runID {
		return nil, fmt.Errorf("run file %s carries mismatched id %q", runID, run.ID)
	}
	return &run, nil
}
