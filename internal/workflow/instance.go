package workflow

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	flotyaml "github.com/flotillahq/flotilla/internal/yaml"
)

const (
	instancesDirName  = "instances"
	instanceFileType  = "workflow_instance"
	instanceSchemaVer = 1
)

// ErrInstanceNotFound is returned when the instance file does not exist.
var ErrInstanceNotFound = errors.New("workflow instance not found")

// Instance is a persisted execution of a workflow definition, independent of
// runs. It is saved after every step advance so a crash resumes exactly at
// the last completed step.
type Instance struct {
	SchemaVersion int            `yaml:"schema_version"`
	FileType      string         `yaml:"file_type"`
	ID            string         `yaml:"id"`
	WorkflowName  string         `yaml:"workflow_name"`
	CurrentStep   string         `yaml:"current_step"`
	State         map[string]any `yaml:"state"`
	History       []string       `yaml:"history"`
	StartedAt     string         `yaml:"started_at"`
	UpdatedAt     string         `yaml:"updated_at"`
}

// NewInstance starts an instance at the definition's initial step.
func NewInstance(id string, def *Definition, now time.Time) *Instance {
	at := now.UTC().Format(time.RFC3339)
	return &Instance{
		ID:           id,
		WorkflowName: def.Name,
		CurrentStep:  def.InitialStep,
		State:        map[string]any{},
		History:      []string{def.InitialStep},
		StartedAt:    at,
		UpdatedAt:    at,
	}
}

// InstanceStore persists instances one YAML file each under
// .flotilla/instances/.
type InstanceStore struct {
	flotillaDir string
}

func NewInstanceStore(flotillaDir string) *InstanceStore {
	return &InstanceStore{flotillaDir: flotillaDir}
}

func (s *InstanceStore) Dir() string {
	return filepath.Join(s.flotillaDir, instancesDirName)
}

func (s *InstanceStore) Path(instanceID string) string {
	return filepath.Join(s.Dir(), instanceID+".yaml")
}

func (s *InstanceStore) Load(instanceID string) (*Instance, error) {
	data, err := os.ReadFile(s.Path(instanceID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("instance %s: %w", instanceID, ErrInstanceNotFound)
		}
		return nil, fmt.Errorf("read instance %s: %w", instanceID, err)
	}

	var inst Instance
	if err := yamlv3.Unmarshal(data, &inst); err != nil {
		return nil, fmt.Errorf("parse instance %s: %w", instanceID, err)
	}
	if inst.SchemaVersion != instanceSchemaVer {
		return nil, fmt.Errorf("unsupported schema_version %d for instance %s", inst.SchemaVersion, instanceID)
	}
	if inst.FileType != instanceFileType {
		return nil, fmt.Errorf("unexpected file_type %q for instance %s", inst.FileType, instanceID)
	}
	if inst.State == nil {
		inst.State = map[string]any{}
	}
	return &inst, nil
}

func (s *InstanceStore) Save(inst *Instance) error {
	if inst.ID == "" {
		return fmt.Errorf("instance has no id")
	}
	inst.SchemaVersion = instanceSchemaVer
	inst.FileType = instanceFileType
	path := s.Path(inst.ID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create instances dir: %w", err)
	}
	return flotyaml.AtomicWrite(path, inst)
}

// List returns every readable instance id, sorted.
func (s *InstanceStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.Dir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read instances dir: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".yaml"))
	}
	sort.Strings(ids)
	return ids, nil
}
