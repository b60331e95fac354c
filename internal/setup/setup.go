// Package setup handles flotilla project scaffolding and run creation.
package setup

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/flotillahq/flotilla/internal/events"
	"github.com/flotillahq/flotilla/internal/model"
	"github.com/flotillahq/flotilla/internal/plandoc"
	"github.com/flotillahq/flotilla/internal/runstore"
	"github.com/flotillahq/flotilla/internal/tracker"
	flotyaml "github.com/flotillahq/flotilla/internal/yaml"
)

// FlotillaDirName is the per-project coordination directory.
const FlotillaDirName = ".flotilla"

// Run initializes the .flotilla/ directory structure in the given project
// directory and writes a default config.yaml.
func Run(projectDir, projectName string) error {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return fmt.Errorf("resolve project dir: %w", err)
	}

	base := filepath.Join(absDir, FlotillaDirName)
	if _, err := os.Stat(base); err == nil {
		return fmt.Errorf("%s already exists", base)
	}

	dirs := []string{
		"runs",
		"instances",
		"mates",
		"workflows",
		"logs",
		"quarantine",
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	if projectName == "" {
		projectName = filepath.Base(absDir)
	}
	cfg := defaultConfig(projectName, absDir)
	if err := flotyaml.AtomicWrite(filepath.Join(base, "config.yaml"), cfg); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}

	if err := flotyaml.AtomicWriteRaw(filepath.Join(base, "workflows", "review.yaml"), []byte(starterWorkflow)); err != nil {
		return fmt.Errorf("write starter workflow: %w", err)
	}
	return nil
}

func defaultConfig(name, root string) *model.Config {
	return &model.Config{
		Project: model.ProjectConfig{Name: name, Root: root},
		Claims:  model.ClaimsConfig{DefaultTTLMin: 30},
		Mates:   model.MatesConfig{LockTimeoutSec: 10, StaleSessionMin: 120},
		Worker: model.WorkerConfig{
			PollIntervalSec:   15,
			RunTimeoutMin:     60,
			OverallTimeoutMin: 240,
		},
		Logging: model.LoggingConfig{Level: "info", MaxSizeMB: 10, AuditTrail: true},
	}
}

// starterWorkflow seeds a minimal definition so `flotilla workflow run` has
// something to point at out of the box.
const starterWorkflow = `name: review
initial_step: draft
terminal_steps: [done]
steps:
  - id: draft
    edges:
      - target: review
  - id: review
    edges:
      - target: done
        condition: eq(verdict, approved)
        label: approved
      - target: draft
        label: rework
  - id: done
`

// InitRunOptions carries the optional fields for a new run.
type InitRunOptions struct {
	Initiative   string
	Priority     int
	DependsOn    []string
	FilesTouched []string
	Proposed     bool
	Actor        string
}

// InitRun creates a run record from a plan document. The run starts in state
// ready, or proposed when requested. If a tracker client is configured the
// new run gets a task reference; tracker failures only warn.
func InitRun(flotillaDir, planPath string, trk *tracker.Client, opts InitRunOptions) (*model.Run, error) {
	if !plandoc.Exists(planPath) {
		return nil, &model.ValidationError{Field: "plan_path", Msg: fmt.Sprintf("plan document %s not found", planPath)}
	}
	intent, err := plandoc.Objective(planPath)
	if err != nil {
		return nil, fmt.Errorf("extract objective: %w", err)
	}

	id, err := model.GenerateID(model.IDTypeRun)
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}

	state := model.StateReady
	if opts.Proposed {
		state = model.StateProposed
	}

	now := time.Now().UTC().Format(time.RFC3339)
	run := &model.Run{
		ID:           id,
		Initiative:   opts.Initiative,
		Intent:       intent,
		State:        state,
		PlanPath:     planPath,
		FilesTouched: opts.FilesTouched,
		Priority:     opts.Priority,
		DependsOn:    opts.DependsOn,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if trk != nil && trk.Enabled() {
		taskID, err := trk.CreateTask(context.Background(), intent, "plan: "+planPath)
		if err != nil {
			log.Printf("warning: tracker task not created for %s: %v", id, err)
		} else {
			run.Tracker = &model.TrackerRefs{TaskID: taskID}
		}
	}

	store := runstore.NewVersionedStore(runstore.NewStore(flotillaDir))
	if _, err := store.Create(run); err != nil {
		return nil, err
	}

	if eventLog, err := runstore.OpenEventLog(flotillaDir); err == nil {
		eventLog.Append(events.EventRunCreated, run.ID, map[string]any{
			"state":     run.State,
			"plan_path": run.PlanPath,
			"actor":     opts.Actor,
		})
		_ = eventLog.Close()
	} else {
		log.Printf("warning: event log unavailable: %v", err)
	}

	return run, nil
}
