package workflow

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/flotillahq/flotilla/internal/events"
)

// OutputCollector is the pluggable boundary that produces a step's outputs.
// It returns a key/value bag to merge into instance state, or abort=true to
// terminate the workflow with an aborted (not failed) result.
type OutputCollector interface {
	Collect(ctx context.Context, inst *Instance, step *Step) (outputs map[string]any, abort bool, err error)
}

// CollectorFunc adapts a function to OutputCollector.
type CollectorFunc func(ctx context.Context, inst *Instance, step *Step) (map[string]any, bool, error)

func (f CollectorFunc) Collect(ctx context.Context, inst *Instance, step *Step) (map[string]any, bool, error) {
	return f(ctx, inst, step)
}

// Hooks are presentation-only callbacks. Nil hooks are skipped.
type Hooks struct {
	OnStepStart func(inst *Instance, step *Step)
	OnComplete  func(inst *Instance)
}

// Result describes how an execution ended.
type Result struct {
	Terminal       bool
	Aborted        bool
	StepsCompleted int
	CurrentStep    string
}

// Executor drives one workflow instance at a time. The instance is persisted
// after every step advance, so a crash mid-workflow resumes exactly at the
// last completed step.
type Executor struct {
	def       *Definition
	instances *InstanceStore
	router    *Router
	collector OutputCollector
	hooks     Hooks
	audit     *events.AuditLogger
	now       func() time.Time
}

func NewExecutor(def *Definition, instances *InstanceStore, collector OutputCollector, hooks Hooks, audit *events.AuditLogger) *Executor {
	return &Executor{
		def:       def,
		instances: instances,
		router:    NewRouter(),
		collector: collector,
		hooks:     hooks,
		audit:     audit,
		now:       time.Now,
	}
}

// Run drives the instance until a terminal step, an abort, or an error.
func (e *Executor) Run(ctx context.Context, inst *Instance) (Result, error) {
	if e.def.IsTerminal(inst.CurrentStep) {
		e.complete(inst)
		return Result{Terminal: true, CurrentStep: inst.CurrentStep}, nil
	}

	completed := 0
	for !e.def.IsTerminal(inst.CurrentStep) {
		res, advanced, err := e.step(ctx, inst)
		if err != nil {
			return res, err
		}
		if res.Aborted {
			res.StepsCompleted = completed
			return res, nil
		}
		if advanced {
			completed++
		}
	}

	e.complete(inst)
	return Result{Terminal: true, StepsCompleted: completed, CurrentStep: inst.CurrentStep}, nil
}

// Step advances the instance by exactly one step, for turn-by-turn callers
// that want control back between steps.
func (e *Executor) Step(ctx context.Context, inst *Instance) (Result, error) {
	if e.def.IsTerminal(inst.CurrentStep) {
		e.complete(inst)
		return Result{Terminal: true, CurrentStep: inst.CurrentStep}, nil
	}

	res, advanced, err := e.step(ctx, inst)
	if err != nil || res.Aborted {
		return res, err
	}
	if advanced {
		res.StepsCompleted = 1
	}
	if e.def.IsTerminal(inst.CurrentStep) {
		e.complete(inst)
		res.Terminal = true
	}
	return res, nil
}

// step runs one collect-route-advance-persist cycle.
func (e *Executor) step(ctx context.Context, inst *Instance) (Result, bool, error) {
	step, ok := e.def.Step(inst.CurrentStep)
	if !ok {
		defect := &ConfigDefectError{Workflow: e.def.Name, Msg: fmt.Sprintf("instance %s is at unknown step %q", inst.ID, inst.CurrentStep)}
		e.auditEvent(events.EventWorkflowError, inst, map[string]any{"error": defect.Error()})
		return Result{CurrentStep: inst.CurrentStep}, false, defect
	}

	if e.hooks.OnStepStart != nil {
		e.hooks.OnStepStart(inst, step)
	}

	outputs, abort, err := e.collector.Collect(ctx, inst, step)
	if err != nil {
		e.auditEvent(events.EventWorkflowError, inst, map[string]any{
			"step":  step.ID,
			"error": err.Error(),
		})
		return Result{CurrentStep: inst.CurrentStep}, false, fmt.Errorf("collect outputs for step %s: %w", step.ID, err)
	}
	if abort {
		e.auditEvent(events.EventWorkflowAborted, inst, map[string]any{"step": step.ID})
		return Result{Aborted: true, CurrentStep: inst.CurrentStep}, false, nil
	}

	for k, v := range outputs {
		inst.State[k] = v
	}

	next, found, err := e.router.SelectNext(e.def, inst.CurrentStep, inst.State)
	if err != nil {
		return Result{CurrentStep: inst.CurrentStep}, false, err
	}
	if !found {
		// No matched edge and no default on a non-terminal step is a
		// definition defect, not a user abort.
		defect := &ConfigDefectError{Workflow: e.def.Name, Msg: fmt.Sprintf("step %q has no selectable next step", inst.CurrentStep)}
		e.auditEvent(events.EventWorkflowError, inst, map[string]any{
			"step":  inst.CurrentStep,
			"error": defect.Error(),
		})
		return Result{CurrentStep: inst.CurrentStep}, false, defect
	}

	prev := inst.CurrentStep
	inst.CurrentStep = next
	inst.History = append(inst.History, next)
	inst.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	// Persist before continuing; this is the crash-safety checkpoint.
	if err := e.instances.Save(inst); err != nil {
		return Result{CurrentStep: prev}, false, fmt.Errorf("persist instance %s: %w", inst.ID, err)
	}

	e.auditEvent(events.EventWorkflowStep, inst, map[string]any{
		"from":        prev,
		"to":          next,
		"output_keys": sortedKeys(outputs),
	})
	return Result{CurrentStep: next}, true, nil
}

func (e *Executor) complete(inst *Instance) {
	e.auditEvent(events.EventWorkflowCompleted, inst, map[string]any{"step": inst.CurrentStep})
	if e.hooks.OnComplete != nil {
		e.hooks.OnComplete(inst)
	}
}

// auditEvent records identifiers and output key names only; output values
// never reach the log.
func (e *Executor) auditEvent(eventType string, inst *Instance, details map[string]any) {
	if e.audit == nil {
		return
	}
	details["instance_id"] = inst.ID
	details["workflow"] = inst.WorkflowName
	if err := e.audit.Log(eventType, details); err != nil {
		log.Printf("warning: workflow audit append failed: %v", err)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
