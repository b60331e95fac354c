package workflow

import (
	"fmt"
	"os"

	yamlv3 "gopkg.in/yaml.v3"
)

// ConfigDefectError marks a defect in a workflow definition, such as a
// dangling edge target, an unparseable condition, or a reachable step with
// no selectable next edge at runtime. Always fatal, never retried.
type ConfigDefectError struct {
	Workflow string
	Msg      string
}

func (e *ConfigDefectError) Error() string {
	return fmt.Sprintf("workflow %q definition defect: %s", e.Workflow, e.Msg)
}

// Definition is a declarative multi-step procedure. Immutable once loaded.
type Definition struct {
	Name          string   `yaml:"name"`
	Version       string   `yaml:"version"`
	Description   string   `yaml:"description,omitempty"`
	InitialStep   string   `yaml:"initial_step"`
	TerminalSteps []string `yaml:"terminal_steps"`
	Steps         []Step   `yaml:"steps"`

	terminals map[string]bool
	stepIndex map[string]*Step
}

// Step is one node in the workflow graph, with its outgoing edges in
// declaration order.
type Step struct {
	ID              string     `yaml:"id"`
	Name            string     `yaml:"name,omitempty"`
	Description     string     `yaml:"description,omitempty"`
	ExpectedOutputs []string   `yaml:"expected_outputs,omitempty"`
	Edges           []StepEdge `yaml:"edges,omitempty"`
}

// StepEdge routes to a target step. An absent condition is the default edge
// and always evaluates true.
type StepEdge struct {
	Target    string `yaml:"target"`
	Condition string `yaml:"condition,omitempty"`
	Label     string `yaml:"label,omitempty"`
}

// IsDefault reports whether the edge has no condition.
func (e StepEdge) IsDefault() bool {
	return e.Condition == ""
}

// LoadDefinition reads and validates a workflow definition file.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow definition %s: %w", path, err)
	}
	return ParseDefinition(data)
}

// ParseDefinition decodes a definition payload and validates the graph.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yamlv3.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("decode workflow definition: %w", err)
	}
	if err := def.Finalize(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Finalize validates the definition and builds the lookup indexes. Must be
// called once before routing; the loaders do it automatically.
func (d *Definition) Finalize() error {
	if err := d.Validate(); err != nil {
		return err
	}
	d.index()
	return nil
}

// Validate checks the definition for structural defects.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return &ConfigDefectError{Workflow: d.Name, Msg: "name is required"}
	}
	if len(d.Steps) == 0 {
		return &ConfigDefectError{Workflow: d.Name, Msg: "at least one step is required"}
	}

	ids := make(map[string]bool, len(d.Steps))
	for _, step := range d.Steps {
		if step.ID == "" {
			return &ConfigDefectError{Workflow: d.Name, Msg: "step with empty id"}
		}
		if ids[step.ID] {
			return &ConfigDefectError{Workflow: d.Name, Msg: fmt.Sprintf("duplicate step id %q", step.ID)}
		}
		ids[step.ID] = true
	}

	if d.InitialStep == "" {
		return &ConfigDefectError{Workflow: d.Name, Msg: "initial_step is required"}
	}
	if !ids[d.InitialStep] {
		return &ConfigDefectError{Workflow: d.Name, Msg: fmt.Sprintf("initial_step %q is not a step", d.InitialStep)}
	}
	if len(d.TerminalSteps) == 0 {
		return &ConfigDefectError{Workflow: d.Name, Msg: "terminal_steps is required"}
	}
	for _, terminal := range d.TerminalSteps {
		if !ids[terminal] {
			return &ConfigDefectError{Workflow: d.Name, Msg: fmt.Sprintf("terminal step %q is not a step", terminal)}
		}
	}

	for _, step := range d.Steps {
		for _, edge := range step.Edges {
			if !ids[edge.Target] {
				return &ConfigDefectError{Workflow: d.Name, Msg: fmt.Sprintf("step %q edge targets unknown step %q", step.ID, edge.Target)}
			}
			if _, err := ParseCondition(edge.Condition); err != nil {
				return &ConfigDefectError{Workflow: d.Name, Msg: fmt.Sprintf("step %q edge to %q: %v", step.ID, edge.Target, err)}
			}
		}
	}
	return nil
}

func (d *Definition) index() {
	d.terminals = make(map[string]bool, len(d.TerminalSteps))
	for _, t := range d.TerminalSteps {
		d.terminals[t] = true
	}
	d.stepIndex = make(map[string]*Step, len(d.Steps))
	for i := range d.Steps {
		d.stepIndex[d.Steps[i].ID] = &d.Steps[i]
	}
}

// IsTerminal is a pure set lookup.
func (d *Definition) IsTerminal(stepID string) bool {
	return d.terminals[stepID]
}

// Step returns the step by id.
func (d *Definition) Step(stepID string) (*Step, bool) {
	step, ok := d.stepIndex[stepID]
	return step, ok
}
