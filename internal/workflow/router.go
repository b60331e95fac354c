package workflow

import (
	"fmt"
	"sort"
)

// EdgeEvaluation is the router's view of one outgoing edge after evaluating
// its condition against instance state.
type EdgeEvaluation struct {
	Target    string
	Label     string
	Condition string
	Matched   bool
	Default   bool
}

// Router resolves the next step from the current step and condition results.
type Router struct {
	cache *ConditionCache
}

func NewRouter() *Router {
	return &Router{cache: NewConditionCache()}
}

// EvaluateEdges evaluates every outgoing edge of a step and returns them in
// presentation order: matched edges before unmatched; within each group,
// non-default edges before the default edge; ties preserve declaration
// order.
func (r *Router) EvaluateEdges(def *Definition, stepID string, state map[string]any) ([]EdgeEvaluation, error) {
	step, ok := def.Step(stepID)
	if !ok {
		return nil, &ConfigDefectError{Workflow: def.Name, Msg: fmt.Sprintf("unknown step %q", stepID)}
	}

	evals := make([]EdgeEvaluation, 0, len(step.Edges))
	for _, edge := range step.Edges {
		node, err := r.cache.Compile(edge.Condition)
		if err != nil {
			return nil, &ConfigDefectError{Workflow: def.Name, Msg: fmt.Sprintf("step %q edge to %q: %v", stepID, edge.Target, err)}
		}
		label := edge.Label
		if label == "" {
			label = edge.Target
		}
		evals = append(evals, EdgeEvaluation{
			Target:    edge.Target,
			Label:     label,
			Condition: edge.Condition,
			Matched:   node.Eval(state),
			Default:   edge.IsDefault(),
		})
	}

	sort.SliceStable(evals, func(i, j int) bool {
		if evals[i].Matched != evals[j].Matched {
			return evals[i].Matched
		}
		if evals[i].Default != evals[j].Default {
			return !evals[i].Default
		}
		return false
	})
	return evals, nil
}

// SelectNext returns the first matched edge's target. A false second return
// means nothing matched (including no default edge); for a non-terminal step
// that is a definition defect the executor treats as fatal.
func (r *Router) SelectNext(def *Definition, stepID string, state map[string]any) (string, bool, error) {
	evals, err := r.EvaluateEdges(def, stepID, state)
	if err != nil {
		return "", false, err
	}
	for _, eval := range evals {
		if eval.Matched {
			return eval.Target, true, nil
		}
	}
	return "", false, nil
}
