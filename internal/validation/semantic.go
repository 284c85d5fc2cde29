package validation

import (
	"fmt"

	"github.com/aquenix/flowstate/pkg/schema"
)

// validateSemantic performs the graph-level checks JSON Schema cannot
// express: duplicate state names, dangling transition targets, duplicate
// triggers per state, the initial state existing, reachability, guard
// shape, and SLA sanity.
func validateSemantic(spec *schema.Spec) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	states := make(map[string]bool, len(spec.States))
	for i := range spec.States {
		name := spec.States[i].Name
		if states[name] {
			result.AddError(fmt.Sprintf("states[%d].name", i),
				schema.ErrCodeValidation,
				fmt.Sprintf("duplicate state %q", name))
		}
		states[name] = true
	}

	if !states[spec.Initial] {
		result.AddError("initial", schema.ErrCodeValidation,
			fmt.Sprintf("initial state %q is not declared", spec.Initial))
	}

	for i := range spec.States {
		validateState(&spec.States[i], fmt.Sprintf("states[%d]", i), states, result)
	}

	if result.Valid() {
		checkReachability(spec, result)
	}

	return result
}

func validateState(state *schema.State, path string, states map[string]bool, result *schema.ValidationResult) {
	triggers := make(map[string]bool, len(state.Transitions))
	for j := range state.Transitions {
		tr := &state.Transitions[j]
		trPath := fmt.Sprintf("%s.transitions[%d]", path, j)

		if !states[tr.To] {
			result.AddError(trPath+".to", schema.ErrCodeValidation,
				fmt.Sprintf("transition targets undeclared state %q", tr.To))
		}
		// Trigger selects exactly one edge from a state.
		if triggers[tr.Trigger] {
			result.AddError(trPath+".trigger", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate trigger %q on state %q", tr.Trigger, state.Name))
		}
		triggers[tr.Trigger] = true

		if tr.Guard != nil {
			if err := tr.Guard.CheckSyntax(); err != nil {
				result.AddError(trPath+".guard", schema.ErrCodeValidation, err.Error())
			}
		}
	}

	for j := range state.OnEnter {
		validateAction(&state.OnEnter[j], fmt.Sprintf("%s.on_enter[%d]", path, j), result)
	}

	if state.SLA != nil {
		validateSLA(state.SLA, state, path+".sla", result)
	}
}

func validateAction(action *schema.Action, path string, result *schema.ValidationResult) {
	switch action.Kind {
	case schema.ActionCreateTask:
		if action.Params["role"] == nil && action.Params["assignee"] == nil {
			result.AddWarning(path, schema.ErrCodeValidation,
				"create.task has neither role nor assignee; the task will be unrouted")
		}
	case schema.ActionSetContext:
		if len(action.Params) == 0 {
			result.AddError(path, schema.ErrCodeValidation,
				"set.context requires at least one key to set")
		}
	case schema.ActionNotifyWebhook:
		// Event defaults to the state's entry transition; nothing to check.
	default:
		result.AddError(path+".kind", schema.ErrCodeValidation,
			fmt.Sprintf("unknown action kind %q", action.Kind))
	}
}

func validateSLA(sla *schema.SLA, state *schema.State, path string, result *schema.ValidationResult) {
	if sla.ThresholdSeconds <= 0 {
		result.AddError(path+".threshold_seconds", schema.ErrCodeValidation,
			"SLA threshold must be positive")
	}
	if len(sla.Targets) == 0 {
		result.AddError(path+".escalation_targets", schema.ErrCodeValidation,
			"SLA requires at least one escalation target")
	}
	if sla.MaxLevel < 0 {
		result.AddError(path+".max_level", schema.ErrCodeValidation,
			"max_level cannot be negative")
	}
	if state.Terminal() {
		result.AddWarning(path, schema.ErrCodeValidation,
			fmt.Sprintf("state %q is terminal; its SLA can never fire", state.Name))
	}
}

// checkReachability warns about states with no path from the initial state.
// Unreachable states are legal (a definition may be rolled out ahead of the
// transitions that use it) but almost always an authoring mistake.
func checkReachability(spec *schema.Spec, result *schema.ValidationResult) {
	reachable := map[string]bool{spec.Initial: true}
	queue := []string{spec.Initial}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		state := spec.FindState(name)
		if state == nil {
			continue
		}
		for i := range state.Transitions {
			to := state.Transitions[i].To
			if !reachable[to] {
				reachable[to] = true
				queue = append(queue, to)
			}
		}
	}

	for i := range spec.States {
		if !reachable[spec.States[i].Name] {
			result.AddWarning(fmt.Sprintf("states[%d]", i), schema.ErrCodeValidation,
				fmt.Sprintf("state %q is unreachable from initial state %q",
					spec.States[i].Name, spec.Initial))
		}
	}
}
