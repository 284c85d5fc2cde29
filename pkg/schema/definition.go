package schema

import "time"

// DefinitionStatus is the lifecycle state of a workflow definition version.
type DefinitionStatus string

const (
	DefinitionStatusDraft   DefinitionStatus = "draft"
	DefinitionStatusActive  DefinitionStatus = "active"
	DefinitionStatusRetired DefinitionStatus = "retired"
)

// Definition is one immutable version of a tenant-scoped workflow definition.
// A new edit always creates a new version; an active version is never mutated.
// At most one version per (tenant_id, key) is active at a time.
type Definition struct {
	ID          string           `json:"id"`
	TenantID    string           `json:"tenant_id"`
	Key         string           `json:"key"`
	Version     int              `json:"version"`
	Status      DefinitionStatus `json:"status"`
	Spec        Spec             `json:"spec"`
	CreatedAt   time.Time        `json:"created_at"`
	ActivatedAt *time.Time       `json:"activated_at,omitempty"`
}

// Spec is the declarative state-machine graph of a definition.
type Spec struct {
	Initial string  `json:"initial"`
	States  []State `json:"states"`
}

// State is a named node in the graph with its on-enter side effects,
// optional SLA and outgoing edges. A state with no outgoing transitions
// is terminal: instances entering it are closed.
type State struct {
	Name        string       `json:"name"`
	OnEnter     []Action     `json:"on_enter,omitempty"`
	SLA         *SLA         `json:"sla,omitempty"`
	Transitions []Transition `json:"transitions,omitempty"`
}

// Terminal reports whether the state has no outgoing edges.
func (s *State) Terminal() bool { return len(s.Transitions) == 0 }

// Transition is a directed edge selected by trigger, optionally gated
// by a guard. An absent guard is unconditional.
type Transition struct {
	To      string `json:"to"`
	Trigger string `json:"trigger"`
	Guard   *Guard `json:"guard,omitempty"`
}

// SLA configures escalation for a state. ThresholdSeconds is the base
// threshold; escalation level N fires once the instance has occupied the
// state for threshold*N seconds (under the default multiplier policy).
// Targets are addressed per level: level N goes to targets[N-1], with the
// last target receiving all levels beyond len(targets). MaxLevel caps the
// levels fired for one state occupancy; zero means len(targets).
type SLA struct {
	ThresholdSeconds int64              `json:"threshold_seconds"`
	Targets          []EscalationTarget `json:"escalation_targets"`
	MaxLevel         int                `json:"max_level,omitempty"`
}

// TargetForLevel returns the escalation target addressed by a 1-indexed level.
func (s *SLA) TargetForLevel(level int) EscalationTarget {
	if len(s.Targets) == 0 {
		return EscalationTarget{}
	}
	if level > len(s.Targets) {
		return s.Targets[len(s.Targets)-1]
	}
	return s.Targets[level-1]
}

// LevelCap returns the effective maximum escalation level for the state.
func (s *SLA) LevelCap() int {
	if s.MaxLevel > 0 {
		return s.MaxLevel
	}
	return len(s.Targets)
}

// EscalationTarget names who is notified at an escalation level and over
// which channel. Channel resolution is the notification collaborator's job.
type EscalationTarget struct {
	Target  string `json:"target"`
	Channel string `json:"channel,omitempty"`
}

// ActionKind enumerates the built-in on-enter action kinds.
type ActionKind string

const (
	ActionCreateTask    ActionKind = "create.task"
	ActionSetContext    ActionKind = "set.context"
	ActionNotifyWebhook ActionKind = "notify.webhook"
)

// Action is an on-enter side effect declared on a state. Actions run in
// declaration order after the state change commits; failures are logged
// and never roll back the transition.
type Action struct {
	Kind   ActionKind     `json:"kind"`
	Params map[string]any `json:"params,omitempty"`
}

// FindState returns the named state, or nil if the spec has no such state.
func (sp *Spec) FindState(name string) *State {
	for i := range sp.States {
		if sp.States[i].Name == name {
			return &sp.States[i]
		}
	}
	return nil
}

// FindTransition returns the outgoing edge from state matching trigger,
// or nil if none is declared.
func (st *State) FindTransition(trigger string) *Transition {
	for i := range st.Transitions {
		if st.Transitions[i].Trigger == trigger {
			return &st.Transitions[i]
		}
	}
	return nil
}
