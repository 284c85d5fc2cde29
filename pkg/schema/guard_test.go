package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuardCheckSyntax(t *testing.T) {
	tests := []struct {
		name    string
		guard   Guard
		wantErr string
	}{
		{
			name:  "role guard",
			guard: Guard{Kind: GuardRole, Role: "Planner"},
		},
		{
			name:  "field guard",
			guard: Guard{Kind: GuardField, Path: ".priority", Op: OpEq, Value: "high"},
		},
		{
			name: "nested combinators",
			guard: Guard{Kind: GuardAll, Guards: []Guard{
				{Kind: GuardRole, Role: "Planner"},
				{Kind: GuardNot, Guard: &Guard{Kind: GuardField, Path: ".on_hold", Op: OpExists}},
			}},
		},
		{
			name:  "cel leaf",
			guard: Guard{Kind: GuardCEL, Expr: `actor.role == "Planner"`},
		},
		{
			name:    "unknown kind",
			guard:   Guard{Kind: "regex"},
			wantErr: "unknown guard kind",
		},
		{
			name:    "missing kind",
			guard:   Guard{},
			wantErr: "missing guard kind",
		},
		{
			name:    "empty combinator",
			guard:   Guard{Kind: GuardAny},
			wantErr: "at least one sub-guard",
		},
		{
			name:    "not without sub-guard",
			guard:   Guard{Kind: GuardNot},
			wantErr: "requires a sub-guard",
		},
		{
			name:    "role without name",
			guard:   Guard{Kind: GuardRole},
			wantErr: "requires a role name",
		},
		{
			name:    "field with bad op",
			guard:   Guard{Kind: GuardField, Path: ".x", Op: "matches"},
			wantErr: "unknown op",
		},
		{
			name:    "expr leaf without expression",
			guard:   Guard{Kind: GuardExpr},
			wantErr: "requires an expression",
		},
		{
			name: "nested error carries path",
			guard: Guard{Kind: GuardAll, Guards: []Guard{
				{Kind: GuardRole, Role: "Planner"},
				{Kind: GuardField, Op: OpEq},
			}},
			wantErr: "guard.guards[1]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.guard.CheckSyntax()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestGuardJSONRoundTrip(t *testing.T) {
	raw := `{"kind":"all","guards":[
		{"kind":"role","role":"Planner"},
		{"kind":"field","path":".zone","op":"in","value":["north","south"]},
		{"kind":"not","guard":{"kind":"cel","expr":"context.frozen == true"}}
	]}`

	var g Guard
	require.NoError(t, json.Unmarshal([]byte(raw), &g))
	require.NoError(t, g.CheckSyntax())

	assert.Equal(t, GuardAll, g.Kind)
	require.Len(t, g.Guards, 3)
	assert.Equal(t, "Planner", g.Guards[0].Role)
	assert.Equal(t, OpIn, g.Guards[1].Op)
	require.NotNil(t, g.Guards[2].Guard)
	assert.Equal(t, GuardCEL, g.Guards[2].Guard.Kind)
}

func TestGuardWalk(t *testing.T) {
	g := Guard{Kind: GuardAll, Guards: []Guard{
		{Kind: GuardRole, Role: "a"},
		{Kind: GuardNot, Guard: &Guard{Kind: GuardExpr, Expr: "true"}},
	}}

	var kinds []GuardKind
	require.NoError(t, g.Walk(func(n *Guard) error {
		kinds = append(kinds, n.Kind)
		return nil
	}))
	assert.Equal(t, []GuardKind{GuardAll, GuardRole, GuardNot, GuardExpr}, kinds)
}

func TestSpecLookups(t *testing.T) {
	sp := Spec{
		Initial: "new",
		States: []State{
			{Name: "new", Transitions: []Transition{{To: "done", Trigger: "finish"}}},
			{Name: "done"},
		},
	}

	st := sp.FindState("new")
	require.NotNil(t, st)
	assert.False(t, st.Terminal())
	assert.Nil(t, sp.FindState("missing"))

	edge := st.FindTransition("finish")
	require.NotNil(t, edge)
	assert.Equal(t, "done", edge.To)
	assert.Nil(t, st.FindTransition("reopen"))

	assert.True(t, sp.FindState("done").Terminal())
}

func TestSLATargetForLevel(t *testing.T) {
	sla := SLA{
		ThresholdSeconds: 3600,
		Targets: []EscalationTarget{
			{Target: "supervisor"},
			{Target: "manager", Channel: "webhook"},
		},
	}

	assert.Equal(t, "supervisor", sla.TargetForLevel(1).Target)
	assert.Equal(t, "manager", sla.TargetForLevel(2).Target)
	// Levels beyond the target list stick to the last target.
	assert.Equal(t, "manager", sla.TargetForLevel(5).Target)
	assert.Equal(t, 2, sla.LevelCap())

	sla.MaxLevel = 4
	assert.Equal(t, 4, sla.LevelCap())
}
