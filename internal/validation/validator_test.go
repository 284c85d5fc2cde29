package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aquenix/flowstate/internal/guard"
	"github.com/aquenix/flowstate/pkg/schema"
)

func newTestValidator(t *testing.T) *SpecValidator {
	t.Helper()
	ev, err := guard.NewEvaluator()
	require.NoError(t, err)
	sv, err := NewSpecValidator(ev)
	require.NoError(t, err)
	return sv
}

func validSpec() *schema.Spec {
	return &schema.Spec{
		Initial: "new",
		States: []schema.State{
			{
				Name: "new",
				Transitions: []schema.Transition{
					{To: "in_review", Trigger: "submit"},
				},
			},
			{
				Name: "in_review",
				OnEnter: []schema.Action{
					{Kind: schema.ActionCreateTask, Params: map[string]any{"role": "reviewer"}},
				},
				SLA: &schema.SLA{
					ThresholdSeconds: 3600,
					Targets:          []schema.EscalationTarget{{Target: "ops"}},
				},
				Transitions: []schema.Transition{
					{To: "done", Trigger: "approve", Guard: &schema.Guard{
						Kind: schema.GuardRole, Role: "reviewer",
					}},
					{To: "new", Trigger: "reject"},
				},
			},
			{Name: "done"},
		},
	}
}

func TestValidateAcceptsWellFormedSpec(t *testing.T) {
	sv := newTestValidator(t)
	result := sv.Validate(validSpec())
	assert.True(t, result.Valid(), "errors: %+v", result.Errors)
	assert.NoError(t, result.ToError())
}

func TestValidateStructural(t *testing.T) {
	sv := newTestValidator(t)

	t.Run("nil spec", func(t *testing.T) {
		result := sv.Validate(nil)
		assert.False(t, result.Valid())
	})

	t.Run("missing initial", func(t *testing.T) {
		spec := validSpec()
		spec.Initial = ""
		err := sv.ValidateSpec(spec)
		require.Error(t, err)
		assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	})

	t.Run("no states", func(t *testing.T) {
		err := sv.ValidateSpec(&schema.Spec{Initial: "new"})
		require.Error(t, err)
	})

	t.Run("unknown action kind", func(t *testing.T) {
		spec := validSpec()
		spec.States[1].OnEnter = []schema.Action{{Kind: "fire.missiles"}}
		err := sv.ValidateSpec(spec)
		require.Error(t, err)
	})

	t.Run("SLA without targets", func(t *testing.T) {
		spec := validSpec()
		spec.States[1].SLA = &schema.SLA{ThresholdSeconds: 60}
		err := sv.ValidateSpec(spec)
		require.Error(t, err)
	})
}

func TestValidateSemantic(t *testing.T) {
	sv := newTestValidator(t)

	t.Run("dangling transition target", func(t *testing.T) {
		spec := validSpec()
		spec.States[0].Transitions[0].To = "nowhere"
		result := sv.Validate(spec)
		require.False(t, result.Valid())
		assert.Contains(t, result.Errors[0].Message, "nowhere")
	})

	t.Run("initial state not declared", func(t *testing.T) {
		spec := validSpec()
		spec.Initial = "ghost"
		result := sv.Validate(spec)
		assert.False(t, result.Valid())
	})

	t.Run("duplicate state names", func(t *testing.T) {
		spec := validSpec()
		spec.States = append(spec.States, schema.State{Name: "new"})
		result := sv.Validate(spec)
		assert.False(t, result.Valid())
	})

	t.Run("duplicate trigger on one state", func(t *testing.T) {
		spec := validSpec()
		spec.States[0].Transitions = append(spec.States[0].Transitions,
			schema.Transition{To: "done", Trigger: "submit"})
		result := sv.Validate(spec)
		assert.False(t, result.Valid())
	})

	t.Run("set.context without params", func(t *testing.T) {
		spec := validSpec()
		spec.States[1].OnEnter = []schema.Action{{Kind: schema.ActionSetContext}}
		result := sv.Validate(spec)
		assert.False(t, result.Valid())
	})

	t.Run("unreachable state is a warning not an error", func(t *testing.T) {
		spec := validSpec()
		spec.States = append(spec.States, schema.State{Name: "orphan"})
		result := sv.Validate(spec)
		assert.True(t, result.Valid())

		assert.NotEmpty(t, result.Warnings)
	})

	t.Run("SLA on terminal state warns", func(t *testing.T) {
		spec := validSpec()
		spec.States[2].SLA = &schema.SLA{
			ThresholdSeconds: 60,
			Targets:          []schema.EscalationTarget{{Target: "ops"}},
		}
		result := sv.Validate(spec)
		assert.True(t, result.Valid())
		assert.NotEmpty(t, result.Warnings)
	})
}

func TestValidateGuardCompilation(t *testing.T) {
	sv := newTestValidator(t)

	t.Run("valid expressions compile", func(t *testing.T) {
		spec := validSpec()
		spec.States[1].Transitions[0].Guard = &schema.Guard{
			Kind: schema.GuardAll,
			Guards: []schema.Guard{
				{Kind: schema.GuardCEL, Expr: `context.approved == true`},
				{Kind: schema.GuardField, Path: "context.total", Op: schema.OpGt, Value: 0},
			},
		}
		assert.NoError(t, sv.ValidateSpec(spec))
	})

	t.Run("malformed CEL is rejected at load", func(t *testing.T) {
		spec := validSpec()
		spec.States[1].Transitions[0].Guard = &schema.Guard{
			Kind: schema.GuardCEL, Expr: `1 +++`,
		}
		err := sv.ValidateSpec(spec)
		require.Error(t, err)
		assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	})

	t.Run("guard shape errors surface from syntax check", func(t *testing.T) {
		spec := validSpec()
		spec.States[1].Transitions[0].Guard = &schema.Guard{Kind: schema.GuardAll}
		err := sv.ValidateSpec(spec)
		require.Error(t, err)
	})
}
