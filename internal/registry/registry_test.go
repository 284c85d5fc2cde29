package registry

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aquenix/flowstate/internal/guard"
	"github.com/aquenix/flowstate/internal/store"
	"github.com/aquenix/flowstate/internal/validation"
	"github.com/aquenix/flowstate/pkg/schema"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "registry_test.db")
	st, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })

	ev, err := guard.NewEvaluator()
	require.NoError(t, err)
	sv, err := validation.NewSpecValidator(ev)
	require.NoError(t, err)

	return New(st, sv, nil)
}

func minimalSpec() schema.Spec {
	return schema.Spec{
		Initial: "new",
		States: []schema.State{
			{Name: "new", Transitions: []schema.Transition{{To: "done", Trigger: "finish"}}},
			{Name: "done"},
		},
	}
}

func TestLoadAssignsVersions(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	v1, err := r.Load(ctx, "acme", "order_fulfillment", minimalSpec())
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)
	assert.Equal(t, schema.DefinitionStatusDraft, v1.Status)

	v2, err := r.Load(ctx, "acme", "order_fulfillment", minimalSpec())
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)
}

func TestLoadRejectsInvalidSpec(t *testing.T) {
	r := newTestRegistry(t)

	spec := minimalSpec()
	spec.States[0].Transitions[0].To = "nowhere"
	_, err := r.Load(context.Background(), "acme", "order_fulfillment", spec)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestLoadRejectsMalformedGuard(t *testing.T) {
	r := newTestRegistry(t)

	spec := minimalSpec()
	spec.States[0].Transitions[0].Guard = &schema.Guard{Kind: schema.GuardCEL, Expr: `(((`}
	_, err := r.Load(context.Background(), "acme", "order_fulfillment", spec)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestActivateSwitchesActiveVersion(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	v1, err := r.Load(ctx, "acme", "order_fulfillment", minimalSpec())
	require.NoError(t, err)
	v2, err := r.Load(ctx, "acme", "order_fulfillment", minimalSpec())
	require.NoError(t, err)

	_, err = r.Activate(ctx, v1.ID)
	require.NoError(t, err)
	active, err := r.ActiveByKey(ctx, "acme", "order_fulfillment")
	require.NoError(t, err)
	assert.Equal(t, v1.ID, active.ID)

	_, err = r.Activate(ctx, v2.ID)
	require.NoError(t, err)
	active, err = r.ActiveByKey(ctx, "acme", "order_fulfillment")
	require.NoError(t, err)
	assert.Equal(t, v2.ID, active.ID)

	// The retired version stays resolvable by ID for pinned instances.
	pinned, err := r.Get(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.DefinitionStatusRetired, pinned.Status)
}

func TestActiveByKeyNoActiveDefinition(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Load(ctx, "acme", "order_fulfillment", minimalSpec())
	require.NoError(t, err)

	// A draft exists but nothing is active yet.
	_, err = r.ActiveByKey(ctx, "acme", "order_fulfillment")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNoActiveDefinition))
}

func TestActiveByKeyIsTenantScoped(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	def, err := r.Load(ctx, "acme", "order_fulfillment", minimalSpec())
	require.NoError(t, err)
	_, err = r.Activate(ctx, def.ID)
	require.NoError(t, err)

	_, err = r.ActiveByKey(ctx, "globex", "order_fulfillment")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNoActiveDefinition))
}
