package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextAccessors(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, TenantID(ctx))
	assert.Empty(t, InstanceID(ctx))
	assert.Empty(t, ActorID(ctx))

	ctx = WithIDs(ctx, "tenant-1", "inst-1", "actor-1")
	assert.Equal(t, "tenant-1", TenantID(ctx))
	assert.Equal(t, "inst-1", InstanceID(ctx))
	assert.Equal(t, "actor-1", ActorID(ctx))
}

func TestCorrelationHandlerInjectsIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithIDs(context.Background(), "tenant-1", "inst-1", "actor-1")
	logger.InfoContext(ctx, "transition applied")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "tenant-1", record["tenant_id"])
	assert.Equal(t, "inst-1", record["instance_id"])
	assert.Equal(t, "actor-1", record["actor_id"])
	assert.Equal(t, "transition applied", record["msg"])
}

func TestCorrelationHandlerSkipsEmptyIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithInstanceID(context.Background(), "inst-2")
	logger.InfoContext(ctx, "escalation fired")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "inst-2", record["instance_id"])
	_, hasTenant := record["tenant_id"]
	assert.False(t, hasTenant)
	_, hasActor := record["actor_id"]
	assert.False(t, hasActor)
}
