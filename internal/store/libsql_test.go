package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aquenix/flowstate/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "flowstate_test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func testDefinition(tenantID, key string) *schema.Definition {
	return &schema.Definition{
		ID:       uuid.NewString(),
		TenantID: tenantID,
		Key:      key,
		Spec: schema.Spec{
			Initial: "new",
			States: []schema.State{
				{Name: "new", Transitions: []schema.Transition{{To: "done", Trigger: "finish"}}},
				{Name: "done"},
			},
		},
	}
}

func createTestInstance(t *testing.T, s *LibSQLStore, defID string) *Instance {
	t.Helper()
	inst := &Instance{
		ID:           uuid.NewString(),
		TenantID:     "acme",
		DefinitionID: defID,
		EntityType:   "order",
		EntityID:     uuid.NewString(),
		State:        "new",
		Context:      map[string]any{"amount": 42.0},
	}
	require.NoError(t, s.CreateInstance(context.Background(), inst))
	return inst
}

func TestDefinitionVersioning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := testDefinition("acme", "order_fulfillment")
	require.NoError(t, s.CreateDefinition(ctx, first))
	assert.Equal(t, 1, first.Version)

	second := testDefinition("acme", "order_fulfillment")
	require.NoError(t, s.CreateDefinition(ctx, second))
	assert.Equal(t, 2, second.Version)

	// Versions are scoped per (tenant, key).
	other := testDefinition("globex", "order_fulfillment")
	require.NoError(t, s.CreateDefinition(ctx, other))
	assert.Equal(t, 1, other.Version)

	got, err := s.GetDefinition(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.DefinitionStatusDraft, got.Status)
	assert.Equal(t, "new", got.Spec.Initial)
}

func TestActivateDefinitionRetiresPrevious(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v1 := testDefinition("acme", "order_fulfillment")
	require.NoError(t, s.CreateDefinition(ctx, v1))
	v2 := testDefinition("acme", "order_fulfillment")
	require.NoError(t, s.CreateDefinition(ctx, v2))

	require.NoError(t, s.ActivateDefinition(ctx, v1.ID))
	active, err := s.GetActiveDefinition(ctx, "acme", "order_fulfillment")
	require.NoError(t, err)
	assert.Equal(t, v1.ID, active.ID)
	assert.NotNil(t, active.ActivatedAt)

	require.NoError(t, s.ActivateDefinition(ctx, v2.ID))
	active, err = s.GetActiveDefinition(ctx, "acme", "order_fulfillment")
	require.NoError(t, err)
	assert.Equal(t, v2.ID, active.ID)

	retired, err := s.GetDefinition(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.DefinitionStatusRetired, retired.Status)
}

func TestGetActiveDefinitionNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetActiveDefinition(context.Background(), "acme", "nope")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestCommitTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def := testDefinition("acme", "order_fulfillment")
	require.NoError(t, s.CreateDefinition(ctx, def))
	inst := createTestInstance(t, s, def.ID)

	rec, err := s.CommitTransition(ctx, inst.ID, inst.Version, TransitionCommit{
		FromState: "new",
		ToState:   "done",
		Context:   map[string]any{"amount": 42.0, "note": "ok"},
		Trigger:   "finish",
		ActorID:   "u-1",
		Payload:   json.RawMessage(`{"reason":"test"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Seq)
	assert.Equal(t, "new", rec.FromState)
	assert.Equal(t, "done", rec.ToState)

	got, err := s.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "done", got.State)
	assert.Equal(t, inst.Version+1, got.Version)
	assert.Equal(t, "ok", got.Context["note"])

	log, err := s.ListTransitions(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, "finish", log[0].Trigger)
	assert.Equal(t, "u-1", log[0].ActorID)
}

func TestCommitTransitionVersionConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def := testDefinition("acme", "order_fulfillment")
	require.NoError(t, s.CreateDefinition(ctx, def))
	inst := createTestInstance(t, s, def.ID)

	_, err := s.CommitTransition(ctx, inst.ID, inst.Version, TransitionCommit{
		FromState: "new", ToState: "done", Trigger: "finish",
	})
	require.NoError(t, err)

	// Second commit against the stale version must not write anything.
	_, err = s.CommitTransition(ctx, inst.ID, inst.Version, TransitionCommit{
		FromState: "new", ToState: "done", Trigger: "finish",
	})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	log, err := s.ListTransitions(ctx, inst.ID)
	require.NoError(t, err)
	assert.Len(t, log, 1)
}

func TestCommitTransitionMissClassifiesWithoutBlocking(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def := testDefinition("acme", "order_fulfillment")
	require.NoError(t, s.CreateDefinition(ctx, def))
	inst := createTestInstance(t, s, def.ID)

	_, err := s.CommitTransition(ctx, inst.ID, inst.Version, TransitionCommit{
		FromState: "new", ToState: "done", Trigger: "finish",
	})
	require.NoError(t, err)

	// The miss classification reads through the commit's own transaction.
	// With a single pooled connection, a db-level read at that point would
	// wait on the connection the transaction holds and never return.
	done := make(chan error, 1)
	go func() {
		_, cerr := s.CommitTransition(ctx, inst.ID, inst.Version, TransitionCommit{
			FromState: "new", ToState: "done", Trigger: "finish",
		})
		done <- cerr
	}()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
	case <-time.After(5 * time.Second):
		t.Fatal("stale-version commit did not return")
	}

	// Same path for a closed instance.
	_, err = s.CommitTransition(ctx, inst.ID, inst.Version+1, TransitionCommit{
		FromState: "done", ToState: "done", Trigger: "noop", Close: true,
	})
	require.NoError(t, err)

	go func() {
		_, cerr := s.CommitTransition(ctx, inst.ID, inst.Version+2, TransitionCommit{
			FromState: "done", ToState: "done", Trigger: "noop",
		})
		done <- cerr
	}()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, schema.IsCode(err, schema.ErrCodeInstanceClosed))
	case <-time.After(5 * time.Second):
		t.Fatal("closed-instance commit did not return")
	}
}

func TestCommitTransitionClosedInstance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def := testDefinition("acme", "order_fulfillment")
	require.NoError(t, s.CreateDefinition(ctx, def))
	inst := createTestInstance(t, s, def.ID)

	_, err := s.CommitTransition(ctx, inst.ID, inst.Version, TransitionCommit{
		FromState: "new", ToState: "done", Trigger: "finish", Close: true,
	})
	require.NoError(t, err)

	got, err := s.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	require.True(t, got.Closed())

	_, err = s.CommitTransition(ctx, inst.ID, got.Version, TransitionCommit{
		FromState: "done", ToState: "new", Trigger: "reopen",
	})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInstanceClosed))
}

func TestCommitTransitionNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.CommitTransition(context.Background(), "missing", 0, TransitionCommit{
		FromState: "a", ToState: "b", Trigger: "go",
	})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestListInstancesFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def := testDefinition("acme", "order_fulfillment")
	require.NoError(t, s.CreateDefinition(ctx, def))

	open := createTestInstance(t, s, def.ID)
	closed := createTestInstance(t, s, def.ID)
	_, err := s.CommitTransition(ctx, closed.ID, closed.Version, TransitionCommit{
		FromState: "new", ToState: "done", Trigger: "finish", Close: true,
	})
	require.NoError(t, err)

	openOnly := true
	got, err := s.ListInstances(ctx, InstanceFilter{TenantID: "acme", Open: &openOnly})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, open.ID, got[0].ID)

	got, err = s.ListInstances(ctx, InstanceFilter{State: "done"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, closed.ID, got[0].ID)

	got, err = s.ListInstances(ctx, InstanceFilter{EntityType: "order", EntityID: open.EntityID})
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestClaimTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def := testDefinition("acme", "order_fulfillment")
	require.NoError(t, s.CreateDefinition(ctx, def))
	inst := createTestInstance(t, s, def.ID)

	task := &Task{ID: uuid.NewString(), InstanceID: inst.ID, State: "new", Role: "planner"}
	require.NoError(t, s.CreateTask(ctx, task))

	claimed, err := s.ClaimTask(ctx, task.ID, "u-1")
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusClaimed, claimed.Status)
	assert.Equal(t, "u-1", claimed.ClaimedBy)
	assert.NotNil(t, claimed.ClaimedAt)

	_, err = s.ClaimTask(ctx, task.ID, "u-2")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeAlreadyClaimed))

	// The losing claim left no trace.
	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "u-1", got.ClaimedBy)
}

func TestClaimTaskConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def := testDefinition("acme", "order_fulfillment")
	require.NoError(t, s.CreateDefinition(ctx, def))
	inst := createTestInstance(t, s, def.ID)

	task := &Task{ID: uuid.NewString(), InstanceID: inst.ID, State: "new"}
	require.NoError(t, s.CreateTask(ctx, task))

	const actors = 8
	errs := make([]error, actors)
	var wg sync.WaitGroup
	for i := 0; i < actors; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.ClaimTask(ctx, task.ID, fmt.Sprintf("u-%d", i))
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			assert.True(t, schema.IsCode(err, schema.ErrCodeAlreadyClaimed))
		}
	}
	assert.Equal(t, 1, winners)
}

func TestCompleteTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def := testDefinition("acme", "order_fulfillment")
	require.NoError(t, s.CreateDefinition(ctx, def))
	inst := createTestInstance(t, s, def.ID)

	t.Run("unclaimed task can be completed directly", func(t *testing.T) {
		task := &Task{ID: uuid.NewString(), InstanceID: inst.ID, State: "new"}
		require.NoError(t, s.CreateTask(ctx, task))

		done, err := s.CompleteTask(ctx, task.ID, "u-1", false)
		require.NoError(t, err)
		assert.Equal(t, schema.TaskStatusCompleted, done.Status)
		assert.NotNil(t, done.CompletedAt)
	})

	t.Run("only the claimer may complete", func(t *testing.T) {
		task := &Task{ID: uuid.NewString(), InstanceID: inst.ID, State: "new"}
		require.NoError(t, s.CreateTask(ctx, task))
		_, err := s.ClaimTask(ctx, task.ID, "u-1")
		require.NoError(t, err)

		_, err = s.CompleteTask(ctx, task.ID, "u-2", false)
		require.Error(t, err)
		assert.True(t, schema.IsCode(err, schema.ErrCodeNotClaimedByActor))

		_, err = s.CompleteTask(ctx, task.ID, "u-1", false)
		require.NoError(t, err)
	})

	t.Run("override completes a task claimed by someone else", func(t *testing.T) {
		task := &Task{ID: uuid.NewString(), InstanceID: inst.ID, State: "new"}
		require.NoError(t, s.CreateTask(ctx, task))
		_, err := s.ClaimTask(ctx, task.ID, "u-1")
		require.NoError(t, err)

		done, err := s.CompleteTask(ctx, task.ID, "admin", true)
		require.NoError(t, err)
		assert.Equal(t, schema.TaskStatusCompleted, done.Status)
	})

	t.Run("completing twice conflicts", func(t *testing.T) {
		task := &Task{ID: uuid.NewString(), InstanceID: inst.ID, State: "new"}
		require.NoError(t, s.CreateTask(ctx, task))
		_, err := s.CompleteTask(ctx, task.ID, "u-1", false)
		require.NoError(t, err)

		_, err = s.CompleteTask(ctx, task.ID, "u-1", false)
		require.Error(t, err)
		assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
	})
}

func TestListTasksFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def := testDefinition("acme", "order_fulfillment")
	require.NoError(t, s.CreateDefinition(ctx, def))
	inst := createTestInstance(t, s, def.ID)

	a := &Task{ID: uuid.NewString(), InstanceID: inst.ID, State: "new", Role: "planner"}
	b := &Task{ID: uuid.NewString(), InstanceID: inst.ID, State: "new", AssigneeID: "u-9"}
	require.NoError(t, s.CreateTask(ctx, a))
	require.NoError(t, s.CreateTask(ctx, b))
	_, err := s.ClaimTask(ctx, b.ID, "u-9")
	require.NoError(t, err)

	got, err := s.ListTasks(ctx, TaskFilter{InstanceID: inst.ID})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	open := schema.TaskStatusOpen
	got, err = s.ListTasks(ctx, TaskFilter{InstanceID: inst.ID, Status: &open})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, a.ID, got[0].ID)

	got, err = s.ListTasks(ctx, TaskFilter{AssigneeID: "u-9"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, b.ID, got[0].ID)
}

func TestInsertEscalationIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def := testDefinition("acme", "order_fulfillment")
	require.NoError(t, s.CreateDefinition(ctx, def))
	inst := createTestInstance(t, s, def.ID)

	inserted, err := s.InsertEscalation(ctx, &Escalation{
		ID: uuid.NewString(), InstanceID: inst.ID, State: "new", Level: 1, Target: "ops",
	})
	require.NoError(t, err)
	assert.True(t, inserted)

	// Same (instance, state, level) again: a no-op, regardless of ID.
	inserted, err = s.InsertEscalation(ctx, &Escalation{
		ID: uuid.NewString(), InstanceID: inst.ID, State: "new", Level: 1, Target: "ops",
	})
	require.NoError(t, err)
	assert.False(t, inserted)

	inserted, err = s.InsertEscalation(ctx, &Escalation{
		ID: uuid.NewString(), InstanceID: inst.ID, State: "new", Level: 2, Target: "managers",
	})
	require.NoError(t, err)
	assert.True(t, inserted)

	level, err := s.MaxEscalationLevel(ctx, inst.ID, "new")
	require.NoError(t, err)
	assert.Equal(t, 2, level)

	all, err := s.ListEscalations(ctx, inst.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestInsertEscalationConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def := testDefinition("acme", "order_fulfillment")
	require.NoError(t, s.CreateDefinition(ctx, def))
	inst := createTestInstance(t, s, def.ID)

	const scanners = 6
	results := make([]bool, scanners)
	var wg sync.WaitGroup
	for i := 0; i < scanners; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inserted, err := s.InsertEscalation(ctx, &Escalation{
				ID: uuid.NewString(), InstanceID: inst.ID, State: "new", Level: 1, Target: "ops",
			})
			require.NoError(t, err)
			results[i] = inserted
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, inserted := range results {
		if inserted {
			wins++
		}
	}
	assert.Equal(t, 1, wins)
}

func TestWebhookCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wh := &Webhook{
		ID: uuid.NewString(), TenantID: "acme", DefinitionKey: "order_fulfillment",
		Event: "transition", URL: "https://example.test/hook", Secret: "s3cret", Active: true,
	}
	require.NoError(t, s.CreateWebhook(ctx, wh))

	got, err := s.ListWebhooks(ctx, WebhookFilter{
		TenantID: "acme", DefinitionKey: "order_fulfillment", Event: "transition", ActiveOnly: true,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "s3cret", got[0].Secret)

	require.NoError(t, s.SetWebhookActive(ctx, wh.ID, false))
	got, err = s.ListWebhooks(ctx, WebhookFilter{TenantID: "acme", ActiveOnly: true})
	require.NoError(t, err)
	assert.Empty(t, got)

	err = s.SetWebhookActive(ctx, "missing", true)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestDeliveryLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wh := &Webhook{
		ID: uuid.NewString(), TenantID: "acme", DefinitionKey: "order_fulfillment",
		Event: "transition", URL: "https://example.test/hook", Secret: "s3cret", Active: true,
	}
	require.NoError(t, s.CreateWebhook(ctx, wh))

	d := &Delivery{
		ID: uuid.NewString(), WebhookID: wh.ID, Event: "transition",
		InstanceID: "inst-1", Payload: json.RawMessage(`{"event":"transition"}`),
	}
	require.NoError(t, s.CreateDelivery(ctx, d))

	delivered := schema.DeliveryStatusDelivered
	attempts := 3
	statusCode := 200
	now := time.Now().UTC()
	require.NoError(t, s.UpdateDelivery(ctx, d.ID, DeliveryUpdate{
		Status: &delivered, Attempts: &attempts, LastStatusCode: &statusCode, DeliveredAt: &now,
	}))

	got, err := s.ListDeliveries(ctx, DeliveryFilter{WebhookID: wh.ID})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, schema.DeliveryStatusDelivered, got[0].Status)
	assert.Equal(t, 3, got[0].Attempts)
	assert.Equal(t, 200, got[0].LastStatusCode)
	assert.NotNil(t, got[0].DeliveredAt)

	pending := schema.DeliveryStatusPending
	got, err = s.ListDeliveries(ctx, DeliveryFilter{Status: &pending})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSignalQueue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def := testDefinition("acme", "order_fulfillment")
	require.NoError(t, s.CreateDefinition(ctx, def))
	inst := createTestInstance(t, s, def.ID)

	base := time.Now().UTC().Add(-time.Minute)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.EnqueueSignal(ctx, &SignalRecord{
			ID:         fmt.Sprintf("sig-%d", i),
			InstanceID: inst.ID,
			Signal:     "payment_received",
			ReceivedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	pending, err := s.PendingSignals(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "sig-0", pending[0].ID)
	assert.Equal(t, "sig-2", pending[2].ID)

	require.NoError(t, s.MarkSignalProcessed(ctx, "sig-0", ""))
	require.NoError(t, s.MarkSignalProcessed(ctx, "sig-1", "no transition for trigger"))

	pending, err = s.PendingSignals(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "sig-2", pending[0].ID)

	// Already processed: conditional update matches nothing.
	err = s.MarkSignalProcessed(ctx, "sig-0", "")
	require.Error(t, err)
}
