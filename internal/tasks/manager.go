// Package tasks manages the human work items created by on-enter actions:
// creation, claiming and completion, with claim exclusivity enforced by the
// store's conditional writes rather than in-process locking.
package tasks

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aquenix/flowstate/internal/logging"
	"github.com/aquenix/flowstate/internal/registry"
	"github.com/aquenix/flowstate/internal/store"
	"github.com/aquenix/flowstate/pkg/schema"
)

type Manager struct {
	store     store.Store
	registry  *registry.Registry
	publisher schema.EventPublisher
	logger    *slog.Logger
}

func NewManager(st store.Store, reg *registry.Registry, publisher schema.EventPublisher, logger *slog.Logger) *Manager {
	if publisher == nil {
		publisher = schema.NopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: st, registry: reg, publisher: publisher, logger: logger}
}

// CreateRequest describes a task to open against an instance. Due is
// relative to creation time; zero means no due date.
type CreateRequest struct {
	State      string
	Role       string
	AssigneeID string
	Due        time.Duration
}

// Create opens a task for the instance and publishes task_created.
func (m *Manager) Create(ctx context.Context, inst *store.Instance, definitionKey string, req CreateRequest) (*store.Task, error) {
	task := &store.Task{
		ID:         uuid.NewString(),
		InstanceID: inst.ID,
		State:      req.State,
		Role:       req.Role,
		AssigneeID: req.AssigneeID,
		Status:     schema.TaskStatusOpen,
		CreatedAt:  time.Now().UTC(),
	}
	if req.Due > 0 {
		due := task.CreatedAt.Add(req.Due)
		task.DueAt = &due
	}

	if err := m.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}

	m.logger.InfoContext(logging.WithInstanceID(ctx, inst.ID), "task created",
		"task_id", task.ID,
		"state", task.State,
		"role", task.Role,
		"assignee_id", task.AssigneeID,
	)

	m.publisher.Publish(ctx, schema.Event{
		Name:          schema.EventTaskCreated,
		TenantID:      inst.TenantID,
		DefinitionKey: definitionKey,
		InstanceID:    inst.ID,
		OccurredAt:    task.CreatedAt,
		Payload: map[string]any{
			"task_id":     task.ID,
			"state":       task.State,
			"role":        task.Role,
			"assignee_id": task.AssigneeID,
		},
	})
	return task, nil
}

// Claim claims an open task for the actor. Exactly one of any number of
// concurrent claims succeeds; losers get ErrCodeAlreadyClaimed.
func (m *Manager) Claim(ctx context.Context, taskID string, actor schema.ActorContext) (*store.Task, error) {
	task, err := m.store.ClaimTask(ctx, taskID, actor.ID)
	if err != nil {
		return nil, err
	}

	m.publishTaskEvent(ctx, task, schema.EventTaskClaimed, actor.ID)
	return task, nil
}

// Complete completes a task. A task claimed by another actor can only be
// completed by a caller holding the admin override capability.
func (m *Manager) Complete(ctx context.Context, taskID string, actor schema.ActorContext) (*store.Task, error) {
	override := actor.HasCapability(schema.CapabilityAdminOverride)
	task, err := m.store.CompleteTask(ctx, taskID, actor.ID, override)
	if err != nil {
		return nil, err
	}

	if override && task.ClaimedBy != "" && task.ClaimedBy != actor.ID {
		m.logger.WarnContext(ctx, "task completed by admin override",
			"task_id", task.ID,
			"claimed_by", task.ClaimedBy,
			"actor_id", actor.ID,
		)
	}

	m.publishTaskEvent(ctx, task, schema.EventTaskCompleted, actor.ID)
	return task, nil
}

func (m *Manager) Get(ctx context.Context, taskID string) (*store.Task, error) {
	return m.store.GetTask(ctx, taskID)
}

func (m *Manager) List(ctx context.Context, filter store.TaskFilter) ([]*store.Task, error) {
	return m.store.ListTasks(ctx, filter)
}

func (m *Manager) publishTaskEvent(ctx context.Context, task *store.Task, name, actorID string) {
	inst, err := m.store.GetInstance(ctx, task.InstanceID)
	if err != nil {
		m.logger.WarnContext(ctx, "task event not published, instance lookup failed",
			"task_id", task.ID, "error", err)
		return
	}
	def, err := m.registry.Get(ctx, inst.DefinitionID)
	if err != nil {
		m.logger.WarnContext(ctx, "task event not published, definition lookup failed",
			"task_id", task.ID, "error", err)
		return
	}

	m.publisher.Publish(ctx, schema.Event{
		Name:          name,
		TenantID:      inst.TenantID,
		DefinitionKey: def.Key,
		InstanceID:    inst.ID,
		OccurredAt:    time.Now().UTC(),
		Payload: map[string]any{
			"task_id":  task.ID,
			"state":    task.State,
			"status":   string(task.Status),
			"actor_id": actorID,
		},
	})
}
