package store

import (
	"context"

	"github.com/aquenix/flowstate/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Definitions (immutable per version, one active per tenant/key)
	CreateDefinition(ctx context.Context, def *schema.Definition) error
	GetDefinition(ctx context.Context, id string) (*schema.Definition, error)
	GetActiveDefinition(ctx context.Context, tenantID, key string) (*schema.Definition, error)
	ActivateDefinition(ctx context.Context, id string) error
	ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*schema.Definition, error)

	// Instances (mutable, optimistic concurrency via version column)
	CreateInstance(ctx context.Context, inst *Instance) error
	GetInstance(ctx context.Context, id string) (*Instance, error)
	CommitTransition(ctx context.Context, instanceID string, expectedVersion int64, commit TransitionCommit) (*TransitionRecord, error)
	UpdateInstanceContext(ctx context.Context, instanceID string, expectedVersion int64, instCtx map[string]any) error
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*Instance, error)

	// Transition log (append-only)
	ListTransitions(ctx context.Context, instanceID string) ([]*TransitionRecord, error)

	// Tasks (claim/complete via status-conditional writes)
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ClaimTask(ctx context.Context, id, actorID string) (*Task, error)
	CompleteTask(ctx context.Context, id, actorID string, override bool) (*Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error)

	// Escalations (append-only, unique per (instance, state, level))
	InsertEscalation(ctx context.Context, esc *Escalation) (bool, error)
	MaxEscalationLevel(ctx context.Context, instanceID, state string) (int, error)
	ListEscalations(ctx context.Context, instanceID string) ([]*Escalation, error)

	// Webhook subscriptions
	CreateWebhook(ctx context.Context, wh *Webhook) error
	ListWebhooks(ctx context.Context, filter WebhookFilter) ([]*Webhook, error)
	SetWebhookActive(ctx context.Context, id string, active bool) error

	// Webhook deliveries
	CreateDelivery(ctx context.Context, d *Delivery) error
	UpdateDelivery(ctx context.Context, id string, update DeliveryUpdate) error
	ListDeliveries(ctx context.Context, filter DeliveryFilter) ([]*Delivery, error)

	// Signal queue
	EnqueueSignal(ctx context.Context, sig *SignalRecord) error
	PendingSignals(ctx context.Context, limit int) ([]*SignalRecord, error)
	MarkSignalProcessed(ctx context.Context, id string, procErr string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
