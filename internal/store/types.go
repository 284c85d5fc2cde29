package store

import (
	"encoding/json"
	"time"

	"github.com/aquenix/flowstate/pkg/schema"
)

// Instance is the persisted representation of a running workflow execution.
// Version is the optimistic-concurrency counter: every committed state
// change increments it, and conditional writes are keyed on it.
type Instance struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	DefinitionID   string         `json:"definition_id"`
	EntityType     string         `json:"entity_type"`
	EntityID       string         `json:"entity_id"`
	State          string         `json:"state"`
	Context        map[string]any `json:"context,omitempty"`
	Version        int64          `json:"version"`
	StartedAt      time.Time      `json:"started_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	EnteredStateAt time.Time      `json:"entered_state_at"`
	ClosedAt       *time.Time     `json:"closed_at,omitempty"`
}

// Closed reports whether the instance has reached a terminal state.
func (i *Instance) Closed() bool { return i.ClosedAt != nil }

// TransitionRecord is an immutable entry in the per-instance transition log.
// Seq is a monotonically increasing per-instance sequence number.
type TransitionRecord struct {
	ID         int64           `json:"id"`
	InstanceID string          `json:"instance_id"`
	Seq        int64           `json:"seq"`
	FromState  string          `json:"from_state"`
	ToState    string          `json:"to_state"`
	Trigger    string          `json:"trigger"`
	ActorID    string          `json:"actor_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// TransitionCommit describes one atomic state change: the instance row
// update and the transition log entry are written in the same transaction,
// conditionally on the expected version.
type TransitionCommit struct {
	FromState  string
	ToState    string
	Context    map[string]any
	Close      bool
	Trigger    string
	ActorID    string
	Payload    json.RawMessage
	OccurredAt time.Time
}

// Task is a unit of work created by a create.task on-enter action,
// scoped to the state that created it.
type Task struct {
	ID          string            `json:"id"`
	InstanceID  string            `json:"instance_id"`
	State       string            `json:"state"`
	AssigneeID  string            `json:"assignee_id,omitempty"`
	Role        string            `json:"role,omitempty"`
	Status      schema.TaskStatus `json:"status"`
	DueAt       *time.Time        `json:"due_at,omitempty"`
	ClaimedBy   string            `json:"claimed_by,omitempty"`
	ClaimedAt   *time.Time        `json:"claimed_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Escalation is one SLA escalation firing. At most one row exists per
// (instance_id, state, level); the store enforces this with a unique index.
type Escalation struct {
	ID         string          `json:"id"`
	InstanceID string          `json:"instance_id"`
	State      string          `json:"state"`
	Level      int             `json:"level"`
	Target     string          `json:"target"`
	Channel    string          `json:"channel,omitempty"`
	SentAt     time.Time       `json:"sent_at"`
	Meta       json.RawMessage `json:"meta,omitempty"`
}

// Webhook is a subscription registered against a definition key. Keying on
// (tenant_id, definition_key) rather than a definition version ID keeps
// subscriptions alive across version bumps.
type Webhook struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	DefinitionKey string    `json:"definition_key"`
	Event         string    `json:"event"`
	URL           string    `json:"url"`
	Secret        string    `json:"-"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
}

// Delivery is the persisted record of one webhook delivery, including its
// retry history and terminal outcome. The ID doubles as the idempotency key
// receivers use to de-duplicate.
type Delivery struct {
	ID             string                `json:"id"`
	WebhookID      string                `json:"webhook_id"`
	Event          string                `json:"event"`
	InstanceID     string                `json:"instance_id,omitempty"`
	Payload        json.RawMessage       `json:"payload"`
	Status         schema.DeliveryStatus `json:"status"`
	Attempts       int                   `json:"attempts"`
	LastStatusCode int                   `json:"last_status_code,omitempty"`
	LastError      string                `json:"last_error,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
	DeliveredAt    *time.Time            `json:"delivered_at,omitempty"`
}

// SignalRecord is an external event queued against a running instance,
// consumed asynchronously by the transition engine.
type SignalRecord struct {
	ID          string          `json:"id"`
	InstanceID  string          `json:"instance_id"`
	Signal      string          `json:"signal"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ActorID     string          `json:"actor_id,omitempty"`
	ReceivedAt  time.Time       `json:"received_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// --- Filter and update types ---

// DefinitionFilter specifies criteria for listing definitions.
type DefinitionFilter struct {
	TenantID string                   `json:"tenant_id,omitempty"`
	Key      string                   `json:"key,omitempty"`
	Status   *schema.DefinitionStatus `json:"status,omitempty"`
	Limit    int                      `json:"limit,omitempty"`
}

// InstanceFilter specifies criteria for listing instances.
type InstanceFilter struct {
	TenantID   string `json:"tenant_id,omitempty"`
	State      string `json:"state,omitempty"`
	EntityType string `json:"entity_type,omitempty"`
	EntityID   string `json:"entity_id,omitempty"`
	Open       *bool  `json:"open,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	Offset     int    `json:"offset,omitempty"`
}

// TaskFilter specifies criteria for listing tasks.
type TaskFilter struct {
	InstanceID string             `json:"instance_id,omitempty"`
	AssigneeID string             `json:"assignee_id,omitempty"`
	Role       string             `json:"role,omitempty"`
	Status     *schema.TaskStatus `json:"status,omitempty"`
	Limit      int                `json:"limit,omitempty"`
}

// WebhookFilter specifies criteria for listing webhook subscriptions.
type WebhookFilter struct {
	TenantID      string `json:"tenant_id,omitempty"`
	DefinitionKey string `json:"definition_key,omitempty"`
	Event         string `json:"event,omitempty"`
	ActiveOnly    bool   `json:"active_only,omitempty"`
}

// DeliveryFilter specifies criteria for listing deliveries.
type DeliveryFilter struct {
	WebhookID  string                 `json:"webhook_id,omitempty"`
	InstanceID string                 `json:"instance_id,omitempty"`
	Status     *schema.DeliveryStatus `json:"status,omitempty"`
	Limit      int                    `json:"limit,omitempty"`
}

// DeliveryUpdate specifies mutable fields of a delivery.
type DeliveryUpdate struct {
	Status         *schema.DeliveryStatus `json:"status,omitempty"`
	Attempts       *int                   `json:"attempts,omitempty"`
	LastStatusCode *int                   `json:"last_status_code,omitempty"`
	LastError      *string                `json:"last_error,omitempty"`
	DeliveredAt    *time.Time             `json:"delivered_at,omitempty"`
}
