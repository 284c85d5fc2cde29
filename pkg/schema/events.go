package schema

import (
	"context"
	"time"
)

// Lifecycle event names published to webhook subscribers.
const (
	EventInstanceStarted = "instance_started"
	EventTransition      = "transition"
	EventInstanceClosed  = "instance_closed"
	EventTaskCreated     = "task_created"
	EventTaskClaimed     = "task_claimed"
	EventTaskCompleted   = "task_completed"
	EventSLABreach       = "sla_breach"
	EventEscalation      = "escalation"
	EventSignalReceived  = "signal_received"
)

// Event is one lifecycle occurrence on an instance, offered to webhook
// subscribers. The payload is event-specific.
type Event struct {
	Name          string         `json:"event"`
	TenantID      string         `json:"tenant_id"`
	DefinitionKey string         `json:"definition_key"`
	InstanceID    string         `json:"instance_id,omitempty"`
	OccurredAt    time.Time      `json:"occurred_at"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// EventPublisher fans events out to external consumers. Publish must not
// block the caller on delivery: dispatch happens asynchronously and
// delivery failure never affects the operation that produced the event.
type EventPublisher interface {
	Publish(ctx context.Context, ev Event)
}

// NopPublisher drops all events.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) {}

// TaskStatus is the lifecycle state of a workflow task.
type TaskStatus string

const (
	TaskStatusOpen      TaskStatus = "open"
	TaskStatusClaimed   TaskStatus = "claimed"
	TaskStatusCompleted TaskStatus = "completed"
)

// DeliveryStatus is the lifecycle state of a webhook delivery.
type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusFailed    DeliveryStatus = "failed"
)

// ActorContext describes the caller requesting a transition or task
// operation. Role resolution happens upstream; the engine only reads it.
type ActorContext struct {
	ID           string         `json:"id"`
	Role         string         `json:"role,omitempty"`
	Roles        []string       `json:"roles,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Attributes   map[string]any `json:"attributes,omitempty"`
}

// HasRole reports whether the actor holds the named role, either as the
// primary role or in the roles list.
func (a *ActorContext) HasRole(name string) bool {
	if a == nil {
		return false
	}
	if a.Role == name {
		return true
	}
	for _, r := range a.Roles {
		if r == name {
			return true
		}
	}
	return false
}

// HasCapability reports whether the actor holds the named capability.
func (a *ActorContext) HasCapability(name string) bool {
	if a == nil {
		return false
	}
	for _, c := range a.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

// CapabilityAdminOverride lets an actor complete tasks claimed by others.
const CapabilityAdminOverride = "workflow.admin_override"

// Map renders the actor as a plain map for guard expression scopes.
func (a *ActorContext) Map() map[string]any {
	if a == nil {
		return map[string]any{}
	}
	m := map[string]any{
		"id":   a.ID,
		"role": a.Role,
	}
	roles := make([]any, 0, len(a.Roles))
	for _, r := range a.Roles {
		roles = append(roles, r)
	}
	m["roles"] = roles
	caps := make([]any, 0, len(a.Capabilities))
	for _, c := range a.Capabilities {
		caps = append(caps, c)
	}
	m["capabilities"] = caps
	for k, v := range a.Attributes {
		m[k] = v
	}
	return m
}
