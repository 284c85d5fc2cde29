// Package engine applies guarded transitions to workflow instances. All
// state changes go through optimistic concurrency: read, evaluate, then a
// conditional commit that retries the whole sequence on version conflict.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aquenix/flowstate/internal/guard"
	"github.com/aquenix/flowstate/internal/logging"
	"github.com/aquenix/flowstate/internal/registry"
	"github.com/aquenix/flowstate/internal/store"
	"github.com/aquenix/flowstate/internal/tasks"
	"github.com/aquenix/flowstate/pkg/schema"
)

// Config tunes the commit retry loop.
type Config struct {
	// MaxCommitRetries bounds how many times a transition is re-evaluated
	// after losing a version race before CONFLICT is surfaced.
	MaxCommitRetries int
	// RetryBackoff is the base delay between commit attempts; attempt N
	// waits N times this.
	RetryBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxCommitRetries <= 0 {
		c.MaxCommitRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 10 * time.Millisecond
	}
	return c
}

type Engine struct {
	store     store.Store
	registry  *registry.Registry
	guards    *guard.Evaluator
	tasks     *tasks.Manager
	publisher schema.EventPublisher
	logger    *slog.Logger
	cfg       Config
}

func New(st store.Store, reg *registry.Registry, guards *guard.Evaluator, tm *tasks.Manager, publisher schema.EventPublisher, logger *slog.Logger, cfg Config) *Engine {
	if publisher == nil {
		publisher = schema.NopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     st,
		registry:  reg,
		guards:    guards,
		tasks:     tm,
		publisher: publisher,
		logger:    logger,
		cfg:       cfg.withDefaults(),
	}
}

// StartRequest describes a new instance. The definition is resolved to the
// currently active version for (TenantID, DefinitionKey) and the instance
// stays pinned to that version for its whole life.
type StartRequest struct {
	TenantID      string
	DefinitionKey string
	EntityType    string
	EntityID      string
	Context       map[string]any
	Actor         schema.ActorContext
}

// StartInstance creates an instance in the definition's initial state and
// runs the initial state's on-enter actions. No transition log entry is
// written: the log records only traversed edges, so it stays a valid walk
// over the graph.
func (e *Engine) StartInstance(ctx context.Context, req StartRequest) (*store.Instance, error) {
	def, err := e.registry.ActiveByKey(ctx, req.TenantID, req.DefinitionKey)
	if err != nil {
		return nil, err
	}

	initial := def.Spec.FindState(def.Spec.Initial)
	if initial == nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"definition %s declares missing initial state %q", def.ID, def.Spec.Initial)
	}

	now := time.Now().UTC()
	inst := &store.Instance{
		ID:             uuid.NewString(),
		TenantID:       req.TenantID,
		DefinitionID:   def.ID,
		EntityType:     req.EntityType,
		EntityID:       req.EntityID,
		State:          def.Spec.Initial,
		Context:        req.Context,
		StartedAt:      now,
		UpdatedAt:      now,
		EnteredStateAt: now,
	}
	if initial.Terminal() {
		inst.ClosedAt = &now
	}

	if err := e.store.CreateInstance(ctx, inst); err != nil {
		return nil, err
	}

	ctx = logging.WithIDs(ctx, req.TenantID, inst.ID, req.Actor.ID)
	e.logger.InfoContext(ctx, "instance started",
		"definition_id", def.ID,
		"definition_version", def.Version,
		"state", inst.State,
		"entity_type", req.EntityType,
		"entity_id", req.EntityID,
	)

	e.publish(ctx, def, schema.Event{
		Name:       schema.EventInstanceStarted,
		InstanceID: inst.ID,
		OccurredAt: now,
		Payload: map[string]any{
			"state":              inst.State,
			"definition_version": def.Version,
			"entity_type":        req.EntityType,
			"entity_id":          req.EntityID,
			"actor_id":           req.Actor.ID,
		},
	})

	e.runOnEnter(ctx, def, initial, inst, req.Actor)

	if inst.Closed() {
		e.publish(ctx, def, schema.Event{
			Name:       schema.EventInstanceClosed,
			InstanceID: inst.ID,
			OccurredAt: now,
			Payload:    map[string]any{"state": inst.State},
		})
	}
	return inst, nil
}

// TransitionRequest asks for one guarded edge traversal.
type TransitionRequest struct {
	InstanceID string
	Trigger    string
	Actor      schema.ActorContext
	Payload    map[string]any
}

// ApplyTransition resolves the edge for the trigger, evaluates its guard
// and commits the state change. Losing a version race re-runs the whole
// read-guard-commit sequence against fresh state; after the retry budget
// the CONFLICT surfaces to the caller.
func (e *Engine) ApplyTransition(ctx context.Context, req TransitionRequest) (*store.TransitionRecord, error) {
	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxCommitRetries; attempt++ {
		if attempt > 0 {
			if err := waitBackoff(ctx, time.Duration(attempt)*e.cfg.RetryBackoff); err != nil {
				return nil, err
			}
		}

		rec, err := e.applyOnce(ctx, req)
		if err != nil && schema.IsCode(err, schema.ErrCodeConflict) {
			lastErr = err
			continue
		}
		return rec, err
	}
	return nil, lastErr
}

func (e *Engine) applyOnce(ctx context.Context, req TransitionRequest) (*store.TransitionRecord, error) {
	inst, err := e.store.GetInstance(ctx, req.InstanceID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithIDs(ctx, inst.TenantID, inst.ID, req.Actor.ID)

	if inst.Closed() {
		return nil, schema.NewErrorf(schema.ErrCodeInstanceClosed,
			"instance is closed, no further transitions accepted").
			WithInstance(inst.ID)
	}

	def, err := e.registry.Get(ctx, inst.DefinitionID)
	if err != nil {
		return nil, err
	}

	state := def.Spec.FindState(inst.State)
	if state == nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"instance occupies state %q unknown to definition %s", inst.State, def.ID).
			WithInstance(inst.ID)
	}

	tr := state.FindTransition(req.Trigger)
	if tr == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNoSuchTransition,
			"state %q declares no transition for trigger %q", inst.State, req.Trigger).
			WithInstance(inst.ID).
			WithDetails(map[string]any{"state": inst.State, "trigger": req.Trigger})
	}

	allowed, err := e.guards.Allow(ctx, tr.Guard, guard.Scope{
		Actor:   req.Actor,
		Context: inst.Context,
		Payload: req.Payload,
	})
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, schema.NewErrorf(schema.ErrCodeGuardRejected,
			"guard rejected trigger %q from state %q", req.Trigger, inst.State).
			WithInstance(inst.ID).
			WithDetails(map[string]any{
				"state":    inst.State,
				"trigger":  req.Trigger,
				"actor_id": req.Actor.ID,
			})
	}

	dest := def.Spec.FindState(tr.To)
	if dest == nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"transition targets state %q unknown to definition %s", tr.To, def.ID).
			WithInstance(inst.ID)
	}

	var payload json.RawMessage
	if len(req.Payload) > 0 {
		payload, err = json.Marshal(req.Payload)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "transition payload is not serializable").
				WithCause(err)
		}
	}

	now := time.Now().UTC()
	rec, err := e.store.CommitTransition(ctx, inst.ID, inst.Version, store.TransitionCommit{
		FromState:  inst.State,
		ToState:    tr.To,
		Context:    inst.Context,
		Close:      dest.Terminal(),
		Trigger:    req.Trigger,
		ActorID:    req.Actor.ID,
		Payload:    payload,
		OccurredAt: now,
	})
	if err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "transition applied",
		"from", rec.FromState,
		"to", rec.ToState,
		"trigger", rec.Trigger,
		"seq", rec.Seq,
		"actor_id", req.Actor.ID,
	)

	e.publish(ctx, def, schema.Event{
		Name:       schema.EventTransition,
		InstanceID: inst.ID,
		OccurredAt: now,
		Payload: map[string]any{
			"from":     rec.FromState,
			"to":       rec.ToState,
			"trigger":  rec.Trigger,
			"seq":      rec.Seq,
			"actor_id": req.Actor.ID,
		},
	})

	// The committed instance for downstream actions.
	after := *inst
	after.State = tr.To
	after.Version = inst.Version + 1
	after.EnteredStateAt = now
	after.UpdatedAt = now
	if dest.Terminal() {
		after.ClosedAt = &now
	}

	e.runOnEnter(ctx, def, dest, &after, req.Actor)

	if dest.Terminal() {
		e.logger.InfoContext(ctx, "instance closed", "state", tr.To)
		e.publish(ctx, def, schema.Event{
			Name:       schema.EventInstanceClosed,
			InstanceID: inst.ID,
			OccurredAt: now,
			Payload:    map[string]any{"state": tr.To},
		})
	}
	return rec, nil
}

func (e *Engine) publish(ctx context.Context, def *schema.Definition, ev schema.Event) {
	ev.TenantID = def.TenantID
	ev.DefinitionKey = def.Key
	e.publisher.Publish(ctx, ev)
}

func waitBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
