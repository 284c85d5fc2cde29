// Package flow is the service boundary of the workflow engine. It composes
// the definition registry, guard evaluator, transition engine, task manager,
// SLA scanner and webhook dispatcher behind a single facade so embedders and
// the daemon wire one thing.
package flow

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aquenix/flowstate/internal/engine"
	"github.com/aquenix/flowstate/internal/guard"
	"github.com/aquenix/flowstate/internal/registry"
	"github.com/aquenix/flowstate/internal/sla"
	"github.com/aquenix/flowstate/internal/store"
	"github.com/aquenix/flowstate/internal/tasks"
	"github.com/aquenix/flowstate/internal/validation"
	"github.com/aquenix/flowstate/internal/webhook"
	"github.com/aquenix/flowstate/pkg/schema"
)

// Request types are the engine's, re-exported so embedders depend on this
// package only.
type (
	StartRequest      = engine.StartRequest
	TransitionRequest = engine.TransitionRequest
)

// SignalRequest queues an external event against a running instance. The
// signal is applied asynchronously through the same transition path as a
// direct ApplyTransition call.
type SignalRequest struct {
	InstanceID string
	Signal     string
	Payload    map[string]any
	ActorID    string
}

// Config tunes the composed service. Zero values get sensible defaults.
type Config struct {
	// DBPath is the libSQL database location. Required.
	DBPath string

	Logger *slog.Logger

	Engine  engine.Config
	SLA     sla.Config
	Webhook webhook.Config

	// SignalInterval is how often the queue of pending signals is drained.
	SignalInterval time.Duration
	// SignalBatch bounds how many signals one drain pass picks up.
	SignalBatch int
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.SignalInterval <= 0 {
		c.SignalInterval = 2 * time.Second
	}
	if c.SignalBatch <= 0 {
		c.SignalBatch = 64
	}
	return c
}

// Service is the workflow engine facade.
type Service struct {
	store      *store.LibSQLStore
	registry   *registry.Registry
	engine     *engine.Engine
	tasks      *tasks.Manager
	scanner    *sla.Scanner
	drainer    *engine.SignalDrainer
	dispatcher *webhook.Dispatcher
	logger     *slog.Logger
	started    bool
	stopped    bool
}

// New opens the store, runs migrations, and wires every component. Events
// from the engine, task manager and scanner flow into the webhook
// dispatcher, which fans them out to registered subscriptions.
func New(cfg Config) (*Service, error) {
	cfg = cfg.withDefaults()

	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(context.Background()); err != nil {
		st.Close()
		return nil, err
	}

	guards, err := guard.NewEvaluator()
	if err != nil {
		st.Close()
		return nil, err
	}
	validator, err := validation.NewSpecValidator(guards)
	if err != nil {
		st.Close()
		return nil, err
	}

	reg := registry.New(st, validator, cfg.Logger)
	dispatcher := webhook.NewDispatcher(st, cfg.Logger, cfg.Webhook)
	taskMgr := tasks.NewManager(st, reg, dispatcher, cfg.Logger)
	eng := engine.New(st, reg, guards, taskMgr, dispatcher, cfg.Logger, cfg.Engine)
	drainer := engine.NewSignalDrainer(st, eng, cfg.Logger, cfg.SignalInterval, cfg.SignalBatch)
	scanner := sla.NewScanner(st, reg, dispatcher, cfg.Logger, cfg.SLA)

	return &Service{
		store:      st,
		registry:   reg,
		engine:     eng,
		tasks:      taskMgr,
		scanner:    scanner,
		drainer:    drainer,
		dispatcher: dispatcher,
		logger:     cfg.Logger,
	}, nil
}

// Start launches the background loops: signal drain, SLA scan and webhook
// delivery. Synchronous operations work without Start; only queued signals,
// escalations and deliveries need it. The lifecycle is one-shot: a stopped
// service cannot be restarted.
func (s *Service) Start(ctx context.Context) error {
	if s.started {
		return schema.NewError(schema.ErrCodeConflict, "service already started")
	}
	if s.stopped {
		return schema.NewError(schema.ErrCodeConflict, "service already stopped")
	}
	s.dispatcher.Start(ctx)
	s.drainer.Start(ctx)
	if err := s.scanner.Start(ctx); err != nil {
		s.drainer.Stop()
		s.dispatcher.Stop()
		return err
	}
	s.started = true
	return nil
}

// Stop halts the background loops, draining in-flight webhook deliveries.
// Safe to call more than once and without a prior Start: the dispatcher may
// have begun delivering on first publish regardless.
func (s *Service) Stop() {
	s.scanner.Stop()
	s.drainer.Stop()
	s.dispatcher.Stop()
	s.started = false
	s.stopped = true
}

// Close stops the service and releases the store.
func (s *Service) Close() error {
	s.Stop()
	return s.store.Close()
}

// --- Definitions ---

// LoadDefinition validates a spec and stores it as the next draft version
// for the tenant and key. Loading never activates.
func (s *Service) LoadDefinition(ctx context.Context, tenantID, key string, spec schema.Spec) (*schema.Definition, error) {
	return s.registry.Load(ctx, tenantID, key, spec)
}

// ActivateDefinition makes a stored version the active one for its key,
// retiring the previous active version. Running instances keep the version
// they started on.
func (s *Service) ActivateDefinition(ctx context.Context, id string) (*schema.Definition, error) {
	return s.registry.Activate(ctx, id)
}

func (s *Service) GetDefinition(ctx context.Context, id string) (*schema.Definition, error) {
	return s.registry.Get(ctx, id)
}

func (s *Service) ListDefinitions(ctx context.Context, filter store.DefinitionFilter) ([]*schema.Definition, error) {
	return s.registry.List(ctx, filter)
}

// --- Instances ---

// StartInstance creates an instance of the active definition for the
// request's tenant and key, in its initial state.
func (s *Service) StartInstance(ctx context.Context, req StartRequest) (*store.Instance, error) {
	return s.engine.StartInstance(ctx, req)
}

// ApplyTransition fires a trigger against an instance on behalf of an
// actor. Guard rejections and concurrency losses come back as typed
// business errors.
func (s *Service) ApplyTransition(ctx context.Context, req TransitionRequest) (*store.TransitionRecord, error) {
	return s.engine.ApplyTransition(ctx, req)
}

func (s *Service) GetInstance(ctx context.Context, id string) (*store.Instance, error) {
	return s.store.GetInstance(ctx, id)
}

func (s *Service) ListInstances(ctx context.Context, filter store.InstanceFilter) ([]*store.Instance, error) {
	return s.store.ListInstances(ctx, filter)
}

// ListTransitions returns the instance's append-only transition log in
// sequence order.
func (s *Service) ListTransitions(ctx context.Context, instanceID string) ([]*store.TransitionRecord, error) {
	return s.store.ListTransitions(ctx, instanceID)
}

// --- Signals ---

// SubmitSignal queues an external event for asynchronous application. The
// instance must exist and be open; the queued signal is applied in arrival
// order by the drain loop.
func (s *Service) SubmitSignal(ctx context.Context, req SignalRequest) (*store.SignalRecord, error) {
	inst, err := s.store.GetInstance(ctx, req.InstanceID)
	if err != nil {
		return nil, err
	}
	if inst.Closed() {
		return nil, schema.NewErrorf(schema.ErrCodeInstanceClosed,
			"instance %s is closed", inst.ID).WithInstance(inst.ID)
	}

	var payload json.RawMessage
	if len(req.Payload) > 0 {
		payload, err = json.Marshal(req.Payload)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "signal payload not serializable").WithCause(err)
		}
	}

	sig := &store.SignalRecord{
		ID:         uuid.NewString(),
		InstanceID: req.InstanceID,
		Signal:     req.Signal,
		Payload:    payload,
		ActorID:    req.ActorID,
		ReceivedAt: time.Now().UTC(),
	}
	if err := s.store.EnqueueSignal(ctx, sig); err != nil {
		return nil, err
	}

	if def, derr := s.registry.Get(ctx, inst.DefinitionID); derr == nil {
		s.dispatcher.Publish(ctx, schema.Event{
			Name:          schema.EventSignalReceived,
			TenantID:      def.TenantID,
			DefinitionKey: def.Key,
			InstanceID:    inst.ID,
			OccurredAt:    sig.ReceivedAt,
			Payload:       map[string]any{"signal": req.Signal, "signal_id": sig.ID},
		})
	}
	return sig, nil
}

// DrainSignals applies pending signals immediately instead of waiting for
// the background interval. Returns how many were processed.
func (s *Service) DrainSignals(ctx context.Context) int {
	return s.drainer.DrainOnce(ctx)
}

// --- Tasks ---

func (s *Service) GetTask(ctx context.Context, id string) (*store.Task, error) {
	return s.tasks.Get(ctx, id)
}

func (s *Service) ListTasks(ctx context.Context, filter store.TaskFilter) ([]*store.Task, error) {
	return s.tasks.List(ctx, filter)
}

// ClaimTask assigns an open task to the actor. Exactly one concurrent
// claimer wins; the rest get a business rejection.
func (s *Service) ClaimTask(ctx context.Context, taskID string, actor schema.ActorContext) (*store.Task, error) {
	return s.tasks.Claim(ctx, taskID, actor)
}

// CompleteTask finishes a task. Only the claimer may complete a claimed
// task unless the actor carries the admin override capability.
func (s *Service) CompleteTask(ctx context.Context, taskID string, actor schema.ActorContext) (*store.Task, error) {
	return s.tasks.Complete(ctx, taskID, actor)
}

// --- Webhooks and observability ---

// RegisterWebhook stores an active subscription. Deliveries to it carry an
// HMAC-SHA256 signature computed with the subscription secret.
func (s *Service) RegisterWebhook(ctx context.Context, wh *store.Webhook) error {
	return s.dispatcher.RegisterWebhook(ctx, wh)
}

func (s *Service) SetWebhookActive(ctx context.Context, id string, active bool) error {
	return s.store.SetWebhookActive(ctx, id, active)
}

func (s *Service) ListDeliveries(ctx context.Context, filter store.DeliveryFilter) ([]*store.Delivery, error) {
	return s.store.ListDeliveries(ctx, filter)
}

func (s *Service) ListEscalations(ctx context.Context, instanceID string) ([]*store.Escalation, error) {
	return s.store.ListEscalations(ctx, instanceID)
}

// ScanSLAs runs one SLA pass immediately. Returns how many escalations
// fired.
func (s *Service) ScanSLAs(ctx context.Context) int {
	return s.scanner.ScanOnce(ctx)
}
