// Package webhook delivers lifecycle events to subscribed HTTP endpoints.
// Deliveries are asynchronous, signed, retried with exponential backoff and
// gated by a per-endpoint circuit breaker; a failing subscriber never
// affects the operation that produced the event.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aquenix/flowstate/internal/engine"
	"github.com/aquenix/flowstate/internal/store"
	"github.com/aquenix/flowstate/pkg/schema"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body,
// keyed with the subscription secret.
const SignatureHeader = "X-Flowstate-Signature"

// DeliveryHeader carries the delivery ID, which doubles as the
// idempotency key: retries of one delivery reuse the same ID.
const DeliveryHeader = "X-Flowstate-Delivery"

// EventHeader carries the event name.
const EventHeader = "X-Flowstate-Event"

// Config tunes the dispatcher.
type Config struct {
	Workers        int
	RequestTimeout time.Duration
	Retry          RetryPolicy
	Breaker        BreakerConfig
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	c.Retry = c.Retry.withDefaults()
	if c.Breaker.FailureThreshold <= 0 {
		c.Breaker = DefaultBreakerConfig()
	}
	return c
}

type Dispatcher struct {
	store    store.Store
	client   *http.Client
	pool     *engine.WorkerPool
	breakers *BreakerRegistry
	logger   *slog.Logger
	cfg      Config

	// lifeCtx outlives the publishing request: a delivery keeps retrying
	// after the transition that caused it has returned to the caller.
	lifeCtx context.Context
	cancel  context.CancelFunc

	// inflight tracks deliveries from hand-off through completion. The
	// pool bounds HTTP concurrency; this waitgroup covers the gap between
	// Publish returning and a pool slot opening up.
	inflight sync.WaitGroup
}

func NewDispatcher(st store.Store, logger *slog.Logger, cfg Config) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Dispatcher{
		store:    st,
		client:   &http.Client{Timeout: cfg.RequestTimeout},
		pool:     engine.NewWorkerPool(cfg.Workers),
		breakers: NewBreakerRegistry(cfg.Breaker),
		logger:   logger,
		cfg:      cfg,
	}
}

// Start arms the dispatcher's delivery lifecycle.
func (d *Dispatcher) Start(ctx context.Context) {
	d.lifeCtx, d.cancel = context.WithCancel(context.WithoutCancel(ctx))
}

// Stop drains in-flight deliveries and rejects new ones. Deliveries still
// waiting for a pool slot are abandoned; their rows stay pending.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.inflight.Wait()
	d.pool.Shutdown()
}

// RegisterWebhook stores a new active subscription.
func (d *Dispatcher) RegisterWebhook(ctx context.Context, wh *store.Webhook) error {
	if wh.ID == "" {
		wh.ID = uuid.NewString()
	}
	if wh.URL == "" || wh.Secret == "" {
		return schema.NewError(schema.ErrCodeValidation, "webhook requires url and secret")
	}
	wh.Active = true
	return d.store.CreateWebhook(ctx, wh)
}

// Publish implements schema.EventPublisher. It records one delivery row per
// matching subscription and hands the deliveries to the worker pool; the
// caller never waits on a subscriber.
func (d *Dispatcher) Publish(ctx context.Context, ev schema.Event) {
	subs, err := d.store.ListWebhooks(ctx, store.WebhookFilter{
		TenantID:   ev.TenantID,
		ActiveOnly: true,
	})
	if err != nil {
		d.logger.ErrorContext(ctx, "webhook subscription lookup failed", "error", err)
		return
	}

	for _, wh := range subs {
		if !matches(wh, ev) {
			continue
		}
		d.dispatch(ctx, wh, ev)
	}
}

// matches applies subscription filters: an empty definition_key or event
// on the subscription matches everything.
func matches(wh *store.Webhook, ev schema.Event) bool {
	if wh.DefinitionKey != "" && wh.DefinitionKey != ev.DefinitionKey {
		return false
	}
	if wh.Event != "" && wh.Event != ev.Name {
		return false
	}
	return true
}

func (d *Dispatcher) dispatch(ctx context.Context, wh *store.Webhook, ev schema.Event) {
	deliveryID := uuid.NewString()

	body, err := json.Marshal(deliveryBody{
		Event:         ev.Name,
		TenantID:      ev.TenantID,
		DefinitionKey: ev.DefinitionKey,
		InstanceID:    ev.InstanceID,
		OccurredAt:    ev.OccurredAt,
		Payload:       ev.Payload,
		DeliveryID:    deliveryID,
	})
	if err != nil {
		d.logger.ErrorContext(ctx, "event not serializable", "event", ev.Name, "error", err)
		return
	}

	delivery := &store.Delivery{
		ID:         deliveryID,
		WebhookID:  wh.ID,
		Event:      ev.Name,
		InstanceID: ev.InstanceID,
		Payload:    body,
		Status:     schema.DeliveryStatusPending,
		CreatedAt:  time.Now().UTC(),
	}
	if err := d.store.CreateDelivery(ctx, delivery); err != nil {
		d.logger.ErrorContext(ctx, "delivery record failed", "webhook_id", wh.ID, "error", err)
		return
	}

	if d.lifeCtx == nil {
		d.Start(ctx)
	}

	// Hand off before the pool admits the work: a saturated pool must
	// slow deliveries down, never the transition or escalation that
	// produced the event.
	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		submitErr := d.pool.Submit(d.lifeCtx, func(ctx context.Context) error {
			return d.deliver(ctx, wh, delivery, body)
		})
		if submitErr != nil {
			d.logger.Warn("delivery not scheduled",
				"delivery_id", deliveryID, "error", submitErr)
		}
	}()
}

type deliveryBody struct {
	Event         string         `json:"event"`
	TenantID      string         `json:"tenant_id"`
	DefinitionKey string         `json:"definition_key"`
	InstanceID    string         `json:"instance_id,omitempty"`
	OccurredAt    time.Time      `json:"occurred_at"`
	Payload       map[string]any `json:"payload,omitempty"`
	DeliveryID    string         `json:"delivery_id"`
}

// deliver attempts the HTTP call under the retry policy. Every attempt is
// recorded on the delivery row; the terminal outcome is delivered or
// failed, never silently dropped.
func (d *Dispatcher) deliver(ctx context.Context, wh *store.Webhook, delivery *store.Delivery, body []byte) error {
	var lastErr string
	var lastStatus int

	for attempt := 1; attempt <= d.cfg.Retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := waitBackoff(ctx, d.cfg.Retry.backoff(attempt-1)); err != nil {
				break
			}
		}

		if err := d.breakers.AllowRequest(wh.ID); err != nil {
			lastErr = err.Error()
			d.recordAttempt(ctx, delivery, attempt, lastStatus, lastErr)
			continue
		}

		status, err := d.attempt(ctx, wh, delivery, body)
		lastStatus = status
		if err == nil {
			d.breakers.RecordSuccess(wh.ID)
			now := time.Now().UTC()
			delivered := schema.DeliveryStatusDelivered
			d.updateDelivery(ctx, delivery.ID, store.DeliveryUpdate{
				Status: &delivered, Attempts: &attempt,
				LastStatusCode: &status, DeliveredAt: &now,
			})
			d.logger.DebugContext(ctx, "webhook delivered",
				"delivery_id", delivery.ID,
				"webhook_id", wh.ID,
				"event", delivery.Event,
				"attempts", attempt,
			)
			return nil
		}

		lastErr = err.Error()
		d.breakers.RecordFailure(wh.ID)
		d.recordAttempt(ctx, delivery, attempt, status, lastErr)
	}

	failed := schema.DeliveryStatusFailed
	d.updateDelivery(ctx, delivery.ID, store.DeliveryUpdate{
		Status: &failed, LastError: &lastErr, LastStatusCode: &lastStatus,
	})
	d.logger.ErrorContext(ctx, "webhook delivery failed",
		"delivery_id", delivery.ID,
		"webhook_id", wh.ID,
		"event", delivery.Event,
		"last_error", lastErr,
	)
	return schema.NewErrorf(schema.ErrCodeDeliveryFailed,
		"delivery %s to webhook %s exhausted %d attempts",
		delivery.ID, wh.ID, d.cfg.Retry.MaxAttempts)
}

func (d *Dispatcher) attempt(ctx context.Context, wh *store.Webhook, delivery *store.Delivery, body []byte) (int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, wh.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, delivery.Event)
	req.Header.Set(DeliveryHeader, delivery.ID)
	req.Header.Set(SignatureHeader, Sign(wh.Secret, body))

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func (d *Dispatcher) recordAttempt(ctx context.Context, delivery *store.Delivery, attempt, status int, errMsg string) {
	update := store.DeliveryUpdate{Attempts: &attempt, LastError: &errMsg}
	if status != 0 {
		update.LastStatusCode = &status
	}
	d.updateDelivery(ctx, delivery.ID, update)
}

func (d *Dispatcher) updateDelivery(ctx context.Context, id string, update store.DeliveryUpdate) {
	if err := d.store.UpdateDelivery(ctx, id, update); err != nil {
		d.logger.WarnContext(ctx, "delivery update failed", "delivery_id", id, "error", err)
	}
}

// Sign computes the hex HMAC-SHA256 of body with the subscription secret.
// Receivers recompute it over the raw bytes to authenticate the sender.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Deliveries returns the delivery history matching the filter.
func (d *Dispatcher) Deliveries(ctx context.Context, filter store.DeliveryFilter) ([]*store.Delivery, error) {
	return d.store.ListDeliveries(ctx, filter)
}

// Wait blocks until all scheduled deliveries finish. Test hook.
func (d *Dispatcher) Wait() {
	d.inflight.Wait()
	d.pool.Wait()
}
