package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	tenantIDKey ctxKey = iota
	instanceIDKey
	actorIDKey
)

// WithTenantID returns a context with the tenant ID set.
func WithTenantID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, tenantIDKey, id)
}

// WithInstanceID returns a context with the workflow instance ID set.
func WithInstanceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, instanceIDKey, id)
}

// WithActorID returns a context with the actor ID set.
func WithActorID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, actorIDKey, id)
}

// TenantID extracts the tenant ID from the context, or "" if absent.
func TenantID(ctx context.Context) string {
	v, _ := ctx.Value(tenantIDKey).(string)
	return v
}

// InstanceID extracts the instance ID from the context, or "" if absent.
func InstanceID(ctx context.Context) string {
	v, _ := ctx.Value(instanceIDKey).(string)
	return v
}

// ActorID extracts the actor ID from the context, or "" if absent.
func ActorID(ctx context.Context) string {
	v, _ := ctx.Value(actorIDKey).(string)
	return v
}

// WithIDs sets all three correlation IDs on the context at once.
func WithIDs(ctx context.Context, tenantID, instanceID, actorID string) context.Context {
	ctx = WithTenantID(ctx, tenantID)
	ctx = WithInstanceID(ctx, instanceID)
	ctx = WithActorID(ctx, actorID)
	return ctx
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := TenantID(ctx); v != "" {
		r.AddAttrs(slog.String("tenant_id", v))
	}
	if v := InstanceID(ctx); v != "" {
		r.AddAttrs(slog.String("instance_id", v))
	}
	if v := ActorID(ctx); v != "" {
		r.AddAttrs(slog.String("actor_id", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
