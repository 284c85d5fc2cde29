package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/aquenix/flowstate/internal/store"
	"github.com/aquenix/flowstate/pkg/schema"
)

// SignalDrainer turns queued external signals into transition attempts.
// Signals are drained strictly in received order; each one is marked
// processed exactly once, with the outcome recorded on the row. A signal
// whose trigger matches no transition is not an engine failure: the
// rejection is recorded and draining continues.
type SignalDrainer struct {
	store    store.Store
	engine   *Engine
	logger   *slog.Logger
	interval time.Duration
	batch    int

	cancel context.CancelFunc
	done   chan struct{}
}

func NewSignalDrainer(st store.Store, eng *Engine, logger *slog.Logger, interval time.Duration, batch int) *SignalDrainer {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	return &SignalDrainer{
		store:    st,
		engine:   eng,
		logger:   logger,
		interval: interval,
		batch:    batch,
	}
}

// Start launches the drain loop. Stop shuts it down.
func (d *SignalDrainer) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})

	go func() {
		defer close(d.done)
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.DrainOnce(ctx)
			}
		}
	}()
}

// Stop halts the drain loop and waits for the in-flight pass to finish.
func (d *SignalDrainer) Stop() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	<-d.done
}

// DrainOnce processes one batch of pending signals in received order.
// Returns how many signals were processed.
func (d *SignalDrainer) DrainOnce(ctx context.Context) int {
	pending, err := d.store.PendingSignals(ctx, d.batch)
	if err != nil {
		d.logger.ErrorContext(ctx, "signal drain failed", "error", err)
		return 0
	}

	processed := 0
	for _, sig := range pending {
		if ctx.Err() != nil {
			return processed
		}
		d.process(ctx, sig)
		processed++
	}
	return processed
}

func (d *SignalDrainer) process(ctx context.Context, sig *store.SignalRecord) {
	var payload map[string]any
	if len(sig.Payload) > 0 {
		if err := json.Unmarshal(sig.Payload, &payload); err != nil {
			d.finish(ctx, sig, "malformed signal payload: "+err.Error())
			return
		}
	}

	_, err := d.engine.ApplyTransition(ctx, TransitionRequest{
		InstanceID: sig.InstanceID,
		Trigger:    sig.Signal,
		Actor:      schema.ActorContext{ID: sig.ActorID},
		Payload:    payload,
	})

	switch {
	case err == nil:
		d.finish(ctx, sig, "")
	case schema.IsBusinessRejection(err):
		// Expected outcomes: no matching edge, guard said no, instance
		// already closed. Recorded, not retried.
		d.finish(ctx, sig, err.Error())
	default:
		d.logger.ErrorContext(ctx, "signal processing failed",
			"signal_id", sig.ID,
			"instance_id", sig.InstanceID,
			"signal", sig.Signal,
			"error", err,
		)
		d.finish(ctx, sig, err.Error())
	}
}

func (d *SignalDrainer) finish(ctx context.Context, sig *store.SignalRecord, outcome string) {
	if err := d.store.MarkSignalProcessed(ctx, sig.ID, outcome); err != nil {
		d.logger.ErrorContext(ctx, "mark signal processed failed",
			"signal_id", sig.ID, "error", err)
	}
}
