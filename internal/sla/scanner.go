// Package sla watches how long open instances have occupied their current
// state and fires escalations when a state's SLA threshold is exceeded.
// Idempotency is carried by the store's unique (instance, state, level)
// index, so any number of overlapping scanners fire each level once.
package sla

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/aquenix/flowstate/internal/logging"
	"github.com/aquenix/flowstate/internal/registry"
	"github.com/aquenix/flowstate/internal/store"
	"github.com/aquenix/flowstate/pkg/schema"
)

// Config tunes the scan loop.
type Config struct {
	// Interval between scan passes. Ignored when Schedule is set.
	Interval time.Duration
	// Schedule is an optional cron expression (minute resolution) that
	// replaces the fixed interval, for deployments that want scans tied
	// to wall-clock times.
	Schedule string
	// ThresholdForLevel maps an escalation level to the occupancy duration
	// that triggers it. The default policy is multiples of the base
	// threshold: level N fires at N times the state's threshold.
	ThresholdForLevel func(base time.Duration, level int) time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.ThresholdForLevel == nil {
		c.ThresholdForLevel = func(base time.Duration, level int) time.Duration {
			return base * time.Duration(level)
		}
	}
	return c
}

type Scanner struct {
	store     store.Store
	registry  *registry.Registry
	publisher schema.EventPublisher
	logger    *slog.Logger
	cfg       Config
	parser    cron.Parser

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewScanner(st store.Store, reg *registry.Registry, publisher schema.EventPublisher, logger *slog.Logger, cfg Config) *Scanner {
	if publisher == nil {
		publisher = schema.NopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		store:     st,
		registry:  reg,
		publisher: publisher,
		logger:    logger,
		cfg:       cfg.withDefaults(),
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Start launches the background scan loop.
func (s *Scanner) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return fmt.Errorf("sla scanner already started")
	}

	if s.cfg.Schedule != "" {
		if _, err := s.parser.Parse(s.cfg.Schedule); err != nil {
			return fmt.Errorf("invalid scan schedule %q: %w", s.cfg.Schedule, err)
		}
	}

	scanCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(scanCtx)
	s.logger.Info("sla scanner started",
		"interval", s.cfg.Interval.String(),
		"schedule", s.cfg.Schedule,
	)
	return nil
}

// Stop halts the loop and waits for an in-flight pass to finish.
func (s *Scanner) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Scanner) loop(ctx context.Context) {
	defer close(s.done)

	// Initial pass immediately, then on the configured cadence.
	s.ScanOnce(ctx)

	for {
		wait := s.cfg.Interval
		if s.cfg.Schedule != "" {
			if sched, err := s.parser.Parse(s.cfg.Schedule); err == nil {
				wait = time.Until(sched.Next(time.Now()))
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			s.ScanOnce(ctx)
		}
	}
}

// ScanOnce walks all open instances and fires every escalation level whose
// threshold has been exceeded for the current state occupancy. Returns the
// number of escalations fired by this pass.
func (s *Scanner) ScanOnce(ctx context.Context) int {
	open := true
	instances, err := s.store.ListInstances(ctx, store.InstanceFilter{Open: &open})
	if err != nil {
		s.logger.ErrorContext(ctx, "sla scan failed", "error", err)
		return 0
	}

	fired := 0
	now := time.Now().UTC()
	for _, inst := range instances {
		if ctx.Err() != nil {
			return fired
		}
		fired += s.scanInstance(ctx, inst, now)
	}
	return fired
}

func (s *Scanner) scanInstance(ctx context.Context, inst *store.Instance, now time.Time) int {
	def, err := s.registry.Get(ctx, inst.DefinitionID)
	if err != nil {
		s.logger.ErrorContext(ctx, "sla scan skipped instance, definition lookup failed",
			"instance_id", inst.ID, "error", err)
		return 0
	}

	state := def.Spec.FindState(inst.State)
	if state == nil || state.SLA == nil {
		return 0
	}

	sla := state.SLA
	base := time.Duration(sla.ThresholdSeconds) * time.Second
	elapsed := now.Sub(inst.EnteredStateAt)

	// Resume after the highest level already recorded for this state
	// occupancy. The conditional insert in fire remains the authoritative
	// dedup when concurrent scanners race past this read.
	start := 1
	if maxLevel, err := s.store.MaxEscalationLevel(ctx, inst.ID, inst.State); err != nil {
		s.logger.WarnContext(ctx, "escalation level lookup failed",
			"instance_id", inst.ID, "error", err)
	} else {
		start = maxLevel + 1
	}

	fired := 0
	for level := start; level <= sla.LevelCap(); level++ {
		if elapsed < s.cfg.ThresholdForLevel(base, level) {
			break
		}
		if s.fire(ctx, def, inst, sla, level, elapsed, now) {
			fired++
		}
	}
	return fired
}

// fire records one escalation level. The conditional insert is the
// idempotency gate: a level already recorded for this (instance, state)
// occupancy is skipped without side effects.
func (s *Scanner) fire(ctx context.Context, def *schema.Definition, inst *store.Instance, sla *schema.SLA, level int, elapsed time.Duration, now time.Time) bool {
	target := sla.TargetForLevel(level)

	inserted, err := s.store.InsertEscalation(ctx, &store.Escalation{
		ID:         uuid.NewString(),
		InstanceID: inst.ID,
		State:      inst.State,
		Level:      level,
		Target:     target.Target,
		Channel:    target.Channel,
		SentAt:     now,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "escalation insert failed",
			"instance_id", inst.ID, "level", level, "error", err)
		return false
	}
	if !inserted {
		return false
	}

	ctx = logging.WithIDs(ctx, inst.TenantID, inst.ID, "")
	s.logger.WarnContext(ctx, "sla escalation fired",
		"state", inst.State,
		"level", level,
		"target", target.Target,
		"occupied_for", elapsed.String(),
	)

	payload := map[string]any{
		"state":            inst.State,
		"level":            level,
		"target":           target.Target,
		"channel":          target.Channel,
		"occupied_seconds": int64(elapsed.Seconds()),
	}
	if level == 1 {
		s.publishEvent(ctx, def, inst, schema.EventSLABreach, payload, now)
	}
	s.publishEvent(ctx, def, inst, schema.EventEscalation, payload, now)
	return true
}

func (s *Scanner) publishEvent(ctx context.Context, def *schema.Definition, inst *store.Instance, name string, payload map[string]any, now time.Time) {
	s.publisher.Publish(ctx, schema.Event{
		Name:          name,
		TenantID:      inst.TenantID,
		DefinitionKey: def.Key,
		InstanceID:    inst.ID,
		OccurredAt:    now,
		Payload:       payload,
	})
}
