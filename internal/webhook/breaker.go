package webhook

import (
	"sync"
	"time"

	"github.com/aquenix/flowstate/pkg/schema"
)

// CircuitState represents the state of an endpoint's circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // normal operation
	CircuitOpen                         // failing, rejecting deliveries
	CircuitHalfOpen                     // testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures per-endpoint circuit breaking.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failed deliveries
	// before the endpoint's circuit opens.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before a test delivery
	// is allowed through.
	Cooldown time.Duration
	// HalfOpenMax is the number of test deliveries allowed in half-open.
	HalfOpenMax int
}

// DefaultBreakerConfig returns the default breaker tuning.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// breaker tracks failure state for a single webhook endpoint.
type breaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
	config              BreakerConfig
}

// BreakerRegistry manages per-endpoint circuit breakers, keyed by webhook
// ID so one misbehaving endpoint never blocks deliveries to the others.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	config   BreakerConfig
}

func NewBreakerRegistry(config BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		breakers: make(map[string]*breaker),
		config:   config,
	}
}

// AllowRequest checks whether a delivery to the endpoint is allowed.
// Returns nil if allowed, or ErrCodeCircuitOpen if the circuit is open.
func (r *BreakerRegistry) AllowRequest(webhookID string) error {
	cb := r.getOrCreate(webhookID)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		if time.Since(cb.lastFailureTime) >= cb.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1 // this delivery is the first test request
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit open for webhook %q: %d consecutive failures",
			webhookID, cb.consecutiveFailures).
			WithDetails(map[string]any{
				"webhook_id":           webhookID,
				"consecutive_failures": cb.consecutiveFailures,
				"state":                cb.state.String(),
				"cooldown_remaining":   (cb.config.Cooldown - time.Since(cb.lastFailureTime)).String(),
			})

	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= cb.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit half-open for webhook %q: max test deliveries reached", webhookID)
		}
		cb.halfOpenAttempts++
		return nil
	}

	return nil
}

// RecordSuccess records a delivered webhook for the endpoint.
func (r *BreakerRegistry) RecordSuccess(webhookID string) {
	cb := r.getOrCreate(webhookID)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
}

// RecordFailure records a failed delivery. Returns the new circuit state.
func (r *BreakerRegistry) RecordFailure(webhookID string) CircuitState {
	cb := r.getOrCreate(webhookID)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureTime = time.Now()

	if cb.state == CircuitHalfOpen {
		// Any failure in half-open reopens the circuit.
		cb.state = CircuitOpen
		return CircuitOpen
	}

	if cb.consecutiveFailures >= cb.config.FailureThreshold {
		cb.state = CircuitOpen
		return CircuitOpen
	}

	return cb.state
}

// GetState returns the current circuit state for an endpoint.
func (r *BreakerRegistry) GetState(webhookID string) CircuitState {
	cb := r.getOrCreate(webhookID)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && time.Since(cb.lastFailureTime) >= cb.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}

	return cb.state
}

func (r *BreakerRegistry) getOrCreate(webhookID string) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[webhookID]
	if !ok {
		cb = &breaker{
			state:  CircuitClosed,
			config: r.config,
		}
		r.breakers[webhookID] = cb
	}
	return cb
}
