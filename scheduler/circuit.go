package scheduler

import (
	"sync"
	"time"

	"fundflow/config"
	"fundflow/models"

	"github.com/jpillora/backoff"
)

// circuitBreaker tracks batch-fetch failures per exchange. After the failure
// threshold the circuit opens for a cooldown that doubles on every
// consecutive re-open, capped at the configured maximum. When the cooldown
// elapses the circuit half-opens and admits exactly one trial fetch for the
// whole exchange.
type circuitBreaker struct {
	cfg config.CircuitBreakerConfig

	mu     sync.Mutex
	states map[string]*circuitEntry
}

type circuitEntry struct {
	state        models.CircuitState
	failures     int
	openedAt     time.Time
	cooldown     time.Duration
	backoff      *backoff.Backoff
	trialGranted bool
}

func newCircuitBreaker(cfg config.CircuitBreakerConfig) *circuitBreaker {
	return &circuitBreaker{
		cfg:    cfg,
		states: make(map[string]*circuitEntry),
	}
}

func (cb *circuitBreaker) entry(key string) *circuitEntry {
	e, ok := cb.states[key]
	if !ok {
		e = &circuitEntry{
			state: models.CircuitClosed,
			backoff: &backoff.Backoff{
				Min:    cb.cfg.Cooldown,
				Max:    cb.cfg.CooldownMax,
				Factor: 2,
				Jitter: false,
			},
		}
		cb.states[key] = e
	}
	return e
}

// Allow reports whether a fetch for key may run at now. In half-open state
// the single trial slot is consumed by the call that receives true.
func (cb *circuitBreaker) Allow(key string, now time.Time) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	e := cb.entry(key)
	switch e.state {
	case models.CircuitClosed:
		return true
	case models.CircuitOpen:
		if now.Sub(e.openedAt) < e.cooldown {
			return false
		}
		e.state = models.CircuitHalfOpen
		e.trialGranted = true
		return true
	case models.CircuitHalfOpen:
		if e.trialGranted {
			return false
		}
		e.trialGranted = true
		return true
	}
	return false
}

// RecordSuccess closes the circuit and resets the cooldown ladder.
func (cb *circuitBreaker) RecordSuccess(key string) (transitioned bool, from models.CircuitState) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	e := cb.entry(key)
	from = e.state
	transitioned = e.state != models.CircuitClosed

	e.state = models.CircuitClosed
	e.failures = 0
	e.trialGranted = false
	e.backoff.Reset()
	return transitioned, from
}

// RecordFailure counts a failure and reports whether the circuit opened as a
// result, plus the cooldown now in force. A half-open trial failure re-opens
// immediately with a doubled cooldown.
func (cb *circuitBreaker) RecordFailure(key string, now time.Time) (opened bool, failures int, cooldown time.Duration) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	e := cb.entry(key)
	e.failures++

	switch e.state {
	case models.CircuitHalfOpen:
		e.state = models.CircuitOpen
		e.openedAt = now
		e.cooldown = e.backoff.Duration()
		e.trialGranted = false
		return true, e.failures, e.cooldown
	case models.CircuitClosed:
		if e.failures >= cb.cfg.FailureThreshold {
			e.state = models.CircuitOpen
			e.openedAt = now
			e.cooldown = e.backoff.Duration()
			return true, e.failures, e.cooldown
		}
	}
	return false, e.failures, e.cooldown
}

// State returns the current state for key without mutating it.
func (cb *circuitBreaker) State(key string) models.CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	e, ok := cb.states[key]
	if !ok {
		return models.CircuitClosed
	}
	return e.state
}

// Failures returns the consecutive failure count for key.
func (cb *circuitBreaker) Failures(key string) int {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	e, ok := cb.states[key]
	if !ok {
		return 0
	}
	return e.failures
}
