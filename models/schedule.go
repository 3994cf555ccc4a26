package models

import "time"

// CircuitState is the per-exchange circuit breaker state.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// ExchangeSymbolSchedule tracks polling bookkeeping for one (exchange, symbol)
// pair. Created at configuration load or symbol discovery, mutated on every
// poll attempt, deactivated rather than deleted when a symbol is dropped.
type ExchangeSymbolSchedule struct {
	Exchange            string        `json:"exchange"`
	Symbol              string        `json:"symbol"`
	Tier                string        `json:"tier"`
	TierPriority        int           `json:"tier_priority"`
	PollInterval        time.Duration `json:"poll_interval"`
	LastPolledAt        time.Time     `json:"last_polled_at"`
	LastSuccessAt       time.Time     `json:"last_success_at"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	CircuitState        CircuitState  `json:"circuit_state"`
	Active              bool          `json:"active"`
}

// Key returns the exchange|symbol identity of the schedule.
func (s ExchangeSymbolSchedule) Key() string {
	return s.Exchange + "|" + s.Symbol
}

// Due reports whether the schedule should be polled at the given instant.
// Circuit state is evaluated separately by the scheduler.
func (s ExchangeSymbolSchedule) Due(now time.Time) bool {
	return s.Active && !s.LastPolledAt.Add(s.PollInterval).After(now)
}
