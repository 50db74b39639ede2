package resilience

import (
	"time"

	"github.com/mimirai/voice-gateway/internal/observability"
)

// NewInstrumentedBreaker creates a circuit breaker whose state and failures are exported to Prometheus.
func NewInstrumentedBreaker(name string, maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	cb := NewCircuitBreaker(name, maxFailures, resetTimeout)
	observability.UpdateCircuitBreakerState(name, int(StateClosed))
	cb.OnStateChange(func(name string, from, to CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(to))
		if to == StateOpen {
			observability.IncrementCircuitBreakerFailures(name)
			logger := observability.GetLogger()
			logger.Warn().
				Str("service", name).
				Str("from", from.String()).
				Msg("Circuit breaker opened")
		}
	})
	return cb
}
