package reliability

import "errors"

var (
	// ErrCircuitOpen matches every *CircuitBreakerError
	ErrCircuitOpen = errors.New("circuit breaker: circuit is open")
)
