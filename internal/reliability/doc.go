// Package reliability provides the retry and failure-isolation primitives
// used around the broker connection and the remote log sinks.
//
//   - ExponentialBackoff: delay = initial * multiplier^attempt, used by the
//     connection manager between dial attempts
//   - Sleep: a context-aware wait
//   - CircuitBreaker: stops hammering a log backend that keeps failing
//
// Example usage:
//
//	cb := NewCircuitBreaker(
//	    WithName("loki"),
//	    WithFailureThreshold(5),
//	    WithTimeout(30 * time.Second),
//	)
//
//	err := cb.Execute(ctx, func(ctx context.Context) error {
//	    return push(ctx, batch)
//	})
package reliability
