package health

import (
	"context"

	"github.com/glimte/mmate-logforwarder/internal/rabbitmq"
	"github.com/glimte/mmate-logforwarder/internal/reliability"
)

// ConnectionStater is satisfied by *rabbitmq.ConnectionManager
type ConnectionStater interface {
	State() rabbitmq.ConnectionState
}

// ConnectionChecker maps the broker connection state onto health
type ConnectionChecker struct {
	source ConnectionStater
}

// NewConnectionChecker creates a new broker connection checker
func NewConnectionChecker(source ConnectionStater) *ConnectionChecker {
	return &ConnectionChecker{source: source}
}

func (c *ConnectionChecker) Name() string {
	return "rabbitmq"
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	state := c.source.State()
	result := CheckResult{
		Details: map[string]interface{}{"state": string(state)},
	}

	switch state {
	case rabbitmq.StateConnected:
		result.Status = StatusHealthy
		result.Message = "connected to broker"
	case rabbitmq.StateConnecting:
		result.Status = StatusDegraded
		result.Message = "connecting to broker"
	default:
		result.Status = StatusUnhealthy
		result.Message = "not connected to broker"
	}
	return result
}

// ConsumerStater is satisfied by *rabbitmq.Consumer
type ConsumerStater interface {
	Running() bool
	Queue() string
}

// ConsumerChecker reports whether the queue subscription is active
type ConsumerChecker struct {
	consumer func() ConsumerStater
}

// NewConsumerChecker takes a getter because the consumer is created after
// the health endpoints start
func NewConsumerChecker(consumer func() ConsumerStater) *ConsumerChecker {
	return &ConsumerChecker{consumer: consumer}
}

func (c *ConsumerChecker) Name() string {
	return "consumer"
}

func (c *ConsumerChecker) Check(ctx context.Context) CheckResult {
	consumer := c.consumer()
	if consumer == nil {
		return CheckResult{Status: StatusUnhealthy, Message: "consumer not started"}
	}

	result := CheckResult{
		Details: map[string]interface{}{"queue": consumer.Queue()},
	}
	if consumer.Running() {
		result.Status = StatusHealthy
		result.Message = "consuming"
	} else {
		result.Status = StatusUnhealthy
		result.Message = "consumer stopped"
	}
	return result
}

// BreakerChecker reports a sink as degraded while its circuit is not closed.
// Entries are still buffered, so this never makes the service unready.
type BreakerChecker struct {
	name     string
	breaker  *reliability.CircuitBreaker
	buffered func() int
}

// NewBreakerChecker creates a checker for a sink guarded by breaker.
// buffered may be nil.
func NewBreakerChecker(name string, breaker *reliability.CircuitBreaker, buffered func() int) *BreakerChecker {
	return &BreakerChecker{name: name, breaker: breaker, buffered: buffered}
}

func (c *BreakerChecker) Name() string {
	return c.name
}

func (c *BreakerChecker) Check(ctx context.Context) CheckResult {
	state := c.breaker.GetState()
	result := CheckResult{
		Details: map[string]interface{}{"circuit": state.String()},
	}
	if c.buffered != nil {
		result.Details["buffered"] = c.buffered()
	}

	if state == reliability.StateClosed {
		result.Status = StatusHealthy
		result.Message = "sink reachable"
	} else {
		result.Status = StatusDegraded
		result.Message = "sink failing, circuit " + state.String()
	}
	return result
}
