package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-logforwarder/internal/metrics"
)

// MessageHandler processes one delivery. Returning an error rejects the
// message without requeue.
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) error

// ChannelSource hands out the channel to consume from. *ConnectionManager
// implements it.
type ChannelSource interface {
	GetChannel() (Channel, error)
}

// Consumer runs a single subscription on a queue
type Consumer struct {
	source         ChannelSource
	queue          string
	handler        MessageHandler
	prefetchCount  int
	consumerTag    string
	handlerTimeout time.Duration
	logger         *slog.Logger
	metrics        *metrics.Metrics

	mu      sync.Mutex
	running bool
	channel Channel
	cancel  context.CancelFunc
	done    chan struct{}
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithConsumerTag sets the consumer tag
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		if tag != "" {
			c.consumerTag = tag
		}
	}
}

// WithHandlerTimeout bounds the time a single delivery may take
func WithHandlerTimeout(timeout time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.handlerTimeout = timeout
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithConsumerMetrics records delivery outcomes
func WithConsumerMetrics(m *metrics.Metrics) ConsumerOption {
	return func(c *Consumer) {
		c.metrics = m
	}
}

// NewConsumer creates a stopped consumer for queue
func NewConsumer(source ChannelSource, queue string, handler MessageHandler, options ...ConsumerOption) (*Consumer, error) {
	if source == nil || handler == nil {
		return nil, fmt.Errorf("%w: channel source and handler are required", ErrInvalidConfiguration)
	}
	if queue == "" {
		return nil, fmt.Errorf("%w: queue name is required", ErrInvalidConfiguration)
	}

	c := &Consumer{
		source:         source,
		queue:          queue,
		handler:        handler,
		prefetchCount:  10,
		consumerTag:    "logforwarder-" + uuid.NewString(),
		handlerTimeout: 30 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	if c.prefetchCount < 1 {
		return nil, fmt.Errorf("%w: prefetch count must be at least 1", ErrInvalidConfiguration)
	}
	c.logger = c.logger.With("component", "consumer", "queue", queue)

	return c, nil
}

// Queue returns the queue name
func (c *Consumer) Queue() string {
	return c.queue
}

// ConsumerTag returns the tag used on the broker
func (c *Consumer) ConsumerTag() string {
	return c.consumerTag
}

// Running reports whether the subscription is active
func (c *Consumer) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Done is closed when the delivery loop of the most recent Start exits,
// whether through Stop or because the broker closed the stream. It is nil
// before the first Start.
func (c *Consumer) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Start subscribes to the queue. It is a no-op when already running.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}

	ch, err := c.source.GetChannel()
	if err != nil {
		return c.consumerError("start", err)
	}

	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		return c.consumerError("qos", err)
	}

	deliveries, err := ch.Consume(
		c.queue,
		c.consumerTag,
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,
	)
	if err != nil {
		return c.consumerError("consume", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	c.running = true
	c.channel = ch
	c.cancel = cancel
	c.done = done
	c.metrics.SetConsumerRunning(true)

	go c.processMessages(loopCtx, cancel, done, deliveries)

	c.logger.Info("subscribed to queue",
		"consumerTag", c.consumerTag,
		"prefetchCount", c.prefetchCount)

	return nil
}

// Stop cancels the subscription and waits for the delivery loop to exit.
// Cancel errors are ignored since the channel may already be gone. It is a
// no-op when not running.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	ch, cancel, done := c.channel, c.cancel, c.done
	c.running = false
	c.channel = nil
	c.mu.Unlock()

	if err := ch.Cancel(c.consumerTag, false); err != nil {
		c.logger.Debug("ignoring consumer cancel error", "error", err)
	}
	cancel()
	<-done

	c.metrics.SetConsumerRunning(false)
	c.logger.Info("consumer stopped")
}

// processMessages handles incoming messages until the context ends or the
// broker closes the delivery stream
func (c *Consumer) processMessages(ctx context.Context, cancel context.CancelFunc, done chan struct{}, deliveries <-chan amqp.Delivery) {
	defer close(done)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return

		case delivery, ok := <-deliveries:
			if !ok {
				// Server-side cancel or channel loss; nothing to acknowledge.
				c.logger.Warn("delivery stream closed by broker", "consumerTag", c.consumerTag)
				c.markStopped(done)
				return
			}
			c.handleDelivery(ctx, delivery)
		}
	}
}

func (c *Consumer) markStopped(done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running && c.done == done {
		c.running = false
		c.channel = nil
		c.metrics.SetConsumerRunning(false)
	}
}

// handleDelivery runs the handler, then acks on success or nacks without
// requeue on failure
func (c *Consumer) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	start := time.Now()

	// In-flight messages finish even if Stop cancels the loop.
	msgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.handlerTimeout)
	defer cancel()

	err := c.invoke(msgCtx, delivery)
	if err != nil {
		c.logger.Error("failed to handle message",
			"error", err,
			"messageId", delivery.MessageId,
			"deliveryTag", delivery.DeliveryTag)

		if nackErr := delivery.Nack(false, false); nackErr != nil {
			c.logger.Error("failed to nack message",
				"error", nackErr,
				"originalError", err)
		}
		c.metrics.IncMessagesTotal("nacked")
	} else {
		if ackErr := delivery.Ack(false); ackErr != nil {
			c.logger.Error("failed to ack message", "error", ackErr)
		}
		c.metrics.IncMessagesTotal("acked")
	}

	c.metrics.ObserveProcessing(time.Since(start))
}

func (c *Consumer) invoke(ctx context.Context, delivery amqp.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.handler(ctx, delivery)
}

func (c *Consumer) consumerError(op string, err error) error {
	return &ConsumerError{
		Queue:       c.queue,
		ConsumerTag: c.consumerTag,
		Op:          op,
		Err:         err,
		Timestamp:   time.Now(),
	}
}
