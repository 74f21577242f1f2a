// Package forwarder ties the broker connection, the queue consumer, label
// extraction and the log sinks together.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-logforwarder/internal/labels"
	"github.com/glimte/mmate-logforwarder/internal/metrics"
	"github.com/glimte/mmate-logforwarder/internal/rabbitmq"
	"github.com/glimte/mmate-logforwarder/internal/reliability"
	"github.com/glimte/mmate-logforwarder/internal/sink"
)

// ErrConnectionLost is returned by Run when the broker connection drops and
// auto-reconnect is disabled
var ErrConnectionLost = errors.New("forwarder: broker connection lost")

// ConnectionManager is the part of *rabbitmq.ConnectionManager the service
// drives
type ConnectionManager interface {
	rabbitmq.ChannelSource
	Connect(ctx context.Context) error
	Disconnect()
	State() rabbitmq.ConnectionState
	OnStateChange(cb rabbitmq.StateChangeCallback)
}

// Config configures the service
type Config struct {
	Queue          string
	Prefetch       int
	ConsumerTag    string
	HandlerTimeout time.Duration

	// AutoReconnect re-establishes the connection after an unexpected loss.
	// ReconnectDelay is the pause between failed reconnect rounds.
	AutoReconnect  bool
	ReconnectDelay time.Duration

	// DeclareQueue declares Topology before every subscription
	DeclareQueue bool
	Topology     rabbitmq.QueueSpec
}

// Service forwards messages from one queue into a sink until its context
// ends
type Service struct {
	cfg       Config
	manager   ConnectionManager
	sink      sink.Sink
	extractor *labels.Extractor
	consumer  *rabbitmq.Consumer
	logger    *slog.Logger
	metrics   *metrics.Metrics

	events chan struct{}
	sleep  func(ctx context.Context, d time.Duration) error
}

// Option configures the service
type Option func(*Service)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records consumer metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// New creates the service. Nothing is dialed until Run.
func New(cfg Config, manager ConnectionManager, out sink.Sink, extractor *labels.Extractor, options ...Option) (*Service, error) {
	if manager == nil || out == nil || extractor == nil {
		return nil, errors.New("forwarder: manager, sink and extractor are required")
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.DeclareQueue && cfg.Topology.Name == "" {
		cfg.Topology.Name = cfg.Queue
	}

	s := &Service{
		cfg:       cfg,
		manager:   manager,
		sink:      out,
		extractor: extractor,
		logger:    slog.Default(),
		events:    make(chan struct{}, 1),
		sleep:     reliability.Sleep,
	}
	for _, opt := range options {
		opt(s)
	}
	s.logger = s.logger.With("component", "forwarder")

	consumerOpts := []rabbitmq.ConsumerOption{
		rabbitmq.WithConsumerTag(cfg.ConsumerTag),
		rabbitmq.WithConsumerLogger(s.logger),
		rabbitmq.WithConsumerMetrics(s.metrics),
	}
	if cfg.Prefetch > 0 {
		consumerOpts = append(consumerOpts, rabbitmq.WithPrefetchCount(cfg.Prefetch))
	}
	if cfg.HandlerTimeout > 0 {
		consumerOpts = append(consumerOpts, rabbitmq.WithHandlerTimeout(cfg.HandlerTimeout))
	}

	consumer, err := rabbitmq.NewConsumer(manager, cfg.Queue, s.handle, consumerOpts...)
	if err != nil {
		return nil, err
	}
	s.consumer = consumer

	return s, nil
}

// Consumer returns the queue consumer, for health reporting
func (s *Service) Consumer() *rabbitmq.Consumer {
	return s.consumer
}

// Run connects, subscribes and forwards until ctx ends, then releases the
// consumer, the sink and the connection in that order. It returns the
// *rabbitmq.ConnectionError when the initial connect fails, ErrConnectionLost
// when the connection drops with auto-reconnect disabled, and nil on a
// normal shutdown.
func (s *Service) Run(ctx context.Context) error {
	s.manager.OnStateChange(s.onStateChange)

	if err := s.manager.Connect(ctx); err != nil {
		s.closeSink()
		return err
	}

	if err := s.subscribe(ctx); err != nil {
		s.logger.Warn("initial subscription failed, retrying", "error", err)
		if err := s.recover(ctx); err != nil {
			return s.shutdown(err)
		}
	}

	s.logger.Info("forwarding started", "queue", s.cfg.Queue)
	done := s.consumer.Done()

	for {
		select {
		case <-ctx.Done():
			return s.shutdown(nil)

		case <-s.events:
			if s.manager.State() == rabbitmq.StateConnected {
				continue
			}
			s.logger.Warn("broker connection lost")

		case <-done:
			if ctx.Err() != nil {
				continue
			}
			s.logger.Warn("consumer stopped unexpectedly")
		}

		if err := s.recover(ctx); err != nil {
			return s.shutdown(err)
		}
		done = s.consumer.Done()
	}
}

// onStateChange runs on the manager's goroutines; it only signals Run
func (s *Service) onStateChange(state rabbitmq.ConnectionState) {
	if state != rabbitmq.StateDisconnected {
		return
	}
	select {
	case s.events <- struct{}{}:
	default:
	}
}

// recover stops the consumer and keeps reconnecting and resubscribing until
// it succeeds or ctx ends
func (s *Service) recover(ctx context.Context) error {
	s.consumer.Stop()

	for attempt := 1; ; attempt++ {
		if !s.cfg.AutoReconnect && s.manager.State() != rabbitmq.StateConnected {
			return ErrConnectionLost
		}

		err := s.manager.Connect(ctx)
		if err == nil {
			err = s.subscribe(ctx)
			if err == nil {
				s.logger.Info("forwarding resumed", "attempt", attempt)
				return nil
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.logger.Error("failed to resume forwarding",
			"error", err,
			"attempt", attempt,
			"retryIn", s.cfg.ReconnectDelay)

		if err := s.sleep(ctx, s.cfg.ReconnectDelay); err != nil {
			return err
		}
	}
}

func (s *Service) subscribe(ctx context.Context) error {
	if s.cfg.DeclareQueue {
		ch, err := s.manager.GetChannel()
		if err != nil {
			return err
		}
		if err := rabbitmq.DeclareQueue(ch, s.cfg.Topology); err != nil {
			return err
		}
	}
	return s.consumer.Start(ctx)
}

// shutdown maps context cancellation to a clean exit
func (s *Service) shutdown(cause error) error {
	s.consumer.Stop()
	s.closeSink()
	s.manager.Disconnect()

	if cause == nil || errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		s.logger.Info("forwarder stopped")
		return nil
	}
	return cause
}

func (s *Service) closeSink() {
	if err := s.sink.Close(); err != nil {
		s.logger.Error("failed to close sink", "error", err)
	}
}

// handle turns one delivery into a log entry. Any error makes the consumer
// reject the message.
func (s *Service) handle(ctx context.Context, delivery amqp.Delivery) error {
	entry, err := s.extractor.Extract(delivery.Body, metadata(s.cfg.Queue, delivery))
	if err != nil {
		return fmt.Errorf("extract log entry: %w", err)
	}
	if err := s.sink.Write(ctx, entry); err != nil {
		return fmt.Errorf("write log entry: %w", err)
	}
	return nil
}

func metadata(queue string, d amqp.Delivery) labels.Metadata {
	return labels.Metadata{
		Queue:       queue,
		RoutingKey:  d.RoutingKey,
		Exchange:    d.Exchange,
		ContentType: d.ContentType,
		MessageID:   d.MessageId,
		Timestamp:   d.Timestamp,
		Headers:     d.Headers,
	}
}
