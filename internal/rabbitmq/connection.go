package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-logforwarder/internal/metrics"
	"github.com/glimte/mmate-logforwarder/internal/reliability"
)

// ConnectionConfig holds the values the manager needs to reach the broker
type ConnectionConfig struct {
	URL               string
	ReconnectAttempts int           // dial attempts per Connect call, at least 1
	ReconnectDelay    time.Duration // delay after the first failed attempt, doubled each time
	MaxReconnectDelay time.Duration // caps a single backoff delay, zero leaves it uncapped
}

// Validate checks the configuration
func (c ConnectionConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidConfiguration)
	}
	if c.ReconnectAttempts < 1 {
		return fmt.Errorf("%w: reconnect attempts must be at least 1", ErrInvalidConfiguration)
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("%w: reconnect delay must be positive", ErrInvalidConfiguration)
	}
	if c.MaxReconnectDelay < 0 {
		return fmt.Errorf("%w: max reconnect delay must not be negative", ErrInvalidConfiguration)
	}
	return nil
}

// ConnectionManager owns at most one broker connection and at most one
// channel derived from it.
//
// Connect retries with exponential backoff; once it gives up, or once the
// broker drops an established connection, the manager reports
// StateDisconnected and leaves reconnecting to the caller.
type ConnectionManager struct {
	cfg      ConnectionConfig
	dialer   Dialer
	backoff  *reliability.ExponentialBackoff
	sleep    func(ctx context.Context, d time.Duration) error
	logger   *slog.Logger
	metrics  *metrics.Metrics
	notifier *StateNotifier

	// connectMu keeps a single Connect retry loop running at a time
	connectMu sync.Mutex

	mu           sync.Mutex
	conn         Connection
	channel      Channel
	shuttingDown bool
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		if logger != nil {
			cm.logger = logger
		}
	}
}

// WithDialer replaces the amqp091 dialer
func WithDialer(dialer Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		if dialer != nil {
			cm.dialer = dialer
		}
	}
}

// WithMetrics records connection metrics
func WithMetrics(m *metrics.Metrics) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.metrics = m
	}
}

// NewConnectionManager creates a manager in StateDisconnected. It does not
// dial; call Connect.
func NewConnectionManager(cfg ConnectionConfig, options ...ConnectionOption) (*ConnectionManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	backoff := reliability.NewExponentialBackoff(cfg.ReconnectDelay)
	backoff.MaxInterval = cfg.MaxReconnectDelay

	cm := &ConnectionManager{
		cfg:      cfg,
		dialer:   AMQPDialer{},
		backoff:  backoff,
		sleep:    reliability.Sleep,
		logger:   slog.Default(),
		notifier: NewStateNotifier(StateDisconnected),
	}

	for _, opt := range options {
		opt(cm)
	}
	cm.logger = cm.logger.With("component", "connection-manager")

	return cm, nil
}

// State returns the current lifecycle state
func (cm *ConnectionManager) State() ConnectionState {
	return cm.notifier.State()
}

// IsConnected reports whether the state is StateConnected
func (cm *ConnectionManager) IsConnected() bool {
	return cm.State() == StateConnected
}

// OnStateChange registers a callback invoked synchronously on every state
// transition, in registration order. Callbacks must not call Connect or
// Disconnect directly; hand the event to another goroutine instead.
func (cm *ConnectionManager) OnStateChange(cb StateChangeCallback) {
	cm.notifier.OnChange(cb)
}

// Connect dials the broker, retrying up to ReconnectAttempts times. It is a
// no-op when already connected. When every attempt fails the manager returns
// to StateDisconnected and a *ConnectionError is returned; the manager does
// not retry on its own after that.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.connectMu.Lock()
	defer cm.connectMu.Unlock()

	if cm.State() == StateConnected {
		return nil
	}

	cm.mu.Lock()
	cm.shuttingDown = false
	cm.mu.Unlock()

	cm.setState(StateConnecting)

	attempts := cm.cfg.ReconnectAttempts
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = errors.Join(lastErr, err)
			break
		}

		cm.logger.Debug("connecting to broker",
			"url", SanitizeURL(cm.cfg.URL),
			"attempt", attempt+1,
			"maxAttempts", attempts)

		conn, err := cm.dialer.Dial(cm.cfg.URL)
		if err == nil {
			closes, blocks, ok := cm.adopt(conn)
			if !ok {
				lastErr = ErrShuttingDown
				break
			}

			// The watcher starts only after the connected transition, so a
			// close that lands right after the dial is applied on top of it.
			cm.setState(StateConnected)
			if cm.isShuttingDown() {
				lastErr = ErrShuttingDown
				break
			}
			go cm.watchConnection(conn, closes, blocks)

			cm.metrics.IncConnectAttempts("success")
			cm.logger.Info("connected to broker",
				"url", SanitizeURL(cm.cfg.URL),
				"attempts", attempt+1)
			return nil
		}

		lastErr = err
		cm.metrics.IncConnectAttempts("failure")

		if cm.isShuttingDown() {
			cm.logger.Debug("shutdown requested, abandoning connect", "attempt", attempt+1)
			break
		}
		if attempt == attempts-1 {
			break
		}

		delay := cm.backoff.NextDelay(attempt)
		cm.logger.Warn("connection attempt failed",
			"error", err,
			"attempt", attempt+1,
			"maxAttempts", attempts,
			"nextRetryIn", delay)

		if err := cm.sleep(ctx, delay); err != nil {
			lastErr = errors.Join(lastErr, err)
			break
		}
		if cm.isShuttingDown() {
			break
		}
	}

	cm.setState(StateDisconnected)

	connErr := &ConnectionError{
		Op:        "connect",
		URL:       SanitizeURL(cm.cfg.URL),
		Err:       lastErr,
		Timestamp: time.Now(),
		Attempts:  attempts,
	}
	if !cm.isShuttingDown() {
		cm.logger.Error("unable to connect to broker", "error", connErr)
	}
	return connErr
}

// Disconnect tears down the channel and the connection, in that order, and
// always ends in StateDisconnected. Close errors are ignored. It does not
// interrupt a Connect that is waiting between attempts, but that loop will
// not dial again.
func (cm *ConnectionManager) Disconnect() {
	cm.mu.Lock()
	cm.shuttingDown = true
	ch, conn := cm.channel, cm.conn
	cm.channel = nil
	cm.conn = nil
	cm.mu.Unlock()

	if ch != nil {
		if err := ch.Close(); err != nil {
			cm.logger.Debug("ignoring channel close error", "error", err)
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			cm.logger.Debug("ignoring connection close error", "error", err)
		}
		cm.logger.Info("disconnected from broker")
	}

	cm.setState(StateDisconnected)
}

// GetChannel returns the manager's channel, opening it on first use. The
// returned channel stays valid until the next unexpected close or Disconnect.
func (cm *ConnectionManager) GetChannel() (Channel, error) {
	if cm.State() != StateConnected {
		return nil, ErrNotConnected
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.conn == nil {
		return nil, ErrNotConnected
	}
	if cm.channel != nil {
		return cm.channel, nil
	}

	ch, err := cm.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: failed to open channel: %w", err)
	}

	closes := ch.NotifyClose(make(chan *amqp.Error, 1))
	cancels := ch.NotifyCancel(make(chan string, 1))
	cm.channel = ch
	go cm.watchChannel(ch, closes, cancels)

	cm.logger.Debug("channel opened")
	return ch, nil
}

// adopt stores a freshly dialed connection and registers its close and
// blocked listeners; the caller starts the watcher. It closes the connection
// and reports false if Disconnect ran while dialing.
func (cm *ConnectionManager) adopt(conn Connection) (<-chan *amqp.Error, <-chan amqp.Blocking, bool) {
	cm.mu.Lock()
	if cm.shuttingDown {
		cm.mu.Unlock()
		_ = conn.Close()
		return nil, nil, false
	}
	cm.conn = conn
	cm.channel = nil
	cm.mu.Unlock()

	// Buffered so a close arriving before the watcher runs is kept
	closes := conn.NotifyClose(make(chan *amqp.Error, 1))
	blocks := conn.NotifyBlocked(make(chan amqp.Blocking, 1))
	return closes, blocks, true
}

func (cm *ConnectionManager) watchConnection(conn Connection, closes <-chan *amqp.Error, blocks <-chan amqp.Blocking) {
	for {
		select {
		case err := <-closes:
			cm.handleConnectionClose(conn, err)
			return
		case b, ok := <-blocks:
			if !ok {
				blocks = nil
				continue
			}
			if b.Active {
				cm.logger.Warn("connection blocked by broker", "reason", b.Reason)
			} else {
				cm.logger.Info("connection unblocked by broker")
			}
		}
	}
}

func (cm *ConnectionManager) watchChannel(ch Channel, closes <-chan *amqp.Error, cancels <-chan string) {
	for {
		select {
		case err := <-closes:
			cm.handleChannelClose(ch, err)
			return
		case tag, ok := <-cancels:
			if !ok {
				cancels = nil
				continue
			}
			cm.logger.Warn("consumer cancelled by broker", "consumerTag", tag)
		}
	}
}

func (cm *ConnectionManager) handleConnectionClose(conn Connection, reason *amqp.Error) {
	cm.mu.Lock()
	if cm.shuttingDown || cm.conn != conn {
		cm.mu.Unlock()
		return
	}
	cm.conn = nil
	cm.channel = nil
	cm.mu.Unlock()

	if reason != nil {
		cm.logger.Warn("connection closed unexpectedly", "error", reason)
	} else {
		cm.logger.Warn("connection closed unexpectedly")
	}
	cm.metrics.IncUnexpectedCloses("connection")
	cm.setState(StateDisconnected)
}

func (cm *ConnectionManager) handleChannelClose(ch Channel, reason *amqp.Error) {
	cm.mu.Lock()
	if cm.shuttingDown || cm.channel != ch {
		cm.mu.Unlock()
		return
	}
	cm.channel = nil
	cm.mu.Unlock()

	if reason != nil {
		cm.logger.Warn("channel closed unexpectedly", "error", reason)
	} else {
		cm.logger.Warn("channel closed unexpectedly")
	}
	cm.metrics.IncUnexpectedCloses("channel")
}

func (cm *ConnectionManager) isShuttingDown() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.shuttingDown
}

func (cm *ConnectionManager) setState(state ConnectionState) {
	if cm.notifier.Set(state) {
		cm.metrics.SetConnectionState(string(state))
		cm.logger.Debug("connection state changed", "state", state)
	}
}
