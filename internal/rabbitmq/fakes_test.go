package rabbitmq

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// callLog records calls across fakes so tests can check ordering
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.calls))
	copy(out, l.calls)
	return out
}

// fakeDialer fails the first len(errs) calls with the listed errors (nil
// entries succeed), then succeeds unless failAlways is set
type fakeDialer struct {
	mu         sync.Mutex
	calls      int
	errs       []error
	failAlways error
	conns      []*fakeConnection
	log        *callLog
	onDial     func(call int)

	// dropAfterDial closes each new connection before Dial returns, as a
	// broker that hangs up right after the handshake would
	dropAfterDial bool
}

func (d *fakeDialer) Dial(url string) (Connection, error) {
	d.mu.Lock()
	call := d.calls
	d.calls++
	onDial := d.onDial
	d.mu.Unlock()

	d.log.add("dial")
	if onDial != nil {
		onDial(call)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failAlways != nil {
		return nil, d.failAlways
	}
	if call < len(d.errs) && d.errs[call] != nil {
		return nil, d.errs[call]
	}
	conn := newFakeConnection(d.log)
	d.conns = append(d.conns, conn)
	if d.dropAfterDial {
		conn.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED"})
	}
	return conn, nil
}

func (d *fakeDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDialer) setDropAfterDial(drop bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dropAfterDial = drop
}

func (d *fakeDialer) lastConn() *fakeConnection {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type fakeConnection struct {
	mu           sync.Mutex
	log          *callLog
	channels     []*fakeChannel
	channelCalls int
	channelErr   error
	closeErr     error
	closed       bool
	closes       []chan *amqp.Error
	blocks       []chan amqp.Blocking
}

func newFakeConnection(log *callLog) *fakeConnection {
	return &fakeConnection{log: log}
}

func (c *fakeConnection) Channel() (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channelCalls++
	if c.channelErr != nil {
		return nil, c.channelErr
	}
	ch := newFakeChannel(c.log)
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *fakeConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.closes = append(c.closes, receiver)
	return receiver
}

func (c *fakeConnection) NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.blocks = append(c.blocks, receiver)
	return receiver
}

func (c *fakeConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConnection) Close() error {
	c.log.add("connection.close")
	c.shutdown(nil)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// shutdown mimics amqp091: deliver the error (if any) to close listeners,
// then close every listener
func (c *fakeConnection) shutdown(reason *amqp.Error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	closes, blocks := c.closes, c.blocks
	channels := c.channels
	c.closes, c.blocks = nil, nil
	c.mu.Unlock()

	for _, ch := range channels {
		ch.shutdown(reason)
	}
	for _, l := range closes {
		if reason != nil {
			l <- reason
		}
		close(l)
	}
	for _, l := range blocks {
		close(l)
	}
}

func (c *fakeConnection) block(reason string) {
	c.mu.Lock()
	blocks := c.blocks
	c.mu.Unlock()
	for _, l := range blocks {
		l <- amqp.Blocking{Active: true, Reason: reason}
	}
}

func (c *fakeConnection) channelCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channelCalls
}

type fakeChannel struct {
	mu         sync.Mutex
	log        *callLog
	closed     bool
	closeErr   error
	qosErr     error
	consumeErr error
	cancelErr  error
	closes     []chan *amqp.Error
	cancels    []chan string

	qosArgs     []int
	consumed    []string
	cancelled   []string
	deliveries  chan amqp.Delivery
	deliveryEnd bool

	exchanges []string
	queues    map[string]amqp.Table
	bindings  []string
}

func newFakeChannel(log *callLog) *fakeChannel {
	return &fakeChannel{
		log:        log,
		deliveries: make(chan amqp.Delivery, 16),
		queues:     make(map[string]amqp.Table),
	}
}

func (c *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.qosArgs = []int{prefetchCount, prefetchSize}
	return c.qosErr
}

func (c *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.consumeErr != nil {
		return nil, c.consumeErr
	}
	if autoAck {
		return nil, errors.New("fake channel: autoAck not expected")
	}
	c.consumed = append(c.consumed, queue+"/"+consumer)
	return c.deliveries, nil
}

func (c *fakeChannel) Cancel(consumer string, noWait bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = append(c.cancelled, consumer)
	if c.cancelErr != nil {
		return c.cancelErr
	}
	c.endDeliveriesLocked()
	return nil
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exchanges = append(c.exchanges, name+":"+kind)
	return nil
}

func (c *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queues[name] = args
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindings = append(c.bindings, exchange+"->"+name+"@"+key)
	return nil
}

func (c *fakeChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.closes = append(c.closes, receiver)
	return receiver
}

func (c *fakeChannel) NotifyCancel(receiver chan string) chan string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.cancels = append(c.cancels, receiver)
	return receiver
}

func (c *fakeChannel) Close() error {
	c.log.add("channel.close")
	c.shutdown(nil)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

func (c *fakeChannel) shutdown(reason *amqp.Error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.endDeliveriesLocked()
	closes, cancels := c.closes, c.cancels
	c.closes, c.cancels = nil, nil
	c.mu.Unlock()

	for _, l := range closes {
		if reason != nil {
			l <- reason
		}
		close(l)
	}
	for _, l := range cancels {
		close(l)
	}
}

func (c *fakeChannel) endDeliveriesLocked() {
	if !c.deliveryEnd {
		c.deliveryEnd = true
		close(c.deliveries)
	}
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) cancelledTags() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.cancelled))
	copy(out, c.cancelled)
	return out
}

func (c *fakeChannel) consumeCalls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.consumed))
	copy(out, c.consumed)
	return out
}

// sleepRecorder replaces the manager's sleep so backoff runs instantly
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
	hook   func(n int)
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	n := len(s.delays)
	hook := s.hook
	s.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	return ctx.Err()
}

func (s *sleepRecorder) get() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.delays))
	copy(out, s.delays)
	return out
}

// gateHandler blocks on records with the given message until release
// returns, letting tests hold a goroutine at a known log line
type gateHandler struct {
	slog.Handler
	message string
	release func()
}

func newGateHandler(message string, release func()) *gateHandler {
	return &gateHandler{
		Handler: slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}),
		message: message,
		release: release,
	}
}

func (h *gateHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Message == h.message {
		h.release()
	}
	return nil
}

func (h *gateHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *gateHandler) WithGroup(string) slog.Handler      { return h }
