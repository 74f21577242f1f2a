package forwarder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-logforwarder/internal/labels"
	"github.com/glimte/mmate-logforwarder/internal/rabbitmq"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// broker hands out fake connections and remembers them
type broker struct {
	mu       sync.Mutex
	failures int // leading dials to refuse
	refuse   bool
	conns    []*fakeConn
}

func (b *broker) Dial(url string) (rabbitmq.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refuse || b.failures > 0 {
		if b.failures > 0 {
			b.failures--
		}
		return nil, errors.New("dial tcp: connection refused")
	}
	c := &fakeConn{}
	b.conns = append(b.conns, c)
	return c, nil
}

func (b *broker) setRefuse(refuse bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refuse = refuse
}

func (b *broker) dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

func (b *broker) conn(i int) *fakeConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i >= len(b.conns) {
		return nil
	}
	return b.conns[i]
}

// consuming returns the channel currently subscribed to, if any
func (b *broker) consuming() *fakeChan {
	b.mu.Lock()
	conns := append([]*fakeConn(nil), b.conns...)
	b.mu.Unlock()

	for i := len(conns) - 1; i >= 0; i-- {
		if ch := conns[i].consuming(); ch != nil {
			return ch
		}
	}
	return nil
}

type fakeConn struct {
	mu       sync.Mutex
	closed   bool
	listener []chan *amqp.Error
	channels []*fakeChan
}

func (c *fakeConn) Channel() (rabbitmq.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &fakeChan{
		deliveries: make(chan amqp.Delivery, 16),
		queues:     make(map[string]amqp.Table),
	}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *fakeConn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = append(c.listener, receiver)
	return receiver
}

func (c *fakeConn) NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking {
	return receiver
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) Close() error {
	c.drop(nil)
	return nil
}

// drop closes the connection and its channels; a non-nil reason reaches
// the close listeners first, as amqp091 does for broker-initiated closes
func (c *fakeConn) drop(reason *amqp.Error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	listeners, channels := c.listener, c.channels
	c.listener = nil
	c.mu.Unlock()

	for _, ch := range channels {
		ch.drop(reason)
	}
	for _, l := range listeners {
		if reason != nil {
			l <- reason
		}
		close(l)
	}
}

func (c *fakeConn) channelCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.channels)
}

func (c *fakeConn) consuming() *fakeChan {
	c.mu.Lock()
	channels := append([]*fakeChan(nil), c.channels...)
	c.mu.Unlock()

	for i := len(channels) - 1; i >= 0; i-- {
		if channels[i].subscribed() {
			return channels[i]
		}
	}
	return nil
}

type fakeChan struct {
	mu         sync.Mutex
	closed     bool
	consumers  int
	ended      bool
	deliveries chan amqp.Delivery
	queues     map[string]amqp.Table
	listener   []chan *amqp.Error
}

func (c *fakeChan) Qos(prefetchCount, prefetchSize int, global bool) error {
	return nil
}

func (c *fakeChan) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	c.consumers++
	return c.deliveries, nil
}

func (c *fakeChan) Cancel(consumer string, noWait bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consumers = 0
	c.endLocked()
	return nil
}

func (c *fakeChan) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return nil
}

func (c *fakeChan) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queues[name] = args
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChan) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	return nil
}

func (c *fakeChan) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = append(c.listener, receiver)
	return receiver
}

func (c *fakeChan) NotifyCancel(receiver chan string) chan string {
	return receiver
}

func (c *fakeChan) Close() error {
	c.drop(nil)
	return nil
}

func (c *fakeChan) drop(reason *amqp.Error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.consumers = 0
	c.endLocked()
	listeners := c.listener
	c.listener = nil
	c.mu.Unlock()

	for _, l := range listeners {
		if reason != nil {
			l <- reason
		}
		close(l)
	}
}

func (c *fakeChan) endLocked() {
	if !c.ended {
		c.ended = true
		close(c.deliveries)
	}
}

func (c *fakeChan) subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consumers > 0 && !c.closed
}

func (c *fakeChan) declared(queue string) (amqp.Table, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	args, ok := c.queues[queue]
	return args, ok
}

// deliver pushes a message carrying ack as its acknowledger
func (c *fakeChan) deliver(body string, ack *acker, tag uint64) {
	c.deliveries <- amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  tag,
		Body:         []byte(body),
		RoutingKey:   "app.orders",
		Exchange:     "logs",
		MessageId:    "msg-1",
	}
}

// acker records acknowledgements by delivery tag
type acker struct {
	mu     sync.Mutex
	acked  []uint64
	nacked []uint64
}

func (a *acker) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *acker) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if requeue {
		return errors.New("unexpected requeue")
	}
	a.nacked = append(a.nacked, tag)
	return nil
}

func (a *acker) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *acker) counts() (acked, nacked int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.acked), len(a.nacked)
}

// memorySink keeps written entries
type memorySink struct {
	mu      sync.Mutex
	entries []labels.Entry
	err     error
	closed  int
}

func (s *memorySink) Write(_ context.Context, entry labels.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, entry)
	return nil
}

func (s *memorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *memorySink) written() []labels.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]labels.Entry(nil), s.entries...)
}

func (s *memorySink) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
