package rabbitmq

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// Dialer opens broker connections.
type Dialer interface {
	Dial(url string) (Connection, error)
}

// Connection is the part of *amqp.Connection the manager relies on.
type Connection interface {
	// Channel opens a new channel on the connection.
	Channel() (Channel, error)

	// NotifyClose registers a listener for close events. The channel is
	// closed by the library after a graceful shutdown, or receives an error
	// first when the broker or network closes the connection.
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error

	// NotifyBlocked registers a listener for resource alarm notifications.
	NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking

	// IsClosed reports whether the connection has been closed.
	IsClosed() bool

	// Close closes the connection and all of its channels.
	Close() error
}

// Channel is the part of *amqp.Channel used for consumption and topology.
// *amqp.Channel satisfies it directly.
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	NotifyCancel(c chan string) chan string
	Close() error
}

// AMQPDialer dials real brokers through amqp091-go.
type AMQPDialer struct {
	// Config is passed to amqp.DialConfig when non-nil.
	Config *amqp.Config
}

// Dial implements Dialer
func (d AMQPDialer) Dial(url string) (Connection, error) {
	var (
		conn *amqp.Connection
		err  error
	)
	if d.Config != nil {
		conn, err = amqp.DialConfig(url, *d.Config)
	} else {
		conn, err = amqp.Dial(url)
	}
	if err != nil {
		return nil, err
	}
	return amqpConnection{Connection: conn}, nil
}

type amqpConnection struct{ *amqp.Connection }

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}
