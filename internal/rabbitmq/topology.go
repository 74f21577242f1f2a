package rabbitmq

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// QueueSpec describes the source queue and its optional dead-letter setup
type QueueSpec struct {
	Name    string
	Durable bool

	// DeadLetterExchange, when set, is declared as a direct exchange and the
	// source queue rejects into it. DeadLetterQueue defaults to Name + ".dlq".
	DeadLetterExchange string
	DeadLetterQueue    string
}

// DeadLetterQueueName returns the effective dead-letter queue name
func (s QueueSpec) DeadLetterQueueName() string {
	if s.DeadLetterQueue != "" {
		return s.DeadLetterQueue
	}
	return s.Name + ".dlq"
}

// QueueArguments returns the x-arguments used when declaring the source queue
func (s QueueSpec) QueueArguments() amqp.Table {
	if s.DeadLetterExchange == "" {
		return nil
	}
	return amqp.Table{
		"x-dead-letter-exchange":    s.DeadLetterExchange,
		"x-dead-letter-routing-key": s.DeadLetterQueueName(),
	}
}

// DeclareQueue declares the source queue on ch, preceded by the dead-letter
// exchange, queue and binding when configured. Rejected messages are routed
// by the broker; the consumer only declines to requeue them.
func DeclareQueue(ch Channel, spec QueueSpec) error {
	if spec.DeadLetterExchange != "" {
		dlq := spec.DeadLetterQueueName()

		if err := ch.ExchangeDeclare(
			spec.DeadLetterExchange,
			amqp.ExchangeDirect,
			true,  // durable
			false, // auto-delete
			false, // internal
			false, // no-wait
			nil,
		); err != nil {
			return &TopologyError{Component: "exchange", Name: spec.DeadLetterExchange, Op: "declare", Err: err}
		}

		if _, err := ch.QueueDeclare(
			dlq,
			true,  // durable
			false, // auto-delete
			false, // exclusive
			false, // no-wait
			nil,
		); err != nil {
			return &TopologyError{Component: "queue", Name: dlq, Op: "declare", Err: err}
		}

		// Routing key is the DLQ name
		if err := ch.QueueBind(dlq, dlq, spec.DeadLetterExchange, false, nil); err != nil {
			return &TopologyError{Component: "binding", Name: dlq, Op: "bind", Err: err}
		}
	}

	if _, err := ch.QueueDeclare(
		spec.Name,
		spec.Durable,
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		spec.QueueArguments(),
	); err != nil {
		return &TopologyError{Component: "queue", Name: spec.Name, Op: "declare", Err: err}
	}

	return nil
}
