// Package rabbitmq owns the forwarder's broker connection.
//
// This package includes:
//   - ConnectionManager: holds at most one connection and one channel, retries
//     the initial connect with exponential backoff and reports lifecycle
//     changes through OnStateChange
//   - StateNotifier: the disconnected/connecting/connected state machine
//   - Consumer: a single queue subscription with prefetch, ack on success and
//     nack without requeue on failure
//   - DeclareQueue: optional source queue and dead-letter declaration
//
// The amqp091-go types are reached through the Dialer, Connection and Channel
// interfaces so the lifecycle can be exercised without a broker.
package rabbitmq
