package mq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher is the sending half of a queue, used by the notification fan-out.
type Publisher interface {
	// Push publishes data and blocks until the broker confirms it, retrying with
	// backoff until ctx ends or the retry budget runs out.
	Push(ctx context.Context, data []byte) error
	// UnsafePush publishes without waiting for a confirmation.
	UnsafePush(ctx context.Context, data []byte) error
	WaitReady(ctx context.Context) error
	Close() error
}

// Consumer is the receiving half of a queue, used by the operator command consumer.
// Every delivery must be settled with Ack or Nack.
type Consumer interface {
	WaitReady(ctx context.Context) error
	Consume() (<-chan amqp.Delivery, error)
	Close() error
}

// ClientInterface is a queue that both publishes and consumes.
type ClientInterface interface {
	Publisher
	Consumer
}

var _ ClientInterface = (*Client)(nil)
