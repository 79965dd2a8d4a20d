// Package mock provides an in-memory queue standing in for the RabbitMQ client in tests.
package mock

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"foresta.dev/guardian/pkg/mq"
)

// Client records published payloads and hands out deliveries queued with Deliver.
// The exported error fields, when set, are returned by the matching method.
type Client struct {
	mu sync.Mutex

	// PushFunc overrides Push entirely when set.
	PushFunc       func(ctx context.Context, data []byte) error
	PushError      error
	WaitReadyError error
	ConsumeError   error
	CloseError     error

	pushed     [][]byte
	unsafe     [][]byte
	deliveries chan amqp.Delivery
	tag        uint64
	consumes   int
	closes     int
}

// NewClient creates a mock with room for 64 pending deliveries.
func NewClient() *Client {
	return &Client{deliveries: make(chan amqp.Delivery, 64)}
}

// Push implements mq.Publisher. Payloads are recorded only when the push succeeds.
func (c *Client) Push(ctx context.Context, data []byte) error {
	c.mu.Lock()
	fn, err := c.PushFunc, c.PushError
	c.mu.Unlock()

	if fn != nil {
		err = fn(ctx, data)
	}
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.pushed = append(c.pushed, append([]byte(nil), data...))
	return nil
}

// UnsafePush implements mq.Publisher.
func (c *Client) UnsafePush(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.PushError != nil {
		return c.PushError
	}
	c.unsafe = append(c.unsafe, append([]byte(nil), data...))
	return nil
}

// WaitReady implements mq.Publisher and mq.Consumer.
func (c *Client) WaitReady(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.WaitReadyError != nil {
		return c.WaitReadyError
	}
	return ctx.Err()
}

// Consume implements mq.Consumer.
func (c *Client) Consume() (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consumes++
	if c.ConsumeError != nil {
		return nil, c.ConsumeError
	}
	return c.deliveries, nil
}

// Close implements mq.Publisher and mq.Consumer.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return c.CloseError
}

// Deliver queues body for consumers and returns the settlement it will record.
func (c *Client) Deliver(body []byte) *Settlement {
	c.mu.Lock()
	c.tag++
	tag := c.tag
	c.mu.Unlock()

	s := &Settlement{}
	c.deliveries <- amqp.Delivery{Acknowledger: s, DeliveryTag: tag, Body: body}
	return s
}

// Pushed returns every confirmed payload in publish order.
func (c *Client) Pushed() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.pushed...)
}

// UnsafePushed returns every unconfirmed payload in publish order.
func (c *Client) UnsafePushed() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.unsafe...)
}

// ConsumeCalls reports how often Consume was called.
func (c *Client) ConsumeCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consumes
}

// CloseCalls reports how often Close was called.
func (c *Client) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// Settlement records how one delivery was settled.
type Settlement struct {
	mu       sync.Mutex
	acked    bool
	nacked   bool
	requeued bool
}

// Ack implements amqp.Acknowledger.
func (s *Settlement) Ack(uint64, bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = true
	return nil
}

// Nack implements amqp.Acknowledger.
func (s *Settlement) Nack(_ uint64, _ bool, requeue bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nacked, s.requeued = true, requeue
	return nil
}

// Reject implements amqp.Acknowledger.
func (s *Settlement) Reject(tag uint64, requeue bool) error {
	return s.Nack(tag, false, requeue)
}

// Acked reports whether the delivery was acknowledged.
func (s *Settlement) Acked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acked
}

// Requeued reports whether the delivery was handed back to the queue.
func (s *Settlement) Requeued() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nacked && s.requeued
}

var _ mq.ClientInterface = (*Client)(nil)
