//go:build e2e

package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	amqp "github.com/rabbitmq/amqp091-go"

	"foresta.dev/guardian/internal/gateway"
	"foresta.dev/guardian/internal/notify"
	"foresta.dev/guardian/pkg/metrics"
	clientmq "foresta.dev/guardian/pkg/mq"
)

var mqMetrics = metrics.NewMQMetrics("guardian_e2e")

var _ = Describe("MQ Client E2E", func() {
	var (
		ctx       context.Context
		client    *clientmq.Client
		queueName string
	)

	connect := func(opts ...clientmq.Option) *clientmq.Client {
		GinkgoHelper()
		c := clientmq.New(queueName, rabbitmqURL, testLogger, opts...)
		waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		Expect(c.WaitReady(waitCtx)).To(Succeed())
		return c
	}

	receive := func(deliveries <-chan amqp.Delivery) amqp.Delivery {
		GinkgoHelper()
		var d amqp.Delivery
		Eventually(deliveries, 5*time.Second).Should(Receive(&d))
		Expect(d.Ack(false)).To(Succeed())
		return d
	}

	BeforeEach(func() {
		ctx = context.Background()
		queueName = fmt.Sprintf("guardian-e2e-%d", time.Now().UnixNano())
	})

	AfterEach(func() {
		if client != nil {
			_ = client.Close()
			client = nil
		}
	})

	Describe("Connection", func() {
		It("should become ready against a running broker", func() {
			client = connect()
		})

		It("should keep retrying an unreachable broker until the context ends", func() {
			unreachable := clientmq.New(queueName, "amqp://invalid:5672", testLogger)
			defer unreachable.Close()

			waitCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
			defer cancel()
			Expect(unreachable.WaitReady(waitCtx)).To(MatchError(context.DeadlineExceeded))
		})
	})

	Describe("Publishing", func() {
		BeforeEach(func() {
			client = connect(clientmq.WithDurable(), clientmq.WithMetrics(mqMetrics))
		})

		It("should confirm a batch of pushes", func() {
			for i := range 10 {
				Expect(client.Push(ctx, []byte(fmt.Sprintf("reading %d", i)))).To(Succeed())
			}
		})

		It("should publish a large payload", func() {
			payload := make([]byte, 1024*1024)
			for i := range payload {
				payload[i] = byte(i % 256)
			}
			Expect(client.Push(ctx, payload)).To(Succeed())
		})

		It("should publish without confirmation", func() {
			Expect(client.UnsafePush(ctx, []byte("fire-and-forget"))).To(Succeed())
		})

		It("should give up when the context is canceled", func() {
			Expect(client.Close()).To(Succeed())
			canceled, cancel := context.WithCancel(ctx)
			cancel()
			Expect(client.Push(canceled, []byte("late"))).To(HaveOccurred())
			client = nil
		})
	})

	Describe("Consuming", func() {
		BeforeEach(func() {
			client = connect(clientmq.WithDurable())
		})

		It("should deliver messages in publish order", func() {
			deliveries, err := client.Consume()
			Expect(err).NotTo(HaveOccurred())

			for _, body := range []string{"first", "second", "third"} {
				Expect(client.Push(ctx, []byte(body))).To(Succeed())
			}

			Expect(string(receive(deliveries).Body)).To(Equal("first"))
			Expect(string(receive(deliveries).Body)).To(Equal("second"))
			Expect(string(receive(deliveries).Body)).To(Equal("third"))
		})

		It("should carry a notification event intact", func() {
			deliveries, err := client.Consume()
			Expect(err).NotTo(HaveOccurred())

			event := notify.Event{
				OccurredAt: time.Date(2025, 8, 14, 15, 0, 0, 0, time.UTC),
				Kind:       notify.AlertCreated,
				Alert: notify.AlertPayload{
					ID:          "alert-1",
					HardwareID:  "hw-1",
					CodeName:    "GUARDIAN-001",
					Type:        "fire",
					Status:      "new",
					Confidence:  0.9,
					Occurrences: 1,
				},
			}
			body, err := json.Marshal(event)
			Expect(err).NotTo(HaveOccurred())
			Expect(client.Push(ctx, body)).To(Succeed())

			d := receive(deliveries)
			Expect(d.ContentType).To(Equal("application/json"))
			Expect(d.DeliveryMode).To(Equal(amqp.Persistent))

			var got notify.Event
			Expect(json.Unmarshal(d.Body, &got)).To(Succeed())
			Expect(got).To(Equal(event))
		})

		It("should carry binary and empty bodies", func() {
			deliveries, err := client.Consume()
			Expect(err).NotTo(HaveOccurred())

			binary := []byte{0x00, 0x01, 0x02, 0xFF, 0xFE, 0xFD}
			Expect(client.Push(ctx, binary)).To(Succeed())
			Expect(client.Push(ctx, []byte{})).To(Succeed())

			Expect(receive(deliveries).Body).To(Equal(binary))
			Expect(receive(deliveries).Body).To(BeEmpty())
		})

		It("should redeliver a rejected command", func() {
			deliveries, err := client.Consume()
			Expect(err).NotTo(HaveOccurred())

			body, err := json.Marshal(gateway.Command{Command: gateway.CommandApprove, Device: "hw-1"})
			Expect(err).NotTo(HaveOccurred())
			Expect(client.Push(ctx, body)).To(Succeed())

			var first amqp.Delivery
			Eventually(deliveries, 5*time.Second).Should(Receive(&first))
			Expect(first.Nack(false, true)).To(Succeed())

			again := receive(deliveries)
			Expect(again.Redelivered).To(BeTrue())

			var cmd gateway.Command
			Expect(json.Unmarshal(again.Body, &cmd)).To(Succeed())
			Expect(cmd.Command).To(Equal(gateway.CommandApprove))
		})
	})

	Describe("Resource cleanup", func() {
		It("should close a connected client once", func() {
			client = connect()
			Expect(client.Close()).To(Succeed())
			Expect(client.Close()).To(HaveOccurred())
			client = nil
		})

		It("should refuse to publish after close", func() {
			client = connect()
			Expect(client.Close()).To(Succeed())
			Expect(client.UnsafePush(ctx, []byte("closed"))).To(HaveOccurred())
			client = nil
		})
	})
})
