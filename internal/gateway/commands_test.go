package gateway_test

import (
	"context"
	"encoding/json"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"foresta.dev/guardian/internal/gateway"
	"foresta.dev/guardian/internal/notify"
	"foresta.dev/guardian/internal/protocol"
	"foresta.dev/guardian/internal/store"
	"foresta.dev/guardian/pkg/metrics"
	"foresta.dev/guardian/pkg/mq/mock"
)

var commandMetrics = metrics.NewMQMetrics("guardian_commands_test")

var _ = Describe("CommandConsumer", func() {
	var (
		ctx        context.Context
		cancel     context.CancelFunc
		e        *env
		client   *mock.Client
		consumer *gateway.CommandConsumer
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		e = newEnv()
		client = mock.NewClient()

		var err error
		consumer, err = gateway.NewCommandConsumer(&gateway.CommandConsumerConfig{
			Logger:    e.logger,
			Registrar: e.registrar,
			Store:     e.store,
			Client:    client,
			Notifier:  e.notifier,
			MQMetrics: commandMetrics,
			Queue:     gateway.DefaultCommandQueue,
		})
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		cancel()
		Expect(consumer.Stop()).To(Succeed())
	})

	send := func(v any) *mock.Settlement {
		body, err := json.Marshal(v)
		Expect(err).NotTo(HaveOccurred())
		return client.Deliver(body)
	}

	Describe("NewCommandConsumer", func() {
		It("should return error when client is nil", func() {
			c, err := gateway.NewCommandConsumer(&gateway.CommandConsumerConfig{
				Logger:    e.logger,
				Registrar: e.registrar,
				Store:     e.store,
			})
			Expect(err).To(MatchError(ContainSubstring("mq client cannot be nil")))
			Expect(c).To(BeNil())
		})
	})

	Describe("Start", func() {
		It("should fail when the queue never becomes ready", func() {
			client.WaitReadyError = errors.New("connection refused")
			Expect(consumer.Start(ctx)).To(MatchError(ContainSubstring("command queue not ready")))
		})
	})

	Describe("consuming", func() {
		BeforeEach(func() {
			Expect(consumer.Start(ctx)).To(Succeed())
		})

		It("should approve a pending device and ack", func() {
			req := registration()
			_, err := e.registrar.Register(ctx, req)
			Expect(err).NotTo(HaveOccurred())

			settled := send(gateway.Command{Command: gateway.CommandApprove, Device: req.UUID, CodeName: "ember-fox", AreaID: "sierra-west"})

			Eventually(settled.Acked).Should(BeTrue())
			d, err := e.store.DeviceByHardwareID(ctx, req.UUID)
			Expect(err).NotTo(HaveOccurred())
			Expect(d.State).To(Equal(store.StateActive))
			Expect(d.AreaID).To(Equal("sierra-west"))
		})

		It("should ack and drop malformed commands", func() {
			rejected := commandMetrics.ConsumptionFailures.WithLabelValues(gateway.DefaultCommandQueue, "rejected")
			before := testutil.ToFloat64(rejected)

			settled := []*mock.Settlement{
				client.Deliver([]byte("{not json")),
				send(gateway.Command{Command: "explode", Device: "x"}),
				send(gateway.Command{Command: gateway.CommandRevoke}),
			}

			for _, s := range settled {
				Eventually(s.Acked).Should(BeTrue())
				Expect(s.Requeued()).To(BeFalse())
			}
			Expect(client.ConsumeCalls()).To(Equal(1))
			Eventually(func() float64 { return testutil.ToFloat64(rejected) - before }).Should(Equal(3.0))
		})

		It("should ack and drop commands for unknown devices", func() {
			settled := send(gateway.Command{Command: gateway.CommandDecommission, Device: "nobody"})
			Eventually(settled.Acked).Should(BeTrue())
		})
	})

	Describe("Apply", func() {
		var alertID string

		BeforeEach(func() {
			device, key := e.enroll("ember-fox", "yosemite-north")
			r := hot(t0)
			r.kind = protocol.MessageAlert
			r.alertType = "fire"
			res, err := e.gateway.Ingest(ctx, r.payload(device.HardwareID), key, gateway.SourceHTTP)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Alerts).To(HaveLen(1))
			alertID = res.Alerts[0].PublicID
		})

		It("should walk an alert through its workflow and notify each step", func() {
			Expect(consumer.Apply(ctx, gateway.Command{Command: gateway.CommandAcknowledge, AlertID: alertID, By: "ranger-1"})).To(Succeed())
			Expect(consumer.Apply(ctx, gateway.Command{Command: gateway.CommandResolve, AlertID: alertID, By: "ranger-1", Notes: "controlled burn"})).To(Succeed())
			Expect(consumer.Apply(ctx, gateway.Command{Command: gateway.CommandReopen, AlertID: alertID})).To(Succeed())

			a, err := e.store.Alert(ctx, alertID)
			Expect(err).NotTo(HaveOccurred())
			Expect(a.Status).To(Equal(store.AlertNew))
			Expect(a.ResolvedBy).To(BeEmpty())

			Expect(e.notifier.Kinds()).To(Equal([]notify.EventKind{
				notify.AlertCreated,
				notify.AlertAcknowledged,
				notify.AlertResolved,
				notify.AlertReopened,
			}))
		})

		It("should refuse an invalid transition", func() {
			err := consumer.Apply(ctx, gateway.Command{Command: gateway.CommandReopen, AlertID: alertID})
			Expect(errors.Is(err, store.ErrInvalidTransition)).To(BeTrue())
		})

		It("should revoke and rotate credentials", func() {
			Expect(consumer.Apply(ctx, gateway.Command{Command: gateway.CommandRotate, Device: "ember-fox"})).To(Succeed())
			Expect(consumer.Apply(ctx, gateway.Command{Command: gateway.CommandRevoke, Device: "ember-fox"})).To(Succeed())
			Expect(consumer.Apply(ctx, gateway.Command{Command: gateway.CommandTroubleshoot, Device: "ember-fox"})).To(Succeed())

			d, err := e.store.ResolveDevice(ctx, "ember-fox")
			Expect(err).NotTo(HaveOccurred())
			Expect(d.State).To(Equal(store.StateTroubleshooting))
		})
	})
})

var _ = Describe("Command", func() {
	It("should decode the wire form", func() {
		var cmd gateway.Command
		Expect(json.Unmarshal([]byte(`{"command":"resolve","alert_id":"a-1","by":"ops","notes":"false alarm"}`), &cmd)).To(Succeed())
		Expect(cmd.Command).To(Equal(gateway.CommandResolve))
		Expect(cmd.AlertID).To(Equal("a-1"))
		Expect(cmd.Notes).To(Equal("false alarm"))
	})

	It("should omit empty fields", func() {
		raw, err := json.Marshal(gateway.Command{Command: gateway.CommandApprove, Device: "hw"})
		Expect(err).NotTo(HaveOccurred())
		Expect(string(raw)).To(Equal(`{"command":"approve","device":"hw"}`))
	})
})
