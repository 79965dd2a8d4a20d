package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"foresta.dev/guardian/internal/notify"
	"foresta.dev/guardian/internal/store"
	"foresta.dev/guardian/pkg/mq/mock"
)

var _ = Describe("Publisher", func() {
	var (
		logger *slog.Logger
		client *mock.Client
		alert  *store.Alert
		device *store.Device
	)

	BeforeEach(func() {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
		client = mock.NewClient()

		codeName := "GUARDIAN-007"
		device = &store.Device{HardwareID: "hw-7", CodeName: &codeName, Latitude: 37.86, Longitude: -119.53}
		alert = &store.Alert{
			PublicID:    "a-1",
			AreaID:      "yosemite-north",
			Type:        store.AlertFire,
			Status:      store.AlertNew,
			Confidence:  0.56,
			DetectedAt:  time.Date(2025, 8, 14, 15, 0, 10, 0, time.UTC),
			Occurrences: 1,
		}
	})

	Describe("NewPublisher", func() {
		It("should return error when config is nil", func() {
			p, err := notify.NewPublisher(nil)
			Expect(err).To(HaveOccurred())
			Expect(p).To(BeNil())
		})

		It("should return error when client is nil", func() {
			p, err := notify.NewPublisher(&notify.PublisherConfig{Logger: logger})
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("mq client cannot be nil"))
			Expect(p).To(BeNil())
		})
	})

	It("should publish events as JSON", func() {
		p, err := notify.NewPublisher(&notify.PublisherConfig{Logger: logger, Client: client})
		Expect(err).NotTo(HaveOccurred())
		p.Start(context.Background())

		p.Notify(context.Background(), notify.NewAlertEvent(notify.AlertCreated, alert, device, time.Now()))

		Eventually(func() int { return len(client.Pushed()) }).Should(Equal(1))
		p.Stop()

		var e notify.Event
		Expect(json.Unmarshal(client.Pushed()[0], &e)).To(Succeed())
		Expect(e.Kind).To(Equal(notify.AlertCreated))
		Expect(e.Alert.ID).To(Equal("a-1"))
		Expect(e.Alert.CodeName).To(Equal("GUARDIAN-007"))
		Expect(e.Alert.AreaID).To(Equal("yosemite-north"))
	})

	It("should flush buffered events on stop", func() {
		p, err := notify.NewPublisher(&notify.PublisherConfig{Logger: logger, Client: client, BufferSize: 8})
		Expect(err).NotTo(HaveOccurred())

		for range 3 {
			p.Notify(context.Background(), notify.NewAlertEvent(notify.AlertUpdated, alert, device, time.Now()))
		}
		p.Start(context.Background())
		p.Stop()
		p.Stop()

		Expect(client.Pushed()).To(HaveLen(3))
		Expect(client.CloseCalls()).To(Equal(1))
	})

	It("should not block the caller when the sink fails", func() {
		client.PushError = errors.New("broker unavailable")
		p, err := notify.NewPublisher(&notify.PublisherConfig{Logger: logger, Client: client, BufferSize: 1})
		Expect(err).NotTo(HaveOccurred())

		done := make(chan struct{})
		go func() {
			defer close(done)
			for range 10 {
				p.Notify(context.Background(), notify.NewAlertEvent(notify.AlertCreated, alert, device, time.Now()))
			}
		}()
		Eventually(done).Should(BeClosed())
		p.Stop()
	})
})

var _ = Describe("DeviceAreaResolver", func() {
	It("should return the device area", func() {
		area, err := notify.DeviceAreaResolver{}.ResolveArea(context.Background(), &store.Device{AreaID: "ridge"})
		Expect(err).NotTo(HaveOccurred())
		Expect(area).To(Equal("ridge"))
	})
})
