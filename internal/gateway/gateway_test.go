package gateway_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"

	"foresta.dev/guardian/internal/alert"
	"foresta.dev/guardian/internal/gateway"
	"foresta.dev/guardian/internal/notify"
	"foresta.dev/guardian/internal/protocol"
	"foresta.dev/guardian/internal/store"
)

var _ = Describe("Gateway", func() {
	var (
		ctx    context.Context
		e      *env
		device *store.Device
		key    string
	)

	BeforeEach(func() {
		ctx = context.Background()
		e = newEnv()
		device, key = e.enroll("ember-fox", "yosemite-north")
	})

	ingest := func(r reading) (*gateway.Result, error) {
		return e.gateway.Ingest(ctx, r.payload(device.HardwareID), key, gateway.SourceHTTP)
	}

	Describe("New", func() {
		It("should return error when config is nil", func() {
			g, err := gateway.New(nil)
			Expect(err).To(HaveOccurred())
			Expect(g).To(BeNil())
		})

		It("should return error when evaluator is nil", func() {
			g, err := gateway.New(&gateway.Config{Logger: e.logger, Store: e.store})
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("evaluator cannot be nil"))
			Expect(g).To(BeNil())
		})
	})

	Describe("fire detection", func() {
		It("should raise one fire alert from two hot reads ten seconds apart", func() {
			res, err := ingest(hot(t0))
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Alerts).To(BeEmpty())

			res, err = ingest(hot(t0.Add(10 * time.Second)))
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Alerts).To(HaveLen(1))

			a := res.Alerts[0]
			Expect(a.Type).To(Equal(store.AlertFire))
			Expect(a.AreaID).To(Equal("yosemite-north"))
			Expect(a.Status).To(Equal(store.AlertNew))
			Expect(a.Confidence).To(BeNumerically("~", 0.5+0.5*(100.0/400.0), 1e-9))
			Expect(e.notifier.Kinds()).To(Equal([]notify.EventKind{notify.AlertCreated}))
		})

		It("should coalesce further hot reads into the same alert", func() {
			for i := range 3 {
				_, err := ingest(hot(t0.Add(time.Duration(i) * 10 * time.Second)))
				Expect(err).NotTo(HaveOccurred())
			}

			alerts, err := e.store.Alerts(ctx, store.AlertFilter{DeviceID: device.ID, Type: store.AlertFire})
			Expect(err).NotTo(HaveOccurred())
			Expect(alerts).To(HaveLen(1))
			Expect(alerts[0].Occurrences).To(Equal(2))
			Expect(e.notifier.Kinds()).To(Equal([]notify.EventKind{notify.AlertCreated, notify.AlertUpdated}))
		})

		It("should not confirm across a calm read", func() {
			_, err := ingest(hot(t0))
			Expect(err).NotTo(HaveOccurred())
			_, err = ingest(calm(t0.Add(5 * time.Second)))
			Expect(err).NotTo(HaveOccurred())

			res, err := ingest(hot(t0.Add(10 * time.Second)))
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Alerts).To(BeEmpty())
		})

		It("should raise immediately on a device-confirmed alert", func() {
			r := hot(t0)
			r.kind = protocol.MessageAlert
			r.alertType = "fire"
			r.detections = map[string]float64{"chainsaw": 0.95}

			res, err := ingest(r)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Alerts).To(HaveLen(1))
			Expect(res.Alerts[0].Type).To(Equal(store.AlertFire))

			readings, err := e.store.Readings(ctx, device.ID, store.TimeRange{})
			Expect(err).NotTo(HaveOccurred())
			Expect(readings).To(HaveLen(1))
		})

		It("should coalesce a retried device-confirmed alert", func() {
			r := hot(t0)
			r.kind = protocol.MessageAlert
			r.alertType = "fire"

			_, err := ingest(r)
			Expect(err).NotTo(HaveOccurred())
			res, err := ingest(r)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Duplicate).To(BeTrue())
			Expect(res.Alerts).To(HaveLen(1))
			Expect(res.Alerts[0].Occurrences).To(Equal(2))
		})
	})

	Describe("concurrent delivery", func() {
		It("should coalesce simultaneous alerts into one row", func() {
			var wg sync.WaitGroup
			errs := make(chan error, 8)
			for i := range 8 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer GinkgoRecover()

					r := hot(t0.Add(time.Duration(i) * time.Second))
					r.kind = protocol.MessageAlert
					r.alertType = "fire"
					_, err := ingest(r)
					errs <- err
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				Expect(err).NotTo(HaveOccurred())
			}

			alerts, err := e.store.Alerts(ctx, store.AlertFilter{DeviceID: device.ID, Type: store.AlertFire})
			Expect(err).NotTo(HaveOccurred())
			Expect(alerts).To(HaveLen(1))
			Expect(alerts[0].Occurrences).To(Equal(8))
		})
	})

	Describe("atomicity", func() {
		It("should roll back the reading and device status when the alert insert fails", func() {
			_, err := ingest(hot(t0))
			Expect(err).NotTo(HaveOccurred())

			err = e.store.DB().Callback().Create().Before("gorm:create").Register("test:fail_alerts", func(tx *gorm.DB) {
				if tx.Statement.Table == "alerts" {
					_ = tx.AddError(errors.New("disk full"))
				}
			})
			Expect(err).NotTo(HaveOccurred())

			_, err = ingest(hot(t0.Add(10 * time.Second)))
			Expect(errors.Is(err, protocol.ErrStorage)).To(BeTrue())

			d, err := e.store.Device(ctx, device.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(*d.LastSeen).To(BeTemporally("==", t0))

			readings, err := e.store.Readings(ctx, device.ID, store.TimeRange{})
			Expect(err).NotTo(HaveOccurred())
			Expect(readings).To(HaveLen(1))
			Expect(e.notifier.Kinds()).To(BeEmpty())
		})
	})

	Describe("location", func() {
		It("should keep the stored position when an alert has no fix", func() {
			_, err := ingest(calm(t0))
			Expect(err).NotTo(HaveOccurred())

			r := hot(t0.Add(time.Minute))
			r.kind = protocol.MessageAlert
			r.alertType = "fire"
			r.noFix = true
			res, err := ingest(r)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.StatusApplied).To(BeTrue())
			Expect(res.Alerts).To(HaveLen(1))

			d, err := e.store.Device(ctx, device.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(d.Latitude).To(Equal(37.86))
			Expect(d.Longitude).To(Equal(-119.53))
			Expect(*d.LastSeen).To(BeTemporally("==", t0.Add(time.Minute)))
		})
	})

	Describe("logging detection", func() {
		It("should raise a logging alert once enough of the window qualifies", func() {
			var res *gateway.Result
			for i := range 3 {
				r := calm(t0.Add(time.Duration(i) * time.Minute))
				r.detections = map[string]float64{"chainsaw": 0.9}
				var err error
				res, err = ingest(r)
				Expect(err).NotTo(HaveOccurred())
				if i < 2 {
					Expect(res.Alerts).To(BeEmpty())
				}
			}

			Expect(res.Alerts).To(HaveLen(1))
			Expect(res.Alerts[0].Type).To(Equal(store.AlertLogging))
			Expect(res.Alerts[0].Subtype).To(Equal("chainsaw"))
		})

		It("should ignore labels below the confidence threshold", func() {
			for i := range 5 {
				r := calm(t0.Add(time.Duration(i) * time.Minute))
				r.detections = map[string]float64{"chainsaw": 0.5}
				res, err := ingest(r)
				Expect(err).NotTo(HaveOccurred())
				Expect(res.Alerts).To(BeEmpty())
			}
		})
	})

	Describe("low battery", func() {
		It("should raise from periodic data but not from health checks", func() {
			check := calm(t0)
			check.kind = protocol.MessageHealthCheck
			check.battery = 5
			res, err := ingest(check)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Alerts).To(BeEmpty())

			r := calm(t0.Add(time.Minute))
			r.battery = 5
			res, err = ingest(r)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Alerts).To(HaveLen(1))
			Expect(res.Alerts[0].Type).To(Equal(store.AlertLowBattery))
		})
	})

	Describe("status ordering", func() {
		It("should store an older payload without rolling back device status", func() {
			newer := calm(t0.Add(time.Hour))
			newer.kind = protocol.MessageHealthCheck
			newer.battery = 70
			res, err := ingest(newer)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.StatusApplied).To(BeTrue())

			older := calm(t0)
			older.battery = 95
			res, err = ingest(older)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.StatusApplied).To(BeFalse())
			Expect(res.Duplicate).To(BeFalse())

			d, err := e.store.Device(ctx, device.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(d.BatteryPercentage).To(Equal(70.0))
			Expect(*d.LastSeen).To(BeTemporally("==", t0.Add(time.Hour)))

			readings, err := e.store.Readings(ctx, device.ID, store.TimeRange{})
			Expect(err).NotTo(HaveOccurred())
			Expect(readings).To(HaveLen(1))
		})

		It("should report a replayed periodic payload as a duplicate", func() {
			_, err := ingest(calm(t0))
			Expect(err).NotTo(HaveOccurred())

			res, err := ingest(calm(t0))
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Duplicate).To(BeTrue())

			readings, err := e.store.Readings(ctx, device.ID, store.TimeRange{})
			Expect(err).NotTo(HaveOccurred())
			Expect(readings).To(HaveLen(1))
		})
	})

	Describe("rejections", func() {
		It("should reject an unknown credential", func() {
			_, err := e.gateway.Ingest(ctx, calm(t0).payload(device.HardwareID), "gdn_nope", gateway.SourceHTTP)
			Expect(errors.Is(err, protocol.ErrUnauthorized)).To(BeTrue())
		})

		It("should reject a revoked credential and store nothing", func() {
			_, err := e.registrar.Revoke(ctx, "ember-fox")
			Expect(err).NotTo(HaveOccurred())

			_, err = ingest(hot(t0))
			Expect(errors.Is(err, protocol.ErrUnauthorized)).To(BeTrue())
			Expect(protocol.ReasonOf(err)).To(Equal(protocol.ReasonRevoked))

			readings, err := e.store.Readings(ctx, device.ID, store.TimeRange{})
			Expect(err).NotTo(HaveOccurred())
			Expect(readings).To(BeEmpty())
		})

		It("should forbid a decommissioned device", func() {
			_, err := e.registrar.Decommission(ctx, device.HardwareID)
			Expect(err).NotTo(HaveOccurred())

			_, err = ingest(calm(t0))
			Expect(errors.Is(err, protocol.ErrForbidden)).To(BeTrue())
			Expect(protocol.ReasonOf(err)).To(Equal(protocol.ReasonDecommissioned))
		})

		It("should reject a payload naming another device", func() {
			_, err := e.gateway.Ingest(ctx, calm(t0).payload("someone-else"), key, gateway.SourceHTTP)
			Expect(errors.Is(err, protocol.ErrUnauthorized)).To(BeTrue())
		})

		It("should reject an invalid payload without touching the device", func() {
			r := calm(t0)
			r.humidity = 140
			_, err := ingest(r)
			Expect(errors.Is(err, protocol.ErrBadPayload)).To(BeTrue())

			d, err := e.store.Device(ctx, device.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(d.LastSeen).To(BeNil())
		})
	})

	Describe("Reconfigure", func() {
		It("should apply new thresholds to subsequent payloads", func() {
			t := alert.DefaultThresholds()
			t.SmokeLevel = 800
			Expect(e.gateway.Reconfigure(t)).To(Succeed())

			_, err := ingest(hot(t0))
			Expect(err).NotTo(HaveOccurred())
			res, err := ingest(hot(t0.Add(10 * time.Second)))
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Alerts).To(BeEmpty())
		})

		It("should keep the old thresholds when the new ones are invalid", func() {
			t := alert.DefaultThresholds()
			t.LoggingWindow = 0
			Expect(e.gateway.Reconfigure(t)).NotTo(Succeed())
			Expect(e.evaluator.Thresholds().LoggingWindow).To(Equal(alert.DefaultThresholds().LoggingWindow))
		})
	})
})
