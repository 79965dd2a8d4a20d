package device_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"foresta.dev/guardian/internal/device"
)

var _ = Describe("Transition", func() {
	DescribeTable("valid transitions",
		func(from device.Mode, ev device.Event, to device.Mode) {
			next, err := device.Transition(from, ev)
			Expect(err).NotTo(HaveOccurred())
			Expect(next).To(Equal(to))
		},
		Entry("registration request sent", device.ModeUnregistered, device.EventRegistered, device.ModePending),
		Entry("approval while pending", device.ModePending, device.EventApproved, device.ModeMonitoring),
		Entry("approval replayed while monitoring", device.ModeMonitoring, device.EventApproved, device.ModeMonitoring),
		Entry("registration forgotten by the gateway", device.ModePending, device.EventCredentialLost, device.ModeUnregistered),
		Entry("battery below floor", device.ModeMonitoring, device.EventBatteryLow, device.ModeLowPower),
		Entry("battery recovered", device.ModeLowPower, device.EventBatteryRecovered, device.ModeMonitoring),
		Entry("sustained failures", device.ModeMonitoring, device.EventTransmitFailure, device.ModeTroubleshooting),
		Entry("failures in low power", device.ModeLowPower, device.EventTransmitFailure, device.ModeTroubleshooting),
		Entry("manual troubleshooting", device.ModeMonitoring, device.EventTroubleshoot, device.ModeTroubleshooting),
		Entry("credential revoked", device.ModeMonitoring, device.EventCredentialLost, device.ModeTroubleshooting),
		Entry("diagnostics passed", device.ModeTroubleshooting, device.EventRecovered, device.ModeMonitoring),
		Entry("decommissioned while monitoring", device.ModeMonitoring, device.EventDecommissioned, device.ModeDecommissioned),
		Entry("decommissioned while troubleshooting", device.ModeTroubleshooting, device.EventDecommissioned, device.ModeDecommissioned),
	)

	DescribeTable("invalid transitions",
		func(from device.Mode, ev device.Event) {
			next, err := device.Transition(from, ev)
			Expect(err).To(MatchError(device.ErrInvalidTransition))
			Expect(next).To(Equal(from))
		},
		Entry("approval before registration is not a battery event", device.ModeUnregistered, device.EventBatteryLow),
		Entry("pending devices do not troubleshoot", device.ModePending, device.EventTransmitFailure),
		Entry("recovery outside troubleshooting", device.ModeMonitoring, device.EventRecovered),
		Entry("battery events during troubleshooting", device.ModeTroubleshooting, device.EventBatteryLow),
		Entry("decommissioned is terminal", device.ModeDecommissioned, device.EventApproved),
		Entry("decommissioned ignores recovery", device.ModeDecommissioned, device.EventRecovered),
	)

	It("should reach monitoring once when an approval is delivered twice", func() {
		mode, err := device.Transition(device.ModePending, device.EventApproved)
		Expect(err).NotTo(HaveOccurred())
		mode, err = device.Transition(mode, device.EventApproved)
		Expect(err).NotTo(HaveOccurred())
		Expect(mode).To(Equal(device.ModeMonitoring))
	})
})

var _ = Describe("ProfileFor", func() {
	It("should only poll before approval", func() {
		p := device.ProfileFor(device.ModePending, nil)
		Expect(p.ApprovalPoll).To(Equal(device.DefaultApprovalPoll))
		Expect(p.HealthCheck).To(BeZero())
		Expect(p.PeriodicData).To(BeZero())
		Expect(p.Sample).To(BeZero())
	})

	It("should use the configured intervals while monitoring", func() {
		p := device.ProfileFor(device.ModeMonitoring, testConfig())
		Expect(p.HealthCheck).To(Equal(50 * time.Millisecond))
		Expect(p.PeriodicData).To(Equal(100 * time.Millisecond))
		Expect(p.Sample).To(Equal(10 * time.Millisecond))
		Expect(p.ApprovalPoll).To(Equal(10 * time.Millisecond))
	})

	It("should widen intervals in low power", func() {
		p := device.ProfileFor(device.ModeLowPower, testConfig())
		Expect(p.HealthCheck).To(Equal(100 * time.Millisecond))
		Expect(p.PeriodicData).To(Equal(200 * time.Millisecond))
		Expect(p.Sample).To(Equal(20 * time.Millisecond))
	})

	It("should fall back to the default multiplier", func() {
		cfg := testConfig()
		cfg.LowPower.IntervalMultiplier = 0
		p := device.ProfileFor(device.ModeLowPower, cfg)
		Expect(p.HealthCheck).To(Equal(50 * time.Millisecond * device.DefaultIntervalMultiplier))
	})

	It("should pause periodic data while troubleshooting", func() {
		p := device.ProfileFor(device.ModeTroubleshooting, testConfig())
		Expect(p.PeriodicData).To(BeZero())
		Expect(p.Sample).To(Equal(10 * time.Millisecond))
	})

	It("should run nothing once decommissioned", func() {
		p := device.ProfileFor(device.ModeDecommissioned, testConfig())
		Expect(p.HealthCheck).To(BeZero())
		Expect(p.PeriodicData).To(BeZero())
		Expect(p.Sample).To(BeZero())
	})
})
