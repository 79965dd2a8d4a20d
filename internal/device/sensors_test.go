package device_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"foresta.dev/guardian/internal/device"
	"foresta.dev/guardian/internal/protocol"
	"foresta.dev/guardian/pkg/generator"
)

var _ = Describe("SelfTest", func() {
	DescribeTable("plausibility",
		func(mutate func(*device.Sample), ok bool) {
			s := calmSample()
			mutate(&s)
			if ok {
				Expect(device.SelfTest(s)).To(Succeed())
			} else {
				Expect(device.SelfTest(s)).To(HaveOccurred())
			}
		},
		Entry("calm forest", func(*device.Sample) {}, true),
		Entry("fire conditions", func(s *device.Sample) { *s = fireSample(t0) }, true),
		Entry("frozen thermometer", func(s *device.Sample) { s.Environment.Temperature = -80 }, false),
		Entry("boiling thermometer", func(s *device.Sample) { s.Environment.Temperature = 150 }, false),
		Entry("humidity above saturation", func(s *device.Sample) { s.Environment.Humidity = 101 }, false),
		Entry("negative smoke", func(s *device.Sample) { s.Environment.SmokeLevel = -1 }, false),
		Entry("battery gauge overflow", func(s *device.Sample) { s.Battery.Percentage = 120 }, false),
		Entry("classifier overflow", func(s *device.Sample) {
			s.Detections = protocol.Detections{"chainsaw": {Confidence: 1.5}}
		}, false),
	)
})

var _ = Describe("SimulatedSensors", func() {
	It("should produce plausible samples", func(ctx SpecContext) {
		sensors := device.NewSimulatedSensors(42, 0.2)
		for range 200 {
			s, err := sensors.Sample(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(device.SelfTest(s)).To(Succeed())
			Expect(s.Timestamp).NotTo(BeZero())
		}
	})

	It("should raise smoke for the length of a fire anomaly", func(ctx SpecContext) {
		sensors := device.NewSimulatedSensors(7, 0)
		sensors.StartAnomaly(generator.AnomalyFire, 3)

		for range 3 {
			s, err := sensors.Sample(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(s.Environment.SmokeLevel).To(BeNumerically(">", 400))
		}
		s, err := sensors.Sample(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(s.Environment.SmokeLevel).To(BeNumerically("<", 200))
	})
})

var _ = Describe("SimulatedProbe", func() {
	It("should report every system section", func() {
		status, err := device.NewSimulatedProbe(1).Probe(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(status.Connectivity).NotTo(BeNil())
		Expect(status.Connectivity.NetworkType).To(Equal("lora"))
		Expect(status.Storage).NotTo(BeNil())
		Expect(status.System).NotTo(BeNil())
	})
})
