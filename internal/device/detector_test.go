package device_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"foresta.dev/guardian/internal/device"
	"foresta.dev/guardian/internal/protocol"
)

var _ = Describe("Detector", func() {
	var d *device.Detector

	BeforeEach(func() {
		cfg := testConfig()
		d = device.NewDetector(cfg.Thresholds, time.Minute)
	})

	Context("fire", func() {
		It("should not alert on a single sample", func() {
			Expect(d.Observe(fireSample(t0))).To(BeEmpty())
		})

		It("should alert on two consecutive samples", func() {
			d.Observe(fireSample(t0))
			signals := d.Observe(fireSample(t0.Add(10 * time.Second)))

			Expect(signals).To(HaveLen(1))
			Expect(signals[0].Type).To(Equal(protocol.FamilyFire))
			Expect(signals[0].DetectedAt).To(Equal(t0.Add(10 * time.Second)))
			Expect(signals[0].Confidence).To(BeZero())
		})

		It("should require consecutive samples", func() {
			d.Observe(fireSample(t0))
			calm := calmSample()
			calm.Timestamp = t0.Add(5 * time.Second)
			d.Observe(calm)

			Expect(d.Observe(fireSample(t0.Add(10 * time.Second)))).To(BeEmpty())
		})

		It("should require every condition at once", func() {
			humid := fireSample(t0)
			humid.Environment.Humidity = 60
			d.Observe(humid)
			humid.Timestamp = t0.Add(time.Second)

			Expect(d.Observe(humid)).To(BeEmpty())
		})

		It("should hold back repeats during the cooldown", func() {
			d.Observe(fireSample(t0))
			Expect(d.Observe(fireSample(t0.Add(time.Second)))).To(HaveLen(1))
			Expect(d.Observe(fireSample(t0.Add(30 * time.Second)))).To(BeEmpty())
			Expect(d.Observe(fireSample(t0.Add(2 * time.Minute)))).To(HaveLen(1))
		})
	})

	Context("logging", func() {
		It("should report the label and mean confidence", func() {
			d.Observe(chainsawSample(t0, 0.8))
			signals := d.Observe(chainsawSample(t0.Add(time.Second), 0.9))

			Expect(signals).To(HaveLen(1))
			Expect(signals[0].Type).To(Equal(protocol.FamilyLogging))
			Expect(signals[0].Subtype).To(Equal("chainsaw"))
			Expect(signals[0].Confidence).To(BeNumerically("~", 0.85, 1e-9))
		})

		It("should ignore detections below the confidence threshold", func() {
			d.Observe(chainsawSample(t0, 0.5))
			Expect(d.Observe(chainsawSample(t0.Add(time.Second), 0.9))).To(BeEmpty())
		})

		It("should ignore labels that are not logging related", func() {
			bird := calmSample()
			bird.Timestamp = t0
			bird.Detections = protocol.Detections{"birdsong": {Confidence: 0.99}}
			d.Observe(bird)
			bird.Timestamp = t0.Add(time.Second)

			Expect(d.Observe(bird)).To(BeEmpty())
		})

		It("should pick the strongest qualifying label", func() {
			first := chainsawSample(t0, 0.8)
			first.Detections["vehicle"] = protocol.Detection{Confidence: 0.95}
			second := chainsawSample(t0.Add(time.Second), 0.8)
			second.Detections["vehicle"] = protocol.Detection{Confidence: 0.97}

			d.Observe(first)
			signals := d.Observe(second)
			Expect(signals).To(HaveLen(1))
			Expect(signals[0].Subtype).To(Equal("vehicle"))
		})

		It("should cool down independently of fire", func() {
			both := func(at time.Time) device.Sample {
				s := fireSample(at)
				s.Detections = protocol.Detections{"chainsaw": {Confidence: 0.9}}
				return s
			}
			d.Observe(both(t0))
			Expect(d.Observe(both(t0.Add(time.Second)))).To(HaveLen(2))

			d.Observe(chainsawSample(t0.Add(2*time.Second), 0.9))
			Expect(d.Observe(chainsawSample(t0.Add(3*time.Second), 0.9))).To(BeEmpty())
		})
	})
})
