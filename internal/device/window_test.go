package device_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"foresta.dev/guardian/internal/device"
	"foresta.dev/guardian/internal/protocol"
)

var _ = Describe("Window", func() {
	var w *device.Window

	sample := func(at time.Time, temp float64) device.Sample {
		s := calmSample()
		s.Timestamp = at
		s.Environment.Temperature = temp
		return s
	}

	BeforeEach(func() {
		w = device.NewWindow(t0)
	})

	It("should report nothing when empty", func() {
		_, ok := w.Aggregate()
		Expect(ok).To(BeFalse())
	})

	It("should ignore samples already acknowledged", func() {
		w.Add(sample(t0, 20))
		w.Add(sample(t0.Add(-time.Minute), 20))
		Expect(w.Len()).To(BeZero())
	})

	It("should average the environment and keep the newest battery", func() {
		w.Add(sample(t0.Add(1*time.Second), 20))
		w.Add(sample(t0.Add(2*time.Second), 21))
		last := sample(t0.Add(3*time.Second), 21)
		last.Battery.Percentage = 42
		w.Add(last)

		agg, ok := w.Aggregate()
		Expect(ok).To(BeTrue())
		Expect(agg.Environment.Temperature).To(Equal(20.67))
		Expect(agg.Environment.Humidity).To(Equal(55.0))
		Expect(agg.Battery.Percentage).To(Equal(42.0))
		Expect(agg.Window).To(Equal(protocol.Window{
			Start:   t0.Add(time.Second),
			End:     t0.Add(3 * time.Second),
			Samples: 3,
		}))
	})

	It("should keep the highest confidence per label", func() {
		w.Add(chainsawSample(t0.Add(time.Second), 0.4))
		w.Add(chainsawSample(t0.Add(2*time.Second), 0.9))
		w.Add(chainsawSample(t0.Add(3*time.Second), 0.6))

		agg, _ := w.Aggregate()
		Expect(agg.Detections).To(HaveKeyWithValue("chainsaw", protocol.Detection{Confidence: 0.9}))
	})

	It("should drop acknowledged samples and keep later ones", func() {
		w.Add(sample(t0.Add(1*time.Second), 20))
		w.Add(sample(t0.Add(2*time.Second), 20))
		agg, _ := w.Aggregate()
		w.Add(sample(t0.Add(3*time.Second), 30))

		w.Acknowledge(agg.Window.End)

		Expect(w.Acknowledged()).To(Equal(t0.Add(2 * time.Second)))
		Expect(w.Len()).To(Equal(1))
		next, _ := w.Aggregate()
		Expect(next.Environment.Temperature).To(Equal(30.0))
	})

	It("should widen after an unacknowledged send", func() {
		w.Add(sample(t0.Add(1*time.Second), 20))
		_, _ = w.Aggregate()
		w.Add(sample(t0.Add(2*time.Second), 20))

		agg, _ := w.Aggregate()
		Expect(agg.Window.Samples).To(Equal(2))
		Expect(agg.Window.Start).To(Equal(t0.Add(time.Second)))
	})

	It("should never move the acknowledged marker backwards", func() {
		w.Acknowledge(t0.Add(time.Minute))
		w.Acknowledge(t0)
		Expect(w.Acknowledged()).To(Equal(t0.Add(time.Minute)))
	})
})
