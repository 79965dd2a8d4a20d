package device

import (
	"math"
	"sync"
	"time"

	"foresta.dev/guardian/internal/protocol"
)

// maxWindowSamples bounds the samples kept while periodic sends keep failing.
const maxWindowSamples = 4096

// Aggregate summarizes the samples of one periodic window.
type Aggregate struct {
	Detections  protocol.Detections
	Environment protocol.Environment
	Window      protocol.Window
	Battery     protocol.Battery
}

// Window collects samples since the last acknowledged periodic message.
type Window struct {
	mu      sync.Mutex
	samples []Sample
	acked   time.Time
}

// NewWindow starts a window after the acknowledged marker.
func NewWindow(acknowledged time.Time) *Window {
	return &Window{acked: acknowledged}
}

// Add records a sample.
func (w *Window) Add(s Sample) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !s.Timestamp.After(w.acked) {
		return
	}
	w.samples = append(w.samples, s)
	if len(w.samples) > maxWindowSamples {
		w.samples = w.samples[len(w.samples)-maxWindowSamples:]
	}
}

// Aggregate averages the environment over every unacknowledged sample and keeps the
// highest confidence seen per detection label. Battery is taken from the newest sample.
func (w *Window) Aggregate() (Aggregate, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.samples) == 0 {
		return Aggregate{}, false
	}

	var agg Aggregate
	for _, s := range w.samples {
		agg.Environment.Temperature += s.Environment.Temperature
		agg.Environment.Humidity += s.Environment.Humidity
		agg.Environment.SmokeLevel += s.Environment.SmokeLevel
		for label, d := range s.Detections {
			if agg.Detections == nil {
				agg.Detections = protocol.Detections{}
			}
			if cur, ok := agg.Detections[label]; !ok || d.Confidence > cur.Confidence {
				agg.Detections[label] = d
			}
		}
	}

	n := float64(len(w.samples))
	agg.Environment.Temperature = round2(agg.Environment.Temperature / n)
	agg.Environment.Humidity = round2(agg.Environment.Humidity / n)
	agg.Environment.SmokeLevel = round2(agg.Environment.SmokeLevel / n)

	last := w.samples[len(w.samples)-1]
	agg.Battery = last.Battery
	agg.Window = protocol.Window{
		Start:   w.samples[0].Timestamp,
		End:     last.Timestamp,
		Samples: len(w.samples),
	}
	return agg, true
}

// Acknowledge drops every sample up to and including end.
func (w *Window) Acknowledge(end time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if end.After(w.acked) {
		w.acked = end
	}
	i := 0
	for i < len(w.samples) && !w.samples[i].Timestamp.After(end) {
		i++
	}
	w.samples = w.samples[i:]
}

// Acknowledged returns the end of the last acknowledged window.
func (w *Window) Acknowledged() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.acked
}

// Len returns the number of pending samples.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.samples)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
