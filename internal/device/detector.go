package device

import (
	"slices"
	"time"

	"foresta.dev/guardian/internal/protocol"
)

// Detector confirms threats locally before the device raises an alert: the same
// condition on two consecutive samples, then a per-family cooldown.
// It is not safe for concurrent use.
type Detector struct {
	thresholds protocol.Thresholds
	cooldown   time.Duration
	previous   *Sample
	lastRaised map[protocol.AlertFamily]time.Time
}

// NewDetector creates a detector for the thresholds of an operating config.
func NewDetector(t protocol.Thresholds, cooldown time.Duration) *Detector {
	if cooldown <= 0 {
		cooldown = DefaultAlertCooldown
	}
	return &Detector{
		thresholds: t,
		cooldown:   cooldown,
		lastRaised: make(map[protocol.AlertFamily]time.Time),
	}
}

// Observe feeds one sample and returns the alerts it confirms.
func (d *Detector) Observe(s Sample) []protocol.AlertSignal {
	prev := d.previous
	d.previous = &s
	if prev == nil {
		return nil
	}

	var signals []protocol.AlertSignal
	if d.fire(s) && d.fire(*prev) && d.ready(protocol.FamilyFire, s.Timestamp) {
		signals = append(signals, protocol.AlertSignal{
			Type:       protocol.FamilyFire,
			DetectedAt: s.Timestamp,
		})
	}

	if label, confidence, ok := d.logging(s, *prev); ok && d.ready(protocol.FamilyLogging, s.Timestamp) {
		signals = append(signals, protocol.AlertSignal{
			Type:       protocol.FamilyLogging,
			Subtype:    label,
			Confidence: confidence,
			DetectedAt: s.Timestamp,
		})
	}

	return signals
}

func (d *Detector) fire(s Sample) bool {
	env := s.Environment
	return env.SmokeLevel > d.thresholds.SmokeLevel &&
		env.Temperature > d.thresholds.Temperature &&
		env.Humidity < d.thresholds.Humidity
}

// logging picks the strongest label that qualifies in both samples and returns
// the mean of its two confidences.
func (d *Detector) logging(cur, prev Sample) (string, float64, bool) {
	best, bestConfidence := "", -1.0
	for label, det := range cur.Detections {
		if !slices.Contains(d.thresholds.LoggingLabels, label) || det.Confidence < d.thresholds.LoggingConfidence {
			continue
		}
		p, ok := prev.Detections[label]
		if !ok || p.Confidence < d.thresholds.LoggingConfidence {
			continue
		}
		mean := (det.Confidence + p.Confidence) / 2
		if mean > bestConfidence || (mean == bestConfidence && label < best) {
			best, bestConfidence = label, mean
		}
	}
	return best, bestConfidence, best != ""
}

func (d *Detector) ready(family protocol.AlertFamily, at time.Time) bool {
	if last, ok := d.lastRaised[family]; ok && at.Sub(last) < d.cooldown {
		return false
	}
	d.lastRaised[family] = at
	return true
}
