package alert

import (
	"cmp"
	"errors"
	"math"
	"slices"
	"sync/atomic"
	"time"

	"foresta.dev/guardian/internal/protocol"
)

// Kind is the alert type a decision produces.
type Kind string

const (
	KindFire       Kind = "fire"
	KindLogging    Kind = "logging"
	KindLowBattery Kind = "low-battery"
	KindOffline    Kind = "offline"
)

// Sample is one reading as seen by the evaluator.
type Sample struct {
	Timestamp         time.Time
	Detections        protocol.Detections
	Temperature       float64
	Humidity          float64
	SmokeLevel        float64
	BatteryPercentage float64
	Charging          bool
}

// Decision is an alert the evaluator wants stored.
type Decision struct {
	DetectedAt time.Time
	Details    map[string]any
	Kind       Kind
	Subtype    string
	Confidence float64
}

// Evaluator holds the current threshold snapshot.
type Evaluator struct {
	thresholds atomic.Pointer[Thresholds]
}

// NewEvaluator creates an evaluator with the given thresholds.
func NewEvaluator(t Thresholds) (*Evaluator, error) {
	e := &Evaluator{}
	if err := e.Reconfigure(t); err != nil {
		return nil, err
	}
	return e, nil
}

// Thresholds returns the snapshot currently in effect.
func (e *Evaluator) Thresholds() Thresholds {
	return e.thresholds.Load().clone()
}

// Reconfigure atomically replaces the threshold snapshot. Evaluations already in
// progress finish with the snapshot they started with.
func (e *Evaluator) Reconfigure(t Thresholds) error {
	if err := t.Validate(); err != nil {
		return errors.Join(errors.New("invalid thresholds"), err)
	}
	snapshot := t.clone()
	e.thresholds.Store(&snapshot)
	return nil
}

// Evaluate runs every reading-based detection family over current. history holds
// earlier readings of the same device, newest first, and is ignored when forced.
func (e *Evaluator) Evaluate(current Sample, history []Sample, forced bool) []Decision {
	t := e.thresholds.Load()

	var decisions []Decision
	if d, ok := Fire(t, current, history, forced); ok {
		decisions = append(decisions, d)
	}
	if d, ok := Logging(t, current, history, forced); ok {
		decisions = append(decisions, d)
	}
	if d, ok := LowBattery(t, current); ok {
		decisions = append(decisions, d)
	}
	return decisions
}

// Offline reports whether a device last seen at lastSeen counts as offline at now.
func (e *Evaluator) Offline(lastSeen, now time.Time) (Decision, bool) {
	return Offline(e.thresholds.Load(), lastSeen, now)
}

// Fire fires when smoke and temperature exceed their thresholds while humidity is
// below its threshold. Unless forced, the immediately preceding reading at least
// ConfirmDelay and at most ConfirmMaxAge older must show the same condition.
// Readings closer than ConfirmDelay must not break the condition either.
func Fire(t *Thresholds, current Sample, history []Sample, forced bool) (Decision, bool) {
	if !fireCondition(t, current) {
		return Decision{}, false
	}

	reads := []Sample{current}
	if !forced {
		confirmed := false
		for _, prev := range history {
			gap := current.Timestamp.Sub(prev.Timestamp)
			if gap > t.ConfirmMaxAge {
				break
			}
			if !fireCondition(t, prev) {
				break
			}
			reads = append(reads, prev)
			if gap >= t.ConfirmDelay {
				confirmed = true
				break
			}
		}
		if !confirmed {
			return Decision{}, false
		}
	}

	maxSmoke := 0.0
	maxTemp := math.Inf(-1)
	minHumidity := math.Inf(1)
	for _, r := range reads {
		maxSmoke = max(maxSmoke, r.SmokeLevel)
		maxTemp = max(maxTemp, r.Temperature)
		minHumidity = min(minHumidity, r.Humidity)
	}

	ratio := (maxSmoke - t.SmokeLevel) / (t.SmokeSaturation - t.SmokeLevel)
	confidence := 0.5 + 0.5*math.Min(1, ratio)

	return Decision{
		Kind:       KindFire,
		Confidence: confidence,
		DetectedAt: current.Timestamp,
		Details: map[string]any{
			"max_smoke_level":     maxSmoke,
			"max_temperature":     maxTemp,
			"min_humidity":        minHumidity,
			"confirming_readings": len(reads),
			"forced":              forced,
		},
	}, true
}

func fireCondition(t *Thresholds, s Sample) bool {
	return s.SmokeLevel > t.SmokeLevel && s.Temperature > t.Temperature && s.Humidity < t.Humidity
}

type labelStats struct {
	label string
	count int
	sum   float64
}

// Logging fires when at least LoggingFraction of the most recent LoggingWindow
// samples carry a logging label at or above LoggingConfidence. The current sample
// must qualify. Forced evaluation looks at the current sample alone.
func Logging(t *Thresholds, current Sample, history []Sample, forced bool) (Decision, bool) {
	samples := []Sample{current}
	denominator := 1
	if !forced {
		denominator = t.LoggingWindow
		for _, prev := range history {
			if len(samples) == t.LoggingWindow {
				break
			}
			if current.Timestamp.Sub(prev.Timestamp) > t.LoggingHistoryMaxAge {
				break
			}
			samples = append(samples, prev)
		}
	}

	stats := map[string]*labelStats{}
	qualifyingSamples := 0
	total, n := 0.0, 0
	for i, s := range samples {
		qualified := false
		for label, d := range s.Detections {
			if !t.isLoggingLabel(label) || d.Confidence < t.LoggingConfidence {
				continue
			}
			qualified = true
			st, ok := stats[label]
			if !ok {
				st = &labelStats{label: label}
				stats[label] = st
			}
			st.count++
			st.sum += d.Confidence
			total += d.Confidence
			n++
		}
		if qualified {
			qualifyingSamples++
		} else if i == 0 {
			return Decision{}, false
		}
	}

	if qualifyingSamples == 0 || float64(qualifyingSamples)/float64(denominator) < t.LoggingFraction {
		return Decision{}, false
	}

	ranked := make([]*labelStats, 0, len(stats))
	for _, st := range stats {
		ranked = append(ranked, st)
	}
	slices.SortFunc(ranked, func(a, b *labelStats) int {
		if c := cmp.Compare(b.count, a.count); c != 0 {
			return c
		}
		if c := cmp.Compare(b.sum/float64(b.count), a.sum/float64(a.count)); c != 0 {
			return c
		}
		return cmp.Compare(a.label, b.label)
	})

	return Decision{
		Kind:       KindLogging,
		Subtype:    ranked[0].label,
		Confidence: total / float64(n),
		DetectedAt: current.Timestamp,
		Details: map[string]any{
			"qualifying_samples": qualifyingSamples,
			"window":             denominator,
			"forced":             forced,
		},
	}, true
}

// LowBattery fires when a device on battery power drops below the LowBattery floor.
func LowBattery(t *Thresholds, current Sample) (Decision, bool) {
	if current.Charging || current.BatteryPercentage >= t.LowBattery {
		return Decision{}, false
	}
	return Decision{
		Kind:       KindLowBattery,
		Confidence: 1,
		DetectedAt: current.Timestamp,
		Details: map[string]any{
			"battery_percentage": current.BatteryPercentage,
		},
	}, true
}

// Offline fires when a device has been silent for longer than OfflineAfter. The
// detection time is the moment the silence crossed the threshold, so repeated checks
// during one outage describe the same event.
func Offline(t *Thresholds, lastSeen, now time.Time) (Decision, bool) {
	silent := now.Sub(lastSeen)
	if silent <= t.OfflineAfter {
		return Decision{}, false
	}
	return Decision{
		Kind:       KindOffline,
		Confidence: 1,
		DetectedAt: lastSeen.Add(t.OfflineAfter),
		Details: map[string]any{
			"last_seen":      lastSeen.UTC().Format(time.RFC3339),
			"silent_seconds": int64(silent.Seconds()),
		},
	}, true
}
