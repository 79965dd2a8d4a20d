package device

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"foresta.dev/guardian/internal/protocol"
	"foresta.dev/guardian/pkg/generator"
)

// Sample is one reading of the on-board sensors.
type Sample struct {
	Timestamp   time.Time
	Detections  protocol.Detections
	Environment protocol.Environment
	Battery     protocol.Battery
}

// Sensors reads the environmental, acoustic and power sensors.
type Sensors interface {
	Sample(ctx context.Context) (Sample, error)
}

// SelfTest checks that a sample is physically plausible.
func SelfTest(s Sample) error {
	env := s.Environment
	switch {
	case env.Temperature < -50 || env.Temperature > 90:
		return fmt.Errorf("temperature sensor out of range: %v", env.Temperature)
	case env.Humidity < 0 || env.Humidity > 100:
		return fmt.Errorf("humidity sensor out of range: %v", env.Humidity)
	case env.SmokeLevel < 0:
		return fmt.Errorf("smoke sensor out of range: %v", env.SmokeLevel)
	case s.Battery.Percentage < 0 || s.Battery.Percentage > 100:
		return fmt.Errorf("battery gauge out of range: %v", s.Battery.Percentage)
	}
	for label, d := range s.Detections {
		if d.Confidence < 0 || d.Confidence > 1 {
			return fmt.Errorf("classifier confidence for %s out of range: %v", label, d.Confidence)
		}
	}
	return nil
}

// SimulatedSensors produces synthetic readings from the forest generator.
type SimulatedSensors struct {
	mu      sync.Mutex
	forest  *generator.ForestGenerator
	battery *generator.Battery
	now     func() time.Time
}

// NewSimulatedSensors creates simulated sensors. anomalyProbability is the chance
// per sample that a fire or logging event starts.
func NewSimulatedSensors(seed int64, anomalyProbability float64) *SimulatedSensors {
	return &SimulatedSensors{
		forest:  generator.NewForestGenerator(seed, anomalyProbability),
		battery: generator.NewBattery(seed),
		now:     time.Now,
	}
}

// Sample implements Sensors.
func (s *SimulatedSensors) Sample(_ context.Context) (Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reading := s.forest.Next(s.now().UTC())
	s.battery.Step()

	var detections protocol.Detections
	if len(reading.Detections) > 0 {
		detections = make(protocol.Detections, len(reading.Detections))
		for label, confidence := range reading.Detections {
			detections[label] = protocol.Detection{Confidence: confidence}
		}
	}

	return Sample{
		Timestamp:  reading.Timestamp,
		Detections: detections,
		Environment: protocol.Environment{
			Temperature: reading.Temperature,
			Humidity:    reading.Humidity,
			SmokeLevel:  reading.SmokeLevel,
		},
		Battery: protocol.Battery{
			Percentage:            s.battery.Percentage,
			Charging:              s.battery.Charging,
			EstimatedRuntimeHours: s.battery.EstimatedRuntimeHours(),
		},
	}, nil
}

// StartAnomaly forces a fire or logging event lasting the given number of samples.
func (s *SimulatedSensors) StartAnomaly(a generator.Anomaly, samples int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forest.StartAnomaly(a, samples)
}

// SimulatedProbe reports plausible host health for simulated devices.
// Note: uses math/rand, which is acceptable for simulation data.
type SimulatedProbe struct {
	mu      sync.Mutex
	rng     *rand.Rand
	started time.Time
}

// NewSimulatedProbe creates a probe seeded with seed.
func NewSimulatedProbe(seed int64) *SimulatedProbe {
	return &SimulatedProbe{
		rng:     rand.New(rand.NewSource(seed)), // #nosec G404 - weak random is acceptable for simulation
		started: time.Now(),
	}
}

// Probe implements SystemProbe.
func (p *SimulatedProbe) Probe(_ context.Context) (SystemStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return SystemStatus{
		Connectivity: &protocol.Connectivity{
			NetworkType:    "lora",
			SignalStrength: -110 + p.rng.Float64()*50,
		},
		Storage: &protocol.Storage{UsedPercent: 20 + p.rng.Float64()*40},
		System: &protocol.System{
			CPUPercent:    5 + p.rng.Float64()*30,
			MemoryPercent: 30 + p.rng.Float64()*40,
			UptimeSeconds: uint64(time.Since(p.started).Seconds()),
		},
	}, nil
}
