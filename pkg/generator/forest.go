// Package generator produces synthetic Guardian telemetry: forest environmental
// readings with daily and seasonal patterns, fire and logging anomalies, acoustic
// detections and a battery model.
package generator

import (
	"math"
	"math/rand"
	"time"

	"github.com/brianvoe/gofakeit/v7"
)

// Site is a reference location simulated devices are scattered around.
type Site struct {
	Name      string
	Latitude  float64
	Longitude float64
}

// Sites are the forest locations used by the fleet simulator.
var Sites = []Site{
	{Name: "San Francisco", Latitude: 37.7749, Longitude: -122.4194},
	{Name: "Yosemite", Latitude: 37.8651, Longitude: -119.5383},
	{Name: "Sequoia", Latitude: 36.4864, Longitude: -118.5658},
	{Name: "Lassen", Latitude: 40.3428, Longitude: -121.4092},
	{Name: "Tahoe", Latitude: 38.8876, Longitude: -120.0777},
}

// LoggingLabels are the acoustic labels a logging anomaly produces.
var LoggingLabels = []string{"chainsaw", "vehicle", "machinery"}

// SimulatedDevice is the static identity of a simulated field unit.
type SimulatedDevice struct {
	HardwareID string `fake:"{uuid}"`
	Firmware   string `fake:"{appversion}"`
	Site       string `fake:"skip"`
	Latitude   float64
	Longitude  float64
}

// NewSimulatedDevice creates a device placed near Sites[index % len(Sites)].
func NewSimulatedDevice(index int) *SimulatedDevice {
	var device SimulatedDevice
	if err := gofakeit.Struct(&device); err != nil {
		return nil
	}

	site := Sites[index%len(Sites)]
	offset := gofakeit.Float64Range(-0.01, 0.01)
	device.Site = site.Name
	device.Latitude = site.Latitude + offset
	device.Longitude = site.Longitude + offset
	return &device
}

// Anomaly is the environmental event currently being simulated.
type Anomaly string

const (
	AnomalyNone    Anomaly = ""
	AnomalyFire    Anomaly = "fire"
	AnomalyLogging Anomaly = "logging"
)

// Reading is one synthetic environmental sample.
type Reading struct {
	Timestamp   time.Time
	Detections  map[string]float64
	Temperature float64
	Humidity    float64
	SmokeLevel  float64
}

// ForestGenerator produces correlated environmental readings for one device.
// It is not safe for concurrent use.
type ForestGenerator struct {
	rng                *rand.Rand
	anomaly            Anomaly
	anomalyLabel       string
	baselineTemp       float64
	baselineHumidity   float64
	baselineSmoke      float64
	anomalyProbability float64
	anomalyRemaining   int
}

// NewForestGenerator creates a generator. anomalyProbability is the chance, per
// reading, that a fire or logging anomaly starts when none is active.
func NewForestGenerator(seed int64, anomalyProbability float64) *ForestGenerator {
	rng := rand.New(rand.NewSource(seed))
	return &ForestGenerator{
		rng:                rng,
		baselineTemp:       18 + rng.Float64()*7,  // 18-25°C
		baselineHumidity:   50 + rng.Float64()*20, // 50-70%
		baselineSmoke:      50 + rng.Float64()*100,
		anomalyProbability: anomalyProbability,
	}
}

// StartAnomaly forces an anomaly lasting the given number of readings.
func (g *ForestGenerator) StartAnomaly(a Anomaly, readings int) {
	g.anomaly = a
	g.anomalyRemaining = readings
	g.anomalyLabel = ""
	if a == AnomalyLogging {
		g.anomalyLabel = LoggingLabels[g.rng.Intn(len(LoggingLabels))]
	}
}

// Anomaly returns the anomaly currently in effect.
func (g *ForestGenerator) Anomaly() Anomaly {
	return g.anomaly
}

func (g *ForestGenerator) uniform(lo, hi float64) float64 {
	return lo + g.rng.Float64()*(hi-lo)
}

// Next generates the reading at t and advances the anomaly lifecycle.
func (g *ForestGenerator) Next(t time.Time) Reading {
	if g.anomaly == AnomalyNone && g.rng.Float64() < g.anomalyProbability {
		kind := AnomalyFire
		if g.rng.Intn(2) == 1 {
			kind = AnomalyLogging
		}
		g.StartAnomaly(kind, 2+g.rng.Intn(4)) // 2-5 readings
	}

	temperature := g.baselineTemp + g.uniform(-1, 1)
	humidity := g.baselineHumidity + g.uniform(-5, 5)
	smoke := g.baselineSmoke + g.uniform(-20, 20)

	// Warmest at noon UTC, coolest at midnight
	timeFactor := math.Abs(float64(t.UTC().Hour())-12) / 12
	temperature -= timeFactor * g.uniform(3, 6)
	humidity += timeFactor * g.uniform(5, 15)

	// Warmest mid-year
	seasonalFactor := math.Abs(float64(t.UTC().YearDay())-183) / 183
	temperature -= seasonalFactor * g.uniform(2, 8)
	humidity += seasonalFactor * g.uniform(10, 20)

	var detections map[string]float64
	switch g.anomaly {
	case AnomalyFire:
		temperature += g.uniform(15, 30)
		humidity -= g.uniform(20, 40)
		smoke += g.uniform(400, 800)
	case AnomalyLogging:
		// Dust and exhaust only
		temperature += g.uniform(0, 2)
		humidity -= g.uniform(0, 5)
		smoke += g.uniform(50, 150)
		detections = map[string]float64{g.anomalyLabel: round(g.uniform(0.75, 0.98), 3)}
	}

	if g.anomaly != AnomalyNone {
		g.anomalyRemaining--
		if g.anomalyRemaining <= 0 {
			g.anomaly = AnomalyNone
			g.anomalyLabel = ""
		}
	}

	return Reading{
		Timestamp:   t,
		Temperature: round(clamp(temperature, 0, 50), 2),
		Humidity:    round(clamp(humidity, 10, 100), 2),
		SmokeLevel:  round(clamp(smoke, 0, 1000), 2),
		Detections:  detections,
	}
}

// Battery models charge and drain of a field unit's battery.
type Battery struct {
	rng        *rand.Rand
	Percentage float64
	Charging   bool
}

// NewBattery creates a battery starting between 70% and 100%, charging 30% of the time.
func NewBattery(seed int64) *Battery {
	rng := rand.New(rand.NewSource(seed))
	return &Battery{
		rng:        rng,
		Percentage: 70 + rng.Float64()*30,
		Charging:   rng.Float64() > 0.7,
	}
}

// Step advances the battery by one sampling cycle.
func (b *Battery) Step() {
	if b.Charging {
		b.Percentage += (0.1 + b.rng.Float64()*0.4) * (100 - b.Percentage) / 100
		if b.Percentage > 99 {
			b.Percentage = 100
			if b.rng.Float64() < 0.1 {
				b.Charging = false
			}
		}
	} else {
		b.Percentage -= 0.05 + b.rng.Float64()*0.15
		if b.Percentage < 15 && b.rng.Float64() < 0.3 {
			b.Charging = true
		}
	}
	b.Percentage = clamp(b.Percentage, 5, 100)
}

// EstimatedRuntimeHours assumes five days on a full charge; a charging unit reports a week.
func (b *Battery) EstimatedRuntimeHours() float64 {
	if b.Charging {
		return 168
	}
	return round(b.Percentage/100*24*5, 1)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
