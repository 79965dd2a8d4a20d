package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// DeviceMetrics contains Prometheus metrics for the on-device agent and the simulator.
type DeviceMetrics struct {
	TransmissionsTotal   *prometheus.CounterVec
	TransmissionDuration *prometheus.HistogramVec
	ModeTransitions      *prometheus.CounterVec
	BufferedMessages     prometheus.Gauge
	ConsecutiveFailures  prometheus.Gauge
	BatteryPercentage    prometheus.Gauge
	AlertsDetected       *prometheus.CounterVec
	SamplesCollected     prometheus.Counter
	SimulatedDevices     prometheus.Gauge
}

// NewDeviceMetrics creates and registers device metrics.
func NewDeviceMetrics(namespace string) *DeviceMetrics {
	m := &DeviceMetrics{
		TransmissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "transmit",
				Name:      "messages_total",
				Help:      "Total number of transmission attempts",
			},
			[]string{"message_type", "outcome"}, // outcome: delivered, failed, rejected, buffered
		),
		TransmissionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "transmit",
				Name:      "duration_seconds",
				Help:      "Duration of a send including retries",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"message_type"},
		),
		ModeTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "device",
				Name:      "mode_transitions_total",
				Help:      "Total number of operating mode transitions",
			},
			[]string{"from", "to"},
		),
		BufferedMessages: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "transmit",
				Name:      "buffered_messages",
				Help:      "Number of messages waiting in the replay log",
			},
		),
		ConsecutiveFailures: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "transmit",
				Name:      "consecutive_failures",
				Help:      "Current run of failed sends",
			},
		),
		BatteryPercentage: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "device",
				Name:      "battery_percentage",
				Help:      "Last sampled battery charge",
			},
		),
		AlertsDetected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "device",
				Name:      "alerts_detected_total",
				Help:      "Total number of local threshold breaches",
			},
			[]string{"type"},
		),
		SamplesCollected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "device",
				Name:      "samples_collected_total",
				Help:      "Total number of sensor samples taken",
			},
		),
		SimulatedDevices: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "devices",
				Help:      "Number of simulated devices currently running",
			},
		),
	}

	MustRegister(
		m.TransmissionsTotal,
		m.TransmissionDuration,
		m.ModeTransitions,
		m.BufferedMessages,
		m.ConsecutiveFailures,
		m.BatteryPercentage,
		m.AlertsDetected,
		m.SamplesCollected,
		m.SimulatedDevices,
	)

	return m
}
