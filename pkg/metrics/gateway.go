package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// GatewayMetrics contains Prometheus metrics for the ingestion gateway.
type GatewayMetrics struct {
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestsInFlight  prometheus.Gauge
	MessagesIngested      *prometheus.CounterVec
	MessagesRejected      *prometheus.CounterVec
	AlertsRaised          *prometheus.CounterVec
	AlertsCoalesced       *prometheus.CounterVec
	NotificationsTotal    *prometheus.CounterVec
	CommandsTotal         *prometheus.CounterVec
	DBOperationsTotal     *prometheus.CounterVec
	DBOperationDuration   *prometheus.HistogramVec
	RecordsPurged         *prometheus.CounterVec
	RegistrationsTotal    *prometheus.CounterVec
	DevicesOffline        prometheus.Gauge
	ThresholdReloadsTotal prometheus.Counter
}

// NewGatewayMetrics creates and registers gateway metrics.
func NewGatewayMetrics(namespace string) *GatewayMetrics {
	m := &GatewayMetrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed",
			},
		),
		MessagesIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "messages_total",
				Help:      "Total number of device messages accepted",
			},
			[]string{"message_type", "source"}, // source: http, mqtt
		),
		MessagesRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "rejected_total",
				Help:      "Total number of device messages rejected",
			},
			[]string{"kind"}, // kind: unauthorized, forbidden, bad_payload, storage_failure
		),
		AlertsRaised: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "alerts",
				Name:      "raised_total",
				Help:      "Total number of new alerts created",
			},
			[]string{"type"},
		),
		AlertsCoalesced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "alerts",
				Name:      "coalesced_total",
				Help:      "Total number of detections merged into an open alert",
			},
			[]string{"type"},
		),
		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "notify",
				Name:      "events_total",
				Help:      "Total number of notification events published",
			},
			[]string{"event", "status"}, // status: success, error
		),
		CommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "commands",
				Name:      "processed_total",
				Help:      "Total number of operator commands processed",
			},
			[]string{"command", "status"},
		),
		DBOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "db",
				Name:      "operations_total",
				Help:      "Total number of database operations",
			},
			[]string{"operation", "table", "status"},
		),
		DBOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "db",
				Name:      "operation_duration_seconds",
				Help:      "Duration of database operations",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation", "table"},
		),
		RecordsPurged: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "retention",
				Name:      "records_purged_total",
				Help:      "Total number of records removed by retention",
			},
			[]string{"table"},
		),
		RegistrationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "registration",
				Name:      "requests_total",
				Help:      "Total number of registration requests and polls",
			},
			[]string{"status"}, // status: pending, approved, rejected
		),
		DevicesOffline: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "devices",
				Name:      "offline",
				Help:      "Number of active devices past the offline threshold",
			},
		),
		ThresholdReloadsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "alerts",
				Name:      "threshold_reloads_total",
				Help:      "Total number of evaluator threshold reloads",
			},
		),
	}

	MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.MessagesIngested,
		m.MessagesRejected,
		m.AlertsRaised,
		m.AlertsCoalesced,
		m.NotificationsTotal,
		m.CommandsTotal,
		m.DBOperationsTotal,
		m.DBOperationDuration,
		m.RecordsPurged,
		m.RegistrationsTotal,
		m.DevicesOffline,
		m.ThresholdReloadsTotal,
	)

	return m
}
