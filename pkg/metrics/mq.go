package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MQMetrics instruments the RabbitMQ clients. One set is shared by every queue a
// process uses, so all series carry the queue name.
type MQMetrics struct {
	MessagesPushed      *prometheus.CounterVec
	PushFailures        *prometheus.CounterVec
	PushDuration        *prometheus.HistogramVec
	ReconnectAttempts   *prometheus.CounterVec
	ConnectionStatus    *prometheus.GaugeVec
	MessagesConsumed    *prometheus.CounterVec
	ConsumptionFailures *prometheus.CounterVec
	ConsumeDuration     *prometheus.HistogramVec
}

func mqCounter(namespace, name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "mq",
		Name:      name,
		Help:      help,
	}, append([]string{"queue"}, labels...))
}

func mqHistogram(namespace, name, help string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "mq",
		Name:      name,
		Help:      help,
		Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30},
	}, []string{"queue"})
}

// NewMQMetrics creates and registers the MQ metric set.
func NewMQMetrics(namespace string) *MQMetrics {
	m := &MQMetrics{
		MessagesPushed:      mqCounter(namespace, "messages_pushed_total", "Messages confirmed by the broker"),
		PushFailures:        mqCounter(namespace, "push_failures_total", "Pushes abandoned, by reason", "reason"),
		PushDuration:        mqHistogram(namespace, "push_duration_seconds", "Time from push to broker confirmation, retries included"),
		ReconnectAttempts:   mqCounter(namespace, "reconnect_attempts_total", "Broker reconnection attempts"),
		MessagesConsumed:    mqCounter(namespace, "messages_consumed_total", "Deliveries taken off the queue"),
		ConsumptionFailures: mqCounter(namespace, "consumption_failures_total", "Deliveries rejected or requeued, by reason", "reason"),
		ConsumeDuration:     mqHistogram(namespace, "consume_duration_seconds", "Time spent handling one delivery"),
		ConnectionStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mq",
			Name:      "connection_status",
			Help:      "1 while the queue's channel is ready, 0 otherwise",
		}, []string{"queue"}),
	}

	MustRegister(
		m.MessagesPushed,
		m.PushFailures,
		m.PushDuration,
		m.ReconnectAttempts,
		m.ConnectionStatus,
		m.MessagesConsumed,
		m.ConsumptionFailures,
		m.ConsumeDuration,
	)

	return m
}
