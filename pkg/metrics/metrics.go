// Package metrics holds the Prometheus collectors of the gateway, the device agent
// and the RabbitMQ client, registered on one shared registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every Guardian metric.
const Namespace = "guardian"

// Registry is the process-wide registry. The metric set constructors register on it,
// so each may be called once per process.
var Registry = prometheus.NewRegistry()

var buildInfo = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "build_info",
		Help:      "Always 1; labels carry the running role and firmware or release version",
	},
	[]string{"role", "version"},
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		buildInfo,
	)
}

// SetBuildInfo publishes the role (gateway, device, simulator) and version of this process.
func SetBuildInfo(role, version string) {
	buildInfo.WithLabelValues(role, version).Set(1)
}

// Handler serves the registry in the OpenMetrics format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          Registry,
	})
}

// MustRegister registers collectors on Registry and panics on conflicts.
func MustRegister(cs ...prometheus.Collector) {
	Registry.MustRegister(cs...)
}
