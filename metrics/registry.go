// Package metrics holds the Prometheus metrics of the timber service. All
// metrics live in DefaultRegistry so subsystems can record them without
// passing a registry around.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric name.
const Namespace = "timber"

// DefaultRegistry is the process-wide registry used by the metrics in
// standard.go. It also carries the Go runtime and process collectors.
var DefaultRegistry = newRegistry()

var factory = promauto.With(DefaultRegistry)

func newRegistry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Handler serves DefaultRegistry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(DefaultRegistry, promhttp.HandlerOpts{})
}
