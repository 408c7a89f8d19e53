// Package metrics exposes the Prometheus scrape endpoint. The engine's
// instruments are registered with the default registry by the telemetry
// package's exporter.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
