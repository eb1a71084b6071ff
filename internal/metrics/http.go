package metrics

import (
	"net/http"

	vmetrics "github.com/VictoriaMetrics/metrics"
)

// Handler returns an http.Handler that writes every registered
// VictoriaMetrics series in Prometheus exposition format, suitable for
// mounting at /metrics on the node's status endpoint.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		vmetrics.WritePrometheus(w, true)
	})
}
