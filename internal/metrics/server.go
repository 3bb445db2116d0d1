package metrics

import (
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const endpointMetrics = "/metrics"

// Register mounts the prometheus handler on the provided router
func Register(r *mux.Router) {
	r.Methods("GET").Path(endpointMetrics).Name("metrics").Handler(promhttp.Handler())
}
