// Package server wires the HTTP routes for health, metrics and websockets.
package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes builds the admin mux: a health check on "/", Prometheus
// metrics on "/metrics" and, when ws is non-nil, the websocket endpoint on
// "/ws".
func SetupRoutes(hub *Hub, gatherer prometheus.Gatherer, ws http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", HealthHandler(hub))
	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	if ws != nil {
		mux.Handle("/ws", ws)
	}
	return mux
}
