package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ftpd",
		Name:      "sessions_active",
		Help:      "Control connections currently being served.",
	})
	sessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ftpd",
		Name:      "sessions_total",
		Help:      "Control connections accepted since startup.",
	})
	commandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ftpd",
		Name:      "commands_total",
		Help:      "Commands dispatched, by verb; unregistered verbs count as UNKNOWN.",
	}, []string{"verb"})
	authTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ftpd",
		Name:      "logins_total",
		Help:      "Login attempts by outcome.",
	}, []string{"outcome"})
	transfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ftpd",
		Name:      "transfers_total",
		Help:      "Data-channel transfers by kind and outcome.",
	}, []string{"kind", "outcome"})
	transferBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ftpd",
		Name:      "transfer_bytes_total",
		Help:      "Bytes moved over data channels, both directions.",
	})
)

// ServeMetrics exposes the prometheus registry over HTTP. Blocks; run it in
// its own goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
