package broker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the broker control plane.
type metrics struct {
	requestsForwarded      prometheus.Counter
	forwardErrors          prometheus.Counter
	heartbeatsReceived     prometheus.Counter
	serversActive          prometheus.Gauge
	serversEvicted         prometheus.Counter
	notificationsPublished prometheus.Counter
	controlRequests        *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		requestsForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_requests_forwarded_total",
			Help: "Total client requests relayed to app servers",
		}),
		forwardErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_forward_errors_total",
			Help: "Total relay failures answered with ret -1",
		}),
		heartbeatsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_heartbeats_received_total",
			Help: "Total heartbeat lines received from app servers",
		}),
		serversActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broker_servers_active",
			Help: "Currently registered app servers",
		}),
		serversEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_servers_evicted_total",
			Help: "App servers removed after missing heartbeats",
		}),
		notificationsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_notifications_published_total",
			Help: "Lines written to the notification bus",
		}),
		controlRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_control_requests_total",
			Help: "Control channel requests by action",
		}, []string{"action"}),
	}
	reg.MustRegister(
		m.requestsForwarded,
		m.forwardErrors,
		m.heartbeatsReceived,
		m.serversActive,
		m.serversEvicted,
		m.notificationsPublished,
		m.controlRequests,
	)
	return m
}

// metricsHandler serves the scrape endpoint for the given registry.
func metricsHandler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}
