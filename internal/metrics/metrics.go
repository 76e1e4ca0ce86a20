// Package metrics exposes Prometheus collectors for the chat server.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MessagesBroadcast = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classchat_messages_broadcast_total",
			Help: "Chat frames broadcast to a topic, by message type.",
		},
		[]string{"type"},
	)
	PersistFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "classchat_persist_failures_total",
			Help: "Chat messages that were delivered live but could not be stored.",
		},
	)
	PersistSpills = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "classchat_persist_spills_total",
			Help: "Persist jobs handed to a goroutine because the ordered queue was full.",
		},
	)
	SlowClientsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "classchat_slow_clients_dropped_total",
			Help: "WebSocket clients closed because their send buffer was full.",
		},
	)
	Connections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "classchat_ws_connections",
			Help: "Open WebSocket connections.",
		},
	)
	Online = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "classchat_presence_online",
			Help: "Participants in the presence registry after the last JOIN or LEAVE.",
		},
	)
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classchat_http_requests_total",
			Help: "HTTP requests by method and status code.",
		},
		[]string{"method", "code"},
	)
)

func init() {
	prometheus.MustRegister(
		MessagesBroadcast,
		PersistFailures,
		PersistSpills,
		SlowClientsDropped,
		Connections,
		Online,
		HTTPRequests,
	)
}

func ObserveHTTP(method string, status int) {
	HTTPRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
}

func Handler() http.Handler {
	return promhttp.Handler()
}
