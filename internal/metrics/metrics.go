// Package metrics exposes the process-wide Prometheus instruments. They are
// registered on the default registry and served by the HTTP layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RoomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mcs",
		Name:      "rooms_active",
		Help:      "Rooms currently alive.",
	})

	UsersJoined = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mcs",
		Name:      "users_joined_total",
		Help:      "Users that joined a room.",
	})

	SessionsNegotiated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mcs",
		Name:      "sessions_negotiated_total",
		Help:      "Media sessions successfully negotiated.",
	})

	NegotiationErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mcs",
		Name:      "negotiation_errors_total",
		Help:      "Failed session negotiations.",
	})

	RecordingsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mcs",
		Name:      "recordings_started_total",
		Help:      "Recording sessions started.",
	})

	SignalClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mcs",
		Name:      "signal_clients",
		Help:      "Connected signaling websocket clients.",
	})

	SignalRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mcs",
		Name:      "signal_requests_total",
		Help:      "Signaling requests by method and outcome.",
	}, []string{"method", "outcome"})

	TransportFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mcs",
		Name:      "transport_failures_total",
		Help:      "Transports that failed terminally (ICE or DTLS) per adapter.",
	}, []string{"adapter"})

	HostsOnline = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mcs",
		Name:      "hosts_online",
		Help:      "Media server hosts online per adapter.",
	}, []string{"adapter"})

	HostStreams = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mcs",
		Name:      "host_streams",
		Help:      "Streams currently placed on each host.",
	}, []string{"adapter", "host"})
)
