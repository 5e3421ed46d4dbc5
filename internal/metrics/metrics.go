package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "streamcast_connection_build_info",
		Help: "Build information of the connection core",
	}, []string{"version", "commit", "date"})

	Connections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamcast_connection_accepted_total", Help: "Total connections accepted.",
	})
	ConnectionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamcast_connection_rejected_total", Help: "Connections rejected before a client was registered.",
	}, []string{"reason"})
	ClientConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamcast_connection_client_requests_total", Help: "Listener GET requests dispatched.",
	})

	ClientsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streamcast_connection_clients_active", Help: "Clients currently owned by the worker pool.",
	})
	BannedIPs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streamcast_connection_banned_ip_entries", Help: "Literal entries in the banned IP cache.",
	})

	PreambleOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamcast_connection_preamble_outcomes_total", Help: "Request preamble outcomes.",
	}, []string{"result"})

	AcceptErrs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamcast_connection_accept_errors_total", Help: "Accept errors by kind.",
	}, []string{"kind"})
	ListenSockets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streamcast_connection_listen_sockets", Help: "Listening sockets currently open.",
	})
)
