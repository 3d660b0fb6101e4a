package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricConnections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "khttp",
		Subsystem: "server",
		Name:      "connections_total",
		Help:      "Connections accepted",
	})

	metricRequests = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "khttp",
		Subsystem: "server",
		Name:      "requests_total",
		Help:      "Request heads parsed",
	})

	metricProtocolErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "khttp",
		Subsystem: "server",
		Name:      "protocol_errors_total",
		Help:      "Malformed, oversized, or ambiguously framed requests",
	})

	metricHandlerErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "khttp",
		Subsystem: "server",
		Name:      "handler_errors_total",
		Help:      "Handlers that returned an error",
	})
)
