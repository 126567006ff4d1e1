// Package metrics provides Prometheus metrics for the kmpsock adapter.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "kmpsock"

// Drop reasons used as the label of DatagramsDropped.
const (
	ReasonShortRead       = "short_read"
	ReasonTruncatedHeader = "truncated_header"
	ReasonUnknownType     = "unknown_type"
	ReasonNoBinding       = "no_binding"
	ReasonRateLimited     = "rate_limited"
)

// Metrics contains all Prometheus metrics for the adapter.
type Metrics struct {
	// Binding lifecycle
	BindingsActive prometheus.Gauge
	SocketOpens    prometheus.Counter
	SocketReopens  prometheus.Counter

	// Send path
	DatagramsSent prometheus.Counter
	BytesSent     prometheus.Counter
	SendErrors    prometheus.Counter

	// Receive path
	DatagramsReceived prometheus.Counter
	BytesReceived     prometheus.Counter
	DatagramsDropped  *prometheus.CounterVec
}

// New creates the adapter metric set registered against reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		BindingsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bindings_active",
			Help:      "Number of active service bindings.",
		}),
		SocketOpens: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socket_opens_total",
			Help:      "Total datagram sockets opened.",
		}),
		SocketReopens: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socket_reopens_total",
			Help:      "Sockets recreated because the remote endpoint changed.",
		}),
		DatagramsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_sent_total",
			Help:      "Total datagrams handed to the transport.",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total bytes handed to the transport, headers included.",
		}),
		SendErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_errors_total",
			Help:      "Send attempts the transport rejected.",
		}),
		DatagramsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_received_total",
			Help:      "Total datagrams forwarded to a service.",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total payload bytes forwarded to a service.",
		}),
		DatagramsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_dropped_total",
			Help:      "Inbound datagrams dropped before dispatch, by reason.",
		}, []string{"reason"}),
	}
}
