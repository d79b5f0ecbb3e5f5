package quic

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics holds the counters/gauges a HandlerMap updates as it routes
// datagrams and connections come and go. Each instance registers into its
// own prometheus.Registry rather than the global DefaultRegisterer, so a
// process can run more than one Client/Server without a duplicate-metric
// registration panic.
type metrics struct {
	registry *prometheus.Registry

	connsActive      prometheus.Gauge
	connsAccepted    prometheus.Counter
	connsClosed      prometheus.Counter
	packetsReceived  prometheus.Counter
	packetsSent      prometheus.Counter
	bytesReceived    prometheus.Counter
	bytesSent        prometheus.Counter
	packetsDropped   prometheus.Counter
	pathRebinds      prometheus.Counter
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	m := &metrics{
		registry: reg,
		connsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "quince",
			Name:      "connections_active",
			Help:      "Number of connections currently tracked by the handler map.",
		}),
		connsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "quince",
			Name:      "connections_accepted_total",
			Help:      "Total connections accepted as a server.",
		}),
		connsClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "quince",
			Name:      "connections_closed_total",
			Help:      "Total connections that reached the Closed state.",
		}),
		packetsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "quince",
			Name:      "packets_received_total",
			Help:      "Total UDP datagrams read from the socket.",
		}),
		packetsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "quince",
			Name:      "packets_sent_total",
			Help:      "Total UDP datagrams written to the socket.",
		}),
		bytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "quince",
			Name:      "bytes_received_total",
			Help:      "Total bytes read from the socket.",
		}),
		bytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "quince",
			Name:      "bytes_sent_total",
			Help:      "Total bytes written to the socket.",
		}),
		packetsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "quince",
			Name:      "packets_dropped_total",
			Help:      "Total datagrams dropped before reaching a connection (no readable destination CID, or unknown CID not accepted as a new connection).",
		}),
		pathRebinds: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "quince",
			Name:      "path_rebinds_total",
			Help:      "Total times a connection was observed from a new peer address (NAT rebinding).",
		}),
	}
	return m
}

// serveDebug runs an HTTP server exposing Prometheus metrics at /metrics
// on addr and blocks until that server fails. Server.ServeMetrics runs it
// in the background; the registry is not exported any other way.
func (m *metrics) serveDebug(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	return http.ListenAndServe(addr, mux)
}
