// Package metrics exposes Shadowsocks connection statistics as Prometheus
// metrics, with an optional GeoIP-derived client location tag. It sits
// alongside the core relay pipeline rather than inside it, as an optional
// observability layer a remote endpoint can enable.
package metrics

import (
	"net"
	"strconv"
	"time"

	"github.com/oschwald/geoip2-golang"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ocfbnj/ssgo/onet"
)

// ProxyMetrics holds the four per-direction byte counts accumulated by
// onet.MeasureConn over the lifetime of one relayed connection.
type ProxyMetrics struct {
	ClientProxy int64
	ProxyTarget int64
	TargetProxy int64
	ProxyClient int64
}

// ShadowsocksMetrics is the sink a remote TCP service reports connection
// lifecycle events to. Implementations must be safe for concurrent use: one
// relay task per accepted connection calls into it independently.
type ShadowsocksMetrics interface {
	GetLocation(addr net.Addr) (string, error)
	AddOpenTCPConnection(clientLocation string)
	AddClosedTCPConnection(clientLocation, accessKey, status string, data ProxyMetrics, duration time.Duration)
	AddTCPProbe(status, drainResult string, listenPort int, clientProxyBytes int64)
}

// PrometheusMetrics is a ShadowsocksMetrics backed by prometheus counters
// and histograms, with an optional GeoIP2 database for client location
// tagging. A nil *geoip2.Reader disables location tagging; GetLocation then
// always returns the empty string.
type PrometheusMetrics struct {
	geoIP *geoip2.Reader

	openConnections   prometheus.Counter
	closedConnections *prometheus.CounterVec
	connectionDuration *prometheus.HistogramVec
	dataBytes         *prometheus.CounterVec
	tcpProbes         *prometheus.CounterVec
}

// NewPrometheusMetrics registers the metric families under registerer and
// returns a PrometheusMetrics using geoIP for location lookups (nil to
// disable).
func NewPrometheusMetrics(geoIP *geoip2.Reader, registerer prometheus.Registerer) *PrometheusMetrics {
	m := &PrometheusMetrics{
		geoIP: geoIP,
		openConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shadowsocks",
			Subsystem: "tcp",
			Name:      "connections_opened_total",
			Help:      "Count of TCP connections opened to the remote endpoint.",
		}),
		closedConnections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shadowsocks",
			Subsystem: "tcp",
			Name:      "connections_closed_total",
			Help:      "Count of TCP connections closed, by location, access key, and status.",
		}, []string{"location", "access_key", "status"}),
		connectionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "shadowsocks",
			Subsystem: "tcp",
			Name:      "connection_duration_seconds",
			Help:      "Histogram of closed TCP connection durations, by status.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"status"}),
		dataBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shadowsocks",
			Subsystem: "tcp",
			Name:      "data_bytes_total",
			Help:      "Bytes relayed, by direction.",
		}, []string{"dir"}),
		tcpProbes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shadowsocks",
			Subsystem: "tcp",
			Name:      "probes_total",
			Help:      "Count of connections that failed authentication, by status and drain result.",
		}, []string{"status", "drain_result", "port"}),
	}
	registerer.MustRegister(m.openConnections, m.closedConnections, m.connectionDuration, m.dataBytes, m.tcpProbes)
	return m
}

// GetLocation returns the two-letter country code geoIP resolves addr's IP
// to, or "" if geoIP is nil or the lookup fails.
func (m *PrometheusMetrics) GetLocation(addr net.Addr) (string, error) {
	if m.geoIP == nil {
		return "", nil
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return "", onet.NewError(onet.Protocol, "GetLocation: not an IP address", nil)
	}
	record, err := m.geoIP.Country(ip)
	if err != nil {
		return "", onet.NewError(onet.Io, "GeoIP lookup failed", err)
	}
	return record.Country.IsoCode, nil
}

func (m *PrometheusMetrics) AddOpenTCPConnection(clientLocation string) {
	m.openConnections.Inc()
}

func (m *PrometheusMetrics) AddClosedTCPConnection(clientLocation, accessKey, status string, data ProxyMetrics, duration time.Duration) {
	m.closedConnections.WithLabelValues(clientLocation, accessKey, status).Inc()
	m.connectionDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.dataBytes.WithLabelValues("client-proxy").Add(float64(data.ClientProxy))
	m.dataBytes.WithLabelValues("proxy-target").Add(float64(data.ProxyTarget))
	m.dataBytes.WithLabelValues("target-proxy").Add(float64(data.TargetProxy))
	m.dataBytes.WithLabelValues("proxy-client").Add(float64(data.ProxyClient))
}

func (m *PrometheusMetrics) AddTCPProbe(status, drainResult string, listenPort int, clientProxyBytes int64) {
	m.tcpProbes.WithLabelValues(status, drainResult, strconv.Itoa(listenPort)).Inc()
}

// NoOpMetrics is a ShadowsocksMetrics that discards everything, used where a
// remote endpoint is configured without a metrics HTTP server.
type NoOpMetrics struct{}

func (NoOpMetrics) GetLocation(net.Addr) (string, error) { return "", nil }
func (NoOpMetrics) AddOpenTCPConnection(string)          {}
func (NoOpMetrics) AddClosedTCPConnection(string, string, string, ProxyMetrics, time.Duration) {}
func (NoOpMetrics) AddTCPProbe(string, string, int, int64)                                    {}
