package observability

import (
	"strconv"
	"time"

	"github.com/danmuck/uclink/internal/protocol/dispatch"
	"github.com/danmuck/uclink/internal/protocol/packet"
	"github.com/danmuck/uclink/internal/protocol/session"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "uclink"

// Metrics exports link activity to Prometheus. It implements session.Observer.
type Metrics struct {
	connected     *prometheus.GaugeVec
	connections   *prometheus.CounterVec
	packets       *prometheus.CounterVec
	droppedBytes  *prometheus.CounterVec
	retries       *prometheus.CounterVec
	transfers     *prometheus.CounterVec
	transferBytes *prometheus.CounterVec
	active        *prometheus.GaugeVec
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

var _ session.Observer = (*Metrics)(nil)

// NewMetrics registers the link collectors on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		connected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "link", Name: "connected",
			Help: "1 while the link transport is open.",
		}, []string{"link"}),
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "link", Name: "connection_events_total",
			Help: "Transport up and down transitions.",
		}, []string{"link", "state"}),
		packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "link", Name: "packets_total",
			Help: "Inbound packets by major key and dispatch outcome.",
		}, []string{"link", "major", "outcome"}),
		droppedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "link", Name: "dropped_bytes_total",
			Help: "Inbound bytes discarded while resynchronizing.",
		}, []string{"link"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transfer", Name: "retries_total",
			Help: "Chunk retransmissions.",
		}, []string{"link", "major"}),
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transfer", Name: "finished_total",
			Help: "Finished transfers by direction and result.",
		}, []string{"link", "direction", "result"}),
		transferBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transfer", Name: "bytes_total",
			Help: "Payload bytes carried by finished transfers.",
		}, []string{"link", "direction"}),
		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "transfer", Name: "active",
			Help: "Transfers currently in progress.",
		}, []string{"link", "direction"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "Total HTTP requests.",
		}, []string{"service", "method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"service", "method", "route", "status"}),
	}
	for _, c := range []prometheus.Collector{
		m.connected, m.connections, m.packets, m.droppedBytes, m.retries,
		m.transfers, m.transferBytes, m.active, m.httpRequests, m.httpDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) Connection(link string, up bool) {
	state := "down"
	v := 0.0
	if up {
		state, v = "up", 1
	}
	m.connected.WithLabelValues(link).Set(v)
	m.connections.WithLabelValues(link, state).Inc()
}

func (m *Metrics) Packet(link string, p packet.Packet, outcome dispatch.Outcome) {
	m.packets.WithLabelValues(link, p.Major.String(), outcome.String()).Inc()
}

func (m *Metrics) Dropped(link string, n uint64) {
	m.droppedBytes.WithLabelValues(link).Add(float64(n))
}

func (m *Metrics) Retry(link string, t session.Transfer, _ int) {
	m.retries.WithLabelValues(link, t.Major.String()).Inc()
}

func (m *Metrics) TransferStarted(link string, t session.Transfer) {
	m.active.WithLabelValues(link, t.Direction.String()).Inc()
}

func (m *Metrics) TransferFinished(link string, t session.Transfer, err error) {
	dir := t.Direction.String()
	result := "done"
	if err != nil {
		result = "failed"
	}
	m.active.WithLabelValues(link, dir).Dec()
	m.transfers.WithLabelValues(link, dir, result).Inc()
	m.transferBytes.WithLabelValues(link, dir).Add(float64(t.Done))
}

func (m *Metrics) RecordHTTPRequest(service, method, route string, status int, duration time.Duration) {
	statusLabel := strconv.Itoa(status)
	m.httpRequests.WithLabelValues(service, method, route, statusLabel).Inc()
	m.httpDuration.WithLabelValues(service, method, route, statusLabel).Observe(duration.Seconds())
}
