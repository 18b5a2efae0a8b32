// Package metrics provides the optional Prometheus instrumentation
// SPEC_FULL.md §1.1 describes: "stream throughput, handshake latency,
// fragment-reassembly counts, and sequence-gap counters". It is wired
// into the stage client, the stream packet codec and Stream, and the
// HTTP, WebSocket and UDP server handlers as optional instrumentation
// hooks, never a hard dependency of the core types —
// every caller works fine against a nil *Metrics.
//
// Grounded on the teacher's internal/adapter/inbound/http/metrics.go:
// same promauto.With(reg) registration shape and Namespace convention,
// adapted from MCP request/policy counters to stream-transport ones.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the stream engine and stage
// machine record against. Construct one with New and thread it through
// constructors; a nil *Metrics is valid everywhere below (every method
// guards against it), so code that doesn't care about instrumentation
// never needs to check for it.
type Metrics struct {
	BytesOut          *prometheus.CounterVec
	BytesIn           *prometheus.CounterVec
	HandshakeDuration prometheus.Histogram
	HandshakeFailures *prometheus.CounterVec
	FragmentsReceived prometheus.Counter
	ReassembliesOK    prometheus.Counter
	SequenceGaps      prometheus.Counter
	SequenceReplays   prometheus.Counter
	ActiveSessions    prometheus.Gauge
}

// New creates and registers every collector with reg.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		BytesOut: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "dap_stream",
			Name:      "bytes_out_total",
			Help:      "Total payload bytes written per channel.",
		}, []string{"channel"}),
		BytesIn: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "dap_stream",
			Name:      "bytes_in_total",
			Help:      "Total payload bytes read per channel.",
		}, []string{"channel"}),
		HandshakeDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: "dap_stream",
			Name:      "handshake_duration_seconds",
			Help:      "Time from the handshake request to a successful session-create response.",
			Buckets:   prometheus.DefBuckets,
		}),
		HandshakeFailures: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "dap_stream",
			Name:      "handshake_failures_total",
			Help:      "Handshake attempts that failed, by error kind.",
		}, []string{"kind"}),
		FragmentsReceived: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "dap_stream",
			Name:      "fragments_received_total",
			Help:      "Fragment packets received across all streams.",
		}),
		ReassembliesOK: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "dap_stream",
			Name:      "reassemblies_total",
			Help:      "Application packets successfully reassembled from fragments.",
		}),
		SequenceGaps: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "dap_stream",
			Name:      "sequence_gaps_total",
			Help:      "Packets accepted with a sequence gap (loss detected, §4.2).",
		}),
		SequenceReplays: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "dap_stream",
			Name:      "sequence_replays_total",
			Help:      "Packets rejected as replays (§4.2).",
		}),
		ActiveSessions: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "dap_stream",
			Name:      "active_sessions",
			Help:      "Number of live sessions in the session store.",
		}),
	}
}

func (m *Metrics) AddBytesOut(channel byte, n int) {
	if m == nil {
		return
	}
	m.BytesOut.WithLabelValues(strconv.Itoa(int(channel))).Add(float64(n))
}

func (m *Metrics) AddBytesIn(channel byte, n int) {
	if m == nil {
		return
	}
	m.BytesIn.WithLabelValues(strconv.Itoa(int(channel))).Add(float64(n))
}

func (m *Metrics) ObserveHandshakeDuration(seconds float64) {
	if m == nil {
		return
	}
	m.HandshakeDuration.Observe(seconds)
}

func (m *Metrics) IncHandshakeFailure(kind string) {
	if m == nil {
		return
	}
	m.HandshakeFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncFragmentReceived() {
	if m == nil {
		return
	}
	m.FragmentsReceived.Inc()
}

func (m *Metrics) IncReassemblyOK() {
	if m == nil {
		return
	}
	m.ReassembliesOK.Inc()
}

func (m *Metrics) IncSequenceGap() {
	if m == nil {
		return
	}
	m.SequenceGaps.Inc()
}

func (m *Metrics) IncSequenceReplay() {
	if m == nil {
		return
	}
	m.SequenceReplays.Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}
