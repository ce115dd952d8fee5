package ingest

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks the ingestion service's counters: lifetime totals for
// Prometheus plus windowed rates and recency gauges for health evaluation.
type Metrics struct {
	// Prometheus collectors
	messagesTotal      *prometheus.CounterVec
	decodeErrorsTotal  *prometheus.CounterVec
	dlqPublishedTotal  prometheus.Counter
	broadcastsTotal    prometheus.Counter
	disconnectsTotal   *prometheus.CounterVec
	replayServedTotal  *prometheus.CounterVec
	connectedClients   prometheus.Gauge
	replayMemorySize   prometheus.Gauge
	breakerOpen        prometheus.Gauge
	rateLimitedTotal   prometheus.Counter
	sendFailuresTotal  *prometheus.CounterVec

	// Windowed rates (health, breaker input)
	WindowMessages     *SlidingWindow
	WindowDecodeErrors *SlidingWindow
	WindowSendFailures *SlidingWindow

	// Recency gauges, unix nanos
	lastMessageAt    atomic.Int64
	lastInfraErrorAt atomic.Int64

	registerer prometheus.Registerer
	registered bool
}

func newIngestCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowtrace",
			Subsystem: "ingest",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newIngestCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "flowtrace",
		Subsystem: "ingest",
		Name:      name,
		Help:      help,
	})
}

func newIngestGauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "flowtrace",
		Subsystem: "ingest",
		Name:      name,
		Help:      help,
	})
}

// NewMetrics creates ingestion metrics. A nil registerer uses the default.
func NewMetrics(registerer prometheus.Registerer, window time.Duration) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Metrics{
		messagesTotal:     newIngestCounterVec("messages_total", "Messages consumed from the transport.", []string{"result"}),
		decodeErrorsTotal: newIngestCounterVec("decode_errors_total", "Decode failures by age class.", []string{"age"}),
		dlqPublishedTotal: newIngestCounter("dlq_published_total", "Unprocessable messages published to the dead-letter topic."),
		broadcastsTotal:   newIngestCounter("broadcasts_total", "Envelopes fanned out to connected clients."),
		disconnectsTotal:  newIngestCounterVec("client_disconnects_total", "Client disconnects by reason.", []string{"reason"}),
		replayServedTotal: newIngestCounterVec("replay_served_total", "Entries served to resuming clients.", []string{"mode"}),
		connectedClients:  newIngestGauge("connected_clients", "Currently connected websocket clients."),
		replayMemorySize:  newIngestGauge("replay_memory_entries", "Entries in the replay store memory ring."),
		breakerOpen:       newIngestGauge("circuit_breaker_open", "1 while the decode circuit breaker is open."),
		rateLimitedTotal:  newIngestCounter("connections_rate_limited_total", "Connections rejected by the per-IP rate limit."),
		sendFailuresTotal: newIngestCounterVec("client_send_failures_total", "Client send failures by kind.", []string{"kind"}),

		WindowMessages:     NewSlidingWindow(window, 12),
		WindowDecodeErrors: NewSlidingWindow(window, 12),
		WindowSendFailures: NewSlidingWindow(window, 12),

		registerer: registerer,
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m.registered {
		return nil
	}
	collectors := []prometheus.Collector{
		m.messagesTotal,
		m.decodeErrorsTotal,
		m.dlqPublishedTotal,
		m.broadcastsTotal,
		m.disconnectsTotal,
		m.replayServedTotal,
		m.connectedClients,
		m.replayMemorySize,
		m.breakerOpen,
		m.rateLimitedTotal,
		m.sendFailuresTotal,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	m.registered = true
	return nil
}

// MessageProcessed records a successfully ingested message.
func (m *Metrics) MessageProcessed() {
	m.messagesTotal.WithLabelValues("ok").Inc()
	m.WindowMessages.Incr(1)
	m.lastMessageAt.Store(time.Now().UnixNano())
}

// MessageSkipped records a message advanced past under the skip policy.
func (m *Metrics) MessageSkipped() {
	m.messagesTotal.WithLabelValues("skipped").Inc()
	m.WindowMessages.Incr(1)
}

// DecodeErrorNew records a decode failure on new data. Only new-data errors
// feed the windowed rate the breaker evaluates.
func (m *Metrics) DecodeErrorNew() {
	m.decodeErrorsTotal.WithLabelValues("new").Inc()
	m.WindowDecodeErrors.Incr(1)
}

// DecodeErrorOld records a decode failure on catch-up traffic.
func (m *Metrics) DecodeErrorOld() {
	m.decodeErrorsTotal.WithLabelValues("old").Inc()
}

// InfraError records a transport infrastructure error.
func (m *Metrics) InfraError() {
	m.messagesTotal.WithLabelValues("infra_error").Inc()
	m.lastInfraErrorAt.Store(time.Now().UnixNano())
}

// DLQPublished records a dead-lettered message.
func (m *Metrics) DLQPublished() { m.dlqPublishedTotal.Inc() }

// Broadcast records one envelope fanned out.
func (m *Metrics) Broadcast() { m.broadcastsTotal.Inc() }

// ReplayServed records entries streamed to a resuming client.
func (m *Metrics) ReplayServed(mode string, n int) {
	m.replayServedTotal.WithLabelValues(mode).Add(float64(n))
}

// ClientConnected / ClientDisconnected maintain the gauge; disconnect
// reasons are labeled for alerting.
func (m *Metrics) ClientConnected() { m.connectedClients.Inc() }

func (m *Metrics) ClientDisconnected(reason string) {
	m.connectedClients.Dec()
	m.disconnectsTotal.WithLabelValues(reason).Inc()
}

// SendFailure records a client send failure or timeout.
func (m *Metrics) SendFailure(kind string) {
	m.sendFailuresTotal.WithLabelValues(kind).Inc()
	m.WindowSendFailures.Incr(1)
}

// RateLimited records a rejected connection attempt.
func (m *Metrics) RateLimited() { m.rateLimitedTotal.Inc() }

// SetReplayMemorySize updates the replay ring gauge.
func (m *Metrics) SetReplayMemorySize(n int) { m.replayMemorySize.Set(float64(n)) }

// SetBreakerOpen updates the breaker gauge.
func (m *Metrics) SetBreakerOpen(open bool) {
	if open {
		m.breakerOpen.Set(1)
	} else {
		m.breakerOpen.Set(0)
	}
}

// LastMessageAge returns the time since the last processed message, and
// false if none was processed yet.
func (m *Metrics) LastMessageAge() (time.Duration, bool) {
	ns := m.lastMessageAt.Load()
	if ns == 0 {
		return 0, false
	}
	return time.Since(time.Unix(0, ns)), true
}

// LastInfraErrorAge returns the time since the last infra error, and false
// if none occurred.
func (m *Metrics) LastInfraErrorAge() (time.Duration, bool) {
	ns := m.lastInfraErrorAt.Load()
	if ns == 0 {
		return 0, false
	}
	return time.Since(time.Unix(0, ns)), true
}
