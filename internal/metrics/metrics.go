package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tickmux"

// Metrics holds every gateway collector. All methods are safe on a nil
// receiver so components can run without instrumentation.
type Metrics struct {
	upstreamState      *prometheus.GaugeVec
	upstreamReconnects *prometheus.CounterVec
	decodeErrors       *prometheus.CounterVec
	ticksNormalized    *prometheus.CounterVec

	connections      *prometheus.GaugeVec
	upstreamStreams  *prometheus.GaugeVec
	subscribeResults *prometheus.CounterVec
	reclaimed        *prometheus.CounterVec

	busPublished  prometheus.Counter
	busNoConsumer prometheus.Counter
	busOverflowed prometheus.Counter
	mirrorDropped *prometheus.CounterVec

	sessions        prometheus.Gauge
	sessionEvents   *prometheus.CounterVec
	ticksDelivered  prometheus.Counter
	ticksCoalesced  prometheus.Counter
	outboundDropped prometheus.Counter

	instrumentLookups *prometheus.CounterVec

	httpRequests *prometheus.HistogramVec
}

// New registers the gateway collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		upstreamState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upstream_state",
			Help:      "Upstream adapter state (0=disconnected 1=connecting 2=authenticated 3=streaming 4=degraded)",
		}, []string{"broker", "account"}),
		upstreamReconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_reconnects_total",
			Help:      "Upstream reconnect attempts",
		}, []string{"broker"}),
		decodeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_decode_errors_total",
			Help:      "Malformed upstream frames dropped",
		}, []string{"broker"}),
		ticksNormalized: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_normalized_total",
			Help:      "Ticks produced by broker adapters",
		}, []string{"broker"}),

		connections: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upstream_connections",
			Help:      "Open adapter instances",
		}, []string{"account"}),
		upstreamStreams: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upstream_streams",
			Help:      "Distinct streams subscribed upstream",
		}, []string{"account"}),
		subscribeResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_requests_total",
			Help:      "Subscription requests by result",
		}, []string{"broker", "result"}),
		reclaimed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idle_connections_reclaimed_total",
			Help:      "Idle adapter instances closed by the janitor",
		}, []string{"broker"}),

		busPublished: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "published_total",
			Help:      "Ticks published to the bus",
		}),
		busNoConsumer: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "unrouted_total",
			Help:      "Ticks published to topics without subscribers",
		}),
		busOverflowed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "overflowed_total",
			Help:      "Ticks dropped oldest-first from full topic queues",
		}),
		mirrorDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "mirror_dropped_total",
			Help:      "Ticks not forwarded to a network mirror",
		}, []string{"mirror"}),

		sessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "sessions",
			Help:      "Connected client sessions",
		}),
		sessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "events_total",
			Help:      "Client protocol events by action and result",
		}, []string{"action", "result"}),
		ticksDelivered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "ticks_delivered_total",
			Help:      "Tick frames queued to clients",
		}),
		ticksCoalesced: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "ticks_coalesced_total",
			Help:      "Ticks replaced by a newer value inside a throttle window",
		}),
		outboundDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "outbound_dropped_total",
			Help:      "Control frames dropped because a client queue was full",
		}),

		instrumentLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instrument_lookups_total",
			Help:      "Instrument cache lookups by result",
		}, []string{"result"}),

		httpRequests: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"method", "path", "status"}),
	}
}

// -----------------------------------------------------------------------------
// Upstream adapters
// -----------------------------------------------------------------------------

func (m *Metrics) SetUpstreamState(broker, account string, state int) {
	if m == nil {
		return
	}
	m.upstreamState.WithLabelValues(broker, account).Set(float64(state))
}

func (m *Metrics) UpstreamReconnect(broker string) {
	if m == nil {
		return
	}
	m.upstreamReconnects.WithLabelValues(broker).Inc()
}

func (m *Metrics) DecodeError(broker string) {
	if m == nil {
		return
	}
	m.decodeErrors.WithLabelValues(broker).Inc()
}

func (m *Metrics) TickNormalized(broker string) {
	if m == nil {
		return
	}
	m.ticksNormalized.WithLabelValues(broker).Inc()
}

// -----------------------------------------------------------------------------
// Connection manager
// -----------------------------------------------------------------------------

func (m *Metrics) SetConnections(account string, n int) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(account).Set(float64(n))
}

func (m *Metrics) SetUpstreamStreams(account string, n int) {
	if m == nil {
		return
	}
	m.upstreamStreams.WithLabelValues(account).Set(float64(n))
}

// SubscribeResult counts a RequestSubscription outcome ("ok", "shared",
// "capacity", "unavailable", "unsupported", "error").
func (m *Metrics) SubscribeResult(broker, result string) {
	if m == nil {
		return
	}
	m.subscribeResults.WithLabelValues(broker, result).Inc()
}

func (m *Metrics) ConnectionReclaimed(broker string) {
	if m == nil {
		return
	}
	m.reclaimed.WithLabelValues(broker).Inc()
}

// -----------------------------------------------------------------------------
// Bus
// -----------------------------------------------------------------------------

func (m *Metrics) BusPublished() {
	if m == nil {
		return
	}
	m.busPublished.Inc()
}

func (m *Metrics) BusUnrouted() {
	if m == nil {
		return
	}
	m.busNoConsumer.Inc()
}

func (m *Metrics) BusOverflowed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.busOverflowed.Add(float64(n))
}

func (m *Metrics) MirrorDropped(mirror string) {
	if m == nil {
		return
	}
	m.mirrorDropped.WithLabelValues(mirror).Inc()
}

// -----------------------------------------------------------------------------
// Proxy
// -----------------------------------------------------------------------------

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessions.Dec()
}

// SessionEvent counts a client action and its result code ("ok" or an
// error code such as "CAPACITY_EXCEEDED").
func (m *Metrics) SessionEvent(action, result string) {
	if m == nil {
		return
	}
	m.sessionEvents.WithLabelValues(action, result).Inc()
}

func (m *Metrics) TickDelivered() {
	if m == nil {
		return
	}
	m.ticksDelivered.Inc()
}

func (m *Metrics) TickCoalesced() {
	if m == nil {
		return
	}
	m.ticksCoalesced.Inc()
}

func (m *Metrics) OutboundDropped() {
	if m == nil {
		return
	}
	m.outboundDropped.Inc()
}

// -----------------------------------------------------------------------------
// Instruments and HTTP
// -----------------------------------------------------------------------------

// InstrumentLookup counts a cache lookup ("hit", "miss", "not_found", "error").
func (m *Metrics) InstrumentLookup(result string) {
	if m == nil {
		return
	}
	m.instrumentLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveHTTP(method, path, status string, seconds float64) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, path, status).Observe(seconds)
}
