package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wallet"

// Metrics groups the collectors the wallet service updates. A nil *Metrics
// is valid and records nothing, which keeps tests free of registries.
type Metrics struct {
	reg prometheus.Registerer

	DispatchRuns      *prometheus.CounterVec
	Notifications     *prometheus.CounterVec
	PrunedTokens      prometheus.Counter
	GatewayReconnects prometheus.Counter
	Registrations     *prometheus.CounterVec
	ArtifactBuilds    *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{reg: reg}

	m.DispatchRuns = registerOrExisting(reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "runs_total",
			Help:      "Update fanout runs by result.",
		},
		[]string{"result"},
	)).(*prometheus.CounterVec)

	m.Notifications = registerOrExisting(reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "notifications_total",
			Help:      "Push notifications by outcome.",
		},
		[]string{"outcome"},
	)).(*prometheus.CounterVec)

	m.PrunedTokens = registerOrExisting(reg, prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "pruned_registrations_total",
			Help:      "Registrations removed because the gateway reported the token invalid.",
		},
	)).(prometheus.Counter)

	m.GatewayReconnects = registerOrExisting(reg, prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "gateway_reconnects_total",
			Help:      "Push gateway reconnects during fanout runs.",
		},
	)).(prometheus.Counter)

	m.Registrations = registerOrExisting(reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "protocol",
			Name:      "registration_changes_total",
			Help:      "Device registration calls by operation and result.",
		},
		[]string{"op", "result"},
	)).(*prometheus.CounterVec)

	m.ArtifactBuilds = registerOrExisting(reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "passes",
			Name:      "artifact_builds_total",
			Help:      "Signed pass artifacts served, by cache result.",
		},
		[]string{"cache"},
	)).(*prometheus.CounterVec)

	return m
}

// RegisterGauge exposes a value computed at scrape time.
func (m *Metrics) RegisterGauge(name, help string, f func() float64) {
	if m == nil {
		return
	}
	registerOrExisting(m.reg, prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help},
		f,
	))
}

func (m *Metrics) Dispatch(result string) {
	if m == nil {
		return
	}
	m.DispatchRuns.WithLabelValues(result).Inc()
}

func (m *Metrics) Notification(outcome string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Pruned(n int) {
	if m == nil {
		return
	}
	m.PrunedTokens.Add(float64(n))
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.GatewayReconnects.Inc()
}

func (m *Metrics) Registration(op, result string) {
	if m == nil {
		return
	}
	m.Registrations.WithLabelValues(op, result).Inc()
}

func (m *Metrics) ArtifactServed(cacheHit bool) {
	if m == nil {
		return
	}
	label := "miss"
	if cacheHit {
		label = "hit"
	}
	m.ArtifactBuilds.WithLabelValues(label).Inc()
}

// InstrumentHandler wraps handler with request count and latency collectors
// labelled with name.
func InstrumentHandler(reg prometheus.Registerer, name string, handler http.Handler) http.Handler {
	reqCnt := registerOrExisting(reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "http",
			Name:        "requests_total",
			Help:        "Total number of HTTP requests made.",
			ConstLabels: prometheus.Labels{"handler": name},
		},
		[]string{"method", "code"},
	)).(*prometheus.CounterVec)

	reqDur := registerOrExisting(reg, prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "http",
			Name:        "request_duration_seconds",
			Help:        "The HTTP request latencies in seconds.",
			ConstLabels: prometheus.Labels{"handler": name},
		},
		nil,
	)).(*prometheus.HistogramVec)

	return promhttp.InstrumentHandlerDuration(reqDur,
		promhttp.InstrumentHandlerCounter(reqCnt, handler))
}

// Handler serves the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func registerOrExisting(reg prometheus.Registerer, coll prometheus.Collector) prometheus.Collector {
	if err := reg.Register(coll); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
		panic(err)
	}
	return coll
}
