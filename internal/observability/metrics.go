package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects core counters used by the synchronization engine.
type Metrics struct {
	webhooks   *prometheus.CounterVec
	syncs      *prometheus.CounterVec
	dispatches *prometheus.CounterVec
	reconciles *prometheus.CounterVec
	backoffs   *prometheus.CounterVec
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	webhooks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tfpilot_webhooks_total",
		Help: "Total inbound webhook deliveries by outcome.",
	}, []string{"outcome"})
	syncs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tfpilot_syncs_total",
		Help: "Total sync invocations by mode.",
	}, []string{"mode"})
	dispatches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tfpilot_dispatches_total",
		Help: "Total workflow dispatches by kind.",
	}, []string{"kind"})
	reconciles := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tfpilot_reconciles_total",
		Help: "Total reconcile fetches by result.",
	}, []string{"result"})
	backoffs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tfpilot_backoffs_total",
		Help: "Total rate-limit backoff activations by scope.",
	}, []string{"scope"})

	webhooks = registerCounterVec(registerer, webhooks)
	syncs = registerCounterVec(registerer, syncs)
	dispatches = registerCounterVec(registerer, dispatches)
	reconciles = registerCounterVec(registerer, reconciles)
	backoffs = registerCounterVec(registerer, backoffs)

	return &Metrics{
		webhooks:   webhooks,
		syncs:      syncs,
		dispatches: dispatches,
		reconciles: reconciles,
		backoffs:   backoffs,
	}
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func (m *Metrics) IncWebhook(outcome string) {
	if m == nil || m.webhooks == nil {
		return
	}
	m.webhooks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncSync(mode string) {
	if m == nil || m.syncs == nil {
		return
	}
	m.syncs.WithLabelValues(mode).Inc()
}

func (m *Metrics) IncDispatch(kind string) {
	if m == nil || m.dispatches == nil {
		return
	}
	m.dispatches.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncReconcile(result string) {
	if m == nil || m.reconciles == nil {
		return
	}
	m.reconciles.WithLabelValues(result).Inc()
}

func (m *Metrics) IncBackoff(scope string) {
	if m == nil || m.backoffs == nil {
		return
	}
	m.backoffs.WithLabelValues(scope).Inc()
}

func registerCounterVec(registerer prometheus.Registerer, counter *prometheus.CounterVec) *prometheus.CounterVec {
	if err := registerer.Register(counter); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return counter
}
