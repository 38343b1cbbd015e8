package k8s_watcher

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "renku_k8s_cache"

// Event results recorded in renku_k8s_cache_events_total.
const (
	resultApplied   = "applied"
	resultStale     = "stale"
	resultDuplicate = "duplicate"
	resultFailed    = "failed"
)

// Metrics holds the reconciler collectors.
type Metrics struct {
	events         *prometheus.CounterVec
	resyncs        *prometheus.CounterVec
	resyncDeletes  *prometheus.CounterVec
	storeRetries   *prometheus.CounterVec
	handlerRetries *prometheus.CounterVec
	replayed       *prometheus.CounterVec
	purged         prometheus.Counter
	degraded       *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_total",
			Help:      "Watch events handled by the reconciler, by result.",
		}, []string{"cluster", "kind", "type", "result"}),
		resyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "resyncs_total",
			Help:      "Completed full listings per target.",
		}, []string{"cluster", "kind"}),
		resyncDeletes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "resync_tombstones_total",
			Help:      "Objects tombstoned because a listing no longer contained them.",
		}, []string{"cluster", "kind"}),
		storeRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "store_retries_total",
			Help:      "Cache store operations retried after a retryable failure.",
		}, []string{"cluster", "kind", "op"}),
		handlerRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "handler_retries_total",
			Help:      "Change notifications retried after a handler failure.",
		}, []string{"cluster", "kind"}),
		replayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "replayed_changes_total",
			Help:      "Unacknowledged change notifications sent again after a listing.",
		}, []string{"cluster", "kind"}),
		purged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "tombstones_purged_total",
			Help:      "Tombstones removed by the purge loop.",
		}),
		degraded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "target_degraded",
			Help:      "1 while a watch target is degraded.",
		}, []string{"cluster", "kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.events, m.resyncs, m.resyncDeletes, m.storeRetries, m.handlerRetries, m.replayed, m.purged, m.degraded)
	}
	return m
}

func (m *Metrics) event(t Target, eventType, result string) {
	m.events.WithLabelValues(string(t.Cluster), t.GVK.Kind, eventType, result).Inc()
}

func (m *Metrics) resync(t Target, tombstoned int) {
	m.resyncs.WithLabelValues(string(t.Cluster), t.GVK.Kind).Inc()
	m.resyncDeletes.WithLabelValues(string(t.Cluster), t.GVK.Kind).Add(float64(tombstoned))
}

func (m *Metrics) storeRetry(t Target, op string) {
	m.storeRetries.WithLabelValues(string(t.Cluster), t.GVK.Kind, op).Inc()
}

func (m *Metrics) handlerRetry(t Target) {
	m.handlerRetries.WithLabelValues(string(t.Cluster), t.GVK.Kind).Inc()
}

func (m *Metrics) replay(t Target, n int) {
	m.replayed.WithLabelValues(string(t.Cluster), t.GVK.Kind).Add(float64(n))
}

func (m *Metrics) setDegraded(t Target, degraded bool) {
	v := 0.0
	if degraded {
		v = 1
	}
	m.degraded.WithLabelValues(string(t.Cluster), t.GVK.Kind).Set(v)
}
