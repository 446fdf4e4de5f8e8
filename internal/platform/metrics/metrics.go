package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the mutation core. All methods
// are safe on a nil *Metrics so components can run without instrumentation.
type Metrics struct {
	Mutations            *prometheus.CounterVec
	VersionConflicts     prometheus.Counter
	AccessDenied         *prometheus.CounterVec
	AuditAppendDuration  prometheus.Histogram
	ChainDivergences     *prometheus.CounterVec
	NotificationsSent    *prometheus.CounterVec
	NotificationsDropped *prometheus.CounterVec
	OutboxPending        prometheus.Gauge
	OutboxRelayed        *prometheus.CounterVec
	ScopeCacheLookups    *prometheus.CounterVec
	SubscriptionsRevoked prometheus.Counter
	HTTPRequestDuration  *prometheus.HistogramVec
}

// New registers all collectors with reg. Pass prometheus.DefaultRegisterer in
// production and a fresh prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Mutations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "factora_mutations_total",
			Help: "Mutations by action and outcome (applied, conflict, denied, not_found, error)",
		}, []string{"action", "outcome"}),
		VersionConflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "factora_version_conflicts_total",
			Help: "Writes rejected because the expected version was stale",
		}),
		AccessDenied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "factora_access_denied_total",
			Help: "Access evaluator denials by operation",
		}, []string{"operation"}),
		AuditAppendDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "factora_audit_append_duration_seconds",
			Help:    "Duration of audit chain appends, including per-unit serialization",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),
		ChainDivergences: f.NewCounterVec(prometheus.CounterOpts{
			Name: "factora_audit_chain_divergences_total",
			Help: "Audit events reported invalid by chain verification",
		}, []string{"unit_id"}),
		NotificationsSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "factora_notifications_sent_total",
			Help: "Change notifications delivered by sink and channel kind",
		}, []string{"sink", "channel_kind"}),
		NotificationsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "factora_notifications_dropped_total",
			Help: "Change notifications dropped by reason",
		}, []string{"reason"}),
		OutboxPending: f.NewGauge(prometheus.GaugeOpts{
			Name: "factora_outbox_pending",
			Help: "Outbox entries claimed in the last relay batch",
		}),
		OutboxRelayed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "factora_outbox_relayed_total",
			Help: "Outbox entries relayed by outcome",
		}, []string{"outcome"}),
		ScopeCacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "factora_scope_cache_lookups_total",
			Help: "Principal scope cache lookups by result (hit, miss)",
		}, []string{"result"}),
		SubscriptionsRevoked: f.NewCounter(prometheus.CounterOpts{
			Name: "factora_subscriptions_revoked_total",
			Help: "Change subscriptions ended because the subscriber lost access",
		}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "factora_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern and status class",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}

func (m *Metrics) IncMutation(action, outcome string) {
	if m == nil {
		return
	}
	m.Mutations.WithLabelValues(action, outcome).Inc()
	if outcome == "conflict" {
		m.VersionConflicts.Inc()
	}
}

func (m *Metrics) IncAccessDenied(operation string) {
	if m == nil {
		return
	}
	m.AccessDenied.WithLabelValues(operation).Inc()
}

// ObserveAuditAppend records an append duration. Call with time.Now() at the start.
func (m *Metrics) ObserveAuditAppend(start time.Time) {
	if m == nil {
		return
	}
	m.AuditAppendDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) AddChainDivergences(unitID string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ChainDivergences.WithLabelValues(unitID).Add(float64(n))
}

func (m *Metrics) IncNotificationSent(sink, channelKind string) {
	if m == nil {
		return
	}
	m.NotificationsSent.WithLabelValues(sink, channelKind).Inc()
}

func (m *Metrics) IncNotificationDropped(reason string) {
	if m == nil {
		return
	}
	m.NotificationsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetOutboxPending(n int) {
	if m == nil {
		return
	}
	m.OutboxPending.Set(float64(n))
}

func (m *Metrics) IncOutboxRelayed(outcome string) {
	if m == nil {
		return
	}
	m.OutboxRelayed.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncScopeCache(result string) {
	if m == nil {
		return
	}
	m.ScopeCacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) IncSubscriptionsRevoked(n int) {
	if m == nil {
		return
	}
	m.SubscriptionsRevoked.Add(float64(n))
}

func (m *Metrics) ObserveHTTPRequest(method, route, status string, start time.Time) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.WithLabelValues(method, route, status).Observe(time.Since(start).Seconds())
}
