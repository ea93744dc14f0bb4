package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the ledger exports.
type Metrics struct {
	// --- Operations ---
	OpsApplied  *prometheus.CounterVec
	OpsRejected *prometheus.CounterVec
	OpDuration  *prometheus.HistogramVec
	StoreErrors *prometheus.CounterVec

	// --- Command queue ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec

	// --- Inbound notice dedup ---
	NoticeDuplicates  *prometheus.CounterVec
	DedupLRUSize      prometheus.Gauge
	DedupLRUEvictions prometheus.Counter
	DedupTier2Errors  prometheus.Counter

	// --- Replication ---
	NoticesPublished *prometheus.CounterVec
	PublishErrors    *prometheus.CounterVec
	PublishRetry     prometheus.Counter
	PublishDrops     prometheus.Counter
	OutboxDepth      prometheus.Gauge
	NoticesReceived  *prometheus.CounterVec
	NoticesApplied   *prometheus.CounterVec

	// --- Audit ---
	AuditRuns       prometheus.Counter
	AuditViolations *prometheus.CounterVec
	AuditDuration   prometheus.Histogram

	// --- HTTP API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// means the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	opBuckets := []float64{
		0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025,
		0.005, 0.01, 0.025, 0.05, 0.1, 0.25,
	}

	return &Metrics{
		OpsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pari_ops_applied_total",
			Help: "Operations committed",
		}, []string{"op"}),

		OpsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pari_ops_rejected_total",
			Help: "Operations rejected with a ledger error code",
		}, []string{"op", "code"}),

		OpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pari_op_duration_seconds",
			Help:    "Time from transaction begin to commit or rollback",
			Buckets: opBuckets,
		}, []string{"op"}),

		StoreErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pari_store_errors_total",
			Help: "Operations rolled back by a store failure",
		}, []string{"op"}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pari_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pari_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pari_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		NoticeDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pari_notice_duplicates_total",
			Help: "Inbound notices dropped as duplicates (lru/db)",
		}, []string{"kind", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "pari_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "pari_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		DedupTier2Errors: f.NewCounter(prometheus.CounterOpts{
			Name: "pari_dedup_tier2_errors_total",
			Help: "Failed notice log lookups",
		}),

		NoticesPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pari_notices_published_total",
			Help: "Notices handed to a transport",
		}, []string{"transport", "kind"}),

		PublishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pari_publish_errors_total",
			Help: "Transport publish failures",
		}, []string{"transport"}),

		PublishRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "pari_publish_retry_total",
			Help: "Outbox publish retries",
		}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "pari_publish_drops_total",
			Help: "Notices dropped because the outbox was full",
		}),

		OutboxDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "pari_outbox_depth",
			Help: "Notices waiting to be published",
		}),

		NoticesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pari_notices_received_total",
			Help: "Inbound notices decoded",
		}, []string{"kind"}),

		NoticesApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pari_notices_applied_total",
			Help: "Inbound notices applied by outcome",
		}, []string{"kind", "result"}),

		AuditRuns: f.NewCounter(prometheus.CounterOpts{
			Name: "pari_audit_runs_total",
			Help: "Invariant audits run",
		}),

		AuditViolations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pari_audit_violations_total",
			Help: "Invariant violations found",
		}, []string{"check"}),

		AuditDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "pari_audit_duration_seconds",
			Help:    "Full ledger audit time",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pari_http_requests_total",
			Help: "HTTP API requests",
		}, []string{"route", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pari_http_request_duration_seconds",
			Help:    "HTTP API latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"route"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
