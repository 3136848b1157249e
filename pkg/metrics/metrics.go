// Package metrics adapts the teacher's pkg/metrics.go prometheus
// registry to couchkeep's document-store domain: revision/attachment
// counters and gauges in place of warren's cluster/raft/ingress ones.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DocumentsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "couchkeep_documents_total",
			Help: "Total number of documents in the store",
		},
	)

	RevisionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "couchkeep_revisions_total",
			Help: "Total number of revisions inserted",
		},
	)

	ConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "couchkeep_conflicts_total",
			Help: "Total number of conflicting revisions created",
		},
	)

	AttachmentsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "couchkeep_attachments_total",
			Help: "Total number of attachment blobs on disk",
		},
	)

	BlobStoreBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "couchkeep_blob_store_bytes",
			Help: "Total bytes occupied by the blob store",
		},
	)

	BlobWriteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "couchkeep_blob_write_duration_seconds",
			Help:    "Time taken to write an attachment blob",
			Buckets: prometheus.DefBuckets,
		},
	)

	PutDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "couchkeep_put_duration_seconds",
			Help:    "Time taken to insert a revision",
			Buckets: prometheus.DefBuckets,
		},
	)

	CompactionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "couchkeep_compaction_duration_seconds",
			Help:    "Time taken to run a compaction pass",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
	)

	ReplicationLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "couchkeep_replication_lag_revisions",
			Help: "Revisions pulled but not yet checkpointed, by remote",
		},
		[]string{"remote"},
	)

	ReplicationInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "couchkeep_replication_inflight_requests",
			Help: "Number of in-flight HTTP requests per replicator",
		},
		[]string{"remote"},
	)

	ReplicationCheckpointSeq = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "couchkeep_replication_checkpoint_sequence",
			Help: "Unix time of the last checkpoint write, by remote",
		},
		[]string{"remote"},
	)

	ReplicationRevisionsPulled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "couchkeep_replication_revisions_pulled_total",
			Help: "Total revisions force-inserted by the pull replicator",
		},
		[]string{"remote"},
	)

	ReplicationErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "couchkeep_replication_errors_total",
			Help: "Total replicator errors by class (transient, terminal)",
		},
		[]string{"remote", "class"},
	)

	AdminRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "couchkeep_admin_requests_total",
			Help: "Total admin HTTP requests by route and status",
		},
		[]string{"route", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		DocumentsTotal,
		RevisionsTotal,
		ConflictsTotal,
		AttachmentsTotal,
		BlobStoreBytes,
		BlobWriteDuration,
		PutDuration,
		CompactionDuration,
		ReplicationLag,
		ReplicationInFlight,
		ReplicationCheckpointSeq,
		ReplicationRevisionsPulled,
		ReplicationErrorsTotal,
		AdminRequestsTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
