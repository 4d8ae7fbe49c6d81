package metric

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ksefsync"

// Registry holds all application metrics.
type Registry struct {
	reg *prometheus.Registry

	// Batch metrics
	PartsUploaded      prometheus.Counter
	PartUploadFailures prometheus.Counter
	PartBytes          prometheus.Counter
	BatchSessions      *prometheus.CounterVec

	// Remote metrics
	RemoteRetries  *prometheus.CounterVec
	RemoteDuration *prometheus.HistogramVec
	PollAttempts   *prometheus.CounterVec

	// Export metrics
	ExportTasks      *prometheus.CounterVec
	RecordsMerged    prometheus.Counter
	RecordsDuplicate prometheus.Counter
}

// NewRegistry creates a registry with Go runtime and process collectors
// plus the application metrics.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	r := &Registry{
		reg: reg,
		PartsUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "batch", Name: "parts_uploaded_total",
			Help: "Parts accepted by the remote side.",
		}),
		PartUploadFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "batch", Name: "part_upload_failures_total",
			Help: "Parts that failed after all retries.",
		}),
		PartBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "batch", Name: "part_bytes_total",
			Help: "Encrypted bytes uploaded.",
		}),
		BatchSessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "batch", Name: "sessions_total",
			Help: "Batch sessions by final status.",
		}, []string{"status"}),
		RemoteRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "remote", Name: "retries_total",
			Help: "Retried remote calls by operation and failure class.",
		}, []string{"operation", "class"}),
		RemoteDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "remote", Name: "call_duration_seconds",
			Help:    "Remote call latency by operation and outcome.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"operation", "outcome"}),
		PollAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "remote", Name: "poll_attempts_total",
			Help: "Status poll attempts by operation.",
		}, []string{"operation"}),
		ExportTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "export", Name: "tasks_total",
			Help: "Export tasks by partition and outcome.",
		}, []string{"partition", "outcome"}),
		RecordsMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "export", Name: "records_merged_total",
			Help: "Records inserted into the accumulator.",
		}),
		RecordsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "export", Name: "records_duplicate_total",
			Help: "Records already present in the accumulator.",
		}),
	}

	reg.MustRegister(
		r.PartsUploaded, r.PartUploadFailures, r.PartBytes, r.BatchSessions,
		r.RemoteRetries, r.RemoteDuration, r.PollAttempts,
		r.ExportTasks, r.RecordsMerged, r.RecordsDuplicate,
	)
	return r
}

// Register adds an extra collector.
func (r *Registry) Register(c prometheus.Collector) error {
	if r == nil {
		return nil
	}
	return r.reg.Register(c)
}

// Gatherer exposes the underlying registry for tests and custom exporters.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// ObservePartUploaded records a delivered part.
func (r *Registry) ObservePartUploaded(bytes int64) {
	if r == nil {
		return
	}
	r.PartsUploaded.Inc()
	r.PartBytes.Add(float64(bytes))
}

// ObservePartFailed records a part that exhausted its retries.
func (r *Registry) ObservePartFailed() {
	if r == nil {
		return
	}
	r.PartUploadFailures.Inc()
}

// ObserveSession records the final status of a batch session.
func (r *Registry) ObserveSession(status string) {
	if r == nil {
		return
	}
	r.BatchSessions.WithLabelValues(status).Inc()
}

// ObserveRetry records a retried remote call.
func (r *Registry) ObserveRetry(operation, class string) {
	if r == nil {
		return
	}
	r.RemoteRetries.WithLabelValues(operation, class).Inc()
}

// ObserveCall records the latency of one remote call.
func (r *Registry) ObserveCall(operation string, start time.Time, err error) {
	if r == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.RemoteDuration.WithLabelValues(operation, outcome).Observe(time.Since(start).Seconds())
}

// ObservePoll records one status poll.
func (r *Registry) ObservePoll(operation string) {
	if r == nil {
		return
	}
	r.PollAttempts.WithLabelValues(operation).Inc()
}

// ObserveTask records the outcome of an export task.
func (r *Registry) ObserveTask(partition, outcome string) {
	if r == nil {
		return
	}
	r.ExportTasks.WithLabelValues(partition, outcome).Inc()
}

// ObserveMerge records the result of inserting one record.
func (r *Registry) ObserveMerge(inserted bool) {
	if r == nil {
		return
	}
	if inserted {
		r.RecordsMerged.Inc()
	} else {
		r.RecordsDuplicate.Inc()
	}
}
