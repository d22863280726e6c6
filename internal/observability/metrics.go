// Package observability holds the service-level Prometheus metrics shared
// across handlers and services.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	eventsAcceptedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "adherence_service",
		Subsystem: "events",
		Name:      "writes_accepted_total",
		Help:      "Number of event writes accepted, labeled by scope.",
	}, []string{"scope"})

	eventsRejectedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "adherence_service",
		Subsystem: "events",
		Name:      "writes_rejected_total",
		Help:      "Number of event writes rejected by mutability policy, labeled by scope.",
	}, []string{"scope"})

	timelineBuildDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "adherence_service",
		Subsystem: "timeline",
		Name:      "build_duration_seconds",
		Help:      "Time spent generating participant timelines.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	recordsUpsertedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "adherence_service",
		Subsystem: "adherence",
		Name:      "records_upserted_total",
		Help:      "Number of adherence records written, labeled by record type.",
	}, []string{"record_type"})

	recordPersistGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "adherence_service",
		Subsystem: "adherence",
		Name:      "last_record_persisted_timestamp_seconds",
		Help:      "Unix timestamp of the most recent adherence record persisted to Postgres.",
	})
)

func init() {
	prometheus.MustRegister(eventsAcceptedCounter, eventsRejectedCounter, timelineBuildDuration, recordsUpsertedCounter, recordPersistGauge)
}

// RecordEventWrite counts an event write decision by policy outcome.
func RecordEventWrite(scope string, accepted bool) {
	if accepted {
		eventsAcceptedCounter.WithLabelValues(scope).Inc()
		return
	}
	eventsRejectedCounter.WithLabelValues(scope).Inc()
}

// ObserveTimelineBuild records one timeline generation.
func ObserveTimelineBuild(d time.Duration) {
	timelineBuildDuration.Observe(d.Seconds())
}

// RecordUpsert counts a persisted adherence record and moves the watermark.
func RecordUpsert(recordType string, ts time.Time) {
	recordsUpsertedCounter.WithLabelValues(recordType).Inc()
	if !ts.IsZero() {
		recordPersistGauge.Set(float64(ts.Unix()))
	}
}
