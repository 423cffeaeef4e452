package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// PollsTotal counts finished polls by outcome (ok, error, cancelled).
	PollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bottlesync_polls_total",
			Help: "Total number of finished polls.",
		},
		[]string{"outcome"},
	)

	// PollDuration records the time from session start to result.
	PollDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bottlesync_poll_duration_seconds",
			Help:    "Duration of polls in seconds.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 15, 20, 30, 45, 60},
		},
	)

	// RecordsDecoded counts drink records decoded from notifications.
	RecordsDecoded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bottlesync_records_decoded_total",
			Help: "Drink records decoded from device notifications.",
		},
	)

	// DecodeFailures counts candidate slices that failed to decode.
	DecodeFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bottlesync_decode_failures_total",
			Help: "Candidate record slices that failed to decode.",
		},
	)

	// RecordsMerged counts records added to the daily history.
	RecordsMerged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bottlesync_records_merged_total",
			Help: "Drink records added to the daily history.",
		},
	)

	// RecordsAbsorbed counts decoded records dropped by the merge as
	// duplicates or as belonging to another day.
	RecordsAbsorbed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bottlesync_records_absorbed_total",
			Help: "Decoded drink records not added to the daily history.",
		},
	)

	// ConnectionPhase exposes the numeric connection phase.
	ConnectionPhase = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bottlesync_connection_phase",
			Help: "Current connection phase (0 idle .. 7 error).",
		},
	)

	// HTTPRequests counts collaborator API requests.
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bottlesync_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPDuration records collaborator API latency.
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bottlesync_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

func init() {
	prometheus.MustRegister(
		PollsTotal, PollDuration,
		RecordsDecoded, DecodeFailures, RecordsMerged, RecordsAbsorbed,
		ConnectionPhase,
		HTTPRequests, HTTPDuration,
	)
}
