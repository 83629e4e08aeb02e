package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Fragment sources reported by FragmentRequests.
const (
	SourceTree        = "tree"
	SourceDisk        = "disk"
	SourceNotModified = "not_modified"
	SourceRedirect    = "redirect"
	SourceError       = "error"
)

var (
	// HTTP
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lc_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lc_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	HTTPActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lc_http_active_requests",
			Help: "Number of HTTP requests currently being served",
		},
	)

	// Fragment resolution
	FragmentRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lc_fragment_requests_total",
			Help: "Resolved fragment requests by agency and source",
		},
		[]string{"agency", "source"},
	)

	AggregationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lc_aggregation_duration_seconds",
			Help:    "Time spent merging real-time data into a static fragment",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	// Time index
	IndexedPartitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lc_indexed_partitions_total",
			Help: "Static versions and real-time batches added to the time index",
		},
		[]string{"agency", "kind"},
	)

	IndexRebuildDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lc_index_rebuild_duration_seconds",
			Help:    "Duration of incremental time index rebuilds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// Connection trees
	TreeSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lc_tree_size",
			Help: "Number of entries held by an in-memory connection tree",
		},
		[]string{"agency", "tree"},
	)

	TreeRebuildDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lc_tree_rebuild_duration_seconds",
			Help:    "Duration of full connection tree rebuilds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"agency", "tree"},
	)

	RealTimePatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lc_realtime_patches_total",
			Help: "Real-time connection updates applied to in-memory trees",
		},
		[]string{"agency", "tree"},
	)

	RealTimeEventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lc_realtime_events_dropped_total",
			Help: "Update notifications coalesced because one was already pending",
		},
		[]string{"agency"},
	)
)

// RecordHTTPRequest records one finished HTTP request
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// TrackActiveRequest increments or decrements the active request gauge
func TrackActiveRequest(active bool) {
	if active {
		HTTPActiveRequests.Inc()
	} else {
		HTTPActiveRequests.Dec()
	}
}

// RecordFragment counts a fragment response by source
func RecordFragment(agency, source string) {
	FragmentRequests.WithLabelValues(agency, source).Inc()
}
