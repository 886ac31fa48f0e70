// Package metrics exposes Prometheus collectors for the tracker.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geekgifts_http_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "geekgifts_http_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	requestsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "geekgifts_requests_created_total",
			Help: "Total number of gift requests created",
		},
	)

	statusTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geekgifts_status_transitions_total",
			Help: "Total number of request status changes",
		},
		[]string{"from", "to"},
	)

	commentsAddedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "geekgifts_comments_added_total",
			Help: "Total number of comments appended to requests",
		},
	)

	validationFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geekgifts_validation_failures_total",
			Help: "Total number of rejected request writes by reason",
		},
		[]string{"reason"},
	)

	updateConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "geekgifts_update_conflicts_total",
			Help: "Total number of concurrent update conflicts that forced a retry",
		},
	)

	requestsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "geekgifts_requests_by_status",
			Help: "Number of requests by status",
		},
		[]string{"status"},
	)

	overdueRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "geekgifts_overdue_requests",
			Help: "Number of open requests past their due date at the last sweep",
		},
	)

	websocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "geekgifts_websocket_clients",
			Help: "Number of connected websocket clients",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		requestsCreatedTotal,
		statusTransitionsTotal,
		commentsAddedTotal,
		validationFailuresTotal,
		updateConflictsTotal,
		requestsByStatus,
		overdueRequests,
		websocketClients,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records one served API request. route should be the
// matched route pattern, not the raw path.
func RecordHTTPRequest(method, route string, status int, seconds float64) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(seconds)
}

func RecordRequestCreated() {
	requestsCreatedTotal.Inc()
}

func RecordStatusTransition(from, to string) {
	statusTransitionsTotal.WithLabelValues(from, to).Inc()
}

func RecordCommentAdded() {
	commentsAddedTotal.Inc()
}

// RecordValidationFailure counts a write rejected by the lifecycle rules.
func RecordValidationFailure(reason string) {
	validationFailuresTotal.WithLabelValues(reason).Inc()
}

func RecordUpdateConflict() {
	updateConflictsTotal.Inc()
}

// SetRequestsByStatus replaces the per-status gauge values.
func SetRequestsByStatus(counts map[string]int) {
	for status, count := range counts {
		requestsByStatus.WithLabelValues(status).Set(float64(count))
	}
}

func SetOverdueRequests(count int) {
	overdueRequests.Set(float64(count))
}

func SetWebSocketClients(count int) {
	websocketClients.Set(float64(count))
}
