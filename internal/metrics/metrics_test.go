package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordersUpdateCollectors(t *testing.T) {
	before := testutil.ToFloat64(requestsCreatedTotal)
	RecordRequestCreated()
	assert.Equal(t, before+1, testutil.ToFloat64(requestsCreatedTotal))

	transitions := statusTransitionsTotal.WithLabelValues("in_progress", "completed")
	before = testutil.ToFloat64(transitions)
	RecordStatusTransition("in_progress", "completed")
	assert.Equal(t, before+1, testutil.ToFloat64(transitions))

	before = testutil.ToFloat64(commentsAddedTotal)
	RecordCommentAdded()
	assert.Equal(t, before+1, testutil.ToFloat64(commentsAddedTotal))

	failures := validationFailuresTotal.WithLabelValues("missing_fields")
	before = testutil.ToFloat64(failures)
	RecordValidationFailure("missing_fields")
	assert.Equal(t, before+1, testutil.ToFloat64(failures))

	before = testutil.ToFloat64(updateConflictsTotal)
	RecordUpdateConflict()
	assert.Equal(t, before+1, testutil.ToFloat64(updateConflictsTotal))

	SetRequestsByStatus(map[string]int{"not_started": 4, "completed": 9})
	assert.Equal(t, float64(4), testutil.ToFloat64(requestsByStatus.WithLabelValues("not_started")))
	assert.Equal(t, float64(9), testutil.ToFloat64(requestsByStatus.WithLabelValues("completed")))

	SetOverdueRequests(2)
	assert.Equal(t, float64(2), testutil.ToFloat64(overdueRequests))

	SetWebSocketClients(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(websocketClients))

	requests := httpRequestsTotal.WithLabelValues("GET", "/api/requests", "200")
	before = testutil.ToFloat64(requests)
	RecordHTTPRequest("GET", "/api/requests", http.StatusOK, 0.01)
	assert.Equal(t, before+1, testutil.ToFloat64(requests))
}

func TestHandlerServesRegisteredMetrics(t *testing.T) {
	RecordRequestCreated()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "geekgifts_requests_created_total")
}
