package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestInitIdempotent(t *testing.T) {
	Init()
	Init()
	assert.NotNil(t, jobsTotal)
	assert.NotNil(t, queueDepth)
}

func TestObserveJob(t *testing.T) {
	Init()
	before := testutil.ToFloat64(jobsTotal.WithLabelValues("federal", "succeeded"))
	ObserveJob("federal", "succeeded", 2*time.Second)
	assert.Equal(t, before+1, testutil.ToFloat64(jobsTotal.WithLabelValues("federal", "succeeded")))
}

func TestSetQueue(t *testing.T) {
	SetQueue(7, 3)
	assert.Equal(t, 7.0, testutil.ToFloat64(queueDepth))
	assert.Equal(t, 3.0, testutil.ToFloat64(jobsInFlight))
}

func TestObserveVerdictSkipsZero(t *testing.T) {
	Init()
	ObserveVerdict("record", "fail", 0)
	before := testutil.ToFloat64(verdictsTotal.WithLabelValues("record", "warn"))
	ObserveVerdict("record", "warn", 4)
	assert.Equal(t, before+4, testutil.ToFloat64(verdictsTotal.WithLabelValues("record", "warn")))
}

func TestHandlerExposesCollectors(t *testing.T) {
	ObserveDeadLetter()
	ObserveAPIRejection("anonymous")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "civicsync_dead_letters_total"))
	assert.True(t, strings.Contains(body, `civicsync_api_rate_limited_total{role="anonymous"}`))
}
