package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/precious195/airbrain-sub000/internal/otp"
	"github.com/precious195/airbrain-sub000/internal/workflow"
)

func TestObserversUpdateCounters(t *testing.T) {
	m := New()
	m.StepFinished(workflow.StepAPI, workflow.OutcomeSuccess, 20*time.Millisecond)
	m.StepFinished(workflow.StepAPI, workflow.OutcomeSuccess, 30*time.Millisecond)
	m.WorkflowFinished(workflow.StatusCompleted, time.Second)
	m.ObserveOTP(otp.Request{Purpose: otp.PurposeOTP, Status: otp.StatusReceived})
	m.ObserveTask("retried")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.steps.WithLabelValues("api", workflow.OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.workflows.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.otpRequests.WithLabelValues("otp", "received")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasks.WithLabelValues("retried")))
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	m := New()
	m.GaugeFunc("sessions_active", "Live sessions.", func() float64 { return 3 })

	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/api/v1/workflows/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Method(http.MethodGet, "/metrics", m.Handler())

	for _, id := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/workflows/"+id, nil))
		require.Equal(t, http.StatusNotFound, rec.Code)
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("/api/v1/workflows/{id}", http.MethodGet, "404")))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "airbrain_sessions_active 3"))
	assert.True(t, strings.Contains(string(body), "airbrain_http_requests_total"))
}
