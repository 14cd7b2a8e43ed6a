package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jrsteele09/go-auth-client/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCollectors_PipelineEvents(t *testing.T) {
	c := metrics.New()

	c.RenewalFinished(true, 20*time.Millisecond)
	c.RenewalFinished(true, 30*time.Millisecond)
	c.RenewalFinished(false, time.Second)
	c.RequestQueued()
	c.RequestQueued()
	c.RequestRetried()
	c.LogoutPublished()
	c.SignalReceived()

	require.Equal(t, 2.0, testutil.ToFloat64(c.Renewals.WithLabelValues("success")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.Renewals.WithLabelValues("failure")))
	require.Equal(t, 2.0, testutil.ToFloat64(c.QueuedRequests))
	require.Equal(t, 1.0, testutil.ToFloat64(c.RetriedRequests))
	require.Equal(t, 1.0, testutil.ToFloat64(c.SignalsSent))
	require.Equal(t, 1.0, testutil.ToFloat64(c.SignalsReceived))
	require.Equal(t, 1, testutil.CollectAndCount(c.RenewalDuration))
}

func TestCollectors_SessionState(t *testing.T) {
	c := metrics.New()
	all := []string{"uninitialized", "resolving", "authenticated", "anonymous"}

	c.SetState("resolving", all...)
	c.SetState("authenticated", all...)

	require.Equal(t, 1.0, testutil.ToFloat64(c.SessionState.WithLabelValues("authenticated")))
	require.Equal(t, 0.0, testutil.ToFloat64(c.SessionState.WithLabelValues("resolving")))
	require.Equal(t, 4, testutil.CollectAndCount(c.SessionState))
}

func TestCollectors_Handler(t *testing.T) {
	c := metrics.New()
	c.RequestRetried()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "authclient_retried_requests_total 1"))
}
