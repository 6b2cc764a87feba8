package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Dispatch("ok")
	m.Notification("accepted")
	m.Notification("accepted")
	m.Pruned(3)
	m.Reconnect()

	require.Equal(t, 1.0, testutil.ToFloat64(m.DispatchRuns.WithLabelValues("ok")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.Notifications.WithLabelValues("accepted")))
	require.Equal(t, 3.0, testutil.ToFloat64(m.PrunedTokens))
	require.Equal(t, 1.0, testutil.ToFloat64(m.GatewayReconnects))

	// a second New against the same registry reuses the collectors
	again := New(reg)
	require.Equal(t, 1.0, testutil.ToFloat64(again.DispatchRuns.WithLabelValues("ok")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Dispatch("ok")
	m.Notification("accepted")
	m.Pruned(1)
	m.Reconnect()
	m.Registration("register", "created")
	m.ArtifactServed(true)
	m.RegisterGauge("x", "y", func() float64 { return 0 })
}

func TestHandlerExposesGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.RegisterGauge("registrations", "Live registrations.", func() float64 { return 7 })

	h := InstrumentHandler(reg, "metrics", Handler(reg))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.True(t, strings.Contains(body, "wallet_registrations 7"), body)
}
