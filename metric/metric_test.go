package metric

import (
	"net/http/httptest"
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findMetric(t *testing.T, r *Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := r.Prometheus().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

func TestCoreMetricsRegistered(t *testing.T) {
	r := NewRegistry()
	r.Core().Invocations.WithLabelValues("get", "ok").Inc()
	r.Core().Connected.Set(1)

	f := findMetric(t, r, "meshrpc_rpc_invocations_total")
	require.NotNil(t, f)
	require.Len(t, f.GetMetric(), 1)
	assert.Equal(t, float64(1), f.GetMetric()[0].GetCounter().GetValue())

	g := findMetric(t, r, "meshrpc_transport_connected")
	require.NotNil(t, g)
	assert.Equal(t, float64(1), g.GetMetric()[0].GetGauge().GetValue())
}

func TestRegistriesAreIndependent(t *testing.T) {
	a := NewRegistry()
	b := NewRegistry()

	a.Core().CacheHits.Inc()

	fa := findMetric(t, a, "meshrpc_executor_cache_hits_total")
	fb := findMetric(t, b, "meshrpc_executor_cache_hits_total")
	require.NotNil(t, fa)
	require.NotNil(t, fb)
	assert.Equal(t, float64(1), fa.GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, float64(0), fb.GetMetric()[0].GetCounter().GetValue())
}

func TestHandlerServesMetrics(t *testing.T) {
	r := NewRegistry()
	r.Core().Notifications.Inc()

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
}
