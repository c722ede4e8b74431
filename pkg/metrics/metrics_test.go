package metrics

import (
	"os"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
	os.Exit(m.Run())
}

func TestNewRegistryRegistersEveryMetric(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRegistry(reg)
	require.NotNil(t, m)

	m.IngestLagEvents.WithLabelValues("shop").Set(5)
	families, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, f := range families {
		if f.GetName() == "replicator_applier_lag_events" {
			found = true
			require.Len(t, f.Metric, 1)
			assert.Equal(t, float64(5), f.Metric[0].GetGauge().GetValue())
		}
	}
	assert.True(t, found, "expected lag_events metric to be registered and gathered")
}

func TestApplierStateGaugeByLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRegistry(reg)
	m.ApplierState.WithLabelValues("shop").Set(3)

	families, err := reg.Gather()
	require.NoError(t, err)
	assertMetricValue(t, families, "replicator_applier_state", 3)
}

func assertMetricValue(t *testing.T, families []*dto.MetricFamily, name string, want float64) {
	t.Helper()
	for _, f := range families {
		if f.GetName() == name {
			require.Len(t, f.Metric, 1)
			assert.Equal(t, want, f.Metric[0].GetGauge().GetValue())
			return
		}
	}
	t.Fatalf("metric %s not found", name)
}
