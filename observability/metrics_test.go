package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestProcessMetrics(t *testing.T) {
	m := Process()
	require.Same(t, m, Process())

	m.RecordStart("0.1.0", "testnet", "abc", time.Unix(1_700_000_000, 0))
	require.Equal(t, float64(1_700_000_000), testutil.ToFloat64(m.started))
	require.Equal(t, float64(1), testutil.ToFloat64(m.buildInfo.WithLabelValues("0.1.0", "testnet", "abc")))

	m.ComponentUp("dns", true)
	require.Equal(t, float64(1), testutil.ToFloat64(m.up.WithLabelValues("dns")))
	m.ComponentUp("dns", false)
	require.Equal(t, float64(0), testutil.ToFloat64(m.up.WithLabelValues("dns")))

	var nilMetrics *processMetrics
	nilMetrics.ComponentUp("dns", true)
}
