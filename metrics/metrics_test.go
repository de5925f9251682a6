package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorsAreIndependent(t *testing.T) {
	first := New()
	second := New()

	first.ObserveQuickCheck("py", true)

	assert.Equal(t, 1.0, testutil.ToFloat64(first.QuickChecksTotal.WithLabelValues("py", "pass")))
	assert.Equal(t, 0.0, testutil.ToFloat64(second.QuickChecksTotal.WithLabelValues("py", "pass")))
}

func TestObserveValidation(t *testing.T) {
	c := New()

	c.ObserveValidation("js", false, 40, []string{"code-injection"})
	c.ObserveValidation("js", true, 0, nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.ValidationsTotal.WithLabelValues("js", "fail")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ValidationsTotal.WithLabelValues("js", "pass")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ViolationsTotal.WithLabelValues("code-injection")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.RiskScore))
}

func TestObserveExecution(t *testing.T) {
	c := New()

	done := c.TrackExecution()
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ActiveExecutions))
	done()
	assert.Equal(t, 0.0, testutil.ToFloat64(c.ActiveExecutions))

	c.ObserveExecution("py", "process", "success", 20*time.Millisecond)
	c.ObserveExecution("py", "", "blocked", 0)
	c.ObserveBypass("py")
	c.ObserveAlert("memory", "critical")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.ExecutionsTotal.WithLabelValues("py", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ExecutionsTotal.WithLabelValues("py", "blocked")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.ExecutionDuration))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.BypassesTotal.WithLabelValues("py")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.MonitorAlertsTotal.WithLabelValues("memory", "critical")))
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector

	assert.NotPanics(t, func() {
		c.ObserveValidation("py", true, 0, nil)
		c.ObserveQuickCheck("py", true)
		c.ObserveExecution("py", "process", "success", time.Second)
		c.ObserveBypass("py")
		c.ObserveAlert("cpu", "error")
		c.TrackExecution()()
	})
}

func TestHandler(t *testing.T) {
	c := New()
	c.ObserveBypass("ts")

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `codeguard_sandbox_validation_bypasses_total{language="ts"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
