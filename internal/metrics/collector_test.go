package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCollectorRecordsAcrossAllSurfaces(t *testing.T) {
	c := NewCollector("noderouter_test_collector", nil)

	c.RecordHTTPRequest("GET", "/health", "200", 10*time.Millisecond)
	c.RecordRouteAttempt("fs.read_file", "worker-1", "success")
	c.RecordRouteOutcome("fs.read_file", "ok", 5*time.Millisecond)
	c.SetNodeHealthEWMA("worker-1", 42.5)
	c.RecordCircuitOpen("worker-1")
	c.RecordAsyncTerminal("work.do", "completed")
	c.RecordDeadLetter("work.do")
	c.RecordSideEffectCommitted("worker-1")
	c.ObserveIntentConfidence("fs.read_file", 0.92)
	c.RecordApprovalDecision("fs.delete_file", "approved")

	require.EqualValues(t, 1, testutil.ToFloat64(c.httpRequestsTotal.WithLabelValues("GET", "/health", "200")))
	require.EqualValues(t, 1, testutil.ToFloat64(c.routeAttemptsTotal.WithLabelValues("fs.read_file", "worker-1", "success")))
	require.EqualValues(t, 1, testutil.ToFloat64(c.routeOutcomesTotal.WithLabelValues("fs.read_file", "ok")))
	require.EqualValues(t, 42.5, testutil.ToFloat64(c.nodeHealthEWMA.WithLabelValues("worker-1")))
	require.EqualValues(t, 1, testutil.ToFloat64(c.nodeCircuitOpenTotal.WithLabelValues("worker-1")))
	require.EqualValues(t, 1, testutil.ToFloat64(c.asyncEnvelopesTotal.WithLabelValues("work.do", "completed")))
	require.EqualValues(t, 1, testutil.ToFloat64(c.asyncDeadLettersTotal.WithLabelValues("work.do")))
	require.EqualValues(t, 1, testutil.ToFloat64(c.asyncSideEffectsTotal.WithLabelValues("worker-1")))
	require.EqualValues(t, 1, testutil.ToFloat64(c.approvalDecisionsTotal.WithLabelValues("fs.delete_file", "approved")))
}

func TestNilCollectorMethodsAreNoOps(t *testing.T) {
	var c *Collector
	require.NotPanics(t, func() {
		c.RecordHTTPRequest("GET", "/health", "200", time.Millisecond)
		c.RecordRouteAttempt("x", "y", "z")
		c.RecordRouteOutcome("x", "ok", time.Millisecond)
		c.SetNodeHealthEWMA("y", 1)
		c.RecordCircuitOpen("y")
		c.RecordAsyncTerminal("x", "completed")
		c.RecordDeadLetter("x")
		c.RecordSideEffectCommitted("y")
		c.ObserveIntentConfidence("x", 0.5)
		c.RecordApprovalDecision("x", "approved")
	})
}
