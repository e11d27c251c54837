package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(m *Monitor, project string, n int, latency time.Duration, success, hit bool) {
	for i := 0; i < n; i++ {
		m.RecordQuery(project, latency, success, hit)
	}
}

func TestUnknownProjectIsHealthy(t *testing.T) {
	m := NewMonitor()
	snap := m.ProjectHealth("ghost")
	assert.Equal(t, StatusHealthy, snap.Status)
	assert.Zero(t, snap.TotalQueries)
}

func TestHealthyBaseline(t *testing.T) {
	m := NewMonitor()
	m.SetDocumentCount("p", 10)
	record(m, "p", 50, 20*time.Millisecond, true, true)

	snap := m.ProjectHealth("p")
	assert.Equal(t, StatusHealthy, snap.Status)
	assert.Equal(t, uint64(50), snap.TotalQueries)
	assert.InDelta(t, 20, snap.AvgLatencyMs, 1)
	assert.Equal(t, 1.0, snap.CacheHitRate)
	assert.Empty(t, snap.Alerts)
}

func TestDegradedOnHighAverageLatency(t *testing.T) {
	m := NewMonitor()
	m.SetDocumentCount("p", 10)
	record(m, "p", 30, 600*time.Millisecond, true, true)

	snap := m.ProjectHealth("p")
	assert.Equal(t, StatusDegraded, snap.Status)
	assert.Contains(t, snap.Alerts, "high_avg_latency")
}

func TestDegradedOnP99(t *testing.T) {
	m := NewMonitor()
	m.SetDocumentCount("p", 10)
	// 98 fast samples and 2 very slow ones: avg stays low, p99 spikes.
	record(m, "p", 98, 10*time.Millisecond, true, true)
	record(m, "p", 2, 5*time.Second, true, true)

	snap := m.ProjectHealth("p")
	assert.Less(t, snap.AvgLatencyMs, float64(degradedAvgMs))
	assert.Greater(t, snap.P99LatencyMs, float64(degradedP99Ms))
	assert.Equal(t, StatusDegraded, snap.Status)
}

func TestUnhealthyOnErrorRate(t *testing.T) {
	m := NewMonitor()
	m.SetDocumentCount("p", 10)
	record(m, "p", 4, 10*time.Millisecond, false, false)
	record(m, "p", 2, 10*time.Millisecond, true, true)

	snap := m.ProjectHealth("p")
	assert.InDelta(t, 4.0/6.0, snap.ErrorRate, 1e-9)
	assert.Equal(t, StatusUnhealthy, snap.Status)
}

func TestUnhealthyOnBackendDown(t *testing.T) {
	m := NewMonitor()
	m.SetDocumentCount("p", 10)
	record(m, "p", 5, 10*time.Millisecond, true, true)
	m.SetBackendHealthy("p", false)

	assert.Equal(t, StatusUnhealthy, m.ProjectHealth("p").Status)

	m.SetBackendHealthy("p", true)
	assert.Equal(t, StatusHealthy, m.ProjectHealth("p").Status)
}

func TestSmallWindowPercentilesUseMax(t *testing.T) {
	m := NewMonitor()
	m.SetDocumentCount("p", 10)
	record(m, "p", 5, 10*time.Millisecond, true, true)
	m.RecordQuery("p", 90*time.Millisecond, true, true)

	snap := m.ProjectHealth("p")
	assert.InDelta(t, 90, snap.P95LatencyMs, 1)
	assert.InDelta(t, 90, snap.P99LatencyMs, 1)
}

func TestWindowKeepsLastHundredSamples(t *testing.T) {
	m := NewMonitor()
	m.SetDocumentCount("p", 10)
	// 200 slow samples, then 100 fast ones: only the fast window remains.
	record(m, "p", 200, 800*time.Millisecond, true, true)
	record(m, "p", 100, 10*time.Millisecond, true, true)

	snap := m.ProjectHealth("p")
	assert.InDelta(t, 10, snap.AvgLatencyMs, 1)
	assert.Equal(t, uint64(300), snap.TotalQueries)
	assert.Equal(t, StatusHealthy, snap.Status)
}

func TestAlertRules(t *testing.T) {
	m := NewMonitor()

	// Low hit rate after >= 10 queries, plus empty project.
	record(m, "p", 12, 10*time.Millisecond, true, false)
	snap := m.ProjectHealth("p")
	assert.Contains(t, snap.Alerts, "low_cache_hit_rate")
	assert.Contains(t, snap.Alerts, "no_documents")

	// Error rate above 0.1 alerts without being unhealthy.
	m2 := NewMonitor()
	m2.SetDocumentCount("q", 5)
	record(m2, "q", 2, 10*time.Millisecond, false, true)
	record(m2, "q", 8, 10*time.Millisecond, true, true)
	snap = m2.ProjectHealth("q")
	assert.Contains(t, snap.Alerts, "high_error_rate")
	assert.Equal(t, StatusHealthy, snap.Status)
}

func TestResetMetrics(t *testing.T) {
	m := NewMonitor()
	record(m, "a", 5, 10*time.Millisecond, true, true)
	record(m, "b", 5, 10*time.Millisecond, true, true)

	m.ResetMetrics("a")
	assert.Zero(t, m.ProjectHealth("a").TotalQueries)
	assert.Equal(t, uint64(5), m.ProjectHealth("b").TotalQueries)

	m.ResetMetrics("")
	assert.Empty(t, m.AllProjectsHealth())
}

func TestAllProjectsHealth(t *testing.T) {
	m := NewMonitor()
	m.SetDocumentCount("a", 1)
	m.SetDocumentCount("b", 1)
	record(m, "a", 3, 10*time.Millisecond, true, true)
	record(m, "b", 3, 10*time.Millisecond, true, true)

	all := m.AllProjectsHealth()
	require.Len(t, all, 2)
	assert.Equal(t, StatusHealthy, all["a"].Status)
	assert.Equal(t, StatusHealthy, all["b"].Status)
}
