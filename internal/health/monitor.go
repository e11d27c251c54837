// Package health tracks per-project query metrics: a rolling latency
// window, error and cache counters, and a derived status with alert rules.
// Counters are mirrored to OpenTelemetry instruments for external scraping.
package health

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// windowSize is the number of latency samples kept per project.
const windowSize = 100

// Thresholds for status derivation and alerts.
const (
	degradedAvgMs      = 500
	degradedP99Ms      = 1000
	unhealthyErrorRate = 0.5
	alertErrorRate     = 0.1
	alertHitRate       = 0.5
	alertHitRateMinQ   = 10
	alertInactivity    = 60 * time.Minute
)

// minPercentileSamples is the window size below which percentiles fall back
// to the maximum sample. Index-based percentiles are unstable on very small
// windows.
const minPercentileSamples = 20

// Statuses.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Snapshot is one project's derived health.
type Snapshot struct {
	ProjectID     string    `json:"project_id"`
	Status        string    `json:"status"`
	TotalQueries  uint64    `json:"total_queries"`
	Errors        uint64    `json:"errors"`
	ErrorRate     float64   `json:"error_rate"`
	CacheHits     uint64    `json:"cache_hits"`
	CacheMisses   uint64    `json:"cache_misses"`
	CacheHitRate  float64   `json:"cache_hit_rate"`
	AvgLatencyMs  float64   `json:"avg_latency_ms"`
	P95LatencyMs  float64   `json:"p95_latency_ms"`
	P99LatencyMs  float64   `json:"p99_latency_ms"`
	DocumentCount int64     `json:"document_count"`
	LastQueryAt   time.Time `json:"last_query_at"`
	Alerts        []string  `json:"alerts,omitempty"`
}

// projectMetrics is the mutable per-project state.
type projectMetrics struct {
	window    []float64 // ring buffer of latency samples, ms
	next      int
	filled    bool
	total     uint64
	errors    uint64
	hits      uint64
	misses    uint64
	docCount  int64
	lastQuery time.Time
	backendOK bool
}

// Monitor aggregates health for all projects.
type Monitor struct {
	mu       sync.RWMutex
	projects map[string]*projectMetrics
	inst     *instruments
}

// NewMonitor returns an empty monitor with OTel instruments registered.
func NewMonitor() *Monitor {
	return &Monitor{
		projects: make(map[string]*projectMetrics),
		inst:     newInstruments(),
	}
}

func (m *Monitor) metrics(projectID string) *projectMetrics {
	pm, ok := m.projects[projectID]
	if !ok {
		pm = &projectMetrics{
			window:    make([]float64, windowSize),
			backendOK: true,
		}
		m.projects[projectID] = pm
	}
	return pm
}

// RecordQuery feeds one query observation into the window and counters.
func (m *Monitor) RecordQuery(projectID string, latency time.Duration, success, cacheHit bool) {
	latencyMs := float64(latency.Microseconds()) / 1000.0

	m.mu.Lock()
	pm := m.metrics(projectID)
	pm.window[pm.next] = latencyMs
	pm.next++
	if pm.next == windowSize {
		pm.next = 0
		pm.filled = true
	}
	pm.total++
	if !success {
		pm.errors++
	}
	if cacheHit {
		pm.hits++
	} else {
		pm.misses++
	}
	pm.lastQuery = time.Now()
	m.mu.Unlock()

	m.inst.recordQuery(projectID, latencyMs, success, cacheHit)
}

// SetDocumentCount updates the project's document count used by the
// empty-project alert.
func (m *Monitor) SetDocumentCount(projectID string, count int64) {
	m.mu.Lock()
	m.metrics(projectID).docCount = count
	m.mu.Unlock()
}

// SetBackendHealthy flags backend availability for status derivation.
func (m *Monitor) SetBackendHealthy(projectID string, healthy bool) {
	m.mu.Lock()
	m.metrics(projectID).backendOK = healthy
	m.mu.Unlock()
}

// ProjectHealth derives the current snapshot for one project.
func (m *Monitor) ProjectHealth(projectID string) Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pm, ok := m.projects[projectID]
	if !ok {
		return Snapshot{ProjectID: projectID, Status: StatusHealthy}
	}
	return deriveSnapshot(projectID, pm)
}

// AllProjectsHealth returns snapshots for every tracked project.
func (m *Monitor) AllProjectsHealth() map[string]Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Snapshot, len(m.projects))
	for id, pm := range m.projects {
		out[id] = deriveSnapshot(id, pm)
	}
	return out
}

// ResetMetrics clears one project's state, or everything when projectID is
// empty.
func (m *Monitor) ResetMetrics(projectID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if projectID == "" {
		m.projects = make(map[string]*projectMetrics)
		return
	}
	delete(m.projects, projectID)
}

func deriveSnapshot(projectID string, pm *projectMetrics) Snapshot {
	samples := pm.samples()
	avg, p95, p99 := latencyStats(samples)

	snap := Snapshot{
		ProjectID:     projectID,
		TotalQueries:  pm.total,
		Errors:        pm.errors,
		CacheHits:     pm.hits,
		CacheMisses:   pm.misses,
		AvgLatencyMs:  avg,
		P95LatencyMs:  p95,
		P99LatencyMs:  p99,
		DocumentCount: pm.docCount,
		LastQueryAt:   pm.lastQuery,
	}
	if pm.total > 0 {
		snap.ErrorRate = float64(pm.errors) / float64(pm.total)
	}
	if pm.hits+pm.misses > 0 {
		snap.CacheHitRate = float64(pm.hits) / float64(pm.hits+pm.misses)
	}

	switch {
	case snap.ErrorRate > unhealthyErrorRate || !pm.backendOK:
		snap.Status = StatusUnhealthy
	case avg > degradedAvgMs || p99 > degradedP99Ms:
		snap.Status = StatusDegraded
	default:
		snap.Status = StatusHealthy
	}

	snap.Alerts = deriveAlerts(snap)
	if len(snap.Alerts) > 0 {
		log.Warn().Str("project", projectID).Strs("alerts", snap.Alerts).
			Str("status", snap.Status).Msg("Health alerts active")
	}
	return snap
}

func deriveAlerts(snap Snapshot) []string {
	var alerts []string
	if snap.AvgLatencyMs > degradedAvgMs {
		alerts = append(alerts, "high_avg_latency")
	}
	if snap.ErrorRate > alertErrorRate {
		alerts = append(alerts, "high_error_rate")
	}
	if snap.TotalQueries >= alertHitRateMinQ && snap.CacheHitRate < alertHitRate {
		alerts = append(alerts, "low_cache_hit_rate")
	}
	if !snap.LastQueryAt.IsZero() && time.Since(snap.LastQueryAt) > alertInactivity {
		alerts = append(alerts, "inactive")
	}
	if snap.DocumentCount == 0 {
		alerts = append(alerts, "no_documents")
	}
	return alerts
}

// samples returns the populated portion of the ring buffer.
func (pm *projectMetrics) samples() []float64 {
	if pm.filled {
		out := make([]float64, windowSize)
		copy(out, pm.window)
		return out
	}
	out := make([]float64, pm.next)
	copy(out, pm.window[:pm.next])
	return out
}

// latencyStats computes avg/p95/p99 by sort-and-index. Windows smaller than
// minPercentileSamples report the maximum as both percentiles.
func latencyStats(samples []float64) (avg, p95, p99 float64) {
	n := len(samples)
	if n == 0 {
		return 0, 0, 0
	}

	var sum float64
	for _, s := range samples {
		sum += s
	}
	avg = sum / float64(n)

	sorted := make([]float64, n)
	copy(sorted, samples)
	sort.Float64s(sorted)

	if n < minPercentileSamples {
		maxSample := sorted[n-1]
		return avg, maxSample, maxSample
	}
	p95 = sorted[min(n-1, int(float64(n)*0.95))]
	p99 = sorted[min(n-1, int(float64(n)*0.99))]
	return avg, p95, p99
}
