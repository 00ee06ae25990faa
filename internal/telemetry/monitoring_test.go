package telemetry

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/tagfarm/internal/tool"
)

func TestMetricsEndpointExposesRecordedEvents(t *testing.T) {
	c := NewCollector()
	now := time.Now()
	c.JobFinished("worker", tool.Outcome{Kind: tool.Exited, Code: 0, Started: now.Add(-time.Second), Exited: now})
	c.JobFinished("worker", tool.Outcome{Kind: tool.Exited, Code: 2})
	c.StageFinished("dillum", true, 3*time.Second, true)
	c.MergeFailed("pcast")
	c.FarmInFlight(4)
	c.RunFinished("bake", false, time.Minute)

	ms := NewMonitoringServer(":0", c)
	rec := httptest.NewRecorder()
	ms.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `tagfarm_tool_jobs_total{category="worker",outcome="ok"} 1`)
	assert.Contains(t, body, `tagfarm_tool_jobs_total{category="worker",outcome="nonzero"} 1`)
	assert.Contains(t, body, `tagfarm_merge_failures_total{stage="pcast"} 1`)
	assert.Contains(t, body, `tagfarm_farm_inflight_jobs 4`)
	assert.Contains(t, body, `tagfarm_runs_total{kind="bake",status="failure"} 1`)
	assert.Equal(t, 4, c.MaxInFlight())
}

func TestHealthEndpoint(t *testing.T) {
	ms := NewMonitoringServer(":0", NewCollector())
	for name, fn := range DefaultHealthChecks(t.TempDir()) {
		ms.RegisterHealthCheck(name, fn)
	}

	rec := httptest.NewRecorder()
	ms.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Status HealthStatus  `json:"status"`
		Checks []HealthCheck `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, HealthStatusHealthy, resp.Status)
	assert.Len(t, resp.Checks, 2)
}

func TestHealthEndpointMissingProjectRoot(t *testing.T) {
	ms := NewMonitoringServer(":0", NewCollector())
	checks := DefaultHealthChecks(filepath.Join(t.TempDir(), "gone"))
	ms.RegisterHealthCheck("project_root", checks["project_root"])

	rec := httptest.NewRecorder()
	ms.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestNopIsRecorder(t *testing.T) {
	var r Recorder = OrNop(nil)
	r.JobFinished("texture", tool.Outcome{})
	r.FarmInFlight(1)
	_, ok := r.(Nop)
	assert.True(t, ok)
}

func TestProfilingEndpoints(t *testing.T) {
	ms := NewMonitoringServer(":0", NewCollector())
	ms.EnableProfiling(BuildInfo{Version: "1.2.3", Commit: "abc"})

	rec := httptest.NewRecorder()
	ms.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/build", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var info BuildInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "1.2.3", info.Version)
	assert.NotEmpty(t, info.GoVersion)

	rec = httptest.NewRecorder()
	ms.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLatencies(t *testing.T) {
	c := NewCollector()
	now := time.Now()
	for i := 1; i <= 20; i++ {
		c.JobFinished("texture", tool.Outcome{Kind: tool.Exited, Started: now, Exited: now.Add(time.Duration(i) * 100 * time.Millisecond)})
	}
	c.JobFinished("material", tool.Outcome{Kind: tool.Exited, Started: now, Exited: now.Add(time.Second)})
	c.JobFinished("material", tool.Outcome{Kind: tool.StartFailed})

	got := c.Latencies()
	require.Len(t, got, 2)
	assert.Equal(t, "material", got[0].Category)
	assert.Equal(t, int64(1), got[0].Count)
	tex := got[1]
	assert.Equal(t, int64(20), tex.Count)
	assert.InDelta(t, time.Second, tex.P50, float64(10*time.Millisecond))
	assert.InDelta(t, 2*time.Second, tex.Max, float64(10*time.Millisecond))
	assert.Contains(t, tex.String(), "texture jobs: n=20")
}
