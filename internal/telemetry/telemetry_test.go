package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, "debug", "json")
	require.NoError(t, err)

	logger.Debug("worker started", "digest", "abc123", "pid", 42)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), "output: %s", buf.String())
	assert.Equal(t, "worker started", entry["msg"])
	assert.Equal(t, "abc123", entry["digest"])
}

func TestNewLogger_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, "warn", "logfmt")
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("result cache corruption", "digest", "feed")
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "result cache corruption")
}

func TestNewLogger_InvalidOptions(t *testing.T) {
	_, err := NewLogger(io.Discard, "loud", "text")
	assert.Error(t, err)
	_, err = NewLogger(io.Discard, "info", "xml")
	assert.Error(t, err)
}

func TestMetrics(t *testing.T) {
	m := NewMetrics()
	m.SubmissionReceived(true)
	m.SubmissionReceived(false)
	m.SubmissionReceived(false)
	m.JobClaimed()
	m.JobSpawned()
	m.JobCrashed()
	m.JobReaped("retried")
	m.ResultWritten("failure")
	m.Polled("pending")
	m.CacheHit()
	m.CacheMiss()
	m.CacheMiss()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, `fmucheck_submissions_total{kind="new"} 1`)
	assert.Contains(t, body, `fmucheck_submissions_total{kind="duplicate"} 2`)
	assert.Contains(t, body, "fmucheck_jobs_crashed_total 1")
	assert.Contains(t, body, "fmucheck_jobs_spawned_total 1")
	assert.Contains(t, body, `fmucheck_result_cache_lookups_total{result="miss"} 2`)
	assert.Contains(t, body, `fmucheck_results_written_total{outcome="failure"} 1`)
	assert.True(t, strings.Contains(body, "go_goroutines"), "runtime collectors registered")
}

func TestInitTracing_NoEndpoint(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), "fmucheck", "")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestNewTraceExporter(t *testing.T) {
	for _, endpoint := range []string{"localhost:4318", "http://collector:4318/v1/traces", "https://otel.example.com"} {
		exp, err := newTraceExporter(context.Background(), endpoint)
		require.NoError(t, err, endpoint)
		require.NoError(t, exp.Shutdown(context.Background()))
	}
}
