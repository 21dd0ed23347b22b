package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/shipctl/internal/model"
)

func sampleReport() *Report {
	return &Report{
		RunID:    "run-7",
		Pipeline: "app",
		Branch:   "main",
		Tag:      "1.4.0",
		Status:   model.StatusSucceeded,
		Started:  time.Unix(1700000000, 0),
		Duration: 90 * time.Second,
		Stages: []StageResult{
			{Name: "Build", Status: model.StatusSucceeded, Duration: 30 * time.Second},
			{Name: "Deploy to HML", Status: model.StatusSkipped, Reason: "branch does not deploy"},
		},
	}
}

func TestNotifier_WriteSummary(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "reports")
	n := NewNotifier(dir, "", nil)

	require.NoError(t, n.WriteSummary(sampleReport()))

	data, err := os.ReadFile(filepath.Join(dir, SummaryFile))
	require.NoError(t, err)

	var got Report
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "run-7", got.RunID)
	assert.Equal(t, model.StatusSucceeded, got.Status)
	require.Len(t, got.Stages, 2)
	assert.Equal(t, "branch does not deploy", got.Stages[1].Reason)
}

func TestNotifier_WriteMetrics(t *testing.T) {
	dir := t.TempDir()
	n := NewNotifier(dir, "", nil)

	require.NoError(t, n.WriteMetrics(sampleReport()))

	data, err := os.ReadFile(filepath.Join(dir, MetricsFile))
	require.NoError(t, err)
	out := string(data)

	assert.Contains(t, out, `shipctl_pipeline_success{branch="main",pipeline="app"} 1`)
	assert.Contains(t, out, `shipctl_pipeline_duration_seconds{branch="main",pipeline="app"} 90`)
	assert.Contains(t, out, `shipctl_pipeline_stage_duration_seconds{branch="main",pipeline="app",stage="Build",status="succeeded"} 30`)
	assert.Contains(t, out, `stage="Deploy to HML",status="skipped"`)
}

func TestNewMetricsRegistry_Failure(t *testing.T) {
	report := sampleReport()
	report.Status = model.StatusFailed

	families, err := NewMetricsRegistry(report).Gather()
	require.NoError(t, err)

	for _, f := range families {
		if f.GetName() == "shipctl_pipeline_success" {
			require.Len(t, f.GetMetric(), 1)
			assert.Zero(t, f.GetMetric()[0].GetGauge().GetValue())
			return
		}
	}
	t.Fatal("success gauge not gathered")
}

func TestNotifier_PostWebhook(t *testing.T) {
	var payload webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewNotifier(t.TempDir(), srv.URL, nil)
	require.NoError(t, n.PostWebhook(context.Background(), sampleReport()))

	assert.Equal(t, "Pipeline app on main succeeded in 1m30s (tag 1.4.0)", payload.Text)
	require.NotNil(t, payload.Report)
	assert.Equal(t, "run-7", payload.Report.RunID)
}

func TestNotifier_PostWebhook_Errors(t *testing.T) {
	t.Run("no url", func(t *testing.T) {
		n := NewNotifier(t.TempDir(), "", nil)
		assert.NoError(t, n.PostWebhook(context.Background(), sampleReport()))
	})

	t.Run("server error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		n := NewNotifier(t.TempDir(), srv.URL, nil)
		err := n.PostWebhook(context.Background(), sampleReport())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "502")
	})
}

func TestNotifier_PublishIsBestEffort(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	dir := t.TempDir()
	n := NewNotifier(dir, srv.URL, nil)

	errs := n.Publish(context.Background(), sampleReport())
	require.Len(t, errs, 1)
	assert.FileExists(t, filepath.Join(dir, SummaryFile))
	assert.FileExists(t, filepath.Join(dir, MetricsFile))
}

func TestWebhookText_Failure(t *testing.T) {
	report := sampleReport()
	report.Tag = ""
	report.Status = model.StatusFailed
	report.Error = `stage "Build": boom`
	assert.Equal(t, `Pipeline app on main failed in 1m30s: stage "Build": boom`, webhookText(report))
}
