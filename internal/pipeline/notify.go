package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	shiplog "github.com/shinji-kodama/shipctl/internal/log"
	"github.com/shinji-kodama/shipctl/internal/model"
)

// Files written next to the scan reports after every run.
const (
	SummaryFile = "pipeline-summary.json"
	MetricsFile = "pipeline.prom"
)

// Notifier publishes a finished Report. Every channel is best effort: a
// failure is logged and never changes the outcome of the run.
type Notifier struct {
	dir        string
	webhookURL string
	client     *http.Client
	logger     *zap.Logger
}

// NewNotifier writes into dir and, when webhookURL is set, posts the
// report there.
func NewNotifier(dir, webhookURL string, logger *zap.Logger) *Notifier {
	return &Notifier{
		dir:        dir,
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     shiplog.OrNop(logger),
	}
}

// Publish writes the summary and metrics files and calls the webhook.
// It returns the errors it logged, for callers that want them.
func (n *Notifier) Publish(ctx context.Context, report *Report) []error {
	var errs []error
	if err := n.WriteSummary(report); err != nil {
		errs = append(errs, err)
	}
	if err := n.WriteMetrics(report); err != nil {
		errs = append(errs, err)
	}
	if err := n.PostWebhook(ctx, report); err != nil {
		errs = append(errs, err)
	}
	for _, err := range errs {
		n.logger.Warn("notification failed", zap.Error(err))
	}
	return errs
}

// WriteSummary writes the report as indented JSON.
func (n *Notifier) WriteSummary(report *Report) error {
	if err := os.MkdirAll(n.dir, 0o755); err != nil {
		return errors.Wrapf(err, "unable to create %s", n.dir)
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return errors.Wrap(err, "unable to encode pipeline summary")
	}
	path := filepath.Join(n.dir, SummaryFile)
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return errors.Wrapf(err, "unable to write %s", path)
	}
	return nil
}

// WriteMetrics writes the run as a Prometheus textfile for the node
// exporter textfile collector.
func (n *Notifier) WriteMetrics(report *Report) error {
	if err := os.MkdirAll(n.dir, 0o755); err != nil {
		return errors.Wrapf(err, "unable to create %s", n.dir)
	}
	reg := NewMetricsRegistry(report)
	path := filepath.Join(n.dir, MetricsFile)
	if err := prometheus.WriteToTextfile(path, reg); err != nil {
		return errors.Wrapf(err, "unable to write %s", path)
	}
	return nil
}

// NewMetricsRegistry returns a registry holding the gauges of report.
func NewMetricsRegistry(report *Report) *prometheus.Registry {
	reg := prometheus.NewRegistry()

	labels := prometheus.Labels{"pipeline": report.Pipeline, "branch": report.Branch}
	success := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   "shipctl",
		Subsystem:   "pipeline",
		Name:        "success",
		Help:        "1 if the last pipeline run succeeded, 0 otherwise.",
		ConstLabels: labels,
	})
	duration := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   "shipctl",
		Subsystem:   "pipeline",
		Name:        "duration_seconds",
		Help:        "Duration of the last pipeline run.",
		ConstLabels: labels,
	})
	lastRun := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   "shipctl",
		Subsystem:   "pipeline",
		Name:        "last_run_timestamp_seconds",
		Help:        "Start time of the last pipeline run.",
		ConstLabels: labels,
	})
	stages := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   "shipctl",
		Subsystem:   "pipeline",
		Name:        "stage_duration_seconds",
		Help:        "Duration of each stage of the last pipeline run.",
		ConstLabels: labels,
	}, []string{"stage", "status"})
	reg.MustRegister(success, duration, lastRun, stages)

	if report.Status == model.StatusSucceeded {
		success.Set(1)
	}
	duration.Set(report.Duration.Seconds())
	lastRun.Set(float64(report.Started.Unix()))
	for _, s := range report.Stages {
		stages.WithLabelValues(s.Name, s.Status.String()).Set(s.Duration.Seconds())
	}
	return reg
}

// PostWebhook sends the report as JSON to the webhook URL. Without a URL
// it does nothing.
func (n *Notifier) PostWebhook(ctx context.Context, report *Report) error {
	if n.webhookURL == "" {
		return nil
	}
	body, err := json.Marshal(webhookPayload{
		Text:   webhookText(report),
		Report: report,
	})
	if err != nil {
		return errors.Wrap(err, "unable to encode webhook payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "unable to build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "webhook request failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	n.logger.Debug("webhook delivered", zap.Int("status", resp.StatusCode))
	return nil
}

type webhookPayload struct {
	Text   string  `json:"text"`
	Report *Report `json:"report"`
}

func webhookText(report *Report) string {
	text := fmt.Sprintf("Pipeline %s on %s %s in %s", report.Pipeline, report.Branch, report.Status, report.Duration.Round(time.Second))
	if report.Tag != "" {
		text += " (tag " + report.Tag + ")"
	}
	if report.Error != "" {
		text += ": " + report.Error
	}
	return text
}
