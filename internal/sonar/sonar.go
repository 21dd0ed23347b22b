// Package sonar reads the SonarQube quality gate of a project.
//
// The gate is queried once; waiting for a pending analysis is the analysis
// step's job (sonar-scanner -Dsonar.qualitygate.wait=true), not ours.
package sonar

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	shiplog "github.com/shinji-kodama/shipctl/internal/log"
	"github.com/shinji-kodama/shipctl/internal/model"
)

// Gate statuses returned by the API.
const (
	StatusOK    = "OK"
	StatusWarn  = "WARN"
	StatusError = "ERROR"
	StatusNone  = "NONE"

	// StatusSkipped is reported when no SonarQube server is configured.
	StatusSkipped = "SKIPPED"
)

// DefaultTimeout bounds the API request.
const DefaultTimeout = 30 * time.Second

// Condition is one failing or passing gate condition.
type Condition struct {
	Status         string `json:"status"`
	MetricKey      string `json:"metricKey"`
	Comparator     string `json:"comparator,omitempty"`
	ErrorThreshold string `json:"errorThreshold,omitempty"`
	ActualValue    string `json:"actualValue,omitempty"`
}

// GateResult is the quality gate of one project.
type GateResult struct {
	ProjectKey string      `json:"projectKey"`
	Status     string      `json:"status"`
	Conditions []Condition `json:"conditions,omitempty"`
}

// Failed lists the conditions in ERROR.
func (g GateResult) Failed() []Condition {
	var out []Condition
	for _, c := range g.Conditions {
		if c.Status == StatusError {
			out = append(out, c)
		}
	}
	return out
}

type projectStatusResponse struct {
	ProjectStatus struct {
		Status     string      `json:"status"`
		Conditions []Condition `json:"conditions"`
	} `json:"projectStatus"`
}

// Client queries one SonarQube server.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a Client. An empty baseURL makes every check a
// skipped no-op.
func NewClient(baseURL, token string, logger *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: DefaultTimeout},
		logger:  shiplog.OrNop(logger),
	}
}

// Configured reports whether a server URL is set.
func (c *Client) Configured() bool {
	return c.baseURL != ""
}

// QualityGate fetches the gate status of projectKey. A red gate is
// returned as ExitQualityGateFailed alongside the result.
func (c *Client) QualityGate(ctx context.Context, projectKey string) (*GateResult, error) {
	if !c.Configured() {
		c.logger.Warn("SONAR_HOST_URL not set, skipping quality gate")
		return &GateResult{ProjectKey: projectKey, Status: StatusSkipped}, nil
	}
	if projectKey == "" {
		return nil, model.NewCLIError(model.ExitInvalidArgument, "sonar project key must not be empty")
	}

	endpoint := c.baseURL + "/api/qualitygates/project_status?projectKey=" + url.QueryEscape(projectKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitInvalidArgument, "invalid SONAR_HOST_URL", err)
	}
	// SonarQube user tokens authenticate as the basic-auth login with an
	// empty password.
	if c.token != "" {
		req.SetBasicAuth(c.token, "")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitToolFailed, "failed to query SonarQube", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, model.WrapCLIError(model.ExitToolFailed, "failed to read SonarQube response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, model.NewCLIError(model.ExitToolFailed,
			fmt.Sprintf("SonarQube returned HTTP %d for project %s", resp.StatusCode, projectKey))
	}

	var parsed projectStatusResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, model.WrapCLIError(model.ExitToolFailed, "failed to decode SonarQube response", err)
	}

	result := &GateResult{
		ProjectKey: projectKey,
		Status:     parsed.ProjectStatus.Status,
		Conditions: parsed.ProjectStatus.Conditions,
	}
	c.logger.Info("quality gate", zap.String("project", projectKey), zap.String("status", result.Status))

	if result.Status == StatusError {
		return result, model.NewCLIError(model.ExitQualityGateFailed,
			fmt.Sprintf("quality gate failed for %s (%d condition(s) in error)", projectKey, len(result.Failed())))
	}
	return result, nil
}
