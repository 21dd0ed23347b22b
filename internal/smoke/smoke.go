// Package smoke probes a deployed environment over HTTP.
//
// Two levels are offered. Probe is the post-deploy liveness check run by
// "deploy": it only needs a 2xx from the backend API root and the frontend,
// and a failure is reported as a warning by the caller. Suite runs the
// full integration checks against a live environment (API payloads,
// frontend content type, CORS preflight) and is used by "shipctl smoke".
package smoke

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	shiplog "github.com/shinji-kodama/shipctl/internal/log"
)

// Check names, as reported in Result.Name.
const (
	CheckBackendLiveness  = "backend-liveness"
	CheckFrontendLiveness = "frontend-liveness"
	CheckBackendRoot      = "backend-root"
	CheckStatusList       = "status-list"
	CheckStatusCreate     = "status-create"
	CheckFrontendHTML     = "frontend-html"
	CheckCORSPreflight    = "cors-preflight"
)

// smokeClientName is posted to /api/status and must be echoed back.
const smokeClientName = "shipctl-smoke"

// Result is the outcome of a single check.
type Result struct {
	Name     string        `json:"name"`
	URL      string        `json:"url"`
	Passed   bool          `json:"passed"`
	Status   int           `json:"status,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"durationNs"`
}

// Report aggregates check results.
type Report struct {
	Results []Result `json:"results"`
}

// Passed reports whether every check passed.
func (r Report) Passed() bool {
	for _, res := range r.Results {
		if !res.Passed {
			return false
		}
	}
	return true
}

// Failed returns the failing results.
func (r Report) Failed() []Result {
	var out []Result
	for _, res := range r.Results {
		if !res.Passed {
			out = append(out, res)
		}
	}
	return out
}

// Targets are the base URLs of the environment.
type Targets struct {
	BackendURL  string
	FrontendURL string
}

// Prober runs HTTP checks.
type Prober struct {
	client *http.Client
	logger *zap.Logger

	// Origin is sent in the CORS preflight.
	Origin string
}

// NewProber creates a Prober whose connections time out after
// connectTimeout; the whole request is bounded by twice that.
func NewProber(connectTimeout time.Duration, logger *zap.Logger) *Prober {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: connectTimeout}).DialContext
	return &Prober{
		client: &http.Client{Transport: transport, Timeout: 2 * connectTimeout},
		logger: shiplog.OrNop(logger),
		Origin: "http://localhost:3000",
	}
}

// Probe runs the two liveness checks used after a promotion: the backend
// API root and the frontend root must answer 2xx.
func (p *Prober) Probe(ctx context.Context, t Targets) Report {
	return Report{Results: []Result{
		p.check(ctx, CheckBackendLiveness, http.MethodGet, join(t.BackendURL, "/api/"), nil, nil, expectStatus(2)),
		p.check(ctx, CheckFrontendLiveness, http.MethodGet, join(t.FrontendURL, "/"), nil, nil, expectStatus(2)),
	}}
}

// Suite runs the integration checks against a live environment.
func (p *Prober) Suite(ctx context.Context, t Targets) Report {
	body, _ := json.Marshal(map[string]string{"client_name": smokeClientName})
	corsHeaders := map[string]string{
		"Origin":                         p.Origin,
		"Access-Control-Request-Method":  http.MethodGet,
		"Access-Control-Request-Headers": "Content-Type",
	}

	return Report{Results: []Result{
		p.check(ctx, CheckBackendRoot, http.MethodGet, join(t.BackendURL, "/api/"), nil, nil, expectJSONMessage),
		p.check(ctx, CheckStatusList, http.MethodGet, join(t.BackendURL, "/api/status"), nil, nil, expectJSONList),
		p.check(ctx, CheckStatusCreate, http.MethodPost, join(t.BackendURL, "/api/status"), body,
			map[string]string{"Content-Type": "application/json"}, expectEcho(smokeClientName)),
		p.check(ctx, CheckFrontendHTML, http.MethodGet, join(t.FrontendURL, "/"), nil, nil, expectHTML),
		p.check(ctx, CheckCORSPreflight, http.MethodOptions, join(t.BackendURL, "/api/"), nil, corsHeaders, expectPreflight),
	}}
}

// verifier inspects a response; a non-nil error fails the check.
type verifier func(resp *http.Response, body []byte) error

func (p *Prober) check(ctx context.Context, name, method, url string, body []byte,
	headers map[string]string, verify verifier) Result {
	start := time.Now()
	res := Result{Name: name, URL: url}

	status, err := p.do(ctx, method, url, body, headers, verify)
	res.Status = status
	res.Duration = time.Since(start)
	if err != nil {
		res.Error = err.Error()
		p.logger.Debug("probe failed", zap.String("check", name), zap.String("url", url), zap.Error(err))
		return res
	}
	res.Passed = true
	p.logger.Debug("probe passed", zap.String("check", name), zap.Int("status", status))
	return res
}

func (p *Prober) do(ctx context.Context, method, url string, body []byte,
	headers map[string]string, verify verifier) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read body: %w", err)
	}
	return resp.StatusCode, verify(resp, data)
}

// expectStatus accepts any status in the given hundred (2 = 2xx).
func expectStatus(class int) verifier {
	return func(resp *http.Response, _ []byte) error {
		if resp.StatusCode/100 != class {
			return fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		return nil
	}
}

func expectOK(resp *http.Response) error {
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("expected status 200, got %d", resp.StatusCode)
	}
	return nil
}

func expectJSONMessage(resp *http.Response, body []byte) error {
	if err := expectOK(resp); err != nil {
		return err
	}
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return fmt.Errorf("response is not a JSON object: %w", err)
	}
	if _, ok := obj["message"]; !ok {
		return fmt.Errorf(`response has no "message" field`)
	}
	return nil
}

func expectJSONList(resp *http.Response, body []byte) error {
	if err := expectOK(resp); err != nil {
		return err
	}
	var list []any
	if err := json.Unmarshal(body, &list); err != nil {
		return fmt.Errorf("response is not a JSON list: %w", err)
	}
	return nil
}

func expectEcho(clientName string) verifier {
	return func(resp *http.Response, body []byte) error {
		if err := expectOK(resp); err != nil {
			return err
		}
		var obj struct {
			ClientName string `json:"client_name"`
		}
		if err := json.Unmarshal(body, &obj); err != nil {
			return fmt.Errorf("response is not a JSON object: %w", err)
		}
		if obj.ClientName != clientName {
			return fmt.Errorf("client_name = %q, want %q", obj.ClientName, clientName)
		}
		return nil
	}
}

func expectHTML(resp *http.Response, _ []byte) error {
	if err := expectOK(resp); err != nil {
		return err
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/html") {
		return fmt.Errorf("content type %q is not text/html", ct)
	}
	return nil
}

func expectPreflight(resp *http.Response, _ []byte) error {
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("preflight returned %d, want 200 or 204", resp.StatusCode)
	}
	return nil
}

// join appends path to base without doubling slashes.
func join(base, path string) string {
	return strings.TrimRight(base, "/") + path
}
