// Package security runs the security test suite against a deployed
// environment and the source tree:
//
//   - OWASP ZAP (baseline, or full scan with FULL_DAST) in a Docker container
//   - Semgrep with the p/security-audit ruleset
//   - Trivy filesystem scan
//
// Every tool is soft-fail: a tool that cannot run is recorded in the
// summary and logged, never returned as an error. After the tools finish
// their JSON reports are parsed into security-summary.json. Only the
// optional critical gate (FailOnCritical) turns findings into a failure.
package security

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shinji-kodama/shipctl/internal/docker"
	shiplog "github.com/shinji-kodama/shipctl/internal/log"
	"github.com/shinji-kodama/shipctl/internal/model"
	"github.com/shinji-kodama/shipctl/internal/toolrun"
)

// Tool names.
const (
	ToolZAP     = "zap"
	ToolSemgrep = "semgrep"
	ToolTrivy   = "trivy"
)

// Report file names, relative to the report directory.
const (
	ZAPJSONReport     = "zap-report.json"
	ZAPHTMLReport     = "zap-report.html"
	SemgrepReport     = "semgrep-report.json"
	TrivyFSReport     = "trivy-fs-report.json"
	SummaryReport     = "security-summary.json"
	SemgrepRuleset    = "p/security-audit"
	ZAPImage          = "ghcr.io/zaproxy/zaproxy:stable"
	zapWorkDir        = "/zap/wrk"
	zapBaselineScript = "zap-baseline.py"
	zapFullScript     = "zap-full-scan.py"
)

// Tool outcomes.
const (
	StatusClean    = "clean"
	StatusFindings = "findings"
	StatusFailed   = "failed"
)

// ContainerRunner runs one-shot scanner containers. *docker.Client
// satisfies it.
type ContainerRunner interface {
	RunScanner(ctx context.Context, spec docker.ScanSpec) (docker.ScanResult, error)
}

// Options configure a run.
type Options struct {
	// TargetURL is the deployed application scanned by ZAP.
	TargetURL string

	// ReportDir receives every report and the summary.
	ReportDir string

	// SourceDir is scanned by Semgrep and Trivy. Empty means ".".
	SourceDir string

	// FullDAST runs the ZAP full (active) scan instead of the baseline.
	FullDAST bool

	// FailOnCritical fails the run on Semgrep ERROR findings or Trivy
	// CRITICAL vulnerabilities.
	FailOnCritical bool

	// RunID labels the ZAP container for cleanup.
	RunID string
}

// ToolResult is one tool's outcome.
type ToolResult struct {
	Tool     string         `json:"tool"`
	Status   string         `json:"status"`
	Report   string         `json:"report,omitempty"`
	Counts   map[string]int `json:"counts"`
	Error    string         `json:"error,omitempty"`
	Duration time.Duration  `json:"durationNs"`
}

// Total returns the number of findings of every severity.
func (r ToolResult) Total() int {
	n := 0
	for _, c := range r.Counts {
		n += c
	}
	return n
}

// Summary is the content of security-summary.json.
type Summary struct {
	Target      string       `json:"target"`
	ScanType    string       `json:"scanType"`
	GeneratedAt time.Time    `json:"generatedAt"`
	Tools       []ToolResult `json:"tools"`
}

// Tool returns the result for name.
func (s Summary) Tool(name string) (ToolResult, bool) {
	for _, t := range s.Tools {
		if t.Tool == name {
			return t, true
		}
	}
	return ToolResult{}, false
}

// Critical counts the findings the critical gate fails on.
func (s Summary) Critical() int {
	n := 0
	if t, ok := s.Tool(ToolSemgrep); ok {
		n += t.Counts["ERROR"]
	}
	if t, ok := s.Tool(ToolTrivy); ok {
		n += t.Counts["CRITICAL"]
	}
	return n
}

// Suite runs the security tools.
type Suite struct {
	runner     toolrun.Runner
	containers ContainerRunner
	logger     *zap.Logger
	now        func() time.Time
}

// New creates a Suite. containers may be nil when Docker is unavailable;
// the ZAP scan is then recorded as failed.
func New(runner toolrun.Runner, containers ContainerRunner, logger *zap.Logger) *Suite {
	return &Suite{runner: runner, containers: containers, logger: shiplog.OrNop(logger), now: time.Now}
}

// ValidateTarget checks that raw is an absolute http(s) URL.
func ValidateTarget(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, model.NewCLIError(model.ExitInvalidArgument,
			fmt.Sprintf("invalid target URL %q: must be an absolute http(s) URL", raw))
	}
	return u, nil
}

// Run executes the suite:
//  1. validate the target URL (no tool runs on bad input)
//  2. create the report directory
//  3. run ZAP, Semgrep and Trivy concurrently, each soft-fail
//  4. parse the reports and write security-summary.json
//  5. apply the critical gate when enabled
func (s *Suite) Run(ctx context.Context, opts Options) (*Summary, error) {
	// Step 1.
	if _, err := ValidateTarget(opts.TargetURL); err != nil {
		return nil, err
	}
	if opts.ReportDir == "" {
		return nil, model.NewCLIError(model.ExitInvalidArgument, "report directory must not be empty")
	}

	// Step 2.
	reportDir, err := filepath.Abs(opts.ReportDir)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitInvalidArgument, "invalid report directory", err)
	}
	if err := os.MkdirAll(reportDir, 0o755); err != nil {
		return nil, model.WrapCLIError(model.ExitGeneralError, "failed to create report directory", err)
	}
	sourceDir := opts.SourceDir
	if sourceDir == "" {
		sourceDir = "."
	}

	summary := &Summary{Target: opts.TargetURL, ScanType: scanType(opts.FullDAST), GeneratedAt: s.now().UTC()}

	// Step 3. Each tool records its own result; the group only joins them.
	tools := []struct {
		name string
		run  func(context.Context) (string, error)
	}{
		{ToolZAP, func(ctx context.Context) (string, error) { return s.runZAP(ctx, opts, reportDir) }},
		{ToolSemgrep, func(ctx context.Context) (string, error) { return s.runSemgrep(ctx, reportDir, sourceDir) }},
		{ToolTrivy, func(ctx context.Context) (string, error) { return s.runTrivy(ctx, reportDir, sourceDir) }},
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, tool := range tools {
		g.Go(func() error {
			start := time.Now()
			report, runErr := tool.run(gctx)
			res := s.collect(tool.name, report, runErr)
			res.Duration = time.Since(start)

			mu.Lock()
			summary.Tools = append(summary.Tools, res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(summary.Tools, func(i, j int) bool {
		return toolOrder(summary.Tools[i].Tool) < toolOrder(summary.Tools[j].Tool)
	})

	// Step 4.
	if err := writeSummary(filepath.Join(reportDir, SummaryReport), summary); err != nil {
		return summary, err
	}

	// Step 5.
	if opts.FailOnCritical {
		if n := summary.Critical(); n > 0 {
			return summary, model.NewCLIError(model.ExitToolFailed,
				fmt.Sprintf("%d critical security finding(s); see %s", n, filepath.Join(reportDir, SummaryReport)))
		}
	}
	return summary, nil
}

// collect turns a tool run into a ToolResult, parsing its report when the
// tool produced one.
func (s *Suite) collect(tool, report string, runErr error) ToolResult {
	res := ToolResult{Tool: tool, Report: report, Counts: map[string]int{}}
	if runErr != nil {
		s.logger.Warn("security tool failed, continuing", zap.String("tool", tool), zap.Error(runErr))
		res.Error = runErr.Error()
	}

	// Counts come only from runs that succeeded.
	if report != "" && runErr == nil {
		counts, err := ParseReport(tool, report)
		if err == nil {
			res.Counts = counts
		} else {
			s.logger.Warn("failed to parse report", zap.String("tool", tool), zap.Error(err))
			res.Error = err.Error()
		}
	}

	switch {
	case res.Total() > 0:
		res.Status = StatusFindings
	case res.Error != "":
		res.Status = StatusFailed
	default:
		res.Status = StatusClean
	}
	return res
}

func (s *Suite) runZAP(ctx context.Context, opts Options, reportDir string) (string, error) {
	if s.containers == nil {
		return "", errors.New("docker is not available")
	}
	if err := removeStale(filepath.Join(reportDir, ZAPJSONReport), filepath.Join(reportDir, ZAPHTMLReport)); err != nil {
		return "", err
	}
	script := zapBaselineScript
	if opts.FullDAST {
		script = zapFullScript
	}

	res, err := s.containers.RunScanner(ctx, docker.ScanSpec{
		Image:       ZAPImage,
		Cmd:         []string{script, "-t", opts.TargetURL, "-J", ZAPJSONReport, "-r", ZAPHTMLReport, "-I"},
		WorkDir:     reportDir,
		MountPath:   zapWorkDir,
		HostNetwork: true,
		Labels:      docker.BuildLabels(ToolZAP, opts.TargetURL, opts.RunID, s.now()),
	})
	if err != nil {
		return "", errors.Wrap(err, "zap scan")
	}
	report := filepath.Join(reportDir, ZAPJSONReport)
	// zap scripts exit 1 (FAIL) or 2 (WARN) on findings; anything above is
	// a scan error.
	if res.ExitCode > 2 {
		return reportIfExists(report), errors.Errorf("zap scan exited with status %d", res.ExitCode)
	}
	return reportIfExists(report), nil
}

func (s *Suite) runSemgrep(ctx context.Context, reportDir, sourceDir string) (string, error) {
	report := filepath.Join(reportDir, SemgrepReport)
	if err := removeStale(report); err != nil {
		return "", err
	}
	_, err := s.runner.Run(ctx, toolrun.Command{
		Name: "semgrep",
		Args: []string{"--config", SemgrepRuleset, "--json", "-o", report, sourceDir},
	})
	if err != nil {
		return reportIfExists(report), errors.Wrap(err, "semgrep")
	}
	return reportIfExists(report), nil
}

func (s *Suite) runTrivy(ctx context.Context, reportDir, sourceDir string) (string, error) {
	report := filepath.Join(reportDir, TrivyFSReport)
	if err := removeStale(report); err != nil {
		return "", err
	}
	_, err := s.runner.Run(ctx, toolrun.Command{
		Name: "trivy",
		Args: []string{"fs", "--format", "json", "-o", report, sourceDir},
	})
	if err != nil {
		return reportIfExists(report), errors.Wrap(err, "trivy")
	}
	return reportIfExists(report), nil
}

func writeSummary(path string, summary *Summary) error {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode security summary")
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "failed to write security summary", err)
	}
	return nil
}

// removeStale deletes reports left by an earlier run so a tool that fails
// before writing cannot be credited with them.
func removeStale(paths ...string) error {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, "failed to remove previous report")
		}
	}
	return nil
}

func reportIfExists(path string) string {
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

func scanType(full bool) string {
	if full {
		return "full"
	}
	return "baseline"
}

func toolOrder(name string) int {
	switch name {
	case ToolZAP:
		return 0
	case ToolSemgrep:
		return 1
	default:
		return 2
	}
}
