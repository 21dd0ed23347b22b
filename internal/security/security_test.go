package security

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/shipctl/internal/docker"
	"github.com/shinji-kodama/shipctl/internal/model"
	"github.com/shinji-kodama/shipctl/internal/toolrun"
)

const (
	semgrepFixture = `{"results":[
		{"check_id":"a","extra":{"severity":"ERROR"}},
		{"check_id":"b","extra":{"severity":"WARNING"}},
		{"check_id":"c","extra":{"severity":"WARNING"}}
	],"errors":[]}`

	trivyFixture = `{"SchemaVersion":2,"Results":[
		{"Target":"requirements.txt","Vulnerabilities":[{"Severity":"HIGH"},{"Severity":"LOW"}]},
		{"Target":"package-lock.json","Vulnerabilities":[{"Severity":"MEDIUM"}]},
		{"Target":"go.sum"}
	]}`

	trivyCriticalFixture = `{"Results":[{"Vulnerabilities":[{"Severity":"CRITICAL"}]}]}`

	zapFixture = `{"site":[{"alerts":[
		{"alert":"X-Frame-Options Header Not Set","riskcode":"2"},
		{"alert":"Server Leaks Version","riskcode":"1"},
		{"alert":"Timestamp Disclosure","riskcode":"0"}
	]}]}`
)

// reportRunner records commands and writes a canned report to the path
// following "-o", the way semgrep and trivy do.
type reportRunner struct {
	*toolrun.Recorder
	reports map[string]string
}

func (r *reportRunner) Run(ctx context.Context, cmd toolrun.Command) (toolrun.Output, error) {
	out, err := r.Recorder.Run(ctx, cmd)
	if err != nil {
		return out, err
	}
	for i, a := range cmd.Args {
		if a == "-o" && i+1 < len(cmd.Args) {
			if content, ok := r.reports[cmd.Name]; ok {
				if werr := os.WriteFile(cmd.Args[i+1], []byte(content), 0o644); werr != nil {
					return out, werr
				}
			}
		}
	}
	return out, nil
}

// stubContainers writes the ZAP report into the mounted work dir.
type stubContainers struct {
	report   string
	exitCode int64
	err      error
	spec     docker.ScanSpec
}

func (s *stubContainers) RunScanner(_ context.Context, spec docker.ScanSpec) (docker.ScanResult, error) {
	s.spec = spec
	if s.err != nil {
		return docker.ScanResult{}, s.err
	}
	if s.report != "" {
		if err := os.WriteFile(filepath.Join(spec.WorkDir, ZAPJSONReport), []byte(s.report), 0o644); err != nil {
			return docker.ScanResult{}, err
		}
	}
	return docker.ScanResult{ContainerID: "abc", ExitCode: s.exitCode}, nil
}

func newSuite(reports map[string]string, containers ContainerRunner) (*Suite, *reportRunner) {
	runner := &reportRunner{Recorder: toolrun.NewRecorder(nil), reports: reports}
	s := New(runner, containers, nil)
	s.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }
	return s, runner
}

func TestValidateTarget(t *testing.T) {
	tests := []struct {
		raw   string
		valid bool
	}{
		{"http://dev.app.local", true},
		{"https://hml.app.local:8443/app", true},
		{"dev.app.local", false},
		{"/relative/path", false},
		{"ftp://dev.app.local", false},
		{"http://", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			_, err := ValidateTarget(tt.raw)
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, model.ExitInvalidArgument, model.ExitCodeOf(err))
		})
	}
}

func TestRun_InvalidTargetRunsNothing(t *testing.T) {
	containers := &stubContainers{}
	s, runner := newSuite(nil, containers)
	dir := filepath.Join(t.TempDir(), "reports")

	_, err := s.Run(context.Background(), Options{TargetURL: "not a url", ReportDir: dir})
	require.Error(t, err)
	assert.Equal(t, model.ExitInvalidArgument, model.ExitCodeOf(err))
	assert.Empty(t, runner.Lines())
	assert.Empty(t, containers.spec.Image)
	assert.NoDirExists(t, dir)
}

func TestRun_Summary(t *testing.T) {
	containers := &stubContainers{report: zapFixture, exitCode: 2}
	s, runner := newSuite(map[string]string{"semgrep": semgrepFixture, "trivy": trivyFixture}, containers)
	dir := t.TempDir()

	summary, err := s.Run(context.Background(), Options{
		TargetURL: "http://dev.app.local",
		ReportDir: dir,
		SourceDir: "src",
		RunID:     "run-1",
	})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{
		"semgrep --config p/security-audit --json -o " + filepath.Join(dir, SemgrepReport) + " src",
		"trivy fs --format json -o " + filepath.Join(dir, TrivyFSReport) + " src",
	}, runner.Lines())

	assert.Equal(t, ZAPImage, containers.spec.Image)
	assert.Equal(t, []string{"zap-baseline.py", "-t", "http://dev.app.local", "-J", ZAPJSONReport, "-r", ZAPHTMLReport, "-I"}, containers.spec.Cmd)
	assert.Equal(t, "/zap/wrk", containers.spec.MountPath)
	assert.True(t, containers.spec.HostNetwork)
	assert.Equal(t, "run-1", containers.spec.Labels[docker.LabelRunID])

	require.Len(t, summary.Tools, 3)
	assert.Equal(t, []string{ToolZAP, ToolSemgrep, ToolTrivy},
		[]string{summary.Tools[0].Tool, summary.Tools[1].Tool, summary.Tools[2].Tool})

	zap, _ := summary.Tool(ToolZAP)
	assert.Equal(t, map[string]int{"Medium": 1, "Low": 1, "Informational": 1}, zap.Counts)
	assert.Equal(t, StatusFindings, zap.Status)

	semgrep, _ := summary.Tool(ToolSemgrep)
	assert.Equal(t, map[string]int{"ERROR": 1, "WARNING": 2}, semgrep.Counts)

	trivy, _ := summary.Tool(ToolTrivy)
	assert.Equal(t, map[string]int{"HIGH": 1, "MEDIUM": 1, "LOW": 1}, trivy.Counts)
	assert.Equal(t, 1, summary.Critical())

	data, err := os.ReadFile(filepath.Join(dir, SummaryReport))
	require.NoError(t, err)
	var onDisk Summary
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Equal(t, "baseline", onDisk.ScanType)
	assert.Len(t, onDisk.Tools, 3)
}

// TestRun_ToolsAreSoftFail checks that every tool failing still produces a
// summary and a nil error.
func TestRun_ToolsAreSoftFail(t *testing.T) {
	containers := &stubContainers{err: model.NewCLIError(model.ExitDockerNotRunning, "docker down")}
	s, runner := newSuite(nil, containers)
	runner.Fail("semgrep", "semgrep: command not found")
	runner.Fail("trivy", "db download failed")
	dir := t.TempDir()

	summary, err := s.Run(context.Background(), Options{TargetURL: "https://hml.app.local", ReportDir: dir, FullDAST: true, FailOnCritical: true})
	require.NoError(t, err)

	for _, tool := range summary.Tools {
		assert.Equal(t, StatusFailed, tool.Status, tool.Tool)
		assert.NotEmpty(t, tool.Error, tool.Tool)
	}
	assert.Equal(t, "full", summary.ScanType)
	assert.Equal(t, zapFullScript, containers.spec.Cmd[0])
	assert.FileExists(t, filepath.Join(dir, SummaryReport))
}

func TestRun_NoDocker(t *testing.T) {
	s, _ := newSuite(nil, nil)

	summary, err := s.Run(context.Background(), Options{TargetURL: "http://dev.app.local", ReportDir: t.TempDir()})
	require.NoError(t, err)
	zap, ok := summary.Tool(ToolZAP)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, zap.Status)
	assert.Contains(t, zap.Error, "docker is not available")
}

func TestRun_ZAPError(t *testing.T) {
	s, _ := newSuite(nil, &stubContainers{exitCode: 3})

	summary, err := s.Run(context.Background(), Options{TargetURL: "http://dev.app.local", ReportDir: t.TempDir()})
	require.NoError(t, err)
	zap, _ := summary.Tool(ToolZAP)
	assert.Equal(t, StatusFailed, zap.Status)
	assert.Contains(t, zap.Error, "status 3")
}

func TestRun_CriticalGate(t *testing.T) {
	tests := []struct {
		name    string
		reports map[string]string
		fail    bool
	}{
		{"semgrep error", map[string]string{"semgrep": semgrepFixture}, true},
		{"trivy critical", map[string]string{"trivy": trivyCriticalFixture}, true},
		{"high only", map[string]string{"trivy": trivyFixture}, false},
		{"no reports", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newSuite(tt.reports, &stubContainers{})

			summary, err := s.Run(context.Background(), Options{TargetURL: "http://dev.app.local", ReportDir: t.TempDir(), FailOnCritical: true})
			require.NotNil(t, summary)
			if tt.fail {
				require.Error(t, err)
				assert.Equal(t, model.ExitToolFailed, model.ExitCodeOf(err))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestRun_IgnoresReportsFromEarlierRuns(t *testing.T) {
	dir := t.TempDir()
	for name, content := range map[string]string{
		SemgrepReport: semgrepFixture,
		TrivyFSReport: trivyCriticalFixture,
		ZAPJSONReport: zapFixture,
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}

	// semgrep fails, trivy and zap succeed without writing a report.
	s, runner := newSuite(nil, &stubContainers{})
	runner.Fail("semgrep", "semgrep: rules download failed")

	summary, err := s.Run(context.Background(), Options{TargetURL: "http://dev.app.local", ReportDir: dir, FailOnCritical: true})
	require.NoError(t, err)
	assert.Zero(t, summary.Critical())

	semgrep, _ := summary.Tool(ToolSemgrep)
	assert.Equal(t, StatusFailed, semgrep.Status)
	assert.Empty(t, semgrep.Counts)

	for _, tool := range []string{ToolTrivy, ToolZAP} {
		res, _ := summary.Tool(tool)
		assert.Equal(t, StatusClean, res.Status, tool)
	}
	assert.NoFileExists(t, filepath.Join(dir, SemgrepReport))
	assert.NoFileExists(t, filepath.Join(dir, TrivyFSReport))
	assert.NoFileExists(t, filepath.Join(dir, ZAPJSONReport))
}

func TestRun_FailedToolCountsAreIgnored(t *testing.T) {
	// zap exits 3 after writing a partial report.
	s, _ := newSuite(nil, &stubContainers{report: zapFixture, exitCode: 3})

	summary, err := s.Run(context.Background(), Options{TargetURL: "http://dev.app.local", ReportDir: t.TempDir()})
	require.NoError(t, err)
	zap, _ := summary.Tool(ToolZAP)
	assert.Equal(t, StatusFailed, zap.Status)
	assert.Empty(t, zap.Counts)
}

func TestParseReport(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
		return p
	}

	counts, err := ParseReport(ToolSemgrep, write("s.json", `{"results":[{"extra":{"severity":"error"}},{"extra":{}}]}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"ERROR": 1, "UNKNOWN": 1}, counts)

	counts, err = ParseReport(ToolZAP, write("z.json", `{"site":[{"alerts":[{"riskcode":"3"},{"riskcode":"9"}]}]}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"High": 1, "Informational": 1}, counts)

	_, err = ParseReport(ToolTrivy, write("broken.json", `{"Results":`))
	assert.Error(t, err)

	_, err = ParseReport(ToolTrivy, filepath.Join(dir, "missing.json"))
	assert.Error(t, err)

	_, err = ParseReport("nikto", write("n.json", `{}`))
	assert.Error(t, err)
}
