// Package lint checks the repository layout the pipeline depends on:
// Kubernetes base manifests, ArgoCD applications, Dockerfiles and the
// pipeline definition.
//
// Every check appends findings instead of stopping at the first problem,
// so a single run reports everything that needs fixing. Findings are
// either errors, which fail the lint, or warnings.
package lint

import (
	"fmt"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/shinji-kodama/shipctl/internal/config"
	shiplog "github.com/shinji-kodama/shipctl/internal/log"
	"github.com/shinji-kodama/shipctl/internal/model"
)

// Severity of a finding.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Finding is one problem in one file.
type Finding struct {
	// File is relative to the repository root.
	File string `json:"file"`

	// Field locates the problem inside the file ("spec.template",
	// "USER", "stages"). Empty when the whole file is concerned.
	Field string `json:"field,omitempty"`

	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

func (f Finding) String() string {
	if f.Field == "" {
		return fmt.Sprintf("%s: %s", f.File, f.Message)
	}
	return fmt.Sprintf("%s: %s: %s", f.File, f.Field, f.Message)
}

// Report is the outcome of a lint run.
type Report struct {
	Root     string    `json:"root"`
	Checked  []string  `json:"checked"`
	Findings []Finding `json:"findings"`
}

// Errors returns the error findings.
func (r *Report) Errors() []Finding {
	return r.filter(SeverityError)
}

// Warnings returns the warning findings.
func (r *Report) Warnings() []Finding {
	return r.filter(SeverityWarning)
}

func (r *Report) filter(s Severity) []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if f.Severity == s {
			out = append(out, f)
		}
	}
	return out
}

// Err returns an ExitLintFailed error when the report has errors.
func (r *Report) Err() error {
	n := len(r.Errors())
	if n == 0 {
		return nil
	}
	return model.NewCLIError(model.ExitLintFailed, fmt.Sprintf("lint failed with %d error(s)", n))
}

// Layout of the files checked, relative to the repository root.
const (
	ManifestDir     = "k8s/base"
	ApplicationsDir = "argocd/applications"
	ProjectFile     = "argocd/projects/app-project.yaml"
)

// Linter runs the checks against one repository.
type Linter struct {
	root    string
	project *config.Project
	logger  *zap.Logger

	report *Report
}

// New creates a Linter for the repository at root.
func New(root string, project *config.Project, logger *zap.Logger) *Linter {
	return &Linter{root: root, project: project, logger: shiplog.OrNop(logger)}
}

// Run executes every check and returns the report. Findings are sorted
// by file then field.
func (l *Linter) Run() *Report {
	l.report = &Report{Root: l.root}

	l.checkManifests()
	l.checkArgoCD()
	l.checkDockerfiles()
	l.checkPipeline()

	sort.SliceStable(l.report.Findings, func(i, j int) bool {
		a, b := l.report.Findings[i], l.report.Findings[j]
		if a.File != b.File {
			return a.File < b.File
		}
		return a.Field < b.Field
	})
	l.logger.Debug("lint finished",
		zap.Int("files", len(l.report.Checked)),
		zap.Int("errors", len(l.report.Errors())),
		zap.Int("warnings", len(l.report.Warnings())))
	return l.report
}

func (l *Linter) path(rel string) string {
	return filepath.Join(l.root, filepath.FromSlash(rel))
}

func (l *Linter) checked(rel string) {
	l.report.Checked = append(l.report.Checked, rel)
}

func (l *Linter) errorf(file, field, format string, args ...any) {
	l.report.Findings = append(l.report.Findings, Finding{
		File: file, Field: field, Message: fmt.Sprintf(format, args...), Severity: SeverityError,
	})
}

func (l *Linter) warnf(file, field, format string, args ...any) {
	l.report.Findings = append(l.report.Findings, Finding{
		File: file, Field: field, Message: fmt.Sprintf(format, args...), Severity: SeverityWarning,
	})
}
