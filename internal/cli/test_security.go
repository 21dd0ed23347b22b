// Package cli: test_security.go implements the "shipctl test-security"
// command.
//
// The command runs the OWASP ZAP scan against a deployed URL together with
// the Semgrep and Trivy filesystem scans, then writes a summary of the
// findings. Each tool is soft-fail; only --fail-on-critical turns findings
// into a failing exit code.
package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/logrusorgru/aurora/v4"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shinji-kodama/shipctl/internal/security"
)

// testSecurityFlags holds the flag values for the test-security command.
type testSecurityFlags struct {
	// sourceDir is scanned by Semgrep and Trivy.
	sourceDir string

	// full runs the active ZAP scan; FULL_DAST=true does the same.
	full bool

	// failOnCritical exits 9 on Semgrep ERROR or Trivy CRITICAL findings.
	failOnCritical bool
}

// NewTestSecurityCommand creates the "test-security" cobra command.
func NewTestSecurityCommand() *cobra.Command {
	flags := &testSecurityFlags{}

	cmd := &cobra.Command{
		Use:   "test-security <url> [report_dir]",
		Short: "Run the DAST, SAST and dependency scans",
		Long: `Scan <url> with OWASP ZAP and the source tree with Semgrep and Trivy.

Reports are written to [report_dir] (default REPORT_DIR, then ./reports):
zap-report.json, zap-report.html, semgrep-report.json,
trivy-fs-report.json and security-summary.json.

Examples:
  shipctl test-security http://dev.app.local
  FULL_DAST=true shipctl test-security http://dev.app.local reports/dev
  shipctl test-security http://localhost:8001 --fail-on-critical`,
		Args: rangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			reportDir := ""
			if len(args) > 1 {
				reportDir = args[1]
			}
			return runTestSecurity(cmd.Context(), cmd.OutOrStdout(), args[0], reportDir, flags)
		},
	}

	cmd.Flags().StringVar(&flags.sourceDir, "source", ".", "Source tree scanned by Semgrep and Trivy")
	cmd.Flags().BoolVar(&flags.full, "full", false, "Run the ZAP full scan instead of the baseline")
	cmd.Flags().BoolVar(&flags.failOnCritical, "fail-on-critical", false,
		"Fail on Semgrep ERROR findings or Trivy CRITICAL vulnerabilities")

	return cmd
}

// runTestSecurity is the main logic function for the test-security command.
func runTestSecurity(ctx context.Context, w io.Writer, target, reportDir string, flags *testSecurityFlags) error {
	// Step 1: reject a bad target before starting anything.
	if _, err := security.ValidateTarget(target); err != nil {
		return err
	}
	if reportDir == "" {
		reportDir = current.settings.ReportDir
	}

	// Step 2: Docker is optional; without it the ZAP scan is skipped.
	var containers security.ContainerRunner
	dc, err := newDockerClient(ctx)
	if err != nil {
		current.logger.Warn("docker is not available, skipping the ZAP scan", zap.Error(err))
	} else {
		defer func() { _ = dc.Close() }()
		containers = dc
	}

	// Step 3: scan.
	suite := security.New(newRunner(nil, false), containers, current.logger)
	summary, err := suite.Run(ctx, security.Options{
		TargetURL:      target,
		ReportDir:      reportDir,
		SourceDir:      flags.sourceDir,
		FullDAST:       flags.full || current.settings.FullDAST,
		FailOnCritical: flags.failOnCritical,
		RunID:          uuid.New().String(),
	})
	if summary != nil {
		printSecuritySummary(w, summary, reportDir)
	}
	return err
}

// printSecuritySummary outputs the scan summary in text or JSON format.
func printSecuritySummary(w io.Writer, summary *security.Summary, reportDir string) {
	if IsJSONOutput() {
		printJSON(w, summary)
		return
	}

	fmt.Fprintf(w, "Security scan of %s (%s)\n", aurora.Bold(summary.Target), summary.ScanType)
	t := newTable(w)
	t.AddHeader("TOOL", "STATUS", "FINDINGS", "COUNTS", "DURATION")
	for _, tool := range summary.Tools {
		t.AddLine(tool.Tool, colorToolStatus(tool.Status), tool.Total(), formatCounts(tool.Counts), formatDuration(tool.Duration))
	}
	t.Print()
	fmt.Fprintf(w, "Reports written to %s\n", reportDir)
}

func colorToolStatus(status string) aurora.Value {
	switch status {
	case security.StatusClean:
		return aurora.Green(status)
	case security.StatusFindings:
		return aurora.Yellow(status)
	default:
		return aurora.Red(status)
	}
}

// formatCounts renders severity counts as "HIGH=1 LOW=2", sorted.
func formatCounts(counts map[string]int) string {
	if len(counts) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, counts[k])
	}
	return strings.Join(parts, " ")
}
