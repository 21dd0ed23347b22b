// Package cli: lint.go implements the "shipctl lint" command.
//
// The lint command checks the Kubernetes base manifests, the ArgoCD
// applications, the Dockerfiles and the pipeline definition, and fails
// when any error finding is reported. Warnings are printed only.
package cli

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/logrusorgru/aurora/v4"
	"github.com/spf13/cobra"

	"github.com/shinji-kodama/shipctl/internal/lint"
)

// lintFlags holds the flag values for the lint command.
type lintFlags struct {
	// root is the repository checked; empty is the working directory.
	root string
}

// NewLintCommand creates the "lint" cobra command.
func NewLintCommand() *cobra.Command {
	flags := &lintFlags{}

	cmd := &cobra.Command{
		Use:   "lint",
		Short: "Check manifests, Dockerfiles and the pipeline",
		Long: `Check the repository files the delivery pipeline depends on:

  k8s/base                  Deployments run as non-root with resource limits
  argocd/                   Applications and the AppProject are complete
  Dockerfile.*              the final stage drops root and has a HEALTHCHECK
  pipeline.yaml             the required stages and security tools are present

Examples:
  shipctl lint
  shipctl lint --root ../app --json`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLint(cmd.OutOrStdout(), flags)
		},
	}

	cmd.Flags().StringVar(&flags.root, "root", "", "Repository to check (default the working directory)")

	return cmd
}

// runLint is the main logic function for the lint command.
func runLint(w io.Writer, flags *lintFlags) error {
	root := flags.root
	if root == "" {
		dir, err := workDir()
		if err != nil {
			return err
		}
		root = dir
	}
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}

	report := lint.New(root, current.project, current.logger).Run()
	printLintReport(w, report)
	return report.Err()
}

// printLintReport outputs the findings in text or JSON format.
func printLintReport(w io.Writer, report *lint.Report) {
	if IsJSONOutput() {
		printJSON(w, report)
		return
	}

	if len(report.Findings) > 0 {
		t := newTable(w)
		t.AddHeader("SEVERITY", "FILE", "FIELD", "MESSAGE")
		for _, f := range report.Findings {
			severity := aurora.Yellow(string(f.Severity))
			if f.Severity == lint.SeverityError {
				severity = aurora.Red(string(f.Severity))
			}
			t.AddLine(severity, f.File, f.Field, f.Message)
		}
		t.Print()
	}
	fmt.Fprintf(w, "Checked %d file(s): %d error(s), %d warning(s)\n",
		len(report.Checked), len(report.Errors()), len(report.Warnings()))
}
