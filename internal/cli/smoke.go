// Package cli: smoke.go implements the "shipctl smoke" command.
//
// The smoke command runs the HTTP integration checks against a deployed
// environment: API root, status list and create, frontend HTML and the
// CORS preflight. Any failing check fails the command.
package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/logrusorgru/aurora/v4"
	"github.com/spf13/cobra"

	"github.com/shinji-kodama/shipctl/internal/model"
	"github.com/shinji-kodama/shipctl/internal/smoke"
)

// smokeFlags holds the flag values for the smoke command.
type smokeFlags struct {
	// livenessOnly runs only the two post-deploy probes.
	livenessOnly bool

	// backendURL and frontendURL override the project URLs.
	backendURL  string
	frontendURL string
}

// NewSmokeCommand creates the "smoke" cobra command.
func NewSmokeCommand() *cobra.Command {
	flags := &smokeFlags{}

	cmd := &cobra.Command{
		Use:   "smoke <dev|hml>",
		Short: "Run the HTTP smoke suite against an environment",
		Long: `Run the HTTP smoke suite against the dev or hml environment.

Examples:
  shipctl smoke dev
  shipctl smoke hml --liveness-only
  shipctl smoke dev --backend-url http://localhost:8001`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSmoke(cmd.Context(), cmd.OutOrStdout(), args[0], flags)
		},
	}

	cmd.Flags().BoolVar(&flags.livenessOnly, "liveness-only", false, "Only probe the backend and frontend roots")
	cmd.Flags().StringVar(&flags.backendURL, "backend-url", "", "Backend base URL (default from the project file)")
	cmd.Flags().StringVar(&flags.frontendURL, "frontend-url", "", "Frontend base URL (default from the project file)")

	return cmd
}

// runSmoke is the main logic function for the smoke command.
func runSmoke(ctx context.Context, w io.Writer, envArg string, flags *smokeFlags) error {
	env, err := model.ParseEnvironment(envArg)
	if err != nil {
		return model.WrapCLIError(model.ExitInvalidArgument, "invalid environment", err)
	}

	spec := current.project.Environment(env)
	targets := smoke.Targets{BackendURL: spec.BackendURL, FrontendURL: spec.FrontendURL}
	if flags.backendURL != "" {
		targets.BackendURL = flags.backendURL
	}
	if flags.frontendURL != "" {
		targets.FrontendURL = flags.frontendURL
	}

	prober := smoke.NewProber(current.project.ProbeTimeout(), current.logger)
	var report smoke.Report
	if flags.livenessOnly {
		report = prober.Probe(ctx, targets)
	} else {
		report = prober.Suite(ctx, targets)
	}

	if IsJSONOutput() {
		printJSON(w, report)
	} else {
		printSmokeTable(w, report)
	}

	if failed := report.Failed(); len(failed) > 0 {
		return model.NewCLIError(model.ExitToolFailed,
			fmt.Sprintf("%d of %d smoke check(s) failed", len(failed), len(report.Results)))
	}
	return nil
}

// printSmokeTable prints one line per check.
func printSmokeTable(w io.Writer, report smoke.Report) {
	t := newTable(w)
	t.AddHeader("CHECK", "URL", "STATUS", "RESULT", "DURATION")
	for _, r := range report.Results {
		result := aurora.Green("passed")
		if !r.Passed {
			result = aurora.Red("failed: " + r.Error)
		}
		status := "-"
		if r.Status != 0 {
			status = fmt.Sprintf("%d", r.Status)
		}
		t.AddLine(r.Name, r.URL, status, result, formatDuration(r.Duration))
	}
	t.Print()
}
