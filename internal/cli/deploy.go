// Package cli: deploy.go implements the "shipctl deploy" command.
//
// The deploy command promotes an image tag to one environment: it patches
// the image of every configured deployment, waits for the rollouts and
// runs the liveness probes. Probe failures are reported as warnings.
package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/logrusorgru/aurora/v4"
	"github.com/spf13/cobra"

	"github.com/shinji-kodama/shipctl/internal/promote"
	"github.com/shinji-kodama/shipctl/internal/smoke"
)

// deployFlags holds the flag values for the deploy command.
type deployFlags struct {
	// timeout bounds each rollout wait; zero uses the project setting.
	timeout time.Duration

	// skipProbes disables the post-rollout liveness probes.
	skipProbes bool
}

// NewDeployCommand creates the "deploy" cobra command.
func NewDeployCommand() *cobra.Command {
	flags := &deployFlags{}

	cmd := &cobra.Command{
		Use:   "deploy <dev|hml> <tag>",
		Short: "Promote an image tag to an environment",
		Long: `Promote <tag> to the dev or hml environment.

Every configured deployment gets the image <registry>/<image>:<tag>
(DOCKER_REGISTRY, omitted when empty). The command waits for each rollout
and then probes the backend /api/ and the frontend /.

Examples:
  shipctl deploy dev 42
  DOCKER_REGISTRY=registry.local:5000 shipctl deploy hml 1a2b3c4 --timeout 10m`,
		Args: exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeploy(cmd.Context(), cmd.OutOrStdout(), args[0], args[1], flags)
		},
	}

	cmd.Flags().DurationVar(&flags.timeout, "timeout", 0,
		"Rollout timeout per deployment (default from the project file, 5m)")
	cmd.Flags().BoolVar(&flags.skipProbes, "skip-probes", false, "Do not probe the environment after the rollout")

	return cmd
}

// runDeploy is the main logic function for the deploy command.
func runDeploy(ctx context.Context, w io.Writer, env, tag string, flags *deployFlags) error {
	// Step 1: reject bad input before connecting to the cluster.
	if _, err := promote.Validate(env, tag); err != nil {
		return err
	}

	// Step 2: connect.
	kc, err := newKubeClient()
	if err != nil {
		return err
	}

	// Step 3: promote.
	prober := smoke.NewProber(current.project.ProbeTimeout(), current.logger)
	promoter := promote.New(kc, current.project, current.settings, prober, current.logger)
	result, err := promoter.Promote(ctx, env, tag, promote.Options{
		RolloutTimeout: flags.timeout,
		SkipProbes:     flags.skipProbes,
	})
	if err != nil {
		return err
	}

	// Step 4: output.
	printDeployResult(w, result)
	return nil
}

// printDeployResult outputs the promotion in text or JSON format.
func printDeployResult(w io.Writer, result *promote.Result) {
	if IsJSONOutput() {
		printJSON(w, result)
		return
	}

	fmt.Fprintf(w, "Deployed %s to %s (namespace %s) in %s\n",
		aurora.Bold(result.Tag), aurora.Bold(result.Environment), result.Namespace, formatDuration(result.Duration))

	t := newTable(w)
	t.AddHeader("DEPLOYMENT", "CONTAINER", "PREVIOUS IMAGE", "IMAGE", "ROLLED OUT")
	for _, d := range result.Deployments {
		t.AddLine(d.Name, d.Container, d.PreviousImage, d.Image, colorBool(d.RolledOut))
	}
	t.Print()

	if result.Probes != nil {
		fmt.Fprintln(w)
		printSmokeTable(w, *result.Probes)
	}
	for _, warning := range result.Warnings {
		fmt.Fprintf(w, "%s %s\n", aurora.Yellow("warning:"), warning)
	}
}
