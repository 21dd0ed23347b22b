// Package cli: setup_cluster.go implements the "shipctl setup-cluster"
// command.
//
// The command installs the cluster add-ons (ingress-nginx, cert-manager,
// ArgoCD and, with INSTALL_MONITORING, the Prometheus stack), creates the
// application namespaces and applies the ArgoCD manifests of the project.
// Add-ons whose namespace already exists are skipped, so the command can be
// re-run safely.
package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/shipctl/internal/bootstrap"
	"github.com/shinji-kodama/shipctl/internal/kube"
)

// setupClusterFlags holds the flag values for the setup-cluster command.
type setupClusterFlags struct {
	// dryRun prints the commands instead of running them.
	dryRun bool

	// timeout bounds the wait for each add-on's deployments.
	timeout time.Duration
}

// NewSetupClusterCommand creates the "setup-cluster" cobra command.
func NewSetupClusterCommand() *cobra.Command {
	flags := &setupClusterFlags{}

	cmd := &cobra.Command{
		Use:   "setup-cluster",
		Short: "Install the cluster add-ons and application namespaces",
		Long: `Install ingress-nginx, cert-manager and ArgoCD, create the dev and hml
namespaces and apply the ArgoCD project and applications found under
argocd/. Set INSTALL_MONITORING=true to also install kube-prometheus-stack.

Examples:
  shipctl setup-cluster
  shipctl setup-cluster --dry-run
  INSTALL_MONITORING=true shipctl setup-cluster --context kind-dev`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSetupCluster(cmd.Context(), cmd.OutOrStdout(), flags)
		},
	}

	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "Print the commands without running them")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 0,
		"Wait for each add-on's deployments this long (default from the project file, 5m)")

	return cmd
}

// runSetupCluster is the main logic function for the setup-cluster command.
func runSetupCluster(ctx context.Context, w io.Writer, flags *setupClusterFlags) error {
	root, err := workDir()
	if err != nil {
		return err
	}
	kc, err := newKubeClient()
	if err != nil {
		return err
	}

	// Dry-run commands would corrupt the JSON document on stdout.
	cmdOut := w
	if IsJSONOutput() {
		cmdOut = io.Discard
	}
	b := bootstrap.New(kc, newRunner(cmdOut, flags.dryRun), current.project, current.settings, current.logger)
	result, err := b.Run(ctx, bootstrap.Options{
		Root:        root,
		DryRun:      flags.dryRun,
		WaitTimeout: flags.timeout,
		Target:      kube.TargetFromFlags(kubeFlags),
	})
	if result != nil {
		printSetupClusterResult(w, result)
	}
	return err
}

// printSetupClusterResult outputs the steps in text or JSON format.
func printSetupClusterResult(w io.Writer, result *bootstrap.Result) {
	if IsJSONOutput() {
		printJSON(w, result)
		return
	}

	t := newTable(w)
	t.AddHeader("STEP", "ACTION", "DETAIL")
	for _, s := range result.Steps {
		t.AddLine(s.Name, s.Action, s.Detail)
	}
	t.Print()

	if result.DryRun {
		fmt.Fprintln(w, "Dry run: nothing was changed.")
		return
	}
	if result.Duration > 0 {
		fmt.Fprintf(w, "Cluster ready in %s\n", formatDuration(result.Duration))
	}
}
