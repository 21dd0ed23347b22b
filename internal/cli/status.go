// Package cli: status.go implements the "shipctl status" command.
//
// The status command shows, for every configured deployment of one
// environment, the image it runs and its replica counts. A deployment
// missing from the namespace is listed as such instead of failing.
package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/logrusorgru/aurora/v4"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shinji-kodama/shipctl/internal/kube"
	"github.com/shinji-kodama/shipctl/internal/model"
)

// NewStatusCommand creates the "status" cobra command.
func NewStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <dev|hml>",
		Short: "Show the deployments of an environment",
		Long: `Show the image and readiness of every deployment of an environment.

Examples:
  shipctl status dev
  shipctl status hml --json`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	}
}

// statusEntry is one deployment in the status output.
type statusEntry struct {
	kube.DeploymentStatus
	Found bool `json:"found"`
}

// statusResultJSON is the JSON output of the status command.
type statusResultJSON struct {
	Environment model.Environment `json:"environment"`
	Namespace   string            `json:"namespace"`
	Deployments []statusEntry     `json:"deployments"`
}

// runStatus is the main logic function for the status command.
func runStatus(ctx context.Context, w io.Writer, envArg string) error {
	// Step 1: validate the environment.
	env, err := model.ParseEnvironment(envArg)
	if err != nil {
		return model.WrapCLIError(model.ExitInvalidArgument, "invalid environment", err)
	}
	ns := current.project.Environment(env).Namespace

	// Step 2: connect and check the namespace.
	kc, err := newKubeClient()
	if err != nil {
		return err
	}
	exists, err := kc.NamespaceExists(ctx, ns)
	if err != nil {
		return err
	}
	if !exists {
		return model.NewCLIError(model.ExitNamespaceNotFound,
			fmt.Sprintf("namespace %s of environment %s does not exist", ns, env))
	}

	// Step 3: read every configured deployment.
	result := statusResultJSON{Environment: env, Namespace: ns, Deployments: []statusEntry{}}
	for _, d := range current.project.Deployments {
		st, err := kc.Status(ctx, ns, d.Name)
		if err != nil {
			if model.ExitCodeOf(err) != model.ExitNamespaceNotFound {
				return err
			}
			current.logger.Debug("deployment not found", zap.String("deployment", d.Name), zap.Error(err))
			result.Deployments = append(result.Deployments, statusEntry{
				DeploymentStatus: kube.DeploymentStatus{Namespace: ns, Name: d.Name},
			})
			continue
		}
		result.Deployments = append(result.Deployments, statusEntry{DeploymentStatus: st, Found: true})
	}

	// Step 4: output.
	printStatusResult(w, result)
	return nil
}

// printStatusResult outputs the status in text or JSON format.
//
// The table format is:
//
//	DEPLOYMENT  IMAGE                    READY  UP-TO-DATE  AVAILABLE  ROLLED OUT
//	backend     app-backend:42           2/2    2           2          yes
//	frontend    app-frontend:42          1/1    1           1          yes
func printStatusResult(w io.Writer, result statusResultJSON) {
	if IsJSONOutput() {
		printJSON(w, result)
		return
	}

	fmt.Fprintf(w, "Environment %s (namespace %s)\n", aurora.Bold(result.Environment), result.Namespace)
	t := newTable(w)
	t.AddHeader("DEPLOYMENT", "IMAGE", "READY", "UP-TO-DATE", "AVAILABLE", "ROLLED OUT")
	for _, d := range result.Deployments {
		if !d.Found {
			t.AddLine(d.Name, "-", "-", "-", "-", aurora.Red("not found"))
			continue
		}
		t.AddLine(d.Name, formatImages(d.Images),
			fmt.Sprintf("%d/%d", d.Ready, d.Desired), d.Updated, d.Available, colorBool(d.Rolled))
	}
	t.Print()
}

// formatImages joins container images; a single container shows only
// its image.
func formatImages(images map[string]string) string {
	if len(images) == 0 {
		return "-"
	}
	if len(images) == 1 {
		for _, img := range images {
			return img
		}
	}
	names := make([]string, 0, len(images))
	for name := range images {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = name + "=" + images[name]
	}
	return strings.Join(parts, ",")
}
