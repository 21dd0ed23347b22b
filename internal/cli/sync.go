// Package cli: sync.go implements the "shipctl sync" command.
package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/shipctl/internal/argocd"
	"github.com/shinji-kodama/shipctl/internal/model"
)

// syncFlags holds the flag values for the sync command.
type syncFlags struct {
	timeout time.Duration
}

// NewSyncCommand creates the "sync" cobra command.
func NewSyncCommand() *cobra.Command {
	flags := &syncFlags{}

	cmd := &cobra.Command{
		Use:   "sync <dev|hml>",
		Short: "Sync the ArgoCD application of an environment",
		Long: `Run "argocd app sync" for the application of an environment and wait
until it is healthy. ARGOCD_SERVER and ARGOCD_TOKEN select the server.

Examples:
  shipctl sync dev
  shipctl sync hml --timeout 10m`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd.Context(), cmd.OutOrStdout(), args[0], flags)
		},
	}

	cmd.Flags().DurationVar(&flags.timeout, "timeout", argocd.DefaultWaitTimeout, "Wait this long for the application to become healthy")

	return cmd
}

// runSync is the main logic function for the sync command.
func runSync(ctx context.Context, w io.Writer, envArg string, flags *syncFlags) error {
	env, err := model.ParseEnvironment(envArg)
	if err != nil {
		return model.WrapCLIError(model.ExitInvalidArgument, "invalid environment", err)
	}
	app := current.project.Environment(env).ArgoCDApp

	conn := argocd.Connection{Server: current.settings.ArgoCDServer, Token: current.settings.ArgoCDToken}
	result, err := argocd.NewSyncer(newRunner(nil, false), conn, current.logger).Sync(ctx, app, flags.timeout)
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		printJSON(w, result)
		return nil
	}
	fmt.Fprintf(w, "Application %s synced (healthy: %s) in %s\n",
		result.App, colorBool(result.Healthy), formatDuration(result.Duration))
	return nil
}
