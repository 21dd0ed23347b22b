// Package cli: bump.go implements the "shipctl bump" command.
//
// The bump command is the GitOps half of a promotion: it sets the image
// tag in the kustomize overlay of an environment, commits the change and
// pushes it, so ArgoCD picks it up.
package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/shipctl/internal/git"
	"github.com/shinji-kodama/shipctl/internal/gitops"
	"github.com/shinji-kodama/shipctl/internal/model"
)

// bumpFlags holds the flag values for the bump command.
type bumpFlags struct {
	// branch receives the push; empty is the checked-out branch.
	branch string

	remote string

	// noPush commits without pushing.
	noPush bool
}

// NewBumpCommand creates the "bump" cobra command.
func NewBumpCommand() *cobra.Command {
	flags := &bumpFlags{}

	cmd := &cobra.Command{
		Use:   "bump <dev|hml> <tag>",
		Short: "Set the image tag in an environment overlay and push it",
		Long: `Set <tag> on every configured image of the environment's kustomize overlay,
commit the change and push it. GIT_USERNAME and GIT_PASSWORD authenticate
the push over HTTPS. Nothing is committed when the overlay is already at
<tag>.

Examples:
  shipctl bump dev 42
  shipctl bump hml 1.4.0 --branch main
  shipctl bump dev 42 --no-push`,
		Args: exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBump(cmd.Context(), cmd.OutOrStdout(), args[0], args[1], flags)
		},
	}

	cmd.Flags().StringVar(&flags.branch, "branch", "", "Branch to push (default the checked-out branch)")
	cmd.Flags().StringVar(&flags.remote, "remote", "origin", "Remote to push to")
	cmd.Flags().BoolVar(&flags.noPush, "no-push", false, "Commit without pushing")

	return cmd
}

// runBump is the main logic function for the bump command.
func runBump(ctx context.Context, w io.Writer, envArg, tag string, flags *bumpFlags) error {
	env, err := model.ParseEnvironment(envArg)
	if err != nil {
		return model.WrapCLIError(model.ExitInvalidArgument, "invalid environment", err)
	}
	root, err := workDir()
	if err != nil {
		return err
	}

	repo := git.Open(root, newRunner(nil, false))
	creds := git.Credentials{Username: current.settings.GitUsername, Password: current.settings.GitPassword}
	result, err := gitops.NewBumper(repo, current.project, creds, current.logger).Bump(ctx, env, tag, gitops.Options{
		Branch: flags.branch,
		Remote: flags.remote,
		NoPush: flags.noPush,
	})
	if result != nil {
		printBumpResult(w, result)
	}
	return err
}

// printBumpResult outputs the bump in text or JSON format.
func printBumpResult(w io.Writer, result *gitops.Result) {
	if IsJSONOutput() {
		printJSON(w, result)
		return
	}

	if len(result.Updated) == 0 {
		fmt.Fprintf(w, "%s already at %s, nothing to commit.\n", result.File, result.Tag)
		return
	}
	fmt.Fprintf(w, "Updated %s in %s to %s\n", strings.Join(result.Updated, ", "), result.File, result.Tag)
	switch {
	case result.Pushed:
		fmt.Fprintln(w, "Committed and pushed.")
	case result.Committed:
		fmt.Fprintln(w, "Committed, not pushed.")
	}
}
