// Package cli: cleanup.go implements the "shipctl cleanup" command.
//
// The cleanup command deletes the namespaces of one target (dev, hml,
// argocd, monitoring, jenkins) or all of them. "all" also removes the
// scanner containers left behind by interrupted security scans. Unless
// forced, the command lists what it will delete and asks for confirmation.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/logrusorgru/aurora/v4"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shinji-kodama/shipctl/internal/cleanup"
	"github.com/shinji-kodama/shipctl/internal/kube"
	"github.com/shinji-kodama/shipctl/internal/model"
)

// cleanupFlags holds the flag values for the cleanup command.
type cleanupFlags struct {
	// force skips the confirmation prompt.
	force bool
}

// NewCleanupCommand creates the "cleanup" cobra command.
func NewCleanupCommand() *cobra.Command {
	flags := &cleanupFlags{}

	cmd := &cobra.Command{
		Use:   "cleanup <dev|hml|argocd|monitoring|jenkins|all> [force]",
		Short: "Delete environments and cluster add-ons",
		Long: `Delete the namespace of a target, or every target with "all".

Without --force (or a trailing "force" argument) the command lists what
it will delete and asks for confirmation.

Examples:
  shipctl cleanup dev
  shipctl cleanup monitoring --force
  shipctl cleanup all force`,
		Args: rangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			force := flags.force
			if len(args) > 1 {
				f, err := parseForceArg(args[1])
				if err != nil {
					return err
				}
				force = force || f
			}
			return runCleanup(cmd.Context(), cmd.OutOrStdout(), cmd.InOrStdin(), args[0], force)
		},
	}

	cmd.Flags().BoolVarP(&flags.force, "force", "f", false, "Delete without asking for confirmation")

	return cmd
}

// parseForceArg accepts the positional form of --force.
func parseForceArg(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "true", "yes", "force":
		return true, nil
	case "false", "no":
		return false, nil
	}
	return false, model.NewCLIError(model.ExitInvalidArgument,
		fmt.Sprintf("invalid force argument %q: expected true, yes or force", s))
}

// runCleanup is the main logic function for the cleanup command.
func runCleanup(ctx context.Context, w io.Writer, in io.Reader, targetArg string, force bool) error {
	// Step 1: reject a bad target before connecting anywhere.
	target, err := cleanup.ParseTarget(targetArg)
	if err != nil {
		return err
	}

	// Step 2: connect.
	kc, err := newKubeClient()
	if err != nil {
		return err
	}

	// Scanner containers are only swept by "all"; Docker stays optional.
	var containers cleanup.ContainerRemover
	if target == model.CleanupAll {
		dc, err := newDockerClient(ctx)
		if err != nil {
			current.logger.Warn("docker is not available, leaving scanner containers", zap.Error(err))
		} else {
			defer func() { _ = dc.Close() }()
			containers = dc
		}
	}

	// Step 3: confirm and delete.
	cleaner := cleanup.New(kc, newRunner(nil, false), containers, current.project, current.logger)
	result, err := cleaner.Run(ctx, targetArg, cleanup.Options{
		Force:  force,
		Target: kube.TargetFromFlags(kubeFlags),
		Confirm: func(t model.CleanupTarget, plan []cleanup.Item) (bool, error) {
			return promptConfirmation(w, in, t, plan)
		},
	})
	if result != nil {
		printCleanupResult(w, result)
	}
	return err
}

// promptConfirmation lists the plan and asks the user to confirm it.
// It reads a single line from in and checks for "y" or "yes".
func promptConfirmation(w io.Writer, in io.Reader, target model.CleanupTarget, plan []cleanup.Item) (bool, error) {
	fmt.Fprintf(w, "About to clean up %s:\n", aurora.Bold(target))
	for _, item := range plan {
		fmt.Fprintf(w, "  - %s will be deleted\n", item)
	}
	fmt.Fprint(w, "\nContinue? [y/N] ")

	scanner := bufio.NewScanner(in)
	if scanner.Scan() {
		answer := strings.TrimSpace(strings.ToLower(scanner.Text()))
		return answer == "y" || answer == "yes", nil
	}
	// EOF without an answer declines.
	return false, scanner.Err()
}

// printCleanupResult outputs the deleted items in text or JSON format.
func printCleanupResult(w io.Writer, result *cleanup.Result) {
	if IsJSONOutput() {
		printJSON(w, result)
		return
	}

	t := newTable(w)
	t.AddHeader("KIND", "NAME", "ACTION", "DETAIL")
	for _, item := range result.Items {
		t.AddLine(item.Kind, item.Name, colorAction(item.Action), item.Detail)
	}
	t.Print()
	fmt.Fprintf(w, "Cleaned up %s: %d item(s) deleted in %s\n",
		result.Target, result.Deleted(), formatDuration(result.Duration))
}

func colorAction(action string) aurora.Value {
	switch action {
	case cleanup.ActionDeleted:
		return aurora.Green(action)
	case cleanup.ActionSkipped:
		return aurora.Yellow(action)
	default:
		return aurora.Red(action)
	}
}
