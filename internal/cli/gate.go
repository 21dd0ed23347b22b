// Package cli: gate.go implements the "shipctl gate" command.
//
// The gate command prints the environments a build of the given branch is
// allowed to deploy to, without touching anything.
package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/shipctl/internal/gate"
	"github.com/shinji-kodama/shipctl/internal/model"
)

// NewGateCommand creates the "gate" cobra command.
func NewGateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "gate <branch>",
		Short: "Show the environments a branch deploys to",
		Long: `Show the environments a build of <branch> deploys to.

  develop   dev
  main      dev, then hml
  other     none

Examples:
  shipctl gate main
  shipctl gate refs/heads/develop --json`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGate(cmd.OutOrStdout(), args[0])
		},
	}
}

// gateResultJSON is the JSON output of the gate command.
type gateResultJSON struct {
	Branch       string              `json:"branch"`
	Environments []model.Environment `json:"environments"`
}

func runGate(w io.Writer, branch string) error {
	branch = gate.NormalizeBranch(branch)
	if branch == "" {
		return model.NewCLIError(model.ExitInvalidArgument, "branch must not be empty")
	}

	envs := gate.Environments(branch)
	if IsJSONOutput() {
		printJSON(w, gateResultJSON{Branch: branch, Environments: envs})
		return nil
	}

	if len(envs) == 0 {
		fmt.Fprintf(w, "Branch %q does not deploy.\n", branch)
		return nil
	}
	names := make([]string, len(envs))
	for i, e := range envs {
		names[i] = e.String()
	}
	fmt.Fprintf(w, "Branch %q deploys to: %s\n", branch, strings.Join(names, ", "))
	return nil
}
