package cli

import (
	"fmt"
	"io"
	"runtime"

	"github.com/spf13/cobra"
)

// NewVersionCommand creates the "version" cobra command.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			printVersion(cmd.OutOrStdout())
			return nil
		},
	}
}

func printVersion(w io.Writer) {
	if IsJSONOutput() {
		printJSON(w, map[string]string{
			"version": Version,
			"commit":  Commit,
			"date":    Date,
			"go":      runtime.Version(),
		})
		return
	}
	fmt.Fprintf(w, "shipctl %s (commit: %s, built: %s, %s)\n", Version, Commit, Date, runtime.Version())
}
