// Package cli implements the cobra-based CLI commands for shipctl.
//
// Each subcommand (setup-cluster, deploy, test-security, cleanup, gate,
// pipeline, lint, smoke, status, sync, bump, version) is defined in its own
// file within this package. This file defines the root command that serves
// as the parent for all subcommands and handles global flags.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/cli-runtime/pkg/genericclioptions"

	shiplog "github.com/shinji-kodama/shipctl/internal/log"
	"github.com/shinji-kodama/shipctl/internal/model"
)

// Global flag variables shared across all subcommands.
// These are bound to cobra persistent flags on the root command,
// which makes them available to every subcommand automatically.
var (
	// jsonOutput controls whether command output is formatted as JSON.
	jsonOutput bool

	// verbose forces the debug log level.
	verbose bool

	// logLevel is one of error, warning, info, debug.
	logLevel string

	// configPath is the project file; empty looks for ./shipctl.jsonc.
	configPath string

	// colors and noColors force or disable coloured output.
	colors   bool
	noColors bool

	// kubeFlags are the kubectl connection flags (--kubeconfig,
	// --context, --namespace, ...).
	kubeFlags = genericclioptions.NewConfigFlags(true)
)

// Version, Commit and Date are set at build time via ldflags.
// They are injected from the main package to display version information.
var (
	// Version is the semantic version of the binary (e.g., "1.0.0").
	Version = "dev"

	// Commit is the Git commit hash the binary was built from.
	Commit = "none"

	// Date is the build timestamp.
	Date = "unknown"
)

// NewRootCommand creates and configures the root cobra command.
// This is the entry point for the entire CLI application.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "shipctl",
		Short: "Bootstrap, deploy and verify the app on Kubernetes",
		Long: `shipctl runs the delivery pipeline of the app: it bootstraps the cluster,
promotes images to the dev and hml environments, runs the security scans
and the quality gate, and cleans everything up again.

Which environments a build deploys to depends on its branch: develop
deploys to dev, main deploys to dev and then hml.`,

		// SilenceUsage prevents cobra from printing usage on every error.
		SilenceUsage: true,

		// SilenceErrors lets Execute format errors (text or JSON).
		SilenceErrors: true,

		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, Date),

		// PersistentPreRunE runs before every subcommand: it builds the
		// logger and loads the project file and the environment.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return setup()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	flags.StringVar(&logLevel, "log-level", shiplog.DefaultLevelString,
		"Log level: error, warning, info, debug")
	flags.StringVar(&configPath, "config", "", "Project file (default ./shipctl.jsonc when present)")
	flags.BoolVar(&colors, "colors", false, "Force colorized output even if no terminal is attached")
	flags.BoolVar(&noColors, "no-colors", false, "Disable colorized output")
	rootCmd.MarkFlagsMutuallyExclusive("colors", "no-colors")
	kubeFlags.AddFlags(flags)

	// Flag parse errors are invalid arguments, like bad positionals.
	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return model.WrapCLIError(model.ExitInvalidArgument, "invalid flag", err)
	})

	rootCmd.AddCommand(NewSetupClusterCommand())
	rootCmd.AddCommand(NewDeployCommand())
	rootCmd.AddCommand(NewTestSecurityCommand())
	rootCmd.AddCommand(NewCleanupCommand())
	rootCmd.AddCommand(NewGateCommand())
	rootCmd.AddCommand(NewPipelineCommand())
	rootCmd.AddCommand(NewLintCommand())
	rootCmd.AddCommand(NewSmokeCommand())
	rootCmd.AddCommand(NewStatusCommand())
	rootCmd.AddCommand(NewSyncCommand())
	rootCmd.AddCommand(NewBumpCommand())
	rootCmd.AddCommand(NewVersionCommand())

	return rootCmd
}

// Execute runs the root command and handles exit codes.
// This is the main entry point called from main.go.
func Execute(rootCmd *cobra.Command) {
	err := rootCmd.Execute()
	_ = current.logger.Sync()
	if code := reportError(os.Stderr, err); code != model.ExitSuccess {
		os.Exit(int(code))
	}
}

// reportError prints err and returns the exit code it carries. CLIError
// anywhere in the chain sets the code; other errors exit with 1.
func reportError(w io.Writer, err error) model.ExitCode {
	if err == nil {
		return model.ExitSuccess
	}
	var cliErr *model.CLIError
	if errors.As(err, &cliErr) && error(cliErr) == err {
		printError(w, cliErr.Message, cliErr.Err)
	} else {
		printError(w, err.Error(), nil)
	}
	return model.ExitCodeOf(err)
}

// printError outputs an error message in the appropriate format
// (JSON or text) based on the --json global flag.
func printError(w io.Writer, message string, underlying error) {
	if jsonOutput {
		errObj := map[string]interface{}{
			"message": message,
		}
		if underlying != nil {
			errObj["detail"] = underlying.Error()
		}
		// stderr carries errors even in JSON mode; stdout is reserved for
		// successful command output.
		data, _ := json.MarshalIndent(map[string]interface{}{"error": errObj}, "", "  ")
		fmt.Fprintln(w, string(data))
		return
	}
	if underlying != nil {
		fmt.Fprintf(w, "Error: %s: %v\n", message, underlying)
	} else {
		fmt.Fprintf(w, "Error: %s\n", message)
	}
}

// IsJSONOutput returns whether the --json flag is set.
// Subcommands use this to decide their output format.
func IsJSONOutput() bool {
	return jsonOutput
}

// exactArgs is cobra.ExactArgs reporting ExitInvalidArgument.
func exactArgs(n int) cobra.PositionalArgs {
	return invalidArgs(cobra.ExactArgs(n))
}

// rangeArgs is cobra.RangeArgs reporting ExitInvalidArgument.
func rangeArgs(lo, hi int) cobra.PositionalArgs {
	return invalidArgs(cobra.RangeArgs(lo, hi))
}

func invalidArgs(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := check(cmd, args); err != nil {
			return model.WrapCLIError(model.ExitInvalidArgument,
				fmt.Sprintf("usage: %s", cmd.UseLine()), err)
		}
		return nil
	}
}
