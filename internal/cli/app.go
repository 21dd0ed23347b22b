package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/cheynewallace/tabby"
	"github.com/logrusorgru/aurora/v4"
	"github.com/mattn/go-isatty"
	"go.uber.org/zap"

	"github.com/shinji-kodama/shipctl/internal/config"
	"github.com/shinji-kodama/shipctl/internal/docker"
	"github.com/shinji-kodama/shipctl/internal/kube"
	shiplog "github.com/shinji-kodama/shipctl/internal/log"
	"github.com/shinji-kodama/shipctl/internal/model"
	"github.com/shinji-kodama/shipctl/internal/toolrun"
)

// app is what PersistentPreRunE resolved for the running command.
type app struct {
	project  *config.Project
	settings config.Settings
	logger   *zap.Logger
}

// current starts with the defaults so commands run from tests without the
// root command still have a project and a logger.
var current = &app{
	project:  config.DefaultProject(),
	settings: config.LoadSettings(func(string) string { return "" }),
	logger:   shiplog.Nop(),
}

// Factories replaced in tests.
var (
	// getenv reads CI variables such as BUILD_NUMBER.
	getenv = os.Getenv

	// newKubeClient connects to the cluster selected by the kube flags.
	newKubeClient = func() (*kube.Client, error) {
		cs, err := kube.NewClientset(kubeFlags, "shipctl/"+Version)
		if err != nil {
			return nil, err
		}
		return kube.NewClient(cs, current.logger), nil
	}

	// newDockerClient connects to the local Docker daemon.
	newDockerClient = func(ctx context.Context) (*docker.Client, error) {
		dc, err := docker.NewClient()
		if err != nil {
			return nil, err
		}
		if err := dc.Ping(ctx); err != nil {
			_ = dc.Close()
			return nil, err
		}
		return dc, nil
	}

	// newRunner returns the runner for external tools. Dry runs record
	// and print commands instead of executing them.
	newRunner = func(w io.Writer, dryRun bool) toolrun.Runner {
		if dryRun {
			return toolrun.NewRecorder(w)
		}
		return toolrun.NewExecRunner(current.logger)
	}
)

// setup builds the logger, configures colours and loads configuration.
func setup() error {
	configureColor(isatty.IsTerminal(os.Stdout.Fd()))

	logger, err := shiplog.New(shiplog.Options{Level: logLevel, Verbose: verbose, Color: colorMode()})
	if err != nil {
		return model.WrapCLIError(model.ExitInvalidArgument, "invalid --log-level", err)
	}

	path, required := configPath, true
	if path == "" {
		path, required = config.DefaultProjectFile, false
	}
	project, err := config.LoadProject(path, required)
	if err != nil {
		return err
	}

	current = &app{
		project:  project,
		settings: config.LoadSettings(getenv),
		logger:   logger,
	}
	logger.Debug("configuration loaded",
		zap.String("project", path),
		zap.Any("settings", current.settings.Redacted()))
	return nil
}

// configureColor renews aurora.DefaultColorizer based on flags and TTY.
func configureColor(isTTY bool) {
	var shouldColorize bool
	switch {
	case colors:
		shouldColorize = true
	case noColors:
		shouldColorize = false
	default:
		shouldColorize = isTTY
	}

	aurora.DefaultColorizer = aurora.New(
		aurora.WithColors(shouldColorize),
		aurora.WithHyperlinks(true),
	)
}

func colorMode() shiplog.ColorMode {
	switch {
	case colors:
		return shiplog.ColorAlways
	case noColors:
		return shiplog.ColorNever
	default:
		return shiplog.ColorAuto
	}
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v interface{}) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Fprintln(w, string(data))
}

// newTable returns a tabby table writing to w.
func newTable(w io.Writer) *tabby.Tabby {
	return tabby.NewCustom(tabwriter.NewWriter(w, 0, 0, 2, ' ', 0))
}

// colorStatus colours a stage or step status.
func colorStatus(s model.StageStatus) aurora.Value {
	switch s {
	case model.StatusSucceeded:
		return aurora.Green(s.String())
	case model.StatusFailed:
		return aurora.Red(s.String())
	case model.StatusSkipped, model.StatusAborted:
		return aurora.Yellow(s.String())
	default:
		return aurora.Cyan(s.String())
	}
}

// colorBool renders ok as a coloured yes/no.
func colorBool(ok bool) aurora.Value {
	if ok {
		return aurora.Green("yes")
	}
	return aurora.Red("no")
}

// formatDuration rounds d for display.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(100 * time.Millisecond).String()
}

// workDir returns the working directory, the repository root for every
// command that reads project files.
func workDir() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", model.WrapCLIError(model.ExitGeneralError, "failed to get working directory", err)
	}
	return dir, nil
}
