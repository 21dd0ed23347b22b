// Package bootstrap prepares a Kubernetes cluster for the application:
// cluster add-ons, application namespaces and the ArgoCD project and
// applications.
//
// Add-ons are installed in a fixed order and each is guarded by a
// "namespace exists" check, so re-running against a prepared cluster
// changes nothing. There is no rollback: when a step fails the cluster is
// left as far as the bootstrap got and the step's error is returned.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/shinji-kodama/shipctl/internal/config"
	"github.com/shinji-kodama/shipctl/internal/kube"
	shiplog "github.com/shinji-kodama/shipctl/internal/log"
	"github.com/shinji-kodama/shipctl/internal/model"
	"github.com/shinji-kodama/shipctl/internal/toolrun"
)

// Add-on names.
const (
	AddonIngressNginx = "ingress-nginx"
	AddonCertManager  = "cert-manager"
	AddonArgoCD       = "argocd"
	AddonMonitoring   = "monitoring"
)

// Helm coordinates of the monitoring stack.
const (
	helmRepoName    = "prometheus-community"
	helmRepoURL     = "https://prometheus-community.github.io/helm-charts"
	helmChart       = "prometheus-community/kube-prometheus-stack"
	MonitoringChart = "kube-prometheus-stack"
)

// Project-relative directories applied after the add-ons.
const (
	ArgoCDProjectsDir     = "argocd/projects"
	ArgoCDApplicationsDir = "argocd/applications"
)

// Step outcomes.
const (
	ActionInstalled = "installed"
	ActionSkipped   = "skipped"
	ActionCreated   = "created"
	ActionExists    = "exists"
	ActionApplied   = "applied"
)

// Addon is one cluster component.
type Addon struct {
	Name      string
	Namespace string

	// CreateNamespace creates Namespace before running Commands (the
	// upstream manifest does not create it).
	CreateNamespace bool

	Commands []toolrun.Command
}

// StepResult records what happened in one step.
type StepResult struct {
	Name   string `json:"name"`
	Action string `json:"action"`
	Detail string `json:"detail,omitempty"`
}

// Result is the outcome of a bootstrap run.
type Result struct {
	Steps    []StepResult  `json:"steps"`
	DryRun   bool          `json:"dryRun"`
	Duration time.Duration `json:"durationNs"`
}

// Options configure a run.
type Options struct {
	// Root is the project directory containing argocd/.
	Root string

	// DryRun prints commands instead of running them and never creates
	// namespaces. Namespace lookups still hit the cluster so the plan
	// reflects its current state.
	DryRun bool

	// WaitTimeout bounds the wait for each add-on's deployments.
	WaitTimeout time.Duration

	// Target selects the cluster for the kubectl and helm commands. It
	// must match the cluster of the kube.Client.
	Target kube.Target
}

// Bootstrapper runs the cluster setup.
type Bootstrapper struct {
	kube     *kube.Client
	runner   toolrun.Runner
	project  *config.Project
	settings config.Settings
	logger   *zap.Logger
}

// New creates a Bootstrapper. With Options.DryRun the runner should be a
// toolrun.Recorder.
func New(kc *kube.Client, runner toolrun.Runner, project *config.Project, settings config.Settings, logger *zap.Logger) *Bootstrapper {
	return &Bootstrapper{kube: kc, runner: runner, project: project, settings: settings, logger: shiplog.OrNop(logger)}
}

// Addons returns the add-ons to install, in order. Monitoring is included
// only when INSTALL_MONITORING is enabled.
func Addons(versions config.AddonVersions, withMonitoring bool) ([]Addon, error) {
	ingress, err := config.ParseVersion(versions.IngressNginx)
	if err != nil {
		return nil, errors.Wrap(err, "ingress-nginx version")
	}
	certManager, err := config.ParseVersion(versions.CertManager)
	if err != nil {
		return nil, errors.Wrap(err, "cert-manager version")
	}
	argocd, err := config.ParseVersion(versions.ArgoCD)
	if err != nil {
		return nil, errors.Wrap(err, "argocd version")
	}

	addons := []Addon{
		{
			Name:      AddonIngressNginx,
			Namespace: "ingress-nginx",
			Commands: []toolrun.Command{kubectl("apply", "-f", fmt.Sprintf(
				"https://raw.githubusercontent.com/kubernetes/ingress-nginx/controller-v%s/deploy/static/provider/cloud/deploy.yaml",
				ingress))},
		},
		{
			Name:      AddonCertManager,
			Namespace: "cert-manager",
			Commands: []toolrun.Command{kubectl("apply", "-f", fmt.Sprintf(
				"https://github.com/cert-manager/cert-manager/releases/download/v%s/cert-manager.yaml",
				certManager))},
		},
		{
			Name:            AddonArgoCD,
			Namespace:       "argocd",
			CreateNamespace: true,
			Commands: []toolrun.Command{kubectl("apply", "-n", "argocd", "-f", fmt.Sprintf(
				"https://raw.githubusercontent.com/argoproj/argo-cd/v%s/manifests/install.yaml",
				argocd))},
		},
	}

	if withMonitoring {
		monitoring, err := config.ParseVersion(versions.Monitoring)
		if err != nil {
			return nil, errors.Wrap(err, "monitoring chart version")
		}
		addons = append(addons, Addon{
			Name:      AddonMonitoring,
			Namespace: "monitoring",
			Commands: []toolrun.Command{
				{Name: "helm", Args: []string{"repo", "add", helmRepoName, helmRepoURL, "--force-update"}},
				{Name: "helm", Args: []string{"repo", "update", helmRepoName}},
				{Name: "helm", Args: []string{
					"upgrade", "--install", MonitoringChart, helmChart,
					"--namespace", "monitoring", "--create-namespace",
					"--version", monitoring.String(),
				}},
			},
		})
	}
	return addons, nil
}

// Run performs the bootstrap:
//  1. install each missing add-on and wait for its deployments
//  2. create the application namespaces
//  3. apply the ArgoCD project and application manifests when present
func (b *Bootstrapper) Run(ctx context.Context, opts Options) (*Result, error) {
	start := time.Now()
	result := &Result{DryRun: opts.DryRun}

	timeout := opts.WaitTimeout
	if timeout <= 0 {
		timeout = b.project.RolloutTimeout()
	}

	addons, err := Addons(b.project.Addons, b.settings.InstallMonitoring)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitInvalidArgument, "invalid add-on configuration", err)
	}

	if err := b.kube.Ping(ctx); err != nil {
		return nil, err
	}

	// Step 1: add-ons.
	for _, addon := range addons {
		step, err := b.installAddon(ctx, addon, opts, timeout)
		if err != nil {
			return result, err
		}
		result.Steps = append(result.Steps, step)
	}

	// Step 2: application namespaces.
	for _, env := range model.AllEnvironments {
		ns := b.project.Environment(env).Namespace
		step, err := b.ensureNamespace(ctx, ns, opts.DryRun)
		if err != nil {
			return result, err
		}
		result.Steps = append(result.Steps, step)
	}

	// Step 3: ArgoCD objects. Projects go first since applications
	// reference them.
	for _, dir := range []string{ArgoCDProjectsDir, ArgoCDApplicationsDir} {
		path := filepath.Join(opts.Root, dir)
		if !isDir(path) {
			b.logger.Debug("manifest directory not found, skipping", zap.String("path", path))
			continue
		}
		if _, err := b.runner.Run(ctx, opts.Target.Apply(kubectl("apply", "-n", "argocd", "-f", path))); err != nil {
			return result, errors.Wrapf(err, "failed to apply %s", dir)
		}
		result.Steps = append(result.Steps, StepResult{Name: dir, Action: ActionApplied, Detail: path})
	}

	result.Duration = time.Since(start)
	return result, nil
}

func (b *Bootstrapper) installAddon(ctx context.Context, addon Addon, opts Options, timeout time.Duration) (StepResult, error) {
	log := b.logger.With(zap.String("addon", addon.Name))

	exists, err := b.kube.NamespaceExists(ctx, addon.Namespace)
	if err != nil {
		return StepResult{}, err
	}
	if exists {
		log.Info("add-on already installed, skipping", zap.String("namespace", addon.Namespace))
		return StepResult{Name: addon.Name, Action: ActionSkipped, Detail: "namespace " + addon.Namespace + " exists"}, nil
	}

	log.Info("installing add-on")
	if addon.CreateNamespace && !opts.DryRun {
		if _, err := b.kube.EnsureNamespace(ctx, addon.Namespace); err != nil {
			return StepResult{}, errors.Wrapf(err, "failed to install %s", addon.Name)
		}
	}
	for _, cmd := range addon.Commands {
		if _, err := b.runner.Run(ctx, opts.Target.Apply(cmd)); err != nil {
			return StepResult{}, errors.Wrapf(err, "failed to install %s", addon.Name)
		}
	}

	if !opts.DryRun {
		if err := b.kube.WaitForNamespace(ctx, addon.Namespace, timeout); err != nil {
			return StepResult{}, errors.Wrapf(err, "%s did not become ready", addon.Name)
		}
	}
	return StepResult{Name: addon.Name, Action: ActionInstalled}, nil
}

func (b *Bootstrapper) ensureNamespace(ctx context.Context, ns string, dryRun bool) (StepResult, error) {
	name := "namespace/" + ns
	if dryRun {
		exists, err := b.kube.NamespaceExists(ctx, ns)
		if err != nil {
			return StepResult{}, err
		}
		if exists {
			return StepResult{Name: name, Action: ActionExists}, nil
		}
		return StepResult{Name: name, Action: ActionCreated, Detail: "dry run"}, nil
	}

	created, err := b.kube.EnsureNamespace(ctx, ns)
	if err != nil {
		return StepResult{}, err
	}
	if created {
		return StepResult{Name: name, Action: ActionCreated}, nil
	}
	return StepResult{Name: name, Action: ActionExists}, nil
}

func kubectl(args ...string) toolrun.Command {
	return toolrun.Command{Name: "kubectl", Args: args}
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
