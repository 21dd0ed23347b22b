// Package promote moves an application image tag into an environment.
//
// A promotion is:
//  1. validate the environment and tag (no cluster call on bad input)
//  2. verify the environment namespace exists
//  3. verify every configured deployment exists
//  4. set each deployment's container image to <registry>/<image>:<tag>
//  5. wait for every rollout to finish (bounded by the rollout timeout)
//  6. probe the backend and frontend; a failed probe is only a warning
//
// There is no rollback and no retry: a rollout that does not converge in
// time fails the promotion and leaves the cluster as Kubernetes left it.
// Concurrent promotions of the same environment are not serialised; the
// last image update wins.
package promote

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"

	"github.com/shinji-kodama/shipctl/internal/config"
	"github.com/shinji-kodama/shipctl/internal/kube"
	shiplog "github.com/shinji-kodama/shipctl/internal/log"
	"github.com/shinji-kodama/shipctl/internal/model"
	"github.com/shinji-kodama/shipctl/internal/smoke"
)

// Prober is the liveness check run after the rollouts. *smoke.Prober
// satisfies it.
type Prober interface {
	Probe(ctx context.Context, t smoke.Targets) smoke.Report
}

// Options tune a promotion.
type Options struct {
	// RolloutTimeout bounds the wait of each deployment. Zero uses the
	// project's value.
	RolloutTimeout time.Duration

	// SkipProbes disables step 6.
	SkipProbes bool
}

// DeploymentResult records what happened to one deployment.
type DeploymentResult struct {
	Name          string `json:"name"`
	Container     string `json:"container"`
	PreviousImage string `json:"previousImage"`
	Image         string `json:"image"`
	RolledOut     bool   `json:"rolledOut"`
}

// Result summarises a promotion.
type Result struct {
	Environment model.Environment  `json:"environment"`
	Namespace   string             `json:"namespace"`
	Tag         string             `json:"tag"`
	Deployments []DeploymentResult `json:"deployments"`
	Probes      *smoke.Report      `json:"probes,omitempty"`

	// Warnings lists non-fatal problems (failed probes).
	Warnings []string `json:"warnings,omitempty"`

	Duration time.Duration `json:"durationNs"`
}

// Promoter performs promotions against one cluster.
type Promoter struct {
	kube     *kube.Client
	project  *config.Project
	settings config.Settings
	prober   Prober
	logger   *zap.Logger
}

// New creates a Promoter. prober may be nil when probes are always skipped.
func New(kc *kube.Client, project *config.Project, settings config.Settings, prober Prober, logger *zap.Logger) *Promoter {
	return &Promoter{
		kube:     kc,
		project:  project,
		settings: settings,
		prober:   prober,
		logger:   shiplog.OrNop(logger),
	}
}

// Validate checks env and tag without touching the cluster. Errors carry
// ExitInvalidArgument.
func Validate(env, tag string) (model.Environment, error) {
	e, err := model.ParseEnvironment(env)
	if err != nil {
		return "", model.WrapCLIError(model.ExitInvalidArgument, "invalid environment", err)
	}
	if err := model.ValidateImageTag(tag); err != nil {
		return "", model.WrapCLIError(model.ExitInvalidArgument, "invalid image tag", err)
	}
	return e, nil
}

// Promote deploys tag to env. See the package documentation for the steps.
func (p *Promoter) Promote(ctx context.Context, env, tag string, opts Options) (*Result, error) {
	start := time.Now()

	// Step 1: reject bad input before any API call.
	environment, err := Validate(env, tag)
	if err != nil {
		return nil, err
	}
	envSpec := p.project.Environment(environment)
	ns := envSpec.Namespace

	result := &Result{Environment: environment, Namespace: ns, Tag: tag}
	log := p.logger.With(zap.String("environment", environment.String()), zap.String("tag", tag))

	// Step 2: the namespace is created by setup-cluster, never here.
	exists, err := p.kube.NamespaceExists(ctx, ns)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, model.NewCLIError(model.ExitNamespaceNotFound,
			fmt.Sprintf("namespace %s does not exist; run 'shipctl setup-cluster' first", ns))
	}

	// Step 3: pre-check every deployment so a missing one fails before any
	// image is changed.
	for _, d := range p.project.Deployments {
		dep, err := p.kube.GetDeployment(ctx, ns, d.Name)
		if err != nil {
			return nil, err
		}
		result.Deployments = append(result.Deployments, DeploymentResult{
			Name:          d.Name,
			Container:     d.Container,
			PreviousImage: currentImage(dep.Spec.Template.Spec.Containers, d.Container),
			Image:         p.settings.ImageRef(d.Image, tag),
		})
	}

	// Step 4: update images.
	cause := fmt.Sprintf("shipctl deploy %s %s", environment, tag)
	for _, dr := range result.Deployments {
		log.Info("updating deployment", zap.String("deployment", dr.Name), zap.String("image", dr.Image))
		if err := p.kube.SetImage(ctx, ns, dr.Name, dr.Container, dr.Image, cause); err != nil {
			return result, err
		}
	}

	// Step 5: wait for the rollouts.
	timeout := opts.RolloutTimeout
	if timeout <= 0 {
		timeout = p.project.RolloutTimeout()
	}
	for i := range result.Deployments {
		dr := &result.Deployments[i]
		if err := p.kube.WaitForRollout(ctx, ns, dr.Name, timeout); err != nil {
			return result, err
		}
		dr.RolledOut = true
	}

	// Step 6: probes are advisory.
	if !opts.SkipProbes && p.prober != nil {
		report := p.prober.Probe(ctx, smoke.Targets{BackendURL: envSpec.BackendURL, FrontendURL: envSpec.FrontendURL})
		result.Probes = &report
		for _, f := range report.Failed() {
			msg := fmt.Sprintf("%s probe failed for %s: %s", f.Name, f.URL, f.Error)
			result.Warnings = append(result.Warnings, msg)
			log.Warn("probe failed", zap.String("check", f.Name), zap.String("url", f.URL), zap.String("error", f.Error))
		}
	}

	result.Duration = time.Since(start)
	log.Info("promotion complete",
		zap.String("namespace", ns),
		zap.String("deployments", deploymentNames(result.Deployments)),
		zap.Duration("duration", result.Duration))
	return result, nil
}

func currentImage(containers []corev1.Container, name string) string {
	for _, c := range containers {
		if c.Name == name {
			return c.Image
		}
	}
	return ""
}

func deploymentNames(ds []DeploymentResult) string {
	names := make([]string, len(ds))
	for i, d := range ds {
		names[i] = d.Name
	}
	return strings.Join(names, ",")
}
