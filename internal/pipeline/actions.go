package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/shinji-kodama/shipctl/internal/argocd"
	"github.com/shinji-kodama/shipctl/internal/config"
	"github.com/shinji-kodama/shipctl/internal/docker"
	"github.com/shinji-kodama/shipctl/internal/gate"
	"github.com/shinji-kodama/shipctl/internal/gitops"
	"github.com/shinji-kodama/shipctl/internal/model"
	"github.com/shinji-kodama/shipctl/internal/promote"
	"github.com/shinji-kodama/shipctl/internal/security"
	"github.com/shinji-kodama/shipctl/internal/sonar"
	"github.com/shinji-kodama/shipctl/internal/toolrun"
)

// Built-in action names.
const (
	ActionCheckout    = "git.checkout"
	ActionQualityGate = "sonar.qualitygate"
	ActionSemgrep     = "semgrep"
	ActionDockerBuild = "docker.build"
	ActionDockerPush  = "docker.push"
	ActionTrivyImage  = "trivy.image"
	ActionDeploy      = "deploy"
	ActionGitOpsBump  = "gitops.bump"
	ActionDAST        = "dast"
	ActionArgoCDSync  = "argocd.sync"
)

// ActionContext is what an action sees of the run.
type ActionContext struct {
	Branch    string
	Tag       string
	RunID     string
	Root      string
	ReportDir string
	Project   *config.Project
	Settings  config.Settings
	Runner    toolrun.Runner
	Logger    *zap.Logger
}

// Action is a built-in step implementation.
type Action func(ctx context.Context, ac *ActionContext, with map[string]string) error

// Registry maps action names to implementations.
type Registry map[string]Action

// Names returns the registered action names, sorted.
func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for n := range r {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Service interfaces satisfied by the concrete clients. Actions whose
// service is nil fail with a "not configured" error when used.
type (
	Checkouter interface {
		Checkout(ctx context.Context, ref string) error
		HeadCommit(ctx context.Context, short bool) (string, error)
	}
	QualityGate interface {
		QualityGate(ctx context.Context, projectKey string) (*sonar.GateResult, error)
	}
	ImageBuilder interface {
		Build(ctx context.Context, spec docker.BuildSpec) error
		Push(ctx context.Context, refs ...string) error
	}
	Deployer interface {
		Promote(ctx context.Context, env, tag string, opts promote.Options) (*promote.Result, error)
	}
	Bumper interface {
		Bump(ctx context.Context, env model.Environment, tag string, opts gitops.Options) (*gitops.Result, error)
	}
	Syncer interface {
		Sync(ctx context.Context, app string, timeout time.Duration) (*argocd.SyncResult, error)
	}
	Scanner interface {
		Run(ctx context.Context, opts security.Options) (*security.Summary, error)
	}
)

// Services backs the built-in actions.
type Services struct {
	Git      Checkouter
	Sonar    QualityGate
	Images   ImageBuilder
	Deployer Deployer
	GitOps   Bumper
	ArgoCD   Syncer
	Security Scanner
}

// Builtins returns the built-in actions bound to svc.
func Builtins(svc Services) Registry {
	return Registry{
		ActionCheckout:    svc.checkout,
		ActionQualityGate: svc.qualityGate,
		ActionSemgrep:     semgrep,
		ActionDockerBuild: svc.dockerBuild,
		ActionDockerPush:  svc.dockerPush,
		ActionTrivyImage:  trivyImage,
		ActionDeploy:      svc.deploy,
		ActionGitOpsBump:  svc.gitopsBump,
		ActionDAST:        svc.dast,
		ActionArgoCDSync:  svc.argocdSync,
	}
}

func notConfigured(action string) error {
	return model.NewCLIError(model.ExitInvalidArgument, fmt.Sprintf("action %s is not configured", action))
}

func (s Services) checkout(ctx context.Context, ac *ActionContext, with map[string]string) error {
	if s.Git == nil {
		return notConfigured(ActionCheckout)
	}
	if ref := with["ref"]; ref != "" {
		if err := s.Git.Checkout(ctx, ref); err != nil {
			return err
		}
	}
	commit, err := s.Git.HeadCommit(ctx, true)
	if err != nil {
		return err
	}
	ac.Logger.Info("checked out", zap.String("branch", ac.Branch), zap.String("commit", commit))
	return nil
}

func (s Services) qualityGate(ctx context.Context, ac *ActionContext, with map[string]string) error {
	if s.Sonar == nil {
		return notConfigured(ActionQualityGate)
	}
	key := with["projectKey"]
	if key == "" {
		key = ac.Project.SonarProjectKey
	}
	_, err := s.Sonar.QualityGate(ctx, key)
	return err
}

func semgrep(ctx context.Context, ac *ActionContext, with map[string]string) error {
	ruleset := with["config"]
	if ruleset == "" {
		ruleset = security.SemgrepRuleset
	}
	_, err := ac.Runner.Run(ctx, toolrun.Command{
		Name: "semgrep",
		Args: []string{"--config", ruleset, "--json", "-o", filepath.Join(ac.ReportDir, security.SemgrepReport), "."},
		Dir:  ac.Root,
	})
	return err
}

func (s Services) dockerBuild(ctx context.Context, ac *ActionContext, _ map[string]string) error {
	if s.Images == nil {
		return notConfigured(ActionDockerBuild)
	}
	for _, d := range ac.Project.Deployments {
		spec := docker.BuildSpec{
			Ref:        ac.Settings.ImageRef(d.Image, ac.Tag),
			LatestRef:  ac.Settings.ImageRef(d.Image, "latest"),
			Dockerfile: d.Dockerfile,
			Context:    filepath.Join(ac.Root, d.Context),
		}
		if err := s.Images.Build(ctx, spec); err != nil {
			return errors.Wrapf(err, "build of %s", d.Image)
		}
	}
	return nil
}

func (s Services) dockerPush(ctx context.Context, ac *ActionContext, _ map[string]string) error {
	if s.Images == nil {
		return notConfigured(ActionDockerPush)
	}
	var refs []string
	for _, d := range ac.Project.Deployments {
		refs = append(refs, ac.Settings.ImageRef(d.Image, ac.Tag), ac.Settings.ImageRef(d.Image, "latest"))
	}
	return s.Images.Push(ctx, refs...)
}

func trivyImage(ctx context.Context, ac *ActionContext, with map[string]string) error {
	severity := with["severity"]
	if severity == "" {
		severity = "HIGH,CRITICAL"
	}
	for _, d := range ac.Project.Deployments {
		report := filepath.Join(ac.ReportDir, "trivy-"+d.Image+".json")
		_, err := ac.Runner.Run(ctx, toolrun.Command{
			Name: "trivy",
			Args: []string{"image", "--format", "json", "-o", report, "--severity", severity, ac.Settings.ImageRef(d.Image, ac.Tag)},
		})
		if err != nil {
			return errors.Wrapf(err, "image scan of %s", d.Image)
		}
	}
	return nil
}

func (s Services) deploy(ctx context.Context, ac *ActionContext, with map[string]string) error {
	if s.Deployer == nil {
		return notConfigured(ActionDeploy)
	}
	env, err := envInput(with)
	if err != nil {
		return err
	}
	_, err = s.Deployer.Promote(ctx, env.String(), ac.Tag, promote.Options{})
	return err
}

func (s Services) gitopsBump(ctx context.Context, ac *ActionContext, with map[string]string) error {
	if s.GitOps == nil {
		return notConfigured(ActionGitOpsBump)
	}
	env, err := envInput(with)
	if err != nil {
		return err
	}
	_, err = s.GitOps.Bump(ctx, env, ac.Tag, gitops.Options{Branch: gate.NormalizeBranch(ac.Branch)})
	return err
}

func (s Services) dast(ctx context.Context, ac *ActionContext, with map[string]string) error {
	if s.Security == nil {
		return notConfigured(ActionDAST)
	}
	env, err := envInput(with)
	if err != nil {
		return err
	}
	target := with["url"]
	if target == "" {
		target = ac.Project.Environment(env).BackendURL
	}
	_, err = s.Security.Run(ctx, security.Options{
		TargetURL: target,
		ReportDir: filepath.Join(ac.ReportDir, "security-"+env.String()),
		SourceDir: ac.Root,
		FullDAST:  ac.Settings.FullDAST,
		RunID:     ac.RunID,
	})
	return err
}

// argocdSync syncs the application of with["env"], or of every
// environment the branch deploys to.
func (s Services) argocdSync(ctx context.Context, ac *ActionContext, with map[string]string) error {
	if s.ArgoCD == nil {
		return notConfigured(ActionArgoCDSync)
	}
	envs := gate.Environments(ac.Branch)
	if with["env"] != "" {
		env, err := envInput(with)
		if err != nil {
			return err
		}
		envs = []model.Environment{env}
	}
	if len(envs) == 0 {
		ac.Logger.Info("branch deploys nowhere, nothing to sync", zap.String("branch", ac.Branch))
		return nil
	}
	for _, env := range envs {
		if _, err := s.ArgoCD.Sync(ctx, ac.Project.Environment(env).ArgoCDApp, 0); err != nil {
			return err
		}
	}
	return nil
}

func envInput(with map[string]string) (model.Environment, error) {
	env, err := model.ParseEnvironment(strings.TrimSpace(with["env"]))
	if err != nil {
		return "", model.WrapCLIError(model.ExitInvalidArgument, "invalid action input env", err)
	}
	return env, nil
}
