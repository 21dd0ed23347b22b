// Package cli: pipeline.go implements the "shipctl pipeline" command group.
//
// "pipeline run" executes the CI pipeline (pipeline.yaml, or the built-in
// one mirroring the Jenkinsfile stages) for the current branch, then
// writes pipeline-summary.json and pipeline.prom to the report directory
// and posts the summary to NOTIFY_WEBHOOK_URL. "pipeline plan" shows which
// stages a branch would run and "pipeline graph" prints the stage graph.
package cli

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/logrusorgru/aurora/v4"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shinji-kodama/shipctl/internal/argocd"
	"github.com/shinji-kodama/shipctl/internal/docker"
	"github.com/shinji-kodama/shipctl/internal/gate"
	"github.com/shinji-kodama/shipctl/internal/git"
	"github.com/shinji-kodama/shipctl/internal/gitops"
	"github.com/shinji-kodama/shipctl/internal/model"
	"github.com/shinji-kodama/shipctl/internal/pipeline"
	"github.com/shinji-kodama/shipctl/internal/promote"
	"github.com/shinji-kodama/shipctl/internal/security"
	"github.com/shinji-kodama/shipctl/internal/smoke"
	"github.com/shinji-kodama/shipctl/internal/sonar"
	"github.com/shinji-kodama/shipctl/internal/toolrun"
)

// pipelineFlags holds the flag values shared by the pipeline subcommands.
type pipelineFlags struct {
	// file is the pipeline definition, relative to the repository root.
	file string

	// fileSet is true when --file was given; the file is then required.
	fileSet bool

	// branch overrides BRANCH_NAME, GIT_BRANCH and the checked-out branch.
	branch string

	// tag overrides BUILD_NUMBER and the short HEAD commit.
	tag string

	// dryRun prints the steps instead of executing them.
	dryRun bool
}

// NewPipelineCommand creates the "pipeline" cobra command group.
func NewPipelineCommand() *cobra.Command {
	flags := &pipelineFlags{}

	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Run or inspect the CI pipeline",
		Long: `Run or inspect the CI pipeline.

The pipeline is read from pipeline.yaml at the repository root; without
that file the built-in pipeline is used: checkout, quality gate, Semgrep,
image build, Trivy, push, deploy to dev, DAST, deploy to hml, GitOps bump
and ArgoCD sync.`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			flags.fileSet = cmd.Flags().Changed("file")
			// cobra runs only the nearest PersistentPreRunE.
			return setup()
		},
	}

	cmd.PersistentFlags().StringVar(&flags.file, "file", pipeline.DefaultFile, "Pipeline definition")

	cmd.AddCommand(newPipelineRunCommand(flags))
	cmd.AddCommand(newPipelinePlanCommand(flags))
	cmd.AddCommand(newPipelineGraphCommand(flags))

	return cmd
}

func newPipelineRunCommand(flags *pipelineFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline",
		Long: `Run the pipeline stage by stage. Independent stages run concurrently.

Examples:
  shipctl pipeline run
  BRANCH_NAME=develop BUILD_NUMBER=42 shipctl pipeline run
  shipctl pipeline run --branch main --tag 1.4.0 --dry-run`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPipeline(cmd.Context(), cmd.OutOrStdout(), flags)
		},
	}

	cmd.Flags().StringVar(&flags.branch, "branch", "", "Branch to run for (default BRANCH_NAME, GIT_BRANCH, then the checked-out branch)")
	cmd.Flags().StringVar(&flags.tag, "tag", "", "Image tag (default BUILD_NUMBER, then the short HEAD commit)")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "Print the steps without running them")

	return cmd
}

func newPipelinePlanCommand(flags *pipelineFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "plan [branch]",
		Short: "Show which stages a branch would run",
		Long: `Evaluate the stage conditions for a branch without running anything.

Examples:
  shipctl pipeline plan develop
  BUILD_IMAGES=false shipctl pipeline plan main`,
		Args: rangeArgs(0, 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				flags.branch = args[0]
			}
			return runPipelinePlan(cmd.Context(), cmd.OutOrStdout(), flags)
		},
	}
}

func newPipelineGraphCommand(flags *pipelineFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "graph",
		Short: "Print the stage graph in DOT format",
		Long: `Print the stage dependency graph in Graphviz DOT format.

Examples:
  shipctl pipeline graph | dot -Tsvg > pipeline.svg`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			root, err := workDir()
			if err != nil {
				return err
			}
			def, err := loadPipeline(root, flags)
			if err != nil {
				return err
			}
			return pipeline.WriteDOT(def, cmd.OutOrStdout())
		},
	}
}

// loadPipeline reads the definition selected by --file.
func loadPipeline(root string, flags *pipelineFlags) (*pipeline.Definition, error) {
	path := flags.file
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	return pipeline.Load(path, flags.fileSet)
}

// runPipeline is the main logic function for the pipeline run command.
func runPipeline(ctx context.Context, w io.Writer, flags *pipelineFlags) error {
	// Step 1: load the definition.
	root, err := workDir()
	if err != nil {
		return err
	}
	def, err := loadPipeline(root, flags)
	if err != nil {
		return err
	}

	// Step 2: resolve branch and tag.
	repo := git.Open(root, newRunner(nil, false))
	branch, tag, err := resolveBuild(ctx, repo, flags)
	if err != nil {
		return err
	}

	// Step 3: wire the built-in actions.
	cmdOut := w
	if IsJSONOutput() {
		cmdOut = io.Discard
	}
	exec := newRunner(cmdOut, flags.dryRun)
	svc, closeServices := pipelineServices(ctx, repo, exec, flags.dryRun)
	defer closeServices()

	runner := pipeline.NewRunner(def, pipeline.Builtins(svc), exec, current.project, current.settings, root, current.logger)
	runner.Out = cmdOut

	// Step 4: run.
	report, runErr := runner.Run(ctx, pipeline.RunOptions{Branch: branch, Tag: tag, DryRun: flags.dryRun})
	if report == nil {
		return runErr
	}

	// Step 5: publish. Notification failures are logged, never fatal.
	if !flags.dryRun {
		// The run context may be cancelled; the summary is still written.
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		pipeline.NewNotifier(runner.ReportDir(), current.settings.NotifyWebhookURL, current.logger).Publish(pubCtx, report)
	}

	printPipelineReport(w, report)
	return runErr
}

// resolveBuild picks the branch and the image tag for a run.
func resolveBuild(ctx context.Context, repo *git.Repo, flags *pipelineFlags) (string, string, error) {
	branch := flags.branch
	if branch == "" {
		branch = git.BranchFromEnv(getenv)
	}
	if branch == "" {
		b, err := repo.CurrentBranch(ctx)
		if err != nil {
			return "", "", err
		}
		branch = b
	}

	tag := flags.tag
	if tag == "" {
		tag = strings.TrimSpace(getenv("BUILD_NUMBER"))
	}
	if tag == "" {
		commit, err := repo.HeadCommit(ctx, true)
		if err != nil {
			return "", "", err
		}
		tag = commit
	}
	return branch, tag, nil
}

// pipelineServices builds the clients behind the built-in actions. Docker
// is optional; actions needing it fail when they run. Dry runs execute no
// action, so nothing is connected.
func pipelineServices(ctx context.Context, repo *git.Repo, exec toolrun.Runner, dryRun bool) (pipeline.Services, func()) {
	logger := current.logger
	settings := current.settings

	var dc *docker.Client
	var containers security.ContainerRunner
	closeFn := func() {}
	if !dryRun {
		c, err := newDockerClient(ctx)
		if err != nil {
			logger.Warn("docker is not available", zap.Error(err))
		} else {
			dc = c
			containers = c
			closeFn = func() { _ = c.Close() }
		}
	}

	creds := git.Credentials{Username: settings.GitUsername, Password: settings.GitPassword}
	svc := pipeline.Services{
		Git:      repo,
		Sonar:    sonar.NewClient(settings.SonarHostURL, settings.SonarToken, logger),
		Images:   docker.NewBuilder(exec, dc, logger),
		Deployer: deployerFunc(promoteLazily),
		GitOps:   gitops.NewBumper(repo, current.project, creds, logger),
		ArgoCD:   argocd.NewSyncer(exec, argocd.Connection{Server: settings.ArgoCDServer, Token: settings.ArgoCDToken}, logger),
		Security: security.New(exec, containers, logger),
	}
	return svc, closeFn
}

// deployerFunc adapts a function to pipeline.Deployer.
type deployerFunc func(ctx context.Context, env, tag string, opts promote.Options) (*promote.Result, error)

func (f deployerFunc) Promote(ctx context.Context, env, tag string, opts promote.Options) (*promote.Result, error) {
	return f(ctx, env, tag, opts)
}

// promoteLazily connects to the cluster on the first deploy, so pipelines
// that never deploy run without a kubeconfig.
func promoteLazily(ctx context.Context, env, tag string, opts promote.Options) (*promote.Result, error) {
	kc, err := newKubeClient()
	if err != nil {
		return nil, err
	}
	prober := smoke.NewProber(current.project.ProbeTimeout(), current.logger)
	return promote.New(kc, current.project, current.settings, prober, current.logger).Promote(ctx, env, tag, opts)
}

// printPipelineReport outputs the run in text or JSON format.
//
// The table format is:
//
//	STAGE      STATUS     DURATION  DETAIL
//	checkout   succeeded  1.2s
//	semgrep    succeeded  14.3s     soft failure: semgrep
//	deploy-hml skipped    0s        branch develop does not deploy to hml
func printPipelineReport(w io.Writer, report *pipeline.Report) {
	if IsJSONOutput() {
		printJSON(w, report)
		return
	}

	t := newTable(w)
	t.AddHeader("STAGE", "STATUS", "DURATION", "DETAIL")
	for _, s := range report.Stages {
		t.AddLine(s.Name, colorStatus(s.Status), formatDuration(s.Duration), stageDetail(s))
	}
	t.Print()

	for _, soft := range report.SoftFailures() {
		fmt.Fprintf(w, "%s step %s failed and was allowed to fail\n", aurora.Yellow("warning:"), soft)
	}

	prefix := ""
	if report.DryRun {
		prefix = "Dry run: "
	}
	fmt.Fprintf(w, "%sPipeline %s %s on %s (tag %s) in %s\n", prefix, report.Pipeline,
		colorStatus(report.Status), report.Branch, report.Tag, formatDuration(report.Duration))
}

// stageDetail is the reason of a stage, or the steps that failed softly.
func stageDetail(s pipeline.StageResult) string {
	if s.Reason != "" {
		return s.Reason
	}
	var soft []string
	for _, step := range s.Steps {
		if step.AllowFailure && step.Status == model.StatusFailed {
			soft = append(soft, step.Name)
		}
	}
	if len(soft) > 0 {
		return "soft failure: " + strings.Join(soft, ", ")
	}
	return ""
}

// planResultJSON is the JSON output of the pipeline plan command.
type planResultJSON struct {
	Branch       string                 `json:"branch"`
	Environments []model.Environment    `json:"environments"`
	Stages       []pipeline.StageResult `json:"stages"`
}

// runPipelinePlan is the main logic function for the pipeline plan command.
func runPipelinePlan(ctx context.Context, w io.Writer, flags *pipelineFlags) error {
	root, err := workDir()
	if err != nil {
		return err
	}
	def, err := loadPipeline(root, flags)
	if err != nil {
		return err
	}

	branch := flags.branch
	if branch == "" {
		branch = git.BranchFromEnv(getenv)
	}
	if branch == "" {
		if branch, err = git.Open(root, newRunner(nil, false)).CurrentBranch(ctx); err != nil {
			return err
		}
	}

	runner := pipeline.NewRunner(def, nil, nil, current.project, current.settings, root, current.logger)
	stages, err := runner.Plan(branch)
	if err != nil {
		return model.WrapCLIError(model.ExitInvalidArgument, "invalid pipeline", err)
	}

	result := planResultJSON{
		Branch:       gate.NormalizeBranch(branch),
		Environments: gate.Environments(branch),
		Stages:       stages,
	}
	if IsJSONOutput() {
		printJSON(w, result)
		return nil
	}

	fmt.Fprintf(w, "Pipeline %s for branch %s\n", def.Name, aurora.Bold(result.Branch))
	t := newTable(w)
	t.AddHeader("STAGE", "STATUS", "REASON")
	for _, s := range stages {
		status := "run"
		if s.Status == model.StatusSkipped {
			status = "skip"
		}
		t.AddLine(s.Name, status, s.Reason)
	}
	t.Print()
	return nil
}
