package pipeline

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shinji-kodama/shipctl/internal/config"
	"github.com/shinji-kodama/shipctl/internal/gate"
	shiplog "github.com/shinji-kodama/shipctl/internal/log"
	"github.com/shinji-kodama/shipctl/internal/model"
	"github.com/shinji-kodama/shipctl/internal/toolrun"
)

// StepResult records one step.
type StepResult struct {
	Name         string            `json:"name"`
	Status       model.StageStatus `json:"status"`
	AllowFailure bool              `json:"allowFailure,omitempty"`
	Error        string            `json:"error,omitempty"`
	Duration     time.Duration     `json:"durationNs"`
}

// StageResult records one stage.
type StageResult struct {
	Name     string            `json:"name"`
	Status   model.StageStatus `json:"status"`
	Reason   string            `json:"reason,omitempty"`
	Steps    []StepResult      `json:"steps,omitempty"`
	Duration time.Duration     `json:"durationNs"`
}

// Report is the outcome of a pipeline run.
type Report struct {
	RunID    string            `json:"runId"`
	Pipeline string            `json:"pipeline"`
	Branch   string            `json:"branch"`
	Tag      string            `json:"tag"`
	DryRun   bool              `json:"dryRun"`
	Status   model.StageStatus `json:"status"`
	Stages   []StageResult     `json:"stages"`
	Started  time.Time         `json:"started"`
	Duration time.Duration     `json:"durationNs"`
	Error    string            `json:"error,omitempty"`
}

// Stage returns the result of the stage named name.
func (r *Report) Stage(name string) (StageResult, bool) {
	for _, s := range r.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return StageResult{}, false
}

// SoftFailures lists the allowFailure steps that failed, as "stage/step".
func (r *Report) SoftFailures() []string {
	var out []string
	for _, s := range r.Stages {
		for _, step := range s.Steps {
			if step.AllowFailure && step.Status == model.StatusFailed {
				out = append(out, s.Name+"/"+step.Name)
			}
		}
	}
	return out
}

// RunOptions configure a run.
type RunOptions struct {
	Branch string
	Tag    string

	// RunID labels the run; empty generates a UUID.
	RunID string

	// DryRun prints the plan: run steps go to the (recording) runner,
	// action steps are printed and not executed.
	DryRun bool
}

// Runner executes a Definition.
type Runner struct {
	def      *Definition
	actions  Registry
	exec     toolrun.Runner
	project  *config.Project
	settings config.Settings
	getenv   func(string) string
	root     string
	logger   *zap.Logger

	// Out receives dry-run lines for action steps.
	Out io.Writer
}

// NewRunner creates a Runner. root is the repository directory; run
// steps resolve Dir against it.
func NewRunner(def *Definition, actions Registry, exec toolrun.Runner, project *config.Project, settings config.Settings, root string, logger *zap.Logger) *Runner {
	return &Runner{
		def:      def,
		actions:  actions,
		exec:     exec,
		project:  project,
		settings: settings,
		root:     root,
		logger:   shiplog.OrNop(logger),
	}
}

// WithGetenv overrides the lookup of toggles unknown to Settings.
func (r *Runner) WithGetenv(getenv func(string) string) *Runner {
	r.getenv = getenv
	return r
}

// Plan evaluates the stage conditions for branch without running
// anything. Every stage is either pending (would run) or skipped.
func (r *Runner) Plan(branch string) ([]StageResult, error) {
	if _, err := Levels(r.def); err != nil {
		return nil, err
	}
	cond := Conditions{Branch: branch, Settings: r.settings, Getenv: r.getenv}
	plan := make([]StageResult, 0, len(r.def.Stages))
	for _, s := range r.def.Stages {
		if ok, reason := cond.Evaluate(s.When); !ok {
			plan = append(plan, StageResult{Name: s.Name, Status: model.StatusSkipped, Reason: reason})
			continue
		}
		plan = append(plan, StageResult{Name: s.Name, Status: model.StatusPending})
	}
	return plan, nil
}

// Run executes the pipeline level by level. The returned report is
// complete even when err is non-nil.
func (r *Runner) Run(ctx context.Context, opts RunOptions) (*Report, error) {
	report := &Report{
		RunID:    opts.RunID,
		Pipeline: r.def.Name,
		Branch:   gate.NormalizeBranch(opts.Branch),
		Tag:      opts.Tag,
		DryRun:   opts.DryRun,
		Started:  time.Now(),
	}
	if report.RunID == "" {
		report.RunID = uuid.New().String()
	}

	levels, err := Levels(r.def)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitInvalidArgument, "invalid pipeline", err)
	}
	if err := r.checkActions(); err != nil {
		return nil, err
	}

	state := newRunState(r.def)
	cond := Conditions{Branch: opts.Branch, Settings: r.settings, Getenv: r.getenv}
	ac := &ActionContext{
		Branch:    opts.Branch,
		Tag:       opts.Tag,
		RunID:     report.RunID,
		Root:      r.root,
		ReportDir: r.ReportDir(),
		Project:   r.project,
		Settings:  r.settings,
		Runner:    r.exec,
		Logger:    r.logger,
	}
	log := r.logger.With(zap.String("run", report.RunID))
	log.Info("pipeline started", zap.String("branch", report.Branch), zap.String("tag", opts.Tag), zap.Int("levels", len(levels)))

	var runErr error
	for _, level := range levels {
		if runErr != nil {
			for _, name := range level {
				state.finish(name, model.StatusAborted, "an earlier stage failed", 0)
			}
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, name := range level {
			stage, _ := r.def.Stage(name)

			if blocked := state.blockedBy(stage); blocked != "" {
				state.finish(name, model.StatusAborted, fmt.Sprintf("needs %s which did not succeed", blocked), 0)
				continue
			}
			if ok, reason := cond.Evaluate(stage.When); !ok {
				log.Info("stage skipped", zap.String("stage", name), zap.String("reason", reason))
				state.finish(name, model.StatusSkipped, reason, 0)
				continue
			}

			g.Go(func() error {
				return r.runStage(gctx, stage, ac, state, opts.DryRun)
			})
		}
		runErr = g.Wait()
		if runErr == nil && ctx.Err() != nil {
			runErr = ctx.Err()
		}
	}

	report.Stages = state.results()
	report.Duration = time.Since(report.Started)
	report.Status = model.StatusSucceeded
	if runErr != nil {
		report.Status = model.StatusFailed
		report.Error = runErr.Error()
		log.Error("pipeline failed", zap.Error(runErr), zap.Duration("duration", report.Duration))
		if ctx.Err() != nil {
			return report, model.WrapCLIError(model.ExitUserCancelled, "pipeline cancelled", runErr)
		}
		if model.ExitCodeOf(runErr) == model.ExitGeneralError {
			runErr = model.WrapCLIError(model.ExitGeneralError, "pipeline failed", runErr)
		}
		return report, runErr
	}
	log.Info("pipeline succeeded", zap.Duration("duration", report.Duration))
	return report, nil
}

// runStage runs the steps of stage. The stage fails on the first hard
// step failure; a failure caused by another stage cancelling ctx is
// recorded as aborted.
func (r *Runner) runStage(ctx context.Context, stage Stage, ac *ActionContext, state *runState, dryRun bool) error {
	start := time.Now()
	state.start(stage.Name)
	log := r.logger.With(zap.String("stage", stage.Name))
	log.Info("stage started", zap.Int("steps", len(stage.Steps)), zap.Bool("parallel", stage.Parallel))

	steps := make([]StepResult, len(stage.Steps))
	for i, s := range stage.Steps {
		steps[i] = StepResult{Name: s.StepLabel(), Status: model.StatusPending, AllowFailure: s.AllowFailure}
	}

	var err error
	if stage.Parallel {
		g, gctx := errgroup.WithContext(ctx)
		for i, s := range stage.Steps {
			g.Go(func() error {
				return r.runStep(gctx, s, ac, &steps[i], dryRun, log)
			})
		}
		err = g.Wait()
	} else {
		for i, s := range stage.Steps {
			if err = r.runStep(ctx, s, ac, &steps[i], dryRun, log); err != nil {
				break
			}
		}
	}

	for i := range steps {
		if !steps[i].Status.IsTerminal() {
			steps[i].Status = model.StatusAborted
		}
	}
	state.setSteps(stage.Name, steps)

	if err == nil {
		state.finish(stage.Name, model.StatusSucceeded, "", time.Since(start))
		log.Info("stage succeeded", zap.Duration("duration", time.Since(start)))
		return nil
	}
	if state.claimFailure(stage.Name) {
		state.finish(stage.Name, model.StatusFailed, err.Error(), time.Since(start))
		log.Error("stage failed", zap.Error(err))
		return errors.Wrapf(err, "stage %q", stage.Name)
	}
	state.finish(stage.Name, model.StatusAborted, "cancelled by another failing stage", time.Since(start))
	return err
}

// runStep runs one step and records its result in res. Soft-fail steps
// never return an error.
func (r *Runner) runStep(ctx context.Context, step Step, ac *ActionContext, res *StepResult, dryRun bool, log *zap.Logger) error {
	if ctx.Err() != nil {
		res.Status = model.StatusAborted
		return ctx.Err()
	}
	start := time.Now()
	res.Status = model.StatusRunning

	err := r.execStep(ctx, step, ac, dryRun)
	res.Duration = time.Since(start)
	if err == nil {
		res.Status = model.StatusSucceeded
		return nil
	}

	res.Error = err.Error()
	if step.AllowFailure {
		res.Status = model.StatusFailed
		log.Warn("step failed, continuing", zap.String("step", res.Name), zap.Error(err))
		return nil
	}
	if ctx.Err() != nil {
		res.Status = model.StatusAborted
		return err
	}
	res.Status = model.StatusFailed
	return errors.Wrapf(err, "step %q", res.Name)
}

func (r *Runner) execStep(ctx context.Context, step Step, ac *ActionContext, dryRun bool) error {
	if step.Uses != "" {
		if dryRun {
			r.printAction(step)
			return nil
		}
		action := r.actions[step.Uses]
		return action(ctx, ac, step.With)
	}

	cmd, err := toolrun.Parse(step.Run)
	if err != nil {
		return model.WrapCLIError(model.ExitInvalidArgument, "invalid run step", err)
	}
	cmd.Dir = r.root
	if step.Dir != "" {
		cmd.Dir = filepath.Join(r.root, step.Dir)
	}
	_, err = r.exec.Run(ctx, cmd)
	return err
}

func (r *Runner) printAction(step Step) {
	if r.Out == nil {
		return
	}
	keys := make([]string, 0, len(step.With))
	for k := range step.With {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := []string{"uses", step.Uses}
	for _, k := range keys {
		parts = append(parts, k+"="+step.With[k])
	}
	fmt.Fprintf(r.Out, "+ %s\n", strings.Join(parts, " "))
}

// checkActions rejects definitions using unknown actions before anything
// runs.
func (r *Runner) checkActions() error {
	var unknown []string
	for _, a := range r.def.Actions() {
		if _, ok := r.actions[a]; !ok {
			unknown = append(unknown, a)
		}
	}
	if len(unknown) > 0 {
		return model.NewCLIError(model.ExitInvalidArgument,
			fmt.Sprintf("unknown action(s): %s (available: %s)",
				strings.Join(unknown, ", "), strings.Join(r.actions.Names(), ", ")))
	}
	return nil
}

// ReportDir is where actions and the notifier write reports, relative
// paths resolved against the repository root.
func (r *Runner) ReportDir() string {
	dir := r.settings.ReportDir
	if dir == "" {
		dir = config.DefaultReportDir
	}
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(r.root, dir)
}

// runState holds stage results shared by concurrently running stages.
type runState struct {
	mu      sync.Mutex
	order   []string
	stages  map[string]*StageResult
	needs   map[string][]string
	failure string
}

func newRunState(def *Definition) *runState {
	s := &runState{stages: map[string]*StageResult{}, needs: map[string][]string{}}
	for _, st := range def.Stages {
		s.order = append(s.order, st.Name)
		s.stages[st.Name] = &StageResult{Name: st.Name, Status: model.StatusPending}
		s.needs[st.Name] = st.Needs
	}
	return s
}

func (s *runState) start(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stages[name].Status = model.StatusRunning
}

func (s *runState) finish(name string, status model.StageStatus, reason string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stages[name]
	st.Status, st.Reason, st.Duration = status, reason, d
}

func (s *runState) setSteps(name string, steps []StepResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stages[name].Steps = steps
}

// claimFailure records name as the failing stage unless another stage
// failed first.
func (s *runState) claimFailure(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != "" {
		return false
	}
	s.failure = name
	return true
}

// blockedBy returns the first need of stage that does not allow
// dependents, or "".
func (s *runState) blockedBy(stage Stage) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.needs[stage.Name] {
		if !s.stages[n].Status.AllowsDependents() {
			return n
		}
	}
	return ""
}

func (s *runState) results() []StageResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StageResult, len(s.order))
	for i, name := range s.order {
		out[i] = *s.stages[name]
	}
	return out
}
