// Package cleanup removes the cluster resources shipctl and the cluster
// bootstrap created.
//
// A cleanup is:
//  1. parse the target (unknown → ExitInvalidArgument, nothing deleted)
//  2. build the plan of items to delete
//  3. ask for confirmation unless forced (declined → ExitUserCancelled)
//  4. delete each item in plan order
//
// Deleting something that is already gone is reported as skipped, so a
// cleanup can be re-run after a partial failure.
package cleanup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/shinji-kodama/shipctl/internal/config"
	"github.com/shinji-kodama/shipctl/internal/docker"
	"github.com/shinji-kodama/shipctl/internal/kube"
	shiplog "github.com/shinji-kodama/shipctl/internal/log"
	"github.com/shinji-kodama/shipctl/internal/model"
	"github.com/shinji-kodama/shipctl/internal/toolrun"
)

// Item kinds.
const (
	KindNamespace   = "namespace"
	KindHelmRelease = "helm-release"
	KindContainers  = "scanner-containers"
)

// Item outcomes.
const (
	ActionDeleted = "deleted"
	ActionSkipped = "skipped"
	ActionFailed  = "failed"
)

// Namespaces owned by the non-application targets.
const (
	ArgoCDNamespace     = "argocd"
	MonitoringNamespace = "monitoring"
	JenkinsNamespace    = "jenkins"
	MonitoringRelease   = "kube-prometheus-stack"
)

// Item is one thing the cleanup deletes.
type Item struct {
	Target model.CleanupTarget `json:"target"`
	Kind   string              `json:"kind"`
	Name   string              `json:"name"`

	// Soft items log failures and carry on.
	Soft bool `json:"soft,omitempty"`
}

// String renders the item for the confirmation prompt.
func (i Item) String() string {
	return fmt.Sprintf("%s %s", i.Kind, i.Name)
}

// ItemResult is the outcome of deleting one Item.
type ItemResult struct {
	Item
	Action string `json:"action"`
	Detail string `json:"detail,omitempty"`
}

// Result summarises a cleanup.
type Result struct {
	Target   model.CleanupTarget `json:"target"`
	Items    []ItemResult        `json:"items"`
	Duration time.Duration       `json:"durationNs"`
}

// Deleted counts the items actually removed.
func (r Result) Deleted() int {
	n := 0
	for _, i := range r.Items {
		if i.Action == ActionDeleted {
			n++
		}
	}
	return n
}

// ConfirmFunc asks the user whether the plan may proceed.
type ConfirmFunc func(target model.CleanupTarget, plan []Item) (bool, error)

// ContainerRemover removes leftover scanner containers. *docker.Client
// satisfies it.
type ContainerRemover interface {
	RemoveManaged(ctx context.Context) ([]docker.ScannerContainer, error)
}

// Options configure a run.
type Options struct {
	// Force skips the confirmation.
	Force bool

	// Confirm is called when Force is false. A nil Confirm declines.
	Confirm ConfirmFunc

	// Target selects the cluster for helm. It must match the cluster of
	// the kube.Client.
	Target kube.Target
}

// Cleaner deletes resources from one cluster.
type Cleaner struct {
	kube       *kube.Client
	runner     toolrun.Runner
	containers ContainerRemover
	project    *config.Project
	logger     *zap.Logger
}

// New creates a Cleaner. containers may be nil when Docker is not
// available; "all" then skips the container sweep.
func New(kc *kube.Client, runner toolrun.Runner, containers ContainerRemover, project *config.Project, logger *zap.Logger) *Cleaner {
	return &Cleaner{
		kube:       kc,
		runner:     runner,
		containers: containers,
		project:    project,
		logger:     shiplog.OrNop(logger),
	}
}

// ParseTarget validates the positional target argument.
func ParseTarget(s string) (model.CleanupTarget, error) {
	t, err := model.ParseCleanupTarget(s)
	if err != nil {
		return "", model.WrapCLIError(model.ExitInvalidArgument, "invalid cleanup target", err)
	}
	return t, nil
}

// Plan lists the items target covers, in deletion order.
func (c *Cleaner) Plan(target model.CleanupTarget) []Item {
	var plan []Item
	for _, t := range target.Expand() {
		switch t {
		case model.CleanupDev, model.CleanupHML:
			ns := c.project.Environment(model.Environment(t)).Namespace
			plan = append(plan, Item{Target: t, Kind: KindNamespace, Name: ns})
		case model.CleanupArgoCD:
			plan = append(plan, Item{Target: t, Kind: KindNamespace, Name: ArgoCDNamespace})
		case model.CleanupMonitoring:
			plan = append(plan,
				Item{Target: t, Kind: KindHelmRelease, Name: MonitoringRelease, Soft: true},
				Item{Target: t, Kind: KindNamespace, Name: MonitoringNamespace})
		case model.CleanupJenkins:
			plan = append(plan, Item{Target: t, Kind: KindNamespace, Name: JenkinsNamespace})
		}
	}
	if target == model.CleanupAll {
		plan = append(plan, Item{Target: model.CleanupAll, Kind: KindContainers, Name: docker.LabelManagedBy + "=" + docker.ManagedByValue, Soft: true})
	}
	return plan
}

// Run deletes target. See the package documentation for the steps.
func (c *Cleaner) Run(ctx context.Context, targetArg string, opts Options) (*Result, error) {
	start := time.Now()

	// Step 1.
	target, err := ParseTarget(targetArg)
	if err != nil {
		return nil, err
	}

	// Step 2.
	plan := c.Plan(target)

	// Step 3.
	if !opts.Force {
		confirmed := false
		if opts.Confirm != nil {
			confirmed, err = opts.Confirm(target, plan)
			if err != nil {
				return nil, model.WrapCLIError(model.ExitGeneralError, "failed to read user input", err)
			}
		}
		if !confirmed {
			return nil, model.NewCLIError(model.ExitUserCancelled, "operation cancelled by user")
		}
	}

	// Step 4.
	result := &Result{Target: target}
	for _, item := range plan {
		res, err := c.delete(ctx, item, opts.Target)
		if err != nil {
			if !item.Soft {
				return result, err
			}
			c.logger.Warn("cleanup step failed, continuing", zap.String("item", item.String()), zap.Error(err))
			res = ItemResult{Item: item, Action: ActionFailed, Detail: err.Error()}
		}
		result.Items = append(result.Items, res)
	}

	result.Duration = time.Since(start)
	return result, nil
}

func (c *Cleaner) delete(ctx context.Context, item Item, target kube.Target) (ItemResult, error) {
	switch item.Kind {
	case KindNamespace:
		existed, err := c.kube.DeleteNamespace(ctx, item.Name)
		if err != nil {
			return ItemResult{}, err
		}
		if !existed {
			return ItemResult{Item: item, Action: ActionSkipped, Detail: "not found"}, nil
		}
		return ItemResult{Item: item, Action: ActionDeleted}, nil

	case KindHelmRelease:
		_, err := c.runner.Run(ctx, target.Apply(toolrun.Command{
			Name: "helm",
			Args: []string{"uninstall", item.Name, "--namespace", MonitoringNamespace},
		}))
		if isReleaseNotFound(err) {
			return ItemResult{Item: item, Action: ActionSkipped, Detail: "not found"}, nil
		}
		if err != nil {
			return ItemResult{}, err
		}
		return ItemResult{Item: item, Action: ActionDeleted}, nil

	case KindContainers:
		if c.containers == nil {
			return ItemResult{Item: item, Action: ActionSkipped, Detail: "docker not available"}, nil
		}
		removed, err := c.containers.RemoveManaged(ctx)
		if err != nil {
			return ItemResult{}, err
		}
		if len(removed) == 0 {
			return ItemResult{Item: item, Action: ActionSkipped, Detail: "none found"}, nil
		}
		return ItemResult{Item: item, Action: ActionDeleted, Detail: fmt.Sprintf("%d container(s)", len(removed))}, nil
	}
	return ItemResult{}, fmt.Errorf("unknown cleanup item kind %q", item.Kind)
}

// isReleaseNotFound matches helm's "Error: uninstall: Release not loaded:
// kube-prometheus-stack: release: not found".
func isReleaseNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "release: not found")
}
