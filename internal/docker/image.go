package docker

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	shiplog "github.com/shinji-kodama/shipctl/internal/log"
	"github.com/shinji-kodama/shipctl/internal/model"
	"github.com/shinji-kodama/shipctl/internal/toolrun"
)

// TagImage adds target as a tag of source through the Engine API.
func (c *Client) TagImage(ctx context.Context, source, target string) error {
	if err := c.inner.ImageTag(ctx, source, target); err != nil {
		return model.WrapCLIError(model.ExitToolFailed,
			fmt.Sprintf("failed to tag %s as %s", source, target), err)
	}
	return nil
}

// ImageID returns the local image ID of ref.
func (c *Client) ImageID(ctx context.Context, ref string) (string, error) {
	inspect, err := c.inner.ImageInspect(ctx, ref)
	if err != nil {
		return "", model.WrapCLIError(model.ExitToolFailed,
			fmt.Sprintf("image %s not found locally", ref), err)
	}
	return inspect.ID, nil
}

// BuildSpec describes one application image.
type BuildSpec struct {
	// Ref is the full reference including registry and tag.
	Ref string

	// LatestRef, when set, is tagged onto the built image as well.
	LatestRef string

	Dockerfile string
	Context    string
}

// Builder builds and pushes application images with the docker CLI.
type Builder struct {
	runner toolrun.Runner
	client *Client
	logger *zap.Logger
}

// NewBuilder creates a Builder. client is optional; without it the extra
// tag is applied with "docker tag" through runner, which keeps --dry-run
// free of daemon calls.
func NewBuilder(runner toolrun.Runner, client *Client, logger *zap.Logger) *Builder {
	return &Builder{runner: runner, client: client, logger: shiplog.OrNop(logger)}
}

// Build runs "docker build" for spec and applies LatestRef.
func (b *Builder) Build(ctx context.Context, spec BuildSpec) error {
	if spec.Ref == "" {
		return model.NewCLIError(model.ExitInvalidArgument, "image reference must not be empty")
	}
	buildCtx := spec.Context
	if buildCtx == "" {
		buildCtx = "."
	}

	args := []string{"build", "-t", spec.Ref}
	if spec.Dockerfile != "" {
		args = append(args, "-f", filepath.Join(buildCtx, spec.Dockerfile))
	}
	args = append(args, buildCtx)

	b.logger.Info("building image", zap.String("image", spec.Ref))
	if _, err := b.runner.Run(ctx, toolrun.Command{Name: "docker", Args: args}); err != nil {
		return err
	}

	if spec.LatestRef == "" {
		return nil
	}
	if b.client != nil {
		return b.client.TagImage(ctx, spec.Ref, spec.LatestRef)
	}
	_, err := b.runner.Run(ctx, toolrun.Command{Name: "docker", Args: []string{"tag", spec.Ref, spec.LatestRef}})
	return err
}

// Push pushes each reference in order.
func (b *Builder) Push(ctx context.Context, refs ...string) error {
	for _, ref := range refs {
		if ref == "" {
			continue
		}
		b.logger.Info("pushing image", zap.String("image", ref))
		if _, err := b.runner.Run(ctx, toolrun.Command{Name: "docker", Args: []string{"push", ref}}); err != nil {
			return err
		}
	}
	return nil
}
