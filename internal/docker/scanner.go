package docker

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"

	"github.com/shinji-kodama/shipctl/internal/model"
)

// ScanSpec describes a one-shot scanner container.
type ScanSpec struct {
	// Image is the scanner image, pulled when missing locally.
	Image string

	// Cmd is the container command.
	Cmd []string

	// WorkDir is a host directory bind-mounted at MountPath so the scanner
	// can write its reports there.
	WorkDir   string
	MountPath string

	// HostNetwork runs the container in the host network namespace so
	// targets on localhost or cluster ingress hostnames resolve the same
	// way they do for the CI agent.
	HostNetwork bool

	// Labels are applied to the container; see BuildLabels.
	Labels map[string]string

	// Name is an optional container name.
	Name string
}

// ScanResult reports how a scanner container finished.
type ScanResult struct {
	ContainerID string
	ExitCode    int64
	Duration    time.Duration
}

// EnsureImage pulls ref unless it is already present locally.
func (c *Client) EnsureImage(ctx context.Context, ref string) error {
	_, err := c.inner.ImageInspect(ctx, ref)
	if err == nil {
		return nil
	}
	if !cerrdefs.IsNotFound(err) {
		return model.WrapCLIError(model.ExitDockerNotRunning,
			fmt.Sprintf("failed to inspect image %s", ref), err)
	}

	rc, err := c.inner.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return model.WrapCLIError(model.ExitToolFailed,
			fmt.Sprintf("failed to pull image %s", ref), err)
	}
	defer rc.Close()

	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return model.WrapCLIError(model.ExitToolFailed,
			fmt.Sprintf("failed to pull image %s", ref), err)
	}
	return nil
}

// RunScanner creates, starts and waits for a scanner container, then
// removes it. A non-zero container exit code is returned in ScanResult,
// not as an error: scanners use exit codes to signal findings.
func (c *Client) RunScanner(ctx context.Context, spec ScanSpec) (ScanResult, error) {
	start := time.Now()

	if err := c.EnsureImage(ctx, spec.Image); err != nil {
		return ScanResult{}, err
	}

	hostCfg := &container.HostConfig{}
	if spec.WorkDir != "" {
		abs, err := filepath.Abs(spec.WorkDir)
		if err != nil {
			return ScanResult{}, model.WrapCLIError(model.ExitInvalidArgument,
				fmt.Sprintf("invalid report directory %s", spec.WorkDir), err)
		}
		hostCfg.Binds = []string{abs + ":" + spec.MountPath + ":rw"}
	}
	if spec.HostNetwork {
		hostCfg.NetworkMode = "host"
	}

	created, err := c.inner.ContainerCreate(ctx, &container.Config{
		Image:  spec.Image,
		Cmd:    spec.Cmd,
		Labels: spec.Labels,
	}, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return ScanResult{}, model.WrapCLIError(model.ExitDockerNotRunning,
			fmt.Sprintf("failed to create container from %s", spec.Image), err)
	}
	result := ScanResult{ContainerID: created.ID}

	// Remove the container however the run ends. A fresh context keeps the
	// removal working after ctx was cancelled.
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = c.inner.ContainerRemove(rmCtx, created.ID, container.RemoveOptions{Force: true})
	}()

	if err := c.inner.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return result, model.WrapCLIError(model.ExitDockerNotRunning,
			fmt.Sprintf("failed to start container %s", shortID(created.ID)), err)
	}

	statusCh, errCh := c.inner.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return result, model.WrapCLIError(model.ExitToolFailed,
				fmt.Sprintf("failed waiting for container %s", shortID(created.ID)), err)
		}
	case status := <-statusCh:
		result.ExitCode = status.StatusCode
		if status.Error != nil && status.Error.Message != "" {
			return result, model.NewCLIError(model.ExitToolFailed,
				fmt.Sprintf("container %s failed: %s", shortID(created.ID), status.Error.Message))
		}
	}

	result.Duration = time.Since(start)
	return result, nil
}

// ListManaged returns every container carrying the shipctl label,
// including stopped ones.
func (c *Client) ListManaged(ctx context.Context) ([]ScannerContainer, error) {
	summaries, err := c.inner.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: managedFilter(),
	})
	if err != nil {
		return nil, model.WrapCLIError(model.ExitDockerNotRunning, "failed to list Docker containers", err)
	}

	result := make([]ScannerContainer, 0, len(summaries))
	for _, s := range summaries {
		result = append(result, summaryToScanner(s))
	}
	return result, nil
}

// RemoveManaged force-removes every shipctl container and returns the
// removed ones. Removal continues past individual failures; the first
// error is returned alongside the partial result.
func (c *Client) RemoveManaged(ctx context.Context) ([]ScannerContainer, error) {
	found, err := c.ListManaged(ctx)
	if err != nil {
		return nil, err
	}

	var removed []ScannerContainer
	var firstErr error
	for _, sc := range found {
		err := c.inner.ContainerRemove(ctx, sc.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
		if err != nil && !cerrdefs.IsNotFound(err) {
			if firstErr == nil {
				firstErr = model.WrapCLIError(model.ExitDockerNotRunning,
					fmt.Sprintf("failed to remove container %s", shortID(sc.ID)), err)
			}
			continue
		}
		removed = append(removed, sc)
	}
	return removed, firstErr
}

// shortID truncates a container ID to the 12 characters docker ps shows.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
