package kube

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/shinji-kodama/shipctl/internal/model"
)

// ChangeCauseAnnotation is recorded on every image update so
// "kubectl rollout history" shows which tag was promoted.
const ChangeCauseAnnotation = "kubernetes.io/change-cause"

// progressDeadlineExceeded is the Progressing condition reason set by the
// deployment controller once spec.progressDeadlineSeconds elapses.
const progressDeadlineExceeded = "ProgressDeadlineExceeded"

// DeploymentStatus is a point-in-time view of one Deployment.
type DeploymentStatus struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`

	// Images maps container name to image reference.
	Images map[string]string `json:"images"`

	Desired   int32 `json:"desired"`
	Updated   int32 `json:"updated"`
	Ready     int32 `json:"ready"`
	Available int32 `json:"available"`

	// Rolled is true when IsReady holds.
	Rolled bool `json:"rolledOut"`
}

// GetDeployment fetches a deployment. A missing deployment is reported with
// ExitNamespaceNotFound, the exit code shared by every "deploy target does
// not exist" condition.
func (c *Client) GetDeployment(ctx context.Context, ns, name string) (*appsv1.Deployment, error) {
	d, err := c.cs.AppsV1().Deployments(ns).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, model.WrapCLIError(model.ExitNamespaceNotFound,
			fmt.Sprintf("deployment %s not found in namespace %s", name, ns), err)
	}
	if err != nil {
		return nil, wrapAPIError(fmt.Sprintf("failed to get deployment %s/%s", ns, name), err)
	}
	return d, nil
}

// SetImage points container of the named deployment at image, like
// "kubectl set image", and records cause in the change-cause annotation.
//
// The container must already exist in the pod template; a strategic merge
// patch would otherwise append a new container.
func (c *Client) SetImage(ctx context.Context, ns, name, container, image, cause string) error {
	d, err := c.GetDeployment(ctx, ns, name)
	if err != nil {
		return err
	}
	if findContainer(d.Spec.Template.Spec.Containers, container) == nil {
		return model.NewCLIError(model.ExitNamespaceNotFound,
			fmt.Sprintf("container %s not found in deployment %s/%s", container, ns, name))
	}

	patch := map[string]any{
		"metadata": map[string]any{
			"annotations": map[string]string{ChangeCauseAnnotation: cause},
		},
		"spec": map[string]any{
			"template": map[string]any{
				"spec": map[string]any{
					"containers": []map[string]string{{"name": container, "image": image}},
				},
			},
		},
	}
	data, err := json.Marshal(patch)
	if err != nil {
		return model.WrapCLIError(model.ExitGeneralError, "failed to encode image patch", err)
	}

	_, err = c.cs.AppsV1().Deployments(ns).Patch(ctx, name, types.StrategicMergePatchType, data, metav1.PatchOptions{})
	if err != nil {
		return wrapAPIError(fmt.Sprintf("failed to update image of %s/%s", ns, name), err)
	}
	c.logger.Info("image updated",
		zap.String("deployment", ns+"/"+name),
		zap.String("container", container),
		zap.String("image", image))
	return nil
}

// IsReady reports whether a deployment finished rolling out: the controller
// observed the latest generation, every replica is updated, available and
// ready, and the Available and Progressing conditions are true.
// A deployment scaled to zero is ready.
func IsReady(d appsv1.Deployment) bool {
	if d.Spec.Replicas != nil && *d.Spec.Replicas == 0 && d.Status.Replicas == 0 {
		return true
	}

	if d.Status.ObservedGeneration < d.Generation ||
		d.Status.UpdatedReplicas < d.Status.Replicas ||
		d.Status.AvailableReplicas < d.Status.Replicas ||
		d.Status.ReadyReplicas < d.Status.Replicas {
		return false
	}
	if d.Spec.Replicas != nil && d.Status.UpdatedReplicas < *d.Spec.Replicas {
		return false
	}

	if len(d.Status.Conditions) == 0 {
		return false
	}
	for _, cond := range d.Status.Conditions {
		if cond.Type == appsv1.DeploymentAvailable && cond.Status != corev1.ConditionTrue {
			return false
		}
		if cond.Type == appsv1.DeploymentProgressing && cond.Status != corev1.ConditionTrue {
			return false
		}
	}
	return true
}

// progressFailed returns the controller's message when the rollout can no
// longer make progress.
func progressFailed(d appsv1.Deployment) (string, bool) {
	for _, cond := range d.Status.Conditions {
		if cond.Type == appsv1.DeploymentProgressing && cond.Reason == progressDeadlineExceeded {
			return cond.Message, true
		}
	}
	return "", false
}

// WaitForRollout polls the deployment until IsReady holds or timeout
// elapses. A timeout, a missing deployment or an exceeded progress deadline
// fail with ExitRolloutFailed.
func (c *Client) WaitForRollout(ctx context.Context, ns, name string, timeout time.Duration) error {
	interval := c.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	c.logger.Info("waiting for rollout",
		zap.String("deployment", ns+"/"+name), zap.Duration("timeout", timeout))

	var last appsv1.Deployment
	err := wait.PollUntilContextTimeout(ctx, interval, timeout, true, func(ctx context.Context) (bool, error) {
		d, err := c.cs.AppsV1().Deployments(ns).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return false, err
		}
		last = *d
		if msg, failed := progressFailed(*d); failed {
			return false, fmt.Errorf("progress deadline exceeded: %s", msg)
		}
		return IsReady(*d), nil
	})
	if err != nil {
		return model.WrapCLIError(model.ExitRolloutFailed,
			fmt.Sprintf("rollout of %s/%s did not complete within %s (%s)",
				ns, name, timeout, describeReplicas(last)), err)
	}

	c.logger.Info("rollout complete", zap.String("deployment", ns+"/"+name))
	return nil
}

// WaitForNamespace waits for every deployment in ns to roll out. It is
// used after installing a cluster add-on.
func (c *Client) WaitForNamespace(ctx context.Context, ns string, timeout time.Duration) error {
	list, err := c.cs.AppsV1().Deployments(ns).List(ctx, metav1.ListOptions{})
	if err != nil {
		return wrapAPIError(fmt.Sprintf("failed to list deployments in %s", ns), err)
	}
	deadline := time.Now().Add(timeout)
	for _, d := range list.Items {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return model.NewCLIError(model.ExitRolloutFailed,
				fmt.Sprintf("deployments in %s did not become ready within %s", ns, timeout))
		}
		if err := c.WaitForRollout(ctx, ns, d.Name, remaining); err != nil {
			return err
		}
	}
	return nil
}

// Status returns the current status of the named deployment.
func (c *Client) Status(ctx context.Context, ns, name string) (DeploymentStatus, error) {
	d, err := c.GetDeployment(ctx, ns, name)
	if err != nil {
		return DeploymentStatus{}, err
	}
	st := DeploymentStatus{
		Namespace: ns,
		Name:      name,
		Images:    make(map[string]string, len(d.Spec.Template.Spec.Containers)),
		Updated:   d.Status.UpdatedReplicas,
		Ready:     d.Status.ReadyReplicas,
		Available: d.Status.AvailableReplicas,
		Rolled:    IsReady(*d),
	}
	if d.Spec.Replicas != nil {
		st.Desired = *d.Spec.Replicas
	} else {
		st.Desired = 1
	}
	for _, ctr := range d.Spec.Template.Spec.Containers {
		st.Images[ctr.Name] = ctr.Image
	}
	return st, nil
}

func findContainer(containers []corev1.Container, name string) *corev1.Container {
	for i := range containers {
		if containers[i].Name == name {
			return &containers[i]
		}
	}
	return nil
}

func describeReplicas(d appsv1.Deployment) string {
	desired := int32(1)
	if d.Spec.Replicas != nil {
		desired = *d.Spec.Replicas
	}
	return fmt.Sprintf("%d/%d updated, %d ready, %d available",
		d.Status.UpdatedReplicas, desired, d.Status.ReadyReplicas, d.Status.AvailableReplicas)
}
