// Package kube wraps the Kubernetes API calls shipctl needs: namespace
// lifecycle, deployment image updates and rollout waits.
//
// Everything goes through kubernetes.Interface so the package is tested
// against client-go's fake clientset. The kubeconfig is resolved from the
// same flags kubectl accepts (--kubeconfig, --context, ...) through
// k8s.io/cli-runtime.
package kube

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/cli-runtime/pkg/genericclioptions"
	"k8s.io/client-go/kubernetes"

	shiplog "github.com/shinji-kodama/shipctl/internal/log"
	"github.com/shinji-kodama/shipctl/internal/model"
)

// ManagedByLabel marks namespaces created by shipctl.
const ManagedByLabel = "app.kubernetes.io/managed-by"

// ManagedByValue is the value of ManagedByLabel.
const ManagedByValue = "shipctl"

// DefaultPollInterval is how often rollout status is re-read.
const DefaultPollInterval = 2 * time.Second

// NewClientset builds a clientset from kubectl-style flags. Configuration
// errors (no kubeconfig, unknown context) map to ExitClusterUnreachable.
func NewClientset(flags *genericclioptions.ConfigFlags, userAgent string) (kubernetes.Interface, error) {
	cfg, err := flags.ToRESTConfig()
	if err != nil {
		return nil, model.WrapCLIError(model.ExitClusterUnreachable,
			"failed to load kubeconfig", err)
	}
	cfg.UserAgent = userAgent

	cs, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitClusterUnreachable,
			"failed to create Kubernetes client", err)
	}
	return cs, nil
}

// Client performs the cluster operations of promotion, bootstrap, cleanup
// and status.
type Client struct {
	cs     kubernetes.Interface
	logger *zap.Logger

	// PollInterval overrides DefaultPollInterval; tests shorten it.
	PollInterval time.Duration
}

// NewClient wraps cs. logger may be nil.
func NewClient(cs kubernetes.Interface, logger *zap.Logger) *Client {
	return &Client{cs: cs, logger: shiplog.OrNop(logger), PollInterval: DefaultPollInterval}
}

// Clientset exposes the underlying clientset.
func (c *Client) Clientset() kubernetes.Interface {
	return c.cs
}

// Ping checks the API server is reachable.
func (c *Client) Ping(_ context.Context) error {
	v, err := c.cs.Discovery().ServerVersion()
	if err != nil {
		return model.WrapCLIError(model.ExitClusterUnreachable,
			"cannot reach the Kubernetes API server; check your kubeconfig and cluster", err)
	}
	c.logger.Debug("connected to cluster", zap.String("version", v.GitVersion))
	return nil
}

// NamespaceExists reports whether ns exists. Only NotFound yields false;
// other API errors are returned.
func (c *Client) NamespaceExists(ctx context.Context, ns string) (bool, error) {
	_, err := c.cs.CoreV1().Namespaces().Get(ctx, ns, metav1.GetOptions{})
	if err == nil {
		return true, nil
	}
	if apierrors.IsNotFound(err) {
		return false, nil
	}
	return false, wrapAPIError(fmt.Sprintf("failed to get namespace %s", ns), err)
}

// EnsureNamespace creates ns when missing and reports whether it did.
func (c *Client) EnsureNamespace(ctx context.Context, ns string) (bool, error) {
	exists, err := c.NamespaceExists(ctx, ns)
	if err != nil {
		return false, err
	}
	if exists {
		c.logger.Debug("namespace already exists", zap.String("namespace", ns))
		return false, nil
	}

	obj := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:   ns,
			Labels: map[string]string{ManagedByLabel: ManagedByValue},
		},
	}
	_, err = c.cs.CoreV1().Namespaces().Create(ctx, obj, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		return false, nil
	}
	if err != nil {
		return false, wrapAPIError(fmt.Sprintf("failed to create namespace %s", ns), err)
	}
	c.logger.Info("namespace created", zap.String("namespace", ns))
	return true, nil
}

// DeleteNamespace deletes ns and reports whether it existed. A missing
// namespace is not an error so cleanup can be re-run.
func (c *Client) DeleteNamespace(ctx context.Context, ns string) (bool, error) {
	policy := metav1.DeletePropagationForeground
	err := c.cs.CoreV1().Namespaces().Delete(ctx, ns, metav1.DeleteOptions{PropagationPolicy: &policy})
	if apierrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, wrapAPIError(fmt.Sprintf("failed to delete namespace %s", ns), err)
	}
	c.logger.Info("namespace deleted", zap.String("namespace", ns))
	return true, nil
}

// wrapAPIError classifies client-go errors. Connection-level failures
// (the error is not a Status from the server) mean the cluster is
// unreachable; anything else is a general error.
func wrapAPIError(msg string, err error) error {
	var status apierrors.APIStatus
	if errors.As(err, &status) {
		return model.WrapCLIError(model.ExitGeneralError, msg, err)
	}
	return model.WrapCLIError(model.ExitClusterUnreachable, msg, err)
}
