package kube

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/shinji-kodama/shipctl/internal/model"
)

func namespace(name string) *corev1.Namespace {
	return &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: name}}
}

// readyDeployment returns a fully rolled-out deployment with the given
// containers (name -> image).
func readyDeployment(ns, name string, replicas int32, containers map[string]string) *appsv1.Deployment {
	d := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Namespace: ns, Name: name, Generation: 1},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
		},
		Status: appsv1.DeploymentStatus{
			ObservedGeneration: 1,
			Replicas:           replicas,
			UpdatedReplicas:    replicas,
			ReadyReplicas:      replicas,
			AvailableReplicas:  replicas,
			Conditions: []appsv1.DeploymentCondition{
				{Type: appsv1.DeploymentAvailable, Status: corev1.ConditionTrue},
				{Type: appsv1.DeploymentProgressing, Status: corev1.ConditionTrue, Reason: "NewReplicaSetAvailable"},
			},
		},
	}
	for cname, image := range containers {
		d.Spec.Template.Spec.Containers = append(d.Spec.Template.Spec.Containers,
			corev1.Container{Name: cname, Image: image})
	}
	return d
}

func newTestClient(objects ...runtime.Object) (*Client, *fake.Clientset) {
	cs := fake.NewSimpleClientset(objects...)
	c := NewClient(cs, nil)
	c.PollInterval = 10 * time.Millisecond
	return c, cs
}

func TestNamespaceLifecycle(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(namespace("dev"))

	exists, err := c.NamespaceExists(ctx, "dev")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = c.NamespaceExists(ctx, "hml")
	require.NoError(t, err)
	assert.False(t, exists)

	created, err := c.EnsureNamespace(ctx, "hml")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = c.EnsureNamespace(ctx, "hml")
	require.NoError(t, err)
	assert.False(t, created, "second call is a no-op")

	ns, err := c.Clientset().CoreV1().Namespaces().Get(ctx, "hml", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, ManagedByValue, ns.Labels[ManagedByLabel])

	deleted, err := c.DeleteNamespace(ctx, "hml")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = c.DeleteNamespace(ctx, "hml")
	require.NoError(t, err)
	assert.False(t, deleted, "deleting a missing namespace is not an error")
}

func TestNamespaceExists_APIError(t *testing.T) {
	c, cs := newTestClient()
	cs.PrependReactor("get", "namespaces", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("connection refused")
	})

	_, err := c.NamespaceExists(context.Background(), "dev")
	require.Error(t, err)
	assert.Equal(t, model.ExitClusterUnreachable, model.ExitCodeOf(err))
}

func TestPing(t *testing.T) {
	c, cs := newTestClient()
	assert.NoError(t, c.Ping(context.Background()))

	cs.PrependReactor("get", "version", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("dial tcp: connection refused")
	})
	err := c.Ping(context.Background())
	require.Error(t, err)
	assert.Equal(t, model.ExitClusterUnreachable, model.ExitCodeOf(err))
}

func TestSetImage(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(readyDeployment("dev", "backend", 2, map[string]string{
		"backend": "registry.local/app-backend:41",
	}))

	err := c.SetImage(ctx, "dev", "backend", "backend", "registry.local/app-backend:42", "shipctl deploy dev 42")
	require.NoError(t, err)

	d, err := c.GetDeployment(ctx, "dev", "backend")
	require.NoError(t, err)
	require.Len(t, d.Spec.Template.Spec.Containers, 1)
	assert.Equal(t, "registry.local/app-backend:42", d.Spec.Template.Spec.Containers[0].Image)
	assert.Equal(t, "shipctl deploy dev 42", d.Annotations[ChangeCauseAnnotation])
}

func TestSetImage_KeepsOtherContainers(t *testing.T) {
	ctx := context.Background()
	d := readyDeployment("dev", "backend", 1, nil)
	d.Spec.Template.Spec.Containers = []corev1.Container{
		{Name: "backend", Image: "app-backend:1"},
		{Name: "proxy", Image: "envoy:1.27"},
	}
	c, _ := newTestClient(d)

	require.NoError(t, c.SetImage(ctx, "dev", "backend", "backend", "app-backend:2", "deploy"))

	got, err := c.GetDeployment(ctx, "dev", "backend")
	require.NoError(t, err)
	images := map[string]string{}
	for _, ctr := range got.Spec.Template.Spec.Containers {
		images[ctr.Name] = ctr.Image
	}
	assert.Equal(t, map[string]string{"backend": "app-backend:2", "proxy": "envoy:1.27"}, images)
}

func TestSetImage_NotFound(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(readyDeployment("dev", "backend", 1, map[string]string{"backend": "a:1"}))

	err := c.SetImage(ctx, "dev", "frontend", "frontend", "b:2", "deploy")
	require.Error(t, err)
	assert.Equal(t, model.ExitNamespaceNotFound, model.ExitCodeOf(err))

	err = c.SetImage(ctx, "dev", "backend", "sidecar", "b:2", "deploy")
	require.Error(t, err)
	assert.Equal(t, model.ExitNamespaceNotFound, model.ExitCodeOf(err))
	assert.Contains(t, err.Error(), "container sidecar")
}

func TestIsReady(t *testing.T) {
	zero := int32(0)

	tests := []struct {
		name   string
		mutate func(d *appsv1.Deployment)
		want   bool
	}{
		{"fully rolled out", func(*appsv1.Deployment) {}, true},
		{"scaled to zero", func(d *appsv1.Deployment) {
			d.Spec.Replicas = &zero
			d.Status = appsv1.DeploymentStatus{}
		}, true},
		{"generation not observed", func(d *appsv1.Deployment) { d.Generation = 2 }, false},
		{"replicas still updating", func(d *appsv1.Deployment) { d.Status.UpdatedReplicas = 1 }, false},
		{"old replicas still running", func(d *appsv1.Deployment) { d.Status.Replicas = 3 }, false},
		{"not all ready", func(d *appsv1.Deployment) { d.Status.ReadyReplicas = 1 }, false},
		{"no conditions", func(d *appsv1.Deployment) { d.Status.Conditions = nil }, false},
		{"unavailable", func(d *appsv1.Deployment) {
			d.Status.Conditions[0].Status = corev1.ConditionFalse
		}, false},
		{"nil replicas defaults", func(d *appsv1.Deployment) { d.Spec.Replicas = nil }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := readyDeployment("dev", "backend", 2, map[string]string{"backend": "a:1"})
			tt.mutate(d)
			assert.Equal(t, tt.want, IsReady(*d))
		})
	}
}

func TestWaitForRollout(t *testing.T) {
	ctx := context.Background()

	t.Run("ready", func(t *testing.T) {
		c, _ := newTestClient(readyDeployment("dev", "backend", 1, map[string]string{"backend": "a:1"}))
		assert.NoError(t, c.WaitForRollout(ctx, "dev", "backend", time.Second))
	})

	t.Run("timeout", func(t *testing.T) {
		d := readyDeployment("dev", "backend", 2, map[string]string{"backend": "a:1"})
		d.Status.ReadyReplicas = 1
		c, _ := newTestClient(d)

		err := c.WaitForRollout(ctx, "dev", "backend", 50*time.Millisecond)
		require.Error(t, err)
		assert.Equal(t, model.ExitRolloutFailed, model.ExitCodeOf(err))
		assert.Contains(t, err.Error(), "1 ready")
	})

	t.Run("progress deadline exceeded fails fast", func(t *testing.T) {
		d := readyDeployment("dev", "backend", 1, map[string]string{"backend": "a:1"})
		d.Status.Conditions[1] = appsv1.DeploymentCondition{
			Type:    appsv1.DeploymentProgressing,
			Status:  corev1.ConditionFalse,
			Reason:  progressDeadlineExceeded,
			Message: `ReplicaSet "backend-7d9" has timed out progressing.`,
		}
		c, _ := newTestClient(d)

		start := time.Now()
		err := c.WaitForRollout(ctx, "dev", "backend", 10*time.Second)
		require.Error(t, err)
		assert.Equal(t, model.ExitRolloutFailed, model.ExitCodeOf(err))
		assert.Contains(t, err.Error(), "progress deadline exceeded")
		assert.Less(t, time.Since(start), 5*time.Second)
	})

	t.Run("missing deployment", func(t *testing.T) {
		c, _ := newTestClient()
		err := c.WaitForRollout(ctx, "dev", "backend", time.Second)
		require.Error(t, err)
		assert.Equal(t, model.ExitRolloutFailed, model.ExitCodeOf(err))
	})
}

func TestWaitForNamespace(t *testing.T) {
	c, _ := newTestClient(
		readyDeployment("argocd", "argocd-server", 1, map[string]string{"server": "argocd:2.8.4"}),
		readyDeployment("argocd", "argocd-repo-server", 1, map[string]string{"repo": "argocd:2.8.4"}),
	)
	assert.NoError(t, c.WaitForNamespace(context.Background(), "argocd", time.Second))
}

func TestStatus(t *testing.T) {
	d := readyDeployment("hml", "frontend", 3, map[string]string{"frontend": "app-frontend:7"})
	d.Status.ReadyReplicas = 2
	c, _ := newTestClient(d)

	st, err := c.Status(context.Background(), "hml", "frontend")
	require.NoError(t, err)
	assert.Equal(t, int32(3), st.Desired)
	assert.Equal(t, int32(2), st.Ready)
	assert.Equal(t, "app-frontend:7", st.Images["frontend"])
	assert.False(t, st.Rolled)
}
