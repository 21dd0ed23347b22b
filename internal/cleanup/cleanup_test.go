package cleanup

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/shinji-kodama/shipctl/internal/config"
	"github.com/shinji-kodama/shipctl/internal/docker"
	"github.com/shinji-kodama/shipctl/internal/kube"
	"github.com/shinji-kodama/shipctl/internal/model"
	"github.com/shinji-kodama/shipctl/internal/toolrun"
)

type stubRemover struct {
	removed []docker.ScannerContainer
	err     error
	calls   int
}

func (s *stubRemover) RemoveManaged(context.Context) ([]docker.ScannerContainer, error) {
	s.calls++
	return s.removed, s.err
}

func namespaces(names ...string) []runtime.Object {
	objs := make([]runtime.Object, len(names))
	for i, n := range names {
		objs[i] = &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: n}}
	}
	return objs
}

func newCleaner(remover ContainerRemover, objects ...runtime.Object) (*Cleaner, *fake.Clientset, *toolrun.Recorder) {
	cs := fake.NewSimpleClientset(objects...)
	rec := toolrun.NewRecorder(nil)
	return New(kube.NewClient(cs, nil), rec, remover, config.DefaultProject(), nil), cs, rec
}

func remaining(t *testing.T, cs *fake.Clientset) []string {
	t.Helper()
	list, err := cs.CoreV1().Namespaces().List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)
	var names []string
	for _, ns := range list.Items {
		names = append(names, ns.Name)
	}
	return names
}

func TestPlan(t *testing.T) {
	c, _, _ := newCleaner(nil)

	tests := []struct {
		target model.CleanupTarget
		want   []string
	}{
		{model.CleanupDev, []string{"namespace dev"}},
		{model.CleanupHML, []string{"namespace hml"}},
		{model.CleanupArgoCD, []string{"namespace argocd"}},
		{model.CleanupMonitoring, []string{"helm-release kube-prometheus-stack", "namespace monitoring"}},
		{model.CleanupJenkins, []string{"namespace jenkins"}},
		{model.CleanupAll, []string{
			"namespace dev", "namespace hml", "namespace argocd",
			"helm-release kube-prometheus-stack", "namespace monitoring",
			"namespace jenkins", "scanner-containers shipctl.managed-by=shipctl",
		}},
	}
	for _, tt := range tests {
		t.Run(string(tt.target), func(t *testing.T) {
			var got []string
			for _, item := range c.Plan(tt.target) {
				got = append(got, item.String())
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRun_UnknownTargetDeletesNothing(t *testing.T) {
	c, cs, _ := newCleaner(nil, namespaces("dev")...)

	_, err := c.Run(context.Background(), "prod", Options{Force: true})
	require.Error(t, err)
	assert.Equal(t, model.ExitInvalidArgument, model.ExitCodeOf(err))
	assert.Empty(t, cs.Actions())
}

func TestRun_Confirmation(t *testing.T) {
	t.Run("declined", func(t *testing.T) {
		c, cs, _ := newCleaner(nil, namespaces("dev")...)
		var asked []Item

		_, err := c.Run(context.Background(), "dev", Options{Confirm: func(_ model.CleanupTarget, plan []Item) (bool, error) {
			asked = plan
			return false, nil
		}})
		require.Error(t, err)
		assert.Equal(t, model.ExitUserCancelled, model.ExitCodeOf(err))
		assert.Len(t, asked, 1)
		assert.Equal(t, []string{"dev"}, remaining(t, cs))
	})

	t.Run("no prompt available", func(t *testing.T) {
		c, cs, _ := newCleaner(nil, namespaces("dev")...)

		_, err := c.Run(context.Background(), "dev", Options{})
		assert.Equal(t, model.ExitUserCancelled, model.ExitCodeOf(err))
		assert.Equal(t, []string{"dev"}, remaining(t, cs))
	})

	t.Run("prompt error", func(t *testing.T) {
		c, _, _ := newCleaner(nil, namespaces("dev")...)

		_, err := c.Run(context.Background(), "dev", Options{Confirm: func(model.CleanupTarget, []Item) (bool, error) {
			return false, errors.New("stdin closed")
		}})
		assert.Equal(t, model.ExitGeneralError, model.ExitCodeOf(err))
	})

	t.Run("accepted", func(t *testing.T) {
		c, cs, _ := newCleaner(nil, namespaces("dev", "hml")...)

		res, err := c.Run(context.Background(), "dev", Options{Confirm: func(model.CleanupTarget, []Item) (bool, error) {
			return true, nil
		}})
		require.NoError(t, err)
		assert.Equal(t, 1, res.Deleted())
		assert.Equal(t, []string{"hml"}, remaining(t, cs))
	})
}

func TestRun_MissingNamespaceIsSkipped(t *testing.T) {
	c, _, _ := newCleaner(nil)

	res, err := c.Run(context.Background(), "jenkins", Options{Force: true})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, ActionSkipped, res.Items[0].Action)
}

func TestRun_All(t *testing.T) {
	remover := &stubRemover{removed: []docker.ScannerContainer{{ID: "abc"}, {ID: "def"}}}
	c, cs, rec := newCleaner(remover, namespaces("dev", "hml", "argocd", "monitoring", "kube-system")...)

	res, err := c.Run(context.Background(), "ALL", Options{Force: true})
	require.NoError(t, err)

	assert.Equal(t, model.CleanupAll, res.Target)
	assert.Equal(t, []string{"kube-system"}, remaining(t, cs))
	assert.Equal(t, []string{"helm uninstall kube-prometheus-stack --namespace monitoring"}, rec.Lines())
	assert.Equal(t, 1, remover.calls)

	actions := map[string]string{}
	for _, i := range res.Items {
		actions[i.String()] = i.Action
	}
	assert.Equal(t, ActionSkipped, actions["namespace jenkins"])
	assert.Equal(t, ActionDeleted, actions["scanner-containers shipctl.managed-by=shipctl"])
	assert.Equal(t, 6, res.Deleted())
}

// TestRun_SoftFailures checks that the helm uninstall and the container
// sweep never stop the cleanup.
func TestRun_SoftFailures(t *testing.T) {
	remover := &stubRemover{err: model.NewCLIError(model.ExitDockerNotRunning, "docker down")}
	c, cs, rec := newCleaner(remover, namespaces("monitoring")...)
	rec.Fail("helm uninstall", "Error: Kubernetes cluster unreachable")

	res, err := c.Run(context.Background(), "all", Options{Force: true})
	require.NoError(t, err)
	assert.Empty(t, remaining(t, cs))

	failed := 0
	for _, i := range res.Items {
		if i.Action == ActionFailed {
			failed++
			assert.True(t, i.Soft)
		}
	}
	assert.Equal(t, 2, failed)
}

func TestRun_MissingHelmReleaseIsSkipped(t *testing.T) {
	c, cs, rec := newCleaner(nil, namespaces("monitoring")...)
	rec.Fail("helm uninstall", "Error: uninstall: Release not loaded: kube-prometheus-stack: release: not found")

	res, err := c.Run(context.Background(), "monitoring", Options{Force: true})
	require.NoError(t, err)
	assert.Empty(t, remaining(t, cs))

	require.Len(t, res.Items, 2)
	assert.Equal(t, ActionSkipped, res.Items[0].Action)
	assert.Equal(t, "not found", res.Items[0].Detail)
	assert.Equal(t, ActionDeleted, res.Items[1].Action)
}

func TestRun_HelmTargetsSelectedCluster(t *testing.T) {
	c, _, rec := newCleaner(nil, namespaces("monitoring")...)

	_, err := c.Run(context.Background(), "monitoring", Options{
		Force:  true,
		Target: kube.Target{Kubeconfig: "/ci/kubeconfig", Context: "staging"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"helm uninstall kube-prometheus-stack --namespace monitoring --kubeconfig /ci/kubeconfig --kube-context staging",
	}, rec.Lines())
}

func TestRun_NoDocker(t *testing.T) {
	c, _, _ := newCleaner(nil)

	res, err := c.Run(context.Background(), "all", Options{Force: true})
	require.NoError(t, err)
	last := res.Items[len(res.Items)-1]
	assert.Equal(t, KindContainers, last.Kind)
	assert.Equal(t, ActionSkipped, last.Action)
}
