package bootstrap

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/shinji-kodama/shipctl/internal/config"
	"github.com/shinji-kodama/shipctl/internal/kube"
	"github.com/shinji-kodama/shipctl/internal/model"
	"github.com/shinji-kodama/shipctl/internal/toolrun"
)

// clusterRunner records commands and mimics their effect on the fake
// cluster: installing an add-on creates its namespace.
type clusterRunner struct {
	*toolrun.Recorder
	cs kubernetes.Interface
}

func (r *clusterRunner) Run(ctx context.Context, cmd toolrun.Command) (toolrun.Output, error) {
	out, err := r.Recorder.Run(ctx, cmd)
	if err != nil {
		return out, err
	}
	line := cmd.String()
	for marker, ns := range map[string]string{
		"ingress-nginx/controller": "ingress-nginx",
		"cert-manager.yaml":        "cert-manager",
		"upgrade --install":        "monitoring",
	} {
		if strings.Contains(line, marker) {
			_, _ = r.cs.CoreV1().Namespaces().Create(ctx,
				&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: ns}}, metav1.CreateOptions{})
		}
	}
	return out, nil
}

func newBootstrapper(t *testing.T, settings config.Settings, objects ...runtime.Object) (*Bootstrapper, *clusterRunner, *fake.Clientset) {
	t.Helper()
	cs := fake.NewSimpleClientset(objects...)
	runner := &clusterRunner{Recorder: toolrun.NewRecorder(nil), cs: cs}
	kc := kube.NewClient(cs, nil)
	kc.PollInterval = 10 * time.Millisecond
	return New(kc, runner, config.DefaultProject(), settings, nil), runner, cs
}

func TestAddons(t *testing.T) {
	addons, err := Addons(config.DefaultProject().Addons, false)
	require.NoError(t, err)

	names := make([]string, len(addons))
	for i, a := range addons {
		names[i] = a.Name
	}
	assert.Equal(t, []string{AddonIngressNginx, AddonCertManager, AddonArgoCD}, names)
	assert.Contains(t, addons[0].Commands[0].String(), "controller-v1.8.1/deploy")
	assert.Contains(t, addons[1].Commands[0].String(), "download/v1.13.0/cert-manager.yaml")
	assert.Contains(t, addons[2].Commands[0].String(), "argo-cd/v2.8.4/manifests/install.yaml")
	assert.True(t, addons[2].CreateNamespace)

	addons, err = Addons(config.AddonVersions{IngressNginx: "v1.9.0", CertManager: "1.13.0", ArgoCD: "2.8.4", Monitoring: "51.2.0"}, true)
	require.NoError(t, err)
	require.Len(t, addons, 4)
	assert.Contains(t, addons[0].Commands[0].String(), "controller-v1.9.0/", "leading v is normalised")
	assert.Equal(t, AddonMonitoring, addons[3].Name)
	assert.Contains(t, addons[3].Commands[2].String(), "--version 51.2.0")

	_, err = Addons(config.AddonVersions{IngressNginx: "latest", CertManager: "1", ArgoCD: "1"}, false)
	assert.Error(t, err)
}

// TestRun_Idempotent runs the bootstrap twice. The second run finds every
// add-on namespace and issues no command.
func TestRun_Idempotent(t *testing.T) {
	ctx := context.Background()
	b, runner, cs := newBootstrapper(t, config.Settings{InstallMonitoring: true})

	res, err := b.Run(ctx, Options{Root: t.TempDir(), WaitTimeout: time.Second})
	require.NoError(t, err)

	actions := map[string]string{}
	for _, s := range res.Steps {
		actions[s.Name] = s.Action
	}
	assert.Equal(t, map[string]string{
		AddonIngressNginx: ActionInstalled,
		AddonCertManager:  ActionInstalled,
		AddonArgoCD:       ActionInstalled,
		AddonMonitoring:   ActionInstalled,
		"namespace/dev":   ActionCreated,
		"namespace/hml":   ActionCreated,
	}, actions)
	firstRun := len(runner.Lines())
	assert.Equal(t, 6, firstRun, "kubectl x3 + helm x3")

	_, err = cs.CoreV1().Namespaces().Get(ctx, "argocd", metav1.GetOptions{})
	require.NoError(t, err, "argocd namespace is created before the manifest is applied")

	res, err = b.Run(ctx, Options{Root: t.TempDir(), WaitTimeout: time.Second})
	require.NoError(t, err)
	assert.Len(t, runner.Lines(), firstRun, "second run issues no commands")
	for _, s := range res.Steps {
		assert.Contains(t, []string{ActionSkipped, ActionExists}, s.Action, s.Name)
	}
}

func TestRun_AppliesArgoCDManifests(t *testing.T) {
	root := t.TempDir()
	for _, dir := range []string{ArgoCDProjectsDir, ArgoCDApplicationsDir} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, dir), 0o755))
	}
	existing := []runtime.Object{
		&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "ingress-nginx"}},
		&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "cert-manager"}},
		&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "argocd"}},
	}
	b, runner, _ := newBootstrapper(t, config.Settings{}, existing...)

	_, err := b.Run(context.Background(), Options{Root: root, WaitTimeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"kubectl apply -n argocd -f " + filepath.Join(root, ArgoCDProjectsDir),
		"kubectl apply -n argocd -f " + filepath.Join(root, ArgoCDApplicationsDir),
	}, runner.Lines())
}

// TestRun_StopsAtFailingStep checks there is no rollback and later add-ons
// are not attempted.
func TestRun_StopsAtFailingStep(t *testing.T) {
	b, runner, cs := newBootstrapper(t, config.Settings{})
	runner.Fail("kubectl apply -f https://github.com/cert-manager", "connection reset")

	res, err := b.Run(context.Background(), Options{Root: t.TempDir(), WaitTimeout: time.Second})
	require.Error(t, err)
	assert.Equal(t, model.ExitToolFailed, model.ExitCodeOf(err))
	assert.Contains(t, err.Error(), "failed to install cert-manager")
	require.Len(t, res.Steps, 1)
	assert.Equal(t, AddonIngressNginx, res.Steps[0].Name)

	_, err = cs.CoreV1().Namespaces().Get(context.Background(), "ingress-nginx", metav1.GetOptions{})
	assert.NoError(t, err, "the installed add-on is left in place")
	assert.Empty(t, runner.Matching("kubectl apply -n argocd"))
}

func TestRun_DryRunCreatesNothing(t *testing.T) {
	var out bytes.Buffer
	cs := fake.NewSimpleClientset()
	rec := toolrun.NewRecorder(&out)
	b := New(kube.NewClient(cs, nil), rec, config.DefaultProject(), config.Settings{}, nil)

	res, err := b.Run(context.Background(), Options{Root: t.TempDir(), DryRun: true})
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Len(t, rec.Lines(), 3)
	assert.Contains(t, out.String(), "+ kubectl apply -f https://raw.githubusercontent.com/kubernetes/ingress-nginx")

	list, err := cs.CoreV1().Namespaces().List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, list.Items, "dry run never creates namespaces")
}

func TestRun_CommandsTargetSelectedCluster(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ArgoCDProjectsDir), 0o755))
	b, runner, _ := newBootstrapper(t, config.Settings{InstallMonitoring: true})

	_, err := b.Run(context.Background(), Options{
		Root:   root,
		DryRun: true,
		Target: kube.Target{Context: "staging"},
	})
	require.NoError(t, err)

	lines := runner.Lines()
	require.Len(t, lines, 7)
	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "kubectl "):
			assert.True(t, strings.HasSuffix(line, " --context staging"), line)
		case strings.HasPrefix(line, "helm "):
			assert.True(t, strings.HasSuffix(line, " --kube-context staging"), line)
		default:
			t.Errorf("unexpected command %q", line)
		}
	}
}
