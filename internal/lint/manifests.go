package lint

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	utilyaml "k8s.io/apimachinery/pkg/util/yaml"
	"sigs.k8s.io/yaml"
)

// checkManifests decodes every YAML document under ManifestDir.
func (l *Linter) checkManifests() {
	entries, err := os.ReadDir(l.path(ManifestDir))
	if err != nil {
		l.errorf(ManifestDir, "", "manifest directory not readable: %v", err)
		return
	}

	deployments := map[string]bool{}
	for _, e := range entries {
		if e.IsDir() || !isYAML(e.Name()) {
			continue
		}
		rel := path.Join(ManifestDir, e.Name())
		l.checked(rel)
		for _, name := range l.checkManifestFile(rel) {
			deployments[name] = true
		}
	}

	for _, d := range l.project.Deployments {
		if !deployments[d.Name] {
			l.errorf(ManifestDir, "", "no Deployment named %q", d.Name)
		}
	}
}

// checkManifestFile returns the names of the Deployments found in rel.
func (l *Linter) checkManifestFile(rel string) []string {
	data, err := os.ReadFile(l.path(rel))
	if err != nil {
		l.errorf(rel, "", "unable to read: %v", err)
		return nil
	}

	var names []string
	reader := utilyaml.NewYAMLReader(bufio.NewReader(bytes.NewReader(data)))
	for {
		doc, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			l.errorf(rel, "", "invalid YAML: %v", err)
			return names
		}
		if len(bytes.TrimSpace(doc)) == 0 {
			continue
		}

		var obj metav1.PartialObjectMetadata
		if err := yaml.Unmarshal(doc, &obj); err != nil {
			l.errorf(rel, "", "invalid manifest: %v", err)
			continue
		}
		// kustomization.yaml and similar tool configs are not objects.
		if obj.Kind == "" || strings.HasPrefix(obj.APIVersion, "kustomize.config.k8s.io/") {
			continue
		}
		if obj.Name == "" {
			l.errorf(rel, "metadata.name", "%s has no name", obj.Kind)
		}

		if obj.Kind == "Deployment" {
			var d appsv1.Deployment
			if err := yaml.Unmarshal(doc, &d); err != nil {
				l.errorf(rel, "", "invalid Deployment: %v", err)
				continue
			}
			l.checkDeployment(rel, &d)
			names = append(names, d.Name)
		}
	}
	return names
}

func (l *Linter) checkDeployment(rel string, d *appsv1.Deployment) {
	if d.Spec.Selector == nil || len(d.Spec.Selector.MatchLabels)+len(d.Spec.Selector.MatchExpressions) == 0 {
		l.errorf(rel, "spec.selector", "Deployment %q has no selector", d.Name)
	}
	pod := d.Spec.Template.Spec
	if len(pod.Containers) == 0 {
		l.errorf(rel, "spec.template", "Deployment %q has no pod template containers", d.Name)
		return
	}

	if _, managed := l.project.Deployment(d.Name); !managed {
		return
	}
	if !runsAsNonRoot(pod) {
		l.errorf(rel, "spec.template.spec.securityContext", "Deployment %q does not set runAsNonRoot: true", d.Name)
	}
	for _, c := range pod.Containers {
		if len(c.Resources.Requests) == 0 {
			l.errorf(rel, "resources.requests", "container %q of %q has no resource requests", c.Name, d.Name)
		}
		if len(c.Resources.Limits) == 0 {
			l.errorf(rel, "resources.limits", "container %q of %q has no resource limits", c.Name, d.Name)
		}
		if missing := missingResources(c.Resources); len(missing) > 0 {
			l.warnf(rel, "resources", "container %q of %q does not bound %s", c.Name, d.Name, strings.Join(missing, ", "))
		}
	}
}

// runsAsNonRoot accepts the setting on the pod or on every container.
func runsAsNonRoot(pod corev1.PodSpec) bool {
	if sc := pod.SecurityContext; sc != nil && sc.RunAsNonRoot != nil && *sc.RunAsNonRoot {
		return true
	}
	for _, c := range pod.Containers {
		if sc := c.SecurityContext; sc == nil || sc.RunAsNonRoot == nil || !*sc.RunAsNonRoot {
			return false
		}
	}
	return true
}

// missingResources lists the cpu/memory requests and limits not set.
// Only reported when the container declares some requests and limits.
func missingResources(r corev1.ResourceRequirements) []string {
	if len(r.Requests) == 0 || len(r.Limits) == 0 {
		return nil
	}
	var missing []string
	for kind, list := range map[string]corev1.ResourceList{"requests": r.Requests, "limits": r.Limits} {
		for _, name := range []corev1.ResourceName{corev1.ResourceCPU, corev1.ResourceMemory} {
			if _, ok := list[name]; !ok {
				missing = append(missing, kind+"."+string(name))
			}
		}
	}
	sort.Strings(missing)
	return missing
}

func isYAML(name string) bool {
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}
