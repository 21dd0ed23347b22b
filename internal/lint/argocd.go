package lint

import (
	"os"
	"path"

	"gopkg.in/yaml.v3"
)

// argoObject is the subset of an ArgoCD custom resource the checks read.
// Spec stays generic since only key presence matters.
type argoObject struct {
	APIVersion string `yaml:"apiVersion"`
	Kind       string `yaml:"kind"`
	Metadata   struct {
		Name      string `yaml:"name"`
		Namespace string `yaml:"namespace"`
	} `yaml:"metadata"`
	Spec map[string]any `yaml:"spec"`
}

func (l *Linter) checkArgoCD() {
	for _, env := range sortedEnvironments(l.project) {
		app := l.project.Environments[env].ArgoCDApp
		if app == "" {
			continue
		}
		rel := path.Join(ApplicationsDir, app+".yaml")
		obj, ok := l.readArgoObject(rel)
		if !ok {
			continue
		}
		if obj.Kind != "Application" {
			l.errorf(rel, "kind", "expected Application, got %q", obj.Kind)
		}
		if obj.Metadata.Name != app {
			l.warnf(rel, "metadata.name", "expected %q, got %q", app, obj.Metadata.Name)
		}
		l.requireSpecKeys(rel, obj, "source", "destination", "syncPolicy")

		if dest, ok := obj.Spec["destination"].(map[string]any); ok {
			want := l.project.Environments[env].Namespace
			if ns, _ := dest["namespace"].(string); want != "" && ns != want {
				l.warnf(rel, "spec.destination.namespace", "expected %q, got %q", want, ns)
			}
		}
	}

	obj, ok := l.readArgoObject(ProjectFile)
	if !ok {
		return
	}
	if obj.Kind != "AppProject" {
		l.errorf(ProjectFile, "kind", "expected AppProject, got %q", obj.Kind)
	}
	l.requireSpecKeys(ProjectFile, obj, "sourceRepos", "destinations")
}

func (l *Linter) readArgoObject(rel string) (*argoObject, bool) {
	data, err := os.ReadFile(l.path(rel))
	if err != nil {
		l.errorf(rel, "", "unable to read: %v", err)
		return nil, false
	}
	l.checked(rel)

	var obj argoObject
	if err := yaml.Unmarshal(data, &obj); err != nil {
		l.errorf(rel, "", "invalid YAML: %v", err)
		return nil, false
	}
	return &obj, true
}

func (l *Linter) requireSpecKeys(rel string, obj *argoObject, keys ...string) {
	for _, k := range keys {
		if v, ok := obj.Spec[k]; !ok || v == nil {
			l.errorf(rel, "spec."+k, "%s %q has no %s", obj.Kind, obj.Metadata.Name, k)
		}
	}
}
