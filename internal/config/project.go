package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/blang/semver/v4"
	"github.com/tidwall/jsonc"

	"github.com/shinji-kodama/shipctl/internal/model"
)

// DefaultProjectFile is the project file looked up in the working
// directory when --config is not given.
const DefaultProjectFile = "shipctl.jsonc"

// DefaultRolloutTimeout bounds every rollout wait (deploy and bootstrap).
const DefaultRolloutTimeout = 300 * time.Second

// DefaultProbeTimeout is the connect timeout of the post-deploy probes.
const DefaultProbeTimeout = 10 * time.Second

// Project describes the application being shipped. Every field has a
// default matching the two-tier layout (backend API + frontend SPA) so the
// file is optional.
type Project struct {
	// App is the application name, used for ArgoCD application names.
	App string `json:"app"`

	// Deployments lists the workloads promoted together by "deploy".
	Deployments []DeploymentSpec `json:"deployments"`

	// Environments configures each deployment target. Keys are "dev" and "hml".
	Environments map[string]EnvironmentSpec `json:"environments"`

	// Addons pins the versions installed by "setup-cluster".
	Addons AddonVersions `json:"addons"`

	// RolloutTimeoutSeconds overrides DefaultRolloutTimeout.
	RolloutTimeoutSeconds int `json:"rolloutTimeoutSeconds,omitempty"`

	// ProbeTimeoutSeconds overrides DefaultProbeTimeout.
	ProbeTimeoutSeconds int `json:"probeTimeoutSeconds,omitempty"`

	// SonarProjectKey identifies the project in SonarQube.
	SonarProjectKey string `json:"sonarProjectKey,omitempty"`
}

// DeploymentSpec names one Kubernetes Deployment and the image built for it.
type DeploymentSpec struct {
	// Name is the Deployment object name.
	Name string `json:"name"`

	// Container is the container inside the pod template whose image is
	// replaced on promotion. Defaults to Name.
	Container string `json:"container,omitempty"`

	// Image is the repository name, without registry or tag.
	Image string `json:"image"`

	// Dockerfile and Context describe how the image is built.
	Dockerfile string `json:"dockerfile,omitempty"`
	Context    string `json:"context,omitempty"`
}

// EnvironmentSpec configures one deployment target.
type EnvironmentSpec struct {
	// Namespace is the Kubernetes namespace the environment lives in.
	Namespace string `json:"namespace"`

	// BackendURL and FrontendURL are the externally reachable base URLs
	// used by the liveness probes and the smoke suite.
	BackendURL  string `json:"backendUrl"`
	FrontendURL string `json:"frontendUrl"`

	// ArgoCDApp is the ArgoCD application reconciling this environment.
	ArgoCDApp string `json:"argocdApp,omitempty"`

	// Overlay is the kustomize overlay directory bumped by the GitOps step.
	Overlay string `json:"overlay,omitempty"`
}

// AddonVersions pins cluster add-on versions. Values are semantic versions
// with or without a leading "v".
type AddonVersions struct {
	IngressNginx string `json:"ingressNginx"`
	CertManager  string `json:"certManager"`
	ArgoCD       string `json:"argocd"`
	Monitoring   string `json:"monitoring"`
}

// DefaultProject returns the configuration used when no project file exists.
func DefaultProject() *Project {
	return &Project{
		App: "app",
		Deployments: []DeploymentSpec{
			{Name: "backend", Container: "backend", Image: "app-backend", Dockerfile: "Dockerfile.backend", Context: "."},
			{Name: "frontend", Container: "frontend", Image: "app-frontend", Dockerfile: "Dockerfile.frontend", Context: "."},
		},
		Environments: map[string]EnvironmentSpec{
			string(model.EnvDev): {
				Namespace:   "dev",
				BackendURL:  "http://dev.app.local",
				FrontendURL: "http://dev.app.local",
				ArgoCDApp:   "app-dev",
				Overlay:     "k8s/overlays/dev",
			},
			string(model.EnvHML): {
				Namespace:   "hml",
				BackendURL:  "http://hml.app.local",
				FrontendURL: "http://hml.app.local",
				ArgoCDApp:   "app-hml",
				Overlay:     "k8s/overlays/hml",
			},
		},
		Addons: AddonVersions{
			IngressNginx: "1.8.1",
			CertManager:  "1.13.0",
			ArgoCD:       "2.8.4",
			Monitoring:   "51.2.0",
		},
		SonarProjectKey: "app",
	}
}

// LoadProject reads the project file at path, strips JSONC comments and
// overlays it onto DefaultProject.
//
// When required is false a missing file is not an error and the defaults
// are returned; this is the behaviour for the implicit ./shipctl.jsonc.
// An explicitly passed --config must exist.
func LoadProject(path string, required bool) (*Project, error) {
	p := DefaultProject()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !required {
			return p, nil
		}
		return nil, model.WrapCLIError(model.ExitInvalidArgument,
			fmt.Sprintf("failed to read project file %s", path), err)
	}

	// Strip JSONC comments (// and /* */) and trailing commas before parsing.
	cleanJSON := jsonc.ToJSON(data)

	// Unmarshal onto the defaults so omitted fields keep their default
	// values. encoding/json keeps map keys absent from the file but
	// replaces the value of every key present; slices are replaced wholesale.
	if err := json.Unmarshal(cleanJSON, p); err != nil {
		return nil, model.WrapCLIError(model.ExitInvalidArgument,
			fmt.Sprintf("failed to parse project file %s", path), err)
	}

	if err := p.Validate(); err != nil {
		return nil, model.WrapCLIError(model.ExitInvalidArgument,
			fmt.Sprintf("invalid project file %s", path), err)
	}
	return p, nil
}

// Validate checks required fields, fills per-entry defaults and verifies
// add-on versions are semantic versions.
func (p *Project) Validate() error {
	if p.App == "" {
		return fmt.Errorf("app must not be empty")
	}
	if len(p.Deployments) == 0 {
		return fmt.Errorf("at least one deployment is required")
	}
	seen := make(map[string]bool)
	for i := range p.Deployments {
		d := &p.Deployments[i]
		if d.Name == "" || d.Image == "" {
			return fmt.Errorf("deployments[%d]: name and image are required", i)
		}
		if seen[d.Name] {
			return fmt.Errorf("deployments[%d]: duplicate deployment %q", i, d.Name)
		}
		seen[d.Name] = true
		if d.Container == "" {
			d.Container = d.Name
		}
		if d.Context == "" {
			d.Context = "."
		}
	}

	for _, env := range model.AllEnvironments {
		spec, ok := p.Environments[env.String()]
		if !ok {
			return fmt.Errorf("environment %q is not configured", env)
		}
		if spec.Namespace == "" {
			return fmt.Errorf("environment %q: namespace is required", env)
		}
		if spec.ArgoCDApp == "" {
			spec.ArgoCDApp = p.App + "-" + env.String()
		}
		if spec.Overlay == "" {
			spec.Overlay = "k8s/overlays/" + env.String()
		}
		p.Environments[env.String()] = spec
	}

	versions := map[string]string{
		"ingressNginx": p.Addons.IngressNginx,
		"certManager":  p.Addons.CertManager,
		"argocd":       p.Addons.ArgoCD,
		"monitoring":   p.Addons.Monitoring,
	}
	for name, v := range versions {
		if _, err := ParseVersion(v); err != nil {
			return fmt.Errorf("addons.%s: %w", name, err)
		}
	}
	return nil
}

// ParseVersion parses an add-on version, tolerating a leading "v".
func ParseVersion(v string) (semver.Version, error) {
	if strings.TrimSpace(v) == "" {
		return semver.Version{}, fmt.Errorf("version must not be empty")
	}
	parsed, err := semver.ParseTolerant(v)
	if err != nil {
		return semver.Version{}, fmt.Errorf("invalid version %q: %w", v, err)
	}
	return parsed, nil
}

// Environment returns the spec for env. Validate guarantees presence for
// the known environments.
func (p *Project) Environment(env model.Environment) EnvironmentSpec {
	return p.Environments[env.String()]
}

// Deployment looks up a deployment by name.
func (p *Project) Deployment(name string) (DeploymentSpec, bool) {
	for _, d := range p.Deployments {
		if d.Name == name {
			return d, true
		}
	}
	return DeploymentSpec{}, false
}

// RolloutTimeout returns the effective rollout timeout.
func (p *Project) RolloutTimeout() time.Duration {
	if p.RolloutTimeoutSeconds > 0 {
		return time.Duration(p.RolloutTimeoutSeconds) * time.Second
	}
	return DefaultRolloutTimeout
}

// ProbeTimeout returns the effective probe connect timeout.
func (p *Project) ProbeTimeout() time.Duration {
	if p.ProbeTimeoutSeconds > 0 {
		return time.Duration(p.ProbeTimeoutSeconds) * time.Second
	}
	return DefaultProbeTimeout
}
