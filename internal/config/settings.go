// Package config loads shipctl's two configuration sources:
//
//   - Settings: process environment variables set by the CI system
//     (registry, feature toggles, credentials).
//   - Project: the optional shipctl.jsonc file at the repository root that
//     names the application's deployments, namespaces, probe URLs and
//     add-on versions.
//
// The project file supports JSONC (JSON with Comments) via
// github.com/tidwall/jsonc, so teams can annotate it the same way they
// annotate devcontainer.json or tsconfig.json.
package config

import (
	"os"
	"strings"

	"github.com/shinji-kodama/shipctl/internal/model"
)

// Environment variable names consumed by shipctl.
const (
	EnvDockerRegistry    = "DOCKER_REGISTRY"
	EnvBuildImages       = "BUILD_IMAGES"
	EnvFullDAST          = "FULL_DAST"
	EnvInstallMonitoring = "INSTALL_MONITORING"
	EnvSyncArgoCD        = "SYNC_ARGOCD"
	EnvArgoCDServer      = "ARGOCD_SERVER"
	EnvArgoCDToken       = "ARGOCD_TOKEN"
	EnvGitUsername       = "GIT_USERNAME"
	EnvGitPassword       = "GIT_PASSWORD"
	EnvSonarHostURL      = "SONAR_HOST_URL"
	EnvSonarToken        = "SONAR_TOKEN"
	EnvNotifyWebhookURL  = "NOTIFY_WEBHOOK_URL"
	EnvReportDir         = "REPORT_DIR"
)

// DefaultReportDir is where scan reports and pipeline summaries are
// written when REPORT_DIR is not set.
const DefaultReportDir = "reports"

// Settings is the snapshot of environment variables taken at startup.
// Boolean toggles accept the spellings understood by model.ParseBool.
type Settings struct {
	// DockerRegistry prefixes every image reference (e.g. "registry.local:5000").
	// Empty means images are referenced by bare repository name.
	DockerRegistry string

	// BuildImages enables the image build and push stages.
	BuildImages bool

	// FullDAST switches the ZAP scan from baseline to full active scan.
	FullDAST bool

	// InstallMonitoring adds the Prometheus stack to the cluster bootstrap.
	InstallMonitoring bool

	// SyncArgoCD enables the ArgoCD sync stage.
	SyncArgoCD bool

	ArgoCDServer string
	ArgoCDToken  string

	// GitUsername and GitPassword authenticate the GitOps push.
	GitUsername string
	GitPassword string

	SonarHostURL string
	SonarToken   string

	// NotifyWebhookURL receives the post-pipeline summary when set.
	NotifyWebhookURL string

	ReportDir string
}

// LoadSettings reads Settings through getenv. Passing os.Getenv reads the
// real environment; tests pass a map lookup.
func LoadSettings(getenv func(string) string) Settings {
	if getenv == nil {
		getenv = os.Getenv
	}

	s := Settings{
		DockerRegistry:    strings.TrimSuffix(strings.TrimSpace(getenv(EnvDockerRegistry)), "/"),
		BuildImages:       model.ParseBool(getenv(EnvBuildImages)),
		FullDAST:          model.ParseBool(getenv(EnvFullDAST)),
		InstallMonitoring: model.ParseBool(getenv(EnvInstallMonitoring)),
		SyncArgoCD:        model.ParseBool(getenv(EnvSyncArgoCD)),
		ArgoCDServer:      getenv(EnvArgoCDServer),
		ArgoCDToken:       getenv(EnvArgoCDToken),
		GitUsername:       getenv(EnvGitUsername),
		GitPassword:       getenv(EnvGitPassword),
		SonarHostURL:      strings.TrimSuffix(getenv(EnvSonarHostURL), "/"),
		SonarToken:        getenv(EnvSonarToken),
		NotifyWebhookURL:  getenv(EnvNotifyWebhookURL),
		ReportDir:         getenv(EnvReportDir),
	}
	if s.ReportDir == "" {
		s.ReportDir = DefaultReportDir
	}
	return s
}

// Toggle reports the value of a boolean toggle by its environment variable
// name. Pipeline stage conditions refer to toggles by name
// ("when: {envVar: BUILD_IMAGES}"); unknown names read the raw
// environment through getenv.
func (s Settings) Toggle(name string, getenv func(string) string) bool {
	switch name {
	case EnvBuildImages:
		return s.BuildImages
	case EnvFullDAST:
		return s.FullDAST
	case EnvInstallMonitoring:
		return s.InstallMonitoring
	case EnvSyncArgoCD:
		return s.SyncArgoCD
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	return model.ParseBool(getenv(name))
}

// ImageRef builds the fully qualified image reference for repository and
// tag, prefixing the registry when one is configured.
func (s Settings) ImageRef(repository, tag string) string {
	ref := repository
	if s.DockerRegistry != "" {
		ref = s.DockerRegistry + "/" + repository
	}
	if tag != "" {
		ref += ":" + tag
	}
	return ref
}

// Redacted returns a copy with secrets masked, suitable for debug logs.
func (s Settings) Redacted() Settings {
	mask := func(v string) string {
		if v == "" {
			return ""
		}
		return "****"
	}
	s.ArgoCDToken = mask(s.ArgoCDToken)
	s.GitPassword = mask(s.GitPassword)
	s.SonarToken = mask(s.SonarToken)
	return s
}
