package kube

import (
	"k8s.io/cli-runtime/pkg/genericclioptions"

	"github.com/shinji-kodama/shipctl/internal/toolrun"
)

// Target is the cluster selection of the kube flags, handed to the kubectl
// and helm subprocesses so they act on the cluster the API client talks to.
// The zero value selects kubectl's current context.
type Target struct {
	Kubeconfig string `json:"kubeconfig,omitempty"`
	Context    string `json:"context,omitempty"`
	Cluster    string `json:"cluster,omitempty"`
}

// TargetFromFlags copies the cluster selection out of flags.
func TargetFromFlags(flags *genericclioptions.ConfigFlags) Target {
	if flags == nil {
		return Target{}
	}
	deref := func(s *string) string {
		if s == nil {
			return ""
		}
		return *s
	}
	return Target{
		Kubeconfig: deref(flags.KubeConfig),
		Context:    deref(flags.Context),
		Cluster:    deref(flags.ClusterName),
	}
}

// KubectlArgs returns the kubectl global flags selecting t.
func (t Target) KubectlArgs() []string {
	var args []string
	if t.Kubeconfig != "" {
		args = append(args, "--kubeconfig", t.Kubeconfig)
	}
	if t.Context != "" {
		args = append(args, "--context", t.Context)
	}
	if t.Cluster != "" {
		args = append(args, "--cluster", t.Cluster)
	}
	return args
}

// HelmArgs returns the helm global flags selecting t. Helm has no cluster
// override; the context decides.
func (t Target) HelmArgs() []string {
	var args []string
	if t.Kubeconfig != "" {
		args = append(args, "--kubeconfig", t.Kubeconfig)
	}
	if t.Context != "" {
		args = append(args, "--kube-context", t.Context)
	}
	return args
}

// Apply appends the flags selecting t to a kubectl or helm command. Other
// commands are returned unchanged.
func (t Target) Apply(cmd toolrun.Command) toolrun.Command {
	var extra []string
	switch cmd.Name {
	case "kubectl":
		extra = t.KubectlArgs()
	case "helm":
		extra = t.HelmArgs()
	}
	if len(extra) == 0 {
		return cmd
	}
	args := make([]string, 0, len(cmd.Args)+len(extra))
	args = append(args, cmd.Args...)
	cmd.Args = append(args, extra...)
	return cmd
}
