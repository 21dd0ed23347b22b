// Package pipeline runs the CI/CD pipeline: a graph of stages, each a list
// of steps that either run a command or use a built-in action.
//
// Stage ordering is a DAG built with dominikbraun/graph. Stages are
// grouped into topological levels; the stages of one level run
// concurrently and a level starts only when the previous one finished.
// The first hard failure cancels the running level and aborts every stage
// not yet started. Steps marked allowFailure are soft-fail: their failure
// is recorded and logged but never fails the stage.
//
// Whether a stage runs is decided by its "when" clause: a branch list, a
// deployment environment (evaluated with the deployment gate) and a
// boolean environment variable. A stage whose condition is not met is
// skipped; skipped stages do not block the stages that need them.
package pipeline

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/shinji-kodama/shipctl/internal/model"
)

// DefaultFile is the pipeline definition looked up at the repository root.
const DefaultFile = "pipeline.yaml"

//go:embed default.yaml
var defaultDefinition []byte

// Definition is a parsed pipeline file.
type Definition struct {
	Name   string  `yaml:"name" json:"name"`
	Stages []Stage `yaml:"stages" json:"stages"`
}

// Stage is a group of steps.
type Stage struct {
	Name string `yaml:"name" json:"name"`

	// Needs lists the stages that must finish first. When the key is
	// absent the stage needs the stage declared before it; "needs: []"
	// makes it a root.
	Needs []string `yaml:"needs" json:"needs"`

	// Parallel runs the steps concurrently instead of in order.
	Parallel bool `yaml:"parallel,omitempty" json:"parallel,omitempty"`

	When  When   `yaml:"when,omitempty" json:"when,omitempty"`
	Steps []Step `yaml:"steps" json:"steps"`
}

// When is a stage condition. Empty fields always match; all set fields
// must match.
type When struct {
	// Branches restricts the stage to these branches.
	Branches []string `yaml:"branches,omitempty" json:"branches,omitempty"`

	// Environment runs the stage only when the branch may deploy there.
	Environment model.Environment `yaml:"environment,omitempty" json:"environment,omitempty"`

	// EnvVar names a boolean toggle (BUILD_IMAGES, SYNC_ARGOCD, ...).
	EnvVar string `yaml:"envVar,omitempty" json:"envVar,omitempty"`
}

// IsZero reports whether the condition is empty.
func (w When) IsZero() bool {
	return len(w.Branches) == 0 && w.Environment == "" && w.EnvVar == ""
}

// Step is a command or an action invocation.
type Step struct {
	Name string `yaml:"name" json:"name"`

	// Run is a command line split into argv without a shell.
	Run string `yaml:"run,omitempty" json:"run,omitempty"`

	// Uses names a built-in action; With are its inputs.
	Uses string            `yaml:"uses,omitempty" json:"uses,omitempty"`
	With map[string]string `yaml:"with,omitempty" json:"with,omitempty"`

	// Dir is the working directory of a Run step, relative to the root.
	Dir string `yaml:"dir,omitempty" json:"dir,omitempty"`

	AllowFailure bool `yaml:"allowFailure,omitempty" json:"allowFailure,omitempty"`
}

// Default returns the built-in pipeline mirroring the Jenkinsfile stages.
func Default() *Definition {
	def, err := Parse(defaultDefinition)
	if err != nil {
		panic(fmt.Sprintf("built-in pipeline is invalid: %v", err))
	}
	return def
}

// Load reads the definition at path. A missing file returns Default when
// required is false.
func Load(path string, required bool) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !required {
			return Default(), nil
		}
		return nil, model.WrapCLIError(model.ExitInvalidArgument,
			fmt.Sprintf("failed to read pipeline file %s", path), err)
	}
	def, err := Parse(data)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitInvalidArgument,
			fmt.Sprintf("invalid pipeline file %s", path), err)
	}
	return def, nil
}

// Parse decodes and validates a definition, filling implicit needs.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, errors.Wrap(err, "unable to decode pipeline")
	}
	for i := range def.Stages {
		if def.Stages[i].Needs == nil && i > 0 {
			def.Stages[i].Needs = []string{def.Stages[i-1].Name}
		}
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks names, step shapes and the stage graph.
func (d *Definition) Validate() error {
	if len(d.Stages) == 0 {
		return errors.New("pipeline has no stages")
	}
	seen := make(map[string]bool, len(d.Stages))
	for i, s := range d.Stages {
		if strings.TrimSpace(s.Name) == "" {
			return errors.Errorf("stages[%d]: name is required", i)
		}
		if seen[s.Name] {
			return errors.Errorf("duplicate stage %q", s.Name)
		}
		seen[s.Name] = true

		if s.When.Environment != "" && !s.When.Environment.IsValid() {
			return errors.Errorf("stage %q: invalid environment %q", s.Name, s.When.Environment)
		}
		if len(s.Steps) == 0 {
			return errors.Errorf("stage %q has no steps", s.Name)
		}
		for j, step := range s.Steps {
			if (step.Run == "") == (step.Uses == "") {
				return errors.Errorf("stage %q step %d: exactly one of run and uses is required", s.Name, j)
			}
		}
	}

	// Building the graph rejects unknown needs and cycles.
	_, err := BuildGraph(d)
	return err
}

// Stage returns the stage named name.
func (d *Definition) Stage(name string) (Stage, bool) {
	for _, s := range d.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return Stage{}, false
}

// Actions lists the distinct action names used by the definition.
func (d *Definition) Actions() []string {
	set := map[string]bool{}
	for _, s := range d.Stages {
		for _, step := range s.Steps {
			if step.Uses != "" {
				set[step.Uses] = true
			}
		}
	}
	out := make([]string, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// StepLabel is the display name of a step.
func (s Step) StepLabel() string {
	if s.Name != "" {
		return s.Name
	}
	if s.Uses != "" {
		return s.Uses
	}
	return s.Run
}
