package lint

import (
	"os"
	"strings"

	"github.com/shinji-kodama/shipctl/internal/pipeline"
)

// RequiredStages must exist in every pipeline definition.
var RequiredStages = []string{
	"Checkout",
	"Install Dependencies",
	"Code Quality & Security",
	"Unit Tests",
	"Build Docker Images",
	"Container Security Scan",
}

// securityTools maps a tool to the words that reveal it in a step name,
// command or action.
var securityTools = []struct {
	Name  string
	Words []string
}{
	{Name: "SonarQube", Words: []string{"sonar"}},
	{Name: "Semgrep", Words: []string{"semgrep"}},
	{Name: "DAST", Words: []string{"zap", pipeline.ActionDAST}},
	{Name: "Trivy", Words: []string{"trivy"}},
}

// checkPipeline validates pipeline.yaml, or the built-in pipeline when the
// repository has none.
func (l *Linter) checkPipeline() {
	rel := pipeline.DefaultFile
	if _, err := os.Stat(l.path(rel)); err != nil {
		rel = "(built-in pipeline)"
	}
	def, err := pipeline.Load(l.path(pipeline.DefaultFile), false)
	if err != nil {
		l.errorf(rel, "", "%v", err)
		return
	}
	l.checked(rel)

	for _, name := range RequiredStages {
		if _, ok := def.Stage(name); !ok {
			l.errorf(rel, "stages", "required stage %q is missing", name)
		}
	}

	for _, tool := range securityTools {
		if !usesTool(def, tool.Words) {
			l.errorf(rel, "steps", "no step runs %s", tool.Name)
		}
	}
}

func usesTool(def *pipeline.Definition, words []string) bool {
	for _, s := range def.Stages {
		for _, step := range s.Steps {
			text := strings.ToLower(strings.Join([]string{step.Name, step.Run, step.Uses}, " "))
			for _, w := range words {
				if strings.Contains(text, w) {
					return true
				}
			}
		}
	}
	return false
}
