package pipeline

import (
	"fmt"

	"github.com/shinji-kodama/shipctl/internal/config"
	"github.com/shinji-kodama/shipctl/internal/gate"
)

// Conditions is what stage "when" clauses are evaluated against.
type Conditions struct {
	Branch   string
	Settings config.Settings

	// Getenv reads toggles Settings does not know. Nil uses os.Getenv.
	Getenv func(string) string
}

// Evaluate reports whether w matches and, when it does not, why.
func (c Conditions) Evaluate(w When) (bool, string) {
	branch := gate.NormalizeBranch(c.Branch)

	if len(w.Branches) > 0 {
		found := false
		for _, b := range w.Branches {
			if gate.NormalizeBranch(b) == branch {
				found = true
				break
			}
		}
		if !found {
			return false, fmt.Sprintf("branch %q not in %v", branch, w.Branches)
		}
	}

	if w.Environment != "" && !gate.Allows(branch, w.Environment) {
		return false, fmt.Sprintf("branch %q does not deploy to %s", branch, w.Environment)
	}

	if w.EnvVar != "" && !c.Settings.Toggle(w.EnvVar, c.Getenv) {
		return false, w.EnvVar + " is not enabled"
	}
	return true, ""
}
