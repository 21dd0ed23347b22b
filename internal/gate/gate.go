// Package gate maps a source-control branch to the environments a build
// of that branch is allowed to deploy to.
//
// The mapping is a static lookup table:
//
//	develop → dev
//	main    → dev, hml
//	other   → (none)
//
// The table is intentionally free of I/O so it can be evaluated at plan
// time ("shipctl pipeline plan") and at run time with identical results.
// The ordering requirement (hml only after dev succeeded) is not encoded
// here; it is enforced by the pipeline stage graph, where the HML deploy
// stage needs the DEV deploy stage.
package gate

import (
	"strings"

	"github.com/shinji-kodama/shipctl/internal/model"
)

const (
	// BranchDevelop is the integration branch.
	BranchDevelop = "develop"

	// BranchMain is the release branch.
	BranchMain = "main"
)

// table holds the branch → environments lookup. Each slice is ordered in
// promotion order.
var table = map[string][]model.Environment{
	BranchDevelop: {model.EnvDev},
	BranchMain:    {model.EnvDev, model.EnvHML},
}

// NormalizeBranch strips the ref prefixes CI systems report for
// multibranch and detached checkouts ("refs/heads/main", "origin/main").
func NormalizeBranch(branch string) string {
	b := strings.TrimSpace(branch)
	b = strings.TrimPrefix(b, "refs/heads/")
	b = strings.TrimPrefix(b, "refs/remotes/")
	b = strings.TrimPrefix(b, "origin/")
	return b
}

// Environments returns the environments a build of branch deploys to,
// in promotion order. The result is a fresh slice the caller may modify;
// it is empty (not nil) for branches that never deploy.
func Environments(branch string) []model.Environment {
	envs := table[NormalizeBranch(branch)]
	out := make([]model.Environment, len(envs))
	copy(out, envs)
	return out
}

// Allows reports whether branch is allowed to deploy to env.
func Allows(branch string, env model.Environment) bool {
	for _, e := range table[NormalizeBranch(branch)] {
		if e == env {
			return true
		}
	}
	return false
}
