package gate

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/shinji-kodama/shipctl/internal/model"
)

// TestEnvironments checks the branch → environment table, including the
// three reference inputs develop, main and feature/x.
func TestEnvironments(t *testing.T) {
	tests := []struct {
		branch string
		want   []model.Environment
	}{
		{"develop", []model.Environment{model.EnvDev}},
		{"main", []model.Environment{model.EnvDev, model.EnvHML}},
		{"feature/x", []model.Environment{}},
		{"refs/heads/main", []model.Environment{model.EnvDev, model.EnvHML}},
		{"origin/develop", []model.Environment{model.EnvDev}},
		{"master", []model.Environment{}},
		{"", []model.Environment{}},
		{"Main", []model.Environment{}}, // branch names are case-sensitive
	}

	for _, tt := range tests {
		t.Run(tt.branch, func(t *testing.T) {
			assert.Equal(t, tt.want, Environments(tt.branch))
		})
	}
}

// TestEnvironments_IsPure verifies repeated calls are identical and that
// mutating a result does not leak into later calls.
func TestEnvironments_IsPure(t *testing.T) {
	first := Environments("main")
	first[0] = model.EnvHML

	assert.Equal(t, []model.Environment{model.EnvDev, model.EnvHML}, Environments("main"))
}

// TestAllows covers the membership helper used by stage conditions.
func TestAllows(t *testing.T) {
	assert.True(t, Allows("develop", model.EnvDev))
	assert.False(t, Allows("develop", model.EnvHML))
	assert.True(t, Allows("main", model.EnvHML))
	assert.False(t, Allows("feature/login", model.EnvDev))
}

// TestNormalizeBranch checks ref prefix stripping.
func TestNormalizeBranch(t *testing.T) {
	assert.Equal(t, "main", NormalizeBranch("refs/heads/main"))
	assert.Equal(t, "main", NormalizeBranch("refs/remotes/origin/main"))
	assert.Equal(t, "feature/x", NormalizeBranch("origin/feature/x"))
	assert.Equal(t, "develop", NormalizeBranch(" develop\n"))
}
