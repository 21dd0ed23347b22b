package pipeline

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const diamondPipeline = `
name: diamond
stages:
  - name: lint
    needs: []
    steps: [{run: make lint}]
  - name: test
    needs: []
    steps: [{run: make test}]
  - name: build
    needs: [lint, test]
    steps: [{run: make build}]
  - name: docs
    needs: [lint]
    steps: [{run: make docs}]
  - name: release
    needs: [build, docs]
    when: {branches: [main]}
    steps: [{run: make release}]
`

func TestLevels(t *testing.T) {
	def, err := Parse([]byte(diamondPipeline))
	require.NoError(t, err)

	levels, err := Levels(def)
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"lint", "test"},
		{"build", "docs"},
		{"release"},
	}, levels)
}

func TestLevels_Default(t *testing.T) {
	levels, err := Levels(Default())
	require.NoError(t, err)

	// The built-in pipeline is a chain: one stage per level.
	require.Len(t, levels, len(Default().Stages))
	assert.Equal(t, []string{"Checkout"}, levels[0])
	assert.Equal(t, []string{"Deploy to HML"}, levels[len(levels)-2])
}

func TestBuildGraph(t *testing.T) {
	def, err := Parse([]byte(diamondPipeline))
	require.NoError(t, err)

	g, err := BuildGraph(def)
	require.NoError(t, err)

	preds, err := g.PredecessorMap()
	require.NoError(t, err)
	assert.Len(t, preds["build"], 2)
	assert.Contains(t, preds["build"], "lint")
	assert.Contains(t, preds["build"], "test")
	assert.Empty(t, preds["lint"])

	_, props, err := g.VertexWithProperties("release")
	require.NoError(t, err)
	assert.Equal(t, "dashed", props.Attributes["style"])
}

func TestWriteDOT(t *testing.T) {
	def, err := Parse([]byte(diamondPipeline))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteDOT(def, &buf))

	out := buf.String()
	assert.Contains(t, out, "digraph")
	assert.Contains(t, out, "rankdir")
	assert.Contains(t, out, `"lint"`)
	assert.Contains(t, out, `"release"`)
	assert.Contains(t, out, "dashed")
}
