package pipeline

import (
	"io"

	"github.com/dominikbraun/graph"
	"github.com/dominikbraun/graph/draw"
	"github.com/pkg/errors"
)

func stageHash(s Stage) string {
	return s.Name
}

// BuildGraph returns the stage DAG: an edge need → stage for every entry
// of Needs. Unknown needs and cycles are errors.
func BuildGraph(def *Definition) (graph.Graph[string, Stage], error) {
	g := graph.New(stageHash, graph.Directed(), graph.Acyclic(), graph.PreventCycles())

	for _, s := range def.Stages {
		attrs := []func(*graph.VertexProperties){graph.VertexAttribute("shape", "box")}
		if !s.When.IsZero() {
			attrs = append(attrs, graph.VertexAttribute("style", "dashed"))
		}
		if err := g.AddVertex(s, attrs...); err != nil {
			return nil, errors.Wrapf(err, "unable to add stage %q", s.Name)
		}
	}

	for _, s := range def.Stages {
		for _, need := range s.Needs {
			if _, err := g.Vertex(need); err != nil {
				return nil, errors.Errorf("stage %q needs unknown stage %q", s.Name, need)
			}
			err := g.AddEdge(need, s.Name)
			if errors.Is(err, graph.ErrEdgeCreatesCycle) || need == s.Name {
				return nil, errors.Errorf("stage %q: needs %q creates a cycle", s.Name, need)
			}
			if err != nil && !errors.Is(err, graph.ErrEdgeAlreadyExists) {
				return nil, errors.Wrapf(err, "unable to link %q to %q", need, s.Name)
			}
		}
	}
	return g, nil
}

// Levels groups stages into topological levels: every stage's needs are
// in earlier levels. Within a level stages keep definition order.
func Levels(def *Definition) ([][]string, error) {
	g, err := BuildGraph(def)
	if err != nil {
		return nil, err
	}
	preds, err := g.PredecessorMap()
	if err != nil {
		return nil, errors.Wrap(err, "unable to get predecessor map")
	}

	level := make(map[string]int, len(def.Stages))
	remaining := len(def.Stages)
	var levels [][]string
	for remaining > 0 {
		var current []string
		for _, s := range def.Stages {
			if _, done := level[s.Name]; done {
				continue
			}
			ready := true
			for p := range preds[s.Name] {
				if _, ok := level[p]; !ok {
					ready = false
					break
				}
			}
			if ready {
				current = append(current, s.Name)
			}
		}
		if len(current) == 0 {
			return nil, errors.New("stage graph has a cycle")
		}
		for _, name := range current {
			level[name] = len(levels)
		}
		levels = append(levels, current)
		remaining -= len(current)
	}
	return levels, nil
}

// WriteDOT renders the stage graph in Graphviz DOT format. Conditional
// stages are drawn dashed.
func WriteDOT(def *Definition, w io.Writer) error {
	g, err := BuildGraph(def)
	if err != nil {
		return err
	}
	if err := draw.DOT(g, w, draw.GraphAttribute("rankdir", "LR")); err != nil {
		return errors.Wrap(err, "unable to render DOT")
	}
	return nil
}
