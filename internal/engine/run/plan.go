package run

import (
	"fmt"
	"sort"

	"github.com/heimdalr/dag"

	"dataflow-engine/internal/engine/definition"
)

// Plan wraps the validated pipeline graph and answers the scheduling
// questions the orchestrator asks: which steps can run together, and who
// feeds whom.
type Plan struct {
	graph     *dag.DAG
	def       *definition.PipelineDefinition
	vertexIDs map[string]string // step key -> vertex ID
	stepKeys  map[string]string // vertex ID -> step key
}

// NewPlan builds the execution graph from a definition's edges. The
// definition is expected to have passed topology validation already;
// heimdalr/dag still rejects cycles as a backstop.
func NewPlan(def *definition.PipelineDefinition) (*Plan, error) {
	p := &Plan{
		graph:     dag.NewDAG(),
		def:       def,
		vertexIDs: make(map[string]string),
		stepKeys:  make(map[string]string),
	}

	for _, step := range def.Steps {
		vertexID, err := p.graph.AddVertex(step.Key)
		if err != nil {
			return nil, fmt.Errorf("failed to add step %q: %w", step.Key, err)
		}
		p.vertexIDs[step.Key] = vertexID
		p.stepKeys[vertexID] = step.Key
	}

	for _, edge := range def.Edges {
		if err := p.graph.AddEdge(p.vertexIDs[edge.From], p.vertexIDs[edge.To]); err != nil {
			return nil, fmt.Errorf("adding edge from %q to %q failed: %w", edge.From, edge.To, err)
		}
	}

	return p, nil
}

// Batches returns groups of step keys where every step in a group has all
// of its ancestors in earlier groups, so the group can run concurrently.
func (p *Plan) Batches() ([][]string, error) {
	var plan [][]string
	completed := make(map[string]bool)
	remaining := make(map[string]bool)

	for key := range p.vertexIDs {
		remaining[key] = true
	}

	for len(remaining) > 0 {
		var batch []string

		for key := range remaining {
			ancestors, err := p.graph.GetAncestors(p.vertexIDs[key])
			if err != nil {
				return nil, fmt.Errorf("failed to get dependencies for step %q: %w", key, err)
			}

			ready := true
			for ancestorVertexID := range ancestors {
				if !completed[p.stepKeys[ancestorVertexID]] {
					ready = false
					break
				}
			}
			if ready {
				batch = append(batch, key)
			}
		}

		if len(batch) == 0 {
			return nil, fmt.Errorf("deadlock detected in execution plan")
		}

		sort.Strings(batch)
		for _, key := range batch {
			completed[key] = true
			delete(remaining, key)
		}
		plan = append(plan, batch)
	}

	return plan, nil
}

// Predecessors returns the direct parents of a step, sorted.
func (p *Plan) Predecessors(stepKey string) []string {
	vertexID, ok := p.vertexIDs[stepKey]
	if !ok {
		return nil
	}
	parents, err := p.graph.GetParents(vertexID)
	if err != nil {
		return nil
	}

	var keys []string
	for parentVertexID := range parents {
		keys = append(keys, p.stepKeys[parentVertexID])
	}
	sort.Strings(keys)
	return keys
}

// Successors returns the direct children of a step, sorted.
func (p *Plan) Successors(stepKey string) []string {
	vertexID, ok := p.vertexIDs[stepKey]
	if !ok {
		return nil
	}
	children, err := p.graph.GetChildren(vertexID)
	if err != nil {
		return nil
	}

	var keys []string
	for childVertexID := range children {
		keys = append(keys, p.stepKeys[childVertexID])
	}
	sort.Strings(keys)
	return keys
}

// Descendants returns every step downstream of the given one, sorted.
// Used to mark the subtree SKIPPED after a failure or gate rejection.
func (p *Plan) Descendants(stepKey string) []string {
	vertexID, ok := p.vertexIDs[stepKey]
	if !ok {
		return nil
	}
	descendants, err := p.graph.GetDescendants(vertexID)
	if err != nil {
		return nil
	}

	var keys []string
	for descVertexID := range descendants {
		keys = append(keys, p.stepKeys[descVertexID])
	}
	sort.Strings(keys)
	return keys
}

// Step returns the step definition for a key.
func (p *Plan) Step(key string) (definition.Step, bool) {
	return p.def.StepByKey(key)
}

// EdgeBranch returns the branch label of the edge from -> to, if any.
func (p *Plan) EdgeBranch(from, to string) string {
	for _, edge := range p.def.Edges {
		if edge.From == from && edge.To == to {
			return edge.Branch
		}
	}
	return ""
}
