package definition

import (
	"fmt"
	"sort"

	"dataflow-engine/internal/common/validation"
)

// checkTopology validates the graph the edges describe: endpoint integrity,
// root cardinality, acyclicity (Kahn's algorithm) and load reachability.
func checkTopology(def *PipelineDefinition, acc *validation.Validator) {
	keys := make(map[string]StepType, len(def.Steps))
	for _, step := range def.Steps {
		keys[step.Key] = step.Type
	}

	adjacency := make(map[string][]string)
	inDegree := make(map[string]int, len(def.Steps))
	referenced := make(map[string]bool)
	for key := range keys {
		inDegree[key] = 0
	}

	edgesOK := true
	for i, edge := range def.Edges {
		scope := acc.At(fmt.Sprintf("edges[%d]", i))
		edgeOK := true

		if edge.From == edge.To {
			scope.Issue("self-loop on step %q", edge.From)
			edgesOK = false
			continue
		}

		if _, ok := keys[edge.From]; !ok {
			scope.Issue("from references undeclared step %q", edge.From)
			edgeOK = false
		}
		if _, ok := keys[edge.To]; !ok {
			scope.Issue("to references undeclared step %q", edge.To)
			edgeOK = false
		}
		if !edgeOK {
			edgesOK = false
			continue
		}

		adjacency[edge.From] = append(adjacency[edge.From], edge.To)
		inDegree[edge.To]++
		referenced[edge.From] = true
		referenced[edge.To] = true
	}

	if !edgesOK {
		// Root/cycle analysis on a broken edge set produces noise
		return
	}

	for i, step := range def.Steps {
		if !referenced[step.Key] {
			acc.AddIssue(fmt.Sprintf("steps[%d](%s)", i, step.Key), "step is not connected to the graph")
		}
	}

	// Root analysis: any number of TRIGGER roots is valid (parallel entry
	// points), at most one non-trigger root, and that one must be an EXTRACT
	var roots []string
	var nonTriggerRoots []string
	for key, degree := range inDegree {
		if degree != 0 {
			continue
		}
		roots = append(roots, key)
		if keys[key] != StepTrigger {
			nonTriggerRoots = append(nonTriggerRoots, key)
		}
	}
	sort.Strings(roots)
	sort.Strings(nonTriggerRoots)

	if len(roots) == 0 {
		acc.AddIssue("edges", "graph has no root step (every step has a predecessor)")
	}
	if len(nonTriggerRoots) > 1 {
		acc.AddIssue("edges", "at most one non-trigger root is allowed, found %d: %v", len(nonTriggerRoots), nonTriggerRoots)
	} else if len(nonTriggerRoots) == 1 && keys[nonTriggerRoots[0]] != StepExtract {
		acc.AddIssue("edges", "non-trigger root %q must be an EXTRACT step, got %s", nonTriggerRoots[0], keys[nonTriggerRoots[0]])
	}

	// Kahn's algorithm: repeatedly remove zero-in-degree nodes. Visiting fewer
	// nodes than declared means a cycle or a component only reachable through
	// one, reported as a single topology error.
	visited := kahnVisit(inDegree, adjacency)
	if visited < len(keys) {
		acc.AddIssue("edges", "graph contains a cycle or unreachable component (%d of %d steps orderable)", visited, len(keys))
	}

	// A pipeline that can never persist output is invalid: with exactly one
	// root, that root must reach at least one LOAD step when any exists
	hasLoad := false
	for _, t := range keys {
		if t == StepLoad {
			hasLoad = true
			break
		}
	}
	if hasLoad && len(roots) == 1 {
		if !reaches(roots[0], adjacency, func(key string) bool { return keys[key] == StepLoad }) {
			acc.AddIssue("edges", "root %q cannot reach any LOAD step", roots[0])
		}
	}
}

// kahnVisit counts the nodes orderable by repeated zero-in-degree removal
func kahnVisit(inDegree map[string]int, adjacency map[string][]string) int {
	degrees := make(map[string]int, len(inDegree))
	var queue []string
	for key, degree := range inDegree {
		degrees[key] = degree
		if degree == 0 {
			queue = append(queue, key)
		}
	}
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++

		for _, next := range adjacency[node] {
			degrees[next]--
			if degrees[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	return visited
}

// TopologicalOrder returns the step keys in dependency order. The definition
// must already have passed topology validation; an error is returned if a
// cycle is discovered anyway.
func TopologicalOrder(def *PipelineDefinition) ([]string, error) {
	adjacency := make(map[string][]string)
	inDegree := make(map[string]int, len(def.Steps))
	for _, step := range def.Steps {
		inDegree[step.Key] = 0
	}
	for _, edge := range def.Edges {
		adjacency[edge.From] = append(adjacency[edge.From], edge.To)
		inDegree[edge.To]++
	}

	var queue []string
	for key, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, key)
		}
	}
	sort.Strings(queue)

	var order []string
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)

		var ready []string
		for _, next := range adjacency[node] {
			inDegree[next]--
			if inDegree[next] == 0 {
				ready = append(ready, next)
			}
		}
		sort.Strings(ready)
		queue = append(queue, ready...)
	}

	if len(order) != len(def.Steps) {
		return nil, fmt.Errorf("cycle detected: only %d of %d steps orderable", len(order), len(def.Steps))
	}
	return order, nil
}

// reaches performs a directed traversal from start until match succeeds
func reaches(start string, adjacency map[string][]string, match func(string) bool) bool {
	seen := map[string]bool{start: true}
	stack := []string{start}

	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if match(node) {
			return true
		}
		for _, next := range adjacency[node] {
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}
