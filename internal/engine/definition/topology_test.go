package definition

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopology_SelfLoop(t *testing.T) {
	def := validDefinition()
	def.Edges = append(def.Edges, Edge{From: "t1", To: "t1"})

	result := validateDef(t, def, LevelSyntax)
	require.False(t, result.Valid())
	assert.Contains(t, fmt.Sprint(result.Issues), `self-loop on step "t1"`)
}

func TestTopology_UndeclaredEndpoints(t *testing.T) {
	def := validDefinition()
	def.Edges = append(def.Edges,
		Edge{From: "ghost", To: "t1"},
		Edge{From: "t1", To: "phantom"},
	)

	result := validateDef(t, def, LevelSyntax)
	require.False(t, result.Valid())

	all := fmt.Sprint(result.Issues)
	assert.Contains(t, all, `from references undeclared step "ghost"`)
	assert.Contains(t, all, `to references undeclared step "phantom"`)
}

func TestTopology_BadEdgeDoesNotMaskLaterChecks(t *testing.T) {
	def := validDefinition()
	def.Edges[0] = Edge{From: "ghost", To: "e"}
	def.Edges = append(def.Edges, Edge{From: "l", To: "l"})

	result := validateDef(t, def, LevelSyntax)
	require.False(t, result.Valid())

	all := fmt.Sprint(result.Issues)
	assert.Contains(t, all, "ghost")
	assert.Contains(t, all, "self-loop")
}

func TestTopology_UnconnectedStep(t *testing.T) {
	def := validDefinition()
	def.Steps = append(def.Steps, Step{
		Key: "orphan", Type: StepTransform, Config: map[string]interface{}{},
		Operators: []OperatorSpec{{Op: "uppercase", Args: map[string]interface{}{"field": "x"}}},
	})

	result := validateDef(t, def, LevelSyntax)
	require.False(t, result.Valid())
	assert.Contains(t, fmt.Sprint(result.Issues), "not connected to the graph")
}

func TestTopology_Cycle(t *testing.T) {
	def := validDefinition()
	def.Edges = append(def.Edges, Edge{From: "l", To: "e"})

	result := validateDef(t, def, LevelSyntax)
	require.False(t, result.Valid())

	// A cycle yields exactly one topology issue, not one per participating step
	require.Len(t, result.Issues, 1)
	assert.Contains(t, result.Issues[0].Message, "cycle or unreachable component")
	assert.Contains(t, result.Issues[0].Message, "1 of 4 steps orderable")
}

func TestTopology_NoRoots(t *testing.T) {
	def := &PipelineDefinition{
		Version: 1,
		Steps: []Step{
			{Key: "a", Type: StepTransform, Config: map[string]interface{}{},
				Operators: []OperatorSpec{{Op: "uppercase", Args: map[string]interface{}{"field": "x"}}}},
			{Key: "b", Type: StepTransform, Config: map[string]interface{}{},
				Operators: []OperatorSpec{{Op: "uppercase", Args: map[string]interface{}{"field": "x"}}}},
		},
		Edges: []Edge{{From: "a", To: "b"}, {From: "b", To: "a"}},
	}

	result := validateDef(t, def, LevelSyntax)
	require.False(t, result.Valid())
	assert.Contains(t, fmt.Sprint(result.Issues), "graph has no root step")
}

func TestTopology_MultipleTriggerRoots(t *testing.T) {
	def := validDefinition()
	def.Steps = append(def.Steps, triggerStep("webhook_start"))
	def.Edges = append(def.Edges, Edge{From: "webhook_start", To: "e"})

	result := validateDef(t, def, LevelSemantic)
	assert.True(t, result.Valid(), "unexpected issues: %v", result.Issues)
}

func TestTopology_MultipleNonTriggerRoots(t *testing.T) {
	def := validDefinition()
	def.Steps = def.Steps[1:] // drop the trigger
	def.Edges = def.Edges[1:]
	def.Steps = append(def.Steps, Step{Key: "e2", Type: StepExtract, Config: map[string]interface{}{
		"adapter": "httpFetch", "url": "https://example.com/other",
	}})
	def.Edges = append(def.Edges, Edge{From: "e2", To: "t1"})

	result := validateDef(t, def, LevelSyntax)
	require.False(t, result.Valid())
	assert.Contains(t, fmt.Sprint(result.Issues), "at most one non-trigger root")
}

func TestTopology_NonTriggerRootMustBeExtract(t *testing.T) {
	def := &PipelineDefinition{
		Version: 1,
		Steps: []Step{
			{Key: "t", Type: StepTransform, Config: map[string]interface{}{},
				Operators: []OperatorSpec{{Op: "uppercase", Args: map[string]interface{}{"field": "x"}}}},
			{Key: "s", Type: StepSink, Config: map[string]interface{}{"adapter": "x"}},
		},
		Edges: []Edge{{From: "t", To: "s"}},
	}

	result := validateDef(t, def, LevelSyntax)
	require.False(t, result.Valid())
	assert.Contains(t, fmt.Sprint(result.Issues), `non-trigger root "t" must be an EXTRACT step`)
}

func TestTopology_LoadReachability(t *testing.T) {
	def := validDefinition()
	// Detach the LOAD step from the root's component and feed it from a
	// second trigger so it stays connected
	def.Steps = append(def.Steps, triggerStep("side"))
	def.Edges = []Edge{
		{From: "start", To: "e"},
		{From: "e", To: "t1"},
		{From: "side", To: "l"},
	}

	result := validateDef(t, def, LevelSemantic)
	assert.True(t, result.Valid(), "reachability only applies with a single root: %v", result.Issues)

	// With a single root the LOAD must be downstream of it. The LOAD here
	// sits in a two-step cycle, connected but never reachable from the root.
	def.Steps = def.Steps[:4]
	def.Steps = append(def.Steps, Step{
		Key: "x", Type: StepTransform, Config: map[string]interface{}{},
		Operators: []OperatorSpec{{Op: "uppercase", Args: map[string]interface{}{"field": "x"}}},
	})
	def.Edges = []Edge{
		{From: "start", To: "e"},
		{From: "e", To: "t1"},
		{From: "x", To: "l"},
		{From: "l", To: "x"},
	}

	result = validateDef(t, def, LevelSyntax)
	require.False(t, result.Valid())
	assert.Contains(t, fmt.Sprint(result.Issues), `root "start" cannot reach any LOAD step`)
}

func TestTopology_ZeroEdges(t *testing.T) {
	tests := []struct {
		name  string
		def   *PipelineDefinition
		valid bool
	}{
		{
			"single trigger",
			&PipelineDefinition{Version: 1, Steps: []Step{triggerStep("only")}},
			true,
		},
		{
			"single extract",
			&PipelineDefinition{Version: 1, Steps: []Step{
				{Key: "only", Type: StepExtract, Config: map[string]interface{}{
					"adapter": "httpFetch", "url": "https://example.com",
				}},
			}},
			true,
		},
		{
			"single transform",
			&PipelineDefinition{Version: 1, Steps: []Step{
				{Key: "only", Type: StepTransform, Config: map[string]interface{}{},
					Operators: []OperatorSpec{{Op: "uppercase", Args: map[string]interface{}{"field": "x"}}}},
			}},
			false,
		},
		{
			"multiple steps without edges",
			&PipelineDefinition{Version: 1, Steps: []Step{
				triggerStep("a"),
				{Key: "b", Type: StepSink, Config: map[string]interface{}{"adapter": "x"}},
			}},
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := validateDef(t, tt.def, LevelSemantic)
			assert.Equal(t, tt.valid, result.Valid(), "issues: %v", result.Issues)
		})
	}
}

func TestTopologicalOrder(t *testing.T) {
	def := validDefinition()
	def.Steps = append(def.Steps,
		Step{Key: "t2", Type: StepTransform, Config: map[string]interface{}{},
			Operators: []OperatorSpec{{Op: "uppercase", Args: map[string]interface{}{"field": "y"}}}},
	)
	def.Edges = []Edge{
		{From: "start", To: "e"},
		{From: "e", To: "t1"},
		{From: "e", To: "t2"},
		{From: "t1", To: "l"},
		{From: "t2", To: "l"},
	}

	order, err := TopologicalOrder(def)
	require.NoError(t, err)
	require.Len(t, order, 5)

	position := make(map[string]int, len(order))
	for i, key := range order {
		position[key] = i
	}
	for _, edge := range def.Edges {
		assert.Less(t, position[edge.From], position[edge.To], "%s must precede %s", edge.From, edge.To)
	}

	// Ties break deterministically
	again, err := TopologicalOrder(def)
	require.NoError(t, err)
	assert.Equal(t, order, again)
}

func TestTopologicalOrder_Cycle(t *testing.T) {
	def := validDefinition()
	def.Edges = append(def.Edges, Edge{From: "l", To: "e"})

	_, err := TopologicalOrder(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}
