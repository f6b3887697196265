package definition

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dataflow-engine/internal/engine/registry"
)

func testRegistry() *registry.MemoryRegistry {
	r := registry.NewMemoryRegistry()
	r.Register(registry.AdapterDefinition{
		Code:     "httpFetch",
		Category: registry.CategoryExtractor,
		Fields: []registry.FieldSpec{
			{Key: "url", Type: registry.FieldString, Required: true},
			{Key: "pageSize", Type: registry.FieldNumber},
			{Key: "method", Type: registry.FieldSelect, Options: []string{"GET", "POST"}},
		},
	})
	r.Register(registry.AdapterDefinition{
		Code:     "uppercase",
		Category: registry.CategoryOperator,
		Pure:     true,
		Fields: []registry.FieldSpec{
			{Key: "field", Type: registry.FieldString, Required: true},
		},
	})
	r.Register(registry.AdapterDefinition{
		Code:     "dbLookup",
		Category: registry.CategoryOperator,
		Pure:     false,
	})
	r.Register(registry.AdapterDefinition{
		Code:     "dbUpsert",
		Category: registry.CategoryLoader,
		Fields: []registry.FieldSpec{
			{Key: "table", Type: registry.FieldString, Required: true},
		},
	})
	return r
}

func triggerStep(key string) Step {
	return Step{Key: key, Type: StepTrigger, Config: map[string]interface{}{"kind": "MANUAL"}}
}

func validDefinition() *PipelineDefinition {
	return &PipelineDefinition{
		Version: 1,
		Steps: []Step{
			triggerStep("start"),
			{Key: "e", Type: StepExtract, Config: map[string]interface{}{
				"adapter": "httpFetch", "url": "https://example.com/items",
			}},
			{Key: "t1", Type: StepTransform, Config: map[string]interface{}{},
				Operators: []OperatorSpec{{Op: "uppercase", Args: map[string]interface{}{"field": "name"}}}},
			{Key: "l", Type: StepLoad, Config: map[string]interface{}{
				"adapter": "dbUpsert", "table": "items",
			}},
		},
		Edges: []Edge{
			{From: "start", To: "e"},
			{From: "e", To: "t1"},
			{From: "t1", To: "l"},
		},
	}
}

func validateDef(t *testing.T, def *PipelineDefinition, level Level) Result {
	t.Helper()
	v := NewValidator(testRegistry(), nil)
	return v.Validate(context.Background(), def, level)
}

func TestValidate_ValidDefinition(t *testing.T) {
	result := validateDef(t, validDefinition(), LevelSemantic)
	assert.True(t, result.Valid(), "unexpected issues: %v", result.Issues)
	assert.NoError(t, result.Error())
}

func TestSyntax_Version(t *testing.T) {
	def := validDefinition()
	def.Version = 0

	result := validateDef(t, def, LevelSyntax)
	require.False(t, result.Valid())
	assert.Contains(t, result.Issues[0].Message, "positive integer")
}

func TestSyntax_EmptySteps(t *testing.T) {
	def := &PipelineDefinition{Version: 1}
	result := validateDef(t, def, LevelSyntax)
	require.False(t, result.Valid())
	assert.Contains(t, result.Issues[0].Message, "at least one step")
}

func TestSyntax_DuplicateAndInvalidKeys(t *testing.T) {
	def := validDefinition()
	def.Steps[2].Key = "e"
	def.Steps[3].Key = "9bad"

	result := validateDef(t, def, LevelSyntax)
	require.False(t, result.Valid())

	all := fmt.Sprint(result.Issues)
	assert.Contains(t, all, "duplicate step key")
	assert.Contains(t, all, "key must match")
}

func TestSyntax_UnknownType(t *testing.T) {
	def := validDefinition()
	def.Steps[1].Type = "MUTATE"

	result := validateDef(t, def, LevelSyntax)
	require.False(t, result.Valid())
	assert.Contains(t, result.Issues[0].Message, "unknown step type")
}

func TestSyntax_MissingConfig(t *testing.T) {
	def := validDefinition()
	def.Steps[1].Config = nil

	result := validateDef(t, def, LevelSyntax)
	require.False(t, result.Valid())
	assert.Contains(t, result.Issues[0].Message, "config object is required")
}

func TestSyntax_ShortCircuitsSemantic(t *testing.T) {
	def := validDefinition()
	def.Version = 0
	// This would also be a semantic issue, but syntax failure skips that level
	def.Steps[1].Config = map[string]interface{}{"adapter": "nope"}

	result := validateDef(t, def, LevelSemantic)
	require.False(t, result.Valid())
	for _, issue := range result.Issues {
		assert.NotContains(t, issue.Message, "unknown extractor")
	}
}

func TestSyntax_RetryPerRecordPlacement(t *testing.T) {
	def := validDefinition()
	def.Steps[1].RetryPerRecord = &RetryPerRecord{MaxRetries: 3}

	result := validateDef(t, def, LevelSyntax)
	require.False(t, result.Valid())
	assert.Contains(t, result.Issues[0].Message, "only valid on TRANSFORM")
}

func TestSyntax_DependsOnDuplicates(t *testing.T) {
	def := validDefinition()
	def.DependsOn = []string{"base", "base"}

	result := validateDef(t, def, LevelSyntax)
	require.False(t, result.Valid())
	assert.Contains(t, result.Issues[0].Message, "duplicate dependency")
}

func TestSyntax_Context(t *testing.T) {
	def := validDefinition()
	def.Context = &Context{
		RunMode:     "TRICKLE",
		WatermarkMs: -5,
		LateEvents:  &LateEvents{Policy: LateEventsBuffer},
	}

	result := validateDef(t, def, LevelSyntax)
	require.False(t, result.Valid())
	assert.Len(t, result.Issues, 3)
}

func TestSyntax_CapabilitiesVocabulary(t *testing.T) {
	def := validDefinition()
	def.Capabilities = &Capabilities{
		Writes:   []string{"products", "blockchain"},
		Requires: []string{"pipeline.run", ""},
	}

	result := validateDef(t, def, LevelSyntax)
	require.False(t, result.Valid())
	assert.Len(t, result.Issues, 2)
	assert.Contains(t, result.Issues[0].Message, "domain vocabulary")
}

func TestSemantic_UnknownAdapter(t *testing.T) {
	def := validDefinition()
	def.Steps[1].Config["adapter"] = "ftpFetch"

	result := validateDef(t, def, LevelSemantic)
	require.False(t, result.Valid())
	assert.Contains(t, result.Issues[0].Message, `unknown extractor adapter "ftpFetch"`)
}

func TestSemantic_FieldSchema(t *testing.T) {
	def := validDefinition()
	def.Steps[1].Config = map[string]interface{}{
		"adapter":  "httpFetch",
		"pageSize": "not-a-number",
		"method":   "DELETE",
		// url missing
	}

	result := validateDef(t, def, LevelSemantic)
	require.False(t, result.Valid())
	assert.Len(t, result.Issues, 3)
}

func TestSemantic_SelectIsCaseInsensitive(t *testing.T) {
	def := validDefinition()
	def.Steps[1].Config["method"] = "get"

	result := validateDef(t, def, LevelSemantic)
	assert.True(t, result.Valid(), "unexpected issues: %v", result.Issues)
}

func TestSemantic_TransformOperators(t *testing.T) {
	def := validDefinition()
	def.Steps[2].Operators = []OperatorSpec{
		{Op: "uppercase"}, // missing required arg "field"
		{Op: "doesNotExist"},
	}

	result := validateDef(t, def, LevelSemantic)
	require.False(t, result.Valid())
	assert.Len(t, result.Issues, 2)
	assert.Contains(t, result.Issues[1].Message, "unknown operator")
}

func TestSemantic_EmptyOperators(t *testing.T) {
	def := validDefinition()
	def.Steps[2].Operators = nil

	result := validateDef(t, def, LevelSemantic)
	require.False(t, result.Valid())
	assert.Contains(t, result.Issues[0].Message, "non-empty operators array")
}

func TestSemantic_StreamModeRequiresPureOperators(t *testing.T) {
	def := validDefinition()
	def.Context = &Context{RunMode: RunModeStream}
	def.Steps[2].Operators = append(def.Steps[2].Operators, OperatorSpec{Op: "dbLookup"})
	// Add an unrelated issue to prove the list is complete, not truncated
	def.Steps[3].Config["table"] = nil

	result := validateDef(t, def, LevelSemantic)
	require.False(t, result.Valid())

	all := fmt.Sprint(result.Issues)
	assert.Contains(t, all, "not pure", "expected purity issue")
	assert.Contains(t, all, "required by adapter", "unrelated issue should be reported alongside the purity issue")
}

func TestSemantic_BatchModeAllowsImpureOperators(t *testing.T) {
	def := validDefinition()
	def.Steps[2].Operators = append(def.Steps[2].Operators, OperatorSpec{Op: "dbLookup"})

	result := validateDef(t, def, LevelSemantic)
	assert.True(t, result.Valid(), "unexpected issues: %v", result.Issues)
}

func TestSemantic_RouteBranches(t *testing.T) {
	tests := []struct {
		name     string
		branches []BranchSpec
		wantErr  string
	}{
		{"empty branches", nil, "non-empty branches array"},
		{"duplicate names", []BranchSpec{{Name: "a"}, {Name: "a"}}, "duplicate branch name"},
		{"empty name", []BranchSpec{{Name: ""}}, "must not be empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validDefinition()
			def.Steps = append(def.Steps, Step{
				Key: "r", Type: StepRoute, Config: map[string]interface{}{}, Branches: tt.branches,
			})
			def.Edges = append(def.Edges, Edge{From: "t1", To: "r"})

			result := validateDef(t, def, LevelSemantic)
			require.False(t, result.Valid())
			assert.Contains(t, fmt.Sprint(result.Issues), tt.wantErr)
		})
	}
}

func TestSemantic_EdgeBranchReferences(t *testing.T) {
	def := validDefinition()
	def.Steps = append(def.Steps, Step{
		Key: "r", Type: StepRoute, Config: map[string]interface{}{},
		Branches: []BranchSpec{{Name: "big", When: "total > 100"}, {Name: "small"}},
	})
	def.Steps = append(def.Steps, Step{
		Key: "s", Type: StepSink, Config: map[string]interface{}{},
	})
	def.Edges = append(def.Edges,
		Edge{From: "t1", To: "r"},
		Edge{From: "r", To: "s", Branch: "huge"},       // undeclared branch
		Edge{From: "e", To: "t1"},                      // duplicate edge is fine
	)
	def.Edges = append(def.Edges, Edge{From: "t1", To: "s", Branch: "big"}) // from non-ROUTE

	result := validateDef(t, def, LevelSemantic)
	require.False(t, result.Valid())

	all := fmt.Sprint(result.Issues)
	assert.Contains(t, all, `branch "huge" is not declared`)
	assert.Contains(t, all, "only legal on edges from ROUTE steps")
}

func TestSemantic_MessageTrigger(t *testing.T) {
	tests := []struct {
		name    string
		config  map[string]interface{}
		wantErr string
	}{
		{
			"unsupported queue type",
			map[string]interface{}{"kind": "MESSAGE", "queueType": "zeromq", "queue": "q"},
			"supported queueType",
		},
		{
			"missing connection",
			map[string]interface{}{"kind": "MESSAGE", "queueType": "kafka", "topic": "events"},
			"requires a connection reference",
		},
		{
			"missing queue name",
			map[string]interface{}{"kind": "MESSAGE", "queueType": "rabbitmq", "connection": "amqp-main"},
			"requires a queue or topic",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validDefinition()
			def.Steps[0].Config = tt.config

			result := validateDef(t, def, LevelSemantic)
			require.False(t, result.Valid())
			assert.Contains(t, fmt.Sprint(result.Issues), tt.wantErr)
		})
	}
}

func TestSemantic_InternalQueueNeedsNoConnection(t *testing.T) {
	def := validDefinition()
	def.Steps[0].Config = map[string]interface{}{
		"kind": "MESSAGE", "queueType": "internal", "queue": "local-events",
	}

	result := validateDef(t, def, LevelSemantic)
	assert.True(t, result.Valid(), "unexpected issues: %v", result.Issues)
}

func TestSemantic_ScheduleTriggerCron(t *testing.T) {
	def := validDefinition()
	def.Steps[0].Config = map[string]interface{}{"kind": "SCHEDULE", "cron": "not a cron"}

	result := validateDef(t, def, LevelSemantic)
	require.False(t, result.Valid())
	assert.Contains(t, fmt.Sprint(result.Issues), "invalid cron expression")

	def.Steps[0].Config["cron"] = "*/5 * * * *"
	result = validateDef(t, def, LevelSemantic)
	assert.True(t, result.Valid(), "unexpected issues: %v", result.Issues)
}

func TestSemantic_GatePreviewCount(t *testing.T) {
	def := validDefinition()
	def.Steps = append(def.Steps, Step{
		Key: "approve", Type: StepGate,
		Config: map[string]interface{}{"previewCount": -1},
	})
	def.Edges = append(def.Edges, Edge{From: "t1", To: "approve"})

	result := validateDef(t, def, LevelSemantic)
	require.False(t, result.Valid())
	assert.Contains(t, fmt.Sprint(result.Issues), "previewCount must be a positive integer")
}

type fakeLookup struct {
	existing map[string]bool
	err      error
}

func (f *fakeLookup) Exists(_ context.Context, code string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.existing[code], nil
}

func TestFull_DependsOn(t *testing.T) {
	def := validDefinition()
	def.DependsOn = []string{"base-catalog", "missing-pipeline"}

	v := NewValidator(testRegistry(), &fakeLookup{existing: map[string]bool{"base-catalog": true}})
	result := v.Validate(context.Background(), def, LevelFull)

	require.False(t, result.Valid())
	require.Len(t, result.Issues, 1)
	assert.Contains(t, result.Issues[0].Message, `"missing-pipeline" does not exist`)
}

func TestFull_LookupFailureIsWarning(t *testing.T) {
	def := validDefinition()
	def.DependsOn = []string{"base-catalog"}

	v := NewValidator(testRegistry(), &fakeLookup{err: fmt.Errorf("connection reset")})
	result := v.Validate(context.Background(), def, LevelFull)

	assert.True(t, result.Valid(), "transient lookup failure must not fail validation")
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0].Message, "existence check failed")
}

func TestFull_NoLookupConfigured(t *testing.T) {
	def := validDefinition()
	def.DependsOn = []string{"base-catalog"}

	result := validateDef(t, def, LevelFull)
	assert.True(t, result.Valid())
	assert.Len(t, result.Warnings, 1)
}

func TestSemantic_DependsOnNotCheckedBelowFull(t *testing.T) {
	def := validDefinition()
	def.DependsOn = []string{"anything"}

	result := validateDef(t, def, LevelSemantic)
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}
