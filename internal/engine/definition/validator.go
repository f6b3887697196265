package definition

import (
	"context"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"dataflow-engine/internal/common/validation"
	"dataflow-engine/internal/engine/registry"
)

// Level selects how deep validation goes. Each level includes the previous
// ones; a SYNTAX failure short-circuits the later levels.
type Level int

const (
	// LevelSyntax checks structural shape only
	LevelSyntax Level = iota
	// LevelSemantic adds registry lookups and config schema conformance
	LevelSemantic
	// LevelFull adds the async dependsOn existence pass
	LevelFull
)

// Result carries the complete list of validation issues and warnings. Issues
// are never truncated at the first failure so a UI can highlight every
// offending step at once.
type Result struct {
	Issues   []validation.Issue `json:"issues,omitempty"`
	Warnings []validation.Issue `json:"warnings,omitempty"`
}

// Valid reports whether the definition passed (warnings do not fail)
func (r Result) Valid() bool {
	return len(r.Issues) == 0
}

// Error flattens the result into a single error message, or nil when valid
func (r Result) Error() error {
	if r.Valid() {
		return nil
	}
	msgs := make([]string, len(r.Issues))
	for i, issue := range r.Issues {
		msgs[i] = issue.String()
	}
	return fmt.Errorf("invalid pipeline definition: %s", strings.Join(msgs, "; "))
}

// PipelineLookup resolves dependsOn references to other pipelines. Lookup
// failures are infrastructure faults, not validation failures.
type PipelineLookup interface {
	Exists(ctx context.Context, code string) (bool, error)
}

// Validator validates pipeline definitions against an adapter registry
type Validator struct {
	registry  registry.Registry
	pipelines PipelineLookup
}

// NewValidator creates a validator. pipelines may be nil, in which case the
// FULL level skips the dependsOn pass with a warning per entry.
func NewValidator(reg registry.Registry, pipelines PipelineLookup) *Validator {
	return &Validator{registry: reg, pipelines: pipelines}
}

// Validate runs the definition through the requested level and returns every
// issue found
func (v *Validator) Validate(ctx context.Context, def *PipelineDefinition, level Level) Result {
	acc := validation.NewValidator()

	v.checkSyntax(def, acc)
	if !acc.Valid() {
		// Later levels depend on a structurally sound definition
		return Result{Issues: acc.Issues(), Warnings: acc.Warnings()}
	}

	if len(def.Edges) > 0 {
		checkTopology(def, acc)
	} else if len(def.Steps) == 1 {
		// A single detached step is only a valid graph when it can start a run
		t := def.Steps[0].Type
		if t != StepTrigger && t != StepExtract {
			acc.AddIssue("steps[0]", "a definition without edges must consist of a single TRIGGER or EXTRACT step, got %s", t)
		}
	} else {
		acc.AddIssue("edges", "definitions with multiple steps must declare edges")
	}

	if level >= LevelSemantic {
		v.checkSemantics(def, acc)
	}

	if level >= LevelFull {
		v.checkDependencies(ctx, def, acc)
	}

	return Result{Issues: acc.Issues(), Warnings: acc.Warnings()}
}

// checkSyntax verifies structural shape: version, step keys, known types,
// config presence, concurrency, dependsOn duplicates
func (v *Validator) checkSyntax(def *PipelineDefinition, acc *validation.Validator) {
	if def.Version < 1 {
		acc.AddIssue("version", "must be a positive integer, got %d", def.Version)
	}

	if len(def.Steps) == 0 {
		acc.AddIssue("steps", "must contain at least one step")
		return
	}

	seen := make(map[string]bool, len(def.Steps))
	for i, step := range def.Steps {
		scope := acc.At(fmt.Sprintf("steps[%d]", i))

		scope.RequireString(step.Key, "key")
		if step.Key != "" {
			scope.RequireIdentifier(step.Key, "key")
			if seen[step.Key] {
				scope.Issue("duplicate step key %q", step.Key)
			}
			seen[step.Key] = true
		}

		if !KnownStepType(step.Type) {
			scope.Issue("unknown step type %q", step.Type)
		}

		if step.Config == nil {
			scope.Issue("config object is required")
		}

		// Zero means "absent" after unmarshalling and falls back to the
		// default of 1; only explicit negatives can be rejected here
		if step.Concurrency < 0 {
			scope.Issue("concurrency must be a positive integer, got %d", step.Concurrency)
		}

		if step.RetryPerRecord != nil {
			retry := step.RetryPerRecord
			if step.Type != StepTransform {
				scope.Issue("retryPerRecord is only valid on TRANSFORM steps")
			}
			if retry.MaxRetries < 0 {
				scope.Issue("retryPerRecord.maxRetries must be non-negative, got %d", retry.MaxRetries)
			}
			if retry.RetryDelayMs < 0 {
				scope.Issue("retryPerRecord.retryDelayMs must be non-negative, got %d", retry.RetryDelayMs)
			}
			if retry.Backoff != "" && retry.Backoff != BackoffExponential && retry.Backoff != BackoffFixed {
				scope.Issue("retryPerRecord.backoff must be EXPONENTIAL or FIXED, got %q", retry.Backoff)
			}
		}
	}

	seenDeps := make(map[string]bool, len(def.DependsOn))
	for i, code := range def.DependsOn {
		if code == "" {
			acc.AddIssue(fmt.Sprintf("dependsOn[%d]", i), "pipeline code must not be empty")
			continue
		}
		if seenDeps[code] {
			acc.AddIssue(fmt.Sprintf("dependsOn[%d]", i), "duplicate dependency %q", code)
		}
		seenDeps[code] = true
	}

	v.checkContext(def, acc)
	v.checkCapabilities(def, acc)
}

func (v *Validator) checkContext(def *PipelineDefinition, acc *validation.Validator) {
	if def.Context == nil {
		return
	}

	ctx := def.Context
	scope := acc.At("context")

	if ctx.RunMode != "" && ctx.RunMode != RunModeBatch && ctx.RunMode != RunModeStream {
		scope.Issue("runMode must be BATCH or STREAM, got %q", ctx.RunMode)
	}

	if ctx.WatermarkMs < 0 {
		scope.Issue("watermarkMs must be non-negative, got %d", ctx.WatermarkMs)
	}

	if ctx.LateEvents != nil {
		switch ctx.LateEvents.Policy {
		case LateEventsDrop:
			// No extra fields
		case LateEventsBuffer:
			if ctx.LateEvents.BufferMs <= 0 {
				scope.Issue("lateEvents.bufferMs must be positive when policy is BUFFER")
			}
		default:
			scope.Issue("lateEvents.policy must be DROP or BUFFER, got %q", ctx.LateEvents.Policy)
		}
	}
}

func (v *Validator) checkCapabilities(def *PipelineDefinition, acc *validation.Validator) {
	if def.Capabilities == nil {
		return
	}

	scope := acc.At("capabilities")
	seen := make(map[string]bool)
	for _, domain := range def.Capabilities.Writes {
		if !containsFold(WriteDomains, domain) {
			scope.Issue("writes value %q is not in the domain vocabulary (%s)", domain, strings.Join(WriteDomains, ", "))
		}
		if seen[strings.ToLower(domain)] {
			scope.Issue("duplicate writes value %q", domain)
		}
		seen[strings.ToLower(domain)] = true
	}

	for i, perm := range def.Capabilities.Requires {
		if strings.TrimSpace(perm) == "" {
			scope.Issue("requires[%d] must be a non-empty string", i)
		}
	}
}

// stepCategory maps a step type to the registry category its adapter lives in.
// TRANSFORM, ROUTE, GATE and TRIGGER have their own rules and return false.
func stepCategory(t StepType) (registry.Category, bool) {
	switch t {
	case StepExtract:
		return registry.CategoryExtractor, true
	case StepValidate:
		return registry.CategoryValidator, true
	case StepEnrich:
		return registry.CategoryEnricher, true
	case StepLoad:
		return registry.CategoryLoader, true
	case StepExport:
		return registry.CategoryExporter, true
	case StepSink:
		return registry.CategorySink, true
	case StepFeed:
		return registry.CategoryFeed, true
	default:
		return "", false
	}
}

// supportedQueueTypes are the message-trigger queue kinds the host can bind
var supportedQueueTypes = []string{"rabbitmq", "kafka", "sqs", "pubsub", "redis", "internal"}

func (v *Validator) checkSemantics(def *PipelineDefinition, acc *validation.Validator) {
	streamMode := def.EffectiveRunMode() == RunModeStream

	for i, step := range def.Steps {
		scope := acc.At(fmt.Sprintf("steps[%d](%s)", i, step.Key))

		switch step.Type {
		case StepTrigger:
			v.checkTrigger(step, scope)

		case StepTransform:
			if len(step.Operators) == 0 {
				scope.Issue("TRANSFORM step requires a non-empty operators array")
				continue
			}
			for j, op := range step.Operators {
				if op.Op == "" {
					scope.Issue("operators[%d].op must not be empty", j)
					continue
				}
				opDef, found := v.registry.Find(registry.CategoryOperator, op.Op)
				if !found {
					scope.Issue("operators[%d] references unknown operator %q", j, op.Op)
					continue
				}
				v.checkFieldSchema(opDef, op.Args, fmt.Sprintf("operators[%d].args", j), scope)
				if streamMode && !opDef.Pure {
					scope.Issue("operators[%d]: operator %q is not pure and cannot run in STREAM mode", j, op.Op)
				}
			}

		case StepRoute:
			checkRouteBranches(step, scope)

		case StepGate:
			if preview, ok := step.Config["previewCount"]; ok {
				if n, isNum := toInt(preview); !isNum || n <= 0 {
					scope.Issue("previewCount must be a positive integer, got %v", preview)
				}
			}

		default:
			category, hasCategory := stepCategory(step.Type)
			if !hasCategory {
				continue
			}

			code, ok := step.AdapterCode()
			if !ok {
				scope.Issue("config.adapter is required for %s steps", step.Type)
				continue
			}

			adapterDef, found := v.registry.Find(category, code)
			if !found {
				scope.Issue("unknown %s adapter %q", category, code)
				continue
			}
			v.checkFieldSchema(adapterDef, step.Config, "config", scope)
		}
	}

	// Branch attributes on edges must originate from ROUTE steps and name a
	// declared branch
	for i, edge := range def.Edges {
		if edge.Branch == "" {
			continue
		}
		scope := acc.At(fmt.Sprintf("edges[%d]", i))

		from, ok := def.StepByKey(edge.From)
		if !ok {
			continue // topology already reported the missing endpoint
		}
		if from.Type != StepRoute {
			scope.Issue("branch attribute is only legal on edges from ROUTE steps, %q is %s", edge.From, from.Type)
			continue
		}

		found := false
		for _, b := range from.Branches {
			if b.Name == edge.Branch {
				found = true
				break
			}
		}
		if !found {
			scope.Issue("branch %q is not declared on ROUTE step %q", edge.Branch, edge.From)
		}
	}
}

func checkRouteBranches(step Step, scope *validation.ScopedValidator) {
	if len(step.Branches) == 0 {
		scope.Issue("ROUTE step requires a non-empty branches array")
		return
	}

	seen := make(map[string]bool, len(step.Branches))
	for j, branch := range step.Branches {
		if strings.TrimSpace(branch.Name) == "" {
			scope.Issue("branches[%d].name must not be empty", j)
			continue
		}
		if seen[branch.Name] {
			scope.Issue("duplicate branch name %q", branch.Name)
		}
		seen[branch.Name] = true
	}
}

// triggerKinds the engine understands; MESSAGE carries extra queue rules
var triggerKinds = []string{"MANUAL", "SCHEDULE", "WEBHOOK", "MESSAGE"}

func (v *Validator) checkTrigger(step Step, scope *validation.ScopedValidator) {
	kind, _ := step.Config["kind"].(string)
	if kind == "" {
		scope.Issue("trigger config requires a kind (%s)", strings.Join(triggerKinds, ", "))
		return
	}
	if !containsFold(triggerKinds, kind) {
		scope.Issue("unknown trigger kind %q", kind)
		return
	}

	switch strings.ToUpper(kind) {
	case "SCHEDULE":
		spec, _ := step.Config["cron"].(string)
		if spec == "" {
			scope.Issue("SCHEDULE trigger requires a cron expression")
			return
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			scope.Issue("invalid cron expression %q: %v", spec, err)
		}

	case "MESSAGE":
		queueType, _ := step.Config["queueType"].(string)
		if queueType == "" || !containsFold(supportedQueueTypes, queueType) {
			scope.Issue("MESSAGE trigger requires a supported queueType (%s)", strings.Join(supportedQueueTypes, ", "))
			return
		}

		if !strings.EqualFold(queueType, "internal") {
			if conn, _ := step.Config["connection"].(string); conn == "" {
				scope.Issue("MESSAGE trigger with queueType %q requires a connection reference", queueType)
			}
		}

		queue, _ := step.Config["queue"].(string)
		topic, _ := step.Config["topic"].(string)
		if queue == "" && topic == "" {
			scope.Issue("MESSAGE trigger requires a queue or topic name")
		}
	}
}

// checkFieldSchema verifies a config object against an adapter's declared
// field schema
func (v *Validator) checkFieldSchema(def registry.AdapterDefinition, config map[string]interface{}, path string, scope *validation.ScopedValidator) {
	for _, field := range def.Fields {
		value, present := config[field.Key]
		if !present || value == nil {
			if field.Required {
				scope.Issue("%s.%s is required by adapter %q", path, field.Key, def.Code)
			}
			continue
		}

		switch field.Type {
		case registry.FieldString:
			if _, ok := value.(string); !ok {
				scope.Issue("%s.%s must be a string, got %T", path, field.Key, value)
			}
		case registry.FieldNumber:
			if _, ok := toFloat(value); !ok {
				scope.Issue("%s.%s must be a number, got %T", path, field.Key, value)
			}
		case registry.FieldBoolean:
			if _, ok := value.(bool); !ok {
				scope.Issue("%s.%s must be a boolean, got %T", path, field.Key, value)
			}
		case registry.FieldSelect:
			s, ok := value.(string)
			if !ok {
				scope.Issue("%s.%s must be a string, got %T", path, field.Key, value)
			} else if !field.AllowsOption(s) {
				scope.Issue("%s.%s must be one of %s, got %q", path, field.Key, strings.Join(field.Options, ", "), s)
			}
		case registry.FieldObject:
			if _, ok := value.(map[string]interface{}); !ok {
				scope.Issue("%s.%s must be an object, got %T", path, field.Key, value)
			}
		case registry.FieldArray:
			if _, ok := value.([]interface{}); !ok {
				scope.Issue("%s.%s must be an array, got %T", path, field.Key, value)
			}
		}
	}
}

// checkDependencies runs the FULL-level async pass over dependsOn. A lookup
// failure is recorded as a warning, never an issue: dependency checking must
// not turn a transient infrastructure fault into a false validation failure.
func (v *Validator) checkDependencies(ctx context.Context, def *PipelineDefinition, acc *validation.Validator) {
	if len(def.DependsOn) == 0 {
		return
	}

	if v.pipelines == nil {
		for i := range def.DependsOn {
			acc.AddWarning(fmt.Sprintf("dependsOn[%d]", i), "no pipeline lookup configured, existence not verified")
		}
		return
	}

	for i, code := range def.DependsOn {
		exists, err := v.pipelines.Exists(ctx, code)
		if err != nil {
			acc.AddWarning(fmt.Sprintf("dependsOn[%d]", i), "existence check failed for %q: %v", code, err)
			continue
		}
		if !exists {
			acc.AddIssue(fmt.Sprintf("dependsOn[%d]", i), "pipeline %q does not exist", code)
		}
	}
}

func containsFold(haystack []string, needle string) bool {
	for _, h := range haystack {
		if strings.EqualFold(h, needle) {
			return true
		}
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case int32:
		return float64(val), true
	default:
		return 0, false
	}
}

func toInt(v interface{}) (int, bool) {
	f, ok := toFloat(v)
	if !ok {
		return 0, false
	}
	return int(f), true
}
