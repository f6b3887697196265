// Package definition holds the immutable pipeline definition model and its
// validator. A definition describes a directed graph of steps moving records
// between external systems; the validator rejects malformed graphs before the
// orchestrator ever sees them.
package definition

// StepType identifies the role of a step in the pipeline graph
type StepType string

const (
	StepTrigger   StepType = "TRIGGER"
	StepExtract   StepType = "EXTRACT"
	StepTransform StepType = "TRANSFORM"
	StepValidate  StepType = "VALIDATE"
	StepEnrich    StepType = "ENRICH"
	StepRoute     StepType = "ROUTE"
	StepGate      StepType = "GATE"
	StepLoad      StepType = "LOAD"
	StepExport    StepType = "EXPORT"
	StepSink      StepType = "SINK"
	StepFeed      StepType = "FEED"
)

// StepTypes lists every known step type
var StepTypes = []StepType{
	StepTrigger, StepExtract, StepTransform, StepValidate, StepEnrich,
	StepRoute, StepGate, StepLoad, StepExport, StepSink, StepFeed,
}

// RunMode selects batch or streaming execution semantics
type RunMode string

const (
	RunModeBatch  RunMode = "BATCH"
	RunModeStream RunMode = "STREAM"
)

// LateEventPolicy governs handling of records behind the watermark
type LateEventPolicy string

const (
	LateEventsDrop   LateEventPolicy = "DROP"
	LateEventsBuffer LateEventPolicy = "BUFFER"
)

// BackoffKind selects the per-record retry delay curve
type BackoffKind string

const (
	BackoffExponential BackoffKind = "EXPONENTIAL"
	BackoffFixed       BackoffKind = "FIXED"
)

// WriteDomains is the fixed vocabulary for capabilities.writes
var WriteDomains = []string{
	"products", "inventory", "prices", "orders", "customers",
	"categories", "media", "feeds",
}

// OperatorSpec is one entry in a TRANSFORM step's operator chain
type OperatorSpec struct {
	Op   string                 `json:"op" yaml:"op"`
	Args map[string]interface{} `json:"args,omitempty" yaml:"args,omitempty"`
}

// BranchSpec is a named predicate on a ROUTE step
type BranchSpec struct {
	Name string `json:"name" yaml:"name"`
	When string `json:"when,omitempty" yaml:"when,omitempty"`
}

// RetryPerRecord configures the per-record retry loop on a TRANSFORM step
type RetryPerRecord struct {
	MaxRetries   int         `json:"maxRetries" yaml:"maxRetries"`
	RetryDelayMs int         `json:"retryDelayMs" yaml:"retryDelayMs"`
	Backoff      BackoffKind `json:"backoff,omitempty" yaml:"backoff,omitempty"`
}

// Step is one node in the pipeline graph. Config is opaque to the engine and
// interpreted by the adapter or operator named inside it.
type Step struct {
	Key         string                 `json:"key" yaml:"key"`
	Type        StepType               `json:"type" yaml:"type"`
	Config      map[string]interface{} `json:"config" yaml:"config"`
	Concurrency int                    `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`

	// Operators replaces a single adapter code on TRANSFORM steps
	Operators []OperatorSpec `json:"operators,omitempty" yaml:"operators,omitempty"`
	// Branches declares the named predicates of a ROUTE step
	Branches []BranchSpec `json:"branches,omitempty" yaml:"branches,omitempty"`
	// RetryPerRecord is honored on TRANSFORM steps only
	RetryPerRecord *RetryPerRecord `json:"retryPerRecord,omitempty" yaml:"retryPerRecord,omitempty"`
}

// AdapterCode returns the adapter code named in the step config
func (s Step) AdapterCode() (string, bool) {
	code, ok := s.Config["adapter"].(string)
	return code, ok && code != ""
}

// EffectiveConcurrency returns the step concurrency, defaulting to 1
func (s Step) EffectiveConcurrency() int {
	if s.Concurrency <= 0 {
		return 1
	}
	return s.Concurrency
}

// Edge connects two steps. Branch is only legal when From is a ROUTE step and
// must name one of its declared branches.
type Edge struct {
	From   string `json:"from" yaml:"from"`
	To     string `json:"to" yaml:"to"`
	Branch string `json:"branch,omitempty" yaml:"branch,omitempty"`
}

// Capabilities declares what a pipeline writes and requires
type Capabilities struct {
	Writes     []string `json:"writes,omitempty" yaml:"writes,omitempty"`
	Requires   []string `json:"requires,omitempty" yaml:"requires,omitempty"`
	StreamSafe bool     `json:"streamSafe,omitempty" yaml:"streamSafe,omitempty"`
}

// LateEvents configures late-record handling in STREAM mode
type LateEvents struct {
	Policy   LateEventPolicy `json:"policy" yaml:"policy"`
	BufferMs int64           `json:"bufferMs,omitempty" yaml:"bufferMs,omitempty"`
}

// Context carries run-mode settings for the whole pipeline
type Context struct {
	RunMode     RunMode     `json:"runMode,omitempty" yaml:"runMode,omitempty"`
	LateEvents  *LateEvents `json:"lateEvents,omitempty" yaml:"lateEvents,omitempty"`
	WatermarkMs int64       `json:"watermarkMs,omitempty" yaml:"watermarkMs,omitempty"`
}

// PipelineDefinition is the immutable description of a pipeline
type PipelineDefinition struct {
	Version      int           `json:"version" yaml:"version"`
	Steps        []Step        `json:"steps" yaml:"steps"`
	Edges        []Edge        `json:"edges,omitempty" yaml:"edges,omitempty"`
	DependsOn    []string      `json:"dependsOn,omitempty" yaml:"dependsOn,omitempty"`
	Capabilities *Capabilities `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Context      *Context      `json:"context,omitempty" yaml:"context,omitempty"`
}

// StepByKey returns the step with the given key
func (d *PipelineDefinition) StepByKey(key string) (Step, bool) {
	for _, s := range d.Steps {
		if s.Key == key {
			return s, true
		}
	}
	return Step{}, false
}

// RunMode returns the effective run mode, defaulting to BATCH
func (d *PipelineDefinition) EffectiveRunMode() RunMode {
	if d.Context == nil || d.Context.RunMode == "" {
		return RunModeBatch
	}
	return d.Context.RunMode
}

// KnownStepType reports whether t is one of the declared step types
func KnownStepType(t StepType) bool {
	for _, known := range StepTypes {
		if t == known {
			return true
		}
	}
	return false
}
