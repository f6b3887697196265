package run

import (
	"context"
	"sort"

	"dataflow-engine/internal/engine/checkpoint"
	"dataflow-engine/internal/engine/definition"
	"dataflow-engine/internal/engine/record"
)

// StepInput carries everything a step executor needs for one invocation.
type StepInput struct {
	Step definition.Step

	// Records holds the accumulated output of every completed predecessor,
	// keyed by predecessor step key, so fan-in steps can correlate them.
	// Order within a single predecessor's slice is preserved.
	Records map[string][]record.Record

	// Cursor is the step's resumable position from a prior run, nil on a
	// fresh run.
	Cursor checkpoint.Cursor

	// ReportRecordError records a single-record failure without failing
	// the step. Safe for concurrent use.
	ReportRecordError func(index int, err error)
}

// FirstRecords flattens the predecessor map in key order. Most single-input
// steps only care about the combined stream.
func (in StepInput) FirstRecords() []record.Record {
	var out []record.Record
	for _, key := range sortedKeys(in.Records) {
		out = append(out, in.Records[key]...)
	}
	return out
}

// StepOutput is what an executor hands back to the orchestrator.
type StepOutput struct {
	Records []record.Record

	// Cursor, when non-nil, advances the step's checkpoint. The
	// orchestrator flushes it at the step boundary.
	Cursor checkpoint.Cursor
}

// StepExecutor executes one step category. Implementations live outside the
// engine; extractors read from external systems, loaders write to them.
type StepExecutor interface {
	Execute(ctx context.Context, in StepInput) (StepOutput, error)
}

// ExecutorRegistry resolves the executor for a step type. TRIGGER, ROUTE,
// GATE, and TRANSFORM steps are handled by the orchestrator itself and are
// never looked up here.
type ExecutorRegistry interface {
	Executor(stepType definition.StepType) (StepExecutor, bool)
}

// OperatorRunner applies a TRANSFORM step's operator chain to one record.
// An error fails only that record; the orchestrator retries it per the
// step's retryPerRecord policy before dropping it.
type OperatorRunner interface {
	Apply(ctx context.Context, operators []definition.OperatorSpec, rec record.Record) (record.Record, error)
}

// MemoryExecutorRegistry is a map-backed ExecutorRegistry.
type MemoryExecutorRegistry struct {
	executors map[definition.StepType]StepExecutor
}

func NewMemoryExecutorRegistry() *MemoryExecutorRegistry {
	return &MemoryExecutorRegistry{executors: make(map[definition.StepType]StepExecutor)}
}

func (r *MemoryExecutorRegistry) Register(stepType definition.StepType, exec StepExecutor) {
	r.executors[stepType] = exec
}

func (r *MemoryExecutorRegistry) Executor(stepType definition.StepType) (StepExecutor, bool) {
	exec, ok := r.executors[stepType]
	return exec, ok
}

func sortedKeys(m map[string][]record.Record) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
