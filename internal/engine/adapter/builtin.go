// Package adapter ships the built-in file adapters the CLI runs pipelines
// with. Host applications register their own adapters; these exist so a
// definition can be executed end to end against local files.
package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"dataflow-engine/internal/common/errors"
	"dataflow-engine/internal/common/logging"
	"dataflow-engine/internal/engine/checkpoint"
	"dataflow-engine/internal/engine/definition"
	"dataflow-engine/internal/engine/record"
	"dataflow-engine/internal/engine/registry"
	"dataflow-engine/internal/engine/run"
)

// Definitions returns the registry entries for every built-in adapter and
// operator. The operator entries mirror what operator.NewRunner registers,
// so a definition that validates also executes.
func Definitions() []registry.AdapterDefinition {
	return []registry.AdapterDefinition{
		{
			Code:     "manual",
			Category: registry.CategoryTrigger,
		},
		{
			Code:     "setField",
			Category: registry.CategoryOperator,
			Pure:     true,
			Fields: []registry.FieldSpec{
				{Key: "field", Type: registry.FieldString, Required: true},
			},
		},
		{
			Code:     "renameField",
			Category: registry.CategoryOperator,
			Pure:     true,
			Fields: []registry.FieldSpec{
				{Key: "from", Type: registry.FieldString, Required: true},
				{Key: "to", Type: registry.FieldString, Required: true},
			},
		},
		{
			Code:     "dropField",
			Category: registry.CategoryOperator,
			Pure:     true,
			Fields: []registry.FieldSpec{
				{Key: "field", Type: registry.FieldString, Required: true},
			},
		},
		{
			Code:     "uppercase",
			Category: registry.CategoryOperator,
			Pure:     true,
			Fields: []registry.FieldSpec{
				{Key: "field", Type: registry.FieldString, Required: true},
			},
		},
		{
			Code:     "lowercase",
			Category: registry.CategoryOperator,
			Pure:     true,
			Fields: []registry.FieldSpec{
				{Key: "field", Type: registry.FieldString, Required: true},
			},
		},
		{
			Code:     "computeField",
			Category: registry.CategoryOperator,
			Pure:     true,
			Fields: []registry.FieldSpec{
				{Key: "field", Type: registry.FieldString, Required: true},
				{Key: "expression", Type: registry.FieldString, Required: true},
			},
		},
		{
			Code:     "filter",
			Category: registry.CategoryOperator,
			Pure:     true,
			Fields: []registry.FieldSpec{
				{Key: "when", Type: registry.FieldString, Required: true},
			},
		},
		{
			Code:     "requireFields",
			Category: registry.CategoryOperator,
			Pure:     true,
			Fields: []registry.FieldSpec{
				{Key: "fields", Type: registry.FieldArray, Required: true},
			},
		},
		{
			Code:     "jsonFile",
			Category: registry.CategoryExtractor,
			Fields: []registry.FieldSpec{
				{Key: "path", Type: registry.FieldString, Required: true},
				{Key: "limit", Type: registry.FieldNumber},
			},
		},
		{
			Code:     "jsonFile",
			Category: registry.CategoryLoader,
			Fields: []registry.FieldSpec{
				{Key: "path", Type: registry.FieldString, Required: true},
				{Key: "mode", Type: registry.FieldSelect, Options: []string{"truncate", "append"}},
			},
		},
		{
			Code:     "stdout",
			Category: registry.CategoryLoader,
			Fields: []registry.FieldSpec{
				{Key: "pretty", Type: registry.FieldBoolean},
			},
		},
	}
}

// DefaultRegistry returns a registry pre-populated with the built-in adapters.
func DefaultRegistry() *registry.MemoryRegistry {
	reg := registry.NewMemoryRegistry()
	for _, def := range Definitions() {
		reg.Register(def)
	}
	return reg
}

// RegisterExecutors wires the built-in executors into an orchestrator
// registry. Output defaults to os.Stdout when nil.
func RegisterExecutors(reg *run.MemoryExecutorRegistry, output io.Writer, logger logging.Logger) {
	if output == nil {
		output = os.Stdout
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	reg.Register(definition.StepExtract, run.WrapWithBreaker(
		&FileExtractor{logger: logger},
		run.BreakerSettings{Name: "extract"},
	))
	reg.Register(definition.StepLoad, run.WrapWithBreaker(
		&FileLoader{output: output, logger: logger},
		run.BreakerSettings{Name: "load"},
	))
}

// FileExtractor reads a JSON array of records from the file named in the
// step config. It resumes from the checkpoint cursor's offset, so a resumed
// run emits only the records a previous run never got past.
type FileExtractor struct {
	logger logging.Logger
}

func (e *FileExtractor) Execute(_ context.Context, in run.StepInput) (run.StepOutput, error) {
	path, _ := in.Step.Config["path"].(string)
	if path == "" {
		return run.StepOutput{}, errors.StepError(in.Step.Key, "path is required", nil)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return run.StepOutput{}, errors.StepError(in.Step.Key, fmt.Sprintf("failed to read %s", path), err)
	}

	var records []record.Record
	if err := json.Unmarshal(data, &records); err != nil {
		return run.StepOutput{}, errors.StepError(in.Step.Key, fmt.Sprintf("%s is not a JSON array of objects", path), err)
	}

	offset := cursorInt(in.Cursor, "offset")
	if offset > len(records) {
		offset = len(records)
	}
	remaining := records[offset:]

	if limit := configInt(in.Step.Config, "limit"); limit > 0 && limit < len(remaining) {
		remaining = remaining[:limit]
	}

	e.logger.Debug("extracted records from file",
		logging.String("step", in.Step.Key),
		logging.String("path", path),
		logging.Int("offset", offset),
		logging.Int("count", len(remaining)))

	return run.StepOutput{
		Records: remaining,
		Cursor:  checkpoint.Cursor{"offset": offset + len(remaining)},
	}, nil
}

// FileLoader writes incoming records as a JSON array, either to the file
// named in the step config or to its output writer when no path is set.
type FileLoader struct {
	output io.Writer
	logger logging.Logger
}

func (l *FileLoader) Execute(_ context.Context, in run.StepInput) (run.StepOutput, error) {
	records := in.FirstRecords()
	pretty, _ := in.Step.Config["pretty"].(bool)

	var data []byte
	var err error
	if pretty {
		data, err = json.MarshalIndent(records, "", "  ")
	} else {
		data, err = json.Marshal(records)
	}
	if err != nil {
		return run.StepOutput{}, errors.StepError(in.Step.Key, "failed to encode records", err)
	}
	data = append(data, '\n')

	path, _ := in.Step.Config["path"].(string)
	if path == "" {
		if _, err := l.output.Write(data); err != nil {
			return run.StepOutput{}, errors.StepError(in.Step.Key, "failed to write records", err)
		}
	} else {
		flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
		if mode, _ := in.Step.Config["mode"].(string); mode == "append" {
			flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
		}
		f, err := os.OpenFile(path, flags, 0o644)
		if err != nil {
			return run.StepOutput{}, errors.StepError(in.Step.Key, fmt.Sprintf("failed to open %s", path), err)
		}
		defer f.Close()
		if _, err := f.Write(data); err != nil {
			return run.StepOutput{}, errors.StepError(in.Step.Key, fmt.Sprintf("failed to write %s", path), err)
		}
	}

	l.logger.Debug("loaded records",
		logging.String("step", in.Step.Key),
		logging.Int("count", len(records)))

	return run.StepOutput{Records: records}, nil
}

// cursorInt reads an integer cursor field. Cursors round-tripped through
// Redis come back as JSON numbers, so float64 is accepted too.
func cursorInt(cursor checkpoint.Cursor, key string) int {
	if cursor == nil {
		return 0
	}
	return coerceInt(cursor[key])
}

func configInt(config map[string]interface{}, key string) int {
	if config == nil {
		return 0
	}
	return coerceInt(config[key])
}

func coerceInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
