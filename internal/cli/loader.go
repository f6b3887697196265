package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"dataflow-engine/internal/engine/definition"
	"dataflow-engine/internal/engine/record"
)

// loadDefinition reads a pipeline definition from a JSON or YAML file,
// chosen by extension.
func loadDefinition(path string) (*definition.PipelineDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return definition.ParseYAML(data)
	default:
		return definition.ParseJSON(data)
	}
}

// loadSeed reads seed records from a JSON array file. An empty path yields
// no seed records.
func loadSeed(path string) ([]record.Record, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file %s: %w", path, err)
	}
	var records []record.Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("seed file %s is not a JSON array of objects: %w", path, err)
	}
	return records, nil
}

// pipelineCode derives a pipeline code from the definition file name.
func pipelineCode(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
