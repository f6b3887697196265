package definition

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// ParseJSON decodes a pipeline definition from JSON
func ParseJSON(data []byte) (*PipelineDefinition, error) {
	var def PipelineDefinition
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline definition: %w", err)
	}

	normalizeNumbers(&def)
	return &def, nil
}

// ParseYAML decodes a pipeline definition from YAML
func ParseYAML(data []byte) (*PipelineDefinition, error) {
	var def PipelineDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline definition: %w", err)
	}
	return &def, nil
}

// normalizeNumbers converts json.Number leaves inside step configs into
// float64/int64 so downstream type checks see ordinary Go numbers
func normalizeNumbers(def *PipelineDefinition) {
	for i := range def.Steps {
		def.Steps[i].Config = normalizeMap(def.Steps[i].Config)
		for j := range def.Steps[i].Operators {
			def.Steps[i].Operators[j].Args = normalizeMap(def.Steps[i].Operators[j].Args)
		}
	}
}

func normalizeMap(m map[string]interface{}) map[string]interface{} {
	for k, v := range m {
		m[k] = normalizeValue(v)
	}
	return m
}

func normalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case map[string]interface{}:
		return normalizeMap(val)
	case []interface{}:
		for i, item := range val {
			val[i] = normalizeValue(item)
		}
		return val
	default:
		return v
	}
}
