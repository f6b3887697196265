// Package record provides the JSON-like record model flowing between pipeline
// steps. Records are nested maps/slices/scalars with no fixed schema; steps
// negotiate field paths by dot-notation convention.
package record

import (
	"fmt"
	"strconv"
	"strings"
)

// Record is a single data record moving through a pipeline
type Record = map[string]interface{}

// GetPath extracts a value from a record using a dot-separated path.
// For example: GetPath(data, "user.profile.name")
// Also supports array access: "items[0].name" or "items.0.name"
func GetPath(data Record, path string) (interface{}, bool) {
	if path == "" || data == nil {
		return nil, false
	}

	parts := strings.Split(path, ".")
	current := interface{}(data)

	for _, part := range parts {
		if current == nil {
			return nil, false
		}

		// array[index] syntax
		if name, idx, ok := splitIndexAccess(part); ok {
			if name != "" {
				m, isMap := current.(map[string]interface{})
				if !isMap {
					return nil, false
				}
				var exists bool
				current, exists = m[name]
				if !exists {
					return nil, false
				}
			}

			arr, isSlice := current.([]interface{})
			if !isSlice || idx < 0 || idx >= len(arr) {
				return nil, false
			}
			current = arr[idx]
			continue
		}

		switch v := current.(type) {
		case map[string]interface{}:
			var exists bool
			current, exists = v[part]
			if !exists {
				return nil, false
			}
		case map[string]string:
			s, exists := v[part]
			if !exists {
				return nil, false
			}
			current = s
		case []interface{}:
			// bare numeric segment: "items.0"
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			current = v[idx]
		default:
			return nil, false
		}
	}

	return current, true
}

// SetPath stores a value in a record at a dot-separated path, creating
// intermediate maps as needed. Array segments are not created on write.
func SetPath(data Record, path string, value interface{}) error {
	if data == nil {
		return fmt.Errorf("cannot set path on nil record")
	}
	if path == "" {
		return fmt.Errorf("path must not be empty")
	}

	parts := strings.Split(path, ".")
	current := data

	for i, part := range parts[:len(parts)-1] {
		next, exists := current[part]
		if !exists {
			child := make(map[string]interface{})
			current[part] = child
			current = child
			continue
		}

		child, isMap := next.(map[string]interface{})
		if !isMap {
			return fmt.Errorf("path segment %q is not an object (at %s)", part, strings.Join(parts[:i+1], "."))
		}
		current = child
	}

	current[parts[len(parts)-1]] = value
	return nil
}

// Clone returns a deep copy of a record. Scalars are shared, maps and slices
// are copied, so mutations on the clone never leak into the original.
func Clone(data Record) Record {
	if data == nil {
		return nil
	}
	return cloneMap(data)
}

// CloneAll deep-copies a batch of records.
func CloneAll(records []Record) []Record {
	if records == nil {
		return nil
	}
	out := make([]Record, len(records))
	for i, r := range records {
		out[i] = Clone(r)
	}
	return out
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return cloneMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// splitIndexAccess parses "name[3]" into ("name", 3, true).
// A bare "[3]" yields ("", 3, true).
func splitIndexAccess(part string) (string, int, bool) {
	open := strings.Index(part, "[")
	if open < 0 || !strings.HasSuffix(part, "]") {
		return "", 0, false
	}

	idx, err := strconv.Atoi(part[open+1 : len(part)-1])
	if err != nil {
		return "", 0, false
	}

	return part[:open], idx, true
}
