// Package registry defines the adapter/operator registry the engine consults
// during semantic validation. Concrete adapters live in the host application;
// the engine only needs existence, field schemas, and purity flags, resolved
// once per (category, code) pair.
package registry

import (
	"strings"
	"sync"
)

// Category groups adapters by the step position they serve
type Category string

const (
	CategoryTrigger   Category = "trigger"
	CategoryExtractor Category = "extractor"
	CategoryOperator  Category = "operator"
	CategoryValidator Category = "validator"
	CategoryEnricher  Category = "enricher"
	CategoryLoader    Category = "loader"
	CategoryExporter  Category = "exporter"
	CategorySink      Category = "sink"
	CategoryFeed      Category = "feed"
)

// FieldType is the declared primitive type of a config field
type FieldType string

const (
	FieldString  FieldType = "string"
	FieldNumber  FieldType = "number"
	FieldBoolean FieldType = "boolean"
	FieldSelect  FieldType = "select"
	FieldObject  FieldType = "object"
	FieldArray   FieldType = "array"
)

// FieldSpec describes one config field an adapter declares
type FieldSpec struct {
	Key      string    `json:"key"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required"`
	// Options restricts select-typed fields to a fixed set, matched
	// case-insensitively
	Options []string `json:"options,omitempty"`
}

// AdapterDefinition is the registry's view of one adapter or operator
type AdapterDefinition struct {
	Code     string      `json:"code"`
	Category Category    `json:"category"`
	Fields   []FieldSpec `json:"fields,omitempty"`
	// Pure marks the adapter as side-effect-free and deterministic; required
	// for use in TRANSFORM position under STREAM run mode
	Pure bool `json:"pure"`
}

// Registry resolves adapters by (category, code)
type Registry interface {
	Find(category Category, code string) (AdapterDefinition, bool)
}

// MemoryRegistry is a thread-safe in-process Registry
type MemoryRegistry struct {
	mu       sync.RWMutex
	adapters map[string]AdapterDefinition
}

// NewMemoryRegistry creates an empty in-memory registry
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		adapters: make(map[string]AdapterDefinition),
	}
}

// Register adds or replaces an adapter definition
func (r *MemoryRegistry) Register(def AdapterDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[key(def.Category, def.Code)] = def
}

// Find returns the adapter registered under (category, code)
func (r *MemoryRegistry) Find(category Category, code string) (AdapterDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.adapters[key(category, code)]
	return def, ok
}

// Codes returns all codes registered under a category
func (r *MemoryRegistry) Codes(category Category) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var codes []string
	for _, def := range r.adapters {
		if def.Category == category {
			codes = append(codes, def.Code)
		}
	}
	return codes
}

// AllowsOption reports whether a select field accepts the given value,
// case-insensitively
func (f FieldSpec) AllowsOption(value string) bool {
	for _, opt := range f.Options {
		if strings.EqualFold(opt, value) {
			return true
		}
	}
	return false
}

func key(category Category, code string) string {
	return string(category) + "/" + strings.ToLower(code)
}
