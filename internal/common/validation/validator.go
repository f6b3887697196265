// Package validation provides fluent, issue-accumulating validation helpers.
// Unlike error-returning validators, all checks run and every failure is
// collected so callers can report the complete list at once.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// Issue is a single validation failure with the path of the offending element.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return fmt.Sprintf("%s: %s", i.Path, i.Message)
}

// Validator accumulates validation issues and warnings
type Validator struct {
	issues   []Issue
	warnings []Issue
	prefix   string
}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// NewValidatorWithPrefix creates a new validator whose issues are reported
// under the given path prefix
func NewValidatorWithPrefix(prefix string) *Validator {
	return &Validator{prefix: prefix}
}

// At returns a child validator scoped to a sub-path; issues it records are
// appended to the parent
func (v *Validator) At(path string) *ScopedValidator {
	full := path
	if v.prefix != "" {
		full = v.prefix + "." + path
	}
	return &ScopedValidator{parent: v, path: full}
}

// AddIssue records a validation issue
func (v *Validator) AddIssue(path, format string, args ...interface{}) *Validator {
	if v.prefix != "" && path != "" {
		path = v.prefix + "." + path
	} else if path == "" {
		path = v.prefix
	}
	v.issues = append(v.issues, Issue{Path: path, Message: fmt.Sprintf(format, args...)})
	return v
}

// AddWarning records a non-fatal validation warning
func (v *Validator) AddWarning(path, format string, args ...interface{}) *Validator {
	if v.prefix != "" && path != "" {
		path = v.prefix + "." + path
	} else if path == "" {
		path = v.prefix
	}
	v.warnings = append(v.warnings, Issue{Path: path, Message: fmt.Sprintf(format, args...)})
	return v
}

// Merge appends all issues and warnings from another validator
func (v *Validator) Merge(other *Validator) *Validator {
	v.issues = append(v.issues, other.issues...)
	v.warnings = append(v.warnings, other.warnings...)
	return v
}

// Issues returns all accumulated issues
func (v *Validator) Issues() []Issue {
	return v.issues
}

// Warnings returns all accumulated warnings
func (v *Validator) Warnings() []Issue {
	return v.warnings
}

// Valid reports whether no issues were recorded (warnings do not count)
func (v *Validator) Valid() bool {
	return len(v.issues) == 0
}

// ScopedValidator records issues under a fixed path
type ScopedValidator struct {
	parent *Validator
	path   string
}

// identifierPattern matches identifier-safe keys: letter or underscore first,
// then letters, digits, underscores, hyphens
var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// RequireString validates that a string is not empty
func (s *ScopedValidator) RequireString(value, name string) *ScopedValidator {
	if strings.TrimSpace(value) == "" {
		s.parent.AddIssue(s.path, "%s is required", name)
	}
	return s
}

// RequirePositive validates that an integer is positive
func (s *ScopedValidator) RequirePositive(value int, name string) *ScopedValidator {
	if value <= 0 {
		s.parent.AddIssue(s.path, "%s must be positive, got %d", name, value)
	}
	return s
}

// RequireNonNegative validates that an integer is non-negative
func (s *ScopedValidator) RequireNonNegative(value int64, name string) *ScopedValidator {
	if value < 0 {
		s.parent.AddIssue(s.path, "%s must be non-negative, got %d", name, value)
	}
	return s
}

// RequireIdentifier validates that a string matches the identifier pattern
func (s *ScopedValidator) RequireIdentifier(value, name string) *ScopedValidator {
	if !identifierPattern.MatchString(value) {
		s.parent.AddIssue(s.path, "%s must match %s, got %q", name, identifierPattern.String(), value)
	}
	return s
}

// RequireOneOf validates that a value is one of the allowed values,
// case-insensitively
func (s *ScopedValidator) RequireOneOf(value string, allowed []string, name string) *ScopedValidator {
	if value == "" {
		s.parent.AddIssue(s.path, "%s is required", name)
		return s
	}

	for _, a := range allowed {
		if strings.EqualFold(value, a) {
			return s
		}
	}

	s.parent.AddIssue(s.path, "%s must be one of: %s, got %q", name, strings.Join(allowed, ", "), value)
	return s
}

// Issue records a free-form issue at this scope's path
func (s *ScopedValidator) Issue(format string, args ...interface{}) *ScopedValidator {
	s.parent.AddIssue(s.path, format, args...)
	return s
}

// Warning records a free-form warning at this scope's path
func (s *ScopedValidator) Warning(format string, args ...interface{}) *ScopedValidator {
	s.parent.AddWarning(s.path, format, args...)
	return s
}

// IsIdentifier reports whether a string is identifier-safe
func IsIdentifier(s string) bool {
	return identifierPattern.MatchString(s)
}
