// Package validation checks source records before they enter the pipeline.
//
// Validation happens at two levels:
//  1. Header validation: every required column must be present, otherwise the
//     whole run is refused before a single record is read.
//  2. Record validation: every field rule and cross-field check runs and all
//     violations are collected, so one pass over the report shows every problem.
//
// Every field validator shares the Func signature. Configuration (allowed enum
// values, address groups) is bound when the validator is constructed.
package validation

import (
	"fmt"
	"sort"
	"strings"
)

// Record is one source row keyed by column name.
type Record map[string]string

// Get returns the trimmed value of a column, or "" when absent.
func (r Record) Get(column string) string {
	return strings.TrimSpace(r[column])
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Func validates a single value for the named field. It returns the
// normalized value, or an error describing why the value was rejected.
type Func func(value, field string) (string, error)

// Violation is a single rejected field (or field group) of a record.
type Violation struct {
	Field   string
	Value   string
	Message string
}

func (v Violation) Error() string {
	if v.Field != "" {
		return fmt.Sprintf("%s: %s", v.Field, v.Message)
	}
	return v.Message
}

// CrossCheck inspects several fields of a record at once.
type CrossCheck func(rec Record) *Violation

// Field binds a chain of validators to a column. The chain stops at the first
// failing validator, so a field contributes at most one violation.
type Field struct {
	Name       string
	Validators []Func
	// When returns false the field is left as-is and not validated.
	When func(rec Record) bool
}

// Schema is the full rule set for one entity type.
type Schema struct {
	Fields []Field
	Checks []CrossCheck
}

// Validate runs every rule over raw and returns the normalized record plus
// every violation found. raw is never modified.
func (s *Schema) Validate(raw Record) (Record, []Violation) {
	out := raw.Clone()
	var violations []Violation

	for _, f := range s.Fields {
		if f.When != nil && !f.When(raw) {
			continue
		}
		value := raw.Get(f.Name)
		for _, fn := range f.Validators {
			normalized, err := fn(value, f.Name)
			if err != nil {
				violations = append(violations, Violation{
					Field:   f.Name,
					Value:   value,
					Message: err.Error(),
				})
				break
			}
			value = normalized
		}
		out[f.Name] = value
	}

	for _, check := range s.Checks {
		if v := check(out); v != nil {
			violations = append(violations, *v)
		}
	}

	return out, violations
}

// ---------------------------------------------------------------------------
// Header gate
// ---------------------------------------------------------------------------

// HeaderError reports required columns missing from a source file.
type HeaderError struct {
	Missing []string
}

func (e *HeaderError) Error() string {
	return fmt.Sprintf("source file is missing required columns: %s", strings.Join(e.Missing, ", "))
}

// ValidateHeader compares the supplied columns against the required set.
// Extra columns are tolerated.
func ValidateHeader(columns, required []string) error {
	present := make(map[string]bool, len(columns))
	for _, c := range columns {
		present[strings.TrimSpace(c)] = true
	}

	var missing []string
	for _, r := range required {
		if !present[r] {
			missing = append(missing, r)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return &HeaderError{Missing: missing}
	}
	return nil
}
