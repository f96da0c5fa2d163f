package schema

import (
	"fmt"
	"strings"
)

// ValidationError reports a field value that failed a declared constraint.
type ValidationError struct {
	Entity  string
	Field   string
	Pattern string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: does not match pattern %s", e.Field, e.Pattern)
}

// Normalize applies the declared normalization pipeline to raw field values.
// Pure and total: it never fails, only produces possibly-empty strings.
//
// For every declared field, in declared order:
//   - required and absent -> empty string
//   - optional and absent -> skipped
//   - otherwise the pipeline runs in rule order
//
// Fields not declared in the schema are dropped.
func (m *Model) Normalize(entityType string, raw map[string]string) map[string]string {
	entity, ok := m.entities[entityType]
	if !ok {
		return map[string]string{}
	}

	normalized := make(map[string]string, len(entity.Fields))
	for _, field := range entity.Fields {
		value, present := raw[field.Name]
		if !present {
			if !field.Optional {
				normalized[field.Name] = ""
			}
			continue
		}

		for _, n := range field.Normalizers {
			switch n.Kind {
			case Trim:
				value = strings.TrimSpace(value)
			case Lower:
				value = strings.ToLower(value)
			case Replace:
				value = strings.ReplaceAll(value, n.From, n.To)
			}
		}
		normalized[field.Name] = value
	}
	return normalized
}

// Validate checks normalized fields against the entity's constraints in
// declaration order. Constraints marked when_present skip empty values.
func (m *Model) Validate(entityType string, fields map[string]string) error {
	entity, ok := m.entities[entityType]
	if !ok {
		return nil
	}

	for _, c := range entity.Constraints {
		value := fields[c.Field]
		if c.WhenPresent && value == "" {
			continue
		}
		if !c.re.MatchString(value) {
			return &ValidationError{Entity: entityType, Field: c.Field, Pattern: c.Pattern}
		}
	}
	return nil
}
