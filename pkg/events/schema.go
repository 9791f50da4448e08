// Package events provides the schema registry and the at-least-once
// event bus for lifecycle events.
package events

import (
	"fmt"
	"time"
)

// FieldType enumerates the types an event field may declare.
type FieldType string

const (
	TypeString   FieldType = "string"
	TypeInt      FieldType = "int"
	TypeFloat    FieldType = "float"
	TypeBool     FieldType = "bool"
	TypeDatetime FieldType = "datetime"
	TypeArray    FieldType = "array"
	TypeObject   FieldType = "object"
	TypeEnum     FieldType = "enum"
)

// FieldSpec describes one field of an event schema.
type FieldSpec struct {
	Name       string    `json:"name"`
	Type       FieldType `json:"type"`
	Required   bool      `json:"required"`
	EnumValues []string  `json:"enum_values,omitempty"`
	Default    any       `json:"default,omitempty"`
}

// Schema is a named, versioned event contract. Old versions are
// retained until explicitly retired.
type Schema struct {
	Name                 string      `json:"name"`
	Version              string      `json:"version"` // semver
	Fields               []FieldSpec `json:"fields"`
	AdditionalProperties bool        `json:"additional_properties"`
}

// ValidationResult reports the outcome of validating a payload.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Validate checks a payload against the schema: required fields must be
// present, values must match their declared types, enums must be one of
// the allowed values, and unknown fields are rejected unless the schema
// allows additional properties.
func (s *Schema) Validate(payload map[string]any) ValidationResult {
	res := ValidationResult{Valid: true}

	known := make(map[string]*FieldSpec, len(s.Fields))
	for i := range s.Fields {
		known[s.Fields[i].Name] = &s.Fields[i]
	}

	for i := range s.Fields {
		f := &s.Fields[i]
		v, ok := payload[f.Name]
		if !ok {
			if f.Required {
				res.Valid = false
				res.Errors = append(res.Errors, fmt.Sprintf("missing required field %q", f.Name))
			}
			continue
		}
		if err := checkType(f, v); err != nil {
			res.Valid = false
			res.Errors = append(res.Errors, err.Error())
		}
	}

	for name := range payload {
		if _, ok := known[name]; !ok {
			if s.AdditionalProperties {
				res.Warnings = append(res.Warnings, fmt.Sprintf("unknown field %q", name))
			} else {
				res.Valid = false
				res.Errors = append(res.Errors, fmt.Sprintf("unknown field %q not allowed", name))
			}
		}
	}
	return res
}

func checkType(f *FieldSpec, v any) error {
	switch f.Type {
	case TypeString:
		if _, ok := v.(string); !ok {
			return fmt.Errorf("field %q must be a string", f.Name)
		}
	case TypeInt:
		if !isInt(v) {
			return fmt.Errorf("field %q must be an integer", f.Name)
		}
	case TypeFloat:
		if !isNumber(v) {
			return fmt.Errorf("field %q must be a number", f.Name)
		}
	case TypeBool:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("field %q must be a boolean", f.Name)
		}
	case TypeDatetime:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("field %q must be an RFC 3339 datetime string", f.Name)
		}
		if _, err := time.Parse(time.RFC3339, s); err != nil {
			return fmt.Errorf("field %q is not a valid RFC 3339 datetime", f.Name)
		}
	case TypeArray:
		if _, ok := v.([]any); !ok {
			return fmt.Errorf("field %q must be an array", f.Name)
		}
	case TypeObject:
		if _, ok := v.(map[string]any); !ok {
			return fmt.Errorf("field %q must be an object", f.Name)
		}
	case TypeEnum:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("field %q must be a string enum value", f.Name)
		}
		for _, allowed := range f.EnumValues {
			if s == allowed {
				return nil
			}
		}
		return fmt.Errorf("field %q value %q is not one of %v", f.Name, s, f.EnumValues)
	default:
		return fmt.Errorf("field %q has unsupported type %q", f.Name, f.Type)
	}
	return nil
}

// isInt accepts Go integer types and JSON numbers that are whole.
func isInt(v any) bool {
	switch n := v.(type) {
	case int, int32, int64:
		return true
	case float64:
		return n == float64(int64(n))
	case float32:
		return n == float32(int64(n))
	default:
		return false
	}
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int32, int64, float32, float64:
		return true
	default:
		return false
	}
}
