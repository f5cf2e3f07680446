package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// FieldType enumerates the value types a structure field may declare.
type FieldType string

const (
	TypeString FieldType = "str"
	TypeBool   FieldType = "bool"
	TypeInt    FieldType = "int"
	TypeFloat  FieldType = "float"
	TypeList   FieldType = "list"
	TypeDict   FieldType = "dict"
)

// Field describes one output column of the augmented table. The set of
// fields comes from the task configuration, not from compile time.
type Field struct {
	Name        string    `yaml:"-" json:"name"`
	Type        FieldType `yaml:"type" json:"type"`
	Description string    `yaml:"description" json:"description,omitempty"`
	// Values, when non-empty, restricts the field to this set.
	Values []string `yaml:"values" json:"values,omitempty"`
}

// Structure is an ordered list of fields interpreted at runtime.
type Structure struct {
	Fields []Field
}

// New builds a Structure from the raw configuration map, sorted by field
// name so the derived prompt and fingerprint are deterministic.
func New(raw map[string]Field) (*Structure, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("structure must declare at least one field")
	}

	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	fields := make([]Field, 0, len(names))
	for _, name := range names {
		field := raw[name]
		field.Name = name
		if field.Type == "" {
			field.Type = TypeString
		}
		if !validType(field.Type) {
			return nil, fmt.Errorf("field %q: unknown type %q", name, field.Type)
		}
		fields = append(fields, field)
	}
	return &Structure{Fields: fields}, nil
}

func validType(t FieldType) bool {
	switch t {
	case TypeString, TypeBool, TypeInt, TypeFloat, TypeList, TypeDict:
		return true
	}
	return false
}

// ColumnNames returns the output column names in declaration order.
func (s *Structure) ColumnNames() []string {
	ret := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		ret[i] = f.Name
	}
	return ret
}

// Decode parses a JSON payload into a field-keyed value map and validates
// it against the structure. Unknown keys are dropped; missing fields stay
// absent rather than failing, matching the optional-field contract.
func (s *Structure) Decode(payload []byte) (map[string]any, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("parse structured payload: %w", err)
	}

	ret := make(map[string]any, len(s.Fields))
	for _, field := range s.Fields {
		value, ok := raw[field.Name]
		if !ok || string(value) == "null" {
			continue
		}
		decoded, err := decodeField(field, value)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", field.Name, err)
		}
		ret[field.Name] = decoded
	}
	return ret, nil
}

func decodeField(field Field, value json.RawMessage) (any, error) {
	switch field.Type {
	case TypeString:
		var v string
		if err := json.Unmarshal(value, &v); err != nil {
			return nil, err
		}
		if len(field.Values) > 0 && !contains(field.Values, v) {
			return nil, fmt.Errorf("value %q not in allowed set [%s]", v, strings.Join(field.Values, ", "))
		}
		return v, nil
	case TypeBool:
		var v bool
		if err := json.Unmarshal(value, &v); err != nil {
			return nil, err
		}
		return v, nil
	case TypeInt:
		var v int64
		if err := json.Unmarshal(value, &v); err != nil {
			return nil, err
		}
		return v, nil
	case TypeFloat:
		var v float64
		if err := json.Unmarshal(value, &v); err != nil {
			return nil, err
		}
		return v, nil
	case TypeList:
		var v []any
		if err := json.Unmarshal(value, &v); err != nil {
			return nil, err
		}
		return v, nil
	case TypeDict:
		var v map[string]any
		if err := json.Unmarshal(value, &v); err != nil {
			return nil, err
		}
		return v, nil
	}
	return nil, fmt.Errorf("unknown type %q", field.Type)
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

// PromptDescription renders the structure as instructions for the
// completion provider: one line per field with type, description and any
// value constraint.
func (s *Structure) PromptDescription() string {
	var b strings.Builder
	b.WriteString("Respond with a JSON object containing exactly these keys:\n")
	for _, field := range s.Fields {
		b.WriteString(fmt.Sprintf("- %q (%s)", field.Name, jsonTypeName(field.Type)))
		if field.Description != "" {
			b.WriteString(": " + field.Description)
		}
		if len(field.Values) > 0 {
			b.WriteString(fmt.Sprintf(" (one of: %s)", strings.Join(field.Values, ", ")))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func jsonTypeName(t FieldType) string {
	switch t {
	case TypeString:
		return "string"
	case TypeBool:
		return "boolean"
	case TypeInt:
		return "integer"
	case TypeFloat:
		return "number"
	case TypeList:
		return "array"
	case TypeDict:
		return "object"
	}
	return "string"
}
