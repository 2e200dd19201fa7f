package mcp

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/jsonschema-go/jsonschema"
)

// PropertyType is the JSON type of a tool argument.
type PropertyType string

const (
	TypeBoolean PropertyType = "boolean"
	TypeInteger PropertyType = "integer"
	TypeString  PropertyType = "string"
)

// Property describes one tool argument. A property with a Default is
// optional; Min and Max bound integer values when set.
type Property struct {
	Name        string
	Type        PropertyType
	Description string
	Default     any
	Min         *int
	Max         *int
}

// Integer returns an integer property limited to [min, max].
func Integer(name string, min, max int) Property {
	return Property{Name: name, Type: TypeInteger, Min: &min, Max: &max}
}

// String returns a string property.
func String(name, description string) Property {
	return Property{Name: name, Type: TypeString, Description: description}
}

// Boolean returns a boolean property.
func Boolean(name string) Property {
	return Property{Name: name, Type: TypeBoolean}
}

// WithDefault returns a copy of p that is optional with the given default.
func (p Property) WithDefault(v any) Property {
	p.Default = v
	return p
}

func (p Property) schema() *jsonschema.Schema {
	s := &jsonschema.Schema{
		Type:        string(p.Type),
		Description: p.Description,
	}
	if p.Type == TypeInteger {
		if p.Min != nil {
			v := float64(*p.Min)
			s.Minimum = &v
		}
		if p.Max != nil {
			v := float64(*p.Max)
			s.Maximum = &v
		}
	}
	if p.Default != nil {
		if raw, err := json.Marshal(p.Default); err == nil {
			s.Default = raw
		}
	}
	return s
}

// check validates an integer against the property range.
func (p Property) check(v int) error {
	if p.Min != nil && v < *p.Min {
		return fmt.Errorf("Value is below minimum allowed: %d", *p.Min)
	}
	if p.Max != nil && v > *p.Max {
		return fmt.Errorf("Value exceeds maximum allowed: %d", *p.Max)
	}
	return nil
}

// Arguments holds the bound values of a tool call, defaults included.
type Arguments map[string]any

// Int returns the integer argument name, or 0.
func (a Arguments) Int(name string) int {
	switch v := a[name].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// String returns the string argument name, or "".
func (a Arguments) String(name string) string {
	s, _ := a[name].(string)
	return s
}

// Bool returns the boolean argument name, or false.
func (a Arguments) Bool(name string) bool {
	b, _ := a[name].(bool)
	return b
}

// CallFunc runs a tool. The returned value is rendered as text: strings as
// is, booleans and integers in decimal, json.RawMessage verbatim, anything
// else through encoding/json.
type CallFunc func(args Arguments) (any, error)

// Tool is a callable exposed through tools/list and tools/call.
type Tool struct {
	Name        string
	Description string
	Properties  []Property
	// UserOnly tools are hidden from tools/list unless withUserTools is set.
	UserOnly bool
	Call     CallFunc
}

// InputSchema renders the argument schema; properties without a default are
// required.
func (t *Tool) InputSchema() *jsonschema.Schema {
	s := &jsonschema.Schema{
		Type:       "object",
		Properties: make(map[string]*jsonschema.Schema, len(t.Properties)),
	}
	for _, p := range t.Properties {
		s.Properties[p.Name] = p.schema()
		if p.Default == nil {
			s.Required = append(s.Required, p.Name)
		}
	}
	return s
}

type toolAnnotations struct {
	Audience []string `json:"audience"`
}

// MarshalJSON renders the tools/list entry.
func (t *Tool) MarshalJSON() ([]byte, error) {
	v := struct {
		Name        string             `json:"name"`
		Description string             `json:"description"`
		InputSchema *jsonschema.Schema `json:"inputSchema"`
		Annotations *toolAnnotations   `json:"annotations,omitempty"`
	}{
		Name:        t.Name,
		Description: t.Description,
		InputSchema: t.InputSchema(),
	}
	if t.UserOnly {
		v.Annotations = &toolAnnotations{Audience: []string{"user"}}
	}
	return json.Marshal(v)
}

func formatResult(v any) (string, error) {
	switch r := v.(type) {
	case nil:
		return "", nil
	case string:
		return r, nil
	case bool:
		return strconv.FormatBool(r), nil
	case int:
		return strconv.Itoa(r), nil
	case int64:
		return strconv.FormatInt(r, 10), nil
	case json.RawMessage:
		return string(r), nil
	case []byte:
		return string(r), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
