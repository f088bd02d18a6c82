package agentloop

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
)

// ParamType is the JSON type a parameter accepts.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeInteger ParamType = "integer"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
	TypeArray   ParamType = "array"
	TypeObject  ParamType = "object"
)

// Param declares one tool parameter.
type Param struct {
	Name        string    `json:"name"`
	Type        ParamType `json:"type"`
	Description string    `json:"description,omitempty"`
	Required    bool      `json:"required,omitempty"`
	Items       ParamType `json:"items,omitempty"` // element type for arrays
}

// Schema is the ordered parameter list of a tool.
type Schema []Param

// JSONSchema renders the schema as a JSON-Schema object.
func (s Schema) JSONSchema() map[string]interface{} {
	props := make(map[string]interface{}, len(s))
	required := make([]string, 0)
	for _, p := range s {
		prop := map[string]interface{}{"type": string(p.Type)}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if p.Type == TypeArray {
			items := p.Items
			if items == "" {
				items = TypeString
			}
			prop["items"] = map[string]interface{}{"type": string(items)}
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return map[string]interface{}{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

// ValueKind tags which field of a Value is populated.
type ValueKind string

const (
	KindString  ValueKind = "string"
	KindInteger ValueKind = "integer"
	KindNumber  ValueKind = "number"
	KindBoolean ValueKind = "boolean"
	KindArray   ValueKind = "array"
	KindObject  ValueKind = "object"
)

// Value is a validated argument. Exactly one field is meaningful, selected by Kind.
type Value struct {
	Kind   ValueKind
	Str    string
	Int    int64
	Num    float64
	Bool   bool
	List   []Value
	Object map[string]interface{}
}

// Arguments are validated tool arguments keyed by parameter name.
type Arguments map[string]Value

// Has reports whether the argument was supplied.
func (a Arguments) Has(name string) bool {
	_, ok := a[name]
	return ok
}

// String returns a string argument.
func (a Arguments) String(name string) (string, bool) {
	v, ok := a[name]
	if !ok || v.Kind != KindString {
		return "", false
	}
	return v.Str, true
}

// StringOr returns a string argument or def when absent.
func (a Arguments) StringOr(name, def string) string {
	if s, ok := a.String(name); ok {
		return s
	}
	return def
}

// Int returns an integer argument.
func (a Arguments) Int(name string) (int, bool) {
	v, ok := a[name]
	if !ok || v.Kind != KindInteger {
		return 0, false
	}
	return int(v.Int), true
}

// IntOr returns an integer argument or def when absent.
func (a Arguments) IntOr(name string, def int) int {
	if n, ok := a.Int(name); ok {
		return n
	}
	return def
}

// Float returns a number argument. Integers are widened.
func (a Arguments) Float(name string) (float64, bool) {
	v, ok := a[name]
	if !ok {
		return 0, false
	}
	switch v.Kind {
	case KindNumber:
		return v.Num, true
	case KindInteger:
		return float64(v.Int), true
	}
	return 0, false
}

// Bool returns a boolean argument.
func (a Arguments) Bool(name string) (bool, bool) {
	v, ok := a[name]
	if !ok || v.Kind != KindBoolean {
		return false, false
	}
	return v.Bool, true
}

// Strings returns an array-of-string argument.
func (a Arguments) Strings(name string) ([]string, bool) {
	v, ok := a[name]
	if !ok || v.Kind != KindArray {
		return nil, false
	}
	out := make([]string, 0, len(v.List))
	for _, item := range v.List {
		if item.Kind != KindString {
			return nil, false
		}
		out = append(out, item.Str)
	}
	return out, true
}

// Validate decodes raw and checks it against the schema. Unknown fields are
// ignored and JSON null counts as absent.
func (s Schema) Validate(raw json.RawMessage) (Arguments, error) {
	fields, err := decodeObject(raw)
	if err != nil {
		return nil, newInvalidArguments(nil, nil, err.Error())
	}

	args := make(Arguments, len(s))
	var missing []string
	var mismatched []FieldMismatch
	for _, p := range s {
		rawVal, present := fields[p.Name]
		if !present || rawVal == nil {
			if p.Required {
				missing = append(missing, p.Name)
			}
			continue
		}
		v, bad := convertValue(p.Name, p.Type, p.Items, rawVal)
		if len(bad) > 0 {
			mismatched = append(mismatched, bad...)
			continue
		}
		args[p.Name] = v
	}

	if len(missing) > 0 || len(mismatched) > 0 {
		sort.Strings(missing)
		sort.Slice(mismatched, func(i, j int) bool { return mismatched[i].Field < mismatched[j].Field })
		return nil, newInvalidArguments(missing, mismatched, "")
	}
	return args, nil
}

func decodeObject(raw json.RawMessage) (map[string]interface{}, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return map[string]interface{}{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("arguments are not valid JSON: %v", err)
	}
	obj, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("arguments must be a JSON object, got %s", jsonTypeName(v))
	}
	return obj, nil
}

func convertValue(field string, want, items ParamType, v interface{}) (Value, []FieldMismatch) {
	mismatch := func() (Value, []FieldMismatch) {
		return Value{}, []FieldMismatch{{Field: field, Want: string(want), Got: jsonTypeName(v)}}
	}

	switch want {
	case TypeString:
		if s, ok := v.(string); ok {
			return Value{Kind: KindString, Str: s}, nil
		}
	case TypeInteger:
		if n, ok := v.(json.Number); ok {
			if i, err := n.Int64(); err == nil {
				return Value{Kind: KindInteger, Int: i}, nil
			}
			if f, err := n.Float64(); err == nil && f == math.Trunc(f) && math.Abs(f) < 1<<63 {
				return Value{Kind: KindInteger, Int: int64(f)}, nil
			}
		}
	case TypeNumber:
		if n, ok := v.(json.Number); ok {
			if f, err := n.Float64(); err == nil {
				return Value{Kind: KindNumber, Num: f}, nil
			}
		}
	case TypeBoolean:
		if b, ok := v.(bool); ok {
			return Value{Kind: KindBoolean, Bool: b}, nil
		}
	case TypeArray:
		list, ok := v.([]interface{})
		if !ok {
			return mismatch()
		}
		if items == "" {
			items = TypeString
		}
		out := Value{Kind: KindArray, List: make([]Value, 0, len(list))}
		var bad []FieldMismatch
		for i, item := range list {
			iv, itemBad := convertValue(fmt.Sprintf("%s[%d]", field, i), items, "", item)
			if len(itemBad) > 0 {
				bad = append(bad, itemBad...)
				continue
			}
			out.List = append(out.List, iv)
		}
		if len(bad) > 0 {
			return Value{}, bad
		}
		return out, nil
	case TypeObject:
		if obj, ok := v.(map[string]interface{}); ok {
			return Value{Kind: KindObject, Object: obj}, nil
		}
	}
	return mismatch()
}

func jsonTypeName(v interface{}) string {
	switch n := v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case json.Number:
		if strings.ContainsAny(n.String(), ".eE") {
			return "number"
		}
		return "integer"
	case []interface{}:
		return "array"
	case map[string]interface{}:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}
