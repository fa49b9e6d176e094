package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Conform reshapes an extracted value tree so it matches f exactly: every declared
// object property is present (nil when missing), undeclared keys are dropped and
// values of the wrong type become nil.
func Conform(f *Field, v any) any {
	if f == nil || v == nil {
		if f != nil && f.Kind == KindObject {
			return emptyObject(f)
		}
		return nil
	}

	switch f.Kind {
	case KindObject:
		m, ok := v.(map[string]any)
		if !ok {
			return emptyObject(f)
		}
		out := make(map[string]any, len(f.Properties))
		for _, p := range f.Properties {
			child, present := m[p.Name]
			if !present {
				out[p.Name] = Conform(p.Field, nil)
				continue
			}
			out[p.Name] = Conform(p.Field, child)
		}
		return out
	case KindArray:
		items, ok := v.([]any)
		if !ok {
			return nil
		}
		out := make([]any, 0, len(items))
		for _, it := range items {
			out = append(out, Conform(f.Items, it))
		}
		return out
	case KindString:
		if s, ok := v.(string); ok {
			return s
		}
		return nil
	case KindBoolean:
		if b, ok := v.(bool); ok {
			return b
		}
		return nil
	case KindNumber:
		if n, ok := toFloat(v); ok {
			return n
		}
		return nil
	case KindInteger:
		if n, ok := toFloat(v); ok && n == math.Trunc(n) {
			return int64(n)
		}
		return nil
	}
	return nil
}

func emptyObject(f *Field) map[string]any {
	out := make(map[string]any, len(f.Properties))
	for _, p := range f.Properties {
		out[p.Name] = Conform(p.Field, nil)
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// ToJSONSchema renders f as a JSON-Schema document. Every leaf is nullable and every
// object property is required, which is the contract Conform produces.
func ToJSONSchema(f *Field) map[string]any {
	out := map[string]any{}
	if f.Description != "" {
		out["description"] = f.Description
	}
	switch f.Kind {
	case KindObject:
		props := make(map[string]any, len(f.Properties))
		required := make([]string, 0, len(f.Properties))
		for _, p := range f.Properties {
			props[p.Name] = ToJSONSchema(p.Field)
			required = append(required, p.Name)
		}
		out["type"] = []string{"object", "null"}
		out["properties"] = props
		out["required"] = required
		out["additionalProperties"] = false
	case KindArray:
		out["type"] = []string{"array", "null"}
		out["items"] = ToJSONSchema(f.Items)
	default:
		out["type"] = []string{string(f.Kind), "null"}
		if f.Format != "" {
			out["format"] = string(f.Format)
		}
	}
	return out
}

// ValidateResult checks that value has the structure declared by f.
func ValidateResult(f *Field, value any) error {
	b, err := json.Marshal(ToJSONSchema(f))
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(b)); err != nil {
		return fmt.Errorf("add schema: %w", err)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal value: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("decode value: %w", err)
	}
	if err := compiled.Validate(v); err != nil {
		return fmt.Errorf("result does not match schema: %w", err)
	}
	return nil
}
