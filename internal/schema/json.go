package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type fieldWire struct {
	Type        Kind            `json:"type"`
	Format      Format          `json:"format,omitempty"`
	Description string          `json:"description,omitempty"`
	Items       json.RawMessage `json:"items,omitempty"`
	Properties  json.RawMessage `json:"properties,omitempty"`
}

// Parse decodes a schema document. Both the full form
// {"type":"object","properties":{...}} and a bare {"name": field, ...} mapping are accepted.
func Parse(data []byte) (*Field, error) {
	keys, raw, err := orderedObject(data)
	if err != nil {
		return nil, err
	}

	var f *Field
	if t, ok := raw["type"]; ok && isObjectType(t) {
		if _, hasProps := raw["properties"]; hasProps {
			f = new(Field)
			if err := f.UnmarshalJSON(data); err != nil {
				return nil, err
			}
		}
	}
	if f == nil {
		f = &Field{Kind: KindObject}
		for _, k := range keys {
			child := new(Field)
			if err := child.UnmarshalJSON(raw[k]); err != nil {
				return nil, fmt.Errorf("field %q: %w", k, err)
			}
			f.Properties = append(f.Properties, Property{Name: k, Field: child})
		}
	}

	if err := Validate(f); err != nil {
		return nil, err
	}
	return f, nil
}

func isObjectType(raw json.RawMessage) bool {
	var s string
	return json.Unmarshal(raw, &s) == nil && s == string(KindObject)
}

// UnmarshalJSON keeps property declaration order and rejects duplicate names.
func (f *Field) UnmarshalJSON(data []byte) error {
	var w fieldWire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidField, err)
	}
	if w.Type == "" {
		return fmt.Errorf("%w: missing type", ErrInvalidField)
	}

	*f = Field{Kind: w.Type, Format: w.Format, Description: w.Description}

	if len(w.Items) > 0 && !bytes.Equal(bytes.TrimSpace(w.Items), []byte("null")) {
		f.Items = new(Field)
		if err := f.Items.UnmarshalJSON(w.Items); err != nil {
			return fmt.Errorf("items: %w", err)
		}
	}

	if len(w.Properties) > 0 && !bytes.Equal(bytes.TrimSpace(w.Properties), []byte("null")) {
		keys, raw, err := orderedObject(w.Properties)
		if err != nil {
			return err
		}
		for _, k := range keys {
			child := new(Field)
			if err := child.UnmarshalJSON(raw[k]); err != nil {
				return fmt.Errorf("property %q: %w", k, err)
			}
			f.Properties = append(f.Properties, Property{Name: k, Field: child})
		}
	}
	return nil
}

// MarshalJSON writes properties in declaration order.
func (f *Field) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"type":`)
	writeJSON(&buf, f.Kind)
	if f.Format != "" {
		buf.WriteString(`,"format":`)
		writeJSON(&buf, f.Format)
	}
	if f.Description != "" {
		buf.WriteString(`,"description":`)
		writeJSON(&buf, f.Description)
	}
	if f.Items != nil {
		items, err := f.Items.MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.WriteString(`,"items":`)
		buf.Write(items)
	}
	if len(f.Properties) > 0 {
		buf.WriteString(`,"properties":{`)
		for i, p := range f.Properties {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeJSON(&buf, p.Name)
			buf.WriteByte(':')
			child, err := p.Field.MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(child)
		}
		buf.WriteByte('}')
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeJSON(buf *bytes.Buffer, v any) {
	b, _ := json.Marshal(v)
	buf.Write(b)
}

func orderedObject(data []byte) ([]string, map[string]json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidField, err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, nil, fmt.Errorf("%w: expected an object", ErrInvalidField)
	}

	var keys []string
	raw := make(map[string]json.RawMessage)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInvalidField, err)
		}
		key, _ := tok.(string)
		var val json.RawMessage
		if err := dec.Decode(&val); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInvalidField, err)
		}
		if _, dup := raw[key]; dup {
			return nil, nil, fmt.Errorf("%w: duplicate field name %q", ErrInvalidField, key)
		}
		keys = append(keys, key)
		raw[key] = val
	}
	if _, err := dec.Token(); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidField, err)
	}
	return keys, raw, nil
}
