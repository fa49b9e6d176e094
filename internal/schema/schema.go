// Package schema models the client-declared extraction contract: a finite tree of
// typed fields describing which values the engine should pull out of a document.
package schema

import (
	"errors"
	"fmt"
	"regexp"
)

// Kind is the semantic type of a field.
type Kind string

const (
	KindString  Kind = "string"
	KindNumber  Kind = "number"
	KindInteger Kind = "integer"
	KindBoolean Kind = "boolean"
	KindArray   Kind = "array"
	KindObject  Kind = "object"
)

// Format is an optional hint for string fields.
type Format string

const (
	FormatDate     Format = "date"
	FormatTime     Format = "time"
	FormatDateTime Format = "date-time"
	FormatEmail    Format = "email"
	FormatPhone    Format = "phone"
)

// MaxDepth bounds nesting of objects and arrays.
const MaxDepth = 16

var (
	ErrCycle        = errors.New("schema contains a cycle")
	ErrTooDeep      = errors.New("schema exceeds maximum depth")
	ErrInvalidField = errors.New("invalid schema field")
)

var namePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_\-\.]{0,127}$`)

// Field is one node of the schema tree. Exactly one shape applies per Kind:
// scalars carry Format/Description, arrays carry Items, objects carry Properties.
type Field struct {
	Kind        Kind
	Format      Format
	Description string
	Items       *Field
	Properties  []Property
}

// Property is a named child of an object field. Declaration order is preserved.
type Property struct {
	Name  string
	Field *Field
}

func String(description string) *Field {
	return &Field{Kind: KindString, Description: description}
}

func Number(description string) *Field {
	return &Field{Kind: KindNumber, Description: description}
}

func Integer(description string) *Field {
	return &Field{Kind: KindInteger, Description: description}
}

func Boolean(description string) *Field {
	return &Field{Kind: KindBoolean, Description: description}
}

func Formatted(format Format, description string) *Field {
	return &Field{Kind: KindString, Format: format, Description: description}
}

func Array(items *Field) *Field {
	return &Field{Kind: KindArray, Items: items}
}

func Object(props ...Property) *Field {
	return &Field{Kind: KindObject, Properties: props}
}

func Prop(name string, f *Field) Property {
	return Property{Name: name, Field: f}
}

// Lookup returns the property named name, if any.
func (f *Field) Lookup(name string) (*Field, bool) {
	for _, p := range f.Properties {
		if p.Name == name {
			return p.Field, true
		}
	}
	return nil, false
}

// IsScalar reports whether the field is a leaf.
func (f *Field) IsScalar() bool {
	return f.Kind != KindArray && f.Kind != KindObject
}

// Validate checks that f is a well-formed finite tree.
func Validate(f *Field) error {
	if f == nil {
		return fmt.Errorf("%w: schema is empty", ErrInvalidField)
	}
	if f.Kind != KindObject {
		return fmt.Errorf("%w: top level must be an object of fields", ErrInvalidField)
	}
	return validate(f, "$", 0, make(map[*Field]bool))
}

func validate(f *Field, path string, depth int, onPath map[*Field]bool) error {
	if f == nil {
		return fmt.Errorf("%w: %s is null", ErrInvalidField, path)
	}
	if depth > MaxDepth {
		return fmt.Errorf("%w: %s", ErrTooDeep, path)
	}
	if onPath[f] {
		return fmt.Errorf("%w at %s", ErrCycle, path)
	}
	onPath[f] = true
	defer delete(onPath, f)

	switch f.Kind {
	case KindString:
		if f.Format != "" && !validFormat(f.Format) {
			return fmt.Errorf("%w: %s has unknown format %q", ErrInvalidField, path, f.Format)
		}
	case KindNumber, KindInteger, KindBoolean:
		if f.Format != "" {
			return fmt.Errorf("%w: %s format only applies to strings", ErrInvalidField, path)
		}
	case KindArray:
		if f.Items == nil {
			return fmt.Errorf("%w: %s array requires items", ErrInvalidField, path)
		}
		if len(f.Properties) > 0 {
			return fmt.Errorf("%w: %s array cannot declare properties", ErrInvalidField, path)
		}
		return validate(f.Items, path+"[]", depth+1, onPath)
	case KindObject:
		if len(f.Properties) == 0 {
			return fmt.Errorf("%w: %s object requires properties", ErrInvalidField, path)
		}
		if f.Items != nil {
			return fmt.Errorf("%w: %s object cannot declare items", ErrInvalidField, path)
		}
		seen := make(map[string]bool, len(f.Properties))
		for _, p := range f.Properties {
			if !namePattern.MatchString(p.Name) {
				return fmt.Errorf("%w: %s has invalid field name %q", ErrInvalidField, path, p.Name)
			}
			if seen[p.Name] {
				return fmt.Errorf("%w: %s declares %q twice", ErrInvalidField, path, p.Name)
			}
			seen[p.Name] = true
			if err := validate(p.Field, path+"."+p.Name, depth+1, onPath); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: %s has unknown type %q", ErrInvalidField, path, f.Kind)
	}

	if f.Items != nil || len(f.Properties) > 0 {
		return fmt.Errorf("%w: %s scalar cannot declare items or properties", ErrInvalidField, path)
	}
	return nil
}

func validFormat(f Format) bool {
	switch f {
	case FormatDate, FormatTime, FormatDateTime, FormatEmail, FormatPhone:
		return true
	}
	return false
}
