package dataverse

import (
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
)

// Document is one JSON document exchanged with the Web API: an unordered
// mapping from column name to scalar or nested value.
type Document map[string]any

// Column describes how one selected column of an entity maps onto a field
// of the record type T. Get returns the wire value for encoding (nil means
// the record has no value for the column); Set assigns a decoded wire
// value onto the record and fails when the shape is incompatible.
type Column[T any] struct {
	Name     string
	Required bool
	Get      func(T) any
	Set      func(*T, any) error
}

// Mapping is the explicit mapping descriptor for one record type: its
// entity set, the function extracting its primary id, and the column
// table that doubles as the column selection. Mappings are declared once
// per record type and shared; they hold no per-call state.
type Mapping[T any] struct {
	entitySet string
	id        func(T) uuid.UUID
	columns   []Column[T]
}

// NewMapping builds a mapping descriptor. The column list is the record
// type's column selection; it must be non-empty and free of duplicates.
func NewMapping[T any](entitySet string, id func(T) uuid.UUID, columns ...Column[T]) (*Mapping[T], error) {
	if entitySet == "" {
		return nil, &ValidationError{Message: "mapping entity set is empty"}
	}
	if len(columns) == 0 {
		return nil, &ValidationError{Message: fmt.Sprintf("mapping for %q has an empty column selection", entitySet)}
	}

	seen := make(map[string]struct{}, len(columns))
	for _, col := range columns {
		if col.Name == "" {
			return nil, &ValidationError{Message: fmt.Sprintf("mapping for %q contains an unnamed column", entitySet)}
		}
		if _, ok := seen[col.Name]; ok {
			return nil, &ValidationError{Message: fmt.Sprintf("mapping for %q declares column %q twice", entitySet, col.Name)}
		}
		seen[col.Name] = struct{}{}
	}

	return &Mapping[T]{entitySet: entitySet, id: id, columns: columns}, nil
}

// MustMapping is NewMapping for package-level mapping declarations.
func MustMapping[T any](entitySet string, id func(T) uuid.UUID, columns ...Column[T]) *Mapping[T] {
	m, err := NewMapping(entitySet, id, columns...)
	if err != nil {
		panic(err)
	}
	return m
}

// EntitySet returns the entity set (table) name records of T live in.
func (m *Mapping[T]) EntitySet() string { return m.entitySet }

// Columns returns the ordered column selection declared by the mapping.
func (m *Mapping[T]) Columns() []string {
	names := make([]string, len(m.columns))
	for i, col := range m.columns {
		names[i] = col.Name
	}
	return names
}

// SelectClause returns the selection joined for a $select query option.
func (m *Mapping[T]) SelectClause() string {
	return strings.Join(m.Columns(), ",")
}

// Reference returns the reference addressing the given record.
func (m *Mapping[T]) Reference(rec T) Reference {
	if m.id == nil {
		return Reference{EntitySet: m.entitySet}
	}
	return Reference{EntitySet: m.entitySet, ID: m.id(rec)}
}

// Encode maps the selected fields of the record onto a wire document.
// Fields outside the selection are never emitted. A Required column whose
// Get returns nil fails with ValidationError.
func (m *Mapping[T]) Encode(rec T) (Document, error) {
	doc := make(Document, len(m.columns))
	for _, col := range m.columns {
		if col.Get == nil {
			continue
		}
		v := col.Get(rec)
		if v == nil {
			if col.Required {
				return nil, &ValidationError{Message: fmt.Sprintf("record for %q has no value for required column %q", m.entitySet, col.Name)}
			}
			continue
		}
		doc[col.Name] = v
	}
	return doc, nil
}

// Decode extracts the selection's columns from a wire document into a
// record. Columns outside the selection are ignored even when present. A
// Required column absent from the document, or a value Set rejects, fails
// with DecodeError.
func (m *Mapping[T]) Decode(doc Document) (T, error) {
	var rec T
	for _, col := range m.columns {
		v, ok := doc[col.Name]
		if !ok || v == nil {
			if col.Required {
				return rec, &DecodeError{Column: col.Name, Message: "required column absent from document"}
			}
			continue
		}
		if col.Set == nil {
			continue
		}
		if err := col.Set(&rec, v); err != nil {
			return rec, &DecodeError{Column: col.Name, Message: err.Error()}
		}
	}
	return rec, nil
}

// StringColumn maps a string-valued column.
func StringColumn[T any](name string, required bool, get func(T) string, set func(*T, string)) Column[T] {
	return Column[T]{
		Name:     name,
		Required: required,
		Get: func(rec T) any {
			return get(rec)
		},
		Set: func(rec *T, v any) error {
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("expected string, got %T", v)
			}
			set(rec, s)
			return nil
		},
	}
}

// IntColumn maps an integer-valued column. JSON numbers arrive as
// float64; non-integral values are rejected.
func IntColumn[T any](name string, required bool, get func(T) int64, set func(*T, int64)) Column[T] {
	return Column[T]{
		Name:     name,
		Required: required,
		Get: func(rec T) any {
			return get(rec)
		},
		Set: func(rec *T, v any) error {
			f, ok := v.(float64)
			if !ok {
				return fmt.Errorf("expected number, got %T", v)
			}
			if f != math.Trunc(f) {
				return fmt.Errorf("expected integer, got %v", f)
			}
			set(rec, int64(f))
			return nil
		},
	}
}

// FloatColumn maps a decimal-valued column.
func FloatColumn[T any](name string, required bool, get func(T) float64, set func(*T, float64)) Column[T] {
	return Column[T]{
		Name:     name,
		Required: required,
		Get: func(rec T) any {
			return get(rec)
		},
		Set: func(rec *T, v any) error {
			f, ok := v.(float64)
			if !ok {
				return fmt.Errorf("expected number, got %T", v)
			}
			set(rec, f)
			return nil
		},
	}
}

// BoolColumn maps a boolean-valued column.
func BoolColumn[T any](name string, required bool, get func(T) bool, set func(*T, bool)) Column[T] {
	return Column[T]{
		Name:     name,
		Required: required,
		Get: func(rec T) any {
			return get(rec)
		},
		Set: func(rec *T, v any) error {
			b, ok := v.(bool)
			if !ok {
				return fmt.Errorf("expected bool, got %T", v)
			}
			set(rec, b)
			return nil
		},
	}
}

// UUIDColumn maps a uuid-valued column serialized as its hyphenated
// string form. A nil uuid encodes as absent.
func UUIDColumn[T any](name string, required bool, get func(T) uuid.UUID, set func(*T, uuid.UUID)) Column[T] {
	return Column[T]{
		Name:     name,
		Required: required,
		Get: func(rec T) any {
			id := get(rec)
			if id == uuid.Nil {
				return nil
			}
			return id.String()
		},
		Set: func(rec *T, v any) error {
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("expected uuid string, got %T", v)
			}
			id, err := uuid.Parse(s)
			if err != nil {
				return fmt.Errorf("invalid uuid %q: %w", s, err)
			}
			set(rec, id)
			return nil
		},
	}
}
