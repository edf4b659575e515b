package metadata

import (
	"fmt"
	"regexp"
)

// Field describes one attribute of a collection. Physical fields map to a
// real column; alias fields (one_to_many, many_to_many) exist only in
// metadata and always carry a relation.
type Field struct {
	Name        string         `json:"field"`
	Type        string         `json:"type"`
	Interface   string         `json:"interface"`
	Required    bool           `json:"required"`
	Unique      bool           `json:"unique,omitempty"`
	Default     any            `json:"default,omitempty"`
	Precision   int            `json:"precision,omitempty"`
	Sort        int            `json:"sort,omitempty"`
	Note        string         `json:"note,omitempty"`
	HiddenInput bool           `json:"hidden_input,omitempty"`
	HiddenList  bool           `json:"hidden_list,omitempty"`
	Options     map[string]any `json:"options,omitempty"`
	Alias       bool           `json:"alias,omitempty"`
	Managed     bool           `json:"managed"`
	Relation    *Relation      `json:"relation,omitempty"`
}

// TypeAlias marks metadata-only fields that have no physical column.
const TypeAlias = "alias"

var validTypes = map[string]bool{
	"text":      true,
	"integer":   true,
	"bigint":    true,
	"float":     true,
	"decimal":   true,
	"boolean":   true,
	"uuid":      true,
	"timestamp": true,
	"date":      true,
	"json":      true,
	TypeAlias:   true,
}

// ValidFieldType reports whether t is one of the canonical field types.
func ValidFieldType(t string) bool { return validTypes[t] }

var fieldNameRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// ValidFieldName reports whether name is acceptable as a column/field name.
func ValidFieldName(name string) error {
	if name == "" {
		return fmt.Errorf("field name is empty")
	}
	if !fieldNameRe.MatchString(name) {
		return fmt.Errorf("field name %q must match %s", name, fieldNameRe.String())
	}
	return nil
}

// Validate checks the internal consistency of a field definition.
func (f *Field) Validate() error {
	if err := ValidFieldName(f.Name); err != nil {
		return err
	}
	if f.Interface != "" && !KnownInterface(f.Interface) {
		return fmt.Errorf("field %q: unknown interface %q", f.Name, f.Interface)
	}
	if f.Alias && f.Relation == nil {
		return fmt.Errorf("field %q: alias fields must carry a relationship", f.Name)
	}
	if !f.Alias && AliasInterface(f.Interface) {
		return fmt.Errorf("field %q: interface %q is metadata-only and must be an alias", f.Name, f.Interface)
	}
	if f.Relation != nil {
		if err := f.Relation.Validate(); err != nil {
			return fmt.Errorf("field %q: %w", f.Name, err)
		}
	}
	return nil
}

// Clone returns a deep copy of the field.
func (f Field) Clone() Field {
	out := f
	if f.Options != nil {
		out.Options = make(map[string]any, len(f.Options))
		for k, v := range f.Options {
			out.Options[k] = v
		}
	}
	if f.Relation != nil {
		rel := *f.Relation
		out.Relation = &rel
	}
	return out
}
