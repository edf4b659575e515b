package metadata

import (
	"fmt"
	"regexp"
	"strings"
)

// Collection describes one table as the platform sees it: the physical
// columns merged with whatever metadata rows exist for it. Managed is true
// when a _collections row exists; unmanaged collections are physical tables
// surfaced through introspection alone.
type Collection struct {
	Name    string  `json:"collection"`
	Note    string  `json:"note,omitempty"`
	Hidden  bool    `json:"hidden"`
	System  bool    `json:"system"`
	Managed bool    `json:"managed"`
	Fields  []Field `json:"fields,omitempty"`
}

var collectionNameRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

// ValidCollectionName reports whether name is acceptable for a user-created
// collection. System names (leading underscore) are reserved for bootstrap.
func ValidCollectionName(name string) error {
	if name == "" {
		return fmt.Errorf("collection name is empty")
	}
	if strings.HasPrefix(name, "_") {
		return fmt.Errorf("collection name %q uses the reserved system prefix", name)
	}
	if !collectionNameRe.MatchString(name) {
		return fmt.Errorf("collection name %q must match %s", name, collectionNameRe.String())
	}
	return nil
}

// Field returns the named field, or nil.
func (c *Collection) Field(name string) *Field {
	for i := range c.Fields {
		if c.Fields[i].Name == name {
			return &c.Fields[i]
		}
	}
	return nil
}

func (c *Collection) HasField(name string) bool {
	return c.Field(name) != nil
}

// PrimaryKey returns the field holding the primary_key role, or nil.
func (c *Collection) PrimaryKey() *Field { return c.fieldByInterface(IfacePrimaryKey) }

// StatusField returns the field holding the status role, or nil.
func (c *Collection) StatusField() *Field { return c.fieldByInterface(IfaceStatus) }

// SortField returns the field holding the sort role, or nil.
func (c *Collection) SortField() *Field { return c.fieldByInterface(IfaceSort) }

// OwnerField returns the field holding the owner compat interface, or nil.
// Row-scoped reads filter on it.
func (c *Collection) OwnerField() *Field { return c.fieldByInterface(IfaceOwner) }

func (c *Collection) fieldByInterface(iface string) *Field {
	for i := range c.Fields {
		if c.Fields[i].Interface == iface {
			return &c.Fields[i]
		}
	}
	return nil
}

// PhysicalFields returns the fields backed by real columns (alias fields
// excluded), in declaration order.
func (c *Collection) PhysicalFields() []Field {
	out := make([]Field, 0, len(c.Fields))
	for _, f := range c.Fields {
		if !f.Alias {
			out = append(out, f)
		}
	}
	return out
}

// Clone returns a deep copy. Callers receive clones so cached descriptors
// stay untouched.
func (c *Collection) Clone() Collection {
	out := *c
	out.Fields = make([]Field, len(c.Fields))
	for i, f := range c.Fields {
		out.Fields[i] = f.Clone()
	}
	return out
}
