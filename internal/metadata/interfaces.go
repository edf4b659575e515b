package metadata

// Field interfaces. The interface names the widget a field is edited with
// and, for the reserved roles, the structural part the field plays in its
// collection.
const (
	// Reserved system roles: at most one field per collection each.
	IfacePrimaryKey = "primary_key"
	IfaceStatus     = "status"
	IfaceSort       = "sort"

	// Relational interfaces. many_to_one is a physical foreign-key column;
	// one_to_many and many_to_many are alias fields. file and owner are the
	// legacy shorthands for a many_to_one against a configured system
	// collection.
	IfaceManyToOne  = "many_to_one"
	IfaceOneToMany  = "one_to_many"
	IfaceManyToMany = "many_to_many"
	IfaceFile       = "file"
	IfaceOwner      = "owner"

	// Plain value interfaces.
	IfaceTextInput = "text_input"
	IfaceTextarea  = "textarea"
	IfaceNumeric   = "numeric"
	IfaceToggle    = "toggle"
	IfaceDatetime  = "datetime"
	IfaceJSON      = "json"
)

var knownInterfaces = map[string]bool{
	IfacePrimaryKey: true,
	IfaceStatus:     true,
	IfaceSort:       true,
	IfaceManyToOne:  true,
	IfaceOneToMany:  true,
	IfaceManyToMany: true,
	IfaceFile:       true,
	IfaceOwner:      true,
	IfaceTextInput:  true,
	IfaceTextarea:   true,
	IfaceNumeric:    true,
	IfaceToggle:     true,
	IfaceDatetime:   true,
	IfaceJSON:       true,
}

func KnownInterface(iface string) bool { return knownInterfaces[iface] }

// ReservedRole reports whether the interface is a structural role that may
// appear on at most one field per collection.
func ReservedRole(iface string) bool {
	return iface == IfacePrimaryKey || iface == IfaceStatus || iface == IfaceSort
}

// ReservedRoles lists the structural roles in a stable order.
func ReservedRoles() []string {
	return []string{IfacePrimaryKey, IfaceStatus, IfaceSort}
}

// RelationalInterface reports whether fields with this interface carry a
// relationship.
func RelationalInterface(iface string) bool {
	switch iface {
	case IfaceManyToOne, IfaceOneToMany, IfaceManyToMany, IfaceFile, IfaceOwner:
		return true
	}
	return false
}

// AliasInterface reports whether the interface is metadata-only: no
// physical column backs it.
func AliasInterface(iface string) bool {
	return iface == IfaceOneToMany || iface == IfaceManyToMany
}

// CompatInterface reports whether the interface is one of the legacy
// shorthands resolved against the configured compat collection table.
func CompatInterface(iface string) bool {
	return iface == IfaceFile || iface == IfaceOwner
}

// RelationKindFor maps a relational interface to the relationship kind its
// fields produce.
func RelationKindFor(iface string) (RelationKind, bool) {
	switch iface {
	case IfaceManyToOne, IfaceFile, IfaceOwner:
		return KindManyToOne, true
	case IfaceOneToMany:
		return KindOneToMany, true
	case IfaceManyToMany:
		return KindManyToMany, true
	}
	return "", false
}

// DefaultInterface derives the interface for a physical column that has no
// metadata row. The mapping is deterministic so unmanaged tables always
// present the same way.
func DefaultInterface(fieldType string, primaryKey bool) string {
	if primaryKey {
		return IfacePrimaryKey
	}
	switch fieldType {
	case "integer", "bigint", "float", "decimal":
		return IfaceNumeric
	case "boolean":
		return IfaceToggle
	case "timestamp", "date":
		return IfaceDatetime
	case "json":
		return IfaceJSON
	default:
		return IfaceTextInput
	}
}
