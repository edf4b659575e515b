package metadata

// Operation is one of the four record operations permissions are granted
// for.
type Operation string

const (
	OpCreate Operation = "create"
	OpRead   Operation = "read"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

func ValidOperation(op Operation) bool {
	switch op {
	case OpCreate, OpRead, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Scope bounds which rows an operation may touch.
type Scope string

const (
	ScopeNone Scope = "none" // operation denied
	ScopeOwn  Scope = "own"  // rows owned by the caller
	ScopeAll  Scope = "all"  // every row
)

func ValidScope(s Scope) bool {
	switch s {
	case ScopeNone, ScopeOwn, ScopeAll:
		return true
	}
	return false
}

// Permission is one (group, collection, operation) grant. FieldBlacklist
// names fields the group must never see or write; Condition holds an
// optional expression evaluated against the record environment.
type Permission struct {
	ID             string    `json:"id,omitempty"`
	GroupID        int       `json:"group_id"`
	Collection     string    `json:"collection"`
	Operation      Operation `json:"operation"`
	FieldBlacklist []string  `json:"field_blacklist,omitempty"`
	Scope          Scope     `json:"scope"`
	Condition      string    `json:"condition,omitempty"`
}

// Allowed reports whether the grant permits the operation at all.
func (p *Permission) Allowed() bool {
	return p.Scope == ScopeOwn || p.Scope == ScopeAll
}

// Blacklisted reports whether the field is withheld from the group.
func (p *Permission) Blacklisted(field string) bool {
	for _, f := range p.FieldBlacklist {
		if f == field {
			return true
		}
	}
	return false
}
