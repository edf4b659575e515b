package acl

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"prism-backend/internal/metadata"
	"prism-backend/internal/store"
)

// Engine loads per-group permission rows and evaluates row conditions.
// Compiled condition programs are cached by expression string and shared
// across rulesets.
type Engine struct {
	store *store.Store
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

func NewEngine(s *store.Store) *Engine {
	return &Engine{store: s, cache: make(map[string]*vm.Program)}
}

// Ruleset is one group's complete permission set at load time. Absence of
// a row denies; admin groups bypass every check.
type Ruleset struct {
	GroupID int
	Admin   bool
	perms   map[string]map[metadata.Operation]*metadata.Permission
	engine  *Engine
}

// Load reads the group's flag and permission rows. An unknown group yields
// a deny-all ruleset rather than an error, since tokens can outlive the
// group they were issued for.
func (e *Engine) Load(ctx context.Context, groupID int) (*Ruleset, error) {
	rs := &Ruleset{
		GroupID: groupID,
		perms:   make(map[string]map[metadata.Operation]*metadata.Permission),
		engine:  e,
	}

	pb := e.store.Dialect.NewParamBuilder()
	var admin bool
	err := e.store.DB.QueryRowContext(ctx,
		"SELECT admin FROM _groups WHERE id = "+pb.Add(groupID), pb.Params()...).Scan(&admin)
	if errors.Is(err, sql.ErrNoRows) {
		log.Printf("WARN: permission load for unknown group %d, denying all", groupID)
		return rs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load group %d: %w", groupID, err)
	}
	rs.Admin = admin
	if admin {
		return rs, nil
	}

	pb = e.store.Dialect.NewParamBuilder()
	rows, err := e.store.DB.QueryContext(ctx,
		"SELECT id, collection, operation, field_blacklist, scope, condition FROM _permissions WHERE group_id = "+pb.Add(groupID),
		pb.Params()...)
	if err != nil {
		return nil, fmt.Errorf("load permissions for group %d: %w", groupID, err)
	}
	defer rows.Close()

	for rows.Next() {
		p := metadata.Permission{GroupID: groupID}
		var blacklist any
		if err := rows.Scan(&p.ID, &p.Collection, &p.Operation, &blacklist, &p.Scope, &p.Condition); err != nil {
			return nil, fmt.Errorf("scan permission: %w", err)
		}
		list, err := e.store.Dialect.ScanArray(blacklist)
		if err != nil {
			log.Printf("WARN: permission %s has malformed field blacklist: %v", p.ID, err)
		}
		p.FieldBlacklist = list

		if rs.perms[p.Collection] == nil {
			rs.perms[p.Collection] = make(map[metadata.Operation]*metadata.Permission)
		}
		perm := p
		rs.perms[p.Collection][p.Operation] = &perm
	}
	return rs, rows.Err()
}

func (r *Ruleset) perm(collection string, op metadata.Operation) *metadata.Permission {
	if byOp, ok := r.perms[collection]; ok {
		return byOp[op]
	}
	return nil
}

// Can reports whether the group may perform op on the collection at all.
func (r *Ruleset) Can(collection string, op metadata.Operation) bool {
	if r.Admin {
		return true
	}
	p := r.perm(collection, op)
	return p != nil && p.Allowed()
}

func (r *Ruleset) CanRead(collection string) bool {
	return r.Can(collection, metadata.OpRead)
}

// FieldBlacklist returns the fields withheld from the group for op.
func (r *Ruleset) FieldBlacklist(collection string, op metadata.Operation) []string {
	if r.Admin {
		return nil
	}
	if p := r.perm(collection, op); p != nil {
		return p.FieldBlacklist
	}
	return nil
}

// CanReadField reports whether the group may see the field on reads.
func (r *Ruleset) CanReadField(collection, field string) bool {
	if r.Admin {
		return true
	}
	p := r.perm(collection, metadata.OpRead)
	if p == nil || !p.Allowed() {
		return false
	}
	return !p.Blacklisted(field)
}

// Scope returns the row scope granted for op, ScopeNone when no row exists.
func (r *Ruleset) Scope(collection string, op metadata.Operation) metadata.Scope {
	if r.Admin {
		return metadata.ScopeAll
	}
	p := r.perm(collection, op)
	if p == nil {
		return metadata.ScopeNone
	}
	return p.Scope
}

// RowFilter narrows record reads to rows the caller may see. MatchNone
// means the scope resolves to no rows at all.
type RowFilter struct {
	Field     string
	Value     any
	MatchNone bool
}

// ReadFilter computes the row filter the group's read scope implies for
// the collection. scope=own binds the collection's owner field to the
// account; a collection without an owner field cannot satisfy own and
// matches nothing.
func (r *Ruleset) ReadFilter(acct metadata.Account, col *metadata.Collection) *RowFilter {
	switch r.Scope(col.Name, metadata.OpRead) {
	case metadata.ScopeAll:
		return nil
	case metadata.ScopeOwn:
		owner := col.OwnerField()
		if owner == nil {
			return &RowFilter{MatchNone: true}
		}
		return &RowFilter{Field: owner.Name, Value: acct.UserID}
	default:
		return &RowFilter{MatchNone: true}
	}
}

// EvaluateCondition checks the op's condition expression against env.
// Grants without a condition pass; evaluation failures deny.
func (r *Ruleset) EvaluateCondition(collection string, op metadata.Operation, env map[string]any) (bool, error) {
	if r.Admin {
		return true, nil
	}
	p := r.perm(collection, op)
	if p == nil || !p.Allowed() {
		return false, nil
	}
	if p.Condition == "" {
		return true, nil
	}
	return r.engine.evalBool(p.Condition, env)
}

// CheckCondition compiles the expression without running it, so invalid
// conditions are rejected at write time instead of surfacing on reads.
func (e *Engine) CheckCondition(expression string) error {
	if expression == "" {
		return nil
	}
	_, err := e.compile(expression)
	return err
}

func (e *Engine) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	prog, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return prog, nil
	}
	prog, err := expr.Compile(expression, expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile condition: %w", err)
	}
	e.mu.Lock()
	e.cache[expression] = prog
	e.mu.Unlock()
	return prog, nil
}

func (e *Engine) evalBool(expression string, env map[string]any) (bool, error) {
	prog, err := e.compile(expression)
	if err != nil {
		return false, err
	}
	result, err := expr.Run(prog, env)
	if err != nil {
		return false, fmt.Errorf("evaluate condition: %w", err)
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("condition did not return bool")
	}
	return b, nil
}
