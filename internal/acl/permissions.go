package acl

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"prism-backend/internal/metadata"
	"prism-backend/internal/store"
)

// ListPermissions returns permission rows ordered by group, collection and
// operation, restricted to one group when groupID is positive.
func (e *Engine) ListPermissions(ctx context.Context, groupID int) ([]metadata.Permission, error) {
	query := "SELECT id, group_id, collection, operation, field_blacklist, scope, condition FROM _permissions"
	pb := e.store.Dialect.NewParamBuilder()
	if groupID > 0 {
		query += " WHERE group_id = " + pb.Add(groupID)
	}
	query += " ORDER BY group_id, collection, operation"

	rows, err := e.store.DB.QueryContext(ctx, query, pb.Params()...)
	if err != nil {
		return nil, fmt.Errorf("list permissions: %w", err)
	}
	defer rows.Close()

	var out []metadata.Permission
	for rows.Next() {
		var p metadata.Permission
		var blacklist any
		if err := rows.Scan(&p.ID, &p.GroupID, &p.Collection, &p.Operation, &blacklist, &p.Scope, &p.Condition); err != nil {
			return nil, fmt.Errorf("scan permission: %w", err)
		}
		list, err := e.store.Dialect.ScanArray(blacklist)
		if err != nil {
			log.Printf("WARN: permission %s has malformed field blacklist: %v", p.ID, err)
		}
		p.FieldBlacklist = list
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertPermission writes one grant keyed by (group_id, collection,
// operation), replacing its blacklist, scope and condition. The condition
// is compiled up front so broken expressions never reach the read path.
func (e *Engine) UpsertPermission(ctx context.Context, p *metadata.Permission) error {
	if p.GroupID <= 0 {
		return fmt.Errorf("permission requires a group")
	}
	if p.Collection == "" {
		return fmt.Errorf("permission requires a collection")
	}
	if !metadata.ValidOperation(p.Operation) {
		return fmt.Errorf("unknown operation %q", p.Operation)
	}
	if p.Scope == "" {
		p.Scope = metadata.ScopeNone
	}
	if !metadata.ValidScope(p.Scope) {
		return fmt.Errorf("unknown scope %q", p.Scope)
	}
	if err := e.CheckCondition(p.Condition); err != nil {
		return err
	}

	pb := e.store.Dialect.NewParamBuilder()
	var one int
	err := e.store.DB.QueryRowContext(ctx,
		"SELECT 1 FROM _groups WHERE id = "+pb.Add(p.GroupID), pb.Params()...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("group %d: %w", p.GroupID, store.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("check group %d: %w", p.GroupID, err)
	}

	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	d := e.store.Dialect
	pb = d.NewParamBuilder()
	query := fmt.Sprintf(`INSERT INTO _permissions (id, group_id, collection, operation, field_blacklist, scope, condition)
VALUES (%s, %s, %s, %s, %s, %s, %s)
ON CONFLICT (group_id, collection, operation) DO UPDATE SET
  field_blacklist = excluded.field_blacklist,
  scope = excluded.scope,
  condition = excluded.condition,
  updated_at = %s`,
		pb.Add(p.ID), pb.Add(p.GroupID), pb.Add(p.Collection), pb.Add(string(p.Operation)),
		pb.Add(d.ArrayParam(p.FieldBlacklist)), pb.Add(string(p.Scope)), pb.Add(p.Condition),
		d.NowExpr())
	if _, err := e.store.DB.ExecContext(ctx, query, pb.Params()...); err != nil {
		return fmt.Errorf("upsert permission: %w", d.MapError(err))
	}
	return nil
}

// DeletePermission removes one grant. Returns store.ErrNotFound when no
// such grant exists.
func (e *Engine) DeletePermission(ctx context.Context, groupID int, collection string, op metadata.Operation) error {
	pb := e.store.Dialect.NewParamBuilder()
	query := fmt.Sprintf("DELETE FROM _permissions WHERE group_id = %s AND collection = %s AND operation = %s",
		pb.Add(groupID), pb.Add(collection), pb.Add(string(op)))
	res, err := e.store.DB.ExecContext(ctx, query, pb.Params()...)
	if err != nil {
		return fmt.Errorf("delete permission: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("permission for group %d on %s/%s: %w", groupID, collection, op, store.ErrNotFound)
	}
	return nil
}
