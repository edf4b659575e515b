package schema

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"prism-backend/internal/store"
)

// Version returns the current schema version token. The token changes on
// every successful mutation, so cache keys derived from it go stale the
// moment the schema does.
func Version(ctx context.Context, q store.Querier) (string, error) {
	var v string
	err := q.QueryRowContext(ctx, "SELECT version FROM _schema_state WHERE id = 1").Scan(&v)
	if err != nil {
		return "", fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// BumpVersion installs a fresh version token. Run inside the metadata
// transaction so the bump commits atomically with the rows it invalidates.
func BumpVersion(ctx context.Context, q store.Querier, d store.Dialect) (string, error) {
	v := uuid.New().String()
	pb := d.NewParamBuilder()
	query := fmt.Sprintf("UPDATE _schema_state SET version = %s, updated_at = %s WHERE id = 1",
		pb.Add(v), d.NowExpr())
	if _, err := q.ExecContext(ctx, query, pb.Params()...); err != nil {
		return "", fmt.Errorf("bump schema version: %w", err)
	}
	return v, nil
}
