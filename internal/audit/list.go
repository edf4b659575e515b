package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"prism-backend/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// ListOptions filters the activity listing.
type ListOptions struct {
	Collection string
	Types      []string
	Limit      int
}

// List returns recorded events as rows, newest first. Detail blobs are
// decoded back into objects.
func List(ctx context.Context, s *store.Store, opts ListOptions) ([]map[string]any, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	query := "SELECT id, event_type, collection, field, actor, group_id, status, detail, created_at FROM _events"
	pb := s.Dialect.NewParamBuilder()
	var where []string
	if opts.Collection != "" {
		where = append(where, "collection = "+pb.Add(opts.Collection))
	}
	if len(opts.Types) > 0 {
		values := make([]any, len(opts.Types))
		for i, t := range opts.Types {
			values[i] = t
		}
		where = append(where, s.Dialect.InExpr("event_type", pb, values))
	}
	for i, w := range where {
		if i == 0 {
			query += " WHERE " + w
		} else {
			query += " AND " + w
		}
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT %d", limit)

	rows, err := store.QueryRows(ctx, s.DB, query, pb.Params()...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	for _, row := range rows {
		if raw, ok := row["detail"].(string); ok && raw != "" {
			var detail map[string]any
			if err := json.Unmarshal([]byte(raw), &detail); err == nil {
				row["detail"] = detail
			}
		}
	}
	return rows, nil
}
