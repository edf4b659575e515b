package schema

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"prism-backend/internal/metadata"
	"prism-backend/internal/store"
)

// Introspector reads table structure from the database catalog and turns it
// into collection descriptors. The catalog is the source of truth for what
// exists physically; the overlay adds everything the catalog cannot know.
type Introspector struct {
	store *store.Store
}

func NewIntrospector(s *store.Store) *Introspector {
	return &Introspector{store: s}
}

// TableNames returns every base table in the database, system tables
// included, sorted by name.
func (in *Introspector) TableNames(ctx context.Context) ([]string, error) {
	return in.store.Dialect.ListTables(ctx, in.store.DB)
}

// HasTable reports whether the table exists physically.
func (in *Introspector) HasTable(ctx context.Context, name string) (bool, error) {
	return in.store.Dialect.TableExists(ctx, in.store.DB, name)
}

// Describe reads one table from the catalog. Fields carry the canonical
// type, nullability and a deterministic default interface derived from the
// type; sort follows ordinal position. Returns ErrCollectionNotFound for a
// missing table.
func (in *Introspector) Describe(ctx context.Context, name string) (*metadata.Collection, error) {
	cols, err := in.store.Dialect.DescribeTable(ctx, in.store.DB, name)
	if err != nil {
		if errors.Is(err, store.ErrUndefinedTable) {
			return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
		}
		return nil, fmt.Errorf("describe %s: %w", name, err)
	}

	fields := make([]metadata.Field, 0, len(cols))
	for _, c := range cols {
		f := metadata.Field{
			Name:      c.Name,
			Type:      c.FieldType,
			Interface: metadata.DefaultInterface(c.FieldType, c.PrimaryKey),
			Required:  !c.Nullable && !c.PrimaryKey,
			Precision: c.Precision,
			Sort:      c.Position,
		}
		if c.Default != "" {
			f.Default = c.Default
		}
		fields = append(fields, f)
	}

	return &metadata.Collection{
		Name:   name,
		System: strings.HasPrefix(name, "_"),
		Fields: fields,
	}, nil
}
