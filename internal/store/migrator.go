package store

import (
	"context"
	"fmt"
	"strings"

	"prism-backend/internal/metadata"
)

// Migrator executes the physical DDL side of schema mutations. It never
// touches metadata tables; callers sequence catalog changes and metadata
// write-back around it.
type Migrator struct {
	store *Store
}

func NewMigrator(store *Store) *Migrator {
	return &Migrator{store: store}
}

// CreateTable creates a table from the physical field set. Alias fields
// must already be filtered out by the caller.
func (m *Migrator) CreateTable(ctx context.Context, table string, fields []metadata.Field) error {
	cols := make([]string, 0, len(fields))
	for i := range fields {
		cols = append(cols, m.buildColumnDef(&fields[i]))
	}
	ddl := fmt.Sprintf("CREATE TABLE %s (\n  %s\n)", QuoteIdent(table), strings.Join(cols, ",\n  "))
	if _, err := m.store.DB.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", table, m.store.Dialect.MapError(err))
	}
	if err := m.createIndexes(ctx, table, fields); err != nil {
		return fmt.Errorf("create indexes for %s: %w", table, err)
	}
	return nil
}

// DropTable removes the table.
func (m *Migrator) DropTable(ctx context.Context, table string) error {
	if _, err := m.store.DB.ExecContext(ctx, "DROP TABLE "+QuoteIdent(table)); err != nil {
		return fmt.Errorf("drop table %s: %w", table, m.store.Dialect.MapError(err))
	}
	return nil
}

// AddColumn appends a column for the field. When the field is required a
// default is always emitted so existing rows stay valid.
func (m *Migrator) AddColumn(ctx context.Context, table string, f *metadata.Field) error {
	def := QuoteIdent(f.Name) + " " + m.store.Dialect.ColumnType(f.Type, f.Precision)
	if f.Required {
		def += " NOT NULL" + m.defaultClause(f, true)
	} else {
		def += m.defaultClause(f, false)
	}
	ddl := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", QuoteIdent(table), def)
	if _, err := m.store.DB.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("add column %s.%s: %w", table, f.Name, m.store.Dialect.MapError(err))
	}
	if f.Unique {
		if err := m.createUniqueIndex(ctx, table, f.Name); err != nil {
			return err
		}
	}
	return nil
}

// DropColumn removes a column.
func (m *Migrator) DropColumn(ctx context.Context, table, column string) error {
	ddl := fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", QuoteIdent(table), QuoteIdent(column))
	if _, err := m.store.DB.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("drop column %s.%s: %w", table, column, m.store.Dialect.MapError(err))
	}
	return nil
}

// AlterColumnType changes a column to the field's type. Returns
// ErrAlterUnsupported when the dialect cannot do that in place.
func (m *Migrator) AlterColumnType(ctx context.Context, table string, f *metadata.Field) error {
	if !m.store.Dialect.SupportsColumnAlter() {
		return fmt.Errorf("change type of %s.%s: %w", table, f.Name, ErrAlterUnsupported)
	}
	ddl := m.store.Dialect.AlterColumnTypeSQL(table, f.Name, m.store.Dialect.ColumnType(f.Type, f.Precision))
	if _, err := m.store.DB.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("change type of %s.%s: %w", table, f.Name, m.store.Dialect.MapError(err))
	}
	return nil
}

// AlterColumnNull changes a column's nullability. Returns
// ErrAlterUnsupported when the dialect cannot do that in place.
func (m *Migrator) AlterColumnNull(ctx context.Context, table, column string, nullable bool) error {
	if !m.store.Dialect.SupportsColumnAlter() {
		return fmt.Errorf("change nullability of %s.%s: %w", table, column, ErrAlterUnsupported)
	}
	ddl := m.store.Dialect.AlterColumnNullSQL(table, column, nullable)
	if _, err := m.store.DB.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("change nullability of %s.%s: %w", table, column, m.store.Dialect.MapError(err))
	}
	return nil
}

func (m *Migrator) buildColumnDef(f *metadata.Field) string {
	col := QuoteIdent(f.Name) + " " + m.store.Dialect.ColumnType(f.Type, f.Precision)

	if f.Interface == metadata.IfacePrimaryKey {
		col += " PRIMARY KEY"
		if f.Type == "uuid" {
			if def := m.store.Dialect.UUIDDefault(); def != "" {
				col += " " + def
			}
		}
		return col
	}

	if f.Required {
		col += " NOT NULL"
	}
	col += m.defaultClause(f, false)
	return col
}

// defaultClause renders the DEFAULT expression. With force set a zero
// default is synthesized when the field declares none, so NOT NULL columns
// can be added to populated tables.
func (m *Migrator) defaultClause(f *metadata.Field, force bool) string {
	v := f.Default
	if v == nil {
		if !force {
			return ""
		}
		v = zeroDefault(f.Type)
	}
	switch val := v.(type) {
	case string:
		return fmt.Sprintf(" DEFAULT '%s'", strings.ReplaceAll(val, "'", "''"))
	case bool:
		return fmt.Sprintf(" DEFAULT %t", val)
	case float64:
		return fmt.Sprintf(" DEFAULT %v", val)
	case int:
		return fmt.Sprintf(" DEFAULT %d", val)
	default:
		return fmt.Sprintf(" DEFAULT '%v'", val)
	}
}

func zeroDefault(fieldType string) any {
	switch fieldType {
	case "integer", "bigint", "float", "decimal":
		return 0
	case "boolean":
		return false
	case "json":
		return "{}"
	default:
		return ""
	}
}

func (m *Migrator) createIndexes(ctx context.Context, table string, fields []metadata.Field) error {
	for i := range fields {
		f := &fields[i]
		if f.Unique && f.Interface != metadata.IfacePrimaryKey {
			if err := m.createUniqueIndex(ctx, table, f.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Migrator) createUniqueIndex(ctx context.Context, table, column string) error {
	ddl := fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s)",
		QuoteIdent("idx_"+table+"_"+column), QuoteIdent(table), QuoteIdent(column))
	if _, err := m.store.DB.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create unique index on %s.%s: %w", table, column, m.store.Dialect.MapError(err))
	}
	return nil
}
