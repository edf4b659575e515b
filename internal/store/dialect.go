package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ColumnInfo is one column as reported by the database catalog, in ordinal
// order. FieldType is the canonical type the dialect derives from the raw
// catalog type.
type ColumnInfo struct {
	Name       string
	DataType   string
	FieldType  string
	Nullable   bool
	Default    string
	Length     int
	Precision  int
	PrimaryKey bool
	Position   int
}

// Dialect abstracts database-specific SQL generation and behavior.
type Dialect interface {
	// Name returns "postgres" or "sqlite".
	Name() string

	// DriverName returns the database/sql driver name ("pgx" or "sqlite").
	DriverName() string

	// Placeholder returns the parameter placeholder for the given 1-based index.
	Placeholder(index int) string

	// NewParamBuilder creates a dialect-aware parameter builder.
	NewParamBuilder() ParamBuilder

	// NowExpr returns the SQL expression for the current timestamp.
	NowExpr() string

	// UUIDDefault returns the DDL DEFAULT clause for auto-generated UUIDs,
	// or empty string if UUIDs must be generated in application code.
	UUIDDefault() string

	// ColumnType maps a canonical field type to the database DDL type.
	ColumnType(fieldType string, precision int) string

	// FieldType maps a raw catalog column type back to the canonical field
	// type ("text", "integer", "bigint", "float", "decimal", "boolean",
	// "uuid", "timestamp", "date", "json").
	FieldType(columnType string) string

	// SystemTablesSQL returns the DDL for the system tables.
	SystemTablesSQL() string

	// TableExists checks whether a table exists.
	TableExists(ctx context.Context, db *sql.DB, tableName string) (bool, error)

	// ListTables returns every base table name, sorted.
	ListTables(ctx context.Context, db *sql.DB) ([]string, error)

	// DescribeTable returns the table's columns in ordinal order with
	// primary-key flags. Returns ErrUndefinedTable if the table is missing.
	DescribeTable(ctx context.Context, db *sql.DB, tableName string) ([]ColumnInfo, error)

	// SupportsColumnAlter reports whether existing columns can change type
	// or nullability in place.
	SupportsColumnAlter() bool

	// AlterColumnTypeSQL returns the statement changing a column's type,
	// or empty string when unsupported.
	AlterColumnTypeSQL(table, column, columnType string) string

	// AlterColumnNullSQL returns the statement changing a column's
	// nullability, or empty string when unsupported.
	AlterColumnNullSQL(table, column string, nullable bool) string

	// InExpr builds a SQL expression for the IN operator.
	// PostgreSQL: "field = ANY($n)" with single array param.
	// SQLite: "field IN (?n, ?n+1, ...)" expanding the slice.
	InExpr(field string, pb ParamBuilder, values []any) string

	// IntervalDeleteExpr returns SQL for matching rows older than N days.
	IntervalDeleteExpr(createdAtCol string, pb ParamBuilder, days string) string

	// ArrayParam encodes a string slice for storage.
	// PostgreSQL: returns the slice as-is (pgx handles TEXT[]).
	// SQLite: JSON-encodes to string.
	ArrayParam(values []string) any

	// ScanArray decodes a TEXT[] (PostgreSQL) or JSON string (SQLite) into []string.
	ScanArray(src any) ([]string, error)

	// TimeParam encodes a timestamp for storage.
	// PostgreSQL: passes time.Time through (pgx handles TIMESTAMPTZ).
	// SQLite: formats as UTC text matching datetime('now').
	TimeParam(t time.Time) any

	// SyncCommitOff returns SQL to disable synchronous commit in a transaction,
	// or empty string if not applicable.
	SyncCommitOff() string

	// MapError inspects a driver error and returns a well-known sentinel error if applicable.
	MapError(err error) error
}

// ParamBuilder accumulates query parameters and generates dialect-specific placeholders.
type ParamBuilder interface {
	// Add appends a value and returns the placeholder string.
	Add(v any) string

	// Params returns all accumulated parameter values.
	Params() []any
}

// NewDialect creates a Dialect for the given driver name ("postgres" or "sqlite").
func NewDialect(driver string) Dialect {
	switch driver {
	case "sqlite":
		return &SQLiteDialect{}
	default:
		return &PostgresDialect{}
	}
}

// --- PostgreSQL ParamBuilder ---

type pgParamBuilder struct {
	params []any
	n      int
}

func (p *pgParamBuilder) Add(v any) string {
	p.n++
	p.params = append(p.params, v)
	return fmt.Sprintf("$%d", p.n)
}

func (p *pgParamBuilder) Params() []any { return p.params }

// --- SQLite ParamBuilder ---

type sqliteParamBuilder struct {
	params []any
	n      int
}

func (p *sqliteParamBuilder) Add(v any) string {
	p.n++
	p.params = append(p.params, v)
	return fmt.Sprintf("?%d", p.n)
}

func (p *sqliteParamBuilder) Params() []any { return p.params }
