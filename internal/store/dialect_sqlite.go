package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SQLiteDialect implements Dialect for SQLite via modernc.org/sqlite.
type SQLiteDialect struct{}

func (d *SQLiteDialect) Name() string       { return "sqlite" }
func (d *SQLiteDialect) DriverName() string { return "sqlite" }

func (d *SQLiteDialect) Placeholder(index int) string {
	return fmt.Sprintf("?%d", index)
}

func (d *SQLiteDialect) NewParamBuilder() ParamBuilder {
	return &sqliteParamBuilder{}
}

func (d *SQLiteDialect) NowExpr() string     { return "datetime('now')" }
func (d *SQLiteDialect) UUIDDefault() string { return "" }

// SQLite cannot change a column's type or nullability in place.
func (d *SQLiteDialect) SupportsColumnAlter() bool { return false }

// ColumnType keeps distinctive declared names. SQLite preserves the declared
// type verbatim in table_info, so introspection can recover the canonical
// field type instead of collapsing everything into its storage affinity.
func (d *SQLiteDialect) ColumnType(fieldType string, precision int) string {
	switch fieldType {
	case "string", "text":
		return "TEXT"
	case "int", "integer":
		return "INTEGER"
	case "bigint":
		return "BIGINT"
	case "float":
		return "REAL"
	case "decimal":
		if precision > 0 {
			return fmt.Sprintf("NUMERIC(18,%d)", precision)
		}
		return "NUMERIC"
	case "boolean":
		return "BOOLEAN"
	case "uuid":
		return "UUID"
	case "timestamp":
		return "DATETIME"
	case "date":
		return "DATE"
	case "json", "file":
		return "JSON"
	default:
		return "TEXT"
	}
}

func (d *SQLiteDialect) FieldType(columnType string) string {
	t := strings.ToUpper(strings.TrimSpace(columnType))
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = t[:i]
	}
	switch {
	case t == "":
		return "text"
	case strings.Contains(t, "BOOL"):
		return "boolean"
	case strings.Contains(t, "BIGINT"):
		return "bigint"
	case strings.Contains(t, "INT"):
		return "integer"
	case strings.Contains(t, "CHAR"), strings.Contains(t, "CLOB"), t == "TEXT":
		return "text"
	case strings.Contains(t, "REAL"), strings.Contains(t, "FLOA"), strings.Contains(t, "DOUB"):
		return "float"
	case strings.Contains(t, "NUMERIC"), strings.Contains(t, "DECIMAL"):
		return "decimal"
	case strings.Contains(t, "DATETIME"), strings.Contains(t, "TIMESTAMP"):
		return "timestamp"
	case strings.Contains(t, "DATE"):
		return "date"
	case strings.Contains(t, "JSON"):
		return "json"
	case strings.Contains(t, "UUID"):
		return "uuid"
	default:
		return "text"
	}
}

func (d *SQLiteDialect) SystemTablesSQL() string {
	return sqliteSystemTablesSQL
}

func (d *SQLiteDialect) TableExists(ctx context.Context, db *sql.DB, tableName string) (bool, error) {
	var name string
	err := db.QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type='table' AND name=?1",
		tableName,
	).Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (d *SQLiteDialect) ListTables(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' ORDER BY name",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

func (d *SQLiteDialect) DescribeTable(ctx context.Context, db *sql.DB, tableName string) ([]ColumnInfo, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", QuoteIdent(tableName)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []ColumnInfo
	pos := 0
	for rows.Next() {
		var cid, notNull, pk int
		var name, colType string
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		pos++
		length, precision := parseTypeArgs(colType)
		cols = append(cols, ColumnInfo{
			Name:       name,
			DataType:   colType,
			FieldType:  d.FieldType(colType),
			Nullable:   notNull == 0,
			Default:    dflt.String,
			Length:     length,
			Precision:  precision,
			PrimaryKey: pk > 0,
			Position:   pos,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// PRAGMA table_info returns no rows for a missing table instead of failing.
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUndefinedTable, tableName)
	}
	return cols, nil
}

// parseTypeArgs extracts (length) or (precision,scale) from a declared type
// like VARCHAR(255) or NUMERIC(18,4).
func parseTypeArgs(colType string) (length, precision int) {
	open := strings.IndexByte(colType, '(')
	end := strings.IndexByte(colType, ')')
	if open < 0 || end <= open {
		return 0, 0
	}
	args := strings.Split(colType[open+1:end], ",")
	if len(args) == 1 {
		n, _ := strconv.Atoi(strings.TrimSpace(args[0]))
		return n, 0
	}
	if len(args) == 2 {
		scale, _ := strconv.Atoi(strings.TrimSpace(args[1]))
		return 0, scale
	}
	return 0, 0
}

func (d *SQLiteDialect) AlterColumnTypeSQL(_, _, _ string) string      { return "" }
func (d *SQLiteDialect) AlterColumnNullSQL(_, _ string, _ bool) string { return "" }

func (d *SQLiteDialect) InExpr(field string, pb ParamBuilder, values []any) string {
	if len(values) == 0 {
		return "1=0" // always false
	}
	phs := make([]string, len(values))
	for i, v := range values {
		phs[i] = pb.Add(v)
	}
	return fmt.Sprintf("%s IN (%s)", field, strings.Join(phs, ", "))
}

func (d *SQLiteDialect) IntervalDeleteExpr(createdAtCol string, pb ParamBuilder, days string) string {
	ph := pb.Add(days)
	return fmt.Sprintf("%s < datetime('now', '-' || %s || ' days')", createdAtCol, ph)
}

func (d *SQLiteDialect) ArrayParam(values []string) any {
	if values == nil {
		return "[]"
	}
	b, _ := json.Marshal(values)
	return string(b)
}

func (d *SQLiteDialect) ScanArray(src any) ([]string, error) {
	if src == nil {
		return []string{}, nil
	}
	var s string
	switch v := src.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return []string{}, nil
	}
	s = strings.TrimSpace(s)
	if s == "" || s == "[]" {
		return []string{}, nil
	}
	var result []string
	if err := json.Unmarshal([]byte(s), &result); err != nil {
		return []string{}, fmt.Errorf("scan array: %w", err)
	}
	return result, nil
}

func (d *SQLiteDialect) TimeParam(t time.Time) any {
	return t.UTC().Format("2006-01-02 15:04:05")
}

func (d *SQLiteDialect) SyncCommitOff() string { return "" }

func (d *SQLiteDialect) MapError(err error) error {
	if err == nil {
		return nil
	}
	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "UNIQUE constraint failed"),
		strings.Contains(errStr, "constraint failed: UNIQUE"):
		return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
	case strings.Contains(errStr, "no such table"):
		return fmt.Errorf("%w: %w", ErrUndefinedTable, err)
	case strings.Contains(errStr, "already exists"):
		return fmt.Errorf("%w: %w", ErrDuplicateTable, err)
	case strings.Contains(errStr, "duplicate column name"):
		return fmt.Errorf("%w: %w", ErrDuplicateColumn, err)
	case strings.Contains(errStr, "no such column"):
		return fmt.Errorf("%w: %w", ErrUndefinedColumn, err)
	}
	return err
}

// --- SQLite DDL ---

const sqliteSystemTablesSQL = `
CREATE TABLE IF NOT EXISTS _collections (
    collection  TEXT PRIMARY KEY,
    note        TEXT NOT NULL DEFAULT '',
    hidden      INTEGER NOT NULL DEFAULT 0,
    system      INTEGER NOT NULL DEFAULT 0,
    created_at  TEXT DEFAULT (datetime('now')),
    updated_at  TEXT DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS _fields (
    id           TEXT PRIMARY KEY,
    collection   TEXT NOT NULL,
    field        TEXT NOT NULL,
    type         TEXT NOT NULL DEFAULT 'text',
    interface    TEXT NOT NULL DEFAULT 'text_input',
    required     INTEGER NOT NULL DEFAULT 0,
    sort         INTEGER NOT NULL DEFAULT 0,
    note         TEXT NOT NULL DEFAULT '',
    hidden_input INTEGER NOT NULL DEFAULT 0,
    hidden_list  INTEGER NOT NULL DEFAULT 0,
    options      TEXT NOT NULL DEFAULT '{}',
    created_at   TEXT DEFAULT (datetime('now')),
    updated_at   TEXT DEFAULT (datetime('now')),
    UNIQUE(collection, field)
);
CREATE INDEX IF NOT EXISTS idx_fields_collection ON _fields(collection);

CREATE TABLE IF NOT EXISTS _relationships (
    id                TEXT PRIMARY KEY,
    relationship_type TEXT NOT NULL,
    collection_a      TEXT NOT NULL,
    collection_b      TEXT NOT NULL,
    store_collection  TEXT NOT NULL DEFAULT '',
    store_key_a       TEXT NOT NULL,
    store_key_b       TEXT NOT NULL,
    created_at        TEXT DEFAULT (datetime('now')),
    updated_at        TEXT DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_relationships_a ON _relationships(collection_a);
CREATE INDEX IF NOT EXISTS idx_relationships_b ON _relationships(collection_b);

CREATE TABLE IF NOT EXISTS _groups (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    name        TEXT NOT NULL UNIQUE,
    description TEXT NOT NULL DEFAULT '',
    admin       INTEGER NOT NULL DEFAULT 0,
    created_at  TEXT DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS _permissions (
    id              TEXT PRIMARY KEY,
    group_id        INTEGER NOT NULL REFERENCES _groups(id) ON DELETE CASCADE,
    collection      TEXT NOT NULL,
    operation       TEXT NOT NULL,
    field_blacklist TEXT NOT NULL DEFAULT '[]',
    scope           TEXT NOT NULL DEFAULT 'none',
    condition       TEXT NOT NULL DEFAULT '',
    created_at      TEXT DEFAULT (datetime('now')),
    updated_at      TEXT DEFAULT (datetime('now')),
    UNIQUE(group_id, collection, operation)
);

CREATE TABLE IF NOT EXISTS _users (
    id            TEXT PRIMARY KEY,
    email         TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    group_id      INTEGER NOT NULL DEFAULT 2 REFERENCES _groups(id),
    active        INTEGER NOT NULL DEFAULT 1,
    created_at    TEXT DEFAULT (datetime('now')),
    updated_at    TEXT DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS _refresh_tokens (
    id         TEXT PRIMARY KEY,
    user_id    TEXT NOT NULL REFERENCES _users(id) ON DELETE CASCADE,
    token      TEXT NOT NULL UNIQUE,
    expires_at TEXT NOT NULL,
    created_at TEXT DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_refresh_tokens_token ON _refresh_tokens(token);
CREATE INDEX IF NOT EXISTS idx_refresh_tokens_expires ON _refresh_tokens(expires_at);

CREATE TABLE IF NOT EXISTS _schema_state (
    id         INTEGER PRIMARY KEY,
    version    TEXT NOT NULL,
    updated_at TEXT DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS _events (
    id          TEXT PRIMARY KEY,
    event_type  TEXT NOT NULL,
    collection  TEXT NOT NULL DEFAULT '',
    field       TEXT NOT NULL DEFAULT '',
    actor       TEXT,
    group_id    INTEGER,
    status      TEXT NOT NULL DEFAULT 'ok',
    detail      TEXT,
    created_at  TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_events_created ON _events(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_events_collection_created ON _events(collection, created_at DESC);

CREATE TABLE IF NOT EXISTS _files (
    id          TEXT PRIMARY KEY,
    filename    TEXT NOT NULL,
    title       TEXT NOT NULL DEFAULT '',
    mime_type   TEXT NOT NULL DEFAULT 'application/octet-stream',
    size        INTEGER NOT NULL DEFAULT 0,
    uploaded_by TEXT,
    created_at  TEXT DEFAULT (datetime('now'))
);
`

// Compile-time check
var _ Dialect = (*SQLiteDialect)(nil)
