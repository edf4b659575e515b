package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresDialect implements Dialect for PostgreSQL via pgx/stdlib.
type PostgresDialect struct{}

func (d *PostgresDialect) Name() string       { return "postgres" }
func (d *PostgresDialect) DriverName() string { return "pgx" }

func (d *PostgresDialect) Placeholder(index int) string {
	return fmt.Sprintf("$%d", index)
}

func (d *PostgresDialect) NewParamBuilder() ParamBuilder {
	return &pgParamBuilder{}
}

func (d *PostgresDialect) NowExpr() string           { return "NOW()" }
func (d *PostgresDialect) UUIDDefault() string       { return "DEFAULT gen_random_uuid()" }
func (d *PostgresDialect) SupportsColumnAlter() bool { return true }

func (d *PostgresDialect) ColumnType(fieldType string, precision int) string {
	switch fieldType {
	case "string", "text":
		return "TEXT"
	case "int", "integer":
		return "INTEGER"
	case "bigint":
		return "BIGINT"
	case "float":
		return "DOUBLE PRECISION"
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
		return "TIMESTAMPTZ"
	case "date":
		return "DATE"
	case "json", "file":
		return "JSONB"
	default:
		return "TEXT"
	}
}

func (d *PostgresDialect) FieldType(columnType string) string {
	switch strings.ToLower(columnType) {
	case "character varying", "varchar", "character", "char", "text", "citext", "name":
		return "text"
	case "smallint", "integer", "int", "int2", "int4", "serial":
		return "integer"
	case "bigint", "int8", "bigserial":
		return "bigint"
	case "real", "double precision", "float4", "float8":
		return "float"
	case "numeric", "decimal", "money":
		return "decimal"
	case "boolean", "bool":
		return "boolean"
	case "uuid":
		return "uuid"
	case "timestamp with time zone", "timestamp without time zone", "timestamptz", "timestamp", "time with time zone", "time without time zone":
		return "timestamp"
	case "date":
		return "date"
	case "json", "jsonb", "array":
		return "json"
	default:
		return "text"
	}
}

func (d *PostgresDialect) SystemTablesSQL() string {
	return pgSystemTablesSQL
}

func (d *PostgresDialect) TableExists(ctx context.Context, db *sql.DB, tableName string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM information_schema.tables WHERE table_name = $1 AND table_schema = 'public')`,
		tableName,
	).Scan(&exists)
	return exists, err
}

func (d *PostgresDialect) ListTables(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT table_name FROM information_schema.tables
		 WHERE table_schema = 'public' AND table_type = 'BASE TABLE'
		 ORDER BY table_name`,
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

func (d *PostgresDialect) DescribeTable(ctx context.Context, db *sql.DB, tableName string) ([]ColumnInfo, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT c.column_name,
		       c.data_type,
		       c.is_nullable = 'YES',
		       COALESCE(c.column_default, ''),
		       COALESCE(c.character_maximum_length, 0),
		       COALESCE(c.numeric_scale, 0),
		       c.ordinal_position,
		       EXISTS (
		           SELECT 1
		           FROM information_schema.table_constraints tc
		           JOIN information_schema.key_column_usage kcu
		             ON kcu.constraint_name = tc.constraint_name
		            AND kcu.table_schema = tc.table_schema
		           WHERE tc.table_schema = c.table_schema
		             AND tc.table_name = c.table_name
		             AND tc.constraint_type = 'PRIMARY KEY'
		             AND kcu.column_name = c.column_name
		       )
		FROM information_schema.columns c
		WHERE c.table_schema = 'public' AND c.table_name = $1
		ORDER BY c.ordinal_position`,
		tableName,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []ColumnInfo
	for rows.Next() {
		var ci ColumnInfo
		if err := rows.Scan(&ci.Name, &ci.DataType, &ci.Nullable, &ci.Default,
			&ci.Length, &ci.Precision, &ci.Position, &ci.PrimaryKey); err != nil {
			return nil, err
		}
		ci.FieldType = d.FieldType(ci.DataType)
		cols = append(cols, ci)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUndefinedTable, tableName)
	}
	return cols, nil
}

func (d *PostgresDialect) AlterColumnTypeSQL(table, column, columnType string) string {
	return fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE %s USING %s::%s",
		QuoteIdent(table), QuoteIdent(column), columnType, QuoteIdent(column), columnType)
}

func (d *PostgresDialect) AlterColumnNullSQL(table, column string, nullable bool) string {
	if nullable {
		return fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s DROP NOT NULL", QuoteIdent(table), QuoteIdent(column))
	}
	return fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s SET NOT NULL", QuoteIdent(table), QuoteIdent(column))
}

func (d *PostgresDialect) InExpr(field string, pb ParamBuilder, values []any) string {
	ph := pb.Add(values)
	return fmt.Sprintf("%s = ANY(%s)", field, ph)
}

func (d *PostgresDialect) IntervalDeleteExpr(createdAtCol string, pb ParamBuilder, days string) string {
	ph := pb.Add(days)
	return fmt.Sprintf("%s < now() - (%s || ' days')::interval", createdAtCol, ph)
}

func (d *PostgresDialect) ArrayParam(values []string) any {
	if values == nil {
		return []string{}
	}
	return values
}

func (d *PostgresDialect) ScanArray(src any) ([]string, error) {
	if src == nil {
		return []string{}, nil
	}
	switch v := src.(type) {
	case []string:
		return v, nil
	case []any:
		result := make([]string, len(v))
		for i, item := range v {
			result[i] = fmt.Sprintf("%v", item)
		}
		return result, nil
	case []byte:
		// pgx/stdlib may return TEXT[] as a string like {admin,user}
		return parsePgArray(string(v))
	case string:
		return parsePgArray(v)
	default:
		return []string{}, nil
	}
}

func (d *PostgresDialect) TimeParam(t time.Time) any {
	return t
}

// parsePgArray parses a PostgreSQL array literal like {admin,user} into []string.
func parsePgArray(s string) ([]string, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "{}" {
		return []string{}, nil
	}
	// Try JSON first (in case it's a JSON array)
	if strings.HasPrefix(s, "[") {
		var result []string
		if err := json.Unmarshal([]byte(s), &result); err == nil {
			return result, nil
		}
	}
	// Parse PostgreSQL array literal: {val1,val2,...}
	if strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}") {
		inner := s[1 : len(s)-1]
		if inner == "" {
			return []string{}, nil
		}
		parts := strings.Split(inner, ",")
		result := make([]string, len(parts))
		for i, p := range parts {
			result[i] = strings.Trim(strings.TrimSpace(p), `"`)
		}
		return result, nil
	}
	return []string{s}, nil
}

func (d *PostgresDialect) SyncCommitOff() string {
	return "SET LOCAL synchronous_commit = off"
}

func (d *PostgresDialect) MapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
		case "42P01": // undefined_table
			return fmt.Errorf("%w: %w", ErrUndefinedTable, err)
		case "42P07": // duplicate_table
			return fmt.Errorf("%w: %w", ErrDuplicateTable, err)
		case "42703": // undefined_column
			return fmt.Errorf("%w: %w", ErrUndefinedColumn, err)
		case "42701": // duplicate_column
			return fmt.Errorf("%w: %w", ErrDuplicateColumn, err)
		}
		return err
	}
	// The stdlib wrapper can flatten driver errors to strings.
	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "23505"), strings.Contains(errStr, "duplicate key"):
		return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
	case strings.Contains(errStr, "42P01"):
		return fmt.Errorf("%w: %w", ErrUndefinedTable, err)
	case strings.Contains(errStr, "42P07"):
		return fmt.Errorf("%w: %w", ErrDuplicateTable, err)
	}
	return err
}

// --- PostgreSQL DDL ---

const pgSystemTablesSQL = `
CREATE TABLE IF NOT EXISTS _collections (
    collection  TEXT PRIMARY KEY,
    note        TEXT NOT NULL DEFAULT '',
    hidden      BOOLEAN NOT NULL DEFAULT false,
    system      BOOLEAN NOT NULL DEFAULT false,
    created_at  TIMESTAMPTZ DEFAULT NOW(),
    updated_at  TIMESTAMPTZ DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS _fields (
    id           UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    collection   TEXT NOT NULL,
    field        TEXT NOT NULL,
    type         TEXT NOT NULL DEFAULT 'text',
    interface    TEXT NOT NULL DEFAULT 'text_input',
    required     BOOLEAN NOT NULL DEFAULT false,
    sort         INT NOT NULL DEFAULT 0,
    note         TEXT NOT NULL DEFAULT '',
    hidden_input BOOLEAN NOT NULL DEFAULT false,
    hidden_list  BOOLEAN NOT NULL DEFAULT false,
    options      JSONB NOT NULL DEFAULT '{}',
    created_at   TIMESTAMPTZ DEFAULT NOW(),
    updated_at   TIMESTAMPTZ DEFAULT NOW(),
    UNIQUE(collection, field)
);
CREATE INDEX IF NOT EXISTS idx_fields_collection ON _fields(collection);

CREATE TABLE IF NOT EXISTS _relationships (
    id                UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    relationship_type TEXT NOT NULL,
    collection_a      TEXT NOT NULL,
    collection_b      TEXT NOT NULL,
    store_collection  TEXT NOT NULL DEFAULT '',
    store_key_a       TEXT NOT NULL,
    store_key_b       TEXT NOT NULL,
    created_at        TIMESTAMPTZ DEFAULT NOW(),
    updated_at        TIMESTAMPTZ DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_relationships_a ON _relationships(collection_a);
CREATE INDEX IF NOT EXISTS idx_relationships_b ON _relationships(collection_b);

CREATE TABLE IF NOT EXISTS _groups (
    id          SERIAL PRIMARY KEY,
    name        TEXT NOT NULL UNIQUE,
    description TEXT NOT NULL DEFAULT '',
    admin       BOOLEAN NOT NULL DEFAULT false,
    created_at  TIMESTAMPTZ DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS _permissions (
    id              UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    group_id        INT NOT NULL REFERENCES _groups(id) ON DELETE CASCADE,
    collection      TEXT NOT NULL,
    operation       TEXT NOT NULL,
    field_blacklist TEXT[] NOT NULL DEFAULT '{}',
    scope           TEXT NOT NULL DEFAULT 'none',
    condition       TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ DEFAULT NOW(),
    updated_at      TIMESTAMPTZ DEFAULT NOW(),
    UNIQUE(group_id, collection, operation)
);

CREATE TABLE IF NOT EXISTS _users (
    id            UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    email         TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    group_id      INT NOT NULL DEFAULT 2 REFERENCES _groups(id),
    active        BOOLEAN NOT NULL DEFAULT true,
    created_at    TIMESTAMPTZ DEFAULT NOW(),
    updated_at    TIMESTAMPTZ DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS _refresh_tokens (
    id         UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    user_id    UUID NOT NULL REFERENCES _users(id) ON DELETE CASCADE,
    token      UUID NOT NULL UNIQUE DEFAULT gen_random_uuid(),
    expires_at TIMESTAMPTZ NOT NULL,
    created_at TIMESTAMPTZ DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_refresh_tokens_token ON _refresh_tokens(token);
CREATE INDEX IF NOT EXISTS idx_refresh_tokens_expires ON _refresh_tokens(expires_at);

CREATE TABLE IF NOT EXISTS _schema_state (
    id         INT PRIMARY KEY,
    version    UUID NOT NULL,
    updated_at TIMESTAMPTZ DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS _events (
    id          UUID PRIMARY KEY,
    event_type  TEXT NOT NULL,
    collection  TEXT NOT NULL DEFAULT '',
    field       TEXT NOT NULL DEFAULT '',
    actor       UUID,
    group_id    INT,
    status      TEXT NOT NULL DEFAULT 'ok',
    detail      JSONB,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_events_created ON _events(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_events_collection_created ON _events(collection, created_at DESC);

CREATE TABLE IF NOT EXISTS _files (
    id          UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    filename    TEXT NOT NULL,
    title       TEXT NOT NULL DEFAULT '',
    mime_type   TEXT NOT NULL DEFAULT 'application/octet-stream',
    size        BIGINT NOT NULL DEFAULT 0,
    uploaded_by UUID,
    created_at  TIMESTAMPTZ DEFAULT NOW()
);
`

// Compile-time check
var _ Dialect = (*PostgresDialect)(nil)
