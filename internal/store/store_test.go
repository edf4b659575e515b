package store

import (
	"context"
	"errors"
	"testing"

	"prism-backend/internal/metadata"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := Open(ctx, "sqlite", ":memory:", 1)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(s.Close)
	if err := s.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return s
}

func TestBootstrapSeedsAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	// Second run must not duplicate seeds.
	if err := s.Bootstrap(ctx); err != nil {
		t.Fatalf("second bootstrap: %v", err)
	}

	rows, err := QueryRows(ctx, s.DB, "SELECT id, name, admin FROM _groups ORDER BY id")
	if err != nil {
		t.Fatalf("read groups: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 seeded groups, got %d", len(rows))
	}
	if AsInt(rows[0]["id"]) != metadata.AdminGroupID || !AsBool(rows[0]["admin"]) {
		t.Fatalf("group 1 is not the admin group: %+v", rows[0])
	}
	if AsInt(rows[1]["id"]) != metadata.PublicGroupID || AsBool(rows[1]["admin"]) {
		t.Fatalf("group 2 should be the non-admin public group: %+v", rows[1])
	}

	var users int
	if err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM _users").Scan(&users); err != nil {
		t.Fatalf("count users: %v", err)
	}
	if users != 1 {
		t.Fatalf("expected 1 seeded user, got %d", users)
	}

	state, err := QueryRow(ctx, s.DB, "SELECT version FROM _schema_state WHERE id = 1")
	if err != nil {
		t.Fatalf("read schema state: %v", err)
	}
	if AsString(state["version"]) == "" {
		t.Fatal("schema state seeded without a version")
	}
}

func TestListTablesIncludesSystemTables(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	tables, err := s.Dialect.ListTables(ctx, s.DB)
	if err != nil {
		t.Fatalf("list tables: %v", err)
	}
	seen := make(map[string]bool, len(tables))
	for _, name := range tables {
		seen[name] = true
	}
	for _, want := range []string{"_collections", "_fields", "_relationships", "_permissions", "_groups", "_users", "_schema_state", "_events", "_files"} {
		if !seen[want] {
			t.Errorf("system table %s missing from listing", want)
		}
	}
	for i := 1; i < len(tables); i++ {
		if tables[i-1] > tables[i] {
			t.Fatalf("tables not sorted: %q before %q", tables[i-1], tables[i])
		}
	}
}

func articleFields() []metadata.Field {
	return []metadata.Field{
		{Name: "id", Type: "uuid", Interface: metadata.IfacePrimaryKey},
		{Name: "title", Type: "text", Interface: metadata.IfaceTextInput, Required: true},
		{Name: "views", Type: "integer", Interface: metadata.IfaceNumeric},
		{Name: "published", Type: "boolean", Interface: metadata.IfaceToggle, Default: false},
	}
}

func TestMigratorCreateAndDescribe(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mig := NewMigrator(s)

	if err := mig.CreateTable(ctx, "articles", articleFields()); err != nil {
		t.Fatalf("create table: %v", err)
	}

	cols, err := s.Dialect.DescribeTable(ctx, s.DB, "articles")
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if len(cols) != 4 {
		t.Fatalf("expected 4 columns, got %d", len(cols))
	}
	if cols[0].Name != "id" || !cols[0].PrimaryKey {
		t.Fatalf("first column should be the primary key: %+v", cols[0])
	}
	if cols[1].Name != "title" || cols[1].Nullable {
		t.Fatalf("title should be NOT NULL: %+v", cols[1])
	}
	if cols[2].FieldType != "integer" {
		t.Fatalf("views mapped to %q, want integer", cols[2].FieldType)
	}
	for i, c := range cols {
		if c.Position != i+1 {
			t.Fatalf("column %s has position %d, want %d", c.Name, c.Position, i+1)
		}
	}
}

func TestMigratorAddAndDropColumn(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mig := NewMigrator(s)
	if err := mig.CreateTable(ctx, "articles", articleFields()); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := s.DB.ExecContext(ctx, "INSERT INTO articles (id, title) VALUES ('a1', 'hello')"); err != nil {
		t.Fatalf("insert row: %v", err)
	}

	// Required column on a populated table gets a synthesized default.
	f := metadata.Field{Name: "slug", Type: "text", Required: true}
	if err := mig.AddColumn(ctx, "articles", &f); err != nil {
		t.Fatalf("add required column: %v", err)
	}
	cols, err := s.Dialect.DescribeTable(ctx, s.DB, "articles")
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if cols[len(cols)-1].Name != "slug" || cols[len(cols)-1].Nullable {
		t.Fatalf("slug not added as NOT NULL: %+v", cols[len(cols)-1])
	}

	if err := mig.DropColumn(ctx, "articles", "slug"); err != nil {
		t.Fatalf("drop column: %v", err)
	}
	cols, _ = s.Dialect.DescribeTable(ctx, s.DB, "articles")
	for _, c := range cols {
		if c.Name == "slug" {
			t.Fatal("slug still present after drop")
		}
	}
}

func TestMigratorAlterUnsupportedOnSQLite(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mig := NewMigrator(s)
	if err := mig.CreateTable(ctx, "articles", articleFields()); err != nil {
		t.Fatalf("create table: %v", err)
	}

	f := metadata.Field{Name: "views", Type: "text"}
	err := mig.AlterColumnType(ctx, "articles", &f)
	if !errors.Is(err, ErrAlterUnsupported) {
		t.Fatalf("expected ErrAlterUnsupported, got %v", err)
	}
	if err := mig.AlterColumnNull(ctx, "articles", "views", false); !errors.Is(err, ErrAlterUnsupported) {
		t.Fatalf("expected ErrAlterUnsupported, got %v", err)
	}
}

func TestMapErrorSentinels(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.DB.ExecContext(ctx, "INSERT INTO _groups (id, name) VALUES (9, 'Administrators')")
	if !errors.Is(s.Dialect.MapError(err), ErrUniqueViolation) {
		t.Fatalf("duplicate group name not mapped: %v", err)
	}

	_, err = s.Dialect.DescribeTable(ctx, s.DB, "missing_table")
	if !errors.Is(err, ErrUndefinedTable) {
		t.Fatalf("missing table not mapped: %v", err)
	}

	mig := NewMigrator(s)
	if err := mig.CreateTable(ctx, "dupes", articleFields()); err != nil {
		t.Fatalf("create: %v", err)
	}
	err = mig.CreateTable(ctx, "dupes", articleFields())
	if !errors.Is(err, ErrDuplicateTable) {
		t.Fatalf("duplicate table not mapped: %v", err)
	}
}

func TestArrayParamRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	pb := s.Dialect.NewParamBuilder()
	stmt := "INSERT INTO _permissions (id, group_id, collection, operation, field_blacklist, scope) VALUES (" +
		pb.Add("p1") + ", " + pb.Add(2) + ", " + pb.Add("articles") + ", " + pb.Add("read") + ", " +
		pb.Add(s.Dialect.ArrayParam([]string{"secret", "cost"})) + ", " + pb.Add("all") + ")"
	if _, err := s.DB.ExecContext(ctx, stmt, pb.Params()...); err != nil {
		t.Fatalf("insert permission: %v", err)
	}

	row, err := QueryRow(ctx, s.DB, "SELECT field_blacklist FROM _permissions WHERE id = 'p1'")
	if err != nil {
		t.Fatalf("read permission: %v", err)
	}
	list, err := s.Dialect.ScanArray(row["field_blacklist"])
	if err != nil {
		t.Fatalf("scan array: %v", err)
	}
	if len(list) != 2 || list[0] != "secret" || list[1] != "cost" {
		t.Fatalf("blacklist round trip failed: %v", list)
	}
}

func TestFieldTypeMappingSQLite(t *testing.T) {
	d := &SQLiteDialect{}
	cases := map[string]string{
		"TEXT":          "text",
		"VARCHAR(255)":  "text",
		"INTEGER":       "integer",
		"BIGINT":        "bigint",
		"REAL":          "float",
		"NUMERIC(18,4)": "decimal",
		"BOOLEAN":       "boolean",
		"DATETIME":      "timestamp",
		"DATE":          "date",
		"JSON":          "json",
		"UUID":          "uuid",
		"":              "text",
	}
	for raw, want := range cases {
		if got := d.FieldType(raw); got != want {
			t.Errorf("FieldType(%q) = %q, want %q", raw, got, want)
		}
	}

	if l, _ := parseTypeArgs("VARCHAR(255)"); l != 255 {
		t.Errorf("length parse failed: %d", l)
	}
	if _, p := parseTypeArgs("NUMERIC(18,4)"); p != 4 {
		t.Errorf("precision parse failed: %d", p)
	}
}

func TestFieldTypeMappingPostgres(t *testing.T) {
	d := &PostgresDialect{}
	cases := map[string]string{
		"character varying":        "text",
		"text":                     "text",
		"integer":                  "integer",
		"bigint":                   "bigint",
		"double precision":         "float",
		"numeric":                  "decimal",
		"boolean":                  "boolean",
		"uuid":                     "uuid",
		"timestamp with time zone": "timestamp",
		"date":                     "date",
		"jsonb":                    "json",
		"ARRAY":                    "json",
	}
	for raw, want := range cases {
		if got := d.FieldType(raw); got != want {
			t.Errorf("FieldType(%q) = %q, want %q", raw, got, want)
		}
	}
}
