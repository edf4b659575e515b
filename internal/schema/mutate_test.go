package schema

import (
	"context"
	"errors"
	"testing"

	"prism-backend/internal/audit"
	"prism-backend/internal/metadata"
	"prism-backend/internal/store"
)

func relationshipRows(t *testing.T, env *testEnv) []map[string]any {
	t.Helper()
	rows, err := store.QueryRows(context.Background(), env.store.DB,
		"SELECT id, relationship_type, collection_a, collection_b, store_collection, store_key_a, store_key_b FROM _relationships ORDER BY collection_a, store_key_a")
	if err != nil {
		t.Fatalf("read relationships: %v", err)
	}
	return rows
}

func TestAddManyToOneField(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	mustCreate(t, env, usersDefinition())
	mustCreate(t, env, articlesDefinition())

	f, err := env.mutator.AddField(ctx, adminAcct, "articles", metadata.Field{
		Name:      "author_id",
		Type:      "uuid",
		Interface: metadata.IfaceManyToOne,
		Relation:  &metadata.Relation{Kind: metadata.KindManyToOne, CollectionB: "users"},
	})
	if err != nil {
		t.Fatalf("add author_id: %v", err)
	}
	if f.Alias {
		t.Fatalf("many_to_one fields are physical, got an alias")
	}
	rel := f.Relation
	if rel == nil {
		t.Fatalf("expected a relation on author_id")
	}
	if rel.Kind != metadata.KindManyToOne || rel.CollectionA != "articles" || rel.CollectionB != "users" ||
		rel.StoreKeyA != "author_id" || rel.StoreKeyB != "id" {
		t.Fatalf("unexpected relation %+v", rel)
	}

	rows := relationshipRows(t, env)
	if len(rows) != 1 {
		t.Fatalf("expected one relationship row, got %d", len(rows))
	}
	row := rows[0]
	if row["relationship_type"] != "many_to_one" || row["collection_a"] != "articles" ||
		row["collection_b"] != "users" || row["store_key_a"] != "author_id" || row["store_key_b"] != "id" {
		t.Fatalf("unexpected relationship row %+v", row)
	}
	if row["store_collection"] != "" {
		t.Fatalf("many_to_one must not carry a junction, got %v", row["store_collection"])
	}

	// The column is real.
	raw, err := NewIntrospector(env.store).Describe(ctx, "articles")
	if err != nil {
		t.Fatalf("introspect: %v", err)
	}
	if c := raw.Field("author_id"); c == nil || c.Type != "uuid" {
		t.Fatalf("expected a physical uuid column, got %+v", c)
	}

	if _, err := env.mutator.AddField(ctx, adminAcct, "articles", metadata.Field{Name: "author_id", Type: "uuid"}); !errors.Is(err, ErrFieldExists) {
		t.Fatalf("expected ErrFieldExists, got %v", err)
	}
}

func TestRelationUpsertPreservesIdentity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	mustCreate(t, env, usersDefinition())
	mustCreate(t, env, articlesDefinition())

	def := metadata.Field{
		Name:      "author_id",
		Type:      "uuid",
		Interface: metadata.IfaceManyToOne,
		Relation:  &metadata.Relation{Kind: metadata.KindManyToOne, CollectionB: "users"},
	}
	if _, err := env.mutator.AddField(ctx, adminAcct, "articles", def); err != nil {
		t.Fatalf("add author_id: %v", err)
	}
	first := relationshipRows(t, env)

	// Resubmitting the same definition updates the row in place.
	if _, err := env.mutator.ChangeField(ctx, adminAcct, "articles", "author_id", def); err != nil {
		t.Fatalf("resubmit author_id: %v", err)
	}
	second := relationshipRows(t, env)
	if len(second) != 1 {
		t.Fatalf("expected the relationship row to be upserted, got %d rows", len(second))
	}
	if first[0]["id"] != second[0]["id"] {
		t.Fatalf("expected the row identity to survive, got %v then %v", first[0]["id"], second[0]["id"])
	}
}

func TestOneToManyAlias(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	mustCreate(t, env, usersDefinition())
	mustCreate(t, env, articlesDefinition())
	if _, err := env.mutator.AddField(ctx, adminAcct, "articles", metadata.Field{
		Name:      "author_id",
		Type:      "uuid",
		Interface: metadata.IfaceManyToOne,
		Relation:  &metadata.Relation{Kind: metadata.KindManyToOne, CollectionB: "users"},
	}); err != nil {
		t.Fatalf("add author_id: %v", err)
	}

	f, err := env.mutator.AddField(ctx, adminAcct, "users", metadata.Field{
		Name:      "articles",
		Interface: metadata.IfaceOneToMany,
		Relation:  &metadata.Relation{Kind: metadata.KindOneToMany, CollectionB: "articles", StoreKeyB: "author_id"},
	})
	if err != nil {
		t.Fatalf("add alias: %v", err)
	}
	if !f.Alias || f.Type != metadata.TypeAlias {
		t.Fatalf("expected an alias field, got %+v", f)
	}
	rel := f.Relation
	if rel == nil || rel.Kind != metadata.KindOneToMany {
		t.Fatalf("expected a one_to_many relation, got %+v", rel)
	}
	if rel.CollectionA != "users" || rel.StoreKeyA != "id" || rel.CollectionB != "articles" || rel.StoreKeyB != "author_id" {
		t.Fatalf("unexpected relation %+v", rel)
	}
	if hint, _ := f.Options["related_collection"].(string); hint != "articles" {
		t.Fatalf("expected the related_collection hint, got %+v", f.Options)
	}

	// No physical column exists for the alias.
	raw, err := NewIntrospector(env.store).Describe(ctx, "users")
	if err != nil {
		t.Fatalf("introspect: %v", err)
	}
	if raw.Field("articles") != nil {
		t.Fatalf("expected no physical column for the alias")
	}

	// The explicit many_to_one row wins on the foreign-key column.
	art, err := env.service.Collection(ctx, adminAcct, "articles")
	if err != nil {
		t.Fatalf("read articles: %v", err)
	}
	author := art.Field("author_id")
	if author == nil || author.Relation == nil || author.Relation.Kind != metadata.KindManyToOne {
		t.Fatalf("expected author_id to keep its many_to_one relation, got %+v", author)
	}
}

func TestOneToManyMarksForeignKey(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	mustCreate(t, env, CollectionDefinition{Collection: "teams", Fields: []metadata.Field{
		{Name: "id", Type: "uuid", Interface: metadata.IfacePrimaryKey},
		{Name: "name", Type: "text", Required: true},
	}})
	mustCreate(t, env, CollectionDefinition{Collection: "players", Fields: []metadata.Field{
		{Name: "id", Type: "uuid", Interface: metadata.IfacePrimaryKey},
		{Name: "team_id", Type: "uuid"},
	}})

	if _, err := env.mutator.AddField(ctx, adminAcct, "teams", metadata.Field{
		Name:      "players",
		Interface: metadata.IfaceOneToMany,
		Relation:  &metadata.Relation{Kind: metadata.KindOneToMany, CollectionB: "players", StoreKeyB: "team_id"},
	}); err != nil {
		t.Fatalf("add alias: %v", err)
	}

	// Without an explicit many_to_one, the foreign key surfaces the
	// one_to_many row.
	col, err := env.service.Collection(ctx, adminAcct, "players")
	if err != nil {
		t.Fatalf("read players: %v", err)
	}
	fk := col.Field("team_id")
	if fk == nil || fk.Relation == nil || fk.Relation.Kind != metadata.KindOneToMany {
		t.Fatalf("expected team_id to carry the one_to_many relation, got %+v", fk)
	}

	// Dropping the foreign key orphans the alias; reads then drop it.
	if err := env.mutator.DropField(ctx, adminAcct, "players", "team_id"); err != nil {
		t.Fatalf("drop team_id: %v", err)
	}
	teams, err := env.service.Collection(ctx, adminAcct, "teams")
	if err != nil {
		t.Fatalf("read teams: %v", err)
	}
	if teams.Field("players") != nil {
		t.Fatalf("expected the orphaned alias to disappear from the descriptor")
	}
	if rows := relationshipRows(t, env); len(rows) != 0 {
		t.Fatalf("expected the relationship row to go with the column, got %d rows", len(rows))
	}
}

func TestManyToManyAlias(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	mustCreate(t, env, CollectionDefinition{Collection: "posts", Fields: []metadata.Field{
		{Name: "id", Type: "uuid", Interface: metadata.IfacePrimaryKey},
		{Name: "title", Type: "text", Required: true},
	}})
	mustCreate(t, env, CollectionDefinition{Collection: "tags", Fields: []metadata.Field{
		{Name: "id", Type: "uuid", Interface: metadata.IfacePrimaryKey},
		{Name: "name", Type: "text", Required: true},
	}})
	mustCreate(t, env, CollectionDefinition{Collection: "post_tags", Fields: []metadata.Field{
		{Name: "post_id", Type: "uuid", Required: true},
		{Name: "tag_id", Type: "uuid", Required: true},
	}})

	f, err := env.mutator.AddField(ctx, adminAcct, "posts", metadata.Field{
		Name:      "tags",
		Interface: metadata.IfaceManyToMany,
		Relation: &metadata.Relation{
			Kind:            metadata.KindManyToMany,
			CollectionB:     "tags",
			StoreCollection: "post_tags",
			StoreKeyA:       "post_id",
			StoreKeyB:       "tag_id",
		},
	})
	if err != nil {
		t.Fatalf("add tags alias: %v", err)
	}
	rel := f.Relation
	if rel == nil || rel.Kind != metadata.KindManyToMany || rel.StoreCollection != "post_tags" {
		t.Fatalf("expected a junction relation, got %+v", rel)
	}
	if rel.StoreKeyA != "post_id" || rel.StoreKeyB != "tag_id" {
		t.Fatalf("unexpected junction keys %+v", rel)
	}

	// Both junction key columns surface the relation.
	junction, err := env.service.Collection(ctx, adminAcct, "post_tags")
	if err != nil {
		t.Fatalf("read junction: %v", err)
	}
	for _, name := range []string{"post_id", "tag_id"} {
		jf := junction.Field(name)
		if jf == nil || jf.Relation == nil || jf.Relation.Kind != metadata.KindManyToMany {
			t.Fatalf("expected %s to carry the junction relation", name)
		}
	}

	// The junction is never inferred.
	_, err = env.mutator.AddField(ctx, adminAcct, "tags", metadata.Field{
		Name:      "posts",
		Interface: metadata.IfaceManyToMany,
		Relation:  &metadata.Relation{Kind: metadata.KindManyToMany, CollectionB: "posts"},
	})
	if !errors.Is(err, ErrInvalidDefinition) {
		t.Fatalf("expected ErrInvalidDefinition without a junction, got %v", err)
	}

	_, err = env.mutator.AddField(ctx, adminAcct, "tags", metadata.Field{
		Name:      "posts",
		Interface: metadata.IfaceManyToMany,
		Relation: &metadata.Relation{
			Kind:            metadata.KindManyToMany,
			CollectionB:     "posts",
			StoreCollection: "missing_junction",
			StoreKeyA:       "tag_id",
			StoreKeyB:       "post_id",
		},
	})
	if !errors.Is(err, ErrInvalidDefinition) {
		t.Fatalf("expected ErrInvalidDefinition for a missing junction, got %v", err)
	}
}

func TestFileInterfaceResolvesCompatTarget(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	mustCreate(t, env, articlesDefinition())

	f, err := env.mutator.AddField(ctx, adminAcct, "articles", metadata.Field{
		Name: "hero_image", Type: "uuid", Interface: metadata.IfaceFile,
	})
	if err != nil {
		t.Fatalf("add file field: %v", err)
	}
	rel := f.Relation
	if rel == nil || rel.Kind != metadata.KindManyToOne || rel.CollectionB != "_files" || rel.StoreKeyB != "id" {
		t.Fatalf("expected a many_to_one against _files, got %+v", rel)
	}
}

func TestAddFieldRejectsSecondReservedRole(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	mustCreate(t, env, articlesDefinition())

	_, err := env.mutator.AddField(ctx, adminAcct, "articles", metadata.Field{
		Name: "alt_id", Type: "uuid", Interface: metadata.IfacePrimaryKey,
	})
	if !errors.Is(err, ErrInvalidDefinition) {
		t.Fatalf("expected ErrInvalidDefinition, got %v", err)
	}
}

func TestChangeFieldTypeUnsupportedOnSQLite(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	mustCreate(t, env, articlesDefinition())

	_, err := env.mutator.ChangeField(ctx, adminAcct, "articles", "views", metadata.Field{Name: "views", Type: "text"})
	if !errors.Is(err, ErrMutationFailed) {
		t.Fatalf("expected ErrMutationFailed, got %v", err)
	}
	if !errors.Is(err, store.ErrAlterUnsupported) {
		t.Fatalf("expected ErrAlterUnsupported underneath, got %v", err)
	}
	var mErr *MutationError
	if !errors.As(err, &mErr) {
		t.Fatalf("expected a MutationError, got %T", err)
	}
	if mErr.Stage != "ddl" || mErr.Diverged {
		t.Fatalf("expected a non-diverged ddl failure, got %+v", mErr)
	}

	// Nothing changed.
	col, err := env.service.Collection(ctx, adminAcct, "articles")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := col.Field("views").Type; got != "integer" {
		t.Fatalf("expected views to stay integer, got %s", got)
	}
}

func TestChangeFieldMetadataOnly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	mustCreate(t, env, articlesDefinition())

	f, err := env.mutator.ChangeField(ctx, adminAcct, "articles", "views", metadata.Field{
		Name:       "views",
		Type:       "integer",
		Note:       "Render as a gauge",
		HiddenList: true,
		Options:    map[string]any{"min": float64(0)},
	})
	if err != nil {
		t.Fatalf("change views: %v", err)
	}
	if f.Note != "Render as a gauge" || !f.HiddenList {
		t.Fatalf("expected note and hidden_list to persist, got %+v", f)
	}
	if got, ok := f.Options["min"].(float64); !ok || got != 0 {
		t.Fatalf("expected options to round-trip, got %+v", f.Options)
	}
}

func TestChangeFieldRejectsRenameAndAliasFlip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	mustCreate(t, env, articlesDefinition())

	_, err := env.mutator.ChangeField(ctx, adminAcct, "articles", "title", metadata.Field{Name: "headline", Type: "text"})
	if !errors.Is(err, ErrInvalidDefinition) {
		t.Fatalf("expected the rename to be rejected, got %v", err)
	}

	_, err = env.mutator.ChangeField(ctx, adminAcct, "articles", "title", metadata.Field{
		Name:      "title",
		Interface: metadata.IfaceOneToMany,
		Relation:  &metadata.Relation{Kind: metadata.KindOneToMany, CollectionB: "articles", StoreKeyB: "id"},
	})
	if !errors.Is(err, ErrInvalidDefinition) {
		t.Fatalf("expected the alias flip to be rejected, got %v", err)
	}
}

func TestDropFieldGuards(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	mustCreate(t, env, CollectionDefinition{Collection: "singleton", Fields: []metadata.Field{
		{Name: "id", Type: "uuid", Interface: metadata.IfacePrimaryKey},
	}})

	if err := env.mutator.DropField(ctx, adminAcct, "singleton", "id"); !errors.Is(err, ErrInvalidDefinition) {
		t.Fatalf("expected the last field to be protected, got %v", err)
	}
	if err := env.mutator.DropField(ctx, adminAcct, "singleton", "missing"); !errors.Is(err, ErrFieldNotFound) {
		t.Fatalf("expected ErrFieldNotFound, got %v", err)
	}

	// One physical column plus an alias: the column stays protected.
	mustCreate(t, env, CollectionDefinition{Collection: "children", Fields: []metadata.Field{
		{Name: "id", Type: "uuid", Interface: metadata.IfacePrimaryKey},
		{Name: "parent_id", Type: "uuid"},
	}})
	if _, err := env.mutator.AddField(ctx, adminAcct, "singleton", metadata.Field{
		Name:      "children",
		Interface: metadata.IfaceOneToMany,
		Relation:  &metadata.Relation{Kind: metadata.KindOneToMany, CollectionB: "children", StoreKeyB: "parent_id"},
	}); err != nil {
		t.Fatalf("add alias: %v", err)
	}
	if err := env.mutator.DropField(ctx, adminAcct, "singleton", "id"); !errors.Is(err, ErrInvalidDefinition) {
		t.Fatalf("expected the last physical column to be protected, got %v", err)
	}

	// The alias itself can go, along with its relationship row.
	if err := env.mutator.DropField(ctx, adminAcct, "singleton", "children"); err != nil {
		t.Fatalf("drop alias: %v", err)
	}
	if rows := relationshipRows(t, env); len(rows) != 0 {
		t.Fatalf("expected the alias relation to be removed, got %d rows", len(rows))
	}
}

func TestDropCollectionRemovesMetadata(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	mustCreate(t, env, usersDefinition())
	mustCreate(t, env, articlesDefinition())
	if _, err := env.mutator.AddField(ctx, adminAcct, "articles", metadata.Field{
		Name:      "author_id",
		Type:      "uuid",
		Interface: metadata.IfaceManyToOne,
		Relation:  &metadata.Relation{Kind: metadata.KindManyToOne, CollectionB: "users"},
	}); err != nil {
		t.Fatalf("add author_id: %v", err)
	}
	perm := &metadata.Permission{
		GroupID:    metadata.PublicGroupID,
		Collection: "articles",
		Operation:  metadata.OpRead,
		Scope:      metadata.ScopeAll,
	}
	if err := env.acl.UpsertPermission(ctx, perm); err != nil {
		t.Fatalf("seed permission: %v", err)
	}

	if err := env.mutator.DropCollection(ctx, adminAcct, "articles"); err != nil {
		t.Fatalf("drop: %v", err)
	}

	if _, err := env.service.Collection(ctx, adminAcct, "articles"); !errors.Is(err, ErrCollectionNotFound) {
		t.Fatalf("expected ErrCollectionNotFound after the drop, got %v", err)
	}
	for _, q := range []string{
		"SELECT COUNT(*) FROM _fields WHERE collection = 'articles'",
		"SELECT COUNT(*) FROM _collections WHERE collection = 'articles'",
		"SELECT COUNT(*) FROM _permissions WHERE collection = 'articles'",
		"SELECT COUNT(*) FROM _relationships",
	} {
		var n int
		if err := env.store.DB.QueryRowContext(ctx, q).Scan(&n); err != nil {
			t.Fatalf("%s: %v", q, err)
		}
		if n != 0 {
			t.Fatalf("expected no rows from %q, got %d", q, n)
		}
	}
}

func TestUpdateCollectionAddsAndEdits(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	mustCreate(t, env, articlesDefinition())

	col, err := env.mutator.UpdateCollection(ctx, adminAcct, "articles", CollectionDefinition{
		Collection: "articles",
		Note:       "Long-form writing",
		Hidden:     true,
		Fields: []metadata.Field{
			{Name: "title", Type: "text", Required: true, Note: "Shown in every list"},
			{Name: "summary", Type: "text"},
		},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if col.Note != "Long-form writing" || !col.Hidden {
		t.Fatalf("expected note and hidden to change, got %+v", col)
	}
	title := col.Field("title")
	if title == nil || title.Note != "Shown in every list" || !title.Required {
		t.Fatalf("unexpected title %+v", title)
	}
	summary := col.Field("summary")
	if summary == nil || summary.Alias {
		t.Fatalf("expected a physical summary column, got %+v", summary)
	}
	if col.Field("views") == nil || col.Field("published") == nil {
		t.Fatalf("expected unsubmitted fields to survive")
	}

	raw, err := NewIntrospector(env.store).Describe(ctx, "articles")
	if err != nil {
		t.Fatalf("introspect: %v", err)
	}
	if raw.Field("summary") == nil {
		t.Fatalf("expected summary to exist in the catalog")
	}

	_, err = env.mutator.UpdateCollection(ctx, adminAcct, "missing", CollectionDefinition{})
	if !errors.Is(err, ErrCollectionNotFound) {
		t.Fatalf("expected ErrCollectionNotFound, got %v", err)
	}
}

func TestMutationsRequireTrustAndProtectSystemTables(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	mustCreate(t, env, articlesDefinition())

	if _, err := env.mutator.CreateCollection(ctx, publicAcct, usersDefinition()); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for a non-admin, got %v", err)
	}
	if _, err := env.mutator.AddField(ctx, publicAcct, "articles", metadata.Field{Name: "x", Type: "text"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for a non-admin, got %v", err)
	}

	if _, err := env.mutator.AddField(ctx, adminAcct, "_users", metadata.Field{Name: "notes", Type: "text"}); !errors.Is(err, ErrInvalidDefinition) {
		t.Fatalf("expected system collections to be protected, got %v", err)
	}
	if err := env.mutator.DropCollection(ctx, adminAcct, "_groups"); !errors.Is(err, ErrInvalidDefinition) {
		t.Fatalf("expected system collections to be protected, got %v", err)
	}
}

type captureRecorder struct {
	events []audit.Event
}

func (c *captureRecorder) Record(ev audit.Event) { c.events = append(c.events, ev) }

func TestMutationsEmitAuditEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	rec := &captureRecorder{}
	mut := NewMutator(env.store, env.service, env.resolver, rec)

	if _, err := mut.CreateCollection(ctx, adminAcct, articlesDefinition()); err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(rec.events) != 1 {
		t.Fatalf("expected one event, got %d", len(rec.events))
	}
	ev := rec.events[0]
	if ev.Type != "collection.create" || ev.Collection != "articles" || ev.Status != "ok" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.Actor != adminAcct.UserID || ev.GroupID != metadata.AdminGroupID {
		t.Fatalf("expected the actor on the event, got %+v", ev)
	}
	if ev.Detail["fields"] != 4 {
		t.Fatalf("expected a field count of 4, got %v", ev.Detail["fields"])
	}

	// A DDL failure is recorded with its error.
	if _, err := mut.ChangeField(ctx, adminAcct, "articles", "views", metadata.Field{Name: "views", Type: "text"}); err == nil {
		t.Fatalf("expected the type change to fail on sqlite")
	}
	last := rec.events[len(rec.events)-1]
	if last.Type != "field.update" || last.Status != "failed" {
		t.Fatalf("expected a failed field.update event, got %+v", last)
	}
	if msg, _ := last.Detail["error"].(string); msg == "" {
		t.Fatalf("expected the error detail to be set, got %+v", last.Detail)
	}
}
