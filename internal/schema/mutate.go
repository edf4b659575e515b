package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"prism-backend/internal/audit"
	"prism-backend/internal/metadata"
	"prism-backend/internal/store"
)

// Mutator executes schema mutations. Every operation runs the same
// pipeline: preconditions against the merged descriptor, physical DDL,
// metadata write-back plus version bump in one transaction, then a
// fire-and-forget audit event. There is no cross-store rollback; when the
// metadata step fails after DDL was applied, the error is marked diverged
// and carries what an operator needs to reconcile by hand.
type Mutator struct {
	store    *store.Store
	service  *Service
	migrator *store.Migrator
	resolver *Resolver
	recorder audit.Recorder
}

// NewMutator wires the mutation pipeline. A nil recorder disables
// auditing.
func NewMutator(s *store.Store, svc *Service, resolver *Resolver, recorder audit.Recorder) *Mutator {
	if recorder == nil {
		recorder = audit.Noop{}
	}
	return &Mutator{
		store:    s,
		service:  svc,
		migrator: store.NewMigrator(s),
		resolver: resolver,
		recorder: recorder,
	}
}

// CollectionDefinition is the submitted shape for creating or updating a
// collection.
type CollectionDefinition struct {
	Collection string           `json:"collection"`
	Note       string           `json:"note,omitempty"`
	Hidden     bool             `json:"hidden,omitempty"`
	Fields     []metadata.Field `json:"fields"`
}

// CreateCollection creates the physical table, writes the metadata rows
// and relationship rows, and bumps the schema version.
func (m *Mutator) CreateCollection(ctx context.Context, acct metadata.Account, def CollectionDefinition) (*metadata.Collection, error) {
	if err := m.authorize(acct); err != nil {
		return nil, err
	}
	if err := metadata.ValidCollectionName(def.Collection); err != nil {
		return nil, invalidDefinition("%v", err)
	}
	exists, err := m.service.intro.HasTable(ctx, def.Collection)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrCollectionExists, def.Collection)
	}

	fields := make([]metadata.Field, len(def.Fields))
	for i := range def.Fields {
		fields[i] = def.Fields[i].Clone()
		if err := normalizeField(&fields[i]); err != nil {
			return nil, err
		}
		if fields[i].Sort == 0 {
			fields[i].Sort = i + 1
		}
	}
	if err := validateFieldSet(fields); err != nil {
		return nil, err
	}

	pending := &metadata.Collection{Name: def.Collection, Fields: fields}
	relations, err := m.resolveAll(ctx, def.Collection, fields, pending)
	if err != nil {
		return nil, err
	}

	if err := m.migrator.CreateTable(ctx, def.Collection, physicalOnly(fields)); err != nil {
		return nil, m.fail(acct, "collection.create", def.Collection, "", ddlError(def.Collection, err))
	}

	err = m.metadataTx(ctx, func(tx store.Querier) error {
		d := m.store.Dialect
		if err := upsertCollectionRow(ctx, tx, d, def.Collection, def.Note, def.Hidden); err != nil {
			return err
		}
		for i := range fields {
			if err := upsertFieldRow(ctx, tx, d, def.Collection, &fields[i]); err != nil {
				return err
			}
		}
		for _, rr := range relations {
			if err := upsertRelation(ctx, tx, d, rr); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, m.fail(acct, "collection.create", def.Collection, "", metadataError(def.Collection, true, err))
	}

	m.record(acct, "collection.create", def.Collection, "", map[string]any{"fields": len(fields)})
	return m.service.describeOne(ctx, def.Collection)
}

// UpdateCollection updates note and hidden and upserts the submitted
// fields: new physical fields become columns, existing ones may change
// type or nullability, metadata-only attributes are rewritten. Fields not
// submitted are left untouched.
func (m *Mutator) UpdateCollection(ctx context.Context, acct metadata.Account, name string, def CollectionDefinition) (*metadata.Collection, error) {
	if err := m.authorize(acct); err != nil {
		return nil, err
	}
	current, err := m.guardMutable(ctx, name)
	if err != nil {
		return nil, err
	}

	fields := make([]metadata.Field, len(def.Fields))
	for i := range def.Fields {
		fields[i] = def.Fields[i].Clone()
		if err := normalizeField(&fields[i]); err != nil {
			return nil, err
		}
	}

	// Reserved roles are checked over the merged set: what the collection
	// will look like after the update.
	merged := mergeFieldSets(current.Fields, fields)
	if err := validateFieldSet(merged); err != nil {
		return nil, err
	}
	for i := range fields {
		existing := current.Field(fields[i].Name)
		if existing != nil && existing.Alias != fields[i].Alias {
			return nil, invalidDefinition("field %q: cannot change between alias and physical; drop and re-add it", fields[i].Name)
		}
		if fields[i].Sort == 0 {
			if existing != nil {
				fields[i].Sort = existing.Sort
			} else {
				fields[i].Sort = len(current.Fields) + i + 1
			}
		}
	}

	relations, err := m.resolveAll(ctx, name, fields, nil)
	if err != nil {
		return nil, err
	}

	applied := false
	for i := range fields {
		f := &fields[i]
		if f.Alias {
			continue
		}
		existing := current.Field(f.Name)
		if existing == nil {
			if err := m.migrator.AddColumn(ctx, name, f); err != nil {
				return nil, m.fail(acct, "collection.update", name, f.Name,
					&MutationError{Stage: "ddl", Collection: name, Diverged: applied, Err: err})
			}
			applied = true
			continue
		}
		if existing.Type != f.Type {
			if err := m.migrator.AlterColumnType(ctx, name, f); err != nil {
				return nil, m.fail(acct, "collection.update", name, f.Name,
					&MutationError{Stage: "ddl", Collection: name, Diverged: applied, Err: err})
			}
			applied = true
		}
		if existing.Required != f.Required {
			if err := m.migrator.AlterColumnNull(ctx, name, f.Name, !f.Required); err != nil {
				return nil, m.fail(acct, "collection.update", name, f.Name,
					&MutationError{Stage: "ddl", Collection: name, Diverged: applied, Err: err})
			}
			applied = true
		}
	}

	err = m.metadataTx(ctx, func(tx store.Querier) error {
		d := m.store.Dialect
		if err := upsertCollectionRow(ctx, tx, d, name, def.Note, def.Hidden); err != nil {
			return err
		}
		for i := range fields {
			if err := upsertFieldRow(ctx, tx, d, name, &fields[i]); err != nil {
				return err
			}
		}
		for _, rr := range relations {
			if err := upsertRelation(ctx, tx, d, rr); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, m.fail(acct, "collection.update", name, "", metadataError(name, true, err))
	}

	m.record(acct, "collection.update", name, "", map[string]any{"fields": len(fields)})
	return m.service.describeOne(ctx, name)
}

// DropCollection drops the table and removes every metadata, relationship
// and permission row referring to it.
func (m *Mutator) DropCollection(ctx context.Context, acct metadata.Account, name string) error {
	if err := m.authorize(acct); err != nil {
		return err
	}
	if _, err := m.guardMutable(ctx, name); err != nil {
		return err
	}

	if err := m.migrator.DropTable(ctx, name); err != nil {
		return m.fail(acct, "collection.drop", name, "", ddlError(name, err))
	}

	err := m.metadataTx(ctx, func(tx store.Querier) error {
		d := m.store.Dialect
		for _, query := range []string{
			"DELETE FROM _fields WHERE collection = ",
			"DELETE FROM _permissions WHERE collection = ",
			"DELETE FROM _collections WHERE collection = ",
		} {
			pb := d.NewParamBuilder()
			if _, err := tx.ExecContext(ctx, query+pb.Add(name), pb.Params()...); err != nil {
				return fmt.Errorf("%s%s: %w", query, name, err)
			}
		}
		return deleteRelationsFor(ctx, tx, d, name)
	})
	if err != nil {
		return m.fail(acct, "collection.drop", name, "", metadataError(name, true, err))
	}

	m.record(acct, "collection.drop", name, "", nil)
	return nil
}

// AddField adds one field to an existing collection: a column plus
// metadata for physical fields, metadata and a relationship row for alias
// fields.
func (m *Mutator) AddField(ctx context.Context, acct metadata.Account, collection string, def metadata.Field) (*metadata.Field, error) {
	if err := m.authorize(acct); err != nil {
		return nil, err
	}
	current, err := m.guardMutable(ctx, collection)
	if err != nil {
		return nil, err
	}

	f := def.Clone()
	if err := normalizeField(&f); err != nil {
		return nil, err
	}
	if current.HasField(f.Name) {
		return nil, fmt.Errorf("%w: %s.%s", ErrFieldExists, collection, f.Name)
	}
	if metadata.ReservedRole(f.Interface) {
		if prev := fieldWithInterface(current, f.Interface); prev != nil {
			return nil, invalidDefinition("collection %q already has a %s field (%q)", collection, f.Interface, prev.Name)
		}
	}
	if f.Sort == 0 {
		f.Sort = len(current.Fields) + 1
	}

	var rel *metadata.Relation
	if metadata.RelationalInterface(f.Interface) {
		rel, err = m.resolver.Resolve(ctx, collection, &f, nil)
		if err != nil {
			return nil, err
		}
		stampAliasHints(&f, rel)
	}

	if !f.Alias {
		if err := m.migrator.AddColumn(ctx, collection, &f); err != nil {
			return nil, m.fail(acct, "field.create", collection, f.Name, ddlError(collection, err))
		}
	}

	err = m.metadataTx(ctx, func(tx store.Querier) error {
		d := m.store.Dialect
		if err := upsertFieldRow(ctx, tx, d, collection, &f); err != nil {
			return err
		}
		if rel != nil {
			return upsertRelation(ctx, tx, d, rel)
		}
		return nil
	})
	if err != nil {
		return nil, m.fail(acct, "field.create", collection, f.Name, metadataError(collection, !f.Alias, err))
	}

	m.record(acct, "field.create", collection, f.Name, map[string]any{"type": f.Type, "interface": f.Interface})
	return m.mergedField(ctx, collection, f.Name)
}

// ChangeField updates one field's definition. Type and nullability changes
// alter the column in place where the backend supports it; relational
// definitions are re-resolved and their relationship row updated.
func (m *Mutator) ChangeField(ctx context.Context, acct metadata.Account, collection, fieldName string, def metadata.Field) (*metadata.Field, error) {
	if err := m.authorize(acct); err != nil {
		return nil, err
	}
	current, err := m.guardMutable(ctx, collection)
	if err != nil {
		return nil, err
	}
	existing := current.Field(fieldName)
	if existing == nil {
		return nil, fmt.Errorf("%w: %s.%s", ErrFieldNotFound, collection, fieldName)
	}

	f := def.Clone()
	if f.Name == "" {
		f.Name = fieldName
	}
	if f.Name != fieldName {
		return nil, invalidDefinition("field %q: renaming is not supported; drop and re-add it", fieldName)
	}
	if err := normalizeField(&f); err != nil {
		return nil, err
	}
	if existing.Alias != f.Alias {
		return nil, invalidDefinition("field %q: cannot change between alias and physical; drop and re-add it", fieldName)
	}
	if metadata.ReservedRole(f.Interface) && f.Interface != existing.Interface {
		if prev := fieldWithInterface(current, f.Interface); prev != nil {
			return nil, invalidDefinition("collection %q already has a %s field (%q)", collection, f.Interface, prev.Name)
		}
	}
	if f.Sort == 0 {
		f.Sort = existing.Sort
	}

	var rel *metadata.Relation
	if metadata.RelationalInterface(f.Interface) {
		rel, err = m.resolver.Resolve(ctx, collection, &f, nil)
		if err != nil {
			return nil, err
		}
		stampAliasHints(&f, rel)
	}

	applied := false
	if !f.Alias {
		if existing.Type != f.Type {
			if err := m.migrator.AlterColumnType(ctx, collection, &f); err != nil {
				return nil, m.fail(acct, "field.update", collection, fieldName, ddlError(collection, err))
			}
			applied = true
		}
		if existing.Required != f.Required {
			if err := m.migrator.AlterColumnNull(ctx, collection, fieldName, !f.Required); err != nil {
				return nil, m.fail(acct, "field.update", collection, fieldName,
					&MutationError{Stage: "ddl", Collection: collection, Diverged: applied, Err: err})
			}
			applied = true
		}
	}

	err = m.metadataTx(ctx, func(tx store.Querier) error {
		d := m.store.Dialect
		if err := upsertFieldRow(ctx, tx, d, collection, &f); err != nil {
			return err
		}
		if rel != nil {
			if err := upsertRelation(ctx, tx, d, rel); err != nil {
				return err
			}
			// A matching old row was updated in place by the upsert. A
			// non-matching one belongs to the field's previous shape and
			// would linger as an orphan.
			if existing.Relation != nil && !existing.Relation.Matches(rel) {
				return deleteRelationByID(ctx, tx, d, existing.Relation.ID)
			}
			return nil
		}
		// The field stopped being relational; its old row is obsolete.
		if existing.Relation != nil {
			return deleteRelationByID(ctx, tx, d, existing.Relation.ID)
		}
		return nil
	})
	if err != nil {
		return nil, m.fail(acct, "field.update", collection, fieldName, metadataError(collection, applied, err))
	}

	m.record(acct, "field.update", collection, fieldName, map[string]any{"type": f.Type, "interface": f.Interface})
	return m.mergedField(ctx, collection, fieldName)
}

// DropField removes one field. Physical fields lose their column; alias
// fields only lose metadata. The last remaining field cannot be dropped.
func (m *Mutator) DropField(ctx context.Context, acct metadata.Account, collection, fieldName string) error {
	if err := m.authorize(acct); err != nil {
		return err
	}
	current, err := m.guardMutable(ctx, collection)
	if err != nil {
		return err
	}
	f := current.Field(fieldName)
	if f == nil {
		return fmt.Errorf("%w: %s.%s", ErrFieldNotFound, collection, fieldName)
	}
	if len(current.Fields) <= 1 {
		return invalidDefinition("cannot drop the last field of %q; drop the collection instead", collection)
	}
	if !f.Alias && len(current.PhysicalFields()) <= 1 {
		return invalidDefinition("cannot drop the last physical column of %q", collection)
	}

	if !f.Alias {
		if err := m.migrator.DropColumn(ctx, collection, fieldName); err != nil {
			return m.fail(acct, "field.drop", collection, fieldName, ddlError(collection, err))
		}
	}

	err = m.metadataTx(ctx, func(tx store.Querier) error {
		d := m.store.Dialect
		pb := d.NewParamBuilder()
		query := fmt.Sprintf("DELETE FROM _fields WHERE collection = %s AND field = %s",
			pb.Add(collection), pb.Add(fieldName))
		if _, err := tx.ExecContext(ctx, query, pb.Params()...); err != nil {
			return fmt.Errorf("delete field row %s.%s: %w", collection, fieldName, err)
		}
		if f.Relation != nil {
			if err := deleteRelationByID(ctx, tx, d, f.Relation.ID); err != nil {
				return err
			}
		}
		if !f.Alias {
			return deleteRelationsForField(ctx, tx, d, collection, fieldName)
		}
		return nil
	})
	if err != nil {
		return m.fail(acct, "field.drop", collection, fieldName, metadataError(collection, !f.Alias, err))
	}

	m.record(acct, "field.drop", collection, fieldName, nil)
	return nil
}

// --- pipeline helpers ---

func (m *Mutator) authorize(acct metadata.Account) error {
	if !acct.Trusted() {
		return fmt.Errorf("%w: schema mutations require an administrator", ErrForbidden)
	}
	return nil
}

// guardMutable loads the merged descriptor and rejects mutations against
// system collections.
func (m *Mutator) guardMutable(ctx context.Context, name string) (*metadata.Collection, error) {
	col, err := m.service.describeOne(ctx, name)
	if err != nil {
		return nil, err
	}
	if col.System {
		return nil, invalidDefinition("system collection %q cannot be modified", name)
	}
	return col, nil
}

// metadataTx runs fn inside a transaction and bumps the schema version
// before committing.
func (m *Mutator) metadataTx(ctx context.Context, fn func(tx store.Querier) error) error {
	tx, err := m.store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin metadata tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if _, err := BumpVersion(ctx, tx, m.store.Dialect); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Mutator) resolveAll(ctx context.Context, collection string, fields []metadata.Field, pending *metadata.Collection) ([]*metadata.Relation, error) {
	var out []*metadata.Relation
	for i := range fields {
		if !metadata.RelationalInterface(fields[i].Interface) {
			continue
		}
		rel, err := m.resolver.Resolve(ctx, collection, &fields[i], pending)
		if err != nil {
			return nil, err
		}
		stampAliasHints(&fields[i], rel)
		out = append(out, rel)
	}
	return out, nil
}

func (m *Mutator) mergedField(ctx context.Context, collection, field string) (*metadata.Field, error) {
	col, err := m.service.describeOne(ctx, collection)
	if err != nil {
		return nil, err
	}
	if f := col.Field(field); f != nil {
		fc := f.Clone()
		return &fc, nil
	}
	return nil, fmt.Errorf("%w: %s.%s", ErrFieldNotFound, collection, field)
}

func (m *Mutator) record(acct metadata.Account, eventType, collection, field string, detail map[string]any) {
	m.recorder.Record(audit.Event{
		Type:       eventType,
		Collection: collection,
		Field:      field,
		Actor:      acct.UserID,
		GroupID:    acct.GroupID,
		Status:     "ok",
		Detail:     detail,
	})
}

func (m *Mutator) fail(acct metadata.Account, eventType, collection, field string, err error) error {
	m.recorder.Record(audit.Event{
		Type:       eventType,
		Collection: collection,
		Field:      field,
		Actor:      acct.UserID,
		GroupID:    acct.GroupID,
		Status:     "failed",
		Detail:     map[string]any{"error": err.Error()},
	})
	return err
}

// --- definition helpers ---

var typeSynonyms = map[string]string{
	"int":      "integer",
	"string":   "text",
	"varchar":  "text",
	"bool":     "boolean",
	"datetime": "timestamp",
	"numeric":  "decimal",
	"double":   "float",
}

// normalizeField canonicalizes a submitted definition in place: trimmed
// lowercased type, alias flag derived from the interface, defaulted
// interface for plain columns.
func normalizeField(f *metadata.Field) error {
	f.Name = strings.TrimSpace(f.Name)
	if err := metadata.ValidFieldName(f.Name); err != nil {
		return invalidDefinition("%v", err)
	}

	f.Type = strings.ToLower(strings.TrimSpace(f.Type))
	if syn, ok := typeSynonyms[f.Type]; ok {
		f.Type = syn
	}

	if metadata.AliasInterface(f.Interface) {
		f.Alias = true
		f.Type = metadata.TypeAlias
	} else {
		f.Alias = false
		if f.Type == metadata.TypeAlias {
			return invalidDefinition("field %q: type alias requires a one_to_many or many_to_many interface", f.Name)
		}
		if f.Type == "" {
			f.Type = "text"
		}
	}
	if !metadata.ValidFieldType(f.Type) {
		return invalidDefinition("field %q: unknown type %q", f.Name, f.Type)
	}

	if f.Interface == "" {
		f.Interface = metadata.DefaultInterface(f.Type, false)
	}
	if !metadata.KnownInterface(f.Interface) {
		return invalidDefinition("field %q: unknown interface %q", f.Name, f.Interface)
	}
	if f.Alias && f.Relation == nil {
		return invalidDefinition("field %q: alias fields require a relation payload", f.Name)
	}
	return nil
}

// validateFieldSet checks a complete field set: names unique, at least one
// physical field, each reserved role on at most one field.
func validateFieldSet(fields []metadata.Field) error {
	if len(fields) == 0 {
		return invalidDefinition("collection requires at least one field")
	}
	seen := make(map[string]bool, len(fields))
	roles := make(map[string]string)
	physical := 0
	for i := range fields {
		f := &fields[i]
		if seen[f.Name] {
			return invalidDefinition("duplicate field %q", f.Name)
		}
		seen[f.Name] = true
		if !f.Alias {
			physical++
		}
		if metadata.ReservedRole(f.Interface) {
			if prev, ok := roles[f.Interface]; ok {
				return invalidDefinition("fields %q and %q both declare interface %q; at most one per collection",
					prev, f.Name, f.Interface)
			}
			roles[f.Interface] = f.Name
		}
	}
	if physical == 0 {
		return invalidDefinition("collection requires at least one physical field")
	}
	return nil
}

// mergeFieldSets overlays submitted fields onto the current set by name,
// appending new ones, to validate what the collection will become.
func mergeFieldSets(current, submitted []metadata.Field) []metadata.Field {
	merged := make([]metadata.Field, len(current))
	copy(merged, current)
	index := make(map[string]int, len(merged))
	for i := range merged {
		index[merged[i].Name] = i
	}
	for i := range submitted {
		if at, ok := index[submitted[i].Name]; ok {
			merged[at] = submitted[i]
		} else {
			merged = append(merged, submitted[i])
		}
	}
	return merged
}

func physicalOnly(fields []metadata.Field) []metadata.Field {
	out := make([]metadata.Field, 0, len(fields))
	for i := range fields {
		if !fields[i].Alias {
			out = append(out, fields[i])
		}
	}
	return out
}

func fieldWithInterface(col *metadata.Collection, iface string) *metadata.Field {
	for i := range col.Fields {
		if col.Fields[i].Interface == iface {
			return &col.Fields[i]
		}
	}
	return nil
}

// stampAliasHints records which relationship an alias field belongs to in
// its options, so the overlay can reattach deterministically when several
// aliases of the same kind exist on one collection.
func stampAliasHints(f *metadata.Field, rel *metadata.Relation) {
	if !f.Alias {
		return
	}
	if f.Options == nil {
		f.Options = make(map[string]any)
	}
	f.Options["related_collection"] = rel.CollectionB
	if rel.Kind == metadata.KindManyToMany {
		f.Options["junction"] = rel.StoreCollection
	}
}

// upsertCollectionRow writes the _collections row for a user collection.
func upsertCollectionRow(ctx context.Context, q store.Querier, d store.Dialect, name, note string, hidden bool) error {
	pb := d.NewParamBuilder()
	query := fmt.Sprintf(`INSERT INTO _collections (collection, note, hidden, system)
VALUES (%s, %s, %s, %s)
ON CONFLICT (collection) DO UPDATE SET note = excluded.note, hidden = excluded.hidden, updated_at = %s`,
		pb.Add(name), pb.Add(note), pb.Add(hidden), pb.Add(false), d.NowExpr())
	if _, err := q.ExecContext(ctx, query, pb.Params()...); err != nil {
		return fmt.Errorf("upsert collection row %s: %w", name, err)
	}
	return nil
}

// upsertFieldRow writes one _fields row keyed by (collection, field).
func upsertFieldRow(ctx context.Context, q store.Querier, d store.Dialect, collection string, f *metadata.Field) error {
	options := []byte("{}")
	if f.Options != nil {
		raw, err := json.Marshal(f.Options)
		if err != nil {
			return fmt.Errorf("encode options for %s.%s: %w", collection, f.Name, err)
		}
		options = raw
	}

	pb := d.NewParamBuilder()
	query := fmt.Sprintf(`INSERT INTO _fields (id, collection, field, type, interface, required, sort, note, hidden_input, hidden_list, options)
VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)
ON CONFLICT (collection, field) DO UPDATE SET
  type = excluded.type,
  interface = excluded.interface,
  required = excluded.required,
  sort = excluded.sort,
  note = excluded.note,
  hidden_input = excluded.hidden_input,
  hidden_list = excluded.hidden_list,
  options = excluded.options,
  updated_at = %s`,
		pb.Add(uuid.New().String()), pb.Add(collection), pb.Add(f.Name), pb.Add(f.Type), pb.Add(f.Interface),
		pb.Add(f.Required), pb.Add(f.Sort), pb.Add(f.Note), pb.Add(f.HiddenInput), pb.Add(f.HiddenList),
		pb.Add(string(options)), d.NowExpr())
	if _, err := q.ExecContext(ctx, query, pb.Params()...); err != nil {
		return fmt.Errorf("upsert field row %s.%s: %w", collection, f.Name, err)
	}
	return nil
}
