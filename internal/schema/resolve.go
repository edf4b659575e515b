package schema

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"prism-backend/internal/metadata"
	"prism-backend/internal/store"
)

// Resolver turns a relational field definition into the relationship row it
// implies. Each kind computes its storage keys differently:
//
//	many_to_one: store_key_a is the field itself, store_key_b the primary
//	key of the target. file and owner are many_to_one against the compat
//	collection configured for the interface.
//	one_to_many: store_key_a is the declaring collection's primary key,
//	store_key_b the foreign-key column on collection_b; the field itself is
//	an alias.
//	many_to_many: the junction collection and both its key columns come
//	from the caller, never inferred.
type Resolver struct {
	intro  *Introspector
	compat map[string]string
}

// NewResolver builds a resolver. compat maps the legacy shorthand
// interfaces (file, owner) to their target collections.
func NewResolver(intro *Introspector, compat map[string]string) *Resolver {
	return &Resolver{intro: intro, compat: compat}
}

// Resolve computes the relation row for a field on collection. pending,
// when non-nil, is the submitted descriptor of a collection that has no
// physical table yet; lookups targeting it consult the submitted fields
// instead of the catalog.
func (r *Resolver) Resolve(ctx context.Context, collection string, f *metadata.Field, pending *metadata.Collection) (*metadata.Relation, error) {
	kind, ok := metadata.RelationKindFor(f.Interface)
	if !ok {
		return nil, invalidDefinition("field %q: interface %q is not relational", f.Name, f.Interface)
	}

	switch kind {
	case metadata.KindManyToOne:
		return r.resolveManyToOne(ctx, collection, f, pending)
	case metadata.KindOneToMany:
		return r.resolveOneToMany(ctx, collection, f, pending)
	default:
		return r.resolveManyToMany(ctx, collection, f, pending)
	}
}

func (r *Resolver) resolveManyToOne(ctx context.Context, collection string, f *metadata.Field, pending *metadata.Collection) (*metadata.Relation, error) {
	target := ""
	if f.Relation != nil {
		target = f.Relation.CollectionB
	}
	if metadata.CompatInterface(f.Interface) {
		if mapped := r.compat[f.Interface]; mapped != "" {
			target = mapped
		}
	}
	if target == "" {
		return nil, invalidDefinition("field %q: many_to_one relation requires collection_b", f.Name)
	}

	targetCol, err := r.describe(ctx, target, pending)
	if err != nil {
		return nil, err
	}
	pk := targetCol.PrimaryKey()
	if pk == nil {
		return nil, invalidDefinition("field %q: collection %q has no primary key to reference", f.Name, target)
	}
	rel := metadata.ManyToOne(collection, f.Name, target, pk.Name)
	return &rel, nil
}

func (r *Resolver) resolveOneToMany(ctx context.Context, collection string, f *metadata.Field, pending *metadata.Collection) (*metadata.Relation, error) {
	if f.Relation == nil || f.Relation.CollectionB == "" || f.Relation.StoreKeyB == "" {
		return nil, invalidDefinition("field %q: one_to_many relation requires collection_b and store_key_b", f.Name)
	}

	own, err := r.describe(ctx, collection, pending)
	if err != nil {
		return nil, err
	}
	pk := own.PrimaryKey()
	if pk == nil {
		return nil, invalidDefinition("field %q: collection %q has no primary key", f.Name, collection)
	}

	many, err := r.describe(ctx, f.Relation.CollectionB, pending)
	if err != nil {
		return nil, err
	}
	if many.Field(f.Relation.StoreKeyB) == nil {
		return nil, invalidDefinition("field %q: foreign key %s.%s does not exist",
			f.Name, f.Relation.CollectionB, f.Relation.StoreKeyB)
	}

	rel := metadata.OneToMany(collection, pk.Name, f.Relation.CollectionB, f.Relation.StoreKeyB)
	return &rel, nil
}

func (r *Resolver) resolveManyToMany(ctx context.Context, collection string, f *metadata.Field, pending *metadata.Collection) (*metadata.Relation, error) {
	p := f.Relation
	if p == nil || p.CollectionB == "" || p.StoreCollection == "" || p.StoreKeyA == "" || p.StoreKeyB == "" {
		return nil, invalidDefinition("field %q: many_to_many relation requires collection_b, store_collection and both store keys", f.Name)
	}

	junction, err := r.describe(ctx, p.StoreCollection, pending)
	if err != nil {
		if errors.Is(err, ErrCollectionNotFound) {
			return nil, invalidDefinition("field %q: junction collection %q does not exist", f.Name, p.StoreCollection)
		}
		return nil, err
	}
	for _, key := range []string{p.StoreKeyA, p.StoreKeyB} {
		if junction.Field(key) == nil {
			return nil, invalidDefinition("field %q: junction column %s.%s does not exist", f.Name, p.StoreCollection, key)
		}
	}
	if _, err := r.describe(ctx, p.CollectionB, pending); err != nil {
		if errors.Is(err, ErrCollectionNotFound) {
			return nil, invalidDefinition("field %q: collection %q does not exist", f.Name, p.CollectionB)
		}
		return nil, err
	}

	rel := metadata.ManyToMany(collection, p.CollectionB, p.StoreCollection, p.StoreKeyA, p.StoreKeyB)
	return &rel, nil
}

func (r *Resolver) describe(ctx context.Context, name string, pending *metadata.Collection) (*metadata.Collection, error) {
	if pending != nil && pending.Name == name {
		return pending, nil
	}
	col, err := r.intro.Describe(ctx, name)
	if err != nil {
		if errors.Is(err, ErrCollectionNotFound) {
			return nil, invalidDefinition("related collection %q does not exist", name)
		}
		return nil, err
	}
	return col, nil
}

// upsertRelation writes the relation row, matching existing rows by kind
// and (collection_a, store_key_a), extended with collection_b for
// one_to_many and store_collection for many_to_many so parallel relations
// from the same origin stay distinct. A match updates in place, preserving
// row identity; otherwise a new row is inserted.
func upsertRelation(ctx context.Context, q store.Querier, d store.Dialect, rel *metadata.Relation) error {
	pb := d.NewParamBuilder()
	where := fmt.Sprintf("relationship_type = %s AND collection_a = %s AND store_key_a = %s",
		pb.Add(string(rel.Kind)), pb.Add(rel.CollectionA), pb.Add(rel.StoreKeyA))
	switch rel.Kind {
	case metadata.KindOneToMany:
		where += " AND collection_b = " + pb.Add(rel.CollectionB)
	case metadata.KindManyToMany:
		where += " AND store_collection = " + pb.Add(rel.StoreCollection)
	}

	var id string
	err := q.QueryRowContext(ctx, "SELECT id FROM _relationships WHERE "+where, pb.Params()...).Scan(&id)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("lookup relationship: %w", err)
	}

	if id != "" {
		pb = d.NewParamBuilder()
		query := fmt.Sprintf(
			"UPDATE _relationships SET collection_b = %s, store_collection = %s, store_key_b = %s, updated_at = %s WHERE id = %s",
			pb.Add(rel.CollectionB), pb.Add(rel.StoreCollection), pb.Add(rel.StoreKeyB), d.NowExpr(), pb.Add(id))
		if _, err := q.ExecContext(ctx, query, pb.Params()...); err != nil {
			return fmt.Errorf("update relationship %s: %w", id, err)
		}
		rel.ID = id
		return nil
	}

	rel.ID = uuid.New().String()
	pb = d.NewParamBuilder()
	query := fmt.Sprintf(
		"INSERT INTO _relationships (id, relationship_type, collection_a, collection_b, store_collection, store_key_a, store_key_b) VALUES (%s, %s, %s, %s, %s, %s, %s)",
		pb.Add(rel.ID), pb.Add(string(rel.Kind)), pb.Add(rel.CollectionA), pb.Add(rel.CollectionB),
		pb.Add(rel.StoreCollection), pb.Add(rel.StoreKeyA), pb.Add(rel.StoreKeyB))
	if _, err := q.ExecContext(ctx, query, pb.Params()...); err != nil {
		return fmt.Errorf("insert relationship: %w", err)
	}
	return nil
}

// deleteRelationsFor removes every relationship row involving the
// collection, junction rows included.
func deleteRelationsFor(ctx context.Context, q store.Querier, d store.Dialect, collection string) error {
	pb := d.NewParamBuilder()
	query := fmt.Sprintf(
		"DELETE FROM _relationships WHERE collection_a = %s OR collection_b = %s OR store_collection = %s",
		pb.Add(collection), pb.Add(collection), pb.Add(collection))
	if _, err := q.ExecContext(ctx, query, pb.Params()...); err != nil {
		return fmt.Errorf("delete relationships for %s: %w", collection, err)
	}
	return nil
}

// deleteRelationsForField removes rows keyed on a dropped column: the
// many_to_one rows it anchors, one_to_many rows using it as the foreign
// key, and many_to_many rows using it as a junction key.
func deleteRelationsForField(ctx context.Context, q store.Querier, d store.Dialect, collection, field string) error {
	pb := d.NewParamBuilder()
	query := fmt.Sprintf(
		`DELETE FROM _relationships WHERE
  (relationship_type = 'many_to_one' AND collection_a = %s AND store_key_a = %s)
  OR (relationship_type = 'one_to_many' AND collection_b = %s AND store_key_b = %s)
  OR (relationship_type = 'many_to_many' AND store_collection = %s AND (store_key_a = %s OR store_key_b = %s))`,
		pb.Add(collection), pb.Add(field),
		pb.Add(collection), pb.Add(field),
		pb.Add(collection), pb.Add(field), pb.Add(field))
	if _, err := q.ExecContext(ctx, query, pb.Params()...); err != nil {
		return fmt.Errorf("delete relationships for %s.%s: %w", collection, field, err)
	}
	return nil
}

// deleteRelationByID removes one relationship row.
func deleteRelationByID(ctx context.Context, q store.Querier, d store.Dialect, id string) error {
	query := "DELETE FROM _relationships WHERE id = " + d.Placeholder(1)
	if _, err := q.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete relationship %s: %w", id, err)
	}
	return nil
}
