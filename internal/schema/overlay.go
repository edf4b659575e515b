package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"

	"prism-backend/internal/metadata"
	"prism-backend/internal/store"
)

// Overlay merges the metadata tables onto physical collection descriptors.
// The catalog decides what exists; _collections, _fields and _relationships
// contribute notes, interfaces, ordering, alias fields and relationship
// payloads. Metadata referencing things that no longer exist physically is
// skipped with a warning, never fatal.
type Overlay struct {
	store *store.Store
}

func NewOverlay(s *store.Store) *Overlay {
	return &Overlay{store: s}
}

type collectionRow struct {
	note   string
	hidden bool
	system bool
}

// overlaySet holds the metadata rows relevant to one merge pass.
type overlaySet struct {
	collections map[string]collectionRow
	fields      map[string][]metadata.Field
	relations   []metadata.Relation
}

// Merge overlays a single collection in place.
func (o *Overlay) Merge(ctx context.Context, col *metadata.Collection) error {
	set, err := o.load(ctx, col.Name)
	if err != nil {
		return err
	}
	o.apply(col, set)
	return nil
}

// MergeAll loads the full metadata set once and overlays every collection.
func (o *Overlay) MergeAll(ctx context.Context, cols []*metadata.Collection) error {
	set, err := o.load(ctx, "")
	if err != nil {
		return err
	}
	for _, col := range cols {
		o.apply(col, set)
	}
	return nil
}

// load reads the metadata tables, restricted to one collection when name is
// non-empty. Relationship rows are included when the collection appears on
// either side or as the junction.
func (o *Overlay) load(ctx context.Context, name string) (*overlaySet, error) {
	set := &overlaySet{
		collections: make(map[string]collectionRow),
		fields:      make(map[string][]metadata.Field),
	}

	if err := o.loadCollections(ctx, name, set); err != nil {
		return nil, err
	}
	if err := o.loadFields(ctx, name, set); err != nil {
		return nil, err
	}
	if err := o.loadRelations(ctx, name, set); err != nil {
		return nil, err
	}
	return set, nil
}

func (o *Overlay) loadCollections(ctx context.Context, name string, set *overlaySet) error {
	query := "SELECT collection, note, hidden, system FROM _collections"
	pb := o.store.Dialect.NewParamBuilder()
	if name != "" {
		query += " WHERE collection = " + pb.Add(name)
	}
	rows, err := o.store.DB.QueryContext(ctx, query, pb.Params()...)
	if err != nil {
		return fmt.Errorf("load collection metadata: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var cname string
		var row collectionRow
		if err := rows.Scan(&cname, &row.note, &row.hidden, &row.system); err != nil {
			return fmt.Errorf("scan collection metadata: %w", err)
		}
		set.collections[cname] = row
	}
	return rows.Err()
}

func (o *Overlay) loadFields(ctx context.Context, name string, set *overlaySet) error {
	query := "SELECT collection, field, type, interface, required, sort, note, hidden_input, hidden_list, options FROM _fields"
	pb := o.store.Dialect.NewParamBuilder()
	if name != "" {
		query += " WHERE collection = " + pb.Add(name)
	}
	query += " ORDER BY collection, sort, field"

	rows, err := o.store.DB.QueryContext(ctx, query, pb.Params()...)
	if err != nil {
		return fmt.Errorf("load field metadata: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var cname string
		var f metadata.Field
		var options []byte
		if err := rows.Scan(&cname, &f.Name, &f.Type, &f.Interface, &f.Required, &f.Sort,
			&f.Note, &f.HiddenInput, &f.HiddenList, &options); err != nil {
			return fmt.Errorf("scan field metadata: %w", err)
		}
		if len(options) > 0 {
			if err := json.Unmarshal(options, &f.Options); err != nil {
				log.Printf("WARN: field %s.%s has malformed options, ignoring: %v", cname, f.Name, err)
				f.Options = nil
			}
		}
		f.Managed = true
		set.fields[cname] = append(set.fields[cname], f)
	}
	return rows.Err()
}

func (o *Overlay) loadRelations(ctx context.Context, name string, set *overlaySet) error {
	query := "SELECT id, relationship_type, collection_a, collection_b, store_collection, store_key_a, store_key_b FROM _relationships"
	pb := o.store.Dialect.NewParamBuilder()
	if name != "" {
		query += fmt.Sprintf(" WHERE collection_a = %s OR collection_b = %s OR store_collection = %s",
			pb.Add(name), pb.Add(name), pb.Add(name))
	}
	query += " ORDER BY collection_a, store_key_a, collection_b"

	rows, err := o.store.DB.QueryContext(ctx, query, pb.Params()...)
	if err != nil {
		return fmt.Errorf("load relationships: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r metadata.Relation
		if err := rows.Scan(&r.ID, &r.Kind, &r.CollectionA, &r.CollectionB,
			&r.StoreCollection, &r.StoreKeyA, &r.StoreKeyB); err != nil {
			return fmt.Errorf("scan relationship: %w", err)
		}
		set.relations = append(set.relations, r)
	}
	return rows.Err()
}

// apply merges the loaded metadata into the physical descriptor: collection
// row, per-field rows, alias synthesis and relationship attachment, then a
// stable sort by (sort, name).
func (o *Overlay) apply(col *metadata.Collection, set *overlaySet) {
	if row, ok := set.collections[col.Name]; ok {
		col.Note = row.note
		col.Hidden = row.hidden
		col.System = col.System || row.system
		col.Managed = true
	}

	// Merge field rows onto physical columns; anything without a column is
	// either an alias candidate or an orphan.
	var aliases []metadata.Field
	for _, m := range set.fields[col.Name] {
		if f := col.Field(m.Name); f != nil {
			f.Interface = m.Interface
			f.Sort = m.Sort
			f.Note = m.Note
			f.HiddenInput = m.HiddenInput
			f.HiddenList = m.HiddenList
			f.Options = m.Options
			f.Managed = true
			continue
		}
		if metadata.AliasInterface(m.Interface) {
			a := m.Clone()
			a.Alias = true
			aliases = append(aliases, a)
			continue
		}
		log.Printf("WARN: field metadata %s.%s has no physical column, skipping", col.Name, m.Name)
	}

	o.attachRelations(col, aliases, set.relations)

	// Alias fields without a relationship row are invalid; drop them from
	// the descriptor rather than failing the whole read.
	for i := range aliases {
		if aliases[i].Relation == nil {
			log.Printf("WARN: alias field %s.%s has no relationship row, dropping", col.Name, aliases[i].Name)
			continue
		}
		col.Fields = append(col.Fields, aliases[i])
	}

	sort.SliceStable(col.Fields, func(i, j int) bool {
		if col.Fields[i].Sort != col.Fields[j].Sort {
			return col.Fields[i].Sort < col.Fields[j].Sort
		}
		return col.Fields[i].Name < col.Fields[j].Name
	})
}

// attachRelations distributes relationship rows onto fields. Many-to-one
// rows land on the foreign-key column of collection_a. One-to-many rows
// land on the declaring alias (matched through the related_collection
// option, falling back to the first unclaimed alias of that kind) and on
// the foreign-key column of collection_b when no explicit row claimed it.
// Many-to-many rows land on aliases of both end collections (matched by
// junction) and on both key columns of the junction itself.
func (o *Overlay) attachRelations(col *metadata.Collection, aliases []metadata.Field, relations []metadata.Relation) {
	for i := range relations {
		r := &relations[i]
		if !r.Involves(col.Name) {
			continue
		}
		switch r.Kind {
		case metadata.KindManyToOne:
			if r.CollectionA != col.Name {
				continue
			}
			if f := col.Field(r.StoreKeyA); f != nil {
				f.Relation = cloneRelation(r)
			} else {
				log.Printf("WARN: relationship %s points at missing column %s.%s", r.ID, col.Name, r.StoreKeyA)
			}

		case metadata.KindOneToMany:
			if r.CollectionB == col.Name {
				// Foreign-key side; an explicit many-to-one row wins.
				if f := col.Field(r.StoreKeyB); f != nil && f.Relation == nil {
					f.Relation = cloneRelation(r)
				}
			}
			if r.CollectionA == col.Name {
				claimAlias(aliases, metadata.IfaceOneToMany, "related_collection", r.CollectionB, r)
			}

		case metadata.KindManyToMany:
			if r.StoreCollection == col.Name {
				for _, key := range []string{r.StoreKeyA, r.StoreKeyB} {
					if f := col.Field(key); f != nil && f.Relation == nil {
						f.Relation = cloneRelation(r)
					}
				}
			}
			if r.CollectionA == col.Name || r.CollectionB == col.Name {
				claimAlias(aliases, metadata.IfaceManyToMany, "junction", r.StoreCollection, r)
			}
		}
	}
}

// claimAlias attaches the relation to the first unclaimed alias of the given
// interface whose option hint matches, falling back to any unclaimed alias
// without a conflicting hint.
func claimAlias(aliases []metadata.Field, iface, hintKey, hintVal string, r *metadata.Relation) {
	for i := range aliases {
		a := &aliases[i]
		if a.Interface != iface || a.Relation != nil {
			continue
		}
		if hint, _ := a.Options[hintKey].(string); hint == hintVal {
			a.Relation = cloneRelation(r)
			return
		}
	}
	for i := range aliases {
		a := &aliases[i]
		if a.Interface != iface || a.Relation != nil {
			continue
		}
		if hint, ok := a.Options[hintKey].(string); ok && hint != "" && hint != hintVal {
			continue
		}
		a.Relation = cloneRelation(r)
		return
	}
}

func cloneRelation(r *metadata.Relation) *metadata.Relation {
	rc := *r
	return &rc
}
