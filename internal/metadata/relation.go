package metadata

import "fmt"

// RelationKind tags the three supported relationship shapes.
type RelationKind string

const (
	KindManyToOne  RelationKind = "many_to_one"
	KindOneToMany  RelationKind = "one_to_many"
	KindManyToMany RelationKind = "many_to_many"
)

func ValidRelationKind(k RelationKind) bool {
	switch k {
	case KindManyToOne, KindOneToMany, KindManyToMany:
		return true
	}
	return false
}

// Relation is one row of relationship bookkeeping. The meaning of the store
// keys depends on the kind:
//
//	many_to_one:  StoreKeyA is the foreign-key column on CollectionA,
//	              StoreKeyB the primary key of CollectionB.
//	one_to_many:  StoreKeyA is the primary key of CollectionA,
//	              StoreKeyB the foreign-key column on CollectionB.
//	many_to_many: StoreKeyA and StoreKeyB are both columns on the junction
//	              table named by StoreCollection.
//
// Only many_to_many carries StoreCollection. Construct relations through
// ManyToOne, OneToMany and ManyToMany so a kind can never be paired with
// fields it does not use.
type Relation struct {
	ID              string       `json:"id,omitempty"`
	Kind            RelationKind `json:"relationship_type"`
	CollectionA     string       `json:"collection_a"`
	CollectionB     string       `json:"collection_b"`
	StoreCollection string       `json:"store_collection,omitempty"`
	StoreKeyA       string       `json:"store_key_a"`
	StoreKeyB       string       `json:"store_key_b"`
}

// ManyToOne links the foreign-key column fkA on collectionA to the primary
// key pkB of collectionB.
func ManyToOne(collectionA, fkA, collectionB, pkB string) Relation {
	return Relation{
		Kind:        KindManyToOne,
		CollectionA: collectionA,
		CollectionB: collectionB,
		StoreKeyA:   fkA,
		StoreKeyB:   pkB,
	}
}

// OneToMany declares that collectionB carries a foreign-key column fkB
// pointing back at collectionA's primary key pkA.
func OneToMany(collectionA, pkA, collectionB, fkB string) Relation {
	return Relation{
		Kind:        KindOneToMany,
		CollectionA: collectionA,
		CollectionB: collectionB,
		StoreKeyA:   pkA,
		StoreKeyB:   fkB,
	}
}

// ManyToMany links collectionA and collectionB through the junction table,
// whose columns junctionKeyA and junctionKeyB reference the two sides.
func ManyToMany(collectionA, collectionB, junction, junctionKeyA, junctionKeyB string) Relation {
	return Relation{
		Kind:            KindManyToMany,
		CollectionA:     collectionA,
		CollectionB:     collectionB,
		StoreCollection: junction,
		StoreKeyA:       junctionKeyA,
		StoreKeyB:       junctionKeyB,
	}
}

// Validate checks kind-specific completeness.
func (r *Relation) Validate() error {
	if !ValidRelationKind(r.Kind) {
		return fmt.Errorf("unknown relationship type %q", r.Kind)
	}
	if r.CollectionA == "" || r.CollectionB == "" {
		return fmt.Errorf("%s relationship needs both collections", r.Kind)
	}
	if r.StoreKeyA == "" || r.StoreKeyB == "" {
		return fmt.Errorf("%s relationship needs both store keys", r.Kind)
	}
	if r.Kind == KindManyToMany {
		if r.StoreCollection == "" {
			return fmt.Errorf("many_to_many relationship needs a junction collection")
		}
	} else if r.StoreCollection != "" {
		return fmt.Errorf("%s relationship must not name a junction collection", r.Kind)
	}
	return nil
}

// Involves reports whether the relation touches the collection on either
// side or as the junction. Used when a collection is dropped.
func (r *Relation) Involves(collection string) bool {
	return r.CollectionA == collection ||
		r.CollectionB == collection ||
		r.StoreCollection == collection
}

// Matches reports whether other identifies the same relationship for upsert
// purposes: same kind and same anchor (collection_a, store_key_a), extended
// by collection_b for one_to_many and the junction for many_to_many, where
// the anchor alone is ambiguous.
func (r *Relation) Matches(other *Relation) bool {
	if r.Kind != other.Kind || r.CollectionA != other.CollectionA || r.StoreKeyA != other.StoreKeyA {
		return false
	}
	switch r.Kind {
	case KindOneToMany:
		return r.CollectionB == other.CollectionB
	case KindManyToMany:
		return r.StoreCollection == other.StoreCollection
	}
	return true
}
