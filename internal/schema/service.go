package schema

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"prism-backend/internal/acl"
	"prism-backend/internal/metadata"
	"prism-backend/internal/store"
)

// ListOptions controls the collection listing surface.
type ListOptions struct {
	IncludeSystem  bool
	IncludeColumns bool
}

// Service is the read facade over introspection, the metadata overlay,
// access control and the snapshot cache. Every public entry point takes
// the calling account; internal trusted reads go through the unexported
// paths instead of a bypass flag.
type Service struct {
	store     *store.Store
	intro     *Introspector
	overlay   *Overlay
	acl       *acl.Engine
	snapshots SnapshotStore
	ttl       time.Duration
}

// NewService wires the facade. A nil snapshot store disables caching.
func NewService(s *store.Store, aclEngine *acl.Engine, snapshots SnapshotStore, ttl time.Duration) *Service {
	return &Service{
		store:     s,
		intro:     NewIntrospector(s),
		overlay:   NewOverlay(s),
		acl:       aclEngine,
		snapshots: snapshots,
		ttl:       ttl,
	}
}

// Collections lists the collections visible to the account, sorted by
// name. System collections are excluded unless opts.IncludeSystem; field
// lists are withheld unless opts.IncludeColumns.
func (s *Service) Collections(ctx context.Context, acct metadata.Account, opts ListOptions) ([]*metadata.Collection, error) {
	cat, err := s.view(ctx, acct)
	if err != nil {
		return nil, err
	}
	out := make([]*metadata.Collection, 0, cat.Len())
	for _, col := range cat.Collections() {
		if col.System && !opts.IncludeSystem {
			continue
		}
		c := col
		if !opts.IncludeColumns {
			c.Fields = nil
		}
		out = append(out, &c)
	}
	return out, nil
}

// Collection returns one collection's merged descriptor. A missing table
// is ErrCollectionNotFound; a table the account has no read grant for is
// ErrForbidden.
func (s *Service) Collection(ctx context.Context, acct metadata.Account, name string) (*metadata.Collection, error) {
	cat, err := s.view(ctx, acct)
	if err != nil {
		return nil, err
	}
	if col, ok := cat.Get(name); ok {
		return &col, nil
	}
	exists, err := s.intro.HasTable(ctx, name)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrForbidden, name)
	}
	return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
}

// view returns the account's readable schema as an immutable catalog,
// serving from the snapshot cache when possible. System accounts always
// read fresh and unfiltered.
func (s *Service) view(ctx context.Context, acct metadata.Account) (*metadata.Catalog, error) {
	if acct.System {
		cols, err := s.describeAll(ctx)
		if err != nil {
			return nil, err
		}
		return toCatalog(cols), nil
	}

	if s.snapshots == nil {
		cols, err := s.freshView(ctx, acct.GroupID)
		if err != nil {
			return nil, err
		}
		return toCatalog(cols), nil
	}

	// Permission rows are only read on a cache miss; a hit serves the
	// snapshot without touching _groups or _permissions.
	version, err := Version(ctx, s.store.DB)
	if err != nil {
		return nil, err
	}
	key := SnapshotKey(acct.GroupID, version)
	if blob, ok := s.snapshots.Get(key); ok {
		cat, err := decodeSnapshot(blob)
		if err == nil {
			return cat, nil
		}
		log.Printf("WARN: schema snapshot %s corrupt, rebuilding: %v", key, err)
	}

	cols, err := s.freshView(ctx, acct.GroupID)
	if err != nil {
		return nil, err
	}
	if blob, err := encodeSnapshot(cols); err == nil {
		s.snapshots.Set(key, blob, s.ttl)
	} else {
		log.Printf("WARN: schema snapshot %s not cached: %v", key, err)
	}
	return toCatalog(cols), nil
}

// freshView loads the group's ruleset and builds its filtered schema.
func (s *Service) freshView(ctx context.Context, groupID int) ([]*metadata.Collection, error) {
	rs, err := s.acl.Load(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return s.buildView(ctx, rs)
}

// buildView assembles the full merged schema and applies the ruleset:
// collections without a read grant drop out and blacklisted fields are
// removed. A nil or admin ruleset sees everything.
func (s *Service) buildView(ctx context.Context, rs *acl.Ruleset) ([]*metadata.Collection, error) {
	cols, err := s.describeAll(ctx)
	if err != nil {
		return nil, err
	}
	if rs == nil || rs.Admin {
		return cols, nil
	}
	visible := cols[:0]
	for _, col := range cols {
		if !rs.CanRead(col.Name) {
			continue
		}
		dropBlacklisted(col, rs.FieldBlacklist(col.Name, metadata.OpRead))
		visible = append(visible, col)
	}
	return visible, nil
}

func dropBlacklisted(col *metadata.Collection, blacklist []string) {
	if len(blacklist) == 0 {
		return
	}
	hidden := make(map[string]bool, len(blacklist))
	for _, name := range blacklist {
		hidden[name] = true
	}
	kept := col.Fields[:0]
	for _, f := range col.Fields {
		if !hidden[f.Name] {
			kept = append(kept, f)
		}
	}
	col.Fields = kept
}

// describeAll introspects every table and merges metadata onto each, with
// no access control and no cache.
func (s *Service) describeAll(ctx context.Context) ([]*metadata.Collection, error) {
	names, err := s.intro.TableNames(ctx)
	if err != nil {
		return nil, err
	}
	cols := make([]*metadata.Collection, 0, len(names))
	for _, name := range names {
		col, err := s.intro.Describe(ctx, name)
		if err != nil {
			// Tables can vanish between listing and describing.
			if errors.Is(err, ErrCollectionNotFound) {
				log.Printf("WARN: table %s disappeared during introspection", name)
				continue
			}
			return nil, err
		}
		cols = append(cols, col)
	}
	if err := s.overlay.MergeAll(ctx, cols); err != nil {
		return nil, err
	}
	return cols, nil
}

// describeOne reads a single collection fresh, with no access control and
// no cache. The mutation path uses it for preconditions.
func (s *Service) describeOne(ctx context.Context, name string) (*metadata.Collection, error) {
	col, err := s.intro.Describe(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := s.overlay.Merge(ctx, col); err != nil {
		return nil, err
	}
	return col, nil
}

func encodeSnapshot(cols []*metadata.Collection) ([]byte, error) {
	return json.Marshal(cols)
}

// decodeSnapshot rebuilds a catalog from a cached blob.
func decodeSnapshot(blob []byte) (*metadata.Catalog, error) {
	var cols []metadata.Collection
	if err := json.Unmarshal(blob, &cols); err != nil {
		return nil, err
	}
	return metadata.NewCatalog(cols), nil
}

func toCatalog(cols []*metadata.Collection) *metadata.Catalog {
	vals := make([]metadata.Collection, 0, len(cols))
	for _, c := range cols {
		vals = append(vals, *c)
	}
	return metadata.NewCatalog(vals)
}
