package metadata

import "sort"

// Catalog is an immutable name-indexed view over one schema snapshot.
// Lookups hand out clones, so a catalog can be shared across requests
// without callers mutating each other's descriptors.
type Catalog struct {
	names  []string
	byName map[string]Collection
}

func NewCatalog(collections []Collection) *Catalog {
	c := &Catalog{
		names:  make([]string, 0, len(collections)),
		byName: make(map[string]Collection, len(collections)),
	}
	for _, col := range collections {
		if _, dup := c.byName[col.Name]; dup {
			continue
		}
		c.names = append(c.names, col.Name)
		c.byName[col.Name] = col
	}
	sort.Strings(c.names)
	return c
}

func (c *Catalog) Len() int { return len(c.names) }

// Get returns a clone of the named collection.
func (c *Catalog) Get(name string) (Collection, bool) {
	col, ok := c.byName[name]
	if !ok {
		return Collection{}, false
	}
	return col.Clone(), true
}

// Names returns the collection names in sorted order.
func (c *Catalog) Names() []string {
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}

// Collections returns clones of every collection in sorted name order.
func (c *Catalog) Collections() []Collection {
	out := make([]Collection, 0, len(c.names))
	for _, name := range c.names {
		col := c.byName[name]
		out = append(out, col.Clone())
	}
	return out
}
