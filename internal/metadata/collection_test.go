package metadata

import "testing"

func testCollection() Collection {
	return Collection{
		Name:    "articles",
		Managed: true,
		Fields: []Field{
			{Name: "id", Type: "uuid", Interface: IfacePrimaryKey},
			{Name: "title", Type: "text", Interface: IfaceTextInput},
			{Name: "state", Type: "text", Interface: IfaceStatus},
			{Name: "position", Type: "integer", Interface: IfaceSort},
			{Name: "created_by", Type: "uuid", Interface: IfaceOwner},
		},
	}
}

func TestCollectionRoleAccessors(t *testing.T) {
	c := testCollection()
	if pk := c.PrimaryKey(); pk == nil || pk.Name != "id" {
		t.Fatalf("primary key lookup failed: %+v", pk)
	}
	if st := c.StatusField(); st == nil || st.Name != "state" {
		t.Fatalf("status lookup failed: %+v", st)
	}
	if so := c.SortField(); so == nil || so.Name != "position" {
		t.Fatalf("sort lookup failed: %+v", so)
	}
	if ow := c.OwnerField(); ow == nil || ow.Name != "created_by" {
		t.Fatalf("owner lookup failed: %+v", ow)
	}

	bare := Collection{Name: "notes", Fields: []Field{{Name: "body", Type: "text"}}}
	if bare.StatusField() != nil {
		t.Fatal("status accessor invented a field")
	}
}

func TestCollectionCloneIsolation(t *testing.T) {
	c := testCollection()
	rel := ManyToOne("articles", "created_by", "_users", "id")
	c.Fields[4].Relation = &rel
	c.Fields[4].Options = map[string]any{"readonly": true}

	clone := c.Clone()
	clone.Fields[1].Name = "headline"
	clone.Fields[4].Relation.CollectionB = "elsewhere"
	clone.Fields[4].Options["readonly"] = false

	if c.Fields[1].Name != "title" {
		t.Fatal("clone shares field slice with original")
	}
	if c.Fields[4].Relation.CollectionB != "_users" {
		t.Fatal("clone shares relation pointer with original")
	}
	if c.Fields[4].Options["readonly"] != true {
		t.Fatal("clone shares options map with original")
	}
}

func TestCatalogLookupAndOrdering(t *testing.T) {
	cat := NewCatalog([]Collection{
		{Name: "zebras"},
		{Name: "articles"},
		{Name: "_users", System: true},
	})
	if cat.Len() != 3 {
		t.Fatalf("expected 3 collections, got %d", cat.Len())
	}
	names := cat.Names()
	if names[0] != "_users" || names[1] != "articles" || names[2] != "zebras" {
		t.Fatalf("unexpected order: %v", names)
	}

	got, ok := cat.Get("articles")
	if !ok {
		t.Fatal("articles missing from catalog")
	}
	got.Name = "mutated"
	if again, _ := cat.Get("articles"); again.Name != "articles" {
		t.Fatal("catalog handed out a shared descriptor")
	}

	if _, ok := cat.Get("missing"); ok {
		t.Fatal("lookup of missing collection succeeded")
	}
}

func TestDefaultInterfaceMapping(t *testing.T) {
	cases := map[string]string{
		"integer":   IfaceNumeric,
		"bigint":    IfaceNumeric,
		"float":     IfaceNumeric,
		"decimal":   IfaceNumeric,
		"boolean":   IfaceToggle,
		"timestamp": IfaceDatetime,
		"date":      IfaceDatetime,
		"json":      IfaceJSON,
		"text":      IfaceTextInput,
		"uuid":      IfaceTextInput,
	}
	for typ, want := range cases {
		if got := DefaultInterface(typ, false); got != want {
			t.Errorf("DefaultInterface(%s) = %s, want %s", typ, got, want)
		}
	}
	if got := DefaultInterface("integer", true); got != IfacePrimaryKey {
		t.Errorf("primary key column mapped to %s", got)
	}
}

func TestValidCollectionName(t *testing.T) {
	if err := ValidCollectionName("blog_posts"); err != nil {
		t.Fatalf("valid name rejected: %v", err)
	}
	for _, bad := range []string{"", "_secrets", "-lead", "9lives", "has space"} {
		if err := ValidCollectionName(bad); err == nil {
			t.Errorf("name %q accepted", bad)
		}
	}
}

func TestSystemAccountIsTheOnlyTrustedMint(t *testing.T) {
	sys := SystemAccount()
	if !sys.System || !sys.Trusted() {
		t.Fatal("system account not trusted")
	}
	user := Account{UserID: "u1", GroupID: 5}
	if user.System || user.Trusted() {
		t.Fatal("plain account must not be trusted")
	}
	admin := Account{UserID: "u2", GroupID: AdminGroupID, Admin: true}
	if !admin.Trusted() {
		t.Fatal("admin account must be trusted")
	}
}
