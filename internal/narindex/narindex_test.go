package narindex

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/ncmirror/ncmirror/internal/catalog"
	"github.com/ncmirror/ncmirror/internal/narinfo"
	"github.com/ncmirror/ncmirror/internal/storepath"
)

func openTestCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.db")
	c, err := catalog.Open(path)
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func mustParsePath(t *testing.T, s string) storepath.StorePath {
	t.Helper()
	sp, err := storepath.Parse(s)
	if err != nil {
		t.Fatalf("storepath.Parse(%q): %v", s, err)
	}
	return sp
}

func TestBuildIndexesOnlyAvailable(t *testing.T) {
	cat := openTestCatalog(t)

	available := narinfo.Nar{
		StorePath: mustParsePath(t, "/nix/store/aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa-a"),
		Meta:      narinfo.Meta{URL: "orig/url", NarHash: "nar:a", NarSize: 100},
	}
	pending := narinfo.Nar{
		StorePath: mustParsePath(t, "/nix/store/bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb-b"),
		Meta:      narinfo.Meta{URL: "orig/url", NarHash: "nar:b", NarSize: 100},
	}

	if err := cat.InsertOrIgnoreNars(catalog.Available, []narinfo.Nar{available}); err != nil {
		t.Fatalf("insert available: %v", err)
	}
	if err := cat.InsertOrIgnoreNars(catalog.Pending, []narinfo.Nar{pending}); err != nil {
		t.Fatalf("insert pending: %v", err)
	}

	idx, err := Build(cat)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if idx.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", idx.Len())
	}

	text, size, ok := idx.Lookup(available.StorePath.HashString())
	if !ok {
		t.Fatal("Lookup(available) = miss, want hit")
	}
	if size != 100 {
		t.Fatalf("size = %d, want 100", size)
	}
	if !strings.Contains(text, "URL: nar/"+available.StorePath.HashString()+"\n") {
		t.Fatalf("rendered text does not have rewritten URL: %q", text)
	}

	_, _, ok = idx.Lookup(pending.StorePath.HashString())
	if ok {
		t.Fatal("Lookup(pending) = hit, want miss")
	}
}

func TestLookupFileSizePrefersFileSize(t *testing.T) {
	cat := openTestCatalog(t)

	n := narinfo.Nar{
		StorePath: mustParsePath(t, "/nix/store/aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa-a"),
		Meta: narinfo.Meta{
			URL: "orig/url", NarHash: "nar:a", NarSize: 100,
			FileSize: 42, HasFileSize: true,
		},
	}
	if err := cat.InsertOrIgnoreNars(catalog.Available, []narinfo.Nar{n}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	idx, err := Build(cat)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	_, size, ok := idx.Lookup(n.StorePath.HashString())
	if !ok {
		t.Fatal("Lookup = miss")
	}
	if size != 42 {
		t.Fatalf("size = %d, want FileSize 42", size)
	}
}

func TestLookupRejectsWrongLength(t *testing.T) {
	cat := openTestCatalog(t)
	idx, err := Build(cat)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	for _, s := range []string{"", "short", strings.Repeat("a", 31), strings.Repeat("a", 33)} {
		if _, _, ok := idx.Lookup(s); ok {
			t.Fatalf("Lookup(%q) = hit, want miss", s)
		}
	}
}
