package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ncmirror/ncmirror/internal/catalog"
	"github.com/ncmirror/ncmirror/internal/mirrormetrics"
	"github.com/ncmirror/ncmirror/internal/narinfo"
	"github.com/ncmirror/ncmirror/internal/storepath"
)

func mustParsePath(t *testing.T, s string) storepath.StorePath {
	t.Helper()
	sp, err := storepath.Parse(s)
	if err != nil {
		t.Fatalf("storepath.Parse(%q): %v", s, err)
	}
	return sp
}

func mustParseHash(t *testing.T, s string) storepath.Hash {
	t.Helper()
	h, err := storepath.ParseHash(s)
	if err != nil {
		t.Fatalf("storepath.ParseHash(%q): %v", s, err)
	}
	return h
}

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

// narinfoServer serves the given narinfo documents at /<hash>.narinfo,
// keyed by the 32-char hash. An unregistered hash gets a 404.
func narinfoServer(t *testing.T, docs map[string]narinfo.Nar) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hash := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/"), ".narinfo")
		n, ok := docs[hash]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/x-nix-narinfo")
		w.Write([]byte(narinfo.Render(n)))
	}))
}

func TestFetchRootsDiamond(t *testing.T) {
	d := mustParsePath(t, "/nix/store/dddddddddddddddddddddddddddddddd-d")
	b := mustParsePath(t, "/nix/store/bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb-b")
	c := mustParsePath(t, "/nix/store/cccccccccccccccccccccccccccccccc-c")
	a := mustParsePath(t, "/nix/store/aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa-a")

	docs := map[string]narinfo.Nar{
		d.HashString(): {StorePath: d, Meta: narinfo.Meta{URL: "nar/d", NarHash: "nar:d", NarSize: 1}, References: ""},
		b.HashString(): {StorePath: b, Meta: narinfo.Meta{URL: "nar/b", NarHash: "nar:b", NarSize: 1}, References: d.Basename()},
		c.HashString(): {StorePath: c, Meta: narinfo.Meta{URL: "nar/c", NarHash: "nar:c", NarSize: 1}, References: c.Basename() + " " + d.Basename()},
		a.HashString(): {StorePath: a, Meta: narinfo.Meta{URL: "nar/a", NarHash: "nar:a", NarSize: 1}, References: b.Basename() + " " + c.Basename()},
	}

	srv := narinfoServer(t, docs)
	defer srv.Close()

	cat := openTestCatalog(t)
	fet := New(cat, srv.URL, mirrormetrics.Metrics{})

	ids, err := fet.FetchRoots(context.Background(), []storepath.Hash{a.Hash()})
	if err != nil {
		t.Fatalf("FetchRoots: %v", err)
	}
	if len(ids) != 1 || ids[0] == 0 {
		t.Fatalf("ids = %v, want one non-zero id", ids)
	}

	seen := 0
	err = cat.SelectAllNar(catalog.Pending, func(n narinfo.Nar, catalogID int64) error {
		seen++
		return nil
	})
	if err != nil {
		t.Fatalf("SelectAllNar: %v", err)
	}
	if seen != 4 {
		t.Fatalf("catalog has %d artifacts, want 4", seen)
	}

	// Running the same fetch twice yields no new rows.
	fet2 := New(cat, srv.URL, mirrormetrics.Metrics{})
	if _, err := fet2.FetchRoots(context.Background(), []storepath.Hash{a.Hash()}); err != nil {
		t.Fatalf("second FetchRoots: %v", err)
	}
	seen = 0
	err = cat.SelectAllNar(catalog.Pending, func(n narinfo.Nar, catalogID int64) error {
		seen++
		return nil
	})
	if err != nil {
		t.Fatalf("SelectAllNar (after re-fetch): %v", err)
	}
	if seen != 4 {
		t.Fatalf("catalog has %d artifacts after re-fetch, want 4", seen)
	}
}

func TestFetchRootsFailsOnMissingDependency(t *testing.T) {
	a := mustParsePath(t, "/nix/store/aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa-a")
	missingHash := "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb-missing"

	docs := map[string]narinfo.Nar{
		a.HashString(): {StorePath: a, Meta: narinfo.Meta{URL: "nar/a", NarHash: "nar:a", NarSize: 1}, References: missingHash},
	}

	srv := narinfoServer(t, docs)
	defer srv.Close()

	cat := openTestCatalog(t)
	fet := New(cat, srv.URL, mirrormetrics.Metrics{})

	_, err := fet.FetchRoots(context.Background(), []storepath.Hash{a.Hash()})
	if err == nil {
		t.Fatal("FetchRoots succeeded, want FetchFailedError for missing dependency")
	}

	var failed *FetchFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("error = %v, want *FetchFailedError", err)
	}
}

func TestFetchRootsWithAlreadyInsertedRoot(t *testing.T) {
	a := mustParsePath(t, "/nix/store/aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa-a")
	n := narinfo.Nar{StorePath: a, Meta: narinfo.Meta{URL: "nar/a", NarHash: "nar:a", NarSize: 1}, References: ""}

	cat := openTestCatalog(t)
	if err := cat.InsertOrIgnoreNars(catalog.Available, []narinfo.Nar{n}); err != nil {
		t.Fatalf("seed insert: %v", err)
	}

	// No narinfo server needed: the root already resolves from the catalog.
	fet := New(cat, "http://unused.invalid", mirrormetrics.Metrics{})

	ids, err := fet.FetchRoots(context.Background(), []storepath.Hash{a.Hash()})
	if err != nil {
		t.Fatalf("FetchRoots: %v", err)
	}
	if len(ids) != 1 || ids[0] == 0 {
		t.Fatalf("ids = %v, want one non-zero id", ids)
	}
}

func TestFetchRootsSelfReferenceDoesNotDeadlock(t *testing.T) {
	a := mustParsePath(t, "/nix/store/aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa-a")
	n := narinfo.Nar{StorePath: a, Meta: narinfo.Meta{URL: "nar/a", NarHash: "nar:a", NarSize: 1}, References: a.Basename()}

	docs := map[string]narinfo.Nar{a.HashString(): n}
	srv := narinfoServer(t, docs)
	defer srv.Close()

	cat := openTestCatalog(t)
	fet := New(cat, srv.URL, mirrormetrics.Metrics{})

	ids, err := fet.FetchRoots(context.Background(), []storepath.Hash{a.Hash()})
	if err != nil {
		t.Fatalf("FetchRoots: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("ids = %v, want one id", ids)
	}

	var refs string
	err = cat.SelectAllNar(catalog.Pending, func(got narinfo.Nar, catalogID int64) error {
		refs = got.References
		return nil
	})
	if err != nil {
		t.Fatalf("SelectAllNar: %v", err)
	}
	if refs != a.Basename() {
		t.Fatalf("references = %q, want self-reference preserved as %q", refs, a.Basename())
	}
}
