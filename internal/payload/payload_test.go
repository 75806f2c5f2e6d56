package payload

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestFileSystemStatAndOpenRange(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "abc"), []byte("hello world"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	fs := NewFileSystem(dir)
	ctx := context.Background()

	size, exists, err := fs.Stat(ctx, "abc")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if !exists {
		t.Fatal("Stat: exists = false, want true")
	}
	if size != 11 {
		t.Fatalf("size = %d, want 11", size)
	}

	_, exists, err = fs.Stat(ctx, "missing")
	if err != nil {
		t.Fatalf("Stat(missing): %v", err)
	}
	if exists {
		t.Fatal("Stat(missing): exists = true, want false")
	}

	r, err := fs.OpenRange(ctx, "abc", 6)
	if err != nil {
		t.Fatalf("OpenRange: %v", err)
	}
	defer r.Close()

	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "world" {
		t.Fatalf("got %q, want %q", got, "world")
	}
}

func TestFileSystemOpenRangeMissingFile(t *testing.T) {
	fs := NewFileSystem(t.TempDir())
	if _, err := fs.OpenRange(context.Background(), "missing", 0); err == nil {
		t.Fatal("OpenRange(missing) succeeded, want error")
	}
}
