// Package narindex builds the in-memory narinfo index served by the HTTP
// layer: every Available artifact's rendered narinfo text, concatenated
// into one growable buffer, with a hash-keyed map of byte ranges into it.
// Built once at server startup; immutable and safe for concurrent reads
// after construction.
package narindex

import (
	"fmt"
	"strings"

	"github.com/ncmirror/ncmirror/internal/catalog"
	"github.com/ncmirror/ncmirror/internal/narinfo"
	"github.com/ncmirror/ncmirror/internal/storepath"
)

type entry struct {
	infoStart int
	infoEnd   int
	fileSize  uint64
}

// Index is an immutable, constant-time lookup table from StorePathHash to
// rendered narinfo text and payload size.
type Index struct {
	buf     string
	entries map[storepath.Hash]entry
}

// Build materializes the index from every Available artifact in cat. It
// rewrites each artifact's URL to the canonical nar/<hash> form before
// rendering, per the spec's serving-layer URL rewrite rule.
func Build(cat *catalog.Catalog) (*Index, error) {
	var buf strings.Builder
	entries := make(map[storepath.Hash]entry)

	err := cat.SelectAllNar(catalog.Available, func(n narinfo.Nar, catalogID int64) error {
		hash := n.StorePath.Hash()
		n.Meta.URL = "nar/" + hash.String()

		fileSize := n.Meta.NarSize
		if n.Meta.HasFileSize {
			fileSize = n.Meta.FileSize
		}

		rendered := narinfo.Render(n)
		start := buf.Len()
		buf.WriteString(rendered)

		entries[hash] = entry{
			infoStart: start,
			infoEnd:   buf.Len(),
			fileSize:  fileSize,
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("narindex: build: %w", err)
	}

	return &Index{buf: buf.String(), entries: entries}, nil
}

// Lookup returns the rendered narinfo text and payload file size for hash.
// hashStr must be exactly 32 bytes; anything else is reported as a miss.
func (idx *Index) Lookup(hashStr string) (narinfoText string, fileSize uint64, ok bool) {
	if len(hashStr) != 32 {
		return "", 0, false
	}
	hash, err := storepath.ParseHash(hashStr)
	if err != nil {
		return "", 0, false
	}
	e, ok := idx.entries[hash]
	if !ok {
		return "", 0, false
	}
	return idx.buf[e.infoStart:e.infoEnd], e.fileSize, true
}

// Len returns the number of artifacts in the index.
func (idx *Index) Len() int {
	return len(idx.entries)
}
