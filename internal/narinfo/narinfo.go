// Package narinfo implements a codec for the line-oriented narinfo text
// format used by Nix-style binary caches.
package narinfo

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ncmirror/ncmirror/internal/storepath"
)

// Sentinel errors for narinfo parse failures. Each is wrapped with context
// via fmt.Errorf("...: %w", ...); use errors.Is to classify.
var (
	ErrUnknownField  = errors.New("unknown narinfo field")
	ErrMissingColon  = errors.New("narinfo line missing \": \" separator")
	ErrInvalidNumber = errors.New("invalid narinfo number")
	ErrMissingField  = errors.New("missing required narinfo field")
)

// Meta describes one nar artifact's metadata (everything about a Nar other
// than its StorePath and References).
type Meta struct {
	URL         string
	Compression string // optional
	FileHash    string // optional
	FileSize    uint64
	HasFileSize bool
	NarHash     string
	NarSize     uint64
	Deriver     string // optional
	Sig         string // optional
	CA          string // optional
}

// Nar is the full aggregate described by one narinfo document.
type Nar struct {
	StorePath  storepath.StorePath
	Meta       Meta
	References string // space-separated basenames, verbatim; "" means none
}

// RefHashes returns the StorePathHash of every basename in References, in
// order. Self-references are permitted and included.
func (n Nar) RefHashes() ([]storepath.Hash, error) {
	if n.References == "" {
		return nil, nil
	}
	fields := strings.Fields(n.References)
	hashes := make([]storepath.Hash, 0, len(fields))
	for _, basename := range fields {
		hashPart, _, ok := strings.Cut(basename, "-")
		if !ok {
			return nil, fmt.Errorf("%w: reference %q has no hash separator", ErrMissingField, basename)
		}
		h, err := storepath.ParseHash(hashPart)
		if err != nil {
			return nil, fmt.Errorf("reference %q: %w", basename, err)
		}
		hashes = append(hashes, h)
	}
	return hashes, nil
}

// field names as they appear on the wire, in the canonical render order.
const (
	fieldStorePath   = "StorePath"
	fieldURL         = "URL"
	fieldCompression = "Compression"
	fieldFileHash    = "FileHash"
	fieldFileSize    = "FileSize"
	fieldNarHash     = "NarHash"
	fieldNarSize     = "NarSize"
	fieldReferences  = "References"
	fieldSig         = "Sig"
	fieldDeriver     = "Deriver"
	fieldCA          = "CA"
)

// Parse decodes a narinfo text document.
func Parse(text string) (Nar, error) {
	var (
		n              Nar
		storePathSeen  bool
		urlSeen        bool
		narHashSeen    bool
		narSizeSeen    bool
		referencesSeen bool
	)

	for _, line := range strings.Split(text, "\n") {
		if line == "" {
			continue
		}

		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			return Nar{}, fmt.Errorf("%w: %q", ErrMissingColon, line)
		}

		switch key {
		case fieldStorePath:
			sp, err := storepath.Parse(value)
			if err != nil {
				return Nar{}, fmt.Errorf("field %s: %w", key, err)
			}
			n.StorePath = sp
			storePathSeen = true
		case fieldURL:
			n.Meta.URL = value
			urlSeen = true
		case fieldCompression:
			n.Meta.Compression = value
		case fieldFileHash:
			n.Meta.FileHash = value
		case fieldFileSize:
			v, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return Nar{}, fmt.Errorf("%w: field %s value %q: %v", ErrInvalidNumber, key, value, err)
			}
			n.Meta.FileSize = v
			n.Meta.HasFileSize = true
		case fieldNarHash:
			n.Meta.NarHash = value
			narHashSeen = true
		case fieldNarSize:
			v, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return Nar{}, fmt.Errorf("%w: field %s value %q: %v", ErrInvalidNumber, key, value, err)
			}
			n.Meta.NarSize = v
			narSizeSeen = true
		case fieldReferences:
			n.References = value
			referencesSeen = true
		case fieldSig:
			n.Meta.Sig = value
		case fieldDeriver:
			n.Meta.Deriver = value
		case fieldCA:
			n.Meta.CA = value
		default:
			return Nar{}, fmt.Errorf("%w: %q", ErrUnknownField, key)
		}
	}

	switch {
	case !storePathSeen:
		return Nar{}, fmt.Errorf("%w: %s", ErrMissingField, fieldStorePath)
	case !urlSeen:
		return Nar{}, fmt.Errorf("%w: %s", ErrMissingField, fieldURL)
	case !narHashSeen:
		return Nar{}, fmt.Errorf("%w: %s", ErrMissingField, fieldNarHash)
	case !narSizeSeen:
		return Nar{}, fmt.Errorf("%w: %s", ErrMissingField, fieldNarSize)
	case !referencesSeen:
		return Nar{}, fmt.Errorf("%w: %s", ErrMissingField, fieldReferences)
	}

	return n, nil
}

// Render formats n back to its canonical narinfo text, in the fixed field
// order: StorePath, URL, Compression?, FileHash?, FileSize?, NarHash,
// NarSize, References, Sig?, Deriver?, CA?.
func Render(n Nar) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s: %s\n", fieldStorePath, n.StorePath.String())
	fmt.Fprintf(&b, "%s: %s\n", fieldURL, n.Meta.URL)
	if n.Meta.Compression != "" {
		fmt.Fprintf(&b, "%s: %s\n", fieldCompression, n.Meta.Compression)
	}
	if n.Meta.FileHash != "" {
		fmt.Fprintf(&b, "%s: %s\n", fieldFileHash, n.Meta.FileHash)
	}
	if n.Meta.HasFileSize {
		fmt.Fprintf(&b, "%s: %d\n", fieldFileSize, n.Meta.FileSize)
	}
	fmt.Fprintf(&b, "%s: %s\n", fieldNarHash, n.Meta.NarHash)
	fmt.Fprintf(&b, "%s: %d\n", fieldNarSize, n.Meta.NarSize)
	fmt.Fprintf(&b, "%s: %s\n", fieldReferences, n.References)
	if n.Meta.Sig != "" {
		fmt.Fprintf(&b, "%s: %s\n", fieldSig, n.Meta.Sig)
	}
	if n.Meta.Deriver != "" {
		fmt.Fprintf(&b, "%s: %s\n", fieldDeriver, n.Meta.Deriver)
	}
	if n.Meta.CA != "" {
		fmt.Fprintf(&b, "%s: %s\n", fieldCA, n.Meta.CA)
	}

	return b.String()
}
