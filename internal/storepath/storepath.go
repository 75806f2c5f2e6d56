// Package storepath implements parsing, validation and rendering of Nix
// store paths and their 32-character content hashes.
package storepath

import (
	"errors"
	"fmt"

	"github.com/nix-community/go-nix/pkg/nixbase32"
)

// ErrInvalidStorePath is the sentinel wrapped by every store path parse
// failure. Use errors.Is to detect a rejected path regardless of reason.
var ErrInvalidStorePath = errors.New("invalid store path")

const (
	// StoreRoot is the canonical store directory prefix this mirror serves.
	StoreRoot = "/nix/store"

	hashLen   = 32
	minLength = 45
	maxLength = 212
	// hashOffset is the index of the byte following StoreRoot + "/".
	hashOffset = len(StoreRoot) + 1
	// sepOffset is the position of the '-' separating hash from name.
	sepOffset = hashOffset + hashLen
)

// Hash is a StorePathHash: a fixed-length 32-byte ASCII content hash using
// Nix's base32 alphabet (0-9a-z excluding e, o, u, t).
type Hash [hashLen]byte

// String renders the hash in its canonical ASCII form.
func (h Hash) String() string {
	return string(h[:])
}

// ParseHash validates and wraps a 32-character hash string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if len(s) != hashLen {
		return h, fmt.Errorf("%w: hash length %d, want %d", ErrInvalidStorePath, len(s), hashLen)
	}
	if err := nixbase32.ValidateString(s); err != nil {
		return h, fmt.Errorf("%w: invalid hash %q: %w", ErrInvalidStorePath, s, err)
	}
	copy(h[:], s)
	return h, nil
}

// StorePath is a parsed "/nix/store/<hash>-<name>" path.
type StorePath struct {
	hash Hash
	name string
}

// isNameByte reports whether b is a legal StorePath name character:
// [A-Za-z0-9+-._?=].
func isNameByte(b byte) bool {
	switch {
	case b >= 'A' && b <= 'Z', b >= 'a' && b <= 'z', b >= '0' && b <= '9':
		return true
	}
	switch b {
	case '+', '-', '.', '_', '?', '=':
		return true
	}
	return false
}

// Parse parses s into a StorePath, or fails with an error wrapping
// ErrInvalidStorePath describing the specific reason.
func Parse(s string) (StorePath, error) {
	var sp StorePath

	if len(s) < minLength || len(s) > maxLength {
		return sp, fmt.Errorf("%w: length %d outside [%d, %d]", ErrInvalidStorePath, len(s), minLength, maxLength)
	}

	for i := 0; i < len(s); i++ {
		if s[i] > 0x7f {
			return sp, fmt.Errorf("%w: non-ASCII byte at position %d", ErrInvalidStorePath, i)
		}
	}

	if s[:hashOffset] != StoreRoot+"/" {
		return sp, fmt.Errorf("%w: missing %q prefix", ErrInvalidStorePath, StoreRoot+"/")
	}

	if s[sepOffset] != '-' {
		return sp, fmt.Errorf("%w: expected '-' at position %d", ErrInvalidStorePath, sepOffset)
	}

	hash, err := ParseHash(s[hashOffset:sepOffset])
	if err != nil {
		return sp, err
	}

	name := s[sepOffset+1:]
	if name == "" {
		return sp, fmt.Errorf("%w: empty name", ErrInvalidStorePath)
	}
	for i := 0; i < len(name); i++ {
		if !isNameByte(name[i]) {
			return sp, fmt.Errorf("%w: invalid name character %q at position %d", ErrInvalidStorePath, name[i], i)
		}
	}

	sp.hash = hash
	sp.name = name
	return sp, nil
}

// Hash returns the StorePathHash component.
func (sp StorePath) Hash() Hash { return sp.hash }

// HashString returns the hash component as its ASCII string.
func (sp StorePath) HashString() string { return sp.hash.String() }

// Name returns the name component (everything after "<hash>-").
func (sp StorePath) Name() string { return sp.name }

// Root returns the store root prefix ("/nix/store").
func (sp StorePath) Root() string { return StoreRoot }

// String renders the StorePath back to its canonical "/nix/store/<hash>-<name>" form.
func (sp StorePath) String() string {
	return StoreRoot + "/" + sp.hash.String() + "-" + sp.name
}

// Basename returns "<hash>-<name>", the form used in narinfo References.
func (sp StorePath) Basename() string {
	return sp.hash.String() + "-" + sp.name
}
