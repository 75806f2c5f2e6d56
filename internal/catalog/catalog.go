// Package catalog persists the artifact graph and root pins in a single
// SQLite file, accessed through a single connection that callers must
// serialize mutation against. It is grounded on the direct
// zombiezen.com/go/sqlite + sqlitex usage in github.com/a-h/depot's
// store package, generalized away from that package's a-h/kv abstraction
// since the catalog needs relational joins (nar_ref, root_nar) that a
// generic key-value store cannot express cleanly.
package catalog

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/ncmirror/ncmirror/internal/narinfo"
	"github.com/ncmirror/ncmirror/internal/storepath"
)

//go:embed schema.sql
var schemaFS embed.FS

const (
	applicationID = 0x2237186b
	schemaVersion = 1
)

// ErrInvalidDatabase is returned by Open when an existing database's
// application_id or user_version does not match what this catalog expects.
var ErrInvalidDatabase = errors.New("catalog: invalid database")

// NarStatus controls an artifact's visibility to the serving layer.
type NarStatus int

const (
	Pending NarStatus = iota
	Available
	Trashed
)

func (s NarStatus) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Available:
		return "Available"
	case Trashed:
		return "Trashed"
	default:
		return fmt.Sprintf("NarStatus(%d)", int(s))
	}
}

// RootStatus tracks a Root's progress through ingestion.
type RootStatus int

const (
	RootPending RootStatus = iota
	RootDownloading
	RootAvailable
)

func (s RootStatus) String() string {
	switch s {
	case RootPending:
		return "Pending"
	case RootDownloading:
		return "Downloading"
	case RootAvailable:
		return "Available"
	default:
		return fmt.Sprintf("RootStatus(%d)", int(s))
	}
}

// Root is a pinned set of StorePaths representing one ingested snapshot.
type Root struct {
	ChannelURL  string
	CacheURL    string
	GitRevision string
	FetchTime   string // RFC 3339, seconds precision, UTC ("Z")
	Status      RootStatus
}

// Catalog is a single-writer, single-connection relational store. It is
// explicitly not safe for concurrent use; callers must serialize mutation
// at the process level.
type Catalog struct {
	conn *sqlite.Conn
}

// Open opens or creates the database at path, verifying the application-id
// and schema-version constants. A fresh (empty) database is initialized
// with the current schema; an existing database with a mismatched
// application_id or user_version is rejected with ErrInvalidDatabase.
func Open(path string) (*Catalog, error) {
	conn, err := sqlite.OpenConn(path, sqlite.OpenReadWrite|sqlite.OpenCreate)
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", path, err)
	}

	c := &Catalog{conn: conn}
	if err := c.init(); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// Close releases the underlying connection.
func (c *Catalog) Close() error {
	return c.conn.Close()
}

func (c *Catalog) init() error {
	appID, err := c.pragmaInt("application_id")
	if err != nil {
		return fmt.Errorf("catalog: read application_id: %w", err)
	}
	userVersion, err := c.pragmaInt("user_version")
	if err != nil {
		return fmt.Errorf("catalog: read user_version: %w", err)
	}

	switch {
	case appID == 0 && userVersion == 0:
		schema, err := schemaFS.ReadFile("schema.sql")
		if err != nil {
			return fmt.Errorf("catalog: load schema: %w", err)
		}
		if err := sqlitex.ExecuteScript(c.conn, string(schema), nil); err != nil {
			return fmt.Errorf("catalog: initialize schema: %w", err)
		}
		if err := sqlitex.ExecuteTransient(c.conn, fmt.Sprintf("PRAGMA application_id = %d;", applicationID), nil); err != nil {
			return fmt.Errorf("catalog: set application_id: %w", err)
		}
		if err := sqlitex.ExecuteTransient(c.conn, fmt.Sprintf("PRAGMA user_version = %d;", schemaVersion), nil); err != nil {
			return fmt.Errorf("catalog: set user_version: %w", err)
		}
	case appID == applicationID && userVersion == schemaVersion:
		// Existing, matching database: nothing to do.
	default:
		return fmt.Errorf("%w: application_id=%d user_version=%d", ErrInvalidDatabase, appID, userVersion)
	}

	return sqlitex.ExecuteTransient(c.conn, "PRAGMA foreign_keys = on;", nil)
}

func (c *Catalog) pragmaInt(name string) (int64, error) {
	var v int64
	err := sqlitex.ExecuteTransient(c.conn, "PRAGMA "+name+";", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			v = stmt.ColumnInt64(0)
			return nil
		},
	})
	return v, err
}

// InsertOrIgnoreNars inserts each of nars with the given initial status
// within one IMMEDIATE transaction. On a unique-key conflict
// (store_root, hash) the row is skipped and the existing row is left
// untouched. For each newly-inserted row, reference edges are created by
// resolving each basename in its References to its catalog id; self
// references resolve to the just-inserted row.
func (c *Catalog) InsertOrIgnoreNars(status NarStatus, nars []narinfo.Nar) (err error) {
	endFn, err := sqlitex.ImmediateTransaction(c.conn)
	if err != nil {
		return fmt.Errorf("catalog: insert nars: %w", err)
	}
	defer endFn(&err)

	for _, n := range nars {
		if err = c.insertOneNar(status, n); err != nil {
			return fmt.Errorf("catalog: insert nar %s: %w", n.StorePath.HashString(), err)
		}
	}
	return nil
}

func (c *Catalog) insertOneNar(status NarStatus, n narinfo.Nar) error {
	err := sqlitex.ExecuteTransient(c.conn, `
		INSERT OR IGNORE INTO nar
			(store_root, hash, name, url, compression, file_hash, file_size,
			 nar_hash, nar_size, deriver, sig, ca, status)
		VALUES
			(:store_root, :hash, :name, :url, :compression, :file_hash, :file_size,
			 :nar_hash, :nar_size, :deriver, :sig, :ca, :status);
	`, &sqlitex.ExecOptions{
		Named: map[string]any{
			":store_root":  n.StorePath.Root(),
			":hash":        n.StorePath.HashString(),
			":name":        n.StorePath.Name(),
			":url":         n.Meta.URL,
			":compression": nullIfEmpty(n.Meta.Compression),
			":file_hash":   nullIfEmpty(n.Meta.FileHash),
			":file_size":   optionalUint(n.Meta.FileSize, n.Meta.HasFileSize),
			":nar_hash":    n.Meta.NarHash,
			":nar_size":    int64(n.Meta.NarSize),
			":deriver":     nullIfEmpty(n.Meta.Deriver),
			":sig":         nullIfEmpty(n.Meta.Sig),
			":ca":          nullIfEmpty(n.Meta.CA),
			":status":      int64(status),
		},
	})
	if err != nil {
		return err
	}

	if c.conn.Changes() == 0 {
		// Conflicted row: already present, nothing more to do.
		return nil
	}

	narID := c.conn.LastInsertRowID()

	refHashes, err := n.RefHashes()
	if err != nil {
		return fmt.Errorf("resolve references: %w", err)
	}
	for _, ref := range refHashes {
		if ref == n.StorePath.Hash() {
			if err := c.insertRef(narID, narID); err != nil {
				return err
			}
			continue
		}
		refID, ok, err := c.selectNarIDByHashAnyStatus(ref)
		if err != nil {
			return fmt.Errorf("resolve reference %s: %w", ref, err)
		}
		if !ok {
			continue
		}
		if err := c.insertRef(narID, refID); err != nil {
			return err
		}
	}
	return nil
}

func (c *Catalog) insertRef(narID, refID int64) error {
	return sqlitex.ExecuteTransient(c.conn, `
		INSERT OR IGNORE INTO nar_ref (nar_id, ref_id) VALUES (:nar_id, :ref_id);
	`, &sqlitex.ExecOptions{
		Named: map[string]any{
			":nar_id": narID,
			":ref_id": refID,
		},
	})
}

// SelectNarIDByHash returns the catalog id of the artifact with the given
// hash, excluding Trashed rows.
func (c *Catalog) SelectNarIDByHash(hash storepath.Hash) (id int64, ok bool, err error) {
	err = sqlitex.ExecuteTransient(c.conn, `
		SELECT id FROM nar WHERE hash = :hash AND status != :trashed;
	`, &sqlitex.ExecOptions{
		Named: map[string]any{
			":hash":    hash.String(),
			":trashed": int64(Trashed),
		},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			id = stmt.ColumnInt64(0)
			ok = true
			return nil
		},
	})
	if err != nil {
		return 0, false, fmt.Errorf("catalog: select nar by hash %s: %w", hash, err)
	}
	return id, ok, nil
}

func (c *Catalog) selectNarIDByHashAnyStatus(hash storepath.Hash) (id int64, ok bool, err error) {
	err = sqlitex.ExecuteTransient(c.conn, `
		SELECT id FROM nar WHERE hash = :hash;
	`, &sqlitex.ExecOptions{
		Named: map[string]any{":hash": hash.String()},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			id = stmt.ColumnInt64(0)
			ok = true
			return nil
		},
	})
	if err != nil {
		return 0, false, err
	}
	return id, ok, nil
}

// SelectAllNar streams every artifact in the given status, in catalog
// order, passing each to visitor along with its concatenated references
// string (space-separated "<hash>-<name>" basenames). Iteration stops at
// the first error returned by visitor.
func (c *Catalog) SelectAllNar(status NarStatus, visitor func(n narinfo.Nar, catalogID int64) error) error {
	var visitErr error
	err := sqlitex.ExecuteTransient(c.conn, `
		SELECT id, store_root, hash, name, url, compression, file_hash, file_size,
		       nar_hash, nar_size, deriver, sig, ca
		FROM nar WHERE status = :status ORDER BY id;
	`, &sqlitex.ExecOptions{
		Named: map[string]any{":status": int64(status)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			if visitErr != nil {
				return nil
			}

			id := stmt.ColumnInt64(0)
			sp, err := storepath.Parse(stmt.ColumnText(1) + "/" + stmt.ColumnText(2) + "-" + stmt.ColumnText(3))
			if err != nil {
				visitErr = fmt.Errorf("catalog: reconstruct store path for nar %d: %w", id, err)
				return visitErr
			}

			references, err := c.selectReferences(id)
			if err != nil {
				visitErr = err
				return visitErr
			}

			n := narinfo.Nar{
				StorePath: sp,
				Meta: narinfo.Meta{
					URL:         stmt.ColumnText(4),
					Compression: stmt.ColumnText(5),
					FileHash:    stmt.ColumnText(6),
					FileSize:    uint64(stmt.ColumnInt64(7)),
					HasFileSize: stmt.ColumnType(7) != sqlite.TypeNull,
					NarHash:     stmt.ColumnText(8),
					NarSize:     uint64(stmt.ColumnInt64(9)),
					Deriver:     stmt.ColumnText(10),
					Sig:         stmt.ColumnText(11),
					CA:          stmt.ColumnText(12),
				},
				References: references,
			}
			if err := visitor(n, id); err != nil {
				visitErr = err
			}
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("catalog: select all nar: %w", err)
	}
	return visitErr
}

func (c *Catalog) selectReferences(narID int64) (string, error) {
	var basenames []string
	err := sqlitex.ExecuteTransient(c.conn, `
		SELECT r.hash, r.name FROM nar_ref
		JOIN nar r ON nar_ref.ref_id = r.id
		WHERE nar_ref.nar_id = :nar_id
		ORDER BY r.id;
	`, &sqlitex.ExecOptions{
		Named: map[string]any{":nar_id": narID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			basenames = append(basenames, stmt.ColumnText(0)+"-"+stmt.ColumnText(1))
			return nil
		},
	})
	if err != nil {
		return "", fmt.Errorf("catalog: select references for nar %d: %w", narID, err)
	}
	return strings.Join(basenames, " "), nil
}

// InsertRoot inserts the Root header and one pinning edge per hash in
// rootHashes within one IMMEDIATE transaction. Only hashes that already
// exist in the catalog create an edge; others are silently skipped. It
// returns the new root's catalog id.
func (c *Catalog) InsertRoot(root Root, rootHashes []storepath.Hash) (rootID int64, err error) {
	endFn, err := sqlitex.ImmediateTransaction(c.conn)
	if err != nil {
		return 0, fmt.Errorf("catalog: insert root: %w", err)
	}
	defer endFn(&err)

	err = sqlitex.ExecuteTransient(c.conn, `
		INSERT INTO root (channel_url, cache_url, git_revision, fetch_time, status)
		VALUES (:channel_url, :cache_url, :git_revision, :fetch_time, :status);
	`, &sqlitex.ExecOptions{
		Named: map[string]any{
			":channel_url":  nullIfEmpty(root.ChannelURL),
			":cache_url":    nullIfEmpty(root.CacheURL),
			":git_revision": nullIfEmpty(root.GitRevision),
			":fetch_time":   nullIfEmpty(root.FetchTime),
			":status":       int64(root.Status),
		},
	})
	if err != nil {
		return 0, fmt.Errorf("catalog: insert root: %w", err)
	}
	rootID = c.conn.LastInsertRowID()

	for _, hash := range rootHashes {
		narID, ok, err := c.selectNarIDByHashAnyStatus(hash)
		if err != nil {
			return 0, fmt.Errorf("catalog: resolve root hash %s: %w", hash, err)
		}
		if !ok {
			continue
		}
		err = sqlitex.ExecuteTransient(c.conn, `
			INSERT OR IGNORE INTO root_nar (root_id, nar_id) VALUES (:root_id, :nar_id);
		`, &sqlitex.ExecOptions{
			Named: map[string]any{":root_id": rootID, ":nar_id": narID},
		})
		if err != nil {
			return 0, fmt.Errorf("catalog: insert root_nar for %s: %w", hash, err)
		}
	}

	return rootID, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func optionalUint(v uint64, has bool) any {
	if !has {
		return nil
	}
	return int64(v)
}
