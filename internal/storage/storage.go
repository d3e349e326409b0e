// Package storage keeps catalog checkpoints in a per-catalog SQLite file.
// A checkpoint is a full copy of the trunk at one version; the WAL holds
// everything committed after it.
package storage

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kartikbazzad/bunbase/buncat/internal/errors"
	"github.com/kartikbazzad/bunbase/buncat/internal/store"
	"github.com/kartikbazzad/bunbase/buncat/internal/types"
)

// FileName is the checkpoint file inside a catalog directory.
const FileName = "catalog.db"

// Header describes the checkpointed catalog.
type Header struct {
	CatalogID     string
	Name          string
	Version       uint64
	SchemaVersion uint64
	State         string
	SavedAt       time.Time
	// LiveSince is when the catalog went live; zero while warming up.
	LiveSince time.Time
	// Baseline is the version the WAL history starts from at LiveSince.
	Baseline uint64
}

// Store manages one catalog checkpoint file.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the checkpoint file at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, errors.Wrapf(errors.ErrFileOpen, "open catalog store %s: %v", path, err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "initialize catalog store schema")
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS header (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			catalog_id TEXT NOT NULL,
			name TEXT NOT NULL,
			version INTEGER NOT NULL,
			schema_version INTEGER NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			saved_at INTEGER NOT NULL,
			live_since INTEGER NOT NULL DEFAULT 0,
			baseline INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS collections (
			pk INTEGER PRIMARY KEY,
			name TEXT UNIQUE NOT NULL,
			schema TEXT NOT NULL,
			next_pk INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS entities (
			collection_pk INTEGER NOT NULL REFERENCES collections(pk),
			pk INTEGER NOT NULL,
			version INTEGER NOT NULL,
			attributes TEXT NOT NULL,
			PRIMARY KEY (collection_pk, pk)
		);
	`)
	return err
}

// Path returns the checkpoint file path.
func (s *Store) Path() string { return s.path }

// Save replaces the checkpoint with snap in one transaction.
func (s *Store) Save(ctx context.Context, snap *store.Snapshot, h Header) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin checkpoint")
	}
	defer tx.Rollback()

	for _, stmt := range []string{`DELETE FROM entities`, `DELETE FROM collections`, `DELETE FROM header`} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "clear checkpoint")
		}
	}

	liveSince := int64(0)
	if !h.LiveSince.IsZero() {
		liveSince = h.LiveSince.UnixNano()
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO header (id, catalog_id, name, version, schema_version, description, state, saved_at, live_since, baseline)
		 VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.CatalogID(), snap.Name(), int64(snap.Version()), int64(snap.SchemaVersion()),
		snap.CatalogSchema().Description, h.State, time.Now().UnixNano(), liveSince, int64(h.Baseline),
	)
	if err != nil {
		return errors.Wrap(err, "write header")
	}

	insColl, err := tx.PrepareContext(ctx, `INSERT INTO collections (pk, name, schema, next_pk) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer insColl.Close()
	insEnt, err := tx.PrepareContext(ctx, `INSERT INTO entities (collection_pk, pk, version, attributes) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer insEnt.Close()

	for _, name := range snap.EntityTypes() {
		c, _ := snap.Collection(name)
		schemaJSON, err := json.Marshal(c.Schema())
		if err != nil {
			return errors.Wrapf(err, "encode schema %s", name)
		}
		if _, err := insColl.ExecContext(ctx, c.PK(), name, string(schemaJSON), c.NextPK()); err != nil {
			return errors.Wrapf(err, "write collection %s", name)
		}
		for _, e := range c.Entities() {
			attrs, err := json.Marshal(e.Attributes)
			if err != nil {
				return errors.Wrapf(err, "encode entity %s/%d", name, e.PrimaryKey)
			}
			if _, err := insEnt.ExecContext(ctx, c.PK(), e.PrimaryKey, int64(e.Version), string(attrs)); err != nil {
				return errors.Wrapf(err, "write entity %s/%d", name, e.PrimaryKey)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit checkpoint")
	}
	return nil
}

// Load reads the checkpoint. ok is false when nothing was saved yet.
func (s *Store) Load(ctx context.Context) (snap *store.Snapshot, h Header, ok bool, err error) {
	var (
		version, schemaVersion int64
		baseline               int64
		description            string
		savedAt, liveSince     int64
	)
	err = s.db.QueryRowContext(ctx,
		`SELECT catalog_id, name, version, schema_version, description, state, saved_at, live_since, baseline FROM header WHERE id = 1`,
	).Scan(&h.CatalogID, &h.Name, &version, &schemaVersion, &description, &h.State, &savedAt, &liveSince, &baseline)
	if err == sql.ErrNoRows {
		return nil, Header{}, false, nil
	}
	if err != nil {
		return nil, Header{}, false, errors.Wrapf(errors.ErrCatalogCorrupted, "read header: %v", err)
	}
	h.Version = uint64(version)
	h.SchemaVersion = uint64(schemaVersion)
	h.Baseline = uint64(baseline)
	h.SavedAt = time.Unix(0, savedAt).UTC()
	if liveSince != 0 {
		h.LiveSince = time.Unix(0, liveSince).UTC()
	}

	b := store.NewBuilder(store.Empty(h.CatalogID, h.Name))
	names := map[int]string{}

	rows, err := s.db.QueryContext(ctx, `SELECT pk, name, schema, next_pk FROM collections ORDER BY pk`)
	if err != nil {
		return nil, Header{}, false, errors.Wrapf(errors.ErrCatalogCorrupted, "read collections: %v", err)
	}
	for rows.Next() {
		var (
			pk        int
			name, raw string
			nextPK    int64
			schema    types.EntitySchema
		)
		if err := rows.Scan(&pk, &name, &raw, &nextPK); err != nil {
			rows.Close()
			return nil, Header{}, false, errors.Wrapf(errors.ErrCatalogCorrupted, "scan collection: %v", err)
		}
		if err := json.Unmarshal([]byte(raw), &schema); err != nil {
			rows.Close()
			return nil, Header{}, false, errors.Wrapf(errors.ErrCatalogCorrupted, "decode schema %s: %v", name, err)
		}
		if err := b.RestoreCollection(pk, &schema, nextPK); err != nil {
			rows.Close()
			return nil, Header{}, false, err
		}
		names[pk] = name
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `SELECT collection_pk, pk, version, attributes FROM entities ORDER BY collection_pk, pk`)
	if err != nil {
		return nil, Header{}, false, errors.Wrapf(errors.ErrCatalogCorrupted, "read entities: %v", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			collPK   int
			pk, ver  int64
			rawAttrs string
		)
		if err := rows.Scan(&collPK, &pk, &ver, &rawAttrs); err != nil {
			return nil, Header{}, false, errors.Wrapf(errors.ErrCatalogCorrupted, "scan entity: %v", err)
		}
		attrs := map[string]any{}
		dec := json.NewDecoder(bytes.NewReader([]byte(rawAttrs)))
		dec.UseNumber()
		if err := dec.Decode(&attrs); err != nil {
			return nil, Header{}, false, errors.Wrapf(errors.ErrCatalogCorrupted, "decode entity %d: %v", pk, err)
		}
		e := &types.Entity{Type: names[collPK], PrimaryKey: pk, Version: uint64(ver), Attributes: attrs}
		if err := b.Restore(e); err != nil {
			return nil, Header{}, false, err
		}
	}
	if err := rows.Err(); err != nil {
		return nil, Header{}, false, errors.Wrapf(errors.ErrCatalogCorrupted, "iterate entities: %v", err)
	}

	if description != "" {
		b.UpdateCatalogDescription(description)
	}
	b.SetSchemaVersion(h.SchemaVersion)
	b.SetVersion(h.Version)
	return b.Build(), h, true, nil
}

// UpdateState rewrites the persisted state without touching the data.
func (s *Store) UpdateState(ctx context.Context, state string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE header SET state = ? WHERE id = 1`, state)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}
