package tern

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // pure-Go SQLite driver for database/sql
)

// Store is the capability set a record log exposes (§4.2, §9's "model as a
// capability set" design note). A process picks exactly one implementation;
// no dynamic dispatch is required beyond this interface.
type Store interface {
	Push(ctx context.Context, r Record) error
	Last(ctx context.Context, host HostId, tag string) (Record, bool, error)
	NextIdx(ctx context.Context, host HostId, tag string) (uint64, error)
	Get(ctx context.Context, id RecordId) (Record, bool, error)
	AllTagged(ctx context.Context, tag string) ([]Record, error)
	Unsynced(ctx context.Context) ([]Record, error)
	MarkSynced(ctx context.Context, id RecordId) error
	ReEncrypt(ctx context.Context, host HostId, oldKey, newKey EncryptionKey) error
	Close() error
}

// sqliteStore implements Store over a single embedded relational database,
// adapted from the teacher's sqlite_store.go: WAL journaling, a busy
// timeout, and every mutation inside a short transaction that revalidates
// the append position before writing.
type sqliteStore struct{ db *sql.DB }

// OpenSQLiteStore opens or creates the record log database at dsn and
// ensures its schema and PRAGMAs are set.
func OpenSQLiteStore(dsn string) (Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	for _, p := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", p, err)
		}
	}
	schema := `
CREATE TABLE IF NOT EXISTS records (
  host      TEXT    NOT NULL,
  tag       TEXT    NOT NULL,
  idx       INTEGER NOT NULL,
  id        TEXT    NOT NULL,
  version   TEXT    NOT NULL,
  parent    TEXT,
  timestamp INTEGER NOT NULL,
  data      BLOB    NOT NULL,
  synced    INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (host, tag, idx)
);
CREATE UNIQUE INDEX IF NOT EXISTS records_id_uq ON records(id);
CREATE INDEX IF NOT EXISTS records_tag_ts_idx ON records(tag, timestamp DESC);
CREATE INDEX IF NOT EXISTS records_unsynced_idx ON records(synced) WHERE synced = 0;
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate records schema: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

// Push appends r, enforcing the §3.2 invariants: idx is exactly one past
// the current tail for (host, tag), and parent must equal that tail's id.
// The whole check-then-insert runs in one transaction so a racing writer
// loses to a unique-constraint conflict rather than silently overwriting.
func (s *sqliteStore) Push(ctx context.Context, r Record) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return NewError(KindNetwork, "begin push transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	var maxIdx sql.NullInt64
	var lastID sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT idx, id FROM records WHERE host=? AND tag=? ORDER BY idx DESC LIMIT 1`,
		r.Host.String(), r.Tag).Scan(&maxIdx, &lastID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if r.Idx != 0 || r.Parent != nil {
			return NewErrorFor(KindCorruption, r.ID.String(), "first record must have idx 0 and no parent", nil)
		}
	case err != nil:
		return NewError(KindNetwork, "read tail for push", err)
	default:
		if uint64(maxIdx.Int64) != r.Idx-1 {
			return NewErrorFor(KindConflict, r.ID.String(),
				fmt.Sprintf("non-contiguous append: have idx %d, got %d", maxIdx.Int64, r.Idx), nil)
		}
		if r.Parent == nil || r.Parent.String() != lastID.String {
			return NewErrorFor(KindCorruption, r.ID.String(), "missing or mismatched parent: broken chain", nil)
		}
	}

	var parent any
	if r.Parent != nil {
		parent = r.Parent.String()
	}
	synced := 0
	if r.Synced {
		synced = 1
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO records(host, tag, idx, id, version, parent, timestamp, data, synced)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Host.String(), r.Tag, r.Idx, r.ID.String(), r.Version, parent, int64(r.Timestamp), r.Data, synced)
	if err != nil {
		return NewErrorFor(KindConflict, r.ID.String(), "insert record", err)
	}
	if err := tx.Commit(); err != nil {
		return NewError(KindNetwork, "commit push", err)
	}
	return nil
}

func scanRecord(scan func(dest ...any) error) (Record, error) {
	var r Record
	var hostStr, idStr, parentStr sql.NullString
	var ts int64
	var synced int
	if err := scan(&hostStr, &r.Tag, &r.Idx, &idStr, &r.Version, &parentStr, &ts, &r.Data, &synced); err != nil {
		return Record{}, err
	}
	host, err := ParseHostId(hostStr.String)
	if err != nil {
		return Record{}, fmt.Errorf("parse host: %w", err)
	}
	id, err := ParseRecordId(idStr.String)
	if err != nil {
		return Record{}, fmt.Errorf("parse id: %w", err)
	}
	r.Host = host
	r.ID = id
	r.Timestamp = Timestamp(ts)
	r.Synced = synced != 0
	if parentStr.Valid {
		p, err := ParseRecordId(parentStr.String)
		if err != nil {
			return Record{}, fmt.Errorf("parse parent: %w", err)
		}
		r.Parent = &p
	}
	return r, nil
}

func (s *sqliteStore) Last(ctx context.Context, host HostId, tag string) (Record, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT host, tag, idx, id, version, parent, timestamp, data, synced
		 FROM records WHERE host=? AND tag=? ORDER BY idx DESC LIMIT 1`,
		host.String(), tag)
	r, err := scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, NewError(KindNetwork, "query last record", err)
	}
	return r, true, nil
}

func (s *sqliteStore) NextIdx(ctx context.Context, host HostId, tag string) (uint64, error) {
	last, ok, err := s.Last(ctx, host, tag)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return last.Idx + 1, nil
}

func (s *sqliteStore) Get(ctx context.Context, id RecordId) (Record, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT host, tag, idx, id, version, parent, timestamp, data, synced
		 FROM records WHERE id=?`, id.String())
	r, err := scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, NewError(KindNetwork, "query record by id", err)
	}
	return r, true, nil
}

// AllTagged returns every record carrying tag, newest-first across all
// hosts (§4.2). Folded-store builds (§4.5) rely on this exact order.
func (s *sqliteStore) AllTagged(ctx context.Context, tag string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT host, tag, idx, id, version, parent, timestamp, data, synced
		 FROM records WHERE tag=? ORDER BY timestamp DESC, host, idx DESC`, tag)
	if err != nil {
		return nil, NewError(KindNetwork, "query all_tagged", err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, NewError(KindCorruption, "scan all_tagged row", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Unsynced returns every record not yet confirmed uploaded.
func (s *sqliteStore) Unsynced(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT host, tag, idx, id, version, parent, timestamp, data, synced
		 FROM records WHERE synced = 0 ORDER BY timestamp DESC`)
	if err != nil {
		return nil, NewError(KindNetwork, "query unsynced", err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, NewError(KindCorruption, "scan unsynced row", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) MarkSynced(ctx context.Context, id RecordId) error {
	_, err := s.db.ExecContext(ctx, `UPDATE records SET synced = 1 WHERE id = ?`, id.String())
	if err != nil {
		return NewErrorFor(KindNetwork, id.String(), "mark synced", err)
	}
	return nil
}

// ReEncrypt implements the §4.1 rekey operation: decrypt every record
// belonging to host under oldKey, reseal under newKey, and replace Data in
// place. id/version/tag/host/timestamp/idx/parent are untouched — this is
// the only sanctioned mutation of an already-appended record. Unlike the
// source project (§9 Open Question notes it is not crash-atomic there),
// the whole rewrite runs in a single transaction here so a crash mid-rekey
// leaves either the old or the new ciphertext, never a mix.
func (s *sqliteStore) ReEncrypt(ctx context.Context, host HostId, oldKey, newKey EncryptionKey) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return NewError(KindNetwork, "begin rekey transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT host, tag, idx, id, version, parent, timestamp, data, synced
		 FROM records WHERE host=?`, host.String())
	if err != nil {
		return NewError(KindNetwork, "query host records for rekey", err)
	}
	var recs []Record
	for rows.Next() {
		r, err := scanRecord(rows.Scan)
		if err != nil {
			rows.Close()
			return NewError(KindCorruption, "scan record for rekey", err)
		}
		recs = append(recs, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return NewError(KindNetwork, "iterate records for rekey", err)
	}

	for _, r := range recs {
		if r.Tag == TagKey {
			// "key" records are sealed under the fixed, non-rotating
			// keyTagAuthKey(host), never under the content-encryption key
			// that rotates here — they must stay that way so KeyStore can
			// keep decoding them across every future rotation (§4.3).
			continue
		}
		suite := suiteForVersion(r.Tag, r.Version)
		ad := r.AssociatedData()
		plaintext, err := Open(suite, r.Data, oldKey, ad)
		if err != nil {
			return NewErrorFor(KindCrypto, r.ID.String(), "rekey: decrypt under old key", err)
		}
		sealed, err := Seal(suite, plaintext, newKey, ad)
		if err != nil {
			return NewErrorFor(KindCrypto, r.ID.String(), "rekey: encrypt under new key", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE records SET data=? WHERE id=?`, sealed, r.ID.String()); err != nil {
			return NewErrorFor(KindNetwork, r.ID.String(), "rekey: persist new ciphertext", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return NewError(KindNetwork, "commit rekey", err)
	}
	return nil
}
