package tern

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// kvPayload is the decrypted body of a "kv" tag record (§3.4). Value==nil
// is a tombstone.
type kvPayload struct {
	Namespace string
	Key       string
	Value     *string
}

// todoPayload is the decrypted body of a "todo" tag record (§3.4), extended
// with an explicit ItemID: unlike history (identity = HistoryEntry.ID,
// carried in the payload across updates) or KV (identity = namespace+key), the spec's todo payload
// names no logical identity field, and Record.ID is unique per append
// (§3.2 invariant 2) so it cannot serve that role across edits. ItemID is a
// RecordId minted once when a todo item is first created and carried
// unchanged through every subsequent state/text/tags update, giving the
// fold in RebuildTodo something stable to key on. See DESIGN.md.
type todoPayload struct {
	ItemID RecordId
	State  string
	Text   string
	Tags   []string
}

// FoldedStore rebuilds last-writer-wins views from a tag's record subset
// (§4.5, component E). KV and Todo are both folded stores over the same
// log, differing only in payload shape and table name.
type FoldedStore struct {
	db       *sql.DB
	records  Store
	decryptK func() EncryptionKey
}

// OpenFoldedStore opens or creates the materialized kv/todo tables at dsn.
// keyFn supplies the current decryption key at rebuild time, read lazily so
// key rotation is picked up without reopening the store.
func OpenFoldedStore(dsn string, records Store, keyFn func() EncryptionKey) (*FoldedStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	schema := `
CREATE TABLE IF NOT EXISTS kv (
  namespace TEXT NOT NULL,
  key       TEXT NOT NULL,
  value     TEXT NOT NULL,
  PRIMARY KEY (namespace, key)
);
CREATE TABLE IF NOT EXISTS todo (
  id    TEXT PRIMARY KEY,
  state TEXT NOT NULL,
  text  TEXT NOT NULL,
  tags  TEXT NOT NULL
);
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate folded schema: %w", err)
	}
	return &FoldedStore{db: db, records: records, decryptK: keyFn}, nil
}

func (f *FoldedStore) Close() error { return f.db.Close() }

// RebuildKV implements §4.5's build algorithm verbatim: fetch all "kv"
// records newest-first (AllTagged already orders by the total order this
// system stabilizes: (timestamp DESC, host, idx DESC), resolving the open
// question noted there), fold by first-seen-wins per (namespace, key), then
// sweep stale rows. Two rebuilds from the same log produce byte-identical
// tables (§8.1).
func (f *FoldedStore) RebuildKV(ctx context.Context) error {
	recs, err := f.records.AllTagged(ctx, TagKV)
	if err != nil {
		return err
	}
	key := f.decryptK()

	type visitKey struct{ ns, k string }
	visited := make(map[visitKey]bool, len(recs))

	tx, err := f.db.BeginTx(ctx, nil)
	if err != nil {
		return NewError(KindNetwork, "begin kv rebuild", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, r := range recs {
		payload, err := decodeKV(r, key)
		if err != nil {
			return err
		}
		vk := visitKey{payload.Namespace, payload.Key}
		if visited[vk] {
			continue
		}
		visited[vk] = true

		if payload.Value != nil {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO kv(namespace, key, value) VALUES (?, ?, ?)
				 ON CONFLICT(namespace, key) DO UPDATE SET value=excluded.value`,
				payload.Namespace, payload.Key, *payload.Value); err != nil {
				return NewError(KindNetwork, "upsert kv row", err)
			}
		} else {
			if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE namespace=? AND key=?`,
				payload.Namespace, payload.Key); err != nil {
				return NewError(KindNetwork, "delete kv tombstone row", err)
			}
		}
	}

	rows, err := tx.QueryContext(ctx, `SELECT namespace, key FROM kv`)
	if err != nil {
		return NewError(KindNetwork, "scan kv table for cleanup", err)
	}
	var stale []visitKey
	for rows.Next() {
		var vk visitKey
		if err := rows.Scan(&vk.ns, &vk.k); err != nil {
			rows.Close()
			return NewError(KindCorruption, "scan kv cleanup row", err)
		}
		if !visited[vk] {
			stale = append(stale, vk)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return NewError(KindNetwork, "iterate kv cleanup rows", err)
	}
	for _, vk := range stale {
		if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE namespace=? AND key=?`, vk.ns, vk.k); err != nil {
			return NewError(KindNetwork, "cleanup stale kv row", err)
		}
	}

	return tx.Commit()
}

// Get reads the current value for (namespace, key), if any.
func (f *FoldedStore) Get(ctx context.Context, namespace, key string) (string, bool, error) {
	var v string
	err := f.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE namespace=? AND key=?`, namespace, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, NewError(KindNetwork, "get kv", err)
	}
	return v, true, nil
}

// Set appends a new "kv" record and updates the cache in the same call
// (§4.5: "Write is a new record with the new value... on crash between the
// two, the next build() reconciles"). key is the caller's current
// encryption key.
func (f *FoldedStore) Set(ctx context.Context, host HostId, key EncryptionKey, namespace, k, v string) error {
	return f.appendAndApply(ctx, host, key, namespace, k, &v)
}

// Delete appends a tombstone "kv" record (value == nil) and updates the
// cache.
func (f *FoldedStore) Delete(ctx context.Context, host HostId, key EncryptionKey, namespace, k string) error {
	return f.appendAndApply(ctx, host, key, namespace, k, nil)
}

func (f *FoldedStore) appendAndApply(ctx context.Context, host HostId, key EncryptionKey, namespace, k string, v *string) error {
	id, err := NewRecordId()
	if err != nil {
		return NewError(KindCorruption, "mint kv record id", err)
	}
	idx, err := f.records.NextIdx(ctx, host, TagKV)
	if err != nil {
		return err
	}
	var parent *RecordId
	if idx > 0 {
		last, ok, err := f.records.Last(ctx, host, TagKV)
		if err != nil {
			return err
		}
		if ok {
			p := last.ID
			parent = &p
		}
	}
	ts := TimestampFromTime(nowFunc())
	ad := AssociatedData{ID: id, Version: "v0", Tag: TagKV, Host: host, Timestamp: ts}
	plaintext := encodeKVPayload(kvPayload{Namespace: namespace, Key: k, Value: v})
	sealed, err := Seal(SuitePasetoV4Local, plaintext, key, ad)
	if err != nil {
		return err
	}
	if err := f.records.Push(ctx, Record{
		ID: id, Host: host, Tag: TagKV, Version: "v0",
		Idx: idx, Parent: parent, Timestamp: ts, Data: sealed,
	}); err != nil {
		return err
	}

	if v != nil {
		_, err = f.db.ExecContext(ctx,
			`INSERT INTO kv(namespace, key, value) VALUES (?, ?, ?)
			 ON CONFLICT(namespace, key) DO UPDATE SET value=excluded.value`,
			namespace, k, *v)
	} else {
		_, err = f.db.ExecContext(ctx, `DELETE FROM kv WHERE namespace=? AND key=?`, namespace, k)
	}
	if err != nil {
		return NewError(KindNetwork, "apply kv write to cache", err)
	}
	return nil
}

// RebuildTodo folds the "todo" tag the same way RebuildKV folds "kv":
// newest-first, first-seen-wins per ItemID, with no tombstone notion since
// §3.4 defines no delete payload for todo — items persist until their
// owning application layer stops referencing them.
func (f *FoldedStore) RebuildTodo(ctx context.Context) error {
	recs, err := f.records.AllTagged(ctx, TagTodo)
	if err != nil {
		return err
	}
	key := f.decryptK()
	visited := make(map[RecordId]bool, len(recs))

	tx, err := f.db.BeginTx(ctx, nil)
	if err != nil {
		return NewError(KindNetwork, "begin todo rebuild", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, r := range recs {
		suite := suiteForVersion(r.Tag, r.Version)
		plaintext, err := Open(suite, r.Data, key, r.AssociatedData())
		if err != nil {
			return NewErrorFor(KindCrypto, r.ID.String(), "decrypt todo record", err)
		}
		payload, err := decodeTodoPayload(plaintext)
		if err != nil {
			return err
		}
		if visited[payload.ItemID] {
			continue
		}
		visited[payload.ItemID] = true

		tags := strings.Join(payload.Tags, "\x1f")
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO todo(id, state, text, tags) VALUES (?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET state=excluded.state, text=excluded.text, tags=excluded.tags`,
			payload.ItemID.String(), payload.State, payload.Text, tags); err != nil {
			return NewError(KindNetwork, "upsert todo row", err)
		}
	}

	rows, err := tx.QueryContext(ctx, `SELECT id FROM todo`)
	if err != nil {
		return NewError(KindNetwork, "scan todo table for cleanup", err)
	}
	var stale []string
	for rows.Next() {
		var idStr string
		if err := rows.Scan(&idStr); err != nil {
			rows.Close()
			return NewError(KindCorruption, "scan todo cleanup row", err)
		}
		id, err := ParseRecordId(idStr)
		if err != nil {
			rows.Close()
			return NewError(KindCorruption, "parse todo id", err)
		}
		if !visited[id] {
			stale = append(stale, idStr)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return NewError(KindNetwork, "iterate todo cleanup rows", err)
	}
	for _, idStr := range stale {
		if _, err := tx.ExecContext(ctx, `DELETE FROM todo WHERE id=?`, idStr); err != nil {
			return NewError(KindNetwork, "cleanup stale todo row", err)
		}
	}

	return tx.Commit()
}

// TodoItem is the materialized row shape returned by GetTodo/ListTodo.
type TodoItem struct {
	ItemID RecordId
	State  string
	Text   string
	Tags   []string
}

func (f *FoldedStore) GetTodo(ctx context.Context, itemID RecordId) (TodoItem, bool, error) {
	var state, text, tags string
	err := f.db.QueryRowContext(ctx, `SELECT state, text, tags FROM todo WHERE id=?`, itemID.String()).
		Scan(&state, &text, &tags)
	if err == sql.ErrNoRows {
		return TodoItem{}, false, nil
	}
	if err != nil {
		return TodoItem{}, false, NewError(KindNetwork, "get todo", err)
	}
	item := TodoItem{ItemID: itemID, State: state, Text: text}
	if tags != "" {
		item.Tags = strings.Split(tags, "\x1f")
	}
	return item, true, nil
}

// SetTodo appends a new "todo" record carrying itemID's latest state and
// updates the cache row in place, mirroring FoldedStore.Set's
// write-then-apply pattern for KV.
func (f *FoldedStore) SetTodo(ctx context.Context, host HostId, key EncryptionKey, itemID RecordId, state, text string, tags []string) error {
	id, err := NewRecordId()
	if err != nil {
		return NewError(KindCorruption, "mint todo record id", err)
	}
	idx, err := f.records.NextIdx(ctx, host, TagTodo)
	if err != nil {
		return err
	}
	var parent *RecordId
	if idx > 0 {
		last, ok, err := f.records.Last(ctx, host, TagTodo)
		if err != nil {
			return err
		}
		if ok {
			p := last.ID
			parent = &p
		}
	}
	ts := TimestampFromTime(nowFunc())
	ad := AssociatedData{ID: id, Version: "v0", Tag: TagTodo, Host: host, Timestamp: ts}
	plaintext := encodeTodoPayload(todoPayload{ItemID: itemID, State: state, Text: text, Tags: tags})
	sealed, err := Seal(SuitePasetoV4Local, plaintext, key, ad)
	if err != nil {
		return err
	}
	if err := f.records.Push(ctx, Record{
		ID: id, Host: host, Tag: TagTodo, Version: "v0",
		Idx: idx, Parent: parent, Timestamp: ts, Data: sealed,
	}); err != nil {
		return err
	}

	joined := strings.Join(tags, "\x1f")
	_, err = f.db.ExecContext(ctx,
		`INSERT INTO todo(id, state, text, tags) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET state=excluded.state, text=excluded.text, tags=excluded.tags`,
		itemID.String(), state, text, joined)
	if err != nil {
		return NewError(KindNetwork, "apply todo write to cache", err)
	}
	return nil
}

func decodeKV(r Record, key EncryptionKey) (kvPayload, error) {
	suite := suiteForVersion(r.Tag, r.Version)
	plaintext, err := Open(suite, r.Data, key, r.AssociatedData())
	if err != nil {
		return kvPayload{}, NewErrorFor(KindCrypto, r.ID.String(), "decrypt kv record", err)
	}
	return decodeKVPayload(plaintext)
}
