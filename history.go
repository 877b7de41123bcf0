package tern

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "modernc.org/sqlite"
)

// searchCacheSize bounds the history store's hot-query cache: recent
// deterministic search results (Prefix/FullText/Fuzzy — modes with no
// caller-supplied Matcher), keyed by the full query shape. A warm shell
// session tends to repeat the same few searches (up-arrow, re-running a
// prefix search while typing), so this avoids rescanning+reranking on
// every keystroke. Invalidated wholesale on any write (§3.5: derived view,
// never a source of truth).
const searchCacheSize = 128

type searchCacheKey struct {
	mode       SearchMode
	filterMode FilterMode
	qctx       Context
	query      string
}

// HistoryEntry is the payload of tag "history" (§3.3).
type HistoryEntry struct {
	ID        RecordId
	Timestamp Timestamp
	Duration  int64 // nanoseconds; -1 sentinel while in-flight
	Exit      int64 // -1 sentinel while in-flight
	Command   string
	Cwd       string
	Session   string
	Hostname  string
	DeletedAt *Timestamp
}

// SearchMode selects how History.Search matches query against command text
// (§4.4.2). Modeled as a tagged variant rather than a runtime trait object,
// per the "Dynamic search-mode dispatch" design note.
type SearchMode int

const (
	SearchPrefix SearchMode = iota
	SearchFullText
	SearchFuzzy
	SearchSkim
	SearchRegex
)

// Matcher backs the Skim/Regex search modes: a pluggable scorer returning a
// relevance score and whether candidate matched at all.
type Matcher interface {
	Score(query, candidate string) (score float64, matched bool)
}

// HistoryStore is the persistent indexed table backing command history
// (§4.4). It is cache-only in the sense of §3.5: every row here also
// exists, encrypted, in the record log, and the table can be rebuilt by
// replaying tag "history" if ever discarded.
type HistoryStore struct {
	db      *sql.DB
	records Store
	cache   *lru.Cache[searchCacheKey, []HistoryEntry]
}

// OpenHistoryStore opens or creates the history table at dsn. records is
// the per-host record log that Start/End append to (§6.4); it may be nil
// for read-only/materialized-view-only use (e.g. a downstream replica that
// only ever calls SaveBulk from the sync engine).
func OpenHistoryStore(dsn string, records Store) (*HistoryStore, error) {
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
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", p, err)
		}
	}
	schema := `
CREATE TABLE IF NOT EXISTS history (
  id         TEXT PRIMARY KEY,
  timestamp  INTEGER NOT NULL,
  duration   INTEGER NOT NULL,
  exit       INTEGER NOT NULL,
  command    TEXT NOT NULL,
  cwd        TEXT NOT NULL,
  session    TEXT NOT NULL,
  hostname   TEXT NOT NULL,
  deleted_at INTEGER
);
CREATE INDEX IF NOT EXISTS history_ts_idx ON history(timestamp DESC);
CREATE INDEX IF NOT EXISTS history_session_idx ON history(session);
CREATE INDEX IF NOT EXISTS history_cwd_idx ON history(cwd);
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate history schema: %w", err)
	}
	cache, err := lru.New[searchCacheKey, []HistoryEntry](searchCacheSize)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init search cache: %w", err)
	}
	return &HistoryStore{db: db, records: records, cache: cache}, nil
}

func (hs *HistoryStore) Close() error { return hs.db.Close() }

// Start implements history_start (§6.4): mints a fresh logical entry id,
// appends a "history" record carrying sentinel duration=-1/exit=-1, and
// mirrors it into the local table. Must stay cheap enough for a shell hook
// (sub-10ms p99 on a warm database).
func (hs *HistoryStore) Start(ctx context.Context, host HostId, key EncryptionKey, command, cwd, session, hostname string) (RecordId, error) {
	entryID, err := NewRecordId()
	if err != nil {
		return RecordId{}, NewError(KindCorruption, "mint history entry id", err)
	}
	entry := HistoryEntry{
		ID: entryID, Timestamp: TimestampFromTime(nowFunc()),
		Duration: -1, Exit: -1,
		Command: command, Cwd: cwd, Session: session, Hostname: hostname,
	}
	if err := hs.appendAndSave(ctx, host, key, entry); err != nil {
		return RecordId{}, err
	}
	return entryID, nil
}

// End implements history_end (§6.4): loads the in-flight row by its logical
// id, fills in duration/exit, and appends the completion as a new log
// record sharing the same payload id (§3.3's "derived uniqueness" — the
// later update wins on all columns in the materialized table).
func (hs *HistoryStore) End(ctx context.Context, host HostId, key EncryptionKey, id RecordId, duration, exit int64) error {
	entry, ok, err := hs.Load(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return NewErrorFor(KindNotFound, id.String(), "history_end: no in-flight entry", nil)
	}
	entry.Duration = duration
	entry.Exit = exit
	return hs.appendAndSave(ctx, host, key, entry)
}

func (hs *HistoryStore) appendAndSave(ctx context.Context, host HostId, key EncryptionKey, entry HistoryEntry) error {
	if hs.records != nil {
		recID, err := NewRecordId()
		if err != nil {
			return NewError(KindCorruption, "mint history log record id", err)
		}
		idx, err := hs.records.NextIdx(ctx, host, TagHistory)
		if err != nil {
			return err
		}
		var parent *RecordId
		if idx > 0 {
			last, ok, err := hs.records.Last(ctx, host, TagHistory)
			if err != nil {
				return err
			}
			if ok {
				p := last.ID
				parent = &p
			}
		}
		recTs := TimestampFromTime(nowFunc())
		ad := AssociatedData{ID: recID, Version: "v0", Tag: TagHistory, Host: host, Timestamp: recTs}
		sealed, err := Seal(SuitePasetoV4Local, encodeHistoryPayload(entry), key, ad)
		if err != nil {
			return err
		}
		if err := hs.records.Push(ctx, Record{
			ID: recID, Host: host, Tag: TagHistory, Version: "v0",
			Idx: idx, Parent: parent, Timestamp: recTs, Data: sealed,
		}); err != nil {
			return err
		}
	}
	return hs.Save(ctx, entry)
}

// Save inserts or overwrites an entry by id (§4.4): a second save with the
// same id replaces the row, which is how history_end turns an in-flight
// sentinel row into a completed one (scenario 8.4.1).
func (hs *HistoryStore) Save(ctx context.Context, e HistoryEntry) error {
	return hs.saveBulkTx(ctx, hs.db, []HistoryEntry{e})
}

// SaveBulk is idempotent by id (§4.6.3, §8.2): saving the same set twice
// leaves the table identical to saving it once. deleted_at is monotone: a
// save never clears a tombstone already on the row, and a tombstoned row
// keeps its command scrubbed.
func (hs *HistoryStore) SaveBulk(ctx context.Context, entries []HistoryEntry) error {
	return hs.saveBulkTx(ctx, hs.db, entries)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (hs *HistoryStore) saveBulkTx(ctx context.Context, execerDB *sql.DB, entries []HistoryEntry) error {
	tx, err := execerDB.BeginTx(ctx, nil)
	if err != nil {
		return NewError(KindNetwork, "begin save_bulk", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, e := range entries {
		var deletedAt any
		if e.DeletedAt != nil {
			deletedAt = int64(*e.DeletedAt)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO history(id, timestamp, duration, exit, command, cwd, session, hostname, deleted_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
			   timestamp=excluded.timestamp, duration=excluded.duration, exit=excluded.exit,
			   command=CASE WHEN COALESCE(history.deleted_at, excluded.deleted_at) IS NOT NULL THEN '' ELSE excluded.command END,
			   cwd=excluded.cwd, session=excluded.session,
			   hostname=excluded.hostname, deleted_at=COALESCE(history.deleted_at, excluded.deleted_at)`,
			e.ID.String(), int64(e.Timestamp), e.Duration, e.Exit, e.Command, e.Cwd, e.Session, e.Hostname, deletedAt)
		if err != nil {
			return NewErrorFor(KindNetwork, e.ID.String(), "save history entry", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return NewError(KindNetwork, "commit save_bulk", err)
	}
	hs.cache.Purge()
	return nil
}

// Rebuild discards and repopulates the history table from the log (§3.5):
// a cache-only view, rebuildable with no semantic loss. Mirrors
// FoldedStore.RebuildKV's newest-first, first-seen-wins fold, keyed here by
// the payload's logical entry id rather than a (namespace, key) pair.
func (hs *HistoryStore) Rebuild(ctx context.Context, key EncryptionKey) error {
	if hs.records == nil {
		return NewError(KindUser, "rebuild: history store has no attached record log", nil)
	}
	recs, err := hs.records.AllTagged(ctx, TagHistory)
	if err != nil {
		return err
	}
	visited := make(map[RecordId]bool, len(recs))
	var entries []HistoryEntry
	for _, r := range recs {
		plaintext, err := Open(suiteForVersion(r.Tag, r.Version), r.Data, key, r.AssociatedData())
		if err != nil {
			return NewErrorFor(KindCrypto, r.ID.String(), "decrypt history record", err)
		}
		entry, err := decodeHistoryPayload(plaintext)
		if err != nil {
			return err
		}
		if visited[entry.ID] {
			continue
		}
		visited[entry.ID] = true
		entries = append(entries, entry)
	}
	tx, err := hs.db.BeginTx(ctx, nil)
	if err != nil {
		return NewError(KindNetwork, "begin history rebuild", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM history`); err != nil {
		return NewError(KindNetwork, "clear history table for rebuild", err)
	}
	if err := tx.Commit(); err != nil {
		return NewError(KindNetwork, "commit history clear", err)
	}
	return hs.SaveBulk(ctx, entries)
}

func scanHistoryEntry(scan func(dest ...any) error) (HistoryEntry, error) {
	var e HistoryEntry
	var idStr string
	var ts, duration, exit int64
	var deletedAt sql.NullInt64
	if err := scan(&idStr, &ts, &duration, &exit, &e.Command, &e.Cwd, &e.Session, &e.Hostname, &deletedAt); err != nil {
		return HistoryEntry{}, err
	}
	id, err := ParseRecordId(idStr)
	if err != nil {
		return HistoryEntry{}, err
	}
	e.ID = id
	e.Timestamp = Timestamp(ts)
	e.Duration = duration
	e.Exit = exit
	if deletedAt.Valid {
		d := Timestamp(deletedAt.Int64)
		e.DeletedAt = &d
	}
	return e, nil
}

const historyColumns = `id, timestamp, duration, exit, command, cwd, session, hostname, deleted_at`

// Load fetches a single entry by id.
func (hs *HistoryStore) Load(ctx context.Context, id RecordId) (HistoryEntry, bool, error) {
	row := hs.db.QueryRowContext(ctx, `SELECT `+historyColumns+` FROM history WHERE id=?`, id.String())
	e, err := scanHistoryEntry(row.Scan)
	if err == sql.ErrNoRows {
		return HistoryEntry{}, false, nil
	}
	if err != nil {
		return HistoryEntry{}, false, NewError(KindNetwork, "load history entry", err)
	}
	return e, true, nil
}

// Delete soft-deletes entry: sets deleted_at to now and scrubs the command,
// but keeps the row for tombstone propagation (§4.4, §3.3). cwd and
// session are retained (supplemented from the original importer/audit
// behavior); only command is ever blanked.
func (hs *HistoryStore) Delete(ctx context.Context, entry HistoryEntry) error {
	now := TimestampFromTime(nowFunc())
	_, err := hs.db.ExecContext(ctx,
		`UPDATE history SET deleted_at=?, command='' WHERE id=?`, int64(now), entry.ID.String())
	if err != nil {
		return NewErrorFor(KindNetwork, entry.ID.String(), "delete history entry", err)
	}
	hs.cache.Purge()
	return nil
}

// HistoryCount returns the number of rows, optionally counting deleted
// tombstones too.
func (hs *HistoryStore) HistoryCount(ctx context.Context, includeDeleted bool) (int64, error) {
	q := `SELECT COUNT(*) FROM history`
	if !includeDeleted {
		q += ` WHERE deleted_at IS NULL`
	}
	var n int64
	if err := hs.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, NewError(KindNetwork, "count history", err)
	}
	return n, nil
}

// Deleted returns every tombstoned row.
func (hs *HistoryStore) Deleted(ctx context.Context) ([]HistoryEntry, error) {
	rows, err := hs.db.QueryContext(ctx, `SELECT `+historyColumns+` FROM history WHERE deleted_at IS NOT NULL ORDER BY timestamp DESC`)
	if err != nil {
		return nil, NewError(KindNetwork, "query deleted", err)
	}
	defer rows.Close()
	return collectHistory(rows)
}

func collectHistory(rows *sql.Rows) ([]HistoryEntry, error) {
	var out []HistoryEntry
	for rows.Next() {
		e, err := scanHistoryEntry(rows.Scan)
		if err != nil {
			return nil, NewError(KindCorruption, "scan history row", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scopeWhere(mode FilterMode, ctx Context) (string, []any) {
	switch mode {
	case FilterHost:
		return "hostname = ?", []any{ctx.Hostname}
	case FilterSession:
		return "session = ?", []any{ctx.Session}
	case FilterDirectory:
		return "cwd = ?", []any{ctx.Cwd}
	case FilterWorkspace:
		if ctx.GitRoot != nil {
			return "cwd LIKE ?", []any{*ctx.GitRoot + "%"}
		}
		return "cwd = ?", []any{ctx.Cwd}
	default:
		return "1=1", nil
	}
}

// List returns newest-first rows in scope, optionally deduplicated to
// unique commands and capped at limit (§4.4). limit <= 0 means unbounded.
func (hs *HistoryStore) List(ctx context.Context, mode FilterMode, qctx Context, limit int, uniqueCommands bool) ([]HistoryEntry, error) {
	where, args := scopeWhere(mode, qctx)
	q := fmt.Sprintf(`SELECT %s FROM history WHERE deleted_at IS NULL AND %s ORDER BY timestamp DESC`, historyColumns, where)
	rows, err := hs.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, NewError(KindNetwork, "list history", err)
	}
	defer rows.Close()
	all, err := collectHistory(rows)
	if err != nil {
		return nil, err
	}
	if uniqueCommands {
		all = dedupeByCommand(all)
	}
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func dedupeByCommand(rows []HistoryEntry) []HistoryEntry {
	seen := make(map[string]bool, len(rows))
	out := make([]HistoryEntry, 0, len(rows))
	for _, h := range rows {
		c := strings.TrimSpace(h.Command)
		if seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, h)
	}
	return out
}

// Range returns rows in the half-open window [start, end).
func (hs *HistoryStore) Range(ctx context.Context, start, end Timestamp) ([]HistoryEntry, error) {
	if start >= end {
		return nil, nil
	}
	rows, err := hs.db.QueryContext(ctx,
		`SELECT `+historyColumns+` FROM history WHERE deleted_at IS NULL AND timestamp >= ? AND timestamp < ? ORDER BY timestamp DESC`,
		int64(start), int64(end))
	if err != nil {
		return nil, NewError(KindNetwork, "range query", err)
	}
	defer rows.Close()
	return collectHistory(rows)
}

// Search implements §4.4.2: mode selects how query matches command text.
// matcher is only consulted for SearchSkim/SearchRegex; pass nil for the
// other modes. A malformed index is never an error (§4.4.5) — this store
// has no separate index to go stale, so that edge case is structurally
// unreachable here and is left to the opaque full-text engine collaborator
// named in spec.md's Out-of-scope section.
func (hs *HistoryStore) Search(ctx context.Context, mode SearchMode, filterMode FilterMode, qctx Context, query string, matcher Matcher) ([]HistoryEntry, error) {
	// Skim/Regex carry an external Matcher whose scoring isn't part of the
	// cache key, so only the three self-contained modes are cached.
	cacheable := mode == SearchPrefix || mode == SearchFullText || mode == SearchFuzzy
	key := searchCacheKey{mode: mode, filterMode: filterMode, qctx: qctx, query: query}
	if cacheable {
		if hit, ok := hs.cache.Get(key); ok {
			return hit, nil
		}
	}
	result, err := hs.search(ctx, mode, filterMode, qctx, query, matcher)
	if err == nil && cacheable {
		hs.cache.Add(key, result)
	}
	return result, err
}

// Query is the full §4.4 search contract, composing Search's mode/scope
// matching with the two independent post-rank stages the spec describes
// separately: §4.4.3's scope-priority rerank (Session/Directory/Host/
// Global, opt-in via rerank) and §4.4.4's OptFilters pagination/exit/cwd/
// date filtering (opt-in via a non-nil opt — a nil opt means the caller
// wants every ranked row with no limit, distinct from an explicit
// OptFilters{Limit: 0} which §8.3 defines as "return nothing").
func (hs *HistoryStore) Query(ctx context.Context, mode SearchMode, filterMode FilterMode, qctx Context, query string, matcher Matcher, rerank bool, opt *OptFilters) ([]HistoryEntry, error) {
	rows, err := hs.Search(ctx, mode, filterMode, qctx, query, matcher)
	if err != nil {
		return nil, err
	}
	if rerank {
		rows = ReorderByScopePriority(qctx, rows)
	}
	if opt != nil {
		return opt.Apply(rows)
	}
	return rows, nil
}

func (hs *HistoryStore) search(ctx context.Context, mode SearchMode, filterMode FilterMode, qctx Context, query string, matcher Matcher) ([]HistoryEntry, error) {
	// An empty query matches nothing, never everything (§8.3) — distinct
	// from List, which is the deliberate browse-everything path.
	if query == "" {
		return nil, nil
	}
	where, args := scopeWhere(filterMode, qctx)
	q := fmt.Sprintf(`SELECT %s FROM history WHERE deleted_at IS NULL AND %s ORDER BY timestamp DESC`, historyColumns, where)
	rows, err := hs.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, NewError(KindNetwork, "search query", err)
	}
	defer rows.Close()
	candidates, err := collectHistory(rows)
	if err != nil {
		return nil, err
	}

	switch mode {
	case SearchPrefix:
		return filterCommand(candidates, func(c string) bool { return strings.HasPrefix(c, query) }), nil
	case SearchFullText:
		return filterCommand(candidates, func(c string) bool { return strings.Contains(c, query) }), nil
	case SearchFuzzy:
		return fuzzyRank(candidates, query), nil
	case SearchSkim, SearchRegex:
		if matcher == nil {
			return nil, NewError(KindUser, "skim/regex search mode requires a Matcher", nil)
		}
		return matcherRank(candidates, query, matcher), nil
	default:
		return nil, NewError(KindUser, fmt.Sprintf("unknown search mode %d", mode), nil)
	}
}

func filterCommand(rows []HistoryEntry, keep func(string) bool) []HistoryEntry {
	out := make([]HistoryEntry, 0, len(rows))
	for _, h := range rows {
		if keep(h.Command) {
			out = append(out, h)
		}
	}
	return out
}

// fuzzyRank keeps rows whose command contains every whitespace-delimited
// query term as a substring, then reorders by minimum character span of
// the full query within command — narrower span ranks better. Grounded on
// this system's fuzzy-match reranker (reimplemented, not translated): a
// query found nowhere sorts to the end rather than the front.
func fuzzyRank(rows []HistoryEntry, query string) []HistoryEntry {
	terms := strings.Fields(query)
	candidates := make([]HistoryEntry, 0, len(rows))
	for _, h := range rows {
		all := true
		for _, t := range terms {
			if !strings.Contains(h.Command, t) {
				all = false
				break
			}
		}
		if all {
			candidates = append(candidates, h)
		}
	}

	qr := []rune(query)
	type scored struct {
		entry HistoryEntry
		span  int
	}
	out := make([]scored, len(candidates))
	for i, h := range candidates {
		cr := []rune(h.Command)
		from, to, found := minSpan(qr, cr)
		span := int(^uint(0) >> 1)
		if found {
			span = to - from
		}
		out[i] = scored{entry: h, span: span}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].span < out[j].span })
	result := make([]HistoryEntry, len(out))
	for i, s := range out {
		result[i] = s.entry
	}
	return result
}

// minSpan finds the shortest window [from, to) in candidate within which
// query appears as a (not necessarily contiguous) subsequence, preserving
// order. Returns found=false if query is not a subsequence of candidate at
// all.
func minSpan(query, candidate []rune) (from, to int, found bool) {
	n := len(candidate)
	m := len(query)
	if m == 0 {
		return 0, 0, true
	}
	bestLen := n + 1
	bestFrom, bestTo := 0, 0

	start := 0
	for start < n {
		// Forward match: find end index where query is fully matched as a
		// subsequence starting no earlier than start.
		qi := 0
		end := -1
		for i := start; i < n && qi < m; i++ {
			if candidate[i] == query[qi] {
				qi++
				if qi == m {
					end = i
				}
			}
		}
		if end == -1 {
			break
		}
		// Backward shrink: walk end backwards to find the latest possible
		// window start that still matches the full query ending at end.
		qi = m - 1
		winStart := end
		for i := end; i >= start; i-- {
			if candidate[i] == query[qi] {
				qi--
				if qi < 0 {
					winStart = i
					break
				}
			}
		}
		if end-winStart+1 < bestLen {
			bestLen = end - winStart + 1
			bestFrom, bestTo = winStart, end+1
			found = true
		}
		start = winStart + 1
	}
	return bestFrom, bestTo, found
}

func matcherRank(rows []HistoryEntry, query string, m Matcher) []HistoryEntry {
	type scored struct {
		entry HistoryEntry
		score float64
	}
	var out []scored
	for _, h := range rows {
		score, ok := m.Score(query, h.Command)
		if !ok {
			continue
		}
		out = append(out, scored{entry: h, score: score})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].score > out[j].score })
	result := make([]HistoryEntry, len(out))
	for i, s := range out {
		result[i] = s.entry
	}
	return result
}
