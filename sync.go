package tern

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-retryablehttp"
)

// Relay is the client-facing contract of the remote HTTP relay (§4.6,
// §6.1). Only these five operations are needed; the relay never decrypts.
type Relay interface {
	Status(ctx context.Context) (RelayStatus, error)
	Count(ctx context.Context) (int64, error)
	GetHistory(ctx context.Context, sinceSyncTime, cursorTimestamp time.Time, hostFilter *HostId) (RelayPage, error)
	PostHistory(ctx context.Context, batch []RelayUpload) error
	DeleteHistory(ctx context.Context, id RecordId) error
}

// RelayStatus mirrors GET /sync/status (§6.1).
type RelayStatus struct {
	Count     int64
	PageSize  int64
	Deleted   []RecordId
}

// RelayPage mirrors a page of GET /sync/history: opaque tokens, already
// Base64-packed per §6.3.
type RelayPage struct {
	History  []string
	PageSize int64
}

// RelayUpload is one entry of the POST /history batch body (§6.1).
type RelayUpload struct {
	ID        RecordId
	Timestamp Timestamp
	Data      []byte
	Hostname  string
}

// HTTPRelay implements Relay over HTTPS with a bearer session token,
// adapted from the teacher's HTTPTransport: a thin JSON-over-HTTP client
// with the retry/backoff policy factored into the http.Client itself
// rather than hand-rolled per call.
type HTTPRelay struct {
	BaseURL string
	Token   string
	Client  *retryablehttp.Client
}

// NewHTTPRelay builds an HTTPRelay with the §5 default timeouts (30s
// connect timeout from the dialer of retryablehttp's default pooled
// transport, 60s per-request ceiling via the HTTP client timeout) and an
// exponential backoff capped per §7's "Network/Protocol with exponential
// backoff, capped".
func NewHTTPRelay(baseURL, token string) *HTTPRelay {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 5
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.HTTPClient.Timeout = 60 * time.Second
	rc.Logger = nil
	return &HTTPRelay{BaseURL: baseURL, Token: token, Client: rc}
}

func (h *HTTPRelay) do(ctx context.Context, method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return NewError(KindProtocol, "encode relay request body", err)
		}
		reqBody = bytes.NewReader(encoded)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, h.BaseURL+path, reqBody)
	if err != nil {
		return NewError(KindNetwork, "build relay request", err)
	}
	req.Header.Set("Authorization", "Bearer "+h.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.Client.Do(req)
	if err != nil {
		return NewError(KindNetwork, "relay request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound && method == http.MethodDelete {
		return nil // 404 tolerated on delete, per §6.1
	}
	if resp.StatusCode == http.StatusConflict && method == http.MethodPost {
		return nil // duplicate upload treated as success, per §4.6.4
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return NewError(KindProtocol, fmt.Sprintf("relay returned %d: %s", resp.StatusCode, raw), nil)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return NewError(KindProtocol, "decode relay response", err)
	}
	return nil
}

type statusWire struct {
	Count    int64    `json:"count"`
	PageSize int64    `json:"page_size"`
	Deleted  []string `json:"deleted"`
}

func (h *HTTPRelay) Status(ctx context.Context) (RelayStatus, error) {
	var w statusWire
	if err := h.do(ctx, http.MethodGet, "/sync/status", nil, &w); err != nil {
		return RelayStatus{}, err
	}
	ids := make([]RecordId, 0, len(w.Deleted))
	for _, s := range w.Deleted {
		id, err := ParseRecordId(s)
		if err != nil {
			return RelayStatus{}, NewError(KindProtocol, "relay status: malformed deleted id", err)
		}
		ids = append(ids, id)
	}
	return RelayStatus{Count: w.Count, PageSize: w.PageSize, Deleted: ids}, nil
}

func (h *HTTPRelay) Count(ctx context.Context) (int64, error) {
	var w struct {
		Count int64 `json:"count"`
	}
	if err := h.do(ctx, http.MethodGet, "/sync/count", nil, &w); err != nil {
		return 0, err
	}
	return w.Count, nil
}

func (h *HTTPRelay) GetHistory(ctx context.Context, sinceSyncTime, cursorTimestamp time.Time, hostFilter *HostId) (RelayPage, error) {
	path := fmt.Sprintf("/sync/history?sync_ts=%s&history_ts=%s",
		sinceSyncTime.UTC().Format(time.RFC3339Nano), cursorTimestamp.UTC().Format(time.RFC3339Nano))
	if hostFilter != nil {
		path += "&host=" + hostFilter.String()
	}
	var w struct {
		History  []string `json:"history"`
		PageSize int64    `json:"page_size"`
	}
	if err := h.do(ctx, http.MethodGet, path, nil, &w); err != nil {
		return RelayPage{}, err
	}
	return RelayPage{History: w.History, PageSize: w.PageSize}, nil
}

func (h *HTTPRelay) PostHistory(ctx context.Context, batch []RelayUpload) error {
	// Data is already the Base64-wrapped §6.3 record token (EncodeRecordToken
	// output); carry it as a JSON string rather than []byte so it isn't
	// Base64-encoded a second time by encoding/json's []byte handling.
	type wireEntry struct {
		ID        string `json:"id"`
		Timestamp int64  `json:"timestamp"`
		Data      string `json:"data"`
		Hostname  string `json:"hostname"`
	}
	wire := make([]wireEntry, len(batch))
	for i, b := range batch {
		wire[i] = wireEntry{ID: b.ID.String(), Timestamp: int64(b.Timestamp), Data: string(b.Data), Hostname: b.Hostname}
	}
	return h.do(ctx, http.MethodPost, "/history", wire, nil)
}

func (h *HTTPRelay) DeleteHistory(ctx context.Context, id RecordId) error {
	return h.do(ctx, http.MethodDelete, "/history/"+id.String(), nil, nil)
}

// LocalRelay is an in-memory Relay double for tests and single-machine use,
// grounded on the teacher's LocalTransport/TrustedServer pairing.
type LocalRelay struct {
	mu      sync.Mutex
	records map[RecordId]RelayUpload
	order   []RecordId
	deleted map[RecordId]bool
	pageSz  int64
}

func NewLocalRelay(pageSize int64) *LocalRelay {
	return &LocalRelay{
		records: make(map[RecordId]RelayUpload),
		deleted: make(map[RecordId]bool),
		pageSz:  pageSize,
	}
}

func (l *LocalRelay) Status(_ context.Context) (RelayStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	deleted := make([]RecordId, 0, len(l.deleted))
	for id := range l.deleted {
		deleted = append(deleted, id)
	}
	return RelayStatus{Count: int64(len(l.records)), PageSize: l.pageSz, Deleted: deleted}, nil
}

func (l *LocalRelay) Count(_ context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(len(l.records)), nil
}

func (l *LocalRelay) GetHistory(_ context.Context, sinceSyncTime, cursorTimestamp time.Time, hostFilter *HostId) (RelayPage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var matched []RelayUpload
	for _, id := range l.order {
		up, ok := l.records[id]
		if !ok {
			continue
		}
		ts := up.Timestamp.Time()
		// relay semantics: page cursor is an exclusive lower bound.
		if !ts.After(cursorTimestamp) || ts.Before(sinceSyncTime) {
			continue
		}
		matched = append(matched, up)
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].Timestamp < matched[j].Timestamp })
	var tokens []string
	for _, up := range matched {
		// up.Data is already the full §6.3 self-describing token (origin
		// host/tag/version/idx/parent plus ciphertext) produced by Upload;
		// forward it unchanged rather than rewrapping it, which would drop
		// everything but the ciphertext and the (here, hardcoded) tag.
		tokens = append(tokens, string(up.Data))
		if int64(len(tokens)) >= l.pageSz {
			break
		}
	}
	_ = hostFilter
	return RelayPage{History: tokens, PageSize: l.pageSz}, nil
}

func (l *LocalRelay) PostHistory(_ context.Context, batch []RelayUpload) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, b := range batch {
		if _, exists := l.records[b.ID]; !exists {
			l.order = append(l.order, b.ID)
		}
		l.records[b.ID] = b
	}
	return nil
}

func (l *LocalRelay) DeleteHistory(_ context.Context, id RecordId) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deleted[id] = true
	return nil
}

// SyncEngine drives bidirectional replication between a local Store and a
// Relay (§4.6). It owns no decryption key itself beyond what's needed to
// read Timestamp/Hostname out of already-local records; record payloads
// travel as opaque ciphertext both ways.
type SyncEngine struct {
	store      Store
	history    *HistoryStore
	relay      Relay
	host       HostId
	hostname   string
	lastSync   func() (time.Time, error)
	saveSync   func(time.Time) error
}

// NewSyncEngine wires a SyncEngine. lastSync/saveSync persist the §6.2
// last-sync-time row; tests can supply in-memory closures. hostname is the
// display hostname reported upstream — never sent raw (see hashedHostname).
func NewSyncEngine(store Store, history *HistoryStore, relay Relay, host HostId, hostname string,
	lastSync func() (time.Time, error), saveSync func(time.Time) error) *SyncEngine {
	return &SyncEngine{store: store, history: history, relay: relay, host: host, hostname: hostname, lastSync: lastSync, saveSync: saveSync}
}

// hashedHostname returns the SHA-256 hex digest of the engine's display
// hostname: supplemented from the original implementation's upload path,
// which never ships the raw hostname to the relay even though spec.md's
// §6.1 wire shape doesn't call this out explicitly.
func (e *SyncEngine) hashedHostname() string {
	sum := sha256.Sum256([]byte(e.hostname))
	return hex.EncodeToString(sum[:])
}

// Upload implements §4.6.1: page locally-unsynced records to the relay
// newest-first, moving the cursor back from now, until remote_count
// catches up to local, then
// propagate local tombstones the relay doesn't know about yet.
func (e *SyncEngine) Upload(ctx context.Context, pageSize int) error {
	remoteCount, err := e.relay.Count(ctx)
	if err != nil {
		return err
	}
	unsynced, err := e.store.Unsynced(ctx)
	if err != nil {
		return err
	}
	localCount := remoteCount + int64(len(unsynced))

	cursor := nowFunc()
	for remoteCount < localCount && len(unsynced) > 0 {
		page := pageBefore(unsynced, cursor, pageSize)
		if len(page) == 0 {
			break
		}
		batch := make([]RelayUpload, len(page))
		for i, r := range page {
			// Ship the full self-describing token (§6.3), not the bare
			// ciphertext: the envelope's associated data binds the origin
			// host, and only the token carries that across the relay.
			token := EncodeRecordToken(RecordToToken(r))
			batch[i] = RelayUpload{ID: r.ID, Timestamp: r.Timestamp, Data: []byte(token), Hostname: e.hashedHostname()}
		}
		if err := e.relay.PostHistory(ctx, batch); err != nil {
			return err
		}
		for _, r := range page {
			if err := e.store.MarkSynced(ctx, r.ID); err != nil {
				return err
			}
		}
		cursor = page[len(page)-1].Timestamp.Time()
		unsynced = removeUploaded(unsynced, page)
		remoteCount, err = e.relay.Count(ctx)
		if err != nil {
			return err
		}
	}

	status, err := e.relay.Status(ctx)
	if err != nil {
		return err
	}
	alreadyDeleted := make(map[RecordId]bool, len(status.Deleted))
	for _, id := range status.Deleted {
		alreadyDeleted[id] = true
	}
	tombstones, err := e.history.Deleted(ctx)
	if err != nil {
		return err
	}
	for _, t := range tombstones {
		if alreadyDeleted[t.ID] {
			continue
		}
		if err := e.relay.DeleteHistory(ctx, t.ID); err != nil {
			return err
		}
	}
	return nil
}

func pageBefore(recs []Record, cursor time.Time, pageSize int) []Record {
	var page []Record
	for _, r := range recs {
		if !r.Timestamp.Time().Before(cursor) {
			continue
		}
		page = append(page, r)
		if len(page) >= pageSize {
			break
		}
	}
	return page
}

func removeUploaded(recs []Record, uploaded []Record) []Record {
	done := make(map[RecordId]bool, len(uploaded))
	for _, r := range uploaded {
		done[r.ID] = true
	}
	out := recs[:0:0]
	for _, r := range recs {
		if !done[r.ID] {
			out = append(out, r)
		}
	}
	return out
}

// epoch is the Unix epoch, used as §4.6.2's window-widening sentinel.
var epoch = time.Unix(0, 0).UTC()

// Download implements §4.6.2: page remote history in, decoding/decrypting
// each token, scrubbing anything the relay reports tombstoned, and
// widening the (last_sync, cursor) window if the server paginates within a
// single timestamp bucket.
func (e *SyncEngine) Download(ctx context.Context, key EncryptionKey, force bool, pageSize int64) error {
	status, err := e.relay.Status(ctx)
	if err != nil {
		return err
	}
	localCount, err := e.history.HistoryCount(ctx, true)
	if err != nil {
		return err
	}

	lastSync := epoch
	if !force {
		persisted, err := e.lastSync()
		if err == nil {
			lastSync = persisted
		}
	}
	cursor := epoch

	deletedSet := make(map[RecordId]bool, len(status.Deleted))
	for _, id := range status.Deleted {
		deletedSet[id] = true
	}

	for status.Count > localCount {
		page, err := e.relay.GetHistory(ctx, lastSync, cursor, nil)
		if err != nil {
			return err
		}
		if len(page.History) == 0 {
			break
		}
		entries := make([]HistoryEntry, 0, len(page.History))
		var lastTs Timestamp
		for _, tok := range page.History {
			rt, err := DecodeRecordToken(tok)
			if err != nil {
				return err
			}
			// rt.Host is the token's own origin host (§6.3), not the
			// downloading host: the envelope's associated data binds the
			// host that sealed the record, so overwriting it with e.host
			// would make Open fail for every record this host didn't
			// author itself.
			rec := rt.ToRecord()
			ad := rec.AssociatedData()
			plaintext, err := Open(suiteForVersion(rec.Tag, rec.Version), rec.Data, key, ad)
			if err != nil {
				return NewErrorFor(KindCrypto, rec.ID.String(), "wrong key — re-import required", err)
			}
			entry, err := decodeHistoryPayload(plaintext)
			if err != nil {
				return err
			}
			if deletedSet[entry.ID] {
				now := TimestampFromTime(nowFunc())
				entry.DeletedAt = &now
				entry.Command = ""
			}
			entries = append(entries, entry)
			lastTs = rt.Timestamp
		}
		if err := e.history.SaveBulk(ctx, entries); err != nil {
			return err
		}
		localCount, err = e.history.HistoryCount(ctx, true)
		if err != nil {
			return err
		}

		pageLast := lastTs.Time()
		if pageLast.Equal(cursor) {
			cursor = epoch
			lastSync = lastSync.Add(-time.Hour)
		} else {
			cursor = pageLast
		}
		if int64(len(page.History)) < pageSize {
			break
		}
	}

	for id := range deletedSet {
		entry, ok, err := e.history.Load(ctx, id)
		if err != nil {
			return err
		}
		if ok && entry.DeletedAt == nil {
			if err := e.history.Delete(ctx, entry); err != nil {
				return err
			}
		}
	}

	return e.saveSync(nowFunc())
}

// SyncBackoff returns the capped exponential backoff schedule for retrying
// a sync cycle after an error that Retriable accepts (§7): 500ms initial
// interval, 30s maximum interval, 5 minutes in total.
func SyncBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 5 * time.Minute
	return b
}
