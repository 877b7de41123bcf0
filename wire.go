package tern

import (
	"encoding/base64"
	"encoding/binary"
	"strings"
)

// RecordToken is the on-the-wire form of a Record (§6.3): everything needed
// to reconstruct both the envelope's associated data and the ciphertext
// itself, with no separate metadata side-channel.
type RecordToken struct {
	ID        RecordId
	Host      HostId
	Tag       string
	Version   string
	Idx       uint64
	Timestamp Timestamp
	Parent    *RecordId
	Cipher    []byte
}

// EncodeRecordToken packs r into the §6.3 wire format: explicit field order,
// length-prefixed variable-length fields, Base64-wrapped for HTTP JSON
// transport. Grounded on this codebase's manual byte-layout framing
// elsewhere in the log (fixed-width header fields followed by
// length-prefixed strings), rather than a generated-codec format, since no
// code generator can run as part of this build.
func EncodeRecordToken(r RecordToken) string {
	buf := make([]byte, 0, 16+16+1+8+8+1+16+4+len(r.Cipher))
	idBytes := [16]byte(r.ID)
	buf = append(buf, idBytes[:]...)
	buf = append(buf, r.Host[:]...)
	buf = appendLenPrefixed(buf, []byte(r.Tag))
	buf = appendLenPrefixed(buf, []byte(r.Version))
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], r.Idx)
	buf = append(buf, idx[:]...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(r.Timestamp))
	buf = append(buf, ts[:]...)
	if r.Parent != nil {
		buf = append(buf, 1)
		p := [16]byte(*r.Parent)
		buf = append(buf, p[:]...)
	} else {
		buf = append(buf, 0)
	}
	buf = appendLenPrefixed(buf, r.Cipher)
	return base64.StdEncoding.EncodeToString(buf)
}

// DecodeRecordToken inverts EncodeRecordToken. A malformed token is a
// Corruption error, never a panic.
func DecodeRecordToken(s string) (RecordToken, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return RecordToken{}, NewError(KindCorruption, "record token not valid base64", err)
	}
	r := reader{buf: raw}

	var idArr, hostArr [16]byte
	if !r.fixed(idArr[:]) {
		return RecordToken{}, truncatedToken()
	}
	if !r.fixed(hostArr[:]) {
		return RecordToken{}, truncatedToken()
	}
	tag, ok := r.lenPrefixed()
	if !ok {
		return RecordToken{}, truncatedToken()
	}
	version, ok := r.lenPrefixed()
	if !ok {
		return RecordToken{}, truncatedToken()
	}
	idxBytes := make([]byte, 8)
	if !r.fixed(idxBytes) {
		return RecordToken{}, truncatedToken()
	}
	tsBytes := make([]byte, 8)
	if !r.fixed(tsBytes) {
		return RecordToken{}, truncatedToken()
	}
	hasParent, ok := r.byte()
	if !ok {
		return RecordToken{}, truncatedToken()
	}
	var parent *RecordId
	if hasParent == 1 {
		var pArr [16]byte
		if !r.fixed(pArr[:]) {
			return RecordToken{}, truncatedToken()
		}
		p := RecordId(pArr)
		parent = &p
	}
	cipher, ok := r.lenPrefixed()
	if !ok {
		return RecordToken{}, truncatedToken()
	}

	return RecordToken{
		ID:        RecordId(idArr),
		Host:      HostId(hostArr),
		Tag:       string(tag),
		Version:   string(version),
		Idx:       binary.BigEndian.Uint64(idxBytes),
		Timestamp: Timestamp(binary.BigEndian.Uint64(tsBytes)),
		Parent:    parent,
		Cipher:    cipher,
	}, nil
}

func truncatedToken() error {
	return NewError(KindCorruption, "record token truncated", nil)
}

// reader walks a byte slice without ever panicking on short input.
type reader struct {
	buf []byte
	pos int
}

func (r *reader) fixed(dst []byte) bool {
	if len(r.buf)-r.pos < len(dst) {
		return false
	}
	copy(dst, r.buf[r.pos:r.pos+len(dst)])
	r.pos += len(dst)
	return true
}

func (r *reader) byte() (byte, bool) {
	if len(r.buf)-r.pos < 1 {
		return 0, false
	}
	b := r.buf[r.pos]
	r.pos++
	return b, true
}

func (r *reader) lenPrefixed() ([]byte, bool) {
	if len(r.buf)-r.pos < 4 {
		return nil, false
	}
	n := binary.BigEndian.Uint32(r.buf[r.pos : r.pos+4])
	r.pos += 4
	if uint32(len(r.buf)-r.pos) < n {
		return nil, false
	}
	out := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return out, true
}

// ToRecord reconstructs a Record from a decoded token, given the encrypted
// payload carried as Cipher.
func (t RecordToken) ToRecord() Record {
	return Record{
		ID: t.ID, Host: t.Host, Tag: t.Tag, Version: t.Version,
		Idx: t.Idx, Parent: t.Parent, Timestamp: t.Timestamp, Data: t.Cipher,
	}
}

// RecordToToken is the inverse of ToRecord: it copies a stored Record's
// header fields and Data (as Cipher) into a RecordToken.
func RecordToToken(r Record) RecordToken {
	return RecordToken{
		ID: r.ID, Host: r.Host, Tag: r.Tag, Version: r.Version,
		Idx: r.Idx, Parent: r.Parent, Timestamp: r.Timestamp, Cipher: r.Data,
	}
}

// --- History payload encoding (§3.3) ---
//
// HistoryEntry doubles as its own wire payload: like todoPayload's ItemID,
// entry.ID is the logical identity shared by an in-flight history_start row
// and its history_end completion, distinct from the Record.ID of whichever
// log entry happens to carry a given revision (§3.2 invariant 2 forces
// every Record.ID to be unique, so the log append for history_end cannot
// reuse the original Record.ID even though the logical entry is "the same
// command execution").

func encodeHistoryPayload(e HistoryEntry) []byte {
	buf := make([]byte, 0, 64+len(e.Command)+len(e.Cwd)+len(e.Session)+len(e.Hostname))
	idArr := [16]byte(e.ID)
	buf = append(buf, idArr[:]...)
	var ts, dur, exit [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(e.Timestamp))
	binary.BigEndian.PutUint64(dur[:], uint64(e.Duration))
	binary.BigEndian.PutUint64(exit[:], uint64(e.Exit))
	buf = append(buf, ts[:]...)
	buf = append(buf, dur[:]...)
	buf = append(buf, exit[:]...)
	buf = appendLenPrefixed(buf, []byte(e.Command))
	buf = appendLenPrefixed(buf, []byte(e.Cwd))
	buf = appendLenPrefixed(buf, []byte(e.Session))
	buf = appendLenPrefixed(buf, []byte(e.Hostname))
	if e.DeletedAt != nil {
		buf = append(buf, 1)
		var d [8]byte
		binary.BigEndian.PutUint64(d[:], uint64(*e.DeletedAt))
		buf = append(buf, d[:]...)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

func decodeHistoryPayload(raw []byte) (HistoryEntry, error) {
	r := reader{buf: raw}
	var idArr [16]byte
	if !r.fixed(idArr[:]) {
		return HistoryEntry{}, NewError(KindCorruption, "history payload truncated (id)", nil)
	}
	tsBytes, durBytes, exitBytes := make([]byte, 8), make([]byte, 8), make([]byte, 8)
	if !r.fixed(tsBytes) || !r.fixed(durBytes) || !r.fixed(exitBytes) {
		return HistoryEntry{}, NewError(KindCorruption, "history payload truncated (fixed fields)", nil)
	}
	command, ok := r.lenPrefixed()
	if !ok {
		return HistoryEntry{}, NewError(KindCorruption, "history payload truncated (command)", nil)
	}
	cwd, ok := r.lenPrefixed()
	if !ok {
		return HistoryEntry{}, NewError(KindCorruption, "history payload truncated (cwd)", nil)
	}
	session, ok := r.lenPrefixed()
	if !ok {
		return HistoryEntry{}, NewError(KindCorruption, "history payload truncated (session)", nil)
	}
	hostname, ok := r.lenPrefixed()
	if !ok {
		return HistoryEntry{}, NewError(KindCorruption, "history payload truncated (hostname)", nil)
	}
	hasDeleted, ok := r.byte()
	if !ok {
		return HistoryEntry{}, NewError(KindCorruption, "history payload truncated (deleted flag)", nil)
	}
	e := HistoryEntry{
		ID:        RecordId(idArr),
		Timestamp: Timestamp(binary.BigEndian.Uint64(tsBytes)),
		Duration:  int64(binary.BigEndian.Uint64(durBytes)),
		Exit:      int64(binary.BigEndian.Uint64(exitBytes)),
		Command:   string(command),
		Cwd:       string(cwd),
		Session:   string(session),
		Hostname:  string(hostname),
	}
	if hasDeleted == 1 {
		dBytes := make([]byte, 8)
		if !r.fixed(dBytes) {
			return HistoryEntry{}, NewError(KindCorruption, "history payload truncated (deleted_at)", nil)
		}
		d := Timestamp(binary.BigEndian.Uint64(dBytes))
		e.DeletedAt = &d
	}
	return e, nil
}

// --- KV / Todo payload encodings (§3.4) ---
//
// These are plaintext, sealed by the envelope separately; the layout only
// needs to round-trip, not authenticate (the envelope already does that).

func encodeKVPayload(p kvPayload) []byte {
	buf := make([]byte, 0, 8+len(p.Namespace)+len(p.Key)+4+len(strDeref(p.Value)))
	buf = appendLenPrefixed(buf, []byte(p.Namespace))
	buf = appendLenPrefixed(buf, []byte(p.Key))
	if p.Value != nil {
		buf = append(buf, 1)
		buf = appendLenPrefixed(buf, []byte(*p.Value))
	} else {
		buf = append(buf, 0)
	}
	return buf
}

func decodeKVPayload(raw []byte) (kvPayload, error) {
	r := reader{buf: raw}
	ns, ok := r.lenPrefixed()
	if !ok {
		return kvPayload{}, NewError(KindCorruption, "kv payload truncated (namespace)", nil)
	}
	key, ok := r.lenPrefixed()
	if !ok {
		return kvPayload{}, NewError(KindCorruption, "kv payload truncated (key)", nil)
	}
	hasValue, ok := r.byte()
	if !ok {
		return kvPayload{}, NewError(KindCorruption, "kv payload truncated (value flag)", nil)
	}
	var value *string
	if hasValue == 1 {
		v, ok := r.lenPrefixed()
		if !ok {
			return kvPayload{}, NewError(KindCorruption, "kv payload truncated (value)", nil)
		}
		s := string(v)
		value = &s
	}
	return kvPayload{Namespace: string(ns), Key: string(key), Value: value}, nil
}

func strDeref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func encodeTodoPayload(p todoPayload) []byte {
	buf := make([]byte, 0, 16+16+len(p.State)+len(p.Text))
	idArr := [16]byte(p.ItemID)
	buf = append(buf, idArr[:]...)
	buf = appendLenPrefixed(buf, []byte(p.State))
	buf = appendLenPrefixed(buf, []byte(p.Text))
	buf = appendLenPrefixed(buf, []byte(strings.Join(p.Tags, "\x1f")))
	return buf
}

func decodeTodoPayload(raw []byte) (todoPayload, error) {
	r := reader{buf: raw}
	var idArr [16]byte
	if !r.fixed(idArr[:]) {
		return todoPayload{}, NewError(KindCorruption, "todo payload truncated (item id)", nil)
	}
	state, ok := r.lenPrefixed()
	if !ok {
		return todoPayload{}, NewError(KindCorruption, "todo payload truncated (state)", nil)
	}
	text, ok := r.lenPrefixed()
	if !ok {
		return todoPayload{}, NewError(KindCorruption, "todo payload truncated (text)", nil)
	}
	tagsRaw, ok := r.lenPrefixed()
	if !ok {
		return todoPayload{}, NewError(KindCorruption, "todo payload truncated (tags)", nil)
	}
	var tags []string
	if len(tagsRaw) > 0 {
		tags = strings.Split(string(tagsRaw), "\x1f")
	}
	return todoPayload{ItemID: RecordId(idArr), State: string(state), Text: string(text), Tags: tags}, nil
}
