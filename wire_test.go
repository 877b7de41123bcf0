package tern

import "testing"

func TestRecordToken_RoundTrip(t *testing.T) {
	id, _ := NewRecordId()
	parent, _ := NewRecordId()
	host, _ := NewHostId()
	tok := RecordToken{
		ID: id, Host: host, Tag: TagHistory, Version: "v0",
		Idx: 42, Timestamp: Timestamp(1672919006000000000), Parent: &parent,
		Cipher: []byte("opaque-ciphertext"),
	}
	encoded := EncodeRecordToken(tok)
	decoded, err := DecodeRecordToken(encoded)
	if err != nil {
		t.Fatalf("DecodeRecordToken: %v", err)
	}
	if decoded.ID != tok.ID || decoded.Host != tok.Host || decoded.Tag != tok.Tag ||
		decoded.Version != tok.Version || decoded.Idx != tok.Idx || decoded.Timestamp != tok.Timestamp {
		t.Fatalf("round trip mismatch: %+v != %+v", decoded, tok)
	}
	if decoded.Parent == nil || *decoded.Parent != *tok.Parent {
		t.Fatalf("parent mismatch: %+v", decoded.Parent)
	}
	if string(decoded.Cipher) != string(tok.Cipher) {
		t.Fatalf("cipher mismatch: %q != %q", decoded.Cipher, tok.Cipher)
	}
}

func TestRecordToken_NoParentRoundTrip(t *testing.T) {
	id, _ := NewRecordId()
	host, _ := NewHostId()
	tok := RecordToken{ID: id, Host: host, Tag: TagKV, Version: "v0", Idx: 0, Timestamp: 1, Cipher: []byte("x")}
	decoded, err := DecodeRecordToken(EncodeRecordToken(tok))
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Parent != nil {
		t.Fatalf("expected nil parent, got %+v", decoded.Parent)
	}
}

func TestRecordToken_TruncatedIsCorruptionNotPanic(t *testing.T) {
	if _, err := DecodeRecordToken("not-valid-base64!!"); err == nil {
		t.Fatal("expected error for invalid base64")
	}
	if _, err := DecodeRecordToken("AAAA"); err == nil {
		t.Fatal("expected error for truncated token")
	}
}

func TestKVPayload_RoundTrip(t *testing.T) {
	v := "some-value"
	p := kvPayload{Namespace: "ns", Key: "k", Value: &v}
	decoded, err := decodeKVPayload(encodeKVPayload(p))
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Namespace != p.Namespace || decoded.Key != p.Key || decoded.Value == nil || *decoded.Value != v {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
}

func TestKVPayload_TombstoneRoundTrip(t *testing.T) {
	p := kvPayload{Namespace: "ns", Key: "k", Value: nil}
	decoded, err := decodeKVPayload(encodeKVPayload(p))
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Value != nil {
		t.Fatalf("expected tombstone (nil value), got %v", *decoded.Value)
	}
}

func TestTodoPayload_RoundTrip(t *testing.T) {
	itemID, _ := NewRecordId()
	p := todoPayload{ItemID: itemID, State: "open", Text: "buy milk", Tags: []string{"errand", "home"}}
	decoded, err := decodeTodoPayload(encodeTodoPayload(p))
	if err != nil {
		t.Fatal(err)
	}
	if decoded.ItemID != p.ItemID || decoded.State != p.State || decoded.Text != p.Text || len(decoded.Tags) != 2 {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
}

func TestHistoryPayload_RoundTrip(t *testing.T) {
	id, _ := NewRecordId()
	e := HistoryEntry{ID: id, Timestamp: 123, Duration: 456, Exit: 0, Command: "ls", Cwd: "/tmp", Session: "s1", Hostname: "h1"}
	decoded, err := decodeHistoryPayload(encodeHistoryPayload(e))
	if err != nil {
		t.Fatal(err)
	}
	if decoded != e {
		t.Fatalf("round trip mismatch: %+v != %+v", decoded, e)
	}
}

func TestHistoryPayload_DeletedAtRoundTrip(t *testing.T) {
	id, _ := NewRecordId()
	d := Timestamp(999)
	e := HistoryEntry{ID: id, Timestamp: 1, DeletedAt: &d}
	decoded, err := decodeHistoryPayload(encodeHistoryPayload(e))
	if err != nil {
		t.Fatal(err)
	}
	if decoded.DeletedAt == nil || *decoded.DeletedAt != d {
		t.Fatalf("expected DeletedAt %v, got %+v", d, decoded.DeletedAt)
	}
}
