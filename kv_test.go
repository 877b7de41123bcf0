package tern

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func newTestFoldedStore(t *testing.T, records Store, key EncryptionKey) *FoldedStore {
	t.Helper()
	dir, err := os.MkdirTemp("", "tern-folded-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	fs, err := OpenFoldedStore(filepath.Join(dir, "folded.db"), records, func() EncryptionKey { return key })
	if err != nil {
		t.Fatalf("OpenFoldedStore: %v", err)
	}
	t.Cleanup(func() { fs.Close() })
	return fs
}

func TestFoldedStore_SetGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	host := mustHost(t)
	var key EncryptionKey
	fs := newTestFoldedStore(t, store, key)

	if err := fs.Set(ctx, host, key, "ns", "color", "blue"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok, err := fs.Get(ctx, "ns", "color")
	if err != nil || !ok {
		t.Fatalf("expected value, ok=%v err=%v", ok, err)
	}
	if v != "blue" {
		t.Fatalf("expected 'blue', got %q", v)
	}
}

func TestFoldedStore_DeleteTombstonesKey(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	host := mustHost(t)
	var key EncryptionKey
	fs := newTestFoldedStore(t, store, key)

	if err := fs.Set(ctx, host, key, "ns", "color", "blue"); err != nil {
		t.Fatal(err)
	}
	if err := fs.Delete(ctx, host, key, "ns", "color"); err != nil {
		t.Fatal(err)
	}
	_, ok, err := fs.Get(ctx, "ns", "color")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected key to be gone after delete")
	}
}

func TestFoldedStore_RebuildKVCrossHostMergeLastWriterWins(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	hostA := mustHost(t)
	hostB := mustHost(t)
	var key EncryptionKey
	fs := newTestFoldedStore(t, store, key)

	// Same logical key written from two hosts; the later timestamp wins.
	if err := fs.Set(ctx, hostA, key, "ns", "shared", "from-a"); err != nil {
		t.Fatal(err)
	}
	if err := fs.Set(ctx, hostB, key, "ns", "shared", "from-b"); err != nil {
		t.Fatal(err)
	}
	if err := fs.RebuildKV(ctx); err != nil {
		t.Fatalf("RebuildKV: %v", err)
	}
	v, ok, err := fs.Get(ctx, "ns", "shared")
	if err != nil || !ok {
		t.Fatalf("expected merged value, ok=%v err=%v", ok, err)
	}
	if v != "from-b" {
		t.Fatalf("expected the most recently written value to win, got %q", v)
	}
}

func TestFoldedStore_RebuildKVIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	host := mustHost(t)
	var key EncryptionKey
	fs := newTestFoldedStore(t, store, key)

	if err := fs.Set(ctx, host, key, "ns", "a", "1"); err != nil {
		t.Fatal(err)
	}
	if err := fs.Set(ctx, host, key, "ns", "b", "2"); err != nil {
		t.Fatal(err)
	}
	if err := fs.RebuildKV(ctx); err != nil {
		t.Fatal(err)
	}
	firstA, _, _ := fs.Get(ctx, "ns", "a")
	firstB, _, _ := fs.Get(ctx, "ns", "b")
	if err := fs.RebuildKV(ctx); err != nil {
		t.Fatal(err)
	}
	secondA, _, _ := fs.Get(ctx, "ns", "a")
	secondB, _, _ := fs.Get(ctx, "ns", "b")
	if firstA != secondA || firstB != secondB {
		t.Fatalf("rebuild must be idempotent: (%q,%q) != (%q,%q)", firstA, firstB, secondA, secondB)
	}
}

func TestFoldedStore_SetTodoAndGetTodo(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	host := mustHost(t)
	var key EncryptionKey
	fs := newTestFoldedStore(t, store, key)

	itemID := mustID(t)
	if err := fs.SetTodo(ctx, host, key, itemID, "open", "buy milk", []string{"errand"}); err != nil {
		t.Fatalf("SetTodo: %v", err)
	}
	item, ok, err := fs.GetTodo(ctx, itemID)
	if err != nil || !ok {
		t.Fatalf("expected todo item, ok=%v err=%v", ok, err)
	}
	if item.State != "open" || item.Text != "buy milk" || len(item.Tags) != 1 || item.Tags[0] != "errand" {
		t.Fatalf("unexpected todo item: %+v", item)
	}

	if err := fs.SetTodo(ctx, host, key, itemID, "done", "buy milk", []string{"errand"}); err != nil {
		t.Fatal(err)
	}
	updated, ok, err := fs.GetTodo(ctx, itemID)
	if err != nil || !ok {
		t.Fatal(err)
	}
	if updated.State != "done" {
		t.Fatalf("expected state update to stick, got %+v", updated)
	}
}

func TestFoldedStore_RebuildTodoFoldsByItemID(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	host := mustHost(t)
	var key EncryptionKey
	fs := newTestFoldedStore(t, store, key)

	itemID := mustID(t)
	if err := fs.SetTodo(ctx, host, key, itemID, "open", "v1", nil); err != nil {
		t.Fatal(err)
	}
	if err := fs.SetTodo(ctx, host, key, itemID, "open", "v2", nil); err != nil {
		t.Fatal(err)
	}
	if err := fs.RebuildTodo(ctx); err != nil {
		t.Fatalf("RebuildTodo: %v", err)
	}
	item, ok, err := fs.GetTodo(ctx, itemID)
	if err != nil || !ok {
		t.Fatalf("expected one folded item, ok=%v err=%v", ok, err)
	}
	if item.Text != "v2" {
		t.Fatalf("expected the latest write to win, got %+v", item)
	}
}
