package tern

import (
	"context"
	"testing"
	"time"
)

func newTestSyncEngine(t *testing.T, relay Relay) (*SyncEngine, Store, *HistoryStore, HostId, EncryptionKey) {
	t.Helper()
	store := newTestStore(t)
	hs := newTestHistoryStore(t, store)
	host := mustHost(t)
	var key EncryptionKey

	var lastSync time.Time
	hasSync := false
	engine := NewSyncEngine(store, hs, relay, host, "test-host",
		func() (time.Time, error) {
			if !hasSync {
				return time.Time{}, NewError(KindNotFound, "no sync time yet", nil)
			}
			return lastSync, nil
		},
		func(t time.Time) error {
			lastSync = t
			hasSync = true
			return nil
		})
	return engine, store, hs, host, key
}

func TestSyncEngine_UploadPushesAllUnsyncedRecords(t *testing.T) {
	ctx := context.Background()
	relay := NewLocalRelay(10)
	engine, store, hs, host, key := newTestSyncEngine(t, relay)
	_ = store

	for i := 0; i < 3; i++ {
		if _, err := hs.Start(ctx, host, key, "cmd", "/tmp", "s1", "h1"); err != nil {
			t.Fatal(err)
		}
	}
	if err := engine.Upload(ctx, 10); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	count, err := relay.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Fatalf("expected 3 records uploaded, got %d", count)
	}
}

func TestSyncEngine_UploadHashesHostnameBeforeSending(t *testing.T) {
	ctx := context.Background()
	relay := NewLocalRelay(10)
	engine, _, hs, host, key := newTestSyncEngine(t, relay)

	if _, err := hs.Start(ctx, host, key, "cmd", "/tmp", "s1", "h1"); err != nil {
		t.Fatal(err)
	}
	if err := engine.Upload(ctx, 10); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if len(relay.order) != 1 {
		t.Fatalf("expected exactly one uploaded record, got %d", len(relay.order))
	}
	got := relay.records[relay.order[0]].Hostname
	if got == "test-host" {
		t.Fatal("expected the raw hostname never to be sent to the relay")
	}
	if got != engine.hashedHostname() {
		t.Fatalf("expected the hashed hostname %q, got %q", engine.hashedHostname(), got)
	}
}

func TestSyncEngine_UploadIsIdempotent(t *testing.T) {
	ctx := context.Background()
	relay := NewLocalRelay(10)
	engine, _, hs, host, key := newTestSyncEngine(t, relay)

	if _, err := hs.Start(ctx, host, key, "cmd", "/tmp", "s1", "h1"); err != nil {
		t.Fatal(err)
	}
	if err := engine.Upload(ctx, 10); err != nil {
		t.Fatal(err)
	}
	if err := engine.Upload(ctx, 10); err != nil {
		t.Fatalf("second Upload: %v", err)
	}
	count, err := relay.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected upload to remain idempotent at 1 record, got %d", count)
	}
}

func TestSyncEngine_DownloadRoundTripsThroughLocalRelay(t *testing.T) {
	ctx := context.Background()
	relay := NewLocalRelay(10)
	uploader, _, uploaderHistory, uploaderHost, key := newTestSyncEngine(t, relay)

	id, err := uploaderHistory.Start(ctx, uploaderHost, key, "echo hi", "/tmp", "s1", "up-host")
	if err != nil {
		t.Fatal(err)
	}
	if err := uploaderHistory.End(ctx, uploaderHost, key, id, 1000, 0); err != nil {
		t.Fatal(err)
	}
	if err := uploader.Upload(ctx, 10); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	downloader, _, downloaderHistory, _, _ := newTestSyncEngine(t, relay)
	if err := downloader.Download(ctx, key, true, 10); err != nil {
		t.Fatalf("Download: %v", err)
	}

	entries, err := downloaderHistory.List(ctx, FilterGlobal, Context{}, 0, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Command != "echo hi" {
		t.Fatalf("expected the uploaded entry to round-trip, got %+v", entries)
	}
}

func TestSyncEngine_DownloadScrubsDeletedEntries(t *testing.T) {
	ctx := context.Background()
	relay := NewLocalRelay(10)
	uploader, _, uploaderHistory, uploaderHost, key := newTestSyncEngine(t, relay)

	id, err := uploaderHistory.Start(ctx, uploaderHost, key, "rm -rf /tmp/x", "/tmp", "s1", "up-host")
	if err != nil {
		t.Fatal(err)
	}
	if err := uploaderHistory.End(ctx, uploaderHost, key, id, 1000, 0); err != nil {
		t.Fatal(err)
	}
	if err := uploader.Upload(ctx, 10); err != nil {
		t.Fatal(err)
	}

	entry, ok, err := uploaderHistory.Load(ctx, id)
	if err != nil || !ok {
		t.Fatalf("expected local entry, ok=%v err=%v", ok, err)
	}
	if err := uploaderHistory.Delete(ctx, entry); err != nil {
		t.Fatal(err)
	}
	if err := uploader.Upload(ctx, 10); err != nil {
		t.Fatalf("tombstone-propagating Upload: %v", err)
	}

	downloader, _, downloaderHistory, _, _ := newTestSyncEngine(t, relay)
	if err := downloader.Download(ctx, key, true, 10); err != nil {
		t.Fatalf("Download: %v", err)
	}
	got, ok, err := downloaderHistory.Load(ctx, id)
	if err != nil || !ok {
		t.Fatalf("expected tombstone to replicate, ok=%v err=%v", ok, err)
	}
	if got.DeletedAt == nil || got.Command != "" {
		t.Fatalf("expected scrubbed tombstoned entry, got %+v", got)
	}
}

func TestSyncBackoff_RespectsCaps(t *testing.T) {
	b := SyncBackoff()
	if b.InitialInterval != 500*time.Millisecond {
		t.Fatalf("unexpected initial interval: %v", b.InitialInterval)
	}
	if b.MaxInterval != 30*time.Second {
		t.Fatalf("unexpected max interval: %v", b.MaxInterval)
	}
	if b.MaxElapsedTime != 5*time.Minute {
		t.Fatalf("unexpected max elapsed time: %v", b.MaxElapsedTime)
	}
}
