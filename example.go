package tern

// Example: end-to-end host lifecycle
//
// This walks through the path a single host takes from a cold start to a
// synced, rotated key.
//
//   host, _ := NewHostId()
//   hc := HostContext{Host: host, Hostname: "laptop"}
//
//   records, _ := OpenSQLiteStore("file:tern.db")
//   keys, _ := NewKeyStore(records, hc)
//   hist, _ := OpenHistoryStore("file:tern.db", records)
//
//   var key EncryptionKey // loaded from the key file, §6.2
//   validation, _ := keys.Validate(ctx, key)
//   if !validation.Valid {
//       // recorded_kid/recorded_host tell the caller which key this host
//       // last agreed on; the usual response is to rekey or re-import.
//   }
//
//   id, _ := hist.Start(ctx, host, key, "git push", "/work/tern", "sess1", "laptop")
//   // ... command runs ...
//   hist.End(ctx, host, key, id, durationNanos, exitCode)
//
//   relay := NewHTTPRelay("https://relay.example.com", sessionToken)
//   engine := NewSyncEngine(records, hist, relay, host, "laptop", loadLastSync, saveLastSync)
//   engine.Upload(ctx, 100)
//   engine.Download(ctx, key, false, 100)
//
// Key rotation replaces the stored key and every record under it in one
// local transaction, then records the new KeyId so Validate agrees:
//
//   var newKey EncryptionKey
//   records.ReEncrypt(ctx, host, key, newKey)
//   keys.RecordNewKey(ctx, newKey)
//
// Folded views (KV, Todo) are rebuilt from the same log on demand and are
// safe to discard and recompute at any time:
//
//   folded, _ := OpenFoldedStore("file:tern.db", records, func() EncryptionKey { return key })
//   folded.RebuildKV(ctx)
//   v, ok, _ := folded.Get(ctx, "shell", "last_prompt")
