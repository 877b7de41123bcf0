package tern

import (
	"context"
	"crypto/sha256"

	lru "github.com/hashicorp/golang-lru/v2"
)

// keyTagAuthKey derives a fixed, non-secret authentication key for sealing
// "key"-tagged records. It is deliberately NOT the rotating encryption key:
// a key-store record must stay readable by any host holding any generation
// of the key, since its entire purpose is detecting that the active key
// has changed. Using the real key would make validation after a rotation
// indistinguishable from tampering. The payload (a KeyId hash) is already
// public, so a non-secret authentication key costs nothing.
func keyTagAuthKey(host HostId) EncryptionKey {
	sum := sha256.Sum256(append([]byte("tern/key-tag/v1/"), host[:]...))
	return EncryptionKey(sum)
}

// KeyValidation is the result of KeyStore.Validate (§4.3).
type KeyValidation struct {
	Valid        bool
	RecordedKeyId KeyId
	RecordedHost  HostId
}

// KeyStore is a view over the "key" tag of a host's record log: it tracks
// which encryption key a host believes is current, publicly (a KeyId
// reveals nothing about the key) but tamper-evidently, adapted from the
// teacher's InitProtocol/TrustedServer commitment pattern in protocol.go —
// there it commits a dual MAC chain; here it commits a KeyId.
type KeyStore struct {
	store Store
	ctx   HostContext
	cache *lru.Cache[HostId, KeyId]
}

// NewKeyStore constructs a KeyStore bound to the given record store and
// host context. The LRU keeps the shell-hook path (§6.4) from hitting
// SQLite on every history_start/history_end when the key hasn't rotated.
func NewKeyStore(store Store, hc HostContext) (*KeyStore, error) {
	cache, err := lru.New[HostId, KeyId](64)
	if err != nil {
		return nil, NewError(KindCorruption, "allocate key store cache", err)
	}
	return &KeyStore{store: store, ctx: hc, cache: cache}, nil
}

// Validate implements §4.3: if the current host has never recorded a key,
// one is written carrying the KeyId of currentKey and Valid is returned.
// Otherwise the recorded KeyId is compared against DeriveKeyId(currentKey).
func (k *KeyStore) Validate(ctx context.Context, currentKey EncryptionKey) (KeyValidation, error) {
	want := DeriveKeyId(currentKey)

	if cached, ok := k.cache.Get(k.ctx.Host); ok {
		if cached == want {
			return KeyValidation{Valid: true}, nil
		}
	}

	last, ok, err := k.store.Last(ctx, k.ctx.Host, TagKey)
	if err != nil {
		return KeyValidation{}, err
	}
	if !ok {
		if err := k.appendKeyRecord(ctx, currentKey); err != nil {
			return KeyValidation{}, err
		}
		k.cache.Add(k.ctx.Host, want)
		return KeyValidation{Valid: true}, nil
	}

	recorded, err := k.decodeKeyRecord(last)
	if err != nil {
		return KeyValidation{}, err
	}
	if recorded == want {
		k.cache.Add(k.ctx.Host, want)
		return KeyValidation{Valid: true}, nil
	}
	return KeyValidation{Valid: false, RecordedKeyId: recorded, RecordedHost: last.Host}, nil
}

// RecordNewKey appends a fresh "key" record for the current host, carrying
// the KeyId of key. Callers use this after a successful ReEncrypt.
func (k *KeyStore) RecordNewKey(ctx context.Context, key EncryptionKey) error {
	if err := k.appendKeyRecord(ctx, key); err != nil {
		return err
	}
	k.cache.Add(k.ctx.Host, DeriveKeyId(key))
	return nil
}

func (k *KeyStore) appendKeyRecord(ctx context.Context, key EncryptionKey) error {
	id, err := NewRecordId()
	if err != nil {
		return NewError(KindCorruption, "mint key record id", err)
	}
	idx, err := k.store.NextIdx(ctx, k.ctx.Host, TagKey)
	if err != nil {
		return err
	}
	var parent *RecordId
	if idx > 0 {
		last, ok, err := k.store.Last(ctx, k.ctx.Host, TagKey)
		if err != nil {
			return err
		}
		if ok {
			p := last.ID
			parent = &p
		}
	}
	ts := TimestampFromTime(nowFunc())
	ad := AssociatedData{ID: id, Version: "v0", Tag: TagKey, Host: k.ctx.Host, Timestamp: ts}
	sealed, err := Seal(SuiteUnsafeNone, []byte(DeriveKeyId(key)), keyTagAuthKey(k.ctx.Host), ad)
	if err != nil {
		return err
	}
	return k.store.Push(ctx, Record{
		ID: id, Host: k.ctx.Host, Tag: TagKey, Version: "v0",
		Idx: idx, Parent: parent, Timestamp: ts, Data: sealed,
	})
}

func (k *KeyStore) decodeKeyRecord(r Record) (KeyId, error) {
	plaintext, err := Open(SuiteUnsafeNone, r.Data, keyTagAuthKey(r.Host), r.AssociatedData())
	if err != nil {
		return "", err
	}
	return KeyId(plaintext), nil
}
