package tern

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// HostId is a 128-bit opaque identifier, stable for the lifetime of a host.
type HostId [16]byte

// String renders the host id as lowercase hex, matching the on-disk and
// wire encodings used throughout the package.
func (h HostId) String() string { return hex.EncodeToString(h[:]) }

// IsZero reports whether h is the zero value (never assigned).
func (h HostId) IsZero() bool { return h == HostId{} }

// RecordId is a UUIDv7, time-ordered and globally unique across hosts.
type RecordId uuid.UUID

// NewRecordId mints a fresh time-ordered record id.
func NewRecordId() (RecordId, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return RecordId{}, err
	}
	return RecordId(id), nil
}

// ParseRecordId decodes a hyphenated UUID string into a RecordId.
func ParseRecordId(s string) (RecordId, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return RecordId{}, err
	}
	return RecordId(id), nil
}

func (r RecordId) String() string { return uuid.UUID(r).String() }

// IsZero reports whether r is the nil UUID.
func (r RecordId) IsZero() bool { return r == RecordId{} }

// Timestamp is nanoseconds since the Unix epoch, signed to accommodate
// imports of history predating this system.
type Timestamp int64

// TimestampFromTime converts a time.Time to the Timestamp representation.
func TimestampFromTime(t time.Time) Timestamp { return Timestamp(t.UnixNano()) }

// Time converts the Timestamp back to a time.Time in UTC.
func (t Timestamp) Time() time.Time { return time.Unix(0, int64(t)).UTC() }

// EncryptionKey is 32 bytes of cryptographically random key material.
type EncryptionKey [32]byte

// KeyId is a deterministic, collision-resistant fingerprint of an
// EncryptionKey. Two keys collide in KeyId iff they are byte-equal.
type KeyId string

// DeriveKeyId computes the stable KeyId for a key: a hex-encoded SHA-256
// digest. This never reveals the key and is safe to log or replicate.
func DeriveKeyId(key EncryptionKey) KeyId {
	sum := sha256.Sum256(key[:])
	return KeyId(hex.EncodeToString(sum[:]))
}
