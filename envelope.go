package tern

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"github.com/aidantwoods/go-paseto"
)

// Suite names the two cipher suites §4.1 requires.
type Suite string

const (
	// SuitePasetoV4Local authenticates and encrypts user-data payloads
	// (history, kv, todo).
	SuitePasetoV4Local Suite = "paseto_v4_local"
	// SuiteUnsafeNone authenticates but does not encrypt. Its payloads
	// must carry no confidential bytes — the only legitimate user today
	// is the key-store tag, whose payload is already a public KeyId hash.
	SuiteUnsafeNone Suite = "unsafe_none"
)

// AssociatedData binds an envelope to the exact log position it was sealed
// for. Decryption fails if any field here disagrees with the field carried
// by the record, preventing cut-and-paste across records (§4.1).
type AssociatedData struct {
	ID        RecordId
	Version   string
	Tag       string
	Host      HostId
	Timestamp Timestamp
}

// encode packs AssociatedData deterministically: fixed-width fields first,
// then length-prefixed strings. This is the PASETO v4.local "implicit
// assertion" and the unsafe_none HMAC input; it is never itself transmitted
// — both sides reconstruct it from the record's own header fields, which is
// what makes the binding tamper-evident instead of just tamper-resistant.
func (ad AssociatedData) encode() []byte {
	buf := make([]byte, 0, 16+16+8+4+len(ad.Version)+4+len(ad.Tag))
	buf = append(buf, ad.ID[:]...)
	buf = append(buf, ad.Host[:]...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(ad.Timestamp))
	buf = append(buf, ts[:]...)
	buf = appendLenPrefixed(buf, []byte(ad.Version))
	buf = appendLenPrefixed(buf, []byte(ad.Tag))
	return buf
}

func appendLenPrefixed(buf, field []byte) []byte {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(field)))
	buf = append(buf, l[:]...)
	return append(buf, field...)
}

// Seal encrypts (or, for unsafe_none, authenticates) plaintext under key,
// binding it to ad. The returned token is self-contained: only the key and
// the token are needed to invert it.
func Seal(suite Suite, plaintext []byte, key EncryptionKey, ad AssociatedData) ([]byte, error) {
	switch suite {
	case SuitePasetoV4Local:
		return sealPaseto(plaintext, key, ad)
	case SuiteUnsafeNone:
		return sealUnsafeNone(plaintext, key, ad), nil
	default:
		return nil, NewError(KindCorruption, fmt.Sprintf("unknown cipher suite %q", suite), nil)
	}
}

// Open inverts Seal. A failed authentication check (a tampered token, a
// wrong key, or ad differing from the AD the token was sealed with) returns
// a KindCrypto error, which errors.Is matches against ErrWrongKey. An
// unsafe_none token too short to hold its tag returns a KindCorruption error.
func Open(suite Suite, token []byte, key EncryptionKey, ad AssociatedData) ([]byte, error) {
	switch suite {
	case SuitePasetoV4Local:
		return openPaseto(token, key, ad)
	case SuiteUnsafeNone:
		return openUnsafeNone(token, key, ad)
	default:
		return nil, NewError(KindCorruption, fmt.Sprintf("unknown cipher suite %q", suite), nil)
	}
}

func pasetoKey(key EncryptionKey) (paseto.V4SymmetricKey, error) {
	k, err := paseto.V4SymmetricKeyFromBytes(key[:])
	if err != nil {
		return paseto.V4SymmetricKey{}, NewError(KindCrypto, "load paseto key", err)
	}
	return k, nil
}

func sealPaseto(plaintext []byte, key EncryptionKey, ad AssociatedData) ([]byte, error) {
	k, err := pasetoKey(key)
	if err != nil {
		return nil, err
	}
	token := paseto.NewToken()
	token.SetString("data", base64.StdEncoding.EncodeToString(plaintext))
	sealed := token.V4Encrypt(k, ad.encode())
	return []byte(sealed), nil
}

func openPaseto(token []byte, key EncryptionKey, ad AssociatedData) ([]byte, error) {
	k, err := pasetoKey(key)
	if err != nil {
		return nil, err
	}
	parser := paseto.NewParserWithoutExpiryCheck()
	parsed, err := parser.ParseV4Local(k, string(token), ad.encode())
	if err != nil {
		return nil, NewErrorFor(KindCrypto, ad.ID.String(), "paseto decryption failed", err)
	}
	encoded, err := parsed.GetString("data")
	if err != nil {
		return nil, NewErrorFor(KindCrypto, ad.ID.String(), "paseto payload missing data claim", err)
	}
	plaintext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, NewErrorFor(KindCorruption, ad.ID.String(), "paseto payload malformed", err)
	}
	return plaintext, nil
}

const unsafeNoneTagSize = 32

// sealUnsafeNone stores the plaintext verbatim with an HMAC-SHA256 tag over
// (ad || plaintext) appended. It authenticates the AD binding without ever
// encrypting — the explicit non-encrypting envelope §4.1 calls for.
func sealUnsafeNone(plaintext []byte, key EncryptionKey, ad AssociatedData) []byte {
	tag := unsafeNoneTag(key, ad, plaintext)
	out := make([]byte, 0, len(plaintext)+unsafeNoneTagSize)
	out = append(out, plaintext...)
	out = append(out, tag[:]...)
	return out
}

func openUnsafeNone(token []byte, key EncryptionKey, ad AssociatedData) ([]byte, error) {
	if len(token) < unsafeNoneTagSize {
		return nil, NewErrorFor(KindCorruption, ad.ID.String(), "unsafe_none token too short", nil)
	}
	split := len(token) - unsafeNoneTagSize
	plaintext, gotTag := token[:split], token[split:]
	wantTag := unsafeNoneTag(key, ad, plaintext)
	if !hmac.Equal(gotTag, wantTag[:]) {
		return nil, NewErrorFor(KindCrypto, ad.ID.String(), "unsafe_none tag mismatch", nil)
	}
	return append([]byte(nil), plaintext...), nil
}

func unsafeNoneTag(key EncryptionKey, ad AssociatedData, plaintext []byte) [32]byte {
	h := hmac.New(sha256.New, key[:])
	_, _ = h.Write(ad.encode())
	_, _ = h.Write(plaintext)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
