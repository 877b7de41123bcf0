package tern

import (
	"errors"
	"fmt"
)

// Kind classifies an error into the surface taxonomy of §7: how a caller
// (or the sync engine) should react to it. It mirrors the teacher's habit
// of exporting one sentinel per failure mode (ErrGap, ErrTagMismatch,
// ErrLogAlreadyClosed, ...) but groups them under a single wrapped type so
// the sync loop can switch on Kind without a long type-assertion chain.
type Kind int

const (
	// KindNotFound: id or row absent. Usually converted to (nil, false) or
	// a zero value at the caller rather than propagated as an error.
	KindNotFound Kind = iota
	// KindConflict: duplicate (host, tag, idx) or duplicate id. Retriable
	// after refreshing local state.
	KindConflict
	// KindCorruption: broken parent chain, unknown version, bad encoding.
	// Fatal at the log layer; callers must stop writing until repaired.
	KindCorruption
	// KindCrypto: decryption or authentication failed.
	KindCrypto
	// KindNetwork: transport, TLS, DNS, timeout. Retriable with backoff.
	KindNetwork
	// KindProtocol: the relay returned ill-formed or unexpected data.
	// Retriable with backoff.
	KindProtocol
	// KindUser: bad date expression, unknown filter mode, empty required
	// argument. Surfaced with the offending token.
	KindUser
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindCorruption:
		return "corruption"
	case KindCrypto:
		return "crypto"
	case KindNetwork:
		return "network"
	case KindProtocol:
		return "protocol"
	case KindUser:
		return "user"
	default:
		return "unknown"
	}
}

// Error is a Kind-tagged error. Use errors.As to recover the Kind and the
// affected RecordId (when known) for the single-line fatal report §7
// requires ("no partial data is presented as complete").
type Error struct {
	Kind  Kind
	ID    string // affected RecordId or other offending token, if any
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s: %s [%s]", e.Kind, e.Msg, e.ID)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds an Error without an associated id.
func NewError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// NewErrorFor builds an Error tagged with the RecordId or token it concerns.
func NewErrorFor(kind Kind, id string, msg string, cause error) *Error {
	return &Error{Kind: kind, ID: id, Msg: msg, Cause: cause}
}

// Is lets errors.Is(err, ErrKind(KindCrypto)) style checks work without
// exposing the Kind's zero-argument sentinel as a package-level var per
// kind, since Kind itself is closed and small.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// ErrKind constructs a comparison sentinel for use with errors.Is.
func ErrKind(k Kind) error { return &Error{Kind: k} }

// Retriable reports whether the sync engine should retry the current cycle
// (Network/Protocol, per §4.6.4 and §7, and Conflict, which is retriable
// after a local state refresh) versus abort it outright (Corruption/Crypto).
func Retriable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == KindNetwork || e.Kind == KindProtocol || e.Kind == KindConflict
}

var (
	// ErrRecordNotFound indicates Get/Last found no matching row.
	ErrRecordNotFound = NewError(KindNotFound, "record not found", nil)
	// ErrIdxConflict indicates a duplicate (host, tag, idx) on push.
	ErrIdxConflict = NewError(KindConflict, "duplicate (host, tag, idx)", nil)
	// ErrBrokenChain indicates a missing parent for idx > 0: the log is
	// corrupted and must refuse further writes until repaired.
	ErrBrokenChain = NewError(KindCorruption, "missing parent record: broken chain", nil)
	// ErrWrongKey indicates decryption/authentication failed against the
	// current key; the key store should transition to Invalid.
	ErrWrongKey = NewError(KindCrypto, "decryption failed: wrong key or tampered record", nil)
)
