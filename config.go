// Package tern implements the synchronization and record-store core of a
// local-first, end-to-end-encrypted shell-history and structured-key-value
// system.
package tern

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// HostContext is the explicit configuration bundle threaded into every
// constructor in this package. HostId is process-wide stable once loaded,
// but it is never a hidden singleton: callers own it and pass it down.
type HostContext struct {
	Host     HostId
	Hostname string
}

// NewHostId generates a fresh 128-bit opaque host identifier.
func NewHostId() (HostId, error) {
	var h HostId
	if _, err := rand.Read(h[:]); err != nil {
		return HostId{}, fmt.Errorf("generate host id: %w", err)
	}
	return h, nil
}

// ParseHostId decodes a hex-encoded HostId previously produced by String.
func ParseHostId(s string) (HostId, error) {
	var h HostId
	b, err := hex.DecodeString(s)
	if err != nil {
		return HostId{}, fmt.Errorf("parse host id: %w", err)
	}
	if len(b) != len(h) {
		return HostId{}, fmt.Errorf("parse host id: want %d bytes, got %d", len(h), len(b))
	}
	copy(h[:], b)
	return h, nil
}
