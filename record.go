package tern

// Tag names the logical streams multiplexed through a single per-host log.
const (
	TagHistory = "history"
	TagKV      = "kv"
	TagTodo    = "todo"
	TagKey     = "key"
)

// Record is the unit of replication: one entry in a host's per-tag
// append-only chain (§3.2). It is immutable once appended; the only
// exception is Store.ReEncrypt, which replaces Data in place while holding every
// other field fixed.
type Record struct {
	ID        RecordId
	Host      HostId
	Tag       string
	Version   string
	Idx       uint64
	Parent    *RecordId // nil iff Idx == 0
	Timestamp Timestamp
	Data      []byte // opaque ciphertext, sealed per §4.1
	Synced    bool
}

// AssociatedData rebuilds the envelope's associated data from the record's
// own header fields. This is the binding that makes cut-and-paste across
// records fail to decrypt.
func (r Record) AssociatedData() AssociatedData {
	return AssociatedData{
		ID:        r.ID,
		Version:   r.Version,
		Tag:       r.Tag,
		Host:      r.Host,
		Timestamp: r.Timestamp,
	}
}

// suiteForVersion maps a record's schema version to the cipher suite used
// to seal it. "v0" user-data tags use paseto_v4_local; the key tag, whose
// payload is a public KeyId hash, is explicitly unsafe_none.
func suiteForVersion(tag, version string) Suite {
	if tag == TagKey {
		return SuiteUnsafeNone
	}
	_ = version // reserved: a future version could select a different suite
	return SuitePasetoV4Local
}
