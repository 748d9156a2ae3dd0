// Package oid implements the 32-byte content-derived Object ID used to
// address every blob in a rekkord repository.
package oid

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Size is the length in bytes of an OID.
const Size = 32

// OID is a content-derived identifier for one stored blob. Two OIDs
// compare equal iff the referenced blob contents are byte-equal.
type OID [Size]byte

// Zero is the undefined OID, returned when no object is referenced.
var Zero OID

// IsZero reports whether o is the zero value.
func (o OID) IsZero() bool {
	return o == Zero
}

// String renders the OID as lowercase hex.
func (o OID) String() string {
	return hex.EncodeToString(o[:])
}

// Short renders a human-friendly truncated form, e.g. for log lines.
func (o OID) Short() string {
	s := o.String()
	if len(s) <= 12 {
		return s
	}
	return s[:12]
}

// Bytes returns the raw 32 bytes.
func (o OID) Bytes() []byte {
	return o[:]
}

// FromBytes copies a 32-byte slice into an OID.
func FromBytes(b []byte) (OID, error) {
	var o OID
	if len(b) != Size {
		return o, fmt.Errorf("oid: expected %d bytes, got %d", Size, len(b))
	}
	copy(o[:], b)
	return o, nil
}

// Parse accepts lowercase or uppercase hex, optionally prefixed with a
// short human-readable tag followed by a colon (e.g. "blob:8f3a...", as
// emitted by some CLI helpers).
func Parse(s string) (OID, error) {
	var o OID
	if idx := strings.LastIndexByte(s, ':'); idx >= 0 {
		s = s[idx+1:]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return o, fmt.Errorf("oid: invalid hex: %w", err)
	}
	return FromBytes(b)
}

// MustParse is like Parse but panics on error; intended for tests and
// compile-time constant-ish usage.
func MustParse(s string) OID {
	o, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return o
}

// Less provides a stable lexicographic ordering, used to break ties
// between snapshots that share a timestamp.
func Less(a, b OID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// BlobPath returns the on-store path for a blob OID:
// blobs/<hex[0:2]>/<hex[2:4]>/<full-hex>.
func (o OID) BlobPath() string {
	h := o.String()
	return "blobs/" + h[0:2] + "/" + h[2:4] + "/" + h
}
