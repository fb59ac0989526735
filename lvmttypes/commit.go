// Package lvmttypes defines the wire-level data model shared by the pending
// DAG, the versioned store, and the AMT/LVMT orchestrator: commit
// identifiers, history numbers, the LVMT value encoding, AMT identifiers,
// slot allocations, and the AuthChange key/node encodings.
package lvmttypes

import "encoding/binary"

// CID is an opaque 32-byte commit identifier. Distinct across the system's
// lifetime; a collision is a fatal inconsistency the caller must not
// generate.
type CID [32]byte

// ZeroCID is the well-known "no commit" value used as a sentinel parent for
// the first-ever root.
var ZeroCID = CID{}

func (c CID) IsZero() bool { return c == ZeroCID }

// HN is a history number: a monotonically assigned 64-bit sequence number
// for confirmed commits. HN == height+1; 0 is reserved and never assigned.
type HN uint64

// EncodeHNRev encodes an HN as 8 big-endian bytes with every bit inverted,
// so that lexicographic iteration over the encoded bytes visits strictly
// decreasing HN first. Used as the suffix of HistoryIndexKey.
func EncodeHNRev(hn HN) [8]byte {
	var out [8]byte
	binary.BigEndian.PutUint64(out[:], ^uint64(hn))
	return out
}

// DecodeHNRev is the inverse of EncodeHNRev.
func DecodeHNRev(b [8]byte) HN {
	return HN(^binary.BigEndian.Uint64(b[:]))
}

// HistoryIndexKey is the physical key of a history-index record:
// key_bytes || bitwise_not(HN).to_be_bytes(). Because the HN suffix is bit
// inverted, increasing physical-key order for a fixed key corresponds to
// decreasing HN.
type HistoryIndexKey struct {
	Key []byte
	HN  HN
}

func (k HistoryIndexKey) Encode() []byte {
	out := make([]byte, 0, len(k.Key)+8)
	out = append(out, k.Key...)
	suffix := EncodeHNRev(k.HN)
	return append(out, suffix[:]...)
}

// DecodeHistoryIndexKey splits a physical key back into its logical key and
// HN. It returns ok=false if raw is shorter than the 8-byte HN suffix.
func DecodeHistoryIndexKey(raw []byte) (HistoryIndexKey, bool) {
	if len(raw) < 8 {
		return HistoryIndexKey{}, false
	}
	var suffix [8]byte
	copy(suffix[:], raw[len(raw)-8:])
	key := append([]byte(nil), raw[:len(raw)-8]...)
	return HistoryIndexKey{Key: key, HN: DecodeHNRev(suffix)}, true
}
