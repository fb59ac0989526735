package lvmttypes

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2s"

	"github.com/eth2030/lvmt/lvmterrors"
)

// AmtId identifies a sub-AMT: a path of u16 digits from the root AMT,
// length 0 (the root) to 16. AmtId.Encode() is, by construction, exactly
// the first 2*len(digits) bytes of the key's blake2s digest (see
// KeyDigest/AmtNodeIDAtDepth below) -- AmtId is literally a byte-prefix of
// the digest, not an independently chosen value.
type AmtId struct {
	Digits []uint16
}

func (id AmtId) Len() int { return len(id.Digits) }

func (id AmtId) IsRoot() bool { return len(id.Digits) == 0 }

func (id AmtId) Encode() []byte {
	out := make([]byte, 2*len(id.Digits))
	for i, d := range id.Digits {
		binary.BigEndian.PutUint16(out[2*i:], d)
	}
	return out
}

func DecodeAmtId(raw []byte) (AmtId, error) {
	if len(raw)%2 != 0 {
		return AmtId{}, lvmterrors.ErrIncorrectLength
	}
	digits := make([]uint16, len(raw)/2)
	for i := range digits {
		digits[i] = binary.BigEndian.Uint16(raw[2*i:])
	}
	return AmtId{Digits: digits}, nil
}

// Parent returns the AmtId one level up and the node index (the popped
// last digit) locating this sub-AMT inside its parent. Panics if called on
// the root.
func (id AmtId) Parent() (parent AmtId, nodeIndex uint16) {
	if id.IsRoot() {
		panic("lvmttypes: AmtId.Parent called on the root AMT")
	}
	parent = AmtId{Digits: append([]uint16(nil), id.Digits[:len(id.Digits)-1]...)}
	nodeIndex = id.Digits[len(id.Digits)-1]
	return parent, nodeIndex
}

// Child returns the sub-AMT one level below, reached through nodeIndex.
func (id AmtId) Child(nodeIndex uint16) AmtId {
	return AmtId{Digits: append(append([]uint16(nil), id.Digits...), nodeIndex)}
}

// KeyDigest computes the blake2s-256 digest of a key, used to drive slot
// allocation (see §4.6 of SPEC_FULL.md).
func KeyDigest(key []byte) [32]byte {
	return blake2s.Sum256(key)
}

// AmtNodeIDAtDepth returns the AmtId reached by taking the first (depth+1)
// u16 big-endian digits of digest. depth is the recursion depth the slot
// allocator has reached (depth=1 is the first non-root level).
func AmtNodeIDAtDepth(digest [32]byte, depth int) AmtId {
	n := depth + 1
	digits := make([]uint16, n)
	for i := 0; i < n; i++ {
		off := 2 * i
		digits[i] = binary.BigEndian.Uint16(digest[off : off+2])
	}
	return AmtId{Digits: digits}
}
