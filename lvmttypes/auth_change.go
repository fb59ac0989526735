package lvmttypes

import (
	"encoding/binary"
	"math/bits"

	"github.com/eth2030/lvmt/lvmterrors"
)

// MaxNodeSize is the AuthChange tree's fan-out: a node holds at most 8
// children/hashes.
const MaxNodeSize = 8

// MaxNodeSizeLog is log2(MaxNodeSize), the shift used by AuthChangeKey.
const MaxNodeSizeLog = 3

// AuthChangeKey addresses one node of the AuthChange Merkle tree by its
// height (0 = the root, increasing toward the leaves) and its index among
// all nodes at that height (index < 8^height).
//
// spec.md flags the Rust source's decode expression as ambiguously
// parenthesized and mandates the corrected encode semantics implemented
// here: (1 << (height*MaxNodeSizeLog)) + index, big-endian u32.
type AuthChangeKey struct {
	Height uint8
	Index  uint32
}

func (k AuthChangeKey) Encode() [4]byte {
	n := (uint32(1) << (uint32(k.Height) * MaxNodeSizeLog)) + k.Index
	var out [4]byte
	binary.BigEndian.PutUint32(out[:], n)
	return out
}

// DecodeAuthChangeKey is derived directly from the corrected encode
// formula above (not ported from the Rust source's ambiguous expression):
// for n in [2^(3h), 2^(3h+3)), floor(log2(n)/3) == h exactly, since each
// height spans one factor of MaxNodeSize=8 in the key space. Keys whose
// index is 8^height or more do not round-trip.
func DecodeAuthChangeKey(raw [4]byte) AuthChangeKey {
	n := binary.BigEndian.Uint32(raw[:])
	if n == 0 {
		return AuthChangeKey{Height: 0, Index: 0}
	}
	height := uint8((bits.Len32(n) - 1) / MaxNodeSizeLog)
	base := uint32(1) << (uint32(height) * MaxNodeSizeLog)
	return AuthChangeKey{Height: height, Index: n - base}
}

// AuthChangeNode is one node of the AuthChange Merkle tree: up to
// MaxNodeSize child/leaf hashes, plus size-1 shared-prefix "tick"
// separators used by future range proofs.
type AuthChangeNode struct {
	IsLeaf bool
	// AvailBitmap marks which of the up-to-8 slots are populated; a node
	// is built densely (slots 0..size-1) so this is derived as
	// (1<<size)-1 but kept explicit to match the wire format.
	AvailBitmap uint8
	Hashes      [][32]byte
	Ticks       [][]byte // non-leaf: len == len(Hashes)-1, all same length (TickLength); leaves built by authchange carry none
}

func (n AuthChangeNode) size() int { return len(n.Hashes) }

func (n AuthChangeNode) tickLength() int {
	if len(n.Ticks) == 0 {
		return 0
	}
	return len(n.Ticks[0])
}

// Encode: 1 byte size|(is_leaf<<7), 1 byte avail bitmap, 1 byte tick
// length, size*32 bytes of hashes, (size-1)*tick_length bytes of ticks.
func (n AuthChangeNode) Encode() []byte {
	size := n.size()
	tl := n.tickLength()
	out := make([]byte, 0, 3+32*size+tl*(size-1))

	head := byte(size)
	if n.IsLeaf {
		head |= 0x80
	}
	out = append(out, head, n.AvailBitmap, byte(tl))

	for _, h := range n.Hashes {
		out = append(out, h[:]...)
	}
	for _, t := range n.Ticks {
		out = append(out, t...)
	}
	return out
}

func DecodeAuthChangeNode(raw []byte) (AuthChangeNode, error) {
	if len(raw) < 3 {
		return AuthChangeNode{}, lvmterrors.ErrTooShortHeader
	}
	head := raw[0]
	isLeaf := head&0x80 != 0
	size := int(head &^ 0x80)
	bitmap := raw[1]
	tickLen := int(raw[2])

	want := 3 + 32*size + tickLen*max(0, size-1)
	if len(raw) != want {
		return AuthChangeNode{}, lvmterrors.ErrIncorrectLength
	}

	offset := 3
	hashes := make([][32]byte, size)
	for i := 0; i < size; i++ {
		copy(hashes[i][:], raw[offset:offset+32])
		offset += 32
	}
	var ticks [][]byte
	if size > 1 {
		ticks = make([][]byte, size-1)
		for i := 0; i < size-1; i++ {
			ticks[i] = append([]byte(nil), raw[offset:offset+tickLen]...)
			offset += tickLen
		}
	}

	return AuthChangeNode{
		IsLeaf:      isLeaf,
		AvailBitmap: bitmap,
		Hashes:      hashes,
		Ticks:       ticks,
	}, nil
}
