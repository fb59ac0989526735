package lvmttypes

import (
	"encoding/binary"

	"github.com/eth2030/lvmt/lvmterrors"
)

// SlotSize is the number of slots under one AMT leaf node; slot SlotSize-1
// is reserved for the sub-tree's own aggregate commitment.
const SlotSize = 6

// KeySlotSize is the number of slots actually available for key versions;
// the last slot of SlotSize is reserved (see SlotSize doc).
const KeySlotSize = SlotSize - 1

// AllocStartVersion is the version assigned to a key's first write.
// Resolves spec.md's open question on the initial-version ambiguity;
// grounded on original_source/src/lvmt/storage.rs's ALLOC_START_VERSION.
const AllocStartVersion = 1

// AllocatePosition is the permanent (depth, slot_index) pair a key is
// assigned on its first write. depth is in 1..=31, slot_index in
// 0..KeySlotSize.
type AllocatePosition struct {
	Depth      uint8
	SlotIndex  uint8
}

// Encode packs depth and slot index into a single byte: depth in the low 5
// bits, slot index in the high 3 bits.
func (p AllocatePosition) Encode() byte {
	return (p.Depth & 0x1F) | (p.SlotIndex << 5)
}

func DecodeAllocatePosition(b byte) AllocatePosition {
	return AllocatePosition{
		Depth:     b & 0x1F,
		SlotIndex: b >> 5,
	}
}

// LvmtValue is the value stored in the flat key-value table: the key's
// permanent slot allocation, its current version, and its payload
// (HasValue=false means tombstoned / deleted, distinct from "absent").
type LvmtValue struct {
	Allocation AllocatePosition
	Version    uint64 // fits in 40 bits
	Value      []byte
	HasValue   bool
}

// Encode produces: 1 byte allocation, 5 bytes little-endian version, 1 byte
// has-value flag, then the value bytes if present.
func (v LvmtValue) Encode() []byte {
	out := make([]byte, 0, 7+len(v.Value))
	out = append(out, v.Allocation.Encode())

	var verBuf [8]byte
	binary.LittleEndian.PutUint64(verBuf[:], v.Version)
	out = append(out, verBuf[:5]...)

	if v.HasValue {
		out = append(out, 1)
		out = append(out, v.Value...)
	} else {
		out = append(out, 0)
	}
	return out
}

func DecodeLvmtValue(raw []byte) (LvmtValue, error) {
	if len(raw) < 7 {
		return LvmtValue{}, lvmterrors.ErrTooShortHeader
	}
	alloc := DecodeAllocatePosition(raw[0])

	var verBuf [8]byte
	copy(verBuf[:5], raw[1:6])
	version := binary.LittleEndian.Uint64(verBuf[:])

	hasValue := raw[6] != 0
	var value []byte
	if hasValue {
		value = append([]byte(nil), raw[7:]...)
	} else if len(raw) != 7 {
		return LvmtValue{}, lvmterrors.ErrIncorrectLength
	}

	return LvmtValue{
		Allocation: alloc,
		Version:    version,
		Value:      value,
		HasValue:   hasValue,
	}, nil
}

// AllocationKeyInfo is the value stored in the slot-allocation table: the
// highest index assigned so far at a given AMT node, plus the original key
// that produced that allocation (kept so a later full-node recursion can
// re-derive which key owns which slot).
type AllocationKeyInfo struct {
	Index uint8
	Key   []byte
}

func (a AllocationKeyInfo) Encode() []byte {
	out := make([]byte, 0, 1+len(a.Key))
	out = append(out, a.Index)
	return append(out, a.Key...)
}

func DecodeAllocationKeyInfo(raw []byte) (AllocationKeyInfo, error) {
	if len(raw) < 1 {
		return AllocationKeyInfo{}, lvmterrors.ErrTooShortHeader
	}
	return AllocationKeyInfo{
		Index: raw[0],
		Key:   append([]byte(nil), raw[1:]...),
	}, nil
}
