package lvmttypes

import (
	"bytes"
	"testing"
)

func TestEncodeHNRevOrdering(t *testing.T) {
	// Scenario S6: inserts at HN 5, 10, 15 for the same key, scanned from
	// HN=20, must visit 15, 10, 5 in that order.
	key := []byte("abc")
	hns := []HN{15, 10, 5}
	keys := make([][]byte, len(hns))
	for i, hn := range hns {
		keys[i] = HistoryIndexKey{Key: key, HN: hn}.Encode()
	}

	// Scanning "forward" from (key, 20) in physical-key order must surface
	// HN=15 first, then 10, then 5 -- i.e. physical-key order is the
	// reverse of HN order for a fixed key.
	for i := 0; i < len(keys)-1; i++ {
		if bytes.Compare(keys[i], keys[i+1]) >= 0 {
			t.Fatalf("expected strictly increasing physical key order for decreasing HN, got %x >= %x", keys[i], keys[i+1])
		}
	}
	if hns[0] < hns[1] || hns[1] < hns[2] {
		t.Fatal("test setup invariant broken")
	}
}

func TestHistoryIndexKeyRoundTrip(t *testing.T) {
	orig := HistoryIndexKey{Key: []byte("abc"), HN: 0x0123456789ABCDEF}
	encoded := orig.Encode()
	decoded, ok := DecodeHistoryIndexKey(encoded)
	if !ok {
		t.Fatal("decode failed")
	}
	if decoded.HN != orig.HN || !bytes.Equal(decoded.Key, orig.Key) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, orig)
	}
}

func TestLvmtValueRoundTrip(t *testing.T) {
	cases := []LvmtValue{
		{Allocation: AllocatePosition{Depth: 3, SlotIndex: 2}, Version: 1, HasValue: true, Value: []byte("hello")},
		{Allocation: AllocatePosition{Depth: 31, SlotIndex: 4}, Version: 0xFFFFFFFFFF, HasValue: false},
	}
	for _, c := range cases {
		encoded := c.Encode()
		decoded, err := DecodeLvmtValue(encoded)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if decoded.Allocation != c.Allocation || decoded.Version != c.Version || decoded.HasValue != c.HasValue {
			t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, c)
		}
		if !bytes.Equal(decoded.Value, c.Value) {
			t.Fatalf("value mismatch: got %x, want %x", decoded.Value, c.Value)
		}
	}
}

func TestAmtIdIsPrefixOfDigest(t *testing.T) {
	digest := KeyDigest([]byte("some-key"))
	for depth := 0; depth < 15; depth++ {
		id := AmtNodeIDAtDepth(digest, depth)
		encoded := id.Encode()
		if !bytes.Equal(encoded, digest[:len(encoded)]) {
			t.Fatalf("depth %d: AmtId is not a digest prefix: %x vs %x", depth, encoded, digest[:len(encoded)])
		}
	}
}

func TestAmtIdParentChild(t *testing.T) {
	digest := KeyDigest([]byte("k"))
	id := AmtNodeIDAtDepth(digest, 3)
	parent, idx := id.Parent()
	if parent.Child(idx).Encode() == nil {
		t.Fatal("unexpected nil")
	}
	if !bytes.Equal(parent.Child(idx).Encode(), id.Encode()) {
		t.Fatalf("Parent/Child roundtrip mismatch")
	}
}

func TestAuthChangeKeyScenarioS5(t *testing.T) {
	var raw [4]byte
	raw[3] = 0x09
	got := DecodeAuthChangeKey(raw)
	want := AuthChangeKey{Height: 1, Index: 1}
	if got != want {
		t.Fatalf("decode(0x00000009) = %+v, want %+v", got, want)
	}
}

func TestAuthChangeKeyRoundTrip(t *testing.T) {
	// A tree node at height h has index < 8^h, the range the encoding
	// distinguishes.
	for h := uint8(0); h < 5; h++ {
		for idx := uint32(0); idx < 20 && idx < uint32(1)<<(uint32(h)*MaxNodeSizeLog); idx++ {
			k := AuthChangeKey{Height: h, Index: idx}
			encoded := k.Encode()
			decoded := DecodeAuthChangeKey(encoded)
			if decoded != k {
				t.Fatalf("round trip mismatch for %+v: got %+v", k, decoded)
			}
		}
	}
}

func TestAuthChangeNodeRoundTrip(t *testing.T) {
	n := AuthChangeNode{
		IsLeaf:      true,
		AvailBitmap: 0x07,
		Hashes:      [][32]byte{{1}, {2}, {3}},
		Ticks:       [][]byte{{0xAA}, {0xBB}},
	}
	encoded := n.Encode()
	decoded, err := DecodeAuthChangeNode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.IsLeaf != n.IsLeaf || decoded.AvailBitmap != n.AvailBitmap {
		t.Fatalf("header mismatch: got %+v", decoded)
	}
	if len(decoded.Hashes) != len(n.Hashes) {
		t.Fatalf("hash count mismatch")
	}
	for i := range n.Hashes {
		if decoded.Hashes[i] != n.Hashes[i] {
			t.Fatalf("hash %d mismatch", i)
		}
	}
}

func TestEncodingOrderPreservation(t *testing.T) {
	// Property 9: for AmtId, a <= b iff encode(a) <= encode(b) lexically,
	// for ids of equal length.
	ids := []AmtId{
		{Digits: []uint16{1, 2}},
		{Digits: []uint16{1, 3}},
		{Digits: []uint16{2, 0}},
	}
	for i := 0; i < len(ids)-1; i++ {
		a, b := ids[i].Encode(), ids[i+1].Encode()
		if bytes.Compare(a, b) >= 0 {
			t.Fatalf("expected %v < %v in encoded order", ids[i], ids[i+1])
		}
	}
}
