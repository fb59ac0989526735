package lvmtstore

import (
	"errors"
	"math/big"
	"testing"

	"github.com/consensys/gnark-crypto/ecc/bn254"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"

	"github.com/eth2030/lvmt/amt"
	"github.com/eth2030/lvmt/backend"
	"github.com/eth2030/lvmt/lvmterrors"
	"github.com/eth2030/lvmt/lvmttypes"
	"github.com/eth2030/lvmt/pending"
)

// toyPowerTau builds an insecure, fixed-tau powers-of-tau vector of length
// n; n=4 is exactly large enough for the depth-2 AMTParams derivation in
// newTestStore; never used outside this file.
func toyPowerTau(t *testing.T, n int) *amt.PowerTau {
	t.Helper()
	_, _, g1, g2 := bn254.Generators()
	var tau fr.Element
	tau.SetUint64(5)

	g1pp := make([]bn254.G1Affine, n)
	g2pp := make([]bn254.G2Affine, n)
	acc := fr.One()
	for i := 0; i < n; i++ {
		var bi big.Int
		acc.BigInt(&bi)

		var j1 bn254.G1Jac
		j1.FromAffine(&g1)
		j1.ScalarMultiplication(&j1, &bi)
		g1pp[i].FromJacobian(&j1)

		var j2 bn254.G2Jac
		j2.FromAffine(&g2)
		j2.ScalarMultiplication(&j2, &bi)
		g2pp[i].FromJacobian(&j2)

		acc.Mul(&acc, &tau)
	}

	pt, err := amt.NewPowerTau(g1pp, g2pp)
	if err != nil {
		t.Fatalf("NewPowerTau: %v", err)
	}
	return pt
}

func newTestStore(t *testing.T) *LvmtStore {
	t.Helper()
	pt := toyPowerTau(t, 4)
	pp, err := amt.NewAMTParams(pt, 2, 1)
	if err != nil {
		t.Fatalf("NewAMTParams: %v", err)
	}
	s, err := Open(backend.NewMemBackend(), pp)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func cid(b byte) lvmttypes.CID {
	var c lvmttypes.CID
	c[0] = b
	return c
}

func TestCommitSingleKeyAllocatesAndWritesValue(t *testing.T) {
	s := newTestStore(t)
	c1 := cid(1)

	if err := s.Commit(nil, c1, []Change{{Key: []byte("alpha"), Value: []byte("1")}}); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	raw, deleted, found, err := s.flatKV.GetVersionedKey(c1, []byte("alpha"))
	if err != nil || !found || deleted {
		t.Fatalf("GetVersionedKey: raw=%v deleted=%v found=%v err=%v", raw, deleted, found, err)
	}
	lv, err := lvmttypes.DecodeLvmtValue(raw)
	if err != nil {
		t.Fatalf("DecodeLvmtValue: %v", err)
	}
	if !lv.HasValue || string(lv.Value) != "1" || lv.Version != lvmttypes.AllocStartVersion {
		t.Fatalf("unexpected decoded value: %+v", lv)
	}
}

func TestCommitRewriteReusesAllocationAndBumpsVersion(t *testing.T) {
	s := newTestStore(t)
	c1, c2 := cid(1), cid(2)

	if err := s.Commit(nil, c1, []Change{{Key: []byte("alpha"), Value: []byte("1")}}); err != nil {
		t.Fatalf("Commit 1: %v", err)
	}
	if err := s.Commit(&c1, c2, []Change{{Key: []byte("alpha"), Value: []byte("2")}}); err != nil {
		t.Fatalf("Commit 2: %v", err)
	}

	raw1, _, _, _ := s.flatKV.GetVersionedKey(c1, []byte("alpha"))
	raw2, _, _, _ := s.flatKV.GetVersionedKey(c2, []byte("alpha"))
	lv1, _ := lvmttypes.DecodeLvmtValue(raw1)
	lv2, _ := lvmttypes.DecodeLvmtValue(raw2)

	if lv1.Allocation != lv2.Allocation {
		t.Fatalf("allocation should be stable across rewrites: %+v vs %+v", lv1.Allocation, lv2.Allocation)
	}
	if lv2.Version != lv1.Version+1 {
		t.Fatalf("expected version to bump by one: %d -> %d", lv1.Version, lv2.Version)
	}
	if string(lv2.Value) != "2" {
		t.Fatalf("expected updated value, got %q", lv2.Value)
	}
}

func TestCommitDeletePreservesAllocation(t *testing.T) {
	s := newTestStore(t)
	c1, c2 := cid(1), cid(2)

	if err := s.Commit(nil, c1, []Change{{Key: []byte("alpha"), Value: []byte("1")}}); err != nil {
		t.Fatalf("Commit 1: %v", err)
	}
	if err := s.Commit(&c1, c2, []Change{{Key: []byte("alpha"), Deleted: true}}); err != nil {
		t.Fatalf("Commit 2: %v", err)
	}

	raw, _, found, err := s.flatKV.GetVersionedKey(c2, []byte("alpha"))
	if err != nil || !found {
		t.Fatalf("GetVersionedKey: found=%v err=%v", found, err)
	}
	lv, err := lvmttypes.DecodeLvmtValue(raw)
	if err != nil {
		t.Fatalf("DecodeLvmtValue: %v", err)
	}
	if lv.HasValue {
		t.Fatal("expected tombstoned value")
	}
	if lv.Version != lvmttypes.AllocStartVersion+1 {
		t.Fatalf("expected version to still bump on delete, got %d", lv.Version)
	}
}

func TestCommitDuplicateKeyInChangesKeepsFirstSeen(t *testing.T) {
	s := newTestStore(t)
	c1 := cid(1)

	changes := []Change{
		{Key: []byte("alpha"), Value: []byte("first")},
		{Key: []byte("alpha"), Value: []byte("second")},
	}
	if err := s.Commit(nil, c1, changes); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	raw, _, _, _ := s.flatKV.GetVersionedKey(c1, []byte("alpha"))
	lv, _ := lvmttypes.DecodeLvmtValue(raw)
	if string(lv.Value) != "first" {
		t.Fatalf("expected first-seen write to win, got %q", lv.Value)
	}
}

func TestCommitWritesAmtNodeCommitment(t *testing.T) {
	s := newTestStore(t)
	c1 := cid(1)

	if err := s.Commit(nil, c1, []Change{{Key: []byte("alpha"), Value: []byte("1")}}); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// alpha's key write lands on node_index = the popped last digit of the
	// depth+1-length digest prefix, not on amt_id itself (the digest
	// prefix one digit longer than the key's own sub-AMT).
	digest := lvmttypes.KeyDigest([]byte("alpha"))
	full := lvmttypes.AmtNodeIDAtDepth(digest, 1)
	amtID, _ := full.Parent()
	raw, deleted, found, err := s.amtNode.GetVersionedKey(c1, amtID.Encode())
	if err != nil || !found || deleted {
		t.Fatalf("expected a leaf AMT node commitment to be written: found=%v deleted=%v err=%v", found, deleted, err)
	}
	node, err := amt.DecodeAmtNode(raw)
	if err != nil {
		t.Fatalf("DecodeAmtNode: %v", err)
	}
	if node.Version != 1 {
		t.Fatalf("expected version 1 on first touch, got %d", node.Version)
	}
}

func TestCommitPropagatesToRootAmtNode(t *testing.T) {
	s := newTestStore(t)
	c1 := cid(1)

	if err := s.Commit(nil, c1, []Change{{Key: []byte("alpha"), Value: []byte("1")}}); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// S1: a single key write must propagate all the way up to the root
	// AMT node (AmtId{}), whose version becomes 1.
	raw, deleted, found, err := s.amtNode.GetVersionedKey(c1, lvmttypes.AmtId{}.Encode())
	if err != nil || !found || deleted {
		t.Fatalf("expected the root AMT node commitment to be written: found=%v deleted=%v err=%v", found, deleted, err)
	}
	root, err := amt.DecodeAmtNode(raw)
	if err != nil {
		t.Fatalf("DecodeAmtNode(root): %v", err)
	}
	if root.Version != 1 {
		t.Fatalf("expected root AMT node version to become 1, got %d", root.Version)
	}
}

func TestGetAuthChangeNodeRoundTrips(t *testing.T) {
	s := newTestStore(t)
	c1 := cid(1)

	if err := s.Commit(nil, c1, []Change{{Key: []byte("alpha"), Value: []byte("1")}}); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	node, found, err := s.GetAuthChangeNode(c1, lvmttypes.AuthChangeKey{Height: 0, Index: 0})
	if err != nil {
		t.Fatalf("GetAuthChangeNode: %v", err)
	}
	if !found {
		t.Fatal("expected a root AuthChange node to exist")
	}
	if len(node.Hashes) == 0 {
		t.Fatal("expected the root node to carry at least one hash")
	}
}

func TestCheckConsistencyOnEmptyStore(t *testing.T) {
	s := newTestStore(t)
	if err := s.CheckConsistency(lvmttypes.CID{}); err != nil {
		t.Fatalf("CheckConsistency on empty store: %v", err)
	}
}

func TestCheckConsistencyPassesAfterCommit(t *testing.T) {
	s := newTestStore(t)
	c1 := cid(1)

	changes := []Change{
		{Key: []byte("alpha"), Value: []byte("1")},
		{Key: []byte("beta"), Value: []byte("2")},
	}
	if err := s.Commit(nil, c1, changes); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := s.CheckConsistency(c1); err != nil {
		t.Fatalf("CheckConsistency should pass on a freshly committed store: %v", err)
	}
}

func TestCheckConsistencyDetectsCorruptedCommitment(t *testing.T) {
	s := newTestStore(t)
	c1, c2 := cid(1), cid(2)

	if err := s.Commit(nil, c1, []Change{{Key: []byte("alpha"), Value: []byte("1")}}); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	digest := lvmttypes.KeyDigest([]byte("alpha"))
	full := lvmttypes.AmtNodeIDAtDepth(digest, 1)
	amtID, _ := full.Parent()

	raw, _, found, err := s.amtNode.GetVersionedKey(c1, amtID.Encode())
	if err != nil || !found {
		t.Fatalf("expected a leaf AMT node commitment: found=%v err=%v", found, err)
	}
	node, err := amt.DecodeAmtNode(raw)
	if err != nil {
		t.Fatalf("DecodeAmtNode: %v", err)
	}

	_, _, wrongPoint, _ := bn254.Generators()
	corrupted := amt.EncodeAmtNode(amt.AmtNode{Version: node.Version, Point: wrongPoint})
	update := map[string]pending.Update{string(amtID.Encode()): {Value: corrupted}}
	if err := s.amtNode.AddToPendingPart(&c1, c2, update); err != nil {
		t.Fatalf("AddToPendingPart: %v", err)
	}

	err = s.CheckConsistency(c2)
	if err == nil {
		t.Fatal("expected CheckConsistency to detect the corrupted commitment")
	}
	if !errors.Is(err, lvmterrors.ErrInconsistentAmtCommitment) && !errors.Is(err, lvmterrors.ErrInconsistentSlotAlloc) {
		t.Fatalf("expected an inconsistency sentinel, got: %v", err)
	}
}
