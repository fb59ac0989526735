package pending

import (
	"math/rand/v2"
	"testing"
)

func cid(b byte) CID {
	var c CID
	c[0] = b
	return c
}

func upd(v string) Update { return Update{Value: []byte(v)} }

func TestAddNodeAndGetVersionedKey(t *testing.T) {
	tree := NewTree(nil, 0)
	if err := tree.AddNode(cid(1), nil, map[string]Update{"a": upd("1")}); err != nil {
		t.Fatalf("add root: %v", err)
	}
	if err := tree.AddNode(cid(2), ptr(cid(1)), map[string]Update{"b": upd("3")}); err != nil {
		t.Fatalf("add child: %v", err)
	}

	v, deleted, found, err := tree.GetVersionedKey(cid(2), []byte("a"))
	if err != nil || !found || deleted || string(v) != "1" {
		t.Fatalf("inherited key: v=%s deleted=%v found=%v err=%v", v, deleted, found, err)
	}
	v, _, found, _ = tree.GetVersionedKey(cid(2), []byte("b"))
	if !found || string(v) != "3" {
		t.Fatalf("own key: v=%s found=%v", v, found)
	}
	_, _, found, _ = tree.GetVersionedKey(cid(1), []byte("b"))
	if found {
		t.Fatal("key from child should not be visible at parent")
	}
}

func ptr(c CID) *CID { return &c }

func TestMultipleRootsNotAllowed(t *testing.T) {
	tree := NewTree(nil, 0)
	if err := tree.AddNode(cid(1), nil, nil); err != nil {
		t.Fatal(err)
	}
	if err := tree.AddNode(cid(2), nil, nil); err == nil {
		t.Fatal("expected MultipleRootsNotAllowed")
	}
}

func TestCommitIdAlreadyExists(t *testing.T) {
	tree := NewTree(nil, 0)
	if err := tree.AddNode(cid(1), nil, nil); err != nil {
		t.Fatal(err)
	}
	if err := tree.AddNode(cid(1), nil, nil); err == nil {
		t.Fatal("expected CommitIdAlreadyExists")
	}
}

func TestCommitIDNotFoundOnAdd(t *testing.T) {
	tree := NewTree(nil, 0)
	if err := tree.AddNode(cid(2), ptr(cid(1)), nil); err == nil {
		t.Fatal("expected CommitIDNotFound")
	}
}

// TestForkAndDiscard mirrors scenario S2/S3's fork shape.
func TestForkAndDiscard(t *testing.T) {
	tree := NewTree(nil, 0)
	mustAdd(t, tree, cid(1), nil, map[string]Update{"a": upd("1")})
	mustAdd(t, tree, cid(2), ptr(cid(1)), map[string]Update{"a": upd("2"), "b": upd("3")})
	mustAdd(t, tree, cid(3), ptr(cid(1)), map[string]Update{"a": upd("9")})

	checkGet(t, tree, cid(2), "a", "2")
	checkGet(t, tree, cid(3), "a", "9")
	checkGet(t, tree, cid(2), "b", "3")
	_, _, found, _ := tree.GetVersionedKey(cid(3), []byte("b"))
	if found {
		t.Fatal("b should not exist on the other fork")
	}

	if err := tree.Discard(cid(3)); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if _, _, _, err := tree.GetVersionedKey(cid(3), []byte("a")); err == nil {
		t.Fatal("expected CommitIDNotFound after discard")
	}
	// Sibling c2 must be untouched.
	checkGet(t, tree, cid(2), "a", "2")
}

func TestDiscardRootRejected(t *testing.T) {
	tree := NewTree(nil, 0)
	mustAdd(t, tree, cid(1), nil, nil)
	if err := tree.Discard(cid(1)); err == nil {
		t.Fatal("expected RootShouldNotBeDiscarded")
	}
}

func TestChangeRootPromotion(t *testing.T) {
	tree := NewTree(nil, 0)
	mustAdd(t, tree, cid(1), nil, map[string]Update{"a": upd("1")})
	mustAdd(t, tree, cid(2), ptr(cid(1)), map[string]Update{"a": upd("2"), "b": upd("3")})
	mustAdd(t, tree, cid(3), ptr(cid(1)), map[string]Update{"a": upd("9")})

	oldHeight, path, err := tree.ChangeRoot(cid(2))
	if err != nil {
		t.Fatalf("change root: %v", err)
	}
	if oldHeight != 0 {
		t.Fatalf("old root height = %d, want 0", oldHeight)
	}
	if len(path) != 2 {
		t.Fatalf("path len = %d, want 2", len(path))
	}
	if path[0].CID != cid(1) || path[1].CID != cid(2) {
		t.Fatalf("unexpected path order: %+v", path)
	}

	// cid(3) must be gone.
	if _, _, _, err := tree.GetVersionedKey(cid(3), []byte("a")); err == nil {
		t.Fatal("expected cid(3) to be pruned by change_root")
	}
	// cid(2) is now the root and still answers queries.
	checkGet(t, tree, cid(2), "a", "2")
	if !tree.HasRoot() {
		t.Fatal("expected a root to remain")
	}
}

func mustAdd(t *testing.T, tree *Tree, c CID, parent *CID, updates map[string]Update) {
	t.Helper()
	if err := tree.AddNode(c, parent, updates); err != nil {
		t.Fatalf("add %x: %v", c, err)
	}
}

func checkGet(t *testing.T, tree *Tree, c CID, key, want string) {
	t.Helper()
	v, deleted, found, err := tree.GetVersionedKey(c, []byte(key))
	if err != nil || !found || deleted {
		t.Fatalf("get(%x,%s): v=%s found=%v deleted=%v err=%v", c, key, v, found, deleted, err)
	}
	if string(v) != want {
		t.Fatalf("get(%x,%s) = %s, want %s", c, key, v, want)
	}
}

// TestLCACorrectness is a randomized property test (invariant 3): for two
// pending cids with LCA l, the checkout-built current map must match a
// from-scratch fold.
func TestLCACorrectness(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	tree := NewTree(nil, 0)

	var allCIDs []CID
	next := byte(1)
	newCID := func() CID { c := cid(next); next++; return c }

	root := newCID()
	mustAdd(t, tree, root, nil, map[string]Update{"k0": upd("0")})
	allCIDs = append(allCIDs, root)

	for i := 0; i < 200; i++ {
		parent := allCIDs[rng.IntN(len(allCIDs))]
		c := newCID()
		key := []byte{byte(rng.IntN(5))}
		mustAdd(t, tree, c, ptr(parent), map[string]Update{string(key): upd(string(rune('a' + rng.IntN(26))))})
		allCIDs = append(allCIDs, c)
	}

	for i := 0; i < 50; i++ {
		a := allCIDs[rng.IntN(len(allCIDs))]
		b := allCIDs[rng.IntN(len(allCIDs))]

		// Checkout to a, then to b, via the cache.
		_, _, _, err := tree.GetVersionedKey(a, []byte("k0"))
		if err != nil {
			t.Fatal(err)
		}
		got := snapshotAll(tree, b)
		want := freshFold(tree, b)
		if !mapsEqual(got, want) {
			t.Fatalf("checkout(%x then %x) mismatch: got %v want %v", a, b, got, want)
		}
	}
}

func snapshotAll(tree *Tree, c CID) map[string]string {
	out := map[string]string{}
	for k := byte(0); k < 5; k++ {
		v, deleted, found, err := tree.GetVersionedKey(c, []byte{k})
		if err != nil {
			continue
		}
		if found && !deleted {
			out[string([]byte{k})] = string(v)
		}
	}
	return out
}

// freshFold recomputes the map for c by invalidating the cache first.
func freshFold(tree *Tree, c CID) map[string]string {
	tree.current = nil
	return snapshotAll(tree, c)
}

func mapsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func TestIterHistoricalChanges(t *testing.T) {
	tree := NewTree(nil, 0)
	mustAdd(t, tree, cid(1), nil, map[string]Update{"a": upd("1")})
	mustAdd(t, tree, cid(2), ptr(cid(1)), map[string]Update{"b": upd("2")})
	mustAdd(t, tree, cid(3), ptr(cid(2)), map[string]Update{"a": upd("3")})

	var seen []CID
	completed, err := tree.IterHistoricalChanges(cid(3), []byte("a"), func(c CID, v []byte, deleted bool) bool {
		seen = append(seen, c)
		return true
	})
	if err != nil {
		t.Fatal(err)
	}
	if !completed {
		t.Fatal("expected completed traversal")
	}
	if len(seen) != 2 || seen[0] != cid(3) || seen[1] != cid(1) {
		t.Fatalf("unexpected traversal: %v", seen)
	}

	// Early stop.
	var stopSeen []CID
	completed, err = tree.IterHistoricalChanges(cid(3), []byte("a"), func(c CID, v []byte, deleted bool) bool {
		stopSeen = append(stopSeen, c)
		return false
	})
	if err != nil {
		t.Fatal(err)
	}
	if completed {
		t.Fatal("expected early-stopped traversal to report not completed")
	}
	if len(stopSeen) != 1 {
		t.Fatalf("expected exactly one visit before stop, got %v", stopSeen)
	}
}
