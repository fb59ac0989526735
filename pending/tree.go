package pending

import (
	"fmt"

	"github.com/eth2030/lvmt/lvmterrors"
)

// Tree is the arena-based pending DAG. It is not safe for concurrent use
// except through VersionedMap, which serializes mutation and guards the
// current-map cache with a RWMutex (spec.md §5: "single-threaded
// cooperative at the store level").
type Tree struct {
	nodes   []*node // arena; freed slots are nil
	free    []arenaIndex
	byCID   map[CID]arenaIndex
	rootIdx arenaIndex

	// parentOfRoot is the newest confirmed commit's CID -- the pending
	// root's logical parent. nil means history is empty.
	parentOfRoot *CID
	heightOfRoot uint64

	// current is the cached fold of modifications for the most recently
	// checked-out commit (spec.md §4.1's current_map). nil until the first
	// query.
	current *currentMap
}

// NewTree creates an empty pending DAG anchored after parentOfRoot (nil for
// an empty history) at the given height.
func NewTree(parentOfRoot *CID, heightOfRoot uint64) *Tree {
	return &Tree{
		byCID:        make(map[CID]arenaIndex),
		rootIdx:      noIndex,
		parentOfRoot: parentOfRoot,
		heightOfRoot: heightOfRoot,
	}
}

func (t *Tree) alloc(n *node) arenaIndex {
	if len(t.free) > 0 {
		idx := t.free[len(t.free)-1]
		t.free = t.free[:len(t.free)-1]
		t.nodes[idx] = n
		return idx
	}
	t.nodes = append(t.nodes, n)
	return arenaIndex(len(t.nodes) - 1)
}

func (t *Tree) free_(idx arenaIndex) {
	t.nodes[idx] = nil
	t.free = append(t.free, idx)
}

func (t *Tree) get(idx arenaIndex) *node { return t.nodes[idx] }

// AddNode links a new pending commit into the DAG.
//
// parent == nil means "this is the root", i.e. its logical parent is
// t.parentOfRoot. Errors: MultipleRootsNotAllowed if a root already exists,
// CommitIdAlreadyExists if cid is already present, CommitIDNotFound if a
// non-nil parent does not exist in the DAG.
func (t *Tree) AddNode(cid CID, parent *CID, updates map[string]Update) error {
	if _, exists := t.byCID[cid]; exists {
		return fmt.Errorf("%w: %x", lvmterrors.ErrCommitIdAlreadyExists, cid)
	}

	var parentIdx arenaIndex
	var height uint64

	if parent == nil {
		if t.rootIdx != noIndex {
			return lvmterrors.ErrMultipleRootsNotAllowed
		}
		parentIdx = noIndex
		height = t.heightOfRoot
	} else {
		idx, ok := t.byCID[*parent]
		if !ok {
			return fmt.Errorf("%w: parent %x", lvmterrors.ErrPendingCommitIDNotFound, *parent)
		}
		parentIdx = idx
		height = t.get(idx).height + 1
	}

	mods := make(map[string]modification, len(updates))
	for k, u := range updates {
		lastCID := t.lastCIDFor(parentIdx, []byte(k))
		mods[k] = modification{value: u.Value, deleted: u.Deleted, lastCID: lastCID}
	}

	n := &node{
		cid:           cid,
		parent:        parentIdx,
		children:      make(map[arenaIndex]struct{}),
		height:        height,
		modifications: mods,
	}
	idx := t.alloc(n)
	t.byCID[cid] = idx

	if parentIdx == noIndex {
		t.rootIdx = idx
	} else {
		t.get(parentIdx).children[idx] = struct{}{}
	}
	return nil
}

// lastCIDFor finds the nearest ancestor (inclusive) of parentIdx that
// modifies key, by walking parent pointers. Returns nil if no ancestor
// touches it (the new modification is the key's first appearance in
// pending).
func (t *Tree) lastCIDFor(parentIdx arenaIndex, key []byte) *CID {
	for idx := parentIdx; idx != noIndex; idx = t.get(idx).parent {
		n := t.get(idx)
		if _, ok := n.modifications[string(key)]; ok {
			cid := n.cid
			return &cid
		}
	}
	return nil
}

// Discard removes the subtree rooted at cid and detaches it from its
// parent. Returns RootShouldNotBeDiscarded for the root, CommitIDNotFound
// if cid is unknown.
func (t *Tree) Discard(cid CID) error {
	idx, ok := t.byCID[cid]
	if !ok {
		return fmt.Errorf("%w: %x", lvmterrors.ErrPendingCommitIDNotFound, cid)
	}
	if idx == t.rootIdx {
		return lvmterrors.ErrRootShouldNotBeDiscarded
	}

	parentIdx := t.get(idx).parent
	delete(t.get(parentIdx).children, idx)
	t.removeSubtree(idx)
	return nil
}

// removeSubtree frees idx and every descendant via BFS, and removes their
// byCID entries.
func (t *Tree) removeSubtree(idx arenaIndex) {
	queue := []arenaIndex{idx}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		n := t.get(cur)
		for child := range n.children {
			queue = append(queue, child)
		}
		delete(t.byCID, n.cid)
		t.free_(cur)
	}
}

// bfsSubtree returns every node index in the subtree rooted at idx,
// including idx itself, in breadth-first order.
func (t *Tree) bfsSubtree(idx arenaIndex) []arenaIndex {
	var out []arenaIndex
	queue := []arenaIndex{idx}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		out = append(out, cur)
		n := t.get(cur)
		for child := range n.children {
			queue = append(queue, child)
		}
	}
	return out
}

func (t *Tree) GetNodeByCID(cid CID) (arenaIndex, bool) {
	idx, ok := t.byCID[cid]
	return idx, ok
}

// HasRoot reports whether the DAG currently has a root.
func (t *Tree) HasRoot() bool { return t.rootIdx != noIndex }

// Height returns a node's height, given its CID.
func (t *Tree) Height(cid CID) (uint64, bool) {
	idx, ok := t.byCID[cid]
	if !ok {
		return 0, false
	}
	return t.get(idx).height, true
}
