// Package pending implements the mutable, forking DAG of uncommitted
// commits (spec.md §4.1): an arena-backed tree of pending nodes, a cached
// "current map" per checked-out commit built via an LCA checkout walk, and
// the operations (add, discard, change-root, historical iteration) the
// versioned store composes on top of it.
package pending

import "github.com/eth2030/lvmt/lvmttypes"

// CID is re-exported for callers that only need the pending package.
type CID = lvmttypes.CID

// Update is a caller-supplied modification: either a new value or a
// tombstone (Deleted=true).
type Update struct {
	Value   []byte
	Deleted bool
}

// modification is the modification record attached to a pending node for
// one key: the new value (or tombstone), plus a lazy pointer to the commit
// whose value this one supersedes, used for rollback during checkout.
type modification struct {
	value   []byte
	deleted bool
	lastCID *CID
}

// arenaIndex is a stable integer handle into Tree.nodes. Using integer
// handles instead of pointers avoids cyclic Go references across nodes and
// matches spec.md §9's "arena allocator with stable integer handles" design
// note (grounded on the Rust source's Slab<TreeNode> + HashMap<CID, usize>).
type arenaIndex int

const noIndex arenaIndex = -1

type node struct {
	cid           CID
	parent        arenaIndex
	children      map[arenaIndex]struct{}
	height        uint64
	modifications map[string]modification
}
