package pending

// PathEntry is one confirmed commit produced by ChangeRoot, in root-to-leaf
// order: the commit's id and the key/value map it wrote (tombstones
// represented with Deleted=true).
type PathEntry struct {
	CID     CID
	Changes map[string]Update
}

// ChangeRoot promotes the chain from the current root down to (and
// including) newRootCID: it moves the pending root forward to newRootCID,
// deletes every node outside newRootCID's subtree (the path's other nodes
// included), sets ParentOfRoot to newRootCID itself, and returns the old
// root's height plus the root..newRootCID path of confirmed commits.
// newRootCID stays in the DAG as the root.
func (t *Tree) ChangeRoot(newRootCID CID) (oldRootHeight uint64, path []PathEntry, err error) {
	newRootIdx, ok := t.byCID[newRootCID]
	if !ok {
		return 0, nil, notFoundErr(newRootCID)
	}

	oldRootHeight = t.get(t.rootIdx).height
	pathIdx := t.pathFromRoot(newRootIdx) // root..newRoot inclusive

	path = make([]PathEntry, 0, len(pathIdx))
	for _, idx := range pathIdx {
		n := t.get(idx)
		changes := make(map[string]Update, len(n.modifications))
		for k, mod := range n.modifications {
			changes[k] = Update{Value: mod.value, Deleted: mod.deleted}
		}
		path = append(path, PathEntry{CID: n.cid, Changes: changes})
	}

	keep := make(map[arenaIndex]struct{})
	for _, idx := range t.bfsSubtree(newRootIdx) {
		keep[idx] = struct{}{}
	}

	for i, n := range t.nodes {
		if n == nil {
			continue
		}
		idx := arenaIndex(i)
		if _, kept := keep[idx]; kept {
			continue
		}
		delete(t.byCID, n.cid)
		t.free_(idx)
	}

	newRootNode := t.get(newRootIdx)
	parentBefore := newRootNode.cid
	t.parentOfRoot = &parentBefore
	newRootNode.parent = noIndex
	t.rootIdx = newRootIdx

	if t.current != nil {
		if _, stillThere := t.byCID[t.current.cid]; !stillThere {
			t.current = nil
		}
	}

	return oldRootHeight, path, nil
}

// ParentOfRoot returns the newest confirmed commit (the pending root's
// logical parent, or the root itself once ChangeRoot has promoted it), or
// nil if history is empty.
func (t *Tree) ParentOfRoot() *CID { return t.parentOfRoot }

// HeightOfRoot returns the current root's height if one exists, or the
// bootstrap next-height value (supplied to NewTree) otherwise -- the height
// the next parent=nil AddNode will be assigned.
func (t *Tree) HeightOfRoot() uint64 {
	if t.rootIdx != noIndex {
		return t.get(t.rootIdx).height
	}
	return t.heightOfRoot
}
