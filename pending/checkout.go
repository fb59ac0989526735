package pending

import (
	"fmt"

	"github.com/eth2030/lvmt/lvmterrors"
)

func notFoundErr(cid CID) error {
	return fmt.Errorf("%w: %x", lvmterrors.ErrPendingCommitIDNotFound, cid)
}

// currentRecord is one entry of a CurrentMap: the folded value for a key as
// of a specific checked-out commit, plus the commit that actually set it
// (used when a later checkout needs to roll this entry back).
type currentRecord struct {
	value    []byte
	deleted  bool
	setAtCID CID
}

// currentMap is the fold of modifications along the root-to-cid path for a
// single checked-out commit.
type currentMap struct {
	cid CID
	m   map[string]currentRecord
}

// makeCurrent returns the CurrentMap for target, building or incrementally
// updating t.current via the LCA checkout algorithm described in spec.md
// §4.1 (building/refreshing current_map).
func (t *Tree) makeCurrent(target arenaIndex) *currentMap {
	if t.current != nil && t.current.cid == t.get(target).cid {
		return t.current
	}

	if t.current == nil {
		t.current = t.foldFromRoot(target)
		return t.current
	}

	anchorIdx, ok := t.byCID[t.current.cid]
	if !ok {
		// The cached anchor no longer exists (its subtree was discarded or
		// promoted away); rebuild from scratch.
		t.current = t.foldFromRoot(target)
		return t.current
	}

	t.checkout(anchorIdx, target)
	return t.current
}

// foldFromRoot builds a CurrentMap for target by walking root->target once,
// applying each node's modifications in root-to-leaf order (so closer
// ancestors override farther ones is automatic: we simply overwrite).
func (t *Tree) foldFromRoot(target arenaIndex) *currentMap {
	path := t.pathFromRoot(target)
	m := make(map[string]currentRecord)
	for _, idx := range path {
		n := t.get(idx)
		for k, mod := range n.modifications {
			m[k] = currentRecord{value: mod.value, deleted: mod.deleted, setAtCID: n.cid}
		}
	}
	return &currentMap{cid: t.get(target).cid, m: m}
}

func (t *Tree) pathFromRoot(idx arenaIndex) []arenaIndex {
	var rev []arenaIndex
	for cur := idx; cur != noIndex; cur = t.get(cur).parent {
		rev = append(rev, cur)
	}
	out := make([]arenaIndex, len(rev))
	for i, v := range rev {
		out[len(rev)-1-i] = v
	}
	return out
}

// checkout walks anchorIdx and targetIdx up to their LCA, collecting a
// rollback set (from the anchor side, keeping each key's modification
// closest to the LCA, whose lastCID holds the value at the LCA) and an
// apply set (from the target side, keeping each key's modification closest
// to the target), then mutates t.current in place: rollbacks first, then
// applies.
func (t *Tree) checkout(anchorIdx, targetIdx arenaIndex) {
	rollback := make(map[string]modification)
	apply := make(map[string]currentRecord)

	c, tg := anchorIdx, targetIdx
	for t.get(c).height > t.get(tg).height {
		collectLast(rollback, t.get(c))
		c = t.get(c).parent
	}
	for t.get(tg).height > t.get(c).height {
		collectFirstApply(apply, t.get(tg))
		tg = t.get(tg).parent
	}
	for c != tg {
		collectLast(rollback, t.get(c))
		collectFirstApply(apply, t.get(tg))
		c = t.get(c).parent
		tg = t.get(tg).parent
	}

	for k, mod := range rollback {
		t.resolveRollback(k, mod)
	}
	for k, rec := range apply {
		t.current.m[k] = rec
	}
	t.current.cid = t.get(targetIdx).cid
}

func collectLast(dst map[string]modification, n *node) {
	for k, mod := range n.modifications {
		dst[k] = mod
	}
}

func collectFirstApply(dst map[string]currentRecord, n *node) {
	for k, mod := range n.modifications {
		if _, seen := dst[k]; !seen {
			dst[k] = currentRecord{value: mod.value, deleted: mod.deleted, setAtCID: n.cid}
		}
	}
}

// resolveRollback restores t.current.m[key] to the value it held before the
// rolled-back modification was applied, using that modification's lastCID.
// If lastCID is nil or no longer present in the DAG, the key is dropped
// from the map entirely (spec.md §9 "last_cid staleness": treated as
// "unknown in pending", falling through to history).
func (t *Tree) resolveRollback(key string, mod modification) {
	if mod.lastCID == nil {
		delete(t.current.m, key)
		return
	}
	idx, ok := t.byCID[*mod.lastCID]
	if !ok {
		delete(t.current.m, key)
		return
	}
	prior, ok := t.get(idx).modifications[key]
	if !ok {
		// Should not happen (lastCID was recorded precisely because that
		// node modified key), but fail safe to "unknown".
		delete(t.current.m, key)
		return
	}
	t.current.m[key] = currentRecord{value: prior.value, deleted: prior.deleted, setAtCID: *mod.lastCID}
}

// GetVersionedKey returns the pending value for key at cid. found=false
// means pending has no opinion and the caller should consult history.
func (t *Tree) GetVersionedKey(cid CID, key []byte) (value []byte, deleted bool, found bool, err error) {
	idx, ok := t.byCID[cid]
	if !ok {
		return nil, false, false, notFoundErr(cid)
	}
	cm := t.makeCurrent(idx)
	rec, ok := cm.m[string(key)]
	if !ok {
		return nil, false, false, nil
	}
	return rec.value, rec.deleted, true, nil
}

// CurrentSnapshot returns the full pending fold for cid: every key any
// ancestor-or-self commit on the root-to-cid path modified, overwritten
// root-to-leaf the same way GetVersionedKey resolves a single key. Used by
// consistency checks that need to enumerate every pending-touched key
// rather than look one up.
func (t *Tree) CurrentSnapshot(cid CID) (map[string]Update, error) {
	idx, ok := t.byCID[cid]
	if !ok {
		return nil, notFoundErr(cid)
	}
	cm := t.makeCurrent(idx)
	out := make(map[string]Update, len(cm.m))
	for k, rec := range cm.m {
		out[k] = Update{Value: rec.value, Deleted: rec.deleted}
	}
	return out, nil
}

// AcceptFunc is called once per pending commit that modified the queried
// key, walking from cid toward the root; it returns whether iteration
// should continue.
type AcceptFunc func(cid CID, value []byte, deleted bool) (needNext bool)

// IterHistoricalChanges walks parents from cid, calling accept for every
// commit that modified key, stopping early if accept returns false.
// isCompleted is true iff the walk reached the pending root without being
// stopped.
func (t *Tree) IterHistoricalChanges(cid CID, key []byte, accept AcceptFunc) (isCompleted bool, err error) {
	idx, ok := t.byCID[cid]
	if !ok {
		return false, notFoundErr(cid)
	}
	ks := string(key)
	for cur := idx; cur != noIndex; cur = t.get(cur).parent {
		n := t.get(cur)
		mod, ok := n.modifications[ks]
		if !ok {
			continue
		}
		if !accept(n.cid, mod.value, mod.deleted) {
			return false, nil
		}
	}
	return true, nil
}
