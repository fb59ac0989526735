package lvmtstore

import (
	"github.com/eth2030/lvmt/lvmttypes"
	"github.com/eth2030/lvmt/versioned"
)

// allocationCacheDb is a per-commit read-through cache over the pending
// slot-allocation snapshot (spec.md §4.6): reads check the in-commit cache
// first, falling back to the versioned store; writes only touch the
// cache, so a single commit never re-reads its own writes from the
// backend.
type allocationCacheDb struct {
	store *versioned.Store
	cid   lvmttypes.CID
	cache map[string]lvmttypes.AllocationKeyInfo
}

func newAllocationCacheDb(store *versioned.Store, cid lvmttypes.CID) *allocationCacheDb {
	return &allocationCacheDb{store: store, cid: cid, cache: make(map[string]lvmttypes.AllocationKeyInfo)}
}

func (a *allocationCacheDb) get(amtNodeID lvmttypes.AmtId) (lvmttypes.AllocationKeyInfo, bool, error) {
	k := string(amtNodeID.Encode())
	if v, ok := a.cache[k]; ok {
		return v, true, nil
	}
	raw, deleted, found, err := a.store.GetVersionedKey(a.cid, []byte(k))
	if err != nil || !found || deleted {
		return lvmttypes.AllocationKeyInfo{}, false, err
	}
	info, err := lvmttypes.DecodeAllocationKeyInfo(raw)
	if err != nil {
		return lvmttypes.AllocationKeyInfo{}, false, err
	}
	return info, true, nil
}

func (a *allocationCacheDb) set(amtNodeID lvmttypes.AmtId, info lvmttypes.AllocationKeyInfo) {
	a.cache[string(amtNodeID.Encode())] = info
}

// allocateVersionSlot runs the slot allocator of spec.md §4.6: walk
// increasing depths of key's digest prefix until a sub-AMT with a free
// key slot is found, respecting both the backend and this commit's
// in-flight allocations.
func allocateVersionSlot(key []byte, cache *allocationCacheDb) (lvmttypes.AllocatePosition, error) {
	digest := lvmttypes.KeyDigest(key)

	for depth := 1; ; depth++ {
		amtNodeID := lvmttypes.AmtNodeIDAtDepth(digest, depth)
		existing, found, err := cache.get(amtNodeID)
		if err != nil {
			return lvmttypes.AllocatePosition{}, err
		}

		var nextIndex uint8
		switch {
		case !found:
			nextIndex = 0
		case existing.Index < lvmttypes.KeySlotSize-1:
			nextIndex = existing.Index + 1
		default:
			continue // full: recurse to depth+1
		}

		cache.set(amtNodeID, lvmttypes.AllocationKeyInfo{Index: nextIndex, Key: key})
		return lvmttypes.AllocatePosition{Depth: uint8(depth), SlotIndex: nextIndex}, nil
	}
}
