package pending

import "sync"

// VersionedMap wraps a Tree with a RWMutex guarding the cached current_map,
// matching spec.md §9's design note (the Rust source's
// parking_lot::RwLock<Option<CurrentMap>>). Tree itself assumes
// single-threaded cooperative access (spec.md §5); VersionedMap is the
// boundary where that assumption is enforced for concurrent readers.
type VersionedMap struct {
	mu   sync.RWMutex
	tree *Tree
}

func NewVersionedMap(parentOfRoot *CID, heightOfRoot uint64) *VersionedMap {
	return &VersionedMap{tree: NewTree(parentOfRoot, heightOfRoot)}
}

func (vm *VersionedMap) AddNode(cid CID, parent *CID, updates map[string]Update) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.tree.AddNode(cid, parent, updates)
}

func (vm *VersionedMap) Discard(cid CID) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.tree.Discard(cid)
}

func (vm *VersionedMap) ChangeRoot(newRootCID CID) (uint64, []PathEntry, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.tree.ChangeRoot(newRootCID)
}

func (vm *VersionedMap) GetVersionedKey(cid CID, key []byte) (value []byte, deleted bool, found bool, err error) {
	vm.mu.Lock() // makeCurrent may mutate the cache
	defer vm.mu.Unlock()
	return vm.tree.GetVersionedKey(cid, key)
}

func (vm *VersionedMap) CurrentSnapshot(cid CID) (map[string]Update, error) {
	vm.mu.Lock() // makeCurrent may mutate the cache
	defer vm.mu.Unlock()
	return vm.tree.CurrentSnapshot(cid)
}

func (vm *VersionedMap) IterHistoricalChanges(cid CID, key []byte, accept AcceptFunc) (bool, error) {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.tree.IterHistoricalChanges(cid, key, accept)
}

func (vm *VersionedMap) HasRoot() bool {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.tree.HasRoot()
}

func (vm *VersionedMap) ParentOfRoot() *CID {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.tree.ParentOfRoot()
}

func (vm *VersionedMap) HeightOfRoot() uint64 {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.tree.HeightOfRoot()
}

func (vm *VersionedMap) GetNodeByCID(cid CID) (found bool) {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	_, ok := vm.tree.GetNodeByCID(cid)
	return ok
}
