package amt

import (
	"sort"

	"github.com/consensys/gnark-crypto/ecc/bn254"
	"golang.org/x/sync/errgroup"

	"github.com/eth2030/lvmt/lvmttypes"
)

// AmtNode is the persisted commitment state for one AMT node: a version
// counter and the current point, serialized by the caller (lvmtstore) into
// the amt-node versioned table.
type AmtNode struct {
	Version uint64
	Point   bn254.G1Affine
}

// ChangeManager accumulates the set of touched (amt_id, node_index,
// slot_index) triples for one commit (spec.md §4.5), propagating upward
// to the parent's slot SlotSize-1 whenever any slot is newly touched.
type ChangeManager struct {
	touched map[string]map[uint16][lvmttypes.SlotSize]bool
}

func NewChangeManager() *ChangeManager {
	return &ChangeManager{touched: make(map[string]map[uint16][lvmttypes.SlotSize]bool)}
}

// Record marks (amtID, nodeIndex, slotIndex) touched, recursing into the
// parent AMT whenever the slot is newly touched: any touch to a sub-AMT
// changes that sub-AMT's own root commitment, which is itself slot
// SlotSize-1 of its parent's node, and so on up to the root.
func (cm *ChangeManager) Record(amtID lvmttypes.AmtId, nodeIndex uint16, slotIndex uint8) {
	key := string(amtID.Encode())
	perNode, ok := cm.touched[key]
	if !ok {
		perNode = make(map[uint16][lvmttypes.SlotSize]bool)
		cm.touched[key] = perNode
	}
	bits := perNode[nodeIndex]
	if bits[slotIndex] {
		return
	}
	bits[slotIndex] = true
	perNode[nodeIndex] = bits

	if amtID.IsRoot() {
		return
	}
	parent, nodeIndexInParent := amtID.Parent()
	cm.Record(parent, nodeIndexInParent, lvmttypes.SlotSize-1)
}

// RecordWithAllocation records the touch implied by writing to a key
// allocated at (digest, depth, slotIndex): compute_amt_node_id(digest,
// depth) gives the digest prefix of length depth+1; popping its last digit
// yields the sub-AMT (amt_id, the first depth digits) and the node_index
// within it (the popped digit) that the slot actually lives on.
func (cm *ChangeManager) RecordWithAllocation(digest [32]byte, depth int, slotIndex uint8) {
	full := lvmttypes.AmtNodeIDAtDepth(digest, depth)
	amtID, nodeIndex := full.Parent()
	cm.Record(amtID, nodeIndex, slotIndex)
}

// AmtNodeSnapshot reads the current (version, point) for an amt_id/node
// pair, returning the zero node if absent.
type AmtNodeSnapshot interface {
	GetAmtNode(amtID lvmttypes.AmtId) (AmtNode, bool, error)
}

// AmtNodeChange is one output of ComputeAmtChanges: the updated node for a
// touched amt_id.
type AmtNodeChange struct {
	AmtID lvmttypes.AmtId
	Node  AmtNode
}

// ComputeAmtChanges applies every accumulated touch to its amt_id's
// current commitment (spec.md §4.5): for each touched amt_id, adds
// Σ basis_power[node_index][slot_index] over all set bits to the current
// point, increments the version once, and batch-normalizes the resulting
// projective points to affine using a worker pool.
func (cm *ChangeManager) ComputeAmtChanges(snapshot AmtNodeSnapshot, pp *AMTParams) ([]AmtNodeChange, error) {
	ids := make([]string, 0, len(cm.touched))
	for k := range cm.touched {
		ids = append(ids, k)
	}
	sort.Strings(ids)

	jacPoints := make([]bn254.G1Jac, len(ids))
	versions := make([]uint64, len(ids))
	amtIDs := make([]lvmttypes.AmtId, len(ids))

	for i, raw := range ids {
		amtID, err := lvmttypes.DecodeAmtId([]byte(raw))
		if err != nil {
			return nil, err
		}
		amtIDs[i] = amtID

		cur, found, err := snapshot.GetAmtNode(amtID)
		if err != nil {
			return nil, err
		}
		var jac bn254.G1Jac
		if found {
			jac.FromAffine(&cur.Point)
			versions[i] = cur.Version
		}

		for nodeIndex, bits := range cm.touched[raw] {
			for slot := 0; slot < lvmttypes.SlotSize-1; slot++ {
				if !bits[slot] {
					continue
				}
				pt := pp.basisPowerAt(int(nodeIndex), slot)
				var ptJac bn254.G1Jac
				ptJac.FromAffine(&pt)
				jac.AddAssign(&ptJac)
			}
		}
		jacPoints[i] = jac
		versions[i] = versions[i] + 1
	}

	affine, err := normalizeConcurrently(jacPoints)
	if err != nil {
		return nil, err
	}

	out := make([]AmtNodeChange, len(ids))
	for i := range ids {
		out[i] = AmtNodeChange{
			AmtID: amtIDs[i],
			Node:  AmtNode{Version: versions[i], Point: affine[i]},
		}
	}
	return out, nil
}

// normalizeConcurrently converts a batch of Jacobian points to affine
// coordinates using a worker pool (spec.md §5's "worker pool for batch
// normalization"), one goroutine per fixed chunk of 64 points.
func normalizeConcurrently(jac []bn254.G1Jac) ([]bn254.G1Affine, error) {
	out := make([]bn254.G1Affine, len(jac))
	if len(jac) == 0 {
		return out, nil
	}

	const chunkSize = 64
	var g errgroup.Group
	for start := 0; start < len(jac); start += chunkSize {
		start := start
		end := start + chunkSize
		if end > len(jac) {
			end = len(jac)
		}
		g.Go(func() error {
			for i := start; i < end; i++ {
				out[i].FromJacobian(&jac[i])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
