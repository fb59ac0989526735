// Package authchange builds the per-commit AuthChange Merkle tree (spec.md
// §4.7): a sorted list of 32-byte item hashes is packed into leaf nodes of
// up to MaxNodeSize hashes each, non-leaf nodes fan out over their
// children's hashes with shared-prefix-compressed tick separators, and
// every node's own hash is a left-leaning binary reduction of its hash
// list.
package authchange

import (
	"math/bits"
	"sort"

	"golang.org/x/crypto/blake2s"

	"github.com/eth2030/lvmt/lvmttypes"
)

const (
	maxNodeSize    = lvmttypes.MaxNodeSize
	maxNodeSizeLog = lvmttypes.MaxNodeSizeLog
)

const (
	flagKeyValue byte = 0
	flagAmt      byte = 1
)

// KeyValueHash hashes a flat-KV change: flag || key-length(LE u32) || key
// || encoded LvmtValue.
func KeyValueHash(key []byte, encodedValue []byte) [32]byte {
	h, _ := blake2s.New256(nil)
	h.Write([]byte{flagKeyValue})
	var lenBuf [4]byte
	lenBuf[0] = byte(len(key))
	lenBuf[1] = byte(len(key) >> 8)
	lenBuf[2] = byte(len(key) >> 16)
	lenBuf[3] = byte(len(key) >> 24)
	h.Write(lenBuf[:])
	h.Write(key)
	h.Write(encodedValue)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// AmtChangeHash hashes an AMT-node change: flag || amt_id encoding ||
// encoded (version, point).
func AmtChangeHash(amtID lvmttypes.AmtId, encodedNode []byte) [32]byte {
	h, _ := blake2s.New256(nil)
	h.Write([]byte{flagAmt})
	h.Write(amtID.Encode())
	h.Write(encodedNode)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func pairHash(a, b [32]byte) [32]byte {
	h, _ := blake2s.New256(nil)
	h.Write(a[:])
	h.Write(b[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// ProcessDumpItems sorts hashes and builds the full AuthChange tree,
// returning every node keyed by its (height, index) location.
func ProcessDumpItems(hashes [][32]byte) map[lvmttypes.AuthChangeKey]lvmttypes.AuthChangeNode {
	sorted := append([][32]byte(nil), hashes...)
	sort.Slice(sorted, func(i, j int) bool {
		for k := 0; k < 32; k++ {
			if sorted[i][k] != sorted[j][k] {
				return sorted[i][k] < sorted[j][k]
			}
		}
		return false
	})

	out := make(map[lvmttypes.AuthChangeKey]lvmttypes.AuthChangeNode)
	processSubtree(sorted, rootKey(), out)
	return out
}

func rootKey() lvmttypes.AuthChangeKey { return lvmttypes.AuthChangeKey{Height: 0, Index: 0} }

func childKey(k lvmttypes.AuthChangeKey, index int) lvmttypes.AuthChangeKey {
	return lvmttypes.AuthChangeKey{Height: k.Height + 1, Index: k.Index*maxNodeSize + uint32(index)}
}

func log2Ceil(n int) int {
	if n <= 1 {
		return 0
	}
	return bits.Len(uint(n - 1))
}

func processSubtree(items [][32]byte, key lvmttypes.AuthChangeKey, out map[lvmttypes.AuthChangeKey]lvmttypes.AuthChangeNode) lvmttypes.AuthChangeNode {
	size := len(items)
	sizeLog := log2Ceil(size)

	var layerSizeLog int
	if key.Height == 0 {
		topSizeLog := 0
		if sizeLog != 0 {
			topSizeLog = (sizeLog-1)%maxNodeSizeLog + 1
		}
		if topSizeLog == sizeLog {
			node := fromLeaves(items)
			out[key] = node
			return node
		}
		layerSizeLog = topSizeLog
	} else {
		if size <= maxNodeSize {
			node := fromLeaves(items)
			out[key] = node
			return node
		}
		layerSizeLog = maxNodeSizeLog
	}

	numSubtree := 1 << layerSizeLog
	subtreeSizeLog := sizeLog - layerSizeLog
	maxSubtreeSize := 1 << subtreeSizeLog
	minSubtreeSize := 1 << (subtreeSizeLog - 1)

	remaining := items
	processedNodes := make([]lvmttypes.AuthChangeNode, 0, numSubtree)
	ticks := make([][32]byte, 0, numSubtree-1)
	maxSharedPrefixLen := 0

	for i := 0; i < numSubtree; i++ {
		subtreeSize := maxSubtreeSize
		if rest := len(remaining) - minSubtreeSize*(numSubtree-i-1); rest < subtreeSize {
			subtreeSize = rest
		}

		subtree := remaining[:subtreeSize]
		remaining = remaining[subtreeSize:]

		if len(remaining) > 0 {
			ticks = append(ticks, remaining[0])
			spl := sharedPrefixLen(subtree[len(subtree)-1][:], remaining[0][:])
			if spl > maxSharedPrefixLen {
				maxSharedPrefixLen = spl
			}
		}

		processedNodes = append(processedNodes, processSubtree(subtree, childKey(key, i), out))
	}

	node := fromNodes(processedNodes, ticks, maxSharedPrefixLen)
	out[key] = node
	return node
}

func sharedPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

func fromLeaves(leaves [][32]byte) lvmttypes.AuthChangeNode {
	size := len(leaves)
	hashes := append([][32]byte(nil), leaves...)
	return lvmttypes.AuthChangeNode{
		IsLeaf:      true,
		AvailBitmap: byte((1<<uint(size))-1),
		Hashes:      hashes,
	}
}

func fromNodes(nodes []lvmttypes.AuthChangeNode, ticks [][32]byte, sharedPrefixLen int) lvmttypes.AuthChangeNode {
	size := len(nodes)
	hashes := make([][32]byte, size)
	for i, n := range nodes {
		hashes[i] = NodeHash(n)
	}
	tickLen := sharedPrefixLen + 1
	packedTicks := make([][]byte, len(ticks))
	for i, t := range ticks {
		packedTicks[i] = append([]byte(nil), t[:tickLen]...)
	}
	return lvmttypes.AuthChangeNode{
		IsLeaf:      false,
		AvailBitmap: byte((1<<uint(size))-1),
		Hashes:      hashes,
		Ticks:       packedTicks,
	}
}

// NodeHash computes a node's own hash: a left-leaning binary reduction of
// its hash list (the odd tail at the top level, where the list isn't a
// power of two in length, is carried straight up unhashed).
func NodeHash(n lvmttypes.AuthChangeNode) [32]byte {
	hashes := n.Hashes
	if len(hashes) == 1 {
		return hashes[0]
	}

	height := treeHeight(len(hashes))
	pairs := len(hashes) - (1 << (height - 2))

	next := make([][32]byte, 0, len(hashes)-pairs)
	for i := 0; i < pairs; i++ {
		next = append(next, pairHash(hashes[2*i], hashes[2*i+1]))
	}
	next = append(next, hashes[pairs*2:]...)

	for len(next) > 1 {
		reduced := make([][32]byte, len(next)/2)
		for i := range reduced {
			reduced[i] = pairHash(next[2*i], next[2*i+1])
		}
		next = reduced
	}
	return next[0]
}

// treeHeight returns ceil(log2(n))+1 for n>1, matching the original's
// tree_height used to decide how many top-level pairs to reduce for a
// non-power-of-two hash count.
func treeHeight(n int) int {
	return bits.Len(uint(n-1)) + 1
}
