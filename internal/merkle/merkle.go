// Package merkle keeps the local mirror of the pool's append-only
// commitment tree and serves authentication paths for known leaves.
package merkle

import (
	"errors"
	"fmt"
	"sync"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/ethereum/go-ethereum/common"

	"github.com/HamzaZF/shieldpool/internal/note"
)

const (
	// DefaultDepth is the depth of the pool commitment tree.
	DefaultDepth = 20
	// MaxDepth bounds the depth so capacity fits a uint64.
	MaxDepth = 32
)

var (
	ErrTreeFull       = errors.New("merkle tree full")
	ErrOutOfOrderLeaf = errors.New("out of order leaf")
	ErrLeafConflict   = errors.New("leaf conflicts with applied leaf")
	ErrUnknownLeaf    = errors.New("unknown leaf index")
)

// Leaf is a commitment at its position in the tree.
type Leaf struct {
	Index      uint64      `json:"index"`
	Commitment common.Hash `json:"commitment"`
}

// Path is an authentication path: siblings from the leaf level upwards.
type Path struct {
	Index    uint64        `json:"index"`
	Siblings []common.Hash `json:"siblings"`
}

// Tree is an append-only binary Merkle tree of fixed depth.
type Tree struct {
	mu sync.RWMutex

	depth int
	size  uint64
	root  common.Hash

	// nodes[level][index] = hash, level 0 holds the leaves
	nodes []map[uint64]common.Hash

	// zeroHashes[level] is the root of an empty subtree of that height
	zeroHashes []common.Hash
}

// New creates an empty tree of the given depth.
func New(depth int) (*Tree, error) {
	if depth < 1 || depth > MaxDepth {
		return nil, fmt.Errorf("tree depth %d out of range [1, %d]", depth, MaxDepth)
	}
	t := &Tree{
		depth:      depth,
		nodes:      make([]map[uint64]common.Hash, depth),
		zeroHashes: ZeroHashes(depth),
	}
	for i := range t.nodes {
		t.nodes[i] = make(map[uint64]common.Hash)
	}
	t.root = t.zeroHashes[depth]
	return t, nil
}

// HashPair hashes two child nodes into their parent.
func HashPair(left, right common.Hash) common.Hash {
	var l, r fr.Element
	l.SetBytes(left[:])
	r.SetBytes(right[:])
	return note.FieldToHash(note.Hash(l, r))
}

// ZeroHashes returns the empty-subtree roots for heights 0..depth.
// zeroHashes[0] is the empty leaf (zero).
func ZeroHashes(depth int) []common.Hash {
	zs := make([]common.Hash, depth+1)
	for i := 1; i <= depth; i++ {
		zs[i] = HashPair(zs[i-1], zs[i-1])
	}
	return zs
}

// EmptyRoot returns the root of an empty tree of the given depth.
func EmptyRoot(depth int) common.Hash {
	return ZeroHashes(depth)[depth]
}

func (t *Tree) Depth() int { return t.depth }

// Capacity is the maximum number of leaves, 2^depth.
func (t *Tree) Capacity() uint64 { return uint64(1) << t.depth }

// Size returns the number of leaves, which is also the next leaf index.
func (t *Tree) Size() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.size
}

// Root returns the current root.
func (t *Tree) Root() common.Hash {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root
}

// Sync applies an ordered batch of leaves and returns the new root.
//
// Leaves already applied are skipped after checking they carry the same
// commitment, so replaying a stream is a no-op. A leaf beyond the frontier
// fails with ErrOutOfOrderLeaf and one beyond capacity with ErrTreeFull. The
// batch is validated before anything is applied: on error the tree is
// unchanged.
func (t *Tree) Sync(leaves []Leaf) (common.Hash, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := t.size
	fresh := make([]common.Hash, 0, len(leaves))
	for _, l := range leaves {
		switch {
		case l.Index < t.size:
			if have := t.nodes[0][l.Index]; have != l.Commitment {
				return t.root, fmt.Errorf("%w: index %d has %s, got %s", ErrLeafConflict, l.Index, have.Hex(), l.Commitment.Hex())
			}
		case l.Index < next:
			if have := fresh[l.Index-t.size]; have != l.Commitment {
				return t.root, fmt.Errorf("%w: index %d repeated with different commitment", ErrLeafConflict, l.Index)
			}
		case l.Index == next:
			if next >= t.Capacity() {
				return t.root, fmt.Errorf("%w: capacity %d", ErrTreeFull, t.Capacity())
			}
			fresh = append(fresh, l.Commitment)
			next++
		default:
			return t.root, fmt.Errorf("%w: expected index %d, got %d", ErrOutOfOrderLeaf, next, l.Index)
		}
	}

	for _, cm := range fresh {
		t.updatePath(t.size, cm)
		t.size++
	}
	return t.root, nil
}

// Reset empties the tree.
func (t *Tree) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.nodes {
		t.nodes[i] = make(map[uint64]common.Hash)
	}
	t.size = 0
	t.root = t.zeroHashes[t.depth]
}

// Append adds one commitment at the frontier and returns its index.
func (t *Tree) Append(cm common.Hash) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.size >= t.Capacity() {
		return 0, fmt.Errorf("%w: capacity %d", ErrTreeFull, t.Capacity())
	}
	idx := t.size
	t.updatePath(idx, cm)
	t.size++
	return idx, nil
}

// updatePath stores the leaf and recomputes its ancestors up to the root.
func (t *Tree) updatePath(index uint64, leaf common.Hash) {
	current := leaf
	for level := 0; level < t.depth; level++ {
		t.nodes[level][index] = current
		if index%2 == 0 {
			sibling, ok := t.nodes[level][index+1]
			if !ok {
				sibling = t.zeroHashes[level]
			}
			current = HashPair(current, sibling)
		} else {
			current = HashPair(t.nodes[level][index-1], current)
		}
		index /= 2
	}
	t.root = current
}

// Leaf returns the commitment at idx.
func (t *Tree) Leaf(idx uint64) (common.Hash, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if idx >= t.size {
		return common.Hash{}, fmt.Errorf("%w: %d (size %d)", ErrUnknownLeaf, idx, t.size)
	}
	return t.nodes[0][idx], nil
}

// Leaves returns leaves in [from, to).
func (t *Tree) Leaves(from, to uint64) []Leaf {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if to > t.size {
		to = t.size
	}
	var out []Leaf
	for i := from; i < to; i++ {
		out = append(out, Leaf{Index: i, Commitment: t.nodes[0][i]})
	}
	return out
}

// PathFor returns the authentication path of leaf idx against the current
// root.
func (t *Tree) PathFor(idx uint64) (Path, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pathFor(idx)
}

// Snapshot returns the root together with paths for every index, taken
// under a single read lock so they are mutually consistent.
func (t *Tree) Snapshot(indices []uint64) (common.Hash, []Path, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	paths := make([]Path, len(indices))
	for i, idx := range indices {
		p, err := t.pathFor(idx)
		if err != nil {
			return common.Hash{}, nil, err
		}
		paths[i] = p
	}
	return t.root, paths, nil
}

func (t *Tree) pathFor(idx uint64) (Path, error) {
	if idx >= t.size {
		return Path{}, fmt.Errorf("%w: %d (size %d)", ErrUnknownLeaf, idx, t.size)
	}
	p := Path{Index: idx, Siblings: make([]common.Hash, t.depth)}
	current := idx
	for level := 0; level < t.depth; level++ {
		sibling, ok := t.nodes[level][current^1]
		if !ok {
			sibling = t.zeroHashes[level]
		}
		p.Siblings[level] = sibling
		current /= 2
	}
	return p, nil
}

// ZeroPath returns an all-empty path of the given depth, used for padding
// inputs whose membership is not enforced.
func ZeroPath(depth int) Path {
	return Path{Siblings: ZeroHashes(depth)[:depth]}
}

// ComputeRoot folds a leaf up its path.
func ComputeRoot(p Path, leaf common.Hash) common.Hash {
	current := leaf
	idx := p.Index
	for _, sibling := range p.Siblings {
		if idx%2 == 0 {
			current = HashPair(current, sibling)
		} else {
			current = HashPair(sibling, current)
		}
		idx /= 2
	}
	return current
}

// Verify checks that leaf sits at p.Index under root.
func Verify(p Path, leaf, root common.Hash) bool {
	if len(p.Siblings) == 0 || len(p.Siblings) > MaxDepth {
		return false
	}
	if p.Index>>uint(len(p.Siblings)) != 0 {
		return false
	}
	return ComputeRoot(p, leaf) == root
}
