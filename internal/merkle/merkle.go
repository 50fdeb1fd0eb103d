// Package merkle implements the append-only fixed-depth accumulator that
// records accepted commitments.
//
// Nodes are hashed with MiMC over the BN254 scalar field so that the same
// tree can be walked inside the membership circuit. The accumulator keeps an
// arena-style per-level node cache for proof generation and remembers every
// root it has ever produced; proofs built against an older root stay valid
// as later leaves are appended.
package merkle

import (
	"errors"
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
)

const DefaultDepth = 20

var (
	ErrInvalidDepth   = errors.New("merkle: invalid depth")
	ErrTreeFull       = errors.New("merkle: tree full")
	ErrLeafNotInField = errors.New("merkle: leaf not a canonical field element")
	ErrUnknownLeaf    = errors.New("merkle: unknown leaf index")
	ErrInvalidPath    = errors.New("merkle: invalid path length")
)

type Accumulator struct {
	depth int
	next  uint64

	// nodes[level][index] holds every hash computed so far. Level 0 is the
	// leaf layer; level depth holds only the root at index 0.
	nodes []map[uint64][32]byte
	zeros [][32]byte

	root  [32]byte
	roots map[[32]byte]struct{}
}

func New(depth int) (*Accumulator, error) {
	if depth <= 0 || depth > 32 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDepth, depth)
	}

	zeros := make([][32]byte, depth+1)
	for l := 1; l <= depth; l++ {
		zeros[l] = hashNode(zeros[l-1], zeros[l-1])
	}

	nodes := make([]map[uint64][32]byte, depth+1)
	for i := range nodes {
		nodes[i] = make(map[uint64][32]byte)
	}

	a := &Accumulator{
		depth: depth,
		nodes: nodes,
		zeros: zeros,
		root:  zeros[depth],
		roots: make(map[[32]byte]struct{}),
	}
	a.roots[a.root] = struct{}{}
	return a, nil
}

func (a *Accumulator) Depth() int        { return a.depth }
func (a *Accumulator) LeafCount() uint64 { return a.next }
func (a *Accumulator) Root() [32]byte    { return a.root }

// KnownRoot reports whether root was ever produced by this accumulator,
// including the empty-tree root.
func (a *Accumulator) KnownRoot(root [32]byte) bool {
	_, ok := a.roots[root]
	return ok
}

// Append inserts leaf at the next index and recomputes the root along the
// single leaf-to-root path, caching every node it touches. The leaf must be
// a canonical BN254 scalar encoding (callers reduce wide values first).
func (a *Accumulator) Append(leaf [32]byte) (uint64, [32]byte, error) {
	if a.next >= uint64(1)<<a.depth {
		return 0, [32]byte{}, ErrTreeFull
	}
	if !inField(leaf) {
		return 0, [32]byte{}, ErrLeafNotInField
	}

	index := a.next
	cur := leaf
	i := index
	for level := 0; level < a.depth; level++ {
		a.nodes[level][i] = cur
		if i%2 == 0 {
			cur = hashNode(cur, a.sibling(level, i))
		} else {
			cur = hashNode(a.sibling(level, i), cur)
		}
		i /= 2
	}
	a.nodes[a.depth][0] = cur

	a.next = index + 1
	a.root = cur
	a.roots[cur] = struct{}{}
	return index, cur, nil
}

// Proof returns the sibling path for the leaf at index, ordered leaf-to-root.
// The path is valid against the current root; verification against older
// roots is a property of the known-roots set, not of this path.
func (a *Accumulator) Proof(index uint64) ([][32]byte, error) {
	if index >= a.next {
		return nil, fmt.Errorf("%w: %d", ErrUnknownLeaf, index)
	}
	path := make([][32]byte, a.depth)
	i := index
	for level := 0; level < a.depth; level++ {
		path[level] = a.sibling(level, i)
		i /= 2
	}
	return path, nil
}

// PathRoot recomputes the root implied by leaf at index under path. The
// path must carry exactly depth siblings; a short or padded path fails fast
// instead of resolving to a root no accumulator ever produced.
func PathRoot(leaf [32]byte, index uint64, path [][32]byte, depth int) ([32]byte, error) {
	if depth < 1 || depth > 32 {
		return [32]byte{}, ErrInvalidDepth
	}
	if len(path) != depth {
		return [32]byte{}, fmt.Errorf("%w: %d siblings, want %d", ErrInvalidPath, len(path), depth)
	}
	if !inField(leaf) {
		return [32]byte{}, ErrLeafNotInField
	}
	cur := leaf
	i := index
	for _, sib := range path {
		if !inField(sib) {
			return [32]byte{}, ErrLeafNotInField
		}
		if i%2 == 0 {
			cur = hashNode(cur, sib)
		} else {
			cur = hashNode(sib, cur)
		}
		i /= 2
	}
	return cur, nil
}

func (a *Accumulator) sibling(level int, i uint64) [32]byte {
	var sibIdx uint64
	if i%2 == 0 {
		sibIdx = i + 1
	} else {
		sibIdx = i - 1
	}
	if v, ok := a.nodes[level][sibIdx]; ok {
		return v
	}
	return a.zeros[level]
}

func hashNode(left, right [32]byte) [32]byte {
	h := mimc.NewMiMC()
	_, _ = h.Write(left[:])
	_, _ = h.Write(right[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func inField(v [32]byte) bool {
	var e fr.Element
	e.SetBytes(v[:])
	return e.Bytes() == v
}
