// Package merkle implements the binary Merkle tree engine shared by the
// span-Merkle tree (selective disclosure), the chunk-level integrity tree,
// and the L2 batch accumulator's per-batch tree.
//
// Construction uses odd-promotion: an unpaired rightmost node at any level
// ascends to the next level unchanged, rather than being duplicated and
// re-hashed against itself. This is a deliberate, visible protocol choice
// (see spec.md §4.2 / §9) and must not be "fixed" into duplication.
package merkle

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/proofkeep/flightcore/pkg/canon"
)

var (
	ErrEmptyTree       = errors.New("merkle: cannot build tree from empty leaves")
	ErrInvalidProof    = errors.New("merkle: invalid inclusion proof")
	ErrLeafNotFound    = errors.New("merkle: leaf not found in tree")
	ErrInvalidLeafHash = errors.New("merkle: leaf hash must be 32 bytes")
	ErrTreeNotBuilt    = errors.New("merkle: tree not built")
)

// Position indicates which side of the parent a sibling hash sits on.
type Position string

const (
	Left  Position = "left"
	Right Position = "right"
)

// Domains selects the domain-separation prefixes used to hash leaves and
// internal nodes. The span-Merkle tree and the batch accumulator's
// per-batch tree share this engine but use distinct domain pairs.
type Domains struct {
	Leaf string
	Node string
}

// DefaultDomains is the span-Merkle / chunk-integrity tree's domain pair
// (spec.md §4.1's "merkle leaf" / "merkle node" domains).
var DefaultDomains = Domains{Leaf: canon.DomainMerkleLeaf, Node: canon.DomainMerkleNode}

// BatchDomains is the L2 batch accumulator's domain pair.
var BatchDomains = Domains{Leaf: canon.DomainBatchItem, Node: canon.DomainBatchNode}

// ProofNode is one step of an inclusion proof: a sibling hash and the side
// it sits on relative to the node being proven at that level.
type ProofNode struct {
	Hash     string   `json:"hash"`
	Position Position `json:"position"`
}

// InclusionProof proves that a specific leaf was present at a specific
// index when a specific root was built.
type InclusionProof struct {
	LeafHash   string      `json:"leafHash"`
	LeafIndex  int         `json:"leafIndex"`
	MerkleRoot string      `json:"merkleRoot"`
	Path       []ProofNode `json:"path"`
	TreeSize   int         `json:"treeSize"`
}

// Tree is a built, queryable Merkle tree.
type Tree struct {
	mu      sync.RWMutex
	domains Domains
	leaves  [][]byte
	levels  [][][]byte
	root    []byte
	built   bool
}

// NewTree builds a Merkle tree over leaf hashes using DefaultDomains. Each
// leaf must already be the 32-byte leaf-domain hash of its content (callers
// hash their own payload via canon.Hash(domains.Leaf, payload) before
// calling NewTree — the tree itself never re-hashes raw payloads, only
// combines already-hashed leaves into nodes).
func NewTree(leaves [][]byte) (*Tree, error) {
	return NewTreeWithDomains(leaves, DefaultDomains)
}

// NewTreeWithDomains is NewTree with an explicit domain pair, used by the
// batch accumulator to reuse this engine under its own domain separation.
func NewTreeWithDomains(leaves [][]byte, domains Domains) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyTree
	}
	for i, leaf := range leaves {
		if len(leaf) != 32 {
			return nil, fmt.Errorf("%w: leaf %d has %d bytes", ErrInvalidLeafHash, i, len(leaf))
		}
	}

	t := &Tree{
		domains: domains,
		leaves:  make([][]byte, len(leaves)),
	}
	for i, leaf := range leaves {
		t.leaves[i] = append([]byte(nil), leaf...)
	}
	if err := t.build(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tree) build() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.leaves) == 0 {
		return ErrEmptyTree
	}

	level := make([][]byte, len(t.leaves))
	copy(level, t.leaves)
	t.levels = [][][]byte{level}

	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, t.hashNode(level[i], level[i+1]))
			} else {
				// Odd node out: promote unchanged, never duplicate.
				next = append(next, level[i])
			}
		}
		t.levels = append(t.levels, next)
		level = next
	}

	t.root = level[0]
	t.built = true
	return nil
}

func (t *Tree) hashNode(left, right []byte) []byte {
	combined := make([]byte, 0, len(left)+len(right))
	combined = append(combined, left...)
	combined = append(combined, right...)
	h := canon.Hash(t.domains.Node, combined)
	return h[:]
}

// Root returns the tree's root hash.
func (t *Tree) Root() []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.built {
		return nil
	}
	return append([]byte(nil), t.root...)
}

// RootHex returns the root hash hex-encoded.
func (t *Tree) RootHex() string {
	root := t.Root()
	if root == nil {
		return ""
	}
	return hex.EncodeToString(root)
}

// LeafCount returns the number of leaves the tree was built from.
func (t *Tree) LeafCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.leaves)
}

// GenerateProof builds an inclusion proof for the leaf at leafIndex.
func (t *Tree) GenerateProof(leafIndex int) (*InclusionProof, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.built {
		return nil, ErrTreeNotBuilt
	}
	if leafIndex < 0 || leafIndex >= len(t.leaves) {
		return nil, fmt.Errorf("merkle: leaf index %d out of range [0,%d)", leafIndex, len(t.leaves))
	}

	proof := &InclusionProof{
		LeafHash:   hex.EncodeToString(t.leaves[leafIndex]),
		LeafIndex:  leafIndex,
		MerkleRoot: hex.EncodeToString(t.root),
		TreeSize:   len(t.leaves),
	}

	idx := leafIndex
	for level := 0; level < len(t.levels)-1; level++ {
		nodes := t.levels[level]

		if idx%2 == 0 {
			siblingIdx := idx + 1
			if siblingIdx < len(nodes) {
				proof.Path = append(proof.Path, ProofNode{
					Hash:     hex.EncodeToString(nodes[siblingIdx]),
					Position: Right,
				})
			}
			// else: idx was the unpaired promoted node — no sibling at
			// this level, and no proof step is emitted for it.
		} else {
			proof.Path = append(proof.Path, ProofNode{
				Hash:     hex.EncodeToString(nodes[idx-1]),
				Position: Left,
			})
		}
		idx = idx / 2
	}

	return proof, nil
}

// GenerateProofByHash locates leafHash among the tree's leaves and proves
// its inclusion.
func (t *Tree) GenerateProofByHash(leafHash []byte) (*InclusionProof, error) {
	if len(leafHash) != 32 {
		return nil, ErrInvalidLeafHash
	}
	t.mu.RLock()
	idx := -1
	for i, leaf := range t.leaves {
		if subtle.ConstantTimeCompare(leaf, leafHash) == 1 {
			idx = i
			break
		}
	}
	t.mu.RUnlock()
	if idx == -1 {
		return nil, ErrLeafNotFound
	}
	return t.GenerateProof(idx)
}

// VerifyProof recomputes the root from leafHash and proof and compares it
// against expectedRoot using a constant-time comparison.
func VerifyProof(leafHash []byte, proof *InclusionProof, expectedRoot []byte) (bool, error) {
	return VerifyProofWithDomains(leafHash, proof, expectedRoot, DefaultDomains)
}

// VerifyProofWithDomains is VerifyProof with an explicit domain pair.
func VerifyProofWithDomains(leafHash []byte, proof *InclusionProof, expectedRoot []byte, domains Domains) (bool, error) {
	if len(leafHash) != 32 {
		return false, ErrInvalidLeafHash
	}
	if len(expectedRoot) != 32 {
		return false, fmt.Errorf("merkle: expected root must be 32 bytes, got %d", len(expectedRoot))
	}

	if proof == nil || len(proof.Path) == 0 {
		return subtle.ConstantTimeCompare(leafHash, expectedRoot) == 1, nil
	}

	current := append([]byte(nil), leafHash...)
	for _, node := range proof.Path {
		sibling, err := hex.DecodeString(node.Hash)
		if err != nil {
			return false, fmt.Errorf("merkle: invalid sibling hash: %w", err)
		}
		if len(sibling) != 32 {
			return false, fmt.Errorf("merkle: sibling hash must be 32 bytes, got %d", len(sibling))
		}

		var combined []byte
		switch node.Position {
		case Left:
			combined = append(append([]byte(nil), sibling...), current...)
		case Right:
			combined = append(append([]byte(nil), current...), sibling...)
		default:
			return false, fmt.Errorf("%w: unknown position %q", ErrInvalidProof, node.Position)
		}
		h := canon.Hash(domains.Node, combined)
		current = h[:]
	}

	return subtle.ConstantTimeCompare(current, expectedRoot) == 1, nil
}

// Root computes the Merkle root of leaves directly without retaining the
// intermediate tree structure — used where only the root is needed (e.g.
// batch commit) and proofs will never be requested for this particular
// leaf set.
func Root(leaves [][]byte, domains Domains) ([]byte, error) {
	if len(leaves) == 0 {
		h := canon.Hash(domains.Node, nil)
		return h[:], nil
	}
	if len(leaves) == 1 {
		return append([]byte(nil), leaves[0]...), nil
	}
	t, err := NewTreeWithDomains(leaves, domains)
	if err != nil {
		return nil, err
	}
	return t.Root(), nil
}
