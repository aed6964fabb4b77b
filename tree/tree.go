package tree

import (
	"errors"
	"fmt"

	"github.com/0xPolygon/exportbridge/tree/types"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

var (
	ErrEmptyTree      = errors.New("cannot build a tree without leaves")
	ErrMalformedProof = errors.New("proof does not match the shape of the tree it claims")
)

// IndexOutOfRangeError is returned when a proof is requested for a leaf that doesn't exist
type IndexOutOfRangeError struct {
	Index     uint32
	LeafCount uint32
}

func (e *IndexOutOfRangeError) Error() string {
	return fmt.Sprintf("leaf index %d out of range, tree has %d leaves", e.Index, e.LeafCount)
}

// ProofMismatchError is returned when the root recomputed from a proof differs from the expected one
type ProofMismatchError struct {
	Expected common.Hash
	Computed common.Hash
}

func (e *ProofMismatchError) Error() string {
	return fmt.Sprintf("proof mismatch: expected root %s, computed %s", e.Expected.Hex(), e.Computed.Hex())
}

// Tree is an immutable binary merkle tree built over an ordered list of leaves.
// Every node is keccak256(left || right). A node left without a pair at the end of a
// level is promoted to the next level unchanged.
type Tree struct {
	// levels[0] are the leaves, the last level holds only the root
	levels [][]common.Hash
}

// New builds the tree over leaves. The order of the leaves is part of the commitment.
func New(leaves []common.Hash) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyTree
	}
	if uint64(len(leaves)) > uint64(^uint32(0)) {
		return nil, fmt.Errorf("too many leaves: %d", len(leaves))
	}
	current := make([]common.Hash, len(leaves))
	copy(current, leaves)
	levels := [][]common.Hash{current}
	for len(current) > 1 {
		next := make([]common.Hash, 0, (len(current)+1)/2) //nolint:mnd
		for i := 0; i < len(current); i += 2 {
			if i+1 == len(current) {
				next = append(next, current[i])
				continue
			}
			next = append(next, HashNode(current[i], current[i+1]))
		}
		levels = append(levels, next)
		current = next
	}
	return &Tree{levels: levels}, nil
}

// Root returns the root of the tree
func (t *Tree) Root() common.Hash {
	return t.levels[len(t.levels)-1][0]
}

// LeafCount returns the number of leaves the tree was built from
func (t *Tree) LeafCount() uint32 {
	return uint32(len(t.levels[0]))
}

// Proof returns the minimal inclusion proof of the leaf at index
func (t *Tree) Proof(index uint32) (types.Proof, error) {
	count := t.LeafCount()
	if index >= count {
		return types.Proof{}, &IndexOutOfRangeError{Index: index, LeafCount: count}
	}
	siblings := []types.Sibling{}
	idx := int(index)
	for _, level := range t.levels[:len(t.levels)-1] {
		pair := idx ^ 1
		if pair < len(level) {
			siblings = append(siblings, types.Sibling{
				Hash: level[pair],
				Left: idx%2 == 1,
			})
		}
		idx /= 2
	}
	return types.Proof{
		Root:      t.Root(),
		LeafIndex: index,
		LeafCount: count,
		Siblings:  siblings,
	}, nil
}

// Root computes the root over leaves
func Root(leaves []common.Hash) (common.Hash, error) {
	t, err := New(leaves)
	if err != nil {
		return common.Hash{}, err
	}
	return t.Root(), nil
}

// BuildProof builds the tree over leaves and returns the proof of the leaf at index
func BuildProof(leaves []common.Hash, index uint32) (types.Proof, error) {
	t, err := New(leaves)
	if err != nil {
		return types.Proof{}, err
	}
	return t.Proof(index)
}

// Verify climbs from leaf to the root using the directions recorded in the proof and
// compares the result against root. The sibling layout must also be the one implied by
// LeafIndex and LeafCount, otherwise ErrMalformedProof is returned.
func Verify(root, leaf common.Hash, proof types.Proof) error {
	if err := checkShape(proof); err != nil {
		return err
	}
	computed := leaf
	for _, s := range proof.Siblings {
		if s.Left {
			computed = HashNode(s.Hash, computed)
		} else {
			computed = HashNode(computed, s.Hash)
		}
	}
	if computed != root {
		return &ProofMismatchError{Expected: root, Computed: computed}
	}
	return nil
}

func checkShape(proof types.Proof) error {
	if proof.LeafCount == 0 || proof.LeafIndex >= proof.LeafCount {
		return fmt.Errorf("%w: leaf %d of %d", ErrMalformedProof, proof.LeafIndex, proof.LeafCount)
	}
	used := 0
	idx, width := proof.LeafIndex, proof.LeafCount
	for width > 1 {
		if idx^1 < width {
			if used >= len(proof.Siblings) {
				return fmt.Errorf("%w: missing siblings", ErrMalformedProof)
			}
			if proof.Siblings[used].Left != (idx%2 == 1) {
				return fmt.Errorf("%w: wrong direction at sibling %d", ErrMalformedProof, used)
			}
			used++
		}
		idx /= 2
		width = (width + 1) / 2 //nolint:mnd
	}
	if used != len(proof.Siblings) {
		return fmt.Errorf("%w: expected %d siblings, got %d", ErrMalformedProof, used, len(proof.Siblings))
	}
	return nil
}

// HashNode returns keccak256(left || right)
func HashNode(left, right common.Hash) common.Hash {
	var hash common.Hash
	hasher := sha3.NewLegacyKeccak256()
	hasher.Write(left[:])
	hasher.Write(right[:])
	copy(hash[:], hasher.Sum(nil))
	return hash
}
