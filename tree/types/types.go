package types

import "github.com/ethereum/go-ethereum/common"

// Sibling is a node hash needed to climb one level of the tree. Left is true when the
// sibling sits to the left of the node being proven at that level.
type Sibling struct {
	Hash common.Hash `json:"hash"`
	Left bool        `json:"left"`
}

// Proof is an inclusion proof of the leaf at LeafIndex in a tree of LeafCount leaves.
// Siblings are ordered bottom to top; levels where the node was promoted without a pair
// contribute no sibling.
type Proof struct {
	Root      common.Hash `json:"root"`
	LeafIndex uint32      `json:"leafIndex"`
	LeafCount uint32      `json:"leafCount"`
	Siblings  []Sibling   `json:"siblings"`
}
