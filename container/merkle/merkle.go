// Package merkle implements the registry's batch commitment trees. Trees are
// binary SHA-256 Merkle trees over 32-byte leaves with the odd-duplication
// rule: a level with an odd node count repeats its last node before pairing.
// A single-leaf tree therefore commits to H(leaf || leaf), which keeps
// inclusion proofs well-defined for batches of size one.
package merkle

import (
	"bytes"

	"github.com/pkg/errors"
	"github.com/pohwnet/registry/crypto/hash"
	"github.com/pohwnet/registry/encoding/bytesutil"
)

// Tree is an immutable Merkle tree built over a frozen set of leaves.
type Tree struct {
	layers [][][32]byte // layers[0] holds the leaves after odd-duplication.
	leaves [][32]byte   // leaves as provided, before duplication.
}

// GenerateTreeFromItems constructs a Merkle tree from a sequence of 32-byte
// items. The order of items is the leaf order; callers canonicalize first.
func GenerateTreeFromItems(items [][]byte) (*Tree, error) {
	if len(items) == 0 {
		return nil, errors.New("no items provided to generate Merkle tree")
	}
	leaves := make([][32]byte, len(items))
	for i, item := range items {
		if len(item) != 32 {
			return nil, errors.Errorf("item %d is %d bytes, expected 32", i, len(item))
		}
		leaves[i] = bytesutil.ToBytes32(item)
	}

	level := make([][32]byte, len(leaves))
	copy(level, leaves)
	var layers [][][32]byte
	for {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		layers = append(layers, level)
		next := make([][32]byte, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next[i/2] = hash.Combine(level[i], level[i+1])
		}
		level = next
		if len(level) == 1 {
			layers = append(layers, level)
			break
		}
	}
	return &Tree{layers: layers, leaves: leaves}, nil
}

// Root returns the tree's Merkle root.
func (t *Tree) Root() [32]byte {
	return t.layers[len(t.layers)-1][0]
}

// NumLeaves returns the number of original leaves, excluding duplication.
func (t *Tree) NumLeaves() int {
	return len(t.leaves)
}

// MerkleProof returns the ordered sibling digests for the leaf at index,
// bottom-up. The side of each sibling is implied by the index bits: at level
// i, bit i of the index selects whether the proof node hashes on the left.
func (t *Tree) MerkleProof(index int) ([][]byte, error) {
	if index < 0 || index >= len(t.leaves) {
		return nil, errors.Errorf("leaf index out of range, have %d leaves, requested index %d", len(t.leaves), index)
	}
	proof := make([][]byte, 0, len(t.layers)-1)
	idx := index
	for _, layer := range t.layers[:len(t.layers)-1] {
		sibling := layer[idx^1]
		proof = append(proof, bytesutil.SafeCopyBytes(sibling[:]))
		idx /= 2
	}
	return proof, nil
}

// VerifyMerkleProof checks a proof produced by MerkleProof against a root.
func VerifyMerkleProof(root, leaf []byte, index int, proof [][]byte) bool {
	if index < 0 || len(proof) == 0 {
		return false
	}
	node := bytesutil.ToBytes32(leaf)
	idx := index
	for _, sibling := range proof {
		if idx%2 == 0 {
			node = hash.Combine(node, bytesutil.ToBytes32(sibling))
		} else {
			node = hash.Combine(bytesutil.ToBytes32(sibling), node)
		}
		idx /= 2
	}
	return bytes.Equal(root, node[:])
}
