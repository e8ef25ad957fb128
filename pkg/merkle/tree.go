// Package merkle builds binary Merkle trees over a container's entry hashes.
//
// Leaves are entry hashes as stored. Interior nodes are
// BLAKE3("ubl:root\n" || left || right); an odd node at any level is paired
// with itself. The root of an empty tree is the zero hash.
package merkle

import (
	"errors"

	"lukechampine.com/blake3"

	"github.com/Mindburn-Labs/ubl/pkg/contracts"
)

const nodeDomain = "ubl:root\n"

var ErrIndexOutOfRange = errors.New("merkle: leaf index out of range")

type Tree struct {
	Root contracts.Hash
	// Levels[0] are the leaves; the last level holds only the root.
	Levels [][]contracts.Hash
}

// Build constructs the tree over leaves in order.
func Build(leaves []contracts.Hash) *Tree {
	if len(leaves) == 0 {
		return &Tree{}
	}
	level := append([]contracts.Hash(nil), leaves...)
	tree := &Tree{}
	for len(level) > 1 {
		tree.Levels = append(tree.Levels, level)
		level = nextLevel(level)
	}
	tree.Levels = append(tree.Levels, level)
	tree.Root = level[0]
	return tree
}

// Root is shorthand for Build(leaves).Root.
func Root(leaves []contracts.Hash) contracts.Hash {
	return Build(leaves).Root
}

// EntryRoot returns the root over the entry hashes of entries.
func EntryRoot(entries []contracts.Entry) contracts.Hash {
	leaves := make([]contracts.Hash, len(entries))
	for i, e := range entries {
		leaves[i] = e.EntryHash
	}
	return Root(leaves)
}

func nextLevel(level []contracts.Hash) []contracts.Hash {
	next := make([]contracts.Hash, 0, (len(level)+1)/2)
	for i := 0; i < len(level); i += 2 {
		right := level[i]
		if i+1 < len(level) {
			right = level[i+1]
		}
		next = append(next, NodeHash(level[i], right))
	}
	return next
}

// NodeHash combines two children.
func NodeHash(left, right contracts.Hash) contracts.Hash {
	buf := make([]byte, 0, len(nodeDomain)+2*contracts.HashSize)
	buf = append(buf, nodeDomain...)
	buf = append(buf, left[:]...)
	buf = append(buf, right[:]...)
	return contracts.Hash(blake3.Sum256(buf))
}
