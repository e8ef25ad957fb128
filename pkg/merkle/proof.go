package merkle

import "github.com/Mindburn-Labs/ubl/pkg/contracts"

type Side string

const (
	Left  Side = "L"
	Right Side = "R"
)

type InclusionProof struct {
	LeafIndex uint64         `json:"leaf_index"`
	LeafCount uint64         `json:"leaf_count"`
	Leaf      contracts.Hash `json:"leaf_hash"`
	Root      contracts.Hash `json:"merkle_root"`
	Path      []ProofStep    `json:"proof_path"`
}

type ProofStep struct {
	Side    Side           `json:"side"` // side of the sibling
	Sibling contracts.Hash `json:"sibling_hash"`
}

// Prove returns the inclusion proof for the leaf at index.
func (t *Tree) Prove(index int) (InclusionProof, error) {
	if len(t.Levels) == 0 || index < 0 || index >= len(t.Levels[0]) {
		return InclusionProof{}, ErrIndexOutOfRange
	}
	proof := InclusionProof{
		LeafIndex: uint64(index),
		LeafCount: uint64(len(t.Levels[0])),
		Leaf:      t.Levels[0][index],
		Root:      t.Root,
	}
	i := index
	for _, level := range t.Levels[:len(t.Levels)-1] {
		if i%2 == 0 {
			sib := level[i]
			if i+1 < len(level) {
				sib = level[i+1]
			}
			proof.Path = append(proof.Path, ProofStep{Side: Right, Sibling: sib})
		} else {
			proof.Path = append(proof.Path, ProofStep{Side: Left, Sibling: level[i-1]})
		}
		i /= 2
	}
	return proof, nil
}

// Verify reports whether proof links its leaf to root.
func Verify(proof InclusionProof, root contracts.Hash) bool {
	if proof.Root != root {
		return false
	}
	cur := proof.Leaf
	for _, step := range proof.Path {
		switch step.Side {
		case Left:
			cur = NodeHash(step.Sibling, cur)
		case Right:
			cur = NodeHash(cur, step.Sibling)
		default:
			return false
		}
	}
	return cur == root
}
