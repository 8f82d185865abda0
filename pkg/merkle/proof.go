package merkle

import (
	"bytes"
	"fmt"
)

// ProofStep is one sibling on the path from a leaf to the root.
type ProofStep struct {
	// Left reports whether the sibling sits to the left of the running hash.
	Left    bool   `json:"left"`
	Sibling []byte `json:"sibling"`
}

// InclusionProof shows that a leaf hash is covered by a root.
type InclusionProof struct {
	LeafIndex int         `json:"leaf_index"`
	LeafHash  []byte      `json:"leaf_hash"`
	Steps     []ProofStep `json:"steps"`
}

// Prove produces the inclusion proof for the leaf at index.
func (t *Tree) Prove(index int) (*InclusionProof, error) {
	leaves := t.levels[0]
	if index < 0 || index >= len(leaves) {
		return nil, fmt.Errorf("merkle: leaf index %d out of range [0,%d)", index, len(leaves))
	}
	proof := &InclusionProof{
		LeafIndex: index,
		LeafHash:  append([]byte(nil), leaves[index]...),
	}
	pos := index
	for _, level := range t.levels[:len(t.levels)-1] {
		// Odd levels behave as if the last node were duplicated.
		sibling := pos ^ 1
		var sib []byte
		if sibling < len(level) {
			sib = level[sibling]
		} else {
			sib = level[pos]
		}
		proof.Steps = append(proof.Steps, ProofStep{
			Left:    sibling < pos,
			Sibling: append([]byte(nil), sib...),
		})
		pos /= 2
	}
	return proof, nil
}

// Verify checks the proof against a trusted root.
func (p *InclusionProof) Verify(root []byte) bool {
	current := p.LeafHash
	for _, step := range p.Steps {
		if step.Left {
			current = nodeHash(step.Sibling, current)
		} else {
			current = nodeHash(current, step.Sibling)
		}
	}
	return bytes.Equal(current, root)
}
