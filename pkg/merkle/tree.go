// Package merkle commits contiguous ledger ranges to signed binary Merkle
// roots and produces inclusion proofs against them.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
)

// HashSize is the size of every node in the tree.
const HashSize = sha256.Size

var ErrEmptyTree = errors.New("merkle: no leaves")

// Tree is a binary SHA-256 hash tree over ledger event content hashes.
// Odd levels duplicate their last node; a single leaf is its own root.
type Tree struct {
	levels [][][]byte // levels[0] = leaves, last level = [root]
}

// Build constructs the tree from leaf hashes, in ledger order.
func Build(leaves [][]byte) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyTree
	}
	level := make([][]byte, len(leaves))
	for i, l := range leaves {
		level[i] = append([]byte(nil), l...)
	}
	t := &Tree{levels: [][][]byte{level}}
	for len(level) > 1 {
		level = nextLevel(level)
		t.levels = append(t.levels, level)
	}
	return t, nil
}

// Root returns the 32-byte root hash.
func (t *Tree) Root() []byte {
	top := t.levels[len(t.levels)-1]
	return append([]byte(nil), top[0]...)
}

// LeafCount returns the number of leaves the tree was built from.
func (t *Tree) LeafCount() int { return len(t.levels[0]) }

func nextLevel(level [][]byte) [][]byte {
	if len(level)%2 != 0 {
		level = append(level, level[len(level)-1])
	}
	next := make([][]byte, len(level)/2)
	for i := 0; i < len(level); i += 2 {
		next[i/2] = nodeHash(level[i], level[i+1])
	}
	return next
}

func nodeHash(left, right []byte) []byte {
	h := sha256.New()
	h.Write(left)
	h.Write(right)
	return h.Sum(nil)
}

// SigningPayload binds a root to its batch identity. The payload, not the
// bare root, is what gets signed, so a valid signature can never be replayed
// onto a different partition or id range.
func SigningPayload(partition int32, firstEventID, lastEventID int64, root []byte) []byte {
	var buf bytes.Buffer
	var be [8]byte
	binary.BigEndian.PutUint32(be[:4], uint32(partition))
	buf.Write(be[:4])
	binary.BigEndian.PutUint64(be[:], uint64(firstEventID))
	buf.Write(be[:])
	binary.BigEndian.PutUint64(be[:], uint64(lastEventID))
	buf.Write(be[:])
	buf.Write(root)
	return buf.Bytes()
}
