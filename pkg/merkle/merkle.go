// Package merkle builds SHA-256 Merkle trees over evidence digests so a
// batch of jobs can be anchored with a single ledger transaction while each
// job keeps an independently verifiable inclusion proof.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

type Tree struct {
	// levels[0] is the leaf layer; the last level holds only the root.
	levels [][][]byte
}

// Sibling is one step of an inclusion proof. IsLeft records whether the
// sibling hash sits to the left of the running hash.
type Sibling struct {
	Hash   string `json:"hash"`
	IsLeft bool   `json:"is_left"`
}

type Proof struct {
	LeafHash  string    `json:"leaf_hash"`
	LeafIndex int       `json:"leaf_index"`
	Siblings  []Sibling `json:"siblings"`
	Root      string    `json:"root"`
}

// NewTree builds a tree over hex-encoded SHA-256 leaves. An odd node at any
// level is paired with itself.
func NewTree(leafHexes []string) (*Tree, error) {
	if len(leafHexes) == 0 {
		return nil, fmt.Errorf("merkle tree requires at least one leaf")
	}
	leaves := make([][]byte, len(leafHexes))
	for i, lh := range leafHexes {
		b, err := hex.DecodeString(lh)
		if err != nil {
			return nil, fmt.Errorf("leaf %d: %w", i, err)
		}
		leaves[i] = b
	}

	levels := [][][]byte{leaves}
	for level := leaves; len(level) > 1; {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, hashPair(left, right))
		}
		levels = append(levels, next)
		level = next
	}
	return &Tree{levels: levels}, nil
}

func (t *Tree) RootHex() string {
	root := t.levels[len(t.levels)-1][0]
	return hex.EncodeToString(root)
}

func (t *Tree) LeafCount() int { return len(t.levels[0]) }

// Proof returns the inclusion proof for the leaf at index i.
func (t *Tree) Proof(i int) (Proof, error) {
	if i < 0 || i >= t.LeafCount() {
		return Proof{}, fmt.Errorf("leaf index %d out of range", i)
	}
	p := Proof{
		LeafHash:  hex.EncodeToString(t.levels[0][i]),
		LeafIndex: i,
		Root:      t.RootHex(),
	}
	idx := i
	for _, level := range t.levels[:len(t.levels)-1] {
		sibIdx := idx ^ 1
		if sibIdx >= len(level) {
			sibIdx = idx // odd node hashed with itself
		}
		p.Siblings = append(p.Siblings, Sibling{
			Hash:   hex.EncodeToString(level[sibIdx]),
			IsLeft: sibIdx < idx,
		})
		idx /= 2
	}
	return p, nil
}

// Verify recomputes the root from the leaf and siblings and compares it to
// expectedRoot.
func (p Proof) Verify(expectedRoot string) (bool, error) {
	current, err := hex.DecodeString(p.LeafHash)
	if err != nil {
		return false, fmt.Errorf("leaf hash: %w", err)
	}
	for _, s := range p.Siblings {
		sib, err := hex.DecodeString(s.Hash)
		if err != nil {
			return false, fmt.Errorf("sibling hash: %w", err)
		}
		if s.IsLeft {
			current = hashPair(sib, current)
		} else {
			current = hashPair(current, sib)
		}
	}
	return hex.EncodeToString(current) == expectedRoot, nil
}

func hashPair(left, right []byte) []byte {
	h := sha256.New()
	h.Write(left)
	h.Write(right)
	return h.Sum(nil)
}
