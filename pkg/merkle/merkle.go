// Package merkle computes the block hash of a sealed ledger block as a
// Merkle root over the block's entry digests, and produces inclusion
// proofs so a single entry can be shown to belong to a sealed block
// without shipping the whole block.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/opencontainers/go-digest"
)

const (
	leafPrefix = "sijill:block:leaf:v1\x00"
	nodePrefix = "sijill:block:node:v1\x00"
)

// Root computes the Merkle root over an ordered list of entry digests.
// An empty block has no root; callers never seal empty blocks.
func Root(entryHashes []digest.Digest) (digest.Digest, error) {
	if len(entryHashes) == 0 {
		return "", fmt.Errorf("merkle: no leaves")
	}
	level := make([]string, len(entryHashes))
	for i, h := range entryHashes {
		level[i] = leafHash(h)
	}
	for len(level) > 1 {
		level = nextLevel(level)
	}
	return digest.NewDigestFromEncoded(digest.SHA256, level[0]), nil
}

// Proof is an inclusion proof for one entry digest in a sealed block.
type Proof struct {
	EntryHash digest.Digest `json:"entry_hash"`
	BlockHash digest.Digest `json:"block_hash"`
	Path      []ProofStep   `json:"path"`
}

// ProofStep is one sibling on the path from a leaf to the root.
type ProofStep struct {
	Side    string `json:"side"` // "L" or "R"
	Sibling string `json:"sibling"`
}

// BuildProof produces an inclusion proof for the entry at index in the
// ordered digest list of a sealed block.
func BuildProof(entryHashes []digest.Digest, index int) (Proof, error) {
	if index < 0 || index >= len(entryHashes) {
		return Proof{}, fmt.Errorf("merkle: index %d out of range", index)
	}
	root, err := Root(entryHashes)
	if err != nil {
		return Proof{}, err
	}

	level := make([]string, len(entryHashes))
	for i, h := range entryHashes {
		level[i] = leafHash(h)
	}

	proof := Proof{EntryHash: entryHashes[index], BlockHash: root}
	pos := index
	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}
		sibling := pos ^ 1
		side := "R"
		if sibling < pos {
			side = "L"
		}
		proof.Path = append(proof.Path, ProofStep{Side: side, Sibling: level[sibling]})
		level = nextLevel(level)
		pos /= 2
	}
	return proof, nil
}

// VerifyProof replays the proof path and reports whether it reaches the
// block hash.
func VerifyProof(p Proof) bool {
	current := leafHash(p.EntryHash)
	for _, step := range p.Path {
		if step.Side == "L" {
			current = nodeHash(step.Sibling, current)
		} else {
			current = nodeHash(current, step.Sibling)
		}
	}
	return current == p.BlockHash.Encoded()
}

func leafHash(entry digest.Digest) string {
	h := sha256.Sum256(append([]byte(leafPrefix), entry.String()...))
	return hex.EncodeToString(h[:])
}

func nodeHash(left, right string) string {
	buf := append([]byte(nodePrefix), hexToBytes(left)...)
	buf = append(buf, hexToBytes(right)...)
	h := sha256.Sum256(buf)
	return hex.EncodeToString(h[:])
}

func nextLevel(level []string) []string {
	if len(level)%2 != 0 {
		level = append(level, level[len(level)-1])
	}
	next := make([]string, len(level)/2)
	for i := 0; i < len(level); i += 2 {
		next[i/2] = nodeHash(level[i], level[i+1])
	}
	return next
}

func hexToBytes(s string) []byte {
	b, _ := hex.DecodeString(s)
	return b
}
