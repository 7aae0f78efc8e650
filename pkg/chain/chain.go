// Package chain implements the hash linking that makes the ledger
// tamper-evident. Every entry embeds the digest of its predecessor; the
// first entry links to a fixed genesis digest. Altering any historical
// entry changes its digest and breaks every link from there to the tail.
package chain

import (
	"crypto/sha256"

	"github.com/opencontainers/go-digest"

	"github.com/Mindburn-Labs/sijill/pkg/codec"
	"github.com/Mindburn-Labs/sijill/pkg/record"
)

// Genesis is the prev_hash of the first entry in every ledger instance.
var Genesis = digest.SHA256.FromBytes([]byte("SIJILL_AUDIT_GENESIS"))

// Entry is a chained ledger entry: a decision record plus the chain
// metadata assigned at append time. Entries are immutable once sealed.
type Entry struct {
	ID        uint64                `json:"id"`
	Record    record.DecisionRecord `json:"record"`
	EntryHash digest.Digest         `json:"entry_hash"`
	PrevHash  digest.Digest         `json:"prev_hash"`
}

// EntryHash computes H(canonical_bytes || prev_hash).
func EntryHash(canonical []byte, prev digest.Digest) digest.Digest {
	h := sha256.New()
	h.Write(canonical)
	h.Write([]byte(prev))
	return digest.NewDigest(digest.SHA256, h)
}

// Link builds the next entry of a chain whose tail hash is prev. It is the
// single construction path for entries; there is no reorder or removal
// primitive.
func Link(id uint64, r record.DecisionRecord, prev digest.Digest) (Entry, error) {
	canonical, _, err := codec.Encode(r)
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		ID:        id,
		Record:    r,
		EntryHash: EntryHash(canonical, prev),
		PrevHash:  prev,
	}, nil
}

// VerifyLink reports whether e correctly chains onto prev.
func VerifyLink(e, prev Entry) bool {
	return e.PrevHash == prev.EntryHash
}

// Recompute re-derives e's digest from its stored record and prev_hash.
// A mismatch with the stored EntryHash means the entry content was altered.
func Recompute(e Entry) (digest.Digest, error) {
	canonical, _, err := codec.Encode(e.Record)
	if err != nil {
		return "", err
	}
	return EntryHash(canonical, e.PrevHash), nil
}
