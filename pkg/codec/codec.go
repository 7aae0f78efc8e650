// Package codec serializes decision records into their canonical byte form
// and computes content digests over it. Canonical form is RFC 8785 (JCS),
// so two logically identical records always hash identically regardless of
// caller-side field ordering.
package codec

import (
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"github.com/opencontainers/go-digest"

	"github.com/Mindburn-Labs/sijill/pkg/record"
)

// Encode returns the canonical bytes of r and their SHA-256 content digest.
// Records failing validation are rejected with a MalformedRecordError before
// any bytes are produced.
func Encode(r record.DecisionRecord) ([]byte, digest.Digest, error) {
	if err := record.Validate(r); err != nil {
		return nil, "", err
	}

	raw, err := json.Marshal(r)
	if err != nil {
		return nil, "", fmt.Errorf("codec: marshal: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, "", fmt.Errorf("codec: canonicalize: %w", err)
	}
	return canonical, digest.SHA256.FromBytes(canonical), nil
}

// Decode is the inverse of Encode: it reconstructs a record from its
// canonical bytes. Decode(Encode(r)) is logically equal to r for all valid
// records; snapshot payloads come back in canonical key order.
func Decode(data []byte) (record.DecisionRecord, error) {
	var r record.DecisionRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return record.DecisionRecord{}, fmt.Errorf("codec: unmarshal: %w", err)
	}
	if err := record.Validate(r); err != nil {
		return record.DecisionRecord{}, err
	}
	return r, nil
}
