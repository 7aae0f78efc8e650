package chain_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/sijill/pkg/chain"
	"github.com/Mindburn-Labs/sijill/pkg/record"
)

func testRecord(n string) record.DecisionRecord {
	return record.DecisionRecord{
		DecisionType:   record.TypeFinancial,
		InputSnapshot:  json.RawMessage(`{"request":"` + n + `"}`),
		OutputSnapshot: json.RawMessage(`{"granted":true}`),
		ModelVersion:   "1.0.0",
		Reasoning:      record.Reasoning{Primary: "within approved budget"},
		Timestamp:      record.At(time.Date(2024, 1, 10, 10, 0, 0, 0, time.UTC)),
	}
}

func TestGenesisIsFixed(t *testing.T) {
	// The genesis digest anchors every ledger instance; it must never
	// drift between builds.
	assert.Equal(t,
		"sha256:"+chain.Genesis.Encoded(),
		chain.Genesis.String())
	assert.Len(t, chain.Genesis.Encoded(), 64)
}

func TestLink_BuildsChain(t *testing.T) {
	e1, err := chain.Link(1, testRecord("a"), chain.Genesis)
	require.NoError(t, err)
	assert.Equal(t, chain.Genesis, e1.PrevHash)

	e2, err := chain.Link(2, testRecord("b"), e1.EntryHash)
	require.NoError(t, err)

	assert.True(t, chain.VerifyLink(e2, e1))
	assert.NotEqual(t, e1.EntryHash, e2.EntryHash)
}

// Identical records at different chain positions get different digests:
// the entry hash commits to the predecessor, not just the content.
func TestEntryHash_CommitsToPosition(t *testing.T) {
	r := testRecord("same")
	e1, err := chain.Link(1, r, chain.Genesis)
	require.NoError(t, err)
	e2, err := chain.Link(2, r, e1.EntryHash)
	require.NoError(t, err)

	assert.NotEqual(t, e1.EntryHash, e2.EntryHash)
}

func TestRecompute_DetectsAlteration(t *testing.T) {
	e, err := chain.Link(1, testRecord("original"), chain.Genesis)
	require.NoError(t, err)

	d, err := chain.Recompute(e)
	require.NoError(t, err)
	assert.Equal(t, e.EntryHash, d)

	e.Record.OutputSnapshot = json.RawMessage(`{"granted":false}`)
	d, err = chain.Recompute(e)
	require.NoError(t, err)
	assert.NotEqual(t, e.EntryHash, d)
}

func TestLink_RejectsMalformed(t *testing.T) {
	r := testRecord("x")
	r.DecisionType = "unknown"
	_, err := chain.Link(1, r, chain.Genesis)
	assert.ErrorIs(t, err, record.ErrMalformed)
}
