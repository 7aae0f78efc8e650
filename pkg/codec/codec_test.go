package codec_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/sijill/pkg/codec"
	"github.com/Mindburn-Labs/sijill/pkg/record"
)

func sampleRecord() record.DecisionRecord {
	return record.DecisionRecord{
		DecisionType:   record.TypePolicy,
		InputSnapshot:  json.RawMessage(`{"policy_id":"P-77","district":"riyadh"}`),
		OutputSnapshot: json.RawMessage(`{"approved":true}`),
		ModelVersion:   "1.4.2",
		Reasoning:      record.Reasoning{Primary: "ضمن الحدود المعتمدة"},
		Timestamp:      record.At(time.Date(2024, 3, 15, 8, 0, 0, 0, time.UTC)),
	}
}

func TestEncode_Deterministic(t *testing.T) {
	r := sampleRecord()
	b1, d1, err := codec.Encode(r)
	require.NoError(t, err)
	b2, d2, err := codec.Encode(r)
	require.NoError(t, err)

	assert.Equal(t, b1, b2)
	assert.Equal(t, d1, d2)
}

// Canonicalization must make snapshot key order irrelevant: two
// logically identical records hash identically.
func TestEncode_KeyOrderInsensitive(t *testing.T) {
	a := sampleRecord()
	b := sampleRecord()
	b.InputSnapshot = json.RawMessage(`{"district":"riyadh","policy_id":"P-77"}`)

	_, da, err := codec.Encode(a)
	require.NoError(t, err)
	_, db, err := codec.Encode(b)
	require.NoError(t, err)
	assert.Equal(t, da, db)
}

func TestEncode_ContentSensitive(t *testing.T) {
	a := sampleRecord()
	b := sampleRecord()
	b.OutputSnapshot = json.RawMessage(`{"approved":false}`)

	_, da, err := codec.Encode(a)
	require.NoError(t, err)
	_, db, err := codec.Encode(b)
	require.NoError(t, err)
	assert.NotEqual(t, da, db)
}

func TestEncode_RejectsMalformed(t *testing.T) {
	r := sampleRecord()
	r.ModelVersion = ""
	_, _, err := codec.Encode(r)
	assert.ErrorIs(t, err, record.ErrMalformed)
}

func TestDecode_RoundTrip(t *testing.T) {
	r := sampleRecord()
	canonical, d, err := codec.Encode(r)
	require.NoError(t, err)

	back, err := codec.Decode(canonical)
	require.NoError(t, err)

	assert.Equal(t, r.DecisionType, back.DecisionType)
	assert.Equal(t, r.ModelVersion, back.ModelVersion)
	assert.Equal(t, r.Reasoning, back.Reasoning)
	assert.True(t, r.Timestamp.Civil.Equal(back.Timestamp.Civil))

	// Re-encoding the decoded record must reproduce the digest.
	_, d2, err := codec.Encode(back)
	require.NoError(t, err)
	assert.Equal(t, d, d2)
}

func TestDecode_RejectsGarbage(t *testing.T) {
	_, err := codec.Decode([]byte(`not json`))
	assert.Error(t, err)

	_, err = codec.Decode([]byte(`{"decision_type":"procurement"}`))
	assert.ErrorIs(t, err, record.ErrMalformed)
}
