package verify_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/sijill/pkg/chain"
	"github.com/Mindburn-Labs/sijill/pkg/ledger"
	"github.com/Mindburn-Labs/sijill/pkg/record"
	"github.com/Mindburn-Labs/sijill/pkg/verify"
)

func newLedger(t *testing.T, n int, opts ...ledger.Option) (*ledger.Store, *sql.DB) {
	t.Helper()
	db, err := ledger.OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := ledger.Open(context.Background(), db, opts...)
	require.NoError(t, err)
	for i := 1; i <= n; i++ {
		_, err := store.Append(context.Background(), record.DecisionRecord{
			DecisionType:   record.TypePolicy,
			InputSnapshot:  json.RawMessage(fmt.Sprintf(`{"case":%d}`, i)),
			OutputSnapshot: json.RawMessage(`{"approved":true}`),
			ModelVersion:   "1.0.0",
			Reasoning:      record.Reasoning{Primary: "within delegated authority"},
			Timestamp:      record.At(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)),
		})
		require.NoError(t, err)
	}
	return store, db
}

func TestVerify_IntactChain(t *testing.T) {
	store, _ := newLedger(t, 10)
	result, err := verify.New(store, nil).Verify(context.Background(), 1, 10)
	require.NoError(t, err)

	assert.True(t, result.OK)
	assert.Empty(t, result.Violations)
	assert.Equal(t, 10, result.EntriesChecked)
	assert.Equal(t, uint64(10), result.EndID)
}

// Altering a stored record surfaces as a HashMismatch at exactly that
// id, and a LinkBroken at every later entry up to the tail.
func TestVerify_AlteredEntry(t *testing.T) {
	store, db := newLedger(t, 10)
	_, err := db.Exec(`UPDATE entries SET output_snapshot = '{"approved":false}' WHERE id = 4`)
	require.NoError(t, err)

	result, err := verify.New(store, nil).Verify(context.Background(), 1, 10)
	require.NoError(t, err)

	assert.False(t, result.OK)
	assert.Equal(t, uint64(4), result.FirstBrokenID)
	assert.Equal(t, verify.HashMismatch, result.Kind)

	require.Len(t, result.Violations, 7) // id 4 plus ids 5..10
	assert.Equal(t, verify.HashMismatch, result.Violations[0].Kind)
	for i, v := range result.Violations[1:] {
		assert.Equal(t, uint64(5+i), v.ID)
		assert.Equal(t, verify.LinkBroken, v.Kind)
	}
}

// A rewritten prev_hash with untouched content is a pure link break at
// that entry alone.
func TestVerify_TamperedLink(t *testing.T) {
	store, db := newLedger(t, 6)
	_, err := db.Exec(`UPDATE entries SET prev_hash = $1 WHERE id = 3`, chain.Genesis.String())
	require.NoError(t, err)

	result, err := verify.New(store, nil).Verify(context.Background(), 1, 6)
	require.NoError(t, err)

	assert.False(t, result.OK)
	assert.Equal(t, uint64(3), result.FirstBrokenID)
	assert.Equal(t, verify.LinkBroken, result.Kind)
	require.Len(t, result.Violations, 1)
}

func TestVerify_DeletedEntry(t *testing.T) {
	store, db := newLedger(t, 8)
	_, err := db.Exec(`DELETE FROM entries WHERE id = 5`)
	require.NoError(t, err)

	result, err := verify.New(store, nil).Verify(context.Background(), 1, 8)
	require.NoError(t, err)

	assert.False(t, result.OK)
	assert.Equal(t, uint64(5), result.FirstBrokenID)
	assert.Equal(t, verify.GapDetected, result.Kind)
}

// With no explicit end the pass stops at the last sealed id, so it
// never races the live tail.
func TestVerify_DefaultsToSealedBoundary(t *testing.T) {
	store, _ := newLedger(t, 7, ledger.WithSealPolicy(ledger.SealPolicy{MaxEntries: 3}))

	result, err := verify.New(store, nil).Verify(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, 6, result.EntriesChecked)
	assert.Equal(t, uint64(6), result.EndID)
}

func TestVerify_NothingSealed(t *testing.T) {
	store, _ := newLedger(t, 2)
	result, err := verify.New(store, nil).Verify(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Zero(t, result.EntriesChecked)
}

// A mid-chain range seeds from its predecessor's stored digest.
func TestVerify_Subrange(t *testing.T) {
	store, db := newLedger(t, 10)
	result, err := verify.New(store, nil).Verify(context.Background(), 4, 8)
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, 5, result.EntriesChecked)

	_, err = db.Exec(`UPDATE entries SET input_snapshot = '{"case":99}' WHERE id = 6`)
	require.NoError(t, err)
	result, err = verify.New(store, nil).Verify(context.Background(), 4, 8)
	require.NoError(t, err)
	assert.False(t, result.OK)
	assert.Equal(t, uint64(6), result.FirstBrokenID)
	assert.Equal(t, verify.HashMismatch, result.Kind)
}

func TestEntries_EmptyRange(t *testing.T) {
	result := verify.Entries(nil, 1, chain.Genesis)
	assert.True(t, result.OK)
	assert.Zero(t, result.EntriesChecked)
}
