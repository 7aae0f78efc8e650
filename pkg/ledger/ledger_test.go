package ledger_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/sijill/pkg/chain"
	"github.com/Mindburn-Labs/sijill/pkg/ledger"
	"github.com/Mindburn-Labs/sijill/pkg/record"
)

func newStore(t *testing.T, opts ...ledger.Option) (*ledger.Store, *sql.DB) {
	t.Helper()
	db, err := ledger.OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := ledger.Open(context.Background(), db, opts...)
	require.NoError(t, err)
	return store, db
}

func decision(n int) record.DecisionRecord {
	return record.DecisionRecord{
		DecisionType:   record.TypeProcurement,
		InputSnapshot:  json.RawMessage(fmt.Sprintf(`{"tender":"T-%04d"}`, n)),
		OutputSnapshot: json.RawMessage(`{"awarded":true}`),
		ModelVersion:   "2.0.0",
		Reasoning:      record.Reasoning{Primary: "best evaluated bid"},
		Timestamp:      record.At(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC).Add(time.Duration(n) * time.Second)),
	}
}

func TestAppendAndRead(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	id1, err := store.Append(ctx, decision(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id1)

	id2, err := store.Append(ctx, decision(2))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), id2)

	e1, err := store.Read(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, chain.Genesis, e1.PrevHash)
	assert.Equal(t, record.TypeProcurement, e1.Record.DecisionType)

	e2, err := store.Read(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, e1.EntryHash, e2.PrevHash)

	// Stored entries must re-hash to their stored digest.
	for _, e := range []chain.Entry{e1, e2} {
		d, err := chain.Recompute(e)
		require.NoError(t, err)
		assert.Equal(t, e.EntryHash, d)
	}
}

// A registered payload schema rejects non-conforming snapshots before
// any chain mutation.
func TestAppend_SchemaValidation(t *testing.T) {
	reg := record.NewSchemaRegistry()
	require.NoError(t, reg.Register(record.TypeProcurement,
		[]byte(`{"type":"object","required":["tender"]}`), nil))

	store, _ := newStore(t, ledger.WithSchemaRegistry(reg))
	ctx := context.Background()

	_, err := store.Append(ctx, decision(1))
	require.NoError(t, err)

	bad := decision(2)
	bad.InputSnapshot = json.RawMessage(`{"vendor":"acme"}`)
	_, err = store.Append(ctx, bad)
	assert.ErrorIs(t, err, record.ErrMalformed)
	assert.Equal(t, uint64(2), store.NextID())
}

func TestRead_NotFound(t *testing.T) {
	store, _ := newStore(t)
	_, err := store.Read(context.Background(), 42)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestAppend_RejectsMalformedWithoutStateChange(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	_, err := store.Append(ctx, decision(1))
	require.NoError(t, err)
	tail := store.TailHash()

	bad := decision(2)
	bad.InputSnapshot = json.RawMessage(`{broken`)
	_, err = store.Append(ctx, bad)
	assert.ErrorIs(t, err, record.ErrMalformed)

	// A rejected record leaves no trace: same tail, same next id.
	assert.Equal(t, tail, store.TailHash())
	assert.Equal(t, uint64(2), store.NextID())
}

// Concurrent appends must serialize into contiguous ids with an
// unbroken chain; which writer gets which id is unspecified.
func TestAppend_ConcurrentWritersStayChained(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	const writers = 4
	const perWriter = 25
	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := store.Append(ctx, decision(w*perWriter+i)); err != nil {
					errs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("append failed: %v", err)
	}

	entries, err := store.ReadRange(ctx, 1, writers*perWriter)
	require.NoError(t, err)
	require.Len(t, entries, writers*perWriter)

	prev := chain.Genesis
	for i, e := range entries {
		assert.Equal(t, uint64(i+1), e.ID)
		assert.Equal(t, prev, e.PrevHash)
		d, err := chain.Recompute(e)
		require.NoError(t, err)
		assert.Equal(t, e.EntryHash, d)
		prev = e.EntryHash
	}
}

func TestSealPolicy_MaxEntries(t *testing.T) {
	store, _ := newStore(t, ledger.WithSealPolicy(ledger.SealPolicy{MaxEntries: 5}))
	ctx := context.Background()

	for i := 1; i <= 12; i++ {
		_, err := store.Append(ctx, decision(i))
		require.NoError(t, err)
	}

	blocks, err := store.Blocks(ctx)
	require.NoError(t, err)
	require.Len(t, blocks, 3)

	assert.Equal(t, ledger.BlockSealed, blocks[0].State)
	assert.Equal(t, uint64(1), blocks[0].StartID)
	assert.Equal(t, uint64(5), blocks[0].EndID)
	assert.NotEmpty(t, blocks[0].BlockHash)

	assert.Equal(t, ledger.BlockSealed, blocks[1].State)
	assert.Equal(t, uint64(6), blocks[1].StartID)
	assert.Equal(t, uint64(10), blocks[1].EndID)

	assert.Equal(t, ledger.BlockOpen, blocks[2].State)
	assert.Equal(t, uint64(11), blocks[2].StartID)

	sealed, err := store.LastSealedID(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), sealed)

	// The chain does not break at the block boundary.
	e5, err := store.Read(ctx, 5)
	require.NoError(t, err)
	e6, err := store.Read(ctx, 6)
	require.NoError(t, err)
	assert.Equal(t, e5.EntryHash, e6.PrevHash)
}

func TestSealPolicy_MaxAge(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store, _ := newStore(t,
		ledger.WithSealPolicy(ledger.SealPolicy{MaxEntries: 1000, MaxAge: 24 * time.Hour}),
		ledger.WithClock(clock))
	ctx := context.Background()

	_, err := store.Append(ctx, decision(1))
	require.NoError(t, err)

	now = now.Add(25 * time.Hour)
	_, err = store.Append(ctx, decision(2))
	require.NoError(t, err)

	blocks, err := store.Blocks(ctx)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, ledger.BlockSealed, blocks[0].State)
	assert.Equal(t, uint64(2), blocks[0].EndID)

	// The next append opens a fresh block.
	_, err = store.Append(ctx, decision(3))
	require.NoError(t, err)
	blocks, err = store.Blocks(ctx)
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	assert.Equal(t, ledger.BlockOpen, blocks[1].State)
}

func TestSealBlock_Explicit(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	// Sealing with no open block is a no-op.
	require.NoError(t, store.SealBlock(ctx))

	_, err := store.Append(ctx, decision(1))
	require.NoError(t, err)
	require.NoError(t, store.SealBlock(ctx))

	sealed, err := store.SealedBlocks(ctx)
	require.NoError(t, err)
	require.Len(t, sealed, 1)
	assert.Equal(t, uint64(1), sealed[0].EndID)
}

func TestReopenLoadsChainState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.db")
	ctx := context.Background()

	db, err := ledger.OpenSQLite(path)
	require.NoError(t, err)
	store, err := ledger.Open(ctx, db)
	require.NoError(t, err)
	_, err = store.Append(ctx, decision(1))
	require.NoError(t, err)
	_, err = store.Append(ctx, decision(2))
	require.NoError(t, err)
	tail := store.TailHash()
	require.NoError(t, db.Close())

	db, err = ledger.OpenSQLite(path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	store, err = ledger.Open(ctx, db)
	require.NoError(t, err)

	assert.Equal(t, tail, store.TailHash())
	assert.Equal(t, uint64(3), store.NextID())

	// Appends continue the chain where it left off.
	_, err = store.Append(ctx, decision(3))
	require.NoError(t, err)
	e3, err := store.Read(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, tail, e3.PrevHash)
}

func TestMarkArchived(t *testing.T) {
	store, _ := newStore(t, ledger.WithSealPolicy(ledger.SealPolicy{MaxEntries: 2}))
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		_, err := store.Append(ctx, decision(i))
		require.NoError(t, err)
	}

	require.NoError(t, store.MarkArchived(ctx, 1))
	blocks, err := store.Blocks(ctx)
	require.NoError(t, err)
	assert.Equal(t, ledger.BlockArchived, blocks[0].State)

	// Archived entries stay readable; archival never deletes.
	_, err = store.Read(ctx, 1)
	require.NoError(t, err)

	assert.ErrorIs(t, store.MarkArchived(ctx, 1), ledger.ErrNotFound)
	assert.ErrorIs(t, store.MarkArchived(ctx, 99), ledger.ErrNotFound)
}

func TestImportSealedBlockAndReplay(t *testing.T) {
	source, _ := newStore(t, ledger.WithSealPolicy(ledger.SealPolicy{MaxEntries: 3}))
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		_, err := source.Append(ctx, decision(i))
		require.NoError(t, err)
	}
	blocks, err := source.SealedBlocks(ctx)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	sealedEntries, err := source.BlockEntries(ctx, blocks[0].BlockID)
	require.NoError(t, err)

	target, _ := newStore(t)
	require.NoError(t, target.ImportSealedBlock(ctx, blocks[0], sealedEntries))
	assert.Equal(t, uint64(4), target.NextID())

	// Journal-style replay continues past the imported block.
	for id := uint64(4); id <= 5; id++ {
		e, err := source.Read(ctx, id)
		require.NoError(t, err)
		require.NoError(t, target.ReplayEntry(ctx, e))
	}
	assert.Equal(t, source.TailHash(), target.TailHash())

	// Replay rejects an entry that does not extend the chain.
	e5, err := source.Read(ctx, 5)
	require.NoError(t, err)
	err = target.ReplayEntry(ctx, e5)
	assert.Error(t, err)
}

func TestImportSealedBlock_BrokenChainRejected(t *testing.T) {
	source, _ := newStore(t, ledger.WithSealPolicy(ledger.SealPolicy{MaxEntries: 2}))
	ctx := context.Background()
	for i := 1; i <= 2; i++ {
		_, err := source.Append(ctx, decision(i))
		require.NoError(t, err)
	}
	blocks, err := source.SealedBlocks(ctx)
	require.NoError(t, err)
	entries, err := source.BlockEntries(ctx, blocks[0].BlockID)
	require.NoError(t, err)

	entries[1].PrevHash = chain.Genesis
	target, _ := newStore(t)
	assert.Error(t, target.ImportSealedBlock(ctx, blocks[0], entries))
}
