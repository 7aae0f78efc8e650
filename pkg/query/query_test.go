package query_test

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/sijill/pkg/ledger"
	"github.com/Mindburn-Labs/sijill/pkg/query"
	"github.com/Mindburn-Labs/sijill/pkg/record"
)

func seedStore(t *testing.T) *ledger.Store {
	t.Helper()
	db, err := ledger.OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := ledger.Open(context.Background(), db)
	require.NoError(t, err)

	types := []record.DecisionType{
		record.TypeProcurement, record.TypePolicy, record.TypeFinancial,
	}
	base := time.Date(2024, 8, 10, 6, 0, 0, 0, time.UTC)
	for i := 0; i < 9; i++ {
		_, err := store.Append(context.Background(), record.DecisionRecord{
			DecisionType:   types[i%3],
			InputSnapshot:  json.RawMessage(fmt.Sprintf(`{"case":%d}`, i+1)),
			OutputSnapshot: json.RawMessage(`{"ok":true}`),
			ModelVersion:   "1.0.0",
			Reasoning:      record.Reasoning{Primary: "routine decision"},
			Timestamp:      record.At(base.Add(time.Duration(i) * 6 * time.Hour)),
		})
		require.NoError(t, err)
	}
	return store
}

func TestByID(t *testing.T) {
	svc := query.New(seedStore(t), nil)

	e, err := svc.ByID(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), e.ID)

	_, err = svc.ByID(context.Background(), 99)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestRange_ByType(t *testing.T) {
	svc := query.New(seedStore(t), nil)

	entries, err := svc.Range(context.Background(), query.Filter{
		DecisionType: record.TypePolicy,
	})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for _, e := range entries {
		assert.Equal(t, record.TypePolicy, e.Record.DecisionType)
	}
}

func TestRange_TimeWindow(t *testing.T) {
	svc := query.New(seedStore(t), nil)

	// Entries 1..9 run every 6 hours from 06:00 on Aug 10; the second
	// calendar day holds entries 4..7.
	dayTwo := time.Date(2024, 8, 11, 0, 0, 0, 0, time.UTC)
	entries, err := svc.Range(context.Background(), query.Filter{
		After:  dayTwo,
		Before: dayTwo.AddDate(0, 0, 1),
	})
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, uint64(4), entries[0].ID)
	assert.Equal(t, uint64(7), entries[3].ID)
}

func TestRange_IDBoundsAndLimit(t *testing.T) {
	svc := query.New(seedStore(t), nil)

	entries, err := svc.Range(context.Background(), query.Filter{StartID: 3, EndID: 7})
	require.NoError(t, err)
	require.Len(t, entries, 5)

	entries, err = svc.Range(context.Background(), query.Filter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	// An end past the tail is clamped, never an error.
	entries, err = svc.Range(context.Background(), query.Filter{StartID: 8, EndID: 500})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	entries, err = svc.Range(context.Background(), query.Filter{StartID: 50})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDailyStats(t *testing.T) {
	svc := query.New(seedStore(t), nil)

	stats, err := svc.DailyStats(context.Background(), time.Date(2024, 8, 11, 15, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 2, stats.ByType[record.TypeProcurement])
	assert.Equal(t, 1, stats.ByType[record.TypePolicy])
	assert.Equal(t, 1, stats.ByType[record.TypeFinancial])
}
