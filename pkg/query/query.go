// Package query exposes read-only access to committed ledger entries.
// Queries never touch the write path and only see entries whose append
// transaction has committed, so a reader can never observe a record
// that would vanish on crash.
package query

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/sijill/pkg/chain"
	"github.com/Mindburn-Labs/sijill/pkg/ledger"
	"github.com/Mindburn-Labs/sijill/pkg/record"
)

// cacheTTL bounds memory in the read cache. Entries are immutable, so
// a stale hit is impossible; expiry is purely an eviction policy.
const cacheTTL = 24 * time.Hour

// Filter narrows a range query. Zero fields match everything.
type Filter struct {
	StartID      uint64
	EndID        uint64
	DecisionType record.DecisionType
	After        time.Time // civil timestamp lower bound, inclusive
	Before       time.Time // civil timestamp upper bound, exclusive
	Limit        int
}

func (f Filter) matches(e chain.Entry) bool {
	if f.DecisionType != "" && e.Record.DecisionType != f.DecisionType {
		return false
	}
	ts := e.Record.Timestamp.Civil
	if !f.After.IsZero() && ts.Before(f.After) {
		return false
	}
	if !f.Before.IsZero() && !ts.Before(f.Before) {
		return false
	}
	return true
}

// Stats aggregates committed entries per decision type.
type Stats struct {
	Total  int                         `json:"total"`
	ByType map[record.DecisionType]int `json:"by_type"`
}

// Service answers read queries, optionally through a Redis cache.
type Service struct {
	store  *ledger.Store
	cache  *redis.Client
	logger *slog.Logger
}

// New creates a query service. cache may be nil to read straight from
// the store.
func New(store *ledger.Store, cache *redis.Client) *Service {
	return &Service{
		store:  store,
		cache:  cache,
		logger: slog.Default().With("component", "query"),
	}
}

// ByID returns the committed entry with the given id.
func (s *Service) ByID(ctx context.Context, id uint64) (chain.Entry, error) {
	if e, ok := s.cacheGet(ctx, id); ok {
		return e, nil
	}
	e, err := s.store.Read(ctx, id)
	if err != nil {
		return chain.Entry{}, err
	}
	s.cachePut(ctx, e)
	return e, nil
}

// Range returns committed entries matching the filter, in id order.
func (s *Service) Range(ctx context.Context, f Filter) ([]chain.Entry, error) {
	start, end := f.StartID, f.EndID
	if start == 0 {
		start = 1
	}
	last := s.store.NextID() - 1
	if end == 0 || end > last {
		end = last
	}
	if end < start {
		return nil, nil
	}

	entries, err := s.store.ReadRange(ctx, start, end)
	if err != nil {
		return nil, err
	}
	var out []chain.Entry
	for _, e := range entries {
		if !f.matches(e) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// DailyStats aggregates entries whose civil timestamp falls on the
// given day in the day's location.
func (s *Service) DailyStats(ctx context.Context, day time.Time) (Stats, error) {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	entries, err := s.Range(ctx, Filter{After: dayStart, Before: dayStart.AddDate(0, 0, 1)})
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{ByType: make(map[record.DecisionType]int)}
	for _, e := range entries {
		stats.Total++
		stats.ByType[e.Record.DecisionType]++
	}
	return stats, nil
}

func cacheKey(id uint64) string { return fmt.Sprintf("sijill:entry:%d", id) }

func (s *Service) cacheGet(ctx context.Context, id uint64) (chain.Entry, bool) {
	if s.cache == nil {
		return chain.Entry{}, false
	}
	data, err := s.cache.Get(ctx, cacheKey(id)).Bytes()
	if err != nil {
		return chain.Entry{}, false
	}
	var e chain.Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return chain.Entry{}, false
	}
	return e, true
}

func (s *Service) cachePut(ctx context.Context, e chain.Entry) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, cacheKey(e.ID), data, cacheTTL).Err(); err != nil {
		// Cache misses are free correctness-wise; just note the outage.
		s.logger.DebugContext(ctx, "cache set failed", "id", e.ID, "error", err)
	}
}
