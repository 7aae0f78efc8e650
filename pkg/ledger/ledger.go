// Package ledger implements the durable append-only store for chained
// audit entries. It supports both SQLite and Postgres via database/sql.
//
// Appends are serialized by a single writer lock because the prev_hash
// linkage requires a strict global order. Entries become visible to
// readers only after their transaction commits, which with a full-sync
// journal mode is the durability point of the append.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/Mindburn-Labs/sijill/pkg/chain"
	"github.com/Mindburn-Labs/sijill/pkg/codec"
	"github.com/Mindburn-Labs/sijill/pkg/merkle"
	"github.com/Mindburn-Labs/sijill/pkg/observability"
	"github.com/Mindburn-Labs/sijill/pkg/record"
)

// ErrNotFound is returned when an entry or block is not found.
var ErrNotFound = errors.New("not found")

// ErrStoreUnavailable is the sentinel for durability-layer failures.
// A failed append did not happen; callers must treat the decision as
// unlogged. The ledger never retries internally.
var ErrStoreUnavailable = errors.New("store unavailable")

// StoreUnavailableError wraps the underlying persistence failure.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

func (e *StoreUnavailableError) Is(target error) bool { return target == ErrStoreUnavailable }

func unavailable(op string, err error) error {
	return &StoreUnavailableError{Op: op, Err: err}
}

// BlockState is the lifecycle state of a block. Blocks are never reopened.
type BlockState string

const (
	BlockOpen     BlockState = "open"
	BlockSealed   BlockState = "sealed"
	BlockArchived BlockState = "archived"
)

// Block is a time-bounded group of consecutive entries. The hash chain is
// global and unbroken across block boundaries; blocks exist for retrieval,
// backup and archival only.
type Block struct {
	BlockID   uint64        `json:"block_id"`
	StartID   uint64        `json:"start_id"`
	EndID     uint64        `json:"end_id,omitempty"` // zero while open
	BlockHash digest.Digest `json:"block_hash,omitempty"`
	State     BlockState    `json:"state"`
	OpenedAt  time.Time     `json:"opened_at"`
	SealedAt  time.Time     `json:"sealed_at,omitempty"`
}

// SealPolicy closes the open block after MaxEntries entries or MaxAge
// elapsed, whichever comes first. Sealing happens inside the serialized
// write path.
type SealPolicy struct {
	MaxEntries int
	MaxAge     time.Duration
}

// DefaultSealPolicy matches the operational defaults.
func DefaultSealPolicy() SealPolicy {
	return SealPolicy{MaxEntries: 1000, MaxAge: 24 * time.Hour}
}

type openBlock struct {
	id       uint64
	startID  uint64
	openedAt time.Time
	count    int
}

// Store is the durable append-only ledger store. It exclusively owns the
// live chain tail and the open block.
type Store struct {
	db       *sql.DB
	registry *record.SchemaRegistry
	journal  *Journal
	obs      *observability.Provider
	policy   SealPolicy
	logger   *slog.Logger
	clock    func() time.Time

	mu       sync.Mutex // serializes all chain mutations
	tailHash digest.Digest
	nextID   uint64
	open     *openBlock // nil until the first append after open/seal
}

// Option configures a Store.
type Option func(*Store)

// WithSealPolicy overrides the default seal policy.
func WithSealPolicy(p SealPolicy) Option { return func(s *Store) { s.policy = p } }

// WithSchemaRegistry enables payload schema validation at append time.
func WithSchemaRegistry(r *record.SchemaRegistry) Option { return func(s *Store) { s.registry = r } }

// WithJournal attaches a write-ahead journal used as the replay source
// for restores between snapshots.
func WithJournal(j *Journal) Option { return func(s *Store) { s.journal = j } }

// WithObservability attaches ledger metrics.
func WithObservability(p *observability.Provider) Option { return func(s *Store) { s.obs = p } }

// WithClock injects a clock for tests.
func WithClock(clock func() time.Time) Option { return func(s *Store) { s.clock = clock } }

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	id INTEGER PRIMARY KEY,
	block_id INTEGER NOT NULL,
	decision_type TEXT NOT NULL,
	input_snapshot TEXT NOT NULL,
	output_snapshot TEXT NOT NULL,
	model_version TEXT NOT NULL,
	reasoning_primary TEXT NOT NULL,
	reasoning_secondary TEXT,
	ts_civil TEXT NOT NULL,
	ts_hijri TEXT NOT NULL,
	entry_hash TEXT NOT NULL,
	prev_hash TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entries_block ON entries (block_id);
CREATE INDEX IF NOT EXISTS idx_entries_type ON entries (decision_type);
CREATE TABLE IF NOT EXISTS blocks (
	block_id INTEGER PRIMARY KEY,
	start_id INTEGER NOT NULL,
	end_id INTEGER,
	block_hash TEXT,
	state TEXT NOT NULL,
	opened_at TEXT NOT NULL,
	sealed_at TEXT
);
CREATE TABLE IF NOT EXISTS chain_state (
	slot INTEGER PRIMARY KEY,
	tail_hash TEXT NOT NULL,
	next_id INTEGER NOT NULL
);
`

// Open initializes the store schema and loads (or creates) the chain
// state. The caller owns the *sql.DB.
func Open(ctx context.Context, db *sql.DB, opts ...Option) (*Store, error) {
	s := &Store{
		db:     db,
		policy: DefaultSealPolicy(),
		logger: slog.Default().With("component", "ledger"),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("ledger: migrate: %w", err)
	}

	row := db.QueryRowContext(ctx, `SELECT tail_hash, next_id FROM chain_state WHERE slot = 1`)
	var tail string
	var next uint64
	err := row.Scan(&tail, &next)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		s.tailHash = chain.Genesis
		s.nextID = 1
		if _, err := db.ExecContext(ctx,
			`INSERT INTO chain_state (slot, tail_hash, next_id) VALUES (1, $1, $2)`,
			s.tailHash.String(), s.nextID); err != nil {
			return nil, fmt.Errorf("ledger: init chain state: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("ledger: load chain state: %w", err)
	default:
		s.tailHash = digest.Digest(tail)
		s.nextID = next
	}

	if err := s.loadOpenBlock(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadOpenBlock(ctx context.Context) error {
	row := s.db.QueryRowContext(ctx,
		`SELECT block_id, start_id, opened_at FROM blocks WHERE state = $1`, BlockOpen)
	var id, start uint64
	var openedAt string
	err := row.Scan(&id, &start, &openedAt)
	if errors.Is(err, sql.ErrNoRows) {
		s.open = nil
		return nil
	}
	if err != nil {
		return fmt.Errorf("ledger: load open block: %w", err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entries WHERE block_id = $1`, id).Scan(&count); err != nil {
		return fmt.Errorf("ledger: count open block entries: %w", err)
	}
	s.open = &openBlock{id: id, startID: start, openedAt: parseTime(openedAt), count: count}
	return nil
}

// Append validates, links, and durably persists one decision record,
// returning its assigned id. The record is logged if and only if Append
// returns without error.
func (s *Store) Append(ctx context.Context, r record.DecisionRecord) (uint64, error) {
	start := time.Now()
	id, err := s.append(ctx, r)
	s.obs.RecordAppend(ctx, time.Since(start), err)
	return id, err
}

func (s *Store) append(ctx context.Context, r record.DecisionRecord) (uint64, error) {
	// Validation happens outside the writer lock; rejected records never
	// reach the chain.
	canonical, _, err := codec.Encode(r)
	if err != nil {
		return 0, err
	}
	if s.registry != nil {
		if err := s.registry.Validate(r); err != nil {
			return 0, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	entryHash := chain.EntryHash(canonical, s.tailHash)
	entry := chain.Entry{ID: id, Record: r, EntryHash: entryHash, PrevHash: s.tailHash}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, unavailable("append", err)
	}
	defer func() { _ = tx.Rollback() }()

	blk, err := s.ensureOpenBlockTx(ctx, tx, id)
	if err != nil {
		return 0, unavailable("append", err)
	}
	if err := insertEntryTx(ctx, tx, blk.id, entry); err != nil {
		return 0, unavailable("append", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE chain_state SET tail_hash = $1, next_id = $2 WHERE slot = 1`,
		entryHash.String(), id+1); err != nil {
		return 0, unavailable("append", err)
	}

	sealed := false
	if s.policy.MaxEntries > 0 && blk.count+1 >= s.policy.MaxEntries ||
		s.policy.MaxAge > 0 && s.clock().Sub(blk.openedAt) >= s.policy.MaxAge {
		if err := s.sealTx(ctx, tx, blk, id); err != nil {
			return 0, unavailable("seal", err)
		}
		sealed = true
	}

	if err := tx.Commit(); err != nil {
		return 0, unavailable("append", err)
	}

	blk.count++
	s.open = blk
	s.tailHash = entryHash
	s.nextID = id + 1
	if sealed {
		s.open = nil
		s.obs.RecordSeal(ctx)
	}

	if s.journal != nil {
		// The SQL store is authoritative; a journal write failure narrows
		// the replay window but must not fail an already-durable append.
		if err := s.journal.Append(entry); err != nil {
			s.logger.ErrorContext(ctx, "journal append failed", "id", id, "error", err)
		}
	}
	return id, nil
}

// ensureOpenBlockTx returns the current open block, creating one starting
// at firstID if none exists.
func (s *Store) ensureOpenBlockTx(ctx context.Context, tx *sql.Tx, firstID uint64) (*openBlock, error) {
	if s.open != nil {
		return s.open, nil
	}
	var maxBlock sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(block_id) FROM blocks`).Scan(&maxBlock); err != nil {
		return nil, err
	}
	blk := &openBlock{id: uint64(maxBlock.Int64) + 1, startID: firstID, openedAt: s.clock().UTC()}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO blocks (block_id, start_id, state, opened_at) VALUES ($1, $2, $3, $4)`,
		blk.id, blk.startID, BlockOpen, formatTime(blk.openedAt)); err != nil {
		return nil, err
	}
	return blk, nil
}

func (s *Store) sealTx(ctx context.Context, tx *sql.Tx, blk *openBlock, endID uint64) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT entry_hash FROM entries WHERE block_id = $1 ORDER BY id`, blk.id)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	var hashes []digest.Digest
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return err
		}
		hashes = append(hashes, digest.Digest(h))
	}
	if err := rows.Err(); err != nil {
		return err
	}

	root, err := merkle.Root(hashes)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE blocks SET end_id = $1, block_hash = $2, state = $3, sealed_at = $4 WHERE block_id = $5`,
		endID, root.String(), BlockSealed, formatTime(s.clock().UTC()), blk.id)
	return err
}

// SealBlock closes the current open block regardless of the seal policy.
// It is a no-op when the open block is empty or absent.
func (s *Store) SealBlock(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.open == nil || s.open.count == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("seal", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.sealTx(ctx, tx, s.open, s.nextID-1); err != nil {
		return unavailable("seal", err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable("seal", err)
	}
	s.open = nil
	s.obs.RecordSeal(ctx)
	return nil
}

// Journal returns the journal this store appends to, or nil. Journal
// maintenance (pruning) must go through this handle; a second handle on
// the same path would leave the store writing to an unlinked file.
func (s *Store) Journal() *Journal {
	return s.journal
}

// TailHash returns the current chain tail digest.
func (s *Store) TailHash() digest.Digest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tailHash
}

// NextID returns the id the next successful append will receive.
func (s *Store) NextID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextID
}

// Read returns the entry with the given id.
func (s *Store) Read(ctx context.Context, id uint64) (chain.Entry, error) {
	row := s.db.QueryRowContext(ctx, selectEntry+` WHERE id = $1`, id)
	e, err := scanEntryRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return chain.Entry{}, fmt.Errorf("entry %d: %w", id, ErrNotFound)
	}
	return e, err
}

// ReadRange returns entries with start <= id <= end in id order. The
// result is finite and the call never touches the write path.
func (s *Store) ReadRange(ctx context.Context, start, end uint64) ([]chain.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		selectEntry+` WHERE id >= $1 AND id <= $2 ORDER BY id`, start, end)
	if err != nil {
		return nil, fmt.Errorf("ledger: read range: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

// LastSealedID returns the highest id covered by a sealed or archived
// block, or zero when nothing is sealed. Verifiers use it as their
// consistent snapshot boundary.
func (s *Store) LastSealedID(ctx context.Context) (uint64, error) {
	var v sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(end_id) FROM blocks WHERE state != $1`, BlockOpen).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("ledger: last sealed id: %w", err)
	}
	return uint64(v.Int64), nil
}

// SealedBlocks returns all sealed (not yet archived) blocks in order.
func (s *Store) SealedBlocks(ctx context.Context) ([]Block, error) {
	return s.blocksByState(ctx, BlockSealed)
}

// Blocks returns every block regardless of state, in block order.
func (s *Store) Blocks(ctx context.Context) ([]Block, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT block_id, start_id, end_id, block_hash, state, opened_at, sealed_at
		 FROM blocks ORDER BY block_id`)
	if err != nil {
		return nil, fmt.Errorf("ledger: blocks: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanBlocks(rows)
}

func (s *Store) blocksByState(ctx context.Context, state BlockState) ([]Block, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT block_id, start_id, end_id, block_hash, state, opened_at, sealed_at
		 FROM blocks WHERE state = $1 ORDER BY block_id`, state)
	if err != nil {
		return nil, fmt.Errorf("ledger: blocks by state: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanBlocks(rows)
}

// BlockEntries returns the entries of one block in id order.
func (s *Store) BlockEntries(ctx context.Context, blockID uint64) ([]chain.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		selectEntry+` WHERE block_id = $1 ORDER BY id`, blockID)
	if err != nil {
		return nil, fmt.Errorf("ledger: block entries: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

// MarkArchived transitions a sealed block to archived after its data has
// been copied to the cold tier. Archival never deletes chain data.
func (s *Store) MarkArchived(ctx context.Context, blockID uint64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE blocks SET state = $1 WHERE block_id = $2 AND state = $3`,
		BlockArchived, blockID, BlockSealed)
	if err != nil {
		return fmt.Errorf("ledger: mark archived: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ledger: mark archived: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("block %d: %w", blockID, ErrNotFound)
	}
	return nil
}

// ImportSealedBlock inserts a sealed block and its entries verbatim.
// Used only by restore; chain continuity against the current tail is
// enforced and stored hashes are preserved.
func (s *Store) ImportSealedBlock(ctx context.Context, blk Block, entries []chain.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.open != nil {
		return errors.New("ledger: import into a ledger with an open block")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("import", err)
	}
	defer func() { _ = tx.Rollback() }()

	tail := s.tailHash
	next := s.nextID
	for _, e := range entries {
		if e.ID != next {
			return fmt.Errorf("ledger: import id %d, expected %d", e.ID, next)
		}
		if e.PrevHash != tail {
			return fmt.Errorf("ledger: import entry %d breaks the chain", e.ID)
		}
		if err := insertEntryTx(ctx, tx, blk.BlockID, e); err != nil {
			return unavailable("import", err)
		}
		tail = e.EntryHash
		next++
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO blocks (block_id, start_id, end_id, block_hash, state, opened_at, sealed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		blk.BlockID, blk.StartID, blk.EndID, blk.BlockHash.String(),
		BlockSealed, formatTime(blk.OpenedAt), formatTime(blk.SealedAt)); err != nil {
		return unavailable("import", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE chain_state SET tail_hash = $1, next_id = $2 WHERE slot = 1`,
		tail.String(), next); err != nil {
		return unavailable("import", err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable("import", err)
	}
	s.tailHash = tail
	s.nextID = next
	return nil
}

// ReplayEntry appends a journaled entry verbatim during restore. The
// entry's stored hashes are kept; its link onto the current tail and its
// recomputed digest are both checked first.
func (s *Store) ReplayEntry(ctx context.Context, e chain.Entry) error {
	recomputed, err := chain.Recompute(e)
	if err != nil {
		return err
	}
	if recomputed != e.EntryHash {
		return fmt.Errorf("ledger: replay entry %d digest mismatch", e.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID != s.nextID {
		return fmt.Errorf("ledger: replay id %d, expected %d", e.ID, s.nextID)
	}
	if e.PrevHash != s.tailHash {
		return fmt.Errorf("ledger: replay entry %d breaks the chain", e.ID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("replay", err)
	}
	defer func() { _ = tx.Rollback() }()

	blk, err := s.ensureOpenBlockTx(ctx, tx, e.ID)
	if err != nil {
		return unavailable("replay", err)
	}
	if err := insertEntryTx(ctx, tx, blk.id, e); err != nil {
		return unavailable("replay", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE chain_state SET tail_hash = $1, next_id = $2 WHERE slot = 1`,
		e.EntryHash.String(), e.ID+1); err != nil {
		return unavailable("replay", err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable("replay", err)
	}
	blk.count++
	s.open = blk
	s.tailHash = e.EntryHash
	s.nextID = e.ID + 1
	return nil
}
