package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/sijill/pkg/chain"
	"github.com/Mindburn-Labs/sijill/pkg/ledger"
	"github.com/Mindburn-Labs/sijill/pkg/merkle"
	"github.com/Mindburn-Labs/sijill/pkg/observability"
	"github.com/Mindburn-Labs/sijill/pkg/verify"
)

// ErrNothingToSnapshot is returned when no block has been sealed yet.
var ErrNothingToSnapshot = errors.New("backup: no sealed blocks")

// DefaultInterval is the snapshot cadence required by the retention
// policy: at most four hours of journal-only exposure.
const DefaultInterval = 4 * time.Hour

// Coordinator produces snapshots of all sealed blocks on a fixed
// cadence. Snapshots never touch the open block; the journal covers the
// gap between the last seal and the live tail.
type Coordinator struct {
	store   *ledger.Store
	objects ObjectStore
	journal *ledger.Journal
	enc     *Encryptor
	limiter *rate.Limiter
	obs     *observability.Provider
	logger  *slog.Logger
	clock   func() time.Time

	interval time.Duration
	keep     int // published snapshots to retain, 0 keeps all
	workers  int
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithEncryptor encrypts segment objects before upload.
func WithEncryptor(e *Encryptor) CoordinatorOption { return func(c *Coordinator) { c.enc = e } }

// WithUploadLimit throttles uploads to the given bytes per second.
func WithUploadLimit(bytesPerSec int) CoordinatorOption {
	return func(c *Coordinator) {
		c.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), bytesPerSec)
	}
}

// WithInterval overrides the snapshot cadence.
func WithInterval(d time.Duration) CoordinatorOption { return func(c *Coordinator) { c.interval = d } }

// WithKeep bounds how many published snapshots are retained.
func WithKeep(n int) CoordinatorOption { return func(c *Coordinator) { c.keep = n } }

// WithJournalPruning lets the coordinator prune journal lines already
// covered by a published snapshot.
func WithJournalPruning(j *ledger.Journal) CoordinatorOption {
	return func(c *Coordinator) { c.journal = j }
}

// WithCoordinatorObservability attaches backup metrics.
func WithCoordinatorObservability(p *observability.Provider) CoordinatorOption {
	return func(c *Coordinator) { c.obs = p }
}

// WithCoordinatorClock injects a clock for tests.
func WithCoordinatorClock(clock func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.clock = clock }
}

// NewCoordinator creates a backup coordinator.
func NewCoordinator(store *ledger.Store, objects ObjectStore, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		store:    store,
		objects:  objects,
		logger:   slog.Default().With("component", "backup"),
		clock:    time.Now,
		interval: DefaultInterval,
		workers:  4,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run snapshots on the configured interval until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := c.Snapshot(ctx); err != nil && !errors.Is(err, ErrNothingToSnapshot) {
				c.logger.ErrorContext(ctx, "scheduled snapshot failed", "error", err)
			}
		}
	}
}

// Snapshot captures every sealed block, uploads and re-verifies the
// segments, and publishes the manifest last. On success the journal is
// pruned through the snapshot boundary.
func (c *Coordinator) Snapshot(ctx context.Context) (Manifest, error) {
	m, err := c.snapshot(ctx)
	c.obs.RecordBackup(ctx, err)
	if err == nil {
		c.logger.InfoContext(ctx, "snapshot published",
			"snapshot_id", m.SnapshotID,
			"last_sealed_id", m.LastSealedID,
			"segments", len(m.Segments))
	}
	return m, err
}

func (c *Coordinator) snapshot(ctx context.Context) (Manifest, error) {
	blocks, err := c.store.Blocks(ctx)
	if err != nil {
		return Manifest{}, err
	}

	now := c.clock().UTC()
	m := Manifest{
		SnapshotID:     newSnapshotID(now),
		CreatedAt:      now,
		CreatedAtHijri: hijriStamp(now),
		Encrypted:      c.enc != nil,
	}

	var allEntries []chain.Entry
	type upload struct {
		seg  BlockSegment
		data []byte
	}
	var uploads []upload

	for _, blk := range blocks {
		if blk.State == ledger.BlockOpen {
			continue
		}
		entries, err := c.store.BlockEntries(ctx, blk.BlockID)
		if err != nil {
			return Manifest{}, err
		}
		if err := checkBlockRoot(blk, entries); err != nil {
			return Manifest{}, err
		}
		allEntries = append(allEntries, entries...)

		data, err := encodeSegment(segment{Block: blk, Entries: entries}, c.enc)
		if err != nil {
			return Manifest{}, err
		}
		seg := BlockSegment{
			BlockID:   blk.BlockID,
			StartID:   blk.StartID,
			EndID:     blk.EndID,
			BlockHash: blk.BlockHash,
			Key:       snapshotKey(m.SnapshotID, segmentName(blk.BlockID)),
			Digest:    digest.SHA256.FromBytes(data),
			Size:      len(data),
		}
		uploads = append(uploads, upload{seg: seg, data: data})
		m.Segments = append(m.Segments, seg)
		if blk.EndID > m.LastSealedID {
			m.LastSealedID = blk.EndID
		}
	}
	if len(uploads) == 0 {
		return Manifest{}, ErrNothingToSnapshot
	}

	// Sealed blocks are contiguous from the start of the ledger, so the
	// pre-upload verification seeds from genesis.
	if result := verify.Entries(allEntries, allEntries[0].ID, chain.Genesis); !result.OK {
		return Manifest{}, fmt.Errorf("backup: refusing to snapshot a broken chain: %s at id %d",
			result.Kind, result.FirstBrokenID)
	}
	m.TailHash = allEntries[len(allEntries)-1].EntryHash

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for _, u := range uploads {
		u := u
		g.Go(func() error {
			if err := c.throttle(gctx, len(u.data)); err != nil {
				return err
			}
			return c.objects.Put(gctx, u.seg.Key, u.data)
		})
	}
	if err := g.Wait(); err != nil {
		return Manifest{}, fmt.Errorf("backup: upload: %w", err)
	}

	// Write-then-verify: read every object back and confirm it decodes to
	// the block that was captured before the manifest goes up.
	for _, u := range uploads {
		stored, err := c.objects.Get(ctx, u.seg.Key)
		if err != nil {
			return Manifest{}, fmt.Errorf("backup: readback %s: %w", u.seg.Key, err)
		}
		if digest.SHA256.FromBytes(stored) != u.seg.Digest {
			return Manifest{}, fmt.Errorf("backup: readback %s: digest mismatch", u.seg.Key)
		}
		seg, err := decodeSegment(stored, c.enc)
		if err != nil {
			return Manifest{}, fmt.Errorf("backup: readback %s: %w", u.seg.Key, err)
		}
		if seg.Block.BlockID != u.seg.BlockID || len(seg.Entries) == 0 ||
			seg.Entries[0].ID != u.seg.StartID || seg.Entries[len(seg.Entries)-1].ID != u.seg.EndID {
			return Manifest{}, fmt.Errorf("backup: readback %s: segment bounds mismatch", u.seg.Key)
		}
	}

	manifestData, err := marshalManifest(m)
	if err != nil {
		return Manifest{}, err
	}
	if err := c.objects.Put(ctx, snapshotKey(m.SnapshotID, manifestName), manifestData); err != nil {
		return Manifest{}, fmt.Errorf("backup: publish manifest: %w", err)
	}

	if c.journal != nil {
		if err := c.journal.PruneThrough(m.LastSealedID); err != nil {
			// The snapshot is already published; a fat journal only costs
			// replay time on the next restore.
			c.logger.WarnContext(ctx, "journal prune failed", "error", err)
		}
	}
	if c.keep > 0 {
		if err := c.pruneSnapshots(ctx); err != nil {
			c.logger.WarnContext(ctx, "snapshot prune failed", "error", err)
		}
	}
	return m, nil
}

func checkBlockRoot(blk ledger.Block, entries []chain.Entry) error {
	hashes := make([]digest.Digest, len(entries))
	for i, e := range entries {
		hashes[i] = e.EntryHash
	}
	root, err := merkle.Root(hashes)
	if err != nil {
		return fmt.Errorf("backup: block %d: %w", blk.BlockID, err)
	}
	if root != blk.BlockHash {
		return fmt.Errorf("backup: block %d root mismatch", blk.BlockID)
	}
	return nil
}

func (c *Coordinator) throttle(ctx context.Context, n int) error {
	if c.limiter == nil {
		return nil
	}
	burst := c.limiter.Burst()
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		if err := c.limiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// pruneSnapshots deletes the oldest published snapshots beyond the keep
// bound. The manifest goes first so a half-deleted snapshot is never a
// restore candidate.
func (c *Coordinator) pruneSnapshots(ctx context.Context) error {
	keys, err := c.objects.List(ctx, snapshotPrefix)
	if err != nil {
		return err
	}
	manifests := listManifestKeys(keys)
	if len(manifests) <= c.keep {
		return nil
	}
	for _, manifestKey := range manifests[:len(manifests)-c.keep] {
		dir := strings.TrimSuffix(manifestKey, manifestName)
		if err := c.objects.Delete(ctx, manifestKey); err != nil {
			return err
		}
		for _, k := range keys {
			if strings.HasPrefix(k, dir) && k != manifestKey {
				if err := c.objects.Delete(ctx, k); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
