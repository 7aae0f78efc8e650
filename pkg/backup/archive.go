package backup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/sijill/pkg/ledger"
)

// Archiver copies sealed blocks past the hot window to the cold tier
// and marks them archived. Archival copies, it never deletes: the
// seven-year retention obligation is satisfied by the cold tier while
// the primary store keeps serving reads.
type Archiver struct {
	store   *ledger.Store
	objects ObjectStore
	enc     *Encryptor
	logger  *slog.Logger
	clock   func() time.Time
}

// NewArchiver creates an Archiver writing to objects under the archive
// prefix. enc may be nil for an unencrypted cold tier.
func NewArchiver(store *ledger.Store, objects ObjectStore, enc *Encryptor) *Archiver {
	return &Archiver{
		store:   store,
		objects: objects,
		enc:     enc,
		logger:  slog.Default().With("component", "archive"),
		clock:   time.Now,
	}
}

// ArchiveOlderThan archives every sealed block whose seal time is at
// least age in the past. It returns the block ids archived.
func (a *Archiver) ArchiveOlderThan(ctx context.Context, age time.Duration) ([]uint64, error) {
	blocks, err := a.store.SealedBlocks(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := a.clock().Add(-age)

	var archived []uint64
	for _, blk := range blocks {
		if blk.SealedAt.IsZero() || blk.SealedAt.After(cutoff) {
			continue
		}
		if err := a.archiveBlock(ctx, blk); err != nil {
			return archived, err
		}
		archived = append(archived, blk.BlockID)
	}
	return archived, nil
}

func (a *Archiver) archiveBlock(ctx context.Context, blk ledger.Block) error {
	entries, err := a.store.BlockEntries(ctx, blk.BlockID)
	if err != nil {
		return err
	}
	if err := checkBlockRoot(blk, entries); err != nil {
		return err
	}
	data, err := encodeSegment(segment{Block: blk, Entries: entries}, a.enc)
	if err != nil {
		return err
	}
	key := archivePrefix + segmentName(blk.BlockID)
	if err := a.objects.Put(ctx, key, data); err != nil {
		return fmt.Errorf("backup: archive block %d: %w", blk.BlockID, err)
	}

	// Read back before the state flips; a block is archived only once its
	// cold copy is proven retrievable.
	stored, err := a.objects.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("backup: archive readback %d: %w", blk.BlockID, err)
	}
	decoded, err := decodeSegment(stored, a.enc)
	if err != nil {
		return fmt.Errorf("backup: archive readback %d: %w", blk.BlockID, err)
	}
	if err := checkBlockRoot(decoded.Block, decoded.Entries); err != nil {
		return fmt.Errorf("backup: archive readback %d: %w", blk.BlockID, err)
	}

	if err := a.store.MarkArchived(ctx, blk.BlockID); err != nil {
		return err
	}
	a.logger.InfoContext(ctx, "block archived",
		"block_id", blk.BlockID, "start_id", blk.StartID, "end_id", blk.EndID)
	return nil
}
