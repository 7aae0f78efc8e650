package backup

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/opencontainers/go-digest"

	"github.com/Mindburn-Labs/sijill/pkg/ledger"
)

// RecoveryIncompleteError reports a restore that came up short of the
// last acknowledged append. The recovered prefix is intact and usable;
// the error names exactly how far it reaches so operators know which
// acknowledged decisions are missing.
type RecoveryIncompleteError struct {
	HighestRecoveredID uint64
	TargetID           uint64
}

func (e *RecoveryIncompleteError) Error() string {
	return fmt.Sprintf("recovery incomplete: recovered through id %d, last acknowledged id %d",
		e.HighestRecoveredID, e.TargetID)
}

// RestoreOptions configures a restore.
type RestoreOptions struct {
	// TargetID is the highest id known to have been acknowledged before
	// the loss. Zero accepts whatever the snapshot and journal reach.
	TargetID uint64
	// JournalPath is the local journal replayed on top of the snapshot.
	// Empty means no journal survived.
	JournalPath string
	// Encryptor must match the one used at snapshot time for encrypted
	// snapshots.
	Encryptor *Encryptor
}

// RestoreResult summarizes a completed restore.
type RestoreResult struct {
	SnapshotID         string
	HighestRecoveredID uint64
	Replayed           int
}

// Restore rebuilds a ledger into the empty database db from the newest
// valid snapshot, then replays the journal past the snapshot boundary.
// When the result falls short of opts.TargetID the restored prefix is
// kept and a RecoveryIncompleteError is returned alongside the store.
func Restore(ctx context.Context, objects ObjectStore, db *sql.DB, opts RestoreOptions, storeOpts ...ledger.Option) (*ledger.Store, RestoreResult, error) {
	logger := slog.Default().With("component", "restore")

	store, err := ledger.Open(ctx, db, storeOpts...)
	if err != nil {
		return nil, RestoreResult{}, err
	}
	if store.NextID() != 1 {
		return nil, RestoreResult{}, errors.New("backup: restore target ledger is not empty")
	}

	var result RestoreResult
	manifest, found, err := newestManifest(ctx, objects)
	if err != nil {
		return nil, RestoreResult{}, err
	}
	if found {
		if manifest.Encrypted && opts.Encryptor == nil {
			return nil, RestoreResult{}, errors.New("backup: snapshot is encrypted and no key was provided")
		}
		// An unencrypted snapshot stays readable even when the operator
		// has since configured a key.
		enc := opts.Encryptor
		if !manifest.Encrypted {
			enc = nil
		}
		result.SnapshotID = manifest.SnapshotID
		for _, seg := range manifest.Segments {
			data, err := objects.Get(ctx, seg.Key)
			if err != nil {
				return nil, RestoreResult{}, fmt.Errorf("backup: fetch %s: %w", seg.Key, err)
			}
			if digest.SHA256.FromBytes(data) != seg.Digest {
				return nil, RestoreResult{}, fmt.Errorf("backup: segment %s digest mismatch", seg.Key)
			}
			decoded, err := decodeSegment(data, enc)
			if err != nil {
				return nil, RestoreResult{}, fmt.Errorf("backup: segment %s: %w", seg.Key, err)
			}
			if err := checkBlockRoot(decoded.Block, decoded.Entries); err != nil {
				return nil, RestoreResult{}, err
			}
			if err := store.ImportSealedBlock(ctx, decoded.Block, decoded.Entries); err != nil {
				return nil, RestoreResult{}, fmt.Errorf("backup: import block %d: %w", decoded.Block.BlockID, err)
			}
		}
		logger.InfoContext(ctx, "snapshot restored",
			"snapshot_id", manifest.SnapshotID,
			"last_sealed_id", manifest.LastSealedID)
	}

	if opts.JournalPath != "" {
		entries, err := ledger.ReadJournal(opts.JournalPath, manifest.LastSealedID)
		if err != nil {
			return nil, RestoreResult{}, err
		}
		for _, e := range entries {
			if err := store.ReplayEntry(ctx, e); err != nil {
				// A journal that diverges from the restored chain ends the
				// replayable suffix; everything applied so far stands.
				logger.WarnContext(ctx, "journal replay stopped",
					"at_id", e.ID, "error", err)
				break
			}
			result.Replayed++
		}
	}

	result.HighestRecoveredID = store.NextID() - 1
	if opts.TargetID > result.HighestRecoveredID {
		return store, result, &RecoveryIncompleteError{
			HighestRecoveredID: result.HighestRecoveredID,
			TargetID:           opts.TargetID,
		}
	}
	return store, result, nil
}

// newestManifest fetches the most recent published manifest. ULID ids
// sort chronologically, so the last manifest key wins. A manifest that
// fails to parse is skipped in favor of the next older one.
func newestManifest(ctx context.Context, objects ObjectStore) (Manifest, bool, error) {
	keys, err := objects.List(ctx, snapshotPrefix)
	if err != nil {
		return Manifest{}, false, fmt.Errorf("backup: list snapshots: %w", err)
	}
	manifests := listManifestKeys(keys)
	for i := len(manifests) - 1; i >= 0; i-- {
		data, err := objects.Get(ctx, manifests[i])
		if err != nil {
			if errors.Is(err, ErrObjectNotFound) {
				continue
			}
			return Manifest{}, false, err
		}
		var m Manifest
		if err := json.Unmarshal(data, &m); err != nil || len(m.Segments) == 0 {
			continue
		}
		return m, true, nil
	}
	return Manifest{}, false, nil
}
