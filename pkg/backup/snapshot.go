package backup

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/oklog/ulid/v2"
	"github.com/opencontainers/go-digest"

	"github.com/Mindburn-Labs/sijill/pkg/chain"
	"github.com/Mindburn-Labs/sijill/pkg/hijri"
	"github.com/Mindburn-Labs/sijill/pkg/ledger"
)

const (
	snapshotPrefix = "snapshots/"
	archivePrefix  = "archive/"
	manifestName   = "manifest.json"
)

// Manifest describes one published snapshot. It is written last: a
// snapshot directory without a manifest is invisible to restore.
type Manifest struct {
	SnapshotID     string         `json:"snapshot_id"`
	CreatedAt      time.Time      `json:"created_at"`
	CreatedAtHijri string         `json:"created_at_hijri"`
	LastSealedID   uint64         `json:"last_sealed_id"`
	TailHash       digest.Digest  `json:"tail_hash"`
	Encrypted      bool           `json:"encrypted"`
	Segments       []BlockSegment `json:"segments"`
}

// BlockSegment locates one sealed block's data object and pins its
// stored bytes with a digest.
type BlockSegment struct {
	BlockID   uint64        `json:"block_id"`
	StartID   uint64        `json:"start_id"`
	EndID     uint64        `json:"end_id"`
	BlockHash digest.Digest `json:"block_hash"`
	Key       string        `json:"key"`
	Digest    digest.Digest `json:"digest"`
	Size      int           `json:"size"`
}

// segment is the decoded payload of one block object.
type segment struct {
	Block   ledger.Block  `json:"block"`
	Entries []chain.Entry `json:"entries"`
}

func newSnapshotID(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now), rand.Reader).String()
}

func snapshotKey(id, name string) string {
	return snapshotPrefix + id + "/" + name
}

func segmentName(blockID uint64) string {
	return fmt.Sprintf("block_%08d.seg", blockID)
}

// encodeSegment serializes, compresses and (when enc is non-nil)
// encrypts a block segment into its stored object bytes.
func encodeSegment(seg segment, enc *Encryptor) ([]byte, error) {
	plain, err := json.Marshal(seg)
	if err != nil {
		return nil, fmt.Errorf("backup: marshal block %d: %w", seg.Block.BlockID, err)
	}
	zw, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("backup: zstd writer: %w", err)
	}
	data := zw.EncodeAll(plain, nil)
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("backup: zstd close: %w", err)
	}
	if enc != nil {
		return enc.Seal(data)
	}
	return data, nil
}

// decodeSegment reverses encodeSegment.
func decodeSegment(data []byte, enc *Encryptor) (segment, error) {
	var err error
	if enc != nil {
		data, err = enc.Open(data)
		if err != nil {
			return segment{}, err
		}
	}
	zr, err := zstd.NewReader(nil)
	if err != nil {
		return segment{}, fmt.Errorf("backup: zstd reader: %w", err)
	}
	defer zr.Close()
	plain, err := zr.DecodeAll(data, nil)
	if err != nil {
		return segment{}, fmt.Errorf("backup: decompress: %w", err)
	}
	var seg segment
	if err := json.Unmarshal(plain, &seg); err != nil {
		return segment{}, fmt.Errorf("backup: unmarshal segment: %w", err)
	}
	return seg, nil
}

func marshalManifest(m Manifest) ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("backup: marshal manifest: %w", err)
	}
	return data, nil
}

func hijriStamp(t time.Time) string {
	return hijri.FromTime(t).String()
}

// listManifestKeys returns the manifest keys of published snapshots,
// oldest first. ULID snapshot ids sort chronologically, so the last key
// belongs to the newest snapshot.
func listManifestKeys(keys []string) []string {
	var manifests []string
	for _, k := range keys {
		if strings.HasSuffix(k, "/"+manifestName) {
			manifests = append(manifests, k)
		}
	}
	return manifests
}
