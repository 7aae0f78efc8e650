package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/Mindburn-Labs/sijill/pkg/chain"
)

// Journal is an append-only JSONL log of committed entries, one fsync'd
// line per append. It is the replay source for restores that need to
// reach entries written after the last snapshot.
type Journal struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// OpenJournal opens or creates the journal file at path.
func OpenJournal(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	return &Journal{path: path, f: f}, nil
}

// Append writes one entry line and syncs it to disk.
func (j *Journal) Append(e chain.Entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("journal: marshal entry %d: %w", e.ID, err)
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.f.Write(line); err != nil {
		return fmt.Errorf("journal: write entry %d: %w", e.ID, err)
	}
	if err := j.f.Sync(); err != nil {
		return fmt.Errorf("journal: sync entry %d: %w", e.ID, err)
	}
	return nil
}

// PruneThrough drops journal lines with id <= lastID. Called after a
// snapshot publishes, since those entries are covered by the snapshot.
func (j *Journal) PruneThrough(lastID uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	keep, err := readJournalFile(j.path, lastID)
	if err != nil {
		return err
	}

	tmp := j.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("journal: prune: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, e := range keep {
		line, err := json.Marshal(e)
		if err != nil {
			_ = f.Close()
			return fmt.Errorf("journal: prune marshal: %w", err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			_ = f.Close()
			return fmt.Errorf("journal: prune write: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("journal: prune flush: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("journal: prune sync: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("journal: prune close: %w", err)
	}

	if err := j.f.Close(); err != nil {
		return fmt.Errorf("journal: prune: close old: %w", err)
	}
	if err := os.Rename(tmp, j.path); err != nil {
		return fmt.Errorf("journal: prune rename: %w", err)
	}
	nf, err := os.OpenFile(j.path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("journal: prune reopen: %w", err)
	}
	j.f = nf
	return nil
}

// Close closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}

// ReadJournal returns journaled entries with id > afterID, in file order.
// A missing journal file is an empty replay source, not an error.
func ReadJournal(path string, afterID uint64) ([]chain.Entry, error) {
	entries, err := readJournalFile(path, afterID)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return entries, err
}

func readJournalFile(path string, afterID uint64) ([]chain.Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var entries []chain.Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e chain.Entry
		if err := json.Unmarshal(line, &e); err != nil {
			// A torn final line from a crash mid-write ends the usable
			// journal; everything before it is still replayable.
			break
		}
		if e.ID > afterID {
			entries = append(entries, e)
		}
	}
	if err := scanner.Err(); err != nil && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("journal: read %s: %w", path, err)
	}
	return entries, nil
}
