// Package backup writes snapshots of the sealed ledger to an object
// store and restores from them. A snapshot is published write-first:
// every segment is uploaded, read back and verified, and only then is
// the manifest written. A snapshot without a manifest does not exist.
package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

// ObjectStore is the destination for snapshot segments and manifests.
// Keys are slash-separated paths relative to the store root.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	// List returns the keys under prefix, in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
}

// ErrObjectNotFound is returned by Get for a missing key.
var ErrObjectNotFound = fmt.Errorf("object not found")

// FSStore is an ObjectStore on a filesystem, used for local backup
// directories and in tests via an in-memory afero.Fs.
type FSStore struct {
	fs   afero.Fs
	root string
}

// NewFSStore returns an ObjectStore rooted at dir on fs. Pass
// afero.NewOsFs() for a real directory.
func NewFSStore(fs afero.Fs, dir string) *FSStore {
	return &FSStore{fs: fs, root: dir}
}

func (s *FSStore) Put(_ context.Context, key string, data []byte) error {
	full := path.Join(s.root, key)
	if err := s.fs.MkdirAll(path.Dir(full), 0o700); err != nil {
		return fmt.Errorf("backup: mkdir for %s: %w", key, err)
	}
	// Write to a temp name and rename so readers never see a partial
	// object.
	tmp := full + ".tmp"
	f, err := s.fs.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("backup: create %s: %w", key, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("backup: write %s: %w", key, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("backup: sync %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("backup: close %s: %w", key, err)
	}
	if err := s.fs.Rename(tmp, full); err != nil {
		return fmt.Errorf("backup: publish %s: %w", key, err)
	}
	return nil
}

func (s *FSStore) Get(_ context.Context, key string) ([]byte, error) {
	f, err := s.fs.Open(path.Join(s.root, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", key, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("backup: open %s: %w", key, err)
	}
	defer func() { _ = f.Close() }()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("backup: read %s: %w", key, err)
	}
	return data, nil
}

func (s *FSStore) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	root := s.root
	err := afero.Walk(s.fs, root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() || strings.HasSuffix(p, ".tmp") {
			return nil
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(p, root), "/")
		if strings.HasPrefix(rel, prefix) {
			keys = append(keys, rel)
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("backup: list %s: %w", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *FSStore) Delete(_ context.Context, key string) error {
	err := s.fs.Remove(path.Join(s.root, key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("backup: delete %s: %w", key, err)
	}
	return nil
}
