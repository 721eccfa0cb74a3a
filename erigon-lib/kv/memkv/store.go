// Package memkv implements the metadata and blob store contracts over an
// in-memory ordered tree. It is one of the three reference adapters named
// by the storage contract; deterministic and dependency-free, it backs
// this module's own test suite.
package memkv

import (
	"bytes"
	"context"
	"sync"

	"github.com/google/btree"

	"github.com/erigontech/finalized-log-index/core/types"
	"github.com/erigontech/finalized-log-index/erigon-lib/kv"
)

type entry struct {
	key     []byte
	value   []byte
	version uint64
}

func less(a, b entry) bool { return bytes.Compare(a.key, b.key) < 0 }

// Store implements both kv.MetaStore and kv.BlobStore over a
// github.com/google/btree ordered index, matching the fencing and CAS
// semantics of original_source's InMemoryMetaStore.
type Store struct {
	mu       sync.RWMutex
	tree     *btree.BTreeG[entry]
	minEpoch uint64
}

// New constructs an empty store with the given initial minimum fence
// epoch.
func New(minEpoch uint64) *Store {
	return &Store{
		tree:     btree.NewG(32, less),
		minEpoch: minEpoch,
	}
}

// SetMinEpoch raises (or lowers, for tests) the store's minimum accepted
// fence epoch. A real lease handover only ever raises it.
func (s *Store) SetMinEpoch(e uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.minEpoch = e
}

func (s *Store) validateFence(fence kv.FenceToken) error {
	if uint64(fence) < s.minEpoch {
		return types.ErrLeaseLost
	}
	return nil
}

// Get implements kv.MetaStore.
func (s *Store) Get(_ context.Context, key []byte) (*kv.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.tree.Get(entry{key: key})
	if !ok {
		return nil, nil
	}
	return &kv.Record{Value: append([]byte(nil), e.value...), Version: e.version}, nil
}

// Put implements kv.MetaStore.
func (s *Store) Put(_ context.Context, key []byte, value []byte, cond kv.PutCond, fence kv.FenceToken) (kv.PutResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.validateFence(fence); err != nil {
		return kv.PutResult{}, err
	}

	current, has := s.tree.Get(entry{key: key})
	var currentRecord *kv.Record
	if has {
		currentRecord = &kv.Record{Value: current.value, Version: current.version}
	}
	if !cond.Allowed(currentRecord) {
		result := kv.PutResult{Applied: false}
		if has {
			result.Version = current.version
		}
		return result, nil
	}

	nextVersion := uint64(1)
	if has {
		nextVersion = current.version + 1
	}
	s.tree.ReplaceOrInsert(entry{key: append([]byte(nil), key...), value: append([]byte(nil), value...), version: nextVersion})
	return kv.PutResult{Applied: true, Version: nextVersion}, nil
}

// Delete implements kv.MetaStore.
func (s *Store) Delete(_ context.Context, key []byte, cond kv.DelCond, fence kv.FenceToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.validateFence(fence); err != nil {
		return err
	}

	current, has := s.tree.Get(entry{key: key})
	var currentRecord *kv.Record
	if has {
		currentRecord = &kv.Record{Value: current.value, Version: current.version}
	}
	if cond.Allowed(currentRecord) {
		s.tree.Delete(entry{key: key})
	}
	return nil
}

// ListPrefix implements kv.MetaStore and kv.BlobStore. cursor, when set, is
// the last key returned by the previous page; resumption starts strictly
// after it (the btree package's generic API has no AscendGreaterThan, so
// the boundary key itself is skipped in the callback) so a full page never
// re-returns its own last key and stalls pagination.
func (s *Store) ListPrefix(_ context.Context, prefix []byte, cursor []byte, limit int) (kv.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := cursor
	if start == nil {
		start = prefix
	}

	var page kv.Page
	skipBoundary := cursor != nil
	s.tree.AscendGreaterOrEqual(entry{key: start}, func(e entry) bool {
		if skipBoundary {
			skipBoundary = false
			if bytes.Equal(e.key, cursor) {
				return true
			}
		}
		if !bytes.HasPrefix(e.key, prefix) {
			if bytes.Compare(e.key, prefix) > 0 {
				return false
			}
			return true
		}
		page.Keys = append(page.Keys, append([]byte(nil), e.key...))
		if limit > 0 && len(page.Keys) == limit {
			page.NextCursor = append([]byte(nil), e.key...)
			return false
		}
		return true
	})
	return page, nil
}

// PutBlob implements kv.BlobStore. Blobs carry no CAS or fencing.
func (s *Store) PutBlob(_ context.Context, key []byte, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree.ReplaceOrInsert(entry{key: append([]byte(nil), key...), value: append([]byte(nil), value...), version: 1})
	return nil
}

// GetBlob implements kv.BlobStore.
func (s *Store) GetBlob(_ context.Context, key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.tree.Get(entry{key: key})
	if !ok {
		return nil, types.ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

// DeleteBlob implements kv.BlobStore.
func (s *Store) DeleteBlob(_ context.Context, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree.Delete(entry{key: key})
	return nil
}
