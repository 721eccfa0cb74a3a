// Package fskv implements the metadata and blob store contracts over the
// local filesystem: one file per key, with the fencing epoch persisted in
// a sidecar file guarded by an advisory lock so it survives process
// restarts. Second of the three reference adapters named by the storage
// contract.
package fskv

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/gofrs/flock"

	"github.com/erigontech/finalized-log-index/core/types"
	"github.com/erigontech/finalized-log-index/erigon-lib/kv"
)

// Store implements both kv.MetaStore and kv.BlobStore by mapping each key
// to a file under dir, encoding keys to filesystem-safe names. Metadata
// records additionally carry a version file; blobs do not.
type Store struct {
	dir      string
	isMeta   bool
	mu       sync.Mutex
	lock     *flock.Flock
	minEpoch uint64
}

// NewMetaStore opens (creating if needed) a filesystem-backed metadata
// store rooted at dir. minEpoch is the initial fencing floor; it is
// persisted to dir/.min_epoch so restarts don't reset fencing protection.
func NewMetaStore(dir string, minEpoch uint64) (*Store, error) {
	s, err := newStore(dir, true)
	if err != nil {
		return nil, err
	}
	if err := s.loadOrInitMinEpoch(minEpoch); err != nil {
		return nil, err
	}
	return s, nil
}

// NewBlobStore opens (creating if needed) a filesystem-backed blob store
// rooted at dir.
func NewBlobStore(dir string) (*Store, error) {
	return newStore(dir, false)
}

func newStore(dir string, isMeta bool) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &types.BackendError{Msg: err.Error()}
	}
	s := &Store{dir: dir, isMeta: isMeta}
	if isMeta {
		s.lock = flock.New(filepath.Join(dir, ".lock"))
	}
	return s, nil
}

func (s *Store) minEpochPath() string { return filepath.Join(s.dir, ".min_epoch") }

func (s *Store) loadOrInitMinEpoch(initial uint64) error {
	locked, err := s.lock.TryLock()
	if err != nil {
		return &types.BackendError{Msg: err.Error()}
	}
	if locked {
		defer s.lock.Unlock()
	}
	b, err := os.ReadFile(s.minEpochPath())
	if os.IsNotExist(err) {
		s.minEpoch = initial
		return os.WriteFile(s.minEpochPath(), []byte(strconv.FormatUint(initial, 10)), 0o644)
	}
	if err != nil {
		return &types.BackendError{Msg: err.Error()}
	}
	v, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return &types.DecodeError{Msg: "fskv: corrupt min_epoch file"}
	}
	s.minEpoch = v
	return nil
}

// SetMinEpoch raises the store's fencing floor and persists it under the
// advisory lock, so a concurrent writer process observes the bump.
func (s *Store) SetMinEpoch(e uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	locked, err := s.lock.TryLock()
	if err != nil {
		return &types.BackendError{Msg: err.Error()}
	}
	if locked {
		defer s.lock.Unlock()
	}
	s.minEpoch = e
	return os.WriteFile(s.minEpochPath(), []byte(strconv.FormatUint(e, 10)), 0o644)
}

func (s *Store) validateFence(fence kv.FenceToken) error {
	if uint64(fence) < s.minEpoch {
		return types.ErrLeaseLost
	}
	return nil
}

// keyPath encodes an opaque key into a safe filesystem path: the whole key
// is hex-encoded into one file name directly under the store directory
// (a flat layout, no per-namespace subdirectories).
func (s *Store) keyPath(key []byte) string {
	name := encodeKey(key)
	return filepath.Join(s.dir, name)
}

func encodeKey(key []byte) string {
	// Hex-encode to avoid filesystem-unsafe bytes while staying a pure,
	// deterministic function of the key.
	const hextable = "0123456789abcdef"
	out := make([]byte, len(key)*2)
	for i, b := range key {
		out[i*2] = hextable[b>>4]
		out[i*2+1] = hextable[b&0x0f]
	}
	return string(out)
}

func decodeKey(name string) ([]byte, bool) {
	if len(name)%2 != 0 {
		return nil, false
	}
	out := make([]byte, len(name)/2)
	for i := 0; i < len(out); i++ {
		hi, ok1 := hexVal(name[i*2])
		lo, ok2 := hexVal(name[i*2+1])
		if !ok1 || !ok2 {
			return nil, false
		}
		out[i] = hi<<4 | lo
	}
	return out, true
}

func hexVal(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	default:
		return 0, false
	}
}

func (s *Store) versionPath(key []byte) string {
	return s.keyPath(key) + ".version"
}

// Get implements kv.MetaStore.
func (s *Store) Get(_ context.Context, key []byte) (*kv.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, err := os.ReadFile(s.keyPath(key))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, &types.BackendError{Msg: err.Error()}
	}
	version, err := s.readVersion(key)
	if err != nil {
		return nil, err
	}
	return &kv.Record{Value: value, Version: version}, nil
}

func (s *Store) readVersion(key []byte) (uint64, error) {
	b, err := os.ReadFile(s.versionPath(key))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, &types.BackendError{Msg: err.Error()}
	}
	if len(b) != 8 {
		return 0, &types.DecodeError{Msg: "fskv: corrupt version file"}
	}
	return binary.BigEndian.Uint64(b), nil
}

// Put implements kv.MetaStore.
func (s *Store) Put(_ context.Context, key []byte, value []byte, cond kv.PutCond, fence kv.FenceToken) (kv.PutResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.validateFence(fence); err != nil {
		return kv.PutResult{}, err
	}

	_, statErr := os.Stat(s.keyPath(key))
	exists := statErr == nil
	var currentRecord *kv.Record
	if exists {
		version, err := s.readVersion(key)
		if err != nil {
			return kv.PutResult{}, err
		}
		currentRecord = &kv.Record{Version: version}
	}
	if !cond.Allowed(currentRecord) {
		result := kv.PutResult{Applied: false}
		if currentRecord != nil {
			result.Version = currentRecord.Version
		}
		return result, nil
	}

	nextVersion := uint64(1)
	if currentRecord != nil {
		nextVersion = currentRecord.Version + 1
	}
	if err := os.MkdirAll(filepath.Dir(s.keyPath(key)), 0o755); err != nil {
		return kv.PutResult{}, &types.BackendError{Msg: err.Error()}
	}
	if err := os.WriteFile(s.keyPath(key), value, 0o644); err != nil {
		return kv.PutResult{}, &types.BackendError{Msg: err.Error()}
	}
	vbuf := make([]byte, 8)
	binary.BigEndian.PutUint64(vbuf, nextVersion)
	if err := os.WriteFile(s.versionPath(key), vbuf, 0o644); err != nil {
		return kv.PutResult{}, &types.BackendError{Msg: err.Error()}
	}
	return kv.PutResult{Applied: true, Version: nextVersion}, nil
}

// Delete implements kv.MetaStore.
func (s *Store) Delete(_ context.Context, key []byte, cond kv.DelCond, fence kv.FenceToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.validateFence(fence); err != nil {
		return err
	}
	_, statErr := os.Stat(s.keyPath(key))
	exists := statErr == nil
	var currentRecord *kv.Record
	if exists {
		version, err := s.readVersion(key)
		if err != nil {
			return err
		}
		currentRecord = &kv.Record{Version: version}
	}
	if !cond.Allowed(currentRecord) {
		return nil
	}
	_ = os.Remove(s.keyPath(key))
	_ = os.Remove(s.versionPath(key))
	return nil
}

// ListPrefix implements kv.MetaStore and kv.BlobStore by walking the
// store directory; acceptable for the reference/test adapter this is.
func (s *Store) ListPrefix(_ context.Context, prefix []byte, cursor []byte, limit int) (kv.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return kv.Page{}, &types.BackendError{Msg: err.Error()}
	}

	var keys [][]byte
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if len(name) > 8 && name[len(name)-8:] == ".version" {
			continue
		}
		if name == ".min_epoch" || name == ".lock" {
			continue
		}
		key, ok := decodeKey(name)
		if !ok {
			continue
		}
		if !bytes.HasPrefix(key, prefix) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i], keys[j]) < 0 })

	// Resume strictly after cursor (the last key returned by the previous
	// page), never at or before it, so a full page never stalls pagination.
	start := 0
	if cursor != nil {
		start = len(keys)
		for i, k := range keys {
			if bytes.Compare(k, cursor) > 0 {
				start = i
				break
			}
		}
	}
	var page kv.Page
	for _, k := range keys[start:] {
		page.Keys = append(page.Keys, k)
		if limit > 0 && len(page.Keys) == limit {
			page.NextCursor = k
			break
		}
	}
	return page, nil
}

// PutBlob implements kv.BlobStore. Blobs carry no CAS or fencing.
func (s *Store) PutBlob(_ context.Context, key []byte, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(s.keyPath(key)), 0o755); err != nil {
		return &types.BackendError{Msg: err.Error()}
	}
	if err := os.WriteFile(s.keyPath(key), value, 0o644); err != nil {
		return &types.BackendError{Msg: err.Error()}
	}
	return nil
}

// GetBlob implements kv.BlobStore.
func (s *Store) GetBlob(_ context.Context, key []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(s.keyPath(key))
	if os.IsNotExist(err) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, &types.BackendError{Msg: err.Error()}
	}
	return b, nil
}

// DeleteBlob implements kv.BlobStore.
func (s *Store) DeleteBlob(_ context.Context, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = os.Remove(s.keyPath(key))
	return nil
}
