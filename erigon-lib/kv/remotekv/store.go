// Package remotekv implements the metadata and blob store contracts
// against a remote wide-column table (for CAS-governed metadata) and a
// remote object store (for blobs), the third reference adapter named by
// the storage contract. The concrete backends are external collaborators
// per this module's scope; this package defines the narrow client
// interfaces a real backend plugs into and handles the cross-cutting
// concern every remote adapter needs: bounded retry on transient failures
// before they count against the service's backend-error budget.
package remotekv

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/erigontech/finalized-log-index/core/types"
	"github.com/erigontech/finalized-log-index/erigon-lib/kv"
)

// WideColumnClient is the narrow contract a remote metadata backend must
// satisfy. AppliedVersion mirrors reading the "[applied]" column of a
// lightweight-transaction response, per spec.md §9's note that the
// wide-column adapter distinguishes a CAS conflict from a backend error by
// that column.
type WideColumnClient interface {
	Read(ctx context.Context, key []byte) (value []byte, version uint64, found bool, err error)
	ConditionalWrite(ctx context.Context, key []byte, value []byte, expectedVersion uint64, expectAbsent bool, unconditional bool) (applied bool, newVersion uint64, err error)
	ConditionalDelete(ctx context.Context, key []byte, expectedVersion uint64, unconditional bool) error
	ScanPrefix(ctx context.Context, prefix []byte, cursor []byte, limit int) (keys [][]byte, nextCursor []byte, err error)
}

// ObjectClient is the narrow contract a remote blob backend must satisfy.
type ObjectClient interface {
	Put(ctx context.Context, key []byte, value []byte) error
	Get(ctx context.Context, key []byte) ([]byte, bool, error)
	Delete(ctx context.Context, key []byte) error
	ListPrefix(ctx context.Context, prefix []byte, cursor []byte, limit int) (keys [][]byte, nextCursor []byte, err error)
}

// RetryPolicy builds the bounded exponential backoff used around every
// remote call. Matching spec.md §4.C's "retry with exponential backoff on
// transient failures," capped so a genuinely down backend still surfaces a
// Backend error within a bounded time instead of retrying forever.
func RetryPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 10 * time.Second
	return b
}

// MetaStore adapts a WideColumnClient to kv.MetaStore, retrying transient
// failures with RetryPolicy and mapping a negative CAS outcome to a
// non-applied PutResult rather than an error.
type MetaStore struct {
	client   WideColumnClient
	minEpoch uint64
}

// NewMetaStore wraps client as a kv.MetaStore with the given initial
// fencing floor. The fencing floor itself is enforced here, not by the
// remote backend, since the backend has no notion of this module's epoch.
func NewMetaStore(client WideColumnClient, minEpoch uint64) *MetaStore {
	return &MetaStore{client: client, minEpoch: minEpoch}
}

// SetMinEpoch raises the adapter's fencing floor.
func (s *MetaStore) SetMinEpoch(e uint64) { s.minEpoch = e }

func (s *MetaStore) validateFence(fence kv.FenceToken) error {
	if uint64(fence) < s.minEpoch {
		return types.ErrLeaseLost
	}
	return nil
}

func withRetry[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var result T
	op := func() error {
		v, err := fn()
		if err != nil {
			result = v
			if errors.Is(err, types.ErrNotFound) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = v
		return nil
	}
	err := backoff.Retry(op, backoff.WithContext(RetryPolicy(), ctx))
	if err != nil {
		var zero T
		if errors.Is(err, types.ErrNotFound) {
			return zero, err
		}
		return zero, &types.BackendError{Msg: err.Error()}
	}
	return result, nil
}

// Get implements kv.MetaStore.
func (s *MetaStore) Get(ctx context.Context, key []byte) (*kv.Record, error) {
	return withRetry(ctx, func() (*kv.Record, error) {
		value, version, found, err := s.client.Read(ctx, key)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, nil
		}
		return &kv.Record{Value: value, Version: version}, nil
	})
}

// Put implements kv.MetaStore.
func (s *MetaStore) Put(ctx context.Context, key []byte, value []byte, cond kv.PutCond, fence kv.FenceToken) (kv.PutResult, error) {
	if err := s.validateFence(fence); err != nil {
		return kv.PutResult{}, err
	}
	expectedVersion, expectAbsent, unconditional := condArgs(cond)
	return withRetry(ctx, func() (kv.PutResult, error) {
		applied, newVersion, err := s.client.ConditionalWrite(ctx, key, value, expectedVersion, expectAbsent, unconditional)
		if err != nil {
			return kv.PutResult{}, err
		}
		return kv.PutResult{Applied: applied, Version: newVersion}, nil
	})
}

func condArgs(cond kv.PutCond) (expectedVersion uint64, expectAbsent bool, unconditional bool) {
	if v, ok := cond.IfVersionValue(); ok {
		return v, false, false
	}
	if cond.IsIfAbsent() {
		return 0, true, false
	}
	return 0, false, true
}

// Delete implements kv.MetaStore.
func (s *MetaStore) Delete(ctx context.Context, key []byte, cond kv.DelCond, fence kv.FenceToken) error {
	if err := s.validateFence(fence); err != nil {
		return err
	}
	expectedVersion, isIfVersion := cond.IfVersionValue()
	_, err := withRetry(ctx, func() (struct{}, error) {
		return struct{}{}, s.client.ConditionalDelete(ctx, key, expectedVersion, !isIfVersion)
	})
	return err
}

// ListPrefix implements kv.MetaStore.
func (s *MetaStore) ListPrefix(ctx context.Context, prefix []byte, cursor []byte, limit int) (kv.Page, error) {
	return withRetry(ctx, func() (kv.Page, error) {
		keys, next, err := s.client.ScanPrefix(ctx, prefix, cursor, limit)
		if err != nil {
			return kv.Page{}, err
		}
		return kv.Page{Keys: keys, NextCursor: next}, nil
	})
}

// BlobStore adapts an ObjectClient to kv.BlobStore, retrying transient
// failures with RetryPolicy.
type BlobStore struct {
	client ObjectClient
}

// NewBlobStore wraps client as a kv.BlobStore.
func NewBlobStore(client ObjectClient) *BlobStore { return &BlobStore{client: client} }

// PutBlob implements kv.BlobStore.
func (s *BlobStore) PutBlob(ctx context.Context, key []byte, value []byte) error {
	_, err := withRetry(ctx, func() (struct{}, error) {
		return struct{}{}, s.client.Put(ctx, key, value)
	})
	return err
}

// GetBlob implements kv.BlobStore.
func (s *BlobStore) GetBlob(ctx context.Context, key []byte) ([]byte, error) {
	return withRetry(ctx, func() ([]byte, error) {
		value, found, err := s.client.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, types.ErrNotFound
		}
		return value, nil
	})
}

// DeleteBlob implements kv.BlobStore.
func (s *BlobStore) DeleteBlob(ctx context.Context, key []byte) error {
	_, err := withRetry(ctx, func() (struct{}, error) {
		return struct{}{}, s.client.Delete(ctx, key)
	})
	return err
}

// ListPrefix implements kv.BlobStore.
func (s *BlobStore) ListPrefix(ctx context.Context, prefix []byte, cursor []byte, limit int) (kv.Page, error) {
	return withRetry(ctx, func() (kv.Page, error) {
		keys, next, err := s.client.ListPrefix(ctx, prefix, cursor, limit)
		if err != nil {
			return kv.Page{}, err
		}
		return kv.Page{Keys: keys, NextCursor: next}, nil
	})
}
