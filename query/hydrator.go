// Package query implements the clause-cardinality planner (spec.md §4.G)
// and the indexed/block-scan executor (§4.H).
package query

import (
	"context"

	"github.com/pkg/errors"

	"github.com/erigontech/finalized-log-index/config"
	"github.com/erigontech/finalized-log-index/core/codec"
	"github.com/erigontech/finalized-log-index/core/types"
	"github.com/erigontech/finalized-log-index/erigon-lib/kv"
)

// Hydrator resolves a global log id to its decoded Log record, caching
// blob reads for the lifetime of one execution so co-located logs (e.g.
// many locator entries pointing into the same block's packed blob) share a
// single fetch.
//
// The set-scope-then-read shape (construct once per execution, reuse
// across many lookups, carry a small reusable cache) is adapted from
// erigon's HistoryReaderV3: a single scoped reader object that many
// sequential lookups share, rather than a fresh reader per lookup.
type Hydrator struct {
	meta kv.MetaStore
	blob kv.BlobStore
	mode config.HydrationMode

	blobCache map[string][]byte
}

// NewHydrator constructs a Hydrator scoped to one query execution.
func NewHydrator(meta kv.MetaStore, blob kv.BlobStore, mode config.HydrationMode) *Hydrator {
	return &Hydrator{
		meta:      meta,
		blob:      blob,
		mode:      mode,
		blobCache: make(map[string][]byte),
	}
}

// Load resolves globalID to a decoded Log, using the hydrator's configured
// path (direct-key or locator-indirected).
func (h *Hydrator) Load(ctx context.Context, globalID uint64) (types.Log, error) {
	if h.mode == config.HydrationLocator {
		return h.loadViaLocator(ctx, globalID)
	}
	return h.loadDirect(ctx, globalID)
}

func (h *Hydrator) loadDirect(ctx context.Context, globalID uint64) (types.Log, error) {
	rec, err := h.meta.Get(ctx, kv.LogKey(globalID))
	if err != nil {
		return types.Log{}, errors.Wrap(err, "hydrate: load log")
	}
	if rec == nil {
		return types.Log{}, types.ErrNotFound
	}
	return codec.DecodeLog(rec.Value)
}

func (h *Hydrator) loadViaLocator(ctx context.Context, globalID uint64) (types.Log, error) {
	rec, err := h.meta.Get(ctx, kv.LogLocatorKey(globalID))
	if err != nil {
		return types.Log{}, errors.Wrap(err, "hydrate: load locator")
	}
	if rec == nil {
		return types.Log{}, types.ErrNotFound
	}
	loc, err := codec.DecodeLogLocator(rec.Value)
	if err != nil {
		return types.Log{}, err
	}

	cacheKey := string(loc.BlobKey)
	payload, ok := h.blobCache[cacheKey]
	if !ok {
		b, err := h.blob.GetBlob(ctx, loc.BlobKey)
		if err != nil {
			return types.Log{}, errors.Wrap(err, "hydrate: load blob")
		}
		h.blobCache[cacheKey] = b
		payload = b
	}
	if int(loc.ByteOffset+loc.ByteLen) > len(payload) {
		return types.Log{}, &types.DecodeError{Msg: "hydrate: locator span out of bounds"}
	}
	return codec.DecodeLog(payload[loc.ByteOffset : loc.ByteOffset+loc.ByteLen])
}
