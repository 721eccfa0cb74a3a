// Copyright 2024 The Erigon Authors
// (modifications)
// This file is part of Erigon.
//
// Erigon is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Erigon is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Erigon. If not, see <http://www.gnu.org/licenses/>.

// Package kv defines the storage contract every backend adapter
// (in-memory, filesystem, remote wide-column + object store) implements
// identically: a versioned, fenced, CAS-governed metadata key-value store
// and an opaque content-addressed blob store.
package kv

import "context"

// FenceToken is the epoch stamped on every metadata write. A store rejects
// any write whose fence is below its current min_epoch.
type FenceToken uint64

// Record is a metadata value plus its monotonic version, incremented on
// every applied put.
type Record struct {
	Value   []byte
	Version uint64
}

// PutCond selects the condition under which a metadata put is applied.
type PutCond struct {
	kind      putCondKind
	ifVersion uint64
}

type putCondKind int

const (
	putAny putCondKind = iota
	putIfAbsent
	putIfVersion
)

// PutAny applies unconditionally.
func PutAny() PutCond { return PutCond{kind: putAny} }

// PutIfAbsent applies only if the key currently has no record.
func PutIfAbsent() PutCond { return PutCond{kind: putIfAbsent} }

// PutIfVersion applies only if the key's current version equals v.
func PutIfVersion(v uint64) PutCond { return PutCond{kind: putIfVersion, ifVersion: v} }

// IfVersionValue reports the version a PutIfVersion/DelIfVersion condition
// targets, if any. Remote adapters that speak a version number directly to
// their backend (rather than evaluating Allowed locally) use this instead
// of re-deriving intent from Allowed's behavior.
func (c PutCond) IfVersionValue() (v uint64, isIfVersion bool) {
	return c.ifVersion, c.kind == putIfVersion
}

// IsIfAbsent reports whether this is a PutIfAbsent condition.
func (c PutCond) IsIfAbsent() bool { return c.kind == putIfAbsent }

// Allowed reports whether this condition permits a put given the record
// currently stored at the key (nil if absent).
func (c PutCond) Allowed(current *Record) bool {
	switch c.kind {
	case putAny:
		return true
	case putIfAbsent:
		return current == nil
	case putIfVersion:
		return current != nil && current.Version == c.ifVersion
	default:
		return false
	}
}

// DelCond selects the condition under which a metadata delete is applied.
type DelCond struct {
	kind      delCondKind
	ifVersion uint64
}

type delCondKind int

const (
	delAny delCondKind = iota
	delIfVersion
)

// DelAny deletes unconditionally (a no-op if the key is absent).
func DelAny() DelCond { return DelCond{kind: delAny} }

// DelIfVersion deletes only if the key's current version equals v.
func DelIfVersion(v uint64) DelCond { return DelCond{kind: delIfVersion, ifVersion: v} }

// IfVersionValue reports the version a DelIfVersion condition targets, if
// any.
func (c DelCond) IfVersionValue() (v uint64, isIfVersion bool) {
	return c.ifVersion, c.kind == delIfVersion
}

// Allowed reports whether this condition permits a delete given the record
// currently stored at the key (nil if absent).
func (c DelCond) Allowed(current *Record) bool {
	switch c.kind {
	case delAny:
		return current != nil
	case delIfVersion:
		return current != nil && current.Version == c.ifVersion
	default:
		return false
	}
}

// PutResult reports whether a put was applied and, if so, the resulting
// version.
type PutResult struct {
	Applied bool
	Version uint64
}

// Page is one page of a prefix listing.
type Page struct {
	Keys       [][]byte
	NextCursor []byte
}

// MetaStore is the versioned, fenced, CAS-governed metadata key-value
// contract. All methods must be linearizable per key.
type MetaStore interface {
	Get(ctx context.Context, key []byte) (*Record, error)
	Put(ctx context.Context, key []byte, value []byte, cond PutCond, fence FenceToken) (PutResult, error)
	Delete(ctx context.Context, key []byte, cond DelCond, fence FenceToken) error
	ListPrefix(ctx context.Context, prefix []byte, cursor []byte, limit int) (Page, error)
}

// BlobStore is the opaque, content-addressed-by-key blob contract. No CAS;
// writers must write a blob before installing any manifest reference to it
// (write-then-publish order).
type BlobStore interface {
	PutBlob(ctx context.Context, key []byte, value []byte) error
	GetBlob(ctx context.Context, key []byte) ([]byte, error)
	DeleteBlob(ctx context.Context, key []byte) error
	ListPrefix(ctx context.Context, prefix []byte, cursor []byte, limit int) (Page, error)
}
