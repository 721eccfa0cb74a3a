// Package testleasing is a minimal in-process stand-in for the
// lease/leader-election mechanism spec.md §1 names as an external
// collaborator. It exists only so this module's own tests can drive
// fencing scenarios (spec.md §8 property 9) without depending on a real
// leader-election system.
//
// Grounded on original_source's lease/manager.rs (LeaseManager: an epoch
// counter plus an active flag, Lose/Renew semantics), ported from
// AtomicU64/AtomicBool to the Go equivalents.
package testleasing

import "sync/atomic"

// Lease is the epoch a Manager currently grants, if any.
type Lease struct {
	Epoch uint64
}

// Manager hands out a monotonically increasing fence epoch and can be
// told to "lose" the lease, simulating a handover to another writer.
type Manager struct {
	epoch  atomic.Uint64
	active atomic.Bool
}

// NewManager constructs a Manager starting at the given epoch (minimum 1).
func NewManager(initialEpoch uint64) *Manager {
	if initialEpoch == 0 {
		initialEpoch = 1
	}
	m := &Manager{}
	m.epoch.Store(initialEpoch)
	m.active.Store(true)
	return m
}

// Current returns the manager's current lease, or ok=false if the lease
// has been lost.
func (m *Manager) Current() (lease Lease, ok bool) {
	if !m.active.Load() {
		return Lease{}, false
	}
	return Lease{Epoch: m.epoch.Load()}, true
}

// Lose marks the lease inactive, as if a fresher writer raised the
// store's min_epoch out from under this one.
func (m *Manager) Lose() {
	m.active.Store(false)
}

// Renew reactivates the manager at a freshly incremented epoch.
func (m *Manager) Renew() Lease {
	m.active.Store(true)
	next := m.epoch.Add(1)
	return Lease{Epoch: next}
}
