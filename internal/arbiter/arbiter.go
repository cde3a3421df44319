// SPDX-License-Identifier: MIT

// Package arbiter enforces mutual exclusion across concurrently running
// tasks that share a resource key. Keys are opaque strings; a "~shared"
// suffix marks a key as reader-shared instead of exclusive.
package arbiter

import (
	"strings"
	"sync"
)

// SharedSuffix marks a resource key as shared: any number of shared holders
// may run concurrently, but a shared holder conflicts with an exclusive one.
const SharedSuffix = "~shared"

// Mode is the contention mode of one resource key.
type Mode int

const (
	Exclusive Mode = iota
	Shared
)

// ParseKey splits a raw resource key into its comparison form and mode.
func ParseKey(raw string) (key string, mode Mode) {
	if strings.HasSuffix(raw, SharedSuffix) {
		return strings.TrimSuffix(raw, SharedSuffix), Shared
	}
	return raw, Exclusive
}

type holder struct {
	exclusive int
	shared    int
}

// Arbiter is the per-process counting set of leased resource keys. It is the
// claim-time layer of the exclusivity invariant; the store's conditional
// update remains the authoritative layer across processes.
type Arbiter struct {
	mu   sync.Mutex
	held map[string]*holder
}

// New returns an empty arbiter.
func New() *Arbiter {
	return &Arbiter{held: make(map[string]*holder)}
}

// TryAcquire atomically takes all keys or none. It returns false when any
// key conflicts with a current holder.
func (a *Arbiter) TryAcquire(rawKeys []string) bool {
	if len(rawKeys) == 0 {
		return true
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, raw := range rawKeys {
		key, mode := ParseKey(raw)
		h := a.held[key]
		if h == nil {
			continue
		}
		if h.exclusive > 0 {
			return false
		}
		if mode == Exclusive && h.shared > 0 {
			return false
		}
	}

	for _, raw := range rawKeys {
		key, mode := ParseKey(raw)
		h := a.held[key]
		if h == nil {
			h = &holder{}
			a.held[key] = h
		}
		if mode == Shared {
			h.shared++
		} else {
			h.exclusive++
		}
	}
	return true
}

// Release returns previously acquired keys. Releasing keys that were never
// acquired is a no-op.
func (a *Arbiter) Release(rawKeys []string) {
	if len(rawKeys) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, raw := range rawKeys {
		key, mode := ParseKey(raw)
		h := a.held[key]
		if h == nil {
			continue
		}
		if mode == Shared {
			if h.shared > 0 {
				h.shared--
			}
		} else if h.exclusive > 0 {
			h.exclusive--
		}
		if h.exclusive == 0 && h.shared == 0 {
			delete(a.held, key)
		}
	}
}

// Blocked reports whether any of the keys would conflict right now.
func (a *Arbiter) Blocked(rawKeys []string) bool {
	if len(rawKeys) == 0 {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, raw := range rawKeys {
		key, mode := ParseKey(raw)
		h := a.held[key]
		if h == nil {
			continue
		}
		if h.exclusive > 0 || (mode == Exclusive && h.shared > 0) {
			return true
		}
	}
	return false
}

// HeldKeys returns a snapshot of currently held comparison-form keys.
func (a *Arbiter) HeldKeys() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	keys := make([]string, 0, len(a.held))
	for k := range a.held {
		keys = append(keys, k)
	}
	return keys
}
