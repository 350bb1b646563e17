// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package loglock

import (
	"sync"

	"rdfdelta.io/delta"
)

// A Backend holds the lock states of patch logs.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Load returns the lock state of the log with the given id.
	// A log with no recorded state is delta.Unlocked.
	Load(id delta.Id) (delta.LockState, error)

	// Update applies fn to the current state of the log atomically
	// with respect to all other Updates of the same log. If fn returns
	// false the state is left unchanged. Update reports whether the
	// new state was stored.
	Update(id delta.Id, fn func(delta.LockState) (delta.LockState, bool)) (bool, error)

	// Delete forgets the lock state of the log.
	Delete(id delta.Id) error
}

const numStripes = 64

// MemBackend is a Backend held in memory. Logs are spread over
// independently locked stripes so locks of different logs rarely contend.
type MemBackend struct {
	stripes [numStripes]stripe
}

type stripe struct {
	mu     sync.Mutex
	states map[delta.Id]delta.LockState
}

var _ Backend = (*MemBackend)(nil)

// NewMemBackend returns an empty MemBackend.
func NewMemBackend() *MemBackend {
	b := &MemBackend{}
	for i := range b.stripes {
		b.stripes[i].states = make(map[delta.Id]delta.LockState)
	}
	return b
}

// lock locks and returns the stripe for id.
func (b *MemBackend) lock(id delta.Id) *stripe {
	s := &b.stripes[hashCode(id)%numStripes]
	s.mu.Lock()
	return s
}

func hashCode(id delta.Id) uint64 {
	h := uint64(123479)
	for _, c := range id.UUID() {
		h = 31*h + uint64(c)
	}
	return h
}

// Load implements Backend.
func (b *MemBackend) Load(id delta.Id) (delta.LockState, error) {
	s := b.lock(id)
	defer s.mu.Unlock()
	return s.states[id], nil
}

// Update implements Backend.
func (b *MemBackend) Update(id delta.Id, fn func(delta.LockState) (delta.LockState, bool)) (bool, error) {
	s := b.lock(id)
	defer s.mu.Unlock()
	next, ok := fn(s.states[id])
	if !ok {
		return false, nil
	}
	if next.IsLocked() {
		s.states[id] = next
	} else {
		delete(s.states, id)
	}
	return true, nil
}

// Delete implements Backend.
func (b *MemBackend) Delete(id delta.Id) error {
	s := b.lock(id)
	defer s.mu.Unlock()
	delete(s.states, id)
	return nil
}
