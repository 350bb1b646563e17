// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package patchlog

import (
	"bytes"
	"io"
	"sync"

	"rdfdelta.io/errors"
	"rdfdelta.io/filestore"
)

// Store holds the encoded bytes of the patches of one log, one item per
// index. Indexes start at 1 and are dense. Write must be durable before
// it returns: the log makes a patch visible only after Write succeeds.
type Store interface {
	// Write stores data at the next index and returns that index.
	Write(data []byte) (int64, error)

	// Open returns a reader for the item at index.
	// A missing item is an errors.NotExist error.
	Open(index int64) (io.ReadCloser, error)

	// Read returns the item at index.
	Read(index int64) ([]byte, error)

	// Indexes returns the stored indexes in increasing order.
	Indexes() []int64

	// IsEmpty reports whether the store holds no items.
	IsEmpty() bool

	// Close releases the store.
	Close() error
}

// A Remover is a Store that can delete all of its data.
type Remover interface {
	Remove() error
}

var _ Store = (*filestore.FileStore)(nil)
var _ Remover = (*filestore.FileStore)(nil)

// MemStore is a Store held in memory. Its contents are lost on exit.
type MemStore struct {
	mu     sync.Mutex
	items  [][]byte // items[i] has index first+i.
	first  int64
	closed bool
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{first: 1}
}

// Write implements Store.
func (m *MemStore) Write(data []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, errors.E(errors.Op("patchlog.MemStore.Write"), errors.Invalid, "store is closed")
	}
	m.items = append(m.items, append([]byte(nil), data...))
	return m.first + int64(len(m.items)) - 1, nil
}

// Read implements Store.
func (m *MemStore) Read(index int64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := index - m.first
	if i < 0 || i >= int64(len(m.items)) {
		return nil, errors.E(errors.Op("patchlog.MemStore.Read"), errors.NotExist, errors.Errorf("no item %d", index))
	}
	return m.items[i], nil
}

// Open implements Store.
func (m *MemStore) Open(index int64) (io.ReadCloser, error) {
	b, err := m.Read(index)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

// Indexes implements Store.
func (m *MemStore) Indexes() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := make([]int64, len(m.items))
	for i := range m.items {
		idx[i] = m.first + int64(i)
	}
	return idx
}

// IsEmpty implements Store.
func (m *MemStore) IsEmpty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items) == 0
}

// Close implements Store. A closed MemStore keeps its data and can be
// reopened with Reopen, which simulates a process restart in tests.
func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Reopen makes a closed store writable again.
func (m *MemStore) Reopen() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = false
}

// Remove implements Remover.
func (m *MemStore) Remove() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = nil
	m.closed = true
	return nil
}
