// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kv

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"rdfdelta.io/delta"
	"rdfdelta.io/errors"
	"rdfdelta.io/patchlog"
)

// patches is the patchlog.Store of one data source.
type patches struct {
	db     *badger.DB
	prefix string // "patch:<uuid>:"

	mu     sync.Mutex // protects the fields below.
	next   int64
	closed bool
}

var _ patchlog.Store = (*patches)(nil)

func openPatches(db *badger.DB, id delta.Id) (*patches, error) {
	p := &patches{
		db:     db,
		prefix: prefixPatch + id.PlainString() + ":",
	}
	idx, err := p.indexes()
	if err != nil {
		return nil, err
	}
	p.next = 1
	if len(idx) > 0 {
		p.next = idx[len(idx)-1] + 1
	}
	return p, nil
}

func (p *patches) key(index int64) []byte {
	return []byte(fmt.Sprintf("%s%016d", p.prefix, index))
}

// Write implements patchlog.Store.
func (p *patches) Write(data []byte) (int64, error) {
	const op errors.Op = "patchstore/kv.Write"
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errors.E(op, errors.Invalid, "store is closed")
	}
	index := p.next
	err := p.db.Update(func(txn *badger.Txn) error {
		return txn.Set(p.key(index), seal(data))
	})
	if err != nil {
		return 0, errors.E(op, errors.IO, err)
	}
	p.next++
	return index, nil
}

// Read implements patchlog.Store.
func (p *patches) Read(index int64) ([]byte, error) {
	const op errors.Op = "patchstore/kv.Read"
	key := p.key(index)
	var v []byte
	err := p.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		v, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, errors.E(op, errors.NotExist, errors.Errorf("no patch at index %d", index))
	}
	if err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	payload, err := unseal(key, v)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return payload, nil
}

// Open implements patchlog.Store.
func (p *patches) Open(index int64) (io.ReadCloser, error) {
	b, err := p.Read(index)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

// Indexes implements patchlog.Store.
func (p *patches) Indexes() []int64 {
	idx, err := p.indexes()
	if err != nil {
		// Recovery reports the emptiness mismatch that follows.
		return nil
	}
	return idx
}

func (p *patches) indexes() ([]int64, error) {
	var idx []int64
	err := p.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(p.prefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().Key()
			n, err := strconv.ParseInt(string(key[len(prefix):]), 10, 64)
			if err != nil {
				return errors.E(errors.Internal, errors.Errorf("bad patch key %q", key))
			}
			idx = append(idx, n)
		}
		return nil
	})
	if err != nil {
		return nil, errors.E(errors.Op("patchstore/kv.Indexes"), err)
	}
	return idx, nil
}

// IsEmpty implements patchlog.Store.
func (p *patches) IsEmpty() bool {
	empty := true
	p.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(p.prefix)
		it.Seek(prefix)
		empty = !it.ValidForPrefix(prefix)
		return nil
	})
	return empty
}

// Close implements patchlog.Store. The database stays open.
func (p *patches) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
