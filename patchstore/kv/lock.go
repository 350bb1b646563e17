// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kv

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"rdfdelta.io/delta"
	"rdfdelta.io/errors"
	"rdfdelta.io/loglock"
)

// maxConflicts bounds the retries of a lock update that races with
// another writer of the same key.
const maxConflicts = 100

// LockBackend is a loglock.Backend kept in the database, so every server
// using the database sees the same locks.
type LockBackend struct {
	db *badger.DB
}

var _ loglock.Backend = (*LockBackend)(nil)

// NewLockBackend returns a lock backend using db.
func NewLockBackend(db *badger.DB) *LockBackend {
	return &LockBackend{db: db}
}

func lockKey(id delta.Id) []byte {
	return []byte(prefixLock + id.PlainString())
}

func getLock(txn *badger.Txn, key []byte) (delta.LockState, error) {
	item, err := txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return delta.Unlocked, nil
	}
	if err != nil {
		return delta.Unlocked, errors.E(errors.IO, err)
	}
	v, err := item.ValueCopy(nil)
	if err != nil {
		return delta.Unlocked, errors.E(errors.IO, err)
	}
	payload, err := unseal(key, v)
	if err != nil {
		return delta.Unlocked, err
	}
	return parseLock(string(payload))
}

func formatLock(s delta.LockState) []byte {
	return []byte(fmt.Sprintf("%s %d", s.Session.PlainString(), s.Ticks))
}

func parseLock(s string) (delta.LockState, error) {
	f := strings.Fields(s)
	if len(f) != 2 {
		return delta.Unlocked, errors.E(errors.Internal, errors.Errorf("bad lock state %q", s))
	}
	session, err := delta.ParseId(f[0])
	if err != nil {
		return delta.Unlocked, errors.E(errors.Internal, err)
	}
	ticks, err := strconv.ParseInt(f[1], 10, 64)
	if err != nil {
		return delta.Unlocked, errors.E(errors.Internal, err)
	}
	return delta.LockState{Session: session, Ticks: ticks}, nil
}

// Load implements loglock.Backend.
func (b *LockBackend) Load(id delta.Id) (delta.LockState, error) {
	var s delta.LockState
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		s, err = getLock(txn, lockKey(id))
		return err
	})
	if err != nil {
		return delta.Unlocked, errors.E(errors.Op("patchstore/kv.LoadLock"), id, err)
	}
	return s, nil
}

// Update implements loglock.Backend. The read and the write are one
// transaction; a transaction that conflicts with another is retried.
func (b *LockBackend) Update(id delta.Id, fn func(delta.LockState) (delta.LockState, bool)) (bool, error) {
	const op errors.Op = "patchstore/kv.UpdateLock"
	key := lockKey(id)
	for i := 0; ; i++ {
		var changed bool
		err := b.db.Update(func(txn *badger.Txn) error {
			cur, err := getLock(txn, key)
			if err != nil {
				return err
			}
			next, ok := fn(cur)
			if !ok {
				changed = false
				return nil
			}
			changed = true
			if !next.IsLocked() {
				return txn.Delete(key)
			}
			return txn.Set(key, seal(formatLock(next)))
		})
		if err == badger.ErrConflict && i < maxConflicts {
			continue
		}
		if err != nil {
			return false, errors.E(op, id, err)
		}
		return changed, nil
	}
}

// Delete implements loglock.Backend.
func (b *LockBackend) Delete(id delta.Id) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(lockKey(id))
	})
	if err != nil {
		return errors.E(errors.Op("patchstore/kv.DeleteLock"), id, errors.IO, err)
	}
	return nil
}
