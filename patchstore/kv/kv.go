// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package kv provides a self-describing patch store in a Badger key/value
// database. The database holds the description of each data source, its
// patches and its lock state, so several servers sharing it see the same
// data sources and contend for the same locks.
//
// Keys are
//
//	ds:<uuid>               the YAML description of a data source
//	retired:<uuid>          the description of a removed data source
//	patch:<uuid>:<index>    a patch, index zero padded to sort in order
//	lock:<uuid>             the lock state, "<session> <ticks>"
//
// Removing a data source retires its description and keeps its patches.
// Every value is prefixed by its BLAKE2b-256 sum, checked on read.
package kv // import "rdfdelta.io/patchstore/kv"

import (
	"github.com/dgraph-io/badger/v4"
	yaml "gopkg.in/yaml.v2"

	"rdfdelta.io/delta"
	"rdfdelta.io/errors"
	"rdfdelta.io/log"
	"rdfdelta.io/loglock"
	"rdfdelta.io/patchlog"
	"rdfdelta.io/patchstore"
)

// Names of the provider. The provider stands in for a coordination
// service, so it also answers to "zk".
const (
	Name      = "rdfdelta.io/patchstore/kv"
	ShortName = "kv"
	Alias     = "zk"
)

const (
	prefixDataSource = "ds:"
	prefixRetired    = "retired:"
	prefixPatch      = "patch:"
	prefixLock       = "lock:"
)

func dataSourceKey(id delta.Id) []byte {
	return []byte(prefixDataSource + id.PlainString())
}

func retiredKey(id delta.Id) []byte {
	return []byte(prefixRetired + id.PlainString())
}

type provider struct{}

// Provider returns the key/value provider.
func Provider() patchstore.Provider {
	return provider{}
}

func (provider) Name() string      { return Name }
func (provider) ShortName() string { return ShortName }

// New opens the database in cfg.KV, or an in-memory database if cfg.KV
// is empty.
func (p provider) New(cfg patchstore.Config) (patchstore.PatchStore, error) {
	const op errors.Op = "patchstore/kv.New"
	db, err := Open(cfg.KV)
	if err != nil {
		return nil, errors.E(op, err)
	}
	locks := loglock.NewManager(NewLockBackend(db), cfg.Lock)
	s := &store{db: db}
	s.Base = patchstore.NewBase(p, storage{db: db}, locks, cfg.Log)
	return s, nil
}

// Open opens the Badger database in dir with synchronous writes.
// An empty dir gives an in-memory database.
func Open(dir string) (*badger.DB, error) {
	const op errors.Op = "patchstore/kv.Open"
	opts := badger.DefaultOptions(dir).
		WithSyncWrites(true).
		WithLogger(badgerLogger{})
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	return db, nil
}

type store struct {
	*patchstore.Base
	db *badger.DB
}

func (*store) SelfDescribing() bool { return true }

// InitialDataSources returns every data source recorded in the database.
func (s *store) InitialDataSources() ([]delta.DataSourceDescription, error) {
	const op errors.Op = "patchstore/kv.InitialDataSources"
	var descs []delta.DataSourceDescription
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(prefixDataSource)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			v, err := item.ValueCopy(nil)
			if err != nil {
				return errors.E(errors.IO, err)
			}
			payload, err := unseal(item.Key(), v)
			if err != nil {
				return err
			}
			var d delta.DataSourceDescription
			if err := yaml.Unmarshal(payload, &d); err != nil {
				return errors.E(errors.Internal, errors.Errorf("key %s: %v", item.Key(), err))
			}
			descs = append(descs, d)
		}
		return nil
	})
	if err != nil {
		return nil, errors.E(op, err)
	}
	return descs, nil
}

// Shutdown releases the logs and closes the database.
func (s *store) Shutdown() error {
	const op errors.Op = "patchstore/kv.Shutdown"
	err := s.Base.Shutdown()
	if cerr := s.db.Close(); cerr != nil && err == nil {
		err = errors.E(op, errors.IO, cerr)
	}
	return err
}

type storage struct {
	db *badger.DB
}

// Open records the description of a new data source and returns the
// store of its patches.
func (s storage) Open(desc delta.DataSourceDescription, area string, create bool) (patchlog.Store, error) {
	const op errors.Op = "patchstore/kv.Open"
	if create {
		b, err := yaml.Marshal(desc)
		if err != nil {
			return nil, errors.E(op, desc.Name, errors.Internal, err)
		}
		err = s.db.Update(func(txn *badger.Txn) error {
			return txn.Set(dataSourceKey(desc.Id), seal(b))
		})
		if err != nil {
			return nil, errors.E(op, desc.Name, errors.IO, err)
		}
	}
	p, err := openPatches(s.db, desc.Id)
	if err != nil {
		return nil, errors.E(op, desc.Name, err)
	}
	return p, nil
}

// Forget moves the description of the data source to its retired key,
// so the data source is no longer recovered. The patches stay.
func (s storage) Forget(id delta.Id) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		key := dataSourceKey(id)
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		v, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := txn.Set(retiredKey(id), v); err != nil {
			return err
		}
		return txn.Delete(key)
	})
	if err != nil {
		return errors.E(errors.Op("patchstore/kv.Forget"), id, errors.IO, err)
	}
	return nil
}

// badgerLogger sends Badger's log output to the server log.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{}) {
	log.Error.Printf("badger: "+format, args...)
}

func (badgerLogger) Warningf(format string, args ...interface{}) {
	log.Info.Printf("badger: "+format, args...)
}

func (badgerLogger) Infof(format string, args ...interface{}) {
	log.Debug.Printf("badger: "+format, args...)
}

func (badgerLogger) Debugf(format string, args ...interface{}) {
	log.Debug.Printf("badger: "+format, args...)
}
