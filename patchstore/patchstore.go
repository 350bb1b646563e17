// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package patchstore defines the providers of patch log storage and the
// registry that selects among them.
//
// A Provider is a kind of storage, such as files in the data source's
// area or a key/value database. Its PatchStore holds the logs of every
// data source kept with that kind of storage, and owns the lock manager
// for those logs.
package patchstore // import "rdfdelta.io/patchstore"

import (
	"sort"
	"sync"

	"rdfdelta.io/delta"
	"rdfdelta.io/errors"
	"rdfdelta.io/log"
	"rdfdelta.io/loglock"
	"rdfdelta.io/patchlog"
)

// Config is passed to a Provider to build its PatchStore.
type Config struct {
	// KV is the directory of the key/value database, for providers
	// that use one. Empty means an in-memory database.
	KV string

	// Log is applied to every log the store builds.
	Log patchlog.Options

	// Lock sets the timing of the store's lock refresher.
	Lock loglock.Options
}

// A Provider builds PatchStores of one kind.
type Provider interface {
	// Name is the full name of the provider.
	Name() string
	// ShortName is the name used in configuration files.
	ShortName() string
	// New returns a PatchStore for this provider.
	New(cfg Config) (PatchStore, error)
}

// PatchStore holds the patch logs of the data sources of one provider.
type PatchStore interface {
	// Provider returns the provider that built the store.
	Provider() Provider

	// SelfDescribing reports whether the store records its own data
	// sources. Stores that do not rely on the server scanning its
	// directory of data source areas.
	SelfDescribing() bool

	// InitialDataSources returns the data sources the store holds.
	// It returns nil for stores that are not self-describing.
	InitialDataSources() ([]delta.DataSourceDescription, error)

	// LogExists reports whether the store has a connected log for id.
	LogExists(id delta.Id) bool

	// GetLog returns the connected log of id.
	GetLog(id delta.Id) (*patchlog.Log, bool)

	// CreateLog makes a new empty log for the data source.
	// area is the data source's directory; stores that do not
	// keep files ignore it.
	CreateLog(desc delta.DataSourceDescription, area string) (*patchlog.Log, error)

	// ConnectLog recovers the existing log of the data source.
	ConnectLog(desc delta.DataSourceDescription, area string) (*patchlog.Log, error)

	// Release disconnects the log of id, leaving its data in place.
	Release(id delta.Id) error

	// Delete disconnects the log of id so it is not recovered again.
	// Persistent stores keep the patches; only ephemeral ones drop them.
	Delete(id delta.Id) error

	// Locks returns the lock manager of the store's logs.
	Locks() *loglock.Manager

	// List returns the descriptions of the connected logs, by name.
	List() []delta.DataSourceDescription

	// Shutdown releases every log and stops the lock refresher.
	Shutdown() error
}

// AreaUser is implemented by patch stores that keep each log inside the
// data source's area on disk. The server creates and retires the areas
// of such stores.
type AreaUser interface {
	UsesArea() bool
}

// Storage is the provider specific part of a PatchStore built on Base.
type Storage interface {
	// Open returns the store of the data source's patches. create is
	// true for a new data source.
	Open(desc delta.DataSourceDescription, area string, create bool) (patchlog.Store, error)

	// Forget takes the data source out of the storage's records so it
	// is not recovered. It is called after the log is deleted.
	Forget(id delta.Id) error
}

// Base implements the bookkeeping of a PatchStore: the connected logs
// and the lock manager. Providers embed it and supply a Storage.
type Base struct {
	provider Provider
	storage  Storage
	locks    *loglock.Manager
	opts     patchlog.Options

	mu   sync.Mutex // protects logs.
	logs map[delta.Id]*patchlog.Log
}

// NewBase returns a Base for the provider. The lock manager's refresher
// is started.
func NewBase(p Provider, storage Storage, locks *loglock.Manager, opts patchlog.Options) *Base {
	locks.Start()
	return &Base{
		provider: p,
		storage:  storage,
		locks:    locks,
		opts:     opts,
		logs:     make(map[delta.Id]*patchlog.Log),
	}
}

// Provider implements PatchStore.
func (b *Base) Provider() Provider {
	return b.provider
}

// Locks implements PatchStore.
func (b *Base) Locks() *loglock.Manager {
	return b.locks
}

// LogExists implements PatchStore.
func (b *Base) LogExists(id delta.Id) bool {
	_, ok := b.GetLog(id)
	return ok
}

// GetLog implements PatchStore.
func (b *Base) GetLog(id delta.Id) (*patchlog.Log, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.logs[id]
	return l, ok
}

// CreateLog implements PatchStore.
func (b *Base) CreateLog(desc delta.DataSourceDescription, area string) (*patchlog.Log, error) {
	const op errors.Op = "patchstore.CreateLog"
	if b.LogExists(desc.Id) {
		return nil, errors.E(op, desc.Name, desc.Id, errors.Exist, "log already connected")
	}
	store, err := b.storage.Open(desc, area, true)
	if err != nil {
		return nil, errors.E(op, desc.Name, desc.Id, err)
	}
	if !store.IsEmpty() {
		store.Close()
		return nil, errors.E(op, desc.Name, desc.Id, errors.Exist, "storage for new log is not empty")
	}
	return b.add(op, desc, store)
}

// ConnectLog implements PatchStore. Connecting a log that is already
// connected returns it.
func (b *Base) ConnectLog(desc delta.DataSourceDescription, area string) (*patchlog.Log, error) {
	const op errors.Op = "patchstore.ConnectLog"
	if l, ok := b.GetLog(desc.Id); ok {
		return l, nil
	}
	store, err := b.storage.Open(desc, area, false)
	if err != nil {
		return nil, errors.E(op, desc.Name, desc.Id, err)
	}
	return b.add(op, desc, store)
}

func (b *Base) add(op errors.Op, desc delta.DataSourceDescription, store patchlog.Store) (*patchlog.Log, error) {
	l, err := patchlog.New(desc, store, b.opts)
	if err != nil {
		store.Close()
		return nil, errors.E(op, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.logs[desc.Id]; ok {
		l.Release()
		return nil, errors.E(op, desc.Name, desc.Id, errors.Exist, "log already connected")
	}
	b.logs[desc.Id] = l
	log.Debug.Printf("patchstore/%s: connected %s at version %s", b.provider.ShortName(), desc, l.Version())
	return l, nil
}

func (b *Base) remove(id delta.Id) (*patchlog.Log, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.logs[id]
	delete(b.logs, id)
	return l, ok
}

// Release implements PatchStore.
func (b *Base) Release(id delta.Id) error {
	const op errors.Op = "patchstore.Release"
	l, ok := b.remove(id)
	if !ok {
		return errors.E(op, id, errors.NotExist, "no such log")
	}
	if err := l.Release(); err != nil {
		return errors.E(op, err)
	}
	return nil
}

// Delete implements PatchStore.
func (b *Base) Delete(id delta.Id) error {
	const op errors.Op = "patchstore.Delete"
	l, ok := b.remove(id)
	if !ok {
		return errors.E(op, id, errors.NotExist, "no such log")
	}
	if err := l.Delete(); err != nil {
		return errors.E(op, err)
	}
	if err := b.locks.Delete(id); err != nil {
		return errors.E(op, err)
	}
	if err := b.storage.Forget(id); err != nil {
		return errors.E(op, id, err)
	}
	return nil
}

// List implements PatchStore.
func (b *Base) List() []delta.DataSourceDescription {
	b.mu.Lock()
	descs := make([]delta.DataSourceDescription, 0, len(b.logs))
	for _, l := range b.logs {
		descs = append(descs, l.Description())
	}
	b.mu.Unlock()
	sort.Slice(descs, func(i, j int) bool { return descs[i].Name < descs[j].Name })
	return descs
}

// Shutdown implements PatchStore.
func (b *Base) Shutdown() error {
	const op errors.Op = "patchstore.Shutdown"
	b.locks.Stop()
	b.mu.Lock()
	logs := b.logs
	b.logs = make(map[delta.Id]*patchlog.Log)
	b.mu.Unlock()
	var firstErr error
	for _, l := range logs {
		if err := l.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return errors.E(op, firstErr)
	}
	return nil
}
