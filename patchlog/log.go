// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package patchlog implements the patch log of a data source: the
// ordered, append-only chain of patches, each naming its predecessor.
//
// A Log is a singly linked list of entries from the first patch to the
// head. Entries are immutable once linked except for the next pointer
// of the head, which is set exactly once, when a successor is appended.
// Readers walk the chain without taking any lock; appends are serialized.
package patchlog // import "rdfdelta.io/patchlog"

import (
	"sync"
	"sync/atomic"

	"rdfdelta.io/cache"
	"rdfdelta.io/delta"
	"rdfdelta.io/errors"
	"rdfdelta.io/log"
	"rdfdelta.io/metrics"
	"rdfdelta.io/patch"
	"rdfdelta.io/valid"
)

// DefaultCacheSize is the number of decoded patch bodies a Log keeps
// when Options.CacheSize is zero.
const DefaultCacheSize = 1000

// Options control how a Log is built.
type Options struct {
	// CacheSize is the number of decoded patches kept in memory.
	// Zero means DefaultCacheSize; a negative value disables the cache.
	CacheSize int

	// Lenient makes recovery link patches in storage order when a
	// patch's previous id does not match its predecessor, logging the
	// mismatch instead of failing.
	Lenient bool
}

// entry is one patch in the chain.
type entry struct {
	id      delta.Id
	prev    delta.Id
	version delta.Version
	index   int64 // index in the Store.
	next    atomic.Pointer[entry]
}

// Log is the patch log of one data source.
type Log struct {
	desc  delta.DataSourceDescription
	store Store
	opts  Options

	// appendMu serializes Append. It is not the advisory log lock,
	// which lives in package loglock.
	appendMu sync.Mutex

	mu        sync.RWMutex // protects the maps.
	byId      map[delta.Id]*entry
	byVersion map[delta.Version]*entry

	start  atomic.Pointer[entry]
	finish atomic.Pointer[entry]

	cache *cache.LRU[delta.Id, *delta.Patch]

	released atomic.Bool
}

// New returns the Log of the data source described by desc, rebuilding
// its chain from the patches already in store.
func New(desc delta.DataSourceDescription, store Store, opts Options) (*Log, error) {
	const op errors.Op = "patchlog.New"
	if store == nil {
		return nil, errors.E(op, desc.Name, desc.Id, errors.Invalid, "nil store")
	}
	size := opts.CacheSize
	if size == 0 {
		size = DefaultCacheSize
	}
	l := &Log{
		desc:      desc,
		store:     store,
		opts:      opts,
		byId:      make(map[delta.Id]*entry),
		byVersion: make(map[delta.Version]*entry),
		cache:     cache.NewLRU[delta.Id, *delta.Patch](size),
	}
	if err := l.rebuild(); err != nil {
		return nil, errors.E(op, desc.Name, desc.Id, err)
	}
	metrics.PatchLogVersion.WithLabelValues(string(desc.Name)).Set(float64(l.Version()))
	return l, nil
}

// Description returns the description of the log's data source.
func (l *Log) Description() delta.DataSourceDescription {
	return l.desc
}

// Store returns the store holding the log's patches.
func (l *Log) Store() Store {
	return l.store
}

// Append adds p to the head of the log and returns its version.
// p must name the current head as its previous patch, or have no
// previous patch if the log is empty. Sending a patch that is already in
// the log returns its existing version and changes nothing.
func (l *Log) Append(p *delta.Patch) (delta.Version, error) {
	const op errors.Op = "patchlog.Append"
	if l.released.Load() {
		return delta.VersionUnset, errors.E(op, l.desc.Name, errors.Invalid, "log is released")
	}
	if err := valid.Patch(p); err != nil {
		l.reject(metrics.RejectBadPatch, err)
		return delta.VersionUnset, errors.E(op, l.desc.Name, err)
	}
	id, prev := p.Id(), p.Previous()

	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	head := l.finish.Load()
	if head != nil && head.id == id {
		if head.prev != prev {
			log.Info.Printf("patchlog: %s: resend of head %s with previous %s, stored previous %s", l.desc.Name, id.Short(), prev.Short(), head.prev.Short())
		}
		return head.version, nil
	}
	if e := l.entry(id); e != nil {
		if e.prev != prev {
			err := errors.E(op, l.desc.Name, id, errors.BadPatch, errors.Errorf("patch already at version %d with previous %s", e.version, e.prev))
			l.reject(metrics.RejectBadPatch, err)
			return delta.VersionUnset, err
		}
		return e.version, nil
	}

	version := delta.VersionFirst
	switch {
	case head == nil && !prev.IsNil():
		err := errors.E(op, l.desc.Name, id, errors.BadPatch, errors.Errorf("log is empty but patch has previous %s", prev))
		l.reject(metrics.RejectBadPatch, err)
		return delta.VersionUnset, err
	case head != nil && prev != head.id:
		err := errors.E(op, l.desc.Name, id, errors.BadPatch, errors.Errorf("previous %s is not the head %s", prev, head.id))
		l.reject(metrics.RejectBadPatch, err)
		return delta.VersionUnset, err
	case head != nil:
		version = head.version + 1
	}

	data, err := patch.Encode(p)
	if err != nil {
		l.reject(metrics.RejectBadPatch, err)
		return delta.VersionUnset, errors.E(op, l.desc.Name, id, errors.BadPatch, err)
	}
	index, err := l.store.Write(data)
	if err != nil {
		l.reject(metrics.RejectIO, err)
		return delta.VersionUnset, errors.E(op, l.desc.Name, id, errors.IO, err)
	}

	e := &entry{id: id, prev: prev, version: version, index: index}
	l.cache.Add(id, p)
	l.add(head, e)

	metrics.PatchAppends.Inc()
	metrics.PatchLogVersion.WithLabelValues(string(l.desc.Name)).Set(float64(version))
	log.Debug.Printf("patchlog: %s: appended %s at version %d", l.desc.Name, id.Short(), version)
	return version, nil
}

func (l *Log) reject(reason string, err error) {
	metrics.PatchRejects.WithLabelValues(reason).Inc()
	log.Debug.Printf("patchlog: %s: rejected patch: %v", l.desc.Name, err)
}

// add attaches e after head, which must be the current finish, makes it
// findable by id and version, and makes it the new finish. The link comes
// first: a Range to any entry that can be found walks to it.
func (l *Log) add(head, e *entry) {
	if head == nil {
		l.start.Store(e)
	} else {
		head.next.Store(e)
	}
	l.mu.Lock()
	l.byId[e.id] = e
	l.byVersion[e.version] = e
	l.mu.Unlock()
	l.finish.Store(e)
}

func (l *Log) entry(id delta.Id) *entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.byId[id]
}

func (l *Log) entryAt(v delta.Version) *entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.byVersion[v]
}

// Fetch returns the patch with the given id.
// A patch not in the log is an errors.NotExist error.
func (l *Log) Fetch(id delta.Id) (*delta.Patch, error) {
	const op errors.Op = "patchlog.Fetch"
	e := l.entry(id)
	if e == nil {
		return nil, errors.E(op, l.desc.Name, id, errors.NotExist)
	}
	p, err := l.load(e)
	if err != nil {
		return nil, errors.E(op, l.desc.Name, err)
	}
	return p, nil
}

// FetchVersion returns the patch at version v. A version outside the
// range of the log is an errors.NotExist error.
func (l *Log) FetchVersion(v delta.Version) (*delta.Patch, error) {
	const op errors.Op = "patchlog.FetchVersion"
	e := l.entryAt(v)
	if e == nil {
		return nil, errors.E(op, l.desc.Name, errors.NotExist, errors.Errorf("no version %s", v))
	}
	p, err := l.load(e)
	if err != nil {
		return nil, errors.E(op, l.desc.Name, err)
	}
	return p, nil
}

// load returns the patch of e, from the cache if possible.
func (l *Log) load(e *entry) (*delta.Patch, error) {
	if p, ok := l.cache.Get(e.id); ok {
		return p, nil
	}
	data, err := l.store.Read(e.index)
	if err != nil {
		return nil, errors.E(e.id, err)
	}
	p, err := patch.Decode(data)
	if err != nil {
		return nil, errors.E(e.id, errors.Internal, err)
	}
	if p.Id() != e.id {
		return nil, errors.E(e.id, errors.Internal, errors.Errorf("index %d holds patch %s", e.index, p.Id()))
	}
	l.cache.Add(e.id, p)
	return p, nil
}

// Contains reports whether the patch with the given id is in the log.
func (l *Log) Contains(id delta.Id) bool {
	return l.entry(id) != nil
}

// VersionOf returns the version of the patch with the given id.
func (l *Log) VersionOf(id delta.Id) (delta.Version, bool) {
	e := l.entry(id)
	if e == nil {
		return delta.VersionUnset, false
	}
	return e.version, true
}

// IdOf returns the id of the patch at version v.
func (l *Log) IdOf(v delta.Version) (delta.Id, bool) {
	e := l.entryAt(v)
	if e == nil {
		return delta.NilId, false
	}
	return e.id, true
}

// Range returns the patches from start to finish, inclusive, in log
// order. A nil start means the first patch and a nil finish means the
// head. Unknown ids are errors.NotExist; a chain that does not lead
// from start to finish is errors.Internal.
func (l *Log) Range(start, finish delta.Id) ([]*delta.Patch, error) {
	const op errors.Op = "patchlog.Range"
	var first, last *entry
	if !start.IsNil() {
		if first = l.entry(start); first == nil {
			return nil, errors.E(op, l.desc.Name, start, errors.NotExist)
		}
	}
	if !finish.IsNil() {
		if last = l.entry(finish); last == nil {
			return nil, errors.E(op, l.desc.Name, finish, errors.NotExist)
		}
	}
	// An entry is linked before it can be found and found before it is
	// the finish, so the pointers are read after the lookups.
	if first == nil {
		first = l.start.Load()
	}
	if finish.IsNil() {
		last = l.finish.Load()
		if last == nil || (first != nil && first.version > last.version) {
			// first is the entry being appended.
			last = first
		}
	}
	if first == nil {
		// Empty log.
		return nil, nil
	}
	if first.version > last.version {
		return nil, errors.E(op, l.desc.Name, errors.Invalid, errors.Errorf("start %s is after finish %s", first.id, last.id))
	}
	patches := make([]*delta.Patch, 0, last.version-first.version+1)
	for e := first; ; e = e.next.Load() {
		if e == nil {
			return nil, errors.E(op, l.desc.Name, errors.Internal, errors.Errorf("chain ends before %s", last.id))
		}
		p, err := l.load(e)
		if err != nil {
			return nil, errors.E(op, l.desc.Name, err)
		}
		patches = append(patches, p)
		if e == last {
			return patches, nil
		}
	}
}

// Info returns a snapshot of the state of the log.
func (l *Log) Info() delta.PatchLogInfo {
	info := delta.PatchLogInfo{
		DataSource: l.desc.Id,
		MinVersion: delta.VersionInit,
		MaxVersion: delta.VersionInit,
	}
	first, last := l.start.Load(), l.finish.Load()
	if first != nil && last != nil {
		info.MinVersion = first.version
		info.MaxVersion = last.version
		info.LatestPatch = last.id
	}
	return info
}

// IsEmpty reports whether the log has no patches.
func (l *Log) IsEmpty() bool {
	return l.finish.Load() == nil
}

// Latest returns the id of the head patch, or NilId if the log is empty.
func (l *Log) Latest() delta.Id {
	if e := l.finish.Load(); e != nil {
		return e.id
	}
	return delta.NilId
}

// Version returns the version of the head patch, or VersionInit if the
// log is empty.
func (l *Log) Version() delta.Version {
	if e := l.finish.Load(); e != nil {
		return e.version
	}
	return delta.VersionInit
}

// Len returns the number of patches in the log.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byId)
}

// Release closes the log's store. Later appends fail.
func (l *Log) Release() error {
	const op errors.Op = "patchlog.Release"
	if l.released.Swap(true) {
		return nil
	}
	l.cache.Purge()
	metrics.PatchLogVersion.DeleteLabelValues(string(l.desc.Name))
	if err := l.store.Close(); err != nil {
		return errors.E(op, l.desc.Name, errors.IO, err)
	}
	return nil
}

// Delete releases the log and removes its patches, if the store
// supports removal.
func (l *Log) Delete() error {
	const op errors.Op = "patchlog.Delete"
	if err := l.Release(); err != nil {
		return errors.E(op, err)
	}
	r, ok := l.store.(Remover)
	if !ok {
		return nil
	}
	if err := r.Remove(); err != nil {
		return errors.E(op, l.desc.Name, errors.IO, err)
	}
	return nil
}
