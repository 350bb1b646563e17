// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package local

import (
	"fmt"
	"sort"
	"sync"

	"rdfdelta.io/delta"
	"rdfdelta.io/errors"
	"rdfdelta.io/log"
	"rdfdelta.io/patchlog"
	"rdfdelta.io/patchstore"
)

// A DataSource binds a data source to its patch log and, for stores
// that use one, its area on disk.
type DataSource struct {
	desc  delta.DataSourceDescription
	log   *patchlog.Log
	store patchstore.PatchStore
	area  string
}

// NewDataSource returns a data source for the log held by store.
func NewDataSource(desc delta.DataSourceDescription, l *patchlog.Log, store patchstore.PatchStore, area string) *DataSource {
	if l.Description() != desc {
		log.Info.Printf("server/local: description %s differs from that of its log %s", desc, l.Description())
	}
	return &DataSource{desc: desc, log: l, store: store, area: area}
}

func (ds *DataSource) Id() delta.Id                             { return ds.desc.Id }
func (ds *DataSource) Name() delta.Name                         { return ds.desc.Name }
func (ds *DataSource) URI() string                              { return ds.desc.URI }
func (ds *DataSource) Description() delta.DataSourceDescription { return ds.desc }
func (ds *DataSource) Log() *patchlog.Log                       { return ds.log }
func (ds *DataSource) Store() patchstore.PatchStore             { return ds.store }

// Area returns the directory of the data source's area, or the empty
// string if its store keeps no area.
func (ds *DataSource) Area() string { return ds.area }

func (ds *DataSource) String() string {
	return fmt.Sprintf("[DataSource %s %s (%s)]", ds.desc.Name, ds.desc.Id, ds.store.Provider().ShortName())
}

// DataRegistry indexes the active data sources of a server by id, by
// name, and by URI for those that have one.
type DataRegistry struct {
	mu     sync.RWMutex
	byId   map[delta.Id]*DataSource
	byName map[delta.Name]*DataSource
	byURI  map[string]*DataSource
}

// NewDataRegistry returns an empty registry.
func NewDataRegistry() *DataRegistry {
	return &DataRegistry{
		byId:   make(map[delta.Id]*DataSource),
		byName: make(map[delta.Name]*DataSource),
		byURI:  make(map[string]*DataSource),
	}
}

// Put registers ds. The id, name and URI of ds must not be in use.
func (r *DataRegistry) Put(ds *DataSource) error {
	const op errors.Op = "server/local.Put"
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byId[ds.Id()]; ok {
		return errors.E(op, ds.Name(), ds.Id(), errors.Exist, "data source id already registered")
	}
	if _, ok := r.byName[ds.Name()]; ok {
		return errors.E(op, ds.Name(), ds.Id(), errors.Exist, "data source name already registered")
	}
	if uri := ds.URI(); uri != "" {
		if _, ok := r.byURI[uri]; ok {
			return errors.E(op, ds.Name(), ds.Id(), errors.Exist, errors.Errorf("data source URI %q already registered", uri))
		}
		r.byURI[uri] = ds
	}
	r.byId[ds.Id()] = ds
	r.byName[ds.Name()] = ds
	log.Debug.Printf("server/local: registered %s", ds)
	return nil
}

// Get returns the data source with the id.
func (r *DataRegistry) Get(id delta.Id) (*DataSource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ds, ok := r.byId[id]
	return ds, ok
}

// GetByName returns the data source with the name.
func (r *DataRegistry) GetByName(name delta.Name) (*DataSource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ds, ok := r.byName[name]
	return ds, ok
}

// GetByURI returns the data source with the URI.
func (r *DataRegistry) GetByURI(uri string) (*DataSource, bool) {
	if uri == "" {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	ds, ok := r.byURI[uri]
	return ds, ok
}

// Remove unregisters the data source with the id and returns it.
func (r *DataRegistry) Remove(id delta.Id) (*DataSource, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ds, ok := r.byId[id]
	if !ok {
		return nil, false
	}
	delete(r.byId, id)
	delete(r.byName, ds.Name())
	if ds.URI() != "" {
		delete(r.byURI, ds.URI())
	}
	return ds, true
}

// List returns the registered data sources in name order.
func (r *DataRegistry) List() []*DataSource {
	r.mu.RLock()
	list := make([]*DataSource, 0, len(r.byId))
	for _, ds := range r.byId {
		list = append(list, ds)
	}
	r.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].Name() < list[j].Name() })
	return list
}

// Len returns the number of registered data sources.
func (r *DataRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byId)
}
