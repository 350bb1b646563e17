// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package local implements a patch log server over local patch stores.
//
// A Server owns a registry of data sources. Each data source keeps its
// log in one of the server's patch stores; the file store keeps it in
// the data source's area under the server root. Writers coordinate with
// the advisory lock of the log's store and present their session when
// appending.
package local // import "rdfdelta.io/server/local"

import (
	"context"
	"os"
	"sync"
	"sync/atomic"

	"rdfdelta.io/config"
	"rdfdelta.io/delta"
	"rdfdelta.io/errors"
	"rdfdelta.io/log"
	"rdfdelta.io/loglock"
	"rdfdelta.io/metrics"
	"rdfdelta.io/patchstore"
	"rdfdelta.io/patchstore/file"
	"rdfdelta.io/patchstore/kv"
	"rdfdelta.io/patchstore/mem"
	"rdfdelta.io/valid"
)

// Providers returns a registry holding the file, mem and kv providers,
// with file as the default.
func Providers() (*patchstore.Registry, error) {
	r, err := patchstore.NewRegistry(file.Provider(), mem.Provider(), kv.Provider())
	if err != nil {
		return nil, err
	}
	if err := r.Alias(kv.Alias, kv.Name); err != nil {
		return nil, err
	}
	return r, nil
}

// Server is a patch log server over local patch stores.
type Server struct {
	cfg       *config.Config
	providers *patchstore.Registry
	def       patchstore.Provider
	registry  *DataRegistry

	// mu serializes the operations that create and remove data sources.
	mu sync.Mutex

	storesMu sync.Mutex // protects stores.
	stores   map[string]patchstore.PatchStore

	down atomic.Bool
}

// Registry returns the registry of the server's data sources.
func (s *Server) Registry() *DataRegistry {
	return s.registry
}

// Config returns the server's configuration.
func (s *Server) Config() *config.Config {
	return s.cfg
}

func (s *Server) checkActive(op errors.Op) error {
	if s.down.Load() {
		return errors.E(op, errors.Invalid, "server is shut down")
	}
	return nil
}

// store returns the patch store of the named provider, building it on
// first use. An empty name selects the server's default provider.
func (s *Server) store(provider string) (patchstore.PatchStore, error) {
	p := s.def
	if provider != "" {
		var err error
		if p, err = s.providers.Lookup(provider); err != nil {
			return nil, err
		}
	}
	s.storesMu.Lock()
	defer s.storesMu.Unlock()
	if ps, ok := s.stores[p.Name()]; ok {
		return ps, nil
	}
	ps, err := p.New(s.cfg.StoreConfig())
	if err != nil {
		return nil, err
	}
	s.stores[p.Name()] = ps
	log.Debug.Printf("server/local: opened %s patch store", p.ShortName())
	return ps, nil
}

// openStores returns the patch stores built so far.
func (s *Server) openStores() []patchstore.PatchStore {
	s.storesMu.Lock()
	defer s.storesMu.Unlock()
	list := make([]patchstore.PatchStore, 0, len(s.stores))
	for _, ps := range s.stores {
		list = append(list, ps)
	}
	return list
}

func usesArea(ps patchstore.PatchStore) bool {
	a, ok := ps.(patchstore.AreaUser)
	return ok && a.UsesArea()
}

func (s *Server) get(op errors.Op, id delta.Id) (*DataSource, error) {
	if err := s.checkActive(op); err != nil {
		return nil, err
	}
	ds, ok := s.registry.Get(id)
	if !ok {
		return nil, errors.E(op, id, errors.NotExist, "no such data source")
	}
	return ds, nil
}

// Get returns the data source with the id.
func (s *Server) Get(id delta.Id) (*DataSource, error) {
	return s.get("server/local.Get", id)
}

// GetByName returns the data source with the name.
func (s *Server) GetByName(name delta.Name) (*DataSource, error) {
	const op errors.Op = "server/local.GetByName"
	if err := s.checkActive(op); err != nil {
		return nil, err
	}
	n, err := valid.DataSourceName(name)
	if err != nil {
		return nil, errors.E(op, err)
	}
	ds, ok := s.registry.GetByName(n)
	if !ok {
		return nil, errors.E(op, n, errors.NotExist, "no such data source")
	}
	return ds, nil
}

// GetByURI returns the data source with the URI.
func (s *Server) GetByURI(uri string) (*DataSource, error) {
	const op errors.Op = "server/local.GetByURI"
	if err := s.checkActive(op); err != nil {
		return nil, err
	}
	ds, ok := s.registry.GetByURI(uri)
	if !ok {
		return nil, errors.E(op, errors.NotExist, errors.Errorf("no data source with URI %q", uri))
	}
	return ds, nil
}

// ListDataSources returns the descriptions of the active data sources in
// name order.
func (s *Server) ListDataSources() []delta.DataSourceDescription {
	list := s.registry.List()
	descs := make([]delta.DataSourceDescription, len(list))
	for i, ds := range list {
		descs[i] = ds.Description()
	}
	return descs
}

// ListPatchLogInfo returns the state of the log of every active data
// source, in data source name order.
func (s *Server) ListPatchLogInfo() []delta.PatchLogInfo {
	list := s.registry.List()
	infos := make([]delta.PatchLogInfo, len(list))
	for i, ds := range list {
		infos[i] = ds.Log().Info()
	}
	return infos
}

// PatchLogInfo returns the state of the log of the data source.
func (s *Server) PatchLogInfo(id delta.Id) (delta.PatchLogInfo, error) {
	ds, err := s.get("server/local.PatchLogInfo", id)
	if err != nil {
		return delta.PatchLogInfo{}, err
	}
	return ds.Log().Info(), nil
}

// Append appends the patch to the log of the data source. If session is
// not NilId it must hold the log's lock, and a lease lost to a grab
// fails with errors.Permission.
func (s *Server) Append(id, session delta.Id, p *delta.Patch) (delta.Version, error) {
	const op errors.Op = "server/local.Append"
	span := metrics.StartSpan(op)
	defer span.End()
	ds, err := s.get(op, id)
	if err != nil {
		return delta.VersionUnset, err
	}
	if !session.IsNil() {
		if err := ds.Store().Locks().Check(id, session); err != nil {
			metrics.PatchRejects.WithLabelValues(metrics.RejectLock).Inc()
			return delta.VersionUnset, errors.E(op, err)
		}
	}
	v, err := ds.Log().Append(p)
	if err != nil {
		return delta.VersionUnset, errors.E(op, err)
	}
	return v, nil
}

// Fetch returns the patch with the patch id from the data source's log.
func (s *Server) Fetch(id, patch delta.Id) (*delta.Patch, error) {
	const op errors.Op = "server/local.Fetch"
	ds, err := s.get(op, id)
	if err != nil {
		return nil, err
	}
	p, err := ds.Log().Fetch(patch)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return p, nil
}

// FetchVersion returns the patch at the version of the data source's log.
func (s *Server) FetchVersion(id delta.Id, v delta.Version) (*delta.Patch, error) {
	const op errors.Op = "server/local.FetchVersion"
	ds, err := s.get(op, id)
	if err != nil {
		return nil, err
	}
	p, err := ds.Log().FetchVersion(v)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return p, nil
}

func (s *Server) locks(op errors.Op, id delta.Id) (*loglock.Manager, error) {
	ds, err := s.get(op, id)
	if err != nil {
		return nil, err
	}
	return ds.Store().Locks(), nil
}

// Acquire tries to take the lock of the data source's log. It returns
// NilId if the lock is held.
func (s *Server) Acquire(id delta.Id) (delta.Id, error) {
	m, err := s.locks("server/local.Acquire", id)
	if err != nil {
		return delta.NilId, err
	}
	return m.Acquire(id)
}

// AcquireWait takes the lock of the data source's log, waiting for the
// holder as loglock.AcquireWait does.
func (s *Server) AcquireWait(ctx context.Context, id delta.Id) (delta.Id, error) {
	m, err := s.locks("server/local.AcquireWait", id)
	if err != nil {
		return delta.NilId, err
	}
	return loglock.AcquireWait(ctx, m, id, s.cfg.WaitOptions())
}

// Refresh refreshes the lock held by session.
func (s *Server) Refresh(id, session delta.Id) (bool, error) {
	m, err := s.locks("server/local.Refresh", id)
	if err != nil {
		return false, err
	}
	return m.Refresh(id, session)
}

// Release releases the lock held by session.
func (s *Server) Release(id, session delta.Id) error {
	m, err := s.locks("server/local.Release", id)
	if err != nil {
		return err
	}
	return m.Release(id, session)
}

// Grab breaks the lock held by oldSession.
func (s *Server) Grab(id, oldSession delta.Id) (delta.Id, error) {
	m, err := s.locks("server/local.Grab", id)
	if err != nil {
		return delta.NilId, err
	}
	return m.Grab(id, oldSession)
}

// ReadLock returns the state of the lock of the data source's log.
func (s *Server) ReadLock(id delta.Id) (delta.LockState, error) {
	m, err := s.locks("server/local.ReadLock", id)
	if err != nil {
		return delta.Unlocked, err
	}
	return m.ReadLock(id)
}

// Shutdown stops the lock refreshers, releases every log and shuts down
// the patch stores. The server cannot be used afterwards.
func (s *Server) Shutdown() error {
	const op errors.Op = "server/local.Shutdown"
	if s.down.Swap(true) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ds := range s.registry.List() {
		s.registry.Remove(ds.Id())
	}
	metrics.DataSources.Set(0)
	err := s.shutdownStores()
	if err != nil {
		return errors.E(op, err)
	}
	log.Info.Printf("server/local: shut down")
	return nil
}

func (s *Server) shutdownStores() error {
	s.storesMu.Lock()
	stores := s.stores
	s.stores = make(map[string]patchstore.PatchStore)
	s.storesMu.Unlock()
	var firstErr error
	for _, ps := range stores {
		if err := ps.Shutdown(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func mkdirRoot(root string) error {
	if root == "" {
		return nil
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return errors.E(errors.IO, err)
	}
	return nil
}
