// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mem provides patch stores held in memory. They are lost when
// the process exits and are used for tests and scratch data sources.
package mem // import "rdfdelta.io/patchstore/mem"

import (
	"sync"

	"rdfdelta.io/delta"
	"rdfdelta.io/loglock"
	"rdfdelta.io/patchlog"
	"rdfdelta.io/patchstore"
)

// Names of the provider.
const (
	Name      = "rdfdelta.io/patchstore/mem"
	ShortName = "mem"
)

type provider struct{}

// Provider returns the in-memory provider.
func Provider() patchstore.Provider {
	return provider{}
}

func (provider) Name() string      { return Name }
func (provider) ShortName() string { return ShortName }

func (p provider) New(cfg patchstore.Config) (patchstore.PatchStore, error) {
	s := &storage{stores: make(map[delta.Id]*patchlog.MemStore)}
	locks := loglock.NewManager(loglock.NewMemBackend(), cfg.Lock)
	return &store{Base: patchstore.NewBase(p, s, locks, cfg.Log)}, nil
}

type store struct {
	*patchstore.Base
}

func (*store) SelfDescribing() bool { return false }

func (*store) InitialDataSources() ([]delta.DataSourceDescription, error) {
	return nil, nil
}

// storage keeps the stores of released logs so a log connected again in
// the same process finds its patches.
type storage struct {
	mu     sync.Mutex
	stores map[delta.Id]*patchlog.MemStore
}

func (s *storage) Open(desc delta.DataSourceDescription, area string, create bool) (patchlog.Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.stores[desc.Id]
	if !ok || create {
		ms = patchlog.NewMemStore()
		s.stores[desc.Id] = ms
	}
	ms.Reopen()
	return ms, nil
}

func (s *storage) Forget(id delta.Id) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.stores, id)
	return nil
}
