// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package local

import (
	"os"

	"rdfdelta.io/config"
	"rdfdelta.io/delta"
	"rdfdelta.io/errors"
	"rdfdelta.io/log"
	"rdfdelta.io/metrics"
	"rdfdelta.io/patchstore"
	"rdfdelta.io/valid"
)

// CreateDataSource creates a data source with an empty log in the store
// of the named provider, or of the default provider if provider is
// empty. The name must not be used by an active data source.
func (s *Server) CreateDataSource(name delta.Name, uri, provider string) (delta.Id, error) {
	const op errors.Op = "server/local.CreateDataSource"
	if err := s.checkActive(op); err != nil {
		return delta.NilId, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, err := s.store(provider)
	if err != nil {
		return delta.NilId, errors.E(op, err)
	}
	ds, err := s.create(ps, name, uri)
	if err != nil {
		return delta.NilId, errors.E(op, err)
	}
	return ds.Id(), nil
}

// checkFree validates a name and URI for a data source and checks that
// no active data source other than except uses them. It returns the
// normalized name.
func (s *Server) checkFree(name delta.Name, uri string, except delta.Id) (delta.Name, error) {
	n, err := valid.DataSourceName(name)
	if err != nil {
		return "", err
	}
	if err := valid.URI(uri); err != nil {
		return "", err
	}
	if ds, ok := s.registry.GetByName(n); ok && ds.Id() != except {
		return "", errors.E(n, errors.Exist, "data source name in use")
	}
	if ds, ok := s.registry.GetByURI(uri); ok && ds.Id() != except {
		return "", errors.E(n, errors.Exist, errors.Errorf("data source URI %q in use", uri))
	}
	return n, nil
}

// create makes a data source in ps. s.mu must be held.
func (s *Server) create(ps patchstore.PatchStore, name delta.Name, uri string) (*DataSource, error) {
	n, err := s.checkFree(name, uri, delta.NilId)
	if err != nil {
		return nil, err
	}
	desc := delta.DataSourceDescription{Id: delta.NewId(), Name: n, URI: uri}

	var area string
	if usesArea(ps) {
		src := config.Source{DataSourceDescription: desc, LogType: ps.Provider().ShortName()}
		if area, err = config.SetupArea(s.cfg.Root, src); err != nil {
			return nil, err
		}
	}
	l, err := ps.CreateLog(desc, area)
	if err != nil {
		if area != "" {
			os.RemoveAll(area)
		}
		return nil, err
	}
	ds := NewDataSource(desc, l, ps, area)
	if err := s.registry.Put(ds); err != nil {
		ps.Delete(desc.Id)
		return nil, err
	}
	metrics.DataSources.Set(float64(s.registry.Len()))
	log.Info.Printf("server/local: created %s", ds)
	return ds, nil
}

// RemoveDataSource takes the data source out of use. The removal is
// soft: a data source with an area is marked disabled and its area moved
// aside, so its name can be reused, but its patches are kept on disk.
// The kv store retires the description and keeps the patches; only the
// mem store loses them.
func (s *Server) RemoveDataSource(id delta.Id) error {
	const op errors.Op = "server/local.RemoveDataSource"
	if err := s.checkActive(op); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.remove(id); err != nil {
		return errors.E(op, err)
	}
	return nil
}

// remove takes a data source out of use. s.mu must be held.
func (s *Server) remove(id delta.Id) error {
	ds, ok := s.registry.Get(id)
	if !ok {
		return errors.E(id, errors.NotExist, "no such data source")
	}
	ps := ds.Store()
	if ds.Area() == "" {
		s.registry.Remove(id)
		metrics.DataSources.Set(float64(s.registry.Len()))
		if err := ps.Delete(id); err != nil {
			return err
		}
		log.Info.Printf("server/local: removed %s from the %s store", ds, ps.Provider().ShortName())
		return nil
	}

	// The marker comes first: if the server stops part way, a scan
	// skips the area.
	if err := config.Disable(ds.Area()); err != nil {
		return err
	}
	s.registry.Remove(id)
	metrics.DataSources.Set(float64(s.registry.Len()))
	if err := ps.Locks().Delete(id); err != nil {
		log.Error.Printf("server/local: dropping lock of %s: %v", ds, err)
	}
	if err := ps.Release(id); err != nil {
		return err
	}
	to, err := config.Retire(ds.Area())
	if err != nil {
		return err
	}
	log.Info.Printf("server/local: removed %s, area moved to %s", ds, to)
	return nil
}

// CopyDataSource creates a data source in the same store as the one with
// the id, whose log holds the same patches. It returns the new id.
func (s *Server) CopyDataSource(id delta.Id, newName delta.Name, newURI string) (delta.Id, error) {
	const op errors.Op = "server/local.CopyDataSource"
	if err := s.checkActive(op); err != nil {
		return delta.NilId, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ds, err := s.copy(id, newName, newURI)
	if err != nil {
		return delta.NilId, errors.E(op, err)
	}
	return ds.Id(), nil
}

// copy copies a data source. s.mu must be held.
func (s *Server) copy(id delta.Id, newName delta.Name, newURI string) (*DataSource, error) {
	src, ok := s.registry.Get(id)
	if !ok {
		return nil, errors.E(id, errors.NotExist, "no such data source")
	}
	patches, err := src.Log().Range(delta.NilId, delta.NilId)
	if err != nil {
		return nil, err
	}
	dst, err := s.create(src.Store(), newName, newURI)
	if err != nil {
		return nil, err
	}
	for _, p := range patches {
		if _, err := dst.Log().Append(p); err != nil {
			s.remove(dst.Id())
			return nil, err
		}
	}
	log.Info.Printf("server/local: copied %s to %s, %d patches", src, dst, len(patches))
	return dst, nil
}

// RenameDataSource moves the data source with the id to a new name and
// URI. The renamed data source has a new id, which is returned. The old
// one is removed first, so the new one may keep its name or URI.
func (s *Server) RenameDataSource(id delta.Id, newName delta.Name, newURI string) (delta.Id, error) {
	const op errors.Op = "server/local.RenameDataSource"
	if err := s.checkActive(op); err != nil {
		return delta.NilId, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.registry.Get(id)
	if !ok {
		return delta.NilId, errors.E(op, id, errors.NotExist, "no such data source")
	}
	if _, err := s.checkFree(newName, newURI, id); err != nil {
		return delta.NilId, errors.E(op, err)
	}
	patches, err := src.Log().Range(delta.NilId, delta.NilId)
	if err != nil {
		return delta.NilId, errors.E(op, err)
	}
	if err := s.remove(id); err != nil {
		return delta.NilId, errors.E(op, err)
	}
	dst, err := s.create(src.Store(), newName, newURI)
	if err != nil {
		return delta.NilId, errors.E(op, err)
	}
	for _, p := range patches {
		if _, err := dst.Log().Append(p); err != nil {
			return delta.NilId, errors.E(op, dst.Name(), dst.Id(), err)
		}
	}
	log.Info.Printf("server/local: renamed %s to %s", src, dst)
	return dst.Id(), nil
}
