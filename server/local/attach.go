// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package local

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"rdfdelta.io/config"
	"rdfdelta.io/delta"
	"rdfdelta.io/errors"
	"rdfdelta.io/log"
	"rdfdelta.io/metrics"
	"rdfdelta.io/patchstore"
	"rdfdelta.io/patchstore/kv"
	"rdfdelta.io/valid"
)

// connectLimit bounds the logs recovered at once.
const connectLimit = 8

// A found data source, reported by one recovery route.
type found struct {
	desc  delta.DataSourceDescription
	store patchstore.PatchStore
	area  string
	route string
}

// Attach builds a server from its configuration and recovers its data
// sources. They are found two ways: by scanning the directory of data
// source areas under cfg.Root, and by asking every self-describing patch
// store for the data sources it holds. A data source found more than
// once is an errors.Internal error, as is any log that cannot be
// recovered; either aborts the attach.
//
// The patch stores opened are those of the default provider, of the
// providers named by the areas found, and of the kv provider if cfg.KV
// names a database.
func Attach(ctx context.Context, cfg *config.Config, providers *patchstore.Registry) (*Server, error) {
	const op errors.Op = "server/local.Attach"
	if cfg == nil {
		cfg = config.Default()
	}
	if providers == nil {
		return nil, errors.E(op, errors.Invalid, "no patch store providers")
	}
	def, err := providers.Default()
	if cfg.Store != "" {
		def, err = providers.Lookup(cfg.Store)
	}
	if err != nil {
		return nil, errors.E(op, err)
	}
	s := &Server{
		cfg:       cfg,
		providers: providers,
		def:       def,
		registry:  NewDataRegistry(),
		stores:    make(map[string]patchstore.PatchStore),
	}
	if err := s.attach(ctx); err != nil {
		s.shutdownStores()
		return nil, errors.E(op, err)
	}
	metrics.DataSources.Set(float64(s.registry.Len()))
	log.Info.Printf("server/local: attached %d data sources", s.registry.Len())
	return s, nil
}

func (s *Server) attach(ctx context.Context) error {
	if err := mkdirRoot(s.cfg.Root); err != nil {
		return err
	}
	var areas []config.Area
	if s.cfg.Root != "" {
		var err error
		if areas, err = config.ScanDirectory(s.cfg.Root); err != nil {
			return err
		}
	}
	if _, err := s.store(""); err != nil {
		return err
	}
	// A configured database may hold data sources of its own.
	if s.cfg.KV != "" {
		if _, err := s.store(kv.ShortName); err != nil {
			return err
		}
	}
	// Every store must be open before the self-describing ones are asked.
	areaStores := make([]patchstore.PatchStore, len(areas))
	for i, a := range areas {
		ps, err := s.store(a.Source.LogType)
		if err != nil {
			return errors.E(a.Source.Name, a.Source.Id, err)
		}
		areaStores[i] = ps
	}
	stores := s.openStores()

	g, gctx := errgroup.WithContext(ctx)
	out := make(chan found)
	var producers sync.WaitGroup
	producers.Add(2)
	g.Go(func() error {
		defer producers.Done()
		for i, a := range areas {
			f := found{desc: a.Source.DataSourceDescription, store: areaStores[i], area: a.Dir, route: "area " + a.Dir}
			if err := send(gctx, out, f); err != nil {
				return err
			}
		}
		return nil
	})
	g.Go(func() error {
		defer producers.Done()
		for _, ps := range stores {
			if !ps.SelfDescribing() {
				continue
			}
			descs, err := ps.InitialDataSources()
			if err != nil {
				return err
			}
			for _, d := range descs {
				if err := valid.DataSourceDescription(d); err != nil {
					return errors.E(errors.Internal, err)
				}
				f := found{desc: d, store: ps, route: ps.Provider().ShortName() + " store"}
				if err := send(gctx, out, f); err != nil {
					return err
				}
			}
		}
		return nil
	})
	go func() {
		producers.Wait()
		close(out)
	}()
	var sources []found
	g.Go(func() error {
		var err error
		sources, err = reduce(out)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}
	return s.connect(ctx, sources)
}

func send(ctx context.Context, out chan<- found, f found) error {
	select {
	case out <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// reduce merges the data sources reported by the recovery routes.
// It returns them in name order.
func reduce(in <-chan found) ([]found, error) {
	byId := make(map[delta.Id]found)
	byName := make(map[delta.Name]found)
	for f := range in {
		if prev, ok := byId[f.desc.Id]; ok {
			return nil, errors.E(f.desc.Name, f.desc.Id, errors.Internal,
				errors.Errorf("data source found by both %s and %s", prev.route, f.route))
		}
		if prev, ok := byName[f.desc.Name]; ok {
			return nil, errors.E(f.desc.Name, f.desc.Id, errors.Internal,
				errors.Errorf("data source name used by %s (%s) and %s (%s)", prev.desc.Id, prev.route, f.desc.Id, f.route))
		}
		byId[f.desc.Id] = f
		byName[f.desc.Name] = f
	}
	list := make([]found, 0, len(byId))
	for _, f := range byId {
		list = append(list, f)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].desc.Name < list[j].desc.Name })
	return list, nil
}

// connect recovers the logs of the data sources in parallel and
// registers them.
func (s *Server) connect(ctx context.Context, sources []found) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(connectLimit)
	list := make([]*DataSource, len(sources))
	for i, f := range sources {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			l, err := f.store.ConnectLog(f.desc, f.area)
			if err != nil {
				log.Error.Printf("server/local: cannot recover %s from %s: %v", f.desc, f.route, err)
				return err
			}
			list[i] = NewDataSource(f.desc, l, f.store, f.area)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, ds := range list {
		if err := s.registry.Put(ds); err != nil {
			return err
		}
		log.Debug.Printf("server/local: recovered %s at version %s", ds, ds.Log().Version())
	}
	return nil
}
