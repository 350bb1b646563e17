// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package local

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rdfdelta.io/config"
	"rdfdelta.io/delta"
	"rdfdelta.io/errors"
	"rdfdelta.io/metrics"
	"rdfdelta.io/patchlog"
	"rdfdelta.io/patchstore/file"
	"rdfdelta.io/patchstore/mem"
)

func newConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Root = t.TempDir()
	return cfg
}

func attach(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	providers, err := Providers()
	require.NoError(t, err)
	s, err := Attach(context.Background(), cfg, providers)
	require.NoError(t, err)
	return s
}

// appendChain appends n patches to the data source and returns their ids.
func appendChain(t *testing.T, s *Server, id delta.Id, n int) []delta.Id {
	t.Helper()
	info, err := s.PatchLogInfo(id)
	require.NoError(t, err)
	prev := info.LatestPatch
	var ids []delta.Id
	for i := 0; i < n; i++ {
		p := delta.NewPatch(delta.NewId(), prev)
		_, err := s.Append(id, delta.NilId, p)
		require.NoError(t, err)
		prev = p.Id()
		ids = append(ids, prev)
	}
	return ids
}

func patchIds(t *testing.T, l *patchlog.Log) []delta.Id {
	t.Helper()
	patches, err := l.Range(delta.NilId, delta.NilId)
	require.NoError(t, err)
	var ids []delta.Id
	for _, p := range patches {
		ids = append(ids, p.Id())
	}
	return ids
}

func TestCreateAndRestart(t *testing.T) {
	cfg := newConfig(t)
	s := attach(t, cfg)
	assert.Empty(t, s.ListDataSources())

	id, err := s.CreateDataSource("ds1", "http://example/ds1", "")
	require.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.DataSources))

	session, err := s.Acquire(id)
	require.NoError(t, err)
	require.False(t, session.IsNil())
	a := delta.NewPatch(delta.NewId(), delta.NilId)
	v, err := s.Append(id, session, a)
	require.NoError(t, err)
	assert.Equal(t, delta.VersionFirst, v)
	ids := append([]delta.Id{a.Id()}, appendChain(t, s, id, 2)...)
	require.NoError(t, s.Release(id, session))

	ds, err := s.Get(id)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(cfg.Root, "ds1", config.SourceFile))
	require.NoError(t, err, "no source file")
	_, err = os.Stat(filepath.Join(ds.Area(), file.LogDir, "patch-0003"))
	require.NoError(t, err, "no patch file")
	require.NoError(t, s.Shutdown())

	// Only ids survive a restart; versions are recomputed.
	s = attach(t, cfg)
	defer s.Shutdown()
	ds, err = s.GetByName("ds1")
	require.NoError(t, err)
	assert.Equal(t, id, ds.Id())
	assert.Equal(t, ids, patchIds(t, ds.Log()))
	ds, err = s.GetByURI("http://example/ds1")
	require.NoError(t, err)
	assert.Equal(t, id, ds.Id())

	infos := s.ListPatchLogInfo()
	require.Len(t, infos, 1)
	assert.Equal(t, id, infos[0].DataSource)
	assert.Equal(t, ids[2], infos[0].LatestPatch)

	p, err := s.Fetch(id, ids[1])
	require.NoError(t, err)
	assert.Equal(t, ids[0], p.Previous())
	_, err = s.Fetch(id, delta.NewId())
	assert.True(t, errors.Is(errors.NotExist, err), "fetch unknown patch: %v", err)
}

func TestCreateErrors(t *testing.T) {
	s := attach(t, newConfig(t))
	defer s.Shutdown()

	_, err := s.CreateDataSource("ds", "http://example/ds", "")
	require.NoError(t, err)
	_, err = s.CreateDataSource("ds", "", "")
	assert.True(t, errors.Is(errors.Exist, err), "same name: %v", err)
	_, err = s.CreateDataSource("other", "http://example/ds", "")
	assert.True(t, errors.Is(errors.Exist, err), "same URI: %v", err)
	_, err = s.CreateDataSource("a/b", "", "")
	assert.True(t, errors.Is(errors.Invalid, err), "bad name: %v", err)
	_, err = s.CreateDataSource("c", "relative", "")
	assert.True(t, errors.Is(errors.Invalid, err), "bad URI: %v", err)
	_, err = s.CreateDataSource("d", "", "nosuch")
	assert.True(t, errors.Is(errors.Invalid, err), "bad provider: %v", err)
	_, err = s.Get(delta.NewId())
	assert.True(t, errors.Is(errors.NotExist, err), "unknown id: %v", err)
}

func TestNormalizedNames(t *testing.T) {
	s := attach(t, newConfig(t))
	defer s.Shutdown()

	// "e" followed by a combining acute accent is stored composed.
	id, err := s.CreateDataSource("cafe\u0301", "", "")
	require.NoError(t, err)
	ds, err := s.GetByName("caf\u00e9")
	require.NoError(t, err)
	assert.Equal(t, id, ds.Id())
	assert.Equal(t, delta.Name("caf\u00e9"), ds.Name())
	_, err = s.CreateDataSource("caf\u00e9", "", "")
	assert.True(t, errors.Is(errors.Exist, err), "composed duplicate: %v", err)
}

func TestRemove(t *testing.T) {
	cfg := newConfig(t)
	s := attach(t, cfg)
	id, err := s.CreateDataSource("gone", "", "")
	require.NoError(t, err)
	appendChain(t, s, id, 2)
	session, err := s.Acquire(id)
	require.NoError(t, err)
	require.False(t, session.IsNil())

	require.NoError(t, s.RemoveDataSource(id))
	_, err = s.Get(id)
	assert.True(t, errors.Is(errors.NotExist, err), "get removed: %v", err)
	assert.True(t, errors.Is(errors.NotExist, s.RemoveDataSource(id)))

	// Soft delete: the area is disabled and moved aside with its patches.
	retired := filepath.Join(cfg.Root, "gone.deleted.1")
	assert.False(t, config.IsEnabled(retired))
	_, err = os.Stat(filepath.Join(retired, file.LogDir, "patch-0002"))
	assert.NoError(t, err, "patches of retired area")

	// The name is free again, with a fresh lock.
	id2, err := s.CreateDataSource("gone", "", "")
	require.NoError(t, err)
	assert.NotEqual(t, id, id2)
	state, err := s.ReadLock(id2)
	require.NoError(t, err)
	assert.Equal(t, delta.Unlocked, state)
	require.NoError(t, s.Shutdown())

	s = attach(t, cfg)
	defer s.Shutdown()
	descs := s.ListDataSources()
	require.Len(t, descs, 1)
	assert.Equal(t, id2, descs[0].Id)
}

func TestAppendNeedsLease(t *testing.T) {
	s := attach(t, newConfig(t))
	defer s.Shutdown()
	id, err := s.CreateDataSource("locked", "", "")
	require.NoError(t, err)

	s1, err := s.Acquire(id)
	require.NoError(t, err)
	ok, err := s.Refresh(id, s1)
	require.NoError(t, err)
	assert.True(t, ok)
	s2, err := s.Grab(id, s1)
	require.NoError(t, err)
	require.False(t, s2.IsNil())

	a := delta.NewPatch(delta.NewId(), delta.NilId)
	_, err = s.Append(id, s1, a)
	assert.True(t, errors.Is(errors.Permission, err), "append with lost lease: %v", err)
	info, err := s.PatchLogInfo(id)
	require.NoError(t, err)
	assert.Equal(t, delta.VersionInit, info.MaxVersion)

	v, err := s.Append(id, s2, a)
	require.NoError(t, err)
	assert.Equal(t, delta.VersionFirst, v)

	// A stale previous is a bad patch, whoever holds the lock.
	_, err = s.Append(id, s2, delta.NewPatch(delta.NewId(), delta.NilId))
	assert.True(t, errors.Is(errors.BadPatch, err), "stale previous: %v", err)
}

func TestLockRouting(t *testing.T) {
	cfg := newConfig(t)
	cfg.Lock.Poll = time.Millisecond
	s := attach(t, cfg)
	defer s.Shutdown()
	id, err := s.CreateDataSource("ds", "", "")
	require.NoError(t, err)

	session, err := s.AcquireWait(context.Background(), id)
	require.NoError(t, err)
	require.False(t, session.IsNil())
	state, err := s.ReadLock(id)
	require.NoError(t, err)
	assert.Equal(t, session, state.Session)
	other, err := s.Acquire(id)
	require.NoError(t, err)
	assert.True(t, other.IsNil(), "acquire of held lock")
	require.NoError(t, s.Release(id, session))

	unknown := delta.NewId()
	_, err = s.Acquire(unknown)
	assert.True(t, errors.Is(errors.NotExist, err))
	_, err = s.ReadLock(unknown)
	assert.True(t, errors.Is(errors.NotExist, err))
	_, err = s.Refresh(unknown, session)
	assert.True(t, errors.Is(errors.NotExist, err))
}

func TestCopyAndRename(t *testing.T) {
	s := attach(t, newConfig(t))
	defer s.Shutdown()
	id, err := s.CreateDataSource("src", "http://example/src", "")
	require.NoError(t, err)
	ids := appendChain(t, s, id, 3)

	cp, err := s.CopyDataSource(id, "copy", "")
	require.NoError(t, err)
	ds, err := s.Get(cp)
	require.NoError(t, err)
	assert.Equal(t, ids, patchIds(t, ds.Log()))
	_, err = s.CopyDataSource(id, "copy", "")
	assert.True(t, errors.Is(errors.Exist, err), "copy onto existing name: %v", err)

	// A rename may keep the URI.
	renamed, err := s.RenameDataSource(id, "dst", "http://example/src")
	require.NoError(t, err)
	assert.NotEqual(t, id, renamed)
	_, err = s.Get(id)
	assert.True(t, errors.Is(errors.NotExist, err), "old id after rename: %v", err)
	ds, err = s.GetByURI("http://example/src")
	require.NoError(t, err)
	assert.Equal(t, renamed, ds.Id())
	assert.Equal(t, delta.Name("dst"), ds.Name())
	assert.Equal(t, ids, patchIds(t, ds.Log()))

	_, err = s.RenameDataSource(renamed, "copy", "")
	assert.True(t, errors.Is(errors.Exist, err), "rename onto existing name: %v", err)
}

func TestMemProvider(t *testing.T) {
	cfg := newConfig(t)
	s := attach(t, cfg)
	id, err := s.CreateDataSource("scratch", "", mem.ShortName)
	require.NoError(t, err)
	appendChain(t, s, id, 2)
	ds, err := s.Get(id)
	require.NoError(t, err)
	assert.Empty(t, ds.Area())
	_, err = os.Stat(filepath.Join(cfg.Root, "scratch"))
	assert.True(t, os.IsNotExist(err), "mem data source has an area")
	require.NoError(t, s.RemoveDataSource(id))
	require.NoError(t, s.Shutdown())

	// Memory is not recovered.
	s = attach(t, cfg)
	defer s.Shutdown()
	assert.Empty(t, s.ListDataSources())
}

func TestSelfDescribingStore(t *testing.T) {
	cfg := newConfig(t)
	cfg.KV = filepath.Join(t.TempDir(), "kv")
	s := attach(t, cfg)
	id, err := s.CreateDataSource("db", "", "zk")
	require.NoError(t, err)
	ids := appendChain(t, s, id, 2)
	require.NoError(t, s.Shutdown())

	// The kv store reports its data source; there is no area to scan.
	s = attach(t, cfg)
	ds, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, ids, patchIds(t, ds.Log()))
	desc := ds.Description()
	require.NoError(t, s.Shutdown())

	// The same data source found by a second route is fatal.
	_, err = config.SetupArea(cfg.Root, config.Source{DataSourceDescription: desc, LogType: "kv"})
	require.NoError(t, err)
	providers, err := Providers()
	require.NoError(t, err)
	_, err = Attach(context.Background(), cfg, providers)
	assert.True(t, errors.Is(errors.Internal, err), "duplicate data source: %v", err)
}

func TestAttachBrokenLog(t *testing.T) {
	cfg := newConfig(t)
	s := attach(t, cfg)
	id, err := s.CreateDataSource("broken", "", "")
	require.NoError(t, err)
	appendChain(t, s, id, 2)
	ds, err := s.Get(id)
	require.NoError(t, err)
	area := ds.Area()
	require.NoError(t, s.Shutdown())

	// Without its first patch the second names a missing previous.
	require.NoError(t, os.Remove(filepath.Join(area, file.LogDir, "patch-0001")))
	providers, err := Providers()
	require.NoError(t, err)
	_, err = Attach(context.Background(), cfg, providers)
	assert.True(t, errors.Is(errors.Internal, err), "strict recovery: %v", err)

	cfg.Lenient = true
	s = attach(t, cfg)
	defer s.Shutdown()
	ds, err = s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, 1, ds.Log().Len())
}

func TestShutdown(t *testing.T) {
	s := attach(t, newConfig(t))
	id, err := s.CreateDataSource("ds", "", "")
	require.NoError(t, err)
	require.NoError(t, s.Shutdown())
	require.NoError(t, s.Shutdown())

	_, err = s.Get(id)
	assert.True(t, errors.Is(errors.Invalid, err), "get after shutdown: %v", err)
	_, err = s.CreateDataSource("new", "", "")
	assert.True(t, errors.Is(errors.Invalid, err), "create after shutdown: %v", err)
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.DataSources))
}

func TestAttachErrors(t *testing.T) {
	_, err := Attach(context.Background(), config.Default(), nil)
	assert.True(t, errors.Is(errors.Invalid, err), "no providers: %v", err)

	providers, err := Providers()
	require.NoError(t, err)
	cfg := newConfig(t)
	cfg.Store = "nosuch"
	_, err = Attach(context.Background(), cfg, providers)
	assert.True(t, errors.Is(errors.Invalid, err), "unknown store: %v", err)

	// An area whose log type names no provider.
	cfg = newConfig(t)
	src := config.Source{
		DataSourceDescription: delta.DataSourceDescription{Id: delta.NewId(), Name: "x"},
		LogType:               "nosuch",
	}
	_, err = config.SetupArea(cfg.Root, src)
	require.NoError(t, err)
	_, err = Attach(context.Background(), cfg, providers)
	assert.True(t, errors.Is(errors.Invalid, err), "unknown log type: %v", err)
}
