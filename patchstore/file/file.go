// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package file provides patch stores kept as files in each data source's
// area, one file per patch, under the area's Log directory.
package file // import "rdfdelta.io/patchstore/file"

import (
	"path/filepath"

	"rdfdelta.io/delta"
	"rdfdelta.io/errors"
	"rdfdelta.io/filestore"
	"rdfdelta.io/loglock"
	"rdfdelta.io/patchlog"
	"rdfdelta.io/patchstore"
)

// Names of the provider.
const (
	Name      = "rdfdelta.io/patchstore/file"
	ShortName = "file"
)

// Layout of a data source's area.
const (
	LogDir   = "Log"
	Basename = "patch"
)

type provider struct{}

// Provider returns the file provider.
func Provider() patchstore.Provider {
	return provider{}
}

func (provider) Name() string      { return Name }
func (provider) ShortName() string { return ShortName }

func (p provider) New(cfg patchstore.Config) (patchstore.PatchStore, error) {
	locks := loglock.NewManager(loglock.NewMemBackend(), cfg.Lock)
	return &store{Base: patchstore.NewBase(p, storage{}, locks, cfg.Log)}, nil
}

// store relies on the server's scan of its data source areas, so it is
// not self-describing.
type store struct {
	*patchstore.Base
}

func (*store) SelfDescribing() bool { return false }

// UsesArea implements patchstore.AreaUser.
func (*store) UsesArea() bool { return true }

func (*store) InitialDataSources() ([]delta.DataSourceDescription, error) {
	return nil, nil
}

var _ patchstore.AreaUser = (*store)(nil)

type storage struct{}

func (storage) Open(desc delta.DataSourceDescription, area string, create bool) (patchlog.Store, error) {
	const op errors.Op = "patchstore/file.Open"
	if area == "" {
		return nil, errors.E(op, desc.Name, errors.Invalid, "file store needs a data source area")
	}
	fs, err := filestore.Attach(filepath.Join(area, LogDir), Basename)
	if err != nil {
		return nil, errors.E(op, desc.Name, err)
	}
	return fs, nil
}

// Forget does nothing: the area itself belongs to the server.
func (storage) Forget(delta.Id) error {
	return nil
}
