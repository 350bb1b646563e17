// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package patchlog

import (
	"rdfdelta.io/delta"
	"rdfdelta.io/errors"
	"rdfdelta.io/log"
	"rdfdelta.io/patch"
)

// rebuild rebuilds the chain from the store. Only patch headers are read.
// Versions are assigned by position, starting at VersionFirst.
func (l *Log) rebuild() error {
	indexes := l.store.Indexes()
	for i := 1; i < len(indexes); i++ {
		if indexes[i] != indexes[i-1]+1 {
			err := errors.E(errors.Internal, errors.Errorf("gap in stored patches between index %d and %d", indexes[i-1], indexes[i]))
			log.Error.Printf("patchlog: %s %s: %v", l.desc.Name, l.desc.Id, err)
			return err
		}
	}

	var head *entry
	version := delta.VersionFirst
	for _, index := range indexes {
		h, err := l.readHeader(index)
		if err != nil {
			return err
		}
		id, prev := h.Id(), h.Previous()
		if id.IsNil() {
			return errors.E(errors.Internal, errors.Errorf("patch at index %d has no id", index))
		}
		if l.byId[id] != nil {
			return errors.E(id, errors.Internal, errors.Errorf("patch at index %d is already at version %d", index, l.byId[id].version))
		}
		want := delta.NilId
		if head != nil {
			want = head.id
		}
		if prev != want {
			err := errors.E(id, errors.Internal, errors.Errorf("patch at index %d has previous %s, want %s", index, prev, want))
			if !l.opts.Lenient {
				log.Error.Printf("patchlog: %s %s: %v", l.desc.Name, l.desc.Id, err)
				return err
			}
			log.Error.Printf("patchlog: %s %s: linking in storage order: %v", l.desc.Name, l.desc.Id, err)
		}
		e := &entry{id: id, prev: prev, version: version, index: index}
		l.add(head, e)
		head = e
		version++
	}

	if l.IsEmpty() != l.store.IsEmpty() {
		return errors.E(errors.Internal, errors.Errorf("recovered log empty=%t but store empty=%t", l.IsEmpty(), l.store.IsEmpty()))
	}
	if head != nil {
		log.Debug.Printf("patchlog: %s: recovered %d patches, head %s at version %d", l.desc.Name, len(indexes), head.id.Short(), head.version)
	}
	return nil
}

func (l *Log) readHeader(index int64) (delta.Header, error) {
	rc, err := l.store.Open(index)
	if err != nil {
		return nil, errors.E(errors.Internal, err)
	}
	defer rc.Close()
	h, err := patch.ReadHeader(rc)
	if err != nil {
		return nil, errors.E(errors.Internal, errors.Errorf("patch at index %d: %v", index, err))
	}
	return h, nil
}
