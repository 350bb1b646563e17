// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package delta

import "fmt"

// A Version is the position of a patch in its log. Versions are assigned
// when a log is recovered or appended to and are not guaranteed to mean
// the same thing after a restart. The durable identity of a patch is
// its Id.
type Version int64

// Reserved versions.
const (
	// VersionUnset is an unknown or invalid version.
	VersionUnset Version = -1

	// VersionInit is the version of an empty log.
	VersionInit Version = 0

	// VersionFirst is the version of the first patch in a log.
	VersionFirst Version = 1
)

// Next returns the version following v.
func (v Version) Next() Version {
	if v == VersionUnset {
		return VersionUnset
	}
	return v + 1
}

// IsValid reports whether v names a patch, that is, v >= VersionFirst.
func (v Version) IsValid() bool {
	return v >= VersionFirst
}

func (v Version) String() string {
	switch v {
	case VersionUnset:
		return "unset"
	case VersionInit:
		return "init"
	}
	return fmt.Sprintf("%d", int64(v))
}

// A Name is the human name of a data source. It is also the name of the
// data source's area in a file-backed server.
type Name string

// DataSourceDescription is the stable description of a data source that
// is exchanged with callers and stored in configuration.
type DataSourceDescription struct {
	Id   Id     `yaml:"id" json:"id"`
	Name Name   `yaml:"name" json:"name"`
	URI  string `yaml:"uri,omitempty" json:"uri,omitempty"`
}

func (d DataSourceDescription) String() string {
	if d.URI == "" {
		return fmt.Sprintf("[%s %s]", d.Id, d.Name)
	}
	return fmt.Sprintf("[%s %s <%s>]", d.Id, d.Name, d.URI)
}

// PatchLogInfo is a point-in-time snapshot of the state of a patch log.
type PatchLogInfo struct {
	DataSource  Id      `yaml:"datasource" json:"datasource"`
	MinVersion  Version `yaml:"min_version" json:"min_version"`
	MaxVersion  Version `yaml:"max_version" json:"max_version"`
	LatestPatch Id      `yaml:"latest,omitempty" json:"latest,omitempty"`
}

func (i PatchLogInfo) String() string {
	return fmt.Sprintf("[%s [%s,%s] %s]", i.DataSource, i.MinVersion, i.MaxVersion, i.LatestPatch)
}

// LockState is the state of the advisory lock of a patch log.
// Ticks counts the acquire and every successful refresh since then.
type LockState struct {
	Session Id
	Ticks   int64
}

// Unlocked is the state of a free lock.
var Unlocked = LockState{}

// IsLocked reports whether the lock is held by some session.
func (s LockState) IsLocked() bool {
	return !s.Session.IsNil()
}

func (s LockState) String() string {
	if !s.IsLocked() {
		return "[unlocked]"
	}
	return fmt.Sprintf("[%s, %d]", s.Session.Short(), s.Ticks)
}
