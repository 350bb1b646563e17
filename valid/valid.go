// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package valid does validation of various data types.
package valid // import "rdfdelta.io/valid"

import (
	"net/url"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"rdfdelta.io/delta"
	"rdfdelta.io/errors"
)

// MaxNameLen is the longest data source name accepted, in bytes.
const MaxNameLen = 255

// DataSourceName verifies that name can name a data source and its
// on-disk area. It returns the name in Unicode normalization form C,
// which is the form under which names are registered and compared.
func DataSourceName(name delta.Name) (delta.Name, error) {
	const op errors.Op = "valid.DataSourceName"
	n := delta.Name(norm.NFC.String(string(name)))
	switch {
	case n == "":
		return "", errors.E(op, errors.Invalid, "empty data source name")
	case len(n) > MaxNameLen:
		return "", errors.E(op, n, errors.Invalid, "data source name too long")
	case n[0] == '.':
		return "", errors.E(op, n, errors.Invalid, "data source name starts with a dot")
	}
	for _, r := range string(n) {
		if !okNameChar(r) {
			return "", errors.E(op, n, errors.Invalid, errors.Errorf("bad character %q in data source name", r))
		}
	}
	return n, nil
}

func okNameChar(r rune) bool {
	switch {
	case r == '/' || r == '\\' || r == ':' || r == '*' || r == '?':
		return false
	case unicode.IsSpace(r) || unicode.IsControl(r):
		return false
	}
	return unicode.IsPrint(r)
}

// URI verifies that uri is empty or an absolute URI.
func URI(uri string) error {
	const op errors.Op = "valid.URI"
	if uri == "" {
		return nil
	}
	u, err := url.Parse(uri)
	if err != nil {
		return errors.E(op, errors.Invalid, err)
	}
	if !u.IsAbs() {
		return errors.E(op, errors.Invalid, errors.Errorf("URI %q is not absolute", uri))
	}
	return nil
}

// DataSourceDescription verifies that the description is complete and
// well formed.
func DataSourceDescription(d delta.DataSourceDescription) error {
	const op errors.Op = "valid.DataSourceDescription"
	if d.Id.IsNil() {
		return errors.E(op, d.Name, errors.Invalid, "data source has no id")
	}
	n, err := DataSourceName(d.Name)
	if err != nil {
		return errors.E(op, err)
	}
	if n != d.Name {
		return errors.E(op, d.Name, errors.Invalid, "data source name is not in normal form")
	}
	if err := URI(d.URI); err != nil {
		return errors.E(op, d.Name, err)
	}
	return nil
}

// Patch verifies that the patch can be offered to a patch log: it has an
// id, and it does not name itself as its predecessor.
func Patch(p *delta.Patch) error {
	const op errors.Op = "valid.Patch"
	if p == nil {
		return errors.E(op, errors.BadPatch, "nil patch")
	}
	id := p.Id()
	if id.IsNil() {
		return errors.E(op, errors.BadPatch, "patch has no id")
	}
	if p.Previous() == id {
		return errors.E(op, id, errors.BadPatch, "patch is its own previous patch")
	}
	if v, ok := p.Header.Get(delta.HeaderPrevious); ok && p.Previous().IsNil() {
		return errors.E(op, id, errors.BadPatch, errors.Errorf("bad previous id %s", v))
	}
	return nil
}
