// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package valid

import (
	"strings"
	"testing"

	"rdfdelta.io/delta"
	"rdfdelta.io/errors"
)

func TestDataSourceName(t *testing.T) {
	tests := []struct {
		name  delta.Name
		valid bool
	}{
		{"", false},
		{"books", true},
		{"my-data_set.v2", true},
		{".hidden", false},
		{"a/b", false},
		{`a\b`, false},
		{"a b", false},
		{"tab\there", false},
		{"café", true},
		{delta.Name(strings.Repeat("x", MaxNameLen+1)), false},
	}
	for _, test := range tests {
		_, err := DataSourceName(test.name)
		if test.valid == (err == nil) {
			continue
		}
		t.Errorf("%q: expected valid=%t; got error %v", test.name, test.valid, err)
	}
}

func TestDataSourceNameNormalizes(t *testing.T) {
	// "e" followed by a combining acute accent composes to U+00E9.
	got, err := DataSourceName("cafe\u0301")
	if err != nil {
		t.Fatal(err)
	}
	if got != "caf\u00e9" {
		t.Errorf("got %q; want NFC form", got)
	}
	d := delta.DataSourceDescription{Id: delta.NewId(), Name: "cafe\u0301"}
	if err := DataSourceDescription(d); err == nil {
		t.Error("description with non-normal name accepted")
	}
}

func TestURI(t *testing.T) {
	for _, uri := range []string{"", "http://example/ds", "urn:x:y"} {
		if err := URI(uri); err != nil {
			t.Errorf("URI(%q): %v", uri, err)
		}
	}
	for _, uri := range []string{"relative/path", "%zz"} {
		if err := URI(uri); err == nil {
			t.Errorf("URI(%q): expected error", uri)
		}
	}
}

func TestPatch(t *testing.T) {
	id := delta.NewId()
	tests := []struct {
		p     *delta.Patch
		valid bool
	}{
		{nil, false},
		{&delta.Patch{}, false},
		{delta.NewPatch(id, delta.NilId), true},
		{delta.NewPatch(id, delta.NewId()), true},
		{delta.NewPatch(id, id), false},
		{&delta.Patch{Header: delta.Header{
			{Field: delta.HeaderId, Value: delta.IdNode(id)},
			{Field: delta.HeaderPrevious, Value: "<uuid:garbage>"},
		}}, false},
	}
	for i, test := range tests {
		err := Patch(test.p)
		if test.valid == (err == nil) {
			continue
		}
		t.Errorf("%d: expected valid=%t; got error %v", i, test.valid, err)
		if err != nil && !errors.Is(errors.BadPatch, err) {
			t.Errorf("%d: got %v; want bad patch", i, err)
		}
	}
}
