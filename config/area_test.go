// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"rdfdelta.io/delta"
	"rdfdelta.io/errors"
)

func newSource(name string) Source {
	return Source{
		DataSourceDescription: delta.DataSourceDescription{
			Id:   delta.NewId(),
			Name: delta.Name(name),
			URI:  "http://example/" + name,
		},
		LogType: "file",
	}
}

func TestSetupAndScan(t *testing.T) {
	root := t.TempDir()
	a, b := newSource("alpha"), newSource("beta")
	for _, src := range []Source{b, a} {
		if _, err := SetupArea(root, src); err != nil {
			t.Fatal(err)
		}
	}
	// Directories that are not areas are ignored.
	if err := os.Mkdir(filepath.Join(root, "other"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(root, ".hidden"), 0755); err != nil {
		t.Fatal(err)
	}

	areas, err := ScanDirectory(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(areas) != 2 {
		t.Fatalf("got %d areas, want 2", len(areas))
	}
	for i, want := range []Source{a, b} {
		got := areas[i]
		if got.Source != want {
			t.Errorf("area %d: got %+v, want %+v", i, got.Source, want)
		}
		if got.Dir != filepath.Join(root, string(want.Name)) {
			t.Errorf("area %d: dir %q", i, got.Dir)
		}
	}

	_, err = SetupArea(root, a)
	if !errors.Is(errors.Exist, err) {
		t.Errorf("second setup: got %v, want Exist", err)
	}
}

func TestDisableAndRetire(t *testing.T) {
	root := t.TempDir()
	src := newSource("gamma")
	dir, err := SetupArea(root, src)
	if err != nil {
		t.Fatal(err)
	}
	if !IsEnabled(dir) {
		t.Fatal("new area is disabled")
	}
	if err := Disable(dir); err != nil {
		t.Fatal(err)
	}
	if IsEnabled(dir) {
		t.Fatal("disabled area is enabled")
	}
	areas, err := ScanDirectory(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(areas) != 0 {
		t.Errorf("scan found disabled area: %v", areas)
	}

	for n := 1; n <= 2; n++ {
		to, err := Retire(dir)
		if err != nil {
			t.Fatal(err)
		}
		if want := dir + ".deleted." + string(rune('0'+n)); to != want {
			t.Errorf("retire %d: got %q, want %q", n, to, want)
		}
		if IsEnabled(to) {
			t.Errorf("retire %d: %s is enabled", n, to)
		}
		// The name is free again.
		if _, err := SetupArea(root, newSource("gamma")); err != nil {
			t.Fatal(err)
		}
	}
	areas, err = ScanDirectory(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(areas) != 1 || areas[0].Source.Name != "gamma" {
		t.Errorf("after retire: got %v, want one gamma area", areas)
	}
}

func TestScanSkipsRetiredName(t *testing.T) {
	root := t.TempDir()
	dir, err := SetupArea(root, newSource("delta"))
	if err != nil {
		t.Fatal(err)
	}
	// Moved aside by hand, without the disabled marker.
	if err := os.Rename(dir, dir+retiredInfix+"1"); err != nil {
		t.Fatal(err)
	}
	areas, err := ScanDirectory(root)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(areas) != 0 {
		t.Errorf("scan found retired area: %v", areas)
	}
}

func TestScanErrors(t *testing.T) {
	_, err := ScanDirectory(filepath.Join(t.TempDir(), "missing"))
	if !errors.Is(errors.NotExist, err) {
		t.Errorf("missing root: got %v, want NotExist", err)
	}

	// An area whose name differs from its directory.
	root := t.TempDir()
	dir := filepath.Join(root, "wrong")
	if err := os.Mkdir(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := WriteSource(dir, newSource("right")); err != nil {
		t.Fatal(err)
	}
	_, err = ScanDirectory(root)
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("misnamed area: got %v, want Invalid", err)
	}

	// An unknown key in the source file.
	if err := os.WriteFile(filepath.Join(dir, SourceFile), []byte("id: x\ncolour: red\n"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err = ReadSource(dir)
	if !errors.Is(errors.Syntax, err) {
		t.Errorf("bad source file: got %v, want Syntax", err)
	}
}

func TestSetupInvalid(t *testing.T) {
	root := t.TempDir()
	if _, err := SetupArea("", newSource("x")); !errors.Is(errors.Invalid, err) {
		t.Errorf("no root: got %v, want Invalid", err)
	}
	bad := newSource("x")
	bad.Name = "a/b"
	if _, err := SetupArea(root, bad); !errors.Is(errors.Invalid, err) {
		t.Errorf("bad name: got %v, want Invalid", err)
	}
	bad = newSource("x")
	bad.Id = delta.NilId
	if _, err := SetupArea(root, bad); !errors.Is(errors.Invalid, err) {
		t.Errorf("no id: got %v, want Invalid", err)
	}
}
