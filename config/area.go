// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	yaml "gopkg.in/yaml.v2"

	"rdfdelta.io/delta"
	"rdfdelta.io/errors"
	"rdfdelta.io/log"
	"rdfdelta.io/valid"
)

// Names of the files in a data source area.
const (
	// SourceFile holds the description of the data source.
	SourceFile = "source.cfg"

	// DisabledFile marks an area that is skipped by ScanDirectory.
	DisabledFile = "disabled"

	// retiredInfix separates the name of a retired area from its
	// sequence number.
	retiredInfix = ".deleted."
)

// Source is the content of a data source's SourceFile.
type Source struct {
	delta.DataSourceDescription `yaml:",inline"`

	// LogType is the short name of the provider holding the log.
	LogType string `yaml:"log_type"`
}

// An Area is a data source area found on disk.
type Area struct {
	Dir    string
	Source Source
}

// ScanDirectory returns the enabled data source areas under root, in
// name order. A subdirectory holding no SourceFile is not an area and is
// ignored. The name of every area must equal the name of its data source.
func ScanDirectory(root string) ([]Area, error) {
	const op errors.Op = "config.ScanDirectory"
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.E(op, errors.NotExist, err)
		}
		return nil, errors.E(op, errors.IO, err)
	}
	var areas []Area
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		dir := filepath.Join(root, e.Name())
		if strings.Contains(e.Name(), retiredInfix) {
			log.Debug.Printf("config: skipping retired data source area %s", dir)
			continue
		}
		if !isArea(dir) {
			log.Debug.Printf("config: %s is not a data source area", dir)
			continue
		}
		if !IsEnabled(dir) {
			log.Info.Printf("config: skipping disabled data source area %s", dir)
			continue
		}
		src, err := ReadSource(dir)
		if err != nil {
			return nil, errors.E(op, err)
		}
		if string(src.Name) != e.Name() {
			return nil, errors.E(op, src.Name, src.Id, errors.Invalid,
				errors.Errorf("area %s holds data source %q", dir, src.Name))
		}
		areas = append(areas, Area{Dir: dir, Source: src})
	}
	return areas, nil
}

// isArea reports whether dir has the skeleton of a data source area.
func isArea(dir string) bool {
	fi, err := os.Stat(filepath.Join(dir, SourceFile))
	if err != nil {
		return false
	}
	if !fi.Mode().IsRegular() {
		log.Info.Printf("config: %s exists but is not a file", filepath.Join(dir, SourceFile))
	}
	return true
}

// SetupArea creates the area of the data source under root and writes
// its SourceFile. It returns the directory of the area. An existing
// area, enabled or not, is an errors.Exist error.
func SetupArea(root string, src Source) (string, error) {
	const op errors.Op = "config.SetupArea"
	if root == "" {
		return "", errors.E(op, src.Name, errors.Invalid, "no server root")
	}
	if err := valid.DataSourceDescription(src.DataSourceDescription); err != nil {
		return "", errors.E(op, err)
	}
	dir := filepath.Join(root, string(src.Name))
	if isArea(dir) {
		return "", errors.E(op, src.Name, errors.Exist, errors.Errorf("data source area %s already exists", dir))
	}
	if !IsEnabled(dir) {
		return "", errors.E(op, src.Name, errors.Exist, errors.Errorf("data source area %s is disabled", dir))
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.E(op, src.Name, errors.IO, err)
	}
	if err := WriteSource(dir, src); err != nil {
		return "", errors.E(op, err)
	}
	return dir, nil
}

// WriteSource writes the SourceFile of the area in dir. The file is
// replaced atomically.
func WriteSource(dir string, src Source) error {
	const op errors.Op = "config.WriteSource"
	data, err := yaml.Marshal(src)
	if err != nil {
		return errors.E(op, src.Name, errors.Invalid, err)
	}
	name := filepath.Join(dir, SourceFile)
	tmp := name + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.E(op, src.Name, errors.IO, err)
	}
	_, err = f.Write(data)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, name)
	}
	if err != nil {
		os.Remove(tmp)
		return errors.E(op, src.Name, errors.IO, err)
	}
	return nil
}

// ReadSource reads and checks the SourceFile of the area in dir.
func ReadSource(dir string) (Source, error) {
	const op errors.Op = "config.ReadSource"
	var src Source
	data, err := os.ReadFile(filepath.Join(dir, SourceFile))
	if err != nil {
		if os.IsNotExist(err) {
			return src, errors.E(op, errors.NotExist, err)
		}
		return src, errors.E(op, errors.IO, err)
	}
	if err := yaml.UnmarshalStrict(data, &src); err != nil {
		return src, errors.E(op, errors.Syntax, errors.Errorf("%s: %v", filepath.Join(dir, SourceFile), err))
	}
	if err := valid.DataSourceDescription(src.DataSourceDescription); err != nil {
		return src, errors.E(op, err)
	}
	return src, nil
}

// IsEnabled reports whether the area in dir has no disabled marker.
// It does not check that dir is an area.
func IsEnabled(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, DisabledFile))
	return os.IsNotExist(err)
}

// Disable writes the disabled marker of the area in dir.
func Disable(dir string) error {
	f, err := os.OpenFile(filepath.Join(dir, DisabledFile), os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return errors.E(errors.Op("config.Disable"), errors.IO, err)
	}
	return f.Close()
}

// Retire disables the area in dir and moves it aside, to
// <dir>.deleted.<n> for the smallest unused n, and returns the new
// directory. The same name can then be used for a new area.
func Retire(dir string) (string, error) {
	const op errors.Op = "config.Retire"
	dir = filepath.Clean(dir)
	if err := Disable(dir); err != nil {
		return "", errors.E(op, err)
	}
	for n := 1; ; n++ {
		to := fmt.Sprintf("%s%s%d", dir, retiredInfix, n)
		if _, err := os.Lstat(to); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			return "", errors.E(op, errors.IO, err)
		}
		if err := os.Rename(dir, to); err != nil {
			return "", errors.E(op, errors.IO, err)
		}
		return to, nil
	}
}
