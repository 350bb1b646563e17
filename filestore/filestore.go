// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package filestore implements a durable append area: a directory of
// numbered files, one per stored item, written by a temporary file and
// an atomic rename so that a partial write is never visible.
package filestore // import "rdfdelta.io/filestore"

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"rdfdelta.io/errors"
	"rdfdelta.io/log"
)

// tmpSuffix marks a file being written. Such files are deleted by Attach.
const tmpSuffix = ".tmp"

// FileStore is an append area in a single directory. Files are named
// basename-NNNN, with indexes starting at 1 and increasing by one.
// Writers must not overlap: the patch log serializes its appends, and a
// FileStore belongs to exactly one patch log.
type FileStore struct {
	dir      string
	basename string

	mu      sync.Mutex // protects the fields below.
	indexes []int64    // completed indexes, in increasing order.
	next    int64      // next index to allocate.
	closed  bool
}

// A Slot is a reserved index and the temporary file its bytes are written to.
type Slot struct {
	fs    *FileStore
	index int64
	tmp   string
	f     *os.File
	done  bool
}

// Attach opens the append area in dir, creating the directory if needed.
// Leftover temporary files from an interrupted write are deleted.
func Attach(dir, basename string) (*FileStore, error) {
	const op errors.Op = "filestore.Attach"
	if basename == "" || strings.ContainsAny(basename, `/\`) {
		return nil, errors.E(op, errors.Invalid, errors.Errorf("bad basename %q", basename))
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	fs := &FileStore{
		dir:      dir,
		basename: basename,
	}
	if err := fs.scan(); err != nil {
		return nil, errors.E(op, err)
	}
	fs.next = fs.currentIndex() + 1
	return fs, nil
}

// scan finds the completed files in the directory and deletes
// temporary ones.
func (fs *FileStore) scan() error {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return errors.E(errors.IO, err)
	}
	prefix := fs.basename + "-"
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) || e.IsDir() {
			continue
		}
		if strings.HasSuffix(name, tmpSuffix) {
			log.Info.Printf("filestore: removing incomplete file %s", filepath.Join(fs.dir, name))
			if err := os.Remove(filepath.Join(fs.dir, name)); err != nil {
				return errors.E(errors.IO, err)
			}
			continue
		}
		idx, err := strconv.ParseInt(name[len(prefix):], 10, 64)
		if err != nil || idx < 1 {
			log.Error.Printf("filestore.scan: can't parse %q", filepath.Join(fs.dir, name))
			continue
		}
		fs.indexes = append(fs.indexes, idx)
	}
	sort.Slice(fs.indexes, func(i, j int) bool { return fs.indexes[i] < fs.indexes[j] })
	return nil
}

// Dir returns the directory of the store.
func (fs *FileStore) Dir() string {
	return fs.dir
}

// Filename returns the path of the file for index. The file need not exist.
func (fs *FileStore) Filename(index int64) string {
	return filepath.Join(fs.dir, fmt.Sprintf("%s-%04d", fs.basename, index))
}

// AllocateFilename reserves the next index and opens a temporary file for
// its contents. The caller writes to the slot and then calls CompleteWrite
// or Abort.
func (fs *FileStore) AllocateFilename() (*Slot, error) {
	const op errors.Op = "filestore.AllocateFilename"
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return nil, errors.E(op, errors.Invalid, "file store is closed")
	}
	idx := fs.next
	tmp := fs.Filename(idx) + tmpSuffix
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	fs.next++
	return &Slot{fs: fs, index: idx, tmp: tmp, f: f}, nil
}

// Index returns the index reserved by the slot.
func (s *Slot) Index() int64 {
	return s.index
}

// Write implements io.Writer.
func (s *Slot) Write(b []byte) (int, error) {
	return s.f.Write(b)
}

// CompleteWrite flushes the slot's file to stable storage and only then
// renames it into place, making it visible to Indexes and to later scans.
func (fs *FileStore) CompleteWrite(s *Slot) error {
	const op errors.Op = "filestore.CompleteWrite"
	if s.fs != fs || s.done {
		return errors.E(op, errors.Invalid, "slot is not pending in this store")
	}
	s.done = true
	if err := s.f.Sync(); err != nil {
		s.f.Close()
		fs.abort(s)
		return errors.E(op, errors.IO, err)
	}
	if err := s.f.Close(); err != nil {
		fs.abort(s)
		return errors.E(op, errors.IO, err)
	}
	if err := os.Rename(s.tmp, fs.Filename(s.index)); err != nil {
		fs.abort(s)
		return errors.E(op, errors.IO, err)
	}
	syncDir(fs.dir)

	fs.mu.Lock()
	fs.indexes = append(fs.indexes, s.index)
	fs.mu.Unlock()
	return nil
}

// Abort discards a pending slot.
func (fs *FileStore) Abort(s *Slot) {
	if s.done {
		return
	}
	s.done = true
	s.f.Close()
	fs.abort(s)
}

// abort removes the temporary file and, if the slot was the last one
// allocated, returns its index so no gap is left behind.
func (fs *FileStore) abort(s *Slot) {
	os.Remove(s.tmp)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if s.index == fs.next-1 {
		fs.next--
	}
}

// Write stores data at the next index and returns the index.
func (fs *FileStore) Write(data []byte) (int64, error) {
	s, err := fs.AllocateFilename()
	if err != nil {
		return 0, err
	}
	if _, err := s.Write(data); err != nil {
		fs.Abort(s)
		return 0, errors.E(errors.Op("filestore.Write"), errors.IO, err)
	}
	if err := fs.CompleteWrite(s); err != nil {
		return 0, err
	}
	return s.index, nil
}

// Open returns a reader for the file at index.
func (fs *FileStore) Open(index int64) (io.ReadCloser, error) {
	const op errors.Op = "filestore.Open"
	f, err := os.Open(fs.Filename(index))
	if os.IsNotExist(err) {
		return nil, errors.E(op, errors.NotExist, errors.Errorf("no file for index %d", index))
	}
	if err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	return f, nil
}

// Read returns the contents of the file at index.
func (fs *FileStore) Read(index int64) ([]byte, error) {
	const op errors.Op = "filestore.Read"
	rc, err := fs.Open(index)
	if err != nil {
		return nil, errors.E(op, err)
	}
	defer rc.Close()
	var b bytes.Buffer
	if _, err := b.ReadFrom(rc); err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	return b.Bytes(), nil
}

// Indexes returns the completed indexes in increasing order.
func (fs *FileStore) Indexes() []int64 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]int64(nil), fs.indexes...)
}

// MinIndex returns the lowest completed index, or 0 if the store is empty.
func (fs *FileStore) MinIndex() int64 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.indexes) == 0 {
		return 0
	}
	return fs.indexes[0]
}

// CurrentIndex returns the highest completed index, or 0 if the store
// is empty.
func (fs *FileStore) CurrentIndex() int64 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.currentIndex()
}

func (fs *FileStore) currentIndex() int64 {
	if len(fs.indexes) == 0 {
		return 0
	}
	return fs.indexes[len(fs.indexes)-1]
}

// IsEmpty reports whether the store holds no completed files.
func (fs *FileStore) IsEmpty() bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.indexes) == 0
}

// Close releases the store. Later allocations fail.
func (fs *FileStore) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.closed = true
	return nil
}

// Remove closes the store and deletes its directory and all its files.
func (fs *FileStore) Remove() error {
	const op errors.Op = "filestore.Remove"
	fs.mu.Lock()
	fs.closed = true
	fs.indexes = nil
	fs.mu.Unlock()
	// Note: RemoveAll returns nil if the directory does not exist.
	if err := os.RemoveAll(fs.dir); err != nil {
		return errors.E(op, errors.IO, err)
	}
	return nil
}

// syncDir flushes the directory entry of a rename. Failure is logged
// only: not every file system supports syncing a directory.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		log.Debug.Printf("filestore: open %s for sync: %v", dir, err)
		return
	}
	if err := d.Sync(); err != nil {
		log.Debug.Printf("filestore: sync %s: %v", dir, err)
	}
	d.Close()
}
