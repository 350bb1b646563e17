// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package delta contains global interface and other definitions for the
// components of the patch log service.
//
// A data source is a named dataset. Each data source owns one patch log,
// an append-only sequence of patches chained by id. Every patch names the
// patch that must precede it, so the log can be rebuilt from stored
// patch headers alone.
package delta // import "rdfdelta.io/delta"
