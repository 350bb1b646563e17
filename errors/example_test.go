// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package errors_test

import (
	"fmt"

	"rdfdelta.io/delta"
	"rdfdelta.io/errors"
)

func ExampleError() {
	name := delta.Name("books")

	// Single error.
	e1 := errors.E(errors.Op("filestore.Write"), name, errors.IO, "disk full")
	fmt.Println("\nSimple error:")
	fmt.Println(e1)

	// Nested error.
	fmt.Println("\nNested error:")
	e2 := errors.E(errors.Op("patchlog.Append"), name, errors.Other, e1)
	fmt.Println(e2)

	// Output:
	//
	// Simple error:
	// filestore.Write: books: I/O error: disk full
	//
	// Nested error:
	// patchlog.Append: books: I/O error:
	//	filestore.Write: disk full
}

func ExampleMatch() {
	name := delta.Name("books")
	err := errors.Str("previous is not the head")

	// Construct an error, one we pretend to have received from a test.
	got := errors.E(errors.Op("patchlog.Append"), name, errors.BadPatch, err)

	// Now construct a reference error, which might not have all
	// the fields of the error from the test.
	expect := errors.E(name, errors.BadPatch, err)

	fmt.Println("Match:", errors.Match(expect, got))

	// Now one that's incorrect - wrong Kind.
	got = errors.E(errors.Op("patchlog.Append"), name, errors.IO, err)

	fmt.Println("Mismatch:", errors.Match(expect, got))

	// Output:
	//
	// Match: true
	// Mismatch: false
}
