// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kv

import (
	"bytes"

	"golang.org/x/crypto/blake2b"

	"rdfdelta.io/errors"
)

// seal returns payload prefixed by its checksum.
func seal(payload []byte) []byte {
	sum := blake2b.Sum256(payload)
	v := make([]byte, 0, len(sum)+len(payload))
	v = append(v, sum[:]...)
	return append(v, payload...)
}

// unseal checks the checksum of a value read from key and returns its
// payload.
func unseal(key, v []byte) ([]byte, error) {
	if len(v) < blake2b.Size256 {
		return nil, errors.E(errors.Internal, errors.Errorf("key %s: value too short", key))
	}
	payload := v[blake2b.Size256:]
	sum := blake2b.Sum256(payload)
	if !bytes.Equal(sum[:], v[:blake2b.Size256]) {
		return nil, errors.E(errors.Internal, errors.Errorf("key %s: checksum mismatch", key))
	}
	return payload, nil
}
