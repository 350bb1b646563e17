// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package delta

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// An Id identifies a patch, a data source or a lock session.
// Ids are compared by value. The zero Id is NilId.
type Id struct {
	u uuid.UUID
}

// NilId is the distinguished Id meaning "none", such as the previous
// patch of the first patch in a log.
var NilId Id

// Prefixes accepted by ParseId. The first is the one used by String.
const (
	idPrefix      = "id:"
	uuidPrefix    = "uuid:"
	urnUUIDPrefix = "urn:uuid:"
)

// NewId returns a fresh, random Id.
func NewId() Id {
	return Id{u: uuid.New()}
}

// IdFromUUID returns the Id for the given UUID.
func IdFromUUID(u uuid.UUID) Id {
	return Id{u: u}
}

// ParseId parses the textual forms of an Id: "id:<uuid>", "uuid:<uuid>",
// "urn:uuid:<uuid>" or a bare UUID.
func ParseId(s string) (Id, error) {
	str := s
	switch {
	case strings.HasPrefix(str, idPrefix):
		str = str[len(idPrefix):]
	case strings.HasPrefix(str, urnUUIDPrefix):
		str = str[len(urnUUIDPrefix):]
	case strings.HasPrefix(str, uuidPrefix):
		str = str[len(uuidPrefix):]
	}
	u, err := uuid.Parse(str)
	if err != nil {
		return NilId, fmt.Errorf("bad id %q: %v", s, err)
	}
	return Id{u: u}, nil
}

// IsNil reports whether id is NilId.
func (id Id) IsNil() bool {
	return id.u == uuid.Nil
}

// Equal reports whether id and other are the same Id.
func (id Id) Equal(other Id) bool {
	return id.u == other.u
}

// UUID returns the underlying UUID.
func (id Id) UUID() uuid.UUID {
	return id.u
}

// String returns the "id:<uuid>" form of the Id.
func (id Id) String() string {
	return idPrefix + id.u.String()
}

// PlainString returns the bare UUID text of the Id.
func (id Id) PlainString() string {
	return id.u.String()
}

// URN returns the "uuid:<uuid>" form used inside patch headers.
func (id Id) URN() string {
	return uuidPrefix + id.u.String()
}

// Short returns a shortened form of the Id, suitable for log messages.
func (id Id) Short() string {
	return id.u.String()[:8]
}

// MarshalText implements encoding.TextMarshaler.
func (id Id) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *Id) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*id = NilId
		return nil
	}
	v, err := ParseId(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

// MarshalYAML implements yaml.Marshaler from gopkg.in/yaml.v2.
func (id Id) MarshalYAML() (interface{}, error) {
	return id.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler from gopkg.in/yaml.v2.
func (id *Id) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return id.UnmarshalText([]byte(s))
}
