// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package delta

// Well known header fields.
const (
	HeaderId       = "id"
	HeaderPrevious = "prev"
	HeaderCreated  = "create"
	HeaderSource   = "source"

	// headerPreviousLong is accepted as a synonym of HeaderPrevious.
	headerPreviousLong = "previous"
)

// A Node is an RDF term held in its N-Triples text form, such as
// <http://example/s>, "text"@en, "1"^^<http://www.w3.org/2001/XMLSchema#int>
// or _:b0. The patch log does not interpret nodes.
type Node string

// A HeaderField is one key/value line of a patch header. Ids are held
// in their node form, <uuid:...>.
type HeaderField struct {
	Field string
	Value Node
}

// A Header is the ordered metadata of a patch.
type Header []HeaderField

// Get returns the value of the first occurrence of field.
func (h Header) Get(field string) (Node, bool) {
	for _, f := range h {
		if f.Field == field {
			return f.Value, true
		}
	}
	return "", false
}

// Id returns the patch id recorded in the header, or NilId.
func (h Header) Id() Id {
	return h.idField(HeaderId)
}

// Previous returns the previous patch id recorded in the header, or NilId.
func (h Header) Previous() Id {
	if id := h.idField(HeaderPrevious); !id.IsNil() {
		return id
	}
	return h.idField(headerPreviousLong)
}

func (h Header) idField(field string) Id {
	v, ok := h.Get(field)
	if !ok {
		return NilId
	}
	id, err := ParseId(NodeText(v))
	if err != nil {
		return NilId
	}
	return id
}

// IdNode returns the header node form of id.
func IdNode(id Id) Node {
	return Node("<" + id.URN() + ">")
}

// NodeText returns the lexical text of an IRI or plain literal node,
// that is, without the enclosing <> or "". Other nodes are returned as is.
func NodeText(n Node) string {
	s := string(n)
	if len(s) >= 2 {
		if s[0] == '<' && s[len(s)-1] == '>' {
			return s[1 : len(s)-1]
		}
		if s[0] == '"' && s[len(s)-1] == '"' {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// OpKind is the kind of a change record in a patch.
type OpKind uint8

// Kinds of change records.
const (
	AddQuad OpKind = iota
	DeleteQuad
	AddPrefix
	DeletePrefix
	TxnBegin
	TxnCommit
	TxnAbort
	Segment
)

var opCodes = [...]string{
	AddQuad:      "A",
	DeleteQuad:   "D",
	AddPrefix:    "PA",
	DeletePrefix: "PD",
	TxnBegin:     "TX",
	TxnCommit:    "TC",
	TxnAbort:     "TA",
	Segment:      "SEG",
}

// Code returns the patch text code of the kind, such as "A" or "TX".
func (k OpKind) Code() string {
	if int(k) < len(opCodes) {
		return opCodes[k]
	}
	return "?"
}

func (k OpKind) String() string {
	return k.Code()
}

// An Op is one change record. Which fields are meaningful depends on Kind:
// quads use Subject, Predicate, Object and optionally Graph; prefixes use
// Prefix, URI (for AddPrefix) and optionally Graph; transaction markers
// and segments use none.
type Op struct {
	Kind      OpKind
	Subject   Node
	Predicate Node
	Object    Node
	Graph     Node
	Prefix    string
	URI       string
}

// A Patch is an immutable change set. Patches are identified by the id
// in their header; two patches with the same id are the same patch.
type Patch struct {
	Header Header
	Ops    []Op
}

// Id returns the id of the patch.
func (p *Patch) Id() Id {
	return p.Header.Id()
}

// Previous returns the id of the patch that must precede this one,
// or NilId if this patch starts a log.
func (p *Patch) Previous() Id {
	return p.Header.Previous()
}

// NewPatch returns a patch with the given id, previous id and operations.
// The header is id, then prev if previous is not NilId.
func NewPatch(id, previous Id, ops ...Op) *Patch {
	h := Header{{Field: HeaderId, Value: IdNode(id)}}
	if !previous.IsNil() {
		h = append(h, HeaderField{Field: HeaderPrevious, Value: IdNode(previous)})
	}
	return &Patch{Header: h, Ops: ops}
}
