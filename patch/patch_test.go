// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package patch

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"rdfdelta.io/delta"
	"rdfdelta.io/errors"
)

const sample = `# A sample patch.
H id <uuid:0a2a7d01-0000-4000-8000-000000000001> .
H prev <uuid:5b88cd33-0000-4000-8000-000000000002> .
TX .
PA "ex" "http://example/" .
A <http://example/s> <http://example/p> "o" .
A <http://example/s> <http://example/p> "chat"@fr <http://example/g> .
D _:b0 <http://example/p> "1"^^<http://www.w3.org/2001/XMLSchema#int> .
PD "ex" .
TC .
`

func TestRead(t *testing.T) {
	p, err := Read(strings.NewReader(sample))
	if err != nil {
		t.Fatal(err)
	}
	id, _ := delta.ParseId("0a2a7d01-0000-4000-8000-000000000001")
	prev, _ := delta.ParseId("5b88cd33-0000-4000-8000-000000000002")
	if p.Id() != id || p.Previous() != prev {
		t.Fatalf("ids: got %v %v, want %v %v", p.Id(), p.Previous(), id, prev)
	}
	want := []delta.Op{
		{Kind: delta.TxnBegin},
		{Kind: delta.AddPrefix, Prefix: "ex", URI: "http://example/"},
		{Kind: delta.AddQuad, Subject: "<http://example/s>", Predicate: "<http://example/p>", Object: `"o"`},
		{Kind: delta.AddQuad, Subject: "<http://example/s>", Predicate: "<http://example/p>", Object: `"chat"@fr`, Graph: "<http://example/g>"},
		{Kind: delta.DeleteQuad, Subject: "_:b0", Predicate: "<http://example/p>", Object: `"1"^^<http://www.w3.org/2001/XMLSchema#int>`},
		{Kind: delta.DeletePrefix, Prefix: "ex"},
		{Kind: delta.TxnCommit},
	}
	if diff := cmp.Diff(want, p.Ops); diff != "" {
		t.Errorf("ops mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteRead(t *testing.T) {
	p := delta.NewPatch(delta.NewId(), delta.NewId(),
		delta.Op{Kind: delta.TxnBegin},
		delta.Op{Kind: delta.AddPrefix, Prefix: "q\"t", URI: "http://example/a b"},
		delta.Op{Kind: delta.AddQuad, Subject: "<http://example/s>", Predicate: "<http://example/p>", Object: `"line\nbreak"`},
		delta.Op{Kind: delta.Segment},
		delta.Op{Kind: delta.TxnAbort},
	)
	b, err := Encode(p)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("%v\n%s", err, b)
	}
	if diff := cmp.Diff(p, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestReadHeaderStopsAtBody(t *testing.T) {
	// The body is not valid; a header-only read must not look at it.
	text := "H id <uuid:0a2a7d01-0000-4000-8000-000000000001> .\nTX .\nA <s> \"unterminated\n"
	h, err := ReadHeader(strings.NewReader(text))
	if err != nil {
		t.Fatal(err)
	}
	if len(h) != 1 || h.Id().IsNil() {
		t.Fatalf("header = %v", h)
	}
	if _, err := Read(strings.NewReader(text)); !errors.Is(errors.Syntax, err) {
		t.Fatalf("Read of bad body: got %v, want syntax error", err)
	}
}

func TestDotRunIn(t *testing.T) {
	p, err := Read(strings.NewReader("H id <uuid:0a2a7d01-0000-4000-8000-000000000001>.\nTX.\nA _:a <http://example/p> _:b.\nA _:a <http://example/p> \"x\"@en.\nTC.\n"))
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Ops) != 4 {
		t.Fatalf("got %d ops, want 4: %v", len(p.Ops), p.Ops)
	}
	if p.Ops[1].Object != "_:b" || p.Ops[2].Object != `"x"@en` {
		t.Errorf("objects = %q, %q", p.Ops[1].Object, p.Ops[2].Object)
	}
}

func TestSyntaxErrors(t *testing.T) {
	tests := []string{
		".\n",
		"<http://example/s> .\n",
		"X .\n",
		"A <s> <p> .\n",
		"A <s> <p> <o>\n",
		"H id .\n",
		"TX .\nH id <uuid:0a2a7d01-0000-4000-8000-000000000001> .\n",
		"PA <http://example/> <http://example/> .\n",
		"A <s <p> <o> .\n",
	}
	for _, text := range tests {
		_, err := Read(strings.NewReader(text))
		if !errors.Is(errors.Syntax, err) {
			t.Errorf("Read(%q): got %v, want syntax error", text, err)
		}
	}
}

func TestWriteInvalid(t *testing.T) {
	p := &delta.Patch{Ops: []delta.Op{{Kind: delta.AddQuad, Subject: "<s>"}}}
	if _, err := Encode(p); !errors.Is(errors.Invalid, err) {
		t.Fatalf("Encode: got %v, want invalid", err)
	}
}
