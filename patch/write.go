// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package patch

import (
	"bufio"
	"bytes"
	"io"
	"strings"

	"rdfdelta.io/delta"
	"rdfdelta.io/errors"
)

// Write writes p to w in the text format, header first.
func Write(w io.Writer, p *delta.Patch) error {
	const op errors.Op = "patch.Write"
	bw := bufio.NewWriter(w)
	for _, f := range p.Header {
		if f.Field == "" || f.Value == "" {
			return errors.E(op, errors.Invalid, errors.Errorf("empty header field %q", f.Field))
		}
		bw.WriteString(codeHeader)
		bw.WriteByte(' ')
		bw.WriteString(f.Field)
		bw.WriteByte(' ')
		bw.WriteString(string(f.Value))
		bw.WriteString(" .\n")
	}
	for i := range p.Ops {
		if err := writeOp(bw, &p.Ops[i]); err != nil {
			return errors.E(op, errors.Invalid, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return errors.E(op, errors.IO, err)
	}
	return nil
}

// Encode returns the text form of p.
func Encode(p *delta.Patch) ([]byte, error) {
	var b bytes.Buffer
	if err := Write(&b, p); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func writeOp(bw *bufio.Writer, o *delta.Op) error {
	bw.WriteString(o.Kind.Code())
	switch o.Kind {
	case delta.AddQuad, delta.DeleteQuad:
		if o.Subject == "" || o.Predicate == "" || o.Object == "" {
			return errors.Errorf("%s record with missing node", o.Kind)
		}
		for _, n := range []delta.Node{o.Subject, o.Predicate, o.Object, o.Graph} {
			if n == "" {
				continue
			}
			bw.WriteByte(' ')
			bw.WriteString(string(n))
		}
	case delta.AddPrefix, delta.DeletePrefix:
		bw.WriteByte(' ')
		bw.WriteString(quote(o.Prefix))
		if o.Kind == delta.AddPrefix {
			bw.WriteByte(' ')
			bw.WriteString(quote(o.URI))
		}
		if o.Graph != "" {
			bw.WriteByte(' ')
			bw.WriteString(string(o.Graph))
		}
	case delta.TxnBegin, delta.TxnCommit, delta.TxnAbort, delta.Segment:
	default:
		return errors.Errorf("unknown record kind %d", o.Kind)
	}
	_, err := bw.WriteString(" .\n")
	return err
}

var quoteReplacer = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\r", `\r`, "\t", `\t`)

// quote returns s as a double-quoted string literal.
func quote(s string) string {
	return `"` + quoteReplacer.Replace(s) + `"`
}
