// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package patch reads and writes patches in the RDF Patch text format.
//
// A patch is a sequence of lines, each a code word followed by its
// arguments and terminated by a DOT:
//
//	H id <uuid:0a2a7d01-...> .
//	H prev <uuid:5b88cd33-...> .
//	TX .
//	PA "ex" "http://example/" .
//	A <http://example/s> <http://example/p> "o" <http://example/g> .
//	D _:b0 <http://example/p> "1"^^<http://www.w3.org/2001/XMLSchema#int> .
//	PD "ex" .
//	TC .
//
// Header lines come first. Comments run from # to the end of the line.
package patch // import "rdfdelta.io/patch"

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	"rdfdelta.io/delta"
	"rdfdelta.io/errors"
)

// Codes of patch records.
const (
	codeHeader = "H"
	codeTxnAlt = "TB" // Accepted on read as TX.
)

var kindByCode = map[string]delta.OpKind{
	delta.AddQuad.Code():      delta.AddQuad,
	delta.DeleteQuad.Code():   delta.DeleteQuad,
	delta.AddPrefix.Code():    delta.AddPrefix,
	delta.DeletePrefix.Code(): delta.DeletePrefix,
	delta.TxnBegin.Code():     delta.TxnBegin,
	codeTxnAlt:                delta.TxnBegin,
	delta.TxnCommit.Code():    delta.TxnCommit,
	delta.TxnAbort.Code():     delta.TxnAbort,
	delta.Segment.Code():      delta.Segment,
}

// Read parses a complete patch from r.
func Read(r io.Reader) (*delta.Patch, error) {
	const op errors.Op = "patch.Read"
	p := &delta.Patch{}
	t := newTokenizer(r)
	inHeader := true
	for {
		tok, err := t.next()
		if err != nil {
			return nil, errors.E(op, errors.Syntax, err)
		}
		if tok.kind == tokEOF {
			return p, nil
		}
		if err := checkCode(tok); err != nil {
			return nil, errors.E(op, errors.Syntax, err)
		}
		if tok.text == codeHeader {
			if !inHeader {
				return nil, errors.E(op, errors.Syntax, errorAt(tok, "header line after patch body"))
			}
			f, err := readHeaderLine(t)
			if err != nil {
				return nil, errors.E(op, errors.Syntax, err)
			}
			p.Header = append(p.Header, f)
			continue
		}
		inHeader = false
		o, err := readOp(t, tok)
		if err != nil {
			return nil, errors.E(op, errors.Syntax, err)
		}
		p.Ops = append(p.Ops, o)
	}
}

// ReadHeader parses only the header of the patch in r. It stops at the
// first line that is not a header line, so the body is not examined.
func ReadHeader(r io.Reader) (delta.Header, error) {
	const op errors.Op = "patch.ReadHeader"
	var h delta.Header
	t := newTokenizer(r)
	for {
		tok, err := t.next()
		if err != nil {
			return nil, errors.E(op, errors.Syntax, err)
		}
		if tok.kind == tokEOF {
			return h, nil
		}
		if err := checkCode(tok); err != nil {
			return nil, errors.E(op, errors.Syntax, err)
		}
		if tok.text != codeHeader {
			return h, nil
		}
		f, err := readHeaderLine(t)
		if err != nil {
			return nil, errors.E(op, errors.Syntax, err)
		}
		h = append(h, f)
	}
}

// Decode parses a complete patch held in b.
func Decode(b []byte) (*delta.Patch, error) {
	return Read(bytes.NewReader(b))
}

func checkCode(tok token) error {
	if tok.kind == tokDot {
		return errorAt(tok, "empty line")
	}
	if tok.kind != tokWord {
		return errorAt(tok, "expected keyword at start of patch record, got %s", tok)
	}
	return nil
}

func readHeaderLine(t *tokenizer) (delta.HeaderField, error) {
	key, err := t.required()
	if err != nil {
		return delta.HeaderField{}, err
	}
	var field string
	switch key.kind {
	case tokWord:
		field = key.text
	case tokString:
		field = key.value
	default:
		return delta.HeaderField{}, errorAt(key, "header does not have a key that is a word: %s", key)
	}
	v, err := t.node()
	if err != nil {
		return delta.HeaderField{}, err
	}
	if err := t.dot(); err != nil {
		return delta.HeaderField{}, err
	}
	return delta.HeaderField{Field: field, Value: v}, nil
}

func readOp(t *tokenizer, code token) (delta.Op, error) {
	kind, ok := kindByCode[code.text]
	if !ok {
		return delta.Op{}, errorAt(code, "code %q not recognized", code.text)
	}
	o := delta.Op{Kind: kind}
	var err error
	switch kind {
	case delta.AddQuad, delta.DeleteQuad:
		if o.Subject, err = t.node(); err != nil {
			return o, err
		}
		if o.Predicate, err = t.node(); err != nil {
			return o, err
		}
		if o.Object, err = t.node(); err != nil {
			return o, err
		}
		if o.Graph, err = t.nodeMaybe(); err != nil {
			return o, err
		}
	case delta.AddPrefix, delta.DeletePrefix:
		prefix, err := t.required()
		if err != nil {
			return o, err
		}
		switch prefix.kind {
		case tokString:
			o.Prefix = prefix.value
		case tokWord:
			o.Prefix = strings.TrimSuffix(prefix.text, ":")
		default:
			return o, errorAt(prefix, "prefix is not a string: %s", prefix)
		}
		if kind == delta.AddPrefix {
			uri, err := t.required()
			if err != nil {
				return o, err
			}
			switch uri.kind {
			case tokIRI, tokString:
				o.URI = uri.value
			default:
				return o, errorAt(uri, "prefix error: URI slot is not a URI nor a string")
			}
		}
		if o.Graph, err = t.nodeMaybe(); err != nil {
			return o, err
		}
	}
	return o, t.dot()
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokDot
	tokWord
	tokIRI
	tokString
	tokBlank
)

// A token is one lexical item. For IRIs value is the text between the
// angle brackets; for strings it is the unescaped lexical form. Text is
// always the token as written.
type token struct {
	kind  tokenKind
	text  string
	value string
	line  int
}

func (t token) String() string {
	if t.kind == tokEOF {
		return "EOF"
	}
	return fmt.Sprintf("%q", t.text)
}

func errorAt(tok token, format string, args ...interface{}) error {
	return errors.Errorf("line %d: %s", tok.line, fmt.Sprintf(format, args...))
}

type tokenizer struct {
	r    *bufio.Reader
	line int
	// queue holds tokens scanned but not yet returned.
	queue []token
}

func newTokenizer(r io.Reader) *tokenizer {
	return &tokenizer{r: bufio.NewReader(r), line: 1}
}

// required returns the next token, which must not be a DOT or EOF.
func (t *tokenizer) required() (token, error) {
	tok, err := t.next()
	if err != nil {
		return tok, err
	}
	switch tok.kind {
	case tokDot:
		return tok, errorAt(tok, "input truncated by DOT: line too short")
	case tokEOF:
		return tok, errorAt(tok, "input truncated: no DOT seen on last line")
	}
	return tok, nil
}

func (t *tokenizer) node() (delta.Node, error) {
	tok, err := t.required()
	if err != nil {
		return "", err
	}
	return delta.Node(tok.text), nil
}

// nodeMaybe returns the next node, or "" if the next token is a DOT.
func (t *tokenizer) nodeMaybe() (delta.Node, error) {
	tok, err := t.peek()
	if err != nil {
		return "", err
	}
	switch tok.kind {
	case tokDot:
		return "", nil
	case tokEOF:
		return "", errorAt(tok, "input truncated: no DOT seen on last line")
	}
	return t.node()
}

func (t *tokenizer) dot() error {
	tok, err := t.next()
	if err != nil {
		return err
	}
	if tok.kind != tokDot {
		return errorAt(tok, "expected DOT, got %s", tok)
	}
	return nil
}

func (t *tokenizer) peek() (token, error) {
	if len(t.queue) > 0 {
		return t.queue[0], nil
	}
	tok, err := t.scan()
	if err != nil {
		return tok, err
	}
	// scan may have queued a DOT that follows tok.
	t.queue = append([]token{tok}, t.queue...)
	return tok, nil
}

func (t *tokenizer) next() (token, error) {
	if len(t.queue) > 0 {
		tok := t.queue[0]
		t.queue = t.queue[1:]
		return tok, nil
	}
	return t.scan()
}

// splitDot removes a DOT run into the end of a word, as in "TX." or
// "_:b0.", and queues it.
func (t *tokenizer) splitDot(w string, line int) string {
	if len(w) > 1 && strings.HasSuffix(w, ".") {
		t.queue = append(t.queue, token{kind: tokDot, text: ".", line: line})
		return w[:len(w)-1]
	}
	return w
}

func (t *tokenizer) read() (rune, bool) {
	c, _, err := t.r.ReadRune()
	if err != nil {
		return 0, false
	}
	if c == '\n' {
		t.line++
	}
	return c, true
}

func (t *tokenizer) unread(c rune) {
	t.r.UnreadRune()
	if c == '\n' {
		t.line--
	}
}

func isSpace(c rune) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// skip consumes white space and comments.
func (t *tokenizer) skip() (rune, bool) {
	for {
		c, ok := t.read()
		if !ok {
			return 0, false
		}
		if isSpace(c) {
			continue
		}
		if c == '#' {
			for {
				c, ok = t.read()
				if !ok {
					return 0, false
				}
				if c == '\n' {
					break
				}
			}
			continue
		}
		return c, true
	}
}

func (t *tokenizer) scan() (token, error) {
	c, ok := t.skip()
	if !ok {
		return token{kind: tokEOF, line: t.line}, nil
	}
	line := t.line
	switch c {
	case '<':
		var b strings.Builder
		for {
			c, ok := t.read()
			if !ok || isSpace(c) {
				return token{}, errors.Errorf("line %d: unterminated IRI", line)
			}
			if c == '>' {
				break
			}
			b.WriteRune(c)
		}
		v := b.String()
		return token{kind: tokIRI, text: "<" + v + ">", value: v, line: line}, nil
	case '"':
		return t.scanString(line)
	}
	var b strings.Builder
	b.WriteRune(c)
	for {
		c, ok := t.read()
		if !ok {
			break
		}
		if isSpace(c) || c == '<' || c == '"' || c == '#' {
			t.unread(c)
			break
		}
		b.WriteRune(c)
	}
	w := b.String()
	if w == "." {
		return token{kind: tokDot, text: w, line: line}, nil
	}
	w = t.splitDot(w, line)
	if strings.HasPrefix(w, "_:") {
		return token{kind: tokBlank, text: w, value: w[2:], line: line}, nil
	}
	return token{kind: tokWord, text: w, value: w, line: line}, nil
}

// scanString scans a quoted literal, including any language tag or
// datatype, after the opening quote.
func (t *tokenizer) scanString(line int) (token, error) {
	var raw, val strings.Builder
	raw.WriteByte('"')
	for {
		c, ok := t.read()
		if !ok || c == '\n' {
			return token{}, errors.Errorf("line %d: unterminated string", line)
		}
		raw.WriteRune(c)
		if c == '"' {
			break
		}
		if c != '\\' {
			val.WriteRune(c)
			continue
		}
		e, ok := t.read()
		if !ok {
			return token{}, errors.Errorf("line %d: unterminated string", line)
		}
		raw.WriteRune(e)
		switch e {
		case 'n':
			val.WriteByte('\n')
		case 't':
			val.WriteByte('\t')
		case 'r':
			val.WriteByte('\r')
		case 'b':
			val.WriteByte('\b')
		case 'f':
			val.WriteByte('\f')
		case '"', '\\', '\'':
			val.WriteRune(e)
		default:
			// \u and \U escapes are kept in the raw form only.
			val.WriteByte('\\')
			val.WriteRune(e)
		}
	}
	// Language tag or datatype.
	c, ok := t.read()
	switch {
	case !ok:
	case c == '@':
		var tag strings.Builder
		for {
			c, ok := t.read()
			if !ok {
				break
			}
			if isSpace(c) || c == '<' || c == '"' || c == '#' {
				t.unread(c)
				break
			}
			tag.WriteRune(c)
		}
		raw.WriteByte('@')
		raw.WriteString(t.splitDot(tag.String(), line))
	case c == '^':
		c2, ok := t.read()
		if !ok || c2 != '^' {
			return token{}, errors.Errorf("line %d: bad datatype", line)
		}
		raw.WriteString("^^")
		dt, err := t.scan()
		if err != nil {
			return token{}, err
		}
		if dt.kind != tokIRI && dt.kind != tokWord {
			return token{}, errors.Errorf("line %d: bad datatype %s", line, dt)
		}
		raw.WriteString(dt.text)
	default:
		t.unread(c)
	}
	return token{kind: tokString, text: raw.String(), value: val.String(), line: line}, nil
}
