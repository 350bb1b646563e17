// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package patchlog

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"pgregory.net/rapid"

	"rdfdelta.io/delta"
	"rdfdelta.io/errors"
	"rdfdelta.io/filestore"
	"rdfdelta.io/patch"
)

var testDesc = delta.DataSourceDescription{
	Id:   delta.NewId(),
	Name: "ds",
	URI:  "http://example/ds",
}

func newPatch(prev delta.Id, n int) *delta.Patch {
	return delta.NewPatch(delta.NewId(), prev,
		delta.Op{Kind: delta.TxnBegin},
		delta.Op{
			Kind:      delta.AddQuad,
			Subject:   "<http://example/s>",
			Predicate: "<http://example/p>",
			Object:    delta.Node(fmt.Sprintf("\"%d\"", n)),
		},
		delta.Op{Kind: delta.TxnCommit},
	)
}

func newLog(t testing.TB, store Store) *Log {
	l, err := New(testDesc, store, Options{})
	if err != nil {
		t.Fatal(err)
	}
	return l
}

type fataler interface {
	Fatalf(format string, args ...interface{})
}

// checkChain verifies that walking from start visits every entry once,
// in version order, and ends at finish.
func checkChain(t fataler, l *Log) {
	seen := make(map[delta.Id]bool)
	var last *entry
	want := delta.VersionFirst
	for e := l.start.Load(); e != nil; e = e.next.Load() {
		if seen[e.id] {
			t.Fatalf("entry %s visited twice", e.id)
		}
		seen[e.id] = true
		if e.version != want {
			t.Fatalf("entry %s has version %d, want %d", e.id, e.version, want)
		}
		want++
		last = e
	}
	if last != l.finish.Load() {
		t.Fatalf("walk ended at %v, finish is %v", last, l.finish.Load())
	}
	if len(seen) != l.Len() {
		t.Fatalf("walk visited %d entries, log has %d", len(seen), l.Len())
	}
}

func TestAppendScenario(t *testing.T) {
	l := newLog(t, NewMemStore())

	a := newPatch(delta.NilId, 1)
	v, err := l.Append(a)
	if err != nil {
		t.Fatal(err)
	}
	if v != 1 || l.Version() != 1 {
		t.Fatalf("after A: version %d, log version %d; want 1, 1", v, l.Version())
	}

	b := newPatch(a.Id(), 2)
	if v, err = l.Append(b); err != nil || v != 2 {
		t.Fatalf("append B: %d, %v; want 2, nil", v, err)
	}

	// Resending A is a no-op.
	if v, err = l.Append(a); err != nil || v != 1 {
		t.Fatalf("resend A: %d, %v; want 1, nil", v, err)
	}
	if l.Len() != 2 {
		t.Fatalf("log has %d entries after resend; want 2", l.Len())
	}

	// C claims to start the log, which is stale.
	c := newPatch(delta.NilId, 3)
	if _, err = l.Append(c); !errors.Is(errors.BadPatch, err) {
		t.Fatalf("append stale C: %v; want BadPatch", err)
	}
	if l.Version() != 2 || l.Latest() != b.Id() {
		t.Fatalf("after rejection: version %d head %s; want 2 %s", l.Version(), l.Latest(), b.Id())
	}
	checkChain(t, l)
}

func TestResendHead(t *testing.T) {
	l := newLog(t, NewMemStore())
	a := newPatch(delta.NilId, 1)
	for i := 0; i < 3; i++ {
		v, err := l.Append(a)
		if err != nil {
			t.Fatal(err)
		}
		if v != 1 {
			t.Fatalf("send %d: version %d, want 1", i, v)
		}
	}
	if l.Len() != 1 {
		t.Fatalf("log has %d entries; want 1", l.Len())
	}
}

func TestAppendRejects(t *testing.T) {
	l := newLog(t, NewMemStore())
	a := newPatch(delta.NilId, 1)
	b := newPatch(a.Id(), 2)
	for _, p := range []*delta.Patch{a, b} {
		if _, err := l.Append(p); err != nil {
			t.Fatal(err)
		}
	}
	self := delta.NewId()

	tests := []struct {
		name string
		p    *delta.Patch
	}{
		{"nil patch", nil},
		{"no id", &delta.Patch{Header: delta.Header{{Field: delta.HeaderPrevious, Value: delta.IdNode(b.Id())}}}},
		{"own previous", delta.NewPatch(self, self)},
		{"nil previous on non-empty log", newPatch(delta.NilId, 3)},
		{"superseded previous", newPatch(a.Id(), 3)},
		{"unknown previous", newPatch(delta.NewId(), 3)},
		{"known id, different previous", delta.NewPatch(a.Id(), b.Id())},
	}
	for _, test := range tests {
		_, err := l.Append(test.p)
		if !errors.Is(errors.BadPatch, err) {
			t.Errorf("%s: got %v, want BadPatch", test.name, err)
		}
		if l.Latest() != b.Id() || l.Version() != 2 {
			t.Fatalf("%s: head moved to %s at %d", test.name, l.Latest(), l.Version())
		}
	}
	checkChain(t, l)
}

func TestEmptyLogNeedsNilPrevious(t *testing.T) {
	l := newLog(t, NewMemStore())
	if _, err := l.Append(newPatch(delta.NewId(), 1)); !errors.Is(errors.BadPatch, err) {
		t.Fatalf("got %v, want BadPatch", err)
	}
	if !l.IsEmpty() {
		t.Fatal("log is not empty after rejected append")
	}
}

type failStore struct {
	*MemStore
}

func (failStore) Write([]byte) (int64, error) {
	return 0, errors.E(errors.IO, "disk full")
}

func TestStoreFailure(t *testing.T) {
	l := newLog(t, failStore{NewMemStore()})
	p := newPatch(delta.NilId, 1)
	if _, err := l.Append(p); !errors.Is(errors.IO, err) {
		t.Fatalf("got %v, want IO", err)
	}
	if !l.IsEmpty() || l.Contains(p.Id()) {
		t.Fatal("failed write is visible in the log")
	}
}

func TestFetch(t *testing.T) {
	store := NewMemStore()
	l, err := New(testDesc, store, Options{CacheSize: -1})
	if err != nil {
		t.Fatal(err)
	}
	var patches []*delta.Patch
	prev := delta.NilId
	for i := 0; i < 5; i++ {
		p := newPatch(prev, i)
		if _, err := l.Append(p); err != nil {
			t.Fatal(err)
		}
		patches = append(patches, p)
		prev = p.Id()
	}
	for i, p := range patches {
		got, err := l.Fetch(p.Id())
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(p, got); diff != "" {
			t.Errorf("Fetch(%d) mismatch (-want +got):\n%s", i, diff)
		}
		got, err = l.FetchVersion(delta.Version(i + 1))
		if err != nil {
			t.Fatal(err)
		}
		if got.Id() != p.Id() {
			t.Errorf("FetchVersion(%d) = %s; want %s", i+1, got.Id(), p.Id())
		}
		if v, ok := l.VersionOf(p.Id()); !ok || v != delta.Version(i+1) {
			t.Errorf("VersionOf(%d) = %d, %t", i, v, ok)
		}
		if id, ok := l.IdOf(delta.Version(i + 1)); !ok || id != p.Id() {
			t.Errorf("IdOf(%d) = %s, %t", i+1, id, ok)
		}
	}

	for _, v := range []delta.Version{delta.VersionUnset, delta.VersionInit, 6, 100} {
		if _, err := l.FetchVersion(v); !errors.Is(errors.NotExist, err) {
			t.Errorf("FetchVersion(%d): got %v, want NotExist", v, err)
		}
	}
	if _, err := l.Fetch(delta.NewId()); !errors.Is(errors.NotExist, err) {
		t.Errorf("Fetch(unknown): got %v, want NotExist", err)
	}

	info := l.Info()
	want := delta.PatchLogInfo{DataSource: testDesc.Id, MinVersion: 1, MaxVersion: 5, LatestPatch: prev}
	if info != want {
		t.Errorf("Info = %v; want %v", info, want)
	}
}

func TestEmptyInfo(t *testing.T) {
	l := newLog(t, NewMemStore())
	want := delta.PatchLogInfo{DataSource: testDesc.Id, MinVersion: delta.VersionInit, MaxVersion: delta.VersionInit}
	if info := l.Info(); info != want {
		t.Errorf("Info = %v; want %v", info, want)
	}
	ps, err := l.Range(delta.NilId, delta.NilId)
	if err != nil || len(ps) != 0 {
		t.Errorf("Range on empty log = %v, %v", ps, err)
	}
}

func TestRange(t *testing.T) {
	l := newLog(t, NewMemStore())
	var ids []delta.Id
	prev := delta.NilId
	for i := 0; i < 6; i++ {
		p := newPatch(prev, i)
		if _, err := l.Append(p); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, p.Id())
		prev = p.Id()
	}
	idsOf := func(ps []*delta.Patch) []delta.Id {
		var out []delta.Id
		for _, p := range ps {
			out = append(out, p.Id())
		}
		return out
	}
	tests := []struct {
		start, finish delta.Id
		want          []delta.Id
	}{
		{delta.NilId, delta.NilId, ids},
		{ids[2], delta.NilId, ids[2:]},
		{delta.NilId, ids[3], ids[:4]},
		{ids[1], ids[4], ids[1:5]},
		{ids[5], ids[5], ids[5:]},
	}
	for _, test := range tests {
		ps, err := l.Range(test.start, test.finish)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(test.want, idsOf(ps)); diff != "" {
			t.Errorf("Range(%s, %s) mismatch (-want +got):\n%s", test.start.Short(), test.finish.Short(), diff)
		}
	}
	if _, err := l.Range(delta.NewId(), delta.NilId); !errors.Is(errors.NotExist, err) {
		t.Errorf("Range from unknown id: %v", err)
	}
	if _, err := l.Range(ids[4], ids[1]); !errors.Is(errors.Invalid, err) {
		t.Errorf("Range backwards: %v", err)
	}

	// Cut the chain; the walk must report it rather than stop early.
	l.byId[ids[2]].next.Store(nil)
	if _, err := l.Range(delta.NilId, delta.NilId); !errors.Is(errors.Internal, err) {
		t.Errorf("Range over broken chain: got %v, want Internal", err)
	}
}

func TestRestartMemStore(t *testing.T) {
	store := NewMemStore()
	l := newLog(t, store)
	var ids []delta.Id
	prev := delta.NilId
	for i := 0; i < 4; i++ {
		p := newPatch(prev, i)
		if _, err := l.Append(p); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, p.Id())
		prev = p.Id()
	}
	if err := l.Release(); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Append(newPatch(prev, 9)); !errors.Is(errors.Invalid, err) {
		t.Fatalf("append after release: %v", err)
	}

	store.Reopen()
	checkRestart(t, newLog(t, store), ids)
}

func TestRestartFileStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "Log")
	fs, err := filestore.Attach(dir, "patch")
	if err != nil {
		t.Fatal(err)
	}
	l := newLog(t, fs)
	var ids []delta.Id
	prev := delta.NilId
	for i := 0; i < 4; i++ {
		p := newPatch(prev, i)
		if _, err := l.Append(p); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, p.Id())
		prev = p.Id()
	}
	l.Release()

	fs, err = filestore.Attach(dir, "patch")
	if err != nil {
		t.Fatal(err)
	}
	checkRestart(t, newLog(t, fs), ids)
}

// checkRestart checks what survives a restart: the ids and their order.
// Versions are reassigned and are not compared to their old values.
func checkRestart(t *testing.T, l *Log, ids []delta.Id) {
	t.Helper()
	checkChain(t, l)
	if l.Latest() != ids[len(ids)-1] {
		t.Fatalf("head after restart %s; want %s", l.Latest(), ids[len(ids)-1])
	}
	ps, err := l.Range(delta.NilId, delta.NilId)
	if err != nil {
		t.Fatal(err)
	}
	if len(ps) != len(ids) {
		t.Fatalf("%d patches after restart; want %d", len(ps), len(ids))
	}
	for i, p := range ps {
		if p.Id() != ids[i] {
			t.Errorf("patch %d is %s; want %s", i, p.Id(), ids[i])
		}
		if i > 0 && p.Previous() != ids[i-1] {
			t.Errorf("patch %d has previous %s; want %s", i, p.Previous(), ids[i-1])
		}
	}
	// The log accepts appends on the recovered head and not elsewhere.
	if _, err := l.Append(newPatch(ids[0], 99)); !errors.Is(errors.BadPatch, err) {
		t.Errorf("append on old patch after restart: %v", err)
	}
	if _, err := l.Append(newPatch(l.Latest(), 100)); err != nil {
		t.Errorf("append on head after restart: %v", err)
	}
}

// writeRaw stores patches without going through a Log.
func writeRaw(t *testing.T, store Store, patches ...*delta.Patch) {
	for _, p := range patches {
		b, err := patch.Encode(p)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := store.Write(b); err != nil {
			t.Fatal(err)
		}
	}
}

func TestRecoveryBrokenLink(t *testing.T) {
	a := newPatch(delta.NilId, 1)
	b := newPatch(a.Id(), 2)
	stray := newPatch(delta.NewId(), 3)
	store := NewMemStore()
	writeRaw(t, store, a, b, stray)

	_, err := New(testDesc, store, Options{})
	if !errors.Is(errors.Internal, err) {
		t.Fatalf("strict recovery: got %v, want Internal", err)
	}
	if !errors.Match(errors.E(testDesc.Name, testDesc.Id), err) {
		t.Errorf("error %q does not name the data source", err)
	}

	l, err := New(testDesc, store, Options{Lenient: true})
	if err != nil {
		t.Fatalf("lenient recovery: %v", err)
	}
	checkChain(t, l)
	if l.Len() != 3 || l.Latest() != stray.Id() {
		t.Fatalf("lenient recovery: %d entries, head %s", l.Len(), l.Latest())
	}
}

func TestRecoveryDuplicate(t *testing.T) {
	a := newPatch(delta.NilId, 1)
	store := NewMemStore()
	writeRaw(t, store, a, a)
	for _, lenient := range []bool{false, true} {
		if _, err := New(testDesc, store, Options{Lenient: lenient}); !errors.Is(errors.Internal, err) {
			t.Errorf("lenient=%t: got %v, want Internal", lenient, err)
		}
	}
}

func TestRecoveryBadHeader(t *testing.T) {
	store := NewMemStore()
	store.Write([]byte("H id <not a uuid> .\n"))
	if _, err := New(testDesc, store, Options{}); !errors.Is(errors.Internal, err) {
		t.Fatalf("got %v, want Internal", err)
	}
}

type gapStore struct {
	*MemStore
}

func (gapStore) Indexes() []int64 { return []int64{1, 2, 4} }

func TestRecoveryGap(t *testing.T) {
	if _, err := New(testDesc, gapStore{NewMemStore()}, Options{}); !errors.Is(errors.Internal, err) {
		t.Fatalf("got %v, want Internal", err)
	}
}

type liarStore struct {
	*MemStore
}

func (liarStore) IsEmpty() bool { return false }

func TestRecoveryEmptinessMismatch(t *testing.T) {
	if _, err := New(testDesc, liarStore{NewMemStore()}, Options{}); !errors.Is(errors.Internal, err) {
		t.Fatalf("got %v, want Internal", err)
	}
}

func TestDelete(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "Log")
	fs, err := filestore.Attach(dir, "patch")
	if err != nil {
		t.Fatal(err)
	}
	l := newLog(t, fs)
	if _, err := l.Append(newPatch(delta.NilId, 1)); err != nil {
		t.Fatal(err)
	}
	if err := l.Delete(); err != nil {
		t.Fatal(err)
	}
	fs, err = filestore.Attach(dir, "patch")
	if err != nil {
		t.Fatal(err)
	}
	if !fs.IsEmpty() {
		t.Fatal("store not empty after Delete")
	}
}

func TestConcurrentReaders(t *testing.T) {
	l := newLog(t, NewMemStore())
	const n = 200
	var wg sync.WaitGroup
	done := make(chan struct{})
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				ps, err := l.Range(delta.NilId, delta.NilId)
				if err != nil {
					t.Error(err)
					return
				}
				for i := 1; i < len(ps); i++ {
					if ps[i].Previous() != ps[i-1].Id() {
						t.Errorf("range out of order at %d", i)
						return
					}
				}
				l.Info()
			}
		}()
	}
	prev := delta.NilId
	for i := 0; i < n; i++ {
		p := newPatch(prev, i)
		if _, err := l.Append(p); err != nil {
			t.Fatal(err)
		}
		prev = p.Id()
	}
	close(done)
	wg.Wait()
	checkChain(t, l)
}

// TestRangeToNewEntry has readers chase the entry being appended: as
// soon as IdOf finds a version, a Range up to it must reach it.
func TestRangeToNewEntry(t *testing.T) {
	l := newLog(t, NewMemStore())
	const n = 2000
	var wg sync.WaitGroup
	done := make(chan struct{})
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				v := l.Version() + 1
				id, ok := l.IdOf(v)
				if !ok {
					continue
				}
				ps, err := l.Range(delta.NilId, id)
				if err != nil {
					t.Errorf("range to version %d: %v", v, err)
					return
				}
				if len(ps) != int(v) || ps[len(ps)-1].Id() != id {
					t.Errorf("range to version %d: got %d patches", v, len(ps))
					return
				}
				if _, err := l.Range(id, delta.NilId); err != nil {
					t.Errorf("range from version %d: %v", v, err)
					return
				}
			}
		}()
	}
	prev := delta.NilId
	for i := 0; i < n; i++ {
		p := newPatch(prev, i)
		if _, err := l.Append(p); err != nil {
			t.Fatal(err)
		}
		prev = p.Id()
	}
	close(done)
	wg.Wait()
	checkChain(t, l)
}

func TestConcurrentAppends(t *testing.T) {
	// Many writers race to extend the same head. Exactly one wins each round.
	l := newLog(t, NewMemStore())
	const writers = 8
	for round := 0; round < 20; round++ {
		head := l.Latest()
		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				if _, err := l.Append(newPatch(head, w)); err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}(w)
		}
		wg.Wait()
		if wins != 1 {
			t.Fatalf("round %d: %d appends succeeded; want 1", round, wins)
		}
	}
	checkChain(t, l)
}

// TestAppendProperties runs random sequences of appends, resends and
// stale appends and checks the chain after every step.
func TestAppendProperties(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		l, err := New(testDesc, NewMemStore(), Options{})
		if err != nil {
			rt.Fatal(err)
		}
		var appended []*delta.Patch
		last := delta.VersionInit
		steps := rapid.IntRange(1, 40).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			action := rapid.SampledFrom([]string{"append", "resend", "stale"}).Draw(rt, "action")
			if len(appended) == 0 {
				action = "append"
			}
			switch action {
			case "append":
				p := newPatch(l.Latest(), i)
				v, err := l.Append(p)
				if err != nil {
					rt.Fatalf("append: %v", err)
				}
				if v <= last {
					rt.Fatalf("version %d after %d", v, last)
				}
				last = v
				appended = append(appended, p)
			case "resend":
				k := rapid.IntRange(0, len(appended)-1).Draw(rt, "k")
				v, err := l.Append(appended[k])
				if err != nil || v != delta.Version(k+1) {
					rt.Fatalf("resend %d: %d, %v", k, v, err)
				}
			case "stale":
				k := rapid.IntRange(-1, len(appended)-2).Draw(rt, "k")
				prev := delta.NilId
				if k >= 0 {
					prev = appended[k].Id()
				}
				head := l.Latest()
				if _, err := l.Append(newPatch(prev, i)); !errors.Is(errors.BadPatch, err) {
					rt.Fatalf("stale append on %d: %v", k, err)
				}
				if l.Latest() != head {
					rt.Fatalf("head moved on rejected append")
				}
			}
			checkChain(rt, l)
			if l.Len() != len(appended) {
				rt.Fatalf("log has %d entries, appended %d", l.Len(), len(appended))
			}
		}
		for i, p := range appended {
			got, err := l.FetchVersion(delta.Version(i + 1))
			if err != nil || got.Id() != p.Id() {
				rt.Fatalf("fetch version %d: %v, %v", i+1, got, err)
			}
		}
	})
}
