// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package loglock implements the advisory lock of a patch log.
//
// A lock is either free or held by a session, identified by an Id handed
// out when the lock is acquired. The holder proves it is alive by
// refreshing the lock, which increments its tick count. A lock whose
// ticks stop advancing may be grabbed by another writer, which breaks
// the old session. None of the operations block: contention is reported
// as a nil session or false, never as an error.
//
// The advisory lock is cooperative. It is unrelated to the mutex that
// serializes appends inside a patch log.
package loglock // import "rdfdelta.io/loglock"

import (
	"sync"
	"time"

	"rdfdelta.io/delta"
	"rdfdelta.io/errors"
	"rdfdelta.io/log"
	"rdfdelta.io/metrics"
)

// Default refresher timing.
const (
	DefaultInitialDelay = 500 * time.Millisecond
	DefaultPeriod       = 1000 * time.Millisecond
)

// Options control the background refresher of a Manager.
type Options struct {
	// InitialDelay is the wait before the first refresh.
	InitialDelay time.Duration
	// Period is the wait between refreshes after the first.
	Period time.Duration
}

// Manager runs the lock operations against a Backend and keeps the locks
// acquired through it alive.
type Manager struct {
	backend Backend
	opts    Options

	mu   sync.Mutex // protects held.
	held map[delta.Id]*Lease

	runMu   sync.Mutex // protects the fields below.
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// A Lease is a lock held by this process.
type Lease struct {
	Id      delta.Id // the log.
	Session delta.Id

	done chan struct{}
	once sync.Once
	err  error // set before done is closed.
}

// Done returns a channel that is closed when the lease ends, because it
// was released or because it was lost.
func (l *Lease) Done() <-chan struct{} {
	return l.done
}

// Err returns nil while the lease is held or after it was released, and
// an errors.Permission error once it has been lost.
func (l *Lease) Err() error {
	select {
	case <-l.done:
		return l.err
	default:
		return nil
	}
}

func (l *Lease) end(err error) {
	l.once.Do(func() {
		l.err = err
		close(l.done)
	})
}

// NewManager returns a Manager using backend. Zero options take the
// default timing. The refresher does not run until Start is called.
func NewManager(backend Backend, opts Options) *Manager {
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = DefaultInitialDelay
	}
	if opts.Period <= 0 {
		opts.Period = DefaultPeriod
	}
	return &Manager{
		backend: backend,
		opts:    opts,
		held:    make(map[delta.Id]*Lease),
	}
}

// Backend returns the backend of the manager.
func (m *Manager) Backend() Backend {
	return m.backend
}

// Acquire takes the lock of the log if it is free and returns the new
// session, with one tick. It returns NilId if the lock is held.
func (m *Manager) Acquire(id delta.Id) (delta.Id, error) {
	const op errors.Op = "loglock.Acquire"
	var session delta.Id
	ok, err := m.backend.Update(id, func(cur delta.LockState) (delta.LockState, bool) {
		if cur.IsLocked() {
			return cur, false
		}
		session = delta.NewId()
		return delta.LockState{Session: session, Ticks: 1}, true
	})
	metrics.Lock("acquire", ok, err)
	if err != nil {
		return delta.NilId, errors.E(op, id, errors.IO, err)
	}
	if !ok {
		return delta.NilId, nil
	}
	m.hold(id, session)
	log.Debug.Printf("loglock: %s: acquired by %s", id.Short(), session.Short())
	return session, nil
}

// Refresh adds a tick to the lock if it is held by session and reports
// whether it did.
func (m *Manager) Refresh(id, session delta.Id) (bool, error) {
	const op errors.Op = "loglock.Refresh"
	ok, err := m.refresh(id, session)
	metrics.Lock("refresh", ok, err)
	if err != nil {
		return false, errors.E(op, id, errors.IO, err)
	}
	return ok, nil
}

func (m *Manager) refresh(id, session delta.Id) (bool, error) {
	if session.IsNil() {
		return false, nil
	}
	return m.backend.Update(id, func(cur delta.LockState) (delta.LockState, bool) {
		if cur.Session != session {
			return cur, false
		}
		cur.Ticks++
		return cur, true
	})
}

// Release frees the lock if it is held by session. Otherwise it does
// nothing.
func (m *Manager) Release(id, session delta.Id) error {
	const op errors.Op = "loglock.Release"
	if session.IsNil() {
		return nil
	}
	ok, err := m.backend.Update(id, func(cur delta.LockState) (delta.LockState, bool) {
		if cur.Session != session {
			return cur, false
		}
		return delta.Unlocked, true
	})
	metrics.Lock("release", ok, err)
	if err != nil {
		return errors.E(op, id, errors.IO, err)
	}
	m.drop(id, session, nil)
	if ok {
		log.Debug.Printf("loglock: %s: released by %s", id.Short(), session.Short())
	}
	return nil
}

// Grab breaks the session oldSession, which must be the current holder,
// and returns a new session with one tick. It returns NilId if the lock
// is free or held by any other session.
func (m *Manager) Grab(id, oldSession delta.Id) (delta.Id, error) {
	const op errors.Op = "loglock.Grab"
	var session delta.Id
	ok, err := m.backend.Update(id, func(cur delta.LockState) (delta.LockState, bool) {
		if !cur.IsLocked() || cur.Session != oldSession {
			return cur, false
		}
		session = delta.NewId()
		return delta.LockState{Session: session, Ticks: 1}, true
	})
	metrics.Lock("grab", ok, err)
	if err != nil {
		return delta.NilId, errors.E(op, id, errors.IO, err)
	}
	if !ok {
		return delta.NilId, nil
	}
	m.drop(id, oldSession, errors.E(op, id, errors.Permission, errors.Errorf("session %s was grabbed", oldSession.Short())))
	m.hold(id, session)
	log.Info.Printf("loglock: %s: session %s grabbed by %s", id.Short(), oldSession.Short(), session.Short())
	return session, nil
}

// ReadLock returns the current state of the lock.
func (m *Manager) ReadLock(id delta.Id) (delta.LockState, error) {
	const op errors.Op = "loglock.ReadLock"
	s, err := m.backend.Load(id)
	if err != nil {
		return delta.Unlocked, errors.E(op, id, errors.IO, err)
	}
	return s, nil
}

// Check returns nil if session holds the lock of the log and an
// errors.Permission error if it does not.
func (m *Manager) Check(id, session delta.Id) error {
	const op errors.Op = "loglock.Check"
	m.mu.Lock()
	lease := m.held[id]
	m.mu.Unlock()
	if lease != nil && lease.Session == session {
		if err := lease.Err(); err != nil {
			return errors.E(op, err)
		}
	}
	s, err := m.backend.Load(id)
	if err != nil {
		return errors.E(op, id, errors.IO, err)
	}
	if session.IsNil() || s.Session != session {
		return errors.E(op, id, errors.Permission, errors.Errorf("lock not held by session %s", session.Short()))
	}
	return nil
}

// Delete forgets the lock of the log, ending any lease on it.
func (m *Manager) Delete(id delta.Id) error {
	const op errors.Op = "loglock.Delete"
	m.mu.Lock()
	lease := m.held[id]
	delete(m.held, id)
	m.mu.Unlock()
	if lease != nil {
		lease.end(nil)
	}
	if err := m.backend.Delete(id); err != nil {
		return errors.E(op, id, errors.IO, err)
	}
	return nil
}

// Lease returns the lease this process holds on the log, if any.
func (m *Manager) Lease(id delta.Id) (*Lease, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.held[id]
	return l, ok
}

// Held returns the leases this process holds.
func (m *Manager) Held() []*Lease {
	m.mu.Lock()
	defer m.mu.Unlock()
	leases := make([]*Lease, 0, len(m.held))
	for _, l := range m.held {
		leases = append(leases, l)
	}
	return leases
}

func (m *Manager) hold(id, session delta.Id) {
	l := &Lease{Id: id, Session: session, done: make(chan struct{})}
	m.mu.Lock()
	old := m.held[id]
	m.held[id] = l
	m.mu.Unlock()
	if old != nil {
		old.end(errors.E(errors.Op("loglock.hold"), id, errors.Permission, "lock taken by a new session"))
	}
}

// drop ends the lease on id if it belongs to session.
func (m *Manager) drop(id, session delta.Id, err error) {
	m.mu.Lock()
	l := m.held[id]
	if l == nil || l.Session != session {
		m.mu.Unlock()
		return
	}
	delete(m.held, id)
	m.mu.Unlock()
	l.end(err)
}

// Start launches the refresher, which refreshes every held lease after
// the initial delay and then once per period. Calling Start on a running
// manager does nothing.
func (m *Manager) Start() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go m.loop(m.stopCh)
}

// Stop terminates the refresher and waits for it to finish.
// Held leases are left in place.
func (m *Manager) Stop() {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.runMu.Unlock()
	m.wg.Wait()
}

func (m *Manager) loop(stop <-chan struct{}) {
	defer m.wg.Done()
	timer := time.NewTimer(m.opts.InitialDelay)
	defer timer.Stop()
	select {
	case <-stop:
		return
	case <-timer.C:
	}
	m.RefreshAll()

	ticker := time.NewTicker(m.opts.Period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.RefreshAll()
		}
	}
}

// RefreshAll refreshes every held lease once. A lease whose refresh fails
// is lost: it leaves the held set and its Done channel is closed.
func (m *Manager) RefreshAll() {
	const op errors.Op = "loglock.RefreshAll"
	for _, l := range m.Held() {
		ok, err := m.refresh(l.Id, l.Session)
		metrics.Lock("refresh", ok, err)
		if ok {
			continue
		}
		if err == nil {
			err = errors.Errorf("session %s no longer holds the lock", l.Session.Short())
		}
		lost := errors.E(op, l.Id, errors.Permission, err)
		m.drop(l.Id, l.Session, lost)
		metrics.LocksLost.Inc()
		log.Error.Printf("loglock: lost lock: %v", lost)
	}
}
