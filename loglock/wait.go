// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package loglock

import (
	"context"
	"time"

	"rdfdelta.io/delta"
	"rdfdelta.io/errors"
	"rdfdelta.io/log"
)

// Locker is the set of lock operations AcquireWait needs.
// Both Manager and any client of a remote server can provide it.
type Locker interface {
	Acquire(id delta.Id) (delta.Id, error)
	Grab(id, oldSession delta.Id) (delta.Id, error)
	ReadLock(id delta.Id) (delta.LockState, error)
}

var _ Locker = (*Manager)(nil)

// DefaultPollInterval is the default wait between reads of a busy lock.
const DefaultPollInterval = 500 * time.Millisecond

// WaitOptions control AcquireWait. Zero fields take the defaults.
type WaitOptions struct {
	// PollInterval is the wait between reads of the lock state.
	PollInterval time.Duration // default 500ms
	// MaxDepth is the number of times the whole attempt restarts,
	// when the lock becomes free or a grab loses a race.
	MaxDepth int // default 5
	// SameTicks is the number of polls without the ticks advancing
	// after which the holder is presumed dead and the lock grabbed.
	SameTicks int // default 60
	// SessionChanges is the number of changes of holder to follow
	// while polling before grabbing.
	SessionChanges int // default 10
}

func (o *WaitOptions) defaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.MaxDepth <= 0 {
		o.MaxDepth = 5
	}
	if o.SameTicks <= 0 {
		o.SameTicks = 60
	}
	if o.SessionChanges <= 0 {
		o.SessionChanges = 10
	}
}

// AcquireWait obtains the lock of the log, waiting for the holder to
// release it or, if the holder's ticks stop advancing, breaking its
// session with Grab. It returns NilId if it gives up without the lock.
//
// The wait is not a queue: a writer may lose every race for a busy lock.
// A grab can break a slow but live holder; the log itself rejects the
// loser's append because both cannot name the same head.
func AcquireWait(ctx context.Context, l Locker, id delta.Id, opts WaitOptions) (delta.Id, error) {
	const op errors.Op = "loglock.AcquireWait"
	opts.defaults()
	for depth := 0; depth <= opts.MaxDepth; depth++ {
		session, err := l.Acquire(id)
		if err != nil {
			return delta.NilId, errors.E(op, err)
		}
		if !session.IsNil() {
			return session, nil
		}
		state, err := l.ReadLock(id)
		if err != nil {
			return delta.NilId, errors.E(op, err)
		}
		if !state.IsLocked() {
			continue
		}

		free := false
		for changes := 0; ; changes++ {
			next, err := poll(ctx, l, id, state, opts)
			if err != nil {
				return delta.NilId, errors.E(op, id, err)
			}
			if !next.IsLocked() {
				free = true
				break
			}
			if next.Session == state.Session || changes >= opts.SessionChanges {
				// Ticks stalled, or the lock keeps changing hands.
				state = next
				break
			}
			log.Debug.Printf("loglock: %s: holder changed from %s to %s", id.Short(), state.Session.Short(), next.Session.Short())
			state = next
		}
		if free {
			continue
		}

		log.Info.Printf("loglock: %s: grabbing lock from %s at %d ticks", id.Short(), state.Session.Short(), state.Ticks)
		session, err = l.Grab(id, state.Session)
		if err != nil {
			return delta.NilId, errors.E(op, err)
		}
		if !session.IsNil() {
			return session, nil
		}
	}
	log.Info.Printf("loglock: %s: failed to acquire lock after %d attempts", id.Short(), opts.MaxDepth+1)
	return delta.NilId, nil
}

// poll reads the lock until it becomes free, changes holder, or its ticks
// fail to advance for opts.SameTicks reads in a row, and returns the last
// state read.
func poll(ctx context.Context, l Locker, id delta.Id, state delta.LockState, opts WaitOptions) (delta.LockState, error) {
	timer := time.NewTimer(opts.PollInterval)
	defer timer.Stop()
	same := 0
	for {
		select {
		case <-ctx.Done():
			return state, ctx.Err()
		case <-timer.C:
		}
		next, err := l.ReadLock(id)
		if err != nil {
			return state, err
		}
		if !next.IsLocked() || next.Session != state.Session {
			return next, nil
		}
		if next.Ticks > state.Ticks {
			same = 0
		} else {
			same++
		}
		state = next
		if same >= opts.SameTicks {
			return state, nil
		}
		timer.Reset(opts.PollInterval)
	}
}
