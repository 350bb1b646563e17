// Copyright 2017 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package shutdown runs registered handlers when the server process is
// asked to stop, so that patch logs are released and lock refreshers
// stopped before exit.
package shutdown // import "rdfdelta.io/shutdown"

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"rdfdelta.io/log"
)

// GracePeriod is the longest the handlers may run before the process
// exits regardless.
const GracePeriod = 30 * time.Second

type handler struct {
	name string
	fn   func() error
}

var state struct {
	mu       sync.Mutex
	handlers []handler
	once     sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
}

// Testing hooks.
var (
	killSleep = time.Sleep
	exit      = os.Exit
)

func init() {
	state.ctx, state.cancel = context.WithCancel(context.Background())
}

// Handle registers fn to be run at shutdown under the given name. Handlers
// run in the reverse order of registration. An error from a handler is
// logged and makes the exit status non-zero.
// Handle may be called concurrently.
func Handle(name string, fn func() error) {
	state.mu.Lock()
	defer state.mu.Unlock()
	state.handlers = append(state.handlers, handler{name: name, fn: fn})
}

// Context returns a context that is cancelled when shutdown begins.
// Long waits, such as for a lock, should use it.
func Context() context.Context {
	return state.ctx
}

// Now runs the handlers and exits the process with the status code, or
// with status 1 if a handler failed. It runs once, however many times
// it is called, and exits within GracePeriod.
func Now(code int) {
	state.once.Do(func() {
		log.Debug.Printf("shutdown: status code %d", code)
		go func() {
			killSleep(GracePeriod)
			fmt.Fprintf(os.Stderr, "shutdown: %v elapsed since shutdown requested; exiting forcefully\n", GracePeriod)
			exit(1)
		}()
		if !run() && code == 0 {
			code = 1
		}
		log.Flush()
		exit(code)
	})
}

// run cancels the shutdown context and runs the handlers. It reports
// whether they all succeeded.
func run() bool {
	state.cancel()
	state.mu.Lock() // No need to ever unlock.
	ok := true
	for i := len(state.handlers) - 1; i >= 0; i-- {
		h := state.handlers[i]
		if err := h.fn(); err != nil {
			log.Error.Printf("shutdown: %s: %v", h.name, err)
			ok = false
		}
	}
	return ok
}

// OnSignal starts watching for SIGTERM and interrupt; either one starts
// the shutdown.
func OnSignal() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGTERM, os.Interrupt)
	go func() {
		sig := <-c
		log.Info.Printf("shutdown: process received signal %v", sig)
		Now(0)
	}()
}
