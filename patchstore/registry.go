// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package patchstore

import (
	"sort"
	"sync"

	"rdfdelta.io/errors"
)

// Registry maps provider names to Providers. A provider is known by both
// its full name and its short name. A server builds one Registry at
// startup and passes it down; there is no process-wide registry.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider // by full name.
	aliases   map[string]string   // short name to full name.
	def       string
}

// NewRegistry returns a Registry holding the given providers.
// The first provider, if any, is the default.
func NewRegistry(providers ...Provider) (*Registry, error) {
	r := &Registry{
		providers: make(map[string]Provider),
		aliases:   make(map[string]string),
	}
	for _, p := range providers {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds p. It is an error if either of its names is taken.
func (r *Registry) Register(p Provider) error {
	const op errors.Op = "patchstore.Register"
	name, short := p.Name(), p.ShortName()
	if name == "" {
		return errors.E(op, errors.Invalid, "provider has no name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range []string{name, short} {
		if n == "" {
			continue
		}
		if _, ok := r.providers[n]; ok {
			return errors.E(op, errors.Exist, errors.Errorf("provider name %q already registered", n))
		}
		if _, ok := r.aliases[n]; ok {
			return errors.E(op, errors.Exist, errors.Errorf("provider name %q already registered", n))
		}
	}
	r.providers[name] = p
	if short != "" && short != name {
		r.aliases[short] = name
	}
	if r.def == "" {
		r.def = name
	}
	return nil
}

// Alias makes alias another name of the provider known as name.
func (r *Registry) Alias(alias, name string) error {
	const op errors.Op = "patchstore.Alias"
	r.mu.Lock()
	defer r.mu.Unlock()
	full, ok := r.resolve(name)
	if !ok {
		return errors.E(op, errors.Invalid, errors.Errorf("unknown provider %q", name))
	}
	if _, ok := r.resolve(alias); ok {
		return errors.E(op, errors.Exist, errors.Errorf("provider name %q already registered", alias))
	}
	r.aliases[alias] = full
	return nil
}

// Unregister removes the provider known by name, under all its names.
func (r *Registry) Unregister(name string) error {
	const op errors.Op = "patchstore.Unregister"
	r.mu.Lock()
	defer r.mu.Unlock()
	full, ok := r.resolve(name)
	if !ok {
		return errors.E(op, errors.Invalid, errors.Errorf("unknown provider %q", name))
	}
	delete(r.providers, full)
	for a, n := range r.aliases {
		if n == full {
			delete(r.aliases, a)
		}
	}
	if r.def == full {
		r.def = ""
	}
	return nil
}

// resolve returns the full name for name. r.mu must be held.
func (r *Registry) resolve(name string) (string, bool) {
	if _, ok := r.providers[name]; ok {
		return name, true
	}
	full, ok := r.aliases[name]
	return full, ok
}

// Lookup returns the provider known by name.
func (r *Registry) Lookup(name string) (Provider, error) {
	const op errors.Op = "patchstore.Lookup"
	if name == "" {
		return nil, errors.E(op, errors.Invalid, "empty provider name")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	full, ok := r.resolve(name)
	if !ok {
		return nil, errors.E(op, errors.Invalid, errors.Errorf("unknown provider %q", name))
	}
	return r.providers[full], nil
}

// SetDefault makes the provider known by name the default.
func (r *Registry) SetDefault(name string) error {
	const op errors.Op = "patchstore.SetDefault"
	r.mu.Lock()
	defer r.mu.Unlock()
	full, ok := r.resolve(name)
	if !ok {
		return errors.E(op, errors.Invalid, errors.Errorf("unknown provider %q", name))
	}
	r.def = full
	return nil
}

// Default returns the default provider.
func (r *Registry) Default() (Provider, error) {
	const op errors.Op = "patchstore.Default"
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.def == "" {
		return nil, errors.E(op, errors.Invalid, "no default provider")
	}
	return r.providers[r.def], nil
}

// Providers returns the registered providers, sorted by full name.
func (r *Registry) Providers() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	ps := make([]Provider, len(names))
	for i, n := range names {
		ps[i] = r.providers[n]
	}
	return ps
}
