// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config creates a server configuration from various sources
// and manages the on-disk areas of data sources.
package config // import "rdfdelta.io/config"

import (
	"fmt"
	"io"
	"os"
	osuser "os/user"
	"path/filepath"
	"strconv"
	"time"

	yaml "gopkg.in/yaml.v2"

	"rdfdelta.io/errors"
	"rdfdelta.io/log"
	"rdfdelta.io/loglock"
	"rdfdelta.io/patchlog"
	"rdfdelta.io/patchstore"
)

// Config holds the settings of a patch log server.
type Config struct {
	// Root is the directory holding one area per data source.
	// If empty, no directory is scanned and the file provider
	// cannot create data sources.
	Root string

	// Store is the name of the default patch store provider.
	Store string

	// LogLevel and LogFormat configure the log package.
	LogLevel  string
	LogFormat string

	// CacheSize is the number of patch bodies each log keeps in memory.
	CacheSize int

	// Lenient selects lenient recovery of patch logs.
	Lenient bool

	// KV is the database directory of the kv provider.
	// If empty, the database is held in memory.
	KV string

	Lock Lock

	// Metrics is the address of the Prometheus endpoint, if any.
	Metrics string
}

// Lock holds the timing of the lock refresher and of blocking acquires.
type Lock struct {
	InitialDelay time.Duration
	Period       time.Duration
	Poll         time.Duration
}

// Known keys. All others are treated as errors.
const (
	root      = "root"
	store     = "store"
	loglevel  = "loglevel"
	logformat = "logformat"
	cache     = "cache"
	lenient   = "lenient_recovery"
	kv        = "kv"
	lock      = "lock"
	metrics   = "metrics"
)

// Known keys of the lock section.
const (
	initialDelay = "initial_delay"
	period       = "period"
	poll         = "poll"
)

// Default returns a config with all fields set to defaults.
func Default() *Config {
	return &Config{
		Store:     "file",
		LogLevel:  "info",
		LogFormat: "text",
		CacheSize: patchlog.DefaultCacheSize,
		Lock: Lock{
			InitialDelay: loglock.DefaultInitialDelay,
			Period:       loglock.DefaultPeriod,
			Poll:         loglock.DefaultPollInterval,
		},
	}
}

// FromFile reads the config in the named file. If the file cannot be
// opened but the name can be found in $HOME/delta, that file is used.
func FromFile(name string) (*Config, error) {
	const op errors.Op = "config.FromFile"
	f, err := os.Open(name)
	if err != nil && !filepath.IsAbs(name) && os.IsNotExist(err) {
		// It's a local name, so, try adding $HOME/delta
		home, errHome := Homedir()
		if errHome == nil {
			f, err = os.Open(filepath.Join(home, "delta", name))
		}
	}
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.E(op, errors.NotExist, err)
		}
		return nil, errors.E(op, errors.IO, err)
	}
	defer f.Close()
	cfg, err := Read(f)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return cfg, nil
}

// Read returns the config held in r.
func Read(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.E(errors.Op("config.Read"), errors.IO, err)
	}
	return Parse(data)
}

// Parse returns a config generated from YAML data. Keys not present in
// the data keep their default values.
//
// The data should be of the format
//
//	root: /var/lib/delta
//	store: file
//	loglevel: info
//	logformat: text
//	cache: 1000
//	lenient_recovery: false
//	kv: /var/lib/delta/kv
//	lock:
//	  initial_delay: 500ms
//	  period: 1s
//	  poll: 500ms
//	metrics: ":9090"
//
// Durations are parsed by time.ParseDuration.
func Parse(data []byte) (*Config, error) {
	const op errors.Op = "config.Parse"
	def := Default()
	vals := map[string]string{
		root:      def.Root,
		store:     def.Store,
		loglevel:  def.LogLevel,
		logformat: def.LogFormat,
		cache:     strconv.Itoa(def.CacheSize),
		lenient:   strconv.FormatBool(def.Lenient),
		kv:        def.KV,
		metrics:   def.Metrics,
	}
	lockVals := map[string]string{
		initialDelay: def.Lock.InitialDelay.String(),
		period:       def.Lock.Period.String(),
		poll:         def.Lock.Poll.String(),
	}
	if err := valsFromYAML(vals, lockVals, data); err != nil {
		return nil, errors.E(op, err)
	}

	cfg := &Config{
		Root:      vals[root],
		Store:     vals[store],
		LogLevel:  vals[loglevel],
		LogFormat: vals[logformat],
		KV:        vals[kv],
		Metrics:   vals[metrics],
	}
	if cfg.Store == "" {
		return nil, errors.E(op, errors.Invalid, "no store provider")
	}
	switch cfg.LogLevel {
	case "debug", "info", "error", "disabled":
	default:
		return nil, errors.E(op, errors.Invalid, errors.Errorf("unknown log level %q", cfg.LogLevel))
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return nil, errors.E(op, errors.Invalid, errors.Errorf("unknown log format %q", cfg.LogFormat))
	}

	var err error
	if cfg.CacheSize, err = strconv.Atoi(vals[cache]); err != nil {
		return nil, errors.E(op, errors.Syntax, errors.Errorf("%s: %v", cache, err))
	}
	if cfg.Lenient, err = strconv.ParseBool(vals[lenient]); err != nil {
		return nil, errors.E(op, errors.Syntax, errors.Errorf("%s: %v", lenient, err))
	}
	cfg.Lock.InitialDelay = parseDuration(lockVals, initialDelay, &err)
	cfg.Lock.Period = parseDuration(lockVals, period, &err)
	cfg.Lock.Poll = parseDuration(lockVals, poll, &err)
	if err != nil {
		return nil, errors.E(op, err)
	}
	if cfg.Lock.Period <= 0 {
		return nil, errors.E(op, errors.Invalid, "lock period must be positive")
	}
	return cfg, nil
}

// valsFromYAML parses YAML from the given data and puts the values into
// the provided maps. Unrecognized keys generate an error.
func valsFromYAML(vals, lockVals map[string]string, data []byte) error {
	newVals := map[string]interface{}{}
	if err := yaml.Unmarshal(data, newVals); err != nil {
		return errors.E(errors.Syntax, errors.Errorf("parsing YAML file: %v", err))
	}
	for k, v := range newVals {
		if k == lock {
			if err := asLock(v, lockVals); err != nil {
				return err
			}
			continue
		}
		if _, ok := vals[k]; !ok {
			return errors.E(errors.Syntax, errors.Errorf("unrecognized key %q", k))
		}
		s, err := asString(v)
		if err != nil {
			return errors.E(errors.Syntax, errors.Errorf("%q: %v", k, err))
		}
		vals[k] = s
	}
	return nil
}

func asLock(v interface{}, m map[string]string) error {
	if v == nil {
		return nil
	}
	fields, ok := v.(map[interface{}]interface{})
	if !ok {
		return errors.E(errors.Syntax, errors.Errorf("unrecognized %s section %v", lock, v))
	}
	for k, v := range fields {
		key, err := asString(k)
		if err != nil {
			return errors.E(errors.Syntax, errors.Errorf("%s has bad key: %v", lock, err))
		}
		if _, ok := m[key]; !ok {
			return errors.E(errors.Syntax, errors.Errorf("unrecognized key %q in %s section", key, lock))
		}
		val, err := asString(v)
		if err != nil {
			return errors.E(errors.Syntax, errors.Errorf("%s key %q has bad value: %v", lock, key, err))
		}
		m[key] = val
	}
	return nil
}

// asString tries to convert a value back into its original string. This will not
// always be possible but should be for all our expected use cases.
func asString(v interface{}) (string, error) {
	switch vc := v.(type) {
	case nil:
		return "", nil
	case int, int32, int64, uint, uint32, uint64, float32, float64, bool:
		return fmt.Sprintf("%v", vc), nil
	case string:
		return vc, nil
	}
	return "", errors.Errorf("unrecognized value %T", v)
}

// parseDuration parses the named value. The first error is kept in errorp
// so a caller can parse a set of values and check once.
func parseDuration(vals map[string]string, key string, errorp *error) time.Duration {
	d, err := time.ParseDuration(vals[key])
	if err != nil {
		if *errorp == nil {
			*errorp = errors.E(errors.Syntax, errors.Errorf("%s.%s: %v", lock, key, err))
		}
		return 0
	}
	return d
}

// SetupLogging applies the log level and format of the config.
func (c *Config) SetupLogging() error {
	const op errors.Op = "config.SetupLogging"
	if err := log.SetLevel(c.LogLevel); err != nil {
		return errors.E(op, errors.Invalid, err)
	}
	if err := log.SetFormat(c.LogFormat); err != nil {
		return errors.E(op, errors.Invalid, err)
	}
	return nil
}

// StoreConfig returns the configuration handed to patch store providers.
func (c *Config) StoreConfig() patchstore.Config {
	return patchstore.Config{
		KV: c.KV,
		Log: patchlog.Options{
			CacheSize: c.CacheSize,
			Lenient:   c.Lenient,
		},
		Lock: loglock.Options{
			InitialDelay: c.Lock.InitialDelay,
			Period:       c.Lock.Period,
		},
	}
}

// WaitOptions returns the options of blocking lock acquires.
func (c *Config) WaitOptions() loglock.WaitOptions {
	return loglock.WaitOptions{PollInterval: c.Lock.Poll}
}

// Homedir returns the home directory of the OS' logged-in user.
func Homedir() (string, error) {
	u, err := osuser.Current()
	// user.Current may return an error, but we should only handle it if it
	// returns a nil user. This is because os/user is wonky without cgo,
	// but it should work well enough for our purposes.
	if u == nil {
		e := errors.Str("lookup of current user failed")
		if err != nil {
			e = errors.Errorf("%v: %v", e, err)
		}
		return "", e
	}
	h := u.HomeDir
	if h == "" {
		return "", errors.E(errors.NotExist, errors.Str("user home directory not found"))
	}
	return h, nil
}
