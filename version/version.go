// Copyright 2017 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package version reports the build of the running binary.
package version // import "rdfdelta.io/version"

import (
	"fmt"
	"runtime/debug"
	"time"
)

// These strings may be set at link time with -ldflags -X. Otherwise they
// are taken from the version control stamp in the build information.
var (
	BuildTime = ""
	GitSHA    = ""
)

// Version returns a newline-terminated string describing the current
// version of the build.
func Version() string {
	sha, when := GitSHA, BuildTime
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				if sha == "" {
					sha = s.Value
				}
			case "vcs.time":
				if when == "" {
					when = s.Value
				}
			}
		}
	}
	if sha == "" {
		return "devel\n"
	}
	str := ""
	if t, err := time.Parse(time.RFC3339, when); err == nil {
		str = fmt.Sprintf("Build time: %s\n", t.In(time.UTC).Format(time.Stamp+" 2006 UTC"))
	}
	str += fmt.Sprintf("Git hash:   %s\n", sha)
	return str
}
