// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"rdfdelta.io/delta"
	"rdfdelta.io/errors"
	"rdfdelta.io/patch"
	"rdfdelta.io/server/local"
)

func newAppendCmd(st *state) *cobra.Command {
	return &cobra.Command{
		Use:   "append <name> <file>...",
		Short: "Append patches to a data source's log, in order",
		Long: `Append reads each patch file, or standard input for "-", and appends
the patches to the log under its lock. It prints the version of each.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return st.withServer(cmd, func(s *local.Server) error {
				ds, err := lookup(s, args[0])
				if err != nil {
					return err
				}
				patches := make([]*delta.Patch, 0, len(args)-1)
				for _, name := range args[1:] {
					p, err := readPatch(cmd.InOrStdin(), name)
					if err != nil {
						return err
					}
					patches = append(patches, p)
				}
				session, err := s.AcquireWait(cmd.Context(), ds.Id())
				if err != nil {
					return err
				}
				if session.IsNil() {
					return errors.E(ds.Name(), ds.Id(), errors.Permission, "cannot take the lock")
				}
				defer s.Release(ds.Id(), session)
				for _, p := range patches {
					v, err := s.Append(ds.Id(), session, p)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", v, p.Id())
				}
				return nil
			})
		},
	}
}

func readPatch(stdin io.Reader, name string) (*delta.Patch, error) {
	if name == "-" {
		return patch.Read(stdin)
	}
	f, err := os.Open(name)
	if err != nil {
		return nil, errors.E(errors.IO, err)
	}
	defer f.Close()
	p, err := patch.Read(f)
	if err != nil {
		return nil, errors.E(errors.Op("deltaserver.readPatch"), errors.Errorf("%s: %v", name, err))
	}
	return p, nil
}

func newFetchCmd(st *state) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch <name> <id|version>",
		Short: "Write a patch of a data source's log to standard output",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return st.withServer(cmd, func(s *local.Server) error {
				ds, err := lookup(s, args[0])
				if err != nil {
					return err
				}
				var p *delta.Patch
				if n, err := strconv.ParseInt(args[1], 10, 64); err == nil {
					p, err = s.FetchVersion(ds.Id(), delta.Version(n))
					if err != nil {
						return err
					}
				} else {
					id, err := delta.ParseId(args[1])
					if err != nil {
						return errors.E(errors.Invalid, err)
					}
					if p, err = s.Fetch(ds.Id(), id); err != nil {
						return err
					}
				}
				return patch.Write(cmd.OutOrStdout(), p)
			})
		},
	}
}
