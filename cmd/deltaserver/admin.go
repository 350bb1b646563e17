// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"rdfdelta.io/delta"
	"rdfdelta.io/server/local"
)

func newListCmd(st *state) *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List the data sources and the state of their logs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return st.withServer(cmd, func(s *local.Server) error {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "NAME\tID\tSTORE\tVERSION\tLATEST\tURI")
				for _, ds := range s.Registry().List() {
					info := ds.Log().Info()
					latest := "-"
					if !info.LatestPatch.IsNil() {
						latest = info.LatestPatch.String()
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", ds.Name(), ds.Id(),
						ds.Store().Provider().ShortName(), info.MaxVersion, latest, ds.URI())
				}
				return w.Flush()
			})
		},
	}
}

func newMakeCmd(st *state) *cobra.Command {
	var uri, provider string
	cmd := &cobra.Command{
		Use:   "mk <name>",
		Short: "Create a data source with an empty log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return st.withServer(cmd, func(s *local.Server) error {
				id, err := s.CreateDataSource(delta.Name(args[0]), uri, provider)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&uri, "uri", "", "base `URI` of the data source")
	cmd.Flags().StringVar(&provider, "provider", "", "patch store `provider`; the default store if empty")
	return cmd
}

func newRemoveCmd(st *state) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <name>",
		Short: "Remove a data source, keeping its patches on disk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return st.withServer(cmd, func(s *local.Server) error {
				ds, err := lookup(s, args[0])
				if err != nil {
					return err
				}
				return s.RemoveDataSource(ds.Id())
			})
		},
	}
}

func newLockCmd(st *state) *cobra.Command {
	return &cobra.Command{
		Use:   "lock <name>",
		Short: "Show the lock state of a data source's log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return st.withServer(cmd, func(s *local.Server) error {
				ds, err := lookup(s, args[0])
				if err != nil {
					return err
				}
				ls, err := s.ReadLock(ds.Id())
				if err != nil {
					return err
				}
				if !ls.IsLocked() {
					fmt.Fprintln(cmd.OutOrStdout(), "unlocked")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "held by %s, %d ticks\n", ls.Session, ls.Ticks)
				return nil
			})
		},
	}
}
