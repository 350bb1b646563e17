// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command deltaserver runs a patch log server and administers the data
// sources under its root.
//
// The commands other than serve work on the server root directly, so
// they should not be run while a server is using the same root or
// key/value database.
package main // import "rdfdelta.io/cmd/deltaserver"

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"rdfdelta.io/config"
	"rdfdelta.io/delta"
	"rdfdelta.io/errors"
	"rdfdelta.io/server/local"
	"rdfdelta.io/version"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// state is shared by the commands of one invocation.
type state struct {
	configFile string
	root       string
	store      string
	logLevel   string

	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	st := &state{}
	root := &cobra.Command{
		Use:           "deltaserver",
		Short:         "A server of replicated RDF patch logs",
		Version:       version.Version(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return st.loadConfig(cmd)
		},
	}
	root.SetVersionTemplate("{{.Version}}")
	flags := root.PersistentFlags()
	flags.StringVar(&st.configFile, "config", "", "configuration `file`")
	flags.StringVar(&st.root, "root", "", "server root `directory`, overriding the configuration")
	flags.StringVar(&st.store, "store", "", "default patch store `provider`, overriding the configuration")
	flags.StringVar(&st.logLevel, "log", "", "log `level`, overriding the configuration")

	root.AddCommand(
		newServeCmd(st),
		newListCmd(st),
		newMakeCmd(st),
		newRemoveCmd(st),
		newAppendCmd(st),
		newFetchCmd(st),
		newLockCmd(st),
	)
	return root
}

func (st *state) loadConfig(cmd *cobra.Command) error {
	cfg := config.Default()
	if st.configFile != "" {
		var err error
		if cfg, err = config.FromFile(st.configFile); err != nil {
			return err
		}
	}
	flags := cmd.Flags()
	if flags.Changed("root") {
		cfg.Root = st.root
	}
	if flags.Changed("store") {
		cfg.Store = st.store
	}
	if flags.Changed("log") {
		cfg.LogLevel = st.logLevel
	}
	if err := cfg.SetupLogging(); err != nil {
		return err
	}
	st.cfg = cfg
	return nil
}

// attach recovers the server described by the configuration.
func (st *state) attach(ctx context.Context) (*local.Server, error) {
	providers, err := local.Providers()
	if err != nil {
		return nil, err
	}
	return local.Attach(ctx, st.cfg, providers)
}

// withServer runs fn against the server and shuts the server down.
func (st *state) withServer(cmd *cobra.Command, fn func(s *local.Server) error) error {
	s, err := st.attach(cmd.Context())
	if err != nil {
		return err
	}
	err = fn(s)
	if serr := s.Shutdown(); err == nil {
		err = serr
	}
	return err
}

// lookup finds a data source by name, URI or id, in that order.
func lookup(s *local.Server, ref string) (*local.DataSource, error) {
	if ds, err := s.GetByName(delta.Name(ref)); err == nil {
		return ds, nil
	}
	if ds, err := s.GetByURI(ref); err == nil {
		return ds, nil
	}
	if id, err := delta.ParseId(ref); err == nil {
		return s.Get(id)
	}
	return nil, errors.E(errors.Op("deltaserver.lookup"), errors.NotExist, errors.Errorf("no data source %q", ref))
}
