// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"net/http"
	"time"

	"github.com/google/gops/agent"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"rdfdelta.io/log"
	"rdfdelta.io/shutdown"
)

func newServeCmd(st *state) *cobra.Command {
	var noAgent bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Recover the data sources and serve until stopped",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return st.serve(cmd.Context(), !noAgent)
		},
	}
	cmd.Flags().BoolVar(&noAgent, "nogops", false, "do not start the gops diagnostics agent")
	return cmd
}

func (st *state) serve(ctx context.Context, gops bool) error {
	if gops {
		if err := agent.Listen(agent.Options{}); err != nil {
			log.Error.Printf("deltaserver: gops agent failed: %v", err)
		} else {
			shutdown.Handle("gops agent", func() error {
				agent.Close()
				return nil
			})
		}
	}

	s, err := st.attach(ctx)
	if err != nil {
		return err
	}
	shutdown.Handle("server", s.Shutdown)

	if addr := st.cfg.Metrics; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			log.Info.Printf("deltaserver: serving metrics on %s", addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error.Printf("deltaserver: metrics: %v", err)
				shutdown.Now(1)
			}
		}()
		shutdown.Handle("metrics", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(ctx)
		})
	}

	for _, d := range s.ListDataSources() {
		log.Info.Printf("deltaserver: %s", d)
	}
	log.Info.Printf("deltaserver: serving %d data sources from %q", len(s.ListDataSources()), st.cfg.Root)
	shutdown.OnSignal()
	<-shutdown.Context().Done()
	// Now exits the process once the handlers have run.
	select {}
}
