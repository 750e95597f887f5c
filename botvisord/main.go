// Copyright 2026 The Botvisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command botvisord is the bot hosting daemon.  It serves the HTTP API
// over a botvisor.Manager whose servers are kept in SQLite.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/net/netutil"

	"github.com/botvisor/botvisor"
	"github.com/botvisor/botvisor/rest"
	"github.com/botvisor/botvisor/sessiongen"
	"github.com/botvisor/botvisor/sqlstore"
)

// Version is set at build time.
var Version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	if e := newRootCmd().Execute(); e != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &flags{}
	root := &cobra.Command{
		Use:   "botvisord",
		Short: "Bot hosting daemon",
		Long: `botvisord provisions, runs and supervises tenant bot processes.

Configuration is layered: built-in defaults, then the YAML file, then .env
and BOTVISOR_* environment variables, then command line flags.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, e := loadConfig(cmd.Flags(), f)
			if e != nil {
				return e
			}
			return serve(cmd.Context(), cfg)
		},
	}
	f.register(root.Flags())
	root.AddCommand(newHashCmd())
	return root
}

func newHashCmd() *cobra.Command {
	cost := bcrypt.DefaultCost
	cmd := &cobra.Command{
		Use:   "hash-password <password>",
		Short: "Print a bcrypt hash for adminPasswordHash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, e := bcrypt.GenerateFromPassword([]byte(args[0]), cost)
			if e != nil {
				return e
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(h))
			return nil
		},
	}
	cmd.Flags().IntVar(&cost, "cost", cost, "bcrypt cost")
	return cmd
}

func serve(ctx context.Context, cfg config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger, e := newLogger(cfg.Log, os.Stderr)
	if e != nil {
		return e
	}
	log := logger.WithField("component", "botvisord")

	store, e := sqlstore.Open(cfg.Database)
	if e != nil {
		return e
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	hub := rest.NewHub(logger)
	m, e := botvisor.NewManager(cfg.Config, store,
		botvisor.WithLogger(logger),
		botvisor.WithNotifier(hub),
		botvisor.WithRegistry(reg))
	if e != nil {
		return e
	}
	if e := m.Reconcile(ctx); e != nil {
		return fmt.Errorf("reconcile: %w", e)
	}

	opts := []rest.Option{
		rest.WithHub(hub),
		rest.WithGatherer(reg),
		rest.WithLogger(logger),
		rest.WithSessions(sessiongen.NewClient(
			sessiongen.WithURL(cfg.SessionURL),
			sessiongen.WithLogger(logger))),
	}
	if cfg.AdminHash != "" {
		opts = append(opts, rest.WithAdmin(cfg.AdminUser, []byte(cfg.AdminHash)))
	} else {
		log.Warn("no admin password hash configured, admin routes are disabled")
	}

	ln, e := net.Listen("tcp", cfg.Listen)
	if e != nil {
		return e
	}
	ln = netutil.LimitListener(ln, cfg.MaxConns)
	srv := &http.Server{
		Handler:           rest.NewHandler(m, opts...),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		errs <- srv.Serve(ln)
	}()
	log.WithFields(logrus.Fields{
		"listen":   ln.Addr().String(),
		"ports":    fmt.Sprintf("%d-%d", cfg.MinPort, cfg.MaxPort),
		"base_dir": cfg.BaseDir,
		"database": cfg.Database,
	}).Info("botvisord started")

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

	var served error
	select {
	case sig := <-sigs:
		log.WithField("signal", sig.String()).Info("shutting down")
	case <-ctx.Done():
		log.Info("shutting down")
	case served = <-errs:
		log.WithError(served).Error("http server failed")
	}

	// Stop taking requests before the bots go down, so nothing starts one
	// again behind our back.
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if e := srv.Shutdown(sctx); e != nil {
		log.WithError(e).Warn("http shutdown")
	}
	hub.Close()
	m.SystemCleanup()

	if served != nil && !errors.Is(served, http.ErrServerClosed) {
		return served
	}
	return nil
}
