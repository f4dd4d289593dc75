/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/srediag/extension-host/pkg/extension"
	"github.com/srediag/extension-host/pkg/health"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand(root *rootOptions) *cobra.Command {
	var adminAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the extensions and serve health and metrics until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			m, err := extension.NewManager(extension.ManagerOptions{Config: cfg, Logger: logger})
			if err != nil {
				return err
			}
			defer func() {
				dctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				m.Dispose(dctx)
			}()
			if err := m.Start(ctx); err != nil {
				return err
			}
			if adminAddr == "" {
				<-ctx.Done()
				return nil
			}
			return serveAdmin(ctx, adminAddr, m, logger)
		},
	}
	cmd.Flags().StringVar(&adminAddr, "admin-addr", "127.0.0.1:9464", "address of the health and metrics endpoints, empty to disable")
	return cmd
}

func adminHandler(m *extension.Manager) http.Handler {
	checks := health.NewHandler(m)
	mux := http.NewServeMux()
	mux.HandleFunc("/live", checks.LiveEndpoint)
	mux.HandleFunc("/ready", checks.ReadyEndpoint)
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{Registry: m.Registry()}))
	mux.HandleFunc("/extensions", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(m.GetExtensionStatuses())
	})
	return mux
}

func serveAdmin(ctx context.Context, addr string, m *extension.Manager, logger hclog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           adminHandler(m),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("admin endpoints listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
