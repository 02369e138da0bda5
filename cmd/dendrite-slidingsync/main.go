// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/slidingsync/internal"
	"github.com/element-hq/slidingsync/setup"
	"github.com/element-hq/slidingsync/setup/config"
	"github.com/element-hq/slidingsync/setup/jetstream"
	"github.com/element-hq/slidingsync/setup/process"
)

var (
	configPath      = flag.String("config", "dendrite.yaml", "The path to the config file. For more information, see the config file in this repository.")
	httpBindAddr    = flag.String("http-bind-address", ":8008", "The HTTP listening port for the server")
	shutdownTimeout = flag.Duration("shutdown-timeout", 10*time.Second, "How long to wait for requests to finish on shutdown")
)

// HTTPServerTimeout bounds writes of a single response. It must be longer
// than the longest long-poll.
const HTTPServerTimeout = time.Minute * 10

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config %q: %s", *configPath, err)
	}

	if err = internal.SetupHookLogging(cfg.Logging); err != nil {
		logrus.WithError(err).Fatal("Failed to set up logging")
	}

	if cfg.Global.Sentry.Enabled {
		logrus.Info("Setting up Sentry for debugging...")
		err = sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.Global.Sentry.DSN,
			Environment:      cfg.Global.Sentry.Environment,
			Debug:            true,
			ServerName:       string(cfg.Global.ServerName),
			AttachStacktrace: true,
		})
		if err != nil {
			logrus.WithError(err).Fatal("failed to start Sentry")
		}
		defer sentry.Flush(time.Second * 5)
	}

	closer, err := cfg.SetupTracing()
	if err != nil {
		logrus.WithError(err).Panicf("failed to start opentracing")
	}
	defer closer.Close() // nolint: errcheck

	processCtx := process.NewProcessContext()
	natsInstance := &jetstream.NATSInstance{}
	defer natsInstance.Close()

	monolith, err := setup.NewMonolith(processCtx, cfg, natsInstance)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to start")
	}
	defer monolith.Close()

	server := &http.Server{
		Addr:         *httpBindAddr,
		WriteTimeout: HTTPServerTimeout,
		Handler:      monolith.PublicRouter(),
		BaseContext: func(_ net.Listener) context.Context {
			return processCtx.Context()
		},
	}

	go func() {
		logrus.Infof("Starting sliding sync server on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Fatal("failed to serve HTTP")
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logrus.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), *shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logrus.WithError(err).Warn("HTTP server did not shut down cleanly")
	}
	processCtx.ShutdownDendrite()
	<-processCtx.WaitForShutdown()
	logrus.Info("Stopped")
}
