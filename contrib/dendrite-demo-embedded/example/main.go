// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Command example runs an embedded sliding sync server with a single static
// device, which is enough to point a client at it.
package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	embedded "github.com/element-hq/slidingsync/contrib/dendrite-demo-embedded"
	"github.com/element-hq/slidingsync/setup/config"
)

var (
	bindAddr    = flag.String("bind", "127.0.0.1:8008", "address to listen on")
	serverName  = flag.String("server-name", "localhost", "server name to use for user IDs")
	userID      = flag.String("user", "@example:localhost", "user ID of the static device")
	accessToken = flag.String("token", "example_token", "access token of the static device")
	storePath   = flag.String("jetstream", "", "directory for JetStream storage, in memory when empty")
)

func main() {
	flag.Parse()

	cfg := embedded.DefaultConfig()
	cfg.ServerName = *serverName
	cfg.JetStreamPath = *storePath
	cfg.StaticDevices = []config.StaticDevice{
		{AccessToken: *accessToken, UserID: *userID, DeviceID: "EXAMPLE"},
	}

	server, err := embedded.NewServer(cfg)
	if err != nil {
		logrus.WithError(err).Fatal("failed to configure server")
	}

	listener, err := net.Listen("tcp", *bindAddr)
	if err != nil {
		logrus.WithError(err).Fatalf("failed to listen on %s", *bindAddr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err = server.Start(ctx, listener); err != nil {
		logrus.WithError(err).Fatal("failed to start server")
	}
	logrus.WithFields(logrus.Fields{
		"address": listener.Addr().String(),
		"user_id": *userID,
	}).Info("sliding sync server running")

	select {
	case <-ctx.Done():
	case <-server.GetProcessContext().WaitForShutdown():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err = server.Stop(shutdownCtx); err != nil {
		logrus.WithError(err).Error("unclean shutdown")
	}
}
