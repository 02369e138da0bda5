// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package embedded

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/element-hq/slidingsync/internal"
	"github.com/element-hq/slidingsync/setup"
	"github.com/element-hq/slidingsync/setup/config"
	"github.com/element-hq/slidingsync/setup/jetstream"
	"github.com/element-hq/slidingsync/setup/process"
)

// HTTPServerTimeout bounds writes of a single response. It must exceed the
// longest long-poll a client can ask for.
const HTTPServerTimeout = time.Minute * 10

// Server runs the sliding sync components and their HTTP listener inside
// another program.
type Server struct {
	cfg        *config.Dendrite
	processCtx *process.ProcessContext
	nats       *jetstream.NATSInstance

	mu       sync.Mutex
	monolith *setup.Monolith
	http     *http.Server
}

// NewServer validates the configuration. Nothing is started until Start.
func NewServer(c ServerConfig) (*Server, error) {
	cfg, err := c.toDendriteConfig()
	if err != nil {
		return nil, err
	}
	if err = internal.SetupHookLogging(cfg.Logging); err != nil {
		return nil, err
	}
	return &Server{
		cfg:        cfg,
		processCtx: process.NewProcessContext(),
		nats:       &jetstream.NATSInstance{},
	}, nil
}

// Start builds the components and serves HTTP on the listener, which is
// owned by the server from then on. Calling Start on a running server does
// nothing.
func (s *Server) Start(_ context.Context, listener net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.http != nil {
		return nil
	}

	m, err := setup.NewMonolith(s.processCtx, s.cfg, s.nats)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:         listener.Addr().String(),
		Handler:      m.PublicRouter(),
		WriteTimeout: HTTPServerTimeout,
		BaseContext:  func(net.Listener) context.Context { return s.processCtx.Context() },
	}
	s.monolith, s.http = m, srv

	logger := logrus.WithField("address", srv.Addr)
	s.processCtx.ComponentStarted()
	go func() {
		defer s.processCtx.ComponentFinished()
		logger.Info("Embedded sliding sync server listening")
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("HTTP server failed")
		}
	}()
	return nil
}

// Stop waits for in-flight requests until ctx expires, then tears down the
// components and JetStream.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.http == nil {
		return nil
	}

	err := s.http.Shutdown(ctx)
	s.processCtx.ShutdownDendrite()
	<-s.processCtx.WaitForShutdown()
	s.monolith.Close()
	s.nats.Close()
	s.http = nil
	return err
}

func (s *Server) GetProcessContext() *process.ProcessContext {
	return s.processCtx
}

func (s *Server) GetConfig() *config.Dendrite {
	return s.cfg
}

// GetMonolith returns nil until the server has been started.
func (s *Server) GetMonolith() *setup.Monolith {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.monolith
}
