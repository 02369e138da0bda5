// Copyright 2024 New Vector Ltd.
// Copyright 2022 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package jetstream

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	natsclient "github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/slidingsync/setup/config"
)

// NATSInstance owns the embedded NATS server, if one is running, and the
// client connection to whichever server is in use.
type NATSInstance struct {
	*natsserver.Server
	sync.Mutex
	nc *natsclient.Conn
	js natsclient.JetStreamContext
}

// Prepare starts an embedded server when no addresses are configured,
// connects to it and makes sure every stream exists.
func (s *NATSInstance) Prepare(cfg *config.JetStream) (natsclient.JetStreamContext, *natsclient.Conn, error) {
	s.Lock()
	defer s.Unlock()
	if s.js != nil {
		return s.js, s.nc, nil
	}

	if len(cfg.Addresses) == 0 && s.Server == nil {
		logrus.Info("Starting internal NATS server")
		var err error
		s.Server, err = natsserver.NewServer(&natsserver.Options{
			ServerName:      "slidingsync",
			DontListen:      true,
			JetStream:       true,
			StoreDir:        cfg.StoragePath,
			NoSystemAccount: true,
			MaxPayload:      16 * 1024 * 1024,
			NoSigs:          true,
			NoLog:           true,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("natsserver.NewServer: %w", err)
		}
		s.ConfigureLogger()
		go s.Start()
		if !s.ReadyForConnections(time.Second * 60) {
			return nil, nil, errors.New("NATS did not start in time")
		}
	}

	nc, err := s.connect(cfg)
	if err != nil {
		return nil, nil, err
	}
	js, err := setupStreams(cfg, nc)
	if err != nil {
		nc.Close()
		return nil, nil, err
	}
	s.nc, s.js = nc, js
	return js, nc, nil
}

func (s *NATSInstance) connect(cfg *config.JetStream) (*natsclient.Conn, error) {
	opts := []natsclient.Option{
		natsclient.Name("slidingsync"),
		natsclient.MaxReconnects(-1),
	}
	if s.Server != nil {
		opts = append(opts, natsclient.InProcessServer(s.Server))
		nc, err := natsclient.Connect("", opts...)
		if err != nil {
			return nil, fmt.Errorf("natsclient.Connect: %w", err)
		}
		return nc, nil
	}
	nc, err := natsclient.Connect(strings.Join(cfg.Addresses, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("natsclient.Connect: %w", err)
	}
	return nc, nil
}

// Close drains the client connection and stops the embedded server.
func (s *NATSInstance) Close() {
	s.Lock()
	defer s.Unlock()
	if s.nc != nil {
		if err := s.nc.Drain(); err != nil {
			logrus.WithError(err).Warn("Failed to drain NATS connection")
		}
		s.nc, s.js = nil, nil
	}
	if s.Server != nil {
		s.Shutdown()
		s.WaitForShutdown()
		s.Server = nil
	}
}

func setupStreams(cfg *config.JetStream, nc *natsclient.Conn) (natsclient.JetStreamContext, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("nc.JetStream: %w", err)
	}

	for _, stream := range streams {
		name := cfg.Prefixed(stream.Name)
		subjects := []string{name, name + ".>"}
		info, err := js.StreamInfo(name)
		if err != nil && !errors.Is(err, natsclient.ErrStreamNotFound) {
			return nil, fmt.Errorf("get stream info for %q: %w", name, err)
		}
		if info != nil {
			if reflect.DeepEqual(info.Config.Subjects, subjects) {
				continue
			}
			// The stream was created by an older version with different
			// subjects. Recreate it.
			logrus.Warnf("Stream %q has outdated subjects, recreating", name)
			if err = js.DeleteStream(name); err != nil {
				return nil, fmt.Errorf("delete stream %q: %w", name, err)
			}
		}

		namespaced := *stream
		namespaced.Name = name
		namespaced.Subjects = subjects
		if cfg.InMemory {
			namespaced.Storage = natsclient.MemoryStorage
		}
		if _, err = js.AddStream(&namespaced); err != nil {
			return nil, fmt.Errorf("add stream %q: %w", name, err)
		}
		logrus.WithField("stream", name).Debug("Created JetStream stream")
	}
	return js, nil
}
