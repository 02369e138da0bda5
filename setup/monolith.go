// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package setup

import (
	"fmt"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	clientapiRouting "github.com/element-hq/slidingsync/clientapi/routing"
	federationConsumers "github.com/element-hq/slidingsync/federationapi/consumers"
	"github.com/element-hq/slidingsync/federationapi/producers"
	"github.com/element-hq/slidingsync/federationapi/queue"
	"github.com/element-hq/slidingsync/internal"
	"github.com/element-hq/slidingsync/internal/caching"
	"github.com/element-hq/slidingsync/internal/httputil"
	"github.com/element-hq/slidingsync/setup/config"
	"github.com/element-hq/slidingsync/setup/jetstream"
	"github.com/element-hq/slidingsync/setup/process"
	syncConsumers "github.com/element-hq/slidingsync/syncapi/consumers"
	"github.com/element-hq/slidingsync/syncapi/notifier"
	syncRouting "github.com/element-hq/slidingsync/syncapi/routing"
	"github.com/element-hq/slidingsync/syncapi/storage/inmemory"
	slidingsync "github.com/element-hq/slidingsync/syncapi/sync"
	"github.com/element-hq/slidingsync/userapi"
	userAPI "github.com/element-hq/slidingsync/userapi/api"
)

// Monolith represents an instantiation of all the components of the
// service in a single process.
type Monolith struct {
	Config *config.Dendrite

	Counter     *internal.StreamCounter
	Database    *inmemory.Database
	Notifier    *notifier.Notifier
	Typing      *caching.EDUCache
	Connections *caching.ConnectionCache
	EDUQueues   *queue.OutgoingQueues
	UserAPI     userAPI.UserInternalAPI
	RateLimits  *httputil.RateLimits
	RequestPool *slidingsync.RequestPool
}

// NewMonolith builds every component, connects them to JetStream and
// starts the consumers. Components stop when the process context is
// cancelled.
func NewMonolith(
	processCtx *process.ProcessContext,
	cfg *config.Dendrite,
	natsInstance *jetstream.NATSInstance,
) (*Monolith, error) {
	js, _, err := natsInstance.Prepare(&cfg.Global.JetStream)
	if err != nil {
		return nil, fmt.Errorf("natsInstance.Prepare: %w", err)
	}

	m := &Monolith{Config: cfg}
	m.Counter = internal.NewStreamCounter(0)
	m.Database = inmemory.NewDatabase(m.Counter)
	m.Notifier = notifier.NewNotifier(m.Database)
	m.Database.SetNotifier(m.Notifier)

	m.EDUQueues = queue.NewOutgoingQueues(processCtx.Context(), &cfg.FederationAPI, &producers.EDUProducer{
		Topic:     cfg.Global.JetStream.Prefixed(jetstream.OutputTypingEDU),
		JetStream: js,
	})
	m.Typing = caching.NewTypingCache(cfg, m.Counter, m.Database, m.EDUQueues)
	m.Connections = caching.NewConnectionCache(&cfg.SyncAPI)
	m.UserAPI = userapi.NewInternalAPI(&cfg.ClientAPI)
	m.RateLimits = httputil.NewRateLimits(&cfg.ClientAPI.RateLimiting)
	m.RequestPool = slidingsync.NewRequestPool(
		&cfg.SyncAPI, m.Database, m.Connections, m.Typing, m.Notifier, m.Counter,
	)

	updates, unsubscribe := m.Typing.Subscribe()
	processCtx.ComponentStarted()
	go func() {
		defer processCtx.ComponentFinished()
		defer unsubscribe()
		m.Notifier.PumpTyping(processCtx.Context(), updates)
	}()

	if err = syncConsumers.NewOutputReceiptEventConsumer(
		processCtx.Context(), &cfg.SyncAPI, js, m.Database,
	).Start(); err != nil {
		return nil, fmt.Errorf("failed to start receipts consumer: %w", err)
	}
	if err = syncConsumers.NewOutputNotificationDataConsumer(
		processCtx.Context(), &cfg.SyncAPI, js, m.Database,
	).Start(); err != nil {
		return nil, fmt.Errorf("failed to start notification data consumer: %w", err)
	}
	if err = federationConsumers.NewInputTypingConsumer(
		processCtx.Context(), cfg, js, m.Typing,
	).Start(); err != nil {
		return nil, fmt.Errorf("failed to start typing consumer: %w", err)
	}

	logrus.WithField("server_name", cfg.Global.ServerName).Info("Sliding sync components started")
	return m, nil
}

// AddAllPublicRoutes attaches all public paths to the given routers.
func (m *Monolith) AddAllPublicRoutes(routers httputil.Routers) {
	clientapiRouting.Setup(routers.Client, m.Config, m.UserAPI, m.Database, m.Typing, m.RateLimits)
	syncRouting.Setup(routers.Client, m.RequestPool, m.UserAPI, m.RateLimits)
}

// PublicRouter returns the externally facing router: the client API, plus
// /metrics when enabled.
func (m *Monolith) PublicRouter() *mux.Router {
	routers := httputil.NewRouters()
	m.AddAllPublicRoutes(routers)

	router := mux.NewRouter().SkipClean(true).UseEncodedPath()
	router.PathPrefix(httputil.PublicClientPathPrefix).Handler(routers.Client)
	if metrics := m.Config.Global.Metrics; metrics.Enabled {
		router.Handle(httputil.MetricsPathPrefix, httputil.WrapHandlerInBasicAuth(
			promhttp.Handler(), httputil.BasicAuth(metrics.BasicAuth),
		))
	}
	router.NotFoundHandler = httputil.NotFoundCORSHandler
	router.MethodNotAllowedHandler = httputil.NotAllowedHandler
	return router
}

// Close releases resources that aren't tied to the process context.
func (m *Monolith) Close() {
	m.RateLimits.Stop()
}
