// Copyright 2024 New Vector Ltd.
// Copyright 2022 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package consumers

import (
	"context"
	"encoding/json"

	"github.com/getsentry/sentry-go"
	"github.com/matrix-org/gomatrixserverlib"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/slidingsync/federationapi/routing"
	"github.com/element-hq/slidingsync/setup/config"
	"github.com/element-hq/slidingsync/setup/jetstream"
)

// InputTypingConsumer consumes typing EDUs that the federation transport
// received from other servers.
type InputTypingConsumer struct {
	ctx       context.Context
	cfg       *config.Dendrite
	jetstream nats.JetStreamContext
	durable   string
	topic     string
	typing    routing.TypingAPI
}

// NewInputTypingConsumer creates a new InputTypingConsumer. Call Start()
// to begin consuming.
func NewInputTypingConsumer(
	ctx context.Context,
	cfg *config.Dendrite,
	js nats.JetStreamContext,
	typing routing.TypingAPI,
) *InputTypingConsumer {
	return &InputTypingConsumer{
		ctx:       ctx,
		cfg:       cfg,
		jetstream: js,
		topic:     cfg.Global.JetStream.Prefixed(jetstream.InputTypingEDU),
		durable:   cfg.Global.JetStream.Durable("FederationAPITypingConsumer"),
		typing:    typing,
	}
}

// Start consuming typing EDUs.
func (t *InputTypingConsumer) Start() error {
	return jetstream.JetStreamConsumer(
		t.ctx, t.jetstream, t.topic, t.durable, 1,
		t.onMessage, nats.DeliverAll(), nats.ManualAck(),
	)
}

func (t *InputTypingConsumer) onMessage(ctx context.Context, msgs []*nats.Msg) bool {
	msg := msgs[0] // Guaranteed to exist if onMessage is called
	var edu gomatrixserverlib.EDU
	if err := json.Unmarshal(msg.Data, &edu); err != nil {
		// If the message was invalid, log it and move on to the next message in the stream
		logrus.WithError(err).Errorf("input typing: message parse failure")
		sentry.CaptureException(err)
		return true
	}
	if origin := msg.Header.Get(jetstream.Origin); origin != "" {
		edu.Origin = origin
	}
	if err := routing.ProcessEDU(ctx, t.cfg, t.typing, &edu); err != nil {
		logrus.WithError(err).WithField("origin", edu.Origin).Warn("[TYPING] dropping inbound EDU")
	}
	return true
}
