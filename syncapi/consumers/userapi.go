// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package consumers

import (
	"context"
	"encoding/json"

	"github.com/getsentry/sentry-go"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/element-hq/slidingsync/setup/config"
	"github.com/element-hq/slidingsync/setup/jetstream"
)

// NotificationData is the unread state of one user in one room, as
// calculated by the push rules evaluator.
type NotificationData struct {
	RoomID                  string `json:"room_id"`
	UnreadHighlightCount    int    `json:"unread_highlight_count"`
	UnreadNotificationCount int    `json:"unread_notification_count"`
}

// NotificationCountStore keeps the unread counts reported in each room's
// sync data.
type NotificationCountStore interface {
	SetNotificationCounts(userID, roomID string, notifications, highlights uint64)
}

// OutputNotificationDataConsumer consumes unread counts that originated
// in the push server.
type OutputNotificationDataConsumer struct {
	ctx       context.Context
	jetstream nats.JetStreamContext
	durable   string
	topic     string
	db        NotificationCountStore
}

// NewOutputNotificationDataConsumer creates a new consumer. Call
// Start() to begin consuming.
func NewOutputNotificationDataConsumer(
	ctx context.Context,
	cfg *config.SyncAPI,
	js nats.JetStreamContext,
	store NotificationCountStore,
) *OutputNotificationDataConsumer {
	return &OutputNotificationDataConsumer{
		ctx:       ctx,
		jetstream: js,
		durable:   cfg.Matrix.JetStream.Durable("SyncAPINotificationDataConsumer"),
		topic:     cfg.Matrix.JetStream.Prefixed(jetstream.OutputNotificationData),
		db:        store,
	}
}

// Start starts consumption.
func (s *OutputNotificationDataConsumer) Start() error {
	return jetstream.JetStreamConsumer(
		s.ctx, s.jetstream, s.topic, s.durable, 1,
		s.onMessage, nats.DeliverAll(), nats.ManualAck(),
	)
}

func (s *OutputNotificationDataConsumer) onMessage(ctx context.Context, msgs []*nats.Msg) bool {
	msg := msgs[0] // Guaranteed to exist if onMessage is called
	userID := msg.Header.Get(jetstream.UserID)

	var data NotificationData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		sentry.CaptureException(err)
		log.WithField("user_id", userID).WithError(err).Error("user API consumer: message parse failure")
		return true
	}
	if userID == "" || data.RoomID == "" {
		log.WithField("user_id", userID).Error("user API consumer: notification data is missing a user or room")
		return true
	}

	s.db.SetNotificationCounts(userID, data.RoomID, clampCount(data.UnreadNotificationCount), clampCount(data.UnreadHighlightCount))

	log.WithFields(log.Fields{
		"user_id": userID,
		"room_id": data.RoomID,
	}).Trace("Received notification data from user API")
	return true
}

func clampCount(n int) uint64 {
	if n < 0 {
		return 0
	}
	return uint64(n)
}
