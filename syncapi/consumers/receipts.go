// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package consumers

import (
	"context"
	"strconv"

	"github.com/getsentry/sentry-go"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/element-hq/slidingsync/setup/config"
	"github.com/element-hq/slidingsync/setup/jetstream"
	"github.com/element-hq/slidingsync/syncapi/storage"
	"github.com/element-hq/slidingsync/syncapi/types"
)

const (
	receiptTypeRead        = "m.read"
	receiptTypeReadPrivate = "m.read.private"
)

// ReceiptStore is where receipts end up. Writes wake any sync waiting on
// the room or user.
type ReceiptStore interface {
	AddReceipt(roomID string, receipt storage.Receipt) types.StreamPosition
	SetPrivateReadReceipt(roomID string, receipt storage.Receipt) types.StreamPosition
	NotificationCountStore
}

// OutputReceiptEventConsumer consumes receipts sent by clients and other
// servers.
type OutputReceiptEventConsumer struct {
	ctx       context.Context
	jetstream nats.JetStreamContext
	durable   string
	topic     string
	db        ReceiptStore
}

// NewOutputReceiptEventConsumer creates a new OutputReceiptEventConsumer.
// Call Start() to begin consuming.
func NewOutputReceiptEventConsumer(
	ctx context.Context,
	cfg *config.SyncAPI,
	js nats.JetStreamContext,
	store ReceiptStore,
) *OutputReceiptEventConsumer {
	return &OutputReceiptEventConsumer{
		ctx:       ctx,
		jetstream: js,
		topic:     cfg.Matrix.JetStream.Prefixed(jetstream.OutputReceiptEvent),
		durable:   cfg.Matrix.JetStream.Durable("SyncAPIReceiptConsumer"),
		db:        store,
	}
}

// Start consuming receipts events.
func (s *OutputReceiptEventConsumer) Start() error {
	return jetstream.JetStreamConsumer(
		s.ctx, s.jetstream, s.topic, s.durable, 1,
		s.onMessage, nats.DeliverAll(), nats.ManualAck(),
	)
}

func (s *OutputReceiptEventConsumer) onMessage(ctx context.Context, msgs []*nats.Msg) bool {
	msg := msgs[0] // Guaranteed to exist if onMessage is called
	roomID := msg.Header.Get(jetstream.RoomID)
	receipt := storage.Receipt{
		UserID:  msg.Header.Get(jetstream.UserID),
		EventID: msg.Header.Get(jetstream.EventID),
		Type:    msg.Header.Get("type"),
	}
	logger := log.WithFields(log.Fields{
		"user_id":  receipt.UserID,
		"room_id":  roomID,
		"event_id": receipt.EventID,
		"type":     receipt.Type,
	})
	logger.Debug("SyncAPI receipt consumer received message")

	timestamp, err := strconv.ParseUint(msg.Header.Get("timestamp"), 10, 64)
	if err != nil {
		// If the message was invalid, log it and move on to the next message in the stream
		logger.WithError(err).Errorf("output log: message parse failure")
		sentry.CaptureException(err)
		return true
	}
	receipt.Timestamp = spec.Timestamp(timestamp)

	if roomID == "" || receipt.UserID == "" || receipt.EventID == "" {
		logger.Error("SyncAPI receipt consumer: receipt is missing a room, user or event")
		return true
	}

	// Clear the unread counts before the receipt is stored, so a sync
	// woken by the receipt never sees a read room with stale counts.
	var streamPos types.StreamPosition
	switch receipt.Type {
	case receiptTypeRead:
		s.db.SetNotificationCounts(receipt.UserID, roomID, 0, 0)
		streamPos = s.db.AddReceipt(roomID, receipt)
	case receiptTypeReadPrivate:
		s.db.SetNotificationCounts(receipt.UserID, roomID, 0, 0)
		streamPos = s.db.SetPrivateReadReceipt(roomID, receipt)
	default:
		streamPos = s.db.AddReceipt(roomID, receipt)
	}

	logger.WithField("stream_pos", streamPos).Debug("SyncAPI receipt consumer: stored receipt successfully")
	return true
}
