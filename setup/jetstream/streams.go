// Copyright 2024 New Vector Ltd.
// Copyright 2022 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package jetstream

import (
	"time"

	"github.com/nats-io/nats.go"
)

const (
	UserID  = "user_id"
	RoomID  = "room_id"
	EventID = "event_id"
	Origin  = "origin"
)

var (
	OutputReceiptEvent     = "OutputReceiptEvent"
	OutputNotificationData = "OutputNotificationData"
	OutputTypingEDU        = "OutputTypingEDU"
	InputTypingEDU         = "InputTypingEDU"
)

var streams = []*nats.StreamConfig{
	{
		Name:      OutputReceiptEvent,
		Retention: nats.InterestPolicy,
		Storage:   nats.FileStorage,
	},
	{
		Name:      OutputNotificationData,
		Retention: nats.InterestPolicy,
		Storage:   nats.FileStorage,
	},
	{
		Name:      OutputTypingEDU,
		Retention: nats.InterestPolicy,
		Storage:   nats.MemoryStorage,
		MaxAge:    time.Second * 60,
	},
	{
		Name:      InputTypingEDU,
		Retention: nats.InterestPolicy,
		Storage:   nats.MemoryStorage,
		MaxAge:    time.Second * 60,
	},
}
