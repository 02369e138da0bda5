// Copyright 2024 New Vector Ltd.
// Copyright 2022 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package producers

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/matrix-org/gomatrixserverlib"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/slidingsync/setup/jetstream"
)

// JetStreamPublisher is the part of nats.JetStreamContext we need.
type JetStreamPublisher interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// EDUProducer hands outbound EDUs to the federation sender over JetStream.
type EDUProducer struct {
	Topic     string
	JetStream JetStreamPublisher
}

// SendEDU publishes the EDU for delivery to every other server in the room.
func (p *EDUProducer) SendEDU(ctx context.Context, roomID string, edu *gomatrixserverlib.EDU) error {
	m := nats.NewMsg(p.Topic)
	m.Header.Set(nats.MsgIdHdr, uuid.NewString())
	m.Header.Set(jetstream.RoomID, roomID)
	m.Header.Set(jetstream.Origin, edu.Origin)
	m.Header.Set("type", edu.Type)

	var err error
	m.Data, err = json.Marshal(edu)
	if err != nil {
		return errors.Wrap(err, "json.Marshal")
	}

	logrus.WithContext(ctx).WithFields(logrus.Fields{
		"room_id": roomID,
		"type":    edu.Type,
	}).Trace("Producing to topic '", p.Topic, "'")

	if _, err = p.JetStream.PublishMsg(m, nats.Context(ctx)); err != nil {
		return errors.Wrapf(err, "failed to publish %s EDU for room %s", edu.Type, roomID)
	}
	return nil
}
