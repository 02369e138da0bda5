// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package synctypes

import (
	"encoding/json"

	"github.com/matrix-org/gomatrixserverlib/spec"
)

// ClientEvent is an event which is fit for consumption by clients, as defined by the Matrix client-server API.
type ClientEvent struct {
	Content        spec.RawJSON   `json:"content"`
	EventID        string         `json:"event_id,omitempty"`
	OriginServerTS spec.Timestamp `json:"origin_server_ts,omitempty"`
	RoomID         string         `json:"room_id,omitempty"`
	Sender         string         `json:"sender,omitempty"`
	StateKey       *string        `json:"state_key,omitempty"`
	Type           string         `json:"type"`
	Unsigned       spec.RawJSON   `json:"unsigned,omitempty"`
	Redacts        string         `json:"redacts,omitempty"`
}

// StateKeyEquals reports whether the event is a state event with the given state key.
func (e *ClientEvent) StateKeyEquals(stateKey string) bool {
	return e.StateKey != nil && *e.StateKey == stateKey
}

// NewEphemeralEvent builds a content-only event such as m.typing or
// m.receipt, as delivered in the ephemeral section of a room.
func NewEphemeralEvent(eventType string, content any) (ClientEvent, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return ClientEvent{}, err
	}
	return ClientEvent{
		Type:    eventType,
		Content: raw,
	}, nil
}
