// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"bytes"
	"encoding/json"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/slidingsync/syncapi/synctypes"
)

// SubscriptionsListName is the known-rooms list under which explicit room
// subscriptions are tracked. Clients can't use it as a list name since
// subscriptions aren't lists.
const SubscriptionsListName = "subscriptions"

// SlidingSyncRequest represents the request body for POST /sync (MSC4186).
// Every field other than pos/timeout/txn_id is sticky: when absent the
// value from the previous request on the same connection is reused.
type SlidingSyncRequest struct {
	// Connection ID - identifies this connection for per-connection state tracking
	ConnID string `json:"conn_id,omitempty"`

	// Position token from previous response (omitted on initial sync)
	Pos string `json:"pos,omitempty"`

	// Milliseconds to wait for new events (for long-polling)
	Timeout *int64 `json:"timeout,omitempty"`

	// Echoed back in the response
	TxnID string `json:"txn_id,omitempty"`

	// Named list configurations with sliding windows
	Lists map[string]SlidingListConfig `json:"lists,omitempty"`

	// Explicit room subscriptions by room ID
	RoomSubscriptions map[string]RoomSubscriptionConfig `json:"room_subscriptions,omitempty"`

	Extensions ExtensionRequest `json:"extensions"`
}

// SlidingListConfig defines a filtered, windowed view of rooms
type SlidingListConfig struct {
	// Windows over the list. Only the end of each range is honoured;
	// every window starts at the top of the list.
	Ranges []Range `json:"ranges,omitempty"`

	// State events to return for every room in the window. nil means
	// "not sent", an empty list means "no state".
	RequiredState RequiredState `json:"required_state,omitempty"`

	// Maximum number of timeline events to return per room
	TimelineLimit *int `json:"timeline_limit,omitempty"`

	IncludeHeroes *bool `json:"include_heroes,omitempty"`

	// Room filtering criteria
	Filters *SlidingRoomFilter `json:"filters,omitempty"`
}

// UnmarshalJSON accepts the MSC4186 single "range" as well as the MSC3575
// "ranges" list.
func (c *SlidingListConfig) UnmarshalJSON(data []byte) error {
	type Alias SlidingListConfig
	aux := &struct {
		*Alias
		Range *Range `json:"range,omitempty"`
	}{
		Alias: (*Alias)(c),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	if len(c.Ranges) == 0 && aux.Range != nil {
		c.Ranges = []Range{*aux.Range}
	}
	return nil
}

// Range is a [start, end] pair as sent by clients.
type Range [2]int

// Start returns the first index of the range.
func (r Range) Start() int { return r[0] }

// End returns the second index of the range.
func (r Range) End() int { return r[1] }

// StateKeyTuple is a (type, state_key) pair. The state key may be "*" to
// match every state key of the type, or "$ME" for the requesting user.
type StateKeyTuple [2]string

func (t StateKeyTuple) EventType() string { return t[0] }
func (t StateKeyTuple) StateKey() string  { return t[1] }

// RequiredState lists the state tuples to return with a room.
type RequiredState []StateKeyTuple

// UnmarshalJSON accepts both the array shorthand [["type","key"], ...] and
// the object form {"include": [...]}. A null leaves r untouched so that the
// remembered value still applies.
func (r *RequiredState) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	var arr []StateKeyTuple
	if err := json.Unmarshal(data, &arr); err == nil {
		if arr == nil {
			arr = RequiredState{}
		}
		*r = arr
		return nil
	}
	var obj struct {
		Include []StateKeyTuple `json:"include"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	if obj.Include == nil {
		obj.Include = []StateKeyTuple{}
	}
	*r = obj.Include
	return nil
}

// SlidingRoomFilter contains criteria for filtering rooms in a list
type SlidingRoomFilter struct {
	// true: only invites, false: only joined rooms, nil: everything
	IsInvite *bool `json:"is_invite,omitempty"`

	// Include only rooms of these types. A null entry matches rooms
	// without a type.
	RoomTypes []string `json:"room_types,omitempty"`

	// Exclude rooms of these types
	NotRoomTypes []string `json:"not_room_types,omitempty"`
}

// RoomSubscriptionConfig for direct room subscriptions
type RoomSubscriptionConfig struct {
	// Maximum number of timeline events to return
	TimelineLimit int `json:"timeline_limit"`

	RequiredState RequiredState `json:"required_state,omitempty"`
}

// SlidingSyncResponse represents the response body for POST /sync
type SlidingSyncResponse struct {
	// Position token for next request (required)
	Pos string `json:"pos"`

	TxnID string `json:"txn_id,omitempty"`

	// Always include lists key (even if empty) to match Synapse behavior
	Lists map[string]SlidingList `json:"lists"`

	// Always include rooms key (even if empty) to match Synapse behavior
	Rooms map[string]SlidingRoomData `json:"rooms"`

	Extensions ExtensionResponse `json:"extensions"`
}

// SlidingList represents a list result
type SlidingList struct {
	// Total count of rooms matching filters, not the window size
	Count int `json:"count"`
}

// SlidingRoomData represents room data in the response
type SlidingRoomData struct {
	// Computed room name (from m.room.name or heroes)
	Name string `json:"name,omitempty"`

	// Room avatar URL
	Avatar string `json:"avatar,omitempty"`

	// Members used to derive name/avatar when the room has no name
	Heroes []MSC4186Hero `json:"heroes,omitempty"`

	// True if this is the first time the room is sent on this connection
	Initial bool `json:"initial,omitempty"`

	// Stripped state for invites
	InviteState []synctypes.ClientEvent `json:"invite_state,omitempty"`

	UnreadNotifications UnreadNotificationsCount `json:"unread_notifications"`

	// Timeline events (up to timeline_limit)
	Timeline []synctypes.ClientEvent `json:"timeline,omitempty"`

	// Required state events (filtered by required_state config)
	RequiredState []synctypes.ClientEvent `json:"required_state,omitempty"`

	// Pagination token for /messages endpoint (backwards pagination)
	PrevBatch string `json:"prev_batch,omitempty"`

	// Timeline was truncated (hit the limit)
	Limited bool `json:"limited,omitempty"`

	JoinedCount  int `json:"joined_count"`
	InvitedCount int `json:"invited_count"`

	// Timestamp of the most recent event that should move the room up
	// the room list, if any was returned
	BumpStamp *spec.Timestamp `json:"bump_stamp,omitempty"`
}

// UnreadNotificationsCount carries the per-room notification counters.
type UnreadNotificationsCount struct {
	HighlightCount    uint64 `json:"highlight_count"`
	NotificationCount uint64 `json:"notification_count"`
}

// MSC4186Hero represents a hero member with display name and avatar (MSC4186 format)
// Used for rooms without explicit names to show "User A, User B" style names
type MSC4186Hero struct {
	UserID      string `json:"user_id"`
	Displayname string `json:"displayname,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// NameOrID returns the display name if set, otherwise the user ID.
func (h MSC4186Hero) NameOrID() string {
	if h.Displayname != "" {
		return h.Displayname
	}
	return h.UserID
}

// ExtensionRequest contains all extension requests from the client
type ExtensionRequest struct {
	ToDevice    ToDeviceRequest    `json:"to_device"`
	E2EE        E2EERequest        `json:"e2ee"`
	AccountData AccountDataRequest `json:"account_data"`
	Receipts    ReceiptsRequest    `json:"receipts"`
	Typing      TypingRequest      `json:"typing"`
}

// ToDeviceRequest configures to-device message extension
type ToDeviceRequest struct {
	Enabled *bool `json:"enabled,omitempty"`
	// Accepted for compatibility; delivery is driven by pos
	Since string `json:"since,omitempty"`
}

// E2EERequest configures E2EE device extension (MSC3884)
type E2EERequest struct {
	Enabled *bool `json:"enabled,omitempty"`
}

// AccountDataRequest configures account data extension
type AccountDataRequest struct {
	Enabled *bool    `json:"enabled,omitempty"`
	Lists   []string `json:"lists,omitempty"`
	Rooms   []string `json:"rooms,omitempty"`
}

// ReceiptsRequest configures read receipts extension
type ReceiptsRequest struct {
	Enabled *bool    `json:"enabled,omitempty"`
	Lists   []string `json:"lists,omitempty"`
	Rooms   []string `json:"rooms,omitempty"`
}

// TypingRequest configures typing notifications extension
type TypingRequest struct {
	Enabled *bool    `json:"enabled,omitempty"`
	Lists   []string `json:"lists,omitempty"`
	Rooms   []string `json:"rooms,omitempty"`
}

// IsEnabled treats an unset flag as disabled.
func IsEnabled(flag *bool) bool {
	return flag != nil && *flag
}

// ExtensionResponse contains all extension responses from the server.
// Disabled extensions are nil and omitted.
type ExtensionResponse struct {
	ToDevice    *V4ToDeviceResponse  `json:"to_device,omitempty"`
	E2EE        *E2EEResponse        `json:"e2ee,omitempty"`
	AccountData *AccountDataResponse `json:"account_data,omitempty"`
	Receipts    *ReceiptsResponse    `json:"receipts,omitempty"`
	Typing      *TypingResponse      `json:"typing,omitempty"`
}

// V4ToDeviceResponse contains to-device messages for sliding sync
type V4ToDeviceResponse struct {
	NextBatch string                                `json:"next_batch"`
	Events    []gomatrixserverlib.SendToDeviceEvent `json:"events"`
}

// E2EEResponse contains E2EE device extension data (MSC3884)
type E2EEResponse struct {
	// One-time key counts by algorithm (always includes signed_curve25519)
	DeviceOneTimeKeysCount map[string]int `json:"device_one_time_keys_count"`

	// No omitempty - field must be present even when empty
	DeviceUnusedFallbackKeyTypes []string `json:"device_unused_fallback_key_types"`

	DeviceLists DeviceLists `json:"device_lists"`
}

// DeviceLists lists users whose devices changed or who no longer share
// an encrypted room with the requester.
type DeviceLists struct {
	Changed []string `json:"changed,omitempty"`
	Left    []string `json:"left,omitempty"`
}

// AccountDataResponse contains account data updates
type AccountDataResponse struct {
	Global []synctypes.ClientEvent            `json:"global"`
	Rooms  map[string][]synctypes.ClientEvent `json:"rooms"`
}

// ReceiptsResponse contains a single m.receipt event per room
type ReceiptsResponse struct {
	Rooms map[string]synctypes.ClientEvent `json:"rooms"`
}

// TypingResponse contains a single m.typing event per room
type TypingResponse struct {
	Rooms map[string]synctypes.ClientEvent `json:"rooms"`
}
