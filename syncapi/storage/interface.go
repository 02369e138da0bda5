// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"context"
	"errors"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/slidingsync/syncapi/synctypes"
	"github.com/element-hq/slidingsync/syncapi/types"
)

// ErrNotFound is returned when the requested item doesn't exist, as opposed
// to a failure looking it up.
var ErrNotFound = errors.New("not found")

// Database is everything the sliding sync engine reads from the rest of
// the server.
type Database interface {
	StateCache
	StateAccessor
	Timeline
	AccountData
	ReadReceipts
	Keys
	ToDevice
	Notifications
	IgnoreList
	RoomMetadata
}

// StateSnapshotID identifies an immutable resolved room state. Two equal
// IDs in the same room mean nothing in the state changed.
type StateSnapshotID int64

// TimelineEvent is an event with the stream position it was persisted at.
// Backfilled events come from history fetched over federation and don't
// have a position in the live stream.
type TimelineEvent struct {
	Position   types.StreamPosition
	Backfilled bool
	Event      synctypes.ClientEvent
}

// Receipt is a single read receipt.
type Receipt struct {
	UserID    string
	EventID   string
	Type      string
	Timestamp spec.Timestamp
}

type StateCache interface {
	// Rooms the user is joined to, invited to or has knocked on.
	RoomsJoined(ctx context.Context, userID string) ([]string, error)
	RoomsInvited(ctx context.Context, userID string) ([]string, error)
	RoomsKnocked(ctx context.Context, userID string) ([]string, error)
	// RoomMembers returns the joined members in membership table order.
	RoomMembers(ctx context.Context, roomID string) ([]string, error)
	RoomJoinedCount(ctx context.Context, roomID string) (int, error)
	RoomInvitedCount(ctx context.Context, roomID string) (int, error)
	// InviteState returns the stripped state sent along with an invite.
	InviteState(ctx context.Context, userID, roomID string) ([]synctypes.ClientEvent, error)
	// SharedRooms returns the rooms both users are joined to.
	SharedRooms(ctx context.Context, userID, otherUserID string) ([]string, error)
}

type StateAccessor interface {
	// RoomStateGet returns a current state event or ErrNotFound.
	RoomStateGet(ctx context.Context, roomID, eventType, stateKey string) (*synctypes.ClientEvent, error)
	// RoomStateOfType returns every current state event of a type.
	RoomStateOfType(ctx context.Context, roomID, eventType string) ([]synctypes.ClientEvent, error)
	CurrentStateSnapshot(ctx context.Context, roomID string) (StateSnapshotID, error)
	// StateSnapshotAt returns the snapshot that was current at pos, or
	// ErrNotFound if the room had no state then.
	StateSnapshotAt(ctx context.Context, roomID string, pos types.StreamPosition) (StateSnapshotID, error)
	SnapshotStateGet(ctx context.Context, snapshot StateSnapshotID, eventType, stateKey string) (*synctypes.ClientEvent, error)
	// SnapshotStateIDs returns state key tuple to event ID for the snapshot.
	SnapshotStateIDs(ctx context.Context, snapshot StateSnapshotID) (map[types.StateKeyTuple]string, error)
}

type Timeline interface {
	// LoadTimeline returns up to limit events after since and at or before
	// to, oldest first, and whether older events in that span were left out.
	LoadTimeline(ctx context.Context, userID, roomID string, since, to types.StreamPosition, limit int) ([]TimelineEvent, bool, error)
	GetEvent(ctx context.Context, eventID string) (*synctypes.ClientEvent, error)
}

type AccountData interface {
	// AccountDataChangesSince returns account data changed after since and at
	// or before to. An empty roomID selects global account data.
	AccountDataChangesSince(ctx context.Context, userID, roomID string, since, to types.StreamPosition) ([]synctypes.ClientEvent, error)
}

type ReadReceipts interface {
	ReadReceiptsSince(ctx context.Context, roomID string, since, to types.StreamPosition) ([]Receipt, error)
	LastPrivateReadUpdate(ctx context.Context, userID, roomID string) (types.StreamPosition, error)
	PrivateReadReceipt(ctx context.Context, roomID, userID string) (*Receipt, error)
}

type Keys interface {
	// KeysChanged returns users whose device keys changed in the span.
	KeysChanged(ctx context.Context, userID string, since, to types.StreamPosition) ([]string, error)
	RoomKeysChanged(ctx context.Context, roomID string, since, to types.StreamPosition) ([]string, error)
	OneTimeKeyCounts(ctx context.Context, userID, deviceID string) (map[string]int, error)
	UnusedFallbackKeyTypes(ctx context.Context, userID, deviceID string) ([]string, error)
}

type ToDevice interface {
	// RemoveToDeviceEvents deletes queued messages at or before upTo.
	RemoveToDeviceEvents(ctx context.Context, userID, deviceID string, upTo types.StreamPosition) error
	// ToDeviceEvents returns queued messages at or before upTo.
	ToDeviceEvents(ctx context.Context, userID, deviceID string, upTo types.StreamPosition) ([]gomatrixserverlib.SendToDeviceEvent, error)
}

type Notifications interface {
	NotificationCount(ctx context.Context, userID, roomID string) (uint64, error)
	HighlightCount(ctx context.Context, userID, roomID string) (uint64, error)
}

type IgnoreList interface {
	// UserIsIgnored reports whether recipient ignores sender.
	UserIsIgnored(ctx context.Context, sender, recipient string) (bool, error)
}

type RoomMetadata interface {
	RoomExists(ctx context.Context, roomID string) (bool, error)
	RoomIsDisabled(ctx context.Context, roomID string) (bool, error)
	RoomIsBanned(ctx context.Context, roomID string) (bool, error)
}
