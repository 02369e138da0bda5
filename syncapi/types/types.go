// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"fmt"
	"sort"
	"strconv"
)

// StreamPosition represents the offset in the sync stream a client is at.
// Zero means the client has nothing yet.
type StreamPosition int64

// String returns the decimal form used on the wire.
func (p StreamPosition) String() string {
	return strconv.FormatInt(int64(p), 10)
}

// ParseStreamPosition parses a pos/since token. The empty string is the
// initial position.
func ParseStreamPosition(s string) (StreamPosition, error) {
	if s == "" {
		return 0, nil
	}
	p, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid stream position %q: %w", s, err)
	}
	if p < 0 {
		return 0, fmt.Errorf("invalid stream position %q: must not be negative", s)
	}
	return StreamPosition(p), nil
}

// ConnectionKey identifies one sliding sync connection.
type ConnectionKey struct {
	UserID   string
	DeviceID string
	ConnID   string
}

func (k ConnectionKey) String() string {
	return k.UserID + "|" + k.DeviceID + "|" + k.ConnID
}

// KnownRooms maps a list name to the rooms that list has sent, and the
// position each room was sent up to. A missing room or a zero position
// means the room must be sent in full.
type KnownRooms map[string]map[string]StreamPosition

// Watermark returns the position a room was sent up to by a list, or 0.
func (k KnownRooms) Watermark(listName, roomID string) StreamPosition {
	return k[listName][roomID]
}

// Copy returns a deep copy that can be read without holding any lock.
func (k KnownRooms) Copy() KnownRooms {
	out := make(KnownRooms, len(k))
	for list, rooms := range k {
		copied := make(map[string]StreamPosition, len(rooms))
		for roomID, pos := range rooms {
			copied[roomID] = pos
		}
		out[list] = copied
	}
	return out
}

// TodoRoom accumulates what the lists and subscriptions touching a room
// want from it in this request.
type TodoRoom struct {
	RequiredState map[StateKeyTuple]struct{}
	TimelineLimit int
	// Oldest position any requester has for this room.
	Watermark StreamPosition
}

// RequiredStateTuples returns the requested state tuples in a stable order.
func (t *TodoRoom) RequiredStateTuples() []StateKeyTuple {
	out := make([]StateKeyTuple, 0, len(t.RequiredState))
	for tuple := range t.RequiredState {
		out = append(out, tuple)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i][0] != out[j][0] {
			return out[i][0] < out[j][0]
		}
		return out[i][1] < out[j][1]
	})
	return out
}

// TodoRooms is keyed by room ID.
type TodoRooms map[string]*TodoRoom

// Merge folds one requester's needs into the room's entry: required state
// is unioned, the timeline limit takes the max and the watermark the min.
func (t TodoRooms) Merge(roomID string, requiredState RequiredState, timelineLimit int, watermark StreamPosition) {
	room, ok := t[roomID]
	if !ok {
		room = &TodoRoom{
			RequiredState: make(map[StateKeyTuple]struct{}, len(requiredState)),
			Watermark:     watermark,
		}
		t[roomID] = room
	}
	for _, tuple := range requiredState {
		room.RequiredState[tuple] = struct{}{}
	}
	if timelineLimit > room.TimelineLimit {
		room.TimelineLimit = timelineLimit
	}
	if watermark < room.Watermark {
		room.Watermark = watermark
	}
}
