// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/element-hq/slidingsync/syncapi/storage"
	"github.com/element-hq/slidingsync/syncapi/types"
)

const eventTypeRoomCreate = "m.room.create"

// handleLists works out which rooms each list covers and folds what the
// list wants from them into the to-do table. It fills in the list counts
// and returns the rooms each list now covers.
func (rp *RequestPool) handleLists(
	ctx context.Context, sr *syncRequest, sets *roomSets, res *types.SlidingSyncResponse,
) (types.TodoRooms, map[string][]string) {
	todo := types.TodoRooms{}
	covered := make(map[string][]string, len(sr.body.Lists))

	for listName, list := range sr.body.Lists {
		active := activeRooms(sets, list.Filters)
		active = rp.filterRoomTypes(ctx, active, list.Filters)

		limit := rp.timelineLimit(list.TimelineLimit)
		seen := make(map[string]struct{})
		listRooms := []string{}
		for _, r := range list.Ranges {
			start, end := clampRange(r, len(active))
			for _, roomID := range active[start:end] {
				todo.Merge(roomID, list.RequiredState, limit, sr.known.Watermark(listName, roomID))
				if _, ok := seen[roomID]; !ok {
					seen[roomID] = struct{}{}
					listRooms = append(listRooms, roomID)
				}
			}
		}

		res.Lists[listName] = types.SlidingList{Count: len(active)}
		covered[listName] = listRooms
	}
	return todo, covered
}

// activeRooms picks the candidate rooms for a list by membership.
func activeRooms(sets *roomSets, filters *types.SlidingRoomFilter) []string {
	if filters == nil || filters.IsInvite == nil {
		return sets.all
	}
	if *filters.IsInvite {
		return sets.invited
	}
	return sets.joined
}

// clampRange turns a client range into slice bounds. Windows always start
// at the top of the list and end no later than its length.
func clampRange(r types.Range, length int) (int, int) {
	end := r.End()
	if end < 0 {
		end = 0
	}
	if end > length {
		end = length
	}
	return 0, end
}

func (rp *RequestPool) timelineLimit(requested *int) int {
	if requested == nil || *requested < 0 {
		return 0
	}
	if *requested > rp.cfg.MaxTimelineLimit {
		return rp.cfg.MaxTimelineLimit
	}
	return *requested
}

// filterRoomTypes applies room_types and not_room_types. Rooms whose type
// can't be looked up are left out.
func (rp *RequestPool) filterRoomTypes(ctx context.Context, roomIDs []string, filters *types.SlidingRoomFilter) []string {
	if filters == nil || (len(filters.RoomTypes) == 0 && len(filters.NotRoomTypes) == 0) {
		return roomIDs
	}
	filtered := make([]string, 0, len(roomIDs))
	for _, roomID := range roomIDs {
		roomType, err := rp.roomType(ctx, roomID)
		if err != nil {
			logrus.WithError(err).WithField("room_id", roomID).Warn("[SLIDING_SYNC] Failed to get room type, leaving room out of list")
			continue
		}
		if len(filters.RoomTypes) > 0 && !contains(filters.RoomTypes, roomType) {
			continue
		}
		if contains(filters.NotRoomTypes, roomType) {
			continue
		}
		filtered = append(filtered, roomID)
	}
	return filtered
}

// roomType returns the type from the room's create event, or "" for rooms
// without one.
func (rp *RequestPool) roomType(ctx context.Context, roomID string) (string, error) {
	ev, err := rp.db.RoomStateGet(ctx, roomID, eventTypeRoomCreate, "")
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return "", nil
	case err != nil:
		return "", err
	}
	return gjson.GetBytes(ev.Content, "type").Str, nil
}

// fetchSubscriptions folds explicit room subscriptions into the to-do
// table and returns the rooms that were subscribed to.
func (rp *RequestPool) fetchSubscriptions(ctx context.Context, sr *syncRequest, todo types.TodoRooms) []string {
	subscribed := []string{}
	for roomID, sub := range sr.body.RoomSubscriptions {
		if !rp.roomAvailable(ctx, roomID) {
			continue
		}
		limit := sub.TimelineLimit
		todo.Merge(roomID, sub.RequiredState, rp.timelineLimit(&limit), sr.known.Watermark(types.SubscriptionsListName, roomID))
		subscribed = append(subscribed, roomID)
	}
	return subscribed
}

// roomAvailable reports whether a room exists and hasn't been disabled or
// banned on this server.
func (rp *RequestPool) roomAvailable(ctx context.Context, roomID string) bool {
	logger := logrus.WithField("room_id", roomID)
	exists, err := rp.db.RoomExists(ctx, roomID)
	if err != nil {
		logger.WithError(err).Warn("[SLIDING_SYNC] Failed to check room exists")
		return false
	}
	if !exists {
		return false
	}
	disabled, err := rp.db.RoomIsDisabled(ctx, roomID)
	if err != nil || disabled {
		return false
	}
	banned, err := rp.db.RoomIsBanned(ctx, roomID)
	if err != nil || banned {
		return false
	}
	return true
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
