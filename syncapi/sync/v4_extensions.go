// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/slidingsync/syncapi/synctypes"
	"github.com/element-hq/slidingsync/syncapi/types"
)

const eventTypeTyping = "m.typing"

// collectAccountData returns global account data changed since the
// connection's position, plus room account data for rooms the client asked
// for explicitly. Room account data for rooms in lists and subscriptions is
// added per room later.
func (rp *RequestPool) collectAccountData(ctx context.Context, sr *syncRequest) (*types.AccountDataResponse, error) {
	ext := sr.body.Extensions.AccountData
	if !types.IsEnabled(ext.Enabled) {
		return nil, nil
	}
	global, err := rp.db.AccountDataChangesSince(ctx, sr.userID(), "", sr.since, sr.nextBatch)
	if err != nil {
		return nil, err
	}
	if global == nil {
		global = []synctypes.ClientEvent{}
	}
	res := &types.AccountDataResponse{
		Global: global,
		Rooms:  map[string][]synctypes.ClientEvent{},
	}
	for _, roomID := range ext.Rooms {
		events, err := rp.db.AccountDataChangesSince(ctx, sr.userID(), roomID, sr.since, sr.nextBatch)
		if err != nil {
			return nil, err
		}
		if len(events) > 0 {
			res.Rooms[roomID] = events
		}
	}
	return res, nil
}

// collectToDevice acknowledges everything delivered up to the connection's
// position and returns what is queued up to the new one.
func (rp *RequestPool) collectToDevice(ctx context.Context, sr *syncRequest) (*types.V4ToDeviceResponse, error) {
	if !types.IsEnabled(sr.body.Extensions.ToDevice.Enabled) {
		return nil, nil
	}
	userID, deviceID := sr.device.UserID, sr.device.ID
	if err := rp.db.RemoveToDeviceEvents(ctx, userID, deviceID, sr.since); err != nil {
		return nil, err
	}
	events, err := rp.db.ToDeviceEvents(ctx, userID, deviceID, sr.nextBatch)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []gomatrixserverlib.SendToDeviceEvent{}
	}
	return &types.V4ToDeviceResponse{
		NextBatch: sr.nextBatch.String(),
		Events:    events,
	}, nil
}

// collectReceipts starts the receipts extension empty. Receipts are added
// per room as rooms are processed.
func collectReceipts(_ *syncRequest) *types.ReceiptsResponse {
	return &types.ReceiptsResponse{
		Rooms: map[string]synctypes.ClientEvent{},
	}
}

// collectTyping returns an m.typing event for every room the user can see
// that somebody is typing in.
func (rp *RequestPool) collectTyping(ctx context.Context, sr *syncRequest, allRooms []string) *types.TypingResponse {
	ext := sr.body.Extensions.Typing
	if !types.IsEnabled(ext.Enabled) {
		return nil
	}
	res := &types.TypingResponse{
		Rooms: map[string]synctypes.ClientEvent{},
	}
	rooms := ext.Rooms
	if len(rooms) == 0 {
		rooms = subscriptionRoomIDs(sr.body.RoomSubscriptions)
	}
	lists := ext.Lists
	if len(lists) == 0 {
		for listName := range sr.body.Lists {
			lists = append(lists, listName)
		}
	}
	if len(rooms) == 0 && len(lists) == 0 {
		return res
	}

	userID := sr.userID()
	for _, roomID := range allRooms {
		users, err := rp.typing.TypingUsersFor(ctx, roomID, userID)
		if err != nil {
			logrus.WithError(err).WithField("room_id", roomID).Warn("[SLIDING_SYNC] Failed to get typing users for room")
			continue
		}
		if len(users) == 0 {
			continue
		}
		ev, err := synctypes.NewEphemeralEvent(eventTypeTyping, map[string][]string{"user_ids": users})
		if err != nil {
			logrus.WithError(err).WithField("room_id", roomID).Error("[SLIDING_SYNC] Failed to build typing event")
			continue
		}
		res.Rooms[roomID] = ev
	}
	return res
}
