// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"errors"
	"sort"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/element-hq/slidingsync/syncapi/storage"
	"github.com/element-hq/slidingsync/syncapi/types"
)

const (
	eventTypeRoomEncryption = "m.room.encryption"
	signedCurve25519        = "signed_curve25519"
)

// userSet is an unordered set of user IDs.
type userSet map[string]struct{}

func (s userSet) add(userIDs ...string) {
	for _, userID := range userIDs {
		s[userID] = struct{}{}
	}
}

func (s userSet) sorted() []string {
	out := make([]string, 0, len(s))
	for userID := range s {
		out = append(out, userID)
	}
	sort.Strings(out)
	return out
}

// collectE2EE works out whose device lists the client needs to refetch or
// can stop tracking, and returns the device's key counts.
func (rp *RequestPool) collectE2EE(ctx context.Context, sr *syncRequest, joinedRooms []string) (*types.E2EEResponse, error) {
	if !types.IsEnabled(sr.body.Extensions.E2EE.Enabled) {
		return nil, nil
	}
	userID := sr.userID()
	changed := userSet{}
	leftCandidates := userSet{}

	keysChanged, err := rp.db.KeysChanged(ctx, userID, sr.since, sr.nextBatch)
	if err != nil {
		return nil, err
	}
	changed.add(keysChanged...)

	for _, roomID := range joinedRooms {
		if err = rp.roomDeviceListChanges(ctx, sr, roomID, changed, leftCandidates); err != nil {
			return nil, err
		}
		roomKeys, err := rp.db.RoomKeysChanged(ctx, roomID, sr.since, sr.nextBatch)
		if err != nil {
			return nil, err
		}
		changed.add(roomKeys...)
	}

	left := userSet{}
	for candidate := range leftCandidates {
		shares, err := rp.sharesEncryptedRoom(ctx, userID, candidate, "")
		if err != nil {
			return nil, err
		}
		if !shares {
			left.add(candidate)
		}
	}

	counts, err := rp.db.OneTimeKeyCounts(ctx, userID, sr.device.ID)
	if err != nil {
		return nil, err
	}
	otkCounts := make(map[string]int, len(counts)+1)
	for algorithm, count := range counts {
		otkCounts[algorithm] = count
	}
	if _, ok := otkCounts[signedCurve25519]; !ok {
		otkCounts[signedCurve25519] = 0
	}
	fallbackTypes, err := rp.db.UnusedFallbackKeyTypes(ctx, userID, sr.device.ID)
	if err != nil {
		return nil, err
	}
	if fallbackTypes == nil {
		fallbackTypes = []string{}
	}

	return &types.E2EEResponse{
		DeviceOneTimeKeysCount:       otkCounts,
		DeviceUnusedFallbackKeyTypes: fallbackTypes,
		DeviceLists: types.DeviceLists{
			Changed: changed.sorted(),
			Left:    left.sorted(),
		},
	}, nil
}

// roomDeviceListChanges diffs the room's state between the connection's
// position and now. Nothing is reported for rooms whose state is unchanged
// or that aren't encrypted.
func (rp *RequestPool) roomDeviceListChanges(
	ctx context.Context, sr *syncRequest, roomID string, changed, leftCandidates userSet,
) error {
	userID := sr.userID()
	logger := logrus.WithFields(logrus.Fields{"room_id": roomID, "user_id": userID})

	current, err := rp.db.CurrentStateSnapshot(ctx, roomID)
	if err != nil {
		logger.WithError(err).Error("[SLIDING_SYNC] Room has no state")
		return nil
	}
	previous, err := rp.db.StateSnapshotAt(ctx, roomID, sr.since)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil
	case err != nil:
		return err
	}
	if previous == current {
		return nil
	}

	encrypted, err := snapshotHasState(ctx, rp.db, current, eventTypeRoomEncryption, "")
	if err != nil || !encrypted {
		return err
	}
	wasEncrypted, err := snapshotHasState(ctx, rp.db, previous, eventTypeRoomEncryption, "")
	if err != nil {
		return err
	}
	joinedSince := true
	if ev, err := rp.db.SnapshotStateGet(ctx, previous, spec.MRoomMember, userID); err == nil {
		joinedSince = gjson.GetBytes(ev.Content, "membership").Str != spec.Join
	}

	currentIDs, err := rp.db.SnapshotStateIDs(ctx, current)
	if err != nil {
		return err
	}
	previousIDs, err := rp.db.SnapshotStateIDs(ctx, previous)
	if err != nil {
		return err
	}
	for key, eventID := range currentIDs {
		if previousIDs[key] == eventID || key.EventType() != spec.MRoomMember {
			continue
		}
		member := key.StateKey()
		if member == userID {
			continue
		}
		ev, err := rp.db.GetEvent(ctx, eventID)
		if err != nil {
			logger.WithError(err).WithField("event_id", eventID).Error("[SLIDING_SYNC] State event not found")
			continue
		}
		switch gjson.GetBytes(ev.Content, "membership").Str {
		case spec.Join:
			shares, err := rp.sharesEncryptedRoom(ctx, userID, member, roomID)
			if err != nil {
				return err
			}
			if !shares {
				changed.add(member)
			}
		case spec.Leave:
			leftCandidates.add(member)
		}
	}

	if joinedSince || !wasEncrypted {
		members, err := rp.db.RoomMembers(ctx, roomID)
		if err != nil {
			return err
		}
		for _, member := range members {
			if member == userID {
				continue
			}
			shares, err := rp.sharesEncryptedRoom(ctx, userID, member, roomID)
			if err != nil {
				return err
			}
			if !shares {
				changed.add(member)
			}
		}
	}
	return nil
}

// sharesEncryptedRoom reports whether both users are joined to an encrypted
// room other than ignoreRoomID.
func (rp *RequestPool) sharesEncryptedRoom(ctx context.Context, userID, otherUserID, ignoreRoomID string) (bool, error) {
	rooms, err := rp.db.SharedRooms(ctx, userID, otherUserID)
	if err != nil {
		return false, err
	}
	for _, roomID := range rooms {
		if roomID == ignoreRoomID {
			continue
		}
		_, err := rp.db.RoomStateGet(ctx, roomID, eventTypeRoomEncryption, "")
		switch {
		case err == nil:
			return true, nil
		case !errors.Is(err, storage.ErrNotFound):
			return false, err
		}
	}
	return false, nil
}

func snapshotHasState(ctx context.Context, db storage.StateAccessor, snapshot storage.StateSnapshotID, eventType, stateKey string) (bool, error) {
	_, err := db.SnapshotStateGet(ctx, snapshot, eventType, stateKey)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}
