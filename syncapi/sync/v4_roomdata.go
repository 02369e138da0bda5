// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/getsentry/sentry-go"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/element-hq/slidingsync/syncapi/storage"
	"github.com/element-hq/slidingsync/syncapi/synctypes"
	"github.com/element-hq/slidingsync/syncapi/types"
)

const (
	eventTypeRoomAvatar = "m.room.avatar"
	eventTypeReceipt    = "m.receipt"

	stateKeyMe       = "$ME"
	stateKeyWildcard = "*"

	// Largest integer a JSON number can carry without losing precision.
	maxSafeInteger = 1<<53 - 1
)

// bumpEventTypes are the event types that move a room up the room list.
// Must stay sorted.
var bumpEventTypes = []string{
	"m.beacon_info",
	"m.call.invite",
	"m.poll.start",
	"m.room.encrypted",
	"m.room.message",
	"m.sticker",
}

// roomResult is what processing a single room produced. A nil room means
// the room is left out of the response.
type roomResult struct {
	roomID      string
	room        *types.SlidingRoomData
	accountData []synctypes.ClientEvent
	receipt     *synctypes.ClientEvent
	// The timeline couldn't be loaded.
	failed bool
}

// processRooms builds every room in the to-do table, a bounded number at a
// time, and adds them to the response. It returns the rooms that failed so
// they can be sent in full next time.
func (rp *RequestPool) processRooms(
	ctx context.Context, sr *syncRequest, sets *roomSets, todo types.TodoRooms, res *types.SlidingSyncResponse,
) []string {
	results := make([]roomResult, len(todo))
	var g errgroup.Group
	g.SetLimit(rp.cfg.RoomWorkers)
	i := 0
	for roomID, todoRoom := range todo {
		idx := i
		roomID, todoRoom := roomID, todoRoom
		g.Go(func() error {
			results[idx] = rp.buildRoom(ctx, sr, roomID, sets.isInvited(roomID), todoRoom)
			return nil
		})
		i++
	}
	_ = g.Wait()

	var failed []string
	for _, r := range results {
		if r.failed {
			failed = append(failed, r.roomID)
			continue
		}
		if len(r.accountData) > 0 && res.Extensions.AccountData != nil {
			res.Extensions.AccountData.Rooms[r.roomID] = r.accountData
		}
		if r.receipt != nil {
			res.Extensions.Receipts.Rooms[r.roomID] = *r.receipt
		}
		if r.room != nil {
			res.Rooms[r.roomID] = *r.room
		}
	}
	return failed
}

// buildRoom computes the response for one room since its watermark.
func (rp *RequestPool) buildRoom(
	ctx context.Context, sr *syncRequest, roomID string, invited bool, todoRoom *types.TodoRoom,
) roomResult {
	userID := sr.userID()
	since := todoRoom.Watermark
	logger := logrus.WithFields(logrus.Fields{
		"room_id": roomID,
		"user_id": userID,
	})
	out := roomResult{roomID: roomID}

	var (
		timeline    []storage.TimelineEvent
		limited     bool
		inviteState []synctypes.ClientEvent
		err         error
	)
	if invited {
		inviteState, err = rp.db.InviteState(ctx, userID, roomID)
		if err != nil {
			logger.WithError(err).Warn("[SLIDING_SYNC] Failed to get invite state")
		}
		limited = true
	} else {
		timeline, limited, err = rp.db.LoadTimeline(ctx, userID, roomID, since, sr.nextBatch, todoRoom.TimelineLimit)
		if err != nil {
			logger.WithError(err).Warn("[SLIDING_SYNC] Missing timeline for room")
			roomsSkipped.WithLabelValues(skipTimelineMissing).Inc()
			out.failed = true
			return out
		}
	}

	if types.IsEnabled(sr.body.Extensions.AccountData.Enabled) {
		out.accountData, err = rp.db.AccountDataChangesSince(ctx, userID, roomID, since, sr.nextBatch)
		if err != nil {
			logger.WithError(err).Warn("[SLIDING_SYNC] Failed to get room account data")
		}
	}
	out.receipt = rp.roomReceipts(ctx, userID, roomID, since, sr.nextBatch)

	if since != 0 && len(timeline) == 0 && len(out.accountData) == 0 && out.receipt == nil {
		roomsSkipped.WithLabelValues(skipUnchanged).Inc()
		return out
	}

	room := &types.SlidingRoomData{
		Initial:     since == 0,
		InviteState: inviteState,
		Limited:     limited,
		PrevBatch:   prevBatch(timeline, since),
		Timeline:    rp.filterIgnored(ctx, userID, timeline),
		BumpStamp:   bumpStamp(timeline),
	}
	room.RequiredState = rp.requiredState(ctx, userID, roomID, todoRoom)

	name := rp.stateContentString(ctx, roomID, spec.MRoomName, "name")
	if name != "" {
		room.Name = name
		room.Avatar = rp.stateContentString(ctx, roomID, eventTypeRoomAvatar, "url")
	} else {
		room.Heroes = rp.heroes(ctx, userID, roomID)
		room.Name = heroName(room.Heroes)
		if len(room.Heroes) == 1 {
			room.Avatar = room.Heroes[0].AvatarURL
		}
	}

	room.UnreadNotifications.HighlightCount = rp.unreadCount(ctx, logger, "highlight", rp.db.HighlightCount, userID, roomID)
	room.UnreadNotifications.NotificationCount = rp.unreadCount(ctx, logger, "notification", rp.db.NotificationCount, userID, roomID)
	if room.JoinedCount, err = rp.db.RoomJoinedCount(ctx, roomID); err != nil {
		room.JoinedCount = 0
	}
	if room.InvitedCount, err = rp.db.RoomInvitedCount(ctx, roomID); err != nil {
		room.InvitedCount = 0
	}

	out.room = room
	return out
}

// prevBatch is the position of the first returned event, or the watermark
// if nothing was returned on an incremental sync.
func prevBatch(timeline []storage.TimelineEvent, since types.StreamPosition) string {
	if len(timeline) > 0 {
		first := timeline[0]
		if first.Backfilled {
			err := fmt.Errorf("timeline for room %s starts with backfilled event %s", first.Event.RoomID, first.Event.EventID)
			logrus.WithError(err).Error("[SLIDING_SYNC] Timeline in backfill state")
			sentry.CaptureException(err)
			return "0"
		}
		return first.Position.String()
	}
	if since != 0 {
		return since.String()
	}
	return ""
}

// bumpStamp returns the latest timestamp of an event that bumps the room,
// or nil if there is none.
func bumpStamp(timeline []storage.TimelineEvent) *spec.Timestamp {
	var stamp *spec.Timestamp
	for _, ev := range timeline {
		if _, ok := slices.BinarySearch(bumpEventTypes, ev.Event.Type); !ok {
			continue
		}
		ts := ev.Event.OriginServerTS
		if stamp == nil || *stamp <= ts {
			stamp = &ts
		}
	}
	return stamp
}

// filterIgnored drops timeline events from senders the user ignores.
func (rp *RequestPool) filterIgnored(ctx context.Context, userID string, timeline []storage.TimelineEvent) []synctypes.ClientEvent {
	events := make([]synctypes.ClientEvent, 0, len(timeline))
	ignored := map[string]bool{}
	for _, ev := range timeline {
		sender := ev.Event.Sender
		isIgnored, ok := ignored[sender]
		if !ok {
			var err error
			isIgnored, err = rp.db.UserIsIgnored(ctx, sender, userID)
			if err != nil {
				isIgnored = false
			}
			ignored[sender] = isIgnored
		}
		if !isIgnored {
			events = append(events, ev.Event)
		}
	}
	return events
}

// requiredState resolves the requested state tuples against current state.
// Tuples that can't be resolved are left out.
func (rp *RequestPool) requiredState(ctx context.Context, userID, roomID string, todoRoom *types.TodoRoom) []synctypes.ClientEvent {
	var events []synctypes.ClientEvent
	seen := map[string]struct{}{}
	add := func(ev synctypes.ClientEvent) {
		if _, ok := seen[ev.EventID]; ok {
			return
		}
		seen[ev.EventID] = struct{}{}
		events = append(events, ev)
	}
	for _, tuple := range todoRoom.RequiredStateTuples() {
		stateKey := tuple.StateKey()
		switch stateKey {
		case stateKeyWildcard:
			evs, err := rp.db.RoomStateOfType(ctx, roomID, tuple.EventType())
			if err != nil {
				continue
			}
			for _, ev := range evs {
				add(ev)
			}
			continue
		case stateKeyMe:
			stateKey = userID
		}
		ev, err := rp.db.RoomStateGet(ctx, roomID, tuple.EventType(), stateKey)
		if err != nil {
			continue
		}
		add(*ev)
	}
	return events
}

// stateContentString returns a string field from the content of a current
// state event with an empty state key, or "" if there is none.
func (rp *RequestPool) stateContentString(ctx context.Context, roomID, eventType, field string) string {
	ev, err := rp.db.RoomStateGet(ctx, roomID, eventType, "")
	if err != nil {
		return ""
	}
	return gjson.GetBytes(ev.Content, field).Str
}

// heroes picks up to MaxHeroes joined members other than the user, in
// membership order. Members whose member event can't be read are skipped.
func (rp *RequestPool) heroes(ctx context.Context, userID, roomID string) []types.MSC4186Hero {
	members, err := rp.db.RoomMembers(ctx, roomID)
	if err != nil {
		logrus.WithError(err).WithField("room_id", roomID).Warn("[SLIDING_SYNC] Failed to get room members for heroes")
		return nil
	}
	var heroes []types.MSC4186Hero
	for _, member := range members {
		if len(heroes) >= rp.cfg.MaxHeroes {
			break
		}
		if member == userID {
			continue
		}
		ev, err := rp.db.RoomStateGet(ctx, roomID, spec.MRoomMember, member)
		if err != nil {
			continue
		}
		content := gjson.ParseBytes(ev.Content)
		heroes = append(heroes, types.MSC4186Hero{
			UserID:      member,
			Displayname: content.Get("displayname").Str,
			AvatarURL:   content.Get("avatar_url").Str,
		})
	}
	return heroes
}

// heroName names a room after its heroes. The first hero goes last, so
// [A, B, C] becomes "B, C and A".
func heroName(heroes []types.MSC4186Hero) string {
	switch len(heroes) {
	case 0:
		return ""
	case 1:
		return heroes[0].NameOrID()
	}
	rest := make([]string, 0, len(heroes)-1)
	for _, h := range heroes[1:] {
		rest = append(rest, h.NameOrID())
	}
	return strings.Join(rest, ", ") + " and " + heroes[0].NameOrID()
}

// unreadCount reads a notification counter, clamping values that can't be
// represented in JSON.
func (rp *RequestPool) unreadCount(
	ctx context.Context, logger *logrus.Entry, kind string,
	get func(ctx context.Context, userID, roomID string) (uint64, error),
	userID, roomID string,
) uint64 {
	count, err := get(ctx, userID, roomID)
	if err != nil {
		logger.WithError(err).Warnf("[SLIDING_SYNC] Failed to get %s count", kind)
		return 0
	}
	if count > maxSafeInteger {
		err = fmt.Errorf("%s count %d for %s in %s is out of range", kind, count, userID, roomID)
		logger.WithError(err).Error("[SLIDING_SYNC] Notification count overflow")
		sentry.CaptureException(err)
		return maxSafeInteger
	}
	return count
}

// roomReceipts packs the receipts in the room between the watermark and
// `to` into a single m.receipt event. Receipts from ignored users are left out, and the
// user's own private read receipt is added if it moved.
func (rp *RequestPool) roomReceipts(ctx context.Context, userID, roomID string, since, to types.StreamPosition) *synctypes.ClientEvent {
	logger := logrus.WithFields(logrus.Fields{"room_id": roomID, "user_id": userID})
	receipts, err := rp.db.ReadReceiptsSince(ctx, roomID, since, to)
	if err != nil {
		logger.WithError(err).Warn("[SLIDING_SYNC] Failed to get read receipts")
		receipts = nil
	}
	var kept []storage.Receipt
	for _, receipt := range receipts {
		if ignored, err := rp.db.UserIsIgnored(ctx, receipt.UserID, userID); err == nil && ignored {
			continue
		}
		kept = append(kept, receipt)
	}

	lastPrivate, err := rp.db.LastPrivateReadUpdate(ctx, userID, roomID)
	if err == nil && lastPrivate > since && lastPrivate <= to {
		private, err := rp.db.PrivateReadReceipt(ctx, roomID, userID)
		if err == nil && private != nil {
			kept = append(kept, *private)
		}
	}
	if len(kept) == 0 {
		return nil
	}

	ev, err := synctypes.NewEphemeralEvent(eventTypeReceipt, packReceipts(kept))
	if err != nil {
		logger.WithError(err).Error("[SLIDING_SYNC] Failed to build receipt event")
		return nil
	}
	return &ev
}

type receiptTS struct {
	TS spec.Timestamp `json:"ts"`
}

// packReceipts builds m.receipt content: event ID -> receipt type -> user ID.
func packReceipts(receipts []storage.Receipt) map[string]map[string]map[string]receiptTS {
	content := make(map[string]map[string]map[string]receiptTS)
	for _, r := range receipts {
		byType, ok := content[r.EventID]
		if !ok {
			byType = make(map[string]map[string]receiptTS)
			content[r.EventID] = byType
		}
		byUser, ok := byType[r.Type]
		if !ok {
			byUser = make(map[string]receiptTS)
			byType[r.Type] = byUser
		}
		byUser[r.UserID] = receiptTS{TS: r.Timestamp}
	}
	return content
}
