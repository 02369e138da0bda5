// Copyright 2024 New Vector Ltd.
// Copyright 2019, 2020 The Matrix.org Foundation C.I.C.
// Copyright 2017, 2018 New Vector Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"

	"github.com/element-hq/slidingsync/internal/broadcast"
	"github.com/element-hq/slidingsync/internal/util"
	"github.com/element-hq/slidingsync/setup/config"
	"github.com/element-hq/slidingsync/syncapi/storage"
	"github.com/element-hq/slidingsync/syncapi/types"
)

// TypingEDUType is the event and EDU type for typing notifications.
const TypingEDUType = "m.typing"

// Number of room updates a waiting subscriber may lag behind before it
// starts missing them.
const typingBroadcastCapacity = 100

var typingRooms = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "dendrite",
		Subsystem: "caching",
		Name:      "typing_rooms",
		Help:      "Number of rooms with at least one typing entry",
	},
)

var registerTypingMetrics sync.Once

func init() {
	registerTypingMetrics.Do(func() {
		prometheus.MustRegister(typingRooms)
	})
}

// TypingUpdate announces that the typing users of a room changed.
type TypingUpdate struct {
	RoomID   string
	Position types.StreamPosition
}

// OutboundEDUQueue takes EDUs destined for every other server in a room.
type OutboundEDUQueue interface {
	SendEDUToRoom(ctx context.Context, roomID string, edu *gomatrixserverlib.EDU) error
}

// PositionSource allocates stream positions.
type PositionSource interface {
	Next() types.StreamPosition
}

// EDUCache maintains a list of users typing in each room.
type EDUCache struct {
	typingMu sync.RWMutex
	// room ID -> user ID -> timeout
	typing map[string]map[string]time.Time

	updateMu   sync.RWMutex
	lastUpdate map[string]types.StreamPosition

	counter       PositionSource
	updates       *broadcast.Broadcaster[TypingUpdate]
	global        *config.Global
	allowOutgoing bool
	ignores       storage.IgnoreList
	federation    OutboundEDUQueue

	now func() time.Time
}

// NewTypingCache returns a typing registry. federation may be nil, in which
// case nothing is sent to other servers.
func NewTypingCache(
	cfg *config.Dendrite, counter PositionSource,
	ignores storage.IgnoreList, federation OutboundEDUQueue,
) *EDUCache {
	return &EDUCache{
		typing:        make(map[string]map[string]time.Time),
		lastUpdate:    make(map[string]types.StreamPosition),
		counter:       counter,
		updates:       broadcast.New[TypingUpdate](typingBroadcastCapacity),
		global:        &cfg.Global,
		allowOutgoing: cfg.SyncAPI.Typing.AllowOutgoing,
		ignores:       ignores,
		federation:    federation,
		now:           time.Now,
	}
}

// SetClock replaces the wall clock used for expiry.
func (t *EDUCache) SetClock(now func() time.Time) {
	t.typingMu.Lock()
	defer t.typingMu.Unlock()
	t.now = now
}

// Subscribe returns a channel of room updates and a function to stop them.
// Subscribers that lag miss updates.
func (t *EDUCache) Subscribe() (<-chan TypingUpdate, func()) {
	return t.updates.Subscribe()
}

// StartTyping marks the user as typing in the room until timeout, replacing
// any earlier timeout. It returns the room's new update position.
func (t *EDUCache) StartTyping(ctx context.Context, userID, roomID string, timeout time.Time) types.StreamPosition {
	t.typingMu.Lock()
	users, ok := t.typing[roomID]
	if !ok {
		users = make(map[string]time.Time)
		t.typing[roomID] = users
	}
	users[userID] = timeout
	t.updateRoomGaugeLocked()
	t.typingMu.Unlock()

	pos := t.bump(roomID)
	t.sendEDU(ctx, userID, roomID, true)
	return pos
}

// StopTyping removes the user from the room's typing users. Stopping a user
// who isn't typing still advances the room's update position.
func (t *EDUCache) StopTyping(ctx context.Context, userID, roomID string) types.StreamPosition {
	t.typingMu.Lock()
	if users, ok := t.typing[roomID]; ok {
		delete(users, userID)
		if len(users) == 0 {
			delete(t.typing, roomID)
		}
	}
	t.updateRoomGaugeLocked()
	t.typingMu.Unlock()

	pos := t.bump(roomID)
	t.sendEDU(ctx, userID, roomID, false)
	return pos
}

// Sweep removes expired entries from the room. If anything was removed the
// room's update position advances once and other servers are told that
// each expired local user stopped typing.
func (t *EDUCache) Sweep(ctx context.Context, roomID string) {
	t.typingMu.Lock()
	now := t.now()
	var expired []string
	for userID, timeout := range t.typing[roomID] {
		if !isLive(timeout, now) {
			expired = append(expired, userID)
		}
	}
	for _, userID := range expired {
		delete(t.typing[roomID], userID)
	}
	if len(t.typing[roomID]) == 0 {
		delete(t.typing, roomID)
	}
	t.updateRoomGaugeLocked()
	t.typingMu.Unlock()

	if len(expired) == 0 {
		return
	}
	sort.Strings(expired)
	t.bump(roomID)
	for _, userID := range expired {
		t.sendEDU(ctx, userID, roomID, false)
	}
}

// LastTypingUpdate sweeps the room and returns the position of its most
// recent typing change, or 0 if it never had one.
func (t *EDUCache) LastTypingUpdate(ctx context.Context, roomID string) types.StreamPosition {
	t.Sweep(ctx, roomID)
	t.updateMu.RLock()
	defer t.updateMu.RUnlock()
	return t.lastUpdate[roomID]
}

// TypingUsers returns the users currently typing in the room, sorted.
// Expired entries are never returned even if no sweep has run.
func (t *EDUCache) TypingUsers(roomID string) []string {
	t.typingMu.RLock()
	defer t.typingMu.RUnlock()
	now := t.now()
	users := make([]string, 0, len(t.typing[roomID]))
	for userID, timeout := range t.typing[roomID] {
		if isLive(timeout, now) {
			users = append(users, userID)
		}
	}
	sort.Strings(users)
	return users
}

// TypingUsersFor returns the users typing in the room minus the ones the
// requester ignores.
func (t *EDUCache) TypingUsersFor(ctx context.Context, roomID, requester string) ([]string, error) {
	users := t.TypingUsers(roomID)
	if t.ignores == nil {
		return users, nil
	}
	visible := users[:0]
	for _, userID := range users {
		ignored, err := t.ignores.UserIsIgnored(ctx, userID, requester)
		if err != nil {
			return nil, err
		}
		if !ignored {
			visible = append(visible, userID)
		}
	}
	return visible, nil
}

// isLive reports whether a typing entry with the given timeout is still
// current at now.
func isLive(timeout, now time.Time) bool {
	return now.Before(timeout)
}

func (t *EDUCache) updateRoomGaugeLocked() {
	typingRooms.Set(float64(len(t.typing)))
}

// bump advances the room's update position and tells subscribers. The
// position never moves backwards even if concurrent bumps finish out of
// order.
func (t *EDUCache) bump(roomID string) types.StreamPosition {
	pos := t.counter.Next()
	t.updateMu.Lock()
	if pos > t.lastUpdate[roomID] {
		t.lastUpdate[roomID] = pos
	} else {
		pos = t.lastUpdate[roomID]
	}
	t.updateMu.Unlock()
	t.updates.Send(TypingUpdate{RoomID: roomID, Position: pos})
	return pos
}

func (t *EDUCache) sendEDU(ctx context.Context, userID, roomID string, typing bool) {
	if !t.allowOutgoing || t.federation == nil {
		return
	}
	serverName, ok := util.UserServerName(userID)
	if !ok || !t.global.IsLocalServerName(serverName) {
		return
	}
	logger := logrus.WithFields(logrus.Fields{
		"room_id": roomID,
		"user_id": userID,
		"typing":  typing,
	})
	content, err := typingEDUContent(userID, roomID, typing)
	if err != nil {
		logger.WithError(err).Error("[TYPING] failed to build typing EDU")
		return
	}
	edu := &gomatrixserverlib.EDU{
		Type:    TypingEDUType,
		Origin:  string(serverName),
		Content: content,
	}
	if err = t.federation.SendEDUToRoom(ctx, roomID, edu); err != nil {
		logger.WithError(err).Warn("[TYPING] failed to queue typing EDU")
	}
}

func typingEDUContent(userID, roomID string, typing bool) ([]byte, error) {
	content := []byte(`{}`)
	var err error
	if content, err = sjson.SetBytes(content, "room_id", roomID); err != nil {
		return nil, err
	}
	if content, err = sjson.SetBytes(content, "user_id", userID); err != nil {
		return nil, err
	}
	return sjson.SetBytes(content, "typing", typing)
}
