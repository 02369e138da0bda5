// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package notifier

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/slidingsync/internal/caching"
	"github.com/element-hq/slidingsync/syncapi/storage"
)

var activeListeners = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "dendrite",
		Subsystem: "syncapi",
		Name:      "notifier_listeners",
		Help:      "Number of sync requests waiting for a change",
	},
)

var registerNotifierMetrics sync.Once

func init() {
	registerNotifierMetrics.Do(func() {
		prometheus.MustRegister(activeListeners)
	})
}

// Notifier will wake up sleeping requests when there is some new data.
// It does not tell requests what that data is, only that they should
// recompute. Wakeups are coalesced, so a listener that isn't waiting when
// several changes happen sees a single one.
type Notifier struct {
	lock sync.RWMutex
	db   storage.StateCache
	// user ID -> listeners for any of the user's devices
	users map[string]map[*Listener]struct{}
	// room ID -> listeners that asked for the room explicitly
	rooms map[string]map[*Listener]struct{}
}

// Listener is woken when something a sync request cares about changes.
type Listener struct {
	n        *Notifier
	userID   string
	deviceID string
	rooms    []string
	ch       chan struct{}
	once     sync.Once
}

// NewNotifier creates a new notifier. The state cache is used to find the
// joined members of a room that changed.
func NewNotifier(db storage.StateCache) *Notifier {
	return &Notifier{
		db:    db,
		users: make(map[string]map[*Listener]struct{}),
		rooms: make(map[string]map[*Listener]struct{}),
	}
}

// Listen registers a listener for the device. It is woken for changes to
// the user's data, the device's data, rooms the user is joined to, and any
// extra rooms given. The listener must be closed.
func (n *Notifier) Listen(userID, deviceID string, extraRooms []string) *Listener {
	l := &Listener{
		n:        n,
		userID:   userID,
		deviceID: deviceID,
		rooms:    extraRooms,
		ch:       make(chan struct{}, 1),
	}
	n.lock.Lock()
	defer n.lock.Unlock()
	if n.users[userID] == nil {
		n.users[userID] = make(map[*Listener]struct{})
	}
	n.users[userID][l] = struct{}{}
	for _, roomID := range extraRooms {
		if n.rooms[roomID] == nil {
			n.rooms[roomID] = make(map[*Listener]struct{})
		}
		n.rooms[roomID][l] = struct{}{}
	}
	activeListeners.Inc()
	return l
}

// C returns a channel that receives a value after a change.
func (l *Listener) C() <-chan struct{} {
	return l.ch
}

// Close unregisters the listener. Safe to call more than once.
func (l *Listener) Close() {
	l.once.Do(func() {
		n := l.n
		n.lock.Lock()
		defer n.lock.Unlock()
		delete(n.users[l.userID], l)
		if len(n.users[l.userID]) == 0 {
			delete(n.users, l.userID)
		}
		for _, roomID := range l.rooms {
			delete(n.rooms[roomID], l)
			if len(n.rooms[roomID]) == 0 {
				delete(n.rooms, roomID)
			}
		}
		activeListeners.Dec()
	})
}

func (l *Listener) wake() {
	select {
	case l.ch <- struct{}{}:
	default:
	}
}

// OnUserUpdate wakes every device of the user, e.g. after account data or
// a membership change.
func (n *Notifier) OnUserUpdate(userID string) {
	n.lock.RLock()
	defer n.lock.RUnlock()
	for l := range n.users[userID] {
		l.wake()
	}
}

// OnDeviceUpdate wakes listeners for a single device, e.g. after a
// to-device message.
func (n *Notifier) OnDeviceUpdate(userID, deviceID string) {
	n.lock.RLock()
	defer n.lock.RUnlock()
	for l := range n.users[userID] {
		if l.deviceID == deviceID {
			l.wake()
		}
	}
}

// OnRoomUpdate wakes the joined members of the room and anyone listening
// to it explicitly.
func (n *Notifier) OnRoomUpdate(roomID string) {
	members, err := n.db.RoomMembers(context.Background(), roomID)
	if err != nil {
		logrus.WithError(err).WithField("room_id", roomID).Debug("Failed to get room members to notify")
	}
	n.lock.RLock()
	defer n.lock.RUnlock()
	for _, userID := range members {
		for l := range n.users[userID] {
			l.wake()
		}
	}
	for l := range n.rooms[roomID] {
		l.wake()
	}
}

// PumpTyping turns typing changes into room wakeups until the context is
// done or the channel is closed.
func (n *Notifier) PumpTyping(ctx context.Context, updates <-chan caching.TypingUpdate) {
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			n.OnRoomUpdate(update.RoomID)
		}
	}
}
