// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package inmemory is a process-local implementation of every storage
// collaborator the sliding sync engine reads from. It backs the demo
// server and the engine's tests.
package inmemory

import (
	"context"
	"sort"
	"sync"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/tidwall/gjson"

	"github.com/element-hq/slidingsync/syncapi/storage"
	"github.com/element-hq/slidingsync/syncapi/synctypes"
	"github.com/element-hq/slidingsync/syncapi/types"
)

// Membership of a user who has knocked on a room.
const membershipKnock = "knock"

// PositionAllocator hands out stream positions for writes.
type PositionAllocator interface {
	Next() types.StreamPosition
}

// ChangeNotifier is told about writes so that waiting syncs wake up.
type ChangeNotifier interface {
	OnRoomUpdate(roomID string)
	OnUserUpdate(userID string)
	OnDeviceUpdate(userID, deviceID string)
}

type snapshotAt struct {
	pos types.StreamPosition
	id  storage.StateSnapshotID
}

type room struct {
	timeline  []storage.TimelineEvent
	state     map[types.StateKeyTuple]string
	snapshots []snapshotAt
	// joined members in join order
	members  []string
	disabled bool
	banned   bool
}

type positioned[T any] struct {
	pos   types.StreamPosition
	value T
}

type userRoom struct {
	userID string
	roomID string
}

type userDevice struct {
	userID   string
	deviceID string
}

type keyChange struct {
	pos    types.StreamPosition
	userID string
}

type Database struct {
	// Writers allocate their position while holding mu, so a reader that
	// takes mu after a position was handed out sees that write.
	mu       sync.RWMutex
	counter  PositionAllocator
	notifier ChangeNotifier

	rooms        map[string]*room
	events       map[string]synctypes.ClientEvent
	snapshots    map[storage.StateSnapshotID]map[types.StateKeyTuple]string
	nextSnapshot storage.StateSnapshotID

	// userID -> roomID -> membership
	memberships map[string]map[string]string
	inviteState map[userRoom][]synctypes.ClientEvent

	accountData  map[userRoom][]positioned[synctypes.ClientEvent]
	receipts     map[string][]positioned[storage.Receipt]
	privateReads map[userRoom]positioned[storage.Receipt]

	userKeyChanges map[string][]keyChange
	roomKeyChanges map[string][]keyChange
	oneTimeKeys    map[userDevice]map[string]int
	fallbackKeys   map[userDevice][]string
	toDevice       map[userDevice][]positioned[gomatrixserverlib.SendToDeviceEvent]

	notificationCounts map[userRoom]uint64
	highlightCounts    map[userRoom]uint64
	// recipient -> sender
	ignores map[string]map[string]struct{}
}

var _ storage.Database = (*Database)(nil)

func NewDatabase(counter PositionAllocator) *Database {
	return &Database{
		counter:            counter,
		rooms:              map[string]*room{},
		events:             map[string]synctypes.ClientEvent{},
		snapshots:          map[storage.StateSnapshotID]map[types.StateKeyTuple]string{},
		memberships:        map[string]map[string]string{},
		inviteState:        map[userRoom][]synctypes.ClientEvent{},
		accountData:        map[userRoom][]positioned[synctypes.ClientEvent]{},
		receipts:           map[string][]positioned[storage.Receipt]{},
		privateReads:       map[userRoom]positioned[storage.Receipt]{},
		userKeyChanges:     map[string][]keyChange{},
		roomKeyChanges:     map[string][]keyChange{},
		oneTimeKeys:        map[userDevice]map[string]int{},
		fallbackKeys:       map[userDevice][]string{},
		toDevice:           map[userDevice][]positioned[gomatrixserverlib.SendToDeviceEvent]{},
		notificationCounts: map[userRoom]uint64{},
		highlightCounts:    map[userRoom]uint64{},
		ignores:            map[string]map[string]struct{}{},
	}
}

// SetNotifier registers the notifier told about subsequent writes.
func (d *Database) SetNotifier(n ChangeNotifier) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notifier = n
}

func (d *Database) roomLocked(roomID string) *room {
	r, ok := d.rooms[roomID]
	if !ok {
		r = &room{state: map[types.StateKeyTuple]string{}}
		d.rooms[roomID] = r
	}
	return r
}

// SendEvent appends an event to the room timeline, applying it to the room
// state if it is a state event. It returns the event's stream position.
func (d *Database) SendEvent(ev synctypes.ClientEvent) types.StreamPosition {
	return d.appendEvent(ev, false)
}

// AddBackfilledEvent appends an event fetched from history.
func (d *Database) AddBackfilledEvent(ev synctypes.ClientEvent) types.StreamPosition {
	return d.appendEvent(ev, true)
}

func (d *Database) appendEvent(ev synctypes.ClientEvent, backfilled bool) types.StreamPosition {
	d.mu.Lock()
	pos := d.counter.Next()
	r := d.roomLocked(ev.RoomID)
	r.timeline = append(r.timeline, storage.TimelineEvent{Position: pos, Backfilled: backfilled, Event: ev})
	d.events[ev.EventID] = ev

	if ev.StateKey != nil {
		tuple := types.StateKeyTuple{ev.Type, *ev.StateKey}
		r.state[tuple] = ev.EventID
		d.nextSnapshot++
		snapshot := make(map[types.StateKeyTuple]string, len(r.state))
		for k, v := range r.state {
			snapshot[k] = v
		}
		d.snapshots[d.nextSnapshot] = snapshot
		r.snapshots = append(r.snapshots, snapshotAt{pos: pos, id: d.nextSnapshot})

		if ev.Type == spec.MRoomMember {
			d.applyMembershipLocked(r, ev.RoomID, *ev.StateKey, gjson.GetBytes(ev.Content, "membership").Str)
		}
	}
	n := d.notifier
	d.mu.Unlock()

	if n != nil {
		n.OnRoomUpdate(ev.RoomID)
		// Invited and departed users aren't joined, so wake them directly.
		if ev.Type == spec.MRoomMember && ev.StateKey != nil {
			n.OnUserUpdate(*ev.StateKey)
		}
	}
	return pos
}

func (d *Database) applyMembershipLocked(r *room, roomID, userID, membership string) {
	if d.memberships[userID] == nil {
		d.memberships[userID] = map[string]string{}
	}
	d.memberships[userID][roomID] = membership

	idx := -1
	for i, member := range r.members {
		if member == userID {
			idx = i
			break
		}
	}
	switch {
	case membership == spec.Join && idx < 0:
		r.members = append(r.members, userID)
	case membership != spec.Join && idx >= 0:
		r.members = append(r.members[:idx], r.members[idx+1:]...)
	}
	if membership != spec.Invite {
		delete(d.inviteState, userRoom{userID, roomID})
	}
}

// SetInviteState stores the stripped state shown to an invited user.
func (d *Database) SetInviteState(userID, roomID string, events []synctypes.ClientEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inviteState[userRoom{userID, roomID}] = events
}

// SetRoomDisabled marks a room as disabled or banned on this server.
func (d *Database) SetRoomDisabled(roomID string, disabled, banned bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r := d.roomLocked(roomID)
	r.disabled = disabled
	r.banned = banned
}

// PutAccountData stores an account data event. An empty roomID stores
// global account data.
func (d *Database) PutAccountData(userID, roomID, dataType string, content []byte) types.StreamPosition {
	d.mu.Lock()
	pos := d.counter.Next()
	key := userRoom{userID, roomID}
	d.accountData[key] = append(d.accountData[key], positioned[synctypes.ClientEvent]{
		pos:   pos,
		value: synctypes.ClientEvent{Type: dataType, Content: content},
	})
	n := d.notifier
	d.mu.Unlock()
	if n != nil {
		n.OnUserUpdate(userID)
	}
	return pos
}

// AddReceipt stores a public read receipt.
func (d *Database) AddReceipt(roomID string, receipt storage.Receipt) types.StreamPosition {
	d.mu.Lock()
	pos := d.counter.Next()
	d.receipts[roomID] = append(d.receipts[roomID], positioned[storage.Receipt]{pos: pos, value: receipt})
	n := d.notifier
	d.mu.Unlock()
	if n != nil {
		n.OnRoomUpdate(roomID)
	}
	return pos
}

// SetPrivateReadReceipt stores the user's private read marker for the room.
func (d *Database) SetPrivateReadReceipt(roomID string, receipt storage.Receipt) types.StreamPosition {
	d.mu.Lock()
	pos := d.counter.Next()
	d.privateReads[userRoom{receipt.UserID, roomID}] = positioned[storage.Receipt]{pos: pos, value: receipt}
	n := d.notifier
	d.mu.Unlock()
	if n != nil {
		n.OnUserUpdate(receipt.UserID)
	}
	return pos
}

// MarkKeysChanged records a device key change for the user, visible to the
// user and to every room they are joined to.
func (d *Database) MarkKeysChanged(userID string) types.StreamPosition {
	d.mu.Lock()
	pos := d.counter.Next()
	d.userKeyChanges[userID] = append(d.userKeyChanges[userID], keyChange{pos: pos, userID: userID})
	var rooms []string
	for roomID, membership := range d.memberships[userID] {
		if membership == spec.Join {
			d.roomKeyChanges[roomID] = append(d.roomKeyChanges[roomID], keyChange{pos: pos, userID: userID})
			rooms = append(rooms, roomID)
		}
	}
	n := d.notifier
	d.mu.Unlock()
	if n != nil {
		n.OnUserUpdate(userID)
		for _, roomID := range rooms {
			n.OnRoomUpdate(roomID)
		}
	}
	return pos
}

func (d *Database) SetOneTimeKeyCounts(userID, deviceID string, counts map[string]int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.oneTimeKeys[userDevice{userID, deviceID}] = counts
}

func (d *Database) SetUnusedFallbackKeyTypes(userID, deviceID string, algorithms []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fallbackKeys[userDevice{userID, deviceID}] = algorithms
}

// QueueToDevice queues a to-device message for a device.
func (d *Database) QueueToDevice(userID, deviceID string, ev gomatrixserverlib.SendToDeviceEvent) types.StreamPosition {
	d.mu.Lock()
	pos := d.counter.Next()
	key := userDevice{userID, deviceID}
	d.toDevice[key] = append(d.toDevice[key], positioned[gomatrixserverlib.SendToDeviceEvent]{pos: pos, value: ev})
	n := d.notifier
	d.mu.Unlock()
	if n != nil {
		n.OnDeviceUpdate(userID, deviceID)
	}
	return pos
}

// SetNotificationCounts replaces the unread counts of a user in a room.
func (d *Database) SetNotificationCounts(userID, roomID string, notifications, highlights uint64) {
	d.mu.Lock()
	d.notificationCounts[userRoom{userID, roomID}] = notifications
	d.highlightCounts[userRoom{userID, roomID}] = highlights
	n := d.notifier
	d.mu.Unlock()
	if n != nil {
		n.OnUserUpdate(userID)
	}
}

// IgnoreUser makes recipient ignore sender.
func (d *Database) IgnoreUser(recipient, sender string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ignores[recipient] == nil {
		d.ignores[recipient] = map[string]struct{}{}
	}
	d.ignores[recipient][sender] = struct{}{}
}

func (d *Database) roomsWithMembership(userID, membership string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []string
	for roomID, m := range d.memberships[userID] {
		if m == membership {
			out = append(out, roomID)
		}
	}
	sort.Strings(out)
	return out
}

func (d *Database) RoomsJoined(ctx context.Context, userID string) ([]string, error) {
	return d.roomsWithMembership(userID, spec.Join), nil
}

func (d *Database) RoomsInvited(ctx context.Context, userID string) ([]string, error) {
	return d.roomsWithMembership(userID, spec.Invite), nil
}

func (d *Database) RoomsKnocked(ctx context.Context, userID string) ([]string, error) {
	return d.roomsWithMembership(userID, membershipKnock), nil
}

func (d *Database) RoomMembers(ctx context.Context, roomID string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.rooms[roomID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return append([]string(nil), r.members...), nil
}

func (d *Database) RoomJoinedCount(ctx context.Context, roomID string) (int, error) {
	members, err := d.RoomMembers(ctx, roomID)
	return len(members), err
}

func (d *Database) RoomInvitedCount(ctx context.Context, roomID string) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	count := 0
	for _, rooms := range d.memberships {
		if rooms[roomID] == spec.Invite {
			count++
		}
	}
	return count, nil
}

func (d *Database) InviteState(ctx context.Context, userID, roomID string) ([]synctypes.ClientEvent, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	events, ok := d.inviteState[userRoom{userID, roomID}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return events, nil
}

func (d *Database) SharedRooms(ctx context.Context, userID, otherUserID string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []string
	for roomID, m := range d.memberships[userID] {
		if m == spec.Join && d.memberships[otherUserID][roomID] == spec.Join {
			out = append(out, roomID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (d *Database) RoomStateGet(ctx context.Context, roomID, eventType, stateKey string) (*synctypes.ClientEvent, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.rooms[roomID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	eventID, ok := r.state[types.StateKeyTuple{eventType, stateKey}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	ev := d.events[eventID]
	return &ev, nil
}

func (d *Database) RoomStateOfType(ctx context.Context, roomID, eventType string) ([]synctypes.ClientEvent, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.rooms[roomID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	var out []synctypes.ClientEvent
	for tuple, eventID := range r.state {
		if tuple.EventType() == eventType {
			out = append(out, d.events[eventID])
		}
	}
	sort.Slice(out, func(i, j int) bool { return *out[i].StateKey < *out[j].StateKey })
	return out, nil
}

func (d *Database) CurrentStateSnapshot(ctx context.Context, roomID string) (storage.StateSnapshotID, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.rooms[roomID]
	if !ok || len(r.snapshots) == 0 {
		return 0, storage.ErrNotFound
	}
	return r.snapshots[len(r.snapshots)-1].id, nil
}

func (d *Database) StateSnapshotAt(ctx context.Context, roomID string, pos types.StreamPosition) (storage.StateSnapshotID, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.rooms[roomID]
	if !ok {
		return 0, storage.ErrNotFound
	}
	for i := len(r.snapshots) - 1; i >= 0; i-- {
		if r.snapshots[i].pos <= pos {
			return r.snapshots[i].id, nil
		}
	}
	return 0, storage.ErrNotFound
}

func (d *Database) SnapshotStateGet(ctx context.Context, snapshot storage.StateSnapshotID, eventType, stateKey string) (*synctypes.ClientEvent, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	eventID, ok := d.snapshots[snapshot][types.StateKeyTuple{eventType, stateKey}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	ev := d.events[eventID]
	return &ev, nil
}

func (d *Database) SnapshotStateIDs(ctx context.Context, snapshot storage.StateSnapshotID) (map[types.StateKeyTuple]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids, ok := d.snapshots[snapshot]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := make(map[types.StateKeyTuple]string, len(ids))
	for k, v := range ids {
		out[k] = v
	}
	return out, nil
}

func (d *Database) LoadTimeline(ctx context.Context, userID, roomID string, since, to types.StreamPosition, limit int) ([]storage.TimelineEvent, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.rooms[roomID]
	if !ok {
		return nil, false, storage.ErrNotFound
	}
	var span []storage.TimelineEvent
	for _, ev := range r.timeline {
		if ev.Position > since && ev.Position <= to {
			span = append(span, ev)
		}
	}
	if limit < 0 {
		limit = 0
	}
	if len(span) <= limit {
		return span, false, nil
	}
	return append([]storage.TimelineEvent(nil), span[len(span)-limit:]...), true, nil
}

func (d *Database) GetEvent(ctx context.Context, eventID string) (*synctypes.ClientEvent, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ev, ok := d.events[eventID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &ev, nil
}

func (d *Database) AccountDataChangesSince(ctx context.Context, userID, roomID string, since, to types.StreamPosition) ([]synctypes.ClientEvent, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	latest := map[string]positioned[synctypes.ClientEvent]{}
	for _, item := range d.accountData[userRoom{userID, roomID}] {
		if item.pos > since && item.pos <= to {
			latest[item.value.Type] = item
		}
	}
	items := make([]positioned[synctypes.ClientEvent], 0, len(latest))
	for _, item := range latest {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].pos < items[j].pos })
	out := make([]synctypes.ClientEvent, 0, len(items))
	for _, item := range items {
		out = append(out, item.value)
	}
	return out, nil
}

func (d *Database) ReadReceiptsSince(ctx context.Context, roomID string, since, to types.StreamPosition) ([]storage.Receipt, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []storage.Receipt
	for _, item := range d.receipts[roomID] {
		if item.pos > since && item.pos <= to {
			out = append(out, item.value)
		}
	}
	return out, nil
}

func (d *Database) LastPrivateReadUpdate(ctx context.Context, userID, roomID string) (types.StreamPosition, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.privateReads[userRoom{userID, roomID}].pos, nil
}

func (d *Database) PrivateReadReceipt(ctx context.Context, roomID, userID string) (*storage.Receipt, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	item, ok := d.privateReads[userRoom{userID, roomID}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	receipt := item.value
	return &receipt, nil
}

func changedUsers(changes []keyChange, since, to types.StreamPosition) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, c := range changes {
		if c.pos <= since || c.pos > to {
			continue
		}
		if _, ok := seen[c.userID]; !ok {
			seen[c.userID] = struct{}{}
			out = append(out, c.userID)
		}
	}
	return out
}

func (d *Database) KeysChanged(ctx context.Context, userID string, since, to types.StreamPosition) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return changedUsers(d.userKeyChanges[userID], since, to), nil
}

func (d *Database) RoomKeysChanged(ctx context.Context, roomID string, since, to types.StreamPosition) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return changedUsers(d.roomKeyChanges[roomID], since, to), nil
}

func (d *Database) OneTimeKeyCounts(ctx context.Context, userID, deviceID string) (map[string]int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := map[string]int{}
	for algorithm, count := range d.oneTimeKeys[userDevice{userID, deviceID}] {
		out[algorithm] = count
	}
	return out, nil
}

func (d *Database) UnusedFallbackKeyTypes(ctx context.Context, userID, deviceID string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string{}, d.fallbackKeys[userDevice{userID, deviceID}]...), nil
}

func (d *Database) RemoveToDeviceEvents(ctx context.Context, userID, deviceID string, upTo types.StreamPosition) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := userDevice{userID, deviceID}
	queue := d.toDevice[key]
	kept := queue[:0]
	for _, item := range queue {
		if item.pos > upTo {
			kept = append(kept, item)
		}
	}
	d.toDevice[key] = kept
	return nil
}

func (d *Database) ToDeviceEvents(ctx context.Context, userID, deviceID string, upTo types.StreamPosition) ([]gomatrixserverlib.SendToDeviceEvent, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := []gomatrixserverlib.SendToDeviceEvent{}
	for _, item := range d.toDevice[userDevice{userID, deviceID}] {
		if item.pos <= upTo {
			out = append(out, item.value)
		}
	}
	return out, nil
}

func (d *Database) NotificationCount(ctx context.Context, userID, roomID string) (uint64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.notificationCounts[userRoom{userID, roomID}], nil
}

func (d *Database) HighlightCount(ctx context.Context, userID, roomID string) (uint64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.highlightCounts[userRoom{userID, roomID}], nil
}

func (d *Database) UserIsIgnored(ctx context.Context, sender, recipient string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ignored := d.ignores[recipient][sender]
	return ignored, nil
}

func (d *Database) RoomExists(ctx context.Context, roomID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.rooms[roomID]
	return ok, nil
}

func (d *Database) RoomIsDisabled(ctx context.Context, roomID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.rooms[roomID]
	return ok && r.disabled, nil
}

func (d *Database) RoomIsBanned(ctx context.Context, roomID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.rooms[roomID]
	return ok && r.banned, nil
}
