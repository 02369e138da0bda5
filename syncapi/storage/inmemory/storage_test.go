package inmemory

import (
	"context"
	"testing"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/slidingsync/internal"
	"github.com/element-hq/slidingsync/syncapi/storage"
	"github.com/element-hq/slidingsync/syncapi/synctypes"
	"github.com/element-hq/slidingsync/syncapi/types"
)

func strPtr(s string) *string { return &s }

func member(roomID, userID, membership string) synctypes.ClientEvent {
	return synctypes.ClientEvent{
		EventID:  "$" + userID + membership + roomID,
		RoomID:   roomID,
		Sender:   userID,
		Type:     spec.MRoomMember,
		StateKey: strPtr(userID),
		Content:  spec.RawJSON(`{"membership":"` + membership + `"}`),
	}
}

func message(roomID, eventID string) synctypes.ClientEvent {
	return synctypes.ClientEvent{
		EventID: eventID,
		RoomID:  roomID,
		Sender:  "@alice:test",
		Type:    "m.room.message",
		Content: spec.RawJSON(`{"body":"hi"}`),
	}
}

type recordingNotifier struct {
	rooms   []string
	users   []string
	devices []string
}

func (n *recordingNotifier) OnRoomUpdate(roomID string) { n.rooms = append(n.rooms, roomID) }
func (n *recordingNotifier) OnUserUpdate(userID string) { n.users = append(n.users, userID) }
func (n *recordingNotifier) OnDeviceUpdate(userID, deviceID string) {
	n.devices = append(n.devices, userID+"/"+deviceID)
}

func TestMembershipTracking(t *testing.T) {
	ctx := context.Background()
	db := NewDatabase(internal.NewStreamCounter(0))

	db.SendEvent(member("!r:test", "@alice:test", spec.Join))
	db.SendEvent(member("!r:test", "@bob:test", spec.Join))
	db.SendEvent(member("!r:test", "@carol:test", spec.Invite))
	db.SendEvent(member("!k:test", "@alice:test", membershipKnock))

	joined, err := db.RoomsJoined(ctx, "@alice:test")
	require.NoError(t, err)
	assert.Equal(t, []string{"!r:test"}, joined)

	knocked, err := db.RoomsKnocked(ctx, "@alice:test")
	require.NoError(t, err)
	assert.Equal(t, []string{"!k:test"}, knocked)

	invited, err := db.RoomsInvited(ctx, "@carol:test")
	require.NoError(t, err)
	assert.Equal(t, []string{"!r:test"}, invited)

	members, err := db.RoomMembers(ctx, "!r:test")
	require.NoError(t, err)
	assert.Equal(t, []string{"@alice:test", "@bob:test"}, members)

	count, err := db.RoomInvitedCount(ctx, "!r:test")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	db.SendEvent(member("!r:test", "@alice:test", spec.Leave))
	members, err = db.RoomMembers(ctx, "!r:test")
	require.NoError(t, err)
	assert.Equal(t, []string{"@bob:test"}, members)

	shared, err := db.SharedRooms(ctx, "@alice:test", "@bob:test")
	require.NoError(t, err)
	assert.Empty(t, shared)
}

func TestLoadTimeline(t *testing.T) {
	ctx := context.Background()
	db := NewDatabase(internal.NewStreamCounter(0))
	db.SendEvent(member("!r:test", "@alice:test", spec.Join))
	var positions []types.StreamPosition
	for _, id := range []string{"$1", "$2", "$3", "$4"} {
		positions = append(positions, db.SendEvent(message("!r:test", id)))
	}
	to := positions[len(positions)-1]

	events, limited, err := db.LoadTimeline(ctx, "@alice:test", "!r:test", 0, to, 2)
	require.NoError(t, err)
	assert.True(t, limited)
	require.Len(t, events, 2)
	assert.Equal(t, "$3", events[0].Event.EventID)
	assert.Equal(t, "$4", events[1].Event.EventID)

	events, limited, err = db.LoadTimeline(ctx, "@alice:test", "!r:test", positions[1], to, 10)
	require.NoError(t, err)
	assert.False(t, limited)
	assert.Len(t, events, 2)

	events, limited, err = db.LoadTimeline(ctx, "@alice:test", "!r:test", to, to, 10)
	require.NoError(t, err)
	assert.False(t, limited)
	assert.Empty(t, events)

	_, _, err = db.LoadTimeline(ctx, "@alice:test", "!missing:test", 0, to, 10)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStateSnapshots(t *testing.T) {
	ctx := context.Background()
	db := NewDatabase(internal.NewStreamCounter(0))
	joinPos := db.SendEvent(member("!r:test", "@alice:test", spec.Join))

	_, err := db.StateSnapshotAt(ctx, "!r:test", joinPos-1)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	atJoin, err := db.StateSnapshotAt(ctx, "!r:test", joinPos)
	require.NoError(t, err)

	db.SendEvent(synctypes.ClientEvent{
		EventID: "$enc", RoomID: "!r:test", Type: "m.room.encryption", StateKey: strPtr(""),
		Content: spec.RawJSON(`{"algorithm":"m.megolm.v1.aes-sha2"}`),
	})
	current, err := db.CurrentStateSnapshot(ctx, "!r:test")
	require.NoError(t, err)
	assert.NotEqual(t, atJoin, current)

	_, err = db.SnapshotStateGet(ctx, atJoin, "m.room.encryption", "")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	ev, err := db.SnapshotStateGet(ctx, current, "m.room.encryption", "")
	require.NoError(t, err)
	assert.Equal(t, "$enc", ev.EventID)

	ids, err := db.SnapshotStateIDs(ctx, current)
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	members, err := db.RoomStateOfType(ctx, "!r:test", spec.MRoomMember)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "@alice:test", *members[0].StateKey)
}

func TestAccountDataLatestPerType(t *testing.T) {
	ctx := context.Background()
	db := NewDatabase(internal.NewStreamCounter(0))
	first := db.PutAccountData("@alice:test", "", "m.push_rules", []byte(`{"v":1}`))
	db.PutAccountData("@alice:test", "", "m.direct", []byte(`{}`))
	last := db.PutAccountData("@alice:test", "", "m.push_rules", []byte(`{"v":2}`))
	db.PutAccountData("@alice:test", "!r:test", "m.tag", []byte(`{}`))

	global, err := db.AccountDataChangesSince(ctx, "@alice:test", "", 0, last)
	require.NoError(t, err)
	require.Len(t, global, 2)
	assert.Equal(t, "m.direct", global[0].Type)
	assert.JSONEq(t, `{"v":2}`, string(global[1].Content))

	global, err = db.AccountDataChangesSince(ctx, "@alice:test", "", first, first)
	require.NoError(t, err)
	assert.Empty(t, global)
}

func TestToDeviceQueue(t *testing.T) {
	ctx := context.Background()
	db := NewDatabase(internal.NewStreamCounter(0))
	n := &recordingNotifier{}
	db.SetNotifier(n)

	first := db.QueueToDevice("@alice:test", "DEV", gomatrixserverlib.SendToDeviceEvent{Type: "m.one"})
	second := db.QueueToDevice("@alice:test", "DEV", gomatrixserverlib.SendToDeviceEvent{Type: "m.two"})
	assert.Equal(t, []string{"@alice:test/DEV", "@alice:test/DEV"}, n.devices)

	events, err := db.ToDeviceEvents(ctx, "@alice:test", "DEV", first)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "m.one", events[0].Type)

	require.NoError(t, db.RemoveToDeviceEvents(ctx, "@alice:test", "DEV", first))
	events, err = db.ToDeviceEvents(ctx, "@alice:test", "DEV", second)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "m.two", events[0].Type)
}

func TestKeyChangesFanOutToRooms(t *testing.T) {
	ctx := context.Background()
	db := NewDatabase(internal.NewStreamCounter(0))
	db.SendEvent(member("!r:test", "@bob:test", spec.Join))
	pos := db.MarkKeysChanged("@bob:test")

	changed, err := db.RoomKeysChanged(ctx, "!r:test", 0, pos)
	require.NoError(t, err)
	assert.Equal(t, []string{"@bob:test"}, changed)

	changed, err = db.RoomKeysChanged(ctx, "!r:test", pos, pos)
	require.NoError(t, err)
	assert.Empty(t, changed)

	changed, err = db.KeysChanged(ctx, "@bob:test", 0, pos)
	require.NoError(t, err)
	assert.Equal(t, []string{"@bob:test"}, changed)
}

func TestReceiptsAndIgnores(t *testing.T) {
	ctx := context.Background()
	db := NewDatabase(internal.NewStreamCounter(0))
	pos := db.AddReceipt("!r:test", storage.Receipt{UserID: "@bob:test", EventID: "$1", Type: "m.read"})
	db.AddReceipt("!r:test", storage.Receipt{UserID: "@carol:test", EventID: "$2", Type: "m.read"})

	receipts, err := db.ReadReceiptsSince(ctx, "!r:test", pos, pos+10)
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Equal(t, "@carol:test", receipts[0].UserID)

	receipts, err = db.ReadReceiptsSince(ctx, "!r:test", 0, pos)
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Equal(t, "@bob:test", receipts[0].UserID)

	_, err = db.PrivateReadReceipt(ctx, "!r:test", "@alice:test")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	privatePos := db.SetPrivateReadReceipt("!r:test", storage.Receipt{UserID: "@alice:test", EventID: "$2", Type: "m.read.private"})
	last, err := db.LastPrivateReadUpdate(ctx, "@alice:test", "!r:test")
	require.NoError(t, err)
	assert.Equal(t, privatePos, last)

	db.IgnoreUser("@alice:test", "@bob:test")
	ignored, err := db.UserIsIgnored(ctx, "@bob:test", "@alice:test")
	require.NoError(t, err)
	assert.True(t, ignored)
	ignored, err = db.UserIsIgnored(ctx, "@alice:test", "@bob:test")
	require.NoError(t, err)
	assert.False(t, ignored)
}

// stallingCounter blocks the next allocation after it has handed out the
// position, until release is closed.
type stallingCounter struct {
	*internal.StreamCounter
	stall     bool
	allocated chan types.StreamPosition
	release   chan struct{}
}

func (c *stallingCounter) Next() types.StreamPosition {
	pos := c.StreamCounter.Next()
	if c.stall {
		c.stall = false
		c.allocated <- pos
		<-c.release
	}
	return pos
}

func TestAllocatedPositionIsVisibleToLaterReads(t *testing.T) {
	ctx := context.Background()
	counter := &stallingCounter{
		StreamCounter: internal.NewStreamCounter(0),
		allocated:     make(chan types.StreamPosition, 1),
		release:       make(chan struct{}),
	}
	db := NewDatabase(counter)
	db.SendEvent(member("!r:test", "@alice:test", spec.Join))

	counter.stall = true
	go db.SendEvent(message("!r:test", "$slow"))
	slowPos := <-counter.allocated

	// A later writer and a sync cursor both get positions above the stalled
	// write. Reading up to that cursor must still include the stalled event.
	fastDone := make(chan types.StreamPosition, 1)
	go func() { fastDone <- db.SendEvent(message("!r:test", "$fast")) }()
	read := make(chan []storage.TimelineEvent, 1)
	go func() {
		to := counter.StreamCounter.Next()
		events, _, err := db.LoadTimeline(ctx, "@alice:test", "!r:test", 0, to, 10)
		assert.NoError(t, err)
		read <- events
	}()

	select {
	case <-fastDone:
		t.Fatal("write completed while an earlier position was still being written")
	case <-read:
		t.Fatal("read completed while an earlier position was still being written")
	case <-time.After(50 * time.Millisecond):
	}
	close(counter.release)

	fastPos := <-fastDone
	assert.Greater(t, int64(fastPos), int64(slowPos))
	var ids []string
	for _, ev := range <-read {
		ids = append(ids, ev.Event.EventID)
	}
	assert.Contains(t, ids, "$slow")
}
