package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/slidingsync/syncapi/storage"
	"github.com/element-hq/slidingsync/syncapi/synctypes"
	"github.com/element-hq/slidingsync/syncapi/types"
)

func TestHeroName(t *testing.T) {
	tests := []struct {
		name   string
		heroes []types.MSC4186Hero
		want   string
	}{
		{name: "no heroes", want: ""},
		{
			name:   "one hero uses display name",
			heroes: []types.MSC4186Hero{{UserID: "@b:test", Displayname: "Bob"}},
			want:   "Bob",
		},
		{
			name:   "one hero falls back to user ID",
			heroes: []types.MSC4186Hero{{UserID: "@b:test"}},
			want:   "@b:test",
		},
		{
			name:   "first hero goes last",
			heroes: []types.MSC4186Hero{{UserID: "@b"}, {UserID: "@c"}, {UserID: "@a"}},
			want:   "@c, @a and @b",
		},
		{
			name:   "two heroes",
			heroes: []types.MSC4186Hero{{UserID: "@b", Displayname: "Bob"}, {UserID: "@c"}},
			want:   "@c and Bob",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, heroName(tt.heroes))
		})
	}
}

func TestBumpStamp(t *testing.T) {
	ev := func(eventType string, ts spec.Timestamp) storage.TimelineEvent {
		return storage.TimelineEvent{Event: synctypes.ClientEvent{Type: eventType, OriginServerTS: ts}}
	}
	assert.Nil(t, bumpStamp(nil))
	assert.Nil(t, bumpStamp([]storage.TimelineEvent{ev("m.room.topic", 10), ev("m.reaction", 20)}))

	stamp := bumpStamp([]storage.TimelineEvent{
		ev("m.room.message", 10),
		ev("m.sticker", 30),
		ev("m.room.topic", 50),
		ev("m.room.encrypted", 20),
	})
	require.NotNil(t, stamp)
	assert.Equal(t, spec.Timestamp(30), *stamp)

	assert.IsIncreasing(t, bumpEventTypes)
}

func TestPrevBatch(t *testing.T) {
	timeline := []storage.TimelineEvent{{Position: 7}, {Position: 9}}
	assert.Equal(t, "7", prevBatch(timeline, 3))
	assert.Equal(t, "3", prevBatch(nil, 3))
	assert.Equal(t, "", prevBatch(nil, 0))
	assert.Equal(t, "0", prevBatch([]storage.TimelineEvent{{Position: 7, Backfilled: true}}, 3))
}

func TestHeroesAndNaming(t *testing.T) {
	env := newTestEnv(t)

	// Unnamed room with lots of members: five heroes, in join order.
	env.createRoom("!big:localhost", alice)
	for i := 0; i < 10; i++ {
		userID := fmt.Sprintf("@user%d:localhost", i)
		env.state("!big:localhost", userID, spec.MRoomMember, userID, fmt.Sprintf(`{"membership":"join","displayname":"User %d"}`, i))
	}

	// A DM takes the other user's avatar.
	env.createRoom("!dm:localhost", alice)
	env.state("!dm:localhost", bob, spec.MRoomMember, bob, `{"membership":"join","displayname":"Bob","avatar_url":"mxc://localhost/bob"}`)

	// Named rooms use their own name and avatar.
	env.createRoom("!named:localhost", alice)
	env.state("!named:localhost", bob, spec.MRoomMember, bob, `{"membership":"join","avatar_url":"mxc://localhost/bob"}`)
	env.state("!named:localhost", alice, spec.MRoomName, "", `{"name":"Book club"}`)
	env.state("!named:localhost", alice, eventTypeRoomAvatar, "", `{"url":"mxc://localhost/books"}`)

	res := env.sync(t, aliceDevice, "", types.SlidingSyncRequest{Lists: allRoomsList(10, 1)})

	big := res.Rooms["!big:localhost"]
	require.Len(t, big.Heroes, 5)
	for i, hero := range big.Heroes {
		assert.Equal(t, fmt.Sprintf("@user%d:localhost", i), hero.UserID)
	}
	assert.Equal(t, "User 1, User 2, User 3, User 4 and User 0", big.Name)
	assert.Empty(t, big.Avatar)
	assert.Equal(t, 11, big.JoinedCount)

	dm := res.Rooms["!dm:localhost"]
	require.Len(t, dm.Heroes, 1)
	assert.Equal(t, "Bob", dm.Name)
	assert.Equal(t, "mxc://localhost/bob", dm.Avatar)

	named := res.Rooms["!named:localhost"]
	assert.Empty(t, named.Heroes)
	assert.Equal(t, "Book club", named.Name)
	assert.Equal(t, "mxc://localhost/books", named.Avatar)
}

func TestRequiredState(t *testing.T) {
	env := newTestEnv(t)
	env.createRoom("!a:localhost", alice)
	env.membership("!a:localhost", bob, spec.Join)
	env.state("!a:localhost", alice, spec.MRoomName, "", `{"name":"A"}`)

	res := env.sync(t, aliceDevice, "", types.SlidingSyncRequest{
		Lists: map[string]types.SlidingListConfig{
			"all": {
				Ranges: []types.Range{{0, 10}},
				RequiredState: types.RequiredState{
					{spec.MRoomMember, "$ME"},
					{spec.MRoomName, ""},
					{"m.room.topic", ""},
				},
			},
		},
		RoomSubscriptions: map[string]types.RoomSubscriptionConfig{
			"!a:localhost": {RequiredState: types.RequiredState{{spec.MRoomMember, "*"}}},
		},
	})

	room := res.Rooms["!a:localhost"]
	var got []string
	for _, ev := range room.RequiredState {
		got = append(got, ev.Type+"|"+*ev.StateKey)
	}
	// Alice's member event is matched by both $ME and * but only sent once,
	// and the missing topic is left out.
	assert.ElementsMatch(t, []string{
		spec.MRoomMember + "|" + alice,
		spec.MRoomMember + "|" + bob,
		spec.MRoomName + "|",
	}, got)
	assert.Empty(t, room.Timeline)
}

func TestInvitedRoom(t *testing.T) {
	env := newTestEnv(t)
	env.createRoom("!invite:localhost", bob)
	env.state("!invite:localhost", bob, spec.MRoomMember, alice, `{"membership":"invite"}`)
	nameKey := ""
	env.db.SetInviteState(alice, "!invite:localhost", []synctypes.ClientEvent{
		{Type: spec.MRoomName, StateKey: &nameKey, Sender: bob, Content: spec.RawJSON(`{"name":"Secret"}`)},
	})
	env.createRoom("!joined:localhost", alice)

	res := env.sync(t, aliceDevice, "", types.SlidingSyncRequest{
		Lists: map[string]types.SlidingListConfig{
			"invites": {Ranges: []types.Range{{0, 10}}, TimelineLimit: intPtr(10), Filters: &types.SlidingRoomFilter{IsInvite: boolPtr(true)}},
			"joined":  {Ranges: []types.Range{{0, 10}}, TimelineLimit: intPtr(10), Filters: &types.SlidingRoomFilter{IsInvite: boolPtr(false)}},
		},
	})
	assert.Equal(t, 1, res.Lists["invites"].Count)
	assert.Equal(t, 1, res.Lists["joined"].Count)

	invite := res.Rooms["!invite:localhost"]
	assert.True(t, invite.Limited)
	assert.Empty(t, invite.Timeline)
	require.Len(t, invite.InviteState, 1)
	assert.Equal(t, spec.MRoomName, invite.InviteState[0].Type)
	assert.Equal(t, 1, invite.InvitedCount)

	joined := res.Rooms["!joined:localhost"]
	assert.Empty(t, joined.InviteState)
	assert.NotEmpty(t, joined.Timeline)
}

func TestRoomTypeFilters(t *testing.T) {
	env := newTestEnv(t)
	env.createRoom("!chat:localhost", alice)
	env.state("!space:localhost", alice, eventTypeRoomCreate, "", `{"creator":"`+alice+`","type":"m.space"}`)
	env.membership("!space:localhost", alice, spec.Join)

	res := env.sync(t, aliceDevice, "", types.SlidingSyncRequest{
		Lists: map[string]types.SlidingListConfig{
			"spaces":    {Ranges: []types.Range{{0, 10}}, Filters: &types.SlidingRoomFilter{RoomTypes: []string{"m.space"}}},
			"no_spaces": {Ranges: []types.Range{{0, 10}}, Filters: &types.SlidingRoomFilter{NotRoomTypes: []string{"m.space"}}},
			"untyped":   {Ranges: []types.Range{{0, 10}}, Filters: &types.SlidingRoomFilter{RoomTypes: []string{""}}},
		},
	})
	assert.Equal(t, 1, res.Lists["spaces"].Count)
	assert.Equal(t, 1, res.Lists["no_spaces"].Count)
	assert.Equal(t, 1, res.Lists["untyped"].Count)
}

func TestIgnoredUsersAreFiltered(t *testing.T) {
	env := newTestEnv(t)
	env.createRoom("!a:localhost", alice)
	env.membership("!a:localhost", bob, spec.Join)
	env.membership("!a:localhost", carol, spec.Join)
	env.db.IgnoreUser(alice, bob)

	res := env.sync(t, aliceDevice, "", types.SlidingSyncRequest{Lists: allRoomsList(10, 10)})
	env.message("!a:localhost", bob, 1)
	env.message("!a:localhost", carol, 2)
	env.db.AddReceipt("!a:localhost", storage.Receipt{UserID: bob, EventID: "$x", Type: "m.read", Timestamp: 1})
	env.db.AddReceipt("!a:localhost", storage.Receipt{UserID: carol, EventID: "$y", Type: "m.read", Timestamp: 2})

	res = env.sync(t, aliceDevice, res.Pos, types.SlidingSyncRequest{Lists: allRoomsList(10, 10)})
	room := res.Rooms["!a:localhost"]
	require.Len(t, room.Timeline, 1)
	assert.Equal(t, carol, room.Timeline[0].Sender)

	receipt, ok := res.Extensions.Receipts.Rooms["!a:localhost"]
	require.True(t, ok)
	assert.Equal(t, eventTypeReceipt, receipt.Type)
	content := receiptContent(t, receipt)
	assert.NotContains(t, content, "$x")
	assert.Equal(t, spec.Timestamp(2), content["$y"]["m.read"][carol].TS)
}

func receiptContent(t *testing.T, ev synctypes.ClientEvent) map[string]map[string]map[string]receiptTS {
	t.Helper()
	var content map[string]map[string]map[string]receiptTS
	require.NoError(t, json.Unmarshal(ev.Content, &content))
	return content
}

func TestReceiptsAloneKeepRoomInResponse(t *testing.T) {
	env := newTestEnv(t)
	env.createRoom("!a:localhost", alice)

	res := env.sync(t, aliceDevice, "", types.SlidingSyncRequest{Lists: allRoomsList(10, 10)})
	env.db.SetPrivateReadReceipt("!a:localhost", storage.Receipt{UserID: alice, EventID: "$mine", Type: "m.read.private", Timestamp: 9})

	res = env.sync(t, aliceDevice, res.Pos, types.SlidingSyncRequest{Lists: allRoomsList(10, 10)})
	require.Contains(t, res.Rooms, "!a:localhost")
	assert.Empty(t, res.Rooms["!a:localhost"].Timeline)
	receipt := res.Extensions.Receipts.Rooms["!a:localhost"]
	assert.Equal(t, spec.Timestamp(9), receiptContent(t, receipt)["$mine"]["m.read.private"][alice].TS)
}

func TestReceiptsAfterNextBatchWaitForTheNextResponse(t *testing.T) {
	env := newTestEnv(t)
	env.createRoom("!a:localhost", alice)
	env.membership("!a:localhost", bob, spec.Join)
	ctx := context.Background()

	env.db.AddReceipt("!a:localhost", storage.Receipt{UserID: bob, EventID: "$early", Type: "m.read", Timestamp: 1})
	nextBatch := env.counter.Next()
	env.db.AddReceipt("!a:localhost", storage.Receipt{UserID: bob, EventID: "$late", Type: "m.read", Timestamp: 2})
	env.db.SetPrivateReadReceipt("!a:localhost", storage.Receipt{UserID: alice, EventID: "$late", Type: "m.read.private", Timestamp: 3})

	receipt := env.rp.roomReceipts(ctx, alice, "!a:localhost", 0, nextBatch)
	require.NotNil(t, receipt)
	content := receiptContent(t, *receipt)
	assert.Contains(t, content, "$early")
	assert.NotContains(t, content, "$late")

	receipt = env.rp.roomReceipts(ctx, alice, "!a:localhost", nextBatch, env.counter.Current())
	require.NotNil(t, receipt)
	content = receiptContent(t, *receipt)
	assert.NotContains(t, content, "$early")
	assert.Equal(t, spec.Timestamp(2), content["$late"]["m.read"][bob].TS)
	assert.Equal(t, spec.Timestamp(3), content["$late"]["m.read.private"][alice].TS)
}

func TestUnreadCountsAreClamped(t *testing.T) {
	env := newTestEnv(t)
	env.createRoom("!a:localhost", alice)
	env.db.SetNotificationCounts(alice, "!a:localhost", 1<<60, 3)

	res := env.sync(t, aliceDevice, "", types.SlidingSyncRequest{Lists: allRoomsList(10, 1)})
	counts := res.Rooms["!a:localhost"].UnreadNotifications
	assert.Equal(t, uint64(maxSafeInteger), counts.NotificationCount)
	assert.Equal(t, uint64(3), counts.HighlightCount)
}
