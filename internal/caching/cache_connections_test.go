package caching

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/slidingsync/setup/config"
	"github.com/element-hq/slidingsync/syncapi/types"
)

func newTestConnectionCache(t *testing.T, ttl time.Duration) *ConnectionCache {
	t.Helper()
	cfg := &config.SyncAPI{}
	cfg.Defaults(config.DefaultOpts{})
	cfg.ConnectionIdleTTLMS = ttl.Milliseconds()
	return NewConnectionCache(cfg)
}

func boolPtr(b bool) *bool { return &b }
func intPtr(i int) *int    { return &i }

func TestConnectionCache_ExistsIsPerConnID(t *testing.T) {
	t.Parallel()
	cache := newTestConnectionCache(t, time.Hour)
	first := types.ConnectionKey{UserID: "@alice:server", DeviceID: "DEV", ConnID: "main"}
	second := types.ConnectionKey{UserID: "@alice:server", DeviceID: "DEV", ConnID: "notifications"}

	assert.False(t, cache.Exists(first))
	cache.MergeRequest(first, types.SlidingSyncRequest{})
	assert.True(t, cache.Exists(first))
	assert.False(t, cache.Exists(second))

	empty := types.ConnectionKey{UserID: "@alice:server", DeviceID: "DEV"}
	cache.MergeRequest(empty, types.SlidingSyncRequest{})
	assert.True(t, cache.Exists(empty))

	cache.Forget(first)
	assert.False(t, cache.Exists(first))
	assert.True(t, cache.Exists(empty))
}

func TestConnectionCache_StickyLists(t *testing.T) {
	t.Parallel()
	cache := newTestConnectionCache(t, time.Hour)
	key := types.ConnectionKey{UserID: "@alice:server", DeviceID: "DEV"}

	cache.MergeRequest(key, types.SlidingSyncRequest{
		Lists: map[string]types.SlidingListConfig{
			"all": {
				Ranges:        []types.Range{{0, 19}},
				RequiredState: types.RequiredState{{"m.room.name", ""}},
				TimelineLimit: intPtr(10),
				Filters: &types.SlidingRoomFilter{
					IsInvite:     boolPtr(false),
					NotRoomTypes: []string{"m.space"},
				},
			},
		},
	})

	merged := cache.MergeRequest(key, types.SlidingSyncRequest{
		Pos: "5",
		Lists: map[string]types.SlidingListConfig{
			"all": {
				Ranges:  []types.Range{{0, 49}},
				Filters: &types.SlidingRoomFilter{RoomTypes: []string{"m.space"}},
			},
		},
	})

	want := types.SlidingListConfig{
		Ranges:        []types.Range{{0, 49}},
		RequiredState: types.RequiredState{{"m.room.name", ""}},
		TimelineLimit: intPtr(10),
		Filters: &types.SlidingRoomFilter{
			IsInvite:     boolPtr(false),
			RoomTypes:    []string{"m.space"},
			NotRoomTypes: []string{"m.space"},
		},
	}
	if diff := cmp.Diff(want, merged.Lists["all"]); diff != "" {
		t.Errorf("merged list mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "5", merged.Pos)

	// A list that isn't sent isn't processed, but is still remembered.
	merged = cache.MergeRequest(key, types.SlidingSyncRequest{})
	assert.Empty(t, merged.Lists)
	merged = cache.MergeRequest(key, types.SlidingSyncRequest{
		Lists: map[string]types.SlidingListConfig{"all": {}},
	})
	assert.Equal(t, []types.Range{{0, 49}}, merged.Lists["all"].Ranges)

	// An explicit null from the client inherits like an absent field.
	var req types.SlidingSyncRequest
	require.NoError(t, json.Unmarshal([]byte(`{"lists":{"all":{"required_state":null}}}`), &req))
	merged = cache.MergeRequest(key, req)
	assert.Equal(t, types.RequiredState{{"m.room.name", ""}}, merged.Lists["all"].RequiredState)
}

func TestConnectionCache_StickySubscriptionsAndExtensions(t *testing.T) {
	t.Parallel()
	cache := newTestConnectionCache(t, time.Hour)
	key := types.ConnectionKey{UserID: "@alice:server", DeviceID: "DEV"}

	first := types.SlidingSyncRequest{
		RoomSubscriptions: map[string]types.RoomSubscriptionConfig{"!a:server": {TimelineLimit: 1}},
	}
	first.Extensions.E2EE.Enabled = boolPtr(true)
	first.Extensions.Typing.Enabled = boolPtr(true)
	first.Extensions.Typing.Rooms = []string{"!a:server"}
	cache.MergeRequest(key, first)

	second := types.SlidingSyncRequest{
		RoomSubscriptions: map[string]types.RoomSubscriptionConfig{"!b:server": {TimelineLimit: 2}},
	}
	second.Extensions.Typing.Enabled = boolPtr(false)
	merged := cache.MergeRequest(key, second)

	assert.Len(t, merged.RoomSubscriptions, 2)
	assert.Equal(t, 2, merged.RoomSubscriptions["!b:server"].TimelineLimit)
	assert.True(t, types.IsEnabled(merged.Extensions.E2EE.Enabled))
	assert.False(t, types.IsEnabled(merged.Extensions.Typing.Enabled))
	assert.Equal(t, []string{"!a:server"}, merged.Extensions.Typing.Rooms)
	assert.False(t, types.IsEnabled(merged.Extensions.ToDevice.Enabled))
}

func TestConnectionCache_KnownRooms(t *testing.T) {
	t.Parallel()
	cache := newTestConnectionCache(t, time.Hour)
	key := types.ConnectionKey{UserID: "@alice:server", DeviceID: "DEV"}

	assert.Empty(t, cache.KnownRooms(key))

	cache.UpdateKnownRooms(key, "all", []string{"!a", "!b"}, 10)
	cache.UpdateKnownRooms(key, types.SubscriptionsListName, []string{"!b"}, 10)
	known := cache.KnownRooms(key)
	assert.Equal(t, types.StreamPosition(10), known.Watermark("all", "!a"))

	// The copy is detached from the cache.
	known["all"]["!a"] = 99
	assert.Equal(t, types.StreamPosition(10), cache.KnownRooms(key).Watermark("all", "!a"))

	cache.UpdateKnownRooms(key, "all", []string{"!b", "!c"}, 20)
	known = cache.KnownRooms(key)
	assert.Equal(t, types.StreamPosition(0), known.Watermark("all", "!a"))
	assert.Equal(t, types.StreamPosition(20), known.Watermark("all", "!b"))
	assert.Equal(t, types.StreamPosition(20), known.Watermark("all", "!c"))

	cache.InvalidateRoom(key, "!b")
	known = cache.KnownRooms(key)
	assert.Equal(t, types.StreamPosition(0), known.Watermark("all", "!b"))
	assert.Equal(t, types.StreamPosition(0), known.Watermark(types.SubscriptionsListName, "!b"))
	assert.Equal(t, types.StreamPosition(20), known.Watermark("all", "!c"))

	cache.Forget(key)
	assert.Empty(t, cache.KnownRooms(key))
}

func TestConnectionCache_IdleExpiry(t *testing.T) {
	t.Parallel()
	cache := newTestConnectionCache(t, 50*time.Millisecond)
	key := types.ConnectionKey{UserID: "@alice:server", DeviceID: "DEV"}

	cache.MergeRequest(key, types.SlidingSyncRequest{})
	require.True(t, cache.Exists(key))
	require.Eventually(t, func() bool {
		return !cache.Exists(key)
	}, time.Second, 10*time.Millisecond)
}
