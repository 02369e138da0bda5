// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"sync"

	gocache "github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/element-hq/slidingsync/setup/config"
	"github.com/element-hq/slidingsync/syncapi/types"
)

var slidingSyncConnections = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "dendrite",
		Subsystem: "syncapi",
		Name:      "sliding_sync_connections",
		Help:      "Number of sliding sync connections currently remembered",
	},
)

var registerConnectionMetrics sync.Once

func init() {
	registerConnectionMetrics.Do(func() {
		prometheus.MustRegister(slidingSyncConnections)
	})
}

type connection struct {
	sync.Mutex
	request    types.SlidingSyncRequest
	knownRooms types.KnownRooms
}

// ConnectionCache remembers the sticky request parameters and the rooms
// already sent for every sliding sync connection. Connections that go
// unused for the configured idle TTL are forgotten.
type ConnectionCache struct {
	conns *gocache.Cache
}

func NewConnectionCache(cfg *config.SyncAPI) *ConnectionCache {
	ttl := cfg.ConnectionIdleTTL()
	c := &ConnectionCache{
		conns: gocache.New(ttl, ttl/2),
	}
	c.conns.OnEvicted(func(string, interface{}) {
		slidingSyncConnections.Set(float64(c.conns.ItemCount()))
	})
	return c
}

// Exists reports whether the connection is known. A new conn_id is unknown
// even if the same device has other connections.
func (c *ConnectionCache) Exists(key types.ConnectionKey) bool {
	_, ok := c.conns.Get(key.String())
	return ok
}

// Forget drops everything remembered about the connection.
func (c *ConnectionCache) Forget(key types.ConnectionKey) {
	c.conns.Delete(key.String())
}

// lookupOrInit returns the connection, creating it if needed, and resets
// its idle timer.
func (c *ConnectionCache) lookupOrInit(key types.ConnectionKey) *connection {
	k := key.String()
	if v, ok := c.conns.Get(k); ok {
		conn := v.(*connection)
		c.conns.SetDefault(k, conn)
		return conn
	}
	conn := &connection{knownRooms: types.KnownRooms{}}
	if err := c.conns.Add(k, conn, gocache.DefaultExpiration); err != nil {
		// Lost the race with another request on the same connection.
		if v, ok := c.conns.Get(k); ok {
			return v.(*connection)
		}
		c.conns.SetDefault(k, conn)
	}
	slidingSyncConnections.Set(float64(c.conns.ItemCount()))
	return conn
}

// MergeRequest folds the sticky parameters remembered for the connection
// into req, stores the result for the next request and returns it. Fields
// set in req win over remembered ones.
func (c *ConnectionCache) MergeRequest(key types.ConnectionKey, req types.SlidingSyncRequest) types.SlidingSyncRequest {
	conn := c.lookupOrInit(key)
	conn.Lock()
	defer conn.Unlock()

	cached := &conn.request
	if cached.Lists == nil {
		cached.Lists = map[string]types.SlidingListConfig{}
	}
	merged := req
	merged.Lists = make(map[string]types.SlidingListConfig, len(req.Lists))
	for name, list := range req.Lists {
		if old, ok := cached.Lists[name]; ok {
			list = mergeList(list, old)
		}
		merged.Lists[name] = list
		cached.Lists[name] = list
	}

	if cached.RoomSubscriptions == nil {
		cached.RoomSubscriptions = map[string]types.RoomSubscriptionConfig{}
	}
	for roomID, sub := range req.RoomSubscriptions {
		cached.RoomSubscriptions[roomID] = sub
	}
	merged.RoomSubscriptions = make(map[string]types.RoomSubscriptionConfig, len(cached.RoomSubscriptions))
	for roomID, sub := range cached.RoomSubscriptions {
		merged.RoomSubscriptions[roomID] = sub
	}

	merged.Extensions = mergeExtensions(req.Extensions, cached.Extensions)
	cached.Extensions = merged.Extensions
	return merged
}

func mergeList(list, old types.SlidingListConfig) types.SlidingListConfig {
	if list.RequiredState == nil {
		list.RequiredState = old.RequiredState
	}
	if list.TimelineLimit == nil {
		list.TimelineLimit = old.TimelineLimit
	}
	if list.IncludeHeroes == nil {
		list.IncludeHeroes = old.IncludeHeroes
	}
	if len(list.Ranges) == 0 {
		list.Ranges = old.Ranges
	}
	switch {
	case list.Filters == nil:
		list.Filters = old.Filters
	case old.Filters != nil:
		filters := *list.Filters
		if filters.IsInvite == nil {
			filters.IsInvite = old.Filters.IsInvite
		}
		if filters.RoomTypes == nil {
			filters.RoomTypes = old.Filters.RoomTypes
		}
		if filters.NotRoomTypes == nil {
			filters.NotRoomTypes = old.Filters.NotRoomTypes
		}
		list.Filters = &filters
	}
	return list
}

func mergeExtensions(ext, old types.ExtensionRequest) types.ExtensionRequest {
	ext.ToDevice.Enabled = orBool(ext.ToDevice.Enabled, old.ToDevice.Enabled)
	ext.E2EE.Enabled = orBool(ext.E2EE.Enabled, old.E2EE.Enabled)

	ext.AccountData.Enabled = orBool(ext.AccountData.Enabled, old.AccountData.Enabled)
	ext.AccountData.Lists = orStrings(ext.AccountData.Lists, old.AccountData.Lists)
	ext.AccountData.Rooms = orStrings(ext.AccountData.Rooms, old.AccountData.Rooms)

	ext.Receipts.Enabled = orBool(ext.Receipts.Enabled, old.Receipts.Enabled)
	ext.Receipts.Lists = orStrings(ext.Receipts.Lists, old.Receipts.Lists)
	ext.Receipts.Rooms = orStrings(ext.Receipts.Rooms, old.Receipts.Rooms)

	ext.Typing.Enabled = orBool(ext.Typing.Enabled, old.Typing.Enabled)
	ext.Typing.Lists = orStrings(ext.Typing.Lists, old.Typing.Lists)
	ext.Typing.Rooms = orStrings(ext.Typing.Rooms, old.Typing.Rooms)
	return ext
}

func orBool(v, fallback *bool) *bool {
	if v != nil {
		return v
	}
	return fallback
}

func orStrings(v, fallback []string) []string {
	if v != nil {
		return v
	}
	return fallback
}

// KnownRooms returns a copy of the rooms each list has sent.
func (c *ConnectionCache) KnownRooms(key types.ConnectionKey) types.KnownRooms {
	v, ok := c.conns.Get(key.String())
	if !ok {
		return types.KnownRooms{}
	}
	conn := v.(*connection)
	conn.Lock()
	defer conn.Unlock()
	return conn.knownRooms.Copy()
}

// UpdateKnownRooms records that the list now covers exactly roomIDs, each
// sent up to pos. Rooms that dropped out of the list are forgotten so they
// are sent in full if they come back.
func (c *ConnectionCache) UpdateKnownRooms(key types.ConnectionKey, listName string, roomIDs []string, pos types.StreamPosition) {
	conn := c.lookupOrInit(key)
	conn.Lock()
	defer conn.Unlock()
	rooms := make(map[string]types.StreamPosition, len(roomIDs))
	for _, roomID := range roomIDs {
		rooms[roomID] = pos
	}
	conn.knownRooms[listName] = rooms
}

// InvalidateRoom forgets the room in every list so that it is sent in full
// next time.
func (c *ConnectionCache) InvalidateRoom(key types.ConnectionKey, roomID string) {
	v, ok := c.conns.Get(key.String())
	if !ok {
		return
	}
	conn := v.(*connection)
	conn.Lock()
	defer conn.Unlock()
	for _, rooms := range conn.knownRooms {
		delete(rooms, roomID)
	}
}

// Count returns the number of remembered connections.
func (c *ConnectionCache) Count() int {
	return c.conns.ItemCount()
}
