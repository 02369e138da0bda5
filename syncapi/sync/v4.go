// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/element-hq/slidingsync/clientapi/httputil"
	"github.com/element-hq/slidingsync/internal"
	"github.com/element-hq/slidingsync/internal/caching"
	"github.com/element-hq/slidingsync/setup/config"
	"github.com/element-hq/slidingsync/syncapi/notifier"
	"github.com/element-hq/slidingsync/syncapi/storage"
	"github.com/element-hq/slidingsync/syncapi/types"
	userapi "github.com/element-hq/slidingsync/userapi/api"
)

// ErrUnknownPos is returned when a client continues a connection that the
// server has no data for, e.g. after a restart or once it expired.
var ErrUnknownPos = errors.New("connection data unknown to server")

const errorUnknownPos spec.MatrixErrorCode = "M_UNKNOWN_POS"

// TypingAPI is the part of the typing registry sliding sync reads from.
type TypingAPI interface {
	TypingUsersFor(ctx context.Context, roomID, requester string) ([]string, error)
}

// PositionSource allocates stream positions.
type PositionSource interface {
	Next() types.StreamPosition
}

// RequestPool manages sliding sync requests.
type RequestPool struct {
	cfg         *config.SyncAPI
	db          storage.Database
	connections *caching.ConnectionCache
	typing      TypingAPI
	notifier    *notifier.Notifier
	counter     PositionSource
}

// NewRequestPool makes a new RequestPool
func NewRequestPool(
	cfg *config.SyncAPI,
	db storage.Database,
	connections *caching.ConnectionCache,
	typing TypingAPI,
	n *notifier.Notifier,
	counter PositionSource,
) *RequestPool {
	return &RequestPool{
		cfg:         cfg,
		db:          db,
		connections: connections,
		typing:      typing,
		notifier:    n,
		counter:     counter,
	}
}

// syncRequest carries everything about the current request that the
// individual steps need.
type syncRequest struct {
	device    *userapi.Device
	key       types.ConnectionKey
	since     types.StreamPosition
	nextBatch types.StreamPosition
	body      types.SlidingSyncRequest
	known     types.KnownRooms
}

func (s *syncRequest) userID() string { return s.device.UserID }

// roomSets are the rooms the user has some membership in. all is joined,
// then invited, then knocked.
type roomSets struct {
	joined  []string
	invited []string
	knocked []string
	all     []string

	invitedSet map[string]struct{}
}

func (r *roomSets) isInvited(roomID string) bool {
	_, ok := r.invitedSet[roomID]
	return ok
}

// OnIncomingSlidingSyncRequest handles POST requests to the simplified
// sliding sync endpoint.
func (rp *RequestPool) OnIncomingSlidingSyncRequest(req *http.Request, device *userapi.Device) util.JSONResponse {
	trace, ctx := internal.StartTask(req.Context(), "SlidingSync")
	defer trace.EndTask()
	trace.SetTag("user_id", device.UserID)
	trace.SetTag("device_id", device.ID)

	var body types.SlidingSyncRequest
	raw, err := io.ReadAll(req.Body)
	if err != nil {
		util.GetLogger(ctx).WithError(err).Error("io.ReadAll failed")
		return util.JSONResponse{
			Code: http.StatusInternalServerError,
			JSON: spec.InternalServerError{},
		}
	}
	if len(raw) > 0 {
		if resErr := httputil.UnmarshalJSON(raw, &body); resErr != nil {
			return *resErr
		}
	}

	// pos and timeout may also be given as query parameters, which win
	query := req.URL.Query()
	if pos := query.Get("pos"); pos != "" {
		body.Pos = pos
	}
	if timeoutQuery := query.Get("timeout"); timeoutQuery != "" {
		timeout, parseErr := strconv.ParseInt(timeoutQuery, 10, 64)
		if parseErr != nil || timeout < 0 {
			return util.JSONResponse{
				Code: http.StatusBadRequest,
				JSON: spec.InvalidParam("timeout must be a non-negative integer"),
			}
		}
		body.Timeout = &timeout
	}
	since, err := types.ParseStreamPosition(body.Pos)
	if err != nil {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.InvalidParam(err.Error()),
		}
	}
	trace.SetTag("conn_id", body.ConnID)

	res, err := rp.SlidingSync(ctx, device, since, body)
	switch {
	case errors.Is(err, ErrUnknownPos):
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.MatrixError{
				ErrCode: errorUnknownPos,
				Err:     "Connection data unknown to server; restarting sync stream.",
			},
		}
	case err != nil:
		util.GetLogger(ctx).WithError(err).Error("[SLIDING_SYNC] Failed to build response")
		return util.JSONResponse{
			Code: http.StatusInternalServerError,
			JSON: spec.InternalServerError{},
		}
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: res,
	}
}

// SlidingSync computes the response for one request on a connection. since
// is the position the client presented, 0 for a fresh connection.
func (rp *RequestPool) SlidingSync(
	ctx context.Context, device *userapi.Device, since types.StreamPosition, body types.SlidingSyncRequest,
) (*types.SlidingSyncResponse, error) {
	start := time.Now()
	logger := logrus.WithFields(logrus.Fields{
		"user_id":   device.UserID,
		"device_id": device.ID,
		"conn_id":   body.ConnID,
		"since":     since,
	})

	// Start listening before the position is allocated, so that anything
	// written after it wakes us up.
	listener := rp.notifier.Listen(device.UserID, device.ID, subscriptionRoomIDs(body.RoomSubscriptions))
	defer listener.Close()

	nextBatch := rp.counter.Next()
	key := types.ConnectionKey{UserID: device.UserID, DeviceID: device.ID, ConnID: body.ConnID}

	if since != 0 && !rp.connections.Exists(key) {
		logger.Debug("[SLIDING_SYNC] Unknown connection")
		return nil, ErrUnknownPos
	}
	if since == 0 {
		rp.connections.Forget(key)
	}

	sr := &syncRequest{
		device:    device,
		key:       key,
		since:     since,
		nextBatch: nextBatch,
		body:      rp.connections.MergeRequest(key, body),
	}
	sr.known = rp.connections.KnownRooms(key)

	sets, err := rp.loadRoomSets(ctx, device.UserID)
	if err != nil {
		return nil, err
	}

	res := &types.SlidingSyncResponse{
		Pos:   nextBatch.String(),
		TxnID: sr.body.TxnID,
		Lists: map[string]types.SlidingList{},
		Rooms: map[string]types.SlidingRoomData{},
	}

	extensionsRegion, extCtx := internal.StartRegion(ctx, "SlidingSync.Extensions")
	g, gctx := errgroup.WithContext(extCtx)
	g.Go(func() error {
		accountData, err := rp.collectAccountData(gctx, sr)
		res.Extensions.AccountData = accountData
		return err
	})
	g.Go(func() error {
		e2ee, err := rp.collectE2EE(gctx, sr, sets.joined)
		res.Extensions.E2EE = e2ee
		return err
	})
	g.Go(func() error {
		toDevice, err := rp.collectToDevice(gctx, sr)
		res.Extensions.ToDevice = toDevice
		return err
	})
	err = g.Wait()
	extensionsRegion.EndRegion()
	if err != nil {
		return nil, err
	}
	res.Extensions.Receipts = collectReceipts(sr)

	listsRegion, _ := internal.StartRegion(ctx, "SlidingSync.Lists")
	todo, listRooms := rp.handleLists(ctx, sr, sets, res)
	res.Extensions.Typing = rp.collectTyping(ctx, sr, sets.all)
	subscribed := rp.fetchSubscriptions(ctx, sr, todo)
	listsRegion.EndRegion()

	roomsRegion, roomsCtx := internal.StartRegion(ctx, "SlidingSync.Rooms")
	roomsRegion.SetTag("rooms", len(todo))
	failed := rp.processRooms(roomsCtx, sr, sets, todo, res)
	roomsRegion.EndRegion()

	for listName, roomIDs := range listRooms {
		rp.connections.UpdateKnownRooms(key, listName, roomIDs, nextBatch)
	}
	rp.connections.UpdateKnownRooms(key, types.SubscriptionsListName, subscribed, nextBatch)
	for _, roomID := range failed {
		rp.connections.InvalidateRoom(key, roomID)
	}

	built := time.Since(start)
	if responseIsEmpty(res) {
		rp.waitForChanges(ctx, listener, sr.body.Timeout)
	}

	observeSyncMetrics(since == 0, time.Since(start), built)
	logger.WithFields(logrus.Fields{
		"pos":   res.Pos,
		"lists": len(res.Lists),
		"rooms": len(res.Rooms),
	}).Debug("[SLIDING_SYNC] Responding")
	return res, nil
}

func (rp *RequestPool) loadRoomSets(ctx context.Context, userID string) (*roomSets, error) {
	sets := &roomSets{}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		sets.joined, err = rp.db.RoomsJoined(gctx, userID)
		return
	})
	g.Go(func() (err error) {
		sets.invited, err = rp.db.RoomsInvited(gctx, userID)
		return
	})
	g.Go(func() (err error) {
		sets.knocked, err = rp.db.RoomsKnocked(gctx, userID)
		return
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sets.all = make([]string, 0, len(sets.joined)+len(sets.invited)+len(sets.knocked))
	sets.all = append(sets.all, sets.joined...)
	sets.all = append(sets.all, sets.invited...)
	sets.all = append(sets.all, sets.knocked...)
	sets.invitedSet = make(map[string]struct{}, len(sets.invited))
	for _, roomID := range sets.invited {
		sets.invitedSet[roomID] = struct{}{}
	}
	return sets, nil
}

func subscriptionRoomIDs(subs map[string]types.RoomSubscriptionConfig) []string {
	if len(subs) == 0 {
		return nil
	}
	roomIDs := make([]string, 0, len(subs))
	for roomID := range subs {
		roomIDs = append(roomIDs, roomID)
	}
	return roomIDs
}
