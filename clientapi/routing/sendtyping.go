// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/tidwall/gjson"

	"github.com/element-hq/slidingsync/clientapi/httputil"
	"github.com/element-hq/slidingsync/setup/config"
	"github.com/element-hq/slidingsync/syncapi/storage"
	"github.com/element-hq/slidingsync/syncapi/types"
	userapi "github.com/element-hq/slidingsync/userapi/api"
)

type typingContentJSON struct {
	Typing  bool  `json:"typing"`
	Timeout int64 `json:"timeout"`
}

// TypingAPI is the part of the typing registry clients write to.
type TypingAPI interface {
	StartTyping(ctx context.Context, userID, roomID string, timeout time.Time) types.StreamPosition
	StopTyping(ctx context.Context, userID, roomID string) types.StreamPosition
}

// SendTyping handles PUT /rooms/{roomID}/typing/{userID}
// and updates the typing registry.
func SendTyping(
	req *http.Request, device *userapi.Device, roomID string,
	userID string, cfg *config.SyncAPI, state storage.StateAccessor,
	typingAPI TypingAPI,
) util.JSONResponse {
	if device.UserID != userID {
		return util.JSONResponse{
			Code: http.StatusForbidden,
			JSON: spec.Forbidden("Cannot set another user's typing state"),
		}
	}

	// Verify that the user is a member of this room
	if resErr := checkMemberInRoom(req.Context(), state, userID, roomID); resErr != nil {
		return *resErr
	}

	// parse the incoming http request
	var r typingContentJSON
	if resErr := httputil.UnmarshalJSONRequest(req, &r); resErr != nil {
		return *resErr
	}

	if r.Typing {
		typingAPI.StartTyping(req.Context(), userID, roomID, time.Now().Add(cfg.TypingTimeout(r.Timeout)))
	} else {
		typingAPI.StopTyping(req.Context(), userID, roomID)
	}

	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: struct{}{},
	}
}

func checkMemberInRoom(ctx context.Context, state storage.StateAccessor, userID, roomID string) *util.JSONResponse {
	ev, err := state.RoomStateGet(ctx, roomID, spec.MRoomMember, userID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		util.GetLogger(ctx).WithError(err).Error("failed to get membership")
		return &util.JSONResponse{
			Code: http.StatusInternalServerError,
			JSON: spec.InternalServerError{},
		}
	default:
		if gjson.GetBytes(ev.Content, "membership").Str == spec.Join {
			return nil
		}
	}
	return &util.JSONResponse{
		Code: http.StatusForbidden,
		JSON: spec.Forbidden("user does not belong to room"),
	}
}
