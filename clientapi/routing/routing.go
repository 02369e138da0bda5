// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/matrix-org/util"

	"github.com/element-hq/slidingsync/internal/httputil"
	"github.com/element-hq/slidingsync/setup/config"
	"github.com/element-hq/slidingsync/syncapi/storage"
	userapi "github.com/element-hq/slidingsync/userapi/api"
)

// Setup registers the client API endpoints that feed the typing registry.
func Setup(
	csMux *mux.Router,
	cfg *config.Dendrite,
	userAPI userapi.QueryAcccessTokenAPI,
	state storage.StateAccessor,
	typingAPI TypingAPI,
	rateLimits *httputil.RateLimits,
) {
	v3mux := csMux.PathPrefix("/{apiversion:(?:r0|v3)}/").Subrouter()

	v3mux.Handle("/rooms/{roomID}/typing/{userID}",
		httputil.MakeAuthAPI("rooms_typing", userAPI, func(req *http.Request, device *userapi.Device) util.JSONResponse {
			if r := rateLimits.Limit(req, device); r != nil {
				return *r
			}
			vars, err := httputil.URLDecodeMapValues(mux.Vars(req))
			if err != nil {
				return util.ErrorResponse(err)
			}
			return SendTyping(req, device, vars["roomID"], vars["userID"], &cfg.SyncAPI, state, typingAPI)
		}),
	).Methods(http.MethodPut, http.MethodOptions)
}
