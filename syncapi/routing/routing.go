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
	"github.com/element-hq/slidingsync/syncapi/sync"
	userapi "github.com/element-hq/slidingsync/userapi/api"
)

// Setup registers the sliding sync endpoint on the client API mux.
func Setup(
	csMux *mux.Router,
	srp *sync.RequestPool,
	userAPI userapi.QueryAcccessTokenAPI,
	rateLimits *httputil.RateLimits,
) {
	unstableMux := csMux.PathPrefix("/unstable").Subrouter()

	unstableMux.Handle("/org.matrix.simplified_msc3575/sync",
		httputil.MakeAuthAPI("sliding_sync", userAPI, func(req *http.Request, device *userapi.Device) util.JSONResponse {
			if r := rateLimits.Limit(req, device); r != nil {
				return *r
			}
			return srp.OnIncomingSlidingSyncRequest(req, device)
		}),
	).Methods(http.MethodPost, http.MethodOptions)
}
