// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package userapi

import (
	"github.com/element-hq/slidingsync/setup/config"
	"github.com/element-hq/slidingsync/userapi/api"
	"github.com/element-hq/slidingsync/userapi/internal"
)

// NewInternalAPI returns a concrete implementation of the internal API. The
// devices listed in the client API configuration are usable immediately.
func NewInternalAPI(cfg *config.ClientAPI) api.UserInternalAPI {
	return internal.NewUserInternalAPI(cfg)
}
