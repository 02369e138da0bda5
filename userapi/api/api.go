// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package api

import (
	"context"
)

// AccountType distinguishes ordinary users from administrators.
type AccountType int

const (
	// AccountTypeUser indicates this is a user account
	AccountTypeUser AccountType = 1
	// AccountTypeAdmin indicates this is an admin account
	AccountTypeAdmin AccountType = 3
)

// Device represents a client's device (mobile, web, etc)
type Device struct {
	ID     string
	UserID string
	// The access_token granted to this device.
	// This uniquely identifies the device from all other devices and clients.
	AccessToken string
	DisplayName string
	AccountType AccountType
}

// QueryAccessTokenRequest is the request for QueryAccessToken
type QueryAccessTokenRequest struct {
	AccessToken string
}

// QueryAccessTokenResponse is the response for QueryAccessToken
type QueryAccessTokenResponse struct {
	Device *Device
	Err    string // e.g ErrorForbidden
}

// QueryAcccessTokenAPI resolves access tokens to devices.
type QueryAcccessTokenAPI interface {
	QueryAccessToken(ctx context.Context, req *QueryAccessTokenRequest, res *QueryAccessTokenResponse) error
}

// UserInternalAPI is the surface other components use to authenticate
// requests and to provision devices.
type UserInternalAPI interface {
	QueryAcccessTokenAPI
	RegisterDevice(device *Device)
}
