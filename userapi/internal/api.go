// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"
	"sync"

	"github.com/element-hq/slidingsync/setup/config"
	"github.com/element-hq/slidingsync/userapi/api"
)

// UserInternalAPI resolves access tokens against the devices it was told
// about, either from configuration or through RegisterDevice.
type UserInternalAPI struct {
	mu      sync.RWMutex
	devices map[string]*api.Device
}

func NewUserInternalAPI(cfg *config.ClientAPI) *UserInternalAPI {
	a := &UserInternalAPI{devices: map[string]*api.Device{}}
	for _, d := range cfg.StaticDevices {
		accountType := api.AccountTypeUser
		if d.Admin {
			accountType = api.AccountTypeAdmin
		}
		a.RegisterDevice(&api.Device{
			ID:          d.DeviceID,
			UserID:      d.UserID,
			AccessToken: d.AccessToken,
			AccountType: accountType,
		})
	}
	return a
}

// RegisterDevice makes the device's access token valid.
func (a *UserInternalAPI) RegisterDevice(device *api.Device) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.devices[device.AccessToken] = device
}

func (a *UserInternalAPI) QueryAccessToken(ctx context.Context, req *api.QueryAccessTokenRequest, res *api.QueryAccessTokenResponse) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if device, ok := a.devices[req.AccessToken]; ok {
		res.Device = device
	}
	return nil
}
