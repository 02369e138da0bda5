package userapi_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/slidingsync/setup/config"
	"github.com/element-hq/slidingsync/userapi"
	"github.com/element-hq/slidingsync/userapi/api"
)

func TestNewInternalAPI(t *testing.T) {
	cfg := &config.ClientAPI{
		StaticDevices: []config.StaticDevice{
			{AccessToken: "static_token", UserID: "@bob:test", DeviceID: "BOB"},
		},
	}
	var userAPI api.UserInternalAPI = userapi.NewInternalAPI(cfg)
	userAPI.RegisterDevice(&api.Device{ID: "ALICE", UserID: "@alice:test", AccessToken: "alice_token"})

	for token, wantUser := range map[string]string{
		"static_token": "@bob:test",
		"alice_token":  "@alice:test",
	} {
		res := &api.QueryAccessTokenResponse{}
		require.NoError(t, userAPI.QueryAccessToken(context.Background(), &api.QueryAccessTokenRequest{AccessToken: token}, res))
		require.NotNil(t, res.Device, token)
		assert.Equal(t, wantUser, res.Device.UserID)
	}
}
