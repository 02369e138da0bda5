package routing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/slidingsync/setup/config"
	"github.com/element-hq/slidingsync/syncapi/storage/inmemory"
	"github.com/element-hq/slidingsync/syncapi/synctypes"
	"github.com/element-hq/slidingsync/syncapi/types"
	userapi "github.com/element-hq/slidingsync/userapi/api"
)

const (
	testRoomID = "!room:test"
	alice      = "@alice:test"
	bob        = "@bob:test"
)

type typingCall struct {
	userID, roomID string
	typing         bool
	timeout        time.Time
}

type recordingTyping struct {
	calls []typingCall
}

func (r *recordingTyping) StartTyping(ctx context.Context, userID, roomID string, timeout time.Time) types.StreamPosition {
	r.calls = append(r.calls, typingCall{userID: userID, roomID: roomID, typing: true, timeout: timeout})
	return types.StreamPosition(len(r.calls))
}

func (r *recordingTyping) StopTyping(ctx context.Context, userID, roomID string) types.StreamPosition {
	r.calls = append(r.calls, typingCall{userID: userID, roomID: roomID})
	return types.StreamPosition(len(r.calls))
}

type counter struct{ pos types.StreamPosition }

func (c *counter) Next() types.StreamPosition {
	c.pos++
	return c.pos
}

func newMembershipDB(t *testing.T) *inmemory.Database {
	t.Helper()
	db := inmemory.NewDatabase(&counter{})
	for userID, membership := range map[string]string{alice: spec.Join, bob: spec.Leave} {
		stateKey := userID
		db.SendEvent(synctypes.ClientEvent{
			EventID:  "$" + membership,
			RoomID:   testRoomID,
			Sender:   userID,
			Type:     spec.MRoomMember,
			StateKey: &stateKey,
			Content:  spec.RawJSON(`{"membership":"` + membership + `"}`),
		})
	}
	return db
}

func typingConfig() *config.SyncAPI {
	cfg := &config.Dendrite{}
	cfg.Defaults(config.DefaultOpts{SingleDatabase: true})
	return &cfg.SyncAPI
}

func TestSendTyping(t *testing.T) {
	db := newMembershipDB(t)
	cfg := typingConfig()

	tests := []struct {
		name     string
		device   *userapi.Device
		userID   string
		body     string
		wantCode int
		wantCall *typingCall
		// expected timeout relative to the request
		wantTimeout time.Duration
	}{
		{
			name:        "start typing",
			device:      &userapi.Device{UserID: alice},
			userID:      alice,
			body:        `{"typing":true,"timeout":10000}`,
			wantCode:    http.StatusOK,
			wantCall:    &typingCall{userID: alice, roomID: testRoomID, typing: true},
			wantTimeout: 10 * time.Second,
		},
		{
			name:        "timeout is capped",
			device:      &userapi.Device{UserID: alice},
			userID:      alice,
			body:        `{"typing":true,"timeout":99999999}`,
			wantCode:    http.StatusOK,
			wantCall:    &typingCall{userID: alice, roomID: testRoomID, typing: true},
			wantTimeout: cfg.TypingTimeout(cfg.Typing.MaxTimeoutMS),
		},
		{
			name:        "default timeout",
			device:      &userapi.Device{UserID: alice},
			userID:      alice,
			body:        `{"typing":true}`,
			wantCode:    http.StatusOK,
			wantCall:    &typingCall{userID: alice, roomID: testRoomID, typing: true},
			wantTimeout: cfg.TypingTimeout(0),
		},
		{
			name:     "stop typing",
			device:   &userapi.Device{UserID: alice},
			userID:   alice,
			body:     `{"typing":false}`,
			wantCode: http.StatusOK,
			wantCall: &typingCall{userID: alice, roomID: testRoomID},
		},
		{
			name:     "another user",
			device:   &userapi.Device{UserID: alice},
			userID:   bob,
			body:     `{"typing":true}`,
			wantCode: http.StatusForbidden,
		},
		{
			name:     "not joined",
			device:   &userapi.Device{UserID: bob},
			userID:   bob,
			body:     `{"typing":true}`,
			wantCode: http.StatusForbidden,
		},
		{
			name:     "bad json",
			device:   &userapi.Device{UserID: alice},
			userID:   alice,
			body:     `{"typing":`,
			wantCode: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			typingAPI := &recordingTyping{}
			req := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(tt.body))
			before := time.Now()
			res := SendTyping(req, tt.device, testRoomID, tt.userID, cfg, db, typingAPI)
			assert.Equal(t, tt.wantCode, res.Code)

			if tt.wantCall == nil {
				assert.Empty(t, typingAPI.calls)
				return
			}
			require.Len(t, typingAPI.calls, 1)
			got := typingAPI.calls[0]
			assert.Equal(t, tt.wantCall.userID, got.userID)
			assert.Equal(t, tt.wantCall.roomID, got.roomID)
			assert.Equal(t, tt.wantCall.typing, got.typing)
			if tt.wantTimeout > 0 {
				assert.WithinDuration(t, before.Add(tt.wantTimeout), got.timeout, time.Second)
			}
		})
	}
}
