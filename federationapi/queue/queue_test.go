package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/slidingsync/setup/config"
)

type recordingSender struct {
	mu      sync.Mutex
	sent    map[string][]string
	release chan struct{}
	err     error
}

func (s *recordingSender) SendEDU(ctx context.Context, roomID string, edu *gomatrixserverlib.EDU) error {
	if s.release != nil {
		<-s.release
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sent == nil {
		s.sent = map[string][]string{}
	}
	s.sent[roomID] = append(s.sent[roomID], string(edu.Content))
	return s.err
}

func (s *recordingSender) sentTo(roomID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent[roomID]...)
}

func edu(content string) *gomatrixserverlib.EDU {
	return &gomatrixserverlib.EDU{Type: "m.typing", Origin: "localhost", Content: []byte(content)}
}

func TestSendEDUToRoomKeepsRoomOrder(t *testing.T) {
	sender := &recordingSender{}
	oqs := NewOutgoingQueues(context.Background(), &config.FederationAPI{EDUQueueDepth: 16}, sender)

	want := []string{"1", "2", "3", "4"}
	for _, c := range want {
		require.NoError(t, oqs.SendEDUToRoom(context.Background(), "!a:localhost", edu(c)))
	}
	require.NoError(t, oqs.SendEDUToRoom(context.Background(), "!b:localhost", edu("x")))

	require.Eventually(t, func() bool {
		return len(sender.sentTo("!a:localhost")) == len(want) && len(sender.sentTo("!b:localhost")) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, want, sender.sentTo("!a:localhost"))
	require.Eventually(t, func() bool {
		return oqs.Pending("!a:localhost") == 0
	}, time.Second, 5*time.Millisecond)
}

func TestSendEDUToRoomBounded(t *testing.T) {
	sender := &recordingSender{release: make(chan struct{})}
	oqs := NewOutgoingQueues(context.Background(), &config.FederationAPI{EDUQueueDepth: 2}, sender)

	require.NoError(t, oqs.SendEDUToRoom(context.Background(), "!a:localhost", edu("1")))
	require.NoError(t, oqs.SendEDUToRoom(context.Background(), "!a:localhost", edu("2")))
	err := oqs.SendEDUToRoom(context.Background(), "!a:localhost", edu("3"))
	assert.True(t, errors.Is(err, ErrQueueFull))
	assert.Equal(t, 2, oqs.Pending("!a:localhost"))

	// Other rooms have their own budget.
	require.NoError(t, oqs.SendEDUToRoom(context.Background(), "!b:localhost", edu("1")))

	close(sender.release)
	require.Eventually(t, func() bool {
		return oqs.Pending("!a:localhost") == 0 && oqs.Pending("!b:localhost") == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"1", "2"}, sender.sentTo("!a:localhost"))
}

func TestSendEDUToRoomSenderFailure(t *testing.T) {
	sender := &recordingSender{err: errors.New("nats unavailable")}
	oqs := NewOutgoingQueues(context.Background(), &config.FederationAPI{EDUQueueDepth: 4}, sender)

	// Failures are the queue's problem, not the caller's.
	require.NoError(t, oqs.SendEDUToRoom(context.Background(), "!a:localhost", edu("1")))
	require.Eventually(t, func() bool {
		return len(sender.sentTo("!a:localhost")) == 1 && oqs.Pending("!a:localhost") == 0
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, oqs.SendEDUToRoom(context.Background(), "!a:localhost", edu("2")))
}

func TestSendEDUToRoomAfterShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sender := &recordingSender{}
	oqs := NewOutgoingQueues(ctx, &config.FederationAPI{EDUQueueDepth: 4}, sender)

	require.NoError(t, oqs.SendEDUToRoom(context.Background(), "!a:localhost", edu("1")))
	require.Eventually(t, func() bool {
		return oqs.Pending("!a:localhost") == 0
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, sender.sentTo("!a:localhost"))
}

func TestSendEDUToRoomNilEDU(t *testing.T) {
	oqs := NewOutgoingQueues(context.Background(), &config.FederationAPI{EDUQueueDepth: 4}, &recordingSender{})
	assert.Error(t, oqs.SendEDUToRoom(context.Background(), "!a:localhost", nil))
}
