package producers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/slidingsync/setup/jetstream"
)

type fakePublisher struct {
	msgs []*nats.Msg
	err  error
}

func (f *fakePublisher) PublishMsg(m *nats.Msg, _ ...nats.PubOpt) (*nats.PubAck, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.msgs = append(f.msgs, m)
	return &nats.PubAck{Stream: m.Subject, Sequence: uint64(len(f.msgs))}, nil
}

func TestSendEDU(t *testing.T) {
	js := &fakePublisher{}
	p := &EDUProducer{Topic: "DendriteOutputTypingEDU", JetStream: js}
	edu := &gomatrixserverlib.EDU{
		Type:    "m.typing",
		Origin:  "localhost",
		Content: []byte(`{"room_id":"!a:localhost","user_id":"@alice:localhost","typing":true}`),
	}
	require.NoError(t, p.SendEDU(context.Background(), "!a:localhost", edu))
	require.NoError(t, p.SendEDU(context.Background(), "!a:localhost", edu))
	require.Len(t, js.msgs, 2)

	msg := js.msgs[0]
	assert.Equal(t, "DendriteOutputTypingEDU", msg.Subject)
	assert.Equal(t, "!a:localhost", msg.Header.Get(jetstream.RoomID))
	assert.Equal(t, "localhost", msg.Header.Get(jetstream.Origin))
	assert.Equal(t, "m.typing", msg.Header.Get("type"))
	assert.NotEmpty(t, msg.Header.Get(nats.MsgIdHdr))
	// Every publish is distinct, so JetStream must not de-duplicate them.
	assert.NotEqual(t, msg.Header.Get(nats.MsgIdHdr), js.msgs[1].Header.Get(nats.MsgIdHdr))

	var got gomatrixserverlib.EDU
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, edu.Type, got.Type)
	assert.JSONEq(t, string(edu.Content), string(got.Content))
}

func TestSendEDUPublishFailure(t *testing.T) {
	cause := errors.New("no responders")
	p := &EDUProducer{Topic: "t", JetStream: &fakePublisher{err: cause}}
	err := p.SendEDU(context.Background(), "!a:localhost", &gomatrixserverlib.EDU{Type: "m.typing", Content: []byte(`{}`)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "!a:localhost")
}
