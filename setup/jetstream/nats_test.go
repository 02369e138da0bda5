package jetstream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/slidingsync/setup/config"
)

func testJetStreamConfig(t *testing.T) *config.JetStream {
	cfg := &config.JetStream{}
	cfg.Defaults(config.DefaultOpts{SingleDatabase: true})
	cfg.StoragePath = t.TempDir()
	cfg.TopicPrefix = "Test"
	return cfg
}

func TestPrepareCreatesStreams(t *testing.T) {
	cfg := testJetStreamConfig(t)
	var natsInstance NATSInstance
	t.Cleanup(natsInstance.Close)

	js, nc, err := natsInstance.Prepare(cfg)
	require.NoError(t, err)
	require.NotNil(t, nc)
	for _, stream := range streams {
		info, err := js.StreamInfo(cfg.Prefixed(stream.Name))
		require.NoError(t, err, stream.Name)
		assert.Equal(t, nats.MemoryStorage, info.Config.Storage)
	}

	// Preparing again hands back the same connection.
	js2, nc2, err := natsInstance.Prepare(cfg)
	require.NoError(t, err)
	assert.Same(t, nc, nc2)
	assert.Equal(t, js, js2)
}

func TestJetStreamConsumer(t *testing.T) {
	cfg := testJetStreamConfig(t)
	var natsInstance NATSInstance
	t.Cleanup(natsInstance.Close)
	js, _, err := natsInstance.Prepare(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	var mu sync.Mutex
	var received []string
	attempts := 0
	subject := cfg.Prefixed(OutputReceiptEvent)
	err = JetStreamConsumer(ctx, js, subject, cfg.Durable("TestConsumer"), 1,
		func(ctx context.Context, msgs []*nats.Msg) bool {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			// Refuse the first delivery, it must come back.
			if attempts == 1 {
				return false
			}
			received = append(received, string(msgs[0].Data))
			return true
		}, nats.DeliverAll(), nats.ManualAck(),
	)
	require.NoError(t, err)

	_, err = js.Publish(subject, []byte("hello"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, 10*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"hello"}, received)
}
