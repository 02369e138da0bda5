package config

import (
	"testing"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
global:
  server_name: Example.COM
  virtual_hosts: [old.example.com]
  jetstream:
    in_memory: true
sync_api:
  long_poll_max_ms: 10000
  max_heroes: 3
  typing:
    allow_outgoing: false
logging:
- type: std
  level: debug
`

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig("/tmp", []byte(testConfig))
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.SyncAPI.LongPollMax())
	assert.Equal(t, 3, cfg.SyncAPI.MaxHeroes)
	// Unset values keep their defaults.
	assert.Equal(t, 100, cfg.SyncAPI.MaxTimelineLimit)
	assert.Equal(t, int64(30000), cfg.SyncAPI.Typing.DefaultTimeoutMS)
	assert.False(t, cfg.SyncAPI.Typing.AllowOutgoing)
	assert.Same(t, &cfg.Global, cfg.SyncAPI.Matrix)
	assert.Equal(t, "Dendriteout", cfg.Global.JetStream.Prefixed("out"))
}

func TestIsLocalServerName(t *testing.T) {
	cfg, err := loadConfig("/tmp", []byte(testConfig))
	require.NoError(t, err)

	assert.True(t, cfg.Global.IsLocalServerName("example.com"))
	assert.True(t, cfg.Global.IsLocalServerName(" OLD.example.com"))
	assert.False(t, cfg.Global.IsLocalServerName(spec.ServerName("remote.example.org")))
}

func TestVerifyRejectsBadSyncAPI(t *testing.T) {
	var c Dendrite
	c.Defaults(DefaultOpts{SingleDatabase: true})
	c.SyncAPI.LongPollMaxMS = int64(10 * time.Minute / time.Millisecond)
	c.SyncAPI.Typing.DefaultTimeoutMS = 200000
	c.Logging = append(c.Logging, LogrusHook{Type: "file", Level: "info", Params: map[string]interface{}{}})

	var configErrs ConfigErrors
	c.Verify(&configErrs)

	assert.Contains(t, configErrs, "sync_api.long_poll_max_ms must not exceed 300000")
	assert.Contains(t, configErrs, "sync_api.typing.default_timeout_ms must not be greater than sync_api.typing.max_timeout_ms")
	assert.Contains(t, configErrs, "logging.params.path must be a string for file hooks")
}

func TestTypingTimeout(t *testing.T) {
	var c SyncAPI
	c.Defaults(DefaultOpts{})

	assert.Equal(t, 30*time.Second, c.TypingTimeout(0))
	assert.Equal(t, 5*time.Second, c.TypingTimeout(5000))
	assert.Equal(t, 2*time.Minute, c.TypingTimeout(int64(time.Hour/time.Millisecond)))
}
