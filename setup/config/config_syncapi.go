package config

import (
	"fmt"
	"time"
)

type SyncAPI struct {
	Matrix *Global `yaml:"-"`

	// Upper bound on how long an empty sliding sync response is held
	// open waiting for something to change.
	LongPollMaxMS int64 `yaml:"long_poll_max_ms"`

	// Cap applied to the merged per-room timeline limit.
	MaxTimelineLimit int `yaml:"max_timeline_limit"`

	// Maximum number of members used to synthesise a name for rooms
	// without an m.room.name.
	MaxHeroes int `yaml:"max_heroes"`

	// How long an idle sliding sync connection is remembered. A client
	// that comes back after this receives M_UNKNOWN_POS.
	ConnectionIdleTTLMS int64 `yaml:"connection_idle_ttl_ms"`

	// Number of rooms aggregated concurrently within a single request.
	RoomWorkers int `yaml:"room_workers"`

	Typing Typing `yaml:"typing"`
}

type Typing struct {
	// Send local typing notifications to other servers in the room.
	AllowOutgoing bool `yaml:"allow_outgoing"`
	// Timeout applied when a client doesn't send one.
	DefaultTimeoutMS int64 `yaml:"default_timeout_ms"`
	// Longest timeout a client may ask for.
	MaxTimeoutMS int64 `yaml:"max_timeout_ms"`
}

const maxLongPoll = 5 * time.Minute

func (c *SyncAPI) Defaults(opts DefaultOpts) {
	c.LongPollMaxMS = 30000
	c.MaxTimelineLimit = 100
	c.MaxHeroes = 5
	c.ConnectionIdleTTLMS = int64(time.Hour / time.Millisecond)
	c.RoomWorkers = 8
	c.Typing.AllowOutgoing = true
	c.Typing.DefaultTimeoutMS = 30000
	c.Typing.MaxTimeoutMS = 120000
}

func (c *SyncAPI) Verify(configErrs *ConfigErrors) {
	checkPositive(configErrs, "sync_api.long_poll_max_ms", c.LongPollMaxMS)
	if c.LongPollMax() > maxLongPoll {
		configErrs.Add(fmt.Sprintf("sync_api.long_poll_max_ms must not exceed %d", maxLongPoll.Milliseconds()))
	}
	checkPositive(configErrs, "sync_api.max_timeline_limit", int64(c.MaxTimelineLimit))
	checkPositive(configErrs, "sync_api.max_heroes", int64(c.MaxHeroes))
	checkPositive(configErrs, "sync_api.connection_idle_ttl_ms", c.ConnectionIdleTTLMS)
	checkPositive(configErrs, "sync_api.room_workers", int64(c.RoomWorkers))
	checkPositive(configErrs, "sync_api.typing.default_timeout_ms", c.Typing.DefaultTimeoutMS)
	checkPositive(configErrs, "sync_api.typing.max_timeout_ms", c.Typing.MaxTimeoutMS)
	if c.Typing.DefaultTimeoutMS > c.Typing.MaxTimeoutMS {
		configErrs.Add("sync_api.typing.default_timeout_ms must not be greater than sync_api.typing.max_timeout_ms")
	}
}

func (c *SyncAPI) LongPollMax() time.Duration {
	return time.Duration(c.LongPollMaxMS) * time.Millisecond
}

func (c *SyncAPI) ConnectionIdleTTL() time.Duration {
	return time.Duration(c.ConnectionIdleTTLMS) * time.Millisecond
}

// TypingTimeout converts a client supplied timeout into a duration, applying
// the default when none was given and the configured ceiling otherwise.
func (c *SyncAPI) TypingTimeout(requestedMS int64) time.Duration {
	if requestedMS <= 0 {
		requestedMS = c.Typing.DefaultTimeoutMS
	}
	if requestedMS > c.Typing.MaxTimeoutMS {
		requestedMS = c.Typing.MaxTimeoutMS
	}
	return time.Duration(requestedMS) * time.Millisecond
}

type FederationAPI struct {
	Matrix *Global `yaml:"-"`

	// Number of EDUs a single room queue holds before new ones are dropped.
	EDUQueueDepth int `yaml:"edu_queue_depth"`
}

func (c *FederationAPI) Defaults(opts DefaultOpts) {
	c.EDUQueueDepth = 256
}

func (c *FederationAPI) Verify(configErrs *ConfigErrors) {
	checkPositive(configErrs, "federation_api.edu_queue_depth", int64(c.EDUQueueDepth))
}
