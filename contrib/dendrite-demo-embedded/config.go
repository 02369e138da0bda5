// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package embedded

import (
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/slidingsync/setup/config"
)

// ServerConfig contains configuration for the embedded server
type ServerConfig struct {
	// Basic server identity
	ServerName string

	// Where the embedded NATS server keeps its streams. Empty keeps
	// everything in memory.
	JetStreamPath string

	// Feature flags
	EnableMetrics         bool
	MetricsUsername       string
	MetricsPassword       string
	DisableOutgoingTyping bool
	LongPollMax           time.Duration
	ConnectionIdleTTL     time.Duration
	DisableRateLimiting   bool
	RateLimitThreshold    int64
	RateLimitCooloff      time.Duration
	StaticDevices         []config.StaticDevice

	// Custom config options
	RawDendriteConfig *config.Dendrite
}

// DefaultConfig returns a configuration with sensible defaults for an embedded server
func DefaultConfig() ServerConfig {
	return ServerConfig{
		ServerName:         "localhost",
		LongPollMax:        30 * time.Second,
		ConnectionIdleTTL:  time.Hour,
		RateLimitThreshold: 20,
		RateLimitCooloff:   500 * time.Millisecond,
	}
}

// toDendriteConfig converts the ServerConfig to a full config
func (c *ServerConfig) toDendriteConfig() (*config.Dendrite, error) {
	// If a raw config was provided, use that as the base
	if c.RawDendriteConfig != nil {
		return c.RawDendriteConfig, nil
	}

	cfg := &config.Dendrite{}
	cfg.Defaults(config.DefaultOpts{SingleDatabase: c.JetStreamPath == ""})

	// Set basic identity configuration
	cfg.Global.ServerName = spec.ServerName(c.ServerName)
	// An empty store directory makes NATS pick a temporary one.
	cfg.Global.JetStream.StoragePath = c.JetStreamPath

	// Set up metrics
	if c.EnableMetrics {
		cfg.Global.Metrics.Enabled = true
		cfg.Global.Metrics.BasicAuth.Username = c.MetricsUsername
		cfg.Global.Metrics.BasicAuth.Password = c.MetricsPassword
	}

	if c.LongPollMax > 0 {
		cfg.SyncAPI.LongPollMaxMS = c.LongPollMax.Milliseconds()
	}
	if c.ConnectionIdleTTL > 0 {
		cfg.SyncAPI.ConnectionIdleTTLMS = c.ConnectionIdleTTL.Milliseconds()
	}
	cfg.SyncAPI.Typing.AllowOutgoing = !c.DisableOutgoingTyping

	// Configure rate limiting
	cfg.ClientAPI.RateLimiting.Enabled = !c.DisableRateLimiting
	if c.RateLimitThreshold > 0 {
		cfg.ClientAPI.RateLimiting.Threshold = c.RateLimitThreshold
	}
	if c.RateLimitCooloff > 0 {
		cfg.ClientAPI.RateLimiting.CooloffMS = c.RateLimitCooloff.Milliseconds()
	}
	cfg.ClientAPI.StaticDevices = c.StaticDevices

	var configErrs config.ConfigErrors
	cfg.Verify(&configErrs)
	if len(configErrs) > 0 {
		return nil, configErrs
	}
	return cfg, nil
}
