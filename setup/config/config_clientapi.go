package config

import (
	"fmt"
)

type ClientAPI struct {
	Matrix *Global `yaml:"-"`

	// Rate-limiting options
	RateLimiting RateLimiting `yaml:"rate_limiting"`

	// Access tokens accepted without a user database, for test deployments.
	StaticDevices []StaticDevice `yaml:"static_devices"`
}

type StaticDevice struct {
	AccessToken string `yaml:"access_token"`
	UserID      string `yaml:"user_id"`
	DeviceID    string `yaml:"device_id"`
	Admin       bool   `yaml:"admin"`
}

func (c *ClientAPI) Defaults(opts DefaultOpts) {
	c.RateLimiting.Defaults()
}

func (c *ClientAPI) Verify(configErrs *ConfigErrors) {
	c.RateLimiting.Verify(configErrs)
	for i, d := range c.StaticDevices {
		checkNotEmpty(configErrs, fmt.Sprintf("client_api.static_devices[%d].access_token", i), d.AccessToken)
		checkNotEmpty(configErrs, fmt.Sprintf("client_api.static_devices[%d].user_id", i), d.UserID)
		checkNotEmpty(configErrs, fmt.Sprintf("client_api.static_devices[%d].device_id", i), d.DeviceID)
	}
}

type RateLimiting struct {
	// Is rate limiting enabled or disabled?
	Enabled bool `yaml:"enabled"`

	// How many "slots" a user can occupy sending requests to a rate-limited
	// endpoint before we apply rate-limiting
	Threshold int64 `yaml:"threshold"`

	// The cooloff period in milliseconds after a request before the "slot"
	// is freed again
	CooloffMS int64 `yaml:"cooloff_ms"`

	// A list of users that are exempt from rate limiting, i.e. if you want
	// to run Mjolnir or other bots.
	ExemptUserIDs []string `yaml:"exempt_user_ids"`

	// Per-path overrides, e.g. a looser budget for the typing endpoint.
	PerEndpointOverrides map[string]RateLimitEndpointOverride `yaml:"per_endpoint_overrides"`
}

type RateLimitEndpointOverride struct {
	Threshold int64 `yaml:"threshold"`
	CooloffMS int64 `yaml:"cooloff_ms"`
}

func (r *RateLimiting) Verify(configErrs *ConfigErrors) {
	if !r.Enabled {
		return
	}
	if r.Threshold <= 0 || r.CooloffMS <= 0 {
		configErrs.Add(
			"client_api.rate_limiting: both 'threshold' and 'cooloff_ms' must be positive when rate limiting is enabled",
		)
	}
	for name, override := range r.PerEndpointOverrides {
		checkPositive(
			configErrs,
			fmt.Sprintf("client_api.rate_limiting.per_endpoint_overrides.%s.threshold", name),
			override.Threshold,
		)
		checkPositive(
			configErrs,
			fmt.Sprintf("client_api.rate_limiting.per_endpoint_overrides.%s.cooloff_ms", name),
			override.CooloffMS,
		)
	}
}

func (r *RateLimiting) Defaults() {
	r.Enabled = true
	r.Threshold = 20
	r.CooloffMS = 500
	r.ExemptUserIDs = []string{}
	r.PerEndpointOverrides = map[string]RateLimitEndpointOverride{}
}
