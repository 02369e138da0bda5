// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"
	jaegerconfig "github.com/uber/jaeger-client-go/config"
	jaegermetrics "github.com/uber/jaeger-lib/metrics"
	"gopkg.in/yaml.v2"

	"github.com/element-hq/slidingsync/internal/util"
)

// Dendrite is the root of the configuration file for the sliding sync
// service.
type Dendrite struct {
	Global        Global        `yaml:"global"`
	SyncAPI       SyncAPI       `yaml:"sync_api"`
	FederationAPI FederationAPI `yaml:"federation_api"`
	ClientAPI     ClientAPI     `yaml:"client_api"`
	Logging       []LogrusHook  `yaml:"logging"`
	Tracing       Tracing       `yaml:"tracing"`
}

type DefaultOpts struct {
	// Generate in-memory JetStream storage rather than a storage path.
	SingleDatabase bool
}

type Global struct {
	// The name of the server. This is usually the domain name, e.g 'matrix.org', 'localhost'.
	ServerName spec.ServerName `yaml:"server_name"`

	// Additional server names which are treated as local, e.g. during a
	// server name migration.
	VirtualHosts []spec.ServerName `yaml:"virtual_hosts"`

	JetStream JetStream `yaml:"jetstream"`
	Metrics   Metrics   `yaml:"metrics"`
	Sentry    Sentry    `yaml:"sentry"`
}

func (c *Global) Defaults(opts DefaultOpts) {
	c.ServerName = "localhost"
	c.JetStream.Defaults(opts)
	c.Metrics.Defaults()
	c.Sentry.Defaults()
}

func (c *Global) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "global.server_name", string(c.ServerName))
	c.JetStream.Verify(configErrs)
	c.Sentry.Verify(configErrs)
}

// IsLocalServerName reports whether the server name belongs to this
// deployment, either as the primary name or as a virtual host.
func (c *Global) IsLocalServerName(serverName spec.ServerName) bool {
	serverName = util.NormalizeServerName(serverName)
	if serverName == util.NormalizeServerName(c.ServerName) {
		return true
	}
	for _, v := range c.VirtualHosts {
		if serverName == util.NormalizeServerName(v) {
			return true
		}
	}
	return false
}

type JetStream struct {
	// Addresses of remote NATS servers. If empty an embedded server is started.
	Addresses []string `yaml:"addresses"`
	// Use in-memory storage for the embedded server.
	InMemory bool `yaml:"in_memory"`
	// Where the embedded server keeps its data if not in memory.
	StoragePath string `yaml:"storage_path"`
	// Prefix applied to every stream and subject name.
	TopicPrefix string `yaml:"topic_prefix"`
}

func (c *JetStream) Defaults(opts DefaultOpts) {
	c.Addresses = []string{}
	c.TopicPrefix = "Dendrite"
	c.InMemory = opts.SingleDatabase
	c.StoragePath = "./"
}

func (c *JetStream) Verify(configErrs *ConfigErrors) {
	if len(c.Addresses) == 0 && !c.InMemory {
		checkNotEmpty(configErrs, "global.jetstream.storage_path", c.StoragePath)
	}
}

// Prefixed returns the name with the configured topic prefix applied.
func (c *JetStream) Prefixed(name string) string {
	return fmt.Sprintf("%s%s", c.TopicPrefix, name)
}

// Durable returns the name with the configured topic prefix applied, for
// use as a durable consumer name.
func (c *JetStream) Durable(name string) string {
	return c.Prefixed(name)
}

type Metrics struct {
	Enabled bool `yaml:"enabled"`
	// Use BasicAuth for Authorization
	BasicAuth struct {
		// Authorization via Static Username & Password
		// Hardcoded Username and Password
		Username string `yaml:"username"`
		Password string `yaml:"password"`
	} `yaml:"basic_auth"`
}

func (c *Metrics) Defaults() {
	c.Enabled = false
}

type Sentry struct {
	Enabled     bool   `yaml:"enabled"`
	DSN         string `yaml:"dsn"`
	Environment string `yaml:"environment"`
}

func (c *Sentry) Defaults() {
	c.Enabled = false
}

func (c *Sentry) Verify(configErrs *ConfigErrors) {
	if c.Enabled {
		checkNotEmpty(configErrs, "global.sentry.dsn", c.DSN)
	}
}

// LogrusHook represents a single logrus hook. At this point, only parsing and
// verification of the proper values for type and level are done.
type LogrusHook struct {
	// The type of hook, currently "std" or "file".
	Type string `yaml:"type"`
	// The minimum logging level.
	Level string `yaml:"level"`
	// Parameters for this hook, e.g. "path" for file hooks.
	Params map[string]interface{} `yaml:"params"`
}

func (h *LogrusHook) Verify(configErrs *ConfigErrors) {
	if _, err := logrus.ParseLevel(h.Level); err != nil {
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %s", "logging.level", h.Level))
	}
	switch h.Type {
	case "std":
	case "file":
		path, ok := h.Params["path"].(string)
		if !ok {
			configErrs.Add("logging.params.path must be a string for file hooks")
			return
		}
		checkNotEmpty(configErrs, "logging.params.path", path)
	default:
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %s", "logging.type", h.Type))
	}
}

type Tracing struct {
	Enabled bool                      `yaml:"enabled"`
	Jaeger  jaegerconfig.Configuration `yaml:"jaeger"`
}

// SetupTracing configures the opentracing global tracer using Jaeger when
// tracing is enabled. The returned closer must be closed on shutdown.
func (c *Dendrite) SetupTracing() (closer io.Closer, err error) {
	if !c.Tracing.Enabled {
		return io.NopCloser(bytes.NewReader([]byte{})), nil
	}
	return c.Tracing.Jaeger.InitGlobalTracer(
		"Dendrite Sliding Sync",
		jaegerconfig.Logger(logrusLogger{logrus.StandardLogger()}),
		jaegerconfig.Metrics(jaegermetrics.NullFactory),
	)
}

// logrusLogger is a small wrapper that implements jaeger.Logger using logrus.
type logrusLogger struct {
	l *logrus.Logger
}

func (l logrusLogger) Error(msg string) {
	l.l.Error(msg)
}

func (l logrusLogger) Infof(msg string, args ...interface{}) {
	l.l.Infof(msg, args...)
}

// ConfigErrors stores problems encountered when parsing a config file.
// It implements the error interface.
type ConfigErrors []string

// Add appends an error to the list of errors in this ConfigErrors.
// It is a wrapper to the builtin append and hides pointers from
// the client code.
// This method is safe to use with an uninitialized ConfigErrors because
// if it is nil, it will be properly allocated.
func (errs *ConfigErrors) Add(str string) {
	*errs = append(*errs, str)
}

// Error returns a string detailing how many errors were contained within a
// ConfigErrors type.
func (errs ConfigErrors) Error() string {
	if len(errs) == 1 {
		return errs[0]
	}
	return fmt.Sprintf(
		"%s (and %d other problems)", errs[0], len(errs)-1,
	)
}

// Defaults sets default config values.
func (c *Dendrite) Defaults(opts DefaultOpts) {
	c.Global.Defaults(opts)
	c.SyncAPI.Defaults(opts)
	c.FederationAPI.Defaults(opts)
	c.ClientAPI.Defaults(opts)
	c.Logging = []LogrusHook{{Type: "std", Level: "info"}}
	c.Wiring()
}

// Wiring links each section to the global section.
func (c *Dendrite) Wiring() {
	c.SyncAPI.Matrix = &c.Global
	c.FederationAPI.Matrix = &c.Global
	c.ClientAPI.Matrix = &c.Global
}

// Verify checks the config for problems. Returns nil if the config is
// usable.
func (c *Dendrite) Verify(configErrs *ConfigErrors) {
	c.Global.Verify(configErrs)
	c.SyncAPI.Verify(configErrs)
	c.FederationAPI.Verify(configErrs)
	c.ClientAPI.Verify(configErrs)
	for i := range c.Logging {
		c.Logging[i].Verify(configErrs)
	}
}

// Load reads the YAML config file at configPath, applies defaults for
// anything it doesn't set and verifies the result.
func Load(configPath string) (*Dendrite, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	basePath, err := filepath.Abs(filepath.Dir(configPath))
	if err != nil {
		return nil, err
	}
	return loadConfig(basePath, data)
}

func loadConfig(basePath string, configData []byte) (*Dendrite, error) {
	var c Dendrite
	c.Defaults(DefaultOpts{})
	if err := yaml.Unmarshal(configData, &c); err != nil {
		return nil, err
	}
	c.Wiring()

	if c.Global.JetStream.StoragePath != "" && !filepath.IsAbs(c.Global.JetStream.StoragePath) {
		c.Global.JetStream.StoragePath = filepath.Join(basePath, c.Global.JetStream.StoragePath)
	}

	var configErrs ConfigErrors
	c.Verify(&configErrs)
	if len(configErrs) > 0 {
		return nil, configErrs
	}
	return &c, nil
}

// checkNotEmpty verifies the given value is not empty in the configuration.
// If it is, adds an error to the list.
func checkNotEmpty(configErrs *ConfigErrors, key, value string) {
	if strings.TrimSpace(value) == "" {
		configErrs.Add(fmt.Sprintf("missing config key %q", key))
	}
}

// checkPositive verifies that the given value is positive (strictly greater than zero).
// If it is not, adds an error to the list.
func checkPositive(configErrs *ConfigErrors, key string, value int64) {
	if value <= 0 {
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %d", key, value))
	}
}
