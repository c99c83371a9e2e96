// Package config contains the configuration of an endpoint and its connections.
package config

import (
	"github.com/apex/log"
	"github.com/peerlink/arq/internal/model"
	"github.com/peerlink/arq/internal/optional"
	"github.com/peerlink/arq/internal/runtimex"
)

// Config contains options to initialize an endpoint.
type Config struct {
	// options contains the protocol parameters.
	options *model.Options

	// logger will be used to log events.
	logger model.Logger

	// if a tracer is provided, it will be used to trace every connection.
	tracer model.ConnectionTracer

	// peerID overrides the local peer identifier used to resolve roles.
	peerID optional.Value[model.PeerID]
}

// NewConfig returns a Config ready to initialize an endpoint.
func NewConfig(options ...Option) *Config {
	cfg := &Config{
		options: model.NewOptions(),
		logger:  log.Log,
		tracer:  &model.DummyTracer{},
		peerID:  optional.None[model.PeerID](),
	}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

// Option is an option you can pass to [NewConfig].
type Option func(config *Config)

// WithLogger configures the passed [Logger].
func WithLogger(logger model.Logger) Option {
	return func(config *Config) {
		config.logger = logger
	}
}

// Logger returns the configured logger.
func (c *Config) Logger() model.Logger {
	return c.logger
}

// WithTracer configures the passed [model.ConnectionTracer].
func WithTracer(tracer model.ConnectionTracer) Option {
	return func(config *Config) {
		config.tracer = tracer
	}
}

// Tracer returns the connection tracer.
func (c *Config) Tracer() model.ConnectionTracer {
	return c.tracer
}

// WithOptions configures the passed protocol options.
func WithOptions(options *model.Options) Option {
	return func(config *Config) {
		config.options = options
	}
}

// WithPeerID configures the local peer identifier.
func WithPeerID(id model.PeerID) Option {
	return func(config *Config) {
		config.peerID = optional.Some(id)
	}
}

// WithConfigFile configures the options parsed from the given TOML file. It
// panics if the file cannot be parsed; use [ReadConfigFile] to handle errors.
func WithConfigFile(configPath string) Option {
	return func(config *Config) {
		fc, err := ReadConfigFile(configPath)
		runtimex.PanicOnError(err, "cannot parse config file")
		config.options = fc.Options
		if fc.PeerID != "" {
			config.peerID = optional.Some(fc.PeerID)
		}
	}
}

// Options returns the configured protocol options.
func (c *Config) Options() *model.Options {
	return c.options
}

// PeerID returns the configured local peer identifier, if any.
func (c *Config) PeerID() optional.Value[model.PeerID] {
	return c.peerID
}
