/*
 * Copyright 2025 The MedFlow Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package types

import "time"

// Config is the engine-wide configuration shared by every host of a
// production. It is assembled once with NewConfig and treated as
// read-only afterwards.
type Config struct {
	// Logger receives engine and host log output.
	Logger Logger
	// HostRegistry resolves qualified host types; defaults to the
	// engine registry with the built-in components.
	HostRegistry HostRegistry
	// BodyParsers resolves body classes to parsers.
	BodyParsers BodyParserRegistry
	// TraceStore persists message hops; defaults to an in-memory store.
	TraceStore TraceStore
	// Parser decodes topology documents; defaults to JSON.
	Parser TopologyParser
	// Properties are global key/value properties available to host
	// settings through ${global.key} substitution.
	Properties Metadata
	// OnStateChange is invoked after every host state transition.
	OnStateChange func(hostName string, from, to LifecycleState)
	// DequeuePollTimeout bounds each queue wait so worker loops observe
	// pause and stop signals promptly. Defaults to 200ms.
	DequeuePollTimeout time.Duration
	// DrainGracePeriod bounds queue draining during stop; remaining
	// items are reported as abandoned. Defaults to 10s.
	DrainGracePeriod time.Duration
	// ScriptMaxExecutionTime bounds transform scripts. Defaults to 2s.
	ScriptMaxExecutionTime time.Duration
	// HeartbeatInterval is the process-mode worker heartbeat period.
	// Defaults to 5s; a worker missing three beats is killed.
	HeartbeatInterval time.Duration
}

// Option mutates a Config during NewConfig.
type Option func(*Config)

// NewConfig creates a Config with default values and applies the options.
// Registries and the trace store are left nil here; the engine package
// fills them with its defaults so this package stays dependency-free.
func NewConfig(opts ...Option) Config {
	c := &Config{
		Logger:                 DefaultLogger(),
		Properties:             NewMetadata(),
		DequeuePollTimeout:     200 * time.Millisecond,
		DrainGracePeriod:       10 * time.Second,
		ScriptMaxExecutionTime: 2 * time.Second,
		HeartbeatInterval:      5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return *c
}

// WithLogger sets the engine logger.
func WithLogger(logger Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithHostRegistry sets the host registry.
func WithHostRegistry(registry HostRegistry) Option {
	return func(c *Config) {
		c.HostRegistry = registry
	}
}

// WithBodyParsers sets the body parser registry.
func WithBodyParsers(registry BodyParserRegistry) Option {
	return func(c *Config) {
		c.BodyParsers = registry
	}
}

// WithTraceStore sets the trace store.
func WithTraceStore(store TraceStore) Option {
	return func(c *Config) {
		c.TraceStore = store
	}
}

// WithParser sets the topology parser.
func WithParser(parser TopologyParser) Option {
	return func(c *Config) {
		c.Parser = parser
	}
}

// WithProperties sets the global properties.
func WithProperties(props Metadata) Option {
	return func(c *Config) {
		c.Properties = props
	}
}

// WithOnStateChange sets the state transition callback.
func WithOnStateChange(f func(hostName string, from, to LifecycleState)) Option {
	return func(c *Config) {
		c.OnStateChange = f
	}
}

// WithDrainGracePeriod bounds queue draining during stop.
func WithDrainGracePeriod(d time.Duration) Option {
	return func(c *Config) {
		c.DrainGracePeriod = d
	}
}

// WithDequeuePollTimeout bounds each queue wait of a worker loop.
func WithDequeuePollTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.DequeuePollTimeout = d
	}
}
