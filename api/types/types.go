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

// Package types defines the public contracts of the MedFlow integration
// engine: the message envelope/body model, the Host capability interface
// implemented by every deployable component, the topology definition
// consumed at deploy time, and the engine configuration.
package types

import "time"

// HostCategory classifies a deployed component by its role in the data flow.
type HostCategory string

const (
	// CategoryService is an inbound component that owns an external
	// listener (network port, file drop) and produces envelopes.
	CategoryService HostCategory = "service"
	// CategoryProcess is a middle-stage component (router, transformer)
	// that consumes and forwards envelopes.
	CategoryProcess HostCategory = "process"
	// CategoryOperation is an outbound component that delivers envelopes
	// to an external system.
	CategoryOperation HostCategory = "operation"
)

// LifecycleState is the state of a deployed host. Transitions are driven
// by the production; a host may self-transition only into StateFailed.
type LifecycleState int32

const (
	StateCreated LifecycleState = iota
	StateInitializing
	StateRunning
	StatePaused
	StateStopping
	StateStopped
	StateFailed
)

func (s LifecycleState) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateInitializing:
		return "Initializing"
	case StateRunning:
		return "Running"
	case StatePaused:
		return "Paused"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Terminal reports whether no further transition out of s is allowed,
// except the forced transition into StateFailed.
func (s LifecycleState) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

// ExecutionMode selects how a host runs its worker loops.
type ExecutionMode string

const (
	// ExecutionGo runs a single cooperative worker loop goroutine.
	ExecutionGo ExecutionMode = "go"
	// ExecutionPool runs a bounded pool of worker loop goroutines.
	ExecutionPool ExecutionMode = "pool"
	// ExecutionProcess runs worker loops in separate OS processes,
	// crash-isolated from the engine process.
	ExecutionProcess ExecutionMode = "process"
)

// QueueOrdering is the dequeue ordering policy of a host queue.
type QueueOrdering string

const (
	OrderingFIFO     QueueOrdering = "fifo"
	OrderingLIFO     QueueOrdering = "lifo"
	OrderingPriority QueueOrdering = "priority"
)

// OverflowPolicy controls Submit behavior when a host queue is at capacity.
type OverflowPolicy string

const (
	// OverflowReject fails the submit immediately with ErrQueueFull.
	OverflowReject OverflowPolicy = "reject"
	// OverflowBlock waits up to the configured deadline for free capacity.
	OverflowBlock OverflowPolicy = "block"
	// OverflowDropOldest evicts the head of the queue to make room.
	OverflowDropOldest OverflowPolicy = "dropOldest"
)

// RestartPolicy controls automatic restart of failed process-mode workers.
type RestartPolicy string

const (
	RestartNever     RestartPolicy = "never"
	RestartOnFailure RestartPolicy = "onFailure"
	RestartAlways    RestartPolicy = "always"
)

// ConnectionKind distinguishes the directed edges between hosts.
type ConnectionKind string

const (
	ConnectionStandard ConnectionKind = "standard"
	ConnectionError    ConnectionKind = "error"
	ConnectionAsync    ConnectionKind = "async"
)

// Configuration carries the category-specific settings of a host as they
// appear in the topology document. Settings are decoded into typed config
// structs during Init.
type Configuration map[string]interface{}

// NamespaceSeparator separates the namespace from the local name in a
// qualified host or body-class type, e.g. "mllp/server".
const NamespaceSeparator = "/"

// Host is the capability interface implemented by every deployable
// component. A host instance is created per deployed component through
// HostRegistry.NewHost and lives until the component is undeployed.
//
// Implementations must be safe for the configured number of concurrent
// worker loops calling OnMessage.
type Host interface {
	// New creates a fresh, unconfigured instance of this host type.
	// Every deployed component gets its own instance.
	New() Host
	// Type returns the qualified type name, e.g. "mllp/server".
	// The namespace part is checked against the registry allow-list.
	Type() string
	// Category returns the role of this host in the data flow.
	Category() HostCategory
	// Init configures the instance. Called exactly once before any
	// worker loop starts.
	Init(config Config, settings Configuration) error
	// OnMessage processes one envelope dequeued by a worker loop.
	// Returning an error routes the envelope to the error path, subject
	// to the host retry policy.
	OnMessage(ctx HostContext, env *Envelope) error
	// Destroy releases resources. No OnMessage call is in flight when
	// Destroy runs.
	Destroy()
}

// Service is the additional capability of inbound hosts that own an
// external listener. Start blocks serving the listener until Destroy
// closes it; the production runs Start on its own goroutine.
type Service interface {
	Host
	Start(ctx HostContext) error
}

// HostContext is handed to a host for the duration of one message (or,
// for services, for the lifetime of the listener). It provides addressing
// into the rest of the production, the error path, and hop recording.
type HostContext interface {
	// HostName returns the deployed name of the current host.
	HostName() string
	// Config returns the engine configuration.
	Config() Config
	// Logger returns the engine logger.
	Logger() Logger
	// Targets returns the deployed names connected to this host with the
	// given connection kind, in declaration order.
	Targets(kind ConnectionKind) []string
	// Forward submits a copy of env addressed to the named host and
	// records the hop. The returned error reflects the submit outcome
	// (for example ErrQueueFull), never the downstream processing.
	Forward(env *Envelope, target string) error
	// ForwardAll forwards env to every standard-connection target.
	// Each target receives an independently forked envelope.
	ForwardAll(env *Envelope) error
	// SendError routes env to the error connections, or records a
	// terminal error hop when no error connection exists. The cause is
	// never silently dropped.
	SendError(env *Envelope, cause error)
	// RecordHop persists one trace header for env without forwarding.
	RecordHop(env *Envelope, target string, status HopStatus, cause error)
}

// HostRegistry resolves qualified type names to host implementations.
// Resolution is gated by a namespace allow-list and a deny-list; resolved
// bindings are cached for the life of the registry.
type HostRegistry interface {
	// Register adds a host prototype. The qualified type must not exist.
	Register(host Host) error
	// Unregister removes a host type.
	Unregister(hostType string) error
	// NewHost creates a new instance of the named type, enforcing the
	// namespace gate. Unknown or denied names fail with a
	// *TypeResolutionError.
	NewHost(hostType string) (Host, error)
	// Components returns all registered prototypes keyed by type.
	Components() map[string]Host
}

// BeforeProcessHook is implemented by hosts that want a callback before
// each dequeued envelope is processed.
type BeforeProcessHook interface {
	BeforeProcess(ctx HostContext, env *Envelope)
}

// AfterProcessHook is implemented by hosts that want a callback after
// each envelope, successful or not.
type AfterProcessHook interface {
	AfterProcess(ctx HostContext, env *Envelope, err error)
}

// ErrorRecoveryHook lets a host intercept its own processing failures
// before the engine routes the envelope to the error path. Returning
// true marks the failure handled.
type ErrorRecoveryHook interface {
	OnProcessError(ctx HostContext, env *Envelope, cause error) bool
}

// PluginRegistry is the exported contract of a host plugin file: the
// plugin exposes a "Hosts" symbol implementing this interface.
type PluginRegistry interface {
	// Init is called once after the plugin file is loaded.
	Init() error
	// Hosts returns the host prototypes provided by the plugin.
	Hosts() []Host
}

// FieldAccessor provides read access to named fields of a parsed body,
// addressed by path expressions such as "MSH-9-1".
type FieldAccessor interface {
	// Field returns the value at path and whether the path resolved.
	Field(path string) (string, bool)
}

// BodyParser turns raw payload bytes into a structured, validated view.
// Parsers are registered per body class and invoked lazily, at most once
// per body.
type BodyParser interface {
	// BodyClass returns the qualified class this parser handles,
	// e.g. "hl7/v2".
	BodyClass() string
	// Parse builds the structured view. A returned error marks the body
	// invalid; the raw bytes remain available.
	Parse(raw []byte) (FieldAccessor, error)
}

// BodyParserRegistry resolves body classes to parsers.
type BodyParserRegistry interface {
	Register(parser BodyParser) error
	// Resolve returns the parser for the class, enforcing the same
	// namespace gate as host resolution.
	Resolve(bodyClass string) (BodyParser, error)
}

// TopologyParser decodes and encodes topology documents. The default
// implementation is JSON; alternative formats plug in through Config.
type TopologyParser interface {
	DecodeTopology(def []byte) (Topology, error)
	EncodeTopology(def interface{}) ([]byte, error)
}

// HopStatus is the terminal status of one recorded message hop.
type HopStatus string

const (
	HopStatusSuccess   HopStatus = "success"
	HopStatusError     HopStatus = "error"
	HopStatusSuspended HopStatus = "suspended"
	HopStatusAbandoned HopStatus = "abandoned"
	HopStatusDeleted   HopStatus = "deleted"
)

// TraceHeader is one durable record per message hop.
type TraceHeader struct {
	Id            string    `json:"id"`
	Seq           int64     `json:"seq"`
	SessionId     string    `json:"sessionId"`
	CorrelationId string    `json:"correlationId"`
	ParentId      string    `json:"parentId"`
	SourceHost    string    `json:"sourceHost"`
	TargetHost    string    `json:"targetHost"`
	Status        HopStatus `json:"status"`
	IsError       bool      `json:"isError"`
	ErrorText     string    `json:"errorText,omitempty"`
	BodyId        string    `json:"bodyId"`
	CreatedAt     time.Time `json:"createdAt"`
}

// TraceBody is one durable record per unique payload, deduplicated by Id
// (the content hash of the raw bytes).
type TraceBody struct {
	Id          string            `json:"id"`
	ContentType string            `json:"contentType"`
	BodyClass   string            `json:"bodyClass"`
	Raw         []byte            `json:"raw"`
	Fields      map[string]string `json:"fields,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// TraceStore is the persistence contract for message hops. Each write is
// independent; implementations must be safe for highly concurrent hop
// recording. Seq is assigned by the store, monotonic per session.
type TraceStore interface {
	SaveHop(header *TraceHeader) error
	// SaveBody inserts the body record unless its Id is already present.
	SaveBody(body *TraceBody) error
	// Session returns all hop headers of the session ordered by Seq.
	Session(sessionId string) ([]*TraceHeader, error)
	Close() error
}

// HostStatus is the per-component slice of a status report.
type HostStatus struct {
	Name       string         `json:"name"`
	Category   HostCategory   `json:"category"`
	Type       string         `json:"type"`
	State      string         `json:"state"`
	QueueDepth int            `json:"queueDepth"`
	Processed  int64          `json:"processed"`
	Failed     int64          `json:"failed"`
	Workers    int            `json:"workers"`
	Mode       ExecutionMode  `json:"mode"`
}

// StatusReport reflects the true current state of a production.
type StatusReport struct {
	Production string       `json:"production"`
	State      string       `json:"state"`
	Hosts      []HostStatus `json:"hosts"`
	Warnings   []string     `json:"warnings,omitempty"`
}

// TestSendResult is the outcome of a management test send.
type TestSendResult struct {
	EnvelopeId string   `json:"envelopeId"`
	SessionId  string   `json:"sessionId"`
	Accepted   bool     `json:"accepted"`
	Warnings   []string `json:"warnings,omitempty"`
}

// Production is the management contract of a deployed topology. All
// methods return typed results; none panics past the boundary.
type Production interface {
	Deploy(def Topology) error
	Start() error
	Stop() error
	Pause(hostName string) error
	Resume(hostName string) error
	Reload(def Topology) error
	Status() StatusReport
	TestSend(hostName string, sample []byte) (TestSendResult, error)
}
