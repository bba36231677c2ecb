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

// Topology is the deployable definition of a production: the hosts, the
// directed connections between them, and the routing rules loaded into
// router hosts. The engine only requires this abstract shape; the
// concrete file format is the concern of the management layer (the
// default parser reads JSON).
type Topology struct {
	Production  ProductionBaseInfo `json:"production"`
	Hosts       []*HostDef         `json:"hosts"`
	Connections []ConnectionDef    `json:"connections"`
	Rules       []*RoutingRuleDef  `json:"rules,omitempty"`
}

// ProductionBaseInfo carries topology-level settings.
type ProductionBaseInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	// ContinueOnError keeps the rest of the topology running when one
	// host fails to start; false aborts the whole deploy.
	ContinueOnError bool `json:"continueOnError"`
	// Extension fields for the management layer.
	AdditionalInfo map[string]string `json:"additionalInfo,omitempty"`
}

// HostDef declares one deployable component.
type HostDef struct {
	// Name is unique within the topology.
	Name string `json:"name"`
	// Category is service, process, or operation.
	Category HostCategory `json:"category"`
	// Type is the qualified implementation type, e.g. "mllp/server".
	Type string `json:"type"`
	// PoolSize is the number of worker loops; defaults to 1.
	PoolSize int `json:"poolSize,omitempty"`
	// Mode selects the execution strategy; defaults to ExecutionGo.
	Mode ExecutionMode `json:"mode,omitempty"`
	// Queue configures the work queue; zero values use engine defaults.
	Queue QueueDef `json:"queue,omitempty"`
	// Retry configures the bounded retry with backoff applied to
	// retryable processing failures.
	Retry *RetryDef `json:"retry,omitempty"`
	// Restart controls process-mode worker restarts; defaults to
	// RestartOnFailure.
	Restart RestartPolicy `json:"restart,omitempty"`
	// Disabled hosts are validated but not instantiated.
	Disabled bool `json:"disabled,omitempty"`
	// Settings carries the category-specific configuration decoded by
	// the host implementation (network port, remote address, script, …).
	Settings Configuration `json:"settings,omitempty"`
}

// QueueDef configures a host work queue.
type QueueDef struct {
	Ordering QueueOrdering  `json:"ordering,omitempty"`
	Capacity int            `json:"capacity,omitempty"`
	Overflow OverflowPolicy `json:"overflow,omitempty"`
	// BlockTimeoutMs bounds the wait under the block overflow policy.
	BlockTimeoutMs int `json:"blockTimeoutMs,omitempty"`
}

// RetryDef is a bounded exponential backoff policy.
type RetryDef struct {
	MaxAttempts       int     `json:"maxAttempts"`
	InitialIntervalMs int     `json:"initialIntervalMs,omitempty"`
	MaxIntervalMs     int     `json:"maxIntervalMs,omitempty"`
	Multiplier        float64 `json:"multiplier,omitempty"`
}

// ConnectionDef is a directed edge between two hosts, used at deploy time
// to populate the source host's target table.
type ConnectionDef struct {
	From string         `json:"from"`
	To   string         `json:"to"`
	Kind ConnectionKind `json:"kind,omitempty"`
	// Filter is an optional expression; a non-matching envelope is not
	// forwarded over this edge.
	Filter string `json:"filter,omitempty"`
}

// RuleAction is what a matching routing rule does with the message.
type RuleAction string

const (
	// ActionSend forwards to the rule targets.
	ActionSend RuleAction = "send"
	// ActionTransform routes through the named transform host before the
	// rule targets receive the result.
	ActionTransform RuleAction = "transform"
	// ActionStop contributes the rule targets and stops evaluating
	// lower-priority rules.
	ActionStop RuleAction = "stop"
	// ActionDelete discards the message, recording a deleted hop.
	ActionDelete RuleAction = "delete"
)

// RoutingRuleDef declares one content-based routing rule. Rules attach to
// the router host named by Router; a topology with a single router may
// omit it.
type RoutingRuleDef struct {
	Name     string       `json:"name"`
	Router   string       `json:"router,omitempty"`
	Enabled  *bool        `json:"enabled,omitempty"`
	Priority int          `json:"priority"`
	When     ConditionDef `json:"when"`
	Action   RuleAction   `json:"action,omitempty"`
	// Transform names the transform host used by ActionTransform.
	Transform string   `json:"transform,omitempty"`
	Targets   []string `json:"targets,omitempty"`
}

// IsEnabled treats a nil Enabled flag as enabled.
func (r *RoutingRuleDef) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// ConditionDef is one routing condition. Exactly one form is used: an
// operator condition over a field path, an expression, or a conjunction
// of sub-conditions. Paths accept both the canonical form ("MSH-9-1")
// and legacy vendor-style virtual properties ("HL7.MessageType").
type ConditionDef struct {
	Path  string `json:"path,omitempty"`
	Op    string `json:"op,omitempty"`
	Value string `json:"value,omitempty"`
	// Expr is an expression over {type, metadata, field(path)}.
	Expr string `json:"expr,omitempty"`
	// All is a conjunction; it matches when every sub-condition matches.
	All []ConditionDef `json:"all,omitempty"`
}

// Condition operators.
const (
	OpEquals    = "equals"
	OpNotEquals = "notEquals"
	OpContains  = "contains"
	OpIn        = "in"
	OpMatches   = "matches"
)
