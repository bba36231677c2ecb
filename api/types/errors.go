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

import (
	"errors"
	"fmt"
)

// Sentinel errors of the engine runtime.
var (
	// ErrQueueFull is returned by Submit when the queue is at capacity
	// under the reject overflow policy, or when the block deadline
	// expires.
	ErrQueueFull = errors.New("queue full")
	// ErrTimeout is returned when a network operation or a synchronous
	// inter-component call does not complete in time.
	ErrTimeout = errors.New("timeout")
	// ErrStopped is returned when submitting to a host that is not
	// accepting work.
	ErrStopped = errors.New("host stopped")
	// ErrRoutingNoMatch marks a message for which no routing rule matched
	// and no default target is configured.
	ErrRoutingNoMatch = errors.New("no routing rule matched")
)

// ProtocolFramingError reports a malformed inbound byte stream.
type ProtocolFramingError struct {
	Reason string
	Remote string
}

func (e *ProtocolFramingError) Error() string {
	if e.Remote != "" {
		return fmt.Sprintf("protocol framing error from %s: %s", e.Remote, e.Reason)
	}
	return "protocol framing error: " + e.Reason
}

// ValidationError reports a body that failed structural or business rules.
type ValidationError struct {
	BodyClass string
	Reason    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for body class %s: %s", e.BodyClass, e.Reason)
}

// TypeResolutionError reports a denied or failed dynamic type resolution.
// It aborts the deploy or reload that triggered it and is never silently
// substituted with a different type.
type TypeResolutionError struct {
	TypeName string
	Reason   string
}

func (e *TypeResolutionError) Error() string {
	return fmt.Sprintf("cannot resolve type %q: %s", e.TypeName, e.Reason)
}

// DeliveryAction is the engine-level outcome classified from a protocol
// reply code.
type DeliveryAction string

const (
	// DeliverySuccess completes the send.
	DeliverySuccess DeliveryAction = "success"
	// DeliverySuspend holds the message for retry or review.
	DeliverySuspend DeliveryAction = "suspend"
	// DeliveryFail is a permanent failure; the message goes to the error
	// path without retry.
	DeliveryFail DeliveryAction = "fail"
)

// DeliveryFailureError reports an outbound send that was rejected or
// erred, carrying the classified action for the retry machinery.
type DeliveryFailureError struct {
	Code   string
	Action DeliveryAction
	Reason string
}

func (e *DeliveryFailureError) Error() string {
	return fmt.Sprintf("delivery failed (code=%s action=%s): %s", e.Code, e.Action, e.Reason)
}

// Retryable reports whether the retry policy applies to this failure.
func (e *DeliveryFailureError) Retryable() bool {
	return e.Action == DeliverySuspend
}

// ComponentFailedError reports an unrecoverable host fault.
type ComponentFailedError struct {
	HostName string
	Cause    error
}

func (e *ComponentFailedError) Error() string {
	return fmt.Sprintf("component %s failed: %v", e.HostName, e.Cause)
}

func (e *ComponentFailedError) Unwrap() error {
	return e.Cause
}

// IsRetryable classifies errors the host retry policy may recover from:
// suspended deliveries, timeouts, and transient queue overflow.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var delivery *DeliveryFailureError
	if errors.As(err, &delivery) {
		return delivery.Retryable()
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrQueueFull)
}
