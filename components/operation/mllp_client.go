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

// Package operation implements outbound delivery hosts.
package operation

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/medflow/medflow/api/types"
	"github.com/medflow/medflow/endpoint/mllp"
	"github.com/medflow/medflow/hl7"
	"github.com/medflow/medflow/utils/maps"
	"github.com/medflow/medflow/utils/str"
)

// Components returns the host prototypes of this package.
func Components() []types.Host {
	return []types.Host{&MllpClientHost{}}
}

// defaultReplyActions is the reply-code action table applied when the
// settings carry no override.
var defaultReplyActions = map[string]types.DeliveryAction{
	hl7.AckAccept:       types.DeliverySuccess,
	hl7.AckCommitAccept: types.DeliverySuccess,
	hl7.AckError:        types.DeliverySuspend,
	hl7.AckCommitError:  types.DeliverySuspend,
	hl7.AckReject:       types.DeliveryFail,
	hl7.AckCommitReject: types.DeliveryFail,
}

// MllpClientConfiguration is the outbound client settings.
type MllpClientConfiguration struct {
	// Server is the remote address, e.g. "lab.example.org:2575".
	Server string `json:"server"`
	// ConnectTimeoutSec bounds dialing; defaults to 10s.
	ConnectTimeoutSec int `json:"connectTimeoutSec"`
	// ReadTimeoutSec bounds the acknowledgement wait; defaults to 30s.
	ReadTimeoutSec int `json:"readTimeoutSec"`
	// MaxFrameSize bounds the acknowledgement frame.
	MaxFrameSize int `json:"maxFrameSize"`
	// ReplyCodeActions overrides the reply-code table, e.g.
	// "AA=success,AE=suspend,AR=fail".
	ReplyCodeActions string `json:"replyCodeActions"`
}

// MllpClientHost is the "mllp/client" operation: it frames the envelope
// payload to the remote system, waits for the acknowledgement, and
// classifies the reply code through the action table. Suspending codes
// return a retryable failure so the host retry policy applies; rejecting
// codes fail permanently.
type MllpClientHost struct {
	Config  MllpClientConfiguration
	actions map[string]types.DeliveryAction

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
}

var _ types.Host = (*MllpClientHost)(nil)

func (x *MllpClientHost) Type() string {
	return "mllp/client"
}

func (x *MllpClientHost) Category() types.HostCategory {
	return types.CategoryOperation
}

func (x *MllpClientHost) New() types.Host {
	return &MllpClientHost{Config: MllpClientConfiguration{
		ConnectTimeoutSec: 10,
		ReadTimeoutSec:    30,
		MaxFrameSize:      mllp.DefaultMaxFrameSize,
	}}
}

func (x *MllpClientHost) Init(config types.Config, settings types.Configuration) error {
	if err := maps.Map2Struct(settings, &x.Config); err != nil {
		return err
	}
	if x.Config.Server == "" {
		return errors.New("remote address is empty")
	}
	x.actions = make(map[string]types.DeliveryAction, len(defaultReplyActions))
	for code, action := range defaultReplyActions {
		x.actions[code] = action
	}
	if x.Config.ReplyCodeActions != "" {
		pairs, err := str.ParsePairs(x.Config.ReplyCodeActions)
		if err != nil {
			return err
		}
		for code, action := range pairs {
			switch types.DeliveryAction(action) {
			case types.DeliverySuccess, types.DeliverySuspend, types.DeliveryFail:
				x.actions[code] = types.DeliveryAction(action)
			default:
				return errors.New("unknown reply action " + action)
			}
		}
	}
	return nil
}

// OnMessage delivers one envelope. The connection is dialed lazily and
// kept for subsequent sends; any transport error drops it so the next
// attempt redials.
func (x *MllpClientHost) OnMessage(ctx types.HostContext, env *types.Envelope) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	reply, err := x.exchange(env.Body.Raw())
	if err != nil {
		x.dropLocked()
		return err
	}
	code, err := hl7.AckCode(reply)
	if err != nil {
		// A malformed acknowledgement suspends: the remote said
		// something, just nothing the protocol recognizes.
		return &types.DeliveryFailureError{Action: types.DeliverySuspend, Reason: "malformed acknowledgement: " + err.Error()}
	}
	action, known := x.actions[code]
	if !known {
		action = types.DeliverySuspend
	}
	if action == types.DeliverySuccess {
		return nil
	}
	return &types.DeliveryFailureError{Code: code, Action: action, Reason: "remote acknowledged " + code}
}

func (x *MllpClientHost) exchange(payload []byte) ([]byte, error) {
	if err := x.ensureConnLocked(); err != nil {
		return nil, err
	}
	if err := mllp.WriteFrame(x.conn, payload); err != nil {
		return nil, classifyNetErr(err)
	}
	if x.Config.ReadTimeoutSec > 0 {
		_ = x.conn.SetReadDeadline(time.Now().Add(time.Duration(x.Config.ReadTimeoutSec) * time.Second))
	}
	reply, err := mllp.ReadFrame(x.reader, x.Config.MaxFrameSize)
	if err != nil {
		return nil, classifyNetErr(err)
	}
	return reply, nil
}

func (x *MllpClientHost) ensureConnLocked() error {
	if x.conn != nil {
		return nil
	}
	timeout := time.Duration(x.Config.ConnectTimeoutSec) * time.Second
	conn, err := net.DialTimeout("tcp", x.Config.Server, timeout)
	if err != nil {
		return classifyNetErr(err)
	}
	x.conn = conn
	x.reader = bufio.NewReader(conn)
	return nil
}

func (x *MllpClientHost) dropLocked() {
	if x.conn != nil {
		_ = x.conn.Close()
		x.conn = nil
		x.reader = nil
	}
}

// classifyNetErr maps transport failures onto the retryable timeout
// sentinel; a dead or slow remote is worth retrying.
func classifyNetErr(err error) error {
	var framing *types.ProtocolFramingError
	if errors.As(err, &framing) {
		return &types.DeliveryFailureError{Action: types.DeliverySuspend, Reason: framing.Reason}
	}
	return fmt.Errorf("%w: %v", types.ErrTimeout, err)
}

func (x *MllpClientHost) Destroy() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.dropLocked()
}
