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

package mllp

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/medflow/medflow/api/types"
	"github.com/medflow/medflow/hl7"
	"github.com/medflow/medflow/utils/maps"
)

// Acknowledgement modes of the inbound listener.
const (
	// AckModeValidation acknowledges AA for parseable messages and AE
	// otherwise.
	AckModeValidation = "validation"
	// AckModeAlways acknowledges AA for every well-framed message.
	AckModeAlways = "always"
)

// Components returns the host prototypes of this package.
func Components() []types.Host {
	return []types.Host{&ServerHost{}}
}

// ServerConfiguration is the inbound listener settings.
type ServerConfiguration struct {
	// Server is the listen address, e.g. ":2575".
	Server string `json:"server"`
	// ReadTimeoutSec closes idle connections; zero keeps them open.
	ReadTimeoutSec int `json:"readTimeoutSec"`
	// MaxFrameSize bounds one frame payload; defaults to 1 MiB.
	MaxFrameSize int `json:"maxFrameSize"`
	// AckMode selects the acknowledgement behavior.
	AckMode string `json:"ackMode"`
}

// ServerHost is the "mllp/server" service: it accepts TCP connections,
// unframes HL7 v2 messages, writes exactly one acknowledgement per
// well-formed frame before any routing, and forwards the envelope. A
// framing violation resets the connection without producing a message.
type ServerHost struct {
	Config ServerConfiguration

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

var _ types.Service = (*ServerHost)(nil)

func (x *ServerHost) Type() string {
	return "mllp/server"
}

func (x *ServerHost) Category() types.HostCategory {
	return types.CategoryService
}

func (x *ServerHost) New() types.Host {
	return &ServerHost{Config: ServerConfiguration{
		Server:       ":2575",
		MaxFrameSize: DefaultMaxFrameSize,
		AckMode:      AckModeValidation,
	}}
}

func (x *ServerHost) Init(config types.Config, settings types.Configuration) error {
	if err := maps.Map2Struct(settings, &x.Config); err != nil {
		return err
	}
	if x.Config.Server == "" {
		return errors.New("listen address is empty")
	}
	if x.Config.MaxFrameSize <= 0 {
		x.Config.MaxFrameSize = DefaultMaxFrameSize
	}
	if x.Config.AckMode == "" {
		x.Config.AckMode = AckModeValidation
	}
	return nil
}

func (x *ServerHost) OnMessage(ctx types.HostContext, env *types.Envelope) error {
	// Inbound only; queue submissions to a listener are a topology error.
	return errors.New("mllp/server does not accept queued messages")
}

// Start owns the accept loop until Destroy closes the listener.
func (x *ServerHost) Start(ctx types.HostContext) error {
	ln, err := net.Listen("tcp", x.Config.Server)
	if err != nil {
		return err
	}
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	x.listener = ln
	x.mu.Unlock()
	ctx.Logger().Printf("mllp server %s listening on %s", ctx.HostName(), x.Config.Server)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if x.isClosed() {
				return nil
			}
			return err
		}
		go x.handle(ctx, conn)
	}
}

func (x *ServerHost) handle(ctx types.HostContext, conn net.Conn) {
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			ctx.Logger().Printf("mllp server %s: connection handler panic: %v", ctx.HostName(), r)
		}
	}()
	remote := conn.RemoteAddr().String()
	reader := bufio.NewReader(conn)
	for {
		if x.Config.ReadTimeoutSec > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(time.Duration(x.Config.ReadTimeoutSec) * time.Second))
		}
		payload, err := ReadFrame(reader, x.Config.MaxFrameSize)
		if err != nil {
			var framing *types.ProtocolFramingError
			if errors.As(err, &framing) {
				framing.Remote = remote
				ctx.Logger().Printf("mllp server %s: resetting connection: %v", ctx.HostName(), framing)
			}
			return
		}

		md := types.NewMetadata()
		md.PutValue("remoteAddr", remote)
		env := ctx.Config().NewMessageEnvelope(ctx.HostName(), types.ContentTypeHL7, payload, md)

		// The acknowledgement is written before the envelope enters any
		// queue, so the sender's view never depends on downstream work.
		view, perr := env.Body.Parse()
		ack := x.buildAck(view, perr)
		if err = WriteFrame(conn, ack); err != nil {
			ctx.Logger().Printf("mllp server %s: ack write to %s failed: %v", ctx.HostName(), remote, err)
			return
		}
		if perr != nil && x.Config.AckMode != AckModeAlways {
			ctx.SendError(env, perr)
			continue
		}
		_ = ctx.ForwardAll(env)
	}
}

func (x *ServerHost) buildAck(view types.FieldAccessor, perr error) []byte {
	if perr != nil {
		if x.Config.AckMode == AckModeAlways {
			return hl7.BuildAck(nil, hl7.AckAccept, "")
		}
		return hl7.BuildAck(nil, hl7.AckError, perr.Error())
	}
	m, _ := view.(*hl7.Message)
	return hl7.BuildAck(m, hl7.AckAccept, "")
}

func (x *ServerHost) isClosed() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.closed
}

func (x *ServerHost) Destroy() {
	x.mu.Lock()
	x.closed = true
	ln := x.listener
	x.listener = nil
	x.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
}
