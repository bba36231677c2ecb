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
	"net"
	"testing"
	"time"

	"github.com/medflow/medflow/api/types"
	"github.com/medflow/medflow/hl7"
	"github.com/medflow/medflow/test/assert"
)

const adtSample = "MSH|^~\\&|ADT1|MCM|LABADT|MCM|198808181126||ADT^A01|CTRL100|P|2.5\rPID|1||PATID1234||SMITH^WILLIAM"

// hl7Parsers resolves the HL7 body class only, enough for the listener.
type hl7Parsers struct{}

func (r *hl7Parsers) Register(parser types.BodyParser) error {
	return nil
}

func (r *hl7Parsers) Resolve(bodyClass string) (types.BodyParser, error) {
	if bodyClass == types.BodyClassHL7 {
		return &hl7.Parser{}, nil
	}
	return nil, &types.TypeResolutionError{TypeName: bodyClass, Reason: "no parser registered"}
}

// fakeCtx hands forwarded and error-routed envelopes to the test over
// channels, since the connection handler runs on its own goroutine.
type fakeCtx struct {
	config    types.Config
	forwarded chan *types.Envelope
	errored   chan *types.Envelope
}

func newFakeCtx() *fakeCtx {
	return &fakeCtx{
		config:    types.NewConfig(types.WithBodyParsers(&hl7Parsers{})),
		forwarded: make(chan *types.Envelope, 8),
		errored:   make(chan *types.Envelope, 8),
	}
}

func (f *fakeCtx) HostName() string {
	return "mllp-in"
}

func (f *fakeCtx) Config() types.Config {
	return f.config
}

func (f *fakeCtx) Logger() types.Logger {
	return types.DefaultLogger()
}

func (f *fakeCtx) Targets(kind types.ConnectionKind) []string {
	return nil
}

func (f *fakeCtx) Forward(env *types.Envelope, target string) error {
	f.forwarded <- env
	return nil
}

func (f *fakeCtx) ForwardAll(env *types.Envelope) error {
	f.forwarded <- env
	return nil
}

func (f *fakeCtx) SendError(env *types.Envelope, cause error) {
	f.errored <- env
}

func (f *fakeCtx) RecordHop(env *types.Envelope, target string, status types.HopStatus, cause error) {
}

func newServer(t *testing.T, settings types.Configuration) *ServerHost {
	t.Helper()
	host := (&ServerHost{}).New().(*ServerHost)
	if err := host.Init(types.NewConfig(), settings); err != nil {
		t.Fatalf("server init: %v", err)
	}
	return host
}

func recvEnv(t *testing.T, ch chan *types.Envelope) *types.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(3 * time.Second):
		t.Fatal("no envelope received")
		return nil
	}
}

func expectNone(t *testing.T, ch chan *types.Envelope) {
	t.Helper()
	select {
	case env := <-ch:
		t.Fatalf("unexpected envelope %s", env.Id)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestServerAcksBeforeRouting(t *testing.T) {
	host := newServer(t, types.Configuration{})
	ctx := newFakeCtx()
	client, server := net.Pipe()
	defer client.Close()
	go host.handle(ctx, server)

	assert.Nil(t, WriteFrame(client, []byte(adtSample)))
	ack, err := ReadFrame(bufio.NewReader(client), 0)
	assert.Nil(t, err)
	code, err := hl7.AckCode(ack)
	assert.Nil(t, err)
	assert.Equal(t, hl7.AckAccept, code)

	// MSA-2 of the acknowledgement echoes the inbound control id.
	parsed, err := hl7.Parse(ack)
	assert.Nil(t, err)
	echoed, _ := parsed.Field("MSA-2")
	assert.Equal(t, "CTRL100", echoed)

	env := recvEnv(t, ctx.forwarded)
	assert.Equal(t, []byte(adtSample), env.Body.Raw())
	assert.Equal(t, types.ContentTypeHL7, env.ContentType)
	assert.Equal(t, "mllp-in", env.Source)
	assert.True(t, env.Metadata.GetValue("remoteAddr") != "")
}

func TestServerOneAckPerFrame(t *testing.T) {
	host := newServer(t, types.Configuration{})
	ctx := newFakeCtx()
	client, server := net.Pipe()
	defer client.Close()
	go host.handle(ctx, server)

	reader := bufio.NewReader(client)
	for i := 0; i < 3; i++ {
		assert.Nil(t, WriteFrame(client, []byte(adtSample)))
		ack, err := ReadFrame(reader, 0)
		assert.Nil(t, err)
		code, err := hl7.AckCode(ack)
		assert.Nil(t, err)
		assert.Equal(t, hl7.AckAccept, code)
		recvEnv(t, ctx.forwarded)
	}
}

func TestServerRejectsUnparseableMessage(t *testing.T) {
	host := newServer(t, types.Configuration{})
	ctx := newFakeCtx()
	client, server := net.Pipe()
	defer client.Close()
	go host.handle(ctx, server)

	assert.Nil(t, WriteFrame(client, []byte("this is not hl7")))
	ack, err := ReadFrame(bufio.NewReader(client), 0)
	assert.Nil(t, err)
	code, err := hl7.AckCode(ack)
	assert.Nil(t, err)
	assert.Equal(t, hl7.AckError, code)

	// The message goes to the error path, never downstream.
	recvEnv(t, ctx.errored)
	expectNone(t, ctx.forwarded)
}

func TestServerAckModeAlways(t *testing.T) {
	host := newServer(t, types.Configuration{"ackMode": AckModeAlways})
	ctx := newFakeCtx()
	client, server := net.Pipe()
	defer client.Close()
	go host.handle(ctx, server)

	assert.Nil(t, WriteFrame(client, []byte("this is not hl7")))
	ack, err := ReadFrame(bufio.NewReader(client), 0)
	assert.Nil(t, err)
	code, err := hl7.AckCode(ack)
	assert.Nil(t, err)
	assert.Equal(t, hl7.AckAccept, code)
	recvEnv(t, ctx.forwarded)
}

func TestServerResetsOnFramingViolation(t *testing.T) {
	host := newServer(t, types.Configuration{})
	ctx := newFakeCtx()
	client, server := net.Pipe()
	defer client.Close()
	go host.handle(ctx, server)

	_, err := client.Write([]byte("no start block here\r"))
	assert.Nil(t, err)

	// The handler resets the connection without acknowledging.
	buf := make([]byte, 1)
	_ = client.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err = client.Read(buf)
	assert.NotNil(t, err)
	expectNone(t, ctx.forwarded)
	expectNone(t, ctx.errored)
}

func TestServerStartAndDestroy(t *testing.T) {
	host := newServer(t, types.Configuration{"server": "127.0.0.1:0"})
	ctx := newFakeCtx()
	done := make(chan error, 1)
	go func() {
		done <- host.Start(ctx)
	}()

	// Wait for the listener to come up, then exchange one message.
	var addr net.Addr
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		host.mu.Lock()
		if host.listener != nil {
			addr = host.listener.Addr()
		}
		host.mu.Unlock()
		if addr != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if addr == nil {
		t.Fatal("listener did not start")
	}

	conn, err := net.Dial("tcp", addr.String())
	assert.Nil(t, err)
	assert.Nil(t, WriteFrame(conn, []byte(adtSample)))
	ack, err := ReadFrame(bufio.NewReader(conn), 0)
	assert.Nil(t, err)
	code, err := hl7.AckCode(ack)
	assert.Nil(t, err)
	assert.Equal(t, hl7.AckAccept, code)
	recvEnv(t, ctx.forwarded)
	_ = conn.Close()

	host.Destroy()
	select {
	case err = <-done:
		assert.Nil(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("accept loop did not exit on destroy")
	}
}
