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

package rest

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/medflow/medflow/api/types"
	"github.com/medflow/medflow/hl7"
	"github.com/medflow/medflow/test/assert"
)

const adtSample = "MSH|^~\\&|ADT1|MCM|LABADT|MCM|198808181126||ADT^A01|CTRL100|P|2.5\rPID|1||PATID1234||SMITH^WILLIAM"

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

type fakeCtx struct {
	config     types.Config
	forwarded  []*types.Envelope
	errored    []*types.Envelope
	forwardErr error
}

func newFakeCtx() *fakeCtx {
	return &fakeCtx{config: types.NewConfig(types.WithBodyParsers(&hl7Parsers{}))}
}

func (f *fakeCtx) HostName() string {
	return "http-in"
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
	f.forwarded = append(f.forwarded, env)
	return f.forwardErr
}

func (f *fakeCtx) ForwardAll(env *types.Envelope) error {
	if f.forwardErr != nil {
		return f.forwardErr
	}
	f.forwarded = append(f.forwarded, env)
	return nil
}

func (f *fakeCtx) SendError(env *types.Envelope, cause error) {
	f.errored = append(f.errored, env)
}

func (f *fakeCtx) RecordHop(env *types.Envelope, target string, status types.HopStatus, cause error) {
}

func newHost(t *testing.T, settings types.Configuration) *ServerHost {
	t.Helper()
	host := (&ServerHost{}).New().(*ServerHost)
	if err := host.Init(types.NewConfig(), settings); err != nil {
		t.Fatalf("server init: %v", err)
	}
	return host
}

func post(host *ServerHost, ctx *fakeCtx, contentType string, body string) (*httptest.ResponseRecorder, receipt) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/messages", bytes.NewReader([]byte(body)))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	host.receive(ctx, w, req)
	var resp receipt
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

func TestReceiveAccepted(t *testing.T) {
	host := newHost(t, types.Configuration{})
	ctx := newFakeCtx()

	w, resp := post(host, ctx, types.ContentTypeHL7, adtSample)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "received", resp.Status)
	assert.True(t, resp.EnvelopeId != "")
	assert.True(t, resp.SessionId != "")

	assert.Equal(t, 1, len(ctx.forwarded))
	env := ctx.forwarded[0]
	assert.Equal(t, resp.EnvelopeId, env.Id)
	assert.Equal(t, "http-in", env.Source)
	assert.Equal(t, []byte(adtSample), env.Body.Raw())
	assert.True(t, env.Metadata.GetValue("remoteAddr") != "")
}

func TestReceiveRejectsUnparseable(t *testing.T) {
	host := newHost(t, types.Configuration{})
	ctx := newFakeCtx()

	w, resp := post(host, ctx, types.ContentTypeHL7, "this is not hl7")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "rejected", resp.Status)
	assert.True(t, resp.Error != "")

	assert.Equal(t, 0, len(ctx.forwarded))
	assert.Equal(t, 1, len(ctx.errored))
}

func TestReceiveOverloaded(t *testing.T) {
	host := newHost(t, types.Configuration{})
	ctx := newFakeCtx()
	ctx.forwardErr = types.ErrQueueFull

	w, resp := post(host, ctx, types.ContentTypeHL7, adtSample)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "overloaded", resp.Status)
	assert.True(t, strings.Contains(resp.Error, "queue full"))
}

func TestReceiveEmptyBody(t *testing.T) {
	host := newHost(t, types.Configuration{})
	w, _ := post(host, newFakeCtx(), types.ContentTypeHL7, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReceiveBodyTooLarge(t *testing.T) {
	host := newHost(t, types.Configuration{"maxBodySize": 8})
	w, _ := post(host, newFakeCtx(), types.ContentTypeHL7, strings.Repeat("x", 64))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestReceiveDefaultContentType(t *testing.T) {
	host := newHost(t, types.Configuration{})
	ctx := newFakeCtx()

	w, _ := post(host, ctx, "", adtSample)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, types.ContentTypeHL7, ctx.forwarded[0].ContentType)
	assert.Equal(t, types.BodyClassHL7, ctx.forwarded[0].Body.Class())
}

func TestStartAfterDestroyIsNoop(t *testing.T) {
	host := newHost(t, types.Configuration{"server": "127.0.0.1:0"})
	host.Destroy()
	assert.Nil(t, host.Start(newFakeCtx()))
}
