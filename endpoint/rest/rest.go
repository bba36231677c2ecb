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

// Package rest implements the HTTP inbound service: one POST endpoint
// accepting message payloads into the production.
package rest

import (
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/medflow/medflow/api/types"
	"github.com/medflow/medflow/utils/json"
	"github.com/medflow/medflow/utils/maps"
)

// Components returns the host prototypes of this package.
func Components() []types.Host {
	return []types.Host{&ServerHost{}}
}

// ServerConfiguration is the HTTP inbound settings.
type ServerConfiguration struct {
	// Server is the listen address, e.g. ":8080".
	Server string `json:"server"`
	// Path is the POST route receiving payloads.
	Path string `json:"path"`
	// ContentType assumed when the request carries none.
	ContentType string `json:"contentType"`
	// MaxBodySize bounds one request body; defaults to 1 MiB.
	MaxBodySize int64 `json:"maxBodySize"`
}

// receipt is the JSON response of an accepted payload.
type receipt struct {
	EnvelopeId string `json:"envelopeId"`
	SessionId  string `json:"sessionId"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
}

// ServerHost is the "http/server" service.
type ServerHost struct {
	Config ServerConfiguration

	mu     sync.Mutex
	server *http.Server
	closed bool
}

var _ types.Service = (*ServerHost)(nil)

func (x *ServerHost) Type() string {
	return "http/server"
}

func (x *ServerHost) Category() types.HostCategory {
	return types.CategoryService
}

func (x *ServerHost) New() types.Host {
	return &ServerHost{Config: ServerConfiguration{
		Server:      ":8080",
		Path:        "/api/v1/messages",
		ContentType: types.ContentTypeHL7,
		MaxBodySize: 1 << 20,
	}}
}

func (x *ServerHost) Init(config types.Config, settings types.Configuration) error {
	if err := maps.Map2Struct(settings, &x.Config); err != nil {
		return err
	}
	if x.Config.Server == "" {
		return errors.New("listen address is empty")
	}
	if x.Config.Path == "" {
		x.Config.Path = "/api/v1/messages"
	}
	if x.Config.MaxBodySize <= 0 {
		x.Config.MaxBodySize = 1 << 20
	}
	return nil
}

func (x *ServerHost) OnMessage(ctx types.HostContext, env *types.Envelope) error {
	return errors.New("http/server does not accept queued messages")
}

func (x *ServerHost) Start(ctx types.HostContext) error {
	router := httprouter.New()
	router.POST(x.Config.Path, func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		x.receive(ctx, w, r)
	})
	srv := &http.Server{
		Addr:         x.Config.Server,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return nil
	}
	x.server = srv
	x.mu.Unlock()
	ctx.Logger().Printf("http server %s listening on %s", ctx.HostName(), x.Config.Server)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (x *ServerHost) receive(ctx types.HostContext, w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			ctx.Logger().Printf("http server %s: handler panic: %v", ctx.HostName(), rec)
			w.WriteHeader(http.StatusInternalServerError)
		}
	}()
	payload, err := io.ReadAll(io.LimitReader(r.Body, x.Config.MaxBodySize+1))
	if err != nil {
		http.Error(w, "cannot read body", http.StatusBadRequest)
		return
	}
	if int64(len(payload)) > x.Config.MaxBodySize {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}
	if len(payload) == 0 {
		http.Error(w, "empty body", http.StatusBadRequest)
		return
	}
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = x.Config.ContentType
	}
	md := types.NewMetadata()
	md.PutValue("remoteAddr", r.RemoteAddr)
	env := ctx.Config().NewMessageEnvelope(ctx.HostName(), contentType, payload, md)

	resp := receipt{EnvelopeId: env.Id, SessionId: env.SessionId, Status: "received"}
	status := http.StatusAccepted
	if _, perr := env.Body.Parse(); perr != nil {
		ctx.SendError(env, perr)
		resp.Status = "rejected"
		resp.Error = perr.Error()
		status = http.StatusUnprocessableEntity
	} else if ferr := ctx.ForwardAll(env); ferr != nil {
		resp.Status = "overloaded"
		resp.Error = ferr.Error()
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data, merr := json.Marshal(resp); merr == nil {
		_, _ = w.Write(data)
	}
}

func (x *ServerHost) Destroy() {
	x.mu.Lock()
	x.closed = true
	srv := x.server
	x.server = nil
	x.mu.Unlock()
	if srv != nil {
		_ = srv.Close()
	}
}
