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

// Package manage exposes the production management surface: a REST API
// over the Production contract and a websocket status feed.
package manage

import (
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/medflow/medflow/api/types"
	"github.com/medflow/medflow/utils/json"
)

// Result is the uniform JSON envelope of management responses.
type Result struct {
	OK    bool        `json:"ok"`
	Error string      `json:"error,omitempty"`
	Data  interface{} `json:"data,omitempty"`
}

// Server is the management HTTP server. Every handler returns a typed
// result; a failing production operation is a 4xx/5xx with the cause,
// never a panic past the boundary.
type Server struct {
	prod   types.Production
	config types.Config
	addr   string

	upgrader     websocket.Upgrader
	feedInterval time.Duration

	mu     sync.Mutex
	server *http.Server
	closed bool
}

func NewServer(prod types.Production, config types.Config, addr string) *Server {
	return &Server{
		prod:         prod,
		config:       config,
		addr:         addr,
		upgrader:     websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 4096},
		feedInterval: 2 * time.Second,
	}
}

// Start serves the management API until Close.
func (s *Server) Start() error {
	router := httprouter.New()
	router.GET("/api/v1/status", s.wrap(s.handleStatus))
	router.POST("/api/v1/production/deploy", s.wrap(s.handleDeploy))
	router.POST("/api/v1/production/start", s.wrap(s.handleStart))
	router.POST("/api/v1/production/stop", s.wrap(s.handleStop))
	router.POST("/api/v1/production/reload", s.wrap(s.handleReload))
	router.POST("/api/v1/hosts/:name/pause", s.wrap(s.handlePause))
	router.POST("/api/v1/hosts/:name/resume", s.wrap(s.handleResume))
	router.POST("/api/v1/hosts/:name/testsend", s.wrap(s.handleTestSend))
	router.GET("/api/v1/sessions/:id", s.wrap(s.handleSession))
	router.GET("/ws/status", s.handleStatusFeed)

	srv := &http.Server{Addr: s.addr, Handler: router}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.server = srv
	s.mu.Unlock()
	s.config.Logger.Printf("management api listening on %s", s.addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	srv := s.server
	s.server = nil
	s.mu.Unlock()
	if srv != nil {
		_ = srv.Close()
	}
}

type handlerFunc func(r *http.Request, params httprouter.Params) (interface{}, int, error)

// wrap adds panic isolation and the uniform result envelope.
func (s *Server) wrap(h handlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		defer func() {
			if rec := recover(); rec != nil {
				s.config.Logger.Printf("management api: panic in %s %s: %v", r.Method, r.URL.Path, rec)
				s.write(w, http.StatusInternalServerError, Result{OK: false, Error: "internal error"})
			}
		}()
		data, status, err := h(r, params)
		if err != nil {
			s.write(w, status, Result{OK: false, Error: err.Error()})
			return
		}
		s.write(w, status, Result{OK: true, Data: data})
	}
}

func (s *Server) write(w http.ResponseWriter, status int, result Result) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data, err := json.Marshal(result); err == nil {
		_, _ = w.Write(data)
	}
}

func (s *Server) handleStatus(r *http.Request, _ httprouter.Params) (interface{}, int, error) {
	return s.prod.Status(), http.StatusOK, nil
}

func (s *Server) decodeTopology(r *http.Request) (types.Topology, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		return types.Topology{}, err
	}
	return s.config.Parser.DecodeTopology(body)
}

func (s *Server) handleDeploy(r *http.Request, _ httprouter.Params) (interface{}, int, error) {
	def, err := s.decodeTopology(r)
	if err != nil {
		return nil, http.StatusBadRequest, err
	}
	if err = s.prod.Deploy(def); err != nil {
		return nil, http.StatusConflict, err
	}
	return s.prod.Status(), http.StatusOK, nil
}

func (s *Server) handleStart(r *http.Request, _ httprouter.Params) (interface{}, int, error) {
	if err := s.prod.Start(); err != nil {
		return nil, http.StatusConflict, err
	}
	return s.prod.Status(), http.StatusOK, nil
}

func (s *Server) handleStop(r *http.Request, _ httprouter.Params) (interface{}, int, error) {
	if err := s.prod.Stop(); err != nil {
		return nil, http.StatusConflict, err
	}
	return s.prod.Status(), http.StatusOK, nil
}

func (s *Server) handleReload(r *http.Request, _ httprouter.Params) (interface{}, int, error) {
	def, err := s.decodeTopology(r)
	if err != nil {
		return nil, http.StatusBadRequest, err
	}
	if err = s.prod.Reload(def); err != nil {
		return nil, http.StatusConflict, err
	}
	return s.prod.Status(), http.StatusOK, nil
}

func (s *Server) handlePause(r *http.Request, params httprouter.Params) (interface{}, int, error) {
	if err := s.prod.Pause(params.ByName("name")); err != nil {
		return nil, http.StatusConflict, err
	}
	return nil, http.StatusOK, nil
}

func (s *Server) handleResume(r *http.Request, params httprouter.Params) (interface{}, int, error) {
	if err := s.prod.Resume(params.ByName("name")); err != nil {
		return nil, http.StatusConflict, err
	}
	return nil, http.StatusOK, nil
}

func (s *Server) handleTestSend(r *http.Request, params httprouter.Params) (interface{}, int, error) {
	sample, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		return nil, http.StatusBadRequest, err
	}
	if len(sample) == 0 {
		return nil, http.StatusBadRequest, errors.New("empty sample")
	}
	result, err := s.prod.TestSend(params.ByName("name"), sample)
	if err != nil {
		return nil, http.StatusNotFound, err
	}
	return result, http.StatusOK, nil
}

func (s *Server) handleSession(r *http.Request, params httprouter.Params) (interface{}, int, error) {
	if s.config.TraceStore == nil {
		return nil, http.StatusNotImplemented, errors.New("no trace store configured")
	}
	hops, err := s.config.TraceStore.Session(params.ByName("id"))
	if err != nil {
		return nil, http.StatusInternalServerError, err
	}
	return hops, http.StatusOK, nil
}

// handleStatusFeed streams the status report over a websocket until the
// client goes away.
func (s *Server) handleStatusFeed(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	ticker := time.NewTicker(s.feedInterval)
	defer ticker.Stop()
	for {
		if err = conn.WriteJSON(s.prod.Status()); err != nil {
			return
		}
		<-ticker.C
	}
}
