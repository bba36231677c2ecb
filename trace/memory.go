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

// Package trace persists the message audit trail: one header per hop and
// one deduplicated body record per unique payload.
package trace

import (
	"sort"
	"sync"

	"github.com/medflow/medflow/api/types"
)

// MemoryStore is the in-memory trace store used by default and in tests.
// Seq is assigned at save time, monotonic per session.
type MemoryStore struct {
	mu     sync.RWMutex
	hops   map[string][]*types.TraceHeader
	bodies map[string]*types.TraceBody
	seq    map[string]int64
}

var _ types.TraceStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		hops:   make(map[string][]*types.TraceHeader),
		bodies: make(map[string]*types.TraceBody),
		seq:    make(map[string]int64),
	}
}

func (s *MemoryStore) SaveHop(header *types.TraceHeader) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq[header.SessionId]++
	saved := *header
	saved.Seq = s.seq[header.SessionId]
	s.hops[header.SessionId] = append(s.hops[header.SessionId], &saved)
	return nil
}

func (s *MemoryStore) SaveBody(body *types.TraceBody) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bodies[body.Id]; ok {
		return nil
	}
	saved := *body
	s.bodies[body.Id] = &saved
	return nil
}

func (s *MemoryStore) Session(sessionId string) ([]*types.TraceHeader, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hops := s.hops[sessionId]
	out := make([]*types.TraceHeader, len(hops))
	copy(out, hops)
	sort.Slice(out, func(i, j int) bool {
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

// Body returns the deduplicated body record by its content hash.
func (s *MemoryStore) Body(id string) (*types.TraceBody, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	body, ok := s.bodies[id]
	return body, ok
}

// BodyCount reports the number of unique payloads stored.
func (s *MemoryStore) BodyCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bodies)
}

func (s *MemoryStore) Close() error {
	return nil
}
