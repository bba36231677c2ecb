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

package engine

import (
	"github.com/medflow/medflow/api/types"
)

// executionStrategy launches the worker loops of a host. The loops
// themselves observe the host state machine; shutdown only releases
// strategy-owned resources after the loops have returned.
type executionStrategy interface {
	start(hc *HostCtx) error
	shutdown(hc *HostCtx)
}

func newExecutionStrategy(mode types.ExecutionMode) executionStrategy {
	switch mode {
	case types.ExecutionPool:
		return &loopStrategy{}
	case types.ExecutionProcess:
		return &processStrategy{}
	default:
		return &loopStrategy{}
	}
}

// loopStrategy runs the worker loops in-process: one goroutine under
// ExecutionGo, a bounded pool under ExecutionPool.
type loopStrategy struct{}

func (s *loopStrategy) start(hc *HostCtx) error {
	for i := 0; i < hc.workers; i++ {
		hc.wg.Add(1)
		go func() {
			defer hc.wg.Done()
			hc.workerLoop(hc.process)
		}()
	}
	return nil
}

func (s *loopStrategy) shutdown(hc *HostCtx) {}

// processStrategy runs each worker loop against a child OS process, so a
// crash in the host implementation never takes the engine down.
type processStrategy struct {
	workers []*procWorker
}

func (s *processStrategy) start(hc *HostCtx) error {
	for i := 0; i < hc.workers; i++ {
		w := newProcWorker(hc, i)
		if err := w.spawn(); err != nil {
			for _, started := range s.workers {
				started.kill()
			}
			return err
		}
		s.workers = append(s.workers, w)
		hc.wg.Add(1)
		go func(w *procWorker) {
			defer hc.wg.Done()
			hc.workerLoop(w.processInParent)
		}(w)
	}
	return nil
}

func (s *processStrategy) shutdown(hc *HostCtx) {
	for _, w := range s.workers {
		w.kill()
	}
	s.workers = nil
}
