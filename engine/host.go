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
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/medflow/medflow/api/types"
	"github.com/medflow/medflow/components/route"
	"github.com/medflow/medflow/hl7"
)

// edge is one compiled outgoing connection of a host.
type edge struct {
	to     string
	kind   types.ConnectionKind
	filter *vm.Program
}

// HostCtx is the runtime around one deployed host: its work queue, its
// worker loops, the lifecycle state machine, and the HostContext handed
// to the implementation. All lifecycle methods are driven by the
// production; the host itself only transitions into StateFailed.
type HostCtx struct {
	name   string
	def    *types.HostDef
	defSum string
	impl   types.Host
	config types.Config
	prod   *Production

	queue   *workQueue
	edgesMu sync.RWMutex
	edges   []edge

	retry    *types.RetryDef
	workers  int
	strategy executionStrategy
	settings types.Configuration

	state   int32
	stateMu sync.Mutex
	wg      sync.WaitGroup

	drainDeadline int64
	processed     int64
	failed        int64
}

var _ types.HostContext = (*HostCtx)(nil)

func newHostCtx(prod *Production, def *types.HostDef, impl types.Host, config types.Config, settings types.Configuration, defSum string) *HostCtx {
	workers := def.PoolSize
	if workers <= 0 {
		workers = 1
	}
	mode := def.Mode
	if mode == "" {
		mode = types.ExecutionGo
	}
	if mode == types.ExecutionGo {
		workers = 1
	}
	hc := &HostCtx{
		name:    def.Name,
		def:     def,
		defSum:  defSum,
		impl:    impl,
		config:  config,
		prod:    prod,
		queue:    newWorkQueue(def.Queue),
		retry:    def.Retry,
		workers:  workers,
		settings: settings,
	}
	hc.strategy = newExecutionStrategy(mode)
	return hc
}

func (hc *HostCtx) State() types.LifecycleState {
	return types.LifecycleState(atomic.LoadInt32(&hc.state))
}

func validTransition(from, to types.LifecycleState) bool {
	if to == types.StateFailed {
		return from != types.StateFailed
	}
	switch from {
	case types.StateCreated:
		return to == types.StateInitializing
	case types.StateInitializing:
		return to == types.StateRunning
	case types.StateRunning:
		return to == types.StatePaused || to == types.StateStopping
	case types.StatePaused:
		return to == types.StateRunning || to == types.StateStopping
	case types.StateStopping:
		return to == types.StateStopped
	default:
		return false
	}
}

func (hc *HostCtx) setState(to types.LifecycleState) error {
	hc.stateMu.Lock()
	from := hc.State()
	if from == to {
		hc.stateMu.Unlock()
		return nil
	}
	if !validTransition(from, to) {
		hc.stateMu.Unlock()
		return fmt.Errorf("host %s: invalid state transition %s -> %s", hc.name, from, to)
	}
	atomic.StoreInt32(&hc.state, int32(to))
	cb := hc.config.OnStateChange
	hc.stateMu.Unlock()
	hc.config.Logger.Printf("host %s: %s -> %s", hc.name, from, to)
	if cb != nil {
		cb(hc.name, from, to)
	}
	return nil
}

func (hc *HostCtx) fail(cause error) {
	if err := hc.setState(types.StateFailed); err != nil {
		return
	}
	hc.config.Logger.Printf("host %s failed: %v", hc.name, cause)
}

// init runs the host Init with its decoded settings. Init failure is
// unrecoverable for this instance. Under process mode the real Init runs
// inside the worker processes; the engine side only keeps the settings.
func (hc *HostCtx) init() error {
	if err := hc.setState(types.StateInitializing); err != nil {
		return err
	}
	if hc.def.Mode == types.ExecutionProcess {
		return nil
	}
	if err := hc.impl.Init(hc.config, hc.settings); err != nil {
		wrapped := &types.ComponentFailedError{HostName: hc.name, Cause: err}
		hc.fail(wrapped)
		return wrapped
	}
	return nil
}

// start transitions into Running and launches the listener goroutine
// (services) and the worker loops (processes and operations).
func (hc *HostCtx) start() error {
	if err := hc.setState(types.StateRunning); err != nil {
		return err
	}
	if svc, ok := hc.impl.(types.Service); ok {
		hc.wg.Add(1)
		go func() {
			defer hc.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					hc.fail(fmt.Errorf("listener panic: %v", r))
				}
			}()
			if err := svc.Start(hc); err != nil && hc.State() == types.StateRunning {
				hc.fail(err)
			}
		}()
	}
	if hc.def.Category != types.CategoryService {
		return hc.strategy.start(hc)
	}
	return nil
}

func (hc *HostCtx) pause() error {
	return hc.setState(types.StatePaused)
}

func (hc *HostCtx) resume() error {
	return hc.setState(types.StateRunning)
}

// stop drains the queue within the grace period, reports leftovers as
// abandoned, and releases the implementation. Stopping a stopped host is
// a no-op.
func (hc *HostCtx) stop() error {
	if hc.State().Terminal() {
		return nil
	}
	atomic.StoreInt64(&hc.drainDeadline, time.Now().Add(hc.config.DrainGracePeriod).UnixNano())
	if err := hc.setState(types.StateStopping); err != nil {
		return err
	}
	_, isService := hc.impl.(types.Service)
	if isService {
		// Closing the listener first so Start returns and no new
		// envelopes enter the production during the drain.
		hc.impl.Destroy()
	}
	hc.queue.Close()
	hc.wg.Wait()
	hc.strategy.shutdown(hc)
	for _, env := range hc.queue.Drain() {
		hc.RecordHop(env, hc.name, types.HopStatusAbandoned, types.ErrStopped)
	}
	if !isService {
		hc.impl.Destroy()
	}
	return hc.setState(types.StateStopped)
}

func (hc *HostCtx) drainExpired() bool {
	return time.Now().UnixNano() > atomic.LoadInt64(&hc.drainDeadline)
}

// Submit enqueues an envelope addressed to this host. Paused hosts keep
// accepting; the queue accrues until resume.
func (hc *HostCtx) Submit(env *types.Envelope) error {
	switch hc.State() {
	case types.StateRunning, types.StatePaused:
	default:
		return types.ErrStopped
	}
	evicted, err := hc.queue.Submit(env)
	if evicted != nil {
		hc.config.Logger.Printf("host %s: queue overflow, evicted envelope %s", hc.name, evicted.Id)
		hc.RecordHop(evicted, hc.name, types.HopStatusAbandoned, types.ErrQueueFull)
	}
	return err
}

// workerLoop is the dequeue loop shared by all execution strategies.
// Pausing parks the loop between messages; stopping drains the queue up
// to the grace deadline.
func (hc *HostCtx) workerLoop(process func(*types.Envelope)) {
	for {
		switch hc.State() {
		case types.StateRunning:
			if env, ok := hc.queue.Poll(hc.config.DequeuePollTimeout); ok {
				process(env)
			}
		case types.StatePaused:
			time.Sleep(hc.config.DequeuePollTimeout)
		case types.StateStopping:
			if hc.drainExpired() {
				return
			}
			env, ok := hc.queue.Poll(50 * time.Millisecond)
			if !ok {
				return
			}
			process(env)
		default:
			return
		}
	}
}

func (hc *HostCtx) process(env *types.Envelope) {
	hc.processWith(env, func(e *types.Envelope) error {
		return hc.withRetry(func() error {
			return hc.impl.OnMessage(hc, e)
		})
	})
}

// processWith runs one envelope through the invoke function with panic
// isolation and error-path handling shared by all execution modes.
func (hc *HostCtx) processWith(env *types.Envelope, invoke func(*types.Envelope) error) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&hc.failed, 1)
			cause := fmt.Errorf("host %s: panic: %v", hc.name, r)
			hc.config.Logger.Printf("%v", cause)
			hc.SendError(env, cause)
		}
	}()
	if hook, ok := hc.impl.(types.BeforeProcessHook); ok {
		hook.BeforeProcess(hc, env)
	}
	err := invoke(env)
	if hook, ok := hc.impl.(types.AfterProcessHook); ok {
		hook.AfterProcess(hc, env, err)
	}
	if err == nil {
		atomic.AddInt64(&hc.processed, 1)
		if hc.def.Category == types.CategoryOperation {
			// Operations are leaves: the delivery itself is the hop.
			hc.RecordHop(env, hc.name, types.HopStatusSuccess, nil)
		}
		return
	}
	atomic.AddInt64(&hc.failed, 1)
	if hook, ok := hc.impl.(types.ErrorRecoveryHook); ok {
		if hook.OnProcessError(hc, env, err) {
			return
		}
	}
	hc.SendError(env, err)
}

// withRetry applies the host retry policy to retryable failures.
// Non-retryable errors abort immediately.
func (hc *HostCtx) withRetry(op func() error) error {
	if hc.retry == nil || hc.retry.MaxAttempts <= 1 {
		return op()
	}
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0
	if hc.retry.InitialIntervalMs > 0 {
		policy.InitialInterval = time.Duration(hc.retry.InitialIntervalMs) * time.Millisecond
	}
	if hc.retry.MaxIntervalMs > 0 {
		policy.MaxInterval = time.Duration(hc.retry.MaxIntervalMs) * time.Millisecond
	}
	if hc.retry.Multiplier > 1 {
		policy.Multiplier = hc.retry.Multiplier
	}
	policy.Reset()
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if types.IsRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithMaxRetries(policy, uint64(hc.retry.MaxAttempts-1)))
}

// HostContext implementation.

func (hc *HostCtx) HostName() string {
	return hc.name
}

func (hc *HostCtx) Config() types.Config {
	return hc.config
}

func (hc *HostCtx) Logger() types.Logger {
	return hc.config.Logger
}

// setEdges swaps the outgoing connection table, used at deploy and on
// hot reload while worker loops keep running.
func (hc *HostCtx) setEdges(edges []edge) {
	hc.edgesMu.Lock()
	hc.edges = edges
	hc.edgesMu.Unlock()
}

func (hc *HostCtx) snapshotEdges() []edge {
	hc.edgesMu.RLock()
	defer hc.edgesMu.RUnlock()
	return hc.edges
}

func (hc *HostCtx) Targets(kind types.ConnectionKind) []string {
	if kind == "" {
		kind = types.ConnectionStandard
	}
	var out []string
	for _, e := range hc.snapshotEdges() {
		if e.kind == kind {
			out = append(out, e.to)
		}
	}
	return out
}

func (hc *HostCtx) Forward(env *types.Envelope, target string) error {
	delivery := env.Fork(hc.name, target)
	if err := hc.prod.submitTo(target, delivery); err != nil {
		hc.RecordHop(delivery, target, types.HopStatusError, err)
		return err
	}
	hc.RecordHop(delivery, target, types.HopStatusSuccess, nil)
	return nil
}

// ForwardAll forwards over every standard and async edge whose filter
// matches. The first submit error is returned after all edges are tried.
func (hc *HostCtx) ForwardAll(env *types.Envelope) error {
	var firstErr error
	for _, e := range hc.snapshotEdges() {
		if e.kind == types.ConnectionError {
			continue
		}
		if !hc.edgeMatches(e, env) {
			continue
		}
		if err := hc.Forward(env, e.to); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (hc *HostCtx) edgeMatches(e edge, env *types.Envelope) bool {
	if e.filter == nil {
		return true
	}
	out, err := expr.Run(e.filter, route.ExprEnv(env))
	if err != nil {
		hc.config.Logger.Printf("host %s: connection filter to %s failed: %v", hc.name, e.to, err)
		return false
	}
	matched, _ := out.(bool)
	return matched
}

// SendError routes the envelope over the error connections, or records a
// terminal hop when none exist. The cause is never silently dropped.
func (hc *HostCtx) SendError(env *types.Envelope, cause error) {
	status := types.HopStatusError
	if types.IsRetryable(cause) {
		status = types.HopStatusSuspended
	}
	var errorEdges []edge
	for _, e := range hc.snapshotEdges() {
		if e.kind == types.ConnectionError {
			errorEdges = append(errorEdges, e)
		}
	}
	if len(errorEdges) == 0 {
		hc.config.Logger.Printf("host %s: envelope %s failed with no error connection: %v", hc.name, env.Id, cause)
		hc.RecordHop(env, hc.name, status, cause)
		return
	}
	for _, e := range errorEdges {
		delivery := env.Fork(hc.name, e.to)
		delivery.Metadata.PutValue("error", cause.Error())
		delivery.Metadata.PutValue("errorSource", hc.name)
		if err := hc.prod.submitTo(e.to, delivery); err != nil {
			hc.config.Logger.Printf("host %s: error path to %s unavailable: %v", hc.name, e.to, err)
			hc.RecordHop(delivery, e.to, types.HopStatusError, err)
			continue
		}
		hc.RecordHop(delivery, e.to, status, cause)
	}
}

// RecordHop persists the body record (deduplicated by content hash) and
// one trace header. Store failures are logged, never swallowed.
func (hc *HostCtx) RecordHop(env *types.Envelope, target string, status types.HopStatus, cause error) {
	store := hc.config.TraceStore
	if store == nil {
		return
	}
	now := time.Now()
	body := &types.TraceBody{
		Id:          env.Body.Hash(),
		ContentType: env.ContentType,
		BodyClass:   env.Body.Class(),
		Raw:         env.Body.Raw(),
		CreatedAt:   now,
	}
	if view, err := env.Body.Parse(); err == nil {
		if m, ok := view.(*hl7.Message); ok {
			body.Fields = hl7.IndexedFields(m)
		}
	}
	if err := store.SaveBody(body); err != nil {
		hc.config.Logger.Printf("host %s: trace body write failed: %v", hc.name, err)
	}
	header := &types.TraceHeader{
		Id:            env.Id,
		SessionId:     env.SessionId,
		CorrelationId: env.CorrelationId,
		ParentId:      env.ParentId,
		SourceHost:    hc.name,
		TargetHost:    target,
		Status:        status,
		IsError:       status == types.HopStatusError || status == types.HopStatusSuspended || status == types.HopStatusAbandoned,
		BodyId:        body.Id,
		CreatedAt:     now,
	}
	if cause != nil {
		header.ErrorText = cause.Error()
	}
	if err := store.SaveHop(header); err != nil {
		hc.config.Logger.Printf("host %s: trace header write failed: %v", hc.name, err)
	}
}

func (hc *HostCtx) status() types.HostStatus {
	mode := hc.def.Mode
	if mode == "" {
		mode = types.ExecutionGo
	}
	return types.HostStatus{
		Name:       hc.name,
		Category:   hc.def.Category,
		Type:       hc.def.Type,
		State:      hc.State().String(),
		QueueDepth: hc.queue.Len(),
		Processed:  atomic.LoadInt64(&hc.processed),
		Failed:     atomic.LoadInt64(&hc.failed),
		Workers:    hc.workers,
		Mode:       mode,
	}
}
