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
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/medflow/medflow/api/types"
)

// WorkerEnv marks a child process as a host worker. The engine binary
// re-executes itself with this variable set; RunProcessWorkerIfChild
// takes over before any production is deployed.
const WorkerEnv = "MEDFLOW_WORKER"

const procResultTimeout = 60 * time.Second

// Wire frame operations between the engine and a worker process.
const (
	frameInit   = "init"
	frameReady  = "ready"
	frameMsg    = "msg"
	frameResult = "result"
	frameBeat   = "hb"
)

// wireFrame is one newline-delimited JSON frame on the worker pipe.
type wireFrame struct {
	Op        string              `json:"op"`
	HostType  string              `json:"hostType,omitempty"`
	HostName  string              `json:"hostName,omitempty"`
	Settings  types.Configuration `json:"settings,omitempty"`
	Targets   map[string][]string `json:"targets,omitempty"`
	Envelope  *types.Envelope     `json:"envelope,omitempty"`
	Forwards  []wireForward       `json:"forwards,omitempty"`
	Error     string              `json:"error,omitempty"`
	ErrCode   string              `json:"errCode,omitempty"`
	ErrAction string              `json:"errAction,omitempty"`
}

// wireForward is one forward the child collected while processing.
type wireForward struct {
	Target   string          `json:"target,omitempty"`
	Envelope *types.Envelope `json:"envelope"`
	IsError  bool            `json:"isError,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// procWorker owns one child process of a process-mode host: the pipes,
// the heartbeat watchdog, and lazy respawn under the restart policy.
type procWorker struct {
	hc    *HostCtx
	index int

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	enc      *json.Encoder
	results  chan *wireFrame
	done     chan struct{}
	lastBeat int64
	failed   bool
}

func newProcWorker(hc *HostCtx, index int) *procWorker {
	return &procWorker{hc: hc, index: index}
}

// spawn starts the child, sends the init frame, and waits for ready.
func (w *procWorker) spawn() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	cmd := exec.Command(exe)
	cmd.Env = append(os.Environ(), WorkerEnv+"=1")
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err = cmd.Start(); err != nil {
		return err
	}

	w.mu.Lock()
	w.cmd = cmd
	w.stdin = stdin
	w.enc = json.NewEncoder(stdin)
	w.results = make(chan *wireFrame, 1)
	w.done = make(chan struct{})
	w.failed = false
	atomic.StoreInt64(&w.lastBeat, time.Now().UnixNano())
	done, results := w.done, w.results
	w.mu.Unlock()

	go w.readLoop(stdout, done, results)
	go w.watchdog(done)
	go func() {
		_ = cmd.Wait()
	}()

	init := &wireFrame{
		Op:       frameInit,
		HostType: w.hc.def.Type,
		HostName: w.hc.name,
		Settings: w.hc.settings,
		Targets:  w.targetTable(),
	}
	if err = w.write(init); err != nil {
		w.kill()
		return err
	}
	select {
	case frame := <-results:
		if frame.Op != frameReady {
			w.kill()
			return fmt.Errorf("worker %s[%d]: unexpected %s frame before ready", w.hc.name, w.index, frame.Op)
		}
		if frame.Error != "" {
			w.kill()
			return &types.ComponentFailedError{HostName: w.hc.name, Cause: errors.New(frame.Error)}
		}
		return nil
	case <-done:
		return fmt.Errorf("worker %s[%d] exited during startup", w.hc.name, w.index)
	case <-time.After(3 * w.hc.config.HeartbeatInterval):
		w.kill()
		return fmt.Errorf("worker %s[%d] startup timeout", w.hc.name, w.index)
	}
}

func (w *procWorker) targetTable() map[string][]string {
	table := make(map[string][]string)
	for _, kind := range []types.ConnectionKind{types.ConnectionStandard, types.ConnectionError, types.ConnectionAsync} {
		if targets := w.hc.Targets(kind); len(targets) > 0 {
			table[string(kind)] = targets
		}
	}
	return table
}

func (w *procWorker) readLoop(stdout io.Reader, done chan struct{}, results chan *wireFrame) {
	defer close(done)
	dec := json.NewDecoder(bufio.NewReader(stdout))
	for {
		var frame wireFrame
		if err := dec.Decode(&frame); err != nil {
			return
		}
		if frame.Op == frameBeat {
			atomic.StoreInt64(&w.lastBeat, time.Now().UnixNano())
			continue
		}
		select {
		case results <- &frame:
		case <-time.After(time.Second):
			// Late result for an abandoned round trip.
		}
	}
}

// watchdog kills the child when three heartbeats are missed; the next
// round trip respawns it under the restart policy.
func (w *procWorker) watchdog(done chan struct{}) {
	interval := w.hc.config.HeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			last := time.Unix(0, atomic.LoadInt64(&w.lastBeat))
			if time.Since(last) > 3*interval {
				w.hc.config.Logger.Printf("worker %s[%d]: heartbeat lost, killing", w.hc.name, w.index)
				w.markFailed()
				w.kill()
				return
			}
		}
	}
}

func (w *procWorker) write(frame *wireFrame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.enc == nil {
		return types.ErrStopped
	}
	return w.enc.Encode(frame)
}

func (w *procWorker) markFailed() {
	w.mu.Lock()
	w.failed = true
	w.mu.Unlock()
}

func (w *procWorker) kill() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stdin != nil {
		_ = w.stdin.Close()
		w.stdin = nil
		w.enc = nil
	}
	if w.cmd != nil && w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
	}
	w.cmd = nil
}

func (w *procWorker) alive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cmd == nil || w.done == nil {
		return false
	}
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// ensureAlive respawns a dead child when the restart policy allows it.
func (w *procWorker) ensureAlive() error {
	if w.alive() {
		return nil
	}
	policy := w.hc.def.Restart
	if policy == "" {
		policy = types.RestartOnFailure
	}
	w.mu.Lock()
	wasFailed := w.failed || w.cmd == nil
	w.mu.Unlock()
	switch policy {
	case types.RestartNever:
		return &types.ComponentFailedError{HostName: w.hc.name, Cause: errors.New("worker process died and restart is disabled")}
	case types.RestartOnFailure:
		if !wasFailed {
			// Exits are failures from the engine's point of view unless
			// the host is stopping.
			if w.hc.State() == types.StateStopping || w.hc.State().Terminal() {
				return types.ErrStopped
			}
		}
	}
	w.hc.config.Logger.Printf("worker %s[%d]: restarting", w.hc.name, w.index)
	return w.spawn()
}

// processInParent is the worker-loop step of process mode: the envelope
// crosses into the child, the result's forwards are replayed in the
// engine process where hop recording lives.
func (w *procWorker) processInParent(env *types.Envelope) {
	hc := w.hc
	hc.processWith(env, func(e *types.Envelope) error {
		return hc.withRetry(func() error {
			return w.roundTrip(e)
		})
	})
}

func (w *procWorker) roundTrip(env *types.Envelope) error {
	if err := w.ensureAlive(); err != nil {
		return err
	}
	w.mu.Lock()
	done, results := w.done, w.results
	w.mu.Unlock()
	if err := w.write(&wireFrame{Op: frameMsg, Envelope: env}); err != nil {
		w.markFailed()
		return types.ErrTimeout
	}
	select {
	case frame := <-results:
		return w.applyResult(frame)
	case <-done:
		w.markFailed()
		return types.ErrTimeout
	case <-time.After(procResultTimeout):
		w.markFailed()
		w.kill()
		return types.ErrTimeout
	}
}

func (w *procWorker) applyResult(frame *wireFrame) error {
	hc := w.hc
	for _, f := range frame.Forwards {
		if f.Envelope == nil {
			continue
		}
		w.attachParser(f.Envelope)
		if f.IsError {
			hc.SendError(f.Envelope, errors.New(f.Error))
			continue
		}
		if err := hc.prod.submitTo(f.Target, f.Envelope.Fork(hc.name, f.Target)); err != nil {
			hc.RecordHop(f.Envelope, f.Target, types.HopStatusError, err)
		} else {
			hc.RecordHop(f.Envelope, f.Target, types.HopStatusSuccess, nil)
		}
	}
	if frame.Error == "" {
		return nil
	}
	if frame.ErrAction != "" {
		return &types.DeliveryFailureError{
			Code:   frame.ErrCode,
			Action: types.DeliveryAction(frame.ErrAction),
			Reason: frame.Error,
		}
	}
	return errors.New(frame.Error)
}

func (w *procWorker) attachParser(env *types.Envelope) {
	if env.Body == nil || w.hc.config.BodyParsers == nil {
		return
	}
	if parser, err := w.hc.config.BodyParsers.Resolve(env.Body.Class()); err == nil {
		env.Body.AttachParser(parser)
	}
}

// RunProcessWorkerIfChild hands the process over to the worker protocol
// when the worker environment marker is present. The engine main calls
// it first thing; the return value reports whether this process served
// as a worker and should exit.
func RunProcessWorkerIfChild() bool {
	if os.Getenv(WorkerEnv) == "" {
		return false
	}
	runWorker(os.Stdin, os.Stdout)
	return true
}

// runWorker is the child side of the protocol: init, heartbeats, then a
// msg/result loop until stdin closes.
func runWorker(in io.Reader, out io.Writer) {
	dec := json.NewDecoder(bufio.NewReader(in))
	var writeMu sync.Mutex
	enc := json.NewEncoder(out)
	write := func(frame *wireFrame) {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = enc.Encode(frame)
	}

	var init wireFrame
	if err := dec.Decode(&init); err != nil || init.Op != frameInit {
		write(&wireFrame{Op: frameReady, Error: "bad init frame"})
		return
	}
	config := NewConfig()
	config.TraceStore = nil // hops are recorded by the engine process
	host, err := config.HostRegistry.NewHost(init.HostType)
	if err != nil {
		write(&wireFrame{Op: frameReady, Error: err.Error()})
		return
	}
	wctx := &workerContext{name: init.HostName, config: config, targets: init.Targets}
	if err = host.Init(config, init.Settings); err != nil {
		write(&wireFrame{Op: frameReady, Error: err.Error()})
		return
	}
	write(&wireFrame{Op: frameReady})

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(config.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				write(&wireFrame{Op: frameBeat})
			}
		}
	}()

	for {
		var frame wireFrame
		if err = dec.Decode(&frame); err != nil {
			host.Destroy()
			return
		}
		if frame.Op != frameMsg || frame.Envelope == nil {
			continue
		}
		if frame.Envelope.Body != nil && config.BodyParsers != nil {
			if parser, perr := config.BodyParsers.Resolve(frame.Envelope.Body.Class()); perr == nil {
				frame.Envelope.Body.AttachParser(parser)
			}
		}
		wctx.forwards = nil
		result := &wireFrame{Op: frameResult}
		if perr := host.OnMessage(wctx, frame.Envelope); perr != nil {
			result.Error = perr.Error()
			var delivery *types.DeliveryFailureError
			if errors.As(perr, &delivery) {
				result.ErrCode = delivery.Code
				result.ErrAction = string(delivery.Action)
			}
		}
		result.Forwards = wctx.forwards
		write(result)
	}
}

// workerContext is the HostContext inside a worker process: forwards are
// collected and shipped back, hop recording belongs to the engine side.
type workerContext struct {
	name     string
	config   types.Config
	targets  map[string][]string
	forwards []wireForward
}

var _ types.HostContext = (*workerContext)(nil)

func (c *workerContext) HostName() string {
	return c.name
}

func (c *workerContext) Config() types.Config {
	return c.config
}

func (c *workerContext) Logger() types.Logger {
	return c.config.Logger
}

func (c *workerContext) Targets(kind types.ConnectionKind) []string {
	if kind == "" {
		kind = types.ConnectionStandard
	}
	return c.targets[string(kind)]
}

func (c *workerContext) Forward(env *types.Envelope, target string) error {
	c.forwards = append(c.forwards, wireForward{Target: target, Envelope: env})
	return nil
}

func (c *workerContext) ForwardAll(env *types.Envelope) error {
	for _, target := range c.Targets(types.ConnectionStandard) {
		_ = c.Forward(env, target)
	}
	for _, target := range c.Targets(types.ConnectionAsync) {
		_ = c.Forward(env, target)
	}
	return nil
}

func (c *workerContext) SendError(env *types.Envelope, cause error) {
	c.forwards = append(c.forwards, wireForward{Envelope: env, IsError: true, Error: cause.Error()})
}

func (c *workerContext) RecordHop(env *types.Envelope, target string, status types.HopStatus, cause error) {
}
