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
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/medflow/medflow/api/types"
	"github.com/medflow/medflow/components/route"
	"github.com/medflow/medflow/utils/json"
	"github.com/medflow/medflow/utils/str"
)

// RulesSettingsKey is the settings key under which the production
// injects the routing rules into their router host before Init.
const RulesSettingsKey = "rules"

// Production owns a deployed topology: it instantiates hosts through
// the registry, wires their connections, and drives the lifecycle of
// every host. Start order is operations, then processes, then services,
// so a listener never accepts traffic before its downstream exists; stop
// runs in reverse.
type Production struct {
	Config types.Config

	// opMu serializes the lifecycle operations. mu only guards the host
	// table so submitTo never waits on a lifecycle operation.
	opMu sync.Mutex
	mu   sync.RWMutex

	def      types.Topology
	hosts    map[string]*HostCtx
	order    []string
	running  bool
	warnings []string
}

var _ types.Production = (*Production)(nil)

func NewProduction(config types.Config) *Production {
	return &Production{Config: config}
}

// Deploy validates the topology and constructs the host instances in
// StateCreated. Deploying over a running production is rejected; use
// Reload for a hot swap.
func (p *Production) Deploy(def types.Topology) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	if p.isRunning() {
		return errors.New("production is running, use reload")
	}
	if err := p.validate(def); err != nil {
		return err
	}
	hosts, order, err := p.build(def)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.def = def
	p.hosts = hosts
	p.order = order
	p.warnings = nil
	p.mu.Unlock()
	return nil
}

// Start initializes and starts every host in dependency order. With
// ContinueOnError set, a failing host becomes a warning and the rest of
// the topology still starts; otherwise the deploy is rolled back.
func (p *Production) Start() error {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	hosts, order := p.snapshot()
	if hosts == nil {
		return errors.New("no topology deployed")
	}
	if p.isRunning() {
		return nil
	}
	var warnings []string
	var started []*HostCtx
	for _, name := range order {
		hc := hosts[name]
		if err := p.startHost(hc); err != nil {
			if p.continueOnError() {
				warnings = append(warnings, fmt.Sprintf("host %s failed to start: %v", name, err))
				continue
			}
			for i := len(started) - 1; i >= 0; i-- {
				_ = started[i].stop()
			}
			return err
		}
		started = append(started, hc)
	}
	p.mu.Lock()
	p.running = true
	p.warnings = warnings
	p.mu.Unlock()
	p.Config.Logger.Printf("production %s started (%d hosts)", p.name(), len(started))
	return nil
}

func (p *Production) startHost(hc *HostCtx) error {
	if err := hc.init(); err != nil {
		return err
	}
	if err := hc.start(); err != nil {
		hc.fail(err)
		return err
	}
	return nil
}

// Stop stops every host in reverse start order: listeners close first,
// then processes and operations drain.
func (p *Production) Stop() error {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	hosts, order := p.snapshot()
	var firstErr error
	for i := len(order) - 1; i >= 0; i-- {
		hc := hosts[order[i]]
		if err := hc.stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	p.Config.Logger.Printf("production %s stopped", p.name())
	return firstErr
}

// Pause parks the worker loops of one host after in-flight messages
// finish. The queue keeps accepting.
func (p *Production) Pause(hostName string) error {
	hc, err := p.host(hostName)
	if err != nil {
		return err
	}
	return hc.pause()
}

// Resume restarts the worker loops of a paused host; the accrued queue
// drains in order.
func (p *Production) Resume(hostName string) error {
	hc, err := p.host(hostName)
	if err != nil {
		return err
	}
	return hc.resume()
}

// Reload hot-swaps the topology. Hosts whose definition is unchanged
// keep their instance, queue, and counters; changed hosts are stopped
// and replaced; added and removed hosts are started and stopped. The
// connection table is rebuilt for everyone.
func (p *Production) Reload(def types.Topology) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	if err := p.validate(def); err != nil {
		return err
	}
	next, order, err := p.build(def)
	if err != nil {
		return err
	}
	current, _ := p.snapshot()
	running := p.isRunning()
	var warnings []string

	for name, nhc := range next {
		old, ok := current[name]
		if ok && old.defSum == nhc.defSum && !old.State().Terminal() {
			// Unchanged definition: keep the live instance, adopt the
			// freshly compiled edges.
			old.setEdges(nhc.snapshotEdges())
			next[name] = old
			continue
		}
		if ok {
			_ = old.stop()
		}
	}
	// Swap the table before starting replacements so their forwards
	// resolve against the new topology.
	p.mu.Lock()
	p.def = def
	p.hosts = next
	p.order = order
	p.mu.Unlock()

	if running {
		for _, name := range order {
			hc := next[name]
			if hc.State() != types.StateCreated {
				continue
			}
			if err = p.startHost(hc); err != nil {
				if !p.continueOnError() {
					return err
				}
				warnings = append(warnings, fmt.Sprintf("host %s failed to start: %v", name, err))
			}
		}
	}
	for name, old := range current {
		if _, kept := next[name]; !kept {
			_ = old.stop()
		}
	}
	p.mu.Lock()
	p.warnings = warnings
	p.mu.Unlock()
	p.Config.Logger.Printf("production %s reloaded", p.name())
	return nil
}

// Status reflects the true current state of every host.
func (p *Production) Status() types.StatusReport {
	p.mu.RLock()
	defer p.mu.RUnlock()
	report := types.StatusReport{
		Production: p.def.Production.Name,
		State:      "Stopped",
		Warnings:   p.warnings,
	}
	if p.running {
		report.State = "Running"
	}
	for _, hd := range p.def.Hosts {
		if hc, ok := p.hosts[hd.Name]; ok {
			report.Hosts = append(report.Hosts, hc.status())
		}
	}
	return report
}

// TestSend injects a sample payload at the named host: services forward
// it as if received from the wire, queue hosts get it submitted.
func (p *Production) TestSend(hostName string, sample []byte) (types.TestSendResult, error) {
	hc, err := p.host(hostName)
	if err != nil {
		return types.TestSendResult{}, err
	}
	contentType := types.ContentTypeRaw
	if bytes.HasPrefix(sample, []byte("MSH")) {
		contentType = types.ContentTypeHL7
	}
	md := types.NewMetadata()
	md.PutValue("testSend", "true")
	env := p.Config.NewMessageEnvelope(hostName, contentType, sample, md)
	result := types.TestSendResult{EnvelopeId: env.Id, SessionId: env.SessionId}
	if hc.def.Category == types.CategoryService {
		err = hc.ForwardAll(env)
	} else {
		err = hc.Submit(env)
	}
	result.Accepted = err == nil
	if err != nil {
		result.Warnings = append(result.Warnings, err.Error())
	}
	return result, nil
}

// submitTo routes a forwarded envelope into the target host queue.
func (p *Production) submitTo(target string, env *types.Envelope) error {
	hc, err := p.host(target)
	if err != nil {
		return err
	}
	return hc.Submit(env)
}

func (p *Production) host(name string) (*HostCtx, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	hc, ok := p.hosts[name]
	if !ok {
		return nil, fmt.Errorf("unknown host %q", name)
	}
	return hc, nil
}

func (p *Production) snapshot() (map[string]*HostCtx, []string) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.hosts, p.order
}

func (p *Production) isRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

func (p *Production) continueOnError() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.def.Production.ContinueOnError
}

func (p *Production) name() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.def.Production.Name
}

// validate rejects a topology before any instance is touched: unknown
// types, dangling connections, and unresolvable rules all fail the
// deploy atomically.
func (p *Production) validate(def types.Topology) error {
	names := make(map[string]*types.HostDef, len(def.Hosts))
	for _, hd := range def.Hosts {
		if hd.Name == "" {
			return errors.New("host with empty name")
		}
		if _, dup := names[hd.Name]; dup {
			return fmt.Errorf("duplicate host name %q", hd.Name)
		}
		switch hd.Category {
		case types.CategoryService, types.CategoryProcess, types.CategoryOperation:
		default:
			return fmt.Errorf("host %s: unknown category %q", hd.Name, hd.Category)
		}
		switch hd.Mode {
		case "", types.ExecutionGo, types.ExecutionPool, types.ExecutionProcess:
		default:
			return fmt.Errorf("host %s: unknown execution mode %q", hd.Name, hd.Mode)
		}
		names[hd.Name] = hd
	}
	for _, c := range def.Connections {
		from, ok := names[c.From]
		if !ok {
			return fmt.Errorf("connection from unknown host %q", c.From)
		}
		to, ok := names[c.To]
		if !ok {
			return fmt.Errorf("connection to unknown host %q", c.To)
		}
		if from.Category == types.CategoryOperation && c.Kind != types.ConnectionError {
			return fmt.Errorf("connection %s -> %s: operations have no standard outbound connections", c.From, c.To)
		}
		if to.Category == types.CategoryService {
			return fmt.Errorf("connection %s -> %s: services cannot be targets", c.From, c.To)
		}
		switch c.Kind {
		case "", types.ConnectionStandard, types.ConnectionError, types.ConnectionAsync:
		default:
			return fmt.Errorf("connection %s -> %s: unknown kind %q", c.From, c.To, c.Kind)
		}
		if c.Filter != "" {
			if _, err := expr.Compile(c.Filter, expr.AllowUndefinedVariables()); err != nil {
				return fmt.Errorf("connection %s -> %s: bad filter: %v", c.From, c.To, err)
			}
		}
	}
	for _, rule := range def.Rules {
		router, err := resolveRouter(rule, def.Hosts)
		if err != nil {
			return err
		}
		if names[router].Category != types.CategoryProcess {
			return fmt.Errorf("rule %s: router %q is not a process", rule.Name, router)
		}
		for _, target := range rule.Targets {
			if _, ok := names[target]; !ok {
				return fmt.Errorf("rule %s: unknown target %q", rule.Name, target)
			}
		}
		if rule.Action == types.ActionTransform {
			if rule.Transform == "" {
				return fmt.Errorf("rule %s: transform action without a transform host", rule.Name)
			}
			if _, ok := names[rule.Transform]; !ok {
				return fmt.Errorf("rule %s: unknown transform host %q", rule.Name, rule.Transform)
			}
		}
		if _, err = route.CompileCondition(rule.When); err != nil {
			return fmt.Errorf("rule %s: bad condition: %v", rule.Name, err)
		}
	}
	return nil
}

// resolveRouter returns the router host a rule attaches to. A topology
// with a single router host may omit the reference.
func resolveRouter(rule *types.RoutingRuleDef, hosts []*types.HostDef) (string, error) {
	if rule.Router != "" {
		for _, hd := range hosts {
			if hd.Name == rule.Router {
				return rule.Router, nil
			}
		}
		return "", fmt.Errorf("rule %s: unknown router %q", rule.Name, rule.Router)
	}
	var routers []string
	for _, hd := range hosts {
		if ns, _, ok := splitQualified(hd.Type); ok && ns == "route" {
			routers = append(routers, hd.Name)
		}
	}
	if len(routers) == 1 {
		return routers[0], nil
	}
	return "", fmt.Errorf("rule %s: router reference required with %d router hosts", rule.Name, len(routers))
}

// build instantiates the hosts, compiles the connection table, and
// injects rules into their routers. Order is operations, processes,
// services, declaration order within each category.
func (p *Production) build(def types.Topology) (map[string]*HostCtx, []string, error) {
	registry := p.Config.HostRegistry
	if registry == nil {
		registry = Registry
	}

	rulesByRouter := make(map[string][]*types.RoutingRuleDef)
	for _, rule := range def.Rules {
		router, err := resolveRouter(rule, def.Hosts)
		if err != nil {
			return nil, nil, err
		}
		rulesByRouter[router] = append(rulesByRouter[router], rule)
	}

	hosts := make(map[string]*HostCtx, len(def.Hosts))
	for _, hd := range def.Hosts {
		if hd.Disabled {
			continue
		}
		impl, err := registry.NewHost(hd.Type)
		if err != nil {
			return nil, nil, err
		}
		if impl.Category() != hd.Category {
			return nil, nil, &types.TypeResolutionError{
				TypeName: hd.Type,
				Reason:   fmt.Sprintf("implements category %q, host %s declares %q", impl.Category(), hd.Name, hd.Category),
			}
		}
		settings := p.substituteSettings(hd.Settings)
		if rules, ok := rulesByRouter[hd.Name]; ok {
			settings[RulesSettingsKey] = rules
		}
		defSum, err := hostChecksum(hd, rulesByRouter[hd.Name])
		if err != nil {
			return nil, nil, err
		}
		hosts[hd.Name] = newHostCtx(p, hd, impl, p.Config, settings, defSum)
	}

	for _, c := range def.Connections {
		from, ok := hosts[c.From]
		if !ok {
			continue // disabled endpoint
		}
		if _, ok = hosts[c.To]; !ok {
			continue
		}
		kind := c.Kind
		if kind == "" {
			kind = types.ConnectionStandard
		}
		e := edge{to: c.To, kind: kind}
		if c.Filter != "" {
			prog, err := expr.Compile(c.Filter, expr.AllowUndefinedVariables())
			if err != nil {
				return nil, nil, fmt.Errorf("connection %s -> %s: bad filter: %v", c.From, c.To, err)
			}
			e.filter = prog
		}
		from.edges = append(from.edges, e)
	}

	var order []string
	for _, category := range []types.HostCategory{types.CategoryOperation, types.CategoryProcess, types.CategoryService} {
		for _, hd := range def.Hosts {
			if hd.Category == category && !hd.Disabled {
				order = append(order, hd.Name)
			}
		}
	}
	return hosts, order, nil
}

// substituteSettings applies ${global.key} substitution to every string
// setting, one level deep into nested maps and slices.
func (p *Production) substituteSettings(settings types.Configuration) types.Configuration {
	out := make(types.Configuration, len(settings))
	for k, v := range settings {
		out[k] = p.substituteValue(v)
	}
	return out
}

func (p *Production) substituteValue(v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		return str.ProcessVars(t, p.Config.Properties)
	case map[string]interface{}:
		nested := make(map[string]interface{}, len(t))
		for k, nv := range t {
			nested[k] = p.substituteValue(nv)
		}
		return nested
	case []interface{}:
		nested := make([]interface{}, len(t))
		for i, nv := range t {
			nested[i] = p.substituteValue(nv)
		}
		return nested
	default:
		return v
	}
}

// hostChecksum is the reload identity of a host: its definition plus the
// rules attached to it, so a rule edit restarts only its router.
func hostChecksum(hd *types.HostDef, rules []*types.RoutingRuleDef) (string, error) {
	data, err := json.Marshal(hd)
	if err != nil {
		return "", err
	}
	if len(rules) > 0 {
		extra, err := json.Marshal(rules)
		if err != nil {
			return "", err
		}
		data = append(data, extra...)
	}
	return string(data), nil
}
