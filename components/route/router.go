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

// Package route implements content-based routing: the router host
// evaluates its rules against each envelope and forwards independent
// copies to every contributed target.
package route

import (
	"sort"
	"strings"

	"github.com/medflow/medflow/api/types"
	"github.com/medflow/medflow/utils/maps"
)

// Components returns the host prototypes of this package.
func Components() []types.Host {
	return []types.Host{&RouterHost{}}
}

// RouterConfiguration is the router host settings.
type RouterConfiguration struct {
	// DefaultTarget receives envelopes no rule matched. Without it a
	// no-match goes to the error path.
	DefaultTarget string `json:"defaultTarget"`
}

// RouterHost is the "route/router" process. Rule evaluation is
// all-matches-contribute: every enabled matching rule adds its targets,
// duplicates collapse, and each distinct target receives its own fork.
type RouterHost struct {
	Config RouterConfiguration
	rules  []*compiledRule
}

type compiledRule struct {
	def  *types.RoutingRuleDef
	when Condition
}

var _ types.Host = (*RouterHost)(nil)

func (x *RouterHost) Type() string {
	return "route/router"
}

func (x *RouterHost) Category() types.HostCategory {
	return types.CategoryProcess
}

func (x *RouterHost) New() types.Host {
	return &RouterHost{}
}

// Init decodes the settings and compiles the rules injected by the
// production. Rules evaluate in ascending priority, declaration order
// within equal priority.
func (x *RouterHost) Init(config types.Config, settings types.Configuration) error {
	if err := maps.Map2Struct(settings, &x.Config); err != nil {
		return err
	}
	defs, err := ruleDefs(settings)
	if err != nil {
		return err
	}
	sorted := make([]*types.RoutingRuleDef, len(defs))
	copy(sorted, defs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})
	x.rules = x.rules[:0]
	for _, def := range sorted {
		when, err := CompileCondition(def.When)
		if err != nil {
			return err
		}
		x.rules = append(x.rules, &compiledRule{def: def, when: when})
	}
	return nil
}

// ruleDefs extracts the rule definitions from the settings: the typed
// slice the production injects, or the raw decoded form when the host is
// configured directly.
func ruleDefs(settings types.Configuration) ([]*types.RoutingRuleDef, error) {
	raw, ok := settings["rules"]
	if !ok {
		return nil, nil
	}
	if defs, ok := raw.([]*types.RoutingRuleDef); ok {
		return defs, nil
	}
	var holder struct {
		Rules []*types.RoutingRuleDef `json:"rules"`
	}
	if err := maps.Map2Struct(settings, &holder); err != nil {
		return nil, err
	}
	return holder.Rules, nil
}

func (x *RouterHost) OnMessage(ctx types.HostContext, env *types.Envelope) error {
	var targets []string
	var transforms []transformRoute
	seen := make(map[string]bool)
	add := func(target string) {
		if target != "" && !seen[target] {
			seen[target] = true
			targets = append(targets, target)
		}
	}
	matched := false
evaluation:
	for _, rule := range x.rules {
		if !rule.def.IsEnabled() {
			continue
		}
		ok, err := rule.when.Eval(env)
		if err != nil {
			ctx.Logger().Printf("router %s: rule %s: %v", ctx.HostName(), rule.def.Name, err)
			continue
		}
		if !ok {
			continue
		}
		matched = true
		switch rule.def.Action {
		case types.ActionDelete:
			ctx.RecordHop(env, ctx.HostName(), types.HopStatusDeleted, nil)
			return nil
		case types.ActionTransform:
			transforms = append(transforms, transformRoute{
				host:    rule.def.Transform,
				targets: rule.def.Targets,
			})
		case types.ActionStop:
			for _, t := range rule.def.Targets {
				add(t)
			}
			break evaluation
		default:
			for _, t := range rule.def.Targets {
				add(t)
			}
		}
	}
	if !matched {
		if x.Config.DefaultTarget != "" {
			return ctx.Forward(env, x.Config.DefaultTarget)
		}
		return types.ErrRoutingNoMatch
	}
	var firstErr error
	for _, t := range targets {
		if err := ctx.Forward(env, t); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, tr := range transforms {
		routed := env.WithMetadataValue(types.RouteTargetsKey, strings.Join(tr.targets, ","))
		if err := ctx.Forward(routed, tr.host); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// transformRoute carries one matched transform action: the transform
// host and the targets that receive its output.
type transformRoute struct {
	host    string
	targets []string
}

func (x *RouterHost) Destroy() {
}
