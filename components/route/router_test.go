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

package route

import (
	"testing"

	"github.com/medflow/medflow/api/types"
	"github.com/medflow/medflow/test/assert"
)

// fakeCtx records forwards and hops instead of touching a production.
type fakeCtx struct {
	forwards []fakeForward
	hops     []fakeHop
}

type fakeForward struct {
	target string
	env    *types.Envelope
}

type fakeHop struct {
	target string
	status types.HopStatus
}

func (f *fakeCtx) HostName() string {
	return "router"
}

func (f *fakeCtx) Config() types.Config {
	return types.NewConfig()
}

func (f *fakeCtx) Logger() types.Logger {
	return types.DefaultLogger()
}

func (f *fakeCtx) Targets(kind types.ConnectionKind) []string {
	return nil
}

func (f *fakeCtx) Forward(env *types.Envelope, target string) error {
	f.forwards = append(f.forwards, fakeForward{target: target, env: env})
	return nil
}

func (f *fakeCtx) ForwardAll(env *types.Envelope) error {
	return nil
}

func (f *fakeCtx) SendError(env *types.Envelope, cause error) {
}

func (f *fakeCtx) RecordHop(env *types.Envelope, target string, status types.HopStatus, cause error) {
	f.hops = append(f.hops, fakeHop{target: target, status: status})
}

func (f *fakeCtx) targetNames() []string {
	var out []string
	for _, fw := range f.forwards {
		out = append(out, fw.target)
	}
	return out
}

func newRouter(t *testing.T, settings types.Configuration) *RouterHost {
	t.Helper()
	host := (&RouterHost{}).New().(*RouterHost)
	if err := host.Init(types.NewConfig(), settings); err != nil {
		t.Fatalf("router init: %v", err)
	}
	return host
}

func rules(defs ...*types.RoutingRuleDef) types.Configuration {
	return types.Configuration{"rules": defs}
}

func TestRouterAllMatchesContribute(t *testing.T) {
	router := newRouter(t, rules(
		&types.RoutingRuleDef{Name: "adt", Priority: 10,
			When:    types.ConditionDef{Path: "MSH-9-1", Op: types.OpEquals, Value: "ADT"},
			Targets: []string{"lab", "billing"}},
		&types.RoutingRuleDef{Name: "audit", Priority: 20,
			Targets: []string{"archive", "lab"}},
	))
	ctx := &fakeCtx{}
	assert.Nil(t, router.OnMessage(ctx, hl7Env(adtSample)))
	// Duplicate targets collapse; order follows rule priority.
	assert.Equal(t, []string{"lab", "billing", "archive"}, ctx.targetNames())
}

func TestRouterPriorityOrder(t *testing.T) {
	router := newRouter(t, rules(
		&types.RoutingRuleDef{Name: "late", Priority: 50, Targets: []string{"b"}},
		&types.RoutingRuleDef{Name: "early", Priority: 1, Targets: []string{"a"}},
	))
	ctx := &fakeCtx{}
	assert.Nil(t, router.OnMessage(ctx, hl7Env(adtSample)))
	assert.Equal(t, []string{"a", "b"}, ctx.targetNames())
}

func TestRouterStopAction(t *testing.T) {
	router := newRouter(t, rules(
		&types.RoutingRuleDef{Name: "first", Priority: 1, Action: types.ActionStop, Targets: []string{"a"}},
		&types.RoutingRuleDef{Name: "second", Priority: 2, Targets: []string{"b"}},
	))
	ctx := &fakeCtx{}
	assert.Nil(t, router.OnMessage(ctx, hl7Env(adtSample)))
	assert.Equal(t, []string{"a"}, ctx.targetNames())
}

func TestRouterDeleteAction(t *testing.T) {
	router := newRouter(t, rules(
		&types.RoutingRuleDef{Name: "drop", Priority: 1, Action: types.ActionDelete},
		&types.RoutingRuleDef{Name: "never", Priority: 2, Targets: []string{"a"}},
	))
	ctx := &fakeCtx{}
	assert.Nil(t, router.OnMessage(ctx, hl7Env(adtSample)))
	assert.Equal(t, 0, len(ctx.forwards))
	assert.Equal(t, 1, len(ctx.hops))
	assert.Equal(t, types.HopStatusDeleted, ctx.hops[0].status)
}

func TestRouterTransformAction(t *testing.T) {
	router := newRouter(t, rules(
		&types.RoutingRuleDef{Name: "normalize", Priority: 1, Action: types.ActionTransform,
			Transform: "toFhir", Targets: []string{"ehr", "archive"}},
	))
	ctx := &fakeCtx{}
	assert.Nil(t, router.OnMessage(ctx, hl7Env(adtSample)))
	assert.Equal(t, []string{"toFhir"}, ctx.targetNames())
	// The transform host learns its downstream targets from metadata.
	routed := ctx.forwards[0].env
	assert.Equal(t, "ehr,archive", routed.Metadata.GetValue(types.RouteTargetsKey))
}

func TestRouterDisabledRule(t *testing.T) {
	off := false
	router := newRouter(t, rules(
		&types.RoutingRuleDef{Name: "off", Priority: 1, Enabled: &off, Targets: []string{"a"}},
		&types.RoutingRuleDef{Name: "on", Priority: 2, Targets: []string{"b"}},
	))
	ctx := &fakeCtx{}
	assert.Nil(t, router.OnMessage(ctx, hl7Env(adtSample)))
	assert.Equal(t, []string{"b"}, ctx.targetNames())
}

func TestRouterNoMatch(t *testing.T) {
	router := newRouter(t, rules(
		&types.RoutingRuleDef{Name: "oru", Priority: 1,
			When:    types.ConditionDef{Path: "MSH-9-1", Op: types.OpEquals, Value: "ORU"},
			Targets: []string{"lab"}},
	))
	ctx := &fakeCtx{}
	err := router.OnMessage(ctx, hl7Env(adtSample))
	assert.Equal(t, types.ErrRoutingNoMatch, err)
	assert.Equal(t, 0, len(ctx.forwards))
}

func TestRouterDefaultTarget(t *testing.T) {
	settings := rules(
		&types.RoutingRuleDef{Name: "oru", Priority: 1,
			When:    types.ConditionDef{Path: "MSH-9-1", Op: types.OpEquals, Value: "ORU"},
			Targets: []string{"lab"}},
	)
	settings["defaultTarget"] = "catchAll"
	router := newRouter(t, settings)
	ctx := &fakeCtx{}
	assert.Nil(t, router.OnMessage(ctx, hl7Env(adtSample)))
	assert.Equal(t, []string{"catchAll"}, ctx.targetNames())
}

func TestRouterSettingsDecoding(t *testing.T) {
	// Rules configured directly as raw maps, the way a standalone host
	// deployment decodes them from JSON.
	router := newRouter(t, types.Configuration{
		"rules": []interface{}{
			map[string]interface{}{
				"name":     "adt",
				"priority": 1,
				"when":     map[string]interface{}{"path": "MSH-9-1", "op": "equals", "value": "ADT"},
				"targets":  []interface{}{"lab"},
			},
		},
	})
	ctx := &fakeCtx{}
	assert.Nil(t, router.OnMessage(ctx, hl7Env(adtSample)))
	assert.Equal(t, []string{"lab"}, ctx.targetNames())
}
