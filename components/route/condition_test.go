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
	"github.com/medflow/medflow/hl7"
	"github.com/medflow/medflow/test/assert"
)

const adtSample = "MSH|^~\\&|ADT1|MCM|LABADT|MCM|198808181126||ADT^A01|CTRL100|P|2.5\rPID|1||PATID1234||SMITH^WILLIAM"

func hl7Env(raw string) *types.Envelope {
	body := types.NewBody(types.BodyClassHL7, []byte(raw), &hl7.Parser{})
	return types.NewEnvelope(types.ContentTypeHL7, body, nil)
}

func TestConditionOperators(t *testing.T) {
	env := hl7Env(adtSample)
	tests := []struct {
		name string
		def  types.ConditionDef
		want bool
	}{
		{"equals hit", types.ConditionDef{Path: "MSH-9-1", Op: types.OpEquals, Value: "ADT"}, true},
		{"equals miss", types.ConditionDef{Path: "MSH-9-1", Op: types.OpEquals, Value: "ORU"}, false},
		{"notEquals", types.ConditionDef{Path: "MSH-9-1", Op: types.OpNotEquals, Value: "ORU"}, true},
		{"contains", types.ConditionDef{Path: "PID-5", Op: types.OpContains, Value: "SMITH"}, true},
		{"in hit", types.ConditionDef{Path: "MSH-9-2", Op: types.OpIn, Value: "A01, A04, A08"}, true},
		{"in miss", types.ConditionDef{Path: "MSH-9-2", Op: types.OpIn, Value: "A04,A08"}, false},
		{"matches", types.ConditionDef{Path: "MSH-10", Op: types.OpMatches, Value: `^CTRL\d+$`}, true},
		{"virtual property", types.ConditionDef{Path: "HL7.MessageType", Op: types.OpEquals, Value: "ADT"}, true},
		{"unresolved path", types.ConditionDef{Path: "ZZZ-1", Op: types.OpEquals, Value: "x"}, false},
		{"empty matches all", types.ConditionDef{}, true},
	}
	for _, tt := range tests {
		cond, err := CompileCondition(tt.def)
		assert.Nil(t, err, tt.name)
		got, err := cond.Eval(env)
		assert.Nil(t, err, tt.name)
		assert.Equal(t, tt.want, got, tt.name)
	}
}

func TestConditionAll(t *testing.T) {
	env := hl7Env(adtSample)
	cond, err := CompileCondition(types.ConditionDef{All: []types.ConditionDef{
		{Path: "MSH-9-1", Op: types.OpEquals, Value: "ADT"},
		{Path: "MSH-9-2", Op: types.OpEquals, Value: "A01"},
	}})
	assert.Nil(t, err)
	got, err := cond.Eval(env)
	assert.Nil(t, err)
	assert.True(t, got)

	cond, err = CompileCondition(types.ConditionDef{All: []types.ConditionDef{
		{Path: "MSH-9-1", Op: types.OpEquals, Value: "ADT"},
		{Path: "MSH-9-2", Op: types.OpEquals, Value: "A08"},
	}})
	assert.Nil(t, err)
	got, err = cond.Eval(env)
	assert.Nil(t, err)
	assert.False(t, got)
}

func TestConditionExpr(t *testing.T) {
	env := hl7Env(adtSample)
	env.Metadata.PutValue("facility", "north")

	cond, err := CompileCondition(types.ConditionDef{
		Expr: `contentType == "x-application/hl7-v2+er7" && field("MSH-9-1") == "ADT"`,
	})
	assert.Nil(t, err)
	got, err := cond.Eval(env)
	assert.Nil(t, err)
	assert.True(t, got)

	cond, err = CompileCondition(types.ConditionDef{Expr: `metadata["facility"] == "south"`})
	assert.Nil(t, err)
	got, err = cond.Eval(env)
	assert.Nil(t, err)
	assert.False(t, got)

	// A non-boolean result is a per-message evaluation error.
	cond, err = CompileCondition(types.ConditionDef{Expr: `field("MSH-10")`})
	assert.Nil(t, err)
	_, err = cond.Eval(env)
	assert.NotNil(t, err)
}

func TestConditionCompileErrors(t *testing.T) {
	for name, def := range map[string]types.ConditionDef{
		"unknown operator": {Path: "MSH-9", Op: "sounds-like", Value: "ADT"},
		"bad pattern":      {Path: "MSH-9", Op: types.OpMatches, Value: "(["},
		"missing path":     {Op: types.OpEquals, Value: "ADT"},
		"bad expression":   {Expr: "(("},
		"bad child":        {All: []types.ConditionDef{{Path: "MSH-9", Op: "nope"}}},
	} {
		_, err := CompileCondition(def)
		assert.NotNil(t, err, name)
	}
}

func TestExprEnv(t *testing.T) {
	env := hl7Env(adtSample)
	env.Source = "ingress"
	scope := ExprEnv(env)
	assert.Equal(t, "ingress", scope["source"])
	assert.Equal(t, types.BodyClassHL7, scope["bodyClass"])
	assert.Equal(t, "ADT^A01", scope["msgType"])
	field := scope["field"].(func(string) string)
	assert.Equal(t, "CTRL100", field("MSH-10"))
	assert.Equal(t, "", field("ZZZ-1"))
}
