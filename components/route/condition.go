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
	"fmt"
	"regexp"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/medflow/medflow/api/types"
)

// Condition is one compiled routing condition evaluated per envelope.
type Condition interface {
	Eval(env *types.Envelope) (bool, error)
}

// CompileCondition builds a condition from its definition. An empty
// definition matches every envelope. Compile errors surface at deploy
// time, never per message.
func CompileCondition(def types.ConditionDef) (Condition, error) {
	if def.Expr != "" {
		program, err := expr.Compile(def.Expr, expr.AllowUndefinedVariables())
		if err != nil {
			return nil, err
		}
		return &exprCondition{program: program}, nil
	}
	if len(def.All) > 0 {
		children := make([]Condition, 0, len(def.All))
		for _, child := range def.All {
			c, err := CompileCondition(child)
			if err != nil {
				return nil, err
			}
			children = append(children, c)
		}
		return &allCondition{children: children}, nil
	}
	if def.Path == "" && def.Op == "" {
		return &trueCondition{}, nil
	}
	if def.Path == "" {
		return nil, fmt.Errorf("operator condition without a field path")
	}
	cond := &opCondition{path: def.Path, op: def.Op, value: def.Value}
	switch def.Op {
	case types.OpEquals, types.OpNotEquals, types.OpContains:
	case types.OpIn:
		for _, v := range strings.Split(def.Value, ",") {
			cond.values = append(cond.values, strings.TrimSpace(v))
		}
	case types.OpMatches:
		re, err := regexp.Compile(def.Value)
		if err != nil {
			return nil, fmt.Errorf("bad pattern %q: %v", def.Value, err)
		}
		cond.pattern = re
	default:
		return nil, fmt.Errorf("unknown operator %q", def.Op)
	}
	return cond, nil
}

type trueCondition struct{}

func (c *trueCondition) Eval(env *types.Envelope) (bool, error) {
	return true, nil
}

type allCondition struct {
	children []Condition
}

func (c *allCondition) Eval(env *types.Envelope) (bool, error) {
	for _, child := range c.children {
		ok, err := child.Eval(env)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// opCondition compares one body field against a literal. A path that
// does not resolve never matches; it is not an error.
type opCondition struct {
	path    string
	op      string
	value   string
	values  []string
	pattern *regexp.Regexp
}

func (c *opCondition) Eval(env *types.Envelope) (bool, error) {
	actual, ok := env.Body.Field(c.path)
	if !ok {
		return false, nil
	}
	switch c.op {
	case types.OpEquals:
		return actual == c.value, nil
	case types.OpNotEquals:
		return actual != c.value, nil
	case types.OpContains:
		return strings.Contains(actual, c.value), nil
	case types.OpIn:
		for _, v := range c.values {
			if actual == v {
				return true, nil
			}
		}
		return false, nil
	case types.OpMatches:
		return c.pattern.MatchString(actual), nil
	default:
		return false, fmt.Errorf("unknown operator %q", c.op)
	}
}

type exprCondition struct {
	program *vm.Program
}

func (c *exprCondition) Eval(env *types.Envelope) (bool, error) {
	out, err := expr.Run(c.program, ExprEnv(env))
	if err != nil {
		return false, err
	}
	matched, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition expression returned %T, want bool", out)
	}
	return matched, nil
}

// ExprEnv is the evaluation environment of condition and connection
// filter expressions: envelope identity, metadata, and a field accessor
// into the parsed body.
func ExprEnv(env *types.Envelope) map[string]interface{} {
	msgType, _ := env.Body.Field("MSH-9")
	return map[string]interface{}{
		"id":          env.Id,
		"sessionId":   env.SessionId,
		"source":      env.Source,
		"contentType": env.ContentType,
		"bodyClass":   env.Body.Class(),
		"msgType":     msgType,
		"metadata":    map[string]string(env.Metadata),
		"field": func(path string) string {
			v, _ := env.Body.Field(path)
			return v
		},
	}
}
