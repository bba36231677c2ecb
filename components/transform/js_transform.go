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

// Package transform implements message transformation hosts.
package transform

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/medflow/medflow/api/types"
	"github.com/medflow/medflow/utils/json"
	"github.com/medflow/medflow/utils/maps"
)

// Components returns the host prototypes of this package.
func Components() []types.Host {
	return []types.Host{&JsTransformHost{}}
}

// JsTransformConfiguration is the transform host settings.
type JsTransformConfiguration struct {
	// Script must define transform(msg, metadata) returning the new
	// payload: a string, or an object serialized to JSON.
	Script string `json:"script"`
	// OutputContentType overrides the content type of the result;
	// defaults to the input content type.
	OutputContentType string `json:"outputContentType"`
}

// JsTransformHost is the "transform/js" process: it runs the configured
// script against each envelope and forwards a fresh envelope carrying
// the transformed body. When the routing layer annotated the envelope
// with explicit targets, the result goes there instead of the standard
// connections.
type JsTransformHost struct {
	Config  JsTransformConfiguration
	program *goja.Program
	config  types.Config
}

var _ types.Host = (*JsTransformHost)(nil)

func (x *JsTransformHost) Type() string {
	return "transform/js"
}

func (x *JsTransformHost) Category() types.HostCategory {
	return types.CategoryProcess
}

func (x *JsTransformHost) New() types.Host {
	return &JsTransformHost{}
}

func (x *JsTransformHost) Init(config types.Config, settings types.Configuration) error {
	if err := maps.Map2Struct(settings, &x.Config); err != nil {
		return err
	}
	if strings.TrimSpace(x.Config.Script) == "" {
		return errors.New("transform script is empty")
	}
	program, err := goja.Compile("transform", x.Config.Script, false)
	if err != nil {
		return err
	}
	x.program = program
	x.config = config
	return nil
}

func (x *JsTransformHost) OnMessage(ctx types.HostContext, env *types.Envelope) error {
	out, err := x.run(env)
	if err != nil {
		return err
	}
	contentType := x.Config.OutputContentType
	if contentType == "" {
		contentType = env.ContentType
	}
	class := types.BodyClassForContentType(contentType)
	var parser types.BodyParser
	if x.config.BodyParsers != nil {
		parser, _ = x.config.BodyParsers.Resolve(class)
	}
	result := env.WithBody(contentType, types.NewBody(class, out, parser))

	if routed := env.Metadata.GetValue(types.RouteTargetsKey); routed != "" {
		var firstErr error
		for _, target := range strings.Split(routed, ",") {
			target = strings.TrimSpace(target)
			if target == "" {
				continue
			}
			if err = ctx.Forward(result, target); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}
	return ctx.ForwardAll(result)
}

// run executes the script in a fresh runtime bounded by the configured
// execution deadline. A timeout interrupts the runtime mid-script.
func (x *JsTransformHost) run(env *types.Envelope) ([]byte, error) {
	vm := goja.New()
	if deadline := x.config.ScriptMaxExecutionTime; deadline > 0 {
		timer := time.AfterFunc(deadline, func() {
			vm.Interrupt("script execution timeout")
		})
		defer timer.Stop()
	}
	if _, err := vm.RunProgram(x.program); err != nil {
		return nil, err
	}
	fn, ok := goja.AssertFunction(vm.Get("transform"))
	if !ok {
		return nil, errors.New("script does not define transform(msg, metadata)")
	}
	value, err := fn(goja.Undefined(),
		vm.ToValue(string(env.Body.Raw())),
		vm.ToValue(map[string]string(env.Metadata)))
	if err != nil {
		return nil, err
	}
	switch exported := value.Export().(type) {
	case string:
		return []byte(exported), nil
	case []byte:
		return exported, nil
	case nil:
		return nil, errors.New("transform returned nothing")
	default:
		data, merr := json.Marshal(exported)
		if merr != nil {
			return nil, fmt.Errorf("transform returned unsupported type %T", exported)
		}
		return data, nil
	}
}

func (x *JsTransformHost) Destroy() {
}
