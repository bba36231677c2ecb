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
	"github.com/medflow/medflow/trace"
)

// NewConfig creates an engine configuration with the engine defaults:
// the built-in component registry, the built-in body parsers, the JSON
// topology parser, and an in-memory trace store.
func NewConfig(opts ...types.Option) types.Config {
	config := types.NewConfig(opts...)
	if config.HostRegistry == nil {
		config.HostRegistry = Registry
	}
	if config.BodyParsers == nil {
		config.BodyParsers = BodyParsers
	}
	if config.Parser == nil {
		config.Parser = &JsonParser{}
	}
	if config.TraceStore == nil {
		config.TraceStore = trace.NewMemoryStore()
	}
	return config
}
