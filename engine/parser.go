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
	"github.com/medflow/medflow/utils/json"
)

// JsonParser is the default topology parser.
type JsonParser struct {
}

var _ types.TopologyParser = (*JsonParser)(nil)

func (p *JsonParser) DecodeTopology(def []byte) (types.Topology, error) {
	var topology types.Topology
	err := json.Unmarshal(def, &topology)
	return topology, err
}

func (p *JsonParser) EncodeTopology(def interface{}) ([]byte, error) {
	return json.Marshal(def)
}
