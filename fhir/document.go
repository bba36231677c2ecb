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

// Package fhir implements the structured view of the "fhir/resource" body
// class: a JSON document addressed by dotted field paths.
package fhir

import (
	"errors"
	"strconv"
	"strings"

	"github.com/medflow/medflow/api/types"
	"github.com/medflow/medflow/utils/json"
)

var ErrNoResourceType = errors.New("document has no resourceType")

// Document is a parsed FHIR resource. Field paths are dotted JSON paths
// with optional numeric array indexes, e.g. "subject.reference" or
// "name.0.family".
type Document struct {
	root map[string]interface{}
}

var _ types.FieldAccessor = (*Document)(nil)

// Parse decodes a FHIR resource. The document must be a JSON object
// carrying a resourceType.
func Parse(raw []byte) (*Document, error) {
	var root map[string]interface{}
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, err
	}
	if rt, _ := root["resourceType"].(string); rt == "" {
		return nil, ErrNoResourceType
	}
	return &Document{root: root}, nil
}

// ResourceType returns the resourceType discriminator.
func (d *Document) ResourceType() string {
	rt, _ := d.root["resourceType"].(string)
	return rt
}

// Field resolves a dotted path against the document. Non-leaf results
// report ok=false; scalar leaves are rendered as their JSON text.
func (d *Document) Field(path string) (string, bool) {
	var node interface{} = d.root
	for _, part := range strings.Split(path, ".") {
		switch v := node.(type) {
		case map[string]interface{}:
			next, ok := v[part]
			if !ok {
				return "", false
			}
			node = next
		case []interface{}:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(v) {
				return "", false
			}
			node = v[i]
		default:
			return "", false
		}
	}
	switch v := node.(type) {
	case string:
		return v, true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(v), true
	case nil:
		return "", true
	default:
		return "", false
	}
}

// Parser is the body parser for the "fhir/resource" body class.
type Parser struct{}

var _ types.BodyParser = (*Parser)(nil)

func (p *Parser) BodyClass() string {
	return types.BodyClassFHIR
}

func (p *Parser) Parse(raw []byte) (types.FieldAccessor, error) {
	return Parse(raw)
}
