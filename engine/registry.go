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
	"errors"
	"fmt"
	"plugin"
	"strings"
	"sync"

	"github.com/medflow/medflow/api/types"
	"github.com/medflow/medflow/components/operation"
	"github.com/medflow/medflow/components/route"
	"github.com/medflow/medflow/components/transform"
	"github.com/medflow/medflow/endpoint/file"
	"github.com/medflow/medflow/endpoint/mllp"
	"github.com/medflow/medflow/endpoint/rest"
	"github.com/medflow/medflow/fhir"
	"github.com/medflow/medflow/hl7"
)

// HostsSymbol is the symbol looked up in a host plugin file.
const HostsSymbol = "Hosts"

// Registry is the default host registry, pre-loaded with the built-in
// components.
var Registry = NewHostRegistry()

// BodyParsers is the default body parser registry.
var BodyParsers = NewBodyParserRegistry()

func init() {
	var components []types.Host
	components = append(components, mllp.Components()...)
	components = append(components, file.Components()...)
	components = append(components, rest.Components()...)
	components = append(components, route.Components()...)
	components = append(components, transform.Components()...)
	components = append(components, operation.Components()...)
	for _, host := range components {
		if err := Registry.Register(host); err != nil {
			panic(err)
		}
	}
	_ = BodyParsers.Register(&hl7.Parser{})
	_ = BodyParsers.Register(&fhir.Parser{})
}

// defaultAllowedNamespaces gates dynamic type resolution: only qualified
// names under these namespaces resolve. "x" is reserved for plugins and
// site extensions.
var defaultAllowedNamespaces = []string{
	"mllp", "http", "file", "route", "transform", "hl7", "fhir", "raw", "x",
}

// defaultDeniedNames are rejected even inside allowed namespaces.
var defaultDeniedNames = []string{
	"x/exec", "x/shell", "x/plugin",
}

// HostRegistry resolves qualified host type names. Registration is
// explicit; plugin files provide the dynamic fallback, gated by the same
// namespace allow-list as static registrations.
type HostRegistry struct {
	sync.RWMutex
	components map[string]types.Host
	plugins    map[string][]types.Host
	allowed    map[string]bool
	denied     map[string]bool
}

var _ types.HostRegistry = (*HostRegistry)(nil)

func NewHostRegistry() *HostRegistry {
	r := &HostRegistry{
		components: make(map[string]types.Host),
		plugins:    make(map[string][]types.Host),
		allowed:    make(map[string]bool),
		denied:     make(map[string]bool),
	}
	for _, ns := range defaultAllowedNamespaces {
		r.allowed[ns] = true
	}
	for _, name := range defaultDeniedNames {
		r.denied[name] = true
	}
	return r
}

// AllowNamespace adds a namespace to the resolution allow-list.
func (r *HostRegistry) AllowNamespace(ns string) {
	r.Lock()
	defer r.Unlock()
	r.allowed[ns] = true
}

// Register adds a host prototype. The qualified type must carry an
// allowed namespace and must not already exist.
func (r *HostRegistry) Register(host types.Host) error {
	if host == nil {
		return errors.New("host cannot be nil")
	}
	if err := r.checkGate(host.Type()); err != nil {
		return err
	}
	r.Lock()
	defer r.Unlock()
	if _, ok := r.components[host.Type()]; ok {
		return fmt.Errorf("host type %q already registered", host.Type())
	}
	r.components[host.Type()] = host
	return nil
}

// RegisterPlugin loads host prototypes from a Go plugin file and
// registers them under the plugin name. Every prototype must satisfy the
// host contract and pass the namespace gate; a single violation rejects
// the whole plugin.
func (r *HostRegistry) RegisterPlugin(name string, filePath string) error {
	hosts, err := loadPlugin(filePath)
	if err != nil {
		return err
	}
	for _, host := range hosts {
		if err := r.checkGate(host.Type()); err != nil {
			return err
		}
	}
	r.Lock()
	defer r.Unlock()
	for _, host := range hosts {
		if _, ok := r.components[host.Type()]; ok {
			return fmt.Errorf("host type %q already registered", host.Type())
		}
	}
	for _, host := range hosts {
		r.components[host.Type()] = host
	}
	r.plugins[name] = hosts
	return nil
}

// Unregister removes a host type or a whole plugin by name.
func (r *HostRegistry) Unregister(hostType string) error {
	r.Lock()
	defer r.Unlock()
	if hosts, ok := r.plugins[hostType]; ok {
		for _, host := range hosts {
			delete(r.components, host.Type())
		}
		delete(r.plugins, hostType)
		return nil
	}
	if _, ok := r.components[hostType]; !ok {
		return fmt.Errorf("host type %q not registered", hostType)
	}
	delete(r.components, hostType)
	return nil
}

// NewHost creates a fresh instance of the named type. Denied and unknown
// names fail with a *TypeResolutionError; no substitute type is ever
// returned.
func (r *HostRegistry) NewHost(hostType string) (types.Host, error) {
	if err := r.checkGate(hostType); err != nil {
		return nil, err
	}
	r.RLock()
	prototype, ok := r.components[hostType]
	r.RUnlock()
	if !ok {
		return nil, &types.TypeResolutionError{TypeName: hostType, Reason: "not registered"}
	}
	instance := prototype.New()
	if instance == nil || instance.Type() != hostType {
		return nil, &types.TypeResolutionError{TypeName: hostType, Reason: "prototype violates the host contract"}
	}
	return instance, nil
}

// Components returns a snapshot of all registered prototypes.
func (r *HostRegistry) Components() map[string]types.Host {
	r.RLock()
	defer r.RUnlock()
	out := make(map[string]types.Host, len(r.components))
	for k, v := range r.components {
		out[k] = v
	}
	return out
}

func (r *HostRegistry) checkGate(qualified string) error {
	ns, _, ok := splitQualified(qualified)
	if !ok {
		return &types.TypeResolutionError{TypeName: qualified, Reason: "type name is not namespace-qualified"}
	}
	r.RLock()
	defer r.RUnlock()
	if r.denied[qualified] {
		return &types.TypeResolutionError{TypeName: qualified, Reason: "type is denied"}
	}
	if !r.allowed[ns] {
		return &types.TypeResolutionError{TypeName: qualified, Reason: fmt.Sprintf("namespace %q is not allowed", ns)}
	}
	return nil
}

func splitQualified(qualified string) (ns, local string, ok bool) {
	i := strings.Index(qualified, types.NamespaceSeparator)
	if i <= 0 || i >= len(qualified)-1 {
		return "", "", false
	}
	return qualified[:i], qualified[i+1:], true
}

// loadPlugin opens the plugin file and extracts its host prototypes
// through the exported Hosts symbol.
func loadPlugin(filePath string) ([]types.Host, error) {
	p, err := plugin.Open(filePath)
	if err != nil {
		return nil, err
	}
	sym, err := p.Lookup(HostsSymbol)
	if err != nil {
		return nil, err
	}
	registry, ok := sym.(types.PluginRegistry)
	if !ok {
		return nil, errors.New("plugin does not export a host registry")
	}
	if err = registry.Init(); err != nil {
		return nil, err
	}
	return registry.Hosts(), nil
}

// BodyParserRegistry resolves body classes to parsers, with the same
// namespace gate as host resolution.
type BodyParserRegistry struct {
	sync.RWMutex
	parsers map[string]types.BodyParser
}

var _ types.BodyParserRegistry = (*BodyParserRegistry)(nil)

func NewBodyParserRegistry() *BodyParserRegistry {
	return &BodyParserRegistry{parsers: make(map[string]types.BodyParser)}
}

func (r *BodyParserRegistry) Register(parser types.BodyParser) error {
	if parser == nil {
		return errors.New("parser cannot be nil")
	}
	if _, _, ok := splitQualified(parser.BodyClass()); !ok {
		return &types.TypeResolutionError{TypeName: parser.BodyClass(), Reason: "body class is not namespace-qualified"}
	}
	r.Lock()
	defer r.Unlock()
	if _, ok := r.parsers[parser.BodyClass()]; ok {
		return fmt.Errorf("body class %q already registered", parser.BodyClass())
	}
	r.parsers[parser.BodyClass()] = parser
	return nil
}

func (r *BodyParserRegistry) Resolve(bodyClass string) (types.BodyParser, error) {
	r.RLock()
	defer r.RUnlock()
	parser, ok := r.parsers[bodyClass]
	if !ok {
		return nil, &types.TypeResolutionError{TypeName: bodyClass, Reason: "no parser registered"}
	}
	return parser, nil
}
