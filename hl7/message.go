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

// Package hl7 implements the HL7 v2.x structured message view used by the
// engine: ER7 parsing, the field-path abstraction over segments, fields,
// repetitions and components, acknowledgement synthesis, and the parsers
// registered for the built-in body classes.
package hl7

import (
	"errors"
	"strings"

	"github.com/medflow/medflow/api/types"
)

// Default ER7 encoding characters.
const (
	FieldSep        = '|'
	ComponentSep    = '^'
	RepetitionSep   = '~'
	EscapeChar      = '\\'
	SubComponentSep = '&'
)

var (
	ErrNoMSH       = errors.New("message does not start with an MSH segment")
	ErrShortMSH    = errors.New("MSH segment is too short")
	ErrNoMsgType   = errors.New("MSH-9 message type is empty")
	ErrEmptyInput  = errors.New("empty message")
)

// Segment is one parsed segment: the three-letter name and its raw
// fields. Field zero is the segment name.
type Segment struct {
	Name   string
	fields []string
}

// Field returns the raw field at the 1-based index, empty when absent.
// For MSH, index 1 is the field separator and index 2 the encoding
// characters, matching standard numbering.
func (s *Segment) Field(index int) string {
	if index < 1 || index >= len(s.fields) {
		return ""
	}
	return s.fields[index]
}

// Message is the parsed, immutable view of one HL7 v2.x message.
type Message struct {
	segments []*Segment
	fieldSep byte
	compSep  byte
	repSep   byte
	subSep   byte
}

var _ types.FieldAccessor = (*Message)(nil)

// Parse parses an ER7-encoded message. Segment separators may be CR,
// LF, or CRLF. The message must start with a structurally sound MSH
// segment carrying a message type.
func Parse(raw []byte) (*Message, error) {
	text := strings.TrimRight(string(raw), "\r\n")
	if text == "" {
		return nil, ErrEmptyInput
	}
	if !strings.HasPrefix(text, "MSH") {
		return nil, ErrNoMSH
	}
	if len(text) < 8 {
		return nil, ErrShortMSH
	}
	m := &Message{
		fieldSep: text[3],
		compSep:  text[4],
		repSep:   text[5],
		subSep:   text[7],
	}
	lines := splitSegments(text)
	for _, line := range lines {
		if line == "" {
			continue
		}
		m.segments = append(m.segments, m.parseSegment(line))
	}
	if m.MessageType() == "" {
		return nil, ErrNoMsgType
	}
	return m, nil
}

func splitSegments(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\r")
	text = strings.ReplaceAll(text, "\n", "\r")
	return strings.Split(text, "\r")
}

func (m *Message) parseSegment(line string) *Segment {
	name := line
	if len(line) > 3 {
		name = line[:3]
	}
	seg := &Segment{Name: name}
	if name == "MSH" {
		// MSH-1 is the field separator itself and MSH-2 the encoding
		// characters, so the split starts after "MSH|".
		rest := strings.Split(line[4:], string(m.fieldSep))
		seg.fields = append([]string{name, string(m.fieldSep)}, rest...)
	} else {
		seg.fields = strings.Split(line, string(m.fieldSep))
	}
	return seg
}

// Segment returns the n-th occurrence (1-based) of the named segment.
func (m *Message) Segment(name string, occurrence int) (*Segment, bool) {
	if occurrence < 1 {
		occurrence = 1
	}
	seen := 0
	for _, seg := range m.segments {
		if seg.Name == name {
			seen++
			if seen == occurrence {
				return seg, true
			}
		}
	}
	return nil, false
}

// Segments returns all segments in document order.
func (m *Message) Segments() []*Segment {
	return m.segments
}

// Field resolves a field path against the message. Both the canonical
// form ("MSH-9-1") and legacy virtual-property paths ("HL7.MessageType",
// "PID.5.1") are accepted.
func (m *Message) Field(path string) (string, bool) {
	ref, err := TranslatePath(path)
	if err != nil {
		return "", false
	}
	seg, ok := m.Segment(ref.Segment, ref.Occurrence)
	if !ok {
		return "", false
	}
	if ref.Field == 0 {
		return seg.Name, true
	}
	value := seg.Field(ref.Field)
	if ref.Repetition > 0 {
		reps := strings.Split(value, string(m.repSep))
		if ref.Repetition > len(reps) {
			return "", false
		}
		value = reps[ref.Repetition-1]
	} else if i := strings.IndexByte(value, m.repSep); i >= 0 && ref.Component > 0 {
		// Component access defaults to the first repetition.
		value = value[:i]
	}
	if ref.Component > 0 {
		comps := strings.Split(value, string(m.compSep))
		if ref.Component > len(comps) {
			return "", false
		}
		value = comps[ref.Component-1]
		if ref.SubComponent > 0 {
			subs := strings.Split(value, string(m.subSep))
			if ref.SubComponent > len(subs) {
				return "", false
			}
			value = subs[ref.SubComponent-1]
		}
	}
	return value, true
}

// MessageType returns MSH-9-1, e.g. "ADT".
func (m *Message) MessageType() string {
	v, _ := m.Field("MSH-9-1")
	return v
}

// TriggerEvent returns MSH-9-2, e.g. "A01".
func (m *Message) TriggerEvent() string {
	v, _ := m.Field("MSH-9-2")
	return v
}

// TypeAndTrigger returns the combined type, e.g. "ADT^A01".
func (m *Message) TypeAndTrigger() string {
	v, _ := m.Field("MSH-9")
	return v
}

// ControlId returns MSH-10.
func (m *Message) ControlId() string {
	v, _ := m.Field("MSH-10")
	return v
}

// Version returns MSH-12-1.
func (m *Message) Version() string {
	v, _ := m.Field("MSH-12-1")
	return v
}

// Parser is the body parser for the "hl7/v2" body class.
type Parser struct{}

var _ types.BodyParser = (*Parser)(nil)

func (p *Parser) BodyClass() string {
	return types.BodyClassHL7
}

func (p *Parser) Parse(raw []byte) (types.FieldAccessor, error) {
	return Parse(raw)
}

// IndexedFields extracts the protocol fields stored alongside the
// deduplicated trace body for querying.
func IndexedFields(m *Message) map[string]string {
	fields := map[string]string{
		"messageType":  m.MessageType(),
		"triggerEvent": m.TriggerEvent(),
		"controlId":    m.ControlId(),
		"version":      m.Version(),
	}
	if v, ok := m.Field("MSH-3"); ok && v != "" {
		fields["sendingApplication"] = v
	}
	if v, ok := m.Field("MSH-4"); ok && v != "" {
		fields["sendingFacility"] = v
	}
	return fields
}
