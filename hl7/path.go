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

package hl7

import (
	"fmt"
	"strconv"
	"strings"
)

// PathRef is the resolved form of a field path: segment name, optional
// segment occurrence, and the 1-based field/repetition/component/
// subcomponent coordinates. Zero coordinates mean "whole value at the
// previous level".
type PathRef struct {
	Segment      string
	Occurrence   int
	Field        int
	Repetition   int
	Component    int
	SubComponent int
}

// virtualProperties maps legacy vendor-style property names onto
// canonical paths, so pre-existing rule definitions remain valid.
var virtualProperties = map[string]string{
	"HL7.MessageType":          "MSH-9-1",
	"HL7.TriggerEvent":         "MSH-9-2",
	"HL7.MessageStructure":     "MSH-9-3",
	"HL7.MessageControlID":     "MSH-10",
	"HL7.SendingApplication":   "MSH-3",
	"HL7.SendingFacility":      "MSH-4",
	"HL7.ReceivingApplication": "MSH-5",
	"HL7.ReceivingFacility":    "MSH-6",
	"HL7.MessageTimestamp":     "MSH-7",
	"HL7.ProcessingID":         "MSH-11",
	"HL7.VersionID":            "MSH-12-1",
}

// TranslatePath parses a field path into a PathRef. Accepted forms:
//
//	MSH-9-1           canonical dash notation
//	PID.5.1           dotted notation
//	MSH:9.1           vendor segment:field.component notation
//	PID(2)-3-1        explicit segment occurrence
//	PID-3(2)-1        explicit field repetition
//	HL7.MessageType   virtual property
func TranslatePath(path string) (PathRef, error) {
	path = strings.TrimSpace(path)
	if canonical, ok := virtualProperties[path]; ok {
		path = canonical
	}
	if path == "" {
		return PathRef{}, fmt.Errorf("empty field path")
	}
	// Normalize the vendor "SEG:f.c" form onto dash notation.
	if i := strings.IndexByte(path, ':'); i > 0 {
		path = path[:i] + "-" + strings.ReplaceAll(path[i+1:], ".", "-")
	} else if strings.Contains(path, ".") && !strings.Contains(path, "-") {
		path = strings.ReplaceAll(path, ".", "-")
	}

	parts := strings.Split(path, "-")
	seg, occurrence, err := parseIndexed(parts[0])
	if err != nil {
		return PathRef{}, fmt.Errorf("bad segment in path %q: %v", path, err)
	}
	if len(seg) != 3 {
		return PathRef{}, fmt.Errorf("bad segment name %q in path %q", seg, path)
	}
	ref := PathRef{Segment: strings.ToUpper(seg), Occurrence: occurrence}
	if ref.Occurrence == 0 {
		ref.Occurrence = 1
	}

	coords := make([]int, 0, 3)
	for _, part := range parts[1:] {
		name, rep, err := parseIndexed(part)
		if err != nil {
			return PathRef{}, fmt.Errorf("bad coordinate %q in path %q: %v", part, path, err)
		}
		n, err := strconv.Atoi(name)
		if err != nil || n < 1 {
			return PathRef{}, fmt.Errorf("bad coordinate %q in path %q", part, path)
		}
		coords = append(coords, n)
		if rep > 0 {
			if len(coords) != 1 {
				return PathRef{}, fmt.Errorf("repetition allowed only on the field in path %q", path)
			}
			ref.Repetition = rep
		}
	}
	switch len(coords) {
	case 0:
	case 1:
		ref.Field = coords[0]
	case 2:
		ref.Field, ref.Component = coords[0], coords[1]
	case 3:
		ref.Field, ref.Component, ref.SubComponent = coords[0], coords[1], coords[2]
	default:
		return PathRef{}, fmt.Errorf("too many coordinates in path %q", path)
	}
	return ref, nil
}

// parseIndexed splits "name(n)" into name and n.
func parseIndexed(s string) (string, int, error) {
	open := strings.IndexByte(s, '(')
	if open < 0 {
		return s, 0, nil
	}
	if !strings.HasSuffix(s, ")") {
		return "", 0, fmt.Errorf("unbalanced parenthesis in %q", s)
	}
	n, err := strconv.Atoi(s[open+1 : len(s)-1])
	if err != nil || n < 1 {
		return "", 0, fmt.Errorf("bad index in %q", s)
	}
	return s[:open], n, nil
}
