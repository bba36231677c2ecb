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

package fhir

import (
	"testing"

	"github.com/medflow/medflow/test/assert"
)

const patientSample = `{
	"resourceType": "Patient",
	"id": "pat-1",
	"active": true,
	"name": [
		{"family": "Smith", "given": ["William", "A"]},
		{"family": "Smith-Jones"}
	],
	"birthDate": "1961-06-15",
	"multipleBirthInteger": 2,
	"managingOrganization": {"reference": "Organization/mcm"},
	"deceasedBoolean": null
}`

func TestParsePatient(t *testing.T) {
	doc, err := Parse([]byte(patientSample))
	assert.Nil(t, err)
	assert.Equal(t, "Patient", doc.ResourceType())
}

func TestParseErrors(t *testing.T) {
	_, err := Parse([]byte("not json"))
	assert.NotNil(t, err)

	_, err = Parse([]byte(`{"id": "x"}`))
	assert.Equal(t, ErrNoResourceType, err)

	_, err = Parse([]byte(`{"resourceType": ""}`))
	assert.Equal(t, ErrNoResourceType, err)
}

func TestFieldPaths(t *testing.T) {
	doc, err := Parse([]byte(patientSample))
	assert.Nil(t, err)

	tests := []struct {
		path string
		want string
	}{
		{"resourceType", "Patient"},
		{"id", "pat-1"},
		{"active", "true"},
		{"birthDate", "1961-06-15"},
		{"multipleBirthInteger", "2"},
		{"name.0.family", "Smith"},
		{"name.1.family", "Smith-Jones"},
		{"name.0.given.1", "A"},
		{"managingOrganization.reference", "Organization/mcm"},
		{"deceasedBoolean", ""},
	}
	for _, tt := range tests {
		got, ok := doc.Field(tt.path)
		assert.True(t, ok, tt.path)
		assert.Equal(t, tt.want, got, tt.path)
	}
}

func TestFieldMisses(t *testing.T) {
	doc, err := Parse([]byte(patientSample))
	assert.Nil(t, err)

	for _, path := range []string{
		"ghost",
		"name.9.family",
		"name.x.family",
		"name.0.family.deeper",
		"name",   // non-leaf array
		"name.0", // non-leaf object
	} {
		_, ok := doc.Field(path)
		assert.False(t, ok, path)
	}
}

func TestBodyParser(t *testing.T) {
	p := &Parser{}
	view, err := p.Parse([]byte(patientSample))
	assert.Nil(t, err)
	got, ok := view.Field("id")
	assert.True(t, ok)
	assert.Equal(t, "pat-1", got)
}
