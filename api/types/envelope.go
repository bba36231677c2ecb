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

package types

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Built-in body classes.
const (
	BodyClassHL7  = "hl7/v2"
	BodyClassFHIR = "fhir/resource"
	BodyClassRaw  = "raw/bytes"
)

// Built-in content types mapped onto body classes at envelope creation.
const (
	ContentTypeHL7  = "x-application/hl7-v2+er7"
	ContentTypeFHIR = "application/fhir+json"
	ContentTypeRaw  = "application/octet-stream"
)

// Metadata key carrying the envelope priority for priority-ordered queues.
const PriorityKey = "priority"

// Metadata key carrying the comma-separated downstream targets a routed
// transform result is addressed to.
const RouteTargetsKey = "routeTargets"

// Metadata is the free-form key/value annotations of an envelope.
type Metadata map[string]string

// NewMetadata creates an empty metadata instance.
func NewMetadata() Metadata {
	return make(Metadata)
}

// BuildMetadata creates a metadata instance populated from data.
func BuildMetadata(data map[string]string) Metadata {
	md := make(Metadata, len(data))
	for k, v := range data {
		md[k] = v
	}
	return md
}

func (md Metadata) Copy() Metadata {
	return BuildMetadata(md)
}

func (md Metadata) Has(key string) bool {
	_, ok := md[key]
	return ok
}

func (md Metadata) GetValue(key string) string {
	return md[key]
}

func (md Metadata) PutValue(key, value string) {
	if key != "" {
		md[key] = value
	}
}

// ValidationState tracks the structural validation outcome of a body.
type ValidationState int32

const (
	ValidationUnvalidated ValidationState = iota
	ValidationValid
	ValidationInvalid
)

func (v ValidationState) String() string {
	switch v {
	case ValidationValid:
		return "valid"
	case ValidationInvalid:
		return "invalid"
	default:
		return "unvalidated"
	}
}

// Body is the payload of an envelope: the raw bytes stored eagerly plus a
// structured view parsed lazily on first access. The body class is set at
// creation and never changes; transformations create a new Body.
type Body struct {
	class  string
	raw    []byte
	parser BodyParser

	once      sync.Once
	view      FieldAccessor
	parseErr  error
	state     ValidationState
	errorText string
}

// NewBody creates a body of the given class. The parser may be nil for
// opaque classes; Parse then returns the body unparsed.
func NewBody(class string, raw []byte, parser BodyParser) *Body {
	return &Body{class: class, raw: raw, parser: parser}
}

// Class returns the body-class discriminator.
func (b *Body) Class() string {
	return b.class
}

// Raw returns the raw payload bytes.
func (b *Body) Raw() []byte {
	return b.raw
}

// Parse returns the structured view, parsing and validating at most once.
// Repeated calls return the memoized result.
func (b *Body) Parse() (FieldAccessor, error) {
	b.once.Do(func() {
		if b.parser == nil {
			b.state = ValidationUnvalidated
			return
		}
		view, err := b.parser.Parse(b.raw)
		if err != nil {
			b.parseErr = &ValidationError{BodyClass: b.class, Reason: err.Error()}
			b.state = ValidationInvalid
			b.errorText = err.Error()
			return
		}
		b.view = view
		b.state = ValidationValid
	})
	return b.view, b.parseErr
}

// Validation returns the current validation state and error text. The
// state is ValidationUnvalidated until Parse has run.
func (b *Body) Validation() (ValidationState, string) {
	return b.state, b.errorText
}

// Field resolves a field path against the parsed view. Unparseable bodies
// and unknown paths report ok=false.
func (b *Body) Field(path string) (string, bool) {
	view, err := b.Parse()
	if err != nil || view == nil {
		return "", false
	}
	return view.Field(path)
}

// AttachParser binds a parser to a body deserialized from the wire,
// where the parser reference cannot travel. It is a no-op once a parser
// is present or the body has been parsed.
func (b *Body) AttachParser(parser BodyParser) {
	if b.parser == nil && b.view == nil {
		b.parser = parser
	}
}

// Hash returns the content hash of the raw payload, used as the
// deduplication key of the trace body record.
func (b *Body) Hash() string {
	sum := sha256.Sum256(b.raw)
	return hex.EncodeToString(sum[:])
}

// bodyWire is the serialized form of a Body used by the process execution
// mode. The parsed view never crosses the process boundary.
type bodyWire struct {
	Class string `json:"class"`
	Raw   string `json:"raw"`
}

func (b *Body) MarshalJSON() ([]byte, error) {
	return json.Marshal(bodyWire{Class: b.class, Raw: base64.StdEncoding.EncodeToString(b.raw)})
}

func (b *Body) UnmarshalJSON(data []byte) error {
	var w bodyWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	raw, err := base64.StdEncoding.DecodeString(w.Raw)
	if err != nil {
		return err
	}
	b.class = w.Class
	b.raw = raw
	return nil
}

// Envelope is the routable wrapper around a message: identity and routing
// metadata, distinct from the body. Envelopes are immutable once created;
// every hop produces a new envelope via Fork or WithBody so that trace
// rows stay append-only.
type Envelope struct {
	// Id is unique per envelope, regenerated on every fork.
	Id string `json:"id"`
	// SessionId groups all hops of one logical end-to-end exchange.
	SessionId string `json:"sessionId"`
	// CorrelationId links request/reply exchanges.
	CorrelationId string `json:"correlationId,omitempty"`
	// ParentId references the envelope this one was forked from.
	ParentId string `json:"parentId,omitempty"`
	// Source is the deployed name of the host that created this envelope.
	Source string `json:"source"`
	// Target is the deployed name this envelope is addressed to.
	Target string `json:"target,omitempty"`
	// ContentType is the declared content type of the payload.
	ContentType string `json:"contentType"`
	// Ts is the creation time in epoch milliseconds.
	Ts int64 `json:"ts"`

	Metadata Metadata `json:"metadata"`
	Body     *Body    `json:"body"`
}

// BodyClassForContentType maps a content type onto the built-in body
// classes, falling back to the generic byte stream.
func BodyClassForContentType(contentType string) string {
	switch contentType {
	case ContentTypeHL7:
		return BodyClassHL7
	case ContentTypeFHIR:
		return BodyClassFHIR
	default:
		return BodyClassRaw
	}
}

// NewEnvelope builds an envelope around a freshly created body. The body
// class is chosen from the content type; the session id defaults to a new
// one grouping subsequent forks.
func NewEnvelope(contentType string, body *Body, metadata Metadata) *Envelope {
	if metadata == nil {
		metadata = NewMetadata()
	}
	return &Envelope{
		Id:          newId(),
		SessionId:   newId(),
		ContentType: contentType,
		Ts:          time.Now().UnixMilli(),
		Metadata:    metadata,
		Body:        body,
	}
}

// Fork creates the per-target copy delivered by multi-target routing: a
// fresh envelope id, the same session id, and a parent reference for
// lineage. The body is shared; bodies are immutable.
func (e *Envelope) Fork(source, target string) *Envelope {
	return &Envelope{
		Id:            newId(),
		SessionId:     e.SessionId,
		CorrelationId: e.CorrelationId,
		ParentId:      e.Id,
		Source:        source,
		Target:        target,
		ContentType:   e.ContentType,
		Ts:            time.Now().UnixMilli(),
		Metadata:      e.Metadata.Copy(),
		Body:          e.Body,
	}
}

// WithBody creates a transformation result: a fresh envelope in the same
// session carrying a new body. The original envelope and body are left
// untouched.
func (e *Envelope) WithBody(contentType string, body *Body) *Envelope {
	out := e.Fork(e.Source, e.Target)
	out.ContentType = contentType
	out.Body = body
	return out
}

// WithMetadataValue returns a copy of the envelope (same identity) whose
// metadata carries one additional entry. The original stays untouched.
func (e *Envelope) WithMetadataValue(key, value string) *Envelope {
	out := *e
	out.Metadata = e.Metadata.Copy()
	out.Metadata.PutValue(key, value)
	return &out
}

// Priority returns the numeric priority from metadata, zero when absent
// or malformed. Higher values dequeue first under priority ordering.
func (e *Envelope) Priority() int {
	v := e.Metadata.GetValue(PriorityKey)
	if v == "" {
		return 0
	}
	n := 0
	for _, c := range v {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func newId() string {
	id, _ := uuid.NewV4()
	return id.String()
}

// NewMessageEnvelope builds an inbound envelope: the body class is chosen
// from the content type and the parser resolved through the configured
// body parser registry. Classes without a registered parser stay opaque.
func (c Config) NewMessageEnvelope(source, contentType string, payload []byte, metadata Metadata) *Envelope {
	class := BodyClassForContentType(contentType)
	var parser BodyParser
	if c.BodyParsers != nil {
		parser, _ = c.BodyParsers.Resolve(class)
	}
	env := NewEnvelope(contentType, NewBody(class, payload, parser), metadata)
	env.Source = source
	return env
}
