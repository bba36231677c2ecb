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

// Package mllp implements the minimal lower layer protocol: byte-level
// framing and the inbound listener host.
package mllp

import (
	"bufio"
	"fmt"
	"io"

	"github.com/medflow/medflow/api/types"
)

// MLLP frame bytes: a start block before the payload, an end block plus
// carriage return after it.
const (
	StartByte = 0x0b
	EndByte   = 0x1c
	TrailByte = 0x0d
)

// DefaultMaxFrameSize bounds a single frame payload.
const DefaultMaxFrameSize = 1 << 20

// ReadFrame reads one framed payload. Transport errors (EOF, deadline)
// pass through; malformed framing fails with a *ProtocolFramingError so
// the caller can reset the connection.
func ReadFrame(r *bufio.Reader, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	b, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if b != StartByte {
		return nil, &types.ProtocolFramingError{Reason: fmt.Sprintf("expected start block 0x0b, got 0x%02x", b)}
	}
	var payload []byte
	for {
		b, err = r.ReadByte()
		if err != nil {
			if err == io.EOF {
				return nil, &types.ProtocolFramingError{Reason: "stream ended inside a frame"}
			}
			return nil, err
		}
		if b == EndByte {
			trail, terr := r.ReadByte()
			if terr != nil {
				return nil, &types.ProtocolFramingError{Reason: "stream ended before the frame trailer"}
			}
			if trail != TrailByte {
				return nil, &types.ProtocolFramingError{Reason: fmt.Sprintf("expected trailer 0x0d, got 0x%02x", trail)}
			}
			return payload, nil
		}
		payload = append(payload, b)
		if len(payload) > maxSize {
			return nil, &types.ProtocolFramingError{Reason: fmt.Sprintf("frame exceeds %d bytes", maxSize)}
		}
	}
}

// WriteFrame writes one framed payload.
func WriteFrame(w io.Writer, payload []byte) error {
	framed := make([]byte, 0, len(payload)+3)
	framed = append(framed, StartByte)
	framed = append(framed, payload...)
	framed = append(framed, EndByte, TrailByte)
	_, err := w.Write(framed)
	return err
}
