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
	"errors"
	"fmt"
	"strings"
	"time"
)

// Acknowledgement codes (MSA-1).
const (
	AckAccept          = "AA"
	AckError           = "AE"
	AckReject          = "AR"
	AckCommitAccept    = "CA"
	AckCommitError     = "CE"
	AckCommitReject    = "CR"
)

var ErrNoMSA = errors.New("acknowledgement has no MSA segment")

// BuildAck synthesizes the acknowledgement for a received message:
// sending and receiving identities are swapped, MSA-2 echoes the
// original control id. The original may be nil (unparseable inbound),
// in which case a minimal NACK without echo is produced.
func BuildAck(original *Message, code string, text string) []byte {
	ts := time.Now().Format("20060102150405")
	ackId := ts

	sendApp, sendFac, recvApp, recvFac, procId, version, controlId := "", "", "", "", "P", "2.5", ""
	if original != nil {
		sendApp, _ = original.Field("MSH-5")
		sendFac, _ = original.Field("MSH-6")
		recvApp, _ = original.Field("MSH-3")
		recvFac, _ = original.Field("MSH-4")
		if v, ok := original.Field("MSH-11"); ok && v != "" {
			procId = v
		}
		if v := original.Version(); v != "" {
			version = v
		}
		controlId = original.ControlId()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "MSH|^~\\&|%s|%s|%s|%s|%s||ACK|%s|%s|%s\r",
		sendApp, sendFac, recvApp, recvFac, ts, ackId, procId, version)
	fmt.Fprintf(&b, "MSA|%s|%s", code, controlId)
	if text != "" {
		b.WriteString("|" + sanitize(text))
	}
	b.WriteString("\r")
	return []byte(b.String())
}

// AckCode extracts MSA-1 from an acknowledgement payload. Malformed
// acknowledgements report ErrNoMSA so the caller can classify them as a
// malformed response rather than an unknown code.
func AckCode(raw []byte) (string, error) {
	m, err := Parse(raw)
	if err != nil {
		return "", err
	}
	msa, ok := m.Segment("MSA", 1)
	if !ok {
		return "", ErrNoMSA
	}
	code := msa.Field(1)
	if code == "" {
		return "", ErrNoMSA
	}
	return code, nil
}

// sanitize strips separator bytes from free text placed into MSA-3.
func sanitize(text string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '|', '^', '~', '&', '\r', '\n':
			return ' '
		}
		return r
	}, text)
}
