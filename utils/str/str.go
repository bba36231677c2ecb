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

package str

import (
	"fmt"
	"strings"
)

// VarPrefix marks a global property reference inside a settings value.
const VarPrefix = "${global."

// ProcessVars substitutes ${global.key} references in the input with
// values from props. Unknown references are left verbatim.
func ProcessVars(input string, props map[string]string) string {
	if !strings.Contains(input, VarPrefix) {
		return input
	}
	out := input
	for k, v := range props {
		out = strings.ReplaceAll(out, VarPrefix+k+"}", v)
	}
	return out
}

// ParsePairs parses a "K1=V1,K2=V2" style table into a map. Blank
// entries are skipped; malformed entries are returned as an error.
func ParsePairs(s string) (map[string]string, error) {
	out := make(map[string]string)
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		kv := strings.SplitN(entry, "=", 2)
		if len(kv) != 2 || kv[0] == "" {
			return nil, fmt.Errorf("malformed pair %q", entry)
		}
		out[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	return out, nil
}

// ToString renders an arbitrary settings value as a string.
func ToString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}
