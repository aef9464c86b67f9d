/*
Copyright 2025 Worldgate, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package sanitize filters credential-shaped material out of outbound
// response bodies and rejects user-supplied scripts that probe the
// hosting browser. The relay ferries opaque payloads between callers
// and worlds, so filtering happens at the JSON level rather than on
// typed fields.
package sanitize

import (
	"encoding/json"
	"strings"

	"github.com/gravitational/trace"

	"github.com/worldgate/worldgate"
)

// redactedKeys are matched case-insensitively against every object key
// in an outbound body.
var redactedKeys = []string{"apikey", "privatekey", "password"}

func isRedactedKey(key string) bool {
	lower := strings.ToLower(key)
	for _, k := range redactedKeys {
		if lower == k {
			return true
		}
	}
	return false
}

// Deep walks a decoded JSON value and replaces the value of every
// credential-shaped key with the redaction placeholder. The input is
// modified in place where possible and returned. Running Deep on an
// already sanitized value yields an equal value.
func Deep(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		for k, inner := range val {
			if isRedactedKey(k) {
				val[k] = worldgate.RedactedValue
				continue
			}
			val[k] = Deep(inner)
		}
		return val
	case []interface{}:
		for i, inner := range val {
			val[i] = Deep(inner)
		}
		return val
	default:
		return v
	}
}

// Bytes sanitizes a marshaled JSON document. Non-object documents pass
// through unchanged.
func Bytes(data []byte) ([]byte, error) {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, trace.Wrap(err)
	}
	out, err := json.Marshal(Deep(v))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}
