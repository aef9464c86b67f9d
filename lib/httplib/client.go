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

package httplib

import (
	"errors"
	"net/url"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
)

// ConvertResponse converts an HTTP error to an internal error type
// based on the response code and body contents, so API consumers can
// branch with trace.IsNotFound and friends instead of status codes.
func ConvertResponse(re *roundtrip.Response, err error) (*roundtrip.Response, error) {
	if err != nil {
		var uerr *url.Error
		if errors.As(err, &uerr) && uerr.Err != nil {
			return nil, trace.ConnectionProblem(uerr.Err, "failed to get response")
		}
		return nil, trace.ConnectionProblem(err, "failed to get response")
	}
	return re, trace.ReadError(re.Code(), re.Bytes())
}
