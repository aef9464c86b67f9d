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

// Package httplib implements common utility functions for writing
// classic HTTP handlers
package httplib

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"

	"github.com/worldgate/worldgate/lib/sanitize"
)

// HandlerFunc specifies HTTP handler function that returns error
type HandlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error)

// MakeHandler returns a new httprouter.Handle func from a handler func.
// A nil result with a nil error means the handler wrote the response
// itself (streaming endpoints).
func MakeHandler(fn HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		out, err := fn(w, r, p)
		if err != nil {
			ReplyError(w, err)
			return
		}
		if out == nil {
			return
		}
		code := http.StatusOK
		if sr, ok := out.(statusResponse); ok {
			code = sr.code
			out = sr.body
		}
		ReplyJSON(w, code, out)
	}
}

type statusResponse struct {
	code int
	body interface{}
}

// WithStatus lets a handler reply with a non-200 success code (201 for
// creations, 204 for deletions) through MakeHandler.
func WithStatus(code int, body interface{}) interface{} {
	return statusResponse{code: code, body: body}
}

// ReplyJSON writes the object as JSON after running it through the
// credential sanitizer.
func ReplyJSON(w http.ResponseWriter, code int, obj interface{}) {
	data, err := json.Marshal(obj)
	if err != nil {
		log.WithError(err).Warn("Failed to marshal response body.")
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	clean, err := sanitize.Bytes(data)
	if err != nil {
		log.WithError(err).Warn("Failed to sanitize response body.")
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(clean)
}

// ReplyRawJSON writes the object as JSON without sanitization. Used
// only by /register, the one endpoint whose purpose is handing the
// caller their credential.
func ReplyRawJSON(w http.ResponseWriter, code int, obj interface{}) {
	data, err := json.Marshal(obj)
	if err != nil {
		log.WithError(err).Warn("Failed to marshal response body.")
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

// ReadJSON reads HTTP json request and unmarshals it
// into passed interface{} obj
func ReadJSON(r *http.Request, val interface{}) error {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return trace.Wrap(err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, &val); err != nil {
		return trace.BadParameter("request body is not valid JSON: %v", err)
	}
	return nil
}

// Error is an HTTP error with an explicit status code and optional
// caller-facing hint fields merged into the reply body.
type Error struct {
	Code    int
	Message string
	Fields  map[string]interface{}
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// NewError returns an HTTP error with an explicit status code.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithFields attaches hint fields (howToUse, availableClients,
// suggestion, correlation metadata) to the error body.
func (e *Error) WithFields(fields map[string]interface{}) *Error {
	e.Fields = fields
	return e
}

// Unauthorized returns a 401 error. trace.AccessDenied maps to 403,
// which the relay reserves for callers that are authenticated but not
// owners of the resource.
func Unauthorized(message string) *Error {
	return NewError(http.StatusUnauthorized, message)
}

// Timeout returns a 408 error for operations whose world did not reply
// within the deadline.
func Timeout(message string) *Error {
	return NewError(http.StatusRequestTimeout, message)
}

// BadGateway returns a 502 error for failed cross-replica forwards.
func BadGateway(message string) *Error {
	return NewError(http.StatusBadGateway, message)
}

// ReplyError sets up http error response and writes it to writer w.
// The body shape is {"error": ..., ...hint fields}.
func ReplyError(w http.ResponseWriter, err error) {
	var httpErr *Error
	if errors.As(err, &httpErr) {
		body := map[string]interface{}{"error": httpErr.Message}
		for k, v := range httpErr.Fields {
			body[k] = v
		}
		ReplyJSON(w, httpErr.Code, body)
		return
	}
	ReplyJSON(w, trace.ErrorToCode(err), map[string]interface{}{
		"error": trace.UserMessage(err),
	})
}

// SetCORSHeaders allows any origin to call the relay API. Worlds are
// driven by browser modules served from arbitrary origins.
func SetCORSHeaders(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, x-api-key, x-url, x-world-name, x-username")
	h.Set("Access-Control-Max-Age", "86400")
}
